package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("CONDUIT_TEST_VALUE", "expanded")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "substitutes set variable",
			input:    "channel: {{.CONDUIT_TEST_VALUE}}",
			expected: "channel: expanded",
		},
		{
			name:     "unset variable expands to empty",
			input:    "channel: {{.CONDUIT_TEST_UNSET_VALUE}}",
			expected: "channel: ",
		},
		{
			name:     "no templates passes through",
			input:    "channel: plain",
			expected: "channel: plain",
		},
		{
			name:     "multiple substitutions",
			input:    "a: {{.CONDUIT_TEST_VALUE}}\nb: {{.CONDUIT_TEST_VALUE}}",
			expected: "a: expanded\nb: expanded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestExpandEnvMalformedTemplateReturnsOriginal(t *testing.T) {
	input := "channel: {{.UNCLOSED"
	result := ExpandEnv([]byte(input))
	assert.Equal(t, input, string(result))
}
