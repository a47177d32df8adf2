package config

import (
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes {{.VAR}} references in raw config data with the
// value of the corresponding environment variable. Unset variables expand
// to the empty string. On template errors the original data is returned
// unchanged so the YAML parser can report the real problem.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			envMap[k] = v
		}
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, envMap); err != nil {
		return data
	}
	return []byte(sb.String())
}
