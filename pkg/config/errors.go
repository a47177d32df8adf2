package config

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidYAML indicates a YAML parse failure.
	ErrInvalidYAML = errors.New("invalid YAML")

	// ErrInvalidSeparator is returned when namespace_separator is neither "." nor "__".
	ErrInvalidSeparator = errors.New(`namespace_separator must be "." or "__"`)

	// ErrInvalidPattern is returned when a custom masking pattern does not compile.
	ErrInvalidPattern = errors.New("invalid masking pattern")
)

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Section string
	Field   string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config %s.%s: %v", e.Section, e.Field, e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Section, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError builds a ValidationError for a section field.
func NewValidationError(section, field string, err error) *ValidationError {
	return &ValidationError{Section: section, Field: field, Err: err}
}

// LoadError wraps a failure to read or parse a configuration file.
type LoadError struct {
	Path string
	Err  error
}

// NewLoadError builds a LoadError for a config file path.
func NewLoadError(path string, err error) *LoadError {
	return &LoadError{Path: path, Err: err}
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load config %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
