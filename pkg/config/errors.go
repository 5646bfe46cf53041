package config

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidProfile indicates a service profile entry failed to parse.
	ErrInvalidProfile = errors.New("invalid service profile")

	// ErrMissingRequiredField indicates a required field is missing.
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidValue indicates a field has an invalid value.
	ErrInvalidValue = errors.New("invalid field value")
)

// LoadError wraps a failure to read or parse a file under
// SERVICE_PROFILE_DIR with the path that failed.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// NewLoadError builds a LoadError for file.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}

// ProfileFieldError reports a validation failure against one field of one
// on-disk service profile. Profiles with a missing Safe, agent key or a
// serviceId of -1 do not produce this error; pkg/registry logs and excludes
// them.
type ProfileFieldError struct {
	Path  string // profile file path
	Field string
	Err   error
}

func (e *ProfileFieldError) Error() string {
	return fmt.Sprintf("service profile %s: field %q: %v", e.Path, e.Field, e.Err)
}

func (e *ProfileFieldError) Unwrap() error {
	return e.Err
}

// NewProfileFieldError builds a ProfileFieldError for one profile file.
func NewProfileFieldError(path, field string, err error) *ProfileFieldError {
	return &ProfileFieldError{Path: path, Field: field, Err: err}
}

// EnvFieldError reports a validation failure against one of the process
// environment variables spec.md section 6 names.
type EnvFieldError struct {
	Field string
	Err   error
}

func (e *EnvFieldError) Error() string {
	return fmt.Sprintf("env %s: %v", e.Field, e.Err)
}

func (e *EnvFieldError) Unwrap() error {
	return e.Err
}

// NewEnvFieldError builds an EnvFieldError for one environment variable.
func NewEnvFieldError(field string, err error) *EnvFieldError {
	return &EnvFieldError{Field: field, Err: err}
}
