// Package errs defines the error kinds reported by the expression service.
//
// Configuration, validation and type errors are raised before any
// computation starts. Data integrity errors abort a running calculation
// with no partial output.
package errs

import (
	"fmt"
	"strings"
)

// ConfigurationError reports a required parameter that was not supplied.
type ConfigurationError struct {
	Param string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%q parameter is required, but missing", e.Param)
}

// ValidationError reports a malformed identifier or a referenced entity
// that does not exist.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// TypeError reports an object whose stored type is not one the operation
// accepts.
type TypeError struct {
	Field    string
	Type     string // actual type, may be empty
	Accepted []string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("%s should be of type %s", e.Field, strings.Join(e.Accepted, " or "))
}

// DataIntegrityError reports a tracking file row whose identifier is not a
// known feature of the reference.
type DataIntegrityError struct {
	Line int // 1-based, header is line 1
	Text string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("line %d does not include a known feature: %s", e.Line, e.Text)
}
