package analysis

import "fmt"

// NormalizationErrorKind classifies why a service payload was rejected.
type NormalizationErrorKind string

const (
	// MissingField means a required field was absent, null or empty,
	// or the payload held no decodable JSON object at all.
	MissingField NormalizationErrorKind = "missing_field"
	// OutOfRange means a field was present but implausible.
	OutOfRange NormalizationErrorKind = "out_of_range"
)

// NormalizationError reports a service payload that could not become a
// [Result]. It is permanent: retrying the same payload cannot succeed.
type NormalizationError struct {
	Kind   NormalizationErrorKind
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("normalize: %s: %s", e.Kind, e.Field)
	}
	return fmt.Sprintf("normalize: %s: %s: %s", e.Kind, e.Field, e.Reason)
}

func missing(field string) *NormalizationError {
	return &NormalizationError{Kind: MissingField, Field: field}
}

func outOfRange(field, format string, args ...any) *NormalizationError {
	return &NormalizationError{Kind: OutOfRange, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ParseErrorKind classifies refinement parse failures.
type ParseErrorKind string

// Unrecognized means the text held no usable weight or cooking method.
const Unrecognized ParseErrorKind = "unrecognized"

// ParseError reports user text that could not be read as a refinement.
type ParseError struct {
	Kind   ParseErrorKind
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse refinement %q: %s", e.Input, e.Reason)
}
