package command

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by validation and the wire codec.
var (
	// ErrMalformedEnvelope is returned when input is not a structured JSON object.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrSchemaViolation is returned when an envelope is well-formed JSON but its
	// payload does not match its signal, or a payload invariant is broken.
	ErrSchemaViolation = errors.New("schema violation")
	// ErrUnknownSignal is returned when signal is absent or not in the catalog.
	ErrUnknownSignal = errors.New("unknown signal")
	// ErrNumericOverflow is returned when an integer identifier exceeds int64.
	ErrNumericOverflow = errors.New("numeric overflow")
)

// ViolationError locates a decode or validation failure inside an envelope.
// It unwraps to one of the taxonomy sentinels.
type ViolationError struct {
	// Kind is the taxonomy sentinel, e.g. ErrSchemaViolation.
	Kind error
	// Path is the JSON path of the offending field, e.g. "record_cmd.spk_list[1].spk_id".
	Path string
	// Reason is a human-readable description.
	Reason string
}

func (e *ViolationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%v at %s: %s", e.Kind, e.Path, e.Reason)
}

func (e *ViolationError) Unwrap() error { return e.Kind }

// Violation builds a ViolationError.
func Violation(kind error, path, format string, args ...any) *ViolationError {
	return &ViolationError{Kind: kind, Path: path, Reason: fmt.Sprintf(format, args...)}
}
