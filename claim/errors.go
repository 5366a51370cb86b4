package claim

import (
	"fmt"
	"strings"
)

// DateError is returned when a service date is not a real DD/MM/YYYY date.
type DateError struct {
	Input string
	Cause error
}

func (e *DateError) Error() string {
	return fmt.Sprintf("claim: invalid service date %q", e.Input)
}

func (e *DateError) Unwrap() error { return e.Cause }

// EncodeError is returned when a record cannot be built or encoded. It ends
// the capture attempt that produced it and nothing else.
type EncodeError struct {
	Reason string
	Fields []Field
	Cause  error
}

func (e *EncodeError) Error() string {
	msg := "claim: encode: " + e.Reason
	if len(e.Fields) > 0 {
		names := make([]string, len(e.Fields))
		for i, f := range e.Fields {
			names[i] = string(f)
		}
		msg += " (" + strings.Join(names, ", ") + ")"
	}
	return msg
}

func (e *EncodeError) Unwrap() error { return e.Cause }

// DecodeError is returned for a mailbox filename that is not a valid key.
// The batch skips that artifact and carries on.
type DecodeError struct {
	Key    string
	Reason string
	Cause  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("claim: decode %q: %s", e.Key, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Cause }
