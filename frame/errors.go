package frame

import "fmt"

// DecodeError reports a malformed, truncated or out-of-range frame.
type DecodeError struct {
	// Type is the frame type being decoded, zero when the failure happened
	// before the tag was known.
	Type   Type
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Type == 0 {
		return "frame: decode: " + e.Reason
	}
	return "frame: decode " + e.Type.String() + ": " + e.Reason
}

func decodeErrorf(t Type, format string, args ...any) *DecodeError {
	return &DecodeError{Type: t, Reason: fmt.Sprintf(format, args...)}
}
