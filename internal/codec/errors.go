package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingToken the payload has no "base64," token
	ErrMissingToken = errors.New("codec: missing base64 token")

	// ErrInvalidBase64 the payload body is not valid base64
	ErrInvalidBase64 = errors.New("codec: invalid base64 payload")

	// ErrUnsupportedImage the decoded bytes are not a recognized image container
	ErrUnsupportedImage = errors.New("codec: unsupported or corrupt image")

	// ErrPayloadTooLarge the payload exceeds the configured size limit
	ErrPayloadTooLarge = errors.New("codec: payload too large")

	// ErrEmptyImage the image has no pixels
	ErrEmptyImage = errors.New("codec: empty image")

	// ErrUnsupportedFormat the requested output container is not encodable
	ErrUnsupportedFormat = errors.New("codec: unsupported output format")
)

// DecodeError is returned for any payload that cannot be turned into an image.
// The frame must be dropped as a whole.
type DecodeError struct {
	Reason error
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decode frame: %v: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("decode frame: %v", e.Reason)
}

// Unwrap exposes both the sentinel reason and the underlying cause to errors.Is/As.
func (e *DecodeError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Reason, e.Cause}
	}
	return []error{e.Reason}
}

// EncodeError is returned when an image cannot be serialized.
type EncodeError struct {
	Format Format
	Reason error
	Cause  error
}

func (e *EncodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("encode %s: %v: %v", e.Format, e.Reason, e.Cause)
	}
	return fmt.Sprintf("encode %s: %v", e.Format, e.Reason)
}

func (e *EncodeError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Reason, e.Cause}
	}
	return []error{e.Reason}
}

func decodeErr(reason, cause error) error {
	return &DecodeError{Reason: reason, Cause: cause}
}

func encodeErr(format Format, reason, cause error) error {
	return &EncodeError{Format: format, Reason: reason, Cause: cause}
}
