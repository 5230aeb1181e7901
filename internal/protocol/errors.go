package protocol

import "errors"

// Every failure surfaced by the frame reader or a decoder wraps exactly one
// of these, so callers can branch with errors.Is.
var (
	ErrTransport         = errors.New("transport failure")
	ErrMalformedHeader   = errors.New("malformed header")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrTruncatedPayload  = errors.New("truncated payload")
	ErrInvalidEncoding   = errors.New("invalid encoding")
	ErrInvalidFieldValue = errors.New("invalid field value")
	ErrNotAcknowledged   = errors.New("not acknowledged")
	ErrUnknownKind       = errors.New("unknown response kind")
)

// Class returns a short label for the taxonomy entry err belongs to. It is
// used as a metrics label.
func Class(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrMalformedHeader):
		return "malformed_header"
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, ErrTruncatedPayload):
		return "truncated_payload"
	case errors.Is(err, ErrInvalidEncoding):
		return "invalid_encoding"
	case errors.Is(err, ErrInvalidFieldValue):
		return "invalid_field_value"
	case errors.Is(err, ErrNotAcknowledged):
		return "not_acknowledged"
	case errors.Is(err, ErrUnknownKind):
		return "unknown_kind"
	default:
		return "other"
	}
}
