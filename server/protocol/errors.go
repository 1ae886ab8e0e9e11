package protocol

import "errors"

// errors for parsing
var (
	ErrInvalidMethod           = errors.New("protocol: invalid method")
	ErrInvalidURL              = errors.New("protocol: invalid request target")
	ErrInvalidVersion          = errors.New("protocol: unsupported http version")
	ErrInvalidHeader           = errors.New("protocol: invalid header")
	ErrInvalidEOL              = errors.New("protocol: expected CRLF")
	ErrInvalidContentLength    = errors.New("protocol: invalid content-length")
	ErrInvalidTransferEncoding = errors.New("protocol: unsupported transfer-encoding")
	ErrUnexpectedContentLength = errors.New("protocol: content-length with transfer-encoding")
	ErrInvalidChunk            = errors.New("protocol: invalid chunk")

	ErrHeaderTooLarge = errors.New("protocol: headers too large")
	ErrTooManyHeaders = errors.New("protocol: too many headers")
	ErrBodyTooLarge   = errors.New("protocol: body too large")
)

// IsLimit reports whether err is a size limit violation rather than malformed input.
func IsLimit(err error) bool {
	return errors.Is(err, ErrHeaderTooLarge) ||
		errors.Is(err, ErrTooManyHeaders) ||
		errors.Is(err, ErrBodyTooLarge)
}
