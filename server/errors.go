package server

import (
	"errors"
	"fmt"

	"github.com/codetesla51/aurora/server/engine"
	"github.com/codetesla51/aurora/server/mempool"
	"github.com/codetesla51/aurora/server/protocol"
	"github.com/codetesla51/aurora/server/tlspump"
	"golang.org/x/sys/unix"
)

// Code classifies every failure the server reports.
type Code int

const (
	CodeSuccess         Code = 0
	CodeMemory          Code = -1
	CodeInvalidParam    Code = -2
	CodeTLSInit         Code = -3
	CodeTLSHandshake    Code = -4
	CodeTLSIO           Code = -5
	CodeHTTPParse       Code = -6
	CodeNetwork         Code = -7
	CodeCertLoad        Code = -8
	CodeBufferOverflow  Code = -9
	CodeConnectionLimit Code = -10
	CodeUnknown         Code = -99
)

var codeNames = map[Code]string{
	CodeSuccess:         "success",
	CodeMemory:          "memory allocation failed",
	CodeInvalidParam:    "invalid parameter",
	CodeTLSInit:         "tls initialization failed",
	CodeTLSHandshake:    "tls handshake failed",
	CodeTLSIO:           "tls i/o error",
	CodeHTTPParse:       "http parse error",
	CodeNetwork:         "network error",
	CodeCertLoad:        "certificate load failed",
	CodeBufferOverflow:  "buffer overflow",
	CodeConnectionLimit: "connection limit reached",
	CodeUnknown:         "unknown error",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return codeNames[CodeUnknown]
}

// Error is the error type returned by the server. Two Errors match under
// errors.Is when their codes are equal.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := "aurora: " + e.Code.String()
	if e.Op != "" {
		msg = "aurora: " + e.Op + ": " + e.Code.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrMemory          = &Error{Code: CodeMemory}
	ErrInvalidParam    = &Error{Code: CodeInvalidParam}
	ErrTLSInit         = &Error{Code: CodeTLSInit}
	ErrTLSHandshake    = &Error{Code: CodeTLSHandshake}
	ErrTLSIO           = &Error{Code: CodeTLSIO}
	ErrHTTPParse       = &Error{Code: CodeHTTPParse}
	ErrNetwork         = &Error{Code: CodeNetwork}
	ErrCertLoad        = &Error{Code: CodeCertLoad}
	ErrBufferOverflow  = &Error{Code: CodeBufferOverflow}
	ErrConnectionLimit = &Error{Code: CodeConnectionLimit}
)

func newError(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func invalidParam(op, format string, args ...any) *Error {
	return newError(CodeInvalidParam, op, fmt.Errorf(format, args...))
}

// CodeOf returns the code carried by err. A nil error is CodeSuccess and
// errors from other packages map by their sentinel.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return classify(err)
}

// classify maps errors of the lower layers onto codes.
func classify(err error) Code {
	switch {
	case errors.Is(err, mempool.ErrAllocFailed), errors.Is(err, mempool.ErrInvalidSize):
		return CodeMemory
	case protocol.IsLimit(err):
		return CodeBufferOverflow
	case errors.Is(err, tlspump.ErrCertLoad):
		return CodeCertLoad
	case errors.Is(err, tlspump.ErrClosed):
		return CodeTLSIO
	case errors.Is(err, engine.ErrInvalidAddress):
		return CodeInvalidParam
	case errors.Is(err, engine.ErrLoopClosed):
		return CodeNetwork
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return CodeNetwork
	}
	return CodeUnknown
}

// parseCode is the code for an error returned by the request parser.
func parseCode(err error) Code {
	if protocol.IsLimit(err) {
		return CodeBufferOverflow
	}
	return CodeHTTPParse
}

// wrap attaches op and a code derived from err.
func wrap(op string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(classify(err), op, err)
}
