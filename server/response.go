package server

import (
	"strings"

	"github.com/codetesla51/aurora/server/protocol"
)

// Response is built by a handler and handed to Respond, which copies what
// it needs. The caller keeps ownership and may reuse it after Release.
type Response struct {
	status  int
	headers []protocol.Header
	body    []byte
}

// NewResponse returns an empty 200 response.
func NewResponse() *Response {
	return &Response{status: 200}
}

// SetStatus sets the status code, which must be in 100-599.
func (r *Response) SetStatus(code int) error {
	if !protocol.ValidStatus(code) {
		return invalidParam("set status", "status %d out of range", code)
	}
	r.status = code
	return nil
}

// Status returns the status code.
func (r *Response) Status() int { return r.status }

// AddHeader appends a header line. Duplicates are kept in order. Names must
// be tokens and neither part may contain CR or LF. Content-Length and
// Connection are set by the server and rejected here.
func (r *Response) AddHeader(name, value string) error {
	const op = "add header"

	if name == "" {
		return invalidParam(op, "empty header name")
	}
	for i := 0; i < len(name); i++ {
		if !validHeaderNameByte(name[i]) {
			return invalidParam(op, "invalid header name %q", name)
		}
	}
	if protocol.IsFramingHeader(name) {
		return invalidParam(op, "header %q is set by the server", name)
	}
	if strings.ContainsAny(value, "\r\n") {
		return invalidParam(op, "header %q value contains CR or LF", name)
	}
	r.headers = append(r.headers, protocol.Header{Name: name, Value: value})
	return nil
}

// Headers returns the header lines added so far.
func (r *Response) Headers() []protocol.Header { return r.headers }

// SetBody copies body into the response.
func (r *Response) SetBody(body []byte) {
	r.body = append(r.body[:0], body...)
}

func (r *Response) SetBodyString(body string) {
	r.body = append(r.body[:0], body...)
}

func (r *Response) Body() []byte { return r.body }

// Release clears the response back to an empty 200, keeping its storage.
func (r *Response) Release() {
	clear(r.headers)
	r.headers = r.headers[:0]
	r.body = r.body[:0]
	r.status = 200
}

func validHeaderNameByte(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}
