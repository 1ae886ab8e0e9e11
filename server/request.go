package server

import (
	"net"
)

// Request is a read-only view of the request a connection is handling.
// It stays valid until Respond is called or the connection closes; byte
// slices it returns must not be kept past that point.
type Request struct {
	conn *Connection
	gen  uint64
}

// live returns the connection when r still refers to the request awaiting
// a response.
func (r *Request) live() *Connection {
	if r == nil || r.conn == nil {
		return nil
	}
	c := r.conn
	if c.reqGen != r.gen || c.state != StateHandlerInvoked || c.responded {
		return nil
	}
	return c
}

// Method returns the request method, or "" once the request is gone.
func (r *Request) Method() string {
	if c := r.live(); c != nil {
		return c.req.Method()
	}
	return ""
}

// Target returns the request target as sent.
func (r *Request) Target() string {
	if c := r.live(); c != nil {
		return string(c.req.Target())
	}
	return ""
}

// Proto returns "HTTP/1.1" or "HTTP/1.0".
func (r *Request) Proto() string {
	if c := r.live(); c != nil {
		return c.req.Head().Proto()
	}
	return ""
}

// Header returns the first value of the named header. Names match without
// regard to case.
func (r *Request) Header(name string) (string, bool) {
	c := r.live()
	if c == nil {
		return "", false
	}
	v, ok := c.req.Header(name)
	return string(v), ok
}

// VisitHeaders calls fn for every header in arrival order until fn
// returns false. The slices are only valid during the call.
func (r *Request) VisitHeaders(fn func(name, value []byte) bool) {
	if c := r.live(); c != nil {
		c.req.VisitHeaders(fn)
	}
}

// HeaderCount returns the number of header lines.
func (r *Request) HeaderCount() int {
	if c := r.live(); c != nil {
		return c.req.HeaderCount()
	}
	return 0
}

// Body returns the request body. The slice belongs to the connection.
func (r *Request) Body() []byte {
	if c := r.live(); c != nil {
		return c.req.Body()
	}
	return nil
}

func (r *Request) BodyLength() int { return len(r.Body()) }

func (r *Request) RemoteAddr() net.Addr {
	if c := r.live(); c != nil {
		return c.remote
	}
	return nil
}

func (r *Request) IsTLS() bool {
	c := r.live()
	return c != nil && c.session != nil
}

// KeepAlive reports whether the client asked to keep the connection open.
func (r *Request) KeepAlive() bool {
	c := r.live()
	return c != nil && c.parser.ShouldKeepAlive()
}

// UserData returns the value stored with SetUserData for this request.
func (r *Request) UserData() any {
	if c := r.live(); c != nil {
		return c.userData
	}
	return nil
}

// SetUserData attaches an arbitrary value to the request. It is dropped
// when the response is sent.
func (r *Request) SetUserData(v any) {
	if c := r.live(); c != nil {
		c.userData = v
	}
}

// Respond sends resp on the connection r came from. A request can be
// answered once; later calls log a warning and return ErrInvalidParam.
func (r *Request) Respond(resp *Response) error {
	const op = "respond"

	if r == nil || r.conn == nil || resp == nil {
		return invalidParam(op, "nil request or response")
	}
	c := r.live()
	if c == nil {
		if srv := r.conn.srv; srv != nil {
			srv.log.Error(nil, "response ignored, request already answered or gone")
		}
		return invalidParam(op, "request already answered")
	}
	return c.respond(resp)
}

// Respond is req.Respond(resp).
func Respond(req *Request, resp *Response) error {
	return req.Respond(resp)
}
