package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"

	"github.com/codetesla51/aurora/server/bufstat"
	"github.com/codetesla51/aurora/server/engine"
	"github.com/codetesla51/aurora/server/protocol"
	"github.com/codetesla51/aurora/server/tlspump"
)

// State is the lifecycle position of a connection.
type State uint8

const (
	StateAccepted State = iota
	StateTLSHandshaking
	StateReadingRequest
	StateHandlerInvoked
	StateWriting
	StateKeepAliveIdle
	StateClosed
)

var stateNames = [...]string{
	StateAccepted:       "accepted",
	StateTLSHandshaking: "tls_handshaking",
	StateReadingRequest: "reading_request",
	StateHandlerInvoked: "handler_invoked",
	StateWriting:        "writing",
	StateKeepAliveIdle:  "keep_alive_idle",
	StateClosed:         "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Connection is one accepted client socket. Records are pooled and reused;
// gen changes on every reuse and is zero once the connection closed.
type Connection struct {
	srv    *Server
	fd     int
	gen    uint64
	pooled bool
	remote *net.TCPAddr
	state  State

	session   *tlspump.Session
	tlsStats  *bufstat.Tracker
	tlsBuf    bufstat.Buffer
	handshook bool

	parser  protocol.Parser
	req     protocol.Assembler
	backlog bufstat.Buffer // bytes that arrived after a complete request

	reqGen     uint64
	responded  bool
	userData   any
	forceClose bool
	sent       bool // response bytes reached the socket

	write *WriteRequest
	next  *WriteRequest

	requests int
	idle     *engine.Timer
}

// State returns the connection state.
func (c *Connection) State() State { return c.state }

// Requests returns how many requests the connection has dispatched.
func (c *Connection) Requests() int { return c.requests }

func (c *Connection) RemoteAddr() net.Addr { return c.remote }

// reading reports whether the connection accepts bytes from the socket.
func (c *Connection) reading() bool {
	switch c.state {
	case StateTLSHandshaking, StateReadingRequest, StateKeepAliveIdle:
		return true
	}
	return false
}

func (c *Connection) handle(ev engine.Events) {
	switch {
	case ev&engine.Writable != 0 && c.write != nil:
		c.flush()
	case c.reading() && ev&(engine.Readable|engine.Hangup|engine.Failed) != 0:
		if c.session != nil {
			c.readTLS()
		} else {
			c.readPlain()
		}
	case ev&(engine.Hangup|engine.Failed) != 0:
		c.close("peer hung up")
	}
}

// read fills p from the socket. It returns false when nothing more should
// happen on this event.
func (c *Connection) read(p []byte) (int, bool) {
	s := c.srv
	n, err := engine.Read(c.fd, p)
	switch {
	case engine.WouldBlock(err):
		return 0, false
	case err != nil:
		s.io.errors.Inc()
		c.fail(newError(CodeNetwork, "read", err))
		return 0, false
	case n == 0:
		c.close("peer closed")
		return 0, false
	}

	s.io.read(n)
	c.idle.Reset(s.cfg.KeepAliveTimeout)
	return n, true
}

func (c *Connection) readPlain() {
	s := c.srv
	buf, err := s.scratch()
	if err != nil {
		c.abort(err)
		return
	}
	n, ok := c.read(buf)
	if !ok {
		return
	}
	s.readStats.Update(n)
	c.consume(buf[:n])
}

func (c *Connection) readTLS() {
	room, err := c.tlsBuf.Available(c.tlsStats.OptimalSize())
	if err != nil {
		c.abort(err)
		return
	}
	n, ok := c.read(room)
	if !ok {
		return
	}
	c.tlsBuf.Advance(n)
	c.tlsBuf.Record()
	err = c.session.Feed(c.tlsBuf.Bytes())
	c.tlsBuf.Truncate(0)
	if err != nil {
		c.fail(newError(CodeTLSIO, "tls feed", err))
		return
	}

	if c.state == StateTLSHandshaking {
		status := c.session.Handshake()
		c.flushTLS()
		if c.state == StateClosed {
			return
		}
		switch status {
		case tlspump.HandshakeFailed:
			c.fail(newError(CodeTLSHandshake, "tls handshake", c.session.Err()))
			return
		case tlspump.HandshakeInProgress:
			return
		}
		c.handshook = true
		c.state = StateReadingRequest
		c.srv.log.V(1).Info("tls handshake complete", "remote", c.remote.String(),
			"version", tls.VersionName(c.session.ConnectionState().Version))
	}
	c.pumpPlain()
}

// pumpPlain hands all decrypted bytes to the parser.
func (c *Connection) pumpPlain() {
	buf, err := c.srv.scratch()
	if err != nil {
		c.abort(err)
		return
	}
	for c.state != StateClosed {
		n, err := c.session.ReadPlain(buf)
		if n > 0 {
			c.srv.readStats.Update(n)
			c.consume(buf[:n])
			continue
		}
		switch {
		case errors.Is(err, io.EOF):
			if c.reading() {
				c.close("tls close notify")
				return
			}
			c.forceClose = true
		case err != nil:
			c.fail(newError(CodeTLSIO, "tls read", err))
			return
		}
		break
	}
	if c.state != StateClosed {
		c.flushTLS()
	}
}

// consume parses data. Bytes arriving while a request is being handled or
// written wait in the backlog.
func (c *Connection) consume(data []byte) {
	for len(data) > 0 && c.state != StateClosed {
		if !c.reading() {
			if err := c.backlog.Append(data); err != nil {
				c.abort(err)
			}
			return
		}

		c.state = StateReadingRequest
		n, events, err := c.parser.Execute(data)
		if err != nil {
			c.fail(newError(parseCode(err), "parse", err))
			return
		}
		for _, ev := range events {
			if err := c.req.Apply(ev); err != nil {
				c.abort(err)
				return
			}
		}
		data = data[n:]

		if c.parser.Complete() {
			c.dispatch()
		} else if n == 0 {
			return
		}
	}
}

func (c *Connection) dispatch() {
	s := c.srv
	c.requests++
	c.reqGen = s.nextGen()
	c.state = StateHandlerInvoked
	c.responded = false
	s.loop.Modify(c.fd, 0)
	c.idle.Reset(s.cfg.KeepAliveTimeout)

	s.invoke(c, &Request{conn: c, gen: c.reqGen})
}

func (s *Server) invoke(c *Connection, req *Request) {
	defer func() {
		if err := recover(); err != nil {
			s.log.Error(fmt.Errorf("%v", err), "PANIC recovered", "stack", string(debug.Stack()))
			if req.live() != nil {
				c.forceClose = true
				resp := NewResponse()
				resp.SetStatus(500)
				c.respond(resp)
			}
		}
	}()

	s.handler(req)
}

func (c *Connection) keepAlive() bool {
	s := c.srv
	switch {
	case !s.cfg.EnableKeepAlive, !c.parser.ShouldKeepAlive(), c.forceClose, s.closing:
		return false
	case c.session != nil && !s.cfg.TLSKeepAlive:
		return false
	}
	return c.requests < s.cfg.MaxKeepAliveRequests
}

// respond queues resp as the answer to the current request.
func (c *Connection) respond(resp *Response) error {
	s := c.srv
	c.responded = true
	c.userData = nil

	keep := c.keepAlive()
	conn := ""
	switch {
	case !keep:
		conn = "close"
	case c.parser.Head().Minor == 0:
		conn = "keep-alive"
	}

	status := resp.status
	if !protocol.ValidStatus(status) {
		status = 500
	}
	if s.cfg.EnableLogging {
		logRequest(s.log, c.req.Method(), string(c.req.Target()), status)
	}

	w := s.writes.get(c)
	w.response = true
	w.closeAfter = !keep

	head := w.newBuffer(s.alloc, s.responseStats)
	err := protocol.AppendHead(head, status, resp.headers, len(resp.body), conn)
	if err == nil {
		head.Record()
		if c.session != nil {
			err = c.seal(w, head.Bytes(), resp.body, !keep)
		} else {
			w.push(head.Bytes())
			err = c.attachBody(w, resp.body)
		}
	}
	if err != nil {
		s.writes.put(w)
		c.abort(err)
		return wrap("respond", err)
	}

	c.submit(w)
	return nil
}

func (c *Connection) attachBody(w *WriteRequest, body []byte) error {
	if len(body) == 0 {
		return nil
	}
	b := w.newBuffer(c.srv.alloc, c.srv.responseStats)
	if err := b.Append(body); err != nil {
		return err
	}
	w.push(b.Bytes())
	return nil
}

// seal encrypts a response into one ciphertext buffer.
func (c *Connection) seal(w *WriteRequest, head, body []byte, closing bool) error {
	if _, err := c.session.WritePlain(head); err != nil {
		return newError(CodeTLSIO, "tls write", err)
	}
	if len(body) > 0 {
		if _, err := c.session.WritePlain(body); err != nil {
			return newError(CodeTLSIO, "tls write", err)
		}
	}
	if closing {
		c.session.Shutdown()
	}

	buf := w.newBuffer(c.srv.alloc, c.tlsStats)
	if _, err := c.session.DrainCiphertext(buf); err != nil {
		return err
	}
	w.push(buf.Bytes())
	return nil
}

// flushTLS writes out handshake records and alerts.
func (c *Connection) flushTLS() {
	if c.write != nil || !c.session.Pending() {
		return
	}
	s := c.srv
	w := s.writes.get(c)
	buf := w.newBuffer(s.alloc, c.tlsStats)
	if _, err := c.session.DrainCiphertext(buf); err != nil {
		s.writes.put(w)
		c.abort(err)
		return
	}
	w.push(buf.Bytes())
	c.write = w
	c.flush()
}

func (c *Connection) submit(w *WriteRequest) {
	c.state = StateWriting
	c.srv.io.writes.Inc()
	c.idle.Reset(c.srv.cfg.KeepAliveTimeout)
	if c.write != nil {
		c.next = w
		return
	}
	c.write = w
	c.flush()
}

// flush writes as much of the current envelope as the socket takes.
func (c *Connection) flush() {
	s := c.srv
	w := c.write
	if w.finished {
		return
	}

	for !w.done() {
		iov := w.pending()
		var (
			n   int
			err error
		)
		if len(iov) == 1 {
			n, err = engine.Write(c.fd, iov[0])
		} else {
			n, err = engine.Writev(c.fd, iov)
		}
		if err != nil {
			if engine.WouldBlock(err) {
				c.wait(w)
				return
			}
			s.io.errors.Inc()
			c.fail(newError(CodeNetwork, "write", err))
			return
		}
		s.io.wrote(n, len(iov))
		c.sent = c.sent || w.response
		w.advance(n)
	}

	w.finished = true
	if !w.response {
		c.transportDone(w)
		return
	}
	if w.waiting {
		s.loop.Modify(c.fd, 0)
	}
	gen := c.gen
	s.loop.Post(func() {
		if c.gen == gen && c.write == w {
			c.writeDone()
		}
	})
}

func (c *Connection) wait(w *WriteRequest) {
	s := c.srv
	if !w.waiting {
		s.io.partialWrites.Inc()
	}
	w.waiting = true
	ev := engine.Writable
	if !w.response {
		ev |= engine.Readable
	}
	if err := s.loop.Modify(c.fd, ev); err != nil {
		c.fail(newError(CodeNetwork, "modify", err))
	}
}

// transportDone finishes a handshake or alert write and starts any
// response queued behind it.
func (c *Connection) transportDone(w *WriteRequest) {
	s := c.srv
	c.write = nil
	s.writes.put(w)

	if c.next != nil {
		c.write, c.next = c.next, nil
		c.flush()
		return
	}
	if w.waiting && c.reading() {
		if err := s.loop.Modify(c.fd, engine.Readable); err != nil {
			c.fail(newError(CodeNetwork, "modify", err))
		}
	}
}

// writeDone runs on the loop once a response is fully written.
func (c *Connection) writeDone() {
	s := c.srv
	w := c.write
	c.write = nil
	closeAfter := w.closeAfter || c.forceClose
	s.writes.put(w)

	if closeAfter {
		c.close("response complete")
		return
	}
	c.resetForNext()
}

// resetForNext prepares a kept-alive connection for its next request.
func (c *Connection) resetForNext() {
	s := c.srv
	c.parser.Reset()
	c.req.Reset()
	c.responded = false
	c.sent = false
	c.userData = nil
	c.reqGen = 0
	c.state = StateKeepAliveIdle
	c.idle.Reset(s.cfg.KeepAliveTimeout)

	if err := s.loop.Modify(c.fd, engine.Readable); err != nil {
		c.fail(newError(CodeNetwork, "modify", err))
		return
	}

	if c.backlog.Len() > 0 {
		blk, n := c.backlog.Detach()
		c.consume(blk.Bytes()[:n])
		s.alloc.Free(&blk)
	}
	if c.session != nil && c.reading() {
		c.pumpPlain()
	}
}

func (c *Connection) timeout() {
	c.srv.log.V(1).Info("connection timed out", "remote", c.remote.String(), "state", c.state.String())
	c.close("timeout")
}

// fail closes the connection after a protocol, TLS or socket error.
func (c *Connection) fail(err *Error) {
	c.srv.log.V(1).Info("closing connection", "remote", c.remote.String(),
		"code", int(err.Code), "error", err.Error())
	c.close(err.Code.String())
}

// abort handles a failed allocation: a static 500 when nothing was sent
// for the current request, then close.
func (c *Connection) abort(err error) {
	s := c.srv
	s.log.Error(err, "aborting connection", "remote", c.remote.String(), "state", c.state.String())

	if !c.sent && c.write == nil {
		switch c.state {
		case StateReadingRequest, StateHandlerInvoked, StateWriting:
			c.sendStatic(protocol.InternalError)
		}
	}
	c.close("allocation failed")
}

// sendStatic makes one best-effort attempt to write p, bypassing the pool.
func (c *Connection) sendStatic(p []byte) {
	if c.session == nil {
		engine.Write(c.fd, p)
		return
	}
	if _, err := c.session.WritePlain(p); err != nil {
		return
	}
	c.session.Shutdown()
	c.drainDirect()
}

// drainDirect writes pending ciphertext straight to the socket.
func (c *Connection) drainDirect() {
	tmp := bufstat.NewBuffer(c.srv.alloc, nil)
	if _, err := c.session.DrainCiphertext(&tmp); err == nil && tmp.Len() > 0 {
		engine.Write(c.fd, tmp.Bytes())
	}
	tmp.Release()
}

// close tears the connection down. The record goes back to its pool once
// the current loop iteration is over.
func (c *Connection) close(reason string) {
	if c.state == StateClosed {
		return
	}
	s := c.srv
	prev := c.state
	c.state = StateClosed
	c.gen, c.reqGen = 0, 0
	c.idle.Stop()
	s.loop.Remove(c.fd)

	if c.session != nil {
		if c.handshook && !c.session.ShutdownSent() {
			c.session.Shutdown()
			c.drainDirect()
		}
		c.session.Close()
	}
	engine.Close(c.fd)
	s.live.Delete(c.fd)

	for _, w := range [...]*WriteRequest{c.write, c.next} {
		if w != nil {
			s.writes.put(w)
		}
	}
	c.write, c.next = nil, nil
	c.req.Reset()
	c.backlog.Release()
	c.tlsBuf.Release()

	s.log.V(2).Info("connection closed", "remote", c.remote.String(), "reason", reason,
		"state", prev.String(), "requests", c.requests)
	s.release(c)
}
