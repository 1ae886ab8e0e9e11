package tlspump

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/go-logr/logr"
)

// maxPlainRecord is the largest plaintext a single TLS record carries.
const maxPlainRecord = 16384

// Status is the outcome of a handshake step.
type Status int

const (
	HandshakeInProgress Status = iota
	HandshakeComplete
	HandshakeFailed
)

func (s Status) String() string {
	switch s {
	case HandshakeComplete:
		return "complete"
	case HandshakeFailed:
		return "failed"
	default:
		return "in_progress"
	}
}

// Session is the server side of one TLS connection.
//
// The TLS state machine runs on its own goroutine, which only ever blocks
// waiting for ciphertext. Every Session method that looks at TLS output
// first waits for that goroutine to settle, either parked on an empty
// input or finished, so from the caller's side each step is synchronous
// and never waits on the network. A Session is driven by one goroutine.
type Session struct {
	t    *transport
	conn *tls.Conn
	log  logr.Logger

	// guarded by t.mu
	plain     []byte
	done      bool
	handshook bool
	hsErr     error
	readErr   error
	shutdown  bool
}

// NewSession starts a handshake for a freshly accepted connection.
func NewSession(ctx *Context, log logr.Logger, local, remote net.Addr) *Session {
	t := newTransport(local, remote)
	s := &Session{
		t:    t,
		conn: tls.Server(t, ctx.config),
		log:  log,
	}
	go s.run()
	return s
}

func (s *Session) run() {
	defer func() {
		s.t.mu.Lock()
		s.done = true
		s.t.cond.Broadcast()
		s.t.mu.Unlock()
	}()

	err := s.conn.Handshake()
	s.t.mu.Lock()
	if err != nil {
		s.hsErr = err
	} else {
		s.handshook = true
	}
	s.t.mu.Unlock()
	if err != nil {
		s.log.V(1).Info("tls handshake failed", "error", err.Error())
		return
	}

	buf := make([]byte, maxPlainRecord)
	for {
		n, err := s.conn.Read(buf)
		s.t.mu.Lock()
		s.plain = append(s.plain, buf[:n]...)
		if err != nil {
			s.readErr = err
		}
		s.t.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// settleLocked waits until the TLS goroutine is parked or gone. t.mu must be held.
func (s *Session) settleLocked() {
	for !s.t.parked && !s.done {
		s.t.cond.Wait()
	}
}

// Feed hands ciphertext received from the socket to the TLS engine.
func (s *Session) Feed(ciphertext []byte) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	if s.t.closed {
		return ErrClosed
	}
	if len(ciphertext) == 0 {
		return nil
	}
	s.t.in = append(s.t.in, ciphertext...)
	s.t.parked = false
	s.t.cond.Broadcast()
	return nil
}

// Handshake advances the handshake with whatever has been fed so far.
func (s *Session) Handshake() Status {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	s.settleLocked()
	switch {
	case s.hsErr != nil:
		return HandshakeFailed
	case s.handshook:
		return HandshakeComplete
	default:
		return HandshakeInProgress
	}
}

// HandshakeComplete reports whether the handshake finished successfully.
func (s *Session) HandshakeComplete() bool {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.handshook
}

// ReadPlain copies decrypted application data into p. It returns 0 and a nil
// error when nothing is available yet, and io.EOF once the peer sent
// close-notify and all data was read.
func (s *Session) ReadPlain(p []byte) (int, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	s.settleLocked()
	if len(s.plain) > 0 {
		n := copy(p, s.plain)
		s.plain = s.plain[:copy(s.plain, s.plain[n:])]
		return n, nil
	}
	switch {
	case s.hsErr != nil:
		return 0, s.hsErr
	case s.readErr != nil && errors.Is(s.readErr, io.EOF):
		return 0, io.EOF
	case s.readErr != nil:
		return 0, fmt.Errorf("tlspump: read: %w", s.readErr)
	}
	return 0, nil
}

// WritePlain encrypts p. The ciphertext is collected for DrainCiphertext.
func (s *Session) WritePlain(p []byte) (int, error) {
	s.t.mu.Lock()
	closed, ready := s.t.closed, s.handshook
	s.t.mu.Unlock()

	switch {
	case closed:
		return 0, ErrClosed
	case !ready:
		return 0, errors.New("tlspump: write before handshake")
	}

	n, err := s.conn.Write(p)
	if err != nil {
		return n, fmt.Errorf("tlspump: write: %w", err)
	}
	return n, nil
}

// Pending reports whether ciphertext is waiting to be flushed.
func (s *Session) Pending() bool {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	s.settleLocked()
	return len(s.t.out) > 0
}

// DrainCiphertext moves all ciphertext produced so far into w.
func (s *Session) DrainCiphertext(w io.Writer) (int, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	s.settleLocked()
	if len(s.t.out) == 0 {
		return 0, nil
	}
	n, err := w.Write(s.t.out)
	s.t.out = s.t.out[:copy(s.t.out, s.t.out[n:])]
	return n, err
}

// Shutdown queues a close-notify alert. It is a no-op before the handshake
// completes or when already sent.
func (s *Session) Shutdown() error {
	s.t.mu.Lock()
	if !s.handshook || s.shutdown || s.t.closed {
		s.t.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.t.mu.Unlock()

	return s.conn.CloseWrite()
}

// ShutdownSent reports whether close-notify was queued.
func (s *Session) ShutdownSent() bool {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.shutdown
}

// PeerClosed reports whether the peer sent close-notify.
func (s *Session) PeerClosed() bool {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.readErr != nil && errors.Is(s.readErr, io.EOF)
}

// Err returns the handshake or record error that stopped the session.
func (s *Session) Err() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	if s.hsErr != nil {
		return s.hsErr
	}
	if s.readErr != nil && !errors.Is(s.readErr, io.EOF) {
		return s.readErr
	}
	return nil
}

// ConnectionState returns the negotiated parameters, or the zero value
// before the handshake completes.
func (s *Session) ConnectionState() tls.ConnectionState {
	if !s.HandshakeComplete() {
		return tls.ConnectionState{}
	}
	return s.conn.ConnectionState()
}

// Close stops the TLS goroutine and drops all buffered data.
// It does not send close-notify; call Shutdown first for that.
func (s *Session) Close() {
	s.t.Close()

	s.t.mu.Lock()
	for !s.done {
		s.t.cond.Wait()
	}
	s.plain = nil
	s.t.in, s.t.out = nil, nil
	s.t.mu.Unlock()
}
