package tlspump

import (
	"io"
	"net"
	"sync"
	"time"
)

type memAddr struct{}

func (memAddr) Network() string { return "mem" }
func (memAddr) String() string { return "mem" }

// transport is the net.Conn crypto/tls runs on. Reads drain ciphertext fed
// by the reactor and block only while the input is empty; writes collect
// ciphertext for the reactor to flush. Deadlines are ignored.
type transport struct {
	mu   sync.Mutex
	cond *sync.Cond

	in  []byte
	out []byte

	// parked is set while the TLS goroutine waits on an empty input.
	parked bool
	eof    bool
	closed bool

	local, remote net.Addr
}

func newTransport(local, remote net.Addr) *transport {
	if local == nil {
		local = memAddr{}
	}
	if remote == nil {
		remote = memAddr{}
	}
	t := &transport{local: local, remote: remote}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *transport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.in) == 0 {
		switch {
		case t.closed:
			return 0, net.ErrClosed
		case t.eof:
			return 0, io.EOF
		}
		t.parked = true
		t.cond.Broadcast()
		t.cond.Wait()
	}
	t.parked = false

	n := copy(p, t.in)
	t.in = t.in[:copy(t.in, t.in[n:])]
	return n, nil
}

func (t *transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return len(p), nil
	}
	t.out = append(t.out, p...)
	return len(p), nil
}

func (t *transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()
	return nil
}

func (t *transport) LocalAddr() net.Addr { return t.local }
func (t *transport) RemoteAddr() net.Addr { return t.remote }
func (t *transport) SetDeadline(time.Time) error { return nil }
func (t *transport) SetReadDeadline(time.Time) error { return nil }
func (t *transport) SetWriteDeadline(time.Time) error { return nil }
