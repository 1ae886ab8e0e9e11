package server

import (
	"bufio"
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codetesla51/aurora/server/mempool"
	"github.com/go-logr/logr"
	"github.com/goccy/go-json"
)

const helloResponse = "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 2\r\n\r\nhi"

func testLogger() *logr.Logger {
	log := logr.Discard()
	return &log
}

func helloHandler(req *Request) {
	resp := NewResponse()
	resp.AddHeader("Content-Type", "text/plain")
	resp.SetBodyString("hi")
	req.Respond(resp)
}

func echoHandler(req *Request) {
	resp := NewResponse()
	resp.SetBody(req.Body())
	req.Respond(resp)
}

func testConfig(h Handler) *Config {
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.Handler = h
	cfg.Logger = testLogger()
	return cfg
}

type testServer struct {
	*Server
	done chan error
	once sync.Once
}

func newTestServer(t *testing.T, cfg *Config) *testServer {
	t.Helper()

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ts := &testServer{Server: s, done: make(chan error, 1)}
	t.Cleanup(func() { ts.shutdown(t) })
	return ts
}

func (ts *testServer) serve() *testServer {
	go func() { ts.done <- ts.Listen() }()
	return ts
}

func startServer(t *testing.T, cfg *Config) *testServer {
	t.Helper()
	return newTestServer(t, cfg).serve()
}

// shutdown stops the loop, waits for Listen and destroys the server.
func (ts *testServer) shutdown(t *testing.T) {
	ts.once.Do(func() {
		ts.Stop()
		select {
		case err := <-ts.done:
			if err != nil {
				t.Errorf("Listen returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Listen did not return after Stop")
			return
		}
		if err := ts.Destroy(); err != nil {
			t.Errorf("Destroy failed: %v", err)
		}
	})
}

func dial(t *testing.T, s *testServer) (net.Conn, *bufio.Reader) {
	t.Helper()

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

// readResponse reads one response with a Content-Length body and returns
// it verbatim.
func readResponse(t *testing.T, r *bufio.Reader) string {
	t.Helper()

	var head strings.Builder
	length := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("Failed to read response head: %v (got %q)", err, head.String())
		}
		head.WriteString(line)
		if line == "\r\n" {
			break
		}
		name, value, ok := strings.Cut(strings.TrimRight(line, "\r\n"), ":")
		if ok && strings.EqualFold(name, "Content-Length") {
			length, _ = strconv.Atoi(strings.TrimSpace(value))
		}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return head.String() + string(body)
}

// expectClosed fails unless the peer closes the connection without sending
// anything more.
func expectClosed(t *testing.T, conn net.Conn, r *bufio.Reader) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	b, err := r.ReadByte()
	if err == nil {
		t.Fatalf("Expected connection close, got byte %q", b)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("Expected connection close, read timed out")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Host != "127.0.0.1" || cfg.Port != 8080 {
		t.Errorf("Expected 127.0.0.1:8080, got %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.KeepAliveTimeout != 30*time.Second {
		t.Errorf("Expected 30s keep-alive timeout, got %v", cfg.KeepAliveTimeout)
	}
	if cfg.MaxKeepAliveRequests != 100 {
		t.Errorf("Expected 100 keep-alive requests, got %d", cfg.MaxKeepAliveRequests)
	}
	if cfg.MaxBodySize <= 0 {
		t.Error("MaxBodySize should be > 0")
	}
	if cfg.MaxHeaderSize <= 0 {
		t.Error("MaxHeaderSize should be > 0")
	}
	if cfg.WritePoolSize != 256 {
		t.Errorf("Expected write pool of 256, got %d", cfg.WritePoolSize)
	}
	if !cfg.EnableKeepAlive {
		t.Error("EnableKeepAlive should be true by default")
	}
	if cfg.EnableLogging {
		t.Error("EnableLogging should be false by default (performance)")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		code   Code
	}{
		{"nil handler", func(c *Config) { c.Handler = nil }, CodeInvalidParam},
		{"negative port", func(c *Config) { c.Port = -1 }, CodeInvalidParam},
		{"port too large", func(c *Config) { c.Port = 70000 }, CodeInvalidParam},
		{"cert without key", func(c *Config) { c.CertFile = "cert.pem" }, CodeInvalidParam},
		{"key without cert", func(c *Config) { c.KeyFile = "key.pem" }, CodeInvalidParam},
		{"tls without files", func(c *Config) { c.TLSEnabled = true }, CodeInvalidParam},
		{"negative timeout", func(c *Config) { c.KeepAliveTimeout = -time.Second }, CodeInvalidParam},
		{"bad watermark", func(c *Config) { c.PoolLowWatermark = 1.5 }, CodeInvalidParam},
		{"unresolvable host", func(c *Config) { c.Host = "not-an-ip" }, CodeInvalidParam},
		{"missing certificate", func(c *Config) {
			c.CertFile = "/nonexistent/cert.pem"
			c.KeyFile = "/nonexistent/key.pem"
		}, CodeCertLoad},
	}

	for _, test := range tests {
		cfg := testConfig(helloHandler)
		test.modify(cfg)

		s, err := New(cfg)
		if err == nil {
			s.Destroy()
			t.Errorf("%s: expected error, got none", test.name)
			continue
		}
		if code := CodeOf(err); code != test.code {
			t.Errorf("%s: expected code %d, got %d (%v)", test.name, test.code, code, err)
		}
	}

	if _, err := New(nil); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("New(nil): expected ErrInvalidParam, got %v", err)
	}
}

func TestEphemeralPort(t *testing.T) {
	s := newTestServer(t, testConfig(helloHandler))

	if s.Port() == 0 {
		t.Error("Expected an ephemeral port to be assigned")
	}
	if !strings.HasPrefix(s.Addr(), "127.0.0.1:") {
		t.Errorf("Expected loopback address, got %s", s.Addr())
	}
	if s.IsTLS() {
		t.Error("Server without certificate should not be TLS")
	}
}

func TestKeepAliveExactBytes(t *testing.T) {
	s := startServer(t, testConfig(helloHandler))
	conn, r := dial(t, s)

	for i := range 3 {
		conn.Write([]byte("GET /hello HTTP/1.1\r\nHost: localhost\r\n\r\n"))
		if got := readResponse(t, r); got != helloResponse {
			t.Errorf("Request %d: expected %q, got %q", i, helloResponse, got)
		}
	}
}

func TestMaxKeepAliveRequests(t *testing.T) {
	s := startServer(t, testConfig(helloHandler))
	conn, r := dial(t, s)

	closing := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 2\r\nConnection: close\r\n\r\nhi"
	for i := 1; i <= 100; i++ {
		conn.Write([]byte("GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"))
		got := readResponse(t, r)
		expected := helloResponse
		if i == 100 {
			expected = closing
		}
		if got != expected {
			t.Fatalf("Request %d: expected %q, got %q", i, expected, got)
		}
	}

	conn.Write([]byte("GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	expectClosed(t, conn, r)
}

func TestConnectionHeaderHandling(t *testing.T) {
	tests := []struct {
		name     string
		request  string
		expected string
		closes   bool
	}{
		{
			"client asks to close",
			"GET / HTTP/1.1\r\nConnection: close\r\n\r\n",
			"HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 2\r\nConnection: close\r\n\r\nhi",
			true,
		},
		{
			"http/1.0 default",
			"GET / HTTP/1.0\r\n\r\n",
			"HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 2\r\nConnection: close\r\n\r\nhi",
			true,
		},
		{
			"http/1.0 keep-alive",
			"GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n",
			"HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 2\r\nConnection: keep-alive\r\n\r\nhi",
			false,
		},
	}

	s := startServer(t, testConfig(helloHandler))
	for _, test := range tests {
		conn, r := dial(t, s)
		conn.Write([]byte(test.request))

		if got := readResponse(t, r); got != test.expected {
			t.Errorf("%s: expected %q, got %q", test.name, test.expected, got)
		}
		if test.closes {
			expectClosed(t, conn, r)
		}
		conn.Close()
	}
}

func TestKeepAliveDisabled(t *testing.T) {
	cfg := testConfig(helloHandler)
	cfg.EnableKeepAlive = false
	s := startServer(t, cfg)
	conn, r := dial(t, s)

	conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	if got := readResponse(t, r); !strings.Contains(got, "Connection: close\r\n") {
		t.Errorf("Expected Connection: close, got %q", got)
	}
	expectClosed(t, conn, r)
}

func TestPipelinedRequestsAnsweredInOrder(t *testing.T) {
	handler := func(req *Request) {
		resp := NewResponse()
		resp.SetBodyString(req.Target())
		req.Respond(resp)
	}
	s := startServer(t, testConfig(handler))
	conn, r := dial(t, s)

	conn.Write([]byte("GET /one HTTP/1.1\r\n\r\nGET /two HTTP/1.1\r\n\r\nGET /three HTTP/1.1\r\n\r\n"))

	for _, target := range []string{"/one", "/two", "/three"} {
		got := readResponse(t, r)
		if !strings.HasSuffix(got, "\r\n\r\n"+target) {
			t.Errorf("Expected body %q, got %q", target, got)
		}
	}
}

func TestRequestBodies(t *testing.T) {
	tests := []struct {
		name    string
		request string
		body    string
	}{
		{
			"content-length",
			"POST /echo HTTP/1.1\r\nContent-Length: 11\r\n\r\nhello world",
			"hello world",
		},
		{
			"chunked",
			"POST /echo HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n6;ext=1\r\n world\r\n0\r\nTrailer: x\r\n\r\n",
			"hello world",
		},
		{
			"empty",
			"POST /echo HTTP/1.1\r\nContent-Length: 0\r\n\r\n",
			"",
		},
	}

	s := startServer(t, testConfig(echoHandler))
	conn, r := dial(t, s)

	for _, test := range tests {
		conn.Write([]byte(test.request))
		expected := "HTTP/1.1 200 OK\r\nContent-Length: " + strconv.Itoa(len(test.body)) + "\r\n\r\n" + test.body
		if got := readResponse(t, r); got != expected {
			t.Errorf("%s: expected %q, got %q", test.name, expected, got)
		}
	}
}

func TestRequestSplitAcrossWrites(t *testing.T) {
	s := startServer(t, testConfig(echoHandler))
	conn, r := dial(t, s)

	request := "POST /echo HTTP/1.1\r\nHost: localhost\r\nContent-Length: 5\r\n\r\nabcde"
	for i := range len(request) {
		conn.Write([]byte{request[i]})
		time.Sleep(time.Millisecond)
	}

	if got := readResponse(t, r); !strings.HasSuffix(got, "\r\n\r\nabcde") {
		t.Errorf("Expected echoed body, got %q", got)
	}
}

func TestRequestView(t *testing.T) {
	type seen struct {
		method, target, proto, custom, userData string
		headers                                 int
		hasCustom, tls                          bool
		remote                                  net.Addr
		bodyLen                                 int
	}
	views := make(chan seen, 1)

	handler := func(req *Request) {
		req.SetUserData("attached")
		custom, ok := req.Header("x-custom")
		v := seen{
			method:    req.Method(),
			target:    req.Target(),
			proto:     req.Proto(),
			custom:    custom,
			hasCustom: ok,
			headers:   req.HeaderCount(),
			tls:       req.IsTLS(),
			remote:    req.RemoteAddr(),
			bodyLen:   req.BodyLength(),
		}
		v.userData, _ = req.UserData().(string)
		views <- v
		helloHandler(req)
	}
	s := startServer(t, testConfig(handler))
	conn, r := dial(t, s)

	conn.Write([]byte("PUT /items/7?x=1 HTTP/1.1\r\nHost: localhost\r\nX-Custom:  value \r\nContent-Length: 3\r\n\r\nabc"))
	readResponse(t, r)

	v := <-views
	if v.method != "PUT" || v.target != "/items/7?x=1" || v.proto != "HTTP/1.1" {
		t.Errorf("Expected PUT /items/7?x=1 HTTP/1.1, got %s %s %s", v.method, v.target, v.proto)
	}
	if !v.hasCustom || v.custom != "value" {
		t.Errorf("Expected X-Custom %q, got %q (%v)", "value", v.custom, v.hasCustom)
	}
	if v.headers != 3 {
		t.Errorf("Expected 3 headers, got %d", v.headers)
	}
	if v.bodyLen != 3 {
		t.Errorf("Expected body length 3, got %d", v.bodyLen)
	}
	if v.userData != "attached" {
		t.Errorf("Expected user data %q, got %q", "attached", v.userData)
	}
	if v.tls {
		t.Error("Plain connection reported as TLS")
	}
	if addr, ok := v.remote.(*net.TCPAddr); !ok || !addr.IP.IsLoopback() {
		t.Errorf("Expected loopback remote address, got %v", v.remote)
	}
}

func TestVisitHeadersOrder(t *testing.T) {
	names := make(chan []string, 1)
	handler := func(req *Request) {
		var got []string
		req.VisitHeaders(func(name, value []byte) bool {
			got = append(got, string(name)+"="+string(value))
			return true
		})
		names <- got
		helloHandler(req)
	}
	s := startServer(t, testConfig(handler))
	conn, r := dial(t, s)

	conn.Write([]byte("GET / HTTP/1.1\r\nA: 1\r\nB: 2\r\nA: 3\r\n\r\n"))
	readResponse(t, r)

	got := <-names
	expected := []string{"A=1", "B=2", "A=3"}
	if strings.Join(got, ",") != strings.Join(expected, ",") {
		t.Errorf("Expected %v, got %v", expected, got)
	}
}

func TestMalformedRequestNeverReachesHandler(t *testing.T) {
	tests := []string{
		"BREW / HTTP/1.1\r\n\r\n",
		"GET / HTTP/2.0\r\n\r\n",
		"GET / HTTP/1.1\r\nBad Header\r\n\r\n",
		"POST / HTTP/1.1\r\nContent-Length: 1\r\nContent-Length: 2\r\n\r\n",
		"POST / HTTP/1.1\r\nContent-Length: 3\r\nTransfer-Encoding: chunked\r\n\r\n",
		"GET / HTTP/1.1\r\nHost: " + strings.Repeat("a", 9000) + "\r\n\r\n",
	}

	var calls atomic.Int32
	handler := func(req *Request) {
		calls.Add(1)
		helloHandler(req)
	}
	s := startServer(t, testConfig(handler))

	for _, request := range tests {
		conn, r := dial(t, s)
		conn.Write([]byte(request))
		expectClosed(t, conn, r)
		conn.Close()
	}

	if n := calls.Load(); n != 0 {
		t.Errorf("Expected handler not to run, ran %d times", n)
	}
}

func TestDoubleRespond(t *testing.T) {
	second := make(chan error, 1)
	handler := func(req *Request) {
		helloHandler(req)
		resp := NewResponse()
		resp.SetStatus(404)
		second <- req.Respond(resp)
	}
	s := startServer(t, testConfig(handler))
	conn, r := dial(t, s)

	conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	if got := readResponse(t, r); got != helloResponse {
		t.Errorf("Expected %q, got %q", helloResponse, got)
	}

	err := <-second
	if !errors.Is(err, ErrInvalidParam) {
		t.Errorf("Expected ErrInvalidParam from second Respond, got %v", err)
	}
	if err := Respond(nil, NewResponse()); CodeOf(err) != CodeInvalidParam {
		t.Errorf("Expected CodeInvalidParam for nil request, got %v", err)
	}
}

func TestHandlerPanicAnswers500(t *testing.T) {
	handler := func(req *Request) {
		if req.Target() == "/panic" {
			panic("boom")
		}
		helloHandler(req)
	}
	s := startServer(t, testConfig(handler))
	conn, r := dial(t, s)

	conn.Write([]byte("GET /panic HTTP/1.1\r\n\r\n"))
	expected := "HTTP/1.1 500 Internal Server Error\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"
	if got := readResponse(t, r); got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}
	expectClosed(t, conn, r)

	// the loop survives
	conn2, r2 := dial(t, s)
	conn2.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	if got := readResponse(t, r2); got != helloResponse {
		t.Errorf("Expected %q after panic, got %q", helloResponse, got)
	}
}

func TestRespondLaterFromLoop(t *testing.T) {
	var ts *testServer
	handler := func(req *Request) {
		ts.Loop().AfterFunc(10*time.Millisecond, func() {
			resp := NewResponse()
			resp.SetStatus(202)
			resp.SetBodyString("later")
			req.Respond(resp)
		})
	}
	ts = newTestServer(t, testConfig(handler))
	ts.serve()
	conn, r := dial(t, ts)

	conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	expected := "HTTP/1.1 202 Accepted\r\nContent-Length: 5\r\n\r\nlater"
	if got := readResponse(t, r); got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}
}

func TestResponseHeadersAndStatus(t *testing.T) {
	handler := func(req *Request) {
		resp := NewResponse()
		resp.SetStatus(404)
		resp.AddHeader("Set-Cookie", "a=1")
		resp.AddHeader("Set-Cookie", "b=2")
		if err := resp.AddHeader("Content-Length", "10"); !errors.Is(err, ErrInvalidParam) {
			t.Errorf("Expected Content-Length to be rejected, got %v", err)
		}
		req.Respond(resp)
	}
	s := startServer(t, testConfig(handler))
	conn, r := dial(t, s)

	conn.Write([]byte("GET /missing HTTP/1.1\r\n\r\n"))
	expected := "HTTP/1.1 404 Not Found\r\nSet-Cookie: a=1\r\nSet-Cookie: b=2\r\nContent-Length: 0\r\n\r\n"
	if got := readResponse(t, r); got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	cfg := testConfig(helloHandler)
	cfg.KeepAliveTimeout = 50 * time.Millisecond
	s := startServer(t, cfg)

	conn, r := dial(t, s)
	expectClosed(t, conn, r)
}

func TestHandlerThatNeverRespondsTimesOut(t *testing.T) {
	cfg := testConfig(func(req *Request) {})
	cfg.KeepAliveTimeout = 50 * time.Millisecond
	s := startServer(t, cfg)

	conn, r := dial(t, s)
	conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	expectClosed(t, conn, r)
}

func TestConnectionLimit(t *testing.T) {
	cfg := testConfig(helloHandler)
	cfg.MaxConnections = 1
	s := startServer(t, cfg)

	first, r1 := dial(t, s)
	first.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	readResponse(t, r1)

	second, r2 := dial(t, s)
	expectClosed(t, second, r2)

	first.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	if got := readResponse(t, r1); got != helloResponse {
		t.Errorf("Expected first connection to keep working, got %q", got)
	}
}

// waitForRead blocks until the server has read at least n bytes off its sockets.
func waitForRead(t *testing.T, s *testServer, n int64) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().IO.BytesRead < n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d bytes read, got %d", n, s.Stats().IO.BytesRead)
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
}

func TestUnlimitedBodyWithHugeContentLength(t *testing.T) {
	cfg := testConfig(helloHandler)
	cfg.MaxBodySize = -1
	s := startServer(t, cfg)

	conn, _ := dial(t, s)
	request := "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 999999999999999999\r\n\r\nab"
	conn.Write([]byte(request))
	waitForRead(t, s, int64(len(request)))

	other, r := dial(t, s)
	other.Write([]byte("GET /hello HTTP/1.1\r\nHost: x\r\n\r\n"))
	if got := readResponse(t, r); got != helloResponse {
		t.Errorf("Expected server to keep serving, got %q", got)
	}
	if heap := s.Stats().Memory.HeapUsage; heap > 1<<20 {
		t.Errorf("Expected declared length not to be allocated, heap usage %d", heap)
	}
}

func TestDeclaredBodyLengthDoesNotPinMemory(t *testing.T) {
	s := startServer(t, testConfig(echoHandler))

	const clients = 20
	request := "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 10000000\r\n\r\nab"
	for range clients {
		conn, _ := dial(t, s)
		conn.Write([]byte(request))
	}
	waitForRead(t, s, int64(clients*len(request)))

	st := s.Stats().Memory
	if st.HeapUsage > 1<<20 {
		t.Errorf("Expected body buffers to stay within the pools, heap usage %d", st.HeapUsage)
	}
	if st.CurrentUsage > clients*2*mempool.LargeBlockSize {
		t.Errorf("Expected at most one large block per connection, usage %d", st.CurrentUsage)
	}
}

func TestBodyGrowsPastInitialReservation(t *testing.T) {
	s := startServer(t, testConfig(echoHandler))
	conn, r := dial(t, s)

	body := strings.Repeat("0123456789", 20000)
	conn.Write([]byte("POST / HTTP/1.1\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body))

	expected := "HTTP/1.1 200 OK\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
	if got := readResponse(t, r); got != expected {
		t.Errorf("Expected %d byte echo, got %d bytes", len(expected), len(got))
	}
}

func TestAllocationFailureSendsStatic500(t *testing.T) {
	cfg := testConfig(echoHandler)
	cfg.MaxHeapBytes = 1
	s := startServer(t, cfg)
	conn, r := dial(t, s)

	// the first body byte past the largest tier needs the heap, which is capped
	body := strings.Repeat("x", mempool.LargeBlockSize+1)
	conn.Write([]byte("POST / HTTP/1.1\r\nContent-Length: 100000\r\n\r\n" + body))

	expected := "HTTP/1.1 500 Internal Server Error\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"
	if got := readResponse(t, r); got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}
	expectClosed(t, conn, r)

	if failures := s.Stats().Memory.Failures; failures == 0 {
		t.Error("Expected allocation failure to be counted")
	}
}

func TestLargeResponseResumesPartialWrites(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 24<<16) // 24MB
	handler := func(req *Request) {
		resp := NewResponse()
		resp.SetBody(payload)
		req.Respond(resp)
	}
	s := startServer(t, testConfig(handler))
	conn, r := dial(t, s)
	conn.SetDeadline(time.Now().Add(20 * time.Second))

	conn.Write([]byte("GET /big HTTP/1.1\r\n\r\n"))
	time.Sleep(50 * time.Millisecond)

	got := readResponse(t, r)
	body := got[strings.Index(got, "\r\n\r\n")+4:]
	if len(body) != len(payload) || body != string(payload) {
		t.Fatalf("Expected %d byte body intact, got %d bytes", len(payload), len(body))
	}
	if s.Stats().IO.PartialWrites == 0 {
		t.Error("Expected the response to need more than one writable round")
	}
}

func TestWritePoolRecycles(t *testing.T) {
	s := startServer(t, testConfig(helloHandler))
	conn, r := dial(t, s)

	const requests = 20
	for range requests {
		conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
		readResponse(t, r)
	}
	conn.Close()
	s.shutdown(t)

	st := s.Stats()
	if st.WritePool.Hits < requests {
		t.Errorf("Expected at least %d pool hits, got %d", requests, st.WritePool.Hits)
	}
	if st.WritePool.InUse != 0 || st.WritePool.HeapOut != 0 {
		t.Errorf("Expected every envelope returned, got %+v", st.WritePool)
	}
	if st.IO.HeapWrites != 0 {
		t.Errorf("Expected no heap envelopes, got %d", st.IO.HeapWrites)
	}
	if st.IO.SingleWrites+st.IO.VectoredWrites == 0 {
		t.Error("Expected writes to be counted")
	}
	if st.Memory.CurrentUsage != 0 {
		t.Errorf("Expected all memory returned after Destroy, got %d bytes", st.Memory.CurrentUsage)
	}
	if st.Connections.InUse != 0 {
		t.Errorf("Expected connection records returned, got %d in use", st.Connections.InUse)
	}
}

func TestStatsJSON(t *testing.T) {
	s := newTestServer(t, testConfig(helloHandler))

	data, err := s.StatsJSON()
	if err != nil {
		t.Fatalf("StatsJSON failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("StatsJSON produced invalid JSON: %v", err)
	}
	for _, key := range []string{"memory", "connection_pool", "write_pool", "io", "read_buffers"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("Expected key %q in %s", key, data)
		}
	}
}

func TestStopUnblocksListen(t *testing.T) {
	s := startServer(t, testConfig(helloHandler))

	time.Sleep(10 * time.Millisecond)
	s.Stop()

	select {
	case err := <-s.done:
		if err != nil {
			t.Errorf("Listen returned %v", err)
		}
		s.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not unblock Listen")
	}
}

func TestDestroyClosesLiveConnections(t *testing.T) {
	s := startServer(t, testConfig(helloHandler))
	conn, r := dial(t, s)

	conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	readResponse(t, r)
	s.shutdown(t)

	expectClosed(t, conn, r)
	if n := s.Connections(); n != 0 {
		t.Errorf("Expected no live connections, got %d", n)
	}
	if err := s.Listen(); CodeOf(err) != CodeInvalidParam {
		t.Errorf("Expected Listen after Destroy to fail, got %v", err)
	}
}

func TestMonitorsRun(t *testing.T) {
	var buf syncBuffer
	log := NewLogger(&buf, 0)

	cfg := testConfig(helloHandler)
	cfg.Logger = &log
	cfg.MemoryMonitoring = true
	cfg.MemoryStatsInterval = 10 * time.Millisecond
	cfg.IOMonitoring = true
	cfg.IOStatsInterval = 10 * time.Millisecond
	cfg.EnableLogging = true
	s := startServer(t, cfg)

	conn, r := dial(t, s)
	conn.Write([]byte("GET /logged HTTP/1.1\r\n\r\n"))
	readResponse(t, r)
	time.Sleep(50 * time.Millisecond)
	s.shutdown(t)

	out := buf.String()
	for _, want := range []string{`"msg"="memory stats"`, `"msg"="io stats"`, `"target"="/logged"`, `"status"=200`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log output to contain %s, got:\n%s", want, out)
		}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// writeCert stores a self-signed certificate for 127.0.0.1 in dir.
func writeCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate failed: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey failed: %v", err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return certFile, keyFile
}

func tlsConfig(t *testing.T, h Handler) *Config {
	t.Helper()

	cfg := testConfig(h)
	cfg.CertFile, cfg.KeyFile = writeCert(t, t.TempDir())
	return cfg
}

func dialTLS(t *testing.T, s *testServer) (*tls.Conn, *bufio.Reader) {
	t.Helper()

	conn, err := tls.Dial("tcp", s.Addr(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls.Dial failed: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func TestTLSRequestClosesAfterResponse(t *testing.T) {
	tlsSeen := make(chan bool, 1)
	handler := func(req *Request) {
		tlsSeen <- req.IsTLS()
		helloHandler(req)
	}
	s := startServer(t, tlsConfig(t, handler))
	if !s.IsTLS() {
		t.Fatal("Expected TLS to be enabled by the certificate pair")
	}

	conn, r := dialTLS(t, s)
	if proto := conn.ConnectionState().NegotiatedProtocol; proto != "" && proto != "http/1.1" {
		t.Errorf("Expected http/1.1 or no ALPN, got %q", proto)
	}

	conn.Write([]byte("GET /secure HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	expected := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 2\r\nConnection: close\r\n\r\nhi"
	if got := readResponse(t, r); got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}
	if !<-tlsSeen {
		t.Error("Expected request to report TLS")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := r.ReadByte(); err != io.EOF {
		t.Errorf("Expected clean close-notify EOF, got %v", err)
	}
}

func TestTLSKeepAlive(t *testing.T) {
	cfg := tlsConfig(t, helloHandler)
	cfg.TLSKeepAlive = true
	s := startServer(t, cfg)
	conn, r := dialTLS(t, s)

	for i := range 3 {
		conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
		if got := readResponse(t, r); got != helloResponse {
			t.Errorf("Request %d: expected %q, got %q", i, helloResponse, got)
		}
	}
}

func TestTLSRejectsPlaintext(t *testing.T) {
	var calls atomic.Int32
	handler := func(req *Request) {
		calls.Add(1)
		helloHandler(req)
	}
	s := startServer(t, tlsConfig(t, handler))
	conn, r := dial(t, s)

	conn.Write([]byte("GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := io.ReadAll(r)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("Expected the server to close the connection")
	}
	if bytes.Contains(data, []byte("HTTP/1.1")) {
		t.Errorf("Expected no HTTP response, got %q", data)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("Expected handler not to run, ran %d times", n)
	}
}

func TestTLSMismatchedKey(t *testing.T) {
	dir := t.TempDir()
	certFile, _ := writeCert(t, dir)
	_, otherKey := writeCert(t, t.TempDir())

	cfg := testConfig(helloHandler)
	cfg.CertFile, cfg.KeyFile = certFile, otherKey
	if _, err := New(cfg); !errors.Is(err, ErrCertLoad) {
		t.Errorf("Expected ErrCertLoad, got %v", err)
	}
}
