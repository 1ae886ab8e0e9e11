package server

import (
	"errors"
	"net"
	"strconv"

	"github.com/codetesla51/aurora/server/bufstat"
	"github.com/codetesla51/aurora/server/engine"
	"github.com/codetesla51/aurora/server/mempool"
	"github.com/codetesla51/aurora/server/tlspump"
	"github.com/go-logr/logr"
	"github.com/goccy/go-json"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"
)

// defaultReadSize is the floor of the shared socket read buffer.
const defaultReadSize = 4096

// Handler is called on the loop goroutine for every complete request.
// It must answer with Respond exactly once, either before returning or
// later from the loop.
type Handler func(req *Request)

// Server owns one listening socket and the reactor that drives it.
// All methods except Stop and Stats must be called from the goroutine
// running Listen, or before Listen starts.
type Server struct {
	cfg     Config
	log     logr.Logger
	handler Handler

	loop *engine.Loop
	lfd  int
	addr *net.TCPAddr
	tls  *tlspump.Context

	alloc  *mempool.Allocator
	conns  *mempool.FreeList[Connection]
	live   *xsync.MapOf[int, *Connection]
	writes *writePool
	io     *IOStats

	requestStats  *bufstat.Tracker
	responseStats *bufstat.Tracker
	readStats     *bufstat.Tracker

	readBuf  bufstat.Buffer
	readSize int

	memTimer *engine.Timer
	ioTimer  *engine.Timer
	lastIO   IOSnapshot

	gen       uint64
	released  []*Connection
	closing   bool
	destroyed bool
}

// Stats is a snapshot of the server's pools and counters.
type Stats struct {
	Memory      mempool.Stats     `json:"memory"`
	Connections mempool.ListStats `json:"connection_pool"`
	WritePool   mempool.ListStats `json:"write_pool"`
	Live        int               `json:"live_connections"`
	Request     bufstat.Snapshot  `json:"request_buffers"`
	Response    bufstat.Snapshot  `json:"response_buffers"`
	Read        bufstat.Snapshot  `json:"read_buffers"`
	IO          IOSnapshot        `json:"io"`
}

// New validates cfg, loads the certificate when TLS is on, and binds the
// listening socket. Nothing is accepted until Listen runs.
func New(cfg *Config) (*Server, error) {
	c, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	log := NewLogger(nil, 0)
	if c.Logger != nil {
		log = *c.Logger
	}
	log = log.WithName("aurora")

	s := &Server{
		cfg:           c,
		log:           log,
		handler:       c.Handler,
		lfd:           -1,
		alloc:         mempool.NewAllocator(log.WithName("mempool"), c.thresholds(), mempool.DefaultTiers()...),
		conns:         mempool.NewFreeList[Connection]("connections", DefaultConnectionPoolSize),
		live:          xsync.NewMapOf[int, *Connection](),
		io:            newIOStats(),
		requestStats:  bufstat.NewTracker(bufstat.DefaultLimits()),
		responseStats: bufstat.NewTracker(bufstat.DefaultLimits()),
		readStats:     bufstat.NewTracker(bufstat.DefaultLimits()),
		readSize:      defaultReadSize,
	}
	if c.MaxHeapBytes > 0 {
		s.alloc.SetHeapLimit(c.MaxHeapBytes)
	}
	s.writes = newWritePool(c.WritePoolSize, s.io)
	s.readBuf.Init(s.alloc, s.readStats)

	if c.TLSEnabled {
		ctx, err := tlspump.LoadContext(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, newError(CodeCertLoad, "load certificate", err)
		}
		s.tls = ctx
	}

	if s.loop, err = engine.NewLoop(); err != nil {
		return nil, newError(CodeNetwork, "create loop", err)
	}
	if err := s.bind(); err != nil {
		s.loop.Close()
		return nil, err
	}
	s.startMonitors()
	return s, nil
}

func (s *Server) bind() error {
	const op = "listen"

	fd, err := engine.Listen(s.cfg.Host, s.cfg.Port, 0)
	if err != nil {
		return wrap(op, err)
	}
	addr, err := engine.LocalAddr(fd)
	if err != nil {
		engine.Close(fd)
		return newError(CodeNetwork, op, err)
	}
	if err := s.loop.Add(fd, engine.Readable, func(int, engine.Events) { s.accept() }); err != nil {
		engine.Close(fd)
		return newError(CodeNetwork, op, err)
	}
	s.lfd, s.addr = fd, addr
	return nil
}

// Listen runs the reactor until Stop is called. It is the only blocking call.
func (s *Server) Listen() error {
	if s.destroyed {
		return newError(CodeInvalidParam, "listen", errors.New("server destroyed"))
	}
	s.log.Info("listening", "addr", s.Addr(), "tls", s.tls != nil)
	if err := s.loop.Run(); err != nil {
		return newError(CodeNetwork, "listen", err)
	}
	s.log.V(1).Info("event loop stopped")
	return nil
}

// Stop makes Listen return after the current loop iteration. It is safe to
// call from any goroutine.
func (s *Server) Stop() {
	s.loop.Stop()
}

// Destroy closes the listener and every live connection, checks the pools
// for leaks and releases the loop. Call it once Listen has returned.
func (s *Server) Destroy() error {
	if s.destroyed {
		return nil
	}
	s.destroyed = true
	s.closing = true

	s.memTimer.Stop()
	s.ioTimer.Stop()
	if s.lfd >= 0 {
		s.loop.Remove(s.lfd)
		engine.Close(s.lfd)
		s.lfd = -1
	}

	s.live.Range(func(_ int, c *Connection) bool {
		c.close("server shutdown")
		return true
	})
	s.reap()
	s.readBuf.Release()

	leaked := s.alloc.LeakCheck()
	if n := s.conns.Outstanding(); n > 0 {
		s.log.Error(nil, "connection records not returned", "count", n)
	}
	if n := s.writes.list.Outstanding(); n > 0 {
		s.log.Error(nil, "write requests not returned", "count", n)
	}
	s.tls = nil

	if err := s.loop.Close(); err != nil {
		return newError(CodeNetwork, "destroy", err)
	}
	s.log.V(1).Info("server destroyed", "leaked_blocks", leaked)
	return nil
}

// Addr returns the bound address as host:port.
func (s *Server) Addr() string {
	if s.addr == nil {
		return ""
	}
	return net.JoinHostPort(s.addr.IP.String(), strconv.Itoa(s.addr.Port))
}

// Port returns the bound port, useful after binding port 0.
func (s *Server) Port() int {
	if s.addr == nil {
		return 0
	}
	return s.addr.Port
}

// Loop exposes the reactor so handlers can schedule timers and callbacks.
func (s *Server) Loop() *engine.Loop { return s.loop }

// IsTLS reports whether the server terminates TLS.
func (s *Server) IsTLS() bool { return s.tls != nil }

// Connections returns the number of open connections.
func (s *Server) Connections() int { return s.live.Size() }

// Stats returns a snapshot of the pools and counters. It is safe to call
// from any goroutine.
func (s *Server) Stats() Stats {
	return Stats{
		Memory:      s.alloc.Stats(),
		Connections: s.conns.Stats(),
		WritePool:   s.writes.Stats(),
		Live:        s.live.Size(),
		Request:     s.requestStats.Snapshot(),
		Response:    s.responseStats.Snapshot(),
		Read:        s.readStats.Snapshot(),
		IO:          s.io.Snapshot(),
	}
}

// StatsJSON returns Stats encoded as JSON.
func (s *Server) StatsJSON() ([]byte, error) {
	return json.Marshal(s.Stats())
}

func (s *Server) nextGen() uint64 {
	s.gen++
	return s.gen
}

// scratch returns the shared buffer socket reads land in.
func (s *Server) scratch() ([]byte, error) {
	return s.readBuf.Available(s.readSize)
}

func (s *Server) accept() {
	for {
		fd, remote, err := engine.Accept(s.lfd)
		if err != nil {
			switch {
			case engine.WouldBlock(err):
			case errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				s.io.errors.Inc()
				s.log.Error(err, "accept failed")
			}
			return
		}

		if s.closing {
			engine.Close(fd)
			continue
		}
		if limit := s.cfg.MaxConnections; limit > 0 && s.live.Size() >= limit {
			s.log.Error(nil, "connection limit reached, dropping", "remote", remote.String(),
				"limit", limit, "code", int(CodeConnectionLimit))
			engine.Close(fd)
			continue
		}
		if err := s.open(fd, remote); err != nil {
			s.log.Error(err, "cannot register connection", "remote", remote.String())
			engine.Close(fd)
		}
	}
}

func (s *Server) open(fd int, remote *net.TCPAddr) error {
	c, pooled := s.conns.Get()
	gen := s.nextGen()
	*c = Connection{
		srv:    s,
		fd:     fd,
		gen:    gen,
		pooled: pooled,
		remote: remote,
		state:  StateReadingRequest,
	}
	c.parser.Init(s.cfg.limits())
	c.req.Init(s.alloc, s.requestStats)
	c.backlog.Init(s.alloc, s.readStats)
	if s.tls != nil {
		c.tlsStats = bufstat.NewTracker(bufstat.TLSLimits())
		c.tlsBuf.Init(s.alloc, c.tlsStats)
		c.session = tlspump.NewSession(s.tls, s.log.WithName("tls"), s.addr, remote)
		c.state = StateTLSHandshaking
	}

	err := s.loop.Add(fd, engine.Readable, func(_ int, ev engine.Events) {
		if c.gen == gen {
			c.handle(ev)
		}
	})
	if err != nil {
		if c.session != nil {
			c.session.Close()
		}
		s.put(c)
		return newError(CodeNetwork, "register", err)
	}

	c.idle = s.loop.AfterFunc(s.cfg.KeepAliveTimeout, func() {
		if c.gen == gen {
			c.timeout()
		}
	})
	s.live.Store(fd, c)
	s.log.V(1).Info("connection accepted", "remote", remote.String(), "tls", c.session != nil)
	return nil
}

// release queues a closed connection record for reaping after the current
// loop iteration, so callers up the stack may still look at it.
func (s *Server) release(c *Connection) {
	if len(s.released) == 0 && !s.destroyed {
		s.loop.Post(s.reap)
	}
	s.released = append(s.released, c)
}

func (s *Server) reap() {
	for i, c := range s.released {
		s.put(c)
		s.released[i] = nil
	}
	s.released = s.released[:0]
}

func (s *Server) put(c *Connection) {
	if c.pooled {
		s.conns.Put(c)
		return
	}
	s.conns.Drop(c)
}
