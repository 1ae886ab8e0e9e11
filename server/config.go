package server

import (
	"time"

	"github.com/codetesla51/aurora/server/mempool"
	"github.com/codetesla51/aurora/server/protocol"
	"github.com/go-logr/logr"
)

const (
	DefaultHost                 = "127.0.0.1"
	DefaultPort                 = 8080
	DefaultKeepAliveTimeout     = 30 * time.Second
	DefaultMaxKeepAliveRequests = 100
	DefaultWritePoolSize        = 256
	DefaultConnectionPoolSize   = 128
	DefaultMemoryStatsInterval  = 60 * time.Second
	DefaultIOStatsInterval      = time.Second
)

// Config holds the server settings. Zero values are replaced with the
// defaults by New unless a field says otherwise; negative sizes, counts and
// durations are rejected unless documented.
type Config struct {
	Host    string  // address to bind, "127.0.0.1" when empty
	Port    int     // 0 picks an ephemeral port
	Handler Handler // required

	// TLS is enabled when both files are given or TLSEnabled is set.
	// Setting only one of CertFile and KeyFile is an error.
	TLSEnabled bool
	CertFile   string
	KeyFile    string

	// EnableKeepAlive lets connections serve more than one request. Each
	// connection closes after MaxKeepAliveRequests responses or when idle
	// for KeepAliveTimeout, which also bounds the TLS handshake and a handler
	// that has not responded yet.
	EnableKeepAlive      bool
	KeepAliveTimeout     time.Duration
	MaxKeepAliveRequests int
	TLSKeepAlive         bool // keep TLS connections open after a response

	// MaxHeaderSize caps the request line plus headers in bytes.
	MaxHeaderSize int
	// MaxBodySize caps a request body in bytes. 0 means the 10MB default and
	// a negative value removes the limit; body memory still grows only
	// with the bytes actually received.
	MaxBodySize int64
	// MaxConnections caps open connections. 0 means no limit. Connections
	// over the limit are closed right after accept.
	MaxConnections int
	// WritePoolSize is the number of preallocated write envelopes. Writes
	// beyond it take envelopes from the heap.
	WritePoolSize int

	// MemoryMonitoring logs allocator stats every MemoryStatsInterval and
	// IOMonitoring logs socket counters every IOStatsInterval.
	MemoryMonitoring    bool
	MemoryStatsInterval time.Duration
	IOMonitoring        bool
	IOStatsInterval     time.Duration

	// Usage levels that log a warning and an error. PoolLowWatermark is the
	// fraction of a tier in use that counts as running low, in [0,1].
	MemoryWarningBytes  uint64
	MemoryCriticalBytes uint64
	PoolLowWatermark    float64
	// MaxHeapBytes caps allocations made outside the pool tiers. 0 means
	// unlimited. Requests that cannot get memory are answered with a 500.
	MaxHeapBytes uint64

	EnableLogging bool         // log one line per request
	Logger        *logr.Logger // nil logs to stderr
}

// DefaultConfig returns a Config with every default filled in. Handler must
// still be set.
func DefaultConfig() *Config {
	return &Config{
		Host:                 DefaultHost,
		Port:                 DefaultPort,
		EnableKeepAlive:      true,
		KeepAliveTimeout:     DefaultKeepAliveTimeout,
		MaxKeepAliveRequests: DefaultMaxKeepAliveRequests,
		MaxHeaderSize:        protocol.DefaultMaxHeaderBytes,
		MaxBodySize:          protocol.DefaultMaxBodyBytes, // 10MB
		WritePoolSize:        DefaultWritePoolSize,
		MemoryStatsInterval:  DefaultMemoryStatsInterval,
		IOStatsInterval:      DefaultIOStatsInterval,
		MemoryWarningBytes:   mempool.DefaultWarningBytes,
		MemoryCriticalBytes:  mempool.DefaultCriticalBytes,
		PoolLowWatermark:     mempool.DefaultTierLow,
		EnableLogging:        false,
	}
}

// normalize validates c and fills zero values with defaults. It returns a copy.
func (c *Config) normalize() (Config, error) {
	const op = "config"

	if c == nil {
		return Config{}, invalidParam(op, "nil config")
	}
	cfg := *c

	if cfg.Handler == nil {
		return cfg, invalidParam(op, "handler is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return cfg, invalidParam(op, "port %d out of range", cfg.Port)
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return cfg, invalidParam(op, "cert file and key file must be given together")
	}
	if cfg.CertFile != "" {
		cfg.TLSEnabled = true
	}
	if cfg.TLSEnabled && cfg.CertFile == "" {
		return cfg, invalidParam(op, "tls enabled without a certificate")
	}
	switch {
	case cfg.KeepAliveTimeout < 0:
		return cfg, invalidParam(op, "negative keep-alive timeout")
	case cfg.MaxKeepAliveRequests < 0:
		return cfg, invalidParam(op, "negative keep-alive request limit")
	case cfg.MaxHeaderSize < 0:
		return cfg, invalidParam(op, "negative header size limit")
	case cfg.MaxConnections < 0:
		return cfg, invalidParam(op, "negative connection limit")
	case cfg.WritePoolSize < 0:
		return cfg, invalidParam(op, "negative write pool size")
	case cfg.PoolLowWatermark < 0 || cfg.PoolLowWatermark > 1:
		return cfg, invalidParam(op, "pool watermark %v not in [0,1]", cfg.PoolLowWatermark)
	}

	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.KeepAliveTimeout == 0 {
		cfg.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if cfg.MaxKeepAliveRequests == 0 {
		cfg.MaxKeepAliveRequests = DefaultMaxKeepAliveRequests
	}
	if cfg.MaxHeaderSize == 0 {
		cfg.MaxHeaderSize = protocol.DefaultMaxHeaderBytes
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = protocol.DefaultMaxBodyBytes
	}
	if cfg.WritePoolSize == 0 {
		cfg.WritePoolSize = DefaultWritePoolSize
	}
	if cfg.MemoryStatsInterval <= 0 {
		cfg.MemoryStatsInterval = DefaultMemoryStatsInterval
	}
	if cfg.IOStatsInterval <= 0 {
		cfg.IOStatsInterval = DefaultIOStatsInterval
	}
	if cfg.MemoryWarningBytes == 0 {
		cfg.MemoryWarningBytes = mempool.DefaultWarningBytes
	}
	if cfg.MemoryCriticalBytes == 0 {
		cfg.MemoryCriticalBytes = mempool.DefaultCriticalBytes
	}
	if cfg.PoolLowWatermark == 0 {
		cfg.PoolLowWatermark = mempool.DefaultTierLow
	}
	return cfg, nil
}

func (c *Config) thresholds() mempool.Thresholds {
	return mempool.Thresholds{
		WarningBytes:  c.MemoryWarningBytes,
		CriticalBytes: c.MemoryCriticalBytes,
		TierLow:       c.PoolLowWatermark,
	}
}

func (c *Config) limits() protocol.Limits {
	return protocol.Limits{
		MaxHeaderBytes: c.MaxHeaderSize,
		MaxBodyBytes:   c.MaxBodySize,
	}
}
