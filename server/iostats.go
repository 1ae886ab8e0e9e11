package server

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// IOStats counts socket activity. Counters may be read from any goroutine.
type IOStats struct {
	reads         *xsync.Counter
	writes        *xsync.Counter
	bytesRead     *xsync.Counter
	bytesWritten  *xsync.Counter
	vectored      *xsync.Counter
	single        *xsync.Counter
	pooledWrites  *xsync.Counter
	heapWrites    *xsync.Counter
	syscalls      *xsync.Counter
	partialWrites *xsync.Counter
	errors        *xsync.Counter
}

// IOSnapshot is a point-in-time copy of IOStats.
type IOSnapshot struct {
	Reads          int64   `json:"reads"`
	Writes         int64   `json:"writes"`
	BytesRead      int64   `json:"bytes_read"`
	BytesWritten   int64   `json:"bytes_written"`
	VectoredWrites int64   `json:"vectored_writes"`
	SingleWrites   int64   `json:"single_writes"`
	PooledWrites   int64   `json:"pooled_writes"`
	HeapWrites     int64   `json:"heap_writes"`
	Syscalls       int64   `json:"syscalls"`
	PartialWrites  int64   `json:"partial_writes"`
	Errors         int64   `json:"errors"`
	AvgWriteSize   float64 `json:"avg_write_size"`
	PoolHitRatio   float64 `json:"pool_hit_ratio"`
}

func newIOStats() *IOStats {
	return &IOStats{
		reads:         xsync.NewCounter(),
		writes:        xsync.NewCounter(),
		bytesRead:     xsync.NewCounter(),
		bytesWritten:  xsync.NewCounter(),
		vectored:      xsync.NewCounter(),
		single:        xsync.NewCounter(),
		pooledWrites:  xsync.NewCounter(),
		heapWrites:    xsync.NewCounter(),
		syscalls:      xsync.NewCounter(),
		partialWrites: xsync.NewCounter(),
		errors:        xsync.NewCounter(),
	}
}

func (s *IOStats) read(n int) {
	s.reads.Inc()
	s.syscalls.Inc()
	s.bytesRead.Add(int64(n))
}

func (s *IOStats) wrote(n, vectors int) {
	s.syscalls.Inc()
	s.bytesWritten.Add(int64(n))
	if vectors > 1 {
		s.vectored.Inc()
	} else {
		s.single.Inc()
	}
}

// Snapshot returns the current counter values.
func (s *IOStats) Snapshot() IOSnapshot {
	snap := IOSnapshot{
		Reads:          s.reads.Value(),
		Writes:         s.writes.Value(),
		BytesRead:      s.bytesRead.Value(),
		BytesWritten:   s.bytesWritten.Value(),
		VectoredWrites: s.vectored.Value(),
		SingleWrites:   s.single.Value(),
		PooledWrites:   s.pooledWrites.Value(),
		HeapWrites:     s.heapWrites.Value(),
		Syscalls:       s.syscalls.Value(),
		PartialWrites:  s.partialWrites.Value(),
		Errors:         s.errors.Value(),
	}
	if snap.Writes > 0 {
		snap.AvgWriteSize = float64(snap.BytesWritten) / float64(snap.Writes)
	}
	if total := snap.PooledWrites + snap.HeapWrites; total > 0 {
		snap.PoolHitRatio = float64(snap.PooledWrites) / float64(total)
	}
	return snap
}
