package server

import (
	"github.com/codetesla51/aurora/server/mempool"
)

func (s *Server) startMonitors() {
	if s.cfg.MemoryMonitoring {
		s.memTimer = s.loop.Every(s.cfg.MemoryStatsInterval, s.memoryTick)
	}
	if s.cfg.IOMonitoring {
		s.ioTimer = s.loop.Every(s.cfg.IOStatsInterval, s.ioTick)
	}
}

// memoryTick logs allocator usage, checks the thresholds and retunes the
// socket read size from what reads have looked like recently.
func (s *Server) memoryTick() {
	st := s.alloc.Stats()
	s.log.Info("memory stats",
		"current_kb", st.CurrentUsage>>10,
		"peak_kb", st.PeakUsage>>10,
		"heap_kb", st.HeapUsage>>10,
		"hits", st.PoolHits,
		"misses", st.PoolMisses,
		"hit_ratio", percent(st.HitRatio()),
		"connections", s.live.Size(),
	)
	for _, t := range st.Tiers {
		s.log.V(1).Info("memory tier", "tier", t.Name, "in_use", t.InUse, "blocks", t.BlockCount)
	}

	if level := s.alloc.CheckThresholds(); level == mempool.LevelCritical {
		if data, err := s.StatsJSON(); err == nil {
			s.log.Error(nil, "memory critical, dumping stats", "stats", string(data))
		}
	}
	s.adjustReadSize()
}

func (s *Server) adjustReadSize() {
	size := max(s.readStats.OptimalSize(), defaultReadSize)
	if size != s.readSize {
		s.log.V(1).Info("read buffer resized", "from", s.readSize, "to", size)
		s.readSize = size
	}
}

// ioTick logs socket activity since the last tick. Idle ticks are silent.
func (s *Server) ioTick() {
	snap := s.io.Snapshot()
	prev := s.lastIO
	s.lastIO = snap
	if snap.Syscalls == prev.Syscalls {
		return
	}

	s.log.Info("io stats",
		"reads", snap.Reads-prev.Reads,
		"writes", snap.Writes-prev.Writes,
		"bytes_read", snap.BytesRead-prev.BytesRead,
		"bytes_written", snap.BytesWritten-prev.BytesWritten,
		"vectored", snap.VectoredWrites-prev.VectoredWrites,
		"partial", snap.PartialWrites-prev.PartialWrites,
		"avg_write", int64(snap.AvgWriteSize),
		"pool_hit_ratio", percent(snap.PoolHitRatio),
	)
}

func percent(ratio float64) int { return int(ratio*100 + 0.5) }
