package mempool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

var (
	ErrInvalidSize = errors.New("mempool: invalid allocation size")
	ErrAllocFailed = errors.New("mempool: allocation failed")
)

// MaxBlockSize is the largest single block Alloc hands out.
const MaxBlockSize = 1 << 30

// Default thresholds for usage warnings.
const (
	DefaultWarningBytes  = 100 << 20
	DefaultCriticalBytes = 500 << 20
	DefaultTierLow       = 0.8
)

// Origin tells Free where a block has to go back to.
type Origin uint8

const (
	OriginNone Origin = iota
	OriginPool
	OriginHeap
)

func (o Origin) String() string {
	switch o {
	case OriginPool:
		return "pool"
	case OriginHeap:
		return "heap"
	default:
		return "none"
	}
}

// Block is an allocation handed out by an Allocator.
// The zero Block holds nothing and may be freed safely.
type Block struct {
	buf    []byte
	tier   *Tier
	origin Origin
}

// Bytes returns the usable bytes of the block.
func (b Block) Bytes() []byte { return b.buf }

// Len returns the requested length of the block.
func (b Block) Len() int { return len(b.buf) }

// Cap returns the capacity backing the block.
func (b Block) Cap() int { return cap(b.buf) }

// Origin reports whether the block came from a tier or the heap.
func (b Block) Origin() Origin { return b.origin }

// IsZero reports whether the block holds no memory.
func (b Block) IsZero() bool { return b.origin == OriginNone }

// Level is the usage severity reported by threshold checks.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Thresholds configures when the allocator starts complaining.
type Thresholds struct {
	WarningBytes  uint64
	CriticalBytes uint64
	TierLow       float64 // fraction of a tier in use that triggers a warning
}

// DefaultThresholds returns the stock warning levels.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarningBytes:  DefaultWarningBytes,
		CriticalBytes: DefaultCriticalBytes,
		TierLow:       DefaultTierLow,
	}
}

// Stats holds allocator counters. Byte counts are block capacities.
type Stats struct {
	TotalAllocated uint64      `json:"total_allocated"`
	TotalFreed     uint64      `json:"total_freed"`
	CurrentUsage   uint64      `json:"current_usage"`
	PeakUsage      uint64      `json:"peak_usage"`
	HeapUsage      uint64      `json:"heap_usage"`
	PoolHits       uint64      `json:"pool_hits"`
	PoolMisses     uint64      `json:"pool_misses"`
	Failures       uint64      `json:"failures"`
	Tiers          []TierStats `json:"tiers,omitempty"`
}

// HitRatio returns hits / (hits + misses), or 0 before any allocation.
func (s Stats) HitRatio() float64 {
	total := s.PoolHits + s.PoolMisses
	if total == 0 {
		return 0
	}
	return float64(s.PoolHits) / float64(total)
}

// Allocator hands out blocks from the smallest tier that fits and falls back
// to the heap when that tier is exhausted.
type Allocator struct {
	tiers []*Tier
	th    Thresholds
	log   logr.Logger

	mu        sync.Mutex
	stats     Stats
	heapLimit uint64
	level     Level
}

// NewAllocator builds an allocator over tiers, which must be sorted by
// ascending block size. With no tiers every allocation goes to the heap.
func NewAllocator(log logr.Logger, th Thresholds, tiers ...*Tier) *Allocator {
	return &Allocator{
		tiers: tiers,
		th:    th,
		log:   log,
	}
}

// SetHeapLimit caps the bytes the allocator may take from the heap.
// Zero means no limit.
func (a *Allocator) SetHeapLimit(n uint64) {
	a.mu.Lock()
	a.heapLimit = n
	a.mu.Unlock()
}

// Tiers returns the tiers backing the allocator.
func (a *Allocator) Tiers() []*Tier { return a.tiers }

func (a *Allocator) tierFor(size int) *Tier {
	for _, t := range a.tiers {
		if size <= t.blockSize {
			return t
		}
	}
	return nil
}

// Alloc returns a block of len size. It never returns a zero Block with a
// nil error.
func (a *Allocator) Alloc(size int) (Block, error) {
	if size <= 0 {
		return Block{}, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if size > MaxBlockSize {
		a.mu.Lock()
		a.stats.Failures++
		a.mu.Unlock()
		return Block{}, fmt.Errorf("%w: %d bytes over block limit", ErrAllocFailed, size)
	}

	if t := a.tierFor(size); t != nil {
		if buf, ok := t.get(); ok {
			a.recordAlloc(uint64(cap(buf)), true)
			return Block{buf: buf[:size], tier: t, origin: OriginPool}, nil
		}
	}

	a.mu.Lock()
	if a.heapLimit > 0 && a.stats.HeapUsage+uint64(size) > a.heapLimit {
		a.stats.Failures++
		a.mu.Unlock()
		return Block{}, fmt.Errorf("%w: %d bytes over heap limit", ErrAllocFailed, size)
	}
	a.stats.HeapUsage += uint64(size)
	a.mu.Unlock()

	buf := make([]byte, size)
	a.recordAlloc(uint64(cap(buf)), false)
	return Block{buf: buf, origin: OriginHeap}, nil
}

// Free returns b to where it came from and zeroes it, so a second Free is a no-op.
func (a *Allocator) Free(b *Block) {
	if b == nil {
		return
	}

	size := uint64(cap(b.buf))
	switch b.origin {
	case OriginNone:
		return
	case OriginPool:
		if !b.tier.put(b.buf) {
			a.log.Error(nil, "block returned to wrong tier", "tier", b.tier.name, "cap", cap(b.buf))
		}
	case OriginHeap:
		a.mu.Lock()
		a.stats.HeapUsage -= size
		a.mu.Unlock()
	}

	a.mu.Lock()
	a.stats.TotalFreed += size
	a.stats.CurrentUsage -= size
	if a.level != LevelNormal && a.levelLocked() < a.level {
		a.level = a.levelLocked()
	}
	a.mu.Unlock()

	*b = Block{}
}

// Grow resizes b to size, moving the contents when the block is too small.
// On failure b is left untouched.
func (a *Allocator) Grow(b *Block, size int) error {
	if size <= cap(b.buf) && !b.IsZero() {
		b.buf = b.buf[:size]
		return nil
	}

	nb, err := a.Alloc(size)
	if err != nil {
		return err
	}
	copy(nb.buf, b.buf)
	a.Free(b)
	*b = nb
	return nil
}

func (a *Allocator) recordAlloc(size uint64, hit bool) {
	a.mu.Lock()
	a.stats.TotalAllocated += size
	a.stats.CurrentUsage += size
	if a.stats.CurrentUsage > a.stats.PeakUsage {
		a.stats.PeakUsage = a.stats.CurrentUsage
	}
	if hit {
		a.stats.PoolHits++
	} else {
		a.stats.PoolMisses++
	}

	prev := a.level
	crossed := a.levelLocked()
	if crossed > prev {
		a.level = crossed
	}
	usage := a.stats.CurrentUsage
	a.mu.Unlock()

	if crossed > prev {
		a.logLevel(crossed, usage)
	}
}

func (a *Allocator) levelLocked() Level {
	switch {
	case a.th.CriticalBytes > 0 && a.stats.CurrentUsage >= a.th.CriticalBytes:
		return LevelCritical
	case a.th.WarningBytes > 0 && a.stats.CurrentUsage >= a.th.WarningBytes:
		return LevelWarning
	default:
		return LevelNormal
	}
}

func (a *Allocator) logLevel(l Level, usage uint64) {
	switch l {
	case LevelCritical:
		a.log.Error(nil, "memory usage critical", "usage_mb", usage>>20, "critical_mb", a.th.CriticalBytes>>20)
	case LevelWarning:
		a.log.Error(nil, "memory usage high", "usage_mb", usage>>20, "warning_mb", a.th.WarningBytes>>20)
	}
}

// Stats returns a copy of the counters including per-tier views.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	st := a.stats
	a.mu.Unlock()

	st.Tiers = make([]TierStats, 0, len(a.tiers))
	for _, t := range a.tiers {
		st.Tiers = append(st.Tiers, t.Stats())
	}
	return st
}

// CheckThresholds logs every threshold currently exceeded and returns the
// overall level. It never aborts.
func (a *Allocator) CheckThresholds() Level {
	a.mu.Lock()
	l := a.levelLocked()
	usage := a.stats.CurrentUsage
	a.mu.Unlock()

	a.logLevel(l, usage)

	for _, t := range a.tiers {
		st := t.Stats()
		if a.th.TierLow > 0 && st.Usage >= a.th.TierLow {
			a.log.Error(nil, "memory pool nearly exhausted", "tier", st.Name,
				"in_use", st.InUse, "blocks", st.BlockCount)
			if l == LevelNormal {
				l = LevelWarning
			}
		}
	}
	return l
}

// LeakCheck logs a warning for every tier with blocks still out and returns
// the number of outstanding blocks, heap blocks excluded.
func (a *Allocator) LeakCheck() int {
	leaked := 0
	for _, t := range a.tiers {
		st := t.Stats()
		if st.InUse > 0 {
			a.log.Error(nil, "memory leak detected", "tier", st.Name, "blocks", st.InUse)
			leaked += st.InUse
		}
	}

	a.mu.Lock()
	heap := a.stats.HeapUsage
	a.mu.Unlock()
	if heap > 0 {
		a.log.Error(nil, "heap allocations not returned", "bytes", heap)
	}
	return leaked
}
