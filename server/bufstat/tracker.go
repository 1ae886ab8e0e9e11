// Package bufstat learns typical buffer sizes from recent traffic so the next
// allocation of a buffer class can be sized right the first time.
package bufstat

import (
	"sync"
	"time"
)

// Default sizing limits.
const (
	DefaultWindow = 10
	DefaultMin    = 512
	DefaultMax    = 65536
	DefaultGrowth = 1.5
)

// TLS receive buffers start larger than the other classes.
const (
	TLSInitialSize = 16384
	TLSMaxSize     = 131072
)

// Limits configures a Tracker.
type Limits struct {
	Window int
	Min    int
	Max    int
	Growth float64
}

// DefaultLimits returns the limits used for request, response and read buffers.
func DefaultLimits() Limits {
	return Limits{
		Window: DefaultWindow,
		Min:    DefaultMin,
		Max:    DefaultMax,
		Growth: DefaultGrowth,
	}
}

// TLSLimits returns the limits used for a connection's TLS receive buffer.
func TLSLimits() Limits {
	return Limits{
		Window: DefaultWindow,
		Min:    TLSInitialSize,
		Max:    TLSMaxSize,
		Growth: DefaultGrowth,
	}
}

// Tracker keeps a circular window of the last observed sizes of one buffer class.
type Tracker struct {
	mu      sync.Mutex
	limits  Limits
	samples []int
	count   int
	next    int
	sum     int

	allocations uint64
	resizes     uint64
	lastUpdate  time.Time
}

// Snapshot is a point-in-time view of a Tracker.
type Snapshot struct {
	Samples     int       `json:"samples"`
	Average     int       `json:"average"`
	Optimal     int       `json:"optimal"`
	Allocations uint64    `json:"allocations"`
	Resizes     uint64    `json:"resizes"`
	LastUpdate  time.Time `json:"last_update"`
}

// NewTracker returns a tracker; zero fields in l take their defaults.
func NewTracker(l Limits) *Tracker {
	def := DefaultLimits()
	if l.Window <= 0 {
		l.Window = def.Window
	}
	if l.Min <= 0 {
		l.Min = def.Min
	}
	if l.Max < l.Min {
		l.Max = l.Min
	}
	if l.Growth < 1 {
		l.Growth = def.Growth
	}
	return &Tracker{
		limits:  l,
		samples: make([]int, l.Window),
	}
}

// Limits returns the tracker configuration.
func (t *Tracker) Limits() Limits { return t.limits }

// Update records one observed size.
func (t *Tracker) Update(size int) {
	if size < 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count == len(t.samples) {
		t.sum -= t.samples[t.next]
	} else {
		t.count++
	}
	t.samples[t.next] = size
	t.sum += size
	t.next = (t.next + 1) % len(t.samples)
	t.allocations++
	t.lastUpdate = time.Now()
}

// noteResize counts a buffer that had to grow past its first allocation.
func (t *Tracker) noteResize() {
	t.mu.Lock()
	t.resizes++
	t.mu.Unlock()
}

// Average returns the mean of the current window, 0 before any sample.
func (t *Tracker) Average() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.averageLocked()
}

func (t *Tracker) averageLocked() int {
	if t.count == 0 {
		return 0
	}
	return t.sum / t.count
}

// OptimalSize returns the windowed average scaled by the growth factor and
// clamped to [Min, Max].
func (t *Tracker) OptimalSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.optimalLocked()
}

func (t *Tracker) optimalLocked() int {
	if t.count == 0 {
		return t.limits.Min
	}
	n := int(float64(t.averageLocked()) * t.limits.Growth)
	return min(max(n, t.limits.Min), t.limits.Max)
}

// Snapshot returns the current statistics.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Snapshot{
		Samples:     t.count,
		Average:     t.averageLocked(),
		Optimal:     t.optimalLocked(),
		Allocations: t.allocations,
		Resizes:     t.resizes,
		LastUpdate:  t.lastUpdate,
	}
}

// SizeFor picks the capacity for a buffer holding current bytes that now needs
// required bytes. It never returns less than required.
func SizeFor(current, required int, t *Tracker) int {
	if required <= current {
		return current
	}

	n := required
	if t != nil {
		n = max(n, t.OptimalSize())
	}
	if current > 0 {
		n = max(n, current*2)
	}
	if t != nil && n > t.limits.Max && required <= t.limits.Max {
		n = t.limits.Max
	}
	return max(n, required)
}
