// Package mempool implements the slab tiers the engine allocates its
// request, response and read buffers from, with fallback to the Go heap.
package mempool

import "sync"

// Tier sizes used by the server.
const (
	SmallBlockSize   = 256
	SmallBlockCount  = 1024
	MediumBlockSize  = 8192
	MediumBlockCount = 256
	LargeBlockSize   = 65536
	LargeBlockCount  = 64

	// ConnectionCount is the size of the connection record tier.
	ConnectionCount = 128
)

// Tier is a free list of fixed-size blocks carved out of a single slab.
type Tier struct {
	name       string
	blockSize  int
	blockCount int

	mu     sync.Mutex
	free   [][]byte
	inUse  int
	hits   uint64
	misses uint64
}

// TierStats is a point-in-time view of one tier.
type TierStats struct {
	Name       string  `json:"name"`
	BlockSize  int     `json:"block_size"`
	BlockCount int     `json:"block_count"`
	InUse      int     `json:"in_use"`
	Free       int     `json:"free"`
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	Usage      float64 `json:"usage"`
}

// NewTier pre-allocates blockCount blocks of blockSize bytes.
func NewTier(name string, blockSize, blockCount int) *Tier {
	t := &Tier{
		name:       name,
		blockSize:  blockSize,
		blockCount: blockCount,
		free:       make([][]byte, 0, blockCount),
	}

	slab := make([]byte, blockSize*blockCount)
	for i := range blockCount {
		off := i * blockSize
		// full slice expression so an append on one block can never spill into its neighbour
		t.free = append(t.free, slab[off:off+blockSize:off+blockSize])
	}
	return t
}

// DefaultTiers returns the small, medium and large tiers in ascending order.
func DefaultTiers() []*Tier {
	return []*Tier{
		NewTier("small", SmallBlockSize, SmallBlockCount),
		NewTier("medium", MediumBlockSize, MediumBlockCount),
		NewTier("large", LargeBlockSize, LargeBlockCount),
	}
}

// Name returns the tier name.
func (t *Tier) Name() string { return t.name }

// BlockSize returns the fixed block size of the tier.
func (t *Tier) BlockSize() int { return t.blockSize }

func (t *Tier) get() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.free)
	if n == 0 {
		t.misses++
		return nil, false
	}
	buf := t.free[n-1]
	t.free[n-1] = nil
	t.free = t.free[:n-1]
	t.inUse++
	t.hits++
	return buf, true
}

func (t *Tier) put(buf []byte) bool {
	if cap(buf) != t.blockSize {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inUse == 0 {
		return false
	}
	t.free = append(t.free, buf[:cap(buf)])
	t.inUse--
	return true
}

// Stats returns the tier counters.
func (t *Tier) Stats() TierStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := TierStats{
		Name:       t.name,
		BlockSize:  t.blockSize,
		BlockCount: t.blockCount,
		InUse:      t.inUse,
		Free:       len(t.free),
		Hits:       t.hits,
		Misses:     t.misses,
	}
	if t.blockCount > 0 {
		st.Usage = float64(t.inUse) / float64(t.blockCount)
	}
	return st
}
