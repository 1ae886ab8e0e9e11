package mempool

import "sync"

// FreeList is a fixed-capacity pool of pre-allocated records. Records handed
// out on a miss come from the heap and must be given back with Drop, never Put.
type FreeList[T any] struct {
	name     string
	capacity int

	mu      sync.Mutex
	members map[*T]struct{}
	free    []*T
	inUse   int
	heapOut int
	hits    uint64
	misses  uint64
}

// ListStats is a point-in-time view of a FreeList.
type ListStats struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	InUse    int    `json:"in_use"`
	Free     int    `json:"free"`
	HeapOut  int    `json:"heap_out"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

// NewFreeList pre-allocates capacity records.
func NewFreeList[T any](name string, capacity int) *FreeList[T] {
	f := &FreeList[T]{
		name:     name,
		capacity: capacity,
		members:  make(map[*T]struct{}, capacity),
		free:     make([]*T, 0, capacity),
	}

	records := make([]T, capacity)
	for i := range records {
		p := &records[i]
		f.members[p] = struct{}{}
		f.free = append(f.free, p)
	}
	return f
}

// Get pops a pooled record, or allocates one when the list is empty.
// pooled reports which of the two happened.
func (f *FreeList[T]) Get() (v *T, pooled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n := len(f.free); n > 0 {
		v = f.free[n-1]
		f.free[n-1] = nil
		f.free = f.free[:n-1]
		f.inUse++
		f.hits++
		return v, true
	}

	f.heapOut++
	f.misses++
	return new(T), false
}

// Put returns a pooled record. Records that do not belong to the list are
// rejected and Put reports false.
func (f *FreeList[T]) Put(v *T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.members[v]; !ok || f.inUse == 0 {
		return false
	}
	var zero T
	*v = zero
	f.free = append(f.free, v)
	f.inUse--
	return true
}

// Drop accounts for a heap record going away.
func (f *FreeList[T]) Drop(v *T) {
	f.mu.Lock()
	if f.heapOut > 0 {
		f.heapOut--
	}
	f.mu.Unlock()
}

// Stats returns the list counters.
func (f *FreeList[T]) Stats() ListStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	return ListStats{
		Name:     f.name,
		Capacity: f.capacity,
		InUse:    f.inUse,
		Free:     len(f.free),
		HeapOut:  f.heapOut,
		Hits:     f.hits,
		Misses:   f.misses,
	}
}

// Outstanding returns the records handed out and not yet returned.
func (f *FreeList[T]) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inUse + f.heapOut
}
