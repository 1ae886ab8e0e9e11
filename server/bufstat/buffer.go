package bufstat

import "github.com/codetesla51/aurora/server/mempool"

// Buffer is an owned, growable byte buffer backed by allocator blocks.
// Growth is sized by the buffer's tracker. The zero Buffer must be given an
// allocator with Init before use.
type Buffer struct {
	alloc *mempool.Allocator
	stats *Tracker
	block mempool.Block
	n     int
}

// NewBuffer returns an empty buffer drawing from alloc and sized by stats.
// stats may be nil.
func NewBuffer(alloc *mempool.Allocator, stats *Tracker) Buffer {
	return Buffer{alloc: alloc, stats: stats}
}

// Init attaches the allocator and tracker, releasing anything held before.
func (b *Buffer) Init(alloc *mempool.Allocator, stats *Tracker) {
	b.Release()
	b.alloc = alloc
	b.stats = stats
}

// Bytes returns the buffered bytes. The slice is valid until the next
// mutation of b.
func (b *Buffer) Bytes() []byte {
	if b.n == 0 {
		return nil
	}
	return b.block.Bytes()[:b.n]
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return b.n }

// Cap returns the current capacity.
func (b *Buffer) Cap() int { return b.block.Len() }

// Reserve makes room for at least n bytes in total.
func (b *Buffer) Reserve(n int) error {
	if n <= b.block.Len() {
		return nil
	}

	size := SizeFor(b.block.Len(), n, b.stats)
	if !b.block.IsZero() && b.stats != nil {
		b.stats.noteResize()
	}
	return b.alloc.Grow(&b.block, size)
}

// Append copies p to the end of the buffer.
func (b *Buffer) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if err := b.Reserve(b.n + len(p)); err != nil {
		return err
	}
	b.n += copy(b.block.Bytes()[b.n:], p)
	return nil
}

// Write implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	if err := b.Append(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// AppendString is Append for strings.
func (b *Buffer) AppendString(s string) error {
	if len(s) == 0 {
		return nil
	}
	if err := b.Reserve(b.n + len(s)); err != nil {
		return err
	}
	b.n += copy(b.block.Bytes()[b.n:], s)
	return nil
}

// AppendByte appends a single byte.
func (b *Buffer) AppendByte(c byte) error {
	if err := b.Reserve(b.n + 1); err != nil {
		return err
	}
	b.block.Bytes()[b.n] = c
	b.n++
	return nil
}

// Available returns at least n bytes of spare room after the buffered data.
// Bytes written there count once passed to Advance.
func (b *Buffer) Available(n int) ([]byte, error) {
	if err := b.Reserve(b.n + n); err != nil {
		return nil, err
	}
	return b.block.Bytes()[b.n:], nil
}

// Advance extends the buffer over n bytes written into Available space.
func (b *Buffer) Advance(n int) {
	b.n = min(b.n+n, b.block.Len())
}

// Truncate keeps the first n bytes.
func (b *Buffer) Truncate(n int) {
	if n < b.n {
		b.n = max(n, 0)
	}
}

// Consume drops the first n bytes, shifting the rest to the front.
func (b *Buffer) Consume(n int) {
	if n >= b.n {
		b.n = 0
		return
	}
	buf := b.block.Bytes()
	b.n = copy(buf, buf[n:b.n])
}

// Record feeds the current length into the tracker.
func (b *Buffer) Record() {
	if b.stats != nil {
		b.stats.Update(b.n)
	}
}

// Detach hands the backing block to the caller, leaving b empty.
// The caller becomes responsible for freeing it.
func (b *Buffer) Detach() (mempool.Block, int) {
	blk, n := b.block, b.n
	b.block = mempool.Block{}
	b.n = 0
	return blk, n
}

// Release returns the backing block to the allocator.
func (b *Buffer) Release() {
	if b.alloc != nil {
		b.alloc.Free(&b.block)
	}
	b.block = mempool.Block{}
	b.n = 0
}
