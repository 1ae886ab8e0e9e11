package server

import (
	"fmt"

	"github.com/codetesla51/aurora/server/bufstat"
	"github.com/codetesla51/aurora/server/mempool"
)

// Write envelopes for the async write path

// MaxWriteVectors is the number of buffers one write may carry.
const MaxWriteVectors = 8

type writeOrigin uint8

const (
	originPooled writeOrigin = iota + 1
	originHeap
)

func (o writeOrigin) String() string {
	switch o {
	case originPooled:
		return "pooled"
	case originHeap:
		return "heap"
	}
	return fmt.Sprintf("origin(%d)", uint8(o))
}

// WriteRequest carries the buffers of one pending socket write.
type WriteRequest struct {
	conn   *Connection
	gen    uint64
	origin writeOrigin

	bufs  [MaxWriteVectors]bufstat.Buffer
	nbufs int

	vecs  [MaxWriteVectors][]byte
	nvecs int
	first int // first vector not fully written

	total int
	sent  int

	response   bool // false for TLS handshake and alert flights
	closeAfter bool
	waiting    bool // write interest registered
	finished   bool
}

// newBuffer returns the next owned buffer of w, or nil when all are taken.
func (w *WriteRequest) newBuffer(alloc *mempool.Allocator, stats *bufstat.Tracker) *bufstat.Buffer {
	if w.nbufs == MaxWriteVectors {
		return nil
	}
	b := &w.bufs[w.nbufs]
	w.nbufs++
	b.Init(alloc, stats)
	return b
}

// push queues p behind the vectors already added. Empty slices are skipped.
func (w *WriteRequest) push(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	if w.nvecs == MaxWriteVectors {
		return false
	}
	w.vecs[w.nvecs] = p
	w.nvecs++
	w.total += len(p)
	return true
}

func (w *WriteRequest) pending() [][]byte { return w.vecs[w.first:w.nvecs] }

func (w *WriteRequest) done() bool { return w.first >= w.nvecs }

// advance drops n written bytes from the front of the queue.
func (w *WriteRequest) advance(n int) {
	w.sent += n
	for n > 0 && w.first < w.nvecs {
		v := w.vecs[w.first]
		if n < len(v) {
			w.vecs[w.first] = v[n:]
			return
		}
		n -= len(v)
		w.vecs[w.first] = nil
		w.first++
	}
}

// writePool hands out envelopes from a fixed free list and falls back to
// the heap when it runs dry.
type writePool struct {
	list *mempool.FreeList[WriteRequest]
	io   *IOStats
}

func newWritePool(size int, io *IOStats) *writePool {
	return &writePool{
		list: mempool.NewFreeList[WriteRequest]("write_requests", size),
		io:   io,
	}
}

func (p *writePool) get(c *Connection) *WriteRequest {
	w, pooled := p.list.Get()
	if pooled {
		w.origin = originPooled
		p.io.pooledWrites.Inc()
	} else {
		w.origin = originHeap
		p.io.heapWrites.Inc()
	}
	w.conn = c
	w.gen = c.gen
	return w
}

// put releases the buffers of w and returns it to where it came from.
func (p *writePool) put(w *WriteRequest) {
	for i := range w.bufs[:w.nbufs] {
		w.bufs[i].Release()
	}

	switch w.origin {
	case originPooled:
		p.list.Put(w)
	case originHeap:
		p.list.Drop(w)
		*w = WriteRequest{}
	default:
		panic(fmt.Sprintf("server: releasing write request with %v", w.origin))
	}
}

func (p *writePool) Stats() mempool.ListStats { return p.list.Stats() }
