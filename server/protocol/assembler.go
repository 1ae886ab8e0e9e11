package protocol

import (
	"github.com/codetesla51/aurora/server/bufstat"
	"github.com/codetesla51/aurora/server/mempool"
)

type span struct{ off, n int }

type headerSpan struct{ name, value span }

// Assembler reduces parser events into one request held in owned buffers.
// Header names and values live back to back in a single buffer and are
// addressed by offset, so growth never invalidates earlier headers.
type Assembler struct {
	stats *bufstat.Tracker

	url    bufstat.Buffer
	fields bufstat.Buffer
	body   bufstat.Buffer
	spans  []headerSpan

	inValue bool
	head    Head
	ready   bool
	done    bool
}

// Init attaches the allocator backing the buffers and the tracker that
// learns request sizes. stats may be nil.
func (a *Assembler) Init(alloc *mempool.Allocator, stats *bufstat.Tracker) {
	a.stats = stats
	a.url.Init(alloc, stats)
	a.fields.Init(alloc, stats)
	a.body.Init(alloc, stats)
	a.reset()
}

// Apply folds one event into the request.
func (a *Assembler) Apply(ev Event) error {
	switch ev.Kind {
	case EventMessageBegin:
		a.Reset()
		return nil

	case EventURL:
		return a.url.Append(ev.Data)

	case EventHeaderField:
		if len(a.spans) == 0 || a.inValue {
			a.trimValue()
			a.spans = append(a.spans, headerSpan{name: span{off: a.fields.Len()}})
			a.inValue = false
		}
		if err := a.fields.Append(ev.Data); err != nil {
			return err
		}
		a.spans[len(a.spans)-1].name.n += len(ev.Data)
		return nil

	case EventHeaderValue:
		if len(a.spans) == 0 {
			return ErrInvalidHeader
		}
		h := &a.spans[len(a.spans)-1]
		if !a.inValue {
			a.inValue = true
			h.value.off = a.fields.Len()
		}
		if err := a.fields.Append(ev.Data); err != nil {
			return err
		}
		h.value.n += len(ev.Data)
		return nil

	case EventHeadersComplete:
		a.trimValue()
		a.head = ev.Head
		a.ready = true
		if ev.Head.ContentLength > 0 {
			return a.body.Reserve(a.bodyHint(ev.Head.ContentLength))
		}
		return nil

	case EventBody:
		return a.body.Append(ev.Data)

	case EventMessageComplete:
		a.done = true
		if a.stats != nil {
			a.stats.Update(a.Size())
		}
		return nil
	}
	return nil
}

// bodyHint is how much room to take up front for a declared body. Anything
// past the tracker's ceiling is grown into as bytes arrive.
func (a *Assembler) bodyHint(declared int64) int {
	ceiling := bufstat.DefaultLimits().Max
	if a.stats != nil {
		ceiling = a.stats.Limits().Max
	}
	return int(min(declared, int64(ceiling)))
}

func (a *Assembler) trimValue() {
	if len(a.spans) == 0 || !a.inValue {
		return
	}
	h := &a.spans[len(a.spans)-1]
	buf := a.fields.Bytes()
	for h.value.n > 0 {
		c := buf[h.value.off+h.value.n-1]
		if c != ' ' && c != '\t' {
			break
		}
		h.value.n--
	}
}

// HeadersComplete reports whether the head has been seen.
func (a *Assembler) HeadersComplete() bool { return a.ready }

// Complete reports whether a whole message has been assembled.
func (a *Assembler) Complete() bool { return a.done }

// Head returns the request line and framing summary.
func (a *Assembler) Head() Head { return a.head }

// Method returns the request method.
func (a *Assembler) Method() string { return a.head.Method }

// Target returns the raw request target.
func (a *Assembler) Target() []byte { return a.url.Bytes() }

// Body returns the decoded body.
func (a *Assembler) Body() []byte { return a.body.Bytes() }

// HeaderCount returns the number of header lines.
func (a *Assembler) HeaderCount() int { return len(a.spans) }

// Size returns the bytes held for target, headers and body.
func (a *Assembler) Size() int { return a.url.Len() + a.fields.Len() + a.body.Len() }

func (a *Assembler) slice(s span) []byte {
	if s.n == 0 {
		return nil
	}
	return a.fields.Bytes()[s.off : s.off+s.n]
}

// Header returns the first value of the named header. Names match
// case-insensitively.
func (a *Assembler) Header(name string) ([]byte, bool) {
	for _, h := range a.spans {
		if equalFold(a.slice(h.name), name) {
			return a.slice(h.value), true
		}
	}
	return nil, false
}

// VisitHeaders calls fn for every header in arrival order until fn returns false.
func (a *Assembler) VisitHeaders(fn func(name, value []byte) bool) {
	for _, h := range a.spans {
		if !fn(a.slice(h.name), a.slice(h.value)) {
			return
		}
	}
}

// Reset drops the current request and returns its buffers to the allocator.
func (a *Assembler) Reset() {
	a.url.Release()
	a.fields.Release()
	a.body.Release()
	a.reset()
}

func (a *Assembler) reset() {
	a.spans = a.spans[:0]
	a.inValue = false
	a.head = Head{ContentLength: -1}
	a.ready = false
	a.done = false
}

func equalFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := range b {
		if lower(b[i]) != lower(s[i]) {
			return false
		}
	}
	return true
}
