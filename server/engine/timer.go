package engine

import (
	"container/heap"
	"math"
	"time"
)

// Timer is a one-shot or periodic callback run by a Loop.
type Timer struct {
	loop   *Loop
	when   time.Time
	period time.Duration
	fn     func()
	index  int // position in the heap, -1 when not scheduled
}

// AfterFunc runs fn once on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, fn: fn, index: -1}
	t.Reset(d)
	return t
}

// Every runs fn on the loop every d until the timer is stopped.
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, fn: fn, period: d, index: -1}
	t.Reset(d)
	return t
}

// Active reports whether t is scheduled.
func (t *Timer) Active() bool { return t != nil && t.index >= 0 }

// Stop unschedules t and reports whether it was scheduled.
func (t *Timer) Stop() bool {
	if !t.Active() {
		return false
	}
	heap.Remove(&t.loop.timers, t.index)
	return true
}

// Reset reschedules t to fire after d. A periodic timer keeps its period.
func (t *Timer) Reset(d time.Duration) {
	t.when = time.Now().Add(d)
	if t.Active() {
		heap.Fix(&t.loop.timers, t.index)
		return
	}
	heap.Push(&t.loop.timers, t)
}

// fireTimers runs every timer that is due. Periodic timers are rescheduled
// before their callback so the callback may stop them.
func (l *Loop) fireTimers() {
	now := time.Now()
	for len(l.timers) > 0 {
		t := l.timers[0]
		if t.when.After(now) {
			return
		}
		if t.period > 0 {
			t.when = now.Add(t.period)
			heap.Fix(&l.timers, 0)
		} else {
			heap.Pop(&l.timers)
		}
		t.fn()
	}
}

type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// waitMillis returns how long epoll may sleep before the next timer, -1 for
// no timers.
func (h timerHeap) waitMillis() int {
	if len(h) == 0 {
		return -1
	}
	d := time.Until(h[0].when)
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	return int(min(ms, math.MaxInt32))
}

func (h *timerHeap) clear() {
	for _, t := range *h {
		t.index = -1
	}
	*h = (*h)[:0]
}
