// Package engine is the epoll reactor underneath the server. It runs fd
// watchers, timers and posted callbacks on one goroutine and knows nothing
// about HTTP.
package engine

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const maxEvents = 128

var ErrLoopClosed = errors.New("engine: loop closed")

// Events is a set of readiness conditions.
type Events uint32

const (
	Readable Events = 1 << iota
	Writable
	Hangup
	Failed
)

// Callback handles readiness on fd. It runs on the loop goroutine.
type Callback func(fd int, ev Events)

func toEpoll(ev Events) uint32 {
	var e uint32
	if ev&Readable != 0 {
		e |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if ev&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpoll(e uint32) Events {
	var ev Events
	if e&unix.EPOLLIN != 0 {
		ev |= Readable
	}
	if e&unix.EPOLLOUT != 0 {
		ev |= Writable
	}
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		ev |= Hangup
	}
	if e&unix.EPOLLERR != 0 {
		ev |= Failed
	}
	return ev
}

// Loop is a single-threaded epoll reactor. Every method except Stop must be
// called from the goroutine running Run, or before Run starts.
type Loop struct {
	epfd   int
	wakefd int

	watchers map[int]Callback
	timers   timerHeap
	posted   []func()
	running  []func()
	events   []unix.EpollEvent

	stopping atomic.Bool
	closed   atomic.Bool
}

// NewLoop creates the epoll instance and its wake-up eventfd.
func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	// register wake-up fd to epoll
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakefd),
	}); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}

	return &Loop{
		epfd:     epfd,
		wakefd:   wakefd,
		watchers: make(map[int]Callback),
		events:   make([]unix.EpollEvent, maxEvents),
	}, nil
}

// Add starts watching fd for ev.
func (l *Loop) Add(fd int, ev Events, cb Callback) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: toEpoll(ev),
		Fd:     int32(fd),
	}); err != nil {
		return err
	}
	l.watchers[fd] = cb
	return nil
}

// Modify changes the interest set of a watched fd. An empty set keeps fd
// registered but silent.
func (l *Loop) Modify(fd int, ev Events) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: toEpoll(ev),
		Fd:     int32(fd),
	})
}

// Remove stops watching fd. Events already collected for fd are dropped.
func (l *Loop) Remove(fd int) error {
	if _, ok := l.watchers[fd]; !ok {
		return nil
	}
	delete(l.watchers, fd)
	if l.closed.Load() {
		return nil
	}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Watching returns the number of watched fds.
func (l *Loop) Watching() int { return len(l.watchers) }

// Post queues fn to run after the current batch of events and timers.
// A callback posted from fn runs in the next iteration.
func (l *Loop) Post(fn func()) {
	l.posted = append(l.posted, fn)
}

// Stop makes Run return after the current iteration. It is safe to call
// from any goroutine, also before Run starts.
func (l *Loop) Stop() {
	l.stopping.Store(true)
	if l.closed.Load() {
		return
	}

	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	unix.Write(l.wakefd, one[:])
}

// Run dispatches events until Stop or a fatal epoll error.
func (l *Loop) Run() error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	defer l.stopping.Store(false)

	for !l.stopping.Load() {
		n, err := unix.EpollWait(l.epfd, l.events, l.timeout())
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}

		for i := range n {
			fd := int(l.events[i].Fd)
			if fd == l.wakefd {
				l.drainWake()
				continue
			}
			// watcher may be gone if an earlier callback in this batch removed it
			if cb, ok := l.watchers[fd]; ok {
				cb(fd, fromEpoll(l.events[i].Events))
			}
		}

		l.fireTimers()
		l.runPosted()
	}
	return nil
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (l *Loop) runPosted() {
	if len(l.posted) == 0 {
		return
	}
	l.running, l.posted = l.posted, l.running[:0]
	for i, fn := range l.running {
		fn()
		l.running[i] = nil
	}
	l.running = l.running[:0]
}

// timeout returns the epoll wait in milliseconds.
func (l *Loop) timeout() int {
	if len(l.posted) > 0 {
		return 0
	}
	return l.timers.waitMillis()
}

// Close releases the epoll and eventfd descriptors. Watched fds are not closed.
func (l *Loop) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	clear(l.watchers)
	l.timers.clear()
	l.posted = nil

	return errors.Join(unix.Close(l.wakefd), unix.Close(l.epfd))
}
