package larex

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Listener is the thin adapter the Selector invokes on readiness; in
// practice this is always a [Coordinator]. Calls to a given Listener are
// never concurrent with each other: they are serialized by virtue of all
// running on the selector thread.
type Listener interface {
	// open is invoked exactly once after successful registration.
	open()
	// readReady is invoked when the channel's fd has become readable.
	readReady()
	// writeReady is invoked when the channel's fd has become writable.
	writeReady()
	// close is invoked at most once, when the owning Selector is closed.
	// A channel that closes itself is unregistered without this callback.
	close()
}

// registration is the Selector-thread-exclusive record of one monitored
// channel: its current interest mask and the listener to notify. Per the
// data model, mutation of interest happens only on the selector thread.
type registration struct {
	fd       int
	channel  *Channel
	listener Listener
	interest ioEvent
}

// Selector owns one OS-level readiness multiplexer and one dedicated
// goroutine pinned to an OS thread; it serializes all interest-set
// mutations and readiness dispatch through an internal task queue.
//
// Grounded on the teacher's Loop (eventloop/loop.go): a CAS state
// machine, a wake fd that unblocks a pending poll, and a queue of
// closures which the loop thread itself drains before each poll round.
// The teacher's timer heap, microtask ring, and promise registry have no
// analog here — this reactor only ever reacts to socket readiness and
// explicit registration/update/close requests.
type Selector struct { //nolint:govet // field order follows the teacher's grouping, not alignment
	poller rawPoller
	wake   *wakeupFD

	state *fastState

	mu   sync.Mutex
	regs map[int]*registration
	tasks taskQueue

	wakeupPending atomic.Bool

	loopGoroutineID atomic.Uint64
	done            chan struct{}
	closeOnce       sync.Once

	logger zerolog.Logger
}

// NewSelector creates a Selector and immediately starts its dedicated
// loop goroutine (locked to an OS thread, since epoll/kqueue require
// thread affinity for the fd they were created on).
func NewSelector(opts ...SelectorOption) (*Selector, error) {
	o := resolveSelectorOptions(opts)

	wake, err := newWakeupFD()
	if err != nil {
		return nil, fmt.Errorf("larex: create wakeup fd: %w", err)
	}

	s := &Selector{
		poller: newPlatformPoller(),
		wake:   wake,
		state:  newFastState(SelectorRunning),
		regs:   make(map[int]*registration),
		done:   make(chan struct{}),
		logger: o.logger,
	}

	if err := s.poller.init(); err != nil {
		_ = wake.close()
		return nil, fmt.Errorf("larex: init poller: %w", err)
	}
	if err := s.poller.add(wake.readFD(), ioRead); err != nil {
		_ = s.poller.closePoller()
		_ = wake.close()
		return nil, fmt.Errorf("larex: register wakeup fd: %w", err)
	}

	prewarmTaskChunkPool(o.taskQueueHint)

	go s.run()

	return s, nil
}

// Register asynchronously registers the channel with interest set empty
// and attaches the listener; listener.open() is invoked once
// registration succeeds, on the selector thread. If the channel's
// underlying socket is already closed, the registration is silently
// dropped (and logged).
func (s *Selector) Register(ch *Channel, l Listener) {
	s.enqueue(func() {
		if ch.isClosed() {
			s.logger.Debug().Int("fd", ch.fd).Msg("larex: dropping registration of closed channel")
			return
		}
		r := &registration{fd: ch.fd, channel: ch, listener: l}
		s.regs[ch.fd] = r
		if err := s.poller.add(ch.fd, 0); err != nil {
			delete(s.regs, ch.fd)
			s.logger.Debug().Err(err).Int("fd", ch.fd).Msg("larex: registration failed")
			return
		}
		ch.setRegistration(s, r)
		s.safeOpen(l)
	})
}

// Update sets interest := interest | ops if add, else interest :=
// interest &^ ops. When called from the selector thread it is applied
// inline (no queueing) so that back-to-back updates inside a dispatch
// take effect before the next select() call; otherwise it is queued and
// the loop is woken.
func (s *Selector) Update(ch *Channel, ops ioEvent, add bool) {
	apply := func() {
		r, ok := s.regs[ch.fd]
		if !ok {
			return
		}
		if add {
			r.interest |= ops
		} else {
			r.interest &^= ops
		}
		if err := s.poller.modify(ch.fd, r.interest); err != nil {
			s.logger.Debug().Err(err).Int("fd", ch.fd).Msg("larex: interest update failed")
		}
	}
	if s.isSelectorThread() {
		s.mu.Lock()
		apply()
		s.mu.Unlock()
		return
	}
	s.enqueue(apply)
}

// unregister removes a channel's registration without notifying its
// listener; used by Channel.Close so a channel that closes itself does
// not receive a second close() callback from Selector.Close.
func (s *Selector) unregister(fd int) {
	s.enqueue(func() {
		if _, ok := s.regs[fd]; !ok {
			return
		}
		delete(s.regs, fd)
		_ = s.poller.remove(fd)
	})
}

// Wakeup unblocks a pending select/poll round. Idempotent: multiple
// concurrent calls coalesce into a single wakeup.
func (s *Selector) Wakeup() {
	if s.state.Load() == SelectorClosed {
		return
	}
	if s.wakeupPending.CompareAndSwap(false, true) {
		_ = s.wake.signal()
	}
}

// Close posts a Close task that walks all current registrations, calls
// listener.close() on each, then closes the multiplexer. Close is safe
// to call more than once; only the first call has effect.
func (s *Selector) Close() {
	s.closeOnce.Do(func() {
		s.enqueue(func() {
			for fd, r := range s.regs {
				delete(s.regs, fd)
				_ = s.poller.remove(fd)
				s.safeClose(r.listener)
			}
			// CAS rather than an unconditional store: closeOnce already
			// limits this closure to a single execution, but the
			// transition is still expressed as a guarded compare-and-swap
			// so that a Running->Closing edge can never silently overwrite
			// a state the loop thread has already moved past (e.g. a
			// poll fault racing an explicit Close of the same Selector).
			s.state.tryTransition(SelectorRunning, SelectorClosing)
		})
		s.Wakeup()
	})
}

// Join waits up to timeout for the loop goroutine to exit. It returns
// true if the loop exited within the deadline.
func (s *Selector) Join(timeout time.Duration) bool {
	select {
	case <-s.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// enqueue pushes a task onto the selector's MPSC queue and wakes the
// loop. The queue itself is not safe for concurrent push/pop, so it is
// always mutated under mu.
func (s *Selector) enqueue(task func()) {
	s.mu.Lock()
	s.tasks.push(task)
	s.mu.Unlock()
	s.Wakeup()
}

func (s *Selector) isSelectorThread() bool {
	id := s.loopGoroutineID.Load()
	return id != 0 && id == currentGoroutineID()
}

// run is the selector's dedicated loop: drain the task queue, block in
// the platform poller, dispatch readiness, repeat.
func (s *Selector) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s.loopGoroutineID.Store(currentGoroutineID())
	defer s.loopGoroutineID.Store(0)

	buf := make([]readyFD, 256)

	for {
		s.drainTasks()

		if s.state.Load() == SelectorClosing {
			s.finishClose()
			return
		}

		n, err := s.poller.wait(-1, buf)
		if err != nil {
			s.logger.Error().Err(err).Msg("larex: selector poll failed, closing")
			s.Close()
			continue
		}

		s.dispatch(buf[:n])
	}
}

func (s *Selector) drainTasks() {
	s.mu.Lock()
	depth := s.tasks.len()
	s.mu.Unlock()
	if depth > 0 {
		s.logger.Debug().Int("queue_depth", depth).Msg("larex: draining selector task queue")
	}
	for {
		s.mu.Lock()
		task, ok := s.tasks.pop()
		s.mu.Unlock()
		if !ok {
			return
		}
		task()
	}
}

func (s *Selector) dispatch(ready []readyFD) {
	wakeFD := s.wake.readFD()
	for _, rdy := range ready {
		if rdy.fd == wakeFD {
			s.wake.drain()
			s.wakeupPending.Store(false)
			continue
		}

		s.mu.Lock()
		r, ok := s.regs[rdy.fd]
		s.mu.Unlock()
		if !ok {
			// ClosedKey: the registration was removed between the
			// poller reporting readiness and dispatch. Catch and
			// continue per the loop algorithm.
			continue
		}

		events := rdy.events
		switch {
		case events&(ioRead|ioError|ioHangup) != 0:
			s.safeReadReady(r.listener)
		case events&ioWrite != 0:
			s.safeWriteReady(r.listener)
		}
	}
}

// safeOpen/safeReadReady/safeWriteReady/safeClose catch panics from
// listener callbacks so that a misbehaving registration (or one that
// panics mid-registration) cannot wedge the selector loop.
func (s *Selector) safeOpen(l Listener) {
	defer s.recoverListenerPanic("open")
	l.open()
}

func (s *Selector) safeReadReady(l Listener) {
	defer s.recoverListenerPanic("readReady")
	l.readReady()
}

func (s *Selector) safeWriteReady(l Listener) {
	defer s.recoverListenerPanic("writeReady")
	l.writeReady()
}

func (s *Selector) safeClose(l Listener) {
	defer s.recoverListenerPanic("close")
	l.close()
}

func (s *Selector) recoverListenerPanic(op string) {
	if r := recover(); r != nil {
		s.logger.Error().Interface("panic", r).Str("op", op).Msg("larex: listener callback panicked")
	}
}

func (s *Selector) finishClose() {
	_ = s.poller.closePoller()
	_ = s.wake.close()
	s.state.tryTransition(SelectorClosing, SelectorClosed)
	close(s.done)
}

// currentGoroutineID extracts the calling goroutine's numeric ID from its
// stack trace header. Grounded on the teacher's getGoroutineID
// (eventloop/loop.go), which uses the same trick to let Submit/Update
// detect same-thread calls without a context.Context thread down every
// call site.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
