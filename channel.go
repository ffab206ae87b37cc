package larex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// ChannelCallback is the narrow surface a Channel drives: deliver bytes as
// they arrive, and report that the channel has finished (cleanly or not).
// In practice the implementation is always a [Coordinator]; the interface
// exists so Channel never depends on Coordinator's worker-pool dispatch or
// interest-set bookkeeping.
type ChannelCallback interface {
	onRead(data []byte)
	onClose(err error)
}

// rawReadFn is the shape of the syscall Channel.readOnce drives; production
// channels use fdRead, tests substitute withReadHook to force otherwise
// unreachable readiness sequences (spurious wakeups, partial reads).
type rawReadFn func(fd int, buf []byte) (int, error)

// Channel wraps one non-blocking socket fd, performing the aggressive
// read/write loops described by the reactor's concurrency model. A Channel
// is registered with exactly one Selector and reports to exactly one
// ChannelCallback for its lifetime.
//
// Grounded on the teacher's fd_unix.go plus loop.go's run/poll structure,
// adapted from "one loop reading many fds" to "one fd's read/write policy,
// invoked from whichever goroutine the coordinator dispatches it on".
type Channel struct {
	fd      int
	pool    BufferPool
	cb      ChannelCallback
	opts    *channelOptions
	rawRead rawReadFn

	selector channelSelector
	reg      *registration

	closed    atomic.Bool
	closedCh  chan struct{}
	closeOnce sync.Once

	// writeMu guards the single-slot suspended-writer handshake: a writer
	// goroutine that cannot flush everything records its intent to wait
	// (writerActive=true) in the same critical section it asks the
	// selector to start watching for writability, so that writeReady
	// (running on the selector thread) cannot observe writerActive before
	// the interest update it depends on has been requested.
	writeMu      sync.Mutex
	writerActive bool
	writeWake    chan struct{}

	logger zerolog.Logger
}

// NewChannel wraps fd (which must already be in non-blocking mode) for use
// with a Selector. pool supplies read buffers; cb receives delivered bytes
// and the terminal close notification.
func NewChannel(fd int, pool BufferPool, cb ChannelCallback, opts ...ChannelOption) *Channel {
	o := resolveChannelOptions(opts)
	c := &Channel{
		fd:        fd,
		pool:      pool,
		cb:        cb,
		opts:      o,
		rawRead:   defaultRawRead,
		closedCh:  make(chan struct{}),
		writeWake: make(chan struct{}, 1),
		logger:    o.logger,
	}
	if o.readHook != nil {
		c.rawRead = rawReadFn(o.readHook)
	}
	return c
}

// channelSelector is the narrow slice of Selector a Channel depends on.
// Declaring it as an interface (rather than depending on *Selector
// directly) keeps Channel's interest-set updates and unregistration
// testable in isolation from the real epoll/kqueue-backed loop.
type channelSelector interface {
	Update(ch *Channel, ops ioEvent, add bool)
	unregister(fd int)
}

// setRegistration attaches the Selector and registration record created by
// Selector.Register; called once, on the selector thread, before open() is
// delivered to the coordinator.
func (c *Channel) setRegistration(s channelSelector, r *registration) {
	c.selector = s
	c.reg = r
}

func (c *Channel) isClosed() bool {
	return c.closed.Load()
}

// needsRead and needsWrite request that the selector add or remove this
// channel's fd from the corresponding interest set. They are called by the
// Coordinator and by Read's own zero-byte re-arm, never directly by
// application code.
func (c *Channel) needsRead(add bool) {
	if c.selector != nil {
		c.selector.Update(c, ioRead, add)
	}
}

func (c *Channel) needsWrite(add bool) {
	if c.selector != nil {
		c.selector.Update(c, ioWrite, add)
	}
}

// rawRead's tri-state return convention, matching the original system's
// socket-channel read contract: n == -1 means orderly shutdown (EOF); n ==
// 0 means the socket is open but nothing is available right now; n > 0 is
// the count of bytes placed in buf. err is reserved for a genuine,
// non-EAGAIN I/O failure. The default implementation (see fdRead wrapping
// below) translates raw POSIX read() results into this convention; a test
// hook installed via withReadHook produces it directly, which is what lets
// a test express "read nothing, but not EOF" without faking kernel errno
// behavior.
func defaultRawRead(fd int, buf []byte) (int, error) {
	n, err := fdRead(fd, buf)
	if err != nil {
		if isAgain(err) {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return -1, nil
	}
	return n, nil
}

// Read drives the aggressive-read policy described by the connection's read
// contract: up to readAggressiveness back-to-back raw reads are
// accumulated into a single pool-acquired buffer before any callback
// fires, stopping early on a would-block result or an EOF marker. It is
// invoked by the coordinator's worker dispatch in response to readReady.
//
// Exactly one of three things happens per call: a non-empty accumulated
// read delivers one onRead (and, if EOF was also observed, one onClose
// immediately after); a zero-byte accumulated read on a still-open socket
// re-arms READ interest itself via needsRead(true); a zero-byte
// accumulated read with EOF observed closes the channel. The buffer is
// always released, on every exit path.
//
// delivered reports whether onRead fired, which is what the Coordinator
// needs to know: per the reactor's read-interest contract, READ is not
// auto-rearmed after a successful read — the Coordinator re-arms it once
// the Interpreter has finished processing the delivered bytes. The
// zero-byte-and-open case re-arms itself (delivered reports false, since
// no bytes reached the callback) and needs no further action from the
// caller.
func (c *Channel) Read() (delivered bool, err error) {
	if c.closed.Load() {
		return false, ErrSocketClosed
	}

	buf := c.pool.Acquire(c.opts.readBufferSize, false)
	defer c.pool.Release(buf)
	raw := buf.Bytes()

	pos := 0
	eof := false
	var ioErr error

	for i := 0; i < c.opts.readAggressiveness && pos < len(raw); i++ {
		n, err := c.rawRead(c.fd, raw[pos:])
		if err != nil {
			ioErr = err
			eof = true
			break
		}
		if n == -1 {
			eof = true
			break
		}
		if n == 0 {
			break
		}
		pos += n
	}

	switch {
	case pos > 0:
		c.cb.onRead(raw[:pos])
		if eof {
			c.closeWithErr(ioErr)
		}
		return true, ioErr
	case eof:
		c.closeWithErr(ioErr)
		if ioErr != nil {
			return false, ioErr
		}
		return false, ErrSocketClosed
	default:
		// Zero bytes, socket still open: the canonical spurious-readiness
		// case. Channel re-arms itself here rather than leaving it to the
		// coordinator, since no onRead/onClose fired for the coordinator to
		// hang a re-arm off of.
		c.needsRead(true)
		return false, nil
	}
}

// writeAggressively attempts up to writeAggressiveness back-to-back raw
// writes of data, returning the number of bytes actually written and
// whether the socket reported it would block before data was exhausted.
//
// Resolves the open question of what an inner iteration does when data is
// already fully written on entry: it performs no syscall and reports 0
// bytes for that iteration, rather than treating an empty buffer as an
// error or as a blocked write.
func (c *Channel) writeAggressively(data []byte) (written int, blocked bool, err error) {
	for i := 0; i < c.opts.writeAggressiveness; i++ {
		if written == len(data) {
			return written, false, nil
		}
		n, werr := fdWrite(c.fd, data[written:])
		if werr != nil {
			if isAgain(werr) {
				return written, true, nil
			}
			return written, false, werr
		}
		written += n
	}
	return written, false, nil
}

// Write flushes data to the socket, suspending the calling goroutine on the
// channel's single-slot writer monitor whenever the socket reports
// backpressure, and resuming once writeReady wakes it. At most one goroutine
// may be suspended on a given channel at a time; a second concurrent caller
// that would need to suspend receives ErrWriterBusy.
func (c *Channel) Write(ctx context.Context, data []byte) (int, error) {
	total := 0
	for len(data) > 0 {
		if c.closed.Load() {
			return total, ErrSocketClosed
		}

		n, blocked, err := c.writeAggressively(data)
		total += n
		data = data[n:]
		if err != nil {
			wrapped := &IOError{Op: "write", Err: err}
			c.closeWithErr(wrapped)
			return total, wrapped
		}
		if blocked && len(data) > 0 {
			if err := c.suspendUntilWritable(ctx); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// suspendUntilWritable records a single pending writer and blocks until
// writeReady wakes it, the context is cancelled, or the channel closes.
func (c *Channel) suspendUntilWritable(ctx context.Context) error {
	c.writeMu.Lock()
	if c.writerActive {
		c.writeMu.Unlock()
		return ErrWriterBusy
	}
	// needsWrite is requested inside the critical section, before the
	// slot is marked occupied: writeReady acquires the same mutex before
	// it will consider the slot occupied, so it cannot race ahead of the
	// interest-set update this call depends on.
	c.needsWrite(true)
	c.writerActive = true
	c.writeMu.Unlock()

	select {
	case <-c.writeWake:
		return nil
	case <-c.closedCh:
		return ErrSocketClosed
	case <-ctx.Done():
		c.writeMu.Lock()
		c.writerActive = false
		c.writeMu.Unlock()
		c.closeWithErr(&InterruptedError{Err: ctx.Err()})
		return &InterruptedError{Err: ErrSocketClosed}
	}
}

// writeReady clears the pending writer slot and wakes whichever goroutine
// is suspended in suspendUntilWritable, if any. Called directly by the
// Coordinator on the selector thread; never dispatched to a worker, since
// it only needs to flip a flag and signal a channel.
func (c *Channel) writeReady() {
	c.writeMu.Lock()
	if !c.writerActive {
		c.writeMu.Unlock()
		return
	}
	c.writerActive = false
	c.writeMu.Unlock()

	select {
	case c.writeWake <- struct{}{}:
	default:
	}
}

// Close is idempotent: only the first call has effect. The channel is
// unregistered from its selector, the fd is closed, and the callback's
// onClose is invoked exactly once across Close, Read-observed-EOF, and
// Read/Write-observed-error paths.
func (c *Channel) Close() error {
	c.closeWithErr(nil)
	return nil
}

func (c *Channel) closeWithErr(err error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closedCh)
		if c.selector != nil {
			c.selector.unregister(c.fd)
		}
		if cerr := fdClose(c.fd); cerr != nil {
			c.logger.Debug().Err(cerr).Int("fd", c.fd).Msg("larex: close of channel fd failed")
		}
		c.cb.onClose(err)
	})
}

func isAgain(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
