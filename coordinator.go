package larex

import (
	"context"

	"github.com/rs/zerolog"
)

// Coordinator mediates between a Selector's readiness callbacks (running on
// the selector thread) and a Channel's blocking read/write loops (running
// on worker goroutines), while driving an Interpreter's application-level
// callbacks.
//
// It implements two roles at once: [Listener] toward the Selector, and
// [ChannelCallback] toward the Channel. Holding both lets it own the
// interest-set transitions the spec requires around each dispatch: clear
// READ before handing a read off to a worker, re-arm it only after that
// worker's read has delivered bytes to the interpreter (not automatically
// after every dispatch), and never dispatch writeReady to a worker at all since it
// only ever flips a flag and signals a channel.
type Coordinator struct {
	channel     *Channel
	interpreter Interpreter
	pool        *workerPool
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

var (
	_ Listener        = (*Coordinator)(nil)
	_ ChannelCallback = (*Coordinator)(nil)
	_ Conn            = (*Coordinator)(nil)
)

// NewCoordinator wires a Channel to an Interpreter built from factory, using
// pool to bound concurrent read dispatches. The returned Coordinator is the
// Listener to pass to Selector.Register alongside the same channel.
func NewCoordinator(channel *Channel, factory InterpreterFactory, pool *workerPool, logger zerolog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	co := &Coordinator{
		channel: channel,
		pool:    pool,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	co.interpreter = factory.NewInterpreter(co)
	channel.cb = co
	return co
}

// -- Listener: invoked on the selector thread only --

func (co *Coordinator) open() {
	co.channel.needsRead(true)
}

func (co *Coordinator) readReady() {
	// Clear READ before dispatch: the selector thread must not see another
	// readiness event for this fd while a worker is already draining it,
	// since that would let two goroutines call Channel.Read concurrently
	// and break ordered delivery.
	co.channel.needsRead(false)
	co.pool.submit(co.runRead)
}

func (co *Coordinator) writeReady() {
	co.channel.needsWrite(false)
	co.channel.writeReady()
}

// close is the Selector-driven shutdown path: invoked once per registration
// when the Selector itself is closing. It waits for any read dispatch
// already running for this channel to finish before closing the fd, so a
// worker goroutine's in-flight rawRead never races the fd being closed out
// from under it. It must never be called from within a pool-submitted task
// (runRead) itself, which would deadlock it waiting on its own completion;
// the Conn-facing Close (called by the Interpreter, including from within
// OnRead) goes straight to co.channel.Close() for exactly that reason.
func (co *Coordinator) close() {
	co.pool.wait()
	_ = co.channel.Close()
}

// runRead executes one read dispatch on a worker goroutine. READ interest
// is re-armed by the Coordinator only when the dispatch actually delivered
// bytes to the interpreter — this is the reactor's answer to whether read
// interest auto-rearms after a read. It does not, automatically: the
// zero-byte/still-open case re-arms itself inside Channel.Read (nothing was
// delivered for the coordinator to hang a re-arm off of), and the
// EOF/error case must not re-arm a channel that's already closed. Only the
// successful-delivery case is the Coordinator's to re-arm, once the
// interpreter's onRead call (invoked synchronously from within
// Channel.Read) has returned.
func (co *Coordinator) runRead() {
	defer co.recoverPanic("read")
	delivered, err := co.channel.Read()
	if delivered && err == nil && !co.channel.isClosed() {
		co.channel.needsRead(true)
	}
}

func (co *Coordinator) recoverPanic(op string) {
	if r := recover(); r != nil {
		co.logger.Error().Interface("panic", r).Str("op", op).Msg("larex: coordinator dispatch panicked")
		_ = co.channel.Close()
	}
}

// -- ChannelCallback: invoked from whichever goroutine observes the event --

func (co *Coordinator) onRead(data []byte) {
	co.interpreter.OnRead(data)
}

func (co *Coordinator) onClose(err error) {
	co.cancel()
	co.interpreter.OnClose(err)
}

// -- Conn: exposed to the Interpreter --

// Write flushes data to the underlying channel, suspending the calling
// goroutine on backpressure until the socket becomes writable again or the
// connection closes.
func (co *Coordinator) Write(data []byte) (int, error) {
	return co.channel.Write(co.ctx, data)
}

// Close requests that the underlying channel close.
func (co *Coordinator) Close() error {
	return co.channel.Close()
}
