package larex

import "github.com/rs/zerolog"

// defaultReadAggressiveness is the default number of back-to-back
// socket.read calls performed per readReady dispatch.
const defaultReadAggressiveness = 2

// defaultWriteAggressiveness is the default number of back-to-back
// socket.write calls performed per outer write iteration.
const defaultWriteAggressiveness = 2

// defaultReadBufferSize is the buffer size requested from the pool for
// each read dispatched by the coordinator.
const defaultReadBufferSize = 64 * 1024

// channelOptions holds the tunables applied to a new Channel.
type channelOptions struct {
	readAggressiveness  int
	writeAggressiveness int
	readBufferSize      int
	logger              zerolog.Logger
	readHook            readHook
}

// ChannelOption configures a [Channel] at construction time.
type ChannelOption func(*channelOptions)

// WithReadAggressiveness sets N, the number of back-to-back socket.read
// calls performed per readiness notification. N must be a positive
// integer; non-positive values are clamped to 1.
func WithReadAggressiveness(n int) ChannelOption {
	return func(o *channelOptions) {
		if n < 1 {
			n = 1
		}
		o.readAggressiveness = n
	}
}

// WithWriteAggressiveness sets M, the number of back-to-back socket.write
// calls attempted per outer write iteration before re-checking whether
// bytes remain. M must be a positive integer; non-positive values are
// clamped to 1.
func WithWriteAggressiveness(m int) ChannelOption {
	return func(o *channelOptions) {
		if m < 1 {
			m = 1
		}
		o.writeAggressiveness = m
	}
}

// WithReadBufferSize overrides the size of buffer acquired from the pool
// for each dispatched read.
func WithReadBufferSize(n int) ChannelOption {
	return func(o *channelOptions) {
		if n > 0 {
			o.readBufferSize = n
		}
	}
}

// WithLogger attaches a structured logger to the channel. The logger is
// used as given; no fields are added to it, and the channel's own log line
// (a failed fd close) carries the fd explicitly.
func WithLogger(logger zerolog.Logger) ChannelOption {
	return func(o *channelOptions) {
		o.logger = logger
	}
}

// readHook is the fault-injection extension point described in the design
// notes: it lets tests substitute the raw socket read with a function that
// returns a fixed/controlled result, so that edge cases such as the
// zero-byte spurious-readiness path can be reproduced deterministically.
type readHook func(fd int, buf []byte) (n int, err error)

// withReadHook overrides the raw read syscall used by Channel.Read. Tests
// only; unexported because production callers never need it.
func withReadHook(h readHook) ChannelOption {
	return func(o *channelOptions) {
		o.readHook = h
	}
}

func resolveChannelOptions(opts []ChannelOption) *channelOptions {
	o := &channelOptions{
		readAggressiveness:  defaultReadAggressiveness,
		writeAggressiveness: defaultWriteAggressiveness,
		readBufferSize:      defaultReadBufferSize,
		logger:              zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// selectorOptions holds configuration applied to a new Selector.
type selectorOptions struct {
	logger        zerolog.Logger
	taskQueueHint int
}

// SelectorOption configures a [Selector] at construction time.
type SelectorOption func(*selectorOptions)

// WithSelectorLogger attaches a structured logger to the selector.
// Registration drops and failures, failed interest updates, task-queue
// backlogs, listener panics and poll faults are logged through it; closing
// the selector logs nothing.
func WithSelectorLogger(logger zerolog.Logger) SelectorOption {
	return func(o *selectorOptions) {
		o.logger = logger
	}
}

// WithTaskQueueHint hints at how many tasks (registrations, interest-set
// updates, close) the selector's queue is expected to hold at once during
// its busiest bursts, such as a listener's initial flood of accepts. The
// hint pre-warms the queue's shared chunk pool at construction so that
// burst does not pay chunk-allocation cost; it never bounds the queue,
// which always accepts more tasks than the hint by growing a fresh chunk.
// Non-positive values are ignored.
func WithTaskQueueHint(n int) SelectorOption {
	return func(o *selectorOptions) {
		if n > 0 {
			o.taskQueueHint = n
		}
	}
}

func resolveSelectorOptions(opts []SelectorOption) *selectorOptions {
	o := &selectorOptions{
		logger:        zerolog.Nop(),
		taskQueueHint: 128,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}
