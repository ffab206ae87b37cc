// Package larex is a non-blocking socket I/O runtime: a small reactor that
// multiplexes many TCP connections on a single selector thread and
// dispatches per-connection read/write activity to a worker pool for
// application-level interpretation.
//
// # Architecture
//
// Three actors coordinate around a shared per-channel state (interest set,
// read-ready/write-ready signals, a single pending writer):
//
//   - [Selector]: owns one OS-level readiness multiplexer (epoll on Linux,
//     kqueue on Darwin/BSD) and one dedicated thread; serializes all
//     interest-set mutations and readiness dispatch through an internal
//     task queue.
//   - [Channel]: wraps one non-blocking socket; performs the actual reads
//     and writes; enforces the write-backpressure handshake with
//     application threads.
//   - [Coordinator]: per-channel mediator that translates selector-thread
//     callbacks into worker-pool tasks invoking channel I/O and
//     [Interpreter] callbacks, and issues interest-set update requests
//     back to the Selector.
//
// # Scope
//
// larex does not speak TLS, HTTP, or any wire protocol, and gives no
// scheduling-fairness guarantees beyond those of the underlying readiness
// multiplexer. Byte buffer pooling is provided by the bufferpool
// subpackage; [TCPListener] and [DialTCP] (connector.go) are a minimal
// accept/dial scaffold that lifts a [net.TCPConn] onto a raw non-blocking
// fd and registers it with a [Selector]; application-level framing is an
// [Interpreter]'s business, not the core's.
package larex
