package larex

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// dupConnFD extracts a duplicated, non-blocking raw file descriptor from a
// net.Conn's underlying socket. The duplicate is independent of conn: the
// caller is expected to discard conn (or close it) once the dup is taken,
// since the reactor drives the duplicate directly from here on.
//
// Grounded on the teacher pack's raw-fd connectors (xtaci/tcpraw,
// RTradeLtd/gaio's dupconn): net.Conn is used only to get through Go's
// portable DNS/dial/accept machinery, after which the fd is lifted out via
// SyscallConn and driven directly, bypassing net.Conn's blocking
// Read/Write entirely.
func dupConnFD(conn syscallConner) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("larex: get raw conn: %w", err)
	}

	var dupfd int
	var dupErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		dupfd, dupErr = unix.Dup(int(fd))
	})
	if ctrlErr != nil {
		return -1, fmt.Errorf("larex: raw conn control: %w", ctrlErr)
	}
	if dupErr != nil {
		return -1, fmt.Errorf("larex: dup fd: %w", dupErr)
	}
	if err := fdSetNonblock(dupfd, true); err != nil {
		_ = fdClose(dupfd)
		return -1, fmt.Errorf("larex: set nonblocking: %w", err)
	}
	return dupfd, nil
}

// syscallConner is satisfied by *net.TCPConn and *net.TCPListener; it
// exists only so dupConnFD doesn't need two near-identical copies.
type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

// TCPListener accepts inbound connections, lifts each one onto a raw
// non-blocking fd, and registers it with a Selector behind a fresh
// Coordinator/Interpreter pair.
type TCPListener struct {
	ln       *net.TCPListener
	selector *Selector
	pool     BufferPool
	workers  *workerPool
	factory  InterpreterFactory
	chanOpts []ChannelOption
	logger   zerolog.Logger
	done     chan struct{}
}

// ListenTCP starts accepting connections on addr (host:port). Each accepted
// connection is registered with selector and handed an Interpreter created
// by factory. Concurrency of read dispatch across all connections accepted
// by this listener is bounded by maxWorkers (<=0 means unbounded).
func ListenTCP(
	addr string,
	selector *Selector,
	pool BufferPool,
	factory InterpreterFactory,
	maxWorkers int,
	logger zerolog.Logger,
	chanOpts ...ChannelOption,
) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("larex: listen %s: %w", addr, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("larex: listen %s: not a TCP listener", addr)
	}

	l := &TCPListener{
		ln:       tcpLn,
		selector: selector,
		pool:     pool,
		workers:  newWorkerPool(maxWorkers),
		factory:  factory,
		chanOpts: chanOpts,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listener's bound address.
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections. Already-accepted connections are
// unaffected; close the Selector to tear those down too.
func (l *TCPListener) Close() error {
	err := l.ln.Close()
	<-l.done
	return err
}

func (l *TCPListener) acceptLoop() {
	defer close(l.done)
	for {
		conn, err := l.ln.AcceptTCP()
		if err != nil {
			l.logger.Debug().Err(err).Msg("larex: accept loop exiting")
			return
		}
		l.accept(conn)
	}
}

func (l *TCPListener) accept(conn *net.TCPConn) {
	fd, err := dupConnFD(conn)
	_ = conn.Close()
	if err != nil {
		l.logger.Error().Err(err).Msg("larex: failed to lift accepted connection onto a raw fd")
		return
	}

	ch := NewChannel(fd, l.pool, nil, l.chanOpts...)
	co := NewCoordinator(ch, l.factory, l.workers, l.logger)
	l.selector.Register(ch, co)
}

// DialTCP connects to addr, lifts the connection onto a raw non-blocking
// fd, and registers it with selector behind a fresh Coordinator/Interpreter
// pair, exactly as an accepted connection would be. Unlike a real
// non-blocking connect, this uses net.Dial's blocking connect under ctx and
// only switches to non-blocking mode afterward; a deadline-bound ctx is the
// idiomatic Go substitute for watching the fd for writability to detect
// connect completion.
func DialTCP(
	ctx context.Context,
	addr string,
	selector *Selector,
	pool BufferPool,
	factory InterpreterFactory,
	maxWorkers int,
	logger zerolog.Logger,
	chanOpts ...ChannelOption,
) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return nil, &ConnectError{Addr: addr, Err: fmt.Errorf("not a TCP connection")}
	}

	fd, err := dupConnFD(tcpConn)
	_ = tcpConn.Close()
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	ch := NewChannel(fd, pool, nil, chanOpts...)
	co := NewCoordinator(ch, factory, newWorkerPool(maxWorkers), logger)
	selector.Register(ch, co)
	return co, nil
}
