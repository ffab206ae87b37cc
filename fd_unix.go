//go:build linux || darwin

package larex

import "golang.org/x/sys/unix"

// Raw non-blocking fd primitives, grounded on the teacher's fd_unix.go.
// Channel operates on these directly rather than through net.Conn so
// that a single read/write can be driven by the aggressive-loop policy
// without an extra layer of buffering.

func fdRead(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

func fdWrite(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}

func fdClose(fd int) error {
	return unix.Close(fd)
}

func fdSetNonblock(fd int, nonblocking bool) error {
	return unix.SetNonblock(fd, nonblocking)
}
