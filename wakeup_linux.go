//go:build linux

package larex

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// wakeupFD unblocks a pending select/poll from another goroutine. On
// Linux we use a single eventfd as both read and write end, grounded on
// the teacher's wakeup_linux.go.
type wakeupFD struct {
	fd int
}

func newWakeupFD() (*wakeupFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &wakeupFD{fd: fd}, nil
}

func (w *wakeupFD) readFD() int { return w.fd }

func (w *wakeupFD) signal() error {
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, err := unix.Write(w.fd, buf)
	return err
}

func (w *wakeupFD) drain() {
	var buf [8]byte
	for {
		if _, err := unix.Read(w.fd, buf[:]); err != nil {
			return
		}
	}
}

func (w *wakeupFD) close() error {
	return unix.Close(w.fd)
}
