//go:build darwin

package larex

import "golang.org/x/sys/unix"

// wakeupFD unblocks a pending select/poll from another goroutine. Darwin
// has no eventfd, so we fall back to a self-pipe, grounded on the
// teacher's wakeup_darwin.go.
type wakeupFD struct {
	readFd, writeFd int
}

func newWakeupFD() (*wakeupFD, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	return &wakeupFD{readFd: fds[0], writeFd: fds[1]}, nil
}

func (w *wakeupFD) readFD() int { return w.readFd }

func (w *wakeupFD) signal() error {
	_, err := unix.Write(w.writeFd, []byte{1})
	return err
}

func (w *wakeupFD) drain() {
	var buf [64]byte
	for {
		if _, err := unix.Read(w.readFd, buf[:]); err != nil {
			return
		}
	}
}

func (w *wakeupFD) close() error {
	err1 := unix.Close(w.readFd)
	err2 := unix.Close(w.writeFd)
	if err1 != nil {
		return err1
	}
	return err2
}
