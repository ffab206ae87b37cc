//go:build linux

package larex

import (
	"golang.org/x/sys/unix"
)

// epollPoller is the Linux rawPoller, grounded on the teacher's
// FastPoller (poller_linux.go): a single epoll instance plus a
// preallocated event buffer, with no per-fd callback bookkeeping of its
// own (that lives on the Selector).
type epollPoller struct {
	epfd     int
	eventBuf []unix.EpollEvent
}

func newEpollPoller(maxEvents int) *epollPoller {
	if maxEvents <= 0 {
		maxEvents = 256
	}
	return &epollPoller{eventBuf: make([]unix.EpollEvent, maxEvents)}
}

func (p *epollPoller) init() error {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = fd
	return nil
}

func (p *epollPoller) closePoller() error {
	return unix.Close(p.epfd)
}

func (p *epollPoller) add(fd int, events ioEvent) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (p *epollPoller) modify(fd int, events ioEvent) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *epollPoller) remove(fd int) error {
	// Linux ignores the event argument on EPOLL_CTL_DEL, but kernels
	// before 2.6.9 require a non-nil pointer.
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{})
}

func (p *epollPoller) wait(timeoutMs int, buf []readyFD) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.eventBuf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for i := 0; i < n && count < len(buf); i++ {
		buf[count] = readyFD{
			fd:     int(p.eventBuf[i].Fd),
			events: fromEpollEvents(p.eventBuf[i].Events),
		}
		count++
	}
	return count, nil
}

func toEpollEvents(events ioEvent) uint32 {
	var e uint32
	if events&ioRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&ioWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpollEvents(e uint32) ioEvent {
	var events ioEvent
	if e&unix.EPOLLIN != 0 {
		events |= ioRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= ioWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= ioError
	}
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= ioHangup
	}
	return events
}

func newPlatformPoller() rawPoller {
	return newEpollPoller(256)
}
