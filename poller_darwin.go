//go:build darwin

package larex

import (
	"golang.org/x/sys/unix"
)

// kqueuePoller is the Darwin/BSD rawPoller, grounded on the teacher's
// kqueue FastPoller (poller_darwin.go). Unlike epoll, kqueue tracks read
// and write interest as independent filters, so add/modify/remove must
// reconcile which filters are gaining or losing interest.
type kqueuePoller struct {
	kq       int
	eventBuf []unix.Kevent_t
	interest map[int]ioEvent
}

func newKqueuePoller(maxEvents int) *kqueuePoller {
	if maxEvents <= 0 {
		maxEvents = 256
	}
	return &kqueuePoller{
		eventBuf: make([]unix.Kevent_t, maxEvents),
		interest: make(map[int]ioEvent),
	}
}

func (p *kqueuePoller) init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	return nil
}

func (p *kqueuePoller) closePoller() error {
	return unix.Close(p.kq)
}

func (p *kqueuePoller) add(fd int, events ioEvent) error {
	p.interest[fd] = 0
	return p.modify(fd, events)
}

func (p *kqueuePoller) modify(fd int, events ioEvent) error {
	old := p.interest[fd]
	var changes []unix.Kevent_t
	if old&ioRead != 0 && events&ioRead == 0 {
		changes = append(changes, kevent(fd, unix.EVFILT_READ, unix.EV_DELETE))
	}
	if old&ioWrite != 0 && events&ioWrite == 0 {
		changes = append(changes, kevent(fd, unix.EVFILT_WRITE, unix.EV_DELETE))
	}
	if events&ioRead != 0 && old&ioRead == 0 {
		changes = append(changes, kevent(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE))
	}
	if events&ioWrite != 0 && old&ioWrite == 0 {
		changes = append(changes, kevent(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE))
	}
	p.interest[fd] = events
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) remove(fd int) error {
	old := p.interest[fd]
	delete(p.interest, fd)
	var changes []unix.Kevent_t
	if old&ioRead != 0 {
		changes = append(changes, kevent(fd, unix.EVFILT_READ, unix.EV_DELETE))
	}
	if old&ioWrite != 0 {
		changes = append(changes, kevent(fd, unix.EVFILT_WRITE, unix.EV_DELETE))
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) wait(timeoutMs int, buf []readyFD) (int, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.eventBuf, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for i := 0; i < n && count < len(buf); i++ {
		kv := &p.eventBuf[i]
		var events ioEvent
		switch kv.Filter {
		case unix.EVFILT_READ:
			events |= ioRead
		case unix.EVFILT_WRITE:
			events |= ioWrite
		}
		if kv.Flags&unix.EV_ERROR != 0 {
			events |= ioError
		}
		if kv.Flags&unix.EV_EOF != 0 {
			events |= ioHangup
		}
		buf[count] = readyFD{fd: int(kv.Ident), events: events}
		count++
	}
	return count, nil
}

func kevent(fd int, filter int16, flags uint16) unix.Kevent_t {
	return unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags}
}

func newPlatformPoller() rawPoller {
	return newKqueuePoller(256)
}
