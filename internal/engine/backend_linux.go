//go:build linux

package engine

import (
	"time"

	"golang.org/x/sys/unix"
)

func init() {
	registerBackend("epoll", newEpollPoller)
}

// epollPoller is the Linux-preferred backend, grounded on the
// teacher's build-tag platform dispatch (cmd/musclefs/musclefs_linux.go
// selects Linux-specific facilities; this file plays the same role for
// the reactor's I/O multiplexing primitive).
type epollPoller struct {
	fd int
}

func newEpollPoller() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{fd: fd}, nil
}

func (p *epollPoller) Name() string { return "epoll" }

func toEpollEvents(ev Event) uint32 {
	var e uint32
	if ev&Read != 0 {
		e |= unix.EPOLLIN
	}
	if ev&Write != 0 {
		e |= unix.EPOLLOUT
	}
	if ev&Error != 0 {
		e |= unix.EPOLLERR | unix.EPOLLHUP
	}
	return e
}

func fromEpollEvents(e uint32) Event {
	var ev Event
	if e&unix.EPOLLIN != 0 {
		ev |= Read
	}
	if e&unix.EPOLLOUT != 0 {
		ev |= Write
	}
	if e&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ev |= Error
	}
	return ev
}

func (p *epollPoller) Register(fd int, events Event) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: toEpollEvents(events),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) Modify(fd int, events Event) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: toEpollEvents(events),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) Unregister(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Poll(timeout time.Duration) ([]ReadyFD, error) {
	events := make([]unix.EpollEvent, 64)
	ms := int(timeout / time.Millisecond)
	if ms < 0 {
		ms = -1
	}
	n, err := unix.EpollWait(p.fd, events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	ready := make([]ReadyFD, 0, n)
	for i := 0; i < n; i++ {
		ready = append(ready, ReadyFD{
			FD:     int(events[i].Fd),
			Events: fromEpollEvents(events[i].Events),
		})
	}
	return ready, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.fd)
}
