//go:build !windows

package engine

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

func init() {
	registerBackend("poll", newPollPoller)
}

// pollPoller is the portable level-triggered fallback named in
// spec.md §4.C ("a level-triggered poll-style API"), backed by
// golang.org/x/sys/unix.Poll. Chosen over epoll when the platform
// lacks epoll or the caller asked for "poll" explicitly.
type pollPoller struct {
	mu   sync.Mutex
	fds  map[int]Event
}

func newPollPoller() (Poller, error) {
	return &pollPoller{fds: make(map[int]Event)}, nil
}

func (p *pollPoller) Name() string { return "poll" }

func (p *pollPoller) Register(fd int, events Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fds[fd] = events
	return nil
}

func (p *pollPoller) Modify(fd int, events Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.fds[fd]; !ok {
		return ErrUnknownFD
	}
	p.fds[fd] = events
	return nil
}

func (p *pollPoller) Unregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.fds, fd)
	return nil
}

func toPollEvents(ev Event) int16 {
	var e int16
	if ev&Read != 0 {
		e |= unix.POLLIN
	}
	if ev&Write != 0 {
		e |= unix.POLLOUT
	}
	return e
}

func (p *pollPoller) Poll(timeout time.Duration) ([]ReadyFD, error) {
	p.mu.Lock()
	fds := make([]unix.PollFd, 0, len(p.fds))
	order := make([]int, 0, len(p.fds))
	for fd, events := range p.fds {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: toPollEvents(events)})
		order = append(order, fd)
	}
	p.mu.Unlock()

	if len(fds) == 0 {
		time.Sleep(timeout)
		return nil, nil
	}

	ms := int(timeout / time.Millisecond)
	if ms < 0 {
		ms = -1
	}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	var ready []ReadyFD
	for i, pfd := range fds {
		var ev Event
		if pfd.Revents&unix.POLLIN != 0 {
			ev |= Read
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			ev |= Write
		}
		if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			ev |= Error
		}
		if ev != 0 {
			ready = append(ready, ReadyFD{FD: order[i], Events: ev})
		}
	}
	return ready, nil
}

func (p *pollPoller) Close() error { return nil }
