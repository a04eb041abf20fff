//go:build !windows

package engine

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

func init() {
	registerBackend("select", newSelectPoller)
}

// selectPoller is the select-style set-triple fallback named in
// spec.md §4.C, registered last so it's only chosen when the caller
// asks for it by name or every preferred backend's constructor failed.
// unix.Select has a hard fd-count ceiling (FD_SETSIZE) that epoll/poll
// don't, which is exactly why it's last resort rather than default.
type selectPoller struct {
	mu  sync.Mutex
	fds map[int]Event
}

func newSelectPoller() (Poller, error) {
	return &selectPoller{fds: make(map[int]Event)}, nil
}

func (p *selectPoller) Name() string { return "select" }

func (p *selectPoller) Register(fd int, events Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fds[fd] = events
	return nil
}

func (p *selectPoller) Modify(fd int, events Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.fds[fd]; !ok {
		return ErrUnknownFD
	}
	p.fds[fd] = events
	return nil
}

func (p *selectPoller) Unregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.fds, fd)
	return nil
}

func (p *selectPoller) Poll(timeout time.Duration) ([]ReadyFD, error) {
	p.mu.Lock()
	var rset, wset unix.FdSet
	maxFD := 0
	hasRead, hasWrite := false, false
	for fd, events := range p.fds {
		if events&Read != 0 || events&Error != 0 {
			fdSet(&rset, fd)
			hasRead = true
		}
		if events&Write != 0 {
			fdSet(&wset, fd)
			hasWrite = true
		}
		if fd > maxFD {
			maxFD = fd
		}
	}
	p.mu.Unlock()

	if !hasRead && !hasWrite {
		time.Sleep(timeout)
		return nil, nil
	}

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(maxFD+1, &rset, &wset, nil, &tv)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var ready []ReadyFD
	for fd := range p.fds {
		var ev Event
		if fdIsSet(&rset, fd) {
			ev |= Read
		}
		if fdIsSet(&wset, fd) {
			ev |= Write
		}
		if ev != 0 {
			ready = append(ready, ReadyFD{FD: fd, Events: ev})
		}
	}
	return ready, nil
}

func (p *selectPoller) Close() error { return nil }

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
