// Package epoll is the default resolver.Reactor implementation: a
// single-threaded Linux epoll loop using golang.org/x/sys/unix. A timerfd
// backs the one-shot timer half of the Reactor interface.
//
// This is a reference implementation, not the only way to satisfy
// resolver.Reactor: any host event loop — an existing epoll/kqueue/IOCP
// wrapper, a test double, Go's own runtime poller wrapped some other way —
// can implement the same four operations.
package epoll

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jroosing/stubresolver/resolver"
)

type registration struct {
	fd      int
	monitor resolver.Monitor
}

// Reactor is a resolver.Reactor backed by one epoll instance. It is not
// safe for concurrent use: every method, including Run, is meant to be
// called from a single thread, matching the cooperative model the core
// assumes of its Reactor.
type Reactor struct {
	epfd int

	regs      map[resolver.Token]*registration
	fdToToken map[int]resolver.Token
	timerFds  map[resolver.Token]int

	nextToken uint64
}

// New opens a fresh epoll instance.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll: create: %w", err)
	}
	return &Reactor{
		epfd:      epfd,
		regs:      make(map[resolver.Token]*registration),
		fdToToken: make(map[int]resolver.Token),
		timerFds:  make(map[resolver.Token]int),
	}, nil
}

func (r *Reactor) newToken() resolver.Token {
	r.nextToken++
	return resolver.Token(r.nextToken)
}

// Add implements resolver.Reactor.
func (r *Reactor) Add(fd int, events resolver.Events, monitor resolver.Monitor) (resolver.Token, error) {
	token := r.newToken()
	ev := unix.EpollEvent{Events: toEpollMask(events), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return 0, fmt.Errorf("epoll: add fd %d: %w", fd, err)
	}
	r.regs[token] = &registration{fd: fd, monitor: monitor}
	r.fdToToken[fd] = token
	return token, nil
}

// Update implements resolver.Reactor.
func (r *Reactor) Update(token resolver.Token, fd int, events resolver.Events, monitor resolver.Monitor) (resolver.Token, error) {
	reg, ok := r.regs[token]
	if !ok {
		return 0, fmt.Errorf("epoll: update: unknown token")
	}
	ev := unix.EpollEvent{Events: toEpollMask(events), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return 0, fmt.Errorf("epoll: update fd %d: %w", fd, err)
	}
	reg.fd = fd
	reg.monitor = monitor
	return token, nil
}

// Remove implements resolver.Reactor. Removing an unknown token is a no-op.
func (r *Reactor) Remove(token resolver.Token, fd int) error {
	if _, ok := r.regs[token]; !ok {
		return nil
	}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(r.regs, token)
	delete(r.fdToToken, fd)
	return nil
}

// Timer implements resolver.Reactor using a Linux timerfd. Each call
// creates its own timerfd; CancelTimer closes it.
func (r *Reactor) Timer(d time.Duration, expirer resolver.Monitor) (resolver.Token, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		return 0, fmt.Errorf("epoll: creating timerfd: %w", err)
	}

	nsec := d.Nanoseconds()
	if nsec <= 0 {
		nsec = 1 // TimerfdSettime with an all-zero Value disarms instead of firing immediately
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(nsec)}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("epoll: arming timerfd: %w", err)
	}

	token := r.newToken()
	r.regs[token] = &registration{fd: fd, monitor: func(resolver.Events) {
		var buf [8]byte
		_, _ = unix.Read(fd, buf[:])
		// One-shot: release the timerfd before dispatching, so an expirer
		// that immediately re-arms doesn't stack fds per fired timer.
		_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		_ = unix.Close(fd)
		delete(r.regs, token)
		delete(r.fdToToken, fd)
		delete(r.timerFds, token)
		expirer(0)
	}}
	r.fdToToken[fd] = token
	r.timerFds[token] = fd

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		delete(r.regs, token)
		delete(r.fdToToken, fd)
		delete(r.timerFds, token)
		_ = unix.Close(fd)
		return 0, fmt.Errorf("epoll: registering timerfd: %w", err)
	}
	return token, nil
}

// CancelTimer implements resolver.Reactor. Canceling an already fired or
// unknown token is a no-op.
func (r *Reactor) CancelTimer(token resolver.Token) error {
	fd, ok := r.timerFds[token]
	if !ok {
		return nil
	}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	_ = unix.Close(fd)
	delete(r.regs, token)
	delete(r.fdToToken, fd)
	delete(r.timerFds, token)
	return nil
}

// Run blocks, dispatching registrations' monitors as they become ready,
// until stop is closed or EpollWait returns a non-retryable error.
func (r *Reactor) Run(stop <-chan struct{}) error {
	events := make([]unix.EpollEvent, 64)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := unix.EpollWait(r.epfd, events, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll: wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			token, ok := r.fdToToken[fd]
			if !ok {
				continue
			}
			reg, ok := r.regs[token]
			if !ok {
				continue
			}
			reg.monitor(fromEpollMask(events[i].Events))
		}
	}
}

// Close releases the underlying epoll fd. It does not close any fd the
// caller registered with Add — only fds this Reactor opened itself
// (timerfds) are closed, by CancelTimer.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}

func toEpollMask(events resolver.Events) uint32 {
	var mask uint32
	if events&resolver.Readable != 0 {
		mask |= unix.EPOLLIN
	}
	if events&resolver.Writable != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func fromEpollMask(mask uint32) resolver.Events {
	var events resolver.Events
	if mask&unix.EPOLLIN != 0 {
		events |= resolver.Readable
	}
	if mask&unix.EPOLLOUT != 0 {
		events |= resolver.Writable
	}
	return events
}
