//go:build linux
// +build linux

package node

import (
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

// NoTimeout makes Wait block until at least one handle is ready.
const NoTimeout time.Duration = -1

// Interest is the set of conditions a handle is watched for.
type Interest uint32

const (
	InterestRead Interest = 1 << iota
	InterestWrite

	InterestReadWrite = InterestRead | InterestWrite
)

func (i Interest) String() string {
	switch i {
	case InterestRead:
		return "read"
	case InterestWrite:
		return "write"
	case InterestReadWrite:
		return "read|write"
	}
	return "none"
}

// Readiness is the set of conditions reported for one handle in one wake.
type Readiness uint32

const (
	Readable Readiness = 1 << iota
	Writable
	Error
	Hangup
)

// ReadyEvent is one entry of a Wait batch. Token identifies the registration
// the event belongs to, so an event can be matched against a reused fd.
type ReadyEvent struct {
	Fd    int
	Token uint32
	Ready Readiness
}

type entry struct {
	interest Interest
	token    uint32
}

// Registry is a wrapper around epoll. It keeps track of every fd registered
// to epoll together with its interest set. It must only be mutated from the
// goroutine running the event loop; Len and WriteInterestCount may be read
// from anywhere.
type Registry struct {
	epollFd   int
	entries   map[int]entry
	events    []unix.EpollEvent
	ready     []ReadyEvent
	nextToken uint32

	size    atomic.Int64
	writers atomic.Int64
}

// NewRegistry creates an epoll instance able to report up to maxEvents
// handles per Wait.
func NewRegistry(maxEvents int) (*Registry, error) {
	if maxEvents <= 0 {
		maxEvents = 1
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Registry{
		epollFd: epfd,
		entries: make(map[int]entry),
		events:  make([]unix.EpollEvent, maxEvents),
		ready:   make([]ReadyEvent, 0, maxEvents),
	}, nil
}

// Register adds fd with an initial interest set and returns the token that
// events for this registration will carry.
func (r *Registry) Register(fd int, interest Interest) (uint32, error) {
	if _, ok := r.entries[fd]; ok {
		return 0, &DuplicateHandleError{Fd: fd}
	}

	r.nextToken++
	if r.nextToken == 0 {
		r.nextToken = 1
	}
	token := r.nextToken

	if err := r.ctl(unix.EPOLL_CTL_ADD, fd, interest, token); err != nil {
		return 0, os.NewSyscallError("epoll_ctl add", err)
	}

	r.entries[fd] = entry{interest: interest, token: token}
	r.size.Add(1)
	if interest&InterestWrite != 0 {
		r.writers.Add(1)
	}
	return token, nil
}

// Modify changes the interest set of a registered fd.
func (r *Registry) Modify(fd int, interest Interest) error {
	e, ok := r.entries[fd]
	if !ok {
		return &UnknownHandleError{Fd: fd}
	}
	if e.interest == interest {
		return nil
	}

	if err := r.ctl(unix.EPOLL_CTL_MOD, fd, interest, e.token); err != nil {
		return os.NewSyscallError("epoll_ctl mod", err)
	}

	switch {
	case e.interest&InterestWrite == 0 && interest&InterestWrite != 0:
		r.writers.Add(1)
	case e.interest&InterestWrite != 0 && interest&InterestWrite == 0:
		r.writers.Add(-1)
	}
	e.interest = interest
	r.entries[fd] = e
	return nil
}

// Deregister removes fd. The caller closes the fd afterwards, never before.
func (r *Registry) Deregister(fd int) error {
	e, ok := r.entries[fd]
	if !ok {
		return &UnknownHandleError{Fd: fd}
	}

	// the entry goes away even if the kernel already dropped the fd
	delete(r.entries, fd)
	r.size.Add(-1)
	if e.interest&InterestWrite != 0 {
		r.writers.Add(-1)
	}

	if err := unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

// Wait blocks until at least one registered handle is ready or timeout
// elapses. The returned slice is only valid until the next call.
// level triggered, poll mode
func (r *Registry) Wait(timeout time.Duration) ([]ReadyEvent, error) {
	n, err := unix.EpollWait(r.epollFd, r.events, toMsec(timeout))
	if err != nil {
		return nil, os.NewSyscallError("epoll_wait", err)
	}

	r.ready = r.ready[:0]
	for i := 0; i < n; i++ {
		ev := &r.events[i]
		re := ReadyEvent{Fd: int(ev.Fd), Token: uint32(ev.Pad), Ready: readiness(ev.Events)}
		if !r.Live(re) {
			continue
		}
		r.ready = append(r.ready, re)
	}
	return r.ready, nil
}

// Live reports whether ev still refers to the current registration of its fd.
func (r *Registry) Live(ev ReadyEvent) bool {
	e, ok := r.entries[ev.Fd]
	return ok && e.token == ev.Token
}

// Interest returns the interest set of fd.
func (r *Registry) Interest(fd int) (Interest, bool) {
	e, ok := r.entries[fd]
	return e.interest, ok
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// WriteInterestCount returns how many handles are watched for writability.
func (r *Registry) WriteInterestCount() int {
	return int(r.writers.Load())
}

// Close releases the epoll instance. Registered fds are left to their owners.
func (r *Registry) Close() error {
	return CloseFd(r.epollFd)
}

func (r *Registry) ctl(op int, fd int, interest Interest, token uint32) error {
	ev := &unix.EpollEvent{Fd: int32(fd), Pad: int32(token), Events: epollEvents(interest)}
	return unix.EpollCtl(r.epollFd, op, fd, ev)
}

func epollEvents(interest Interest) uint32 {
	var events uint32
	if interest&InterestRead != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&InterestWrite != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func readiness(events uint32) Readiness {
	var r Readiness
	if events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		r |= Readable
	}
	if events&unix.EPOLLOUT != 0 {
		r |= Writable
	}
	if events&unix.EPOLLERR != 0 {
		r |= Error
	}
	if events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		r |= Hangup
	}
	return r
}

func toMsec(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	msec := (timeout + time.Millisecond - 1) / time.Millisecond
	return int(msec)
}
