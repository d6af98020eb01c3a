//go:build linux
// +build linux

package node

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/fzft/go-echo-mux/dlist"
	"github.com/fzft/go-echo-mux/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type pipeSignal uint64

const (
	SignalStop pipeSignal = 1
)

// minSweepWait bounds how eagerly the loop wakes up for idle sweeps.
const minSweepWait = 10 * time.Millisecond

// acceptBackoff is how long the listener is left out of the wait set after
// accept ran out of descriptors or memory.
const acceptBackoff = 100 * time.Millisecond

// LoopState is the lifecycle state of a Loop.
type LoopState int32

const (
	LoopRunning LoopState = iota
	LoopStopped
)

func (s LoopState) String() string {
	if s == LoopRunning {
		return "running"
	}
	return "stopped"
}

// eventSource is what a ready event is about.
type eventSource uint8

const (
	sourceStale eventSource = iota
	sourceListener
	sourceWake
	sourceConn
)

// Loop is the single-threaded event loop. It owns the registry, the listener,
// the wake-up eventfd and every accepted connection. All of them are only
// touched from the goroutine inside Run; Stop, State and Stats are safe to
// call from anywhere.
type Loop struct {
	cfg      Config
	registry *Registry
	listener *Listener
	proto    Protocol

	wakeMu     sync.Mutex
	wakeFd     int
	wakeClosed bool

	conns    map[int]*Conn
	idle     *dlist.List[*Conn]
	readBuf  []byte
	stopping bool

	accept4      func(fd int, flags int) (int, unix.Sockaddr, error)
	acceptPaused bool
	acceptResume time.Time

	state atomic.Int32
	stats Stats
	now   func() time.Time
}

// NewLoop takes ownership of ln. On error ln is left open for the caller.
func NewLoop(ln *Listener, cfg Config) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	proto, err := NewProtocol(cfg.Mode)
	if err != nil {
		return nil, err
	}

	r, err := NewRegistry(cfg.MaxEvents)
	if err != nil {
		log.Logger.Error("Failed to create epoll", zap.Error(err))
		return nil, err
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		r.Close()
		log.Logger.Error("Failed to create eventfd", zap.Error(err))
		return nil, os.NewSyscallError("eventfd", err)
	}

	// Register the eventfd to epoll for read events
	if _, err := r.Register(efd, InterestRead); err != nil {
		unix.Close(efd)
		r.Close()
		log.Logger.Error("Failed to add eventfd to epoll", zap.Error(err))
		return nil, err
	}

	// Register the listener to epoll for read events
	if _, err := r.Register(ln.Fd(), InterestRead); err != nil {
		unix.Close(efd)
		r.Close()
		log.Logger.Error("Failed to add listener to epoll", zap.Error(err))
		return nil, err
	}

	l := &Loop{
		cfg:      cfg,
		registry: r,
		listener: ln,
		proto:    proto,
		wakeFd:   efd,
		conns:    make(map[int]*Conn),
		idle:     dlist.New[*Conn](),
		readBuf:  make([]byte, cfg.ReadBufferSize),
		now:      time.Now,
		accept4:  unix.Accept4,
	}
	l.state.Store(int32(LoopRunning))
	return l, nil
}

// Run services events until Stop is called or waiting fails for good.
// Everything the loop owns is closed before Run returns.
func (l *Loop) Run() (err error) {
	if l.State() == LoopStopped {
		return ErrLoopStopped
	}

	defer func() {
		if cerr := l.CloseGracefully(); cerr != nil {
			log.Logger.Warn("close loop", zap.Error(cerr))
		}
	}()

	for !l.stopping {
		events, werr := l.registry.Wait(l.waitTimeout())
		if werr != nil {
			if IsRetryable(werr) {
				continue
			}
			log.Logger.Error("epoll wait error", zap.Error(werr))
			return fmt.Errorf("wait: %w", werr)
		}

		for _, ev := range events {
			l.dispatch(ev)
		}

		l.resumeAccept()
		l.sweepIdle()
	}

	log.Logger.Info("Received stop signal. Exiting event loop.")
	return nil
}

// Stop asks the loop to exit after the batch it is processing.
func (l *Loop) Stop() error {
	return l.sendSignal(SignalStop)
}

func (l *Loop) State() LoopState {
	return LoopState(l.state.Load())
}

// Stats returns the loop counters and registry sizes.
func (l *Loop) Stats() StatsSnapshot {
	s := l.stats.snapshot()
	s.Registered = l.registry.Len()
	l.wakeMu.Lock()
	if !l.wakeClosed {
		s.Registered--
	}
	l.wakeMu.Unlock()
	s.WriteInterest = l.registry.WriteInterestCount()
	return s
}

// Addr returns the listener address.
func (l *Loop) Addr() string {
	return l.listener.Addr().String()
}

// dispatch routes one ready event. A handle appears at most once per batch,
// but an earlier event in the same batch may have closed it.
func (l *Loop) dispatch(ev ReadyEvent) {
	switch l.classify(ev) {
	case sourceListener:
		if ev.Ready&Error != 0 {
			log.Logger.Warn("listener error event", zap.Error(sockError(ev.Fd)))
		}
		l.accept()
	case sourceWake:
		l.handleSignal()
	case sourceConn:
		c, ok := l.conns[ev.Fd]
		if !ok {
			log.Logger.Error("connection not found", zap.Int("fd", ev.Fd))
			return
		}
		c.handle(ev.Ready)
	case sourceStale:
		log.Logger.Debug("dropping stale event", zap.Int("fd", ev.Fd))
	}
}

func (l *Loop) classify(ev ReadyEvent) eventSource {
	if !l.registry.Live(ev) {
		return sourceStale
	}
	switch ev.Fd {
	case l.listener.Fd():
		return sourceListener
	case l.wakeFd:
		return sourceWake
	}
	return sourceConn
}

// accept drains pending connections until the listener would block or the
// batch limit is hit. A failed accept is logged and skipped. When the process
// is out of descriptors or memory the listener is paused for acceptBackoff.
func (l *Loop) accept() {
	for i := 0; i < l.cfg.AcceptBatch; i++ {
		connFd, sa, err := l.accept4(l.listener.Fd(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			// no more connections to accept right now
			if IsTemporaryError(err) {
				return
			}
			if IsRetryable(err) {
				continue
			}
			l.stats.acceptErrors.Add(1)
			log.Logger.Warn("accept error", zap.Error(os.NewSyscallError("accept4", err)))
			if isResourceExhausted(err) {
				l.pauseAccept()
				return
			}
			continue
		}
		l.addConn(connFd, sockaddrString(sa))
	}
}

// pauseAccept drops read interest on the listener until acceptResume.
func (l *Loop) pauseAccept() {
	if l.acceptPaused {
		return
	}
	if err := l.registry.Modify(l.listener.Fd(), 0); err != nil {
		log.Logger.Error("pause listener", zap.Error(err))
		return
	}
	l.acceptPaused = true
	l.acceptResume = l.now().Add(acceptBackoff)
	l.stats.acceptPauses.Add(1)
	log.Logger.Warn("accept paused", zap.Duration("backoff", acceptBackoff))
}

func (l *Loop) resumeAccept() {
	if !l.acceptPaused || l.now().Before(l.acceptResume) {
		return
	}
	if err := l.registry.Modify(l.listener.Fd(), InterestRead); err != nil {
		log.Logger.Error("resume listener", zap.Error(err))
		return
	}
	l.acceptPaused = false
	log.Logger.Info("accept resumed")
}

func (l *Loop) addConn(fd int, peer string) {
	if l.cfg.SendBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, l.cfg.SendBufferSize); err != nil {
			log.Logger.Warn("set send buffer", zap.Int("fd", fd), zap.Error(err))
		}
	}

	token, err := l.registry.Register(fd, InterestRead)
	if err != nil {
		l.stats.acceptErrors.Add(1)
		log.Logger.Warn("register connection", zap.Int("fd", fd), zap.Error(err))
		unix.Close(fd)
		return
	}

	c := newConn(l, fd, token, peer)
	c.idle = l.idle.PushTail(c)
	l.conns[fd] = c
	l.stats.accepted.Add(1)

	log.Logger.Info("new connection", zap.Int("fd", fd), zap.String("peer", peer))
}

// closeConn deregisters, closes and forgets c. reason is logged only.
func (l *Loop) closeConn(c *Conn, reason error) error {
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosing

	var err error
	if derr := l.registry.Deregister(c.fd); derr != nil {
		err = multierr.Append(err, fmt.Errorf("deregister fd %d: %w", c.fd, derr))
	}
	if cerr := unix.Close(c.fd); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("close fd %d: %w", c.fd, cerr))
	}
	delete(l.conns, c.fd)
	l.idle.Remove(c.idle)
	c.release()

	l.stats.closed.Add(1)
	if errors.Is(reason, ErrIdleTimeout) {
		l.stats.idleClosed.Add(1)
	}

	fields := []zap.Field{zap.Int("fd", c.fd), zap.String("peer", c.peer), zap.NamedError("reason", reason)}
	if err != nil {
		log.Logger.Warn("connection closed with errors", append(fields, zap.Error(err))...)
	} else {
		log.Logger.Info("connection closed", fields...)
	}
	return err
}

// waitTimeout is NoTimeout unless a connection can expire or the listener is
// paused. Otherwise it is the time to the nearest of the two deadlines.
func (l *Loop) waitTimeout() time.Duration {
	var deadline time.Time
	if l.cfg.IdleTimeout > 0 && l.idle.Len() > 0 {
		deadline = l.idle.Head.Value.lastActive.Add(l.cfg.IdleTimeout)
	}
	if l.acceptPaused && (deadline.IsZero() || l.acceptResume.Before(deadline)) {
		deadline = l.acceptResume
	}
	if deadline.IsZero() {
		return NoTimeout
	}
	d := deadline.Sub(l.now())
	if d < minSweepWait {
		d = minSweepWait
	}
	return d
}

// sweepIdle closes connections idle for longer than IdleTimeout, oldest first.
func (l *Loop) sweepIdle() {
	if l.cfg.IdleTimeout <= 0 {
		return
	}
	now := l.now()
	for n := l.idle.Head; n != nil; n = l.idle.Head {
		if now.Sub(n.Value.lastActive) < l.cfg.IdleTimeout {
			return
		}
		l.closeConn(n.Value, ErrIdleTimeout)
	}
}

// handleSignal drains the eventfd and acts on the signal it carried.
func (l *Loop) handleSignal() {
	var buf uint64
	_, err := unix.Read(l.wakeFd, (*(*[8]byte)(unsafe.Pointer(&buf)))[:])
	if err != nil {
		if !IsTemporaryError(err) {
			log.Logger.Error("Failed to read from event fd", zap.Error(err))
		}
		return
	}
	// eventfd sums pending writes; stop is the only signal
	if pipeSignal(buf) >= SignalStop {
		l.stopping = true
	}
}

// sendSignal sends a signal to the event fd
func (l *Loop) sendSignal(sig pipeSignal) error {
	l.wakeMu.Lock()
	defer l.wakeMu.Unlock()

	if l.wakeClosed {
		return ErrLoopStopped
	}
	_, err := unix.Write(l.wakeFd, (*(*[8]byte)(unsafe.Pointer(&sig)))[:])
	if err != nil {
		log.Logger.Error("Failed to write to event fd", zap.Error(err))
		return os.NewSyscallError("write eventfd", err)
	}
	return nil
}

// CloseGracefully order: eventfd, listener, connections, epoll
// prevent the fd leak
func (l *Loop) CloseGracefully() error {
	var err error

	l.wakeMu.Lock()
	if !l.wakeClosed {
		if derr := l.registry.Deregister(l.wakeFd); derr != nil {
			err = multierr.Append(err, derr)
		}
		err = multierr.Append(err, CloseFd(l.wakeFd))
		l.wakeClosed = true
	}
	l.wakeMu.Unlock()

	if _, ok := l.registry.Interest(l.listener.Fd()); ok {
		if derr := l.registry.Deregister(l.listener.Fd()); derr != nil {
			err = multierr.Append(err, derr)
		}
		err = multierr.Append(err, l.listener.Close())
	}

	for _, c := range l.conns {
		err = multierr.Append(err, l.closeConn(c, ErrLoopStopped))
	}

	if l.State() == LoopRunning {
		err = multierr.Append(err, l.registry.Close())
	}
	l.state.Store(int32(LoopStopped))
	return err
}
