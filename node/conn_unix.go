//go:build linux
// +build linux

package node

import (
	"os"
	"time"

	"github.com/eapache/queue"
	"github.com/fzft/go-echo-mux/dlist"
	"github.com/fzft/go-echo-mux/log"
	"go.uber.org/zap"
)

// ConnState is the lifecycle state of one connection.
type ConnState uint8

const (
	StateReadable ConnState = iota
	StateReceiving
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateReadable:
		return "readable"
	case StateReceiving:
		return "receiving"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is one accepted client socket. It is owned by the loop and only
// touched from the loop goroutine.
type Conn struct {
	fd       int
	token    uint32
	peer     string
	loop     *Loop
	interest Interest
	state    ConnState

	// outbound chunks ([]byte); outOff is the sent prefix of the head chunk
	out     *queue.Queue
	outOff  int
	pending int

	lastActive time.Time
	idle       *dlist.Node[*Conn]
}

func newConn(l *Loop, fd int, token uint32, peer string) *Conn {
	return &Conn{
		fd:         fd,
		token:      token,
		peer:       peer,
		loop:       l,
		interest:   InterestRead,
		state:      StateReadable,
		out:        queue.New(),
		lastActive: l.now(),
	}
}

// handle services one ready event.
func (c *Conn) handle(ready Readiness) {
	if ready&Error != 0 {
		c.loop.closeConn(c, sockError(c.fd))
		return
	}

	if ready&Writable != 0 {
		if err := c.flush(); err != nil {
			c.loop.closeConn(c, err)
			return
		}
	}

	if ready&(Readable|Hangup) != 0 {
		c.receive()
	}
}

// receive performs exactly one non-blocking read and applies the protocol.
func (c *Conn) receive() {
	c.state = StateReceiving
	buf := c.loop.readBuf

	n, err := readFd(c.fd, buf)
	switch {
	case err != nil && IsTemporaryError(err):
		// spurious wakeup
		c.state = StateReadable
		return
	case err != nil:
		c.loop.closeConn(c, os.NewSyscallError("read", err))
		return
	case n == 0:
		c.loop.closeConn(c, ErrPeerClosed)
		return
	}

	c.loop.stats.bytesIn.Add(uint64(n))
	c.touch()
	log.Logger.Debug("received", zap.Int("fd", c.fd), zap.ByteString("data", buf[:n]))

	if reply := c.loop.proto.Reply(buf[:n]); len(reply) > 0 {
		if err := c.send(reply); err != nil {
			c.loop.closeConn(c, err)
			return
		}
	}
	c.state = StateReadable
}

// send writes data directly when nothing is queued, and queues whatever the
// socket did not take.
func (c *Conn) send(data []byte) error {
	if c.pending == 0 {
		n, err := writeFd(c.fd, data)
		if err != nil && !IsTemporaryError(err) {
			return os.NewSyscallError("write", err)
		}
		if n > 0 {
			c.loop.stats.bytesOut.Add(uint64(n))
		}
		if n == len(data) {
			return nil
		}
		c.loop.stats.partialWrites.Add(1)
		data = data[n:]
	}

	c.out.Add(data)
	c.pending += len(data)
	return c.updateInterest()
}

// flush drains the outbound queue until the socket would block.
func (c *Conn) flush() error {
	for c.out.Length() > 0 {
		chunk := c.out.Peek().([]byte)
		n, err := writeFd(c.fd, chunk[c.outOff:])
		if n > 0 {
			c.outOff += n
			c.pending -= n
			c.loop.stats.bytesOut.Add(uint64(n))
			c.touch()
		}
		if err != nil {
			if IsTemporaryError(err) {
				break
			}
			return os.NewSyscallError("write", err)
		}
		if c.outOff < len(chunk) {
			c.loop.stats.partialWrites.Add(1)
			break
		}
		c.out.Remove()
		c.outOff = 0
	}
	return c.updateInterest()
}

// updateInterest derives the interest set from the queue: read only when
// empty, read and write while bytes are pending, write only above the
// high-water mark.
func (c *Conn) updateInterest() error {
	want := InterestRead
	if c.pending > 0 {
		want = InterestReadWrite
		if c.pending >= c.loop.cfg.MaxPendingBytes {
			want = InterestWrite
		}
	}
	if want == c.interest {
		return nil
	}
	if err := c.loop.registry.Modify(c.fd, want); err != nil {
		return err
	}
	log.Logger.Debug("interest changed", zap.Int("fd", c.fd),
		zap.Stringer("from", c.interest), zap.Stringer("to", want), zap.Int("pending", c.pending))
	c.interest = want
	return nil
}

func (c *Conn) touch() {
	c.lastActive = c.loop.now()
	c.loop.idle.MoveToTail(c.idle)
}

// release drops all buffer state. Called once the fd is closed.
func (c *Conn) release() {
	c.out = nil
	c.outOff = 0
	c.pending = 0
	c.idle = nil
	c.state = StateClosed
}
