package node

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Mode selects the reply protocol applied to every connection.
type Mode string

const (
	// ModeGreeting answers every read with the fixed Greeting payload.
	ModeGreeting Mode = "greeting"
	// ModeEcho sends back exactly the bytes received.
	ModeEcho Mode = "echo"
)

const (
	DefaultPort            = "3490"
	DefaultBacklog         = 10
	DefaultReadBufferSize  = 1024
	DefaultMaxEvents       = 1024
	DefaultAcceptBatch     = 128
	DefaultMaxPendingBytes = 4 * 1024 * 1024
)

// Config holds the server settings.
type Config struct {
	Host    string // empty binds every local address
	Port    string
	Backlog int
	Mode    Mode

	ReadBufferSize  int // bytes read per readable event
	MaxEvents       int // ready events returned per wait
	AcceptBatch     int // accept attempts per listener event
	MaxPendingBytes int // unsent bytes at which a connection stops being read

	// IdleTimeout closes connections without traffic for this long. Zero disables it.
	IdleTimeout time.Duration

	// SendBufferSize sets SO_SNDBUF on accepted sockets. Zero keeps the OS default.
	SendBufferSize int
}

func DefaultConfig() Config {
	return Config{
		Port:            DefaultPort,
		Backlog:         DefaultBacklog,
		Mode:            ModeGreeting,
		ReadBufferSize:  DefaultReadBufferSize,
		MaxEvents:       DefaultMaxEvents,
		AcceptBatch:     DefaultAcceptBatch,
		MaxPendingBytes: DefaultMaxPendingBytes,
	}
}

// Address returns host:port as passed to the resolver.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if p, err := strconv.Atoi(c.Port); err == nil && (p < 0 || p > 65535) {
		return fmt.Errorf("port %d out of range", p)
	}
	if c.Backlog <= 0 {
		return fmt.Errorf("backlog must be positive, got %d", c.Backlog)
	}
	switch c.Mode {
	case ModeGreeting, ModeEcho:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("read buffer size must be positive, got %d", c.ReadBufferSize)
	}
	if c.MaxEvents <= 0 {
		return fmt.Errorf("max events must be positive, got %d", c.MaxEvents)
	}
	if c.AcceptBatch <= 0 {
		return fmt.Errorf("accept batch must be positive, got %d", c.AcceptBatch)
	}
	if c.MaxPendingBytes <= 0 {
		return fmt.Errorf("max pending bytes must be positive, got %d", c.MaxPendingBytes)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative, got %s", c.IdleTimeout)
	}
	if c.SendBufferSize < 0 {
		return fmt.Errorf("send buffer size must not be negative, got %d", c.SendBufferSize)
	}
	return nil
}
