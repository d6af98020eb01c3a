//go:build linux
// +build linux

package node

import (
	"context"
	"fmt"
	"net"

	"github.com/fzft/go-echo-mux/log"
	"go.uber.org/zap"
)

// Server binds a listener and runs one event loop over it.
type Server struct {
	cfg  Config
	ln   *Listener
	loop *Loop
}

// NewServer performs listener setup. Any error here is a startup failure;
// nothing is left open.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ln, err := Listen(cfg.Host, cfg.Port, cfg.Backlog)
	if err != nil {
		log.Logger.Error("listen error", zap.String("addr", cfg.Address()), zap.Error(err))
		return nil, err
	}

	loop, err := NewLoop(ln, cfg)
	if err != nil {
		ln.Close()
		return nil, err
	}

	return &Server{cfg: cfg, ln: ln, loop: loop}, nil
}

// Run blocks in the event loop on the calling goroutine until ctx is done,
// Stop is called, or the loop fails.
func (s *Server) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			s.loop.Stop()
		case <-done:
		}
	}()

	log.Logger.Info("waiting for connections",
		zap.Stringer("addr", s.ln.Addr()),
		zap.String("mode", string(s.cfg.Mode)),
		zap.Int("backlog", s.cfg.Backlog))

	err := s.loop.Run()
	st := s.loop.Stats()
	log.Logger.Info("shutting down server",
		zap.Uint64("accepted", st.Accepted),
		zap.Uint64("open", st.Open()))
	return err
}

// Stop makes Run return.
func (s *Server) Stop() error {
	return s.loop.Stop()
}

// Close releases the socket of a server whose Run was never called.
func (s *Server) Close() error {
	return s.loop.CloseGracefully()
}

// Addr returns the bound address.
func (s *Server) Addr() *net.TCPAddr {
	return s.ln.Addr()
}

// Mode reports the active reply protocol.
func (s *Server) Mode() Mode {
	return s.cfg.Mode
}

func (s *Server) State() LoopState {
	return s.loop.State()
}

func (s *Server) Stats() StatsSnapshot {
	return s.loop.Stats()
}
