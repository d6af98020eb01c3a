package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fzft/go-echo-mux/log"
	"github.com/fzft/go-echo-mux/node"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type serveFlags struct {
	host            string
	port            string
	backlog         int
	mode            string
	readBufferSize  int
	maxEvents       int
	acceptBatch     int
	maxPendingBytes int
	idleTimeout     time.Duration
	sendBufferSize  int
	logLevel        string
}

func (f *serveFlags) config() node.Config {
	return node.Config{
		Host:            f.host,
		Port:            f.port,
		Backlog:         f.backlog,
		Mode:            node.Mode(f.mode),
		ReadBufferSize:  f.readBufferSize,
		MaxEvents:       f.maxEvents,
		AcceptBatch:     f.acceptBatch,
		MaxPendingBytes: f.maxPendingBytes,
		IdleTimeout:     f.idleTimeout,
		SendBufferSize:  f.sendBufferSize,
	}
}

// NewRootCommand returns the echomux command: it serves by default and has a
// client sub-command.
func NewRootCommand(version string) *cobra.Command {
	f := new(serveFlags)
	def := node.DefaultConfig()

	command := &cobra.Command{
		Use:           "echomux",
		Short:         "single-threaded epoll TCP reply server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), f)
		},
	}

	flags := command.Flags()
	flags.StringVarP(&f.host, "host", "H", def.Host, "Address to bind. Empty binds every local address.")
	flags.StringVarP(&f.port, "port", "p", def.Port, "TCP port to listen on.")
	flags.IntVarP(&f.backlog, "backlog", "b", def.Backlog, "Pending connection queue length.")
	flags.StringVarP(&f.mode, "mode", "m", string(def.Mode), "Reply mode: greeting or echo.")
	flags.IntVar(&f.readBufferSize, "read-buffer", def.ReadBufferSize, "Bytes read per readable event.")
	flags.IntVar(&f.maxEvents, "max-events", def.MaxEvents, "Ready events handled per wait.")
	flags.IntVar(&f.acceptBatch, "accept-batch", def.AcceptBatch, "Accept attempts per listener wakeup.")
	flags.IntVar(&f.maxPendingBytes, "max-pending", def.MaxPendingBytes, "Unsent bytes at which a connection stops being read.")
	flags.DurationVar(&f.idleTimeout, "idle-timeout", def.IdleTimeout, "Close connections idle this long (0 disables).")
	flags.IntVar(&f.sendBufferSize, "send-buffer", def.SendBufferSize, "SO_SNDBUF for accepted sockets (0 keeps the OS default).")
	command.PersistentFlags().StringVarP(&f.logLevel, "log-level", "l", "info", "Log level: debug, info, warn, error.")

	command.AddCommand(newClientCommand())
	return command
}

// Execute runs the root command with SIGINT/SIGTERM cancelling its context.
func Execute(version string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	err := NewRootCommand(version).ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "echomux:", err)
	}
	return err
}

func serve(ctx context.Context, f *serveFlags) error {
	if err := log.InitLogger(f.logLevel); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Logger.Sync()

	srv, err := node.NewServer(f.config())
	if err != nil {
		return err
	}

	log.Logger.Info("server started", zap.Stringer("addr", srv.Addr()), zap.String("mode", string(srv.Mode())))
	return srv.Run(ctx)
}

// VersionString formats a release with the git commit it was built from.
func VersionString(release, gitSHA1, gitDirty string) string {
	version := release
	if gitSHA1 != "" && gitSHA1 != "unknown" {
		version = fmt.Sprintf("%s (git:%s", version, gitSHA1)
		if gitDirty != "" && gitDirty != "0" && gitDirty != "unknown" {
			version += "-dirty"
		}
		version += ")"
	}
	return version
}
