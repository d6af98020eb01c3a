package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fzft/go-echo-mux/deps/linenoise"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const (
	HistFileEnv     = "ECHOMUX_HISTFILE"
	HistFileDefault = ".echomux_history"
)

type clientFlags struct {
	addr    string
	timeout time.Duration
}

func newClientCommand() *cobra.Command {
	f := new(clientFlags)
	command := &cobra.Command{
		Use:   "client",
		Short: "send lines to a running server and print each reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			var in lineReader
			if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
				in = newPromptReader(f.addr)
			} else {
				in = &scanReader{bufio.NewScanner(cmd.InOrStdin())}
			}
			defer in.Close()
			return runClient(f.addr, f.timeout, in, cmd.OutOrStdout())
		},
	}
	command.Flags().StringVarP(&f.addr, "addr", "a", "127.0.0.1:3490", "Server address.")
	command.Flags().DurationVarP(&f.timeout, "timeout", "t", 2*time.Second, "Time to wait for each reply.")
	return command
}

// lineReader yields one line of user input per call and io.EOF at the end.
type lineReader interface {
	ReadLine() (string, error)
	Close() error
}

type scanReader struct {
	*bufio.Scanner
}

func (r *scanReader) ReadLine() (string, error) {
	if r.Scan() {
		return r.Text(), nil
	}
	if err := r.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (r *scanReader) Close() error {
	return nil
}

type promptReader struct {
	ln       *linenoise.LineNoise
	prompt   string
	histFile string
}

func newPromptReader(addr string) *promptReader {
	r := &promptReader{ln: linenoise.New(), prompt: addr + "> ", histFile: historyFile()}
	if r.histFile != "" {
		r.ln.HistoryLoad(r.histFile)
	}
	return r
}

func (r *promptReader) ReadLine() (string, error) {
	line, err := r.ln.ReadLine(r.prompt)
	if errors.Is(err, linenoise.ErrAborted) {
		return "", io.EOF
	}
	return line, err
}

func (r *promptReader) Close() error {
	if r.histFile != "" {
		r.ln.HistorySave(r.histFile)
	}
	return r.ln.Close()
}

func historyFile() string {
	if p := os.Getenv(HistFileEnv); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, HistFileDefault)
}

// runClient sends every line read from in and prints whatever the server
// answers within timeout. Empty lines are skipped.
func runClient(addr string, timeout time.Duration, in lineReader, out io.Writer) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()

	buf := make([]byte, 64*1024)
	for {
		line, err := in.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}

		if _, err := conn.Write([]byte(line)); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		n, err := conn.Read(buf)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		fmt.Fprintf(out, "%s\n", buf[:n])
	}
}
