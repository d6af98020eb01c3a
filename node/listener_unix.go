//go:build linux
// +build linux

package node

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Listener is a bound, listening, non-blocking TCP socket.
type Listener struct {
	fd   int
	addr *net.TCPAddr
}

// Listen resolves host:port, creates a non-blocking socket, binds it and starts
// listening with the given backlog. An empty host binds every local address,
// IPv6 and IPv4 together when the kernel supports it.
func Listen(host, port string, backlog int) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", net.JoinHostPort(host, port), err)
	}

	var fd int
	if tcpAddr.IP == nil || (tcpAddr.IP.IsUnspecified() && tcpAddr.IP.To4() == nil) {
		fd, err = listenDualStack(tcpAddr.Port, backlog)
		if errors.Is(err, unix.EAFNOSUPPORT) {
			fd, err = listenFamily(unix.AF_INET, &unix.SockaddrInet4{Port: tcpAddr.Port}, backlog)
		}
	} else if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
		copy(sa.Addr[:], ip4)
		fd, err = listenFamily(unix.AF_INET, sa, backlog)
	} else {
		sa := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(sa.Addr[:], tcpAddr.IP.To16())
		fd, err = listenFamily(unix.AF_INET6, sa, backlog)
	}
	if err != nil {
		return nil, err
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("getsockname", err)
	}
	ap, ok := sockaddrAddrPort(bound)
	if !ok {
		unix.Close(fd)
		return nil, fmt.Errorf("unexpected socket address %T", bound)
	}

	return &Listener{fd: fd, addr: net.TCPAddrFromAddrPort(ap)}, nil
}

func listenDualStack(port, backlog int) (int, error) {
	return listenFamily(unix.AF_INET6, &unix.SockaddrInet6{Port: port}, backlog)
}

func listenFamily(family int, sa unix.Sockaddr, backlog int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}

	if family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			unix.Close(fd)
			return -1, os.NewSyscallError("setsockopt IPV6_V6ONLY", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("setsockopt SO_REUSEADDR", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("listen", err)
	}
	return fd, nil
}

// Fd returns the listening socket.
func (l *Listener) Fd() int {
	return l.fd
}

// Addr returns the bound address, with the real port when port 0 was requested.
func (l *Listener) Addr() *net.TCPAddr {
	return l.addr
}

func (l *Listener) Close() error {
	return CloseFd(l.fd)
}
