//go:build linux
// +build linux

package node

import (
	"errors"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

func isFDValid(fd int) bool {
	// Try to get the flags of the file descriptor
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// IsTemporaryError reports whether err means the operation would block (EAGAIN / EWOULDBLOCK).
func IsTemporaryError(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// IsRetryable reports whether a failed call was interrupted and can be repeated at once.
func IsRetryable(err error) bool {
	return errors.Is(err, unix.EINTR)
}

// isResourceExhausted reports errors that retrying at once cannot clear.
func isResourceExhausted(err error) bool {
	return errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.ENOMEM)
}

func CloseFd(fd int) error {
	if fd < 0 || !isFDValid(fd) {
		return nil
	}
	return unix.Close(fd)
}

func readFd(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func writeFd(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// sockaddrString renders the peer address as host:port.
func sockaddrString(sa unix.Sockaddr) string {
	if ap, ok := sockaddrAddrPort(sa); ok {
		return ap.String()
	}
	return "unknown"
}

func sockaddrAddrPort(sa unix.Sockaddr) (netip.AddrPort, bool) {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(addr.Addr), uint16(addr.Port)), true
	case *unix.SockaddrInet6:
		// v4-mapped peers on a dual-stack listener print as plain IPv4
		return netip.AddrPortFrom(netip.AddrFrom16(addr.Addr).Unmap(), uint16(addr.Port)), true
	}
	return netip.AddrPort{}, false
}

// sockError fetches the pending error of a socket reported with EPOLLERR.
func sockError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt SO_ERROR", err)
	}
	if errno == 0 {
		return errors.New("socket error")
	}
	return os.NewSyscallError("socket", unix.Errno(errno))
}
