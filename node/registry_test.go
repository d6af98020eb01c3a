//go:build linux
// +build linux

package node

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		CloseFd(fds[0])
		CloseFd(fds[1])
	})
	return fds[0], fds[1]
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(16)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistryRegister(t *testing.T) {
	r := newTestRegistry(t)
	a, _ := socketPair(t)

	token, err := r.Register(a, InterestRead)
	require.NoError(t, err)
	assert.NotZero(t, token)
	assert.Equal(t, 1, r.Len())

	interest, ok := r.Interest(a)
	assert.True(t, ok)
	assert.Equal(t, InterestRead, interest)

	_, err = r.Register(a, InterestRead)
	var dup *DuplicateHandleError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, a, dup.Fd)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryUnknownHandle(t *testing.T) {
	r := newTestRegistry(t)
	a, _ := socketPair(t)

	var unknown *UnknownHandleError
	assert.True(t, errors.As(r.Modify(a, InterestWrite), &unknown))
	assert.True(t, errors.As(r.Deregister(a), &unknown))

	_, err := r.Register(a, InterestRead)
	require.NoError(t, err)
	require.NoError(t, r.Deregister(a))
	assert.True(t, errors.As(r.Deregister(a), &unknown))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryZeroTimeoutPolls(t *testing.T) {
	r := newTestRegistry(t)
	a, _ := socketPair(t)
	_, err := r.Register(a, InterestRead)
	require.NoError(t, err)

	start := time.Now()
	events, err := r.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestRegistryWaitTimeout(t *testing.T) {
	r := newTestRegistry(t)
	a, _ := socketPair(t)
	_, err := r.Register(a, InterestRead)
	require.NoError(t, err)

	start := time.Now()
	events, err := r.Wait(30 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestRegistryReadable(t *testing.T) {
	r := newTestRegistry(t)
	a, b := socketPair(t)
	token, err := r.Register(a, InterestRead)
	require.NoError(t, err)

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	events, err := r.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, a, events[0].Fd)
	assert.Equal(t, token, events[0].Token)
	assert.NotZero(t, events[0].Ready&Readable)

	// level triggered: still reported until the byte is consumed
	events, err = r.Wait(0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	buf := make([]byte, 8)
	_, err = unix.Read(a, buf)
	require.NoError(t, err)
	events, err = r.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRegistryModifyWriteInterest(t *testing.T) {
	r := newTestRegistry(t)
	a, _ := socketPair(t)
	_, err := r.Register(a, InterestRead)
	require.NoError(t, err)
	assert.Equal(t, 0, r.WriteInterestCount())

	events, err := r.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, r.Modify(a, InterestReadWrite))
	assert.Equal(t, 1, r.WriteInterestCount())

	events, err = r.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotZero(t, events[0].Ready&Writable)

	require.NoError(t, r.Modify(a, InterestRead))
	assert.Equal(t, 0, r.WriteInterestCount())
	events, err = r.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, r.Modify(a, InterestWrite))
	require.NoError(t, r.Deregister(a))
	assert.Equal(t, 0, r.WriteInterestCount())
}

func TestRegistryStaleToken(t *testing.T) {
	r := newTestRegistry(t)
	a, b := socketPair(t)

	old, err := r.Register(a, InterestRead)
	require.NoError(t, err)
	require.NoError(t, r.Deregister(a))

	fresh, err := r.Register(a, InterestRead)
	require.NoError(t, err)
	assert.NotEqual(t, old, fresh)

	assert.False(t, r.Live(ReadyEvent{Fd: a, Token: old}))
	assert.True(t, r.Live(ReadyEvent{Fd: a, Token: fresh}))
	assert.False(t, r.Live(ReadyEvent{Fd: b, Token: fresh}))
}

func TestRegistryHangup(t *testing.T) {
	r := newTestRegistry(t)
	a, b := socketPair(t)
	_, err := r.Register(a, InterestRead)
	require.NoError(t, err)

	require.NoError(t, unix.Close(b))

	events, err := r.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotZero(t, events[0].Ready&Hangup)
}

func TestToMsec(t *testing.T) {
	assert.Equal(t, -1, toMsec(NoTimeout))
	assert.Equal(t, 0, toMsec(0))
	assert.Equal(t, 1, toMsec(time.Microsecond))
	assert.Equal(t, 1500, toMsec(1500*time.Millisecond))
}
