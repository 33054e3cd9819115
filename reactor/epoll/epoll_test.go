package epoll

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jroosing/stubresolver/resolver"
)

func TestAddFiresOnReadable(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	defer pw.Close()

	rc, err := pr.SyscallConn()
	require.NoError(t, err)
	var fd int
	require.NoError(t, rc.Control(func(sysfd uintptr) { fd = int(sysfd) }))

	fired := make(chan resolver.Events, 1)
	_, err = r.Add(fd, resolver.Readable, func(ev resolver.Events) { fired <- ev })
	require.NoError(t, err)

	stop := make(chan struct{})
	go func() { _ = r.Run(stop) }()
	defer close(stop)

	_, err = pw.Write([]byte{1})
	require.NoError(t, err)

	select {
	case ev := <-fired:
		require.True(t, ev&resolver.Readable != 0)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never fired")
	}
}

func TestTimerFires(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	fired := make(chan struct{}, 1)
	_, err = r.Timer(10*time.Millisecond, func(resolver.Events) { fired <- struct{}{} })
	require.NoError(t, err)

	stop := make(chan struct{})
	go func() { _ = r.Run(stop) }()
	defer close(stop)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestCancelTimerPreventsFire(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	fired := make(chan struct{}, 1)
	token, err := r.Timer(50*time.Millisecond, func(resolver.Events) { fired <- struct{}{} })
	require.NoError(t, err)
	require.NoError(t, r.CancelTimer(token))

	stop := make(chan struct{})
	go func() { _ = r.Run(stop) }()
	defer close(stop)

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(150 * time.Millisecond):
	}
}
