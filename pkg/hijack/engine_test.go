package hijack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/rsturla/termijack/pkg/gdb"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRunDetachesAndRestores(t *testing.T) {
	term := newLocalTerminal(t)
	opts := testOptions(t, term)
	opts.Hijack[Stdout] = true
	notices := &bytes.Buffer{}
	opts.Notices = notices
	b := &fakeBackend{}
	e := newTestEngine(t, opts, b)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	code, err := e.Run(ctx)

	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Equal(t, fmt.Sprintf(
		"Attached to target process %d\n----------\n\r----------\nDetached from target process!\n", opts.PID),
		notices.String())
	require.Equal(t, []string{
		"attach", "open", "fcntl(1)", "dup(1)", "dup2(1)", "close", "detach",
		"attach", "dup2(1)", "close", "detach",
	}, b.calls)

	entries, err := os.ReadDir(opts.TempDir)
	require.NoError(t, err)
	require.Empty(t, entries, "staging directory removed")
}

func TestRunTargetDies(t *testing.T) {
	target := exec.Command("sleep", "0.3")
	require.NoError(t, target.Start())
	reaped := make(chan struct{})
	go func() {
		_ = target.Wait()
		close(reaped)
	}()
	t.Cleanup(func() {
		_ = target.Process.Kill()
		<-reaped
	})

	term := newLocalTerminal(t)
	opts := testOptions(t, term)
	opts.PID = target.Process.Pid
	opts.Hijack[Stdout] = true
	notices := &bytes.Buffer{}
	opts.Notices = notices
	b := &fakeBackend{}
	e := newTestEngine(t, opts, b)

	code, err := e.Run(context.Background())

	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Equal(t, fmt.Sprintf(
		"Attached to target process %d\n----------\n\r----------\nTarget process died!\n", opts.PID),
		notices.String())
	require.Equal(t, 1, b.dials, "nothing to restore in a dead target")
	require.Equal(t, []string{
		"attach", "open", "fcntl(1)", "dup(1)", "dup2(1)", "close", "detach",
	}, b.calls)
}

func TestRunCancelledBeforeAttach(t *testing.T) {
	term := newLocalTerminal(t)
	opts := testOptions(t, term)
	opts.Hijack[Stdin] = true
	notices := &bytes.Buffer{}
	opts.Notices = notices
	b := &fakeBackend{}
	e := newTestEngine(t, opts, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code, err := e.Run(ctx)

	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Empty(t, b.calls)
	require.Empty(t, notices.String())

	entries, err := os.ReadDir(opts.TempDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRunAttachFailure(t *testing.T) {
	term := newLocalTerminal(t)
	opts := testOptions(t, term)
	opts.Hijack = [3]bool{true, true, true}
	notices := &bytes.Buffer{}
	opts.Notices = notices
	b := &fakeBackend{attachErr: fmt.Errorf("%w: ptrace: Operation not permitted.", gdb.ErrAttachNotPermitted)}
	e := newTestEngine(t, opts, b)

	code, err := e.Run(context.Background())

	require.Equal(t, 1, code)
	require.ErrorIs(t, err, gdb.ErrAttachNotPermitted)
	require.NotContains(t, notices.String(), "Attached")
	require.Equal(t, []string{"attach", "detach"}, b.calls, "nothing to restore")

	entries, err := os.ReadDir(opts.TempDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRunRemoteFailureMidway(t *testing.T) {
	callErr := errors.New("remote call failed")

	term := newLocalTerminal(t)
	opts := testOptions(t, term)
	opts.Hijack[Stdout] = true
	opts.Hijack[Stderr] = true
	b := &fakeBackend{failCall: "dup2(2)", failErr: callErr}
	e := newTestEngine(t, opts, b)

	code, err := e.Run(context.Background())

	require.Equal(t, 1, code)
	require.ErrorIs(t, err, callErr)
	require.ErrorContains(t, err, "redirecting stderr")
	require.Equal(t, []string{
		"attach",
		"open", "fcntl(1)", "dup(1)", "dup2(1)", "close",
		"open", "fcntl(2)", "dup(2)", "dup2(2)", "close",
		"detach",
		// both streams had a saved descriptor by the time of the failure
		"attach", "dup2(1)", "close", "dup2(2)", "close", "detach",
	}, b.calls)
}

func TestRunProvisionFailure(t *testing.T) {
	term := newLocalTerminal(t)
	opts := testOptions(t, term)
	opts.Hijack[Stdin] = true
	opts.TempDir = "/nonexistent/termijack"
	b := &fakeBackend{}
	e := newTestEngine(t, opts, b)

	code, err := e.Run(context.Background())

	require.Equal(t, 1, code)
	require.ErrorIs(t, err, ErrProvision)
	require.Zero(t, b.dials)
}

func TestRedirectRoundTrip(t *testing.T) {
	var before unix.Stat_t
	if err := unix.Fstat(0, &before); err != nil {
		t.Skipf("stdin is not open: %v", err)
	}

	term := newLocalTerminal(t)
	opts := testOptions(t, term)
	opts.Hijack[Stdin] = true
	e := newTestEngine(t, opts, &fakeBackend{local: true})

	require.NoError(t, e.start(context.Background()))

	var during, fifo, saved unix.Stat_t
	require.NoError(t, unix.Fstat(0, &during))
	require.NoError(t, unix.Stat(e.slots[Stdin].fifoPath, &fifo))
	require.Equal(t, fifo.Ino, during.Ino, "stdin is the fifo")
	savedFD := e.slots[Stdin].saved
	require.NoError(t, unix.Fstat(savedFD, &saved))
	require.Equal(t, before.Ino, saved.Ino, "original stdin kept")

	require.NoError(t, e.Cleanup(context.Background()))

	var after unix.Stat_t
	require.NoError(t, unix.Fstat(0, &after))
	require.Equal(t, before.Dev, after.Dev)
	require.Equal(t, before.Ino, after.Ino)
	require.Equal(t, noFD, e.slots[Stdin].saved)
	_, err := unix.FcntlInt(uintptr(savedFD), unix.F_GETFD, 0)
	require.ErrorIs(t, err, unix.EBADF, "saved descriptor closed")
}

func TestLocalStdinFlagsRestored(t *testing.T) {
	term := newLocalTerminal(t)
	opts := testOptions(t, term)
	opts.Hijack[Stdin] = true
	e := newTestEngine(t, opts, &fakeBackend{})

	fd := int(term.streams.Stdin.Fd())
	before, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)

	require.NoError(t, e.attachLocal())
	during, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	require.NotZero(t, during&unix.O_NONBLOCK)

	require.NoError(t, e.Cleanup(context.Background()))
	after, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	require.Equal(t, before, after)
}
