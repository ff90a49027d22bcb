package hijack

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeBackend hands out remotes that either perform the calls on this
// test process (local) or only record them.
type fakeBackend struct {
	local     bool
	calls     []string
	dials     int
	nextFD    int
	attachErr error
	failCall  string // the first call with this text fails with failErr
	failErr   error
}

func (b *fakeBackend) dial(ctx context.Context) (Remote, error) {
	b.dials++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &fakeRemote{b: b}, nil
}

type fakeRemote struct {
	b *fakeBackend
}

func (r *fakeRemote) record(format string, args ...any) error {
	call := fmt.Sprintf(format, args...)
	r.b.calls = append(r.b.calls, call)
	if r.b.failCall != "" && call == r.b.failCall {
		r.b.failCall = ""
		return r.b.failErr
	}
	return nil
}

func (r *fakeRemote) Attach(pid int) error {
	if err := r.record("attach"); err != nil {
		return err
	}
	return r.b.attachErr
}

func (r *fakeRemote) Open(path string, flags int, mode uint32) (int, error) {
	if err := r.record("open"); err != nil {
		return 0, err
	}
	if r.b.local {
		return unix.Open(path, flags|unix.O_CLOEXEC, mode)
	}
	r.b.nextFD++
	return 100 + r.b.nextFD, nil
}

func (r *fakeRemote) CopyFlags(dst, src int) error {
	if err := r.record("fcntl(%d)", src); err != nil {
		return err
	}
	if r.b.local {
		fl, err := unix.FcntlInt(uintptr(src), unix.F_GETFL, 0)
		if err != nil {
			return err
		}
		_, err = unix.FcntlInt(uintptr(dst), unix.F_SETFL, fl)
		return err
	}
	return nil
}

func (r *fakeRemote) Dup(fd int) (int, error) {
	if err := r.record("dup(%d)", fd); err != nil {
		return 0, err
	}
	if r.b.local {
		return unix.Dup(fd)
	}
	r.b.nextFD++
	return 100 + r.b.nextFD, nil
}

func (r *fakeRemote) Dup2(oldfd, newfd int) error {
	if err := r.record("dup2(%d)", newfd); err != nil {
		return err
	}
	if r.b.local {
		return unix.Dup3(oldfd, newfd, 0)
	}
	return nil
}

func (r *fakeRemote) CloseFD(fd int) error {
	if err := r.record("close"); err != nil {
		return err
	}
	if r.b.local {
		return unix.Close(fd)
	}
	return nil
}

func (r *fakeRemote) Detach() error {
	return r.record("detach")
}

// localTerminal is a set of pipes standing in for the local terminal.
type localTerminal struct {
	inW, outR, errR *os.File
	streams         Streams
}

func newLocalTerminal(t *testing.T) *localTerminal {
	t.Helper()
	inR, inW, err := os.Pipe()
	require.NoError(t, err)
	outR, outW, err := os.Pipe()
	require.NoError(t, err)
	errR, errW, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, f := range []*os.File{inR, inW, outR, outW, errR, errW} {
			f.Close()
		}
	})
	return &localTerminal{
		inW:     inW,
		outR:    outR,
		errR:    errR,
		streams: Streams{Stdin: inR, Stdout: outW, Stderr: errW},
	}
}

func testOptions(t *testing.T, term *localTerminal) Options {
	t.Helper()
	return Options{
		PID:          os.Getpid(),
		TempDir:      t.TempDir(),
		PollInterval: 10 * time.Millisecond,
		Streams:      term.streams,
		Notices:      &bytes.Buffer{},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTestEngine(t *testing.T, opts Options, b *fakeBackend) *Engine {
	t.Helper()
	e, err := New(opts, b.dial)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Cleanup(context.Background()) })
	return e
}

// readN reads exactly n bytes from f or fails after two seconds.
func readN(t *testing.T, f *os.File, n int) []byte {
	t.Helper()
	require.NoError(t, f.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(f, buf)
	require.NoError(t, err)
	return buf
}

// openFIFOReader opens an extra read end on a provisioned FIFO.
func openFIFOReader(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

// openFIFOWriter opens an extra write end on a provisioned FIFO.
func openFIFOWriter(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

// deadPID returns the pid of a child that has exited and been reaped.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Process.Kill())
	_ = cmd.Wait()
	return pid
}
