// Package hijack implements the stream hijacking engine: it swaps the
// standard streams of a running process for named pipes through a
// debugger, relays bytes between those pipes and the local (and
// optionally the original) terminal, and puts everything back on exit.
package hijack

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"
)

// Stream identifies one of the three standard streams by descriptor number.
type Stream int

const (
	Stdin Stream = iota
	Stdout
	Stderr
)

const numStreams = 3

var allStreams = []Stream{Stdin, Stdout, Stderr}

func (s Stream) String() string {
	switch s {
	case Stdin:
		return "stdin"
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "fd" + itoa(int(s))
	}
}

var (
	// ErrBackendMissing means the debugger binary could not be found.
	ErrBackendMissing = errors.New("debugger not found")
	// ErrProvision means the staging directory or a FIFO could not be created.
	ErrProvision = errors.New("could not create temporary FIFO pipes")
)

// Remote executes calls inside the target process. It is implemented by
// *gdb.Session.
type Remote interface {
	Attach(pid int) error
	Open(path string, flags int, mode uint32) (int, error)
	CopyFlags(dst, src int) error
	Dup(fd int) (int, error)
	Dup2(oldfd, newfd int) error
	CloseFD(fd int) error
	Detach() error
}

// Dialer starts a fresh, not yet attached, Remote.
type Dialer func(ctx context.Context) (Remote, error)

// Streams bundles the local terminal files. A nil entry is skipped.
type Streams struct {
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

func (s Streams) file(st Stream) *os.File {
	switch st {
	case Stdin:
		return s.Stdin
	case Stdout:
		return s.Stdout
	default:
		return s.Stderr
	}
}

// Options configures a hijacking session.
type Options struct {
	PID    int
	Hijack [numStreams]bool
	Mirror [numStreams]bool // implies Hijack

	TempDir      string        // parent of the staging directory, os.TempDir() when empty
	PollInterval time.Duration // relay tick, DefaultPollInterval when zero
	DetachKey    byte          // local input byte that ends the session, 0 disables

	RestoreAttempts uint          // attach attempts when restoring, 1 when zero
	RestoreDelay    time.Duration // delay between restore attempts

	Streams  Streams   // local terminal, os.Stdin/os.Stdout/os.Stderr when zero
	Notices  io.Writer // user-facing messages, os.Stderr when nil
	Logger   *slog.Logger
	ProcRoot string // procfs mount point, "/proc" when empty
}

// DefaultPollInterval is the relay loop tick.
const DefaultPollInterval = 10 * time.Millisecond

// Normalize turns every mirrored stream into a hijacked one.
func (o *Options) Normalize() {
	for i := range o.Mirror {
		if o.Mirror[i] {
			o.Hijack[i] = true
		}
	}
}

func (o *Options) withDefaults() {
	o.Normalize()
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.RestoreAttempts == 0 {
		o.RestoreAttempts = 1
	}
	if o.Streams == (Streams{}) {
		o.Streams = Streams{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
	}
	if o.Notices == nil {
		o.Notices = os.Stderr
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	if o.ProcRoot == "" {
		o.ProcRoot = "/proc"
	}
}

// Reason says why the relay loop stopped.
type Reason int

const (
	ReasonTargetDied Reason = iota
	ReasonInterrupted
	ReasonDetached
)

func (r Reason) String() string {
	switch r {
	case ReasonTargetDied:
		return "target died"
	case ReasonInterrupted:
		return "interrupted"
	default:
		return "detached"
	}
}

// notice is the message shown when the session ends.
func (r Reason) notice() string {
	if r == ReasonTargetDied {
		return "Target process died!"
	}
	return "Detached from target process!"
}
