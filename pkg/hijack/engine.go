package hijack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/samber/lo"
	"golang.org/x/sys/unix"
)

// noFD marks a slot without a saved descriptor.
const noFD = -1

// slot is the per-stream bookkeeping.
type slot struct {
	local    *handle // local terminal, never closed
	mirror   *handle // target's original terminal
	fifo     *handle
	fifoPath string
	saved    int // descriptor in the target holding the original stream
}

// Engine is one hijacking session. It is built once by New and used
// from a single goroutine.
type Engine struct {
	opts Options
	dial Dialer
	log  *slog.Logger

	slots   [numStreams]slot
	dir     string
	cleaned atomic.Bool
}

// New validates opts and returns an engine that has not touched anything yet.
func New(opts Options, dial Dialer) (*Engine, error) {
	opts.withDefaults()
	if opts.PID <= 0 {
		return nil, fmt.Errorf("invalid target process: %d", opts.PID)
	}
	if !lo.Contains(opts.Hijack[:], true) {
		return nil, errors.New("must hijack at least one stream")
	}
	if dial == nil {
		return nil, errors.New("no debugger dialer")
	}

	e := &Engine{
		opts: opts,
		dial: dial,
		log:  opts.Logger.With("pid", opts.PID),
	}
	for i := range e.slots {
		e.slots[i].saved = noFD
	}
	return e, nil
}

// Run hijacks the configured streams, relays until the target dies, ctx
// is cancelled or the detach key is read, and then restores the target.
// The returned status is the process exit code: 1 when setup failed,
// 0 otherwise, including when ctx was cancelled during setup.
func (e *Engine) Run(ctx context.Context) (int, error) {
	// Cleanup has to reach the target even after ctx was cancelled by a signal.
	cleanupCtx := context.WithoutCancel(ctx)

	if err := e.start(ctx); err != nil {
		if cerr := e.Cleanup(cleanupCtx); cerr != nil {
			e.log.Warn("cleanup after failed start", "err", cerr)
		}
		// A signal during setup is a shutdown request, not a failure.
		if ctx.Err() != nil {
			e.log.Debug("interrupted before attaching", "err", err)
			return 0, nil
		}
		return 1, err
	}
	fmt.Fprintf(e.opts.Notices, "Attached to target process %d\n", e.opts.PID)

	e.resolveMirrors()
	fmt.Fprintln(e.opts.Notices, "----------")

	reason := e.newRelay().run(ctx)
	e.log.Debug("relay stopped", "reason", reason)
	fmt.Fprintf(e.opts.Notices, "\r----------\n%s\n", reason.notice())

	if err := e.Cleanup(cleanupCtx); err != nil {
		e.log.Error("restoring target", "err", err)
	}
	return 0, nil
}

func (e *Engine) start(ctx context.Context) error {
	e.log.Debug("hijacking", "streams", lo.Map(e.hijacked(), func(s Stream, _ int) string { return s.String() }))

	if err := e.provision(); err != nil {
		return err
	}
	if err := e.attachLocal(); err != nil {
		return err
	}
	return e.redirect(ctx)
}

// attachLocal takes the local terminal streams used by the relay.
func (e *Engine) attachLocal() error {
	for _, s := range e.hijacked() {
		f := e.opts.Streams.file(s)
		if f == nil {
			continue
		}
		h, err := inheritHandle(f)
		if err != nil {
			return err
		}
		e.slots[s].local = h
	}
	return nil
}

func (e *Engine) hijacked() []Stream {
	return lo.Filter(allStreams, func(s Stream, _ int) bool { return e.opts.Hijack[s] })
}

func (e *Engine) mirrored() []Stream {
	return lo.Filter(allStreams, func(s Stream, _ int) bool { return e.opts.Mirror[s] })
}

func (e *Engine) hasSaved() bool {
	return lo.SomeBy(e.slots[:], func(sl slot) bool { return sl.saved != noFD })
}

// processExists probes pid with signal 0. EPERM still means the process
// is there.
func processExists(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
