package hijack

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/avast/retry-go/v5"
)

// Cleanup puts the target's original streams back and removes every
// resource the engine created. Only the first call does anything; later
// calls return nil.
//
// Remote restoration runs first: it needs a debugger, and the local
// FIFOs must stay open until the target no longer refers to them.
func (e *Engine) Cleanup(ctx context.Context) error {
	if !e.cleaned.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if e.hasSaved() {
		if processExists(e.opts.PID) {
			if err := e.restore(ctx); err != nil {
				errs = append(errs, err)
			}
		} else {
			e.log.Debug("target gone, nothing to restore")
		}
	}

	for i := range e.slots {
		sl := &e.slots[i]
		if sl.mirror != nil {
			if err := sl.mirror.release(); err != nil {
				errs = append(errs, err)
			}
			sl.mirror = nil
		}
	}
	for i := range e.slots {
		sl := &e.slots[i]
		if sl.fifo != nil {
			if err := sl.fifo.release(); err != nil {
				errs = append(errs, err)
			}
			sl.fifo = nil
		}
		if sl.local != nil {
			if err := sl.local.release(); err != nil {
				errs = append(errs, err)
			}
			sl.local = nil
		}
	}
	for i := range e.slots {
		sl := &e.slots[i]
		if sl.fifoPath == "" {
			continue
		}
		if err := os.Remove(sl.fifoPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
		sl.fifoPath = ""
	}
	if e.dir != "" {
		if err := os.Remove(e.dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
		e.dir = ""
	}

	return errors.Join(errs...)
}

// restore re-attaches and copies every saved descriptor back onto its
// stream. Attaching is retried because the debugger used for setup may
// still be detaching when a failed start cleans up straight away.
func (e *Engine) restore(ctx context.Context) error {
	pid := e.opts.PID

	var remote Remote
	err := retry.New(
		retry.Attempts(e.opts.RestoreAttempts),
		retry.Delay(e.opts.RestoreDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(error) bool { return processExists(pid) }),
	).Do(func() error {
		r, err := e.dial(ctx)
		if err != nil {
			return err
		}
		if err := r.Attach(pid); err != nil {
			_ = r.Detach()
			return err
		}
		remote = r
		return nil
	})
	if err != nil {
		return fmt.Errorf("re-attaching to restore streams: %w", err)
	}

	var errs []error
	for _, s := range allStreams {
		sl := &e.slots[s]
		if sl.saved == noFD {
			continue
		}
		if err := remote.Dup2(sl.saved, int(s)); err != nil {
			errs = append(errs, fmt.Errorf("restoring %s: %w", s, err))
		} else if err := remote.CloseFD(sl.saved); err != nil {
			errs = append(errs, fmt.Errorf("closing saved %s: %w", s, err))
		}
		e.log.Debug("stream restored", "stream", s, "saved", sl.saved)
		sl.saved = noFD
	}
	if err := remote.Detach(); err != nil {
		errs = append(errs, fmt.Errorf("detaching after restore: %w", err))
	}
	return errors.Join(errs...)
}
