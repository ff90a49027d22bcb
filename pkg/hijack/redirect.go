package hijack

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// redirect attaches to the target and splices the FIFO of every hijacked
// stream into its descriptor table, keeping a duplicate of the original.
// The debugger is always detached before returning.
func (e *Engine) redirect(ctx context.Context) (err error) {
	remote, err := e.dial(ctx)
	if err != nil {
		return fmt.Errorf("starting debugger: %w", err)
	}
	defer func() {
		if derr := remote.Detach(); derr != nil {
			e.log.Warn("detaching from target", "err", derr)
		}
	}()

	if err := remote.Attach(e.opts.PID); err != nil {
		return err
	}
	for _, s := range e.hijacked() {
		if err := e.redirectStream(remote, s); err != nil {
			return fmt.Errorf("redirecting %s: %w", s, err)
		}
	}
	return nil
}

func (e *Engine) redirectStream(r Remote, s Stream) error {
	sl := &e.slots[s]

	pipeFD, err := r.Open(sl.fifoPath, unix.O_RDWR|unix.O_CREAT, fifoMode)
	if err != nil {
		return err
	}
	if err := e.splice(r, s, pipeFD); err != nil {
		if cerr := r.CloseFD(pipeFD); cerr != nil {
			e.log.Debug("closing remote pipe", "stream", s, "fd", pipeFD, "err", cerr)
		}
		return err
	}
	// The pipe now lives on as descriptor s.
	return r.CloseFD(pipeFD)
}

func (e *Engine) splice(r Remote, s Stream, pipeFD int) error {
	sl := &e.slots[s]
	n := int(s)

	if err := r.CopyFlags(pipeFD, n); err != nil {
		return err
	}
	saved, err := r.Dup(n)
	if err != nil {
		return err
	}
	sl.saved = saved
	if err := r.Dup2(pipeFD, n); err != nil {
		return err
	}
	e.log.Debug("stream redirected", "stream", s, "saved", saved)
	return nil
}
