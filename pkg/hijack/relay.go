package hijack

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sys/unix"
)

const (
	// relayBufSize is the read chunk size.
	relayBufSize = 32 * 1024
	// maxDrain caps what a single source may deliver per tick so the
	// liveness probe runs even under a constant stream of output.
	maxDrain = 256 * 1024
	// maxPending caps bytes queued for a sink that keeps refusing writes.
	maxPending = 1 << 20
)

// endpoint is one side of a route: a source drained each tick or a sink
// written to.
type endpoint struct {
	h         *handle
	label     string
	pending   []byte
	detachKey byte
	dead      bool
}

// route moves bytes from its sources, in order, to all of its sinks.
type route struct {
	stream  Stream
	sources []*endpoint
	sinks   []*endpoint
}

type relay struct {
	pid      int
	interval time.Duration
	log      *slog.Logger
	routes   []*route
	buf      []byte
	spun     bool // last readiness wait returned without any bytes moving
}

func (e *Engine) newRelay() *relay {
	r := &relay{
		pid:      e.opts.PID,
		interval: e.opts.PollInterval,
		log:      e.log,
		buf:      make([]byte, relayBufSize),
	}
	for _, s := range e.hijacked() {
		sl := &e.slots[s]
		fifo := newEndpoint(sl.fifo, s.String()+" fifo")
		local := newEndpoint(sl.local, "local "+s.String())
		mirror := newEndpoint(sl.mirror, "mirror "+s.String())

		rt := &route{stream: s}
		if s == Stdin {
			if local != nil {
				local.detachKey = e.opts.DetachKey
			}
			rt.sources = lo.Compact([]*endpoint{local, mirror})
			rt.sinks = lo.Compact([]*endpoint{fifo})
		} else {
			rt.sources = lo.Compact([]*endpoint{fifo})
			rt.sinks = lo.Compact([]*endpoint{local, mirror})
		}
		r.routes = append(r.routes, rt)
	}
	return r
}

func newEndpoint(h *handle, label string) *endpoint {
	if h == nil {
		return nil
	}
	return &endpoint{h: h, label: label}
}

// run is the relay loop. Cancellation of ctx is only observed at the top
// of a tick, so shutdown never interrupts a half-forwarded chunk.
func (r *relay) run(ctx context.Context) Reason {
	for {
		if ctx.Err() != nil {
			return ReasonInterrupted
		}
		moved, detached := r.tick()
		if detached {
			return ReasonDetached
		}
		if !processExists(r.pid) {
			return ReasonTargetDied
		}
		if moved == 0 {
			r.wait(ctx)
		} else {
			r.spun = false
		}
	}
}

// tick forwards everything currently available. It returns the number
// of bytes read and whether the detach key was seen.
func (r *relay) tick() (int, bool) {
	total := 0
	for _, rt := range r.routes {
		for _, sink := range rt.sinks {
			r.flush(sink)
		}
		for _, src := range rt.sources {
			n, detached := r.drain(rt, src)
			total += n
			if detached {
				return total, true
			}
		}
	}
	return total, false
}

func (r *relay) drain(rt *route, src *endpoint) (int, bool) {
	if src.dead {
		return 0, false
	}
	total := 0
	for total < maxDrain {
		n, err := src.h.read(r.buf)
		if n > 0 {
			total += n
			chunk := r.buf[:n]
			if src.detachKey != 0 {
				if i := bytes.IndexByte(chunk, src.detachKey); i >= 0 {
					r.forward(rt, chunk[:i])
					return total, true
				}
			}
			r.forward(rt, chunk)
		}
		switch {
		case err == nil && n == 0:
			// End of file; a terminal may deliver more later.
			return total, false
		case err == nil:
			continue
		case wouldBlock(err):
			return total, false
		default:
			r.log.Warn("relay source failed, closing it", "endpoint", src.label, "err", err)
			src.dead = true
			return total, false
		}
	}
	return total, false
}

func (r *relay) forward(rt *route, p []byte) {
	if len(p) == 0 {
		return
	}
	for _, sink := range rt.sinks {
		if sink.dead {
			continue
		}
		if len(sink.pending)+len(p) > maxPending {
			r.log.Debug("sink backlog full, dropping bytes", "endpoint", sink.label, "bytes", len(p))
			continue
		}
		sink.pending = append(sink.pending, p...)
		r.flush(sink)
	}
}

// flush writes as much queued data as the sink accepts without blocking.
func (r *relay) flush(sink *endpoint) {
	for !sink.dead && len(sink.pending) > 0 {
		n, err := sink.h.write(sink.pending)
		sink.pending = sink.pending[n:]
		switch {
		case err == nil:
			continue
		case wouldBlock(err):
			return
		default:
			r.log.Warn("relay sink failed, closing it", "endpoint", sink.label, "err", err)
			sink.dead = true
			sink.pending = nil
		}
	}
	if len(sink.pending) == 0 {
		sink.pending = nil
	}
}

// wait blocks until a source is readable or one interval passes. A
// readiness report that produced no bytes (a source sitting at EOF)
// falls back to a plain sleep so the loop cannot spin.
func (r *relay) wait(ctx context.Context) {
	var fds []unix.PollFd
	for _, rt := range r.routes {
		for _, src := range rt.sources {
			if !src.dead {
				fds = append(fds, unix.PollFd{Fd: int32(src.h.fd), Events: unix.POLLIN})
			}
		}
	}

	if len(fds) == 0 || r.spun {
		r.spun = false
		r.sleep(ctx)
		return
	}

	n, err := unix.Poll(fds, int(r.interval/time.Millisecond))
	if err != nil && !errors.Is(err, unix.EINTR) {
		r.log.Debug("poll failed", "err", err)
		r.sleep(ctx)
		return
	}
	r.spun = n > 0
}

func (r *relay) sleep(ctx context.Context) {
	t := time.NewTimer(r.interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
