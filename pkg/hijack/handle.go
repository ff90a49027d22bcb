package hijack

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// handle is a raw non-blocking descriptor. Reads and writes go straight
// to the kernel so that "no data" surfaces as EAGAIN instead of parking
// in the runtime poller.
type handle struct {
	fd    int
	name  string
	owned bool     // closed on release; otherwise the original flags are restored
	file  *os.File // keeps inherited files reachable
	flags int
}

// ownHandle wraps a descriptor opened by the engine.
func ownHandle(fd int, name string) *handle {
	return &handle{fd: fd, name: name, owned: true}
}

// inheritHandle switches an inherited file to non-blocking mode,
// remembering the status flags so release can put them back.
func inheritHandle(f *os.File) (*handle, error) {
	fd := int(f.Fd())
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return nil, fmt.Errorf("reading flags of %s: %w", f.Name(), err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("setting %s non-blocking: %w", f.Name(), err)
	}
	return &handle{fd: fd, name: f.Name(), file: f, flags: flags}, nil
}

func (h *handle) read(p []byte) (int, error) {
	for {
		n, err := unix.Read(h.fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func (h *handle) write(p []byte) (int, error) {
	for {
		n, err := unix.Write(h.fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func (h *handle) release() error {
	if h.owned {
		if err := unix.Close(h.fd); err != nil {
			return fmt.Errorf("closing %s: %w", h.name, err)
		}
		return nil
	}
	if _, err := unix.FcntlInt(uintptr(h.fd), unix.F_SETFL, h.flags); err != nil {
		return fmt.Errorf("restoring flags of %s: %w", h.name, err)
	}
	return nil
}

// wouldBlock reports the "no data right now" condition.
func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
