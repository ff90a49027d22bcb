package hijack

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const (
	dirPrefix = "termijack_"
	// The target may run under other credentials: it has to traverse the
	// directory and read and write the pipes.
	dirMode  = 0o711
	fifoMode = 0o666
)

// provision creates the staging directory and one FIFO per hijacked
// stream, each opened locally read/write and non-blocking. Opening both
// ends keeps the pipe alive whether or not the target holds it.
func (e *Engine) provision() error {
	dir, err := os.MkdirTemp(e.opts.TempDir, dirPrefix)
	if err != nil {
		return fmt.Errorf("%w: creating staging directory: %w", ErrProvision, err)
	}
	e.dir = dir
	if err := os.Chmod(dir, dirMode); err != nil {
		return fmt.Errorf("%w: %w", ErrProvision, err)
	}

	for _, s := range e.hijacked() {
		path := filepath.Join(dir, itoa(int(s)))
		if err := unix.Mkfifo(path, fifoMode); err != nil {
			return fmt.Errorf("%w: mkfifo %s: %w", ErrProvision, path, err)
		}
		e.slots[s].fifoPath = path

		// mkfifo honours the umask.
		if err := os.Chmod(path, fifoMode); err != nil {
			return fmt.Errorf("%w: %w", ErrProvision, err)
		}
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("%w: opening %s: %w", ErrProvision, path, err)
		}
		e.slots[s].fifo = ownHandle(fd, path)
	}

	e.log.Debug("provisioned fifos", "dir", dir)
	return nil
}
