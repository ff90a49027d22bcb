package hijack

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// resolveMirrors opens the target's original terminal for every mirrored
// stream. Failures only disable mirroring for that stream.
func (e *Engine) resolveMirrors() {
	for _, s := range e.mirrored() {
		h, err := e.openMirror(s)
		if err != nil {
			e.log.Warn("mirroring disabled", "stream", s, "err", err)
			fmt.Fprintf(e.opts.Notices, "Warning: %v\n", err)
			continue
		}
		e.slots[s].mirror = h
	}
}

func (e *Engine) openMirror(s Stream) (*handle, error) {
	saved := e.slots[s].saved
	if saved == noFD {
		return nil, fmt.Errorf("no original descriptor recorded for %s", s)
	}

	link := filepath.Join(e.opts.ProcRoot, itoa(e.opts.PID), "fd", itoa(saved))
	path, err := filepath.EvalSymlinks(link)
	if err != nil {
		if target, rerr := os.Readlink(link); rerr == nil {
			return nil, fmt.Errorf("the file %s does not represent a valid terminal for %s", target, s)
		}
		return nil, fmt.Errorf("%v while resolving the terminal for %s", err, s)
	}

	if !strings.HasPrefix(path, "/dev/") {
		return nil, fmt.Errorf("the file %s does not represent a valid terminal for %s", path, s)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%v while accessing %s for %s", err, path, s)
	}
	if info.Mode()&os.ModeCharDevice == 0 {
		return nil, fmt.Errorf("the file %s does not represent a valid terminal for %s", path, s)
	}

	// O_NOCTTY: never become the controlling terminal of this process.
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%v while opening %s for %s", err, path, s)
	}
	e.log.Debug("mirroring", "stream", s, "device", path)
	return ownHandle(fd, path), nil
}
