package main

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const ptraceScopePath = "/proc/sys/kernel/yama/ptrace_scope"

// warnPtraceScope logs why an attach is likely to be refused. gdb is not
// an ancestor of the target, so any Yama scope above 0 requires
// CAP_SYS_PTRACE.
func warnPtraceScope(logger *slog.Logger) {
	if os.Geteuid() == 0 {
		return
	}
	data, err := os.ReadFile(ptraceScopePath)
	if err != nil {
		return
	}
	scope, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || scope == 0 {
		return
	}
	logger.Warn("ptrace is restricted; attaching will probably need root",
		"ptrace_scope", scope, "path", ptraceScopePath)
}

// keepOutputProcessing re-enables OPOST/ONLCR after term.MakeRaw cleared them.
func keepOutputProcessing(fd int) {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return
	}
	termios.Oflag |= unix.OPOST | unix.ONLCR
	_ = unix.IoctlSetTermios(fd, unix.TCSETS, termios)
}
