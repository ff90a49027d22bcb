package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rsturla/termijack/pkg/config"
	"github.com/rsturla/termijack/pkg/gdb"
	"github.com/rsturla/termijack/pkg/hijack"
	"github.com/spf13/cobra"
	xterm "golang.org/x/term"
)

const version = "1.1.0"

// detachKey is Ctrl-], as in telnet.
const detachKey = 0x1d

var (
	flagHijack  [3]bool
	flagMirror  [3]bool
	flagRaw     bool
	flagVerbose bool
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if !isRunError(err) {
			fmt.Fprintf(os.Stderr, "Try '%s --help' for more information\n", rootCmd.Name())
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "termijack [options] PID",
		Short: "Hijack the standard streams of a running process",
		Long: `Hijacks the standard streams (stdin, stdout and/or stderr) of an already
running process and silently returns them when finished. While attached, you
can interact with the target as if you were sitting at its original terminal.

Hijacked streams can also be mirrored. For stdin, input from both this terminal
and the target's original terminal is forwarded to the target. For stdout and
stderr, the target's output is shown on both terminals.

gdb is used to rewire the target's file descriptors, so the target is paused
briefly while streams are swapped. Do NOT use this on time-critical processes.
Attaching usually requires root or a relaxed kernel.yama.ptrace_scope.

Programs that drive the terminal directly (ncurses, GNU readline) do not work
well when hijacked.`,
		Args:                  cobra.ExactArgs(1),
		RunE:                  hijackRun,
		SilenceUsage:          true,
		SilenceErrors:         true,
		DisableFlagsInUseLine: true,
		Version:               version,
		Example: `  termijack -o 4242
  termijack -ioe 4242
  termijack -I -O 4242
  termijack --raw -i -o 4242`,
	}
	rootCmd.SetVersionTemplate("Terminal Hijacking Tool {{.Version}}\n")

	flags := rootCmd.Flags()
	flags.BoolVarP(&flagHijack[hijack.Stdin], "hijack-stdin", "i", false, "Hijack the standard input stream going to the target process")
	flags.BoolVarP(&flagHijack[hijack.Stdout], "hijack-stdout", "o", false, "Hijack the standard output stream coming from the target process")
	flags.BoolVarP(&flagHijack[hijack.Stderr], "hijack-stderr", "e", false, "Hijack the standard error stream coming from the target process")
	flags.BoolVarP(&flagMirror[hijack.Stdin], "mirror-stdin", "I", false, "Forward input from both local and remote terminals to the target process")
	flags.BoolVarP(&flagMirror[hijack.Stdout], "mirror-stdout", "O", false, "Show the target's standard output on both local and remote terminals")
	flags.BoolVarP(&flagMirror[hijack.Stderr], "mirror-stderr", "E", false, "Show the target's standard error on both local and remote terminals")
	flags.BoolVarP(&flagRaw, "raw", "r", false, "Put the local terminal in raw mode; press Ctrl-] to detach")
	// -v stays with --version.
	flags.BoolVarP(&flagVerbose, "verbose", "V", false, "Enable debug logging")

	return rootCmd
}

// runError marks failures that happened after argument validation.
type runError struct{ err error }

func (e runError) Error() string { return e.err.Error() }
func (e runError) Unwrap() error { return e.err }

func isRunError(err error) bool {
	var re runError
	return errors.As(err, &re)
}

func hijackRun(cmd *cobra.Command, args []string) error {
	pid, err := strconv.Atoi(args[0])
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid target process: %s", args[0])
	}

	opts := hijack.Options{
		PID:    pid,
		Hijack: flagHijack,
		Mirror: flagMirror,
	}
	opts.Normalize()
	if opts.Hijack == [3]bool{} {
		return errors.New("must hijack at least one stream")
	}

	cfg, err := config.Load()
	if err != nil {
		return runError{fmt.Errorf("loading configuration: %w", err)}
	}
	level := cfg.Level()
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	logger.Debug("configuration", "config", cfg)

	// context cancellation on SIGINT/SIGTERM/SIGQUIT
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	gdbPath, err := gdb.LookPath(cfg.GDBPath)
	if err != nil {
		return runError{fmt.Errorf("%w: could not find an installation of GNU Debugger (%s) on this system", hijack.ErrBackendMissing, cfg.GDBPath)}
	}
	if v, err := gdb.Version(gdbPath); err == nil {
		logger.Debug("debugger", "path", gdbPath, "version", v)
	}
	warnPtraceScope(logger)

	opts.TempDir = cfg.TempDir
	opts.PollInterval = cfg.PollInterval
	opts.RestoreAttempts = cfg.RestoreAttempts
	opts.RestoreDelay = 200 * time.Millisecond
	opts.Logger = logger
	if flagRaw {
		opts.DetachKey = detachKey
	}

	engine, err := hijack.New(opts, func(ctx context.Context) (hijack.Remote, error) {
		s, err := gdb.Dial(ctx, gdb.Options{Path: gdbPath, Timeout: cfg.ReadTimeout})
		if err != nil {
			return nil, err
		}
		return s, nil
	})
	if err != nil {
		return err
	}

	restoreTerminal := setupTerminal(flagRaw && opts.Hijack[hijack.Stdin])
	exitCode, err := engine.Run(ctx)
	restoreTerminal()
	if err != nil {
		return runError{describe(err)}
	}

	os.Exit(exitCode)
	return nil
}

// describe turns attach failures into the short messages users expect.
func describe(err error) error {
	switch {
	case errors.Is(err, gdb.ErrNoSuchProcess):
		return fmt.Errorf("the target process does not exist (%w)", err)
	case errors.Is(err, gdb.ErrAttachNotPermitted):
		return fmt.Errorf("attaching to target process not permitted (%w)", err)
	case errors.Is(err, gdb.ErrAttachFailed):
		return fmt.Errorf("could not attach to target process (%w)", err)
	default:
		return err
	}
}

func setupTerminal(raw bool) func() {
	// Raw mode only makes sense when keystrokes are being forwarded.
	if !raw || !xterm.IsTerminal(int(os.Stdin.Fd())) {
		return func() {}
	}
	oldState, err := xterm.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return func() {}
	}
	// Keep newline translation on output; the target expects a cooked tty.
	keepOutputProcessing(int(os.Stdin.Fd()))
	return func() {
		_ = xterm.Restore(int(os.Stdin.Fd()), oldState)
	}
}
