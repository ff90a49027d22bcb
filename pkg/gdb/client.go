// Package gdb drives a GDB subprocess over its console interface and
// exposes the handful of remote calls needed to rewire another
// process's file descriptors.
package gdb

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds every single read from the debugger.
const DefaultTimeout = 5 * time.Second

// stderrDrain is how long Command waits for diagnostics once the prompt
// has been seen. gdb flushes stderr before printing the prompt, so this
// only needs to cover scheduling jitter.
const stderrDrain = 10 * time.Millisecond

var (
	// ErrNoResponse is returned by Start when gdb never printed the prompt.
	ErrNoResponse = errors.New("no response from debugger")
	// ErrBackendExited is returned when gdb closed its output.
	ErrBackendExited = errors.New("debugger exited")
)

// setupCommands run once the sentinel prompt is in place. Unknown
// settings on older gdb releases only produce an error line.
var setupCommands = []string{
	"set confirm off",
	"set pagination off",
	"set width 0",
	"set debuginfod enabled off",
}

// Options configures the debugger subprocess.
type Options struct {
	Path    string        // gdb binary, "gdb" when empty
	Args    []string      // extra arguments appended after -q -nx
	Env     []string      // child environment, os.Environ() when nil
	Timeout time.Duration // per-read timeout, DefaultTimeout when zero
}

// Client is a synchronous request/response channel to a gdb process.
// Only one command is ever in flight; Client is not safe for concurrent use.
type Client struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdoutF  *os.File
	stdout   *bufio.Reader
	stderr   *os.File
	sentinel string
	timeout  time.Duration
	closed   bool
	// desync is set when a response was cut short by a timeout: the
	// sentinel that ends it has not been read yet.
	desync bool
}

// Start spawns gdb, installs a unique prompt used as the end-of-response
// marker and discards the startup banner.
func Start(opts Options) (*Client, error) {
	path := opts.Path
	if path == "" {
		path = "gdb"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cmd := exec.Command(path, append([]string{"-q", "-nx"}, opts.Args...)...)
	cmd.Env = opts.Env
	// Keep terminal-generated SIGINT away from the debugger while it has
	// the target stopped.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating gdb stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating gdb stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("creating gdb stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			f.Close()
		}
		return nil, fmt.Errorf("starting %s: %w", path, err)
	}
	outW.Close()
	errW.Close()

	c := &Client{
		cmd:      cmd,
		stdin:    stdin,
		stdoutF:  outR,
		stdout:   bufio.NewReader(outR),
		stderr:   errR,
		sentinel: "termijack-" + uuid.NewString(),
		timeout:  timeout,
	}

	if err := c.installPrompt(); err != nil {
		c.kill()
		return nil, err
	}
	for _, s := range setupCommands {
		if _, err := c.Command(s); err != nil {
			c.kill()
			return nil, fmt.Errorf("configuring gdb (%s): %w", s, err)
		}
	}
	return c, nil
}

func (c *Client) installPrompt() error {
	// gdb expands the escape, so the prompt ends the line and the
	// sentinel can be matched line by line.
	if _, err := fmt.Fprintf(c.stdin, "set prompt %s\\n\n", c.sentinel); err != nil {
		return fmt.Errorf("writing to gdb: %w", err)
	}
	for {
		line, err := c.readLine()
		if strings.Contains(line, c.sentinel) {
			c.drainStderr()
			return nil
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return ErrNoResponse
			}
			return fmt.Errorf("waiting for gdb prompt: %w", err)
		}
	}
}

// Command sends one console command and returns everything gdb printed
// in response, stderr included. A read timeout ends the response early
// without an error; callers inspect the text. The late remainder of such
// a response is discarded before the next command is sent.
func (c *Client) Command(text string) (string, error) {
	if c.closed {
		return "", ErrBackendExited
	}
	if c.desync {
		if err := c.resync(); err != nil {
			return "", err
		}
	}
	if _, err := io.WriteString(c.stdin, text+"\n"); err != nil {
		return "", fmt.Errorf("writing to gdb: %w", err)
	}

	var out strings.Builder
	var readErr error
	for {
		line, err := c.readLine()
		if strings.Contains(line, c.sentinel) {
			break
		}
		out.WriteString(line)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				c.desync = true
			} else {
				readErr = err
			}
			break
		}
	}
	out.WriteString(c.drainStderr())

	if readErr != nil {
		if errors.Is(readErr, io.EOF) {
			return out.String(), ErrBackendExited
		}
		return out.String(), fmt.Errorf("reading from gdb: %w", readErr)
	}
	return out.String(), nil
}

// resync discards the rest of a response that timed out, up to its
// sentinel. Nothing may be sent before that or the next answer would be
// the late one.
func (c *Client) resync() error {
	deadline := time.Now().Add(c.timeout)
	if err := c.stdoutF.SetReadDeadline(deadline); err != nil {
		return err
	}
	for {
		line, err := c.stdout.ReadString('\n')
		if strings.Contains(line, c.sentinel) {
			c.desync = false
			c.drainStderr()
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrBackendExited
			}
			return fmt.Errorf("%w: previous command still running after %s", ErrProtocol, c.timeout)
		}
	}
}

// Close asks gdb to detach and quit, then reaps it. Waiting is bounded by
// the read timeout, after which the process group is killed.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	_, _ = io.WriteString(c.stdin, "set confirm off\nquit\n")
	_ = c.stdin.Close()

	done := make(chan error, 1)
	go func() {
		// Wait closes nothing we own; release the read ends afterwards so
		// gdb never sees EPIPE while it is still detaching.
		err := c.cmd.Wait()
		c.stdoutF.Close()
		c.stderr.Close()
		done <- err
	}()

	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return err
	case <-time.After(c.timeout):
		// The waiter goroutine releases the pipes once the group is gone.
		_ = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
		return fmt.Errorf("gdb (pid %d) did not exit within %s", c.cmd.Process.Pid, c.timeout)
	}
}

// Pid returns the debugger's process id.
func (c *Client) Pid() int {
	return c.cmd.Process.Pid
}

func (c *Client) readLine() (string, error) {
	if err := c.stdoutF.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", err
	}
	return c.stdout.ReadString('\n')
}

func (c *Client) drainStderr() string {
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		if err := c.stderr.SetReadDeadline(time.Now().Add(stderrDrain)); err != nil {
			break
		}
		n, err := c.stderr.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return sb.String()
}

func (c *Client) kill() {
	c.closed = true
	_ = c.cmd.Process.Kill()
	_ = c.cmd.Wait()
	c.stdoutF.Close()
	c.stderr.Close()
}

// LookPath reports whether the debugger binary can be found.
func LookPath(path string) (string, error) {
	if path == "" {
		path = "gdb"
	}
	return exec.LookPath(path)
}

// Version runs `gdb --version` and returns the first line of its output.
func Version(path string) (string, error) {
	out, err := exec.Command(path, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("running %s --version: %w", path, err)
	}
	first, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(first), nil
}
