package gdb

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"
)

// Commander is the request/response half of a Client.
type Commander interface {
	Command(text string) (string, error)
	Close() error
}

// Session issues libc calls inside the attached process.
type Session struct {
	conn Commander
	pid  int
}

// NewSession wraps an already started channel.
func NewSession(conn Commander) *Session {
	return &Session{conn: conn}
}

// Dial starts a debugger and returns a detached session on it.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := Start(opts)
	if err != nil {
		return nil, err
	}
	return NewSession(c), nil
}

// Attach stops and attaches to pid. The response is classified with
// ClassifyAttach.
func (s *Session) Attach(pid int) error {
	out, err := s.conn.Command("attach " + strconv.Itoa(pid))
	if kind := ClassifyAttach(out); kind != nil {
		return fmt.Errorf("attaching to %d: %w", pid, kind)
	}
	if err != nil {
		return fmt.Errorf("attaching to %d: %w", pid, err)
	}
	s.pid = pid
	return nil
}

// Open calls open(2) in the target and returns the new descriptor.
func (s *Session) Open(path string, flags int, mode uint32) (int, error) {
	return s.callFD("open", fmt.Sprintf("(int)open(%s, %d, %#o)", strconv.Quote(path), flags, mode))
}

// CopyFlags sets the file status flags of dst to those of src.
func (s *Session) CopyFlags(dst, src int) error {
	_, err := s.callFD("fcntl", fmt.Sprintf("(int)fcntl(%d, %d, (int)fcntl(%d, %d))", dst, unix.F_SETFL, src, unix.F_GETFL))
	return err
}

// Dup duplicates fd in the target.
func (s *Session) Dup(fd int) (int, error) {
	return s.callFD("dup", fmt.Sprintf("(int)dup(%d)", fd))
}

// Dup2 makes newfd a copy of oldfd in the target.
func (s *Session) Dup2(oldfd, newfd int) error {
	_, err := s.callFD("dup2", fmt.Sprintf("(int)dup2(%d, %d)", oldfd, newfd))
	return err
}

// CloseFD closes fd in the target.
func (s *Session) CloseFD(fd int) error {
	_, err := s.callFD("close", fmt.Sprintf("(int)close(%d)", fd))
	return err
}

// Detach releases the target and shuts the debugger down.
func (s *Session) Detach() error {
	return s.conn.Close()
}

func (s *Session) callFD(name, expr string) (int, error) {
	out, err := s.conn.Command("call " + expr)
	if err != nil {
		return 0, fmt.Errorf("remote %s in %d: %w", name, s.pid, err)
	}
	fd, err := ParseResult(out).FD()
	if err != nil {
		return 0, fmt.Errorf("remote %s in %d: %w", name, s.pid, err)
	}
	return fd, nil
}
