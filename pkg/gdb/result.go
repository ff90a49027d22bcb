package gdb

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrNoSuchProcess means the attach target does not exist.
	ErrNoSuchProcess = errors.New("no such process")
	// ErrAttachNotPermitted means ptrace was refused (credentials, yama, capabilities).
	ErrAttachNotPermitted = errors.New("attach not permitted")
	// ErrAttachFailed covers every other refusal gdb reports.
	ErrAttachFailed = errors.New("could not attach")

	// ErrProtocol means a response carried no stored value.
	ErrProtocol = errors.New("unexpected debugger response")
	// ErrCallFailed means a remote call returned a negative value.
	ErrCallFailed = errors.New("remote call failed")
)

// valueRE matches gdb's value-history output, e.g. "$3 = 7".
var valueRE = regexp.MustCompile(`\$[0-9]+ = (-?[0-9]+)`)

// Result is the parsed response to a remote call.
type Result struct {
	Text  string
	Value int
	OK    bool // a stored value was found
}

// ParseResult extracts the last stored value from a gdb response.
func ParseResult(text string) Result {
	r := Result{Text: text}
	matches := valueRE.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return r
	}
	v, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil {
		return r
	}
	r.Value = v
	r.OK = true
	return r
}

// Int returns the stored value, or ErrProtocol when there is none.
func (r Result) Int() (int, error) {
	if !r.OK {
		return 0, fmt.Errorf("%w: %q", ErrProtocol, strings.TrimSpace(r.Text))
	}
	return r.Value, nil
}

// FD returns the stored value as a descriptor; negative values are
// reported as ErrCallFailed.
func (r Result) FD() (int, error) {
	v, err := r.Int()
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: returned %d", ErrCallFailed, v)
	}
	return v, nil
}

// ClassifyAttach maps the response to an attach command onto one of the
// attach error kinds. Anything unrecognised is treated as success.
//
// gdb prints "Could not attach to process" alongside "Operation not
// permitted" for ptrace refusals, so the checks are ordered.
func ClassifyAttach(text string) error {
	switch {
	case strings.Contains(text, "No such process"):
		return ErrNoSuchProcess
	case strings.Contains(text, "Operation not permitted"):
		return ErrAttachNotPermitted
	case strings.Contains(text, "Could not attach"):
		return ErrAttachFailed
	default:
		return nil
	}
}
