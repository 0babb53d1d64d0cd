// Package privileged runs shell commands through an elevation helper
// (pkexec by default) on a background goroutine.
package privileged

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Reason classifies a failed run
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonCanceled   Reason = "canceled"
	ReasonNotFound   Reason = "not_found"
	ReasonSubprocess Reason = "subprocess_error"
	ReasonUnexpected Reason = "unexpected_error"
)

// pkexec exit codes
const (
	exitDismissed     = 126
	exitNotAuthorized = 127
)

// Result is the outcome of one run
type Result struct {
	Reason   Reason `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// OK reports whether the command succeeded
func (r Result) OK() bool {
	return r.Reason == ReasonNone
}

// Canceled reports whether the user dismissed the authentication prompt
func (r Result) Canceled() bool {
	return r.Reason == ReasonCanceled
}

// String renders the failure as "canceled", "not_found" or
// "subprocess_error: <detail>"
func (r Result) String() string {
	switch r.Reason {
	case ReasonNone:
		return "success"
	case ReasonSubprocess, ReasonUnexpected:
		return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
	default:
		return string(r.Reason)
	}
}

// Executor runs commands with elevated privileges
type Executor struct {
	// Elevator is prepended to every command line; empty runs unelevated
	Elevator []string
	Logger   logrus.FieldLogger
}

// New creates an executor using the given elevation helper
func New(elevator []string, logger logrus.FieldLogger) *Executor {
	return &Executor{Elevator: elevator, Logger: logger}
}

// Run executes command through "sh -c". Exactly one Result is delivered on
// the returned channel, which is then closed.
func (e *Executor) Run(ctx context.Context, command string) <-chan Result {
	return e.start(ctx, []string{"sh", "-c", command})
}

func (e *Executor) start(ctx context.Context, argv []string) <-chan Result {
	results := make(chan Result, 1)
	full := append(append([]string{}, e.Elevator...), argv...)

	go func() {
		defer close(results)
		e.Logger.Infof("Executing privileged command: %q", full)
		results <- e.execute(ctx, full)
	}()

	return results
}

func (e *Executor) execute(ctx context.Context, argv []string) Result {
	if len(argv) == 0 {
		return Result{Reason: ReasonUnexpected, Detail: "empty command", ExitCode: -1}
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := classify(err, strings.TrimSpace(stderr.String()))
	if ctx.Err() != nil && !result.OK() {
		result = Result{Reason: ReasonUnexpected, Detail: ctx.Err().Error(), ExitCode: -1}
	}

	switch result.Reason {
	case ReasonNone:
	case ReasonCanceled:
		e.Logger.Info("Command canceled")
	case ReasonNotFound:
		e.Logger.Error("Command not found or not authorized")
	default:
		e.Logger.Errorf("privileged command failed: %s", result)
	}
	return result
}

func classify(err error, stderr string) Result {
	if err == nil {
		return Result{}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		switch code {
		case exitDismissed:
			return Result{Reason: ReasonCanceled, ExitCode: code}
		case exitNotAuthorized:
			return Result{Reason: ReasonNotFound, ExitCode: code}
		}
		detail := exitErr.Error()
		if stderr != "" {
			detail += ": " + stderr
		}
		return Result{Reason: ReasonSubprocess, Detail: detail, ExitCode: code}
	}

	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return Result{Reason: ReasonNotFound, Detail: err.Error(), ExitCode: exitNotAuthorized}
	}
	return Result{Reason: ReasonUnexpected, Detail: err.Error(), ExitCode: -1}
}
