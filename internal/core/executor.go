package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ExecRequest is everything the render/print collaborator gets for one
// attempt. The engine never looks inside the template or the output.
type ExecRequest struct {
	JobID      string
	Printer    Printer
	TemplateID string
	Payload    map[string]any
	Copies     int
	Preview    bool
}

type ExecResult struct {
	PagesRendered int
}

// Executor renders and prints one job on one printer. Failures should be
// wrapped with TransientError or PermanentError; anything else is treated as
// transient.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}

type ExecutorFunc func(ctx context.Context, req ExecRequest) (ExecResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	return f(ctx, req)
}

// executeWithTimeout bounds a call even when the executor ignores its
// context. A late result from an abandoned call is discarded.
func executeWithTimeout(ctx context.Context, exec Executor, req ExecRequest, timeout time.Duration) (ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		res ExecResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: TransientError(fmt.Errorf("executor panic: %v", r))}
			}
		}()
		res, err := exec.Execute(ctx, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return o.res, TransientError(fmt.Errorf("executor timed out after %s: %w", timeout, o.err))
		}
		return o.res, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ExecResult{}, TransientError(fmt.Errorf("executor timed out after %s", timeout))
		}
		return ExecResult{}, TransientError(ctx.Err())
	}
}
