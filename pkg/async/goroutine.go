package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/platinummonkey/settle/pkg/observability"
)

// PanicError is returned by Call when fn panicked.
type PanicError struct {
	TaskName string
	Value    interface{}
	Stack    []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.TaskName, e.Value)
}

// Call runs fn synchronously with an optional timeout, converting a panic into a
// *PanicError. A zero timeout means no deadline beyond parentCtx.
//
// Example:
//
//	err := async.Call(ctx, 10*time.Second, "payment result handler", func(ctx context.Context) error {
//	    return handler(ctx, msg)
//	})
func Call(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) (err error) {
	ctx := parentCtx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parentCtx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{TaskName: taskName, Value: r, Stack: debug.Stack()}
		}
	}()

	return fn(ctx)
}

// SafeGo runs fn in a goroutine with panic recovery and logs any error.
// The returned channel is closed when fn has returned.
//
// Use this instead of bare `go func()` for long-running loops such as consumers.
//
// Example:
//
//	done := async.SafeGo(ctx, logger, "redis consumer billing.payment.result", func(ctx context.Context) error {
//	    return c.consume(ctx)
//	})
func SafeGo(ctx context.Context, logger *observability.Logger, taskName string, fn func(context.Context) error) <-chan struct{} {
	if logger == nil {
		logger = observability.NopLogger()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := Call(ctx, 0, taskName, fn)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		entry := logger.WithField("task", taskName).WithError(err)
		var pe *PanicError
		if errors.As(err, &pe) {
			entry.WithField("stack", string(pe.Stack)).Error("task_panicked")
			return
		}
		entry.Error("task_failed")
	}()
	return done
}
