package cache

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/singleflight"
)

// PanicError carries a producer panic out of a coalesced fill so it is
// re-raised on the calling goroutine instead of crashing the process.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("cache fill panicked: %v", e.Value)
}

// coalescer collapses concurrent misses for one key into a single fill. The
// shared fill runs detached from any one caller's cancellation; each caller
// still stops waiting when its own context ends.
type coalescer[T any] struct {
	group singleflight.Group
}

func (c *coalescer[T]) do(ctx context.Context, key string, fill func(context.Context) (Result[T], error)) (Result[T], error, bool) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (val interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		return fill(detached)
	})

	select {
	case res := <-ch:
		if perr, ok := res.Err.(*PanicError); ok {
			panic(perr)
		}
		result, _ := res.Val.(Result[T])
		return result, res.Err, res.Shared
	case <-ctx.Done():
		return Result[T]{}, ctx.Err(), false
	}
}
