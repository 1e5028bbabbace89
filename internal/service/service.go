// Package service drives poll/react state machines.
//
// A Service splits each step into Poll, which waits for the next thing to
// happen without changing observable state, and React, which performs all
// mutation and I/O for that event. Run alternates the two until React
// reports an error.
package service

import (
	"context"
	"errors"
)

// ErrStopped is returned by React to request an orderly stop. Run treats it
// as success.
var ErrStopped = errors.New("service stopped")

// Service is a state machine driven by Run.
type Service[T any] interface {
	// Poll blocks until the next event is available.
	Poll(ctx context.Context) T
	// React handles one event produced by Poll.
	React(ctx context.Context, event T) error
}

// Run calls Poll then React until React returns an error. It returns nil
// when that error is ErrStopped.
func Run[T any](ctx context.Context, s Service[T]) error {
	for {
		event := s.Poll(ctx)
		if err := s.React(ctx, event); err != nil {
			if errors.Is(err, ErrStopped) {
				return nil
			}
			return err
		}
	}
}
