package main

import (
	"context"
	"sync"
)

// raceResult is what firstOf reports about the winning branch.
type raceResult[T any] struct {
	Index int
	Value T
	Err   error
}

// firstOf runs every branch concurrently and returns the first one to finish.
//
// The losers are cancelled through their shared context and firstOf waits for
// them to return before it does. Branches release their input subscriptions
// when their context ends, so once firstOf returns no wait from this round is
// still registered anywhere.
//
// If ctx itself is cancelled before any branch finishes, Index is -1 and Err
// is ctx.Err().
func firstOf[T any](ctx context.Context, branches ...func(context.Context) (T, error)) raceResult[T] {
	if len(branches) == 0 {
		return raceResult[T]{Index: -1, Err: ctx.Err()}
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so a branch that finishes after the winner never blocks.
	done := make(chan raceResult[T], len(branches))

	var wg sync.WaitGroup
	wg.Add(len(branches))
	for i, branch := range branches {
		go func(i int, branch func(context.Context) (T, error)) {
			defer wg.Done()
			v, err := branch(raceCtx)
			done <- raceResult[T]{Index: i, Value: v, Err: err}
		}(i, branch)
	}

	var winner raceResult[T]
	select {
	case winner = <-done:
	case <-ctx.Done():
		winner = raceResult[T]{Index: -1, Err: ctx.Err()}
	}

	cancel()
	wg.Wait()

	// A branch that saw the parent's cancellation is not a winner.
	if winner.Index >= 0 && winner.Err != nil && ctx.Err() != nil {
		return raceResult[T]{Index: -1, Err: ctx.Err()}
	}
	return winner
}
