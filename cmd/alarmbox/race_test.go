package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestFirstOf_ReturnsFirstAndCancelsLosers(t *testing.T) {
	var loserReturned atomic.Bool

	r := firstOf(context.Background(),
		func(ctx context.Context) (string, error) {
			<-ctx.Done()
			loserReturned.Store(true)
			return "slow", ctx.Err()
		},
		func(ctx context.Context) (string, error) {
			return "fast", nil
		},
	)

	if r.Index != 1 || r.Value != "fast" || r.Err != nil {
		t.Fatalf("got %+v, want index 1 value fast", r)
	}
	// firstOf waits for losers before returning.
	if !loserReturned.Load() {
		t.Fatalf("loser still running after firstOf returned")
	}
}

func TestFirstOf_WinnerErrorIsReported(t *testing.T) {
	boom := errors.New("boom")
	r := firstOf(context.Background(),
		func(ctx context.Context) (int, error) { return 0, boom },
		func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		},
	)
	if r.Index != 0 || !errors.Is(r.Err, boom) {
		t.Fatalf("got %+v, want index 0 err boom", r)
	}
}

func TestFirstOf_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	wait := func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}

	done := make(chan raceResult[int], 1)
	go func() { done <- firstOf(ctx, wait, wait) }()

	cancel()

	select {
	case r := <-done:
		if r.Index != -1 || !errors.Is(r.Err, context.Canceled) {
			t.Fatalf("got %+v, want index -1 and context.Canceled", r)
		}
	case <-time.After(time.Second):
		t.Fatalf("firstOf did not return after parent cancel")
	}
}

func TestFirstOf_NoBranches(t *testing.T) {
	r := firstOf[int](context.Background())
	if r.Index != -1 {
		t.Fatalf("Index=%d, want -1", r.Index)
	}
}

func TestFirstOf_LoserSubscriptionsReleased(t *testing.T) {
	a := newMemLine("a", false)
	b := newMemLine("b", false)

	done := make(chan raceResult[string], 1)
	go func() {
		done <- firstOf(context.Background(),
			func(ctx context.Context) (string, error) { return "a", a.WaitRisingEdge(ctx) },
			func(ctx context.Context) (string, error) { return "b", b.WaitRisingEdge(ctx) },
		)
	}()

	waitUntil(t, 500*time.Millisecond, func() bool {
		return a.pending() == 1 && b.pending() == 1
	}, "both waits not registered")

	b.Set(true)

	select {
	case r := <-done:
		if r.Value != "b" {
			t.Fatalf("winner=%q, want b", r.Value)
		}
	case <-time.After(time.Second):
		t.Fatalf("race did not complete")
	}

	if n := a.pending(); n != 0 {
		t.Fatalf("loser left %d subscription(s) behind", n)
	}

	// A rising edge nobody waits for is not remembered.
	a.Set(true)
	a.Set(false)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := a.WaitRisingEdge(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitRisingEdge err=%v, want deadline exceeded (no replay)", err)
	}
}
