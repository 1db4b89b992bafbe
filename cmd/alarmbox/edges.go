package main

import (
	"context"
	"sync"
)

// ============================================================================
// Edge-Wait capability
// ============================================================================
// Inputs (button, encoder phases) are consumed through EdgeWaiter only, so the
// decoder never knows whether it is talking to a GPIO character device or to a
// scripted line in a test.
//
// Every wait is cancellable through its context. A cancelled wait removes its
// subscription before returning, so nothing observed while nobody was waiting
// is replayed to a later wait.
// ============================================================================

// EdgeWaiter is a single digital input line.
type EdgeWaiter interface {
	// WaitLow returns once the line is low (immediately if it already is).
	WaitLow(ctx context.Context) error
	// WaitHigh returns once the line is high (immediately if it already is).
	WaitHigh(ctx context.Context) error
	// WaitRisingEdge returns on the next low->high transition.
	WaitRisingEdge(ctx context.Context) error
	// IsHigh samples the current level.
	IsHigh() bool
}

type waitKind uint8

const (
	waitForLow waitKind = iota
	waitForHigh
	waitForRising
)

// edgeWaiters is the subscriber list shared by line implementations.
// Subscriptions are one-shot: notify removes every waiter it wakes.
type edgeWaiters struct {
	mu      sync.Mutex
	waiters map[*lineWaiter]struct{}
}

type lineWaiter struct {
	kind waitKind
	ch   chan struct{}
}

func (w *edgeWaiters) add(kind waitKind) *lineWaiter {
	lw := &lineWaiter{kind: kind, ch: make(chan struct{}, 1)}
	w.mu.Lock()
	if w.waiters == nil {
		w.waiters = make(map[*lineWaiter]struct{})
	}
	w.waiters[lw] = struct{}{}
	w.mu.Unlock()
	return lw
}

func (w *edgeWaiters) remove(lw *lineWaiter) {
	w.mu.Lock()
	delete(w.waiters, lw)
	w.mu.Unlock()
}

// notify wakes waiters interested in a transition to level.
// rising marks a low->high edge (as opposed to a repeated high report).
func (w *edgeWaiters) notify(level bool, rising bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for lw := range w.waiters {
		hit := false
		switch lw.kind {
		case waitForLow:
			hit = !level
		case waitForHigh:
			hit = level
		case waitForRising:
			hit = rising
		}
		if !hit {
			continue
		}
		select {
		case lw.ch <- struct{}{}:
		default:
		}
		delete(w.waiters, lw)
	}
}

// count reports pending subscriptions (used by tests to check cancellation).
func (w *edgeWaiters) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters)
}

// waitLevel registers first and samples second so a transition between the
// two cannot be missed.
func (w *edgeWaiters) waitLevel(ctx context.Context, high bool, sample func() bool) error {
	kind := waitForLow
	if high {
		kind = waitForHigh
	}
	lw := w.add(kind)
	if sample() == high {
		w.remove(lw)
		return nil
	}
	return w.block(ctx, lw)
}

func (w *edgeWaiters) waitRising(ctx context.Context) error {
	return w.block(ctx, w.add(waitForRising))
}

func (w *edgeWaiters) block(ctx context.Context, lw *lineWaiter) error {
	select {
	case <-lw.ch:
		return nil
	case <-ctx.Done():
		w.remove(lw)
		return ctx.Err()
	}
}
