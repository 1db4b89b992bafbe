package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []stateEvent
}

func (s *recordingSink) Publish(ev stateEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() []stateEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stateEvent(nil), s.events...)
}

func startBroadcaster(t *testing.T) (*Broadcaster, chan Telemetry, *recordingSink) {
	t.Helper()
	src := make(chan Telemetry, 64)
	sink := &recordingSink{}
	b := NewBroadcaster(src, slog.Default(), sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Errorf("broadcaster did not stop")
		}
	})
	return b, src, sink
}

func TestBroadcaster_CoalescesPWMLatestWins(t *testing.T) {
	_, src, sink := startBroadcaster(t)

	for i := uint16(1); i <= 5; i++ {
		src <- PWMCommitted{Params: PwmParameters{Top: 0xFFFF, Compare: i}, VolumeMode: true, At: time.Now()}
	}

	waitUntil(t, time.Second, func() bool {
		evs := sink.snapshot()
		if len(evs) == 0 {
			return false
		}
		d, ok := evs[len(evs)-1].Data.(pwmChangedData)
		return ok && d.Compare == 5
	}, "latest PWM value not published")

	if n := len(sink.snapshot()); n >= 5 {
		t.Fatalf("published %d pwm events, want them coalesced", n)
	}
}

func TestBroadcaster_OtherEventsFlushPendingPWMFirst(t *testing.T) {
	_, src, sink := startBroadcaster(t)

	src <- PWMCommitted{Params: PwmParameters{Top: 1, Compare: 2}, VolumeMode: true}
	src <- OutputsChanged{Active: true}

	waitUntil(t, time.Second, func() bool { return len(sink.snapshot()) == 2 }, "expected two events")

	evs := sink.snapshot()
	if evs[0].Type != "pwm_changed" || evs[1].Type != "outputs_changed" {
		t.Fatalf("order=%s,%s want pwm_changed,outputs_changed", evs[0].Type, evs[1].Type)
	}
}

func TestBroadcaster_SnapshotTracksState(t *testing.T) {
	b, src, _ := startBroadcaster(t)

	src <- PWMCommitted{Params: PwmParameters{Top: 0x1000, Compare: 0x10}, VolumeMode: true}
	src <- ModeChanged{VolumeMode: false}
	src <- OutputsChanged{Active: true}
	src <- RequestServed{Path: "/on", Status: 200}

	waitUntil(t, time.Second, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		snap, err := b.Snapshot(ctx)
		return err == nil && snap.Requests == 1
	}, "snapshot did not catch up")

	snap, err := b.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	want := PwmParameters{Top: 0x1000, Compare: 0x10}
	if !snap.PWMKnown || snap.PWM != want || snap.VolumeMode || !snap.OutputsKnown || !snap.OutputsActive {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestBroadcaster_SnapshotHonoursContext(t *testing.T) {
	// Not running: the request can never be picked up.
	b := NewBroadcaster(make(chan Telemetry), slog.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Snapshot(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestBroadcaster_ModeEventPayload(t *testing.T) {
	_, src, sink := startBroadcaster(t)
	src <- ModeChanged{VolumeMode: false}

	waitUntil(t, time.Second, func() bool { return len(sink.snapshot()) == 1 }, "mode event not published")
	d, ok := sink.snapshot()[0].Data.(modeChangedData)
	if !ok || d.Mode != "range" || d.VolumeMode {
		t.Fatalf("data=%+v", sink.snapshot()[0].Data)
	}
}
