package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type decoderRig struct {
	button, a, b *memLine
	pwm          *simPWM
	led          *simOutputs
	telemetry    chan Telemetry

	cancel context.CancelFunc
	done   chan error
}

// startDecoder runs a decoder over in-memory lines. The button rests low.
func startDecoder(t *testing.T, initial PwmParameters, aHigh, bHigh bool) *decoderRig {
	t.Helper()

	r := &decoderRig{
		button:    newMemLine("button", false),
		a:         newMemLine("encoder_a", aHigh),
		b:         newMemLine("encoder_b", bHigh),
		pwm:       newSimPWM(slog.Default()),
		led:       newSimOutputs(slog.Default(), []string{ledLine}),
		telemetry: make(chan Telemetry, 256),
		done:      make(chan error, 1),
	}
	hw := &Hardware{
		Button:         r.button,
		EncoderA:       r.a,
		EncoderB:       r.b,
		DecoderOutputs: r.led,
		PWM:            r.pwm,
	}
	dec := NewDecoder(hw, DecoderConfig{Initial: initial, Step: encoderStepMagnitude}, r.telemetry, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go func() { r.done <- dec.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(time.Second):
			t.Errorf("decoder did not stop")
		}
	})

	r.waitWrites(t, 1)
	r.waitArmed(t)
	return r
}

// waitArmed blocks until the decoder is waiting on all three inputs.
func (r *decoderRig) waitArmed(t *testing.T) {
	t.Helper()
	waitUntil(t, time.Second, func() bool {
		return r.button.pending() == 1 && r.a.pending() == 1 && r.b.pending() == 1
	}, "decoder not waiting on all inputs")
}

func (r *decoderRig) waitWrites(t *testing.T, n int) []PwmParameters {
	t.Helper()
	waitUntil(t, time.Second, func() bool {
		return len(r.pwm.history()) >= n
	}, "expected PWM commit did not happen")
	return r.pwm.history()
}

// step performs one input action and waits for the resulting commit.
func (r *decoderRig) step(t *testing.T, action func()) PwmParameters {
	t.Helper()
	n := len(r.pwm.history())
	action()
	h := r.waitWrites(t, n+1)
	r.waitArmed(t)
	return h[n]
}

func TestDecoder_StartupCommitsInitialParameters(t *testing.T) {
	initial := PwmParameters{Top: defaultPWMTop, Compare: defaultPWMCompare}
	r := startDecoder(t, initial, false, false)

	got, _ := r.pwm.last()
	if got != initial {
		t.Fatalf("initial commit=%+v, want %+v", got, initial)
	}
	if !r.led.output(ledLine) {
		t.Fatalf("status led not driven active at start")
	}
}

func TestDecoder_RightDetentIncreasesCompareInVolumeMode(t *testing.T) {
	r := startDecoder(t, PwmParameters{Top: 0xFFFF, Compare: 0x00EF}, true, false)

	got := r.step(t, func() { r.b.Set(true) })
	want := PwmParameters{Top: 0xFFFF, Compare: 0x00EF + 0xFF}
	if got != want {
		t.Fatalf("after right detent: %+v, want %+v", got, want)
	}
}

func TestDecoder_ZeroMagnitudeEdgeStillCommits(t *testing.T) {
	initial := PwmParameters{Top: 0x1000, Compare: 0x0100}
	r := startDecoder(t, initial, false, false)

	// A rises while B is low: a no-op event, but the commit still happens.
	got := r.step(t, func() { r.a.Set(true) })
	if got != initial {
		t.Fatalf("zero-magnitude commit=%+v, want unchanged %+v", got, initial)
	}
}

func TestDecoder_IncreaseThenDecreaseRoundTrips(t *testing.T) {
	initial := PwmParameters{Top: 0xFFFF, Compare: 0x00EF}
	r := startDecoder(t, initial, true, false)

	up := r.step(t, func() { r.b.Set(true) })
	if up.Compare != 0x00EF+0xFF {
		t.Fatalf("after increase compare=%#x", up.Compare)
	}

	// A falls (nobody waits for that) and rises again with B high: left detent.
	r.a.Set(false)
	down := r.step(t, func() { r.a.Set(true) })
	if down != initial {
		t.Fatalf("after round trip %+v, want %+v", down, initial)
	}
}

func TestDecoder_SaturatesAtBounds(t *testing.T) {
	t.Run("compare floor", func(t *testing.T) {
		r := startDecoder(t, PwmParameters{Top: 0xFFFF, Compare: 0x00EF}, false, true)
		got := r.step(t, func() { r.a.Set(true) })
		if got.Compare != 0 {
			t.Fatalf("compare=%#x, want 0 (saturated)", got.Compare)
		}
	})
	t.Run("compare ceiling", func(t *testing.T) {
		r := startDecoder(t, PwmParameters{Top: 0x1000, Compare: 0xFFF0}, true, false)
		got := r.step(t, func() { r.b.Set(true) })
		if got.Compare != math.MaxUint16 {
			t.Fatalf("compare=%#x, want 0xFFFF (saturated)", got.Compare)
		}
		if got.Top != 0x1000 {
			t.Fatalf("top changed to %#x in volume mode", got.Top)
		}
	})
}

func TestDecoder_ButtonTogglesToRangeMode(t *testing.T) {
	initial := PwmParameters{Top: 0xFFFF, Compare: 0x00EF}
	r := startDecoder(t, initial, false, true)

	// Press: the button is already low, so the high completes the cycle.
	got := r.step(t, func() { r.button.Set(true) })
	if got != initial {
		t.Fatalf("toggle commit=%+v, want unchanged %+v", got, initial)
	}
	waitForTelemetry(t, r.telemetry, func(ev Telemetry) bool {
		m, ok := ev.(ModeChanged)
		return ok && !m.VolumeMode
	}, "ModeChanged{VolumeMode:false} not emitted")

	// Left detent now adjusts top.
	got = r.step(t, func() { r.a.Set(true) })
	want := PwmParameters{Top: 0xFFFF - 0xFF, Compare: 0x00EF}
	if got != want {
		t.Fatalf("range-mode adjust=%+v, want %+v", got, want)
	}
}

func TestDecoder_CancelReleasesAllWaits(t *testing.T) {
	r := startDecoder(t, PwmParameters{Top: 1, Compare: 1}, false, false)

	r.cancel()
	select {
	case err := <-r.done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on cancel", err)
		}
		r.done <- nil // let Cleanup observe the exit
	case <-time.After(time.Second):
		t.Fatalf("decoder did not stop")
	}

	if r.button.pending()+r.a.pending()+r.b.pending() != 0 {
		t.Fatalf("waits left registered: button=%d a=%d b=%d", r.button.pending(), r.a.pending(), r.b.pending())
	}
}

type failingPWM struct {
	calls atomic.Int32
}

func (p *failingPWM) SetPWM(top, compare uint16) error {
	p.calls.Add(1)
	return errors.New("pwm unavailable")
}

func TestDecoder_PWMFailureIsNotFatal(t *testing.T) {
	a := newMemLine("a", true)
	b := newMemLine("b", false)
	pwm := &failingPWM{}
	hw := &Hardware{Button: newMemLine("button", false), EncoderA: a, EncoderB: b, PWM: pwm}
	dec := NewDecoder(hw, DecoderConfig{Initial: PwmParameters{Top: 10, Compare: 1}}, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = dec.Run(ctx) }()

	waitUntil(t, time.Second, func() bool { return pwm.calls.Load() == 1 && b.pending() == 1 }, "decoder not armed")
	b.Set(true)
	waitUntil(t, time.Second, func() bool { return pwm.calls.Load() == 2 }, "decoder stopped after PWM failure")
}

func TestButtonCycle_BouncesAfterHighAreAbsorbed(t *testing.T) {
	button := newMemLine("button", true)
	d := &Decoder{button: button}

	done := make(chan decoderOutcome, 1)
	go func() {
		o, _ := d.buttonCycle(context.Background())
		done <- o
	}()

	// Bounces before the low-wait completes are invisible: the line is high.
	waitUntil(t, 500*time.Millisecond, func() bool { return button.pending() == 1 }, "low-wait not registered")
	button.Set(false)
	waitUntil(t, 500*time.Millisecond, func() bool { return button.pending() == 1 }, "high-wait not registered")

	for i := 0; i < 5; i++ {
		button.Set(true)
		button.Set(false)
	}

	select {
	case o := <-done:
		if !o.toggled {
			t.Fatalf("cycle did not report a toggle")
		}
	case <-time.After(time.Second):
		t.Fatalf("button cycle did not complete")
	}
	select {
	case <-done:
		t.Fatalf("one cycle produced more than one outcome")
	default:
	}
	if n := button.pending(); n != 0 {
		t.Fatalf("pending=%d after cycle, want 0", n)
	}
}

func TestAdjustSaturating(t *testing.T) {
	tests := []struct {
		v    uint16
		ev   EncoderEvent
		want uint16
	}{
		{0x00EF, EncoderEvent{Magnitude: 0xFF, Increase: true}, 0x01EE},
		{0x00EF, EncoderEvent{Magnitude: 0xFF, Increase: false}, 0},
		{0xFF00, EncoderEvent{Magnitude: 0xFF, Increase: true}, 0xFFFF},
		{0xFFFF, EncoderEvent{Magnitude: 0xFF, Increase: true}, 0xFFFF},
		{0x00FF, EncoderEvent{Magnitude: 0xFF, Increase: false}, 0},
		{0x1234, EncoderEvent{Magnitude: 0, Increase: true}, 0x1234},
	}
	for _, tt := range tests {
		if got := adjustSaturating(tt.v, tt.ev); got != tt.want {
			t.Errorf("adjustSaturating(%#x, %v) = %#x, want %#x", tt.v, tt.ev, got, tt.want)
		}
	}
}

func waitForTelemetry(t *testing.T, ch <-chan Telemetry, match func(Telemetry) bool, msg string) Telemetry {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout: %s", msg)
			return nil
		}
	}
}

// lockedBuffer is a log sink safe to read while the decoder writes to it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDecoder_NoLEDConfigured(t *testing.T) {
	var logs lockedBuffer
	pwm := newSimPWM(slog.Default())
	hw := &Hardware{
		Button:   newMemLine("button", false),
		EncoderA: newMemLine("encoder_a", true),
		EncoderB: newMemLine("encoder_b", true),
		PWM:      pwm,
	}
	dec := NewDecoder(hw, DecoderConfig{
		Initial: PwmParameters{Top: defaultPWMTop, Compare: defaultPWMCompare},
		Step:    encoderStepMagnitude,
	}, nil, slog.New(slog.NewTextHandler(&logs, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dec.Run(ctx) }()

	waitUntil(t, time.Second, func() bool {
		return len(pwm.history()) >= 1
	}, "decoder did not commit")
	cancel()
	<-done

	if strings.Contains(logs.String(), "level=WARN") {
		t.Fatalf("unexpected warning without an LED:\n%s", logs.String())
	}
}
