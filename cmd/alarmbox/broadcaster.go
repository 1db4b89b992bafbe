package main

import (
	"context"
	"log/slog"
	"time"
)

// ============================================================================
// Broadcaster
// ============================================================================
// The broadcaster is the only reader of the telemetry queue. It folds events
// into a StateSnapshot (served to new observers as state_init) and fans them
// out to the configured sinks (WS hub, MQTT).
//
// PWM commits can arrive at detent rate while the knob spins; they are
// rate-limited latest-wins to one publish per pwmCoalesceWindow. Every other
// event flushes a pending PWM update first so sinks see changes in order.
// ============================================================================

// StateSnapshot is the externally visible system state.
type StateSnapshot struct {
	PWM        PwmParameters `json:"pwm"`
	PWMKnown   bool          `json:"pwm_known"`
	PWMAt      time.Time     `json:"pwm_at"`
	VolumeMode bool          `json:"volume_mode"`

	OutputsActive bool      `json:"outputs_active"`
	OutputsKnown  bool      `json:"outputs_known"`
	OutputsAt     time.Time `json:"outputs_at"`

	Requests uint64 `json:"requests"`
}

// stateEvent is a typed, externally consumable state change.
type stateEvent struct {
	Type string
	Data any
	At   time.Time
}

// stateSink receives every published state event. Publish must not block.
type stateSink interface {
	Publish(ev stateEvent)
}

type pwmChangedData struct {
	Top        uint16 `json:"top"`
	Compare    uint16 `json:"compare"`
	VolumeMode bool   `json:"volume_mode"`
}

type modeChangedData struct {
	VolumeMode bool   `json:"volume_mode"`
	Mode       string `json:"mode"`
}

type outputsChangedData struct {
	Active bool `json:"active"`
}

type requestServedData struct {
	Path   string `json:"path"`
	Status int    `json:"status"`
	Remote string `json:"remote"`
}

func modeName(volumeMode bool) string {
	if volumeMode {
		return "volume"
	}
	return "range"
}

type snapshotRequest struct {
	reply chan StateSnapshot
}

// Broadcaster owns the snapshot. Run it as a single goroutine.
type Broadcaster struct {
	src       <-chan Telemetry
	snapshots chan snapshotRequest
	sinks     []stateSink
	logger    *slog.Logger

	state StateSnapshot
}

// NewBroadcaster builds a broadcaster reading src. Nil sinks are skipped.
func NewBroadcaster(src <-chan Telemetry, logger *slog.Logger, sinks ...stateSink) *Broadcaster {
	b := &Broadcaster{
		src:       src,
		snapshots: make(chan snapshotRequest),
		logger:    logger,
	}
	for _, s := range sinks {
		if s != nil {
			b.sinks = append(b.sinks, s)
		}
	}
	return b
}

// Snapshot asks the running broadcaster for its current state.
func (b *Broadcaster) Snapshot(ctx context.Context) (StateSnapshot, error) {
	req := snapshotRequest{reply: make(chan StateSnapshot, 1)}
	select {
	case b.snapshots <- req:
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	}
	select {
	case snap := <-req.reply:
		return snap, nil
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	}
}

// Run processes telemetry until ctx is canceled or src is closed.
func (b *Broadcaster) Run(ctx context.Context) {
	var pendingPWM *stateEvent
	var timer *time.Timer
	var timerCh <-chan time.Time

	flush := func() {
		if pendingPWM == nil {
			return
		}
		b.publish(*pendingPWM)
		pendingPWM = nil
	}

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerCh = nil, nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			stopTimer()
			return

		case req := <-b.snapshots:
			req.reply <- b.state

		case <-timerCh:
			flush()
			stopTimer()

		case t, ok := <-b.src:
			if !ok {
				flush()
				stopTimer()
				b.logger.Info("broadcaster stopping (source ended)")
				return
			}

			ev, ok := b.apply(t)
			if !ok {
				continue
			}

			// Latest-wins; the window is not extended by further updates.
			if ev.Type == "pwm_changed" {
				copyEv := ev
				pendingPWM = &copyEv
				if timer == nil {
					timer = time.NewTimer(pwmCoalesceWindow)
					timerCh = timer.C
				}
				continue
			}

			flush()
			stopTimer()
			b.publish(ev)
		}
	}
}

// apply folds t into the snapshot and converts it to its outbound form.
func (b *Broadcaster) apply(t Telemetry) (stateEvent, bool) {
	switch ev := t.(type) {
	case PWMCommitted:
		b.state.PWM = ev.Params
		b.state.PWMKnown = true
		b.state.PWMAt = ev.At
		b.state.VolumeMode = ev.VolumeMode
		return stateEvent{
			Type: "pwm_changed",
			Data: pwmChangedData{Top: ev.Params.Top, Compare: ev.Params.Compare, VolumeMode: ev.VolumeMode},
			At:   ev.At,
		}, true

	case ModeChanged:
		b.state.VolumeMode = ev.VolumeMode
		return stateEvent{
			Type: "mode_changed",
			Data: modeChangedData{VolumeMode: ev.VolumeMode, Mode: modeName(ev.VolumeMode)},
			At:   ev.At,
		}, true

	case OutputsChanged:
		b.state.OutputsActive = ev.Active
		b.state.OutputsKnown = true
		b.state.OutputsAt = ev.At
		return stateEvent{
			Type: "outputs_changed",
			Data: outputsChangedData{Active: ev.Active},
			At:   ev.At,
		}, true

	case RequestServed:
		b.state.Requests++
		return stateEvent{
			Type: "request_served",
			Data: requestServedData{Path: ev.Path, Status: ev.Status, Remote: ev.Remote},
			At:   ev.At,
		}, true

	default:
		return stateEvent{}, false
	}
}

func (b *Broadcaster) publish(ev stateEvent) {
	for _, s := range b.sinks {
		s.Publish(ev)
	}
}
