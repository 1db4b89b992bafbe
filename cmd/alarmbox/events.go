package main

import "time"

// ============================================================================
// Telemetry
// ============================================================================
// Telemetry events flow one way: from the decoder and the dispatcher to the
// broadcaster, which owns the published snapshot. Tasks never read each
// other's state, and a full telemetry queue never blocks a task.
// ============================================================================

// Telemetry is a marker interface for observable state changes.
type Telemetry interface {
	telemetryMarker()
}

// PWMCommitted is emitted after every push of PWM parameters to the driver.
type PWMCommitted struct {
	Params     PwmParameters
	VolumeMode bool
	At         time.Time
}

func (PWMCommitted) telemetryMarker() {}

// ModeChanged is emitted when a button cycle flips the adjustment mode.
type ModeChanged struct {
	VolumeMode bool
	At         time.Time
}

func (ModeChanged) telemetryMarker() {}

// OutputsChanged is emitted after the dispatcher drives its outputs.
type OutputsChanged struct {
	Active bool
	At     time.Time
}

func (OutputsChanged) telemetryMarker() {}

// RequestServed is emitted for every request the dispatcher answers.
type RequestServed struct {
	Path   string
	Status int
	Remote string
	At     time.Time
}

func (RequestServed) telemetryMarker() {}

// emitTelemetry enqueues ev without blocking; it reports false on a drop.
func emitTelemetry(ch chan<- Telemetry, ev Telemetry) bool {
	if ch == nil {
		return false
	}
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}
