package main

import (
	"context"
	"fmt"
)

// encoderStepMagnitude is the adjustment applied for one clean detent.
const encoderStepMagnitude uint16 = 0xFF

// EncoderEvent is one decoded encoder transition.
// It is consumed immediately by the decoder and never stored.
type EncoderEvent struct {
	Magnitude uint16
	Increase  bool
}

func (e EncoderEvent) String() string {
	dir := "decrease"
	if e.Increase {
		dir = "increase"
	}
	return fmt.Sprintf("EncoderEvent(magnitude=%#x, %s)", e.Magnitude, dir)
}

// encoderPhase identifies which encoder line produced the winning rising edge.
type encoderPhase int

const (
	phaseA encoderPhase = iota
	phaseB
)

// decodeEdge applies the two-edge decision table:
//
//	A rises, B high -> full step, decrease ("turning left")
//	A rises, B low  -> zero step, increase
//	B rises, A high -> full step, increase ("turning right")
//	B rises, A low  -> zero step, decrease
//
// Only a rising edge that finds the partner already high counts. The other
// edges of a detent are reported with zero magnitude and have no effect.
func decodeEdge(winner encoderPhase, partnerHigh bool, step uint16) EncoderEvent {
	var mag uint16
	if partnerHigh {
		mag = step
	}
	return EncoderEvent{Magnitude: mag, Increase: (winner == phaseA) != partnerHigh}
}

// quadrature races the rising edges of the two encoder phases.
type quadrature struct {
	a, b EdgeWaiter
	step uint16
}

// next waits for the first rising edge on either phase, drops the other wait,
// and samples the partner line to produce an EncoderEvent.
func (q *quadrature) next(ctx context.Context) (EncoderEvent, error) {
	r := firstOf(ctx,
		func(ctx context.Context) (encoderPhase, error) {
			return phaseA, q.a.WaitRisingEdge(ctx)
		},
		func(ctx context.Context) (encoderPhase, error) {
			return phaseB, q.b.WaitRisingEdge(ctx)
		},
	)
	if r.Err != nil {
		return EncoderEvent{}, r.Err
	}

	partner := q.b
	if r.Value == phaseB {
		partner = q.a
	}
	return decodeEdge(r.Value, partner.IsHigh(), q.step), nil
}
