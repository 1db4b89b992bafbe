package main

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// ============================================================================
// Input Decoder
// ============================================================================
// The decoder fuses two input streams into PWM parameter updates:
//
//   - a push-button whose full low->high cycle flips the adjustment mode
//   - a two-phase rotary encoder whose clean detents adjust the selected field
//
// Each loop iteration races one button cycle against one encoder step. The
// winner is applied, the loser is cancelled (its waits are released), and the
// full parameter set is pushed to the PWM driver. The push happens after every
// outcome, including mode toggles and zero-magnitude encoder events.
//
// Volume mode adjusts Compare (duty, i.e. loudness); range mode adjusts Top
// (period, i.e. pitch). Both fields saturate independently at 0 and 0xFFFF;
// Compare is allowed to exceed Top.
// ============================================================================

// DecoderConfig holds the decoder's starting point and step size.
type DecoderConfig struct {
	Initial PwmParameters
	Step    uint16
}

// Decoder owns the adjustment mode and the PWM parameters.
type Decoder struct {
	button EdgeWaiter
	enc    quadrature

	pwm     PWMDriver
	outputs OutputDriver // status LED only; may be nil

	telemetry chan<- Telemetry
	logger    *slog.Logger

	volumeMode bool
	params     PwmParameters
}

// decoderOutcome is the result of one race between button and encoder.
type decoderOutcome struct {
	toggled bool
	event   EncoderEvent
}

// NewDecoder builds a decoder in volume mode.
func NewDecoder(hw *Hardware, cfg DecoderConfig, telemetry chan<- Telemetry, logger *slog.Logger) *Decoder {
	step := cfg.Step
	if step == 0 {
		step = encoderStepMagnitude
	}
	return &Decoder{
		button:     hw.Button,
		enc:        quadrature{a: hw.EncoderA, b: hw.EncoderB, step: step},
		pwm:        hw.PWM,
		outputs:    hw.DecoderOutputs,
		telemetry:  telemetry,
		logger:     logger,
		volumeMode: true,
		params:     cfg.Initial,
	}
}

// Run drives the decoder until ctx is canceled.
func (d *Decoder) Run(ctx context.Context) error {
	if d.outputs != nil {
		if err := d.outputs.SetOutput(ledLine, true); err != nil {
			d.logger.Warn("status led failed", "error", err)
		}
	}

	d.logger.Info("decoder started",
		"volume_mode", d.volumeMode,
		"top", d.params.Top,
		"compare", d.params.Compare)
	d.commit()

	for {
		if err := d.step(ctx); err != nil {
			if ctx.Err() != nil {
				d.logger.Info("decoder stopping (context canceled)")
				return nil
			}
			d.logger.Warn("decoder step failed", "error", err)
		}
	}
}

// step runs one race, applies its outcome and commits.
func (d *Decoder) step(ctx context.Context) error {
	r := firstOf(ctx, d.buttonCycle, d.encoderStep)
	if r.Err != nil {
		return r.Err
	}
	d.apply(r.Value)
	d.commit()
	return nil
}

// buttonCycle completes once the button has been seen low and then high.
// Bounces while waiting for high are absorbed: only the first high counts.
func (d *Decoder) buttonCycle(ctx context.Context) (decoderOutcome, error) {
	if err := d.button.WaitLow(ctx); err != nil {
		return decoderOutcome{}, err
	}
	if err := d.button.WaitHigh(ctx); err != nil {
		return decoderOutcome{}, err
	}
	return decoderOutcome{toggled: true}, nil
}

func (d *Decoder) encoderStep(ctx context.Context) (decoderOutcome, error) {
	ev, err := d.enc.next(ctx)
	if err != nil {
		return decoderOutcome{}, err
	}
	return decoderOutcome{event: ev}, nil
}

func (d *Decoder) apply(o decoderOutcome) {
	if o.toggled {
		d.volumeMode = !d.volumeMode
		d.logger.Info("control volume", "volume_mode", d.volumeMode)
		emitTelemetry(d.telemetry, ModeChanged{VolumeMode: d.volumeMode, At: time.Now()})
		return
	}

	ev := o.event
	if ev.Magnitude != 0 {
		if ev.Increase {
			d.logger.Debug("turning right")
		} else {
			d.logger.Debug("turning left")
		}
	}

	field := &d.params.Top
	if d.volumeMode {
		field = &d.params.Compare
	}
	*field = adjustSaturating(*field, ev)
}

// commit pushes the full parameter set; driver failures are logged and swallowed.
func (d *Decoder) commit() {
	if d.volumeMode {
		d.logger.Info("vol", "compare", d.params.Compare)
	} else {
		d.logger.Info("top", "top", d.params.Top)
	}

	if err := d.pwm.SetPWM(d.params.Top, d.params.Compare); err != nil {
		d.logger.Warn("pwm update failed", "error", err, "top", d.params.Top, "compare", d.params.Compare)
	}
	emitTelemetry(d.telemetry, PWMCommitted{Params: d.params, VolumeMode: d.volumeMode, At: time.Now()})
}

// adjustSaturating applies ev to v, clamping at the uint16 bounds.
func adjustSaturating(v uint16, ev EncoderEvent) uint16 {
	if ev.Increase {
		if v > math.MaxUint16-ev.Magnitude {
			return math.MaxUint16
		}
		return v + ev.Magnitude
	}
	if ev.Magnitude > v {
		return 0
	}
	return v - ev.Magnitude
}
