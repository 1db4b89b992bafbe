package main

import (
	"io"
	"log/slog"
)

// ============================================================================
// Actuation capability
// ============================================================================
// Each task gets its own driver instances over disjoint lines: the decoder
// owns the PWM channel and its status LED, the dispatcher owns the alarm and
// eye outputs plus the auxiliary GPIOs. Nothing here is shared between tasks,
// so drivers do no cross-task locking of their own.
// ============================================================================

// OutputDriver sets digital output lines.
type OutputDriver interface {
	SetOutput(line string, active bool) error
	SetAux(index int, active bool) error
}

// PWMDriver sets the period ("top") and duty threshold ("compare") of a PWM channel.
type PWMDriver interface {
	SetPWM(top, compare uint16) error
}

// PwmParameters is the full PWM configuration pushed after every change.
type PwmParameters struct {
	Top     uint16 `json:"top"`
	Compare uint16 `json:"compare"`
}

// Hardware bundles the inputs and drivers built once by the composition root.
type Hardware struct {
	Button   EdgeWaiter
	EncoderA EdgeWaiter
	EncoderB EdgeWaiter

	// DecoderOutputs carries only the status LED; nil when no LED is configured.
	DecoderOutputs OutputDriver
	PWM            PWMDriver

	// DispatcherOutputs carries the alarm/eye lines and the aux GPIOs.
	DispatcherOutputs OutputDriver

	// Sim holds the scriptable inputs of the sim backend, keyed by name.
	Sim map[string]*memLine

	closers []io.Closer
}

// Close releases every line and channel the backend opened.
func (h *Hardware) Close(logger *slog.Logger) {
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i].Close(); err != nil {
			logger.Warn("hardware close failed", "error", err)
		}
	}
	h.closers = nil
}

func (h *Hardware) track(c io.Closer) {
	if c != nil {
		h.closers = append(h.closers, c)
	}
}

// ledLine is the output name the decoder uses for its status LED.
const ledLine = "led"
