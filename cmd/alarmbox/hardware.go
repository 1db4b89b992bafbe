package main

import (
	"fmt"
	"log/slog"
	"strings"
)

// pullMode is the input bias requested for a line.
type pullMode uint8

const (
	pullNone pullMode = iota
	pullUp
	pullDown
)

func parsePull(s string) (pullMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return pullNone, nil
	case "up":
		return pullUp, nil
	case "down":
		return pullDown, nil
	default:
		return pullNone, fmt.Errorf("invalid pull %q (must be none, up, or down)", s)
	}
}

// openHardware builds the inputs and drivers for the configured backend.
// Call Close on the result once every task has stopped.
func openHardware(cfg *Config, logger *slog.Logger) (*Hardware, error) {
	switch cfg.GPIO.Backend {
	case gpioBackendCdev:
		return openCdevHardware(cfg, logger)
	case gpioBackendSim:
		return openSimHardware(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown gpio backend %q", cfg.GPIO.Backend)
	}
}

// openSimHardware builds in-memory lines. Inputs rest at their pulled level
// and are driven through the status server's /sim endpoint.
func openSimHardware(cfg *Config, logger *slog.Logger) *Hardware {
	logger = logger.With("backend", gpioBackendSim)

	buttonPull, _ := parsePull(cfg.Decoder.ButtonPull)
	encoderPull, _ := parsePull(cfg.Decoder.EncoderPull)

	hw := &Hardware{Sim: map[string]*memLine{}}

	button := newMemLine("button", buttonPull == pullUp)
	a := newMemLine("encoder_a", encoderPull == pullUp)
	b := newMemLine("encoder_b", encoderPull == pullUp)
	hw.Button, hw.EncoderA, hw.EncoderB = button, a, b
	for _, l := range []*memLine{button, a, b} {
		hw.Sim[l.name] = l
	}

	if cfg.Decoder.LEDLine >= 0 {
		led := newSimOutputs(logger, []string{ledLine})
		hw.DecoderOutputs = led
		hw.track(led)
	}
	pwm := newSimPWM(logger)
	hw.PWM = pwm
	hw.track(pwm)

	names := make([]string, 0, len(cfg.Dispatcher.Outputs))
	for _, o := range cfg.Dispatcher.Outputs {
		names = append(names, o.Name)
	}
	outs := newSimOutputs(logger, names)
	hw.DispatcherOutputs = outs
	hw.track(outs)

	logger.Info("simulated gpio ready", "inputs", len(hw.Sim), "outputs", len(names))
	return hw
}
