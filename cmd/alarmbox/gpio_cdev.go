//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// ============================================================================
// GPIO character-device backend
// ============================================================================
// Inputs are requested with both-edge detection; the kernel delivers edge
// events to a handler goroutine owned by gpiocdev, which wakes the waiters.
// Outputs are requested low and driven with SetValue.
// ============================================================================

// cdevLine is an input line backed by a GPIO character device request.
type cdevLine struct {
	name string
	line *gpiocdev.Line

	mu    sync.Mutex
	level bool

	subs edgeWaiters
}

func requestInputLine(chip *gpiocdev.Chip, name string, offset int, pull pullMode) (*cdevLine, error) {
	l := &cdevLine{name: name}

	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(l.handleEvent),
	}
	switch pull {
	case pullUp:
		opts = append(opts, gpiocdev.WithPullUp)
	case pullDown:
		opts = append(opts, gpiocdev.WithPullDown)
	}

	line, err := chip.RequestLine(offset, opts...)
	if err != nil {
		return nil, fmt.Errorf("request input %s (line %d): %w", name, offset, err)
	}
	l.line = line

	v, err := line.Value()
	if err != nil {
		_ = line.Close()
		return nil, fmt.Errorf("read input %s (line %d): %w", name, offset, err)
	}
	l.mu.Lock()
	l.level = v != 0
	l.mu.Unlock()

	return l, nil
}

func (l *cdevLine) handleEvent(evt gpiocdev.LineEvent) {
	rising := evt.Type == gpiocdev.LineEventRisingEdge

	l.mu.Lock()
	l.level = rising
	l.mu.Unlock()

	l.subs.notify(rising, rising)
}

// IsHigh reads the line; the last edge seen is used if the read fails.
func (l *cdevLine) IsHigh() bool {
	if l.line != nil {
		if v, err := l.line.Value(); err == nil {
			return v != 0
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *cdevLine) WaitLow(ctx context.Context) error {
	return l.subs.waitLevel(ctx, false, l.IsHigh)
}

func (l *cdevLine) WaitHigh(ctx context.Context) error {
	return l.subs.waitLevel(ctx, true, l.IsHigh)
}

func (l *cdevLine) WaitRisingEdge(ctx context.Context) error {
	return l.subs.waitRising(ctx)
}

func (l *cdevLine) Close() error {
	return l.line.Close()
}

// cdevOutputs drives named output lines and the aux GPIOs.
type cdevOutputs struct {
	logger *slog.Logger

	lines map[string]*gpiocdev.Line
	aux   []*gpiocdev.Line

	auxMissing sync.Once
}

func newCdevOutputs(logger *slog.Logger) *cdevOutputs {
	return &cdevOutputs{logger: logger, lines: make(map[string]*gpiocdev.Line)}
}

func (o *cdevOutputs) addOutput(chip *gpiocdev.Chip, name string, offset int) error {
	line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0))
	if err != nil {
		return fmt.Errorf("request output %s (line %d): %w", name, offset, err)
	}
	o.lines[name] = line
	return nil
}

func (o *cdevOutputs) addAux(chip *gpiocdev.Chip, offset int) error {
	line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0))
	if err != nil {
		return fmt.Errorf("request aux gpio %d (line %d): %w", len(o.aux), offset, err)
	}
	o.aux = append(o.aux, line)
	return nil
}

func (o *cdevOutputs) SetOutput(name string, active bool) error {
	line, ok := o.lines[name]
	if !ok {
		return fmt.Errorf("unknown output %q", name)
	}
	return line.SetValue(boolToLevel(active))
}

// SetAux drives aux GPIO index. Indexes without a configured line are ignored;
// the first such write is reported.
func (o *cdevOutputs) SetAux(index int, active bool) error {
	if index < 0 || index >= len(o.aux) {
		o.auxMissing.Do(func() {
			o.logger.Warn("aux gpio not configured, writes ignored",
				"index", index, "configured", len(o.aux))
		})
		return nil
	}
	return o.aux[index].SetValue(boolToLevel(active))
}

// Close releases every output line, driving none of them.
func (o *cdevOutputs) Close() error {
	var errs []error
	for name, line := range o.lines {
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	for i, line := range o.aux {
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close aux %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func boolToLevel(active bool) int {
	if active {
		return 1
	}
	return 0
}

// openCdevHardware requests every configured line on the GPIO chip and opens
// the PWM channel. Everything opened so far is released on failure.
func openCdevHardware(cfg *Config, logger *slog.Logger) (_ *Hardware, err error) {
	chip, err := gpiocdev.NewChip(cfg.GPIO.Chip, gpiocdev.WithConsumer(cfg.GPIO.Consumer))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", cfg.GPIO.Chip, err)
	}

	hw := &Hardware{}
	hw.track(chip)
	defer func() {
		if err != nil {
			hw.Close(logger)
		}
	}()

	if cfg.Decoder.Enabled {
		buttonPull, _ := parsePull(cfg.Decoder.ButtonPull)
		encoderPull, _ := parsePull(cfg.Decoder.EncoderPull)

		button, err := requestInputLine(chip, "button", cfg.Decoder.ButtonLine, buttonPull)
		if err != nil {
			return nil, err
		}
		hw.track(button)
		a, err := requestInputLine(chip, "encoder_a", cfg.Decoder.EncoderALine, encoderPull)
		if err != nil {
			return nil, err
		}
		hw.track(a)
		b, err := requestInputLine(chip, "encoder_b", cfg.Decoder.EncoderBLine, encoderPull)
		if err != nil {
			return nil, err
		}
		hw.track(b)
		hw.Button, hw.EncoderA, hw.EncoderB = button, a, b

		if cfg.Decoder.LEDLine >= 0 {
			led := newCdevOutputs(logger)
			hw.track(led)
			if err := led.addOutput(chip, ledLine, cfg.Decoder.LEDLine); err != nil {
				return nil, err
			}
			hw.DecoderOutputs = led
		}

		pwm, err := openSysfsPWM(cfg.PWM, logger)
		if err != nil {
			return nil, err
		}
		hw.track(pwm)
		hw.PWM = pwm
	}

	if cfg.Dispatcher.Enabled {
		outs := newCdevOutputs(logger)
		hw.track(outs)
		for _, o := range cfg.Dispatcher.Outputs {
			if err := outs.addOutput(chip, o.Name, o.Line); err != nil {
				return nil, err
			}
		}
		for _, l := range cfg.Dispatcher.AuxLines {
			if err := outs.addAux(chip, l); err != nil {
				return nil, err
			}
		}
		hw.DispatcherOutputs = outs
	}

	logger.Info("gpio chip opened", "chip", cfg.GPIO.Chip, "consumer", cfg.GPIO.Consumer)
	return hw, nil
}
