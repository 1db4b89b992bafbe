package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ============================================================================
// Simulated GPIO backend
// ============================================================================
// Used with gpio.backend=sim on hosts without a GPIO character device, and by
// the tests as a scripted event source. Inputs never change on their own;
// outputs and PWM writes are recorded and logged.
// ============================================================================

// memLine is an in-memory input line.
type memLine struct {
	name string

	mu    sync.Mutex
	level bool

	subs edgeWaiters
}

func newMemLine(name string, initial bool) *memLine {
	return &memLine{name: name, level: initial}
}

// Set drives the line to level and wakes matching waiters.
func (l *memLine) Set(level bool) {
	l.mu.Lock()
	prev := l.level
	l.level = level
	l.mu.Unlock()

	if prev == level {
		return
	}
	l.subs.notify(level, !prev && level)
}

// Pulse produces one rising edge and returns the line low.
func (l *memLine) Pulse() {
	l.Set(false)
	l.Set(true)
	l.Set(false)
}

func (l *memLine) IsHigh() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *memLine) WaitLow(ctx context.Context) error {
	return l.subs.waitLevel(ctx, false, l.IsHigh)
}

func (l *memLine) WaitHigh(ctx context.Context) error {
	return l.subs.waitLevel(ctx, true, l.IsHigh)
}

func (l *memLine) WaitRisingEdge(ctx context.Context) error {
	return l.subs.waitRising(ctx)
}

func (l *memLine) pending() int { return l.subs.count() }

// simOutputs records digital output writes.
type simOutputs struct {
	logger *slog.Logger

	mu    sync.Mutex
	lines map[string]bool
	aux   map[int]bool
	fail  error
}

func newSimOutputs(logger *slog.Logger, names []string) *simOutputs {
	s := &simOutputs{
		logger: logger,
		lines:  make(map[string]bool, len(names)),
		aux:    make(map[int]bool),
	}
	for _, n := range names {
		s.lines[n] = false
	}
	return s
}

func (s *simOutputs) SetOutput(line string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if _, ok := s.lines[line]; !ok {
		return fmt.Errorf("unknown output %q", line)
	}
	s.lines[line] = active
	s.logger.Debug("sim output", "line", line, "active", active)
	return nil
}

func (s *simOutputs) SetAux(index int, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.aux[index] = active
	s.logger.Debug("sim aux gpio", "index", index, "active", active)
	return nil
}

func (s *simOutputs) Close() error { return nil }

func (s *simOutputs) output(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines[line]
}

func (s *simOutputs) auxLevel(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aux[index]
}

// simPWM records PWM parameter writes.
type simPWM struct {
	logger *slog.Logger

	mu     sync.Mutex
	writes []PwmParameters
}

func newSimPWM(logger *slog.Logger) *simPWM {
	return &simPWM{logger: logger}
}

func (p *simPWM) SetPWM(top, compare uint16) error {
	p.mu.Lock()
	p.writes = append(p.writes, PwmParameters{Top: top, Compare: compare})
	p.mu.Unlock()
	p.logger.Debug("sim pwm", "top", top, "compare", compare)
	return nil
}

func (p *simPWM) Close() error { return nil }

func (p *simPWM) history() []PwmParameters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PwmParameters(nil), p.writes...)
}

func (p *simPWM) last() (PwmParameters, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.writes) == 0 {
		return PwmParameters{}, false
	}
	return p.writes[len(p.writes)-1], true
}
