package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ============================================================================
// sysfs PWM driver
// ============================================================================
// The decoder thinks in counter units: Top is the last counter value of a
// period and Compare the value below which the output is high. sysfs thinks in
// nanoseconds, so both are scaled by the configured tick:
//
//   period     = (Top + 1) * tick
//   duty_cycle = min(Compare, Top + 1) * tick
//
// A Compare above Top therefore means "always on", matching a hardware slice.
// The kernel rejects any write that leaves duty_cycle above period, so the
// order of the two writes depends on whether the period grows or shrinks.
// ============================================================================

const (
	pwmExportWait = 1 * time.Second
	pwmExportPoll = 10 * time.Millisecond
)

type sysfsPWM struct {
	dir    string
	tickNS uint64
	logger *slog.Logger

	periodNS uint64
	dutyNS   uint64
	enabled  bool
}

// openSysfsPWM exports the channel if needed and parks it at duty 0.
func openSysfsPWM(cfg PWMConfig, logger *slog.Logger) (*sysfsPWM, error) {
	chipDir := filepath.Join(cfg.Root, fmt.Sprintf("pwmchip%d", cfg.Chip))
	dir := filepath.Join(chipDir, fmt.Sprintf("pwm%d", cfg.Channel))

	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		if err := writeSysfs(filepath.Join(chipDir, "export"), strconv.Itoa(cfg.Channel)); err != nil {
			return nil, fmt.Errorf("export pwm channel %d: %w", cfg.Channel, err)
		}
		if err := waitForDir(dir, pwmExportWait); err != nil {
			return nil, err
		}
		logger.Debug("pwm channel exported", "dir", dir)
	} else if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}

	p := &sysfsPWM{dir: dir, tickNS: cfg.TickNS, logger: logger}

	// duty 0 is valid for any period, so every later write order is well defined.
	if err := p.write("duty_cycle", 0); err != nil {
		return nil, err
	}
	if v, err := readSysfsUint(filepath.Join(dir, "period")); err == nil {
		p.periodNS = v
	}

	logger.Info("pwm channel opened", "dir", dir, "tick_ns", cfg.TickNS)
	return p, nil
}

// pwmTiming converts counter units to nanoseconds.
func pwmTiming(top, compare uint16, tickNS uint64) (periodNS, dutyNS uint64) {
	cycles := uint64(top) + 1
	periodNS = cycles * tickNS
	dutyNS = min(uint64(compare), cycles) * tickNS
	return periodNS, dutyNS
}

func (p *sysfsPWM) SetPWM(top, compare uint16) error {
	period, duty := pwmTiming(top, compare, p.tickNS)

	if period >= p.periodNS {
		if err := p.write("period", period); err != nil {
			return err
		}
		if err := p.write("duty_cycle", duty); err != nil {
			return err
		}
	} else {
		if err := p.write("duty_cycle", duty); err != nil {
			return err
		}
		if err := p.write("period", period); err != nil {
			return err
		}
	}
	p.periodNS, p.dutyNS = period, duty

	if !p.enabled {
		if err := writeSysfs(filepath.Join(p.dir, "enable"), "1"); err != nil {
			return fmt.Errorf("enable pwm: %w", err)
		}
		p.enabled = true
	}
	return nil
}

// Close disables the channel; it stays exported.
func (p *sysfsPWM) Close() error {
	if !p.enabled {
		return nil
	}
	p.enabled = false
	return writeSysfs(filepath.Join(p.dir, "enable"), "0")
}

func (p *sysfsPWM) write(attr string, v uint64) error {
	if err := writeSysfs(filepath.Join(p.dir, attr), strconv.FormatUint(v, 10)); err != nil {
		return fmt.Errorf("write pwm %s=%d: %w", attr, v, err)
	}
	return nil
}

func writeSysfs(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func readSysfsUint(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(bytes.TrimSpace(b)), 10, 64)
}

// waitForDir polls until udev has created the exported channel directory.
func waitForDir(dir string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(dir); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("pwm channel %s did not appear within %s", dir, timeout)
		}
		time.Sleep(pwmExportPoll)
	}
}
