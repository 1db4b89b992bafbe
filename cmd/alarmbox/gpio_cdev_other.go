//go:build !linux

package main

import (
	"errors"
	"log/slog"
)

func openCdevHardware(_ *Config, _ *slog.Logger) (*Hardware, error) {
	return nil, errors.New("gpio.backend=cdev requires linux; use gpio.backend=sim")
}
