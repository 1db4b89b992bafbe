package main

import "time"

// Version is reported by -version.
const version = "0.3.0"

// GPIO backends
const (
	gpioBackendCdev = "cdev"
	gpioBackendSim  = "sim"
)

// PWM defaults
const (
	// Power-on parameters: full-range period, quiet duty.
	defaultPWMTop     uint16 = 0xFFFF
	defaultPWMCompare uint16 = 0x00EF

	// One counter step at the reference 125 MHz system clock (divider 1).
	defaultPWMTickNS = 8
)

// Command listener defaults
const (
	defaultCommandPort       = 1234
	defaultListenBacklog     = 1
	defaultIdleTimeout       = 10 * time.Second
	defaultRequestBufferSize = 4096

	// Smallest buffer that still holds a plausible request line.
	minRequestBufferSize = 64
)

// Telemetry defaults
const (
	// telemetryQueueSize bounds events in flight from the tasks to the broadcaster.
	telemetryQueueSize = 64

	// pwmCoalesceWindow is the maximum time window during which bursty PWM
	// updates are coalesced (latest-wins) before publishing.
	pwmCoalesceWindow = 50 * time.Millisecond
)
