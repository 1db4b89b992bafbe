package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the alarmbox daemon.
//
// Keep defaults and validation centralized so the rest of the code can assume
// a well-formed config. Line numbers are GPIO character-device offsets.
type Config struct {
	// GPIO backend selection
	GPIO GPIOConfig `yaml:"gpio"`

	// Rotary encoder + mode button
	Decoder DecoderFileConfig `yaml:"decoder"`

	// Buzzer PWM channel
	PWM PWMConfig `yaml:"pwm"`

	// Remote on/off command listener
	Dispatcher DispatcherFileConfig `yaml:"dispatcher"`

	// HTTP status + state websocket
	Status StatusConfig `yaml:"status"`

	// MQTT telemetry
	MQTT MQTTConfig `yaml:"mqtt"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type GPIOConfig struct {
	Backend  string `yaml:"backend"` // "cdev" or "sim"
	Chip     string `yaml:"chip"`
	Consumer string `yaml:"consumer"`
}

type DecoderFileConfig struct {
	Enabled bool `yaml:"enabled"`

	ButtonLine   int    `yaml:"button_line"`
	ButtonPull   string `yaml:"button_pull"` // "none", "up", "down"
	EncoderALine int    `yaml:"encoder_a_line"`
	EncoderBLine int    `yaml:"encoder_b_line"`
	EncoderPull  string `yaml:"encoder_pull"`
	LEDLine      int    `yaml:"led_line"` // <0 disables the status LED

	InitialTop     uint16 `yaml:"initial_top"`
	InitialCompare uint16 `yaml:"initial_compare"`
	Step           uint16 `yaml:"step"`
}

type PWMConfig struct {
	Root    string `yaml:"root"` // sysfs root, normally /sys/class/pwm
	Chip    int    `yaml:"chip"`
	Channel int    `yaml:"channel"`
	TickNS  uint64 `yaml:"tick_ns"` // duration of one counter step
}

type OutputLine struct {
	Name string `yaml:"name"`
	Line int    `yaml:"line"`
}

type DispatcherFileConfig struct {
	Enabled       bool         `yaml:"enabled"`
	Listen        string       `yaml:"listen"`
	Backlog       int          `yaml:"backlog"`
	IdleTimeoutMS int          `yaml:"idle_timeout_ms"`
	BufferSize    int          `yaml:"buffer_size"`
	Outputs       []OutputLine `yaml:"outputs"`
	AuxLines      []int        `yaml:"aux_lines,omitempty"`
}

type StatusConfig struct {
	Listen string `yaml:"listen"` // empty disables the status server
}

type MQTTConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Broker       string `yaml:"broker"`
	ClientID     string `yaml:"client_id"`
	TopicPrefix  string `yaml:"topic_prefix"`
	Username     string `yaml:"username,omitempty"`
	PasswordFile string `yaml:"password_file,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		GPIO: GPIOConfig{
			Backend:  gpioBackendCdev,
			Chip:     "gpiochip0",
			Consumer: "alarmbox",
		},
		Decoder: DecoderFileConfig{
			Enabled:        true,
			ButtonLine:     20,
			ButtonPull:     "down",
			EncoderALine:   16,
			EncoderBLine:   17,
			EncoderPull:    "up",
			LEDLine:        28,
			InitialTop:     defaultPWMTop,
			InitialCompare: defaultPWMCompare,
			Step:           encoderStepMagnitude,
		},
		PWM: PWMConfig{
			Root:    "/sys/class/pwm",
			Chip:    0,
			Channel: 1,
			TickNS:  defaultPWMTickNS,
		},
		Dispatcher: DispatcherFileConfig{
			Enabled:       true,
			Listen:        fmt.Sprintf(":%d", defaultCommandPort),
			Backlog:       defaultListenBacklog,
			IdleTimeoutMS: int(defaultIdleTimeout / time.Millisecond),
			BufferSize:    defaultRequestBufferSize,
			Outputs: []OutputLine{
				{Name: "alarm", Line: 7},
				{Name: "left_eye", Line: 8},
				{Name: "right_eye", Line: 9},
			},
		},
		Status: StatusConfig{
			Listen: ":8080",
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			ClientID:    "alarmbox",
			TopicPrefix: "alarmbox",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Ensure there's no trailing garbage (only whitespace/comments are allowed after the document).
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides carries flags that were explicitly set on the command line.
// A nil pointer means "not set"; a non-nil pointer is applied even if it
// holds a zero value.
type FlagOverrides struct {
	GPIOBackend    *string
	DispatchListen *string
	StatusListen   *string
	LogLevel       *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.GPIOBackend != nil {
		cfg.GPIO.Backend = *o.GPIOBackend
	}
	if o.DispatchListen != nil {
		cfg.Dispatcher.Listen = *o.DispatchListen
	}
	if o.StatusListen != nil {
		cfg.Status.Listen = *o.StatusListen
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// GPIO
	switch c.GPIO.Backend {
	case gpioBackendCdev, gpioBackendSim:
	default:
		return fmt.Errorf("gpio.backend must be %q or %q", gpioBackendCdev, gpioBackendSim)
	}
	if c.GPIO.Backend == gpioBackendCdev && c.GPIO.Chip == "" {
		return errors.New("gpio.chip must not be empty for the cdev backend")
	}

	if !c.Decoder.Enabled && !c.Dispatcher.Enabled {
		return errors.New("at least one of decoder.enabled and dispatcher.enabled must be true")
	}

	// Every line is owned by exactly one task.
	owners := map[int]string{}
	claim := func(line int, who string) error {
		if line < 0 {
			return fmt.Errorf("%s must be >= 0", who)
		}
		if prev, ok := owners[line]; ok {
			return fmt.Errorf("%s reuses line %d already assigned to %s", who, line, prev)
		}
		owners[line] = who
		return nil
	}

	// Decoder
	if c.Decoder.Enabled {
		for _, p := range []struct {
			name string
			pull string
		}{{"decoder.button_pull", c.Decoder.ButtonPull}, {"decoder.encoder_pull", c.Decoder.EncoderPull}} {
			if _, err := parsePull(p.pull); err != nil {
				return fmt.Errorf("%s: %w", p.name, err)
			}
		}
		if err := claim(c.Decoder.ButtonLine, "decoder.button_line"); err != nil {
			return err
		}
		if err := claim(c.Decoder.EncoderALine, "decoder.encoder_a_line"); err != nil {
			return err
		}
		if err := claim(c.Decoder.EncoderBLine, "decoder.encoder_b_line"); err != nil {
			return err
		}
		if c.Decoder.LEDLine >= 0 {
			if err := claim(c.Decoder.LEDLine, "decoder.led_line"); err != nil {
				return err
			}
		}
		if c.Decoder.Step == 0 {
			return errors.New("decoder.step must be > 0")
		}
		if c.PWM.TickNS == 0 {
			return errors.New("pwm.tick_ns must be > 0")
		}
		if c.GPIO.Backend == gpioBackendCdev && c.PWM.Root == "" {
			return errors.New("pwm.root must not be empty for the cdev backend")
		}
	}

	// Dispatcher
	if c.Dispatcher.Enabled {
		if c.Dispatcher.Listen == "" {
			return errors.New("dispatcher.listen must not be empty")
		}
		if c.Dispatcher.Backlog <= 0 {
			return errors.New("dispatcher.backlog must be > 0")
		}
		if c.Dispatcher.IdleTimeoutMS <= 0 {
			return errors.New("dispatcher.idle_timeout_ms must be > 0")
		}
		if c.Dispatcher.BufferSize < minRequestBufferSize {
			return fmt.Errorf("dispatcher.buffer_size must be >= %d", minRequestBufferSize)
		}
		names := map[string]bool{ledLine: true}
		for i, o := range c.Dispatcher.Outputs {
			if o.Name == "" {
				return fmt.Errorf("dispatcher.outputs[%d].name is empty", i)
			}
			if names[o.Name] {
				return fmt.Errorf("dispatcher.outputs[%d].name %q is reserved or duplicated", i, o.Name)
			}
			names[o.Name] = true
			if err := claim(o.Line, fmt.Sprintf("dispatcher.outputs[%d].line", i)); err != nil {
				return err
			}
		}
		for i, l := range c.Dispatcher.AuxLines {
			if err := claim(l, fmt.Sprintf("dispatcher.aux_lines[%d]", i)); err != nil {
				return err
			}
		}
	}

	// MQTT
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.enabled is true but mqtt.broker is empty")
		}
		if c.MQTT.TopicPrefix == "" {
			return errors.New("mqtt.topic_prefix must not be empty")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// ToDecoderConfig converts the file config into the decoder's runtime config.
func (c *Config) ToDecoderConfig() DecoderConfig {
	return DecoderConfig{
		Initial: PwmParameters{Top: c.Decoder.InitialTop, Compare: c.Decoder.InitialCompare},
		Step:    c.Decoder.Step,
	}
}

// ToDispatcherConfig converts the file config into the dispatcher's runtime config.
func (c *Config) ToDispatcherConfig() DispatcherConfig {
	names := make([]string, 0, len(c.Dispatcher.Outputs))
	for _, o := range c.Dispatcher.Outputs {
		names = append(names, o.Name)
	}
	return DispatcherConfig{
		Listen:      c.Dispatcher.Listen,
		Backlog:     c.Dispatcher.Backlog,
		IdleTimeout: time.Duration(c.Dispatcher.IdleTimeoutMS) * time.Millisecond,
		BufferSize:  c.Dispatcher.BufferSize,
		Outputs:     names,
	}
}

// readSecretFile returns the trimmed content of a credentials file.
func readSecretFile(path string) (string, error) {
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
