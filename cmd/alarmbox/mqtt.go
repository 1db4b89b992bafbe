package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ============================================================================
// MQTT telemetry
// ============================================================================
// State is mirrored to retained topics under the configured prefix:
//
//   <prefix>/availability  "online" / "offline" (LWT)
//   <prefix>/pwm           {"top":..,"compare":..,"volume_mode":..}
//   <prefix>/mode          "volume" / "range"
//   <prefix>/outputs       "on" / "off"
//
// request_served is not mirrored; it is not state.
// Publishing never blocks the broadcaster: tokens are not waited on.
// ============================================================================

const (
	mqttConnectTimeout = 5 * time.Second
	mqttDisconnectMS   = 250
	mqttQoS            = 0
)

// mqttPublisher is a stateSink backed by a paho client.
type mqttPublisher struct {
	client mqtt.Client
	prefix string
	logger *slog.Logger
}

func (p *mqttPublisher) topic(name string) string {
	return fmt.Sprintf("%s/%s", p.prefix, name)
}

// newMQTTOptions builds client options with an availability LWT.
func newMQTTOptions(cfg MQTTConfig, password string, logger *slog.Logger) *mqtt.ClientOptions {
	availTopic := cfg.TopicPrefix + "/availability"

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetWill(availTopic, "offline", mqttQoS, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker)
		c.Publish(availTopic, mqttQoS, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})
	return opts
}

// connectMQTT starts the client. With ConnectRetry the first connect keeps
// retrying in the background, so a missing broker does not stop the daemon.
func connectMQTT(cfg MQTTConfig, logger *slog.Logger) (*mqttPublisher, error) {
	password := ""
	if cfg.PasswordFile != "" {
		pw, err := readSecretFile(cfg.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt password: %w", err)
		}
		password = pw
	}

	client := mqtt.NewClient(newMQTTOptions(cfg, password, logger))
	token := client.Connect()
	if token.WaitTimeout(mqttConnectTimeout) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}

	return &mqttPublisher{client: client, prefix: cfg.TopicPrefix, logger: logger}, nil
}

// Publish implements stateSink.
func (p *mqttPublisher) Publish(ev stateEvent) {
	topic, payload, ok := p.encode(ev)
	if !ok {
		return
	}
	token := p.client.Publish(topic, mqttQoS, true, payload)
	go func() {
		if token.WaitTimeout(mqttConnectTimeout) && token.Error() != nil {
			p.logger.Debug("mqtt publish failed", "topic", topic, "error", token.Error())
		}
	}()
}

// encode maps a state event to its topic and payload.
func (p *mqttPublisher) encode(ev stateEvent) (string, []byte, bool) {
	switch d := ev.Data.(type) {
	case pwmChangedData:
		b, err := json.Marshal(d)
		if err != nil {
			p.logger.Warn("mqtt marshal failed", "error", err, "type", ev.Type)
			return "", nil, false
		}
		return p.topic("pwm"), b, true
	case modeChangedData:
		return p.topic("mode"), []byte(d.Mode), true
	case outputsChangedData:
		return p.topic("outputs"), []byte(onOff(d.Active)), true
	default:
		return "", nil, false
	}
}

// Close publishes offline and disconnects.
func (p *mqttPublisher) Close() error {
	token := p.client.Publish(p.topic("availability"), mqttQoS, true, "offline")
	token.WaitTimeout(time.Second)
	p.client.Disconnect(mqttDisconnectMS)
	return nil
}

func onOff(active bool) string {
	if active {
		return "on"
	}
	return "off"
}
