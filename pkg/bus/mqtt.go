package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nicktill/tinyforecast/pkg/logger"
)

// envelope carries properties alongside the payload, since MQTT 3.1.1 has
// no user properties.
type envelope struct {
	UserProperties map[string]string `json:"user_properties,omitempty"`
	Payload        json.RawMessage   `json:"payload"`
}

// MQTTConfig configures the MQTT publisher
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// MQTT publishes over an MQTT broker.
type MQTT struct {
	client mqtt.Client
	qos    byte
	log    *logger.Logger
}

// NewMQTT connects to the broker
func NewMQTT(ctx context.Context, cfg MQTTConfig, log *logger.Logger) (*MQTT, error) {
	log = log.With("component", "bus.mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID + "-" + time.Now().Format("20060102150405"))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info("mqtt connected", "broker", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", "error", err)
	}

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return &MQTT{client: client, qos: cfg.QoS, log: log}, nil
}

// Publish sends msg wrapped in a JSON envelope
func (m *MQTT) Publish(ctx context.Context, msg Message) error {
	body, err := encodeEnvelope(msg)
	if err != nil {
		return err
	}
	return wait(ctx, m.client.Publish(msg.Topic, m.qos, false, body))
}

func encodeEnvelope(msg Message) ([]byte, error) {
	payload := json.RawMessage(msg.Payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(msg.Payload))
		if err != nil {
			return nil, err
		}
		payload = quoted
	}
	return json.Marshal(envelope{UserProperties: msg.Properties, Payload: payload})
}

// Close disconnects, allowing in-flight messages 250ms to drain
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
