package metriclog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tsawler/lesion-distill/training"
)

// Publisher is the part of mqtt.Client the sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTConfig configures the broker connection and topic.
type MQTTConfig struct {
	Broker   string        `yaml:"broker"`
	ClientID string        `yaml:"client_id"`
	Topic    string        `yaml:"topic"`
	QoS      byte          `yaml:"qos"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.Topic == "" {
		c.Topic = "lesion-distill/metrics"
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	return c
}

// MQTTSink publishes each epoch record as JSON to <topic>/<run id>/<phase>.
type MQTTSink struct {
	pub    Publisher
	client mqtt.Client
	cfg    MQTTConfig
	runID  string

	mu        sync.Mutex
	published uint64
	errors    uint64
}

// NewMQTTSink wraps an existing publisher.
func NewMQTTSink(pub Publisher, cfg MQTTConfig, runID string) *MQTTSink {
	return &MQTTSink{pub: pub, cfg: cfg.withDefaults(), runID: runID}
}

// DialMQTT connects to the broker with automatic reconnection. Connection
// events are logged to logger, or to slog.Default when it is nil.
func DialMQTT(ctx context.Context, cfg MQTTConfig, runID string, logger *slog.Logger) (*MQTTSink, error) {
	cfg = cfg.withDefaults()
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker address is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "lesion-distill-" + runID
	}
	opts := clientOptions(cfg, logger)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("mqtt connection to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	s := NewMQTTSink(client, cfg, runID)
	s.client = client
	return s, nil
}

func clientOptions(cfg MQTTConfig, logger *slog.Logger) *mqtt.ClientOptions {
	if logger == nil {
		logger = slog.Default()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", cfg.Broker)
	}
	return opts
}

// Topic returns the topic records for phase are published to.
func (s *MQTTSink) Topic(phase training.Phase) string {
	return fmt.Sprintf("%s/%s/%s", s.cfg.Topic, s.runID, phase)
}

// Write publishes entry and waits for the broker acknowledgement.
func (s *MQTTSink) Write(ctx context.Context, entry training.EpochEntry) error {
	payload, err := json.Marshal(newPayload(s.runID, entry, time.Now()))
	if err != nil {
		return s.fail(fmt.Errorf("marshal metrics: %w", err))
	}

	topic := s.Topic(entry.Phase)
	token := s.pub.Publish(topic, s.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return s.fail(ctx.Err())
	case <-time.After(s.cfg.Timeout):
		return s.fail(fmt.Errorf("publish to %s timed out", topic))
	}
	if err := token.Error(); err != nil {
		return s.fail(fmt.Errorf("publish to %s failed: %w", topic, err))
	}

	s.mu.Lock()
	s.published++
	s.mu.Unlock()
	slog.Debug("metrics published", "topic", topic, "qos", s.cfg.QoS, "size", len(payload))
	return nil
}

func (s *MQTTSink) fail(err error) error {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
	return err
}

// Stats returns the number of successful and failed publishes.
func (s *MQTTSink) Stats() (published, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published, s.errors
}

// Close disconnects a client created by DialMQTT.
func (s *MQTTSink) Close() error {
	if s.client != nil {
		s.client.Disconnect(250)
	}
	return nil
}
