package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/config"
)

const publishTimeout = 2 * time.Second

// MQTTSink publishes pipe events to an MQTT broker as msgpack payloads on
// {topic_prefix}/{kind}/{pipe}.
type MQTTSink struct {
	cfg      config.MQTTConfig
	clientID string
	log      *slog.Logger
	client   mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// MQTTStats contains sink statistics.
type MQTTStats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// NewMQTTSink creates a disconnected sink.
func NewMQTTSink(cfg config.MQTTConfig, clientID string, log *slog.Logger) *MQTTSink {
	if log == nil {
		log = slog.Default()
	}
	return &MQTTSink{
		cfg:       cfg,
		clientID:  clientID,
		log:       log,
		published: make(map[string]uint64),
	}
}

// newMQTTSinkWithClient is used by tests to inject a client.
func newMQTTSinkWithClient(cfg config.MQTTConfig, client mqtt.Client, log *slog.Logger) *MQTTSink {
	s := NewMQTTSink(cfg, "test", log)
	s.client = client
	s.connected = client.IsConnected()
	return s
}

// Connect establishes the broker connection. The client reconnects on its
// own after a loss.
func (s *MQTTSink) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", s.cfg.Broker))
	opts.SetClientID(s.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		s.setConnected(true)
		s.log.Info("camctrl: mqtt connection established", "broker", s.cfg.Broker, "client_id", s.clientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.setConnected(false)
		s.log.Warn("camctrl: mqtt connection lost, will auto-reconnect", "broker", s.cfg.Broker, "error", err)
	}

	s.client = mqtt.NewClient(opts)
	s.log.Info("camctrl: connecting to mqtt broker", "broker", s.cfg.Broker)

	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt connect: %w", ctx.Err())
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	s.setConnected(true)
	return nil
}

// Publish sends one event.
func (s *MQTTSink) Publish(ev Event) error {
	if !s.isConnected() {
		s.countError()
		return ErrNotConnected
	}

	payload, err := ev.Marshal()
	if err != nil {
		s.countError()
		return err
	}

	topic := s.Topic(ev)
	qos := s.cfg.QoS[ev.Kind.String()]
	token := s.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		s.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		s.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	s.mu.Lock()
	s.published[topic]++
	s.mu.Unlock()

	s.log.Debug("camctrl: event published", "topic", topic, "qos", qos, "size", len(payload))
	return nil
}

// Topic returns the topic ev is published on.
func (s *MQTTSink) Topic(ev Event) string {
	return fmt.Sprintf("%s/%s/%s", s.cfg.TopicPrefix, ev.Kind, ev.Pipe)
}

// Forward publishes every event from ch until ch closes or ctx is done.
// Publish errors are logged and counted, never fatal.
func (s *MQTTSink) Forward(ctx context.Context, ch <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := s.Publish(ev); err != nil {
				s.log.Debug("camctrl: event not published", "kind", ev.Kind.String(), "pipe", ev.Pipe, "error", err)
			}
		}
	}
}

// Disconnect closes the broker connection.
func (s *MQTTSink) Disconnect() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
		s.log.Info("camctrl: mqtt disconnected")
	}
	s.setConnected(false)
}

// Stats returns sink statistics.
func (s *MQTTSink) Stats() MQTTStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	published := make(map[string]uint64, len(s.published))
	for k, v := range s.published {
		published[k] = v
	}
	return MQTTStats{Connected: s.connected, Published: published, Errors: s.errors}
}

func (s *MQTTSink) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *MQTTSink) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *MQTTSink) countError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}
