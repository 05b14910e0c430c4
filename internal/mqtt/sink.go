package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/ampere/internal/config"
	"github.com/nugget/ampere/internal/events"
)

// ErrNotStarted is returned when publishing before Start.
var ErrNotStarted = errors.New("mqtt sink not started")

// publisher is satisfied by *autopaho.ConnectionManager.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Sink publishes conversation_finished events to the configured topic.
// It implements events.Sink.
type Sink struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	logger     *slog.Logger

	mu  sync.RWMutex
	cm  *autopaho.ConnectionManager
	pub publisher
}

// New creates a Sink but does not connect. Call [Sink.Start].
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and waits up to 30 seconds for the
// first connection. autopaho keeps retrying in the background after
// that, so a slow broker is logged rather than returned.
func (s *Sink) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   s.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker)
			s.publishDiscovery(ctx, cm)
			s.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.cfg.ClientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.mu.Lock()
	s.cm, s.pub = cm, cm
	s.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		s.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes "offline" and disconnects.
func (s *Sink) Stop(ctx context.Context) error {
	s.mu.RLock()
	cm := s.cm
	s.mu.RUnlock()
	if cm == nil {
		return nil
	}
	s.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used as a reachability probe.
func (s *Sink) AwaitConnection(ctx context.Context) error {
	s.mu.RLock()
	cm := s.cm
	s.mu.RUnlock()
	if cm == nil {
		return ErrNotStarted
	}
	return cm.AwaitConnection(ctx)
}

// conversationPayload is the retained message published per exchange.
type conversationPayload struct {
	ConversationID string    `json:"conversation_id"`
	Response       string    `json:"response"`
	UserInput      string    `json:"user_input"`
	Timestamp      time.Time `json:"timestamp"`
	Messages       any       `json:"messages,omitempty"`
}

func payloadFor(e events.Event) ([]byte, error) {
	str := func(k string) string {
		v, _ := e.Data[k].(string)
		return v
	}
	return json.Marshal(conversationPayload{
		ConversationID: str("conversation_id"),
		Response:       str("response"),
		UserInput:      str("user_input"),
		Timestamp:      e.Timestamp,
		Messages:       e.Data["messages"],
	})
}

// Deliver implements events.Sink. Kinds other than
// conversation_finished are ignored.
func (s *Sink) Deliver(ctx context.Context, e events.Event) error {
	if e.Kind != events.KindConversationFinished {
		return nil
	}
	s.mu.RLock()
	pub := s.pub
	s.mu.RUnlock()
	if pub == nil {
		return ErrNotStarted
	}

	payload, err := payloadFor(e)
	if err != nil {
		return fmt.Errorf("encode conversation payload: %w", err)
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   s.cfg.Topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", s.cfg.Topic, err)
	}
	s.logger.Debug("conversation published", "topic", s.cfg.Topic, "bytes", len(payload))
	return nil
}

func (s *Sink) availabilityTopic() string {
	return "ampere/" + s.cfg.DeviceName + "/availability"
}

func (s *Sink) discoveryTopic() string {
	return s.cfg.DiscoveryPrefix + "/sensor/" + s.cfg.DeviceName + "/last_conversation/config"
}

// lastConversationSensor describes a sensor whose state is the latest
// response (HA caps states at 255 characters) and whose attributes
// carry the rest of the payload.
func (s *Sink) lastConversationSensor() SensorConfig {
	return SensorConfig{
		Name:                   s.device.Name + " Last Conversation",
		UniqueID:               s.instanceID + "_last_conversation",
		StateTopic:             s.cfg.Topic,
		AvailabilityTopic:      s.availabilityTopic(),
		JSONAttributesTopic:    s.cfg.Topic,
		JSONAttributesTemplate: `{{ {"conversation_id": value_json.conversation_id, "user_input": value_json.user_input, "timestamp": value_json.timestamp} | tojson }}`,
		ValueTemplate:          "{{ value_json.response[:255] }}",
		Device:                 s.device,
		Icon:                   "mdi:lightning-bolt-circle",
	}
}

func (s *Sink) publishDiscovery(ctx context.Context, pub publisher) {
	payload, err := json.Marshal(s.lastConversationSensor())
	if err != nil {
		s.logger.Error("mqtt marshal discovery payload", "error", err)
		return
	}
	topic := s.discoveryTopic()
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("mqtt discovery publish failed", "topic", topic, "error", err)
		return
	}
	s.logger.Debug("mqtt discovery published", "topic", topic)
}

func (s *Sink) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   s.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	s.logger.Info("mqtt availability published", "status", status)
}
