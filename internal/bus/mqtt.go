package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/blakebauman/fleetd/internal/collab"
)

// MQTTBus publishes bus messages to an MQTT broker. The connection is
// managed by autopaho and reconnects in the background; sends while
// disconnected fail fast and are logged by the caller's policy.
type MQTTBus struct {
	topicPrefix string
	logger      *slog.Logger
	cm          *autopaho.ConnectionManager
}

// NewMQTT connects to the broker at brokerURL (tcp:// or mqtts://) and
// returns a bus. The context governs the connection manager's lifetime.
func NewMQTT(ctx context.Context, brokerURL, clientID, topicPrefix string, logger *slog.Logger) (*MQTTBus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{u},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqtt connected to broker", "broker", brokerURL)
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}
	if u.Scheme == "mqtts" || u.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	// Wait briefly for the initial connection; autopaho keeps retrying
	// in the background if this times out.
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	return &MQTTBus{topicPrefix: topicPrefix, logger: logger, cm: cm}, nil
}

// Send publishes one JSON payload to topicPrefix+topic at QoS 0.
func (b *MQTTBus) Send(ctx context.Context, topic string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.topicPrefix + topic,
		Payload: data,
		QoS:     0,
	}); err != nil {
		b.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (b *MQTTBus) Close(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	return b.cm.Disconnect(ctx)
}

var _ collab.MessageBus = (*MQTTBus)(nil)
