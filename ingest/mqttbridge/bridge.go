// Package mqttbridge subscribes to an MQTT broker and feeds inbound
// publishes into the gateway. The MQTT username carries the credential
// id; broker-level connectivity is the broker's concern, admission is
// still the gateway's.
package mqttbridge

import (
	"context"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/gateway"
)

// Ingestor is the gateway surface the bridge needs
type Ingestor interface {
	Accept(ctx context.Context, credentialID, topic string, payload []byte) (gateway.Outcome, error)
}

// Config holds bridge settings
type Config struct {
	Broker   string   `json:"broker"`
	ClientID string   `json:"client_id"`
	Topics   []string `json:"topics"`
	QoS      byte     `json:"qos"`
}

// Bridge connects the broker to the gateway
type Bridge struct {
	config   Config
	ingestor Ingestor
	logger   *slog.Logger
	client   mqtt.Client
}

// New creates an unconnected bridge
func New(config Config, ingestor Ingestor, logger *slog.Logger) (*Bridge, error) {
	if config.Broker == "" {
		return nil, errors.Wrap(errors.ErrMissingConfig, "Bridge", "New", "broker required")
	}
	if config.ClientID == "" {
		config.ClientID = "fleetstream-bridge"
	}
	if len(config.Topics) == 0 {
		config.Topics = []string{"#"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{config: config, ingestor: ingestor, logger: logger}, nil
}

// Start connects and subscribes. Subscriptions are re-established on
// reconnect through the OnConnect hook.
func (b *Bridge) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.config.Broker).
		SetClientID(b.config.ClientID).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	opts.OnConnect = func(client mqtt.Client) {
		b.logger.Info("mqtt broker connected", "broker", b.config.Broker)
		for _, topic := range b.config.Topics {
			if token := client.Subscribe(topic, b.config.QoS, b.handle); token.Wait() && token.Error() != nil {
				b.logger.Error("mqtt subscribe failed", "topic", topic, "error", token.Error())
			}
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		b.logger.Warn("mqtt connection lost", "error", err)
	}

	b.client = mqtt.NewClient(opts)

	token := b.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Bridge", "Start", "broker connect")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "Bridge", "Start", "broker connect")
	}
	return nil
}

// Stop disconnects from the broker, allowing in-flight handlers to finish
func (b *Bridge) Stop(timeout time.Duration) error {
	if b.client == nil {
		return nil
	}
	b.client.Disconnect(uint(timeout.Milliseconds()))
	b.logger.Info("mqtt bridge stopped")
	return nil
}

// handle maps one broker message into a gateway publish. The MQTT
// username is not available per message, so devices put their credential
// id in the first topic level under "ingest":
// ingest/<credential>/<device topic...>.
func (b *Bridge) handle(_ mqtt.Client, msg mqtt.Message) {
	credentialID, deviceTopic, ok := splitIngestTopic(msg.Topic())
	if !ok {
		b.logger.Debug("mqtt message on unroutable topic", "topic", msg.Topic())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := b.ingestor.Accept(ctx, credentialID, deviceTopic, msg.Payload()); err != nil {
		b.logger.Debug("mqtt publish rejected",
			"topic", deviceTopic,
			"error", err,
		)
	}
}

// splitIngestTopic extracts credential and device topic from
// ingest/<credential>/<rest>.
func splitIngestTopic(topic string) (credentialID, deviceTopic string, ok bool) {
	const prefix = "ingest/"
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := topic[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			if i == 0 || i == len(rest)-1 {
				return "", "", false
			}
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}
