// Package transport connects the server to the gateway MQTT broker:
// it subscribes to the gateway topics, feeds inbound records to the
// dispatcher, and publishes the violation feed.
package transport

import (
	"context"
	"fmt"
	"strings"

	"lbeacon-tracking-server/internal/dispatcher"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// topicKinds maps the final topic segment to the dispatcher kind.
var topicKinds = map[string]dispatcher.MessageKind{
	"tracking":      dispatcher.KindTracking,
	"registration":  dispatcher.KindGatewayRegistration,
	"beacons":       dispatcher.KindBeaconRegistration,
	"health":        dispatcher.KindGatewayHealth,
	"beacon-health": dispatcher.KindBeaconHealth,
}

// Config carries the broker settings.
type Config struct {
	BrokerURL string
	ClientID  string
	FeedTopic string
}

// Client wraps the paho connection.
type Client struct {
	cfg    Config
	disp   *dispatcher.Dispatcher
	logger *zap.Logger
	client mqtt.Client
}

func NewClient(cfg Config, disp *dispatcher.Dispatcher, logger *zap.Logger) *Client {
	return &Client{cfg: cfg, disp: disp, logger: logger}
}

// Connect dials the broker and subscribes to every gateway topic.
// Subscriptions survive reconnects via the paho resume option.
func (c *Client) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(fmt.Sprintf("%s-%s", c.cfg.ClientID, uuid.NewString()[:8])).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetResumeSubs(true)

	opts.OnConnect = func(client mqtt.Client) {
		c.logger.Info("Connected to MQTT broker", zap.String("broker", c.cfg.BrokerURL))
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		c.logger.Warn("MQTT connection lost", zap.Error(err))
	}

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to broker %s: %w", c.cfg.BrokerURL, err)
	}

	for suffix, kind := range topicKinds {
		topic := "gateway/+/" + suffix
		sub := c.client.Subscribe(topic, 1, func(client mqtt.Client, msg mqtt.Message) {
			c.handle(kind, msg)
		})
		sub.Wait()
		if err := sub.Error(); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		c.logger.Debug("Subscribed to gateway topic", zap.String("topic", topic))
	}
	return nil
}

// handle extracts the gateway address from the topic's middle segment
// and hands the payload to the dispatcher. Submit blocks when all
// workers are busy, which pushes backpressure onto the broker session.
func (c *Client) handle(kind dispatcher.MessageKind, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != 3 {
		c.logger.Warn("Unexpected topic shape", zap.String("topic", msg.Topic()))
		return
	}

	err := c.disp.Submit(context.Background(), dispatcher.Message{
		Kind:      kind,
		GatewayIP: parts[1],
		Payload:   msg.Payload(),
	})
	if err != nil {
		c.logger.Error("Message submit failed",
			zap.String("topic", msg.Topic()),
			zap.Error(err),
		)
	}
}

// PublishViolations sends one drained feed batch to the feed topic.
func (c *Client) PublishViolations(feed string) error {
	if feed == "" {
		return nil
	}
	token := c.client.Publish(c.cfg.FeedTopic, 1, false, feed)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing violation feed: %w", err)
	}
	c.logger.Debug("Violation feed published", zap.Int("bytes", len(feed)))
	return nil
}

// Disconnect waits briefly for in-flight publishes, then drops the
// connection.
func (c *Client) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	c.logger.Info("Disconnected from MQTT broker")
}
