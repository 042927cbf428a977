package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traffic-enforcement/internal/config"
)

const publishTimeout = 2 * time.Second

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTDispatcher publishes notifications to {prefix}/{recipient_id}; the
// in-app push service subscribes per user.
type MQTTDispatcher struct {
	client publisher
	prefix string
	log    zerolog.Logger
}

func NewMQTTDispatcher(client publisher, prefix string, log zerolog.Logger) *MQTTDispatcher {
	return &MQTTDispatcher{
		client: client,
		prefix: prefix,
		log:    log.With().Str("component", "notify_mqtt").Logger(),
	}
}

// ConnectMQTT opens an auto-reconnecting client to the configured broker.
func ConnectMQTT(cfg config.MQTTConfig, log zerolog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("mqtt connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}

func (d *MQTTDispatcher) Notify(ctx context.Context, n Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	topic := fmt.Sprintf("%s/%s", d.prefix, n.RecipientID)
	token := d.client.Publish(topic, 1, false, payload)

	timeout := publishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish notification to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish notification to %s: %w", topic, err)
	}

	d.log.Debug().
		Str("topic", topic).
		Str("category", n.Category).
		Msg("notification published")
	return nil
}
