// Package notify hands access-key notifications to the delivery workers.
// Email and WhatsApp sending happen downstream of the message broker.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telehealth/pkg/interfaces"
	"telehealth/pkg/types"
)

// DefaultExchange is the fanout exchange delivery workers bind to.
const DefaultExchange = "telehealth.notifications"

// Notification is the message published for delivery workers.
type Notification struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// BrokerNotifier implements interfaces.Notifier on top of a Publisher.
type BrokerNotifier struct {
	publisher Publisher
	exchange  string
	now       func() time.Time
	logger    zerolog.Logger
}

var _ interfaces.Notifier = (*BrokerNotifier)(nil)

// NewBrokerNotifier publishes notifications to exchange.
func NewBrokerNotifier(publisher Publisher, exchange string) *BrokerNotifier {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &BrokerNotifier{
		publisher: publisher,
		exchange:  exchange,
		now:       time.Now,
		logger:    log.With().Str("component", "notify").Logger(),
	}
}

// SendMessage enqueues one notification. A broker failure is reported as
// upstream unavailable so callers can try another channel.
func (n *BrokerNotifier) SendMessage(ctx context.Context, channel, recipient, body string) error {
	if recipient == "" {
		return fmt.Errorf("%w: recipient is required", types.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := Notification{
		ID:        uuid.NewString(),
		Channel:   channel,
		Recipient: recipient,
		Body:      body,
		CreatedAt: n.now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.publisher.Publish(n.exchange, data); err != nil {
		return fmt.Errorf("%w: publish %s notification: %v", types.ErrUpstreamUnavailable, channel, err)
	}

	n.logger.Debug().Str("notification_id", msg.ID).Str("channel", channel).
		Str("recipient", Mask(recipient)).Msg("notification queued")
	return nil
}

// Close releases the publisher.
func (n *BrokerNotifier) Close() {
	n.publisher.Close()
}

// LogNotifier records notifications in the log instead of sending them. It
// is used when no broker is configured. Bodies carry access codes and are
// never logged.
type LogNotifier struct {
	logger zerolog.Logger
}

var _ interfaces.Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) SendMessage(ctx context.Context, channel, recipient, body string) error {
	n.logger.Info().Str("channel", channel).Str("recipient", Mask(recipient)).
		Int("body_len", len(body)).Msg("notification not sent, no broker configured")
	return nil
}

// Mask hides most of a contact address for logging.
func Mask(contact string) string {
	if at := strings.IndexByte(contact, '@'); at > 0 {
		return contact[:1] + "***" + contact[at:]
	}
	if len(contact) > 4 {
		return "***" + contact[len(contact)-4:]
	}
	return "***"
}
