// Package alerts forwards account events to a Telegram chat.
package alerts

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/lotbot/internal/events"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// messagesPerMinute keeps the bot well below the Telegram per-chat limit.
const messagesPerMinute = 20

// Sender is the part of the Telegram bot API the notifier needs.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Notifier sends selected account events to one chat.
type Notifier struct {
	sender  Sender
	chatID  int64
	limiter *rate.Limiter
	kinds   map[events.Kind]struct{}
	logger  *zap.Logger
}

// NewTelegram connects a bot with the given token.
func NewTelegram(token string, chatID int64, logger *zap.Logger) (*Notifier, error) {
	if token == "" {
		return nil, errors.New("telegram bot token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := bot.New(token)
	if err != nil {
		return nil, errors.Wrap(err, "create telegram bot")
	}
	return NewNotifier(b, chatID, logger), nil
}

// NewNotifier creates a notifier over any sender. By default it forwards everything
// except order fills.
func NewNotifier(sender Sender, chatID int64, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		sender:  sender,
		chatID:  chatID,
		limiter: rate.NewLimiter(rate.Limit(float64(messagesPerMinute)/60), messagesPerMinute),
		kinds: map[events.Kind]struct{}{
			events.KindBuyPause:       {},
			events.KindBreakerTripped: {},
			events.KindBreakerReset:   {},
			events.KindLedgerFault:    {},
		},
		logger: logger,
	}
}

// WithFills also forwards order fill events.
func (n *Notifier) WithFills() *Notifier {
	n.kinds[events.KindOrderFilled] = struct{}{}
	return n
}

// Run forwards events from the broadcaster until ctx is done.
func (n *Notifier) Run(ctx context.Context, bus *events.Broadcaster) error {
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := n.Notify(ctx, ev); err != nil {
				n.logger.Warn("failed to send alert", zap.String("kind", string(ev.Kind)), zap.Error(err))
			}
		}
	}
}

// Notify sends one event if its kind is forwarded. It waits for the rate limiter.
func (n *Notifier) Notify(ctx context.Context, ev events.AccountEvent) error {
	if _, ok := n.kinds[ev.Kind]; !ok {
		return nil
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "alert rate limit")
	}
	_, err := n.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: n.chatID,
		Text:   Format(ev),
	})
	return errors.Wrap(err, "send telegram message")
}

// Format renders an event as a short plain text message.
func Format(ev events.AccountEvent) string {
	var sb strings.Builder
	sb.WriteString(ev.Timestamp.UTC().Format("2006-01-02 15:04:05"))
	sb.WriteString(" [")
	sb.WriteString(ev.AccountID)
	if ev.Pair != "" {
		sb.WriteString(" ")
		sb.WriteString(ev.Pair)
	}
	sb.WriteString("] ")

	switch ev.Kind {
	case events.KindBuyPause:
		fmt.Fprintf(&sb, "buying %s -> %s", ev.From, ev.To)
		if ev.Message != "" {
			fmt.Fprintf(&sb, " (%s)", ev.Message)
		}
	case events.KindBreakerTripped:
		fmt.Fprintf(&sb, "circuit breaker TRIPPED: %s", ev.Message)
	case events.KindBreakerReset:
		sb.WriteString("circuit breaker reset")
	case events.KindLedgerFault:
		fmt.Fprintf(&sb, "ledger fault: %s", ev.Message)
	default:
		fmt.Fprintf(&sb, "%s: %s", ev.Kind, ev.Message)
	}
	return sb.String()
}
