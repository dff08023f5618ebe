// Package events fans out account events to in-process subscribers.
package events

import (
	"sync"
	"time"
)

// Kind classifies an account event.
type Kind string

const (
	KindBuyPause       Kind = "buy_pause"
	KindBreakerTripped Kind = "breaker_tripped"
	KindBreakerReset   Kind = "breaker_reset"
	KindLedgerFault    Kind = "ledger_fault"
	KindOrderFilled    Kind = "order_filled"
)

// AccountEvent is something that happened to an account.
// Amounts are strings so consumers never round them.
type AccountEvent struct {
	Timestamp time.Time `json:"ts"`
	AccountID string    `json:"account_id"`
	Pair      string    `json:"pair"`
	Kind      Kind      `json:"kind"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Broadcaster fans out events to all subscribers via buffered channels.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan AccountEvent]struct{}
	buffer int
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[chan AccountEvent]struct{}),
		buffer: buffer,
	}
}

// Publish sends the event to all subscribers, dropping it for slow readers.
func (b *Broadcaster) Publish(e AccountEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop slow consumer
		}
	}
}

// Subscribe returns a channel that receives events until Unsubscribe is called.
func (b *Broadcaster) Subscribe() chan AccountEvent {
	ch := make(chan AccountEvent, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *Broadcaster) Unsubscribe(ch chan AccountEvent) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
