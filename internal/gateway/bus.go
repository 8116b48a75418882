package gateway

import (
	"sync"

	"go.uber.org/zap"
)

// AlertBus fans alerts out to subscribers over bounded channels. When a
// subscriber falls behind, the oldest queued alert is dropped so the
// admission path never blocks.
type AlertBus struct {
	logger *zap.Logger

	mu          sync.Mutex
	subscribers map[string]chan SecurityAlert
	bufferSize  int
	dropped     uint64
	closed      bool
}

// NewAlertBus creates an alert bus with the given per-subscriber queue size.
func NewAlertBus(bufferSize int, logger *zap.Logger) *AlertBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &AlertBus{
		logger:      logger,
		subscribers: make(map[string]chan SecurityAlert),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a named subscriber and returns its alert channel.
// Re-subscribing under the same name replaces the previous channel.
func (b *AlertBus) Subscribe(name string) <-chan SecurityAlert {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subscribers[name]; ok {
		close(old)
	}

	ch := make(chan SecurityAlert, b.bufferSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[name] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *AlertBus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[name]; ok {
		close(ch)
		delete(b.subscribers, name)
	}
}

// Publish delivers an alert to every subscriber in generation order.
func (b *AlertBus) Publish(alert SecurityAlert) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for name, ch := range b.subscribers {
		select {
		case ch <- alert:
		default:
			// Queue full: drop the oldest and retry once.
			select {
			case <-ch:
				b.dropped++
			default:
			}
			select {
			case ch <- alert:
			default:
				b.dropped++
			}
			b.logger.Debug("Alert subscriber lagging",
				zap.String("subscriber", name),
				zap.Uint64("dropped_total", b.dropped),
			)
		}
	}
}

// Dropped returns how many alerts were discarded due to slow subscribers.
func (b *AlertBus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *AlertBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for name, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, name)
	}
}
