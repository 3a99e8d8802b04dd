package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashita-ai/renkei/internal/bus"
	"github.com/ashita-ai/renkei/internal/model"
)

// observerID is the broker's identity on the bus. Broadcast traffic — alerts
// and status updates — reaches it like any other registered participant.
const observerID model.AgentID = "gateway-observer"

// Broker fans out bus broadcast traffic to SSE subscribers. It runs a
// background goroutine that drains its bus subscription and sends each
// message, SSE-formatted, to all active subscriber channels.
type Broker struct {
	busRef *bus.Bus
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates an SSE broker. Call Start to begin draining the bus.
func NewBroker(b *bus.Bus, logger *slog.Logger) *Broker {
	b.Register(observerID)
	return &Broker{
		busRef:      b,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start drains the bus subscription until ctx is cancelled. It blocks, so
// call it in a goroutine.
func (b *Broker) Start(ctx context.Context) {
	sub := b.busRef.Subscribe(observerID)
	defer b.busRef.Unsubscribe(sub)

	b.logger.Info("broker: streaming bus traffic")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				b.logger.Warn("broker: unmarshalable message", "message_id", msg.ID, "error", err)
				continue
			}
			b.broadcast(formatSSE(string(msg.Type), string(data)))
		}
	}
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to all subscribers. Slow subscribers with a full
// buffer are skipped so one slow client cannot block the rest.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a message as a Server-Sent Events frame.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
