package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aiplaybookin/monitoring-observability/pkg/hub"
	"github.com/aiplaybookin/monitoring-observability/pkg/wire"
)

// Broker defaults.
const (
	SubscriberBuffer  = 64
	KeepaliveInterval = 30 * time.Second
)

// message is an encoded event ready to be written to any subscriber.
type message struct {
	event   string
	data    []byte
	version int64 // delta version, zero for other events
}

// subscriber is one connected stream client.
type subscriber struct {
	id string
	ch chan message
}

// Broker fans stream events out to connected clients. A client whose
// buffer is full is dropped; it resyncs by reconnecting and receiving a
// fresh snapshot.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber

	keepalive time.Duration
	logger    *zap.Logger
	metrics   *BrokerMetrics
}

// NewBroker creates a broker.
func NewBroker(logger *zap.Logger) *Broker {
	return &Broker{
		subscribers: make(map[string]*subscriber),
		keepalive:   KeepaliveInterval,
		logger:      logger.Named("broker"),
		metrics:     NewBrokerMetrics(),
	}
}

// Metrics returns the broker's collectors.
func (b *Broker) Metrics() *BrokerMetrics {
	return b.metrics
}

// subscribe registers a new client.
func (b *Broker) subscribe() *subscriber {
	sub := &subscriber{
		id: uuid.NewString(),
		ch: make(chan message, SubscriberBuffer),
	}

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	n := len(b.subscribers)
	b.mu.Unlock()

	b.metrics.Clients.Set(float64(n))
	b.logger.Debug("Client subscribed", zap.String("id", sub.id), zap.Int("clients", n))
	return sub
}

// unsubscribe removes a client. It is a no-op for a client that was
// already dropped.
func (b *Broker) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	_, ok := b.subscribers[sub.id]
	if ok {
		delete(b.subscribers, sub.id)
		close(sub.ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()

	if ok {
		b.metrics.Clients.Set(float64(n))
		b.logger.Debug("Client unsubscribed", zap.String("id", sub.id), zap.Int("clients", n))
	}
}

// Publish encodes payload once and queues it for every client.
func (b *Broker) Publish(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("Failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}

	msg := message{event: event, data: data}
	if d, ok := payload.(wire.Delta); ok {
		msg.version = d.Version
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		select {
		case sub.ch <- msg:
		default:
			delete(b.subscribers, id)
			close(sub.ch)
			b.metrics.Dropped.Inc()
			b.logger.Warn("Dropping slow client", zap.String("id", id))
		}
	}

	b.metrics.Clients.Set(float64(len(b.subscribers)))
	b.metrics.Published.WithLabelValues(event).Inc()
}

// Clients returns the number of connected clients.
func (b *Broker) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Handler serves the event stream. Every client first receives a full
// snapshot of h, then the published events. Deltas already covered by
// the snapshot are skipped.
func (b *Broker) Handler(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		// Subscribe before taking the snapshot so that no delta is missed.
		sub := b.subscribe()
		defer b.unsubscribe(sub)

		snap := h.Snapshot()
		data, err := json.Marshal(snap)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if err = writeSSEEvent(w, wire.EventSnapshot, data); err != nil {
			return
		}
		flusher.Flush()

		ticker := time.NewTicker(b.keepalive)
		defer ticker.Stop()

		ctx := r.Context()

		for {
			select {
			case <-ctx.Done():
				return

			case <-ticker.C:
				if _, err = io.WriteString(w, ": keepalive\n\n"); err != nil {
					return
				}
				flusher.Flush()

			case msg, ok := <-sub.ch:
				if !ok {
					// dropped by Publish
					return
				}
				if msg.version != 0 && msg.version <= snap.Version {
					continue
				}
				if err = writeSSEEvent(w, msg.event, msg.data); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// writeSSEEvent writes an event in SSE format.
func writeSSEEvent(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
