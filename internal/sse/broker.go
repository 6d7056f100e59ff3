package sse

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/openoa/devserver/internal/state"
)

// StateSource is what the broker reads snapshots from and subscribes to.
type StateSource interface {
	All() []state.Target
	ConfigErrors() []string
	Subscribe() <-chan state.Event
	Unsubscribe(<-chan state.Event)
}

const defaultKeepaliveInterval = 15 * time.Second

// Broker streams target health changes to connected clients as server-sent events.
type Broker struct {
	source            StateSource
	logger            *slog.Logger
	version           string
	keepaliveInterval time.Duration

	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

// NewBroker creates a broker. If logger is nil, a no-op logger is used.
func NewBroker(source StateSource, logger *slog.Logger, version string) *Broker {
	return newBrokerWithKeepalive(source, logger, version, defaultKeepaliveInterval)
}

func newBrokerWithKeepalive(source StateSource, logger *slog.Logger, version string, keepalive time.Duration) *Broker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if keepalive <= 0 {
		keepalive = defaultKeepaliveInterval
	}
	return &Broker{
		source:            source,
		logger:            logger,
		version:           version,
		keepaliveInterval: keepalive,
		clients:           make(map[chan []byte]struct{}),
	}
}

// Run forwards store events to all clients until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	events := b.source.Subscribe()
	defer b.source.Unsubscribe(events)

	for {
		select {
		case <-ctx.Done():
			b.closeAllClients()
			return
		case evt, ok := <-events:
			if !ok {
				b.closeAllClients()
				return
			}

			var (
				data []byte
				err  error
			)
			switch evt.Type {
			case state.EventAdded, state.EventUpdated:
				data, err = formatEvent("target", evt.Target)
			case state.EventRemoved:
				data, err = formatEvent("removed", RemovedPayload{Rule: evt.Rule})
			case state.EventConfigErrors:
				data, err = b.stateEvent()
			default:
				continue
			}
			if err != nil {
				b.logger.Debug("failed to format SSE event", "error", err)
				continue
			}
			b.broadcast(data)
		}
	}
}

func (b *Broker) closeAllClients() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		close(ch)
		delete(b.clients, ch)
	}
}

// broadcast drops the event for clients whose buffer is full.
func (b *Broker) broadcast(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- data:
		default:
		}
	}
}

func (b *Broker) addClient(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[ch] = struct{}{}
	b.logger.Debug("SSE client connected", "clients", len(b.clients))
}

func (b *Broker) removeClient(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, ch)
	b.logger.Debug("SSE client disconnected", "clients", len(b.clients))
}

func (b *Broker) stateEvent() ([]byte, error) {
	return formatEvent("state", StatePayload{
		Version:      b.version,
		Targets:      b.source.All(),
		ConfigErrors: b.source.ConfigErrors(),
	})
}

// ServeHTTP sends a "state" snapshot, then streams events and keepalives
// until the client disconnects or the broker stops.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Register before the snapshot so no update is missed.
	clientCh := make(chan []byte, 64)
	b.addClient(clientCh)
	defer b.removeClient(clientCh)

	initial, err := b.stateEvent()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := writeAndFlush(w, rc, initial); err != nil {
		b.logger.Debug("failed to write initial state event", "error", err)
		return
	}

	keepalive := time.NewTicker(b.keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-clientCh:
			if !ok {
				return
			}
			if err := writeAndFlush(w, rc, data); err != nil {
				return
			}
			keepalive.Reset(b.keepaliveInterval)
		case <-keepalive.C:
			if err := writeAndFlush(w, rc, formatKeepalive()); err != nil {
				return
			}
		}
	}
}

func writeAndFlush(w io.Writer, rc *http.ResponseController, payload []byte) error {
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return rc.Flush()
}
