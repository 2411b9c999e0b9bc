// Package marketdata bridges order book updates from the store's pub/sub
// channel to websocket subscribers.
package marketdata

import (
	"context"

	"go.uber.org/zap"

	"github.com/openbrick/openbrick/internal/orderbook"
	"github.com/openbrick/openbrick/internal/ws"
)

// Listener is a dedicated background task blocked on the store's native
// subscription, decoding each published snapshot and forwarding it to the
// hub. Malformed payloads are logged and skipped; they never stop the
// listener.
type Listener struct {
	logger *zap.Logger
	store  *orderbook.Store
	hub    *ws.Hub
}

// NewListener creates a new update listener
func NewListener(logger *zap.Logger, store *orderbook.Store, hub *ws.Hub) *Listener {
	return &Listener{
		logger: logger,
		store:  store,
		hub:    hub,
	}
}

// Run blocks on the subscription until the context is cancelled.
func (l *Listener) Run(ctx context.Context) {
	pubsub := l.store.Subscribe(ctx)
	defer pubsub.Close()

	l.logger.Info("order book update listener started",
		zap.String("channel", orderbook.UpdateChannel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("order book update listener stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			payload := []byte(msg.Payload)
			snap, err := orderbook.DecodeSnapshot(payload)
			if err != nil {
				l.logger.Error("dropping undecodable order book update", zap.Error(err))
				continue
			}
			// Forward the published payload verbatim; subscribers see the
			// same bytes the store persisted.
			l.hub.Broadcast(snap.PropertyID.String(), payload)
		}
	}
}
