package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devicegate/devicegate/internal/metrics"
	"github.com/devicegate/devicegate/internal/notify"
)

const (
	eventsPingInterval = 30 * time.Second
	eventsWriteTimeout = 10 * time.Second
)

// EventsHandler streams change notifications to dashboard clients over a
// WebSocket. Messages carry only the changed table; clients re-fetch.
type EventsHandler struct {
	bus      *notify.Bus
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewEventsHandler creates an EventsHandler. Origins are checked by the CORS
// layer, so the upgrader accepts any origin.
func NewEventsHandler(bus *notify.Bus, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "events"),
	}
}

// Stream upgrades the connection and forwards bus events until either side
// goes away.
// GET /api/v1/system/events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	sub := h.bus.Subscribe(ctx, notify.TableKeys, notify.TableDevices, notify.TableAudit)
	defer sub.Close()
	metrics.EventSubscribers.Inc()
	defer metrics.EventSubscribers.Dec()
	h.logger.Debug("subscriber connected", "subscription", sub.ID())

	// The read loop only watches for the client closing the socket.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteTimeout)); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("write failed", "subscription", sub.ID(), "error", err)
				return
			}
		}
	}
}
