package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/dataroom/internal/identity"
)

const (
	subscriberBuffer = 16
	writeTimeout     = 5 * time.Second
)

type subscriber struct {
	ch chan Event
}

// Hub fans progress events out to the subscribers of each session. Slow
// subscribers lose events rather than blocking a turn.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	closed bool

	origins []string
	logger  *slog.Logger
}

// NewHub creates a hub. origins are the websocket origin patterns accepted
// by ServeHTTP; an empty list accepts same-origin requests only.
func NewHub(origins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:    make(map[string]map[*subscriber]struct{}),
		origins: origins,
		logger:  logger,
	}
}

func key(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Subscribe registers for a session's events. The returned cancel func
// unregisters and closes the channel.
func (h *Hub) Subscribe(userID, sessionID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	k := key(userID, sessionID)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	if h.subs[k] == nil {
		h.subs[k] = make(map[*subscriber]struct{})
	}
	h.subs[k][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			set, ok := h.subs[k]
			if !ok {
				return
			}
			if _, ok := set[sub]; !ok {
				return
			}
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, k)
			}
			close(sub.ch)
		})
	}
}

// Report delivers ev to every subscriber of the session without blocking.
func (h *Hub) Report(userID, sessionID string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[key(userID, sessionID)] {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Debug("Dropping status event for slow subscriber",
				"user_id", userID, "session_id", sessionID, "type", ev.Type)
		}
	}
}

// Subscribers returns the number of subscribers for a session.
func (h *Hub) Subscribers(userID, sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key(userID, sessionID)])
}

// Close ends every subscription. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for k, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(h.subs, k)
	}
}

// ServeHTTP upgrades to a websocket and streams the caller's session events
// as JSON text frames until either side goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("Failed to accept status websocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "status stream ended"); closeErr != nil {
			h.logger.Debug("Failed to close status websocket", "error", closeErr, "user_id", userID)
		}
	}()

	events, cancel := h.Subscribe(userID, sessionID)
	defer cancel()

	// Clients never send; CloseRead handles pings and notices disconnects.
	ctx := ws.CloseRead(r.Context())
	h.logger.Info("Status stream opened", "user_id", userID, "session_id", sessionID)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Status stream closed", "user_id", userID, "session_id", sessionID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeJSON(ctx, ws, ev); err != nil {
				h.logger.Debug("Status websocket write failed", "error", err, "user_id", userID)
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
