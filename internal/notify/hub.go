// Package notify implements live status fan-out over WebSockets. Each
// accepted socket is registered as a Connection row with an absolute expiry;
// Broadcast delivers to every live registration concurrently and prunes the
// ones that fail. A delivery failure never blocks or fails the others.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tbourn/go-call-backend/internal/domain"
	"github.com/tbourn/go-call-backend/internal/observability"
	"github.com/tbourn/go-call-backend/internal/repo"
)

// EventTypeStatus labels pipeline status events.
const EventTypeStatus = "status"

// SummaryPayload is the inline structured summary attached to COMPLETED
// events.
type SummaryPayload struct {
	IssueSentence string   `json:"issue_sentence"`
	KeyDetails    []string `json:"key_details,omitempty"`
	ActionItems   []string `json:"action_items,omitempty"`
	NextSteps     []string `json:"next_steps,omitempty"`
	Sentiment     string   `json:"sentiment,omitempty"`
}

// Event is the wire payload pushed to every connected client.
type Event struct {
	Type      string          `json:"type"`
	ItemID    string          `json:"item_id"`
	Status    domain.Status   `json:"status"`
	Summary   *SummaryPayload `json:"summary,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Hub owns the set of live sockets and their Connection rows.
//
// Registrations are persisted so expiry survives restarts, but sockets are
// process-local: rows left behind by a previous process have no socket here
// and are pruned on the first broadcast that touches them.
type Hub struct {
	DB           *gorm.DB
	TTL          time.Duration // row lifetime, refreshed on client activity
	WriteTimeout time.Duration // per-connection delivery budget

	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

// NewHub constructs a Hub with the given registration TTL.
func NewHub(db *gorm.DB, ttl, writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Hub{
		DB:           db,
		TTL:          ttl,
		WriteTimeout: writeTimeout,
		conns:        map[string]*websocket.Conn{},
	}
}

// Serve registers conn, then blocks reading from it until the client goes
// away. Reads exist only to observe liveness: any message or ping refreshes
// the registration's expiry. The registration is removed on return.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, ownerID string) error {
	id := uuid.NewString()
	if _, err := repo.CreateConnection(ctx, h.DB, id, ownerID, h.TTL); err != nil {
		conn.Close(websocket.StatusInternalError, "registration failed")
		return err
	}

	h.mu.Lock()
	h.conns[id] = conn
	h.mu.Unlock()

	log.Debug().Str("connection_id", id).Str("owner_id", ownerID).Msg("websocket connected")

	defer func() {
		h.drop(context.WithoutCancel(ctx), id, websocket.StatusNormalClosure, "bye")
		log.Debug().Str("connection_id", id).Msg("websocket disconnected")
	}()

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		// Client activity keeps the registration alive.
		if err := repo.TouchConnection(ctx, h.DB, id, h.TTL); err != nil && !errors.Is(err, repo.ErrNotFound) {
			log.Warn().Err(err).Str("connection_id", id).Msg("touch connection failed")
		}
	}
}

// Broadcast delivers e to every live registration in parallel. A connection
// that cannot be written to within WriteTimeout is closed and deregistered;
// its failure is logged, never returned. The returned error covers only the
// registry read.
func (h *Hub) Broadcast(ctx context.Context, e Event) error {
	rows, err := repo.ListLiveConnections(ctx, h.DB, time.Now().UTC())
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, row := range rows {
		h.mu.RLock()
		conn, ok := h.conns[row.ID]
		h.mu.RUnlock()

		if !ok {
			// Leftover row from a previous process; no socket to serve it.
			_ = repo.DeleteConnection(ctx, h.DB, row.ID)
			continue
		}

		id := row.ID
		g.Go(func() error {
			wctx, cancel := context.WithTimeout(gctx, h.WriteTimeout)
			defer cancel()
			if err := wsjson.Write(wctx, conn, e); err != nil {
				observability.WebsocketDeliveries.WithLabelValues("failed").Inc()
				log.Warn().Err(err).Str("connection_id", id).Msg("delivery failed, pruning connection")
				h.drop(context.WithoutCancel(ctx), id, websocket.StatusGoingAway, "delivery failed")
			} else {
				observability.WebsocketDeliveries.WithLabelValues("ok").Inc()
			}
			// Failures prune, they do not propagate.
			return nil
		})
	}
	return g.Wait()
}

// PurgeExpired removes registrations past their expiry and closes any socket
// still attached to them. Intended to run on a timer.
func (h *Hub) PurgeExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC()

	// Close sockets for rows about to go away.
	var stale []string
	rows, err := repo.ListLiveConnections(ctx, h.DB, now)
	if err != nil {
		return 0, err
	}
	live := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		live[r.ID] = struct{}{}
	}
	h.mu.RLock()
	for id := range h.conns {
		if _, ok := live[id]; !ok {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()
	for _, id := range stale {
		h.drop(ctx, id, websocket.StatusGoingAway, "expired")
	}

	return repo.PurgeExpiredConnections(ctx, h.DB, now)
}

// drop closes and forgets a connection and deletes its row.
func (h *Hub) drop(ctx context.Context, id string, code websocket.StatusCode, reason string) {
	h.mu.Lock()
	conn, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()

	if ok {
		_ = conn.Close(code, reason)
	}
	if err := repo.DeleteConnection(ctx, h.DB, id); err != nil {
		log.Warn().Err(err).Str("connection_id", id).Msg("delete connection failed")
	}
}

// Live reports how many sockets this process currently holds.
func (h *Hub) Live() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
