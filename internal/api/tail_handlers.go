package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/veridocs/ledger/internal/livetail"
	"github.com/veridocs/ledger/internal/middleware"
	"github.com/veridocs/ledger/internal/validate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Browser tails go through the CORS allowlist at the edge; the
		// upgrade itself accepts any origin.
		return true
	},
}

// TailHandlers holds dependencies for live-tail WebSocket subscriptions.
type TailHandlers struct {
	broadcaster *livetail.Broadcaster
}

// NewTailHandlers creates a new TailHandlers instance.
func NewTailHandlers(broadcaster *livetail.Broadcaster) *TailHandlers {
	return &TailHandlers{
		broadcaster: broadcaster,
	}
}

// Tail handles WebSocket connections streaming a scope's appends as they
// happen. Subscribing to a scope with no records yet is valid; compliance
// dashboards attach before the first event of the day.
// GET /scopes/{id}/tail/ws
func (h *TailHandlers) Tail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Expected: /scopes/{id}/tail/ws
	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/scopes/"), "/")
	if len(pathParts) != 3 || pathParts[0] == "" || pathParts[1] != "tail" || pathParts[2] != "ws" {
		ctx := middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid URL path")
		return
	}
	scopeID, err := validate.ScopeID(pathParts[0])
	if err != nil {
		ctx := middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation,
			fmt.Sprintf("Invalid scope ID %q", pathParts[0]))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.ErrorContext(ctx, "failed to upgrade websocket connection",
			"error", err,
			"scope_id", scopeID,
		)
		return
	}

	h.broadcaster.Subscribe(scopeID, conn)

	requestID := middleware.GetRequestID(ctx)
	slog.InfoContext(ctx, "websocket client subscribed to audit tail",
		"scope_id", scopeID,
		"request_id", requestID,
	)

	defer func() {
		h.broadcaster.Unsubscribe(conn)
		conn.Close()
		slog.InfoContext(ctx, "websocket client unsubscribed from audit tail",
			"scope_id", scopeID,
			"request_id", requestID,
		)
	}()

	// The tail is one-way. Reading detects client disconnects; inbound
	// messages are discarded.
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.WarnContext(ctx, "websocket connection closed unexpectedly",
					"error", err,
					"scope_id", scopeID,
				)
			}
			break
		}
	}
}
