package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"lv-closure/internal/auth"
	"lv-closure/internal/closure"
)

// WSHandler streams closure progress events to the authenticated user,
// filtered to accounts whose closure that user owns.
type WSHandler struct {
	bus       *closure.Bus
	authSvc   *auth.Service
	processes closure.ProcessStore
	origin    string
	upgrader  websocket.Upgrader
}

func NewWSHandler(bus *closure.Bus, authSvc *auth.Service, processes closure.ProcessStore, origin string) *WSHandler {
	return &WSHandler{
		bus:       bus,
		authSvc:   authSvc,
		processes: processes,
		origin:    origin,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
		},
	}
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "*" {
		return true
	}
	reqOrigin := r.Header.Get("Origin")
	// Allow both localhost and 127.0.0.1 variants for development
	if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
		if strings.Contains(reqOrigin, "localhost") || strings.Contains(reqOrigin, "127.0.0.1") {
			return true
		}
	}
	return strings.EqualFold(reqOrigin, origin)
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Authenticate via query param (standard for browser WS)
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := h.authSvc.ParseToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Ownership answers are cached per connection; a closure's owner
	// never changes once the process row exists.
	owned := make(map[string]bool)
	for {
		select {
		case evt := <-sub:
			ok, cached := owned[evt.AccountID]
			if !cached {
				ok = h.ownsAccount(userID, evt.AccountID)
				owned[evt.AccountID] = ok
			}
			if !ok {
				continue
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *WSHandler) ownsAccount(userID, accountID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	proc, err := h.processes.Get(ctx, accountID)
	if err != nil || proc == nil {
		return false
	}
	return proc.UserID == userID
}
