package hub

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/dennisdiepolder/monti/callcore/internal/auth"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler handles WebSocket upgrade requests from softphones and CRM systems
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a Handler accepting the given origins. "*" or an
// empty list allows every origin.
func NewHandler(hub *Hub, allowedOrigins []string, logger zerolog.Logger) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Native clients send no origin
		if origin == "" || len(allowed) == 0 {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		return false
	}
}

// ServeHTTP upgrades the request and starts the connection pumps
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	c := newConnection(h.hub, conn, h.logger)
	if claims, ok := auth.GetUserFromContext(r.Context()); ok {
		c.authIdentity = claims.Identity()
		c.authRole = claims.Role
	}

	select {
	case h.hub.register <- c:
	case <-h.hub.stopped:
		conn.Close()
		return
	}

	c.Start()
}
