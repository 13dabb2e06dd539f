package wsgateway

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/mohamedkhairy/chat-gateway/internal/config"
	"github.com/mohamedkhairy/chat-gateway/internal/models"
	"github.com/mohamedkhairy/chat-gateway/pkg/logger"
)

// Handler upgrades HTTP requests on /ws and hands the sockets to the hub
type Handler struct {
	hub            *Hub
	auth           *AuthManager
	upgrader       websocket.Upgrader
	maxConnections int
}

// NewHandler creates the WebSocket upgrade handler
func NewHandler(hub *Hub, auth *AuthManager, cfg config.GatewayConfig) *Handler {
	return &Handler{
		hub:            hub,
		auth:           auth,
		maxConnections: cfg.MaxConnections,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
}

// originChecker allows every origin when allowed is empty
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.maxConnections > 0 && h.hub.ConnectionCount() >= h.maxConnections {
		logger.Warn("Rejecting connection, limit reached",
			logger.Int("max_connections", h.maxConnections),
		)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		var err error
		token, err = h.auth.ExtractTokenFromHeader(authHeader)
		if err != nil {
			handshakeFailures.WithLabelValues("invalid_header").Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	// Without a token the client authenticates over the socket
	var identity *models.Identity
	if token != "" {
		var err error
		identity, err = h.hub.verifier.Verify(token)
		if err != nil {
			handshakeFailures.WithLabelValues("invalid_credential").Inc()
			logger.Debug("Rejected WebSocket upgrade",
				logger.ErrorField(err),
				logger.String("remote_addr", r.RemoteAddr),
			)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade connection",
			logger.ErrorField(err),
		)
		return
	}

	if _, err := h.hub.Accept(ws, identity); err != nil {
		logger.Error("Failed to accept connection",
			logger.ErrorField(err),
		)
		ws.Close()
	}
}
