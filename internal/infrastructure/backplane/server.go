package backplane

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server accepts inbound node links on the backplane endpoint and hands
// each upgraded socket to the registry for fortune resolution.
type Server struct {
	registry *Registry
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
}

// NewServer creates the inbound accept handler.
func NewServer(registry *Registry, logger *zap.SugaredLogger) *Server {
	return &Server{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Node links are dialed by peers inside the cluster, not
			// browsers; origin checks do not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the request and runs link establishment.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("backplane upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	s.registry.HandleInbound(NewWebsocketTransport(conn))
}
