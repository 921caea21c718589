package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"wiregate/internal/core/domain"
	"wiregate/internal/core/ports"
	"wiregate/internal/infrastructure/conntable"
	"wiregate/internal/infrastructure/monitoring"
	"wiregate/pkg/tracing"
	"wiregate/pkg/validation"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options configure the client-facing websocket server.
type Options struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	MessageBurst      int
	MaxMessageBytes   int64
}

// WebSocketServer is the client edge of the gateway: it resolves the
// connection's session, registers logged-in connections in the local
// table and the presence registry, and feeds client messages into the
// router and broker.
type WebSocketServer struct {
	resolver ports.SessionResolver
	router   ports.Router
	broker   ports.Broker
	presence ports.PresenceRepository
	table    *conntable.Table
	self     domain.NodeIdentity
	metrics  *monitoring.PrometheusCollector
	opts     Options

	mu    sync.Mutex
	conns map[*clientConn]struct{}

	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
}

// ClientMessage is one message from a connected client.
type ClientMessage struct {
	Type    string          `json:"type"`
	User    domain.UserID   `json:"user,omitempty"`
	Client  domain.ClientID `json:"client,omitempty"`
	Target  domain.UserID   `json:"target,omitempty"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewWebSocketServer(
	resolver ports.SessionResolver,
	router ports.Router,
	broker ports.Broker,
	presence ports.PresenceRepository,
	table *conntable.Table,
	self domain.NodeIdentity,
	metrics *monitoring.PrometheusCollector,
	opts Options,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &WebSocketServer{
		resolver: resolver,
		router:   router,
		broker:   broker,
		presence: presence,
		table:    table,
		self:     self,
		metrics:  metrics,
		opts:     opts,
		conns:    make(map[*clientConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // origin policy is enforced upstream
			},
		},
		logger: logger,
	}
}

// clientConn wraps one websocket with a single writer goroutine so table
// deliveries and handler replies never interleave writes.
type clientConn struct {
	conn    *websocket.Conn
	session *domain.Session
	sendCh  chan interface{}
	done    chan struct{}
	once    sync.Once
}

// Send implements conntable.Handle. A full queue counts as not delivered;
// delivery is best-effort and a stuck client gets no backpressure relief.
func (c *clientConn) Send(ev *domain.Event) error {
	msg := map[string]interface{}{
		"type":    string(ev.Kind),
		"user":    ev.User,
		"payload": ev.Payload,
	}
	select {
	case c.sendCh <- msg:
		return nil
	case <-c.done:
		return domain.ErrLinkClosed
	default:
		return fmt.Errorf("client send queue full")
	}
}

func (c *clientConn) enqueue(msg interface{}) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
	}
}

func (c *clientConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	credential := r.URL.Query().Get("token")
	if credential == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			credential = auth[7:]
		}
	}

	session, err := s.resolver.Resolve(credential)
	if err != nil {
		s.logger.Warnw("rejecting connection with bad credential", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &clientConn{
		conn:    conn,
		session: session,
		sendCh:  make(chan interface{}, 32),
		done:    make(chan struct{}),
	}
	defer c.close()

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordConnectionOpened()
	}

	// Guests stay unregistered: no table entry, no presence record.
	if session.LoggedIn {
		s.table.Register(session.User, session.Client, c)
		if _, err := s.presence.MarkLive(context.Background(), session.User, session.Client, s.self); err != nil {
			s.logger.Warnw("failed to mark presence", "user", session.User, "error", err)
		}
	}

	s.logger.Infow("client connected",
		"user", session.User, "client", session.Client, "logged_in", session.LoggedIn)

	if s.opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.opts.MaxMessageBytes)
	}
	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	go s.writeLoop(c)

	limiter := rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.MessageBurst)
	if s.opts.MessagesPerSecond <= 0 {
		limiter = nil
	}

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan ClientMessage, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg ClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
			messageChan <- msg
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if limiter != nil && !limiter.Allow() {
				c.enqueue(errorReply("RATE_LIMIT_EXCEEDED", "message rate limit exceeded"))
				continue
			}
			if err := s.handleMessage(context.Background(), c, msg); err != nil {
				s.logger.Infow("client message rejected",
					"user", session.User, "type", msg.Type, "error", err)
				c.enqueue(taxonomyReply(err))
			}

		case <-pingTicker.C:
			c.enqueue(pingFrame{})

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Infow("client read error", "user", session.User, "error", err)
			}
			s.cleanup(c)
			return
		}
	}
}

// pingFrame is a sentinel routed through the writer so pings share the
// single-writer discipline with data frames.
type pingFrame struct{}

func (s *WebSocketServer) writeLoop(c *clientConn) {
	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			var err error
			if _, ping := msg.(pingFrame); ping {
				err = c.conn.WriteMessage(websocket.PingMessage, nil)
			} else {
				err = c.conn.WriteJSON(msg)
			}
			if err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *WebSocketServer) cleanup(c *clientConn) {
	c.close()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordConnectionClosed()
	}

	session := c.session
	if session.LoggedIn {
		s.table.Unregister(session.User, session.Client, c)
		if _, err := s.presence.MarkOffline(context.Background(), session.User, session.Client, s.self.NodeID); err != nil {
			s.logger.Warnw("failed to clear presence", "user", session.User, "error", err)
		}
	}

	s.logger.Infow("client disconnected", "user", session.User, "client", session.Client)
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *clientConn, msg ClientMessage) error {
	if msg.Type == "" {
		return fmt.Errorf("%w: message type is required", domain.ErrInvalidPayload)
	}

	switch msg.Type {
	case "send_event":
		return s.handleSendEvent(ctx, c, msg)
	case "create_link":
		return s.handleCreateLink(ctx, c, msg)
	case "relay":
		return s.handleRelay(ctx, c, msg)
	default:
		return fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidPayload, msg.Type)
	}
}

func (s *WebSocketServer) handleSendEvent(ctx context.Context, c *clientConn, msg ClientMessage) error {
	if !c.session.LoggedIn {
		return domain.ErrForbidden
	}
	if err := validation.ValidateUserID(string(msg.User)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if err := validation.ValidateClientID(string(msg.Client)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if err := validation.ValidateEventPayload(msg.Payload); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	ctx, span := tracing.TraceRoute(ctx, "send_event", string(msg.User))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.NodeKey.String(s.self.NodeID))

	delivered, err := s.router.SendEvent(ctx, &domain.Event{
		User:    msg.User,
		Client:  msg.Client,
		Kind:    domain.EventKindPlain,
		Payload: msg.Payload,
	})
	tracing.AddSpanAttributes(ctx, attribute.Bool("route.delivered", delivered))
	if s.metrics != nil {
		s.metrics.RecordEventRouted(delivered)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		if !delivered {
			return err
		}
	}

	c.enqueue(map[string]interface{}{
		"type":      "event_result",
		"delivered": delivered,
	})
	return nil
}

func (s *WebSocketServer) handleCreateLink(ctx context.Context, c *clientConn, msg ClientMessage) error {
	if !c.session.LoggedIn {
		return domain.ErrForbidden
	}

	initiator := domain.Identity{User: c.session.User, Client: c.session.Client}
	token, err := s.broker.CreateLink(ctx, initiator, msg.Target, msg.Payload)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordTokenIssued()
	}

	c.enqueue(map[string]interface{}{
		"type":  "link_created",
		"token": token,
	})
	return nil
}

func (s *WebSocketServer) handleRelay(ctx context.Context, c *clientConn, msg ClientMessage) error {
	if !c.session.LoggedIn {
		return domain.ErrForbidden
	}

	ctx, span := tracing.TraceRoute(ctx, "relay", string(c.session.User))
	defer span.End()
	tracing.AddSpanAttributes(ctx,
		tracing.TokenKey.String(msg.Token),
		tracing.ClientKey.String(string(c.session.Client)),
	)

	sender := domain.Identity{User: c.session.User, Client: c.session.Client}
	if err := s.broker.Relay(ctx, sender, msg.Token, msg.Payload); err != nil {
		tracing.RecordError(ctx, err)
		if s.metrics != nil {
			s.metrics.RecordRelayRejected(errorCode(err))
		}
		return err
	}

	c.enqueue(map[string]interface{}{
		"type":  "relay_result",
		"token": msg.Token,
	})
	return nil
}

// Shutdown marks every registered connection offline and closes it. Run
// on graceful stop so this node's presence entries do not outlive it.
func (s *WebSocketServer) Shutdown(ctx context.Context) {
	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[*clientConn]struct{})
	s.mu.Unlock()

	for _, c := range conns {
		session := c.session
		if session.LoggedIn {
			s.table.Unregister(session.User, session.Client, c)
			if _, err := s.presence.MarkOffline(ctx, session.User, session.Client, s.self.NodeID); err != nil {
				s.logger.Warnw("failed to clear presence during shutdown",
					"user", session.User, "error", err)
			}
		}
		c.close()
	}
	s.logger.Infow("signal server drained", "connections", len(conns))
}

// ConnectionCount returns the number of open client connections.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, domain.ErrInvalidPayload):
		return "INVALID"
	case errors.Is(err, domain.ErrTargetOffline):
		return "OFFLINE"
	case errors.Is(err, domain.ErrStoreDegraded):
		return "SERVICE_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}

func errorReply(code, message string) map[string]interface{} {
	return map[string]interface{}{
		"type":    "error",
		"code":    code,
		"message": message,
	}
}

func taxonomyReply(err error) map[string]interface{} {
	return errorReply(errorCode(err), err.Error())
}
