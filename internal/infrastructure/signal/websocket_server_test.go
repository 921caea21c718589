package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wiregate/internal/core/domain"
	"wiregate/internal/core/ports"
	"wiregate/internal/core/services"
	"wiregate/internal/infrastructure/conntable"
	"wiregate/internal/infrastructure/repositories/memory"
	"wiregate/pkg/cache"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testJWTSecret = "test-secret"

// nopLinks satisfies ports.LinkProvider for single-node tests; presence
// entries all point at this node so it is never consulted.
type nopLinks struct{}

func (nopLinks) Remote(ctx context.Context, entry domain.LiveEntry) (ports.RemoteSender, error) {
	return nil, errors.New("no remote links in test")
}

type testGateway struct {
	server   *WebSocketServer
	presence ports.PresenceRepository
	httpSrv  *httptest.Server
}

func newTestGateway(t *testing.T) *testGateway {
	log := zaptest.NewLogger(t).Sugar()
	self := domain.NodeIdentity{Address: "127.0.0.1", Port: 8082, NodeID: "test-node"}

	presence := memory.NewMemoryPresenceRepository()
	table := conntable.New()
	router := services.NewRouterService(table, presence, nopLinks{}, self, log)

	tokenCache := cache.NewCache(time.Minute, 64)
	t.Cleanup(tokenCache.Stop)
	broker := services.NewBrokerService(
		memory.NewMemoryTokenRepository(), router, tokenCache, domain.LinkTokenTTL, log)

	resolver := services.NewSessionService(testJWTSecret, log)

	ws := NewWebSocketServer(resolver, router, broker, presence, table, self, nil, Options{
		PingInterval: time.Minute,
		PongTimeout:  time.Minute,
	}, log)

	srv := httptest.NewServer(http.HandlerFunc(ws.HandleWebSocket))
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ws.Shutdown(ctx)
	})

	return &testGateway{server: ws, presence: presence, httpSrv: srv}
}

func (g *testGateway) dial(t *testing.T, credential string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.httpSrv.URL, "http")
	if credential != "" {
		url += "?token=" + credential
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func credentialFor(t *testing.T, user, client string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    user,
		"client": client,
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func readReply(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHandleWebSocket_RegistersPresenceForLifetime(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	conn := g.dial(t, credentialFor(t, "alice", "laptop"))

	require.Eventually(t, func() bool {
		active, err := g.presence.IsActive(ctx, "alice", "")
		return err == nil && active
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, g.server.ConnectionCount())

	conn.Close()

	require.Eventually(t, func() bool {
		active, err := g.presence.IsActive(ctx, "alice", "")
		return err == nil && !active
	}, time.Second, 10*time.Millisecond)
}

func TestHandleWebSocket_RejectsBadCredential(t *testing.T) {
	g := newTestGateway(t)

	url := "ws" + strings.TrimPrefix(g.httpSrv.URL, "http") + "?token=not-a-jwt"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSendEvent_DeliveredBetweenClients(t *testing.T) {
	g := newTestGateway(t)

	alice := g.dial(t, credentialFor(t, "alice", "laptop"))
	bob := g.dial(t, credentialFor(t, "bob", "phone"))

	require.Eventually(t, func() bool {
		active, _ := g.presence.IsActive(context.Background(), "alice", "")
		return active
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, bob.WriteJSON(map[string]interface{}{
		"type":    "send_event",
		"user":    "alice",
		"payload": map[string]string{"text": "hi"},
	}))

	result := readReply(t, bob)
	assert.Equal(t, "event_result", result["type"])
	assert.Equal(t, true, result["delivered"])

	received := readReply(t, alice)
	assert.Equal(t, "event", received["type"])
	assert.Equal(t, "alice", received["user"])

	payload, err := json.Marshal(received["payload"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, string(payload))
}

func TestSendEvent_GuestForbidden(t *testing.T) {
	g := newTestGateway(t)

	guest := g.dial(t, "")

	require.NoError(t, guest.WriteJSON(map[string]interface{}{
		"type":    "send_event",
		"user":    "alice",
		"payload": map[string]string{"text": "hi"},
	}))

	reply := readReply(t, guest)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "FORBIDDEN", reply["code"])
}

func TestCreateLinkAndRelay_OverWebSocket(t *testing.T) {
	g := newTestGateway(t)

	alice := g.dial(t, credentialFor(t, "alice", "laptop"))
	bob := g.dial(t, credentialFor(t, "bob", "phone"))

	require.Eventually(t, func() bool {
		a, _ := g.presence.IsActive(context.Background(), "alice", "")
		b, _ := g.presence.IsActive(context.Background(), "bob", "")
		return a && b
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, alice.WriteJSON(map[string]interface{}{
		"type":    "create_link",
		"target":  "bob",
		"payload": map[string]string{"type": "offer", "sdp": "v=0"},
	}))

	created := readReply(t, alice)
	require.Equal(t, "link_created", created["type"])
	token, _ := created["token"].(string)
	require.Len(t, token, domain.LinkTokenLength)

	// Bob sees the init signal with the same token.
	init := readReply(t, bob)
	assert.Equal(t, "peer", init["type"])

	// Bob relays an answer back; it must land on alice.
	require.NoError(t, bob.WriteJSON(map[string]interface{}{
		"type":    "relay",
		"token":   token,
		"payload": map[string]string{"type": "answer", "sdp": "v=0"},
	}))

	relayResult := readReply(t, bob)
	assert.Equal(t, "relay_result", relayResult["type"])

	relayed := readReply(t, alice)
	assert.Equal(t, "peer", relayed["type"])
}

func TestRelay_UnknownTokenForbidden(t *testing.T) {
	g := newTestGateway(t)

	alice := g.dial(t, credentialFor(t, "alice", "laptop"))

	require.NoError(t, alice.WriteJSON(map[string]interface{}{
		"type":    "relay",
		"token":   "0123456789abcdef0123456789abcdef",
		"payload": map[string]string{"type": "answer"},
	}))

	reply := readReply(t, alice)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "FORBIDDEN", reply["code"])
}

func TestErrorCodeTaxonomy(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.ErrForbidden, "FORBIDDEN"},
		{fmt.Errorf("%w: junk", domain.ErrInvalidPayload), "INVALID"},
		{domain.ErrTargetOffline, "OFFLINE"},
		{domain.ErrStoreDegraded, "SERVICE_UNAVAILABLE"},
		{errors.New("boom"), "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorCode(tt.err), "for %v", tt.err)
	}
}
