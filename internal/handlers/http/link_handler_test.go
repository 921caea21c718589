package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wiregate/internal/core/domain"
	"wiregate/internal/core/ports"
	"wiregate/internal/core/services"
	"wiregate/internal/infrastructure/conntable"
	"wiregate/internal/infrastructure/middleware"
	"wiregate/internal/infrastructure/monitoring"
	"wiregate/internal/infrastructure/repositories/memory"
	"wiregate/pkg/cache"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testJWTSecret = "test-secret"

type nopLinks struct{}

func (nopLinks) Remote(ctx context.Context, entry domain.LiveEntry) (ports.RemoteSender, error) {
	return nil, errors.New("no remote links in test")
}

type testEnv struct {
	router   *gin.Engine
	presence ports.PresenceRepository
	table    *conntable.Table
}

func newTestEnv(t *testing.T) *testEnv {
	gin.SetMode(gin.TestMode)
	log := zaptest.NewLogger(t).Sugar()
	self := domain.NodeIdentity{Address: "127.0.0.1", Port: 8082, NodeID: "test-node"}

	presence := memory.NewMemoryPresenceRepository()
	table := conntable.New()
	eventRouter := services.NewRouterService(table, presence, nopLinks{}, self, log)

	tokenCache := cache.NewCache(time.Minute, 64)
	t.Cleanup(tokenCache.Stop)
	broker := services.NewBrokerService(
		memory.NewMemoryTokenRepository(), eventRouter, tokenCache, domain.LinkTokenTTL, log)

	resolver := services.NewSessionService(testJWTSecret, log)
	health := monitoring.NewHealthChecker(time.Second)
	health.Register("store", func(ctx context.Context) error { return nil })

	engine := gin.New()
	engine.Use(middleware.ErrorHandlerMiddleware(log))

	handler := NewLinkHandler(broker, eventRouter, presence, health)
	handler.SetupRoutes(engine, resolver)

	return &testEnv{router: engine, presence: presence, table: table}
}

type sinkHandle struct{ events []*domain.Event }

func (h *sinkHandle) Send(ev *domain.Event) error {
	h.events = append(h.events, ev)
	return nil
}

func bearerFor(t *testing.T, user, client string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    user,
		"client": client,
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func doJSON(router *gin.Engine, method, path, auth string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(env.router, http.MethodGet, "/health", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestCreateLink_RequiresSession(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(env.router, http.MethodPost, "/v1/links", "", map[string]interface{}{
		"target": "bob",
		"offer":  map[string]string{"type": "offer"},
	})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateLink_TargetOnline(t *testing.T) {
	env := newTestEnv(t)

	// Bob holds a live local connection, so the init signal is deliverable.
	bob := &sinkHandle{}
	env.table.Register("bob", "phone", bob)

	w := doJSON(env.router, http.MethodPost, "/v1/links", bearerFor(t, "alice", "laptop"),
		map[string]interface{}{
			"target": "bob",
			"offer":  map[string]string{"type": "offer", "sdp": "v=0"},
		})

	require.Equal(t, http.StatusCreated, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	token, _ := body["token"].(string)
	assert.Len(t, token, domain.LinkTokenLength)
	assert.Equal(t, float64(domain.LinkTokenTTL/time.Second), body["expires_in"])
	assert.Len(t, bob.events, 1)
}

func TestCreateLink_TargetOffline(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(env.router, http.MethodPost, "/v1/links", bearerFor(t, "alice", "laptop"),
		map[string]interface{}{
			"target": "bob",
			"offer":  map[string]string{"type": "offer"},
		})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "OFFLINE", body["error"])
}

func TestRelay_ForbiddenForStranger(t *testing.T) {
	env := newTestEnv(t)

	bob := &sinkHandle{}
	env.table.Register("bob", "phone", bob)

	w := doJSON(env.router, http.MethodPost, "/v1/links", bearerFor(t, "alice", "laptop"),
		map[string]interface{}{
			"target": "bob",
			"offer":  map[string]string{"type": "offer"},
		})
	require.Equal(t, http.StatusCreated, w.Code)
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	token := created["token"].(string)

	w = doJSON(env.router, http.MethodPost, "/v1/links/"+token+"/relay",
		bearerFor(t, "mallory", "laptop"),
		map[string]interface{}{"payload": map[string]string{"type": "answer"}})

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSendEvent_ReportsDelivery(t *testing.T) {
	env := newTestEnv(t)

	alice := &sinkHandle{}
	env.table.Register("alice", "laptop", alice)

	w := doJSON(env.router, http.MethodPost, "/v1/events", bearerFor(t, "backend", "svc"),
		map[string]interface{}{
			"user":    "alice",
			"payload": map[string]string{"text": "hi"},
		})

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["delivered"])
	assert.Len(t, alice.events, 1)
}

func TestGetPresence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.presence.MarkLive(ctx, "alice", "laptop",
		domain.NodeIdentity{Address: "127.0.0.1", Port: 8082, NodeID: "test-node"})
	require.NoError(t, err)

	w := doJSON(env.router, http.MethodGet, "/v1/presence/alice", bearerFor(t, "bob", "phone"), nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["active"])

	w = doJSON(env.router, http.MethodGet, "/v1/presence/nobody", bearerFor(t, "bob", "phone"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["active"])
}
