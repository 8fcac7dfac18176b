package logic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duang3457/instant-messaging-project/internal/v1/auth"
	"github.com/duang3457/instant-messaging-project/internal/v1/history"
	"github.com/duang3457/instant-messaging-project/internal/v1/protocol"
	"github.com/duang3457/instant-messaging-project/internal/v1/store"
)

type fakeProducer struct {
	mu     sync.Mutex
	pushed []*protocol.PushMsg
}

func (p *fakeProducer) Publish(_ context.Context, msg *protocol.PushMsg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, msg)
	return nil
}

var testDBSeq atomic.Int64

type testAPI struct {
	srv      *Server
	router   *gin.Engine
	redis    *store.Redis
	db       *store.DB
	producer *fakeProducer
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	redis, err := store.NewRedis(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = redis.Close() })

	dsn := fmt.Sprintf("file:logictest%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := store.OpenSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	producer := &fakeProducer{}
	srv := NewServer(
		auth.NewService(redis, db),
		history.NewService(redis, db),
		producer,
		nil,
		[]string{"http://localhost:3000"},
	)

	return &testAPI{srv: srv, router: srv.Router(redis, db), redis: redis, db: db, producer: producer}
}

func (a *testAPI) postJSON(t *testing.T, path string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	t.Fatal("no session cookie in response")
	return nil
}

func TestWelcomePage(t *testing.T) {
	api := newTestAPI(t)

	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Equal(t, "Welcome to ChatRoom", w.Body.String())
}

func TestMountAccountsOnEdgeRouter(t *testing.T) {
	api := newTestAPI(t)

	// The edge mounts the same account surface on its own engine.
	edge := gin.New()
	api.srv.MountAccounts(edge)

	w := httptest.NewRecorder()
	edge.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")

	raw, err := json.Marshal(createAccountRequest{
		Username: "edgeuser", Email: "edge@example.com", Password: "pw",
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/create-account", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	edge.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body["token"])

	raw, err = json.Marshal(loginRequest{Email: "edge@example.com", Password: "pw"})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	edge.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateAccountSetsSessionCookie(t *testing.T) {
	api := newTestAPI(t)

	w := api.postJSON(t, "/api/create-account", createAccountRequest{
		Username: "alice", Email: "alice@example.com", Password: "pw",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	cookie := sessionCookie(t, w)
	assert.NotEmpty(t, cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, 86400, cookie.MaxAge)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)

	// The body repeats the token so clients can pass it as ?uid= on the
	// WebSocket handshake.
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, cookie.Value, body["token"])

	// The token in the cookie is a live session.
	email, err := api.redis.GetSession(context.Background(), cookie.Value)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", email)
}

func TestCreateAccountDuplicate(t *testing.T) {
	api := newTestAPI(t)

	w := api.postJSON(t, "/api/create-account", createAccountRequest{
		Username: "alice", Email: "alice@example.com", Password: "pw",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = api.postJSON(t, "/api/create-account", createAccountRequest{
		Username: "alice", Email: "other@example.com", Password: "pw",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var reply apiError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.Equal(t, "USERNAME_EXISTS", reply.ID)
}

func TestLogin(t *testing.T) {
	api := newTestAPI(t)

	api.postJSON(t, "/api/create-account", createAccountRequest{
		Username: "alice", Email: "alice@example.com", Password: "pw",
	}, nil)

	w := api.postJSON(t, "/api/login", loginRequest{Email: "alice@example.com", Password: "pw"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, sessionCookie(t, w).Value)

	w = api.postJSON(t, "/api/login", loginRequest{Email: "alice@example.com", Password: "wrong"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var reply apiError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.Equal(t, "BAD_REQUEST", reply.ID)
	assert.Equal(t, "email password no match", reply.Message)
}

func TestLoginProbe(t *testing.T) {
	api := newTestAPI(t)

	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/logic/login", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"logged in"}`, w.Body.String())
}

func TestSendPublishesToLog(t *testing.T) {
	api := newTestAPI(t)

	w := api.postJSON(t, "/api/create-account", createAccountRequest{
		Username: "alice", Email: "alice@example.com", Password: "pw",
	}, nil)
	cookie := sessionCookie(t, w)

	w = api.postJSON(t, "/logic/send", sendRequest{
		RoomID:   "0001",
		Messages: []sendMessage{{Content: "hi all"}, {Content: "second"}},
	}, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success"}`, w.Body.String())

	require.Len(t, api.producer.pushed, 1)
	push := api.producer.pushed[0]
	assert.Equal(t, protocol.PushTypeRoom, push.Type)
	assert.Equal(t, protocol.OpSendMsg, push.Operation)
	assert.Equal(t, "0001", push.Room)
	assert.Empty(t, push.Origin)
	assert.Contains(t, push.Msg, "hi all")
	assert.Contains(t, push.Msg, "second")

	// Both store tiers hold both messages.
	cached, err := api.redis.RevRangeStream(context.Background(), "0001", "", 10)
	require.NoError(t, err)
	assert.Len(t, cached, 2)
	queued, err := api.redis.PeekPersistQueue(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, queued, 2)
}

func TestSendRequiresSession(t *testing.T) {
	api := newTestAPI(t)

	body := sendRequest{RoomID: "0001", Messages: []sendMessage{{Content: "hi"}}}

	w := api.postJSON(t, "/logic/send", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = api.postJSON(t, "/logic/send", body,
		&http.Cookie{Name: SessionCookie, Value: "stale-token"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSendValidation(t *testing.T) {
	api := newTestAPI(t)

	w := api.postJSON(t, "/api/create-account", createAccountRequest{
		Username: "alice", Email: "alice@example.com", Password: "pw",
	}, nil)
	cookie := sessionCookie(t, w)

	w = api.postJSON(t, "/logic/send", sendRequest{
		RoomID: "9999", Messages: []sendMessage{{Content: "hi"}},
	}, cookie)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.postJSON(t, "/logic/send", sendRequest{RoomID: "0001"}, cookie)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.postJSON(t, "/logic/send", sendRequest{
		RoomID: "0001", Messages: []sendMessage{{Content: ""}},
	}, cookie)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, api.producer.pushed)
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t)

	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	api.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"healthy"`)
}
