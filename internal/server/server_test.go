package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/velvetrooms/escrowd/internal/audit"
	"github.com/velvetrooms/escrowd/internal/config"
	"github.com/velvetrooms/escrowd/internal/escrow"
	"github.com/velvetrooms/escrowd/internal/logging"
	"github.com/velvetrooms/escrowd/internal/market"
	"github.com/velvetrooms/escrowd/internal/store"
	"github.com/velvetrooms/escrowd/internal/webhooks"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const paystackSecret = "sk_test_paystack"

func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		LogFormat:         "text",
		ManualReleaseOnly: true,
		PlatformFeeRate:   config.DefaultPlatformFeeRate,
		AutoReleaseHours:  24,
		SweepInterval:     time.Minute,
		SweepBatchSize:    100,
		NotifyTimeout:     5 * time.Second,
		JWTSecret:         "test-secret",
		PaystackSecretKey: paystackSecret,
		AdminUserIDs:      []int64{900},
	}
}

type testServer struct {
	*Server
	mem    *store.MemoryStore
	client *market.User
	model  *market.User
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemoryStore()
	s, err := New(context.Background(), testConfig(),
		WithLogger(logging.NewWriter(io.Discard, "error", "text")),
		WithCoreOptions(WithBackend(mem, audit.NewMemoryStore())),
	)
	require.NoError(t, err)
	s.drainDelay = 0
	t.Cleanup(func() { _ = s.Shutdown() })

	return &testServer{
		Server: s,
		mem:    mem,
		client: mem.PutUser(&market.User{PublicID: "CL01", TelegramID: 1, Role: market.RoleClient, Status: market.UserActive}),
		model:  mem.PutUser(&market.User{PublicID: "MD01", TelegramID: 2, Role: market.RoleModel, Status: market.UserActive}),
	}
}

func (ts *testServer) token(t *testing.T, userID int64, role string) string {
	t.Helper()
	tok, err := ts.Tokens().Issue(userID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.Router().ServeHTTP(w, req)
	return w
}

func paystackDelivery(t *testing.T, ref string) *http.Request {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event": "charge.success",
		"data":  map[string]any{"reference": ref, "status": "success"},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/paystack", bytes.NewReader(body))
	req.Header.Set(webhooks.HeaderPaystackSignature, hex.EncodeToString(webhooks.SignPaystack([]byte(paystackSecret), body)))
	return req
}

// fundSession books a session and pays for it through the webhook.
func (ts *testServer) fundSession(t *testing.T) string {
	t.Helper()
	sess := ts.mem.PutSession(&market.Session{
		Ref:      "sess_1",
		ClientID: ts.client.ID,
		ModelID:  ts.model.ID,
		Price:    decimal.NewFromInt(1000),
		Status:   market.SessionPending,
	})

	w := ts.do(t, http.MethodPost, "/v1/transactions", ts.token(t, ts.client.ID, market.RoleClient), map[string]any{
		"purpose":  "session",
		"amount":   "1000",
		"metadata": map[string]any{"session_id": sess.ID, "model_id": ts.model.ID},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Transaction struct {
			Ref string `json:"ref"`
		} `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	hook := httptest.NewRecorder()
	ts.Router().ServeHTTP(hook, paystackDelivery(t, created.Transaction.Ref))
	require.Equal(t, http.StatusOK, hook.Code, hook.Body.String())

	escrows, err := ts.Core().Escrows.List(context.Background(), escrow.Filter{UserID: ts.client.ID})
	require.NoError(t, err)
	require.Len(t, escrows, 1)
	return escrows[0].Ref
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	w = ts.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")

	ts.ready.Store(true)
	w = ts.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSecurityHeaders(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get(logging.RequestIDHeader))
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/v1/me", "/v1/escrows", "/v1/admin/escrows"} {
		w := ts.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/v1/admin/escrows", ts.token(t, ts.client.ID, market.RoleClient), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/admin/escrows", ts.token(t, 900, "admin"), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBannedUserIsRejected(t *testing.T) {
	ts := newTestServer(t)
	banned := ts.mem.PutUser(&market.User{PublicID: "CL02", TelegramID: 3, Role: market.RoleClient, Status: market.UserBanned})
	w := ts.do(t, http.MethodGet, "/v1/me", ts.token(t, banned.ID, market.RoleClient), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUnconfiguredProviderIsUnavailable(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/v1/webhooks/flutterwave", "", map[string]any{"data": map[string]any{"tx_ref": "x"}})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestBadSignatureIsRejected(t *testing.T) {
	ts := newTestServer(t)
	req := paystackDelivery(t, "txn_unknown")
	req.Header.Set(webhooks.HeaderPaystackSignature, strings.Repeat("ab", 64))
	w := httptest.NewRecorder()
	ts.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPaymentToReleaseFlow(t *testing.T) {
	ts := newTestServer(t)
	ref := ts.fundSession(t)
	clientTok := ts.token(t, ts.client.ID, market.RoleClient)

	w := ts.do(t, http.MethodGet, "/v1/escrows/"+ref, clientTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"held"`)

	outsider := ts.mem.PutUser(&market.User{PublicID: "CL03", TelegramID: 4, Role: market.RoleClient, Status: market.UserActive})
	w = ts.do(t, http.MethodGet, "/v1/escrows/"+ref, ts.token(t, outsider.ID, market.RoleClient), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	adminTok := ts.token(t, 900, "admin")
	w = ts.do(t, http.MethodPost, "/v1/admin/escrows/"+ref+"/release", adminTok, map[string]any{"reason": "service delivered"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var released struct {
		Escrow  escrow.Escrow `json:"escrow"`
		Changed bool          `json:"changed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &released))
	assert.True(t, released.Changed)
	assert.Equal(t, escrow.StatusReleased, released.Escrow.Status)
	assert.True(t, released.Escrow.ReceiverPayout.Decimal.Equal(decimal.NewFromInt(800)))

	w = ts.do(t, http.MethodPost, "/v1/admin/escrows/"+ref+"/release", adminTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"changed":false`)

	w = ts.do(t, http.MethodGet, "/v1/admin/actions", adminTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), ref)
}

func TestDuplicateWebhookIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	ts.fundSession(t)

	txns, err := ts.Core().Ledger.ListPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, txns)

	escrows, err := ts.Core().Escrows.List(context.Background(), escrow.Filter{})
	require.NoError(t, err)
	require.Len(t, escrows, 1)
	txnID := escrows[0].TransactionID
	require.NotNil(t, txnID)

	completed, err := ts.mem.ListTransactions(context.Background(), "completed", 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)

	w := httptest.NewRecorder()
	ts.Router().ServeHTTP(w, paystackDelivery(t, completed[0].Ref))
	assert.Equal(t, http.StatusOK, w.Code)

	escrows, err = ts.Core().Escrows.List(context.Background(), escrow.Filter{})
	require.NoError(t, err)
	assert.Len(t, escrows, 1)
}

func TestReconciliationReport(t *testing.T) {
	ts := newTestServer(t)
	ts.fundSession(t)

	w := ts.do(t, http.MethodGet, "/v1/admin/reconciliation", ts.token(t, 900, "admin"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy":true`)

	w = ts.do(t, http.MethodGet, "/v1/admin/reconciliation", ts.token(t, ts.client.ID, market.RoleClient), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMalformedRefIsRejected(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/v1/escrows/not-a-ref", ts.token(t, ts.client.ID, market.RoleClient), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminStreamReceivesEvents(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.hub.Run(ctx)

	srv := httptest.NewServer(ts.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/admin/stream?access_token=" + ts.token(t, 900, "admin")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	require.Eventually(t, func() bool {
		return ts.hub.Stats()["connectedClients"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	ref := ts.fundSession(t)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event escrow.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, escrow.EventCreated, event.Type)
	require.NotNil(t, event.Escrow)
	assert.Equal(t, ref, event.Escrow.Ref)
}

func TestStreamRejectsNonAdmins(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/v1/admin/stream?access_token="+ts.token(t, ts.client.ID, market.RoleClient), "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://escrowd:hunter2@db:5432/escrowd?sslmode=disable")
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "@db:5432/escrowd")
	assert.Equal(t, "***", maskDSN("://bad"))
}
