package market_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/velvetrooms/escrowd/internal/escrow"
	"github.com/velvetrooms/escrowd/internal/ledger"
	"github.com/velvetrooms/escrowd/internal/market"
	"github.com/velvetrooms/escrowd/internal/store"
)

type message struct {
	userID int64
	text   string
}

type recordingNotifier struct {
	mu     sync.Mutex
	users  []message
	admins []string
}

func (r *recordingNotifier) NotifyUser(_ context.Context, userID int64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, message{userID, text})
}

func (r *recordingNotifier) NotifyAdmins(_ context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admins = append(r.admins, text)
}

type fixture struct {
	mem     *store.MemoryStore
	svc     *market.Service
	notes   *recordingNotifier
	client  *market.User
	model   *market.User
	session *market.Session
}

func newFixture(t *testing.T, status market.SessionStatus) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	notes := &recordingNotifier{}
	f := &fixture{
		mem:    mem,
		notes:  notes,
		svc:    market.NewService(store.Bind(mem).Market, notes, slog.New(slog.NewTextHandler(io.Discard, nil))),
		client: mem.PutUser(&market.User{PublicID: "CL01", TelegramID: 1, Role: market.RoleClient, Status: market.UserActive}),
		model:  mem.PutUser(&market.User{PublicID: "MD01", TelegramID: 2, Role: market.RoleModel, Status: market.UserActive}),
	}
	f.session = mem.PutSession(&market.Session{
		Ref:      "sess_abc",
		ClientID: f.client.ID,
		ModelID:  f.model.ID,
		Price:    decimal.NewFromInt(1000),
		Status:   status,
	})
	return f
}

func (f *fixture) holdFor(t *testing.T) *escrow.Escrow {
	t.Helper()
	e, err := escrow.DefaultPolicy().NewHold(escrow.HoldRequest{
		Purpose:    ledger.PurposeSession,
		RelatedID:  f.session.ID,
		PayerID:    f.client.ID,
		ReceiverID: &f.model.ID,
		Amount:     decimal.NewFromInt(1000),
		Condition:  escrow.ConditionBothConfirmed,
	}, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.mem.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertEscrow(ctx, e)
	}))
	return e
}

func TestExpireSessions(t *testing.T) {
	f := newFixture(t, market.SessionActive)
	now := time.Now()

	started := now.Add(-61 * time.Minute)
	f.session.StartedAt = &started
	f.session.DurationMinutes = 60
	f.mem.PutSession(f.session)

	fresh := now.Add(-10 * time.Minute)
	running := f.mem.PutSession(&market.Session{
		Ref:             "sess_running",
		ClientID:        f.client.ID,
		ModelID:         f.model.ID,
		Status:          market.SessionActive,
		StartedAt:       &fresh,
		DurationMinutes: 60,
	})

	n, err := f.svc.ExpireSessions(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.mem.GetSession(context.Background(), f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, market.SessionAwaitingConfirmation, got.Status)
	require.NotNil(t, got.EndedAt)

	still, err := f.mem.GetSession(context.Background(), running.ID)
	require.NoError(t, err)
	assert.Equal(t, market.SessionActive, still.Status)

	require.Len(t, f.notes.users, 2)
	assert.Contains(t, f.notes.users[0].text, "sess_abc")

	n, err = f.svc.ExpireSessions(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, n, "already expired sessions are not active")
}

func TestConfirmSessionBothSidesWithHeldEscrow(t *testing.T) {
	f := newFixture(t, market.SessionPaid)
	e := f.holdFor(t)

	sess, err := f.svc.ConfirmSession(context.Background(), f.session.ID, f.client.ID)
	require.NoError(t, err)
	assert.True(t, sess.ClientConfirmed)
	assert.Equal(t, market.SessionPaid, sess.Status)

	sess, err = f.svc.ConfirmSession(context.Background(), f.session.ID, f.model.ID)
	require.NoError(t, err)
	assert.Equal(t, market.SessionAwaitingRelease, sess.Status)
	require.NotNil(t, sess.CompletedAt)

	got, err := f.mem.GetEscrow(context.Background(), e.Ref)
	require.NoError(t, err)
	assert.True(t, got.ReleaseConditionMet)
	assert.Equal(t, escrow.StatusHeld, got.Status, "confirmation does not move funds")
	assert.Len(t, f.notes.admins, 1)
}

func TestConfirmSessionWithoutEscrowCompletes(t *testing.T) {
	f := newFixture(t, market.SessionAwaitingConfirmation)

	_, err := f.svc.ConfirmSession(context.Background(), f.session.ID, f.model.ID)
	require.NoError(t, err)
	sess, err := f.svc.ConfirmSession(context.Background(), f.session.ID, f.client.ID)
	require.NoError(t, err)
	assert.Equal(t, market.SessionCompleted, sess.Status)
	assert.Empty(t, f.notes.admins)
}

func TestConfirmSessionRejectsOutsiders(t *testing.T) {
	f := newFixture(t, market.SessionPaid)
	_, err := f.svc.ConfirmSession(context.Background(), f.session.ID, 9999)
	assert.ErrorIs(t, err, market.ErrNotParticipant)

	_, err = f.svc.ConfirmSession(context.Background(), 9999, f.client.ID)
	assert.ErrorIs(t, err, market.ErrSessionNotFound)
}

func TestConfirmSessionRejectsFinishedSession(t *testing.T) {
	f := newFixture(t, market.SessionRejected)
	_, err := f.svc.ConfirmSession(context.Background(), f.session.ID, f.client.ID)
	assert.ErrorIs(t, err, market.ErrInvalidStatus)

	got, err := f.mem.GetSession(context.Background(), f.session.ID)
	require.NoError(t, err)
	assert.False(t, got.ClientConfirmed, "failed confirmation is rolled back")
}

func TestRegisterUser(t *testing.T) {
	f := newFixture(t, market.SessionPending)

	u, err := f.svc.RegisterUser(context.Background(), 42, "ada", market.RoleClient)
	require.NoError(t, err)
	assert.Len(t, u.PublicID, 4)
	assert.Equal(t, market.UserActive, u.Status)
	assert.NotZero(t, u.ID)

	_, err = f.svc.RegisterUser(context.Background(), 43, "bob", "superuser")
	assert.ErrorIs(t, err, market.ErrInvalidStatus)
}

func TestRegisterUserUniquePublicIDs(t *testing.T) {
	f := newFixture(t, market.SessionPending)
	seen := map[string]bool{"CL01": true, "MD01": true}
	for i := int64(0); i < 200; i++ {
		u, err := f.svc.RegisterUser(context.Background(), 100+i, "", market.RoleClient)
		require.NoError(t, err)
		require.False(t, seen[u.PublicID], "duplicate %s", u.PublicID)
		seen[u.PublicID] = true
	}
}

func TestBanUser(t *testing.T) {
	f := newFixture(t, market.SessionPending)
	u, err := f.svc.BanUser(context.Background(), f.client.ID)
	require.NoError(t, err)
	assert.Equal(t, market.UserBanned, u.Status)

	_, err = f.svc.BanUser(context.Background(), 9999)
	assert.ErrorIs(t, err, market.ErrUserNotFound)
}

func setupRouter(h *market.Handler, userID int64, role string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/v1")
	g.Use(func(c *gin.Context) {
		c.Set("authUserID", userID)
		c.Set("authRole", role)
		c.Next()
	})
	h.RegisterProtectedRoutes(g)
	h.RegisterAdminRoutes(g.Group("/admin"))
	return r
}

func TestHandlerConfirmSession(t *testing.T) {
	f := newFixture(t, market.SessionPaid)
	h := market.NewHandler(f.svc)

	w := httptest.NewRecorder()
	r := setupRouter(h, f.client.ID, market.RoleClient)
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/sessions/"+itoa(f.session.ID)+"/confirm", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Session market.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Session.ClientConfirmed)

	w = httptest.NewRecorder()
	setupRouter(h, 9999, market.RoleClient).ServeHTTP(w,
		httptest.NewRequest(http.MethodPost, "/v1/sessions/"+itoa(f.session.ID)+"/confirm", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/sessions/abc/confirm", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerGetSessionHidesFromOutsiders(t *testing.T) {
	f := newFixture(t, market.SessionPaid)
	h := market.NewHandler(f.svc)
	path := "/v1/sessions/" + itoa(f.session.ID)

	w := httptest.NewRecorder()
	setupRouter(h, 9999, market.RoleClient).ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	setupRouter(h, 9999, market.RoleAdmin).ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlerRegisterUser(t *testing.T) {
	f := newFixture(t, market.SessionPending)
	r := setupRouter(market.NewHandler(f.svc), 1, market.RoleAdmin)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/users",
		strings.NewReader(`{"telegramId": 77, "username": "eve", "role": "model"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"model"`)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/users", strings.NewReader(`{"username": "eve"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func TestHandlerListCredits(t *testing.T) {
	f := newFixture(t, market.SessionCompleted)
	ctx := context.Background()
	require.NoError(t, f.mem.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreditWallet(ctx, f.model.ID, decimal.NewFromInt(800), escrow.CreditRelease, "ses_1"); err != nil {
			return err
		}
		if err := tx.CreditWallet(ctx, f.model.ID, decimal.NewFromInt(400), escrow.CreditRelease, "cnt_1"); err != nil {
			return err
		}
		return tx.CreditWallet(ctx, f.client.ID, decimal.NewFromInt(50), escrow.CreditRefund, "ses_2")
	}))
	h := market.NewHandler(f.svc)

	w := httptest.NewRecorder()
	setupRouter(h, f.model.ID, market.RoleModel).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/me/credits", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Credits []market.BalanceEntry `json:"credits"`
		Count   int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "cnt_1", resp.Credits[0].Reference)
	assert.Equal(t, "ses_1", resp.Credits[1].Reference)
	for _, e := range resp.Credits {
		assert.Equal(t, f.model.ID, e.UserID)
	}

	w = httptest.NewRecorder()
	setupRouter(h, f.model.ID, market.RoleModel).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/me/credits?limit=1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	w = httptest.NewRecorder()
	setupRouter(h, 9999, market.RoleClient).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/me/credits", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"credits":[]`)

	w = httptest.NewRecorder()
	setupRouter(h, f.model.ID, market.RoleModel).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/me/credits?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
