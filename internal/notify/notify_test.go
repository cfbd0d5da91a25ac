package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	brevo "github.com/getbrevo/brevo-go/lib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/velvetrooms/escrowd/internal/circuitbreaker"
	"github.com/velvetrooms/escrowd/internal/escrow"
	"github.com/velvetrooms/escrowd/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRelay(url string) *Relay {
	r := NewRelay(url, "relay-secret")
	r.policy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	return r
}

func TestRelaySignsMessages(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts := r.Header.Get(HeaderTimestamp)
		if r.Header.Get(HeaderSignature) != Sign([]byte("relay-secret"), ts, body) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := fastRelay(srv.URL).Send(context.Background(), Message{UserID: 42, Text: "Escrow released"})
	require.NoError(t, err)
	assert.EqualValues(t, 42, got.UserID)
	assert.Equal(t, "Escrow released", got.Text)
	assert.False(t, got.SentAt.IsZero())
}

func TestRelayRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, fastRelay(srv.URL).Send(context.Background(), Message{UserID: 1, Text: "hi"}))
	assert.EqualValues(t, 3, hits.Load())
}

func TestRelayDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := fastRelay(srv.URL).Send(context.Background(), Message{UserID: 1, Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.EqualValues(t, 1, hits.Load())
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *recordingSender) recipients() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, m := range s.msgs {
		ids = append(ids, m.UserID)
	}
	return ids
}

type recordingPublisher struct {
	events []escrow.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e escrow.Event) {
	p.events = append(p.events, e)
}

type recordingMailer struct {
	mu       sync.Mutex
	subjects []string
}

func (m *recordingMailer) Send(_ context.Context, subject, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects = append(m.subjects, subject)
	return nil
}

func wait(t *testing.T, f *Fanout) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.Wait(ctx))
}

func TestFanoutRoutesChannels(t *testing.T) {
	sender := &recordingSender{}
	pub := &recordingPublisher{}
	mailer := &recordingMailer{}
	f := New(testLogger(),
		WithSender(sender), WithPublisher(pub), WithMailer(mailer), WithAdmins([]int64{100, 101}))

	f.NotifyUser(context.Background(), 7, "paid")
	f.NotifyAdmins(context.Background(), "new escrow")
	f.Publish(context.Background(), escrow.Event{Type: escrow.EventCreated, Escrow: &escrow.Escrow{Ref: "ses_1"}})
	f.Alert(context.Background(), "payment without escrow", "ref ses_1")
	wait(t, f)

	assert.ElementsMatch(t, []int64{7, 100, 101, 100, 101}, sender.recipients())
	require.Len(t, pub.events, 1)
	assert.False(t, pub.events[0].At.IsZero())
	assert.Equal(t, []string{"payment without escrow"}, mailer.subjects)
}

func TestFanoutSurvivesCancelledCaller(t *testing.T) {
	sender := &recordingSender{}
	f := New(testLogger(), WithSender(sender))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.NotifyUser(ctx, 9, "refunded")
	wait(t, f)

	assert.Equal(t, []int64{9}, sender.recipients())
}

func TestFanoutSwallowsFailures(t *testing.T) {
	f := New(testLogger(), WithSender(&recordingSender{err: errors.New("gateway down")}))
	f.NotifyUser(context.Background(), 1, "x")
	wait(t, f)
}

func TestFanoutBreakerStopsCallingDeadGateway(t *testing.T) {
	sender := &recordingSender{err: errors.New("gateway down")}
	f := New(testLogger(), WithSender(sender), WithBreaker(circuitbreaker.New(2, time.Hour)))

	for i := 0; i < 5; i++ {
		f.NotifyUser(context.Background(), int64(i), "x")
		wait(t, f)
	}
	assert.Len(t, sender.recipients(), 2)
}

// stallingSender blocks until its context ends and records why.
type stallingSender struct {
	mu  sync.Mutex
	err error
}

func (s *stallingSender) Send(ctx context.Context, _ Message) error {
	<-ctx.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = ctx.Err()
	return s.err
}

func TestFanoutTimeoutBoundsDelivery(t *testing.T) {
	sender := &stallingSender{}
	f := New(testLogger(), WithSender(sender), WithTimeout(20*time.Millisecond))

	f.NotifyUser(context.Background(), 3, "released")
	wait(t, f)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.ErrorIs(t, sender.err, context.DeadlineExceeded)
}

func TestWithTimeoutIgnoresNonPositive(t *testing.T) {
	f := New(testLogger(), WithTimeout(0))
	assert.Equal(t, 30*time.Second, f.timeout)

	f = New(testLogger(), WithTimeout(time.Second))
	assert.Equal(t, time.Second, f.timeout)
}

func TestFanoutWithoutChannels(t *testing.T) {
	f := New(testLogger())
	f.NotifyUser(context.Background(), 1, "x")
	f.NotifyAdmins(context.Background(), "x")
	f.Publish(context.Background(), escrow.Event{Type: escrow.EventReleased})
	f.Alert(context.Background(), "s", "b")
	wait(t, f)
}

func TestBrevoMailerBuildsEmail(t *testing.T) {
	m := NewBrevoMailer("xkeysib-test", "alerts@example.com", []string{"ops@example.com", "cto@example.com"})
	var sent brevo.SendSmtpEmail
	m.send = func(_ context.Context, email brevo.SendSmtpEmail) error {
		sent = email
		return nil
	}

	require.NoError(t, m.Send(context.Background(), "payment without escrow", "ref <ses_1>"))
	assert.Equal(t, "[escrowd] payment without escrow", sent.Subject)
	require.NotNil(t, sent.Sender)
	assert.Equal(t, "alerts@example.com", sent.Sender.Email)
	require.Len(t, sent.To, 2)
	assert.Equal(t, "cto@example.com", sent.To[1].Email)
	assert.Equal(t, "ref <ses_1>", sent.TextContent)
	assert.Contains(t, sent.HtmlContent, "ref &lt;ses_1&gt;")
}

func TestBrevoMailerWrapsErrors(t *testing.T) {
	m := NewBrevoMailer("k", "a@example.com", []string{"b@example.com"})
	m.send = func(context.Context, brevo.SendSmtpEmail) error { return errors.New("401") }
	assert.ErrorContains(t, m.Send(context.Background(), "s", "b"), "brevo send")
}

var (
	_ escrow.Notifier = (*Fanout)(nil)
	_ Publisher       = (*recordingPublisher)(nil)
)
