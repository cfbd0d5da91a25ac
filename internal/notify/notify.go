// Package notify delivers post-commit messages.
//
// Every call is fire-and-forget: the financial change it reports has
// already committed, so a delivery failure is logged and counted, never
// returned. Channels:
//   - user and admin chat messages go to the bot gateway Relay
//   - escrow events go to the admin stream Publisher
//   - operator alerts go to the Mailer (Brevo)
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/velvetrooms/escrowd/internal/circuitbreaker"
	"github.com/velvetrooms/escrowd/internal/escrow"
	"github.com/velvetrooms/escrowd/internal/metrics"
)

// Sender delivers chat messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Publisher streams escrow events. Publish must not block.
type Publisher interface {
	Publish(ctx context.Context, event escrow.Event)
}

// Mailer sends operator e-mail.
type Mailer interface {
	Send(ctx context.Context, subject, body string) error
}

// Fanout routes notifications to the configured channels. A nil channel
// is skipped.
type Fanout struct {
	sender    Sender
	publisher Publisher
	mailer    Mailer
	admins    []int64
	timeout   time.Duration
	breaker   *circuitbreaker.Breaker
	logger    *slog.Logger

	wg sync.WaitGroup
}

// Option configures a Fanout.
type Option func(*Fanout)

// WithSender routes chat messages through s.
func WithSender(s Sender) Option { return func(f *Fanout) { f.sender = s } }

// WithPublisher streams escrow events to p.
func WithPublisher(p Publisher) Option { return func(f *Fanout) { f.publisher = p } }

// WithMailer sends operator alerts through m.
func WithMailer(m Mailer) Option { return func(f *Fanout) { f.mailer = m } }

// WithAdmins sets the user ids NotifyAdmins fans out to.
func WithAdmins(ids []int64) Option {
	return func(f *Fanout) { f.admins = append([]int64(nil), ids...) }
}

// WithBreaker stops calling a channel after repeated failures.
func WithBreaker(b *circuitbreaker.Breaker) Option { return func(f *Fanout) { f.breaker = b } }

// WithTimeout bounds a single background delivery. Non-positive values keep
// the default.
func WithTimeout(d time.Duration) Option {
	return func(f *Fanout) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// New creates a fanout.
func New(logger *slog.Logger, opts ...Option) *Fanout {
	f := &Fanout{timeout: 30 * time.Second, logger: logger, breaker: circuitbreaker.New(5, 30*time.Second)}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NotifyUser sends text to one user in the background.
func (f *Fanout) NotifyUser(ctx context.Context, userID int64, text string) {
	if f.sender == nil {
		metrics.NotificationsTotal.WithLabelValues("relay", "skipped").Inc()
		return
	}
	f.background(ctx, "relay", func(ctx context.Context) error {
		return f.sender.Send(ctx, Message{UserID: userID, Text: text})
	}, "user_id", userID)
}

// NotifyAdmins sends text to every configured admin.
func (f *Fanout) NotifyAdmins(ctx context.Context, text string) {
	for _, id := range f.admins {
		f.NotifyUser(ctx, id, text)
	}
}

// Publish forwards event to the admin stream.
func (f *Fanout) Publish(ctx context.Context, event escrow.Event) {
	if f.publisher == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}
	f.publisher.Publish(ctx, event)
	metrics.NotificationsTotal.WithLabelValues("stream", "sent").Inc()
}

// Alert raises an operator alert: an e-mail when a mailer is configured,
// and a chat message to every admin.
func (f *Fanout) Alert(ctx context.Context, subject, body string) {
	f.NotifyAdmins(ctx, "ALERT: "+subject+"\n"+body)
	if f.mailer == nil {
		metrics.NotificationsTotal.WithLabelValues("email", "skipped").Inc()
		return
	}
	f.background(ctx, "email", func(ctx context.Context) error {
		return f.mailer.Send(ctx, subject, body)
	}, "subject", subject)
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (f *Fanout) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// background runs fn detached from the caller's cancellation so a
// finished HTTP request does not abort its own notifications.
func (f *Fanout) background(ctx context.Context, channel string, fn func(context.Context) error, attrs ...any) {
	ctx = context.WithoutCancel(ctx)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()

		err := f.breaker.Do(ctx, channel, fn)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			metrics.NotificationsTotal.WithLabelValues(channel, "dropped").Inc()
			f.logger.Warn("notification dropped: channel circuit open", append([]any{"channel", channel}, attrs...)...)
			return
		}
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues(channel, "failed").Inc()
			f.logger.Warn("notification failed", append([]any{"channel", channel, "error", err}, attrs...)...)
			return
		}
		metrics.NotificationsTotal.WithLabelValues(channel, "sent").Inc()
	}()
}
