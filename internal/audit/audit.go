// Package audit is the append-only record of administrative actions.
// Entries are never updated or deleted.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidAction = errors.New("invalid audit action")

// Kind is the type of administrative action.
type Kind string

const (
	KindApprovePayment Kind = "approve_payment"
	KindRejectPayment  Kind = "reject_payment"
	KindReleaseEscrow  Kind = "release_escrow"
	KindRefundEscrow   Kind = "refund_escrow"
	KindResolveDispute Kind = "resolve_dispute"
	KindBanUser        Kind = "ban_user"
	KindCreateEscrow   Kind = "create_escrow"
)

// Target types.
const (
	TargetTransaction = "transaction"
	TargetEscrow      = "escrow"
	TargetUser        = "user"
)

// Action is one audit entry.
type Action struct {
	ID         uuid.UUID      `json:"id"`
	ActorID    int64          `json:"actorId"`
	Kind       Kind           `json:"kind"`
	TargetType string         `json:"targetType"`
	TargetID   string         `json:"targetId"`
	Detail     map[string]any `json:"detail,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Filter narrows ListActions. Zero fields match everything.
type Filter struct {
	ActorID    int64
	Kind       Kind
	TargetType string
	TargetID   string
	Limit      int
}

func (f Filter) matches(a *Action) bool {
	return (f.ActorID == 0 || a.ActorID == f.ActorID) &&
		(f.Kind == "" || a.Kind == f.Kind) &&
		(f.TargetType == "" || a.TargetType == f.TargetType) &&
		(f.TargetID == "" || a.TargetID == f.TargetID)
}

// Store persists audit entries.
type Store interface {
	AppendAction(ctx context.Context, a *Action) error
	// ListActions returns matching actions, most recent first.
	ListActions(ctx context.Context, filter Filter) ([]*Action, error)
}

type contextKey string

const ctxRequestID contextKey = "audit_request_id"

// WithRequestID attaches a request id for audit correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

func requestIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxRequestID).(string)
	return v
}

// Recorder appends actions.
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a new audit recorder.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Record appends one action.
func (r *Recorder) Record(ctx context.Context, actorID int64, kind Kind, targetType, targetID string, detail map[string]any) (*Action, error) {
	if actorID == 0 || kind == "" || targetType == "" || targetID == "" {
		return nil, ErrInvalidAction
	}
	a := &Action{
		ID:         uuid.New(),
		ActorID:    actorID,
		Kind:       kind,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
		RequestID:  requestIDFrom(ctx),
		CreatedAt:  r.now().UTC(),
	}
	if err := r.store.AppendAction(ctx, a); err != nil {
		r.logger.Error("failed to record admin action",
			"actor", actorID, "kind", kind, "target", targetType+":"+targetID, "error", err)
		return nil, err
	}
	return a, nil
}

// List returns actions matching filter, most recent first.
func (r *Recorder) List(ctx context.Context, filter Filter) ([]*Action, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return r.store.ListActions(ctx, filter)
}
