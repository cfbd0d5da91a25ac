package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/velvetrooms/escrowd/internal/escrow"
	"github.com/velvetrooms/escrowd/internal/idgen"
	"github.com/velvetrooms/escrowd/internal/ledger"
)

// Tx is the unit of work for session transitions.
type Tx interface {
	LockSession(ctx context.Context, id int64) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	// LockEscrowFor returns the newest escrow of purpose held against
	// relatedID, or escrow.ErrEscrowNotFound.
	LockEscrowFor(ctx context.Context, purpose ledger.Purpose, relatedID int64) (*escrow.Escrow, error)
	UpdateEscrow(ctx context.Context, e *escrow.Escrow) error
}

// Store persists marketplace records.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetSession(ctx context.Context, id int64) (*Session, error)
	ListActiveSessions(ctx context.Context) ([]*Session, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	PublicIDTaken(ctx context.Context, publicID string) (bool, error)
	InsertUser(ctx context.Context, u *User) error
	SetUserStatus(ctx context.Context, id int64, status string) (*User, error)
	ListBalanceEntries(ctx context.Context, userID int64, limit int) ([]*BalanceEntry, error)
}

// Notifier delivers post-commit messages.
type Notifier interface {
	NotifyUser(ctx context.Context, userID int64, text string)
	NotifyAdmins(ctx context.Context, text string)
}

// Service implements session and account workflows.
type Service struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new market service.
func NewService(store Store, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{store: store, notifier: notifier, logger: logger, now: time.Now}
}

// GetSession returns a session by id.
func (s *Service) GetSession(ctx context.Context, id int64) (*Session, error) {
	return s.store.GetSession(ctx, id)
}

// GetUser returns a user by id.
func (s *Service) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.store.GetUser(ctx, id)
}

// ListCredits returns a user's most recent wallet credits, newest first.
func (s *Service) ListCredits(ctx context.Context, userID int64, limit int) ([]*BalanceEntry, error) {
	return s.store.ListBalanceEntries(ctx, userID, limit)
}

// ExpireSessions moves every active session whose duration has elapsed to
// awaiting_confirmation and asks both participants to confirm. It stops at
// the first persistence error and reports how many sessions moved so far.
func (s *Service) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	active, err := s.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active sessions: %w", err)
	}

	moved := 0
	for _, candidate := range active {
		if !candidate.TimeUp(now) {
			continue
		}
		var expired *Session
		err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			sess, err := tx.LockSession(ctx, candidate.ID)
			if err != nil {
				return err
			}
			// Re-check under the lock; a participant may have confirmed meanwhile.
			if !sess.TimeUp(now) {
				return nil
			}
			sess.Status = SessionAwaitingConfirmation
			sess.EndedAt = &now
			expired = sess
			return tx.UpdateSession(ctx, sess)
		})
		if err != nil {
			return moved, fmt.Errorf("failed to expire session %s: %w", candidate.Ref, err)
		}
		if expired == nil {
			continue
		}
		moved++
		msg := fmt.Sprintf("Session %s time ended. Confirm completion with /confirm_session %s.", expired.Ref, expired.Ref)
		s.notifier.NotifyUser(ctx, expired.ClientID, msg)
		s.notifier.NotifyUser(ctx, expired.ModelID, msg)
	}
	return moved, nil
}

// ConfirmSession records a participant's confirmation. Once both sides
// have confirmed the session completes; if its escrow is still held the
// release condition is marked met and the session waits for an
// administrator to release funds.
func (s *Service) ConfirmSession(ctx context.Context, sessionID, userID int64) (*Session, error) {
	var (
		out       *Session
		awaiting  *escrow.Escrow
		completed bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		sess, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		switch userID {
		case sess.ClientID:
			sess.ClientConfirmed = true
		case sess.ModelID:
			sess.ModelConfirmed = true
		default:
			return ErrNotParticipant
		}
		if !sess.Confirmable() {
			return fmt.Errorf("%w: session is %s", ErrInvalidStatus, sess.Status)
		}

		if sess.ClientConfirmed && sess.ModelConfirmed {
			now := s.now()
			sess.Status = SessionCompleted
			sess.CompletedAt = &now
			completed = true

			e, err := tx.LockEscrowFor(ctx, ledger.PurposeSession, sess.ID)
			switch {
			case errors.Is(err, escrow.ErrEscrowNotFound):
			case err != nil:
				return err
			case e.Status == escrow.StatusHeld:
				e.ReleaseConditionMet = true
				e.ReleaseCondition = escrow.ConditionBothConfirmed
				if err := tx.UpdateEscrow(ctx, e); err != nil {
					return err
				}
				sess.Status = SessionAwaitingRelease
				awaiting = e
			}
		}
		out = sess
		return tx.UpdateSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}

	other := out.ModelID
	if userID == out.ModelID {
		other = out.ClientID
	}
	switch {
	case awaiting != nil:
		s.logger.Info("session awaiting release", "sessionRef", out.Ref, "escrowRef", awaiting.Ref)
		s.notifier.NotifyUser(ctx, other, fmt.Sprintf("Session %s confirmed by both sides. Funds will be released by an administrator.", out.Ref))
		s.notifier.NotifyAdmins(ctx, fmt.Sprintf("Session %s completed. Escrow %s is ready for release.", out.Ref, awaiting.Ref))
	case completed:
		s.notifier.NotifyUser(ctx, other, fmt.Sprintf("Session %s completed.", out.Ref))
	default:
		s.notifier.NotifyUser(ctx, other, fmt.Sprintf("Your counterpart confirmed session %s. Confirm with /confirm_session %s.", out.Ref, out.Ref))
	}
	return out, nil
}

// RegisterUser creates a user with a fresh 4-character public id.
func (s *Service) RegisterUser(ctx context.Context, telegramID int64, username, role string) (*User, error) {
	switch role {
	case RoleClient, RoleModel, RoleAdmin:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidStatus, role)
	}

	publicID, err := idgen.AllocatePublicID(ctx, s.store.PublicIDTaken, idgen.DefaultPublicIDAttempts)
	if err != nil {
		return nil, err
	}
	u := &User{
		PublicID:   publicID,
		TelegramID: telegramID,
		Username:   username,
		Role:       role,
		Status:     UserActive,
		CreatedAt:  s.now(),
	}
	if err := s.store.InsertUser(ctx, u); err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return u, nil
}

// BanUser marks a user banned.
func (s *Service) BanUser(ctx context.Context, userID int64) (*User, error) {
	return s.store.SetUserStatus(ctx, userID, UserBanned)
}
