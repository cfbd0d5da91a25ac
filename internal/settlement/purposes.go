package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/velvetrooms/escrowd/internal/escrow"
	"github.com/velvetrooms/escrowd/internal/ledger"
	"github.com/velvetrooms/escrowd/internal/market"
)

// Each routine resolves and validates its records before writing anything,
// so a missing record leaves only the transaction completion behind.

func (p *Processor) settleSession(ctx context.Context, tx Tx, t *ledger.Transaction, now time.Time) (*escrow.Escrow, error) {
	sess, err := p.lockSession(ctx, tx, t.Metadata)
	if err != nil {
		return nil, err
	}

	e, err := p.hold(ctx, tx, escrow.HoldRequest{
		Purpose:          ledger.PurposeSession,
		RelatedID:        sess.ID,
		PayerID:          t.PayerID,
		ReceiverID:       &sess.ModelID,
		TransactionID:    &t.ID,
		Amount:           t.Amount,
		Condition:        escrow.ConditionBothConfirmed,
		AutoReleaseHours: p.policy.AutoReleaseHours,
	}, now)
	if err != nil {
		return nil, err
	}

	sess.Status = market.SessionPaid
	sess.EscrowID = &e.ID
	if err := tx.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *Processor) settleContent(ctx context.Context, tx Tx, t *ledger.Transaction, now time.Time) (*escrow.Escrow, error) {
	purchase, err := tx.FindPurchaseByTransaction(ctx, t.ID)
	switch {
	case errors.Is(err, market.ErrPurchaseNotFound):
		purchase = nil
	case err != nil:
		return nil, err
	}

	var contentID int64
	if purchase != nil {
		contentID = purchase.ContentID
	} else {
		id, ok := t.Metadata.Int64(ledger.MetaContentID)
		if !ok {
			return nil, missing("content_id", nil)
		}
		contentID = id
	}
	content, err := tx.LockContent(ctx, contentID)
	if errors.Is(err, market.ErrContentNotFound) {
		return nil, missing("content", err)
	}
	if err != nil {
		return nil, err
	}

	if purchase == nil {
		purchase = &market.ContentPurchase{
			ContentID:     content.ID,
			ClientID:      t.PayerID,
			TransactionID: &t.ID,
			PricePaid:     t.Amount,
			Status:        market.PurchasePending,
			PurchasedAt:   now,
		}
		if err := tx.InsertPurchase(ctx, purchase); err != nil {
			return nil, err
		}
	}

	e, err := p.hold(ctx, tx, escrow.HoldRequest{
		Purpose:          ledger.PurposeContent,
		RelatedID:        content.ID,
		PayerID:          t.PayerID,
		ReceiverID:       &content.ModelID,
		TransactionID:    &t.ID,
		Amount:           t.Amount,
		Condition:        escrow.ConditionContentDelivered,
		AutoReleaseHours: p.policy.AutoReleaseHours,
	}, now)
	if err != nil {
		return nil, err
	}

	purchase.Status = market.PurchasePaid
	purchase.EscrowID = &e.ID
	if err := tx.UpdatePurchase(ctx, purchase); err != nil {
		return nil, err
	}
	content.RecordSale(t.Amount)
	if err := tx.UpdateContent(ctx, content); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *Processor) settleAccessFee(ctx context.Context, tx Tx, t *ledger.Transaction, now time.Time) (*escrow.Escrow, error) {
	clientID, ok := t.Metadata.Int64(ledger.MetaClientID)
	if !ok {
		clientID = t.PayerID
	}

	profile, err := tx.ClientProfileByUser(ctx, clientID)
	switch {
	case errors.Is(err, market.ErrProfileNotFound):
		profile = &market.ClientProfile{UserID: clientID}
		if err := tx.InsertClientProfile(ctx, profile); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	// Access is admin-gated: no receiver and no auto-release window.
	e, err := p.hold(ctx, tx, escrow.HoldRequest{
		Purpose:       ledger.PurposeAccessFee,
		RelatedID:     profile.ID,
		PayerID:       clientID,
		TransactionID: &t.ID,
		Amount:        t.Amount,
		Condition:     escrow.ConditionAccessGranted,
	}, now)
	if err != nil {
		return nil, err
	}

	profile.AccessFeePaid = false
	profile.AccessFeeEscrowID = &e.ID
	if err := tx.UpdateClientProfile(ctx, profile); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *Processor) settleExtension(ctx context.Context, tx Tx, t *ledger.Transaction, now time.Time) (*escrow.Escrow, error) {
	sess, err := p.lockSession(ctx, tx, t.Metadata)
	if err != nil {
		return nil, err
	}

	// The escrow's related id is the only link; the session is not modified.
	return p.hold(ctx, tx, escrow.HoldRequest{
		Purpose:          ledger.PurposeExtension,
		RelatedID:        sess.ID,
		PayerID:          t.PayerID,
		ReceiverID:       &sess.ModelID,
		TransactionID:    &t.ID,
		Amount:           t.Amount,
		Condition:        escrow.ConditionSessionComplete,
		AutoReleaseHours: p.policy.AutoReleaseHours,
	}, now)
}

// lockSession resolves session_id and model_id from metadata and checks
// that the session exists and belongs to that model.
func (p *Processor) lockSession(ctx context.Context, tx Tx, md ledger.Metadata) (*market.Session, error) {
	sessionID, ok := md.Int64(ledger.MetaSessionID)
	if !ok {
		return nil, missing("session_id", nil)
	}
	modelID, ok := md.Int64(ledger.MetaModelID)
	if !ok {
		return nil, missing("model_id", nil)
	}
	sess, err := tx.LockSession(ctx, sessionID)
	if errors.Is(err, market.ErrSessionNotFound) {
		return nil, missing("session", err)
	}
	if err != nil {
		return nil, err
	}
	if sess.ModelID != modelID {
		return nil, missing("session for model", nil)
	}
	return sess, nil
}
