// Package store implements the persistence units of work shared by the
// ledger, escrow, settlement, market and admin packages. Each backend
// offers one InTx whose Tx satisfies every domain's Tx interface; Bind
// narrows a backend to the per-domain Store interfaces.
package store

import (
	"context"
	"time"

	"github.com/velvetrooms/escrowd/internal/admin"
	"github.com/velvetrooms/escrowd/internal/escrow"
	"github.com/velvetrooms/escrowd/internal/ledger"
	"github.com/velvetrooms/escrowd/internal/market"
	"github.com/velvetrooms/escrowd/internal/settlement"
)

// Tx is every row-level operation a unit of work offers.
type Tx interface {
	escrow.Tx
	settlement.Tx
	market.Tx
	admin.Tx
}

// Backend is a complete persistence implementation.
type Backend interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	ledger.Store

	GetEscrow(ctx context.Context, ref string) (*escrow.Escrow, error)
	ListEscrows(ctx context.Context, filter escrow.Filter) ([]*escrow.Escrow, error)
	ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]*escrow.Escrow, error)
	ListEscrowsByRelated(ctx context.Context, purpose ledger.Purpose, relatedID int64) ([]*escrow.Escrow, error)
	ListOrphanedTransactions(ctx context.Context, limit int) ([]*ledger.Transaction, error)

	GetSession(ctx context.Context, id int64) (*market.Session, error)
	ListActiveSessions(ctx context.Context) ([]*market.Session, error)
	GetUser(ctx context.Context, id int64) (*market.User, error)
	PublicIDTaken(ctx context.Context, publicID string) (bool, error)
	InsertUser(ctx context.Context, u *market.User) error
	SetUserStatus(ctx context.Context, id int64, status string) (*market.User, error)

	ListBalanceEntries(ctx context.Context, userID int64, limit int) ([]*market.BalanceEntry, error)
}

// Stores is a backend narrowed to each domain's Store interface.
type Stores struct {
	Ledger     ledger.Store
	Escrow     escrow.Store
	Settlement settlement.Store
	Market     market.Store
	Admin      admin.Store
}

// Bind narrows b to the per-domain interfaces.
func Bind(b Backend) Stores {
	return Stores{
		Ledger:     b,
		Escrow:     escrowView{b},
		Settlement: settlementView{b},
		Market:     marketView{b},
		Admin:      adminView{b},
	}
}

type escrowView struct{ Backend }

func (v escrowView) InTx(ctx context.Context, fn func(ctx context.Context, tx escrow.Tx) error) error {
	return v.Backend.InTx(ctx, func(ctx context.Context, tx Tx) error { return fn(ctx, tx) })
}

type settlementView struct{ Backend }

func (v settlementView) InTx(ctx context.Context, fn func(ctx context.Context, tx settlement.Tx) error) error {
	return v.Backend.InTx(ctx, func(ctx context.Context, tx Tx) error { return fn(ctx, tx) })
}

type marketView struct{ Backend }

func (v marketView) InTx(ctx context.Context, fn func(ctx context.Context, tx market.Tx) error) error {
	return v.Backend.InTx(ctx, func(ctx context.Context, tx Tx) error { return fn(ctx, tx) })
}

type adminView struct{ Backend }

func (v adminView) InTx(ctx context.Context, fn func(ctx context.Context, tx admin.Tx) error) error {
	return v.Backend.InTx(ctx, func(ctx context.Context, tx Tx) error { return fn(ctx, tx) })
}

var (
	_ escrow.Store     = escrowView{}
	_ settlement.Store = settlementView{}
	_ market.Store     = marketView{}
	_ admin.Store      = adminView{}
)
