package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/velvetrooms/escrowd/internal/escrow"
	"github.com/velvetrooms/escrowd/internal/ledger"
	"github.com/velvetrooms/escrowd/internal/market"
)

// PostgresStore is the production Backend. Row locks are taken with
// SELECT ... FOR UPDATE inside READ COMMITTED transactions.
type PostgresStore struct {
	dsn    string
	db     atomic.Pointer[sql.DB]
	logger *slog.Logger
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := openPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	p := NewPostgresStore(db, logger)
	p.dsn = dsn
	return p, nil
}

// NewPostgresStore wraps an existing pool. Reset is unavailable unless the
// store was created by OpenPostgres.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PostgresStore{logger: logger}
	p.db.Store(db)
	return p
}

func openPool(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// DB returns the current pool.
func (p *PostgresStore) DB() *sql.DB {
	return p.db.Load()
}

// Close closes the current pool.
func (p *PostgresStore) Close() error {
	return p.db.Load().Close()
}

// Reset replaces the pool with a fresh one, discarding broken connections.
func (p *PostgresStore) Reset(ctx context.Context) error {
	if p.dsn == "" {
		return errors.New("postgres store: no dsn to reconnect with")
	}
	fresh, err := openPool(ctx, p.dsn)
	if err != nil {
		return err
	}
	old := p.db.Swap(fresh)
	if old != nil {
		_ = old.Close()
	}
	p.logger.Warn("database pool reset")
	return nil
}

// Transient reports whether err means the connection, not the query, failed.
func (p *PostgresStore) Transient(err error) bool {
	return IsConnectionError(err)
}

// IsConnectionError classifies driver and network failures.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08" || pqErr.Code == "57P01"
	}
	return false
}

// Ping checks connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.Load().PingContext(ctx)
}

// InTx runs fn in a READ COMMITTED transaction, committing when fn succeeds.
func (p *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := p.db.Load().BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// --- transactions ---

const transactionColumns = `id, ref, payer_id, purpose, amount, metadata, status,
	COALESCE(provider, ''), completed_at, created_at`

func scanTransaction(row scanner) (*ledger.Transaction, error) {
	var (
		t           ledger.Transaction
		purpose     string
		status      string
		metadata    []byte
		completedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Ref, &t.PayerID, &purpose, &t.Amount, &metadata, &status,
		&t.Provider, &completedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Purpose = ledger.Purpose(purpose)
	t.Status = ledger.Status(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", t.Ref, err)
		}
	}
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}

func (p *PostgresStore) InsertTransaction(ctx context.Context, t *ledger.Transaction) error {
	metadata, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	return p.db.Load().QueryRowContext(ctx, `
		INSERT INTO transactions (ref, payer_id, purpose, amount, metadata, status, provider, created_at)
		VALUES ($1, $2, $3, $4, $5::JSONB, $6, NULLIF($7, ''), $8)
		RETURNING id`,
		t.Ref, t.PayerID, string(t.Purpose), t.Amount, metadata, string(t.Status), t.Provider, t.CreatedAt,
	).Scan(&t.ID)
}

func (p *PostgresStore) GetTransaction(ctx context.Context, ref string) (*ledger.Transaction, error) {
	return getTransaction(ctx, p.db.Load(), ref, "")
}

func getTransaction(ctx context.Context, q querier, ref, suffix string) (*ledger.Transaction, error) {
	t, err := scanTransaction(q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE ref = $1`+suffix, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, status ledger.Status, limit int) ([]*ledger.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Load().QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE ($1 = '' OR status = $1)
		ORDER BY id
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListOrphanedTransactions returns completed transactions no escrow
// references, newest first.
func (p *PostgresStore) ListOrphanedTransactions(ctx context.Context, limit int) ([]*ledger.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Load().QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions t
		WHERE t.status = 'completed'
		  AND NOT EXISTS (SELECT 1 FROM escrow_accounts e WHERE e.transaction_id = t.id)
		ORDER BY t.id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- escrows ---

const escrowColumns = `id, ref, purpose, related_id, payer_id, receiver_id, transaction_id,
	amount, platform_fee, receiver_payout, status, release_condition, release_condition_met,
	COALESCE(reason, ''), disputed_by, held_at, auto_release_at, released_at`

func scanEscrow(row scanner) (*escrow.Escrow, error) {
	var (
		e                                   escrow.Escrow
		purpose, status                     string
		receiverID, transactionID, disputed sql.NullInt64
		autoReleaseAt, releasedAt           sql.NullTime
	)
	err := row.Scan(&e.ID, &e.Ref, &purpose, &e.RelatedID, &e.PayerID, &receiverID, &transactionID,
		&e.Amount, &e.PlatformFee, &e.ReceiverPayout, &status, &e.ReleaseCondition, &e.ReleaseConditionMet,
		&e.Reason, &disputed, &e.HeldAt, &autoReleaseAt, &releasedAt)
	if err != nil {
		return nil, err
	}
	e.Purpose = ledger.Purpose(purpose)
	e.Status = escrow.Status(status)
	e.ReceiverID = int64Ptr(receiverID)
	e.TransactionID = int64Ptr(transactionID)
	e.DisputedBy = int64Ptr(disputed)
	e.AutoReleaseAt = timePtr(autoReleaseAt)
	e.ReleasedAt = timePtr(releasedAt)
	return &e, nil
}

func scanEscrows(rows *sql.Rows) ([]*escrow.Escrow, error) {
	defer func() { _ = rows.Close() }()
	var out []*escrow.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetEscrow(ctx context.Context, ref string) (*escrow.Escrow, error) {
	e, err := scanEscrow(p.db.Load().QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_accounts WHERE ref = $1`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) ListEscrows(ctx context.Context, filter escrow.Filter) ([]*escrow.Escrow, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Load().QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_accounts
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = 0 OR payer_id = $2 OR receiver_id = $2)
		  AND ($3 = 0 OR id < $3)
		ORDER BY id DESC
		LIMIT $4`, string(filter.Status), filter.UserID, filter.BeforeID, limit)
	if err != nil {
		return nil, err
	}
	return scanEscrows(rows)
}

func (p *PostgresStore) ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]*escrow.Escrow, error) {
	rows, err := p.db.Load().QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_accounts
		WHERE status = 'held'
		  AND auto_release_at IS NOT NULL
		  AND auto_release_at <= $1
		ORDER BY auto_release_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanEscrows(rows)
}

func (p *PostgresStore) ListEscrowsByRelated(ctx context.Context, purpose ledger.Purpose, relatedID int64) ([]*escrow.Escrow, error) {
	rows, err := p.db.Load().QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_accounts
		WHERE purpose = $1 AND related_id = $2
		ORDER BY id DESC`, string(purpose), relatedID)
	if err != nil {
		return nil, err
	}
	return scanEscrows(rows)
}

// --- users and sessions ---

const userColumns = `id, public_id, telegram_id, COALESCE(username, ''), role, status, wallet_balance, created_at`

func scanUser(row scanner) (*market.User, error) {
	var u market.User
	err := row.Scan(&u.ID, &u.PublicID, &u.TelegramID, &u.Username, &u.Role, &u.Status, &u.WalletBalance, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *PostgresStore) GetUser(ctx context.Context, id int64) (*market.User, error) {
	u, err := scanUser(p.db.Load().QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrUserNotFound
	}
	return u, err
}

func (p *PostgresStore) PublicIDTaken(ctx context.Context, publicID string) (bool, error) {
	var taken bool
	err := p.db.Load().QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE public_id = $1)`, publicID).Scan(&taken)
	return taken, err
}

func (p *PostgresStore) InsertUser(ctx context.Context, u *market.User) error {
	return p.db.Load().QueryRowContext(ctx, `
		INSERT INTO users (public_id, telegram_id, username, role, status, wallet_balance, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
		RETURNING id`,
		u.PublicID, u.TelegramID, u.Username, u.Role, u.Status, u.WalletBalance, u.CreatedAt,
	).Scan(&u.ID)
}

func (p *PostgresStore) SetUserStatus(ctx context.Context, id int64, status string) (*market.User, error) {
	u, err := scanUser(p.db.Load().QueryRowContext(ctx,
		`UPDATE users SET status = $2 WHERE id = $1 RETURNING `+userColumns, id, status))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrUserNotFound
	}
	return u, err
}

const sessionColumns = `id, ref, client_id, model_id, COALESCE(session_type, ''), price, status,
	client_confirmed, model_confirmed, duration_minutes, started_at, ended_at, completed_at,
	escrow_id, created_at`

func scanSession(row scanner) (*market.Session, error) {
	var (
		s                               market.Session
		status                          string
		startedAt, endedAt, completedAt sql.NullTime
		escrowID                        sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.Ref, &s.ClientID, &s.ModelID, &s.SessionType, &s.Price, &status,
		&s.ClientConfirmed, &s.ModelConfirmed, &s.DurationMinutes, &startedAt, &endedAt, &completedAt,
		&escrowID, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = market.SessionStatus(status)
	s.StartedAt = timePtr(startedAt)
	s.EndedAt = timePtr(endedAt)
	s.CompletedAt = timePtr(completedAt)
	s.EscrowID = int64Ptr(escrowID)
	return &s, nil
}

func (p *PostgresStore) GetSession(ctx context.Context, id int64) (*market.Session, error) {
	s, err := scanSession(p.db.Load().QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrSessionNotFound
	}
	return s, err
}

func (p *PostgresStore) ListActiveSessions(ctx context.Context) ([]*market.Session, error) {
	rows, err := p.db.Load().QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*market.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListBalanceEntries(ctx context.Context, userID int64, limit int) ([]*market.BalanceEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Load().QueryContext(ctx, `
		SELECT id, user_id, amount, kind, reference, created_at
		FROM balance_entries
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*market.BalanceEntry
	for rows.Next() {
		var b market.BalanceEntry
		if err := rows.Scan(&b.ID, &b.UserID, &b.Amount, &b.Kind, &b.Reference, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// --- unit of work ---

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockTransaction(ctx context.Context, ref string) (*ledger.Transaction, error) {
	return getTransaction(ctx, t.tx, ref, " FOR UPDATE")
}

func (t *pgTx) UpdateTransaction(ctx context.Context, txn *ledger.Transaction) error {
	metadata, err := marshalMetadata(txn.Metadata)
	if err != nil {
		return err
	}
	return execOne(ctx, t.tx, ledger.ErrTransactionNotFound, `
		UPDATE transactions
		SET status = $2, provider = NULLIF($3, ''), completed_at = $4, metadata = $5::JSONB
		WHERE id = $1`,
		txn.ID, string(txn.Status), txn.Provider, nullTime(txn.CompletedAt), metadata,
	)
}

func (t *pgTx) LockEscrow(ctx context.Context, ref string) (*escrow.Escrow, error) {
	e, err := scanEscrow(t.tx.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_accounts WHERE ref = $1 FOR UPDATE`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrEscrowNotFound
	}
	return e, err
}

func (t *pgTx) LockEscrowFor(ctx context.Context, purpose ledger.Purpose, relatedID int64) (*escrow.Escrow, error) {
	e, err := scanEscrow(t.tx.QueryRowContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_accounts
		WHERE purpose = $1 AND related_id = $2
		ORDER BY id DESC
		LIMIT 1
		FOR UPDATE`, string(purpose), relatedID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrEscrowNotFound
	}
	return e, err
}

func (t *pgTx) InsertEscrow(ctx context.Context, e *escrow.Escrow) error {
	return t.tx.QueryRowContext(ctx, `
		INSERT INTO escrow_accounts (
			ref, purpose, related_id, payer_id, receiver_id, transaction_id,
			amount, platform_fee, receiver_payout, status, release_condition,
			release_condition_met, reason, disputed_by, held_at, auto_release_at, released_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, NULLIF($13, ''), $14, $15, $16, $17
		)
		RETURNING id`,
		e.Ref, string(e.Purpose), e.RelatedID, e.PayerID, nullInt64(e.ReceiverID), nullInt64(e.TransactionID),
		e.Amount, e.PlatformFee, e.ReceiverPayout, string(e.Status), e.ReleaseCondition,
		e.ReleaseConditionMet, e.Reason, nullInt64(e.DisputedBy), e.HeldAt, nullTime(e.AutoReleaseAt), nullTime(e.ReleasedAt),
	).Scan(&e.ID)
}

func (t *pgTx) UpdateEscrow(ctx context.Context, e *escrow.Escrow) error {
	return execOne(ctx, t.tx, escrow.ErrEscrowNotFound, `
		UPDATE escrow_accounts SET
			status = $2, release_condition_met = $3, reason = NULLIF($4, ''),
			disputed_by = $5, auto_release_at = $6, released_at = $7
		WHERE ref = $1`,
		e.Ref, string(e.Status), e.ReleaseConditionMet, e.Reason,
		nullInt64(e.DisputedBy), nullTime(e.AutoReleaseAt), nullTime(e.ReleasedAt),
	)
}

// CreditWallet returns market.ErrUserNotFound when no row was updated.
func (t *pgTx) CreditWallet(ctx context.Context, userID int64, amount decimal.Decimal, kind, reference string) error {
	err := execOne(ctx, t.tx, market.ErrUserNotFound,
		`UPDATE users SET wallet_balance = wallet_balance + $2 WHERE id = $1`, userID, amount)
	if err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO balance_entries (user_id, amount, kind, reference)
		VALUES ($1, $2, $3, $4)`, userID, amount, kind, reference)
	if err != nil {
		return fmt.Errorf("failed to insert balance entry: %w", err)
	}
	return nil
}

func (t *pgTx) GrantClientAccess(ctx context.Context, profileID int64, at time.Time) error {
	return execOne(ctx, t.tx, market.ErrProfileNotFound, `
		UPDATE client_profiles SET access_fee_paid = TRUE, access_granted_at = $2
		WHERE id = $1`, profileID, at)
}

func (t *pgTx) DeliverPurchase(ctx context.Context, escrowID int64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE content_purchases SET status = 'delivered' WHERE escrow_id = $1`, escrowID)
	return err
}

func (t *pgTx) RefundPurchase(ctx context.Context, escrowID int64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE content_purchases SET status = 'refunded' WHERE escrow_id = $1`, escrowID)
	return err
}

func (t *pgTx) LockSession(ctx context.Context, id int64) (*market.Session, error) {
	s, err := scanSession(t.tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrSessionNotFound
	}
	return s, err
}

func (t *pgTx) UpdateSession(ctx context.Context, s *market.Session) error {
	return execOne(ctx, t.tx, market.ErrSessionNotFound, `
		UPDATE sessions SET
			status = $2, client_confirmed = $3, model_confirmed = $4,
			started_at = $5, ended_at = $6, completed_at = $7, escrow_id = $8
		WHERE id = $1`,
		s.ID, string(s.Status), s.ClientConfirmed, s.ModelConfirmed,
		nullTime(s.StartedAt), nullTime(s.EndedAt), nullTime(s.CompletedAt), nullInt64(s.EscrowID),
	)
}

const purchaseColumns = `id, content_id, client_id, transaction_id, price_paid, escrow_id, status, purchased_at`

func scanPurchase(row scanner) (*market.ContentPurchase, error) {
	var (
		p                       market.ContentPurchase
		status                  string
		transactionID, escrowID sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.ContentID, &p.ClientID, &transactionID, &p.PricePaid, &escrowID, &status, &p.PurchasedAt)
	if err != nil {
		return nil, err
	}
	p.Status = market.PurchaseStatus(status)
	p.TransactionID = int64Ptr(transactionID)
	p.EscrowID = int64Ptr(escrowID)
	return &p, nil
}

func (t *pgTx) FindPurchaseByTransaction(ctx context.Context, transactionID int64) (*market.ContentPurchase, error) {
	p, err := scanPurchase(t.tx.QueryRowContext(ctx, `
		SELECT `+purchaseColumns+`
		FROM content_purchases
		WHERE transaction_id = $1
		ORDER BY id
		LIMIT 1
		FOR UPDATE`, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrPurchaseNotFound
	}
	return p, err
}

func (t *pgTx) InsertPurchase(ctx context.Context, p *market.ContentPurchase) error {
	return t.tx.QueryRowContext(ctx, `
		INSERT INTO content_purchases (content_id, client_id, transaction_id, price_paid, escrow_id, status, purchased_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		p.ContentID, p.ClientID, nullInt64(p.TransactionID), p.PricePaid, nullInt64(p.EscrowID),
		string(p.Status), p.PurchasedAt,
	).Scan(&p.ID)
}

func (t *pgTx) UpdatePurchase(ctx context.Context, p *market.ContentPurchase) error {
	return execOne(ctx, t.tx, market.ErrPurchaseNotFound, `
		UPDATE content_purchases SET transaction_id = $2, price_paid = $3, escrow_id = $4, status = $5
		WHERE id = $1`,
		p.ID, nullInt64(p.TransactionID), p.PricePaid, nullInt64(p.EscrowID), string(p.Status),
	)
}

func (t *pgTx) LockContent(ctx context.Context, id int64) (*market.ContentItem, error) {
	var c market.ContentItem
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, model_id, title, price, is_active, total_sales, total_revenue, created_at
		FROM content_items WHERE id = $1 FOR UPDATE`, id,
	).Scan(&c.ID, &c.ModelID, &c.Title, &c.Price, &c.IsActive, &c.TotalSales, &c.TotalRevenue, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrContentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *pgTx) UpdateContent(ctx context.Context, c *market.ContentItem) error {
	return execOne(ctx, t.tx, market.ErrContentNotFound, `
		UPDATE content_items SET is_active = $2, total_sales = $3, total_revenue = $4
		WHERE id = $1`, c.ID, c.IsActive, c.TotalSales, c.TotalRevenue,
	)
}

const profileColumns = `id, user_id, total_spent, access_fee_paid, access_fee_escrow_id, access_granted_at`

func (t *pgTx) ClientProfileByUser(ctx context.Context, userID int64) (*market.ClientProfile, error) {
	var (
		p         market.ClientProfile
		escrowID  sql.NullInt64
		grantedAt sql.NullTime
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM client_profiles WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&p.ID, &p.UserID, &p.TotalSpent, &p.AccessFeePaid, &escrowID, &grantedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	p.AccessFeeEscrowID = int64Ptr(escrowID)
	p.AccessGrantedAt = timePtr(grantedAt)
	return &p, nil
}

func (t *pgTx) InsertClientProfile(ctx context.Context, p *market.ClientProfile) error {
	return t.tx.QueryRowContext(ctx, `
		INSERT INTO client_profiles (user_id, total_spent, access_fee_paid, access_fee_escrow_id, access_granted_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		p.UserID, p.TotalSpent, p.AccessFeePaid, nullInt64(p.AccessFeeEscrowID), nullTime(p.AccessGrantedAt),
	).Scan(&p.ID)
}

func (t *pgTx) UpdateClientProfile(ctx context.Context, p *market.ClientProfile) error {
	return execOne(ctx, t.tx, market.ErrProfileNotFound, `
		UPDATE client_profiles SET
			total_spent = $2, access_fee_paid = $3, access_fee_escrow_id = $4, access_granted_at = $5
		WHERE id = $1`,
		p.ID, p.TotalSpent, p.AccessFeePaid, nullInt64(p.AccessFeeEscrowID), nullTime(p.AccessGrantedAt),
	)
}

// --- helpers ---

// execOne runs an update that must touch a row, returning notFound if none matched.
func execOne(ctx context.Context, q querier, notFound error, query string, args ...any) error {
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func marshalMetadata(m ledger.Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	v := n.Time
	return &v
}

var _ Backend = (*PostgresStore)(nil)
