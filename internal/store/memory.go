package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/velvetrooms/escrowd/internal/escrow"
	"github.com/velvetrooms/escrowd/internal/ledger"
	"github.com/velvetrooms/escrowd/internal/market"
)

// MemoryStore is an in-memory Backend for development and tests. A unit of
// work holds the store's lock for its whole duration, which gives the
// same exclusion row locks give in Postgres. Failed units are undone.
type MemoryStore struct {
	mu  sync.RWMutex
	seq int64

	txns      map[string]*ledger.Transaction
	txnRefs   map[int64]string
	escrows   map[string]*escrow.Escrow
	users     map[int64]*market.User
	sessions  map[int64]*market.Session
	content   map[int64]*market.ContentItem
	purchases map[int64]*market.ContentPurchase
	profiles  map[int64]*market.ClientProfile
	entries   []*market.BalanceEntry

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:      make(map[string]*ledger.Transaction),
		txnRefs:   make(map[int64]string),
		escrows:   make(map[string]*escrow.Escrow),
		users:     make(map[int64]*market.User),
		sessions:  make(map[int64]*market.Session),
		content:   make(map[int64]*market.ContentItem),
		purchases: make(map[int64]*market.ContentPurchase),
		profiles:  make(map[int64]*market.ClientProfile),
		now:       time.Now,
	}
}

func (m *MemoryStore) nextID() int64 {
	m.seq++
	return m.seq
}

// InTx runs fn under the store lock and undoes its writes if it fails.
func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m}
	if err := fn(ctx, tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

// --- seeding, used by dev mode and tests ---

// PutUser stores u, assigning an id when zero.
func (m *MemoryStore) PutUser(u *market.User) *market.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		u.ID = m.nextID()
	}
	m.users[u.ID] = cloneUser(u)
	return u
}

// PutSession stores s, assigning an id when zero.
func (m *MemoryStore) PutSession(s *market.Session) *market.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		s.ID = m.nextID()
	}
	m.sessions[s.ID] = cloneSession(s)
	return s
}

// PutContent stores c, assigning an id when zero.
func (m *MemoryStore) PutContent(c *market.ContentItem) *market.ContentItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = m.nextID()
	}
	cp := *c
	m.content[c.ID] = &cp
	return c
}

// PutPurchase stores p, assigning an id when zero.
func (m *MemoryStore) PutPurchase(p *market.ContentPurchase) *market.ContentPurchase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		p.ID = m.nextID()
	}
	m.purchases[p.ID] = clonePurchase(p)
	return p
}

// Content returns a content item by id.
func (m *MemoryStore) Content(id int64) (*market.ContentItem, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.content[id]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// Purchases returns every purchase of contentID.
func (m *MemoryStore) Purchases(contentID int64) []*market.ContentPurchase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*market.ContentPurchase
	for _, p := range m.purchases {
		if p.ContentID == contentID {
			out = append(out, clonePurchase(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClientProfile returns the profile of userID.
func (m *MemoryStore) ClientProfile(userID int64) (*market.ClientProfile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.profiles {
		if p.UserID == userID {
			return cloneProfile(p), true
		}
	}
	return nil, false
}

// --- ledger.Store ---

func (m *MemoryStore) InsertTransaction(_ context.Context, t *ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.txns[t.Ref]; dup {
		return fmt.Errorf("duplicate transaction ref %s", t.Ref)
	}
	t.ID = m.nextID()
	m.txns[t.Ref] = cloneTransaction(t)
	m.txnRefs[t.ID] = t.Ref
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, ref string) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txns[ref]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	return cloneTransaction(t), nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, status ledger.Status, limit int) ([]*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ledger.Transaction
	for _, t := range m.txns {
		if status == "" || t.Status == status {
			out = append(out, cloneTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return truncate(out, limit), nil
}

// ListOrphanedTransactions returns completed transactions no escrow
// references, newest first.
func (m *MemoryStore) ListOrphanedTransactions(_ context.Context, limit int) ([]*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	held := make(map[int64]bool, len(m.escrows))
	for _, e := range m.escrows {
		if e.TransactionID != nil {
			held[*e.TransactionID] = true
		}
	}
	var out []*ledger.Transaction
	for _, t := range m.txns {
		if t.Status == ledger.StatusCompleted && !held[t.ID] {
			out = append(out, cloneTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return truncate(out, limit), nil
}

// --- escrow reads ---

func (m *MemoryStore) GetEscrow(_ context.Context, ref string) (*escrow.Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escrows[ref]
	if !ok {
		return nil, escrow.ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) ListEscrows(_ context.Context, filter escrow.Filter) ([]*escrow.Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*escrow.Escrow
	for _, e := range m.escrows {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.UserID != 0 && !e.IsCounterparty(filter.UserID) {
			continue
		}
		if filter.BeforeID != 0 && e.ID >= filter.BeforeID {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return truncate(out, filter.Limit), nil
}

func (m *MemoryStore) ListDueForRelease(_ context.Context, now time.Time, limit int) ([]*escrow.Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*escrow.Escrow
	for _, e := range m.escrows {
		if e.Status == escrow.StatusHeld && e.AutoReleaseAt != nil && !e.AutoReleaseAt.After(now) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AutoReleaseAt.Before(*out[j].AutoReleaseAt) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) ListEscrowsByRelated(_ context.Context, purpose ledger.Purpose, relatedID int64) ([]*escrow.Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*escrow.Escrow
	for _, e := range m.escrows {
		if e.Purpose == purpose && e.RelatedID == relatedID {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// --- market reads ---

func (m *MemoryStore) GetSession(_ context.Context, id int64) (*market.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, market.ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) ListActiveSessions(_ context.Context) ([]*market.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*market.Session
	for _, s := range m.sessions {
		if s.Status == market.SessionActive {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetUser(_ context.Context, id int64) (*market.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, market.ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (m *MemoryStore) PublicIDTaken(_ context.Context, publicID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.PublicID == publicID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) InsertUser(_ context.Context, u *market.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.PublicID == u.PublicID {
			return fmt.Errorf("duplicate public id %s", u.PublicID)
		}
		if existing.TelegramID == u.TelegramID {
			return fmt.Errorf("duplicate telegram id %d", u.TelegramID)
		}
	}
	u.ID = m.nextID()
	m.users[u.ID] = cloneUser(u)
	return nil
}

func (m *MemoryStore) SetUserStatus(_ context.Context, id int64, status string) (*market.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, market.ErrUserNotFound
	}
	u.Status = status
	return cloneUser(u), nil
}

func (m *MemoryStore) ListBalanceEntries(_ context.Context, userID int64, limit int) ([]*market.BalanceEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*market.BalanceEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if e := m.entries[i]; e.UserID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return truncate(out, limit), nil
}

// --- unit of work ---

type memTx struct {
	m    *MemoryStore
	undo []func()
}

// save records how to put a map entry back the way it was.
func save[K comparable, V any](tx *memTx, mp map[K]V, key K) {
	prev, existed := mp[key]
	tx.undo = append(tx.undo, func() {
		if existed {
			mp[key] = prev
		} else {
			delete(mp, key)
		}
	})
}

func (tx *memTx) LockTransaction(_ context.Context, ref string) (*ledger.Transaction, error) {
	t, ok := tx.m.txns[ref]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	return cloneTransaction(t), nil
}

func (tx *memTx) UpdateTransaction(_ context.Context, t *ledger.Transaction) error {
	if _, ok := tx.m.txns[t.Ref]; !ok {
		return ledger.ErrTransactionNotFound
	}
	save(tx, tx.m.txns, t.Ref)
	tx.m.txns[t.Ref] = cloneTransaction(t)
	return nil
}

func (tx *memTx) LockEscrow(_ context.Context, ref string) (*escrow.Escrow, error) {
	e, ok := tx.m.escrows[ref]
	if !ok {
		return nil, escrow.ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (tx *memTx) LockEscrowFor(_ context.Context, purpose ledger.Purpose, relatedID int64) (*escrow.Escrow, error) {
	var newest *escrow.Escrow
	for _, e := range tx.m.escrows {
		if e.Purpose == purpose && e.RelatedID == relatedID && (newest == nil || e.ID > newest.ID) {
			newest = e
		}
	}
	if newest == nil {
		return nil, escrow.ErrEscrowNotFound
	}
	return newest.Clone(), nil
}

func (tx *memTx) InsertEscrow(_ context.Context, e *escrow.Escrow) error {
	if _, dup := tx.m.escrows[e.Ref]; dup {
		return fmt.Errorf("duplicate escrow ref %s", e.Ref)
	}
	if e.ReceiverPayout.Valid && !e.PlatformFee.Add(e.ReceiverPayout.Decimal).Equal(e.Amount) {
		return fmt.Errorf("escrow %s: fee and payout do not sum to amount", e.Ref)
	}
	save(tx, tx.m.escrows, e.Ref)
	e.ID = tx.m.nextID()
	tx.m.escrows[e.Ref] = e.Clone()
	return nil
}

func (tx *memTx) UpdateEscrow(_ context.Context, e *escrow.Escrow) error {
	if _, ok := tx.m.escrows[e.Ref]; !ok {
		return escrow.ErrEscrowNotFound
	}
	save(tx, tx.m.escrows, e.Ref)
	tx.m.escrows[e.Ref] = e.Clone()
	return nil
}

// CreditWallet fails for an unknown user, as the users foreign key makes
// postgres do. The surrounding release or refund then rolls back rather
// than settling without paying anyone.
func (tx *memTx) CreditWallet(_ context.Context, userID int64, amount decimal.Decimal, kind, reference string) error {
	u, ok := tx.m.users[userID]
	if !ok {
		return fmt.Errorf("credit wallet: %w", market.ErrUserNotFound)
	}
	for _, e := range tx.m.entries {
		if e.Kind == kind && e.Reference == reference {
			return fmt.Errorf("duplicate balance entry %s %s", kind, reference)
		}
	}
	save(tx, tx.m.users, userID)
	cp := cloneUser(u)
	cp.WalletBalance = cp.WalletBalance.Add(amount)
	tx.m.users[userID] = cp

	n := len(tx.m.entries)
	tx.undo = append(tx.undo, func() { tx.m.entries = tx.m.entries[:n] })
	tx.m.entries = append(tx.m.entries, &market.BalanceEntry{
		ID:        tx.m.nextID(),
		UserID:    userID,
		Amount:    amount,
		Kind:      kind,
		Reference: reference,
		CreatedAt: tx.m.now(),
	})
	return nil
}

func (tx *memTx) GrantClientAccess(_ context.Context, profileID int64, at time.Time) error {
	p, ok := tx.m.profiles[profileID]
	if !ok {
		return market.ErrProfileNotFound
	}
	save(tx, tx.m.profiles, profileID)
	cp := cloneProfile(p)
	cp.AccessFeePaid = true
	cp.AccessGrantedAt = &at
	tx.m.profiles[profileID] = cp
	return nil
}

func (tx *memTx) setPurchaseStatusByEscrow(escrowID int64, status market.PurchaseStatus) {
	for id, p := range tx.m.purchases {
		if p.EscrowID != nil && *p.EscrowID == escrowID {
			save(tx, tx.m.purchases, id)
			cp := clonePurchase(p)
			cp.Status = status
			tx.m.purchases[id] = cp
		}
	}
}

func (tx *memTx) DeliverPurchase(_ context.Context, escrowID int64) error {
	tx.setPurchaseStatusByEscrow(escrowID, market.PurchaseDelivered)
	return nil
}

func (tx *memTx) RefundPurchase(_ context.Context, escrowID int64) error {
	tx.setPurchaseStatusByEscrow(escrowID, market.PurchaseRefunded)
	return nil
}

func (tx *memTx) LockSession(_ context.Context, id int64) (*market.Session, error) {
	s, ok := tx.m.sessions[id]
	if !ok {
		return nil, market.ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (tx *memTx) UpdateSession(_ context.Context, s *market.Session) error {
	if _, ok := tx.m.sessions[s.ID]; !ok {
		return market.ErrSessionNotFound
	}
	save(tx, tx.m.sessions, s.ID)
	tx.m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (tx *memTx) FindPurchaseByTransaction(_ context.Context, transactionID int64) (*market.ContentPurchase, error) {
	for _, p := range tx.m.purchases {
		if p.TransactionID != nil && *p.TransactionID == transactionID {
			return clonePurchase(p), nil
		}
	}
	return nil, market.ErrPurchaseNotFound
}

func (tx *memTx) InsertPurchase(_ context.Context, p *market.ContentPurchase) error {
	p.ID = tx.m.nextID()
	save(tx, tx.m.purchases, p.ID)
	tx.m.purchases[p.ID] = clonePurchase(p)
	return nil
}

func (tx *memTx) UpdatePurchase(_ context.Context, p *market.ContentPurchase) error {
	if _, ok := tx.m.purchases[p.ID]; !ok {
		return market.ErrPurchaseNotFound
	}
	save(tx, tx.m.purchases, p.ID)
	tx.m.purchases[p.ID] = clonePurchase(p)
	return nil
}

func (tx *memTx) LockContent(_ context.Context, id int64) (*market.ContentItem, error) {
	c, ok := tx.m.content[id]
	if !ok {
		return nil, market.ErrContentNotFound
	}
	cp := *c
	return &cp, nil
}

func (tx *memTx) UpdateContent(_ context.Context, c *market.ContentItem) error {
	if _, ok := tx.m.content[c.ID]; !ok {
		return market.ErrContentNotFound
	}
	save(tx, tx.m.content, c.ID)
	cp := *c
	tx.m.content[c.ID] = &cp
	return nil
}

func (tx *memTx) ClientProfileByUser(_ context.Context, userID int64) (*market.ClientProfile, error) {
	for _, p := range tx.m.profiles {
		if p.UserID == userID {
			return cloneProfile(p), nil
		}
	}
	return nil, market.ErrProfileNotFound
}

func (tx *memTx) InsertClientProfile(_ context.Context, p *market.ClientProfile) error {
	for _, existing := range tx.m.profiles {
		if existing.UserID == p.UserID {
			return fmt.Errorf("duplicate client profile for user %d", p.UserID)
		}
	}
	p.ID = tx.m.nextID()
	save(tx, tx.m.profiles, p.ID)
	tx.m.profiles[p.ID] = cloneProfile(p)
	return nil
}

func (tx *memTx) UpdateClientProfile(_ context.Context, p *market.ClientProfile) error {
	if _, ok := tx.m.profiles[p.ID]; !ok {
		return market.ErrProfileNotFound
	}
	save(tx, tx.m.profiles, p.ID)
	tx.m.profiles[p.ID] = cloneProfile(p)
	return nil
}

// --- copies ---

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

func cloneTransaction(t *ledger.Transaction) *ledger.Transaction {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = t.Metadata.Clone()
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

func cloneUser(u *market.User) *market.User {
	cp := *u
	return &cp
}

func cloneSession(s *market.Session) *market.Session {
	cp := *s
	cp.StartedAt = copyTime(s.StartedAt)
	cp.EndedAt = copyTime(s.EndedAt)
	cp.CompletedAt = copyTime(s.CompletedAt)
	cp.EscrowID = copyInt64(s.EscrowID)
	return &cp
}

func clonePurchase(p *market.ContentPurchase) *market.ContentPurchase {
	cp := *p
	cp.TransactionID = copyInt64(p.TransactionID)
	cp.EscrowID = copyInt64(p.EscrowID)
	return &cp
}

func cloneProfile(p *market.ClientProfile) *market.ClientProfile {
	cp := *p
	cp.AccessFeeEscrowID = copyInt64(p.AccessFeeEscrowID)
	cp.AccessGrantedAt = copyTime(p.AccessGrantedAt)
	return &cp
}

func copyTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

var _ Backend = (*MemoryStore)(nil)
