package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/velvetrooms/escrowd/internal/ledger"
)

// fakeStore serializes every unit of work behind one mutex and restores a
// snapshot when fn fails.
type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	escrows   map[string]*Escrow
	wallets   map[int64]decimal.Decimal
	credits   []string
	granted   map[int64]time.Time
	purchases map[int64]string

	creditErr error
	listErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		escrows:   make(map[string]*Escrow),
		wallets:   make(map[int64]decimal.Decimal),
		granted:   make(map[int64]time.Time),
		purchases: make(map[int64]string),
	}
}

type fakeSnapshot struct {
	escrows   map[string]*Escrow
	wallets   map[int64]decimal.Decimal
	credits   []string
	granted   map[int64]time.Time
	purchases map[int64]string
}

func (f *fakeStore) snapshot() fakeSnapshot {
	s := fakeSnapshot{
		escrows:   make(map[string]*Escrow, len(f.escrows)),
		wallets:   make(map[int64]decimal.Decimal, len(f.wallets)),
		credits:   append([]string(nil), f.credits...),
		granted:   make(map[int64]time.Time, len(f.granted)),
		purchases: make(map[int64]string, len(f.purchases)),
	}
	for k, v := range f.escrows {
		s.escrows[k] = v.Clone()
	}
	for k, v := range f.wallets {
		s.wallets[k] = v
	}
	for k, v := range f.granted {
		s.granted[k] = v
	}
	for k, v := range f.purchases {
		s.purchases[k] = v
	}
	return s
}

func (f *fakeStore) restore(s fakeSnapshot) {
	f.escrows, f.wallets, f.credits, f.granted, f.purchases = s.escrows, s.wallets, s.credits, s.granted, s.purchases
}

func (f *fakeStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.snapshot()
	if err := fn(ctx, fakeTx{f}); err != nil {
		f.restore(snap)
		return err
	}
	return nil
}

func (f *fakeStore) put(e *Escrow) *Escrow {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	e.ID = f.nextID
	f.escrows[e.Ref] = e.Clone()
	return e
}

func (f *fakeStore) balance(userID int64) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wallets[userID]
}

func (f *fakeStore) creditCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.credits)
}

func (f *fakeStore) GetEscrow(_ context.Context, ref string) (*Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.escrows[ref]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (f *fakeStore) ListEscrows(_ context.Context, filter Filter) ([]*Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Escrow
	for _, e := range f.escrows {
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
	return out, nil
}

func (f *fakeStore) ListDueForRelease(_ context.Context, now time.Time, limit int) ([]*Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*Escrow
	for _, e := range f.escrows {
		if e.Status == StatusHeld && e.AutoReleaseAt != nil && !e.AutoReleaseAt.After(now) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListEscrowsByRelated(_ context.Context, purpose ledger.Purpose, relatedID int64) ([]*Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Escrow
	for _, e := range f.escrows {
		if e.Purpose == purpose && e.RelatedID == relatedID {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

type fakeTx struct{ f *fakeStore }

func (t fakeTx) LockEscrow(_ context.Context, ref string) (*Escrow, error) {
	e, ok := t.f.escrows[ref]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (t fakeTx) InsertEscrow(_ context.Context, e *Escrow) error {
	t.f.nextID++
	e.ID = t.f.nextID
	t.f.escrows[e.Ref] = e.Clone()
	return nil
}

func (t fakeTx) UpdateEscrow(_ context.Context, e *Escrow) error {
	if _, ok := t.f.escrows[e.Ref]; !ok {
		return ErrEscrowNotFound
	}
	t.f.escrows[e.Ref] = e.Clone()
	return nil
}

func (t fakeTx) CreditWallet(_ context.Context, userID int64, amount decimal.Decimal, kind, reference string) error {
	if t.f.creditErr != nil {
		return t.f.creditErr
	}
	t.f.wallets[userID] = t.f.wallets[userID].Add(amount)
	t.f.credits = append(t.f.credits, kind+":"+reference)
	return nil
}

func (t fakeTx) GrantClientAccess(_ context.Context, profileID int64, at time.Time) error {
	t.f.granted[profileID] = at
	return nil
}

func (t fakeTx) DeliverPurchase(_ context.Context, escrowID int64) error {
	t.f.purchases[escrowID] = "delivered"
	return nil
}

func (t fakeTx) RefundPurchase(_ context.Context, escrowID int64) error {
	t.f.purchases[escrowID] = "refunded"
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	users  map[int64][]string
	admins []string
	events []Event
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{users: make(map[int64][]string)}
}

func (r *recordingNotifier) NotifyUser(_ context.Context, userID int64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID] = append(r.users[userID], text)
}

func (r *recordingNotifier) NotifyAdmins(_ context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admins = append(r.admins, text)
}

func (r *recordingNotifier) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingNotifier) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
