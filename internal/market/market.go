// Package market owns the purpose-specific records escrows are held
// against: session bookings, content items and purchases, client access
// profiles, and the users and wallets behind them.
package market

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrContentNotFound  = errors.New("content not found")
	ErrPurchaseNotFound = errors.New("content purchase not found")
	ErrProfileNotFound  = errors.New("client profile not found")
	ErrNotParticipant   = errors.New("not a participant of this session")
	ErrInvalidStatus    = errors.New("invalid status for this operation")
)

// User roles.
const (
	RoleClient = "client"
	RoleModel  = "model"
	RoleAdmin  = "admin"
)

// User statuses.
const (
	UserActive   = "active"
	UserInactive = "inactive"
	UserBanned   = "banned"
)

// User is a marketplace account with a wallet.
type User struct {
	ID            int64           `json:"id"`
	PublicID      string          `json:"publicId"`
	TelegramID    int64           `json:"telegramId"`
	Username      string          `json:"username,omitempty"`
	Role          string          `json:"role"`
	Status        string          `json:"status"`
	WalletBalance decimal.Decimal `json:"walletBalance"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// BalanceEntry is one wallet credit.
type BalanceEntry struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	Kind      string          `json:"kind"`
	Reference string          `json:"reference"`
	CreatedAt time.Time       `json:"createdAt"`
}

// SessionStatus is the lifecycle state of a session booking.
type SessionStatus string

const (
	SessionPending              SessionStatus = "pending"
	SessionPaid                 SessionStatus = "paid"
	SessionActive               SessionStatus = "active"
	SessionAwaitingConfirmation SessionStatus = "awaiting_confirmation"
	SessionCompleted            SessionStatus = "completed"
	SessionAwaitingRelease      SessionStatus = "awaiting_admin_release"
	SessionRejected             SessionStatus = "rejected"
)

// Session is a booking between a client and a model.
type Session struct {
	ID              int64           `json:"id"`
	Ref             string          `json:"ref"`
	ClientID        int64           `json:"clientId"`
	ModelID         int64           `json:"modelId"`
	SessionType     string          `json:"sessionType,omitempty"`
	Price           decimal.Decimal `json:"price"`
	Status          SessionStatus   `json:"status"`
	ClientConfirmed bool            `json:"clientConfirmed"`
	ModelConfirmed  bool            `json:"modelConfirmed"`
	DurationMinutes int             `json:"durationMinutes,omitempty"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	EndedAt         *time.Time      `json:"endedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	EscrowID        *int64          `json:"escrowId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// TimeUp reports whether an active session has run past its duration.
func (s *Session) TimeUp(now time.Time) bool {
	if s.Status != SessionActive || s.StartedAt == nil || s.DurationMinutes <= 0 {
		return false
	}
	return !s.StartedAt.Add(time.Duration(s.DurationMinutes) * time.Minute).After(now)
}

// Confirmable reports whether participants may still confirm completion.
func (s *Session) Confirmable() bool {
	switch s.Status {
	case SessionPaid, SessionActive, SessionAwaitingConfirmation:
		return true
	}
	return false
}

// ContentItem is a piece of digital content a model sells.
type ContentItem struct {
	ID           int64           `json:"id"`
	ModelID      int64           `json:"modelId"`
	Title        string          `json:"title"`
	Price        decimal.Decimal `json:"price"`
	IsActive     bool            `json:"isActive"`
	TotalSales   int64           `json:"totalSales"`
	TotalRevenue decimal.Decimal `json:"totalRevenue"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// RecordSale bumps the sale counters by one sale of amount.
func (c *ContentItem) RecordSale(amount decimal.Decimal) {
	c.TotalSales++
	c.TotalRevenue = c.TotalRevenue.Add(amount)
}

// PurchaseStatus is the lifecycle state of a content purchase.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchasePaid      PurchaseStatus = "paid"
	PurchaseDelivered PurchaseStatus = "delivered"
	PurchaseRefunded  PurchaseStatus = "refunded"
	PurchaseRejected  PurchaseStatus = "rejected"
)

// ContentPurchase is a client's purchase of a content item.
type ContentPurchase struct {
	ID            int64           `json:"id"`
	ContentID     int64           `json:"contentId"`
	ClientID      int64           `json:"clientId"`
	TransactionID *int64          `json:"transactionId,omitempty"`
	PricePaid     decimal.Decimal `json:"pricePaid"`
	EscrowID      *int64          `json:"escrowId,omitempty"`
	Status        PurchaseStatus  `json:"status"`
	PurchasedAt   time.Time       `json:"purchasedAt"`
}

// ClientProfile tracks a client's platform access.
type ClientProfile struct {
	ID                int64           `json:"id"`
	UserID            int64           `json:"userId"`
	TotalSpent        decimal.Decimal `json:"totalSpent"`
	AccessFeePaid     bool            `json:"accessFeePaid"`
	AccessFeeEscrowID *int64          `json:"accessFeeEscrowId,omitempty"`
	AccessGrantedAt   *time.Time      `json:"accessGrantedAt,omitempty"`
}
