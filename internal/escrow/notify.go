package escrow

import (
	"context"
	"time"
)

// Event types published on the escrow stream.
const (
	EventCreated  = "escrow.created"
	EventDisputed = "escrow.disputed"
	EventReleased = "escrow.released"
	EventRefunded = "escrow.refunded"
)

// Event is a committed escrow state change.
type Event struct {
	Type   string    `json:"type"`
	Escrow *Escrow   `json:"escrow"`
	At     time.Time `json:"at"`
}

// Notifier fans committed changes out to users, admins and the event
// stream. Implementations must not block on delivery and must not fail
// the caller; the financial change has already committed.
type Notifier interface {
	NotifyUser(ctx context.Context, userID int64, text string)
	NotifyAdmins(ctx context.Context, text string)
	Publish(ctx context.Context, event Event)
}

type nopNotifier struct{}

func (nopNotifier) NotifyUser(context.Context, int64, string) {}
func (nopNotifier) NotifyAdmins(context.Context, string)      {}
func (nopNotifier) Publish(context.Context, Event)            {}
