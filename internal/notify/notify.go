// Package notify is the post-commit notification seam.
//
// Engines never call a notifier while a financial transaction is open.
// They queue pending messages on an Outbox during the operation and flush
// it only after the transaction commits; delivery failures are logged and
// never rolled back into the financial operation.
package notify

import (
	"context"
	"log/slog"
)

// Notifier delivers user-facing messages (SMS or similar). Implementations
// must tolerate being called concurrently.
type Notifier interface {
	SendOTP(ctx context.Context, phone, code, reference string)
	LinkCanceled(ctx context.Context, phone, reference, reason string)
	DisputeOpened(ctx context.Context, phone, reference string)
	DisputeResolved(ctx context.Context, phone, reference, outcome string)
	CashoutApproved(ctx context.Context, phone, cashoutID string)
	CashoutRejected(ctx context.Context, phone, cashoutID, reason string)
}

// LogNotifier logs messages instead of sending them. Used in development
// and as the default when no SMS provider is wired.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) SendOTP(ctx context.Context, phone, code, reference string) {
	// The code itself is deliberately not logged.
	n.Logger.Info("otp dispatched", "phone", phone, "reference", reference)
}

func (n *LogNotifier) LinkCanceled(ctx context.Context, phone, reference, reason string) {
	n.Logger.Info("cancellation notice", "phone", phone, "reference", reference, "reason", reason)
}

func (n *LogNotifier) DisputeOpened(ctx context.Context, phone, reference string) {
	n.Logger.Info("dispute opened notice", "phone", phone, "reference", reference)
}

func (n *LogNotifier) DisputeResolved(ctx context.Context, phone, reference, outcome string) {
	n.Logger.Info("dispute resolved notice", "phone", phone, "reference", reference, "outcome", outcome)
}

func (n *LogNotifier) CashoutApproved(ctx context.Context, phone, cashoutID string) {
	n.Logger.Info("cashout approved notice", "phone", phone, "cashout_id", cashoutID)
}

func (n *LogNotifier) CashoutRejected(ctx context.Context, phone, cashoutID, reason string) {
	n.Logger.Info("cashout rejected notice", "phone", phone, "cashout_id", cashoutID, "reason", reason)
}

// Outbox collects notifications during a transaction for dispatch after
// commit. Not safe for concurrent use; each operation builds its own.
type Outbox struct {
	pending []func(context.Context)
}

// Add queues a notification closure.
func (o *Outbox) Add(fn func(context.Context)) {
	o.pending = append(o.pending, fn)
}

// Flush dispatches everything queued, fire-and-forget. Call only after
// the enclosing transaction has committed.
func (o *Outbox) Flush(ctx context.Context) {
	for _, fn := range o.pending {
		fn(ctx)
	}
	o.pending = nil
}
