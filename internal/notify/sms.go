package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sphpay/peacelink/internal/circuitbreaker"
	"github.com/sphpay/peacelink/internal/retry"
)

const (
	smsMaxAttempts = 3
	smsBaseDelay   = 200 * time.Millisecond
	smsBreakerKey  = "sms_gateway"
)

// SMSNotifier delivers messages through an HTTP SMS gateway. Sends are
// best-effort: failures are logged, never propagated to the caller, so a
// flaky provider cannot fail a financial operation that already
// committed.
type SMSNotifier struct {
	gatewayURL string
	apiKey     string
	client     *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

// NewSMSNotifier creates a notifier that posts to the given gateway URL.
func NewSMSNotifier(gatewayURL, apiKey string, logger *slog.Logger) *SMSNotifier {
	return &SMSNotifier{
		gatewayURL: gatewayURL,
		apiKey:     apiKey,
		client:     &http.Client{Timeout: 10 * time.Second},
		breaker:    circuitbreaker.New(5, 30*time.Second),
		logger:     logger,
	}
}

func (n *SMSNotifier) SendOTP(ctx context.Context, phone, code, reference string) {
	// The OTP goes over the wire but is never logged here.
	n.send(ctx, phone, fmt.Sprintf("PeaceLink %s: your delivery code is %s. Share it only with the courier at handoff.", reference, code))
}

func (n *SMSNotifier) LinkCanceled(ctx context.Context, phone, reference, reason string) {
	n.send(ctx, phone, fmt.Sprintf("PeaceLink %s was canceled: %s", reference, reason))
}

func (n *SMSNotifier) DisputeOpened(ctx context.Context, phone, reference string) {
	n.send(ctx, phone, fmt.Sprintf("A dispute was opened on PeaceLink %s. Funds stay held until support resolves it.", reference))
}

func (n *SMSNotifier) DisputeResolved(ctx context.Context, phone, reference, outcome string) {
	n.send(ctx, phone, fmt.Sprintf("The dispute on PeaceLink %s was resolved: %s", reference, outcome))
}

func (n *SMSNotifier) CashoutApproved(ctx context.Context, phone, cashoutID string) {
	n.send(ctx, phone, fmt.Sprintf("Your cashout %s was approved and is on its way.", cashoutID))
}

func (n *SMSNotifier) CashoutRejected(ctx context.Context, phone, cashoutID, reason string) {
	n.send(ctx, phone, fmt.Sprintf("Your cashout %s was rejected: %s. The full amount is back in your wallet.", cashoutID, reason))
}

func (n *SMSNotifier) send(ctx context.Context, phone, message string) {
	if !n.breaker.Allow(smsBreakerKey) {
		n.logger.Warn("sms gateway circuit open, dropping message", "phone", phone)
		return
	}

	err := retry.Do(ctx, smsMaxAttempts, smsBaseDelay, func() error {
		return n.post(ctx, phone, message)
	})
	if err != nil {
		n.breaker.RecordFailure(smsBreakerKey)
		n.logger.Error("sms dispatch failed", "phone", phone, "error", err)
		return
	}
	n.breaker.RecordSuccess(smsBreakerKey)
}

func (n *SMSNotifier) post(ctx context.Context, phone, message string) error {
	body, err := json.Marshal(map[string]string{
		"to":      phone,
		"message": message,
	})
	if err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		// Bad request or auth failure will not heal on retry.
		return retry.Permanent(fmt.Errorf("sms gateway rejected message: %s", resp.Status))
	default:
		return fmt.Errorf("sms gateway error: %s", resp.Status)
	}
}
