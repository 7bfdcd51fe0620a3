package cancellation

import (
	"context"
	"log/slog"
	"time"

	"github.com/sphpay/peacelink/internal/peacelink"
)

// Timer periodically expires links whose approval deadline has passed.
// It only sweeps PENDING_APPROVAL links; post-approval expiry goes
// through Expire directly when a delivery window lapses.
type Timer struct {
	svc      *Service
	links    peacelink.Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewTimer creates an expiry sweeper.
func NewTimer(svc *Service, links peacelink.Store, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		svc:      svc,
		links:    links,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. Call Stop to shut it down.
func (t *Timer) Start() {
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.sweep(context.Background())
			case <-t.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (t *Timer) Stop() {
	close(t.stop)
	<-t.done
}

func (t *Timer) sweep(ctx context.Context) {
	expired, err := t.links.ListExpired(ctx, time.Now(), 100)
	if err != nil {
		t.logger.Error("expiry sweep failed", "error", err)
		return
	}
	for _, link := range expired {
		if _, err := t.svc.Expire(ctx, link.ID); err != nil {
			// A concurrent transition is fine; the guard rejected us.
			t.logger.Warn("expire failed", "peacelink_id", link.ID, "error", err)
			continue
		}
		t.logger.Info("peacelink expired", "peacelink_id", link.ID, "reference", link.Reference)
	}
}
