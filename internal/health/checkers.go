package health

import (
	"context"
	"database/sql"
	"time"
)

// DatabaseChecker pings the PostgreSQL pool.
func DatabaseChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// LedgerChecker verifies the platform profit account against the fee
// entries. An inconsistency marks the whole service unhealthy; it is
// surfaced here and on the admin endpoint, never repaired in place.
func LedgerChecker(verify func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := verify(ctx); err != nil {
			return Status{Name: "ledger", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "ledger", Healthy: true}
	}
}
