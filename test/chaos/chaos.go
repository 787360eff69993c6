// Package chaos injects infrastructure faults while the stress actors run.
package chaos

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tradeescrow/settlement"
)

// TerminateRandomBackend periodically kills a random server connection of the current database.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, seed int64, stop <-chan struct{}) {
	rng := rand.New(rand.NewSource(seed))
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rng.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
                                       WHERE datname = current_database() AND pid <> pg_backend_pid()
                                       ORDER BY random() LIMIT 1`)
			}
		}
	}
}

var errInjected = errors.New("injected outage")

// FlakySettlement makes the given backends fail in bursts. FailAfter bursts apply the movement
// and then report an error, which is the case idempotency keys exist for.
func FlakySettlement(ctx context.Context, backends []*settlement.MemoryBackend, seed int64, stop <-chan struct{}) {
	rng := rand.New(rand.NewSource(seed))
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	defer func() {
		for _, b := range backends {
			b.Inject(settlement.FailBefore, nil, 0)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			b := backends[rng.Intn(len(backends))]
			mode := settlement.FailBefore
			if rng.Intn(2) == 0 {
				mode = settlement.FailAfter
			}
			outage := &settlement.BackendError{Backend: b.Name(), Op: "chaos", Retryable: true, Err: errInjected}
			b.Inject(mode, outage, 1+rng.Intn(3))
		}
	}
}
