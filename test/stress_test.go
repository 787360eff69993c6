package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"tradeescrow/contract"
	"tradeescrow/dispute"
	"tradeescrow/escrow"
	"tradeescrow/logger"
	"tradeescrow/settlement"
	"tradeescrow/store"
	"tradeescrow/test/actors"
	"tradeescrow/test/chaos"
	"tradeescrow/test/infra"
	"tradeescrow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 20*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of concurrent actors per role")
	flContracts   = flag.Int("contracts", 8, "number of contracts to contend over")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestEscrowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}
	seed := *flSeed

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	inst, err := infra.Provision(ctx, *flDSN)
	if err != nil {
		t.Skipf("no postgres available: %v", err)
	}
	defer inst.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, inst.DSN, inst.Shared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	lggr := logger.Nop()
	ledger := settlement.NewLedger()
	primary := settlement.NewMemoryBackend("primary", ledger)
	fallback := settlement.NewMemoryBackend("fallback", ledger)
	settler := settlement.NewDegrading(primary, fallback, settlement.Options{
		Attempts: 2, Delay: 5 * time.Millisecond, Timeout: 2 * time.Second,
	}, lggr)

	st := store.NewPGRepository(pool)
	locks := store.NewLocker()
	contracts := contract.NewService(st, locks, settler, lggr)
	disputes := dispute.NewService(st, locks, contracts, lggr)

	parties := mustSeed(t, ctx, contracts, *flContracts)
	ids := make([]string, 0, len(parties))
	for _, p := range parties {
		ids = append(ids, p.ContractID)
	}

	var stats actors.Stats
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		base := seed + int64(i)*101
		g.Go(func() error { return actors.Seller(ctx2, contracts, parties, base+1, &stats, stop) })
		g.Go(func() error { return actors.Buyer(ctx2, contracts, parties, base+2, &stats, stop) })
		g.Go(func() error { return actors.Disputer(ctx2, disputes, parties, base+3, &stats, stop) })
	}
	g.Go(func() error { return actors.Arbitrator(ctx2, disputes, parties, seed+7, &stats, stop) })
	g.Go(func() error { return actors.Canceller(ctx2, contracts, parties, seed+11, &stats, stop) })

	go chaos.TerminateRandomBackend(ctx2, pool, seed+13, stop)
	go chaos.FlakySettlement(ctx2, []*settlement.MemoryBackend{primary, fallback}, seed+17, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// chaos may kill the oracle's own connection
				t.Logf("oracle error: %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	finalCtx, finalCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer finalCancel()
	name, row, err := oracles.Run(finalCtx, pool)
	if err != nil {
		t.Fatalf("final oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, finalCtx, pool)
		t.Fatalf("Oracle %s failed after quiesce. First row: %s (seed=%d)", name, row, seed)
	}
	violation, err := oracles.CheckLedger(finalCtx, st, ledger, ids)
	if err != nil {
		t.Fatalf("ledger oracle: %v", err)
	}
	if violation != "" {
		t.Fatalf("ledger oracle failed: %s (seed=%d)", violation, seed)
	}

	t.Logf("seed=%d ok=%d rejected=%d failed=%d", seed, stats.OK.Load(), stats.Rejected.Load(), stats.Failed.Load())
	if stats.OK.Load() == 0 {
		t.Fatalf("no operation succeeded (seed=%d)", seed)
	}
}

func mustSeed(t *testing.T, ctx context.Context, svc *contract.Service, n int) []actors.Party {
	t.Helper()
	parties := make([]actors.Party, 0, n)
	for i := 0; i < n; i++ {
		p := actors.Party{
			ContractID: fmt.Sprintf("stress-%d-%d", time.Now().UnixNano(), i),
			Milestones: 3,
			Buyer:      escrow.Actor{PartyID: fmt.Sprintf("buyer-%d", i), Role: escrow.RoleBuyer},
			Seller:     escrow.Actor{PartyID: fmt.Sprintf("seller-%d", i), Role: escrow.RoleSeller},
		}
		specs := make([]contract.MilestoneSpec, p.Milestones)
		for j := range specs {
			specs[j] = contract.MilestoneSpec{Description: fmt.Sprintf("lot %d", j), Amount: 100}
		}
		_, err := svc.CreateContract(ctx, p.Buyer, contract.CreateParams{
			ContractID:  p.ContractID,
			Buyer:       p.Buyer.PartyID,
			Seller:      p.Seller.PartyID,
			TermsHash:   "0xstress",
			TotalAmount: int64(100 * p.Milestones),
			Milestones:  specs,
		})
		if err != nil {
			t.Fatalf("seed contract %d: %v", i, err)
		}
		parties = append(parties, p)
	}
	return parties
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"contracts", `SELECT id, state, total_amount, paid_amount, refunded_amount, has_dispute, version FROM contracts ORDER BY updated_at DESC LIMIT 20`},
		{"contract_events", `SELECT id, contract_id, type, payload, created_at FROM contract_events ORDER BY id DESC LIMIT 50`},
		{"idempotency", `SELECT key, status, path, created_at FROM idempotency ORDER BY created_at DESC LIMIT 50`},
		{"disputes", `SELECT id, contract_id, milestone_index, resolution, seller_amount, refund_amount FROM disputes ORDER BY created_at DESC LIMIT 20`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
