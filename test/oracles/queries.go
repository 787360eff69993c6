// Package oracles checks escrow invariants against the database and the settlement ledger.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"tradeescrow/settlement"
	"tradeescrow/store"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns SQL oracles; any returned row is a violation.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_conservation",
			SQL: `SELECT id, total_amount, paid_amount, refunded_amount FROM contracts
                  WHERE paid_amount + refunded_amount > total_amount
                     OR (state = 'completed' AND paid_amount + refunded_amount <> total_amount)
                     OR (state = 'cancelled' AND paid_amount + refunded_amount <> total_amount)`,
		},
		{
			Name: "O2_milestone_sum",
			SQL: `SELECT c.id, c.total_amount, SUM(m.amount) FROM contracts c
                  JOIN milestones m ON m.contract_id = c.id
                  GROUP BY c.id, c.total_amount HAVING SUM(m.amount) <> c.total_amount`,
		},
		{
			Name: "O3_paid_requires_settlement",
			SQL: `SELECT m.contract_id, m.idx FROM milestones m
                  WHERE m.state = 'paid' AND NOT EXISTS (
                      SELECT 1 FROM idempotency k
                      WHERE k.contract_id = m.contract_id AND k.milestone_index = m.idx
                        AND k.kind IN ('release','refund') AND k.status = 'completed')`,
		},
		{
			Name: "O4_single_payout",
			SQL: `SELECT contract_id, payload->>'index' FROM contract_events
                  WHERE type = 'milestone.paid'
                  GROUP BY contract_id, payload->>'index' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_dispute_flag",
			SQL: `SELECT c.id FROM contracts c
                  WHERE c.has_dispute <> EXISTS (
                      SELECT 1 FROM milestones m WHERE m.contract_id = c.id AND m.open_dispute_id <> '')`,
		},
		{
			Name: "O6_open_dispute_attached",
			SQL: `SELECT d.id FROM disputes d
                  JOIN milestones m ON m.contract_id = d.contract_id AND m.idx = d.milestone_index
                  JOIN contracts c ON c.id = d.contract_id
                  WHERE d.resolution = 'none'
                    AND (m.open_dispute_id <> d.id OR c.state <> 'active' OR m.state <> 'completed')`,
		},
		{
			Name: "O7_completed_all_paid",
			SQL: `SELECT c.id FROM contracts c
                  WHERE c.state = 'completed'
                    AND EXISTS (SELECT 1 FROM milestones m WHERE m.contract_id = c.id AND m.state <> 'paid')`,
		},
		{
			Name: "O8_split_adds_up",
			SQL: `SELECT d.id FROM disputes d
                  JOIN milestones m ON m.contract_id = d.contract_id AND m.idx = d.milestone_index
                  WHERE d.resolution IN ('seller_wins','split') AND d.seller_amount + d.refund_amount <> m.amount`,
		},
		{
			Name: "O9_key_amounts",
			SQL: `SELECT c.id, c.paid_amount, c.refunded_amount FROM contracts c
                  WHERE c.paid_amount <> COALESCE((SELECT SUM(k.amount) FROM idempotency k
                          WHERE k.contract_id = c.id AND k.kind = 'release' AND k.status = 'completed'), 0)
                     OR c.refunded_amount <> COALESCE((SELECT SUM(k.amount) FROM idempotency k
                          WHERE k.contract_id = c.id AND k.kind IN ('refund','cancel') AND k.status = 'completed'), 0)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}

// CheckLedger verifies that the store never records more money movement than the ledger
// applied. The ledger may run ahead of the store while a commit is lost, never behind.
func CheckLedger(ctx context.Context, st store.Store, ledger *settlement.Ledger, contractIDs []string) (string, error) {
	for _, id := range contractIDs {
		c, err := st.GetContract(ctx, id)
		if err != nil {
			return "", fmt.Errorf("load %s: %w", id, err)
		}
		bal := ledger.Balance(id)
		switch {
		case bal.Deposited != c.TotalAmount:
			return fmt.Sprintf("%s deposited %d, total %d", id, bal.Deposited, c.TotalAmount), nil
		case bal.Released < c.PaidAmount:
			return fmt.Sprintf("%s released %d, paid %d", id, bal.Released, c.PaidAmount), nil
		case bal.Refunded < c.RefundedAmount:
			return fmt.Sprintf("%s refunded %d, recorded %d", id, bal.Refunded, c.RefundedAmount), nil
		case bal.Held() < 0:
			return fmt.Sprintf("%s ledger overdrawn: %+v", id, bal), nil
		}
	}
	return "", nil
}
