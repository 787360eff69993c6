package contract

import (
	"context"
	"fmt"

	"tradeescrow/escrow"
	"tradeescrow/settlement"
	"tradeescrow/store"
)

// Payment is a settled milestone. Keys and Events must be committed with the contract.
type Payment struct {
	Path   escrow.SettlementPath
	Keys   []store.KeyRecord
	Events []escrow.Event
}

// Payout releases sellerAmount of milestone index to the seller and refunds the rest of the
// milestone to the buyer, then marks the milestone paid on c. Each leg has its own
// idempotency key. The caller must hold the contract lock and commit the returned Payment.
func (s *Service) Payout(ctx context.Context, c *escrow.Contract, index int, sellerAmount int64) (Payment, error) {
	m := c.Milestone(index)
	if m == nil {
		return Payment{}, fmt.Errorf("contract: milestone %d of %s: %w", index, c.ID, escrow.ErrNotFound)
	}
	if sellerAmount < 0 || sellerAmount > m.Amount {
		return Payment{}, fmt.Errorf("%w: seller amount %d outside [0, %d]", escrow.ErrInvalidContractParameters, sellerAmount, m.Amount)
	}
	next := *m
	if err := next.Advance(escrow.MilestoneApproved, escrow.MilestonePaid); err != nil {
		return Payment{}, err
	}
	refund := m.Amount - sellerAmount
	if c.PaidAmount+c.RefundedAmount+m.Amount > c.TotalAmount {
		return Payment{}, fmt.Errorf("%w: payout of milestone %d exceeds escrow", escrow.ErrInvalidStateTransition, index)
	}
	if err := s.matchInFlight(ctx, c.ID, index, sellerAmount, refund); err != nil {
		return Payment{}, err
	}

	var (
		pay      Payment
		fallback bool
	)
	if sellerAmount > 0 {
		key := escrow.ReleaseKey(c.ID, index)
		out, err := s.settle(ctx, key, sellerAmount, func() (settlement.Outcome, error) {
			return s.settler.Release(ctx, settlement.ReleaseRequest{
				Key: key, ContractID: c.ID, Index: index, Seller: c.Seller, Amount: sellerAmount,
			})
		})
		if err != nil {
			return Payment{}, err
		}
		fallback = fallback || out.Path == escrow.PathFallback
		pay.Keys = append(pay.Keys, store.KeyRecord{Key: key, Path: out.Path, Reference: out.Reference, Amount: sellerAmount})
		pay.Events = append(pay.Events, s.reconcile(c.ID, key, out)...)
	}
	if refund > 0 {
		key := escrow.RefundKey(c.ID, index)
		out, err := s.settle(ctx, key, refund, func() (settlement.Outcome, error) {
			return s.settler.Refund(ctx, settlement.RefundRequest{
				Key: key, ContractID: c.ID, Index: index, Buyer: c.Buyer, Amount: refund,
			})
		})
		if err != nil {
			// the release leg stays reserved: funds left escrow and a retry replays it by key
			return Payment{}, err
		}
		fallback = fallback || out.Path == escrow.PathFallback
		pay.Keys = append(pay.Keys, store.KeyRecord{Key: key, Path: out.Path, Reference: out.Reference, Amount: refund})
		pay.Events = append(pay.Events, s.reconcile(c.ID, key, out)...)
	}

	pay.Path = escrow.PathPrimary
	if fallback {
		pay.Path = escrow.PathFallback
	}

	if err := m.Advance(escrow.MilestoneApproved, escrow.MilestonePaid); err != nil {
		return Payment{}, err
	}
	now := s.now().UTC()
	m.PaidAt = &now
	m.SettlementPath = pay.Path
	c.PaidAmount += sellerAmount
	c.RefundedAmount += refund

	pay.Events = append(pay.Events, s.event(c.ID, escrow.EventMilestonePaid, map[string]any{
		"index": index, "seller_amount": sellerAmount, "refund_amount": refund, "path": string(pay.Path),
	}))
	if c.AllPaid() {
		if err := escrow.ValidateContractTransition(c.State, escrow.ContractCompleted); err != nil {
			return Payment{}, err
		}
		c.State = escrow.ContractCompleted
		pay.Events = append(pay.Events, s.event(c.ID, escrow.EventContractCompleted, map[string]any{
			"paid": c.PaidAmount, "refunded": c.RefundedAmount,
		}))
	}
	return pay, nil
}

// settle reserves key for amount, runs call and releases its own reservation if call fails.
// A key that is already completed is not settled again, and a key held for a different amount
// is refused.
func (s *Service) settle(ctx context.Context, key escrow.IdempotencyKey, amount int64, call func() (settlement.Outcome, error)) (settlement.Outcome, error) {
	rec, err := s.store.ReserveKey(ctx, key, amount)
	if err != nil {
		return settlement.Outcome{}, err
	}
	if rec.Amount != amount {
		return settlement.Outcome{}, fmt.Errorf("%w: %s reserved for %d, replay asks %d",
			escrow.ErrInvalidStateTransition, key, rec.Amount, amount)
	}
	if rec.Status == store.KeyCompleted {
		s.lggr.Warnw("settlement key already completed", "key", key.String(), "path", rec.Path)
		return settlement.Outcome{Path: rec.Path, Reference: rec.Reference}, nil
	}

	out, err := call()
	if err != nil {
		// a reservation left by an earlier attempt may cover funds that already moved
		if rec.Reserved {
			if rerr := s.store.ReleaseKey(context.WithoutCancel(ctx), key); rerr != nil {
				s.lggr.Errorw("release idempotency key", "key", key.String(), "error", rerr)
			}
		}
		s.lggr.Warnw("settlement failed", "key", key.String(), "retryable", escrow.IsRetryable(err), "error", err)
		return settlement.Outcome{}, err
	}
	return out, nil
}

// matchInFlight refuses a payout of milestone index whose legs differ from a payout left in
// flight by an earlier attempt. The backend answers a replayed key as already applied, so the
// amounts recorded here must be the amounts that moved.
func (s *Service) matchInFlight(ctx context.Context, contractID string, index int, release, refund int64) error {
	pending, err := s.store.PendingKeys(ctx, contractID)
	if err != nil {
		return err
	}
	for _, k := range pending {
		if k.Key.Kind == escrow.KeyCancel {
			return fmt.Errorf("%w: cancellation %s in flight", escrow.ErrInvalidStateTransition, k.Key)
		}
		if k.Key.Index != index {
			continue
		}
		var want int64
		switch k.Key.Kind {
		case escrow.KeyRelease:
			want = release
		case escrow.KeyRefund:
			want = refund
		default:
			continue
		}
		if want != k.Amount {
			return fmt.Errorf("%w: payout %s in flight for %d, replay asks %d",
				escrow.ErrInvalidStateTransition, k.Key, k.Amount, want)
		}
	}
	return nil
}

// PayoutInFlight returns ErrInvalidStateTransition when a release or refund of milestone index
// is reserved but not committed. Funds may already have moved, so only a replay of the payout
// may touch the milestone until it completes.
func (s *Service) PayoutInFlight(ctx context.Context, contractID string, index int) error {
	pending, err := s.store.PendingKeys(ctx, contractID)
	if err != nil {
		return err
	}
	for _, k := range pending {
		if k.Key.Index == index && (k.Key.Kind == escrow.KeyRelease || k.Key.Kind == escrow.KeyRefund) {
			return fmt.Errorf("%w: payout %s in flight", escrow.ErrInvalidStateTransition, k.Key)
		}
	}
	return nil
}
