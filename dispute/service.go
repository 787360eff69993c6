// Package dispute opens disputes over completed milestones and applies arbitrator
// resolutions, paying out through the contract engine.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradeescrow/contract"
	"tradeescrow/escrow"
	"tradeescrow/logger"
	"tradeescrow/store"
)

// Payer settles and commits milestone payouts; *contract.Service implements it.
type Payer interface {
	Payout(ctx context.Context, c *escrow.Contract, index int, sellerAmount int64) (contract.Payment, error)
	Commit(ctx context.Context, c *escrow.Contract, cm store.Commit) error
	PayoutInFlight(ctx context.Context, contractID string, index int) error
}

type CreateParams struct {
	ContractID     string
	MilestoneIndex int
	Reason         string
	EvidenceHash   string
}

type ResolveParams struct {
	DisputeID  string
	Resolution escrow.Resolution
	Notes      string
	// SellerAmount is the seller's share for split resolutions.
	SellerAmount int64
}

// Result is the dispute and its contract after an operation.
type Result struct {
	Dispute  escrow.Dispute
	Contract escrow.Contract
	Path     escrow.SettlementPath
}

type Service struct {
	store       store.Store
	locks       *store.Locker
	payer       Payer
	lggr        logger.Logger
	idGenerator func() string
	now         func() time.Time
}

// NewService shares locks with the contract engine so both serialize on the same contract.
func NewService(st store.Store, locks *store.Locker, payer Payer, lggr logger.Logger) *Service {
	return &Service{
		store:       st,
		locks:       locks,
		payer:       payer,
		lggr:        lggr.Named("dispute"),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateDispute opens a dispute on a completed milestone. Until it is resolved the milestone
// cannot be approved or rejected and the contract cannot be cancelled.
func (s *Service) CreateDispute(ctx context.Context, actor escrow.Actor, p CreateParams) (Result, error) {
	unlock, err := s.locks.Lock(ctx, p.ContractID)
	if err != nil {
		return Result{}, fmt.Errorf("dispute: lock %s: %w", p.ContractID, err)
	}
	defer unlock()

	c, err := s.store.GetContract(ctx, p.ContractID)
	if err != nil {
		return Result{}, err
	}
	if err := escrow.Permit(actor, escrow.OpCreateDispute, c.Buyer, c.Seller); err != nil {
		return Result{}, err
	}
	m := c.Milestone(p.MilestoneIndex)
	if m == nil {
		return Result{}, fmt.Errorf("dispute: milestone %d of %s: %w", p.MilestoneIndex, c.ID, escrow.ErrNotFound)
	}
	if c.State != escrow.ContractActive {
		return Result{}, fmt.Errorf("%w: contract %s is %s", escrow.ErrInvalidStateTransition, c.ID, c.State)
	}
	if m.OpenDisputeID != "" {
		return Result{}, fmt.Errorf("%w: milestone %d already disputed by %s", escrow.ErrDisputeConflict, m.Index, m.OpenDisputeID)
	}
	if m.State != escrow.MilestoneCompleted {
		return Result{}, fmt.Errorf("%w: cannot dispute %s milestone", escrow.ErrInvalidStateTransition, m.State)
	}
	if err := s.payer.PayoutInFlight(ctx, c.ID, m.Index); err != nil {
		return Result{}, err
	}

	now := s.now().UTC()
	d := escrow.Dispute{
		ID:             s.idGenerator(),
		ContractID:     c.ID,
		MilestoneIndex: m.Index,
		Initiator:      actor.PartyID,
		Reason:         p.Reason,
		EvidenceHash:   p.EvidenceHash,
		CreatedAt:      now,
		Resolution:     escrow.ResolutionNone,
	}
	m.OpenDisputeID = d.ID
	c.RecomputeDispute()

	opened := escrow.Event{ContractID: c.ID, Type: escrow.EventDisputeOpened, CreatedAt: now, Payload: map[string]any{
		"dispute_id": d.ID, "index": m.Index, "initiator": d.Initiator, "reason": d.Reason,
	}}
	if err := s.payer.Commit(ctx, &c, store.Commit{Disputes: []escrow.Dispute{d}, Events: []escrow.Event{opened}}); err != nil {
		if errors.Is(err, store.ErrOpenDisputeExists) {
			return Result{}, fmt.Errorf("%w: milestone %d already disputed", escrow.ErrDisputeConflict, p.MilestoneIndex)
		}
		return Result{}, err
	}

	s.lggr.Infow("dispute opened", "dispute", d.ID, "contract", c.ID, "index", d.MilestoneIndex, "initiator", d.Initiator)
	return Result{Dispute: d, Contract: c, Path: escrow.PathNone}, nil
}

// ResolveDispute applies an arbitrator decision. BuyerWins rejects the milestone without moving
// funds; SellerWins pays the full amount; Split pays SellerAmount and refunds the rest.
func (s *Service) ResolveDispute(ctx context.Context, actor escrow.Actor, p ResolveParams) (Result, error) {
	if err := escrow.Permit(actor, escrow.OpResolveDispute, "", ""); err != nil {
		return Result{}, err
	}
	if !p.Resolution.Valid() {
		return Result{}, fmt.Errorf("%w: unknown resolution %q", escrow.ErrInvalidContractParameters, p.Resolution)
	}

	d, err := s.store.GetDispute(ctx, p.DisputeID)
	if err != nil {
		return Result{}, err
	}
	unlock, err := s.locks.Lock(ctx, d.ContractID)
	if err != nil {
		return Result{}, fmt.Errorf("dispute: lock %s: %w", d.ContractID, err)
	}
	defer unlock()

	// reload under the lock; a concurrent resolution may have won
	if d, err = s.store.GetDispute(ctx, p.DisputeID); err != nil {
		return Result{}, err
	}
	if !d.Open() {
		return Result{}, fmt.Errorf("dispute %s resolved as %s: %w", d.ID, d.Resolution, escrow.ErrDisputeAlreadyResolved)
	}
	c, err := s.store.GetContract(ctx, d.ContractID)
	if err != nil {
		return Result{}, err
	}
	m := c.Milestone(d.MilestoneIndex)
	if m == nil || m.OpenDisputeID != d.ID {
		return Result{}, fmt.Errorf("%w: dispute %s is not attached to its milestone", escrow.ErrDisputeConflict, d.ID)
	}

	var pay contract.Payment
	switch p.Resolution {
	case escrow.ResolutionBuyerWins:
		// a partially applied split must be replayed, not overturned
		if err := s.payer.PayoutInFlight(ctx, c.ID, m.Index); err != nil {
			return Result{}, err
		}
		if err := m.Advance(escrow.MilestoneRejected); err != nil {
			return Result{}, err
		}
		m.FeedbackNotes = p.Notes
	case escrow.ResolutionSellerWins:
		d.SellerAmount = m.Amount
		if pay, err = s.payer.Payout(ctx, &c, m.Index, m.Amount); err != nil {
			return Result{}, err
		}
	case escrow.ResolutionSplit:
		if p.SellerAmount < 0 || p.SellerAmount > m.Amount {
			return Result{}, fmt.Errorf("%w: split seller amount %d outside [0, %d]", escrow.ErrInvalidContractParameters, p.SellerAmount, m.Amount)
		}
		d.SellerAmount = p.SellerAmount
		d.RefundAmount = m.Amount - p.SellerAmount
		if pay, err = s.payer.Payout(ctx, &c, m.Index, p.SellerAmount); err != nil {
			return Result{}, err
		}
	}

	now := s.now().UTC()
	d.Resolution = p.Resolution
	d.ResolutionNotes = p.Notes
	d.ResolvedAt = &now
	d.SettlementPath = pay.Path
	m.OpenDisputeID = ""
	c.RecomputeDispute()

	resolved := escrow.Event{ContractID: c.ID, Type: escrow.EventDisputeResolved, CreatedAt: now, Payload: map[string]any{
		"dispute_id": d.ID, "index": d.MilestoneIndex, "resolution": string(d.Resolution),
		"seller_amount": d.SellerAmount, "refund_amount": d.RefundAmount, "arbitrator": actor.PartyID,
	}}
	cm := store.Commit{
		Disputes: []escrow.Dispute{d},
		Keys:     pay.Keys,
		Events:   append([]escrow.Event{resolved}, pay.Events...),
	}
	if err := s.payer.Commit(ctx, &c, cm); err != nil {
		return Result{}, err
	}

	s.lggr.Infow("dispute resolved", "dispute", d.ID, "contract", c.ID, "resolution", d.Resolution,
		"sellerAmount", d.SellerAmount, "refundAmount", d.RefundAmount, "path", pay.Path)
	return Result{Dispute: d, Contract: c, Path: pay.Path}, nil
}

func (s *Service) GetDisputeDetails(ctx context.Context, id string) (escrow.Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// ListContractDisputes returns every dispute of a contract, oldest first.
func (s *Service) ListContractDisputes(ctx context.Context, contractID string) ([]escrow.Dispute, error) {
	if _, err := s.store.GetContract(ctx, contractID); err != nil {
		return nil, err
	}
	return s.store.ListDisputes(ctx, contractID)
}
