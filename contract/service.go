// Package contract implements the milestone escrow lifecycle: creation with escrow opening,
// milestone progression, approval with exactly-once payment, and cancellation.
package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeescrow/escrow"
	"tradeescrow/logger"
	"tradeescrow/settlement"
	"tradeescrow/store"
)

// Settler moves funds; *settlement.Degrading implements it.
type Settler interface {
	Open(ctx context.Context, req settlement.OpenRequest) (settlement.Outcome, error)
	Release(ctx context.Context, req settlement.ReleaseRequest) (settlement.Outcome, error)
	Refund(ctx context.Context, req settlement.RefundRequest) (settlement.Outcome, error)
}

// MilestoneSpec describes one milestone at creation.
type MilestoneSpec struct {
	Description string
	Amount      int64
	DueDate     time.Time
}

type CreateParams struct {
	ContractID  string
	Buyer       string
	Seller      string
	TermsHash   string
	TotalAmount int64
	Milestones  []MilestoneSpec
}

// Result is the contract after an operation and the backend that moved funds, if any.
type Result struct {
	Contract escrow.Contract
	Path     escrow.SettlementPath
}

type Service struct {
	store   store.Store
	locks   *store.Locker
	settler Settler
	lggr    logger.Logger
	now     func() time.Time
}

func NewService(st store.Store, locks *store.Locker, settler Settler, lggr logger.Logger) *Service {
	if locks == nil {
		locks = store.NewLocker()
	}
	return &Service{
		store:   st,
		locks:   locks,
		settler: settler,
		lggr:    lggr.Named("contract"),
		now:     time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) CreateContract(ctx context.Context, actor escrow.Actor, p CreateParams) (Result, error) {
	if err := escrow.Permit(actor, escrow.OpCreateContract, p.Buyer, p.Seller); err != nil {
		return Result{}, err
	}
	if err := validateCreate(p); err != nil {
		return Result{}, err
	}

	unlock, err := s.locks.Lock(ctx, p.ContractID)
	if err != nil {
		return Result{}, fmt.Errorf("contract: lock %s: %w", p.ContractID, err)
	}
	defer unlock()

	exists, err := s.store.ContractExists(ctx, p.ContractID)
	if err != nil {
		return Result{}, err
	}
	if exists {
		return Result{}, fmt.Errorf("%w: contract %q already exists", escrow.ErrInvalidContractParameters, p.ContractID)
	}

	if err := escrow.ValidateContractTransition(escrow.ContractCreated, escrow.ContractActive); err != nil {
		return Result{}, err
	}
	now := s.now().UTC()
	c := escrow.Contract{
		ID:          p.ContractID,
		Buyer:       p.Buyer,
		Seller:      p.Seller,
		TotalAmount: p.TotalAmount,
		TermsHash:   p.TermsHash,
		State:       escrow.ContractActive,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
		Milestones:  make([]escrow.Milestone, len(p.Milestones)),
	}
	for i, ms := range p.Milestones {
		c.Milestones[i] = escrow.Milestone{
			Index:       i,
			Description: ms.Description,
			Amount:      ms.Amount,
			DueDate:     ms.DueDate,
			State:       escrow.MilestonePending,
		}
	}

	key := escrow.OpenKey(c.ID)
	out, err := s.settle(ctx, key, c.TotalAmount, func() (settlement.Outcome, error) {
		return s.settler.Open(ctx, settlement.OpenRequest{
			Key: key, ContractID: c.ID, Buyer: c.Buyer, Seller: c.Seller, Amount: c.TotalAmount,
		})
	})
	if err != nil {
		return Result{}, err
	}
	c.OpenPath = out.Path

	events := []escrow.Event{s.event(c.ID, escrow.EventContractCreated, map[string]any{
		"buyer": c.Buyer, "seller": c.Seller, "total": c.TotalAmount, "milestones": len(c.Milestones), "path": string(out.Path),
	})}
	events = append(events, s.reconcile(c.ID, key, out)...)

	err = s.store.CreateContract(ctx, store.Commit{
		Contract: c,
		Keys:     []store.KeyRecord{{Key: key, Path: out.Path, Reference: out.Reference, Amount: c.TotalAmount}},
		Events:   events,
	})
	if errors.Is(err, store.ErrContractExists) {
		return Result{}, fmt.Errorf("%w: contract %q already exists", escrow.ErrInvalidContractParameters, c.ID)
	}
	if err != nil {
		s.lggr.Errorw("escrow opened but contract not stored", "contract", c.ID, "key", key.String(), "path", out.Path, "error", err)
		return Result{}, err
	}

	s.lggr.Infow("contract created", "contract", c.ID, "total", c.TotalAmount, "milestones", len(c.Milestones), "path", out.Path)
	return Result{Contract: c, Path: out.Path}, nil
}

func validateCreate(p CreateParams) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{escrow.ErrInvalidContractParameters}, args...)...)
	}
	switch {
	case p.ContractID == "":
		return invalid("missing contract id")
	case p.Buyer == "" || p.Seller == "":
		return invalid("buyer and seller required")
	case p.Buyer == p.Seller:
		return invalid("buyer and seller must differ")
	case p.TotalAmount <= 0:
		return invalid("total amount must be positive")
	case len(p.Milestones) == 0:
		return invalid("at least one milestone required")
	}
	var sum int64
	for i, m := range p.Milestones {
		if m.Amount <= 0 {
			return invalid("milestone %d amount must be positive", i)
		}
		sum += m.Amount
	}
	if sum != p.TotalAmount {
		return invalid("milestone amounts sum to %d, total is %d", sum, p.TotalAmount)
	}
	return nil
}

func (s *Service) StartMilestone(ctx context.Context, actor escrow.Actor, contractID string, index int) (Result, error) {
	return s.mutate(ctx, actor, escrow.OpStartMilestone, contractID, func(c *escrow.Contract) ([]escrow.Event, error) {
		m, err := activeMilestone(c, index)
		if err != nil {
			return nil, err
		}
		// rejected milestones re-enter progress only through RejectMilestone
		if m.State != escrow.MilestonePending {
			return nil, fmt.Errorf("%w: cannot start %s milestone", escrow.ErrInvalidStateTransition, m.State)
		}
		if err := m.Advance(escrow.MilestoneInProgress); err != nil {
			return nil, err
		}
		return []escrow.Event{s.event(c.ID, escrow.EventMilestoneStarted, map[string]any{"index": index})}, nil
	})
}

func (s *Service) CompleteMilestone(ctx context.Context, actor escrow.Actor, contractID string, index int, deliverableHash string) (Result, error) {
	return s.mutate(ctx, actor, escrow.OpCompleteMilestone, contractID, func(c *escrow.Contract) ([]escrow.Event, error) {
		m, err := activeMilestone(c, index)
		if err != nil {
			return nil, err
		}
		if err := m.Advance(escrow.MilestoneCompleted); err != nil {
			return nil, err
		}
		now := s.now().UTC()
		m.CompletedAt = &now
		m.DeliverableHash = deliverableHash
		return []escrow.Event{s.event(c.ID, escrow.EventMilestoneCompleted, map[string]any{
			"index": index, "deliverable_hash": deliverableHash,
		})}, nil
	})
}

// RejectMilestone sends a completed milestone back to rework with the buyer's feedback.
func (s *Service) RejectMilestone(ctx context.Context, actor escrow.Actor, contractID string, index int, feedback string) (Result, error) {
	return s.mutate(ctx, actor, escrow.OpRejectMilestone, contractID, func(c *escrow.Contract) ([]escrow.Event, error) {
		m, err := activeMilestone(c, index)
		if err != nil {
			return nil, err
		}
		if m.OpenDisputeID != "" {
			return nil, fmt.Errorf("%w: milestone %d has open dispute %s", escrow.ErrDisputeConflict, index, m.OpenDisputeID)
		}
		if err := m.Advance(escrow.MilestoneRejected, escrow.MilestoneInProgress); err != nil {
			return nil, err
		}
		if err := s.PayoutInFlight(ctx, c.ID, index); err != nil {
			return nil, err
		}
		m.FeedbackNotes = feedback
		return []escrow.Event{s.event(c.ID, escrow.EventMilestoneRejected, map[string]any{"index": index, "feedback": feedback})}, nil
	})
}

// ApproveMilestone releases the milestone amount to the seller and marks it paid. Approving
// a paid milestone succeeds without moving funds.
func (s *Service) ApproveMilestone(ctx context.Context, actor escrow.Actor, contractID string, index int) (Result, error) {
	unlock, err := s.locks.Lock(ctx, contractID)
	if err != nil {
		return Result{}, fmt.Errorf("contract: lock %s: %w", contractID, err)
	}
	defer unlock()

	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return Result{}, err
	}
	if err := escrow.Permit(actor, escrow.OpApproveMilestone, c.Buyer, c.Seller); err != nil {
		return Result{}, err
	}
	m, err := activeMilestone(&c, index)
	if err != nil {
		if m != nil && m.State == escrow.MilestonePaid {
			return Result{Contract: c, Path: escrow.PathNone}, nil
		}
		return Result{}, err
	}
	if m.State == escrow.MilestonePaid {
		return Result{Contract: c, Path: escrow.PathNone}, nil
	}
	if m.OpenDisputeID != "" {
		return Result{}, fmt.Errorf("%w: milestone %d has open dispute %s", escrow.ErrDisputeConflict, index, m.OpenDisputeID)
	}

	approved := s.event(c.ID, escrow.EventMilestoneApproved, map[string]any{"index": index, "approver": actor.PartyID})
	pay, err := s.Payout(ctx, &c, index, m.Amount)
	if err != nil {
		return Result{}, err
	}

	if err := s.commit(ctx, &c, store.Commit{Keys: pay.Keys, Events: append([]escrow.Event{approved}, pay.Events...)}); err != nil {
		return Result{}, err
	}
	s.lggr.Infow("milestone paid", "contract", c.ID, "index", index, "amount", m.Amount, "path", pay.Path)
	return Result{Contract: c, Path: pay.Path}, nil
}

// CancelContract refunds the unreleased escrow to the buyer. It is refused while a dispute is
// open or a release is in flight.
func (s *Service) CancelContract(ctx context.Context, actor escrow.Actor, contractID string) (Result, error) {
	unlock, err := s.locks.Lock(ctx, contractID)
	if err != nil {
		return Result{}, fmt.Errorf("contract: lock %s: %w", contractID, err)
	}
	defer unlock()

	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return Result{}, err
	}
	if err := escrow.Permit(actor, escrow.OpCancelContract, c.Buyer, c.Seller); err != nil {
		return Result{}, err
	}
	if err := escrow.ValidateContractTransition(c.State, escrow.ContractCancelled); err != nil {
		return Result{}, err
	}
	if c.HasDispute {
		return Result{}, fmt.Errorf("%w: contract %s has an open dispute", escrow.ErrDisputeConflict, c.ID)
	}
	pending, err := s.store.PendingKeys(ctx, c.ID)
	if err != nil {
		return Result{}, err
	}
	for _, k := range pending {
		if k.Key.Kind == escrow.KeyRelease || k.Key.Kind == escrow.KeyRefund {
			return Result{}, fmt.Errorf("%w: settlement %s in flight", escrow.ErrInvalidStateTransition, k.Key)
		}
	}

	remainder := c.Escrowed()
	var (
		out  settlement.Outcome
		keys []store.KeyRecord
	)
	key := escrow.CancelKey(c.ID)
	if remainder > 0 {
		out, err = s.settle(ctx, key, remainder, func() (settlement.Outcome, error) {
			return s.settler.Refund(ctx, settlement.RefundRequest{
				Key: key, ContractID: c.ID, Index: escrow.ContractLevel, Buyer: c.Buyer, Amount: remainder,
			})
		})
		if err != nil {
			return Result{}, err
		}
		keys = append(keys, store.KeyRecord{Key: key, Path: out.Path, Reference: out.Reference, Amount: remainder})
	}

	c.State = escrow.ContractCancelled
	c.CancelPath = out.Path
	c.RefundedAmount += remainder
	events := []escrow.Event{s.event(c.ID, escrow.EventContractCancelled, map[string]any{
		"refunded": remainder, "path": string(out.Path),
	})}
	events = append(events, s.reconcile(c.ID, key, out)...)

	if err := s.commit(ctx, &c, store.Commit{Keys: keys, Events: events}); err != nil {
		return Result{}, err
	}
	s.lggr.Infow("contract cancelled", "contract", c.ID, "refunded", remainder, "path", out.Path)
	return Result{Contract: c, Path: out.Path}, nil
}

// mutate runs a settlement-free transition under the contract lock.
func (s *Service) mutate(ctx context.Context, actor escrow.Actor, op escrow.Op, contractID string, fn func(c *escrow.Contract) ([]escrow.Event, error)) (Result, error) {
	unlock, err := s.locks.Lock(ctx, contractID)
	if err != nil {
		return Result{}, fmt.Errorf("contract: lock %s: %w", contractID, err)
	}
	defer unlock()

	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return Result{}, err
	}
	if err := escrow.Permit(actor, op, c.Buyer, c.Seller); err != nil {
		return Result{}, err
	}
	events, err := fn(&c)
	if err != nil {
		return Result{}, err
	}
	if err := s.commit(ctx, &c, store.Commit{Events: events}); err != nil {
		return Result{}, err
	}
	s.lggr.Debugw("contract updated", "contract", c.ID, "op", op)
	return Result{Contract: c, Path: escrow.PathNone}, nil
}

// Commit persists c with the given keys, disputes and events and advances c.Version.
// Callers must hold the contract lock.
func (s *Service) Commit(ctx context.Context, c *escrow.Contract, cm store.Commit) error {
	return s.commit(ctx, c, cm)
}

func (s *Service) commit(ctx context.Context, c *escrow.Contract, cm store.Commit) error {
	c.UpdatedAt = s.now().UTC()
	cm.Contract = *c
	if err := s.store.Commit(ctx, cm); err != nil {
		if errors.Is(err, store.ErrStaleVersion) {
			return fmt.Errorf("%w: contract %s changed concurrently", escrow.ErrInvalidStateTransition, c.ID)
		}
		return err
	}
	c.Version++
	return nil
}

func activeMilestone(c *escrow.Contract, index int) (*escrow.Milestone, error) {
	m := c.Milestone(index)
	if m == nil {
		return nil, fmt.Errorf("contract: milestone %d of %s: %w", index, c.ID, escrow.ErrNotFound)
	}
	if c.State != escrow.ContractActive {
		return m, fmt.Errorf("%w: contract %s is %s", escrow.ErrInvalidStateTransition, c.ID, c.State)
	}
	return m, nil
}

func (s *Service) event(contractID, typ string, payload map[string]any) escrow.Event {
	return escrow.Event{ContractID: contractID, Type: typ, Payload: payload, CreatedAt: s.now().UTC()}
}

func (s *Service) reconcile(contractID string, key escrow.IdempotencyKey, out settlement.Outcome) []escrow.Event {
	if !out.Reconcile {
		return nil
	}
	return []escrow.Event{s.event(contractID, escrow.EventSettlementReconcile, map[string]any{
		"key": key.String(), "kind": string(key.Kind), "path": string(out.Path), "reference": out.Reference,
	})}
}
