// Package escrow holds the milestone escrow data model, its closed state sets and the
// error taxonomy shared by the lifecycle and dispute engines.
package escrow

import "time"

// SettlementPath records which settlement backend applied a fund movement.
type SettlementPath string

const (
	PathNone     SettlementPath = ""
	PathPrimary  SettlementPath = "primary"
	PathFallback SettlementPath = "fallback"
)

// Contract mirrors the contracts table together with its ordered milestones.
type Contract struct {
	ID             string
	Buyer          string
	Seller         string
	TotalAmount    int64
	PaidAmount     int64
	RefundedAmount int64
	TermsHash      string
	State          ContractState
	HasDispute     bool
	OpenPath       SettlementPath
	CancelPath     SettlementPath
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Milestones     []Milestone
}

// Milestone is owned by exactly one contract and addressed by (ContractID, Index).
type Milestone struct {
	Index           int
	Description     string
	Amount          int64
	DueDate         time.Time
	State           MilestoneState
	CompletedAt     *time.Time
	PaidAt          *time.Time
	DeliverableHash string
	FeedbackNotes   string
	OpenDisputeID   string
	SettlementPath  SettlementPath
}

// Dispute is a disagreement over one milestone. It is open while Resolution is ResolutionNone.
type Dispute struct {
	ID              string
	ContractID      string
	MilestoneIndex  int
	Initiator       string
	Reason          string
	EvidenceHash    string
	CreatedAt       time.Time
	ResolvedAt      *time.Time
	Resolution      Resolution
	ResolutionNotes string
	SellerAmount    int64
	RefundAmount    int64
	SettlementPath  SettlementPath
}

// Open reports whether the dispute still awaits an arbitrator.
func (d Dispute) Open() bool {
	return d.Resolution == ResolutionNone
}

// Event is an append-only audit entry written in the same commit as the change it describes.
type Event struct {
	ID         int64
	ContractID string
	Type       string
	Payload    map[string]any
	CreatedAt  time.Time
}

const (
	EventContractCreated    = "contract.created"
	EventContractCompleted  = "contract.completed"
	EventContractCancelled  = "contract.cancelled"
	EventMilestoneStarted   = "milestone.started"
	EventMilestoneCompleted = "milestone.completed"
	EventMilestoneApproved  = "milestone.approved"
	EventMilestonePaid      = "milestone.paid"
	EventMilestoneRejected  = "milestone.rejected"
	EventDisputeOpened      = "dispute.opened"
	EventDisputeResolved    = "dispute.resolved"
	// EventSettlementReconcile flags a fund movement applied by the fallback backend; the
	// primary ledger may disagree until an operator reconciles it.
	EventSettlementReconcile = "settlement.reconcile"
)

// Milestone returns a pointer into c.Milestones, or nil when index is out of range.
func (c *Contract) Milestone(index int) *Milestone {
	if index < 0 || index >= len(c.Milestones) {
		return nil
	}
	return &c.Milestones[index]
}

// Escrowed is the balance still held for the buyer: total minus released and refunded funds.
func (c Contract) Escrowed() int64 {
	return c.TotalAmount - c.PaidAmount - c.RefundedAmount
}

// AllPaid reports whether every milestone reached MilestonePaid.
func (c Contract) AllPaid() bool {
	if len(c.Milestones) == 0 {
		return false
	}
	for _, m := range c.Milestones {
		if m.State != MilestonePaid {
			return false
		}
	}
	return true
}

// RecomputeDispute refreshes HasDispute from the milestones' open dispute links.
func (c *Contract) RecomputeDispute() {
	c.HasDispute = false
	for _, m := range c.Milestones {
		if m.OpenDisputeID != "" {
			c.HasDispute = true
			return
		}
	}
}

// DisplayState folds the dispute side-flag into the reported state.
func (c Contract) DisplayState() ContractState {
	if c.State == ContractActive && c.HasDispute {
		return ContractDisputed
	}
	return c.State
}

// Clone returns a deep copy so callers can mutate a snapshot without touching the original.
func (c Contract) Clone() Contract {
	out := c
	out.Milestones = make([]Milestone, len(c.Milestones))
	for i, m := range c.Milestones {
		out.Milestones[i] = m.clone()
	}
	return out
}

func (m Milestone) clone() Milestone {
	out := m
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		out.CompletedAt = &t
	}
	if m.PaidAt != nil {
		t := *m.PaidAt
		out.PaidAt = &t
	}
	return out
}

// Clone returns a deep copy of the dispute.
func (d Dispute) Clone() Dispute {
	out := d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}
