package escrow

import "fmt"

// ContractState is the closed set of contract lifecycle states.
type ContractState string

const (
	ContractCreated   ContractState = "created"
	ContractActive    ContractState = "active"
	ContractCompleted ContractState = "completed"
	ContractCancelled ContractState = "cancelled"
	// ContractDisputed is reported by DisplayState only; the stored state stays active.
	ContractDisputed ContractState = "disputed"
)

// MilestoneState is the closed set of milestone states.
type MilestoneState string

const (
	MilestonePending    MilestoneState = "pending"
	MilestoneInProgress MilestoneState = "in_progress"
	MilestoneCompleted  MilestoneState = "completed"
	MilestoneApproved   MilestoneState = "approved"
	MilestoneRejected   MilestoneState = "rejected"
	MilestonePaid       MilestoneState = "paid"
)

// Resolution is the arbitrator's verdict on a dispute.
type Resolution string

const (
	ResolutionNone       Resolution = "none"
	ResolutionBuyerWins  Resolution = "buyer_wins"
	ResolutionSellerWins Resolution = "seller_wins"
	ResolutionSplit      Resolution = "split"
)

// ContractStates lists every stored contract state.
var ContractStates = []ContractState{ContractCreated, ContractActive, ContractCompleted, ContractCancelled}

// MilestoneStates lists every milestone state.
var MilestoneStates = []MilestoneState{
	MilestonePending, MilestoneInProgress, MilestoneCompleted,
	MilestoneApproved, MilestoneRejected, MilestonePaid,
}

var contractTransitions = map[ContractState][]ContractState{
	ContractCreated: {ContractActive, ContractCancelled},
	ContractActive:  {ContractCompleted, ContractCancelled},
}

// Approved is a pass-through state: approval and payment commit together, so no stored
// milestone rests in it. Rejected -> InProgress is the only backwards edge (rework).
var milestoneTransitions = map[MilestoneState][]MilestoneState{
	MilestonePending:    {MilestoneInProgress},
	MilestoneInProgress: {MilestoneCompleted},
	MilestoneCompleted:  {MilestoneApproved, MilestoneRejected},
	MilestoneApproved:   {MilestonePaid},
	MilestoneRejected:   {MilestoneInProgress},
}

// ValidateContractTransition is the single authority on contract state changes.
func ValidateContractTransition(from, to ContractState) error {
	for _, next := range contractTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: contract %s -> %s", ErrInvalidStateTransition, from, to)
}

// ValidateMilestoneTransition is the single authority on milestone state changes.
func ValidateMilestoneTransition(from, to MilestoneState) error {
	for _, next := range milestoneTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: milestone %s -> %s", ErrInvalidStateTransition, from, to)
}

// Advance walks m through each listed state, validating every edge. m is untouched on error.
func (m *Milestone) Advance(path ...MilestoneState) error {
	cur := m.State
	for _, next := range path {
		if err := ValidateMilestoneTransition(cur, next); err != nil {
			return fmt.Errorf("milestone %d: %w", m.Index, err)
		}
		cur = next
	}
	m.State = cur
	return nil
}

// Valid reports whether r is one of the verdicts an arbitrator may hand down.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionBuyerWins, ResolutionSellerWins, ResolutionSplit:
		return true
	default:
		return false
	}
}
