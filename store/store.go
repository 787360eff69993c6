// Package store is the durable source of truth for contracts, milestones, disputes,
// idempotency keys and the audit timeline.
package store

import (
	"context"
	"errors"
	"time"

	"tradeescrow/escrow"
)

var (
	// ErrContractExists signals the contract id is already taken.
	ErrContractExists = errors.New("store: contract already exists")
	// ErrStaleVersion is returned when the contract changed since it was read.
	ErrStaleVersion = errors.New("store: stale contract version")
	// ErrOpenDisputeExists signals the milestone already has an open dispute.
	ErrOpenDisputeExists = errors.New("store: milestone already has an open dispute")
)

// KeyStatus is the lifecycle of an idempotency key reservation.
type KeyStatus string

const (
	KeyPending   KeyStatus = "pending"
	KeyCompleted KeyStatus = "completed"
)

// KeyRecord is a reserved or completed fund movement. Amount is the sum it was reserved for;
// a replay of the movement must ask for the same amount.
type KeyRecord struct {
	Key         escrow.IdempotencyKey
	Status      KeyStatus
	Path        escrow.SettlementPath
	Reference   string
	Amount      int64
	CreatedAt   time.Time
	CompletedAt *time.Time
	// Reserved is set by ReserveKey when the call created the reservation. Not persisted.
	Reserved bool
}

// Commit enumerates the writes applied atomically for one engine operation.
//
// Contract.Version must equal the stored version; the stored version becomes Version+1.
// Disputes are upserted, Keys are stored as completed and Events are appended.
type Commit struct {
	Contract escrow.Contract
	Disputes []escrow.Dispute
	Keys     []KeyRecord
	Events   []escrow.Event
}

// Store defines the data access required by the lifecycle and dispute engines.
type Store interface {
	// CreateContract inserts c.Contract and its milestones; ErrContractExists on duplicates.
	CreateContract(ctx context.Context, c Commit) error
	ContractExists(ctx context.Context, id string) (bool, error)
	// GetContract returns escrow.ErrNotFound when no contract exists.
	GetContract(ctx context.Context, id string) (escrow.Contract, error)
	ListContractsByParty(ctx context.Context, party string) ([]escrow.Contract, error)
	// Commit applies c atomically; ErrStaleVersion when the contract moved on.
	Commit(ctx context.Context, c Commit) error

	// GetDispute returns escrow.ErrNotFound when no dispute exists.
	GetDispute(ctx context.Context, id string) (escrow.Dispute, error)
	ListDisputes(ctx context.Context, contractID string) ([]escrow.Dispute, error)

	// ReserveKey inserts key as pending for amount unless it exists and returns the stored
	// record, with Reserved set when this call inserted it.
	ReserveKey(ctx context.Context, key escrow.IdempotencyKey, amount int64) (KeyRecord, error)
	// ReleaseKey drops a pending reservation; completed keys are kept.
	ReleaseKey(ctx context.Context, key escrow.IdempotencyKey) error
	PendingKeys(ctx context.Context, contractID string) ([]KeyRecord, error)

	ListEvents(ctx context.Context, contractID string) ([]escrow.Event, error)
}
