// Package settlement moves escrowed funds through an external ledger. A Backend performs one
// fund movement per idempotency key; Degrading retries the primary backend and falls back to
// a secondary one exactly once.
package settlement

import (
	"context"

	"tradeescrow/escrow"
)

// OpenRequest deposits the contract total into escrow.
type OpenRequest struct {
	Key        escrow.IdempotencyKey
	ContractID string
	Buyer      string
	Seller     string
	Amount     int64
}

// ReleaseRequest pays Amount of a milestone to the seller.
type ReleaseRequest struct {
	Key        escrow.IdempotencyKey
	ContractID string
	Index      int
	Seller     string
	Amount     int64
}

// RefundRequest returns Amount to the buyer. Index is escrow.ContractLevel for cancellations.
type RefundRequest struct {
	Key        escrow.IdempotencyKey
	ContractID string
	Index      int
	Buyer      string
	Amount     int64
}

// Receipt identifies an applied movement on the backend (tx hash, intermediary reference).
type Receipt struct {
	Reference string
}

// Balance is the backend's view of a contract's escrow account.
type Balance struct {
	Deposited int64
	Released  int64
	Refunded  int64
}

// Held is the amount still escrowed on the backend.
func (b Balance) Held() int64 {
	return b.Deposited - b.Released - b.Refunded
}

// Backend is one settlement rail. Fund-moving calls are idempotent on the request key: a
// key applied before yields ErrAlreadyApplied. Failures are reported as *BackendError.
type Backend interface {
	Name() string
	Open(ctx context.Context, req OpenRequest) (Receipt, error)
	Release(ctx context.Context, req ReleaseRequest) (Receipt, error)
	Refund(ctx context.Context, req RefundRequest) (Receipt, error)
	Query(ctx context.Context, contractID string) (Balance, error)
}
