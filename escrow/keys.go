package escrow

import (
	"fmt"
	"strconv"
)

// KeyKind distinguishes the fund-moving operations that share a milestone.
type KeyKind string

const (
	KeyOpen    KeyKind = "open"
	KeyRelease KeyKind = "release"
	KeyRefund  KeyKind = "refund"
	KeyCancel  KeyKind = "cancel"
)

// ContractLevel is the milestone index used by keys that apply to the whole contract.
const ContractLevel = -1

// IdempotencyKey is the deterministic identity of one fund movement.
type IdempotencyKey struct {
	ContractID string
	Index      int
	Kind       KeyKind
}

// ReleaseKey identifies the release of a milestone's funds to the seller.
func ReleaseKey(contractID string, index int) IdempotencyKey {
	return IdempotencyKey{ContractID: contractID, Index: index, Kind: KeyRelease}
}

// RefundKey identifies the buyer refund of a milestone's split remainder.
func RefundKey(contractID string, index int) IdempotencyKey {
	return IdempotencyKey{ContractID: contractID, Index: index, Kind: KeyRefund}
}

// OpenKey identifies the escrow opening for a contract.
func OpenKey(contractID string) IdempotencyKey {
	return IdempotencyKey{ContractID: contractID, Index: ContractLevel, Kind: KeyOpen}
}

// CancelKey identifies the cancellation refund for a contract.
func CancelKey(contractID string) IdempotencyKey {
	return IdempotencyKey{ContractID: contractID, Index: ContractLevel, Kind: KeyCancel}
}

// String renders the key as contractID:index:kind; contract-level keys use "-" as index.
func (k IdempotencyKey) String() string {
	idx := "-"
	if k.Index != ContractLevel {
		idx = strconv.Itoa(k.Index)
	}
	return fmt.Sprintf("%s:%s:%s", k.ContractID, idx, k.Kind)
}
