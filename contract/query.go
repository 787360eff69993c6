package contract

import (
	"context"
	"fmt"

	"tradeescrow/escrow"
)

// GetContractDetails returns the contract with its milestones.
func (s *Service) GetContractDetails(ctx context.Context, contractID string) (escrow.Contract, error) {
	if contractID == "" {
		return escrow.Contract{}, fmt.Errorf("contract: missing contract id: %w", escrow.ErrNotFound)
	}
	return s.store.GetContract(ctx, contractID)
}

// GetUserContracts lists contracts where party is buyer or seller, newest first.
func (s *Service) GetUserContracts(ctx context.Context, party string) ([]escrow.Contract, error) {
	if party == "" {
		return nil, fmt.Errorf("%w: missing party", escrow.ErrInvalidContractParameters)
	}
	return s.store.ListContractsByParty(ctx, party)
}

// ListEvents returns the audit timeline of a contract in commit order.
func (s *Service) ListEvents(ctx context.Context, contractID string) ([]escrow.Event, error) {
	if _, err := s.store.GetContract(ctx, contractID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, contractID)
}
