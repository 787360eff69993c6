package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradeescrow/escrow"
)

// MemoryRepository implements Store in process memory. It backs the sandbox mode of the
// service and the engine tests.
type MemoryRepository struct {
	mu        sync.RWMutex
	contracts map[string]escrow.Contract
	disputes  map[string]escrow.Dispute
	keys      map[string]KeyRecord
	events    []escrow.Event
	now       func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		contracts: make(map[string]escrow.Contract),
		disputes:  make(map[string]escrow.Dispute),
		keys:      make(map[string]KeyRecord),
		now:       time.Now,
	}
}

func (r *MemoryRepository) CreateContract(_ context.Context, c Commit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.contracts[c.Contract.ID]; ok {
		return ErrContractExists
	}
	if err := r.checkDisputes(c.Disputes); err != nil {
		return err
	}
	r.contracts[c.Contract.ID] = c.Contract.Clone()
	r.apply(c)
	return nil
}

func (r *MemoryRepository) ContractExists(_ context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.contracts[id]
	return ok, nil
}

func (r *MemoryRepository) GetContract(_ context.Context, id string) (escrow.Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[id]
	if !ok {
		return escrow.Contract{}, fmt.Errorf("store: contract %q: %w", id, escrow.ErrNotFound)
	}
	return c.Clone(), nil
}

func (r *MemoryRepository) ListContractsByParty(_ context.Context, party string) ([]escrow.Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]escrow.Contract, 0, 8)
	for _, c := range r.contracts {
		if c.Buyer == party || c.Seller == party {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) Commit(_ context.Context, c Commit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.contracts[c.Contract.ID]
	if !ok {
		return fmt.Errorf("store: contract %q: %w", c.Contract.ID, escrow.ErrNotFound)
	}
	if stored.Version != c.Contract.Version {
		return ErrStaleVersion
	}
	if err := r.checkDisputes(c.Disputes); err != nil {
		return err
	}

	next := c.Contract.Clone()
	next.Version++
	r.contracts[next.ID] = next
	r.apply(c)
	return nil
}

// checkDisputes mirrors the partial unique index on open disputes.
func (r *MemoryRepository) checkDisputes(disputes []escrow.Dispute) error {
	for _, d := range disputes {
		if !d.Open() {
			continue
		}
		for _, existing := range r.disputes {
			if existing.ID != d.ID && existing.Open() &&
				existing.ContractID == d.ContractID && existing.MilestoneIndex == d.MilestoneIndex {
				return ErrOpenDisputeExists
			}
		}
	}
	return nil
}

func (r *MemoryRepository) apply(c Commit) {
	now := r.now()
	for _, d := range c.Disputes {
		r.disputes[d.ID] = d.Clone()
	}
	for _, k := range c.Keys {
		k.Status = KeyCompleted
		if k.CompletedAt == nil {
			k.CompletedAt = &now
		}
		if prev, ok := r.keys[k.Key.String()]; ok {
			k.CreatedAt = prev.CreatedAt
			if k.Amount == 0 {
				k.Amount = prev.Amount
			}
		} else if k.CreatedAt.IsZero() {
			k.CreatedAt = now
		}
		r.keys[k.Key.String()] = k
	}
	for _, e := range c.Events {
		e.ID = int64(len(r.events) + 1)
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		r.events = append(r.events, e)
	}
}

func (r *MemoryRepository) GetDispute(_ context.Context, id string) (escrow.Dispute, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.disputes[id]
	if !ok {
		return escrow.Dispute{}, fmt.Errorf("store: dispute %q: %w", id, escrow.ErrNotFound)
	}
	return d.Clone(), nil
}

func (r *MemoryRepository) ListDisputes(_ context.Context, contractID string) ([]escrow.Dispute, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]escrow.Dispute, 0, 4)
	for _, d := range r.disputes {
		if d.ContractID == contractID {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRepository) ReserveKey(_ context.Context, key escrow.IdempotencyKey, amount int64) (KeyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.keys[key.String()]; ok {
		return rec, nil
	}
	rec := KeyRecord{Key: key, Status: KeyPending, Amount: amount, CreatedAt: r.now()}
	r.keys[key.String()] = rec
	rec.Reserved = true
	return rec, nil
}

func (r *MemoryRepository) ReleaseKey(_ context.Context, key escrow.IdempotencyKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.keys[key.String()]; ok && rec.Status == KeyPending {
		delete(r.keys, key.String())
	}
	return nil
}

func (r *MemoryRepository) PendingKeys(_ context.Context, contractID string) ([]KeyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []KeyRecord
	for _, rec := range r.keys {
		if rec.Key.ContractID == contractID && rec.Status == KeyPending {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Key returns the stored record for key, if any.
func (r *MemoryRepository) Key(key escrow.IdempotencyKey) (KeyRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.keys[key.String()]
	return rec, ok
}

func (r *MemoryRepository) ListEvents(_ context.Context, contractID string) ([]escrow.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []escrow.Event
	for _, e := range r.events {
		if e.ContractID == contractID {
			out = append(out, e)
		}
	}
	return out, nil
}
