// Package actors runs concurrent buyers, sellers and arbitrators against the escrow engines.
package actors

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"tradeescrow/contract"
	"tradeescrow/dispute"
	"tradeescrow/escrow"
)

// Party is one side of a seeded contract.
type Party struct {
	ContractID string
	Milestones int
	Buyer      escrow.Actor
	Seller     escrow.Actor
}

// Stats counts outcomes across actors. Rejected operations are expected under contention;
// Failed counts everything outside the engine taxonomy (connection loss, timeouts).
type Stats struct {
	OK       atomic.Int64
	Rejected atomic.Int64
	Failed   atomic.Int64
}

func (s *Stats) record(err error) {
	switch {
	case err == nil:
		s.OK.Add(1)
	case escrow.CodeOf(err) != escrow.CodeUnknown:
		s.Rejected.Add(1)
	default:
		s.Failed.Add(1)
	}
}

func pick(rng *rand.Rand, parties []Party) (Party, int) {
	p := parties[rng.Intn(len(parties))]
	return p, rng.Intn(p.Milestones)
}

func sleep(rng *rand.Rand, base, spread int) {
	time.Sleep(time.Duration(base+rng.Intn(spread)) * time.Millisecond)
}

func stopped(ctx context.Context, stop <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return errStopped
	default:
		return nil
	}
}

var errStopped = errors.New("stopped")

func done(err error) error {
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}

// Seller starts and completes random milestones.
func Seller(ctx context.Context, svc *contract.Service, parties []Party, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if err := stopped(ctx, stop); err != nil {
			return done(err)
		}
		p, idx := pick(rng, parties)
		_, err := svc.StartMilestone(ctx, p.Seller, p.ContractID, idx)
		stats.record(err)
		_, err = svc.CompleteMilestone(ctx, p.Seller, p.ContractID, idx, "0xdeliverable")
		stats.record(err)
		sleep(rng, 5, 20)
	}
}

// Buyer approves most completed milestones and rejects some.
func Buyer(ctx context.Context, svc *contract.Service, parties []Party, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if err := stopped(ctx, stop); err != nil {
			return done(err)
		}
		p, idx := pick(rng, parties)
		var err error
		if rng.Intn(5) == 0 {
			_, err = svc.RejectMilestone(ctx, p.Buyer, p.ContractID, idx, "rework")
		} else {
			_, err = svc.ApproveMilestone(ctx, p.Buyer, p.ContractID, idx)
		}
		stats.record(err)
		sleep(rng, 5, 20)
	}
}

// Canceller occasionally cancels a contract, racing approvals and disputes.
func Canceller(ctx context.Context, svc *contract.Service, parties []Party, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if err := stopped(ctx, stop); err != nil {
			return done(err)
		}
		if rng.Intn(10) == 0 {
			p, _ := pick(rng, parties)
			_, err := svc.CancelContract(ctx, p.Buyer, p.ContractID)
			stats.record(err)
		}
		sleep(rng, 50, 100)
	}
}

// Disputer opens disputes on random milestones as either party.
func Disputer(ctx context.Context, svc *dispute.Service, parties []Party, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if err := stopped(ctx, stop); err != nil {
			return done(err)
		}
		p, idx := pick(rng, parties)
		actor := p.Buyer
		if rng.Intn(2) == 0 {
			actor = p.Seller
		}
		_, err := svc.CreateDispute(ctx, actor, dispute.CreateParams{ContractID: p.ContractID, MilestoneIndex: idx, Reason: "quality"})
		stats.record(err)
		sleep(rng, 20, 40)
	}
}

// verdict derives a stable resolution from the dispute id so a retry after a partial payout
// repeats the same amounts.
func verdict(id string) (escrow.Resolution, int64) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	v := h.Sum32()
	verdicts := []escrow.Resolution{escrow.ResolutionBuyerWins, escrow.ResolutionSellerWins, escrow.ResolutionSplit}
	return verdicts[v%3], int64(v/3%2) * 10
}

// Arbitrator resolves open disputes.
func Arbitrator(ctx context.Context, svc *dispute.Service, parties []Party, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	arb := escrow.Actor{PartyID: "arbitrator", Role: escrow.RoleArbitrator}
	for {
		if err := stopped(ctx, stop); err != nil {
			return done(err)
		}
		p, _ := pick(rng, parties)
		disputes, err := svc.ListContractDisputes(ctx, p.ContractID)
		if err != nil {
			stats.record(err)
			sleep(rng, 20, 40)
			continue
		}
		for _, d := range disputes {
			if !d.Open() {
				continue
			}
			resolution, sellerAmount := verdict(d.ID)
			params := dispute.ResolveParams{DisputeID: d.ID, Resolution: resolution, SellerAmount: sellerAmount, Notes: "stress"}
			_, err := svc.ResolveDispute(ctx, arb, params)
			stats.record(err)
		}
		sleep(rng, 20, 40)
	}
}
