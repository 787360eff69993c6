package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"tradeescrow/escrow"
)

var errInsufficientEscrow = errors.New("insufficient escrow balance")

// Ledger is an in-process escrow ledger keyed by idempotency key. Two MemoryBackends sharing
// one Ledger model a primary that completes a movement after reporting failure: the fallback
// then sees the key as applied.
type Ledger struct {
	mu       sync.Mutex
	applied  map[string]Receipt
	balances map[string]*Balance
	seq      int
}

func NewLedger() *Ledger {
	return &Ledger{
		applied:  make(map[string]Receipt),
		balances: make(map[string]*Balance),
	}
}

func (l *Ledger) apply(backend string, key escrow.IdempotencyKey, contractID string, move func(*Balance) error) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.applied[key.String()]; ok {
		return Receipt{}, ErrAlreadyApplied
	}
	bal, ok := l.balances[contractID]
	if !ok {
		bal = &Balance{}
	}
	next := *bal
	if err := move(&next); err != nil {
		return Receipt{}, err
	}
	l.balances[contractID] = &next

	l.seq++
	r := Receipt{Reference: fmt.Sprintf("%s-%d", backend, l.seq)}
	l.applied[key.String()] = r
	return r, nil
}

// Applied reports whether key moved funds on this ledger.
func (l *Ledger) Applied(key escrow.IdempotencyKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.applied[key.String()]
	return ok
}

// Movements counts applied movements of the given kind.
func (l *Ledger) Movements(kind escrow.KeyKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k := range l.applied {
		if strings.HasSuffix(k, ":"+string(kind)) {
			n++
		}
	}
	return n
}

// Balance returns the escrow account of contractID.
func (l *Ledger) Balance(contractID string) Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[contractID]; ok {
		return *b
	}
	return Balance{}
}

// FailMode selects how an injected failure behaves.
type FailMode int

const (
	// FailBefore reports the error without touching the ledger.
	FailBefore FailMode = iota
	// FailAfter applies the movement, then reports the error (lost acknowledgement).
	FailAfter
)

// MemoryBackend is a Backend over a Ledger with failure injection, used by the sandbox
// configuration and by tests.
type MemoryBackend struct {
	name   string
	ledger *Ledger

	mu        sync.Mutex
	failMode  FailMode
	failErr   error
	failTimes int
	calls     map[string]int
}

// NewMemoryBackend returns a backend named name over ledger; a nil ledger gets a private one.
func NewMemoryBackend(name string, ledger *Ledger) *MemoryBackend {
	if ledger == nil {
		ledger = NewLedger()
	}
	return &MemoryBackend{name: name, ledger: ledger, calls: make(map[string]int)}
}

func (b *MemoryBackend) Name() string { return b.name }

// Ledger exposes the underlying ledger for assertions.
func (b *MemoryBackend) Ledger() *Ledger { return b.ledger }

// Inject makes the next times calls fail with err in the given mode. A negative times fails
// every call until Inject is called again with times 0.
func (b *MemoryBackend) Inject(mode FailMode, err error, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failMode, b.failErr, b.failTimes = mode, err, times
}

// Calls returns how many times op was invoked.
func (b *MemoryBackend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *MemoryBackend) Open(ctx context.Context, req OpenRequest) (Receipt, error) {
	return b.move(ctx, "open", req.Key, req.ContractID, func(bal *Balance) error {
		bal.Deposited += req.Amount
		return nil
	})
}

func (b *MemoryBackend) Release(ctx context.Context, req ReleaseRequest) (Receipt, error) {
	return b.move(ctx, "release", req.Key, req.ContractID, func(bal *Balance) error {
		if req.Amount > bal.Held() {
			return errInsufficientEscrow
		}
		bal.Released += req.Amount
		return nil
	})
}

func (b *MemoryBackend) Refund(ctx context.Context, req RefundRequest) (Receipt, error) {
	return b.move(ctx, "refund", req.Key, req.ContractID, func(bal *Balance) error {
		if req.Amount > bal.Held() {
			return errInsufficientEscrow
		}
		bal.Refunded += req.Amount
		return nil
	})
}

func (b *MemoryBackend) Query(ctx context.Context, contractID string) (Balance, error) {
	if err := ctx.Err(); err != nil {
		return Balance{}, retryable(b.name, "query", err)
	}
	b.mu.Lock()
	b.calls["query"]++
	b.mu.Unlock()
	return b.ledger.Balance(contractID), nil
}

func (b *MemoryBackend) move(ctx context.Context, op string, key escrow.IdempotencyKey, contractID string, fn func(*Balance) error) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, retryable(b.name, op, err)
	}

	b.mu.Lock()
	b.calls[op]++
	var (
		inject = b.failTimes != 0
		mode   = b.failMode
		ferr   = b.failErr
	)
	if b.failTimes > 0 {
		b.failTimes--
	}
	b.mu.Unlock()

	if inject && mode == FailBefore {
		return Receipt{}, ferr
	}

	r, err := b.ledger.apply(b.name, key, contractID, fn)
	switch {
	case errors.Is(err, ErrAlreadyApplied):
		return Receipt{}, ErrAlreadyApplied
	case err != nil:
		return Receipt{}, terminal(b.name, op, err)
	}

	if inject {
		return Receipt{}, ferr
	}
	return r, nil
}
