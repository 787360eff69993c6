package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"tradeescrow/escrow"
	"tradeescrow/logger"
)

// Outcome reports which backend applied a movement. Reconcile is set when the fallback did,
// because the primary ledger may not reflect it.
type Outcome struct {
	Path      escrow.SettlementPath
	Reference string
	Reconcile bool
}

// Options tunes the primary retry loop.
type Options struct {
	// Attempts is the number of primary calls before falling back; zero means one.
	Attempts uint
	Delay    time.Duration
	// Timeout bounds each backend call.
	Timeout time.Duration
}

// Degrading runs every movement against the primary backend and, if the primary fails,
// against the fallback exactly once.
type Degrading struct {
	primary  Backend
	fallback Backend
	opts     Options
	lggr     logger.Logger
}

// NewDegrading wires primary with an optional fallback (nil disables degradation).
func NewDegrading(primary, fallback Backend, opts Options, lggr logger.Logger) *Degrading {
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Degrading{primary: primary, fallback: fallback, opts: opts, lggr: lggr.Named("settlement")}
}

func (d *Degrading) Open(ctx context.Context, req OpenRequest) (Outcome, error) {
	return d.run(ctx, "open", req.Key, func(ctx context.Context, b Backend) (Receipt, error) {
		return b.Open(ctx, req)
	})
}

func (d *Degrading) Release(ctx context.Context, req ReleaseRequest) (Outcome, error) {
	return d.run(ctx, "release", req.Key, func(ctx context.Context, b Backend) (Receipt, error) {
		return b.Release(ctx, req)
	})
}

func (d *Degrading) Refund(ctx context.Context, req RefundRequest) (Outcome, error) {
	return d.run(ctx, "refund", req.Key, func(ctx context.Context, b Backend) (Receipt, error) {
		return b.Refund(ctx, req)
	})
}

// Query reads the primary balance, or the fallback's when the primary is unreachable.
func (d *Degrading) Query(ctx context.Context, contractID string) (Balance, error) {
	qctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	bal, err := d.primary.Query(qctx, contractID)
	cancel()
	if err == nil || d.fallback == nil {
		return bal, err
	}
	qctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	fbal, ferr := d.fallback.Query(qctx, contractID)
	if ferr != nil {
		return Balance{}, errors.Join(err, ferr)
	}
	return fbal, nil
}

func (d *Degrading) run(ctx context.Context, op string, key escrow.IdempotencyKey, call func(context.Context, Backend) (Receipt, error)) (Outcome, error) {
	traceID := uuid.New()

	var (
		receipt    Receipt
		primaryErr error
		retries    int
	)
	err := retry.Do(func() error {
		actx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()

		r, err := call(actx, d.primary)
		if errors.Is(err, ErrAlreadyApplied) {
			d.lggr.Infow("movement already applied by primary", "traceID", traceID.String(), "op", op, "key", key.String())
			return nil
		}
		if err != nil {
			primaryErr = err
			d.lggr.Warnw("primary settlement attempt failed", "traceID", traceID.String(), "op", op,
				"key", key.String(), "backend", d.primary.Name(), "error", err)
			return err
		}
		receipt = r
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(d.opts.Attempts),
		retry.Delay(d.opts.Delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsRetryable),
		retry.OnRetry(func(uint, error) { retries++ }),
	)
	if err == nil {
		if retries > 0 {
			d.lggr.Infow("primary settlement succeeded after retry", "traceID", traceID.String(), "op", op, "retries", retries)
		}
		return Outcome{Path: escrow.PathPrimary, Reference: receipt.Reference}, nil
	}
	if primaryErr == nil {
		primaryErr = err
	}

	if d.fallback == nil || ctx.Err() != nil {
		fallbackErr := ctx.Err()
		return Outcome{}, &escrow.SettlementError{
			Op:        op,
			Retryable: !Rejected(primaryErr),
			Primary:   primaryErr,
			Fallback:  fallbackErr,
		}
	}

	d.lggr.Warnw("degrading to fallback settlement backend", "traceID", traceID.String(), "op", op,
		"key", key.String(), "primary", d.primary.Name(), "fallback", d.fallback.Name(), "primaryErr", primaryErr)

	fctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	r, fallbackErr := call(fctx, d.fallback)
	switch {
	case fallbackErr == nil:
	case errors.Is(fallbackErr, ErrAlreadyApplied):
		// the key already moved funds somewhere; typically the primary completed late
		d.lggr.Warnw("fallback reports movement already applied", "traceID", traceID.String(), "op", op, "key", key.String())
	default:
		d.lggr.Errorw("settlement failed on all backends", "traceID", traceID.String(), "op", op,
			"key", key.String(), "primaryErr", primaryErr, "fallbackErr", fallbackErr)
		return Outcome{}, &escrow.SettlementError{
			Op:        op,
			Retryable: !Rejected(primaryErr) && !Rejected(fallbackErr),
			Primary:   primaryErr,
			Fallback:  fallbackErr,
		}
	}

	d.lggr.Warnw("settlement applied by fallback; reconciliation required", "traceID", traceID.String(),
		"op", op, "key", key.String(), "reference", r.Reference)
	return Outcome{Path: escrow.PathFallback, Reference: r.Reference, Reconcile: true}, nil
}
