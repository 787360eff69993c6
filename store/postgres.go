package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tradeescrow/escrow"
)

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// OutboxTopicReconcile is published whenever a fund movement went through the fallback backend.
const OutboxTopicReconcile = "settlement.reconcile"

// PGRepository implements Store backed by PostgreSQL.
type PGRepository struct {
	db DB
}

// NewPGRepository creates a PostgreSQL-backed contract store.
func NewPGRepository(db DB) *PGRepository {
	return &PGRepository{db: db}
}

const contractColumns = `id, buyer, seller, total_amount, paid_amount, refunded_amount, terms_hash,
    state, has_dispute, open_path, cancel_path, version, created_at, updated_at`

const milestoneColumns = `contract_id, idx, description, amount, due_date, state, completed_at, paid_at,
    deliverable_hash, feedback_notes, open_dispute_id, settlement_path`

const disputeColumns = `id, contract_id, milestone_index, initiator, reason, evidence_hash, created_at,
    resolved_at, resolution, resolution_notes, seller_amount, refund_amount, settlement_path`

func (r *PGRepository) CreateContract(ctx context.Context, c Commit) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ct := c.Contract
	const insertSQL = `
        INSERT INTO contracts (id, buyer, seller, total_amount, paid_amount, refunded_amount, terms_hash,
            state, has_dispute, open_path, cancel_path, version, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
    `
	if _, err := tx.Exec(ctx, insertSQL,
		ct.ID, ct.Buyer, ct.Seller, ct.TotalAmount, ct.PaidAmount, ct.RefundedAmount, ct.TermsHash,
		ct.State, ct.HasDispute, ct.OpenPath, ct.CancelPath, ct.Version, ct.CreatedAt, ct.UpdatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrContractExists
		}
		return fmt.Errorf("store: insert contract: %w", err)
	}

	const milestoneSQL = `
        INSERT INTO milestones (contract_id, idx, description, amount, due_date, state, completed_at, paid_at,
            deliverable_hash, feedback_notes, open_dispute_id, settlement_path)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
    `
	for _, m := range ct.Milestones {
		if _, err := tx.Exec(ctx, milestoneSQL,
			ct.ID, m.Index, m.Description, m.Amount, nullTime(m.DueDate), m.State, m.CompletedAt, m.PaidAt,
			m.DeliverableHash, m.FeedbackNotes, m.OpenDisputeID, m.SettlementPath,
		); err != nil {
			return fmt.Errorf("store: insert milestone %d: %w", m.Index, err)
		}
	}

	if err := r.applyTx(ctx, tx, c); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit create: %w", err)
	}
	return nil
}

func (r *PGRepository) ContractExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM contracts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: contract exists: %w", err)
	}
	return exists, nil
}

func (r *PGRepository) GetContract(ctx context.Context, id string) (escrow.Contract, error) {
	c, err := scanContract(r.db.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.Contract{}, fmt.Errorf("store: contract %q: %w", id, escrow.ErrNotFound)
		}
		return escrow.Contract{}, fmt.Errorf("store: get contract: %w", err)
	}

	byContract, err := r.loadMilestones(ctx, []string{id})
	if err != nil {
		return escrow.Contract{}, err
	}
	c.Milestones = byContract[id]
	return c, nil
}

func (r *PGRepository) ListContractsByParty(ctx context.Context, party string) ([]escrow.Contract, error) {
	rows, err := r.db.Query(ctx, `
        SELECT `+contractColumns+`
        FROM contracts
        WHERE buyer = $1 OR seller = $1
        ORDER BY created_at DESC, id
    `, party)
	if err != nil {
		return nil, fmt.Errorf("store: list contracts: %w", err)
	}
	defer rows.Close()

	out := make([]escrow.Contract, 0, 8)
	ids := make([]string, 0, 8)
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan contract: %w", err)
		}
		out = append(out, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate contracts: %w", err)
	}
	if len(ids) == 0 {
		return out, nil
	}

	byContract, err := r.loadMilestones(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Milestones = byContract[out[i].ID]
	}
	return out, nil
}

func (r *PGRepository) loadMilestones(ctx context.Context, ids []string) (map[string][]escrow.Milestone, error) {
	rows, err := r.db.Query(ctx, `
        SELECT `+milestoneColumns+`
        FROM milestones
        WHERE contract_id = ANY($1)
        ORDER BY contract_id, idx
    `, ids)
	if err != nil {
		return nil, fmt.Errorf("store: list milestones: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]escrow.Milestone, len(ids))
	for rows.Next() {
		var (
			contractID string
			m          escrow.Milestone
			due        *time.Time
		)
		if err := rows.Scan(&contractID, &m.Index, &m.Description, &m.Amount, &due, &m.State, &m.CompletedAt, &m.PaidAt,
			&m.DeliverableHash, &m.FeedbackNotes, &m.OpenDisputeID, &m.SettlementPath); err != nil {
			return nil, fmt.Errorf("store: scan milestone: %w", err)
		}
		if due != nil {
			m.DueDate = *due
		}
		out[contractID] = append(out[contractID], m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate milestones: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Commit(ctx context.Context, c Commit) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ct := c.Contract
	tag, err := tx.Exec(ctx, `
        UPDATE contracts
        SET paid_amount=$3, refunded_amount=$4, state=$5, has_dispute=$6, open_path=$7, cancel_path=$8,
            version=version+1, updated_at=$9
        WHERE id=$1 AND version=$2
    `, ct.ID, ct.Version, ct.PaidAmount, ct.RefundedAmount, ct.State, ct.HasDispute, ct.OpenPath, ct.CancelPath, ct.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: update contract: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM contracts WHERE id = $1)`, ct.ID).Scan(&exists); err != nil {
			return fmt.Errorf("store: check contract: %w", err)
		}
		if !exists {
			return fmt.Errorf("store: contract %q: %w", ct.ID, escrow.ErrNotFound)
		}
		return ErrStaleVersion
	}

	const milestoneSQL = `
        UPDATE milestones
        SET state=$3, completed_at=$4, paid_at=$5, deliverable_hash=$6, feedback_notes=$7,
            open_dispute_id=$8, settlement_path=$9
        WHERE contract_id=$1 AND idx=$2
    `
	for _, m := range ct.Milestones {
		if _, err := tx.Exec(ctx, milestoneSQL,
			ct.ID, m.Index, m.State, m.CompletedAt, m.PaidAt, m.DeliverableHash, m.FeedbackNotes,
			m.OpenDisputeID, m.SettlementPath,
		); err != nil {
			return fmt.Errorf("store: update milestone %d: %w", m.Index, err)
		}
	}

	if err := r.applyTx(ctx, tx, c); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// applyTx writes the dispute upserts, completed keys and events shared by create and commit.
func (r *PGRepository) applyTx(ctx context.Context, tx pgx.Tx, c Commit) error {
	const disputeSQL = `
        INSERT INTO disputes (` + disputeColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
        ON CONFLICT (id) DO UPDATE
        SET resolved_at=EXCLUDED.resolved_at, resolution=EXCLUDED.resolution,
            resolution_notes=EXCLUDED.resolution_notes, seller_amount=EXCLUDED.seller_amount,
            refund_amount=EXCLUDED.refund_amount, settlement_path=EXCLUDED.settlement_path
    `
	for _, d := range c.Disputes {
		if _, err := tx.Exec(ctx, disputeSQL,
			d.ID, d.ContractID, d.MilestoneIndex, d.Initiator, d.Reason, d.EvidenceHash, d.CreatedAt,
			d.ResolvedAt, d.Resolution, d.ResolutionNotes, d.SellerAmount, d.RefundAmount, d.SettlementPath,
		); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrOpenDisputeExists
			}
			return fmt.Errorf("store: upsert dispute: %w", err)
		}
	}

	const keySQL = `
        INSERT INTO idempotency (key, contract_id, milestone_index, kind, status, path, reference, amount, completed_at)
        VALUES ($1,$2,$3,$4,'completed',$5,$6,$7,now())
        ON CONFLICT (key) DO UPDATE
        SET status='completed', path=EXCLUDED.path, reference=EXCLUDED.reference, completed_at=now()
    `
	for _, k := range c.Keys {
		if _, err := tx.Exec(ctx, keySQL, k.Key.String(), k.Key.ContractID, k.Key.Index, k.Key.Kind, k.Path, k.Reference, k.Amount); err != nil {
			return fmt.Errorf("store: complete idempotency key: %w", err)
		}
	}

	for _, e := range c.Events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("store: marshal event payload: %w", err)
		}
		if _, err := tx.Exec(ctx, `
            INSERT INTO contract_events (contract_id, type, payload)
            VALUES ($1, $2, $3::jsonb)
        `, e.ContractID, e.Type, string(payload)); err != nil {
			return fmt.Errorf("store: insert event: %w", err)
		}
		if e.Type == escrow.EventSettlementReconcile {
			if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, OutboxTopicReconcile, string(payload)); err != nil {
				return fmt.Errorf("store: enqueue outbox: %w", err)
			}
		}
	}
	return nil
}

func (r *PGRepository) GetDispute(ctx context.Context, id string) (escrow.Dispute, error) {
	d, err := scanDispute(r.db.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.Dispute{}, fmt.Errorf("store: dispute %q: %w", id, escrow.ErrNotFound)
		}
		return escrow.Dispute{}, fmt.Errorf("store: get dispute: %w", err)
	}
	return d, nil
}

func (r *PGRepository) ListDisputes(ctx context.Context, contractID string) ([]escrow.Dispute, error) {
	rows, err := r.db.Query(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE contract_id = $1 ORDER BY created_at, id`, contractID)
	if err != nil {
		return nil, fmt.Errorf("store: list disputes: %w", err)
	}
	defer rows.Close()

	out := make([]escrow.Dispute, 0, 4)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan dispute: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate disputes: %w", err)
	}
	return out, nil
}

func (r *PGRepository) ReserveKey(ctx context.Context, key escrow.IdempotencyKey, amount int64) (KeyRecord, error) {
	tag, err := r.db.Exec(ctx, `
        INSERT INTO idempotency (key, contract_id, milestone_index, kind, status, amount)
        VALUES ($1,$2,$3,$4,'pending',$5)
        ON CONFLICT (key) DO NOTHING
    `, key.String(), key.ContractID, key.Index, key.Kind, amount)
	if err != nil {
		return KeyRecord{}, fmt.Errorf("store: reserve idempotency key: %w", err)
	}

	rec := KeyRecord{Key: key, Reserved: tag.RowsAffected() == 1}
	if err := r.db.QueryRow(ctx, `
        SELECT status, path, reference, amount, created_at, completed_at FROM idempotency WHERE key = $1
    `, key.String()).Scan(&rec.Status, &rec.Path, &rec.Reference, &rec.Amount, &rec.CreatedAt, &rec.CompletedAt); err != nil {
		return KeyRecord{}, fmt.Errorf("store: read idempotency key: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) ReleaseKey(ctx context.Context, key escrow.IdempotencyKey) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM idempotency WHERE key = $1 AND status = 'pending'`, key.String()); err != nil {
		return fmt.Errorf("store: release idempotency key: %w", err)
	}
	return nil
}

func (r *PGRepository) PendingKeys(ctx context.Context, contractID string) ([]KeyRecord, error) {
	rows, err := r.db.Query(ctx, `
        SELECT contract_id, milestone_index, kind, status, path, reference, amount, created_at, completed_at
        FROM idempotency
        WHERE contract_id = $1 AND status = 'pending'
    `, contractID)
	if err != nil {
		return nil, fmt.Errorf("store: pending keys: %w", err)
	}
	defer rows.Close()

	var out []KeyRecord
	for rows.Next() {
		var rec KeyRecord
		if err := rows.Scan(&rec.Key.ContractID, &rec.Key.Index, &rec.Key.Kind, &rec.Status, &rec.Path,
			&rec.Reference, &rec.Amount, &rec.CreatedAt, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("store: scan key: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate keys: %w", err)
	}
	return out, nil
}

func (r *PGRepository) ListEvents(ctx context.Context, contractID string) ([]escrow.Event, error) {
	rows, err := r.db.Query(ctx, `
        SELECT id, contract_id, type, payload, created_at
        FROM contract_events
        WHERE contract_id = $1
        ORDER BY id
    `, contractID)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []escrow.Event
	for rows.Next() {
		var (
			e   escrow.Event
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.ContractID, &e.Type, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Payload); err != nil {
				return nil, fmt.Errorf("store: decode event payload: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate events: %w", err)
	}
	return out, nil
}

func scanContract(row pgx.Row) (escrow.Contract, error) {
	var c escrow.Contract
	err := row.Scan(&c.ID, &c.Buyer, &c.Seller, &c.TotalAmount, &c.PaidAmount, &c.RefundedAmount, &c.TermsHash,
		&c.State, &c.HasDispute, &c.OpenPath, &c.CancelPath, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func scanDispute(row pgx.Row) (escrow.Dispute, error) {
	var d escrow.Dispute
	err := row.Scan(&d.ID, &d.ContractID, &d.MilestoneIndex, &d.Initiator, &d.Reason, &d.EvidenceHash, &d.CreatedAt,
		&d.ResolvedAt, &d.Resolution, &d.ResolutionNotes, &d.SellerAmount, &d.RefundAmount, &d.SettlementPath)
	return d, err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
