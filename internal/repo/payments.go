package repo

import (
	"context"
	"database/sql"
	"errors"

	"veridraw/internal/apperr"
	"veridraw/internal/domain"
)

const instructionColumns = `id,escrow_id,milestone_id,payee_id,amount,currency,method,memo,status,created_at,sent_at,settled_at`

func scanInstruction(row rowScanner) (domain.PaymentInstruction, error) {
	var p domain.PaymentInstruction
	var amount, status string
	var memo, sentAt, settledAt sql.NullString
	err := row.Scan(&p.ID, &p.EscrowID, &p.MilestoneID, &p.PayeeID, &amount, &p.Currency, &p.Method, &memo,
		&status, &p.CreatedAt, &sentAt, &settledAt)
	if err != nil {
		return p, err
	}
	if p.Amount, err = parseAmount("instruction amount", amount); err != nil {
		return p, err
	}
	if p.Status, err = domain.ParsePaymentStatus(status); err != nil {
		return p, apperr.Wrap(apperr.KindIntegrity, err, "instruction "+p.ID)
	}
	p.Memo = memo.String
	if sentAt.Valid {
		v := sentAt.String
		p.SentAt = &v
	}
	if settledAt.Valid {
		v := settledAt.String
		p.SettledAt = &v
	}
	return p, nil
}

func optional(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func (r Repo) InsertPaymentInstruction(ctx context.Context, q Querier, p domain.PaymentInstruction) error {
	_, err := r.querier(q).ExecContext(ctx, r.sql(`INSERT INTO payment_instructions(`+instructionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		p.ID, p.EscrowID, p.MilestoneID, p.PayeeID, p.Amount.String(), p.Currency, p.Method, nullable(p.Memo),
		p.Status.String(), p.CreatedAt, optional(p.SentAt), optional(p.SettledAt))
	return err
}

// UpdatePaymentStatus moves an instruction from one status to the next; the
// predecessor is part of the predicate so a stale writer changes nothing.
func (r Repo) UpdatePaymentStatus(ctx context.Context, q Querier, p domain.PaymentInstruction, from domain.PaymentStatus) error {
	res, err := r.querier(q).ExecContext(ctx, r.sql(`UPDATE payment_instructions SET status=?, sent_at=?, settled_at=? WHERE id=? AND status=?`),
		p.Status.String(), optional(p.SentAt), optional(p.SettledAt), p.ID, from.String())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.Conflict("instruction %s is no longer %s", p.ID, from)
	}
	return nil
}

func (r Repo) GetPaymentInstruction(ctx context.Context, q Querier, id string) (domain.PaymentInstruction, error) {
	p, err := scanInstruction(r.querier(q).QueryRowContext(ctx, r.sql(`SELECT `+instructionColumns+` FROM payment_instructions WHERE id=?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PaymentInstruction{}, apperr.NotFound("payment instruction %s not found", id)
	}
	return p, err
}

// InstructionForMilestone returns the single instruction issued for a milestone.
func (r Repo) InstructionForMilestone(ctx context.Context, q Querier, milestoneID string) (domain.PaymentInstruction, error) {
	p, err := scanInstruction(r.querier(q).QueryRowContext(ctx, r.sql(`SELECT `+instructionColumns+` FROM payment_instructions WHERE milestone_id=?`), milestoneID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PaymentInstruction{}, apperr.NotFound("no payment instruction for milestone %s", milestoneID)
	}
	return p, err
}

type PaymentFilters struct {
	EscrowID string
	Status   string
	Limit    int
}

func (r Repo) ListPaymentInstructions(ctx context.Context, q Querier, f PaymentFilters) ([]domain.PaymentInstruction, error) {
	query := `SELECT ` + instructionColumns + ` FROM payment_instructions WHERE 1=1`
	var args []any
	if f.EscrowID != "" {
		query += ` AND escrow_id=?`
		args = append(args, f.EscrowID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, normalizeLimit(f.Limit, 100, 1000))
	rows, err := r.querier(q).QueryContext(ctx, r.sql(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.PaymentInstruction{}
	for rows.Next() {
		p, err := scanInstruction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
