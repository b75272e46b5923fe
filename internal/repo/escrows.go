package repo

import (
	"context"
	"database/sql"
	"errors"

	"veridraw/internal/apperr"
	"veridraw/internal/domain"
)

const escrowColumns = `id,buyer_id,provider_id,total_amount,funded_amount,currency,state,version,agreement_hash,is_disputed,created_by,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (domain.Escrow, error) {
	var e domain.Escrow
	var total, funded, state string
	var disputed int64
	err := row.Scan(&e.ID, &e.BuyerID, &e.ProviderID, &total, &funded, &e.Currency, &state, &e.Version,
		&e.AgreementHash, &disputed, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return e, err
	}
	if e.TotalAmount, err = parseAmount("total_amount", total); err != nil {
		return e, err
	}
	if e.FundedAmount, err = parseAmount("funded_amount", funded); err != nil {
		return e, err
	}
	if e.State, err = domain.ParseEscrowState(state); err != nil {
		return e, apperr.Wrap(apperr.KindIntegrity, err, "escrow "+e.ID)
	}
	e.Disputed = disputed != 0
	return e, nil
}

func (r Repo) InsertEscrow(ctx context.Context, q Querier, e domain.Escrow) error {
	_, err := r.querier(q).ExecContext(ctx, r.sql(`INSERT INTO escrows(`+escrowColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		e.ID, e.BuyerID, e.ProviderID, e.TotalAmount.String(), e.FundedAmount.String(), e.Currency, e.State.String(),
		e.Version, e.AgreementHash, boolToInt(e.Disputed), e.CreatedBy, e.CreatedAt, e.UpdatedAt)
	return err
}

// UpdateEscrow writes the mutable escrow fields.
func (r Repo) UpdateEscrow(ctx context.Context, q Querier, e domain.Escrow) error {
	res, err := r.querier(q).ExecContext(ctx, r.sql(`UPDATE escrows SET total_amount=?, funded_amount=?, state=?, version=?, agreement_hash=?, is_disputed=?, updated_at=? WHERE id=?`),
		e.TotalAmount.String(), e.FundedAmount.String(), e.State.String(), e.Version, e.AgreementHash,
		boolToInt(e.Disputed), e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("escrow %s not found", e.ID)
	}
	return nil
}

func (r Repo) GetEscrow(ctx context.Context, q Querier, id string) (domain.Escrow, error) {
	e, err := scanEscrow(r.querier(q).QueryRowContext(ctx, r.sql(`SELECT `+escrowColumns+` FROM escrows WHERE id=?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Escrow{}, apperr.NotFound("escrow %s not found", id)
	}
	return e, err
}

type EscrowFilters struct {
	State      string
	BuyerID    string
	ProviderID string
	Limit      int
}

func (r Repo) ListEscrows(ctx context.Context, q Querier, f EscrowFilters) ([]domain.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE 1=1`
	var args []any
	if f.State != "" {
		query += ` AND state=?`
		args = append(args, f.State)
	}
	if f.BuyerID != "" {
		query += ` AND buyer_id=?`
		args = append(args, f.BuyerID)
	}
	if f.ProviderID != "" {
		query += ` AND provider_id=?`
		args = append(args, f.ProviderID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, normalizeLimit(f.Limit, 100, 1000))
	rows, err := r.querier(q).QueryContext(ctx, r.sql(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadAggregate returns the escrow with its milestones in creation order.
func (r Repo) LoadAggregate(ctx context.Context, q Querier, escrowID string) (domain.EscrowDetail, error) {
	e, err := r.GetEscrow(ctx, q, escrowID)
	if err != nil {
		return domain.EscrowDetail{}, err
	}
	ms, err := r.ListMilestones(ctx, q, escrowID)
	if err != nil {
		return domain.EscrowDetail{}, err
	}
	return domain.EscrowDetail{Escrow: e, Milestones: ms}, nil
}
