package repo

import (
	"context"
	"database/sql"
	"errors"

	"veridraw/internal/apperr"
	"veridraw/internal/domain"
)

const milestoneColumns = `id,escrow_id,ordinal,name,amount,required_evidence,status,approver_id,approval_signature,approved_at,dispute_reason,created_at,updated_at`

func scanMilestone(row rowScanner) (domain.Milestone, error) {
	var m domain.Milestone
	var amount, required, status string
	var approver, signature, approvedAt, reason sql.NullString
	err := row.Scan(&m.ID, &m.EscrowID, &m.Position, &m.Name, &amount, &required, &status,
		&approver, &signature, &approvedAt, &reason, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return m, err
	}
	if m.Amount, err = parseAmount("milestone amount", amount); err != nil {
		return m, err
	}
	if m.RequiredEvidence, err = fromJSONArray(required); err != nil {
		return m, err
	}
	if m.Status, err = domain.ParseMilestoneStatus(status); err != nil {
		return m, apperr.Wrap(apperr.KindIntegrity, err, "milestone "+m.ID)
	}
	if approver.Valid {
		m.Approval = &domain.ApprovalSignature{
			ApproverID: approver.String,
			Signature:  signature.String,
			SignedAt:   approvedAt.String,
		}
	}
	if reason.Valid {
		m.DisputeReason = reason.String
	}
	return m, nil
}

func approvalArgs(a *domain.ApprovalSignature) (any, any, any) {
	if a == nil {
		return nil, nil, nil
	}
	return a.ApproverID, a.Signature, a.SignedAt
}

func (r Repo) InsertMilestone(ctx context.Context, q Querier, m domain.Milestone) error {
	approver, sig, at := approvalArgs(m.Approval)
	_, err := r.querier(q).ExecContext(ctx, r.sql(`INSERT INTO milestones(`+milestoneColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		m.ID, m.EscrowID, m.Position, m.Name, m.Amount.String(), toJSONArray(m.RequiredEvidence), m.Status.String(),
		approver, sig, at, nullable(m.DisputeReason), m.CreatedAt, m.UpdatedAt)
	return err
}

// UpdateMilestone writes status, approval and dispute fields. Name, amount
// and required evidence are terms and never change after insert.
func (r Repo) UpdateMilestone(ctx context.Context, q Querier, m domain.Milestone) error {
	approver, sig, at := approvalArgs(m.Approval)
	res, err := r.querier(q).ExecContext(ctx, r.sql(`UPDATE milestones SET status=?, approver_id=?, approval_signature=?, approved_at=?, dispute_reason=?, updated_at=? WHERE id=?`),
		m.Status.String(), approver, sig, at, nullable(m.DisputeReason), m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("milestone %s not found", m.ID)
	}
	return nil
}

func (r Repo) GetMilestone(ctx context.Context, q Querier, id string) (domain.Milestone, error) {
	m, err := scanMilestone(r.querier(q).QueryRowContext(ctx, r.sql(`SELECT `+milestoneColumns+` FROM milestones WHERE id=?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Milestone{}, apperr.NotFound("milestone %s not found", id)
	}
	return m, err
}

// ListMilestones returns an escrow's milestones ordered by creation.
func (r Repo) ListMilestones(ctx context.Context, q Querier, escrowID string) ([]domain.Milestone, error) {
	rows, err := r.querier(q).QueryContext(ctx, r.sql(`SELECT `+milestoneColumns+` FROM milestones WHERE escrow_id=? ORDER BY ordinal, id`), escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Milestone{}
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
