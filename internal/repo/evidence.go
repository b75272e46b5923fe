package repo

import (
	"context"
	"database/sql"

	"veridraw/internal/domain"
)

const evidenceColumns = `id,milestone_id,escrow_id,evidence_type,url,source,origin,provider_name,submitted_by,submitter_role,created_at`

func (r Repo) InsertEvidence(ctx context.Context, q Querier, ev domain.Evidence) error {
	_, err := r.querier(q).ExecContext(ctx, r.sql(`INSERT INTO evidence(`+evidenceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		ev.ID, ev.MilestoneID, ev.EscrowID, ev.EvidenceType, ev.URL, ev.Source.String(), ev.Origin.String(),
		nullable(ev.ProviderName), ev.SubmittedBy, ev.SubmitterRole.String(), ev.CreatedAt)
	return err
}

// ListEvidence returns evidence for a milestone in upload order.
func (r Repo) ListEvidence(ctx context.Context, q Querier, milestoneID string) ([]domain.Evidence, error) {
	rows, err := r.querier(q).QueryContext(ctx, r.sql(`SELECT `+evidenceColumns+` FROM evidence WHERE milestone_id=? ORDER BY created_at, id`), milestoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Evidence{}
	for rows.Next() {
		var ev domain.Evidence
		var source, origin, role string
		var provider sql.NullString
		if err := rows.Scan(&ev.ID, &ev.MilestoneID, &ev.EscrowID, &ev.EvidenceType, &ev.URL, &source, &origin,
			&provider, &ev.SubmittedBy, &role, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Source = domain.EvidenceSource(source)
		ev.Origin = domain.EvidenceOrigin(origin)
		ev.SubmitterRole = domain.Role(role)
		ev.ProviderName = provider.String
		out = append(out, ev)
	}
	return out, rows.Err()
}
