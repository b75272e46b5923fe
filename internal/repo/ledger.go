package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"veridraw/internal/apperr"
	"veridraw/internal/domain"
)

const ledgerColumns = `seq,entity_id,event_type,actor_id,actor_role,previous_hash,current_hash,event_data,agreement_hash,agreement_version,recorded_at`

// LedgerFilter pages through the chain in sequence order.
type LedgerFilter struct {
	EntityID string
	AfterSeq int64
	Limit    int
}

func scanLedgerEntry(row rowScanner) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var event, role, data string
	var agreementHash sql.NullString
	var version sql.NullInt64
	err := row.Scan(&e.Seq, &e.EntityID, &event, &e.ActorID, &role, &e.PreviousHash, &e.CurrentHash,
		&data, &agreementHash, &version, &e.Timestamp)
	if err != nil {
		return e, err
	}
	// Kinds and roles are kept verbatim so verification sees exactly what was stored.
	e.EventType = domain.EventKind(event)
	e.ActorRole = domain.Role(role)
	e.EventData = json.RawMessage(data)
	if agreementHash.Valid {
		h := agreementHash.String
		e.AgreementHash = &h
	}
	if version.Valid {
		v := int(version.Int64)
		e.AgreementVersion = &v
	}
	return e, nil
}

func (r Repo) InsertLedgerEntry(ctx context.Context, q Querier, e domain.LedgerEntry) error {
	var agreementHash, version any
	if e.AgreementHash != nil {
		agreementHash = *e.AgreementHash
	}
	if e.AgreementVersion != nil {
		version = *e.AgreementVersion
	}
	_, err := r.querier(q).ExecContext(ctx, r.sql(`INSERT INTO ledger_entries(`+ledgerColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		e.Seq, e.EntityID, e.EventType.String(), e.ActorID, e.ActorRole.String(), e.PreviousHash, e.CurrentHash,
		string(e.EventData), agreementHash, version, e.Timestamp)
	return err
}

// LedgerTip returns the most recent entry, or ErrNotFound on an empty chain.
func (r Repo) LedgerTip(ctx context.Context, q Querier) (domain.LedgerEntry, error) {
	e, err := scanLedgerEntry(r.querier(q).QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries ORDER BY seq DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LedgerEntry{}, apperr.NotFound("ledger is empty")
	}
	return e, err
}

func (r Repo) LedgerEntries(ctx context.Context, q Querier, f LedgerFilter) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE seq > ?`
	args := []any{f.AfterSeq}
	if f.EntityID != "" {
		query += ` AND entity_id=?`
		args = append(args, f.EntityID)
	}
	query += ` ORDER BY seq LIMIT ?`
	args = append(args, normalizeLimit(f.Limit, 100, 1000))
	rows, err := r.querier(q).QueryContext(ctx, r.sql(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.LedgerEntry{}
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestLedgerEntries returns the newest n entries, oldest first.
func (r Repo) LatestLedgerEntries(ctx context.Context, q Querier, n int, entityID string) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, normalizeLimit(n, 20, 1000))
	rows, err := r.querier(q).QueryContext(ctx, r.sql(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
