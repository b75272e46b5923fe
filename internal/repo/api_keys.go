package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"veridraw/internal/apperr"
	"veridraw/internal/domain"
)

const apiKeyColumns = `id,actor_id,role,name,key_hash,created_at,revoked_at`

// HashAPIKey is the lookup digest stored in place of the raw key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

func scanAPIKey(row rowScanner) (domain.APIKey, error) {
	var k domain.APIKey
	var role string
	var revoked sql.NullString
	if err := row.Scan(&k.ID, &k.ActorID, &role, &k.Name, &k.KeyHash, &k.CreatedAt, &revoked); err != nil {
		return k, err
	}
	// SYSTEM keys are never issued; anything else unknown means the row was edited.
	parsed, err := domain.ParseRole(role)
	if err != nil || parsed == domain.RoleSystem {
		return k, apperr.Integrity("api key %s carries role %q", k.ID, role)
	}
	k.Role = parsed
	if revoked.Valid {
		v := revoked.String
		k.RevokedAt = &v
	}
	return k, nil
}

func (r Repo) InsertAPIKey(ctx context.Context, q Querier, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return apperr.BadRequest("api key id required")
	case key.ActorID == "" || key.Role == "":
		return apperr.BadRequest("api key actor and role required")
	case key.Role == domain.RoleSystem:
		return apperr.BadRequest("api keys cannot carry the SYSTEM role")
	case len(key.KeyHash) != sha256.Size*2:
		return apperr.BadRequest("api key hash must be a hex sha256 digest")
	case key.CreatedAt == "":
		return apperr.BadRequest("api key created_at required")
	}
	_, err := r.querier(q).ExecContext(ctx, r.sql(`INSERT INTO api_keys(`+apiKeyColumns+`) VALUES (?,?,?,?,?,?,NULL)`),
		key.ID, key.ActorID, key.Role.String(), key.Name, key.KeyHash, key.CreatedAt)
	return err
}

// ActiveAPIKey resolves a presented key's digest. Revoked keys are reported
// as not found so callers cannot tell them apart from unknown ones.
func (r Repo) ActiveAPIKey(ctx context.Context, q Querier, hash string) (domain.APIKey, error) {
	k, err := scanAPIKey(r.querier(q).QueryRowContext(ctx,
		r.sql(`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=? AND revoked_at IS NULL`), hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, apperr.NotFound("api key not found")
	}
	return k, err
}

type APIKeyFilters struct {
	ActorID        string
	Role           domain.Role
	IncludeRevoked bool
}

func (r Repo) ListAPIKeys(ctx context.Context, q Querier, f APIKeyFilters) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE 1=1`
	var args []any
	if f.ActorID != "" {
		query += ` AND actor_id=?`
		args = append(args, f.ActorID)
	}
	if f.Role != "" {
		query += ` AND role=?`
		args = append(args, f.Role.String())
	}
	if !f.IncludeRevoked {
		query += ` AND revoked_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.querier(q).QueryContext(ctx, r.sql(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.APIKey{}
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RevokeAPIKey stamps revoked_at. The row stays so key ids in logs remain
// attributable.
func (r Repo) RevokeAPIKey(ctx context.Context, q Querier, id, at string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.BadRequest("api key id required")
	}
	res, err := r.querier(q).ExecContext(ctx, r.sql(`UPDATE api_keys SET revoked_at=? WHERE id=? AND revoked_at IS NULL`), at, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("active api key %s not found", id)
	}
	return nil
}
