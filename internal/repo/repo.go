package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"veridraw/internal/apperr"
	"veridraw/internal/db"
)

// Querier is satisfied by *sql.DB and *sql.Tx so every method can run inside
// the caller's unit of work.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repo is the entity store for escrow aggregates, evidence, payment
// instructions, the ledger table and the notification outbox.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = apperr.ErrNotFound

func New(conn *sql.DB, dialect db.Dialect) Repo {
	return Repo{DB: conn, Dialect: dialect}
}

func (r Repo) sql(query string) string {
	return db.Rebind(r.Dialect, query)
}

// querier returns q, or the pooled handle when q is nil.
func (r Repo) querier(q Querier) Querier {
	if q == nil {
		return r.DB
	}
	return q
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func parseAmount(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, apperr.Integrity("stored %s %q is not a decimal", field, raw)
	}
	return d, nil
}

func toJSONArray(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func fromJSONArray(raw string) ([]string, error) {
	var out []string
	if raw == "" {
		return []string{}, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode json array: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func normalizeLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
