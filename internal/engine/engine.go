package engine

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"veridraw/internal/aggregate"
	"veridraw/internal/apperr"
	"veridraw/internal/config"
	"veridraw/internal/db"
	"veridraw/internal/domain"
	"veridraw/internal/ledger"
	"veridraw/internal/payments"
	"veridraw/internal/repo"
)

const tracerName = "veridraw/engine"

// Engine validates and applies every escrow and milestone transition. Each
// mutating call runs as one unit of work on its escrow aggregate.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Ledger   *ledger.Ledger
	Runner   *aggregate.Runner
	Payments *payments.Service
	Config   *config.Config
	Now      func() time.Time
	NewID    func() string
	Logger   *log.Logger
}

// New wires an engine over conn. rec receives every appended ledger entry
// inside its transaction and may be nil.
func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config, rec aggregate.Recorder) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.New(conn, dialect)
	l := ledger.New(r)
	runner := aggregate.NewRunner(conn, l, rec)
	return Engine{
		DB:       conn,
		Repo:     r,
		Ledger:   l,
		Runner:   runner,
		Payments: payments.New(r, runner, cfg),
		Config:   cfg,
		Now:      time.Now,
		NewID:    uuid.NewString,
		Logger:   log.Default(),
	}
}

// WithClock returns e with now used for records, ledger timestamps and payments.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	if e.Ledger != nil {
		e.Ledger.Now = now
	}
	if e.Payments != nil {
		e.Payments.Now = now
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "engine."+name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.KindOf(err)))
	}
	span.End()
}

// integrity logs a corrupted-state condition before it is returned.
func (e Engine) integrity(format string, args ...any) error {
	err := apperr.Integrity(format, args...)
	e.logger().Printf("INTEGRITY: %v", err)
	return err
}

// requireAgreement fails the operation when the escrow lost its terms digest.
func (e Engine) requireAgreement(escrow domain.Escrow) error {
	if strings.TrimSpace(escrow.AgreementHash) == "" {
		return e.integrity("escrow %s has no agreement hash", escrow.ID)
	}
	return nil
}

func checkVersion(escrow domain.Escrow, expected *int) error {
	if expected == nil || *expected == escrow.Version {
		return nil
	}
	return apperr.Conflict("escrow %s is at version %d, caller expected %d", escrow.ID, escrow.Version, *expected).
		WithDetail("version", escrow.Version).
		WithDetail("expected_version", *expected)
}

// checkAmount enforces positive amounts expressed in whole cents.
func checkAmount(field string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return apperr.BadRequest("%s must be greater than zero", field)
	}
	if !d.Equal(d.Truncate(2)) {
		return apperr.BadRequest("%s has more than two decimal places", field)
	}
	return nil
}

// append chains one payload for escrow using its current terms snapshot.
func (e Engine) append(ctx context.Context, u aggregate.Unit, escrow domain.Escrow, actor domain.Actor, p ledger.Payload) (domain.LedgerEntry, error) {
	return u.Chain.Append(ctx, ledger.Record{
		EntityID:      escrow.ID,
		Actor:         actor,
		Payload:       p,
		AgreementHash: escrow.AgreementHash,
		Version:       escrow.Version,
	})
}
