package payments_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"veridraw/internal/apperr"
	"veridraw/internal/config"
	"veridraw/internal/db"
	"veridraw/internal/domain"
	"veridraw/internal/engine"
	"veridraw/internal/migrate"
	"veridraw/internal/payments"
	"veridraw/internal/repo"
)

var (
	custodian = domain.Actor{ID: "bank-1", Role: domain.RoleCustodian}
	inspector = domain.Actor{ID: "inspector-1", Role: domain.RoleInspector}
)

func paidMilestone(t *testing.T) (engine.Engine, domain.PaymentInstruction) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(ctx, conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Payments.MemoTemplate = "Draw {milestone} on {escrow}"
	eng := engine.New(conn, db.SQLite, cfg, nil).
		WithClock(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) })

	d, err := eng.Create(ctx, engine.CreateOptions{
		ID:          "esc-1",
		BuyerID:     "buyer-1",
		ProviderID:  "builder-1",
		TotalAmount: decimal.RequireFromString("750.25"),
		Milestones:  []engine.MilestoneInput{{Name: "Deck", Amount: decimal.RequireFromString("750.25")}},
		Actor:       domain.Actor{ID: "agent-1", Role: domain.RoleAgent},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.ConfirmFunds(ctx, engine.ConfirmFundsOptions{EscrowID: d.Escrow.ID, Actor: custodian}); err != nil {
		t.Fatalf("fund: %v", err)
	}
	res, err := eng.Approve(ctx, engine.ApproveOptions{MilestoneID: d.Milestones[0].ID, Actor: inspector})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return eng, *res.Instruction
}

func TestInstructionTerms(t *testing.T) {
	_, inst := paidMilestone(t)
	if inst.Memo != "Draw Deck on esc-1" {
		t.Fatalf("memo = %q", inst.Memo)
	}
	if !inst.Amount.Equal(decimal.RequireFromString("750.25")) || inst.PayeeID != "builder-1" {
		t.Fatalf("unexpected instruction: %+v", inst)
	}
	if inst.SentAt != nil || inst.SettledAt != nil {
		t.Fatalf("fresh instruction carries timestamps: %+v", inst)
	}
}

func TestAdvanceIsStrictlyLinear(t *testing.T) {
	eng, inst := paidMilestone(t)
	ctx := context.Background()
	svc := eng.Payments

	_, err := svc.Advance(ctx, payments.AdvanceOptions{InstructionID: inst.ID, Target: domain.PaymentSettled, Actor: custodian})
	if apperr.KindOf(err) != apperr.KindInvalidState {
		t.Fatalf("skip to SETTLED: expected invalid state, got %v", err)
	}
	_, err = svc.Advance(ctx, payments.AdvanceOptions{InstructionID: inst.ID, Target: domain.PaymentSent, Actor: inspector})
	if apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("inspector advance: expected forbidden, got %v", err)
	}

	sent, err := svc.Advance(ctx, payments.AdvanceOptions{InstructionID: inst.ID, Target: domain.PaymentSent, Reference: "FED-001", Actor: custodian})
	if err != nil {
		t.Fatalf("advance to SENT: %v", err)
	}
	if sent.Status != domain.PaymentSent || sent.SentAt == nil {
		t.Fatalf("unexpected instruction: %+v", sent)
	}
	_, err = svc.Advance(ctx, payments.AdvanceOptions{InstructionID: inst.ID, Target: domain.PaymentSent, Actor: custodian})
	if apperr.KindOf(err) != apperr.KindInvalidState {
		t.Fatalf("repeat SENT: expected invalid state, got %v", err)
	}
	_, err = svc.Advance(ctx, payments.AdvanceOptions{InstructionID: inst.ID, Target: domain.PaymentInstructed, Actor: custodian})
	if apperr.KindOf(err) != apperr.KindInvalidState {
		t.Fatalf("backwards: expected invalid state, got %v", err)
	}

	settled, err := svc.Advance(ctx, payments.AdvanceOptions{InstructionID: inst.ID, Target: domain.PaymentSettled, Actor: custodian})
	if err != nil {
		t.Fatalf("advance to SETTLED: %v", err)
	}
	if settled.SettledAt == nil || settled.SentAt == nil {
		t.Fatalf("timestamps missing: %+v", settled)
	}
	_, err = svc.Advance(ctx, payments.AdvanceOptions{InstructionID: inst.ID, Target: domain.PaymentSettled, Actor: custodian})
	if apperr.KindOf(err) != apperr.KindInvalidState {
		t.Fatalf("repeat SETTLED: expected invalid state, got %v", err)
	}

	entries, err := eng.LedgerEntries(ctx, repo.LedgerFilter{EntityID: inst.EscrowID, Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	var kinds []domain.EventKind
	for _, e := range entries[len(entries)-2:] {
		kinds = append(kinds, e.EventType)
	}
	if kinds[0] != domain.EventPaymentSent || kinds[1] != domain.EventPaymentSettled {
		t.Fatalf("tail kinds = %v", kinds)
	}
	if _, err := eng.VerifyLedger(ctx); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestAdvanceUnknownInstruction(t *testing.T) {
	eng, _ := paidMilestone(t)
	_, err := eng.Payments.Advance(context.Background(), payments.AdvanceOptions{InstructionID: "nope", Target: domain.PaymentSent, Actor: custodian})
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
