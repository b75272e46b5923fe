package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"veridraw/internal/apperr"
	"veridraw/internal/db"
	"veridraw/internal/domain"
	"veridraw/internal/migrate"
	"veridraw/internal/repo"
)

const stamp = "2024-01-01T00:00:00Z"

func openSQLite(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.New(conn, db.SQLite)
}

func openPostgres(t *testing.T) repo.Repo {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	pg, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("veridraw"),
		postgres.WithUsername("veridraw"),
		postgres.WithPassword("veridraw"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })
	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	cfg := db.Config{URL: dsn}
	conn, err := db.Open(cfg)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(ctx, conn, cfg.Dialect()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Applying twice is a no-op.
	if err := migrate.Migrate(ctx, conn, cfg.Dialect()); err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	return repo.New(conn, cfg.Dialect())
}

func TestRepoSQLite(t *testing.T) {
	exerciseRepo(t, openSQLite(t))
}

func TestRepoPostgres(t *testing.T) {
	exerciseRepo(t, openPostgres(t))
}

func exerciseRepo(t *testing.T, r repo.Repo) {
	ctx := context.Background()
	escrow := domain.Escrow{
		ID:            "esc-1",
		BuyerID:       "buyer-1",
		ProviderID:    "builder-1",
		TotalAmount:   decimal.RequireFromString("1000.10"),
		FundedAmount:  decimal.Zero,
		Currency:      "USD",
		State:         domain.EscrowCreated,
		Version:       1,
		AgreementHash: "abc",
		CreatedBy:     "agent-1",
		CreatedAt:     stamp,
		UpdatedAt:     stamp,
	}
	milestones := []domain.Milestone{
		{ID: "ms-1", EscrowID: "esc-1", Position: 1, Name: "Foundation", Amount: decimal.RequireFromString("400.10"),
			RequiredEvidence: []string{"PHOTO"}, Status: domain.MilestoneCreated, CreatedAt: stamp, UpdatedAt: stamp},
		{ID: "ms-2", EscrowID: "esc-1", Position: 2, Name: "Framing", Amount: decimal.RequireFromString("600"),
			Status: domain.MilestoneCreated, CreatedAt: stamp, UpdatedAt: stamp},
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.InsertEscrow(ctx, tx, escrow); err != nil {
		t.Fatalf("insert escrow: %v", err)
	}
	for _, m := range milestones {
		if err := r.InsertMilestone(ctx, tx, m); err != nil {
			t.Fatalf("insert milestone: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	t.Run("aggregate round trip", func(t *testing.T) {
		d, err := r.LoadAggregate(ctx, nil, "esc-1")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if !d.Escrow.TotalAmount.Equal(escrow.TotalAmount) || d.Escrow.State != domain.EscrowCreated {
			t.Fatalf("escrow = %+v", d.Escrow)
		}
		if len(d.Milestones) != 2 || d.Milestones[0].Name != "Foundation" || d.Milestones[1].Name != "Framing" {
			t.Fatalf("milestones = %+v", d.Milestones)
		}
		if got := d.Milestones[0].RequiredEvidence; len(got) != 1 || got[0] != "PHOTO" {
			t.Fatalf("required evidence = %v", got)
		}
		if got := d.Milestones[1].RequiredEvidence; got == nil || len(got) != 0 {
			t.Fatalf("empty required evidence = %#v", got)
		}
	})

	t.Run("update escrow and milestone", func(t *testing.T) {
		e := escrow
		e.FundedAmount = e.TotalAmount
		e.State = domain.EscrowFunded
		e.Disputed = true
		if err := r.UpdateEscrow(ctx, nil, e); err != nil {
			t.Fatalf("update escrow: %v", err)
		}
		got, err := r.GetEscrow(ctx, nil, "esc-1")
		if err != nil {
			t.Fatalf("get escrow: %v", err)
		}
		if got.State != domain.EscrowFunded || !got.Disputed || !got.FundedAmount.Equal(e.TotalAmount) {
			t.Fatalf("escrow after update = %+v", got)
		}

		m := milestones[0]
		m.Status = domain.MilestoneApproved
		m.Approval = &domain.ApprovalSignature{ApproverID: "inspector-1", Signature: "sig", SignedAt: stamp}
		if err := r.UpdateMilestone(ctx, nil, m); err != nil {
			t.Fatalf("update milestone: %v", err)
		}
		gotM, err := r.GetMilestone(ctx, nil, "ms-1")
		if err != nil {
			t.Fatalf("get milestone: %v", err)
		}
		if gotM.Status != domain.MilestoneApproved || gotM.Approval == nil || gotM.Approval.Signature != "sig" {
			t.Fatalf("milestone after update = %+v", gotM)
		}

		missing := escrow
		missing.ID = "nope"
		if err := r.UpdateEscrow(ctx, nil, missing); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("update missing escrow err = %v", err)
		}
	})

	t.Run("list escrows", func(t *testing.T) {
		got, err := r.ListEscrows(ctx, nil, repo.EscrowFilters{State: string(domain.EscrowFunded)})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 1 || got[0].ID != "esc-1" {
			t.Fatalf("funded escrows = %+v", got)
		}
		got, err = r.ListEscrows(ctx, nil, repo.EscrowFilters{State: string(domain.EscrowCompleted)})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("completed escrows = %+v", got)
		}
	})

	t.Run("evidence", func(t *testing.T) {
		ev := domain.Evidence{ID: "ev-1", MilestoneID: "ms-1", EscrowID: "esc-1", EvidenceType: "PHOTO",
			URL: "https://example.test/p.jpg", Source: domain.SourcePhoto, Origin: domain.OriginContractor,
			SubmittedBy: "builder-1", SubmitterRole: domain.RoleContractor, CreatedAt: stamp}
		if err := r.InsertEvidence(ctx, nil, ev); err != nil {
			t.Fatalf("insert evidence: %v", err)
		}
		got, err := r.ListEvidence(ctx, nil, "ms-1")
		if err != nil {
			t.Fatalf("list evidence: %v", err)
		}
		if len(got) != 1 || got[0].URL != ev.URL || got[0].Origin != domain.OriginContractor {
			t.Fatalf("evidence = %+v", got)
		}
	})

	t.Run("payment status transitions", func(t *testing.T) {
		p := domain.PaymentInstruction{ID: "pi-1", EscrowID: "esc-1", MilestoneID: "ms-1", PayeeID: "builder-1",
			Amount: decimal.RequireFromString("400.10"), Currency: "USD", Method: "ACH",
			Status: domain.PaymentInstructed, CreatedAt: stamp}
		if err := r.InsertPaymentInstruction(ctx, nil, p); err != nil {
			t.Fatalf("insert instruction: %v", err)
		}
		dup := p
		dup.ID = "pi-2"
		if err := r.InsertPaymentInstruction(ctx, nil, dup); err == nil {
			t.Fatalf("second instruction for one milestone accepted")
		}

		sent := p
		sent.Status = domain.PaymentSent
		at := stamp
		sent.SentAt = &at
		if err := r.UpdatePaymentStatus(ctx, nil, sent, domain.PaymentInstructed); err != nil {
			t.Fatalf("mark sent: %v", err)
		}
		if err := r.UpdatePaymentStatus(ctx, nil, sent, domain.PaymentInstructed); !errors.Is(err, apperr.ErrConflict) {
			t.Fatalf("stale transition err = %v", err)
		}
		got, err := r.InstructionForMilestone(ctx, nil, "ms-1")
		if err != nil {
			t.Fatalf("instruction for milestone: %v", err)
		}
		if got.Status != domain.PaymentSent || got.SentAt == nil || !got.Amount.Equal(p.Amount) {
			t.Fatalf("instruction = %+v", got)
		}
	})

	t.Run("ledger paging", func(t *testing.T) {
		if _, err := r.LedgerTip(ctx, nil); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("empty tip err = %v", err)
		}
		version := 1
		hash := "abc"
		for i := int64(1); i <= 3; i++ {
			e := domain.LedgerEntry{Seq: i, EntityID: "esc-1", EventType: domain.EventCreate, ActorID: "agent-1",
				ActorRole: domain.RoleAgent, PreviousHash: "p", CurrentHash: string(rune('a'+i)) + "hash",
				EventData: []byte(`{"n":1}`), Timestamp: stamp}
			if i == 1 {
				e.AgreementHash, e.AgreementVersion = &hash, &version
			}
			if err := r.InsertLedgerEntry(ctx, nil, e); err != nil {
				t.Fatalf("insert entry %d: %v", i, err)
			}
		}
		tip, err := r.LedgerTip(ctx, nil)
		if err != nil || tip.Seq != 3 {
			t.Fatalf("tip = %+v, %v", tip, err)
		}
		page, err := r.LedgerEntries(ctx, nil, repo.LedgerFilter{AfterSeq: 1, Limit: 1})
		if err != nil {
			t.Fatalf("page: %v", err)
		}
		if len(page) != 1 || page[0].Seq != 2 || page[0].AgreementHash != nil {
			t.Fatalf("page = %+v", page)
		}
		first, err := r.LedgerEntries(ctx, nil, repo.LedgerFilter{Limit: 1})
		if err != nil {
			t.Fatalf("first page: %v", err)
		}
		if first[0].AgreementVersion == nil || *first[0].AgreementVersion != 1 || string(first[0].EventData) != `{"n":1}` {
			t.Fatalf("first entry = %+v", first[0])
		}
	})

	t.Run("notification inbox", func(t *testing.T) {
		n := domain.Notification{Seq: 2, Event: domain.EventConfirmFunds, EscrowID: "esc-1",
			Recipients: []domain.Role{domain.RoleAgent, domain.RoleContractor}, Severity: domain.SeverityInfo,
			Message: "funded", CreatedAt: stamp}
		if err := r.InsertNotification(ctx, nil, n); err != nil {
			t.Fatalf("insert notification: %v", err)
		}
		latest, err := r.LatestNotificationSeq(ctx, nil)
		if err != nil || latest != 2 {
			t.Fatalf("latest seq = %d, %v", latest, err)
		}
		inbox, err := r.ListNotifications(ctx, nil, repo.NotificationFilters{Role: domain.RoleInspector, ActorID: "inspector-1"})
		if err != nil {
			t.Fatalf("inspector inbox: %v", err)
		}
		if len(inbox) != 0 {
			t.Fatalf("inspector sees %+v", inbox)
		}
		for i := 0; i < 2; i++ {
			if err := r.MarkNotificationRead(ctx, nil, 2, "agent-1", time.Now().UTC().Format(time.RFC3339)); err != nil {
				t.Fatalf("mark read: %v", err)
			}
		}
		unread, err := r.ListNotifications(ctx, nil, repo.NotificationFilters{Role: domain.RoleAgent, ActorID: "agent-1", UnreadOnly: true})
		if err != nil {
			t.Fatalf("agent unread: %v", err)
		}
		if len(unread) != 0 {
			t.Fatalf("agent unread = %+v", unread)
		}
		other, err := r.ListNotifications(ctx, nil, repo.NotificationFilters{Role: domain.RoleContractor, ActorID: "builder-1", UnreadOnly: true})
		if err != nil {
			t.Fatalf("contractor unread: %v", err)
		}
		if len(other) != 1 || other[0].Read {
			t.Fatalf("contractor unread = %+v", other)
		}
	})

	t.Run("notification cursors", func(t *testing.T) {
		if _, ok, err := r.NotificationCursor(ctx, nil, "webhook:ops"); err != nil || ok {
			t.Fatalf("unset cursor = %v, %v", ok, err)
		}
		for _, seq := range []int64{4, 7, 5} {
			if err := r.SaveNotificationCursor(ctx, nil, "webhook:ops", seq, stamp); err != nil {
				t.Fatalf("save cursor %d: %v", seq, err)
			}
		}
		seq, ok, err := r.NotificationCursor(ctx, nil, "webhook:ops")
		if err != nil || !ok || seq != 7 {
			t.Fatalf("cursor = %d, %v, %v", seq, ok, err)
		}
	})

	t.Run("api keys", func(t *testing.T) {
		key := domain.APIKey{ID: "key-1", ActorID: "bank-1", Role: domain.RoleCustodian, Name: "ops",
			KeyHash: repo.HashAPIKey(" vd_secret "), CreatedAt: stamp}
		if err := r.InsertAPIKey(ctx, nil, key); err != nil {
			t.Fatalf("insert key: %v", err)
		}
		system := key
		system.ID, system.Role = "key-2", domain.RoleSystem
		if err := r.InsertAPIKey(ctx, nil, system); !errors.Is(err, apperr.ErrBadRequest) {
			t.Fatalf("system key err = %v", err)
		}
		got, err := r.ActiveAPIKey(ctx, nil, repo.HashAPIKey("vd_secret"))
		if err != nil {
			t.Fatalf("lookup key: %v", err)
		}
		if got.ActorID != "bank-1" || got.Role != domain.RoleCustodian || got.RevokedAt != nil {
			t.Fatalf("key = %+v", got)
		}
		if err := r.RevokeAPIKey(ctx, nil, "key-1", stamp); err != nil {
			t.Fatalf("revoke key: %v", err)
		}
		if err := r.RevokeAPIKey(ctx, nil, "key-1", stamp); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("second revoke err = %v", err)
		}
		if _, err := r.ActiveAPIKey(ctx, nil, key.KeyHash); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("revoked key lookup err = %v", err)
		}
		active, err := r.ListAPIKeys(ctx, nil, repo.APIKeyFilters{ActorID: "bank-1"})
		if err != nil || len(active) != 0 {
			t.Fatalf("active keys = %+v, %v", active, err)
		}
		all, err := r.ListAPIKeys(ctx, nil, repo.APIKeyFilters{Role: domain.RoleCustodian, IncludeRevoked: true})
		if err != nil || len(all) != 1 || all[0].RevokedAt == nil {
			t.Fatalf("all keys = %+v, %v", all, err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		if _, err := r.GetEscrow(ctx, nil, "missing"); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("GetEscrow err = %v", err)
		}
		if _, err := r.GetPaymentInstruction(ctx, nil, "missing"); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("GetPaymentInstruction err = %v", err)
		}
	})
}
