package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"veridraw/internal/config"
	"veridraw/internal/domain"
	"veridraw/internal/engine"
	"veridraw/internal/repo"
)

func TestOpenWiresOutbox(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: t.TempDir(), DispatchInterval: time.Second})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Dispatcher.Interval != time.Second {
		t.Fatalf("dispatch interval not applied: %v", a.Dispatcher.Interval)
	}

	d, err := a.Engine.Create(ctx, engine.CreateOptions{
		BuyerID: "buyer-1", ProviderID: "builder-1", TotalAmount: decimal.NewFromInt(500),
		Actor: domain.Actor{ID: "agent-1", Role: domain.RoleAgent},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := a.Engine.ConfirmFunds(ctx, engine.ConfirmFundsOptions{
		EscrowID: d.Escrow.ID, Actor: domain.Actor{ID: "bank-1", Role: domain.RoleCustodian},
	}); err != nil {
		t.Fatalf("confirm funds: %v", err)
	}
	items, err := a.Repo.ListNotifications(ctx, nil, repo.NotificationFilters{EscrowID: d.Escrow.ID})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(items) == 0 {
		t.Fatalf("expected outbox rows for escrow %s", d.Escrow.ID)
	}
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.GenerateDefault()
	if err := os.WriteFile(config.Path(dir), []byte(cfg+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := Open(context.Background(), Options{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Config.Currency != "USD" {
		t.Fatalf("unexpected currency %q", a.Config.Currency)
	}

	_, err = Open(context.Background(), Options{Workspace: dir, ConfigPath: filepath.Join(dir, "missing.yml")})
	if err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}
