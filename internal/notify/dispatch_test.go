package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"veridraw/internal/apperr"
	"veridraw/internal/config"
	"veridraw/internal/db"
	"veridraw/internal/domain"
	"veridraw/internal/engine"
	"veridraw/internal/migrate"
	"veridraw/internal/notify"
	"veridraw/internal/repo"
)

var (
	agent     = domain.Actor{ID: "agent-1", Role: domain.RoleAgent}
	custodian = domain.Actor{ID: "bank-1", Role: domain.RoleCustodian}
	inspector = domain.Actor{ID: "inspector-1", Role: domain.RoleInspector}
)

func newEngine(t *testing.T) engine.Engine {
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
	r := repo.New(conn, db.SQLite)
	return engine.New(conn, db.SQLite, config.Default(), notify.Recorder{Repo: r}).
		WithClock(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) })
}

func createEscrow(t *testing.T, eng engine.Engine) domain.EscrowDetail {
	t.Helper()
	d, err := eng.Create(context.Background(), engine.CreateOptions{
		BuyerID: "buyer-1", ProviderID: "builder-1", TotalAmount: decimal.NewFromInt(100),
		Milestones: []engine.MilestoneInput{{Name: "Slab", Amount: decimal.NewFromInt(100)}},
		Actor:      agent,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return d
}

type recordingSink struct {
	mu   sync.Mutex
	seen []domain.Notification
	fail bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return apperr.Conflict("sink down")
	}
	s.seen = append(s.seen, n)
	return nil
}

func TestOutboxWrittenWithLedger(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	d := createEscrow(t, eng)
	if _, err := eng.ConfirmFunds(ctx, engine.ConfirmFundsOptions{EscrowID: d.Escrow.ID, Actor: custodian}); err != nil {
		t.Fatal(err)
	}

	inbox, err := eng.Notifications(ctx, engine.NotificationQuery{Actor: custodian})
	if err != nil {
		t.Fatalf("custodian inbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Event != domain.EventCreate || inbox[0].Seq != 1 {
		t.Fatalf("custodian inbox = %+v", inbox)
	}
	agentInbox, err := eng.Notifications(ctx, engine.NotificationQuery{Actor: agent})
	if err != nil {
		t.Fatal(err)
	}
	if len(agentInbox) != 2 || agentInbox[0].Event != domain.EventConfirmFunds {
		t.Fatalf("agent inbox = %+v", agentInbox)
	}

	if _, err := eng.MarkNotificationRead(ctx, 2, inspector); apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("inspector is not a recipient: %v", err)
	}
	n, err := eng.MarkNotificationRead(ctx, 2, agent)
	if err != nil || !n.Read {
		t.Fatalf("mark read: %v %+v", err, n)
	}
	if _, err := eng.MarkNotificationRead(ctx, 2, agent); err != nil {
		t.Fatalf("mark read twice: %v", err)
	}
	unread, err := eng.Notifications(ctx, engine.NotificationQuery{Actor: agent, UnreadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 1 || unread[0].Seq != 1 {
		t.Fatalf("unread = %+v", unread)
	}
}

func TestFailedOperationLeavesNoNotification(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	d := createEscrow(t, eng)
	if _, err := eng.ChangeBudget(ctx, engine.ChangeBudgetOptions{EscrowID: d.Escrow.ID, Delta: decimal.NewFromInt(5), ExpectedVersion: new(int), Actor: agent}); err == nil {
		t.Fatalf("expected version conflict")
	}
	seq, err := eng.Repo.LatestNotificationSeq(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Fatalf("outbox head = %d", seq)
	}
}

func TestDispatcherCursorAndRetry(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	createEscrow(t, eng)

	sink := &recordingSink{}
	d := notify.NewDispatcher(eng.Repo, sink)
	d.DispatchOnce(ctx)
	if len(sink.seen) != 0 || d.Cursor(sink.Name()) != 1 {
		t.Fatalf("new sinks must start at the outbox head, cursor=%d", d.Cursor(sink.Name()))
	}

	second := createEscrow(t, eng)
	sink.fail = true
	d.DispatchOnce(ctx)
	if d.Cursor(sink.Name()) != 1 {
		t.Fatalf("failed delivery advanced the cursor")
	}
	sink.fail = false
	d.DispatchOnce(ctx)
	if len(sink.seen) != 1 || sink.seen[0].EscrowID != second.Escrow.ID {
		t.Fatalf("seen = %+v", sink.seen)
	}
	if d.Cursor(sink.Name()) != 2 {
		t.Fatalf("cursor = %d", d.Cursor(sink.Name()))
	}
}

func TestDispatcherResumesAfterRestart(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	sink := &recordingSink{}
	first := notify.NewDispatcher(eng.Repo, sink)
	first.DispatchOnce(ctx)

	pending := createEscrow(t, eng)
	sink.fail = true
	first.DispatchOnce(ctx)
	if len(sink.seen) != 0 {
		t.Fatalf("seen = %+v", sink.seen)
	}

	// Written while no dispatcher is running.
	offline := createEscrow(t, eng)

	sink.fail = false
	restarted := notify.NewDispatcher(eng.Repo, sink)
	restarted.DispatchOnce(ctx)
	if len(sink.seen) != 2 || sink.seen[0].EscrowID != pending.Escrow.ID || sink.seen[1].EscrowID != offline.Escrow.ID {
		t.Fatalf("seen = %+v", sink.seen)
	}
	if seq, ok, err := eng.Repo.NotificationCursor(ctx, nil, sink.Name()); err != nil || !ok || seq != 2 {
		t.Fatalf("stored cursor = %d, %v, %v", seq, ok, err)
	}
}

func TestWebhookSink(t *testing.T) {
	var mu sync.Mutex
	var got []domain.Notification
	var headers http.Header
	var raw []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var n domain.Notification
		_ = json.Unmarshal(body, &n)
		mu.Lock()
		got = append(got, n)
		headers = r.Header.Clone()
		raw = body
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := notify.NewWebhookSink(config.WebhookConfig{URL: srv.URL, Events: []string{"CONFIRM_FUNDS"}, Secret: "s3cret"})
	ctx := context.Background()
	if err := sink.Deliver(ctx, domain.Notification{Seq: 1, Event: domain.EventCreate}); err != nil {
		t.Fatal(err)
	}
	if err := sink.Deliver(ctx, domain.Notification{Seq: 2, Event: domain.EventConfirmFunds, EscrowID: "esc-9"}); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Seq != 2 {
		t.Fatalf("filtered delivery = %+v", got)
	}
	if headers.Get("X-Veridraw-Delivery") != "2" || headers.Get("X-Veridraw-Escrow") != "esc-9" {
		t.Fatalf("headers = %v", headers)
	}
	if sig := headers.Get(notify.SignatureHeader); sig != "sha256="+notify.Sign("s3cret", raw) {
		t.Fatalf("signature = %q", sig)
	}
	if strings.Contains(headers.Get(notify.SignatureHeader), "s3cret") {
		t.Fatalf("secret leaked in headers")
	}
}

func TestWebhookSinkReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	sink := notify.NewWebhookSink(config.WebhookConfig{URL: srv.URL})
	err := sink.Deliver(context.Background(), domain.Notification{Seq: 1, Event: domain.EventCreate})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestHubStreamsToRecipients(t *testing.T) {
	hub := notify.NewHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := domain.ParseRole(r.URL.Query().Get("role"))
		hub.Serve(w, r, domain.Actor{ID: "u", Role: role})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?role=INSPECTOR"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	ctx := context.Background()
	_ = hub.Deliver(ctx, domain.Notification{Seq: 1, Event: domain.EventCreate, Recipients: []domain.Role{domain.RoleAgent}})
	_ = hub.Deliver(ctx, domain.Notification{Seq: 2, Event: domain.EventEvidenceSubmitted, Recipients: []domain.Role{domain.RoleInspector}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var n domain.Notification
	if err := conn.ReadJSON(&n); err != nil {
		t.Fatalf("read: %v", err)
	}
	if n.Seq != 2 {
		t.Fatalf("inspector received seq %d", n.Seq)
	}
}

func TestHubPingsIdleClients(t *testing.T) {
	hub := notify.NewHub()
	hub.PingInterval = 20 * time.Millisecond
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, domain.Actor{ID: "u", Role: domain.RoleAgent})
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	pings := make(chan struct{}, 8)
	conn.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-pings:
		case <-time.After(2 * time.Second):
			t.Fatalf("no ping after %d received", i)
		}
	}
	if hub.Subscribers() != 1 {
		t.Fatalf("subscribers = %d", hub.Subscribers())
	}
}
