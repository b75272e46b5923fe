package notify

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"veridraw/internal/domain"
	"veridraw/internal/ledger"
)

func entryFor(t *testing.T, seq int64, p ledger.Payload) domain.LedgerEntry {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return domain.LedgerEntry{Seq: seq, EntityID: "esc-1", EventType: p.Kind(), EventData: data, Timestamp: "2024-01-01T00:00:00Z"}
}

func TestRouteTable(t *testing.T) {
	cases := []struct {
		name       string
		payload    ledger.Payload
		event      domain.EventKind
		recipients []domain.Role
		severity   domain.Severity
		milestone  string
	}{
		{"create", ledger.CreatePayload{TotalAmount: decimal.NewFromInt(10)}, domain.EventCreate,
			[]domain.Role{domain.RoleCustodian, domain.RoleAgent}, domain.SeverityActionRequired, ""},
		{"upload", ledger.EvidencePayload{MilestoneID: "m1", MilestoneName: "Slab"}, domain.EventUploadEvidence,
			[]domain.Role{domain.RoleInspector}, domain.SeverityActionRequired, "m1"},
		{"attested", ledger.EvidencePayload{MilestoneID: "m1", Origin: domain.OriginThirdParty}, domain.EventEvidenceAttested,
			[]domain.Role{domain.RoleAgent}, domain.SeverityInfo, "m1"},
		{"dispute raised", ledger.DisputeRaisedPayload{MilestoneID: "m2"}, domain.EventDisputeRaised,
			[]domain.Role{domain.RoleAgent, domain.RoleInspector, domain.RoleCustodian}, domain.SeverityWarning, "m2"},
		{"cancelled", ledger.DisputeResolvedPayload{MilestoneID: "m3", Resolution: domain.ResolutionCancel}, domain.EventMilestoneCancelled,
			[]domain.Role{domain.RoleAgent, domain.RoleCustodian}, domain.SeverityWarning, "m3"},
		{"settled", ledger.PaymentStatusPayload{MilestoneID: "m4", To: domain.PaymentSettled}, domain.EventPaymentSettled,
			[]domain.Role{domain.RoleAgent, domain.RoleContractor}, domain.SeverityInfo, "m4"},
		{"sent", ledger.PaymentStatusPayload{MilestoneID: "m4", To: domain.PaymentSent}, domain.EventPaymentSent,
			[]domain.Role{domain.RoleAgent}, domain.SeverityInfo, "m4"},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, ok := Route(entryFor(t, int64(i+1), tc.payload))
			if !ok {
				t.Fatalf("expected a route")
			}
			if n.Event != tc.event || n.Severity != tc.severity || n.MilestoneID != tc.milestone {
				t.Fatalf("unexpected notification: %+v", n)
			}
			if !reflect.DeepEqual(n.Recipients, tc.recipients) {
				t.Fatalf("recipients = %v", n.Recipients)
			}
			if n.Seq != int64(i+1) || n.EscrowID != "esc-1" || n.Message == "" {
				t.Fatalf("unexpected envelope: %+v", n)
			}
		})
	}
}

func TestRouteSkipsUnroutedEvents(t *testing.T) {
	for _, p := range []ledger.Payload{
		ledger.ApprovePayload{MilestoneID: "m1"},
		ledger.DisputeResolvedPayload{MilestoneID: "m1", Resolution: domain.ResolutionResume},
		ledger.EscrowCompletedPayload{},
	} {
		if n, ok := Route(entryFor(t, 1, p)); ok {
			t.Fatalf("%s should not be routed: %+v", p.Kind(), n)
		}
	}
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{" payment_settled ", ""})
	if !f.match("PAYMENT_SETTLED") || f.match("CREATE") {
		t.Fatalf("filter mismatch")
	}
	if !newEventFilter(nil).match("ANY") {
		t.Fatalf("empty filter must match all")
	}
}
