package domain

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Actor is an authenticated caller as forwarded by the boundary layer.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor attributes entries written by the engine itself.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

type Escrow struct {
	ID            string          `json:"id"`
	BuyerID       string          `json:"buyer_id"`
	ProviderID    string          `json:"provider_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	FundedAmount  decimal.Decimal `json:"funded_amount"`
	Currency      string          `json:"currency"`
	State         EscrowState     `json:"state"`
	Version       int             `json:"version"`
	AgreementHash string          `json:"agreement_hash"`
	Disputed      bool            `json:"is_disputed"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

// FundingGap is the amount still to be confirmed by the custodian.
func (e Escrow) FundingGap() decimal.Decimal {
	return e.TotalAmount.Sub(e.FundedAmount)
}

type ApprovalSignature struct {
	ApproverID string `json:"approver_id"`
	Signature  string `json:"signature"`
	SignedAt   string `json:"signed_at"`
}

type Milestone struct {
	ID               string             `json:"id"`
	EscrowID         string             `json:"escrow_id"`
	Position         int                `json:"position"`
	Name             string             `json:"name"`
	Amount           decimal.Decimal    `json:"amount"`
	RequiredEvidence []string           `json:"required_evidence"`
	Status           MilestoneStatus    `json:"status"`
	Approval         *ApprovalSignature `json:"approval,omitempty"`
	DisputeReason    string             `json:"dispute_reason,omitempty"`
	CreatedAt        string             `json:"created_at"`
	UpdatedAt        string             `json:"updated_at"`
}

// MissingEvidence returns required types absent from present, sorted.
func (m Milestone) MissingEvidence(present []Evidence) []string {
	have := make(map[string]struct{}, len(present))
	for _, ev := range present {
		have[NormalizeEvidenceType(ev.EvidenceType)] = struct{}{}
	}
	var missing []string
	for _, req := range m.RequiredEvidence {
		if _, ok := have[NormalizeEvidenceType(req)]; !ok {
			missing = append(missing, req)
		}
	}
	sort.Strings(missing)
	return missing
}

// Requires reports whether evidenceType is in the required set.
func (m Milestone) Requires(evidenceType string) bool {
	key := NormalizeEvidenceType(evidenceType)
	for _, req := range m.RequiredEvidence {
		if NormalizeEvidenceType(req) == key {
			return true
		}
	}
	return false
}

type Evidence struct {
	ID            string         `json:"id"`
	MilestoneID   string         `json:"milestone_id"`
	EscrowID      string         `json:"escrow_id"`
	EvidenceType  string         `json:"evidence_type"`
	URL           string         `json:"url"`
	Source        EvidenceSource `json:"source"`
	Origin        EvidenceOrigin `json:"origin"`
	ProviderName  string         `json:"provider_name,omitempty"`
	SubmittedBy   string         `json:"submitted_by"`
	SubmitterRole Role           `json:"submitter_role"`
	CreatedAt     string         `json:"created_at"`
}

// EscrowDetail is an escrow aggregate: the escrow plus its ordered milestones.
type EscrowDetail struct {
	Escrow     Escrow      `json:"escrow"`
	Milestones []Milestone `json:"milestones"`
}

// Milestone returns the milestone with id from the aggregate.
func (d EscrowDetail) Milestone(id string) (Milestone, bool) {
	for _, m := range d.Milestones {
		if m.ID == id {
			return m, true
		}
	}
	return Milestone{}, false
}

// LedgerEntry is the persisted, auditor-facing layout of one chained event.
type LedgerEntry struct {
	Seq              int64           `json:"seq"`
	EntityID         string          `json:"entity_id"`
	EventType        EventKind       `json:"event_type"`
	ActorID          string          `json:"actor_id"`
	ActorRole        Role            `json:"actor_role"`
	PreviousHash     string          `json:"previous_hash"`
	CurrentHash      string          `json:"current_hash"`
	EventData        json.RawMessage `json:"event_data"`
	AgreementHash    *string         `json:"agreement_hash"`
	AgreementVersion *int            `json:"agreement_version"`
	Timestamp        string          `json:"timestamp"`
}

type PaymentInstruction struct {
	ID          string          `json:"id"`
	EscrowID    string          `json:"escrow_id"`
	MilestoneID string          `json:"milestone_id"`
	PayeeID     string          `json:"payee_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Method      string          `json:"method"`
	Memo        string          `json:"memo,omitempty"`
	Status      PaymentStatus   `json:"status"`
	CreatedAt   string          `json:"created_at"`
	SentAt      *string         `json:"sent_at,omitempty"`
	SettledAt   *string         `json:"settled_at,omitempty"`
}

// Notification is one outbox row derived from a routed ledger entry.
type Notification struct {
	Seq         int64     `json:"seq"`
	Event       EventKind `json:"event"`
	EscrowID    string    `json:"escrow_id"`
	MilestoneID string    `json:"milestone_id,omitempty"`
	Recipients  []Role    `json:"recipients"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	Read        bool      `json:"read"`
	CreatedAt   string    `json:"created_at"`
}

// AddressedTo reports whether role is among the recipients.
func (n Notification) AddressedTo(role Role) bool {
	for _, r := range n.Recipients {
		if r == role {
			return true
		}
	}
	return false
}

type APIKey struct {
	ID        string  `json:"id"`
	ActorID   string  `json:"actor_id"`
	Role      Role    `json:"role"`
	Name      string  `json:"name"`
	KeyHash   string  `json:"-"`
	CreatedAt string  `json:"created_at"`
	RevokedAt *string `json:"revoked_at,omitempty"`
}

// NormalizeEvidenceType canonicalises evidence type labels ("photo " -> "PHOTO").
func NormalizeEvidenceType(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeEvidenceTypes normalises and de-duplicates, keeping first-seen order.
func NormalizeEvidenceTypes(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		key := NormalizeEvidenceType(s)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
