package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"veridraw/internal/domain"
)

// Payload is the event-kind-specific body of a ledger entry. The concrete
// type determines the entry's event kind.
type Payload interface {
	Kind() domain.EventKind
}

// MilestoneScoped is implemented by payloads that concern one milestone.
type MilestoneScoped interface {
	MilestoneRef() (id, name string)
}

type MilestoneTerms struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Amount           decimal.Decimal `json:"amount"`
	RequiredEvidence []string        `json:"required_evidence"`
}

type CreatePayload struct {
	BuyerID     string           `json:"buyer_id"`
	ProviderID  string           `json:"provider_id"`
	TotalAmount decimal.Decimal  `json:"total_amount"`
	Currency    string           `json:"currency"`
	Milestones  []MilestoneTerms `json:"milestones"`
}

func (CreatePayload) Kind() domain.EventKind { return domain.EventCreate }

const (
	FundingInitial = "INITIAL"
	FundingDelta   = "DELTA"
)

type ConfirmFundsPayload struct {
	Mode                string          `json:"mode"`
	Confirmed           decimal.Decimal `json:"confirmed"`
	FundedAmount        decimal.Decimal `json:"funded_amount"`
	TotalAmount         decimal.Decimal `json:"total_amount"`
	Reference           string          `json:"reference,omitempty"`
	ActivatedMilestones []string        `json:"activated_milestones"`
}

func (ConfirmFundsPayload) Kind() domain.EventKind { return domain.EventConfirmFunds }

type ChangeOrderPayload struct {
	MilestoneID      string          `json:"milestone_id"`
	MilestoneName    string          `json:"milestone_name"`
	Delta            decimal.Decimal `json:"delta"`
	PreviousTotal    decimal.Decimal `json:"previous_total"`
	NewTotal         decimal.Decimal `json:"new_total"`
	FundedAmount     decimal.Decimal `json:"funded_amount"`
	RequiredEvidence []string        `json:"required_evidence"`
	Reason           string          `json:"reason,omitempty"`
}

func (ChangeOrderPayload) Kind() domain.EventKind { return domain.EventChangeOrderAdded }

func (p ChangeOrderPayload) MilestoneRef() (string, string) { return p.MilestoneID, p.MilestoneName }

type TemplateAppliedPayload struct {
	Template   string           `json:"template"`
	Title      string           `json:"title"`
	Milestones []MilestoneTerms `json:"milestones"`
}

func (TemplateAppliedPayload) Kind() domain.EventKind { return domain.EventTemplateApplied }

type DisputePayload struct {
	Reason        string             `json:"reason,omitempty"`
	PreviousState domain.EscrowState `json:"previous_state"`
}

func (DisputePayload) Kind() domain.EventKind { return domain.EventDispute }

// EvidencePayload records contractor uploads (UPLOAD_EVIDENCE) and third-party
// attestations (EVIDENCE_ATTESTED); the origin selects the kind.
type EvidencePayload struct {
	MilestoneID   string                `json:"milestone_id"`
	MilestoneName string                `json:"milestone_name"`
	EvidenceID    string                `json:"evidence_id"`
	EvidenceType  string                `json:"evidence_type"`
	Source        domain.EvidenceSource `json:"source"`
	Origin        domain.EvidenceOrigin `json:"origin"`
	URL           string                `json:"url"`
	ProviderName  string                `json:"provider_name,omitempty"`
}

func (p EvidencePayload) Kind() domain.EventKind {
	if p.Origin == domain.OriginThirdParty {
		return domain.EventEvidenceAttested
	}
	return domain.EventUploadEvidence
}

func (p EvidencePayload) MilestoneRef() (string, string) { return p.MilestoneID, p.MilestoneName }

type EvidenceSubmittedPayload struct {
	MilestoneID   string             `json:"milestone_id"`
	MilestoneName string             `json:"milestone_name"`
	EvidenceCount int                `json:"evidence_count"`
	EscrowState   domain.EscrowState `json:"escrow_state"`
}

func (EvidenceSubmittedPayload) Kind() domain.EventKind { return domain.EventEvidenceSubmitted }

func (p EvidenceSubmittedPayload) MilestoneRef() (string, string) {
	return p.MilestoneID, p.MilestoneName
}

type ApprovePayload struct {
	MilestoneID   string                   `json:"milestone_id"`
	MilestoneName string                   `json:"milestone_name"`
	Amount        decimal.Decimal          `json:"amount"`
	Evidence      []string                 `json:"evidence_types"`
	Signature     domain.ApprovalSignature `json:"signature"`
}

func (ApprovePayload) Kind() domain.EventKind { return domain.EventApprove }

func (p ApprovePayload) MilestoneRef() (string, string) { return p.MilestoneID, p.MilestoneName }

type RejectPayload struct {
	MilestoneID   string `json:"milestone_id"`
	MilestoneName string `json:"milestone_name"`
	Reason        string `json:"reason,omitempty"`
}

func (RejectPayload) Kind() domain.EventKind { return domain.EventMilestoneRejected }

func (p RejectPayload) MilestoneRef() (string, string) { return p.MilestoneID, p.MilestoneName }

type PaymentInstructedPayload struct {
	InstructionID string          `json:"instruction_id"`
	MilestoneID   string          `json:"milestone_id"`
	MilestoneName string          `json:"milestone_name"`
	PayeeID       string          `json:"payee_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Method        string          `json:"method"`
	Memo          string          `json:"memo,omitempty"`
}

func (PaymentInstructedPayload) Kind() domain.EventKind { return domain.EventPaymentInstructed }

func (p PaymentInstructedPayload) MilestoneRef() (string, string) {
	return p.MilestoneID, p.MilestoneName
}

type PaymentReleasedPayload struct {
	InstructionID string          `json:"instruction_id"`
	MilestoneID   string          `json:"milestone_id"`
	MilestoneName string          `json:"milestone_name"`
	PayeeID       string          `json:"payee_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

func (PaymentReleasedPayload) Kind() domain.EventKind { return domain.EventPaymentReleased }

func (p PaymentReleasedPayload) MilestoneRef() (string, string) {
	return p.MilestoneID, p.MilestoneName
}

// PaymentStatusPayload records a custodian advance; the target status selects
// PAYMENT_SENT or PAYMENT_SETTLED.
type PaymentStatusPayload struct {
	InstructionID string               `json:"instruction_id"`
	MilestoneID   string               `json:"milestone_id"`
	From          domain.PaymentStatus `json:"from"`
	To            domain.PaymentStatus `json:"to"`
	Amount        decimal.Decimal      `json:"amount"`
	Reference     string               `json:"reference,omitempty"`
}

func (p PaymentStatusPayload) Kind() domain.EventKind {
	if p.To == domain.PaymentSettled {
		return domain.EventPaymentSettled
	}
	return domain.EventPaymentSent
}

func (p PaymentStatusPayload) MilestoneRef() (string, string) { return p.MilestoneID, "" }

type DisputeRaisedPayload struct {
	MilestoneID    string                 `json:"milestone_id"`
	MilestoneName  string                 `json:"milestone_name"`
	Reason         string                 `json:"reason,omitempty"`
	PreviousStatus domain.MilestoneStatus `json:"previous_status"`
}

func (DisputeRaisedPayload) Kind() domain.EventKind { return domain.EventDisputeRaised }

func (p DisputeRaisedPayload) MilestoneRef() (string, string) { return p.MilestoneID, p.MilestoneName }

type DisputeResolvedPayload struct {
	MilestoneID   string                 `json:"milestone_id"`
	MilestoneName string                 `json:"milestone_name"`
	Resolution    domain.Resolution      `json:"resolution"`
	Status        domain.MilestoneStatus `json:"status"`
	Notes         string                 `json:"notes,omitempty"`
}

func (DisputeResolvedPayload) Kind() domain.EventKind { return domain.EventDisputeResolved }

func (p DisputeResolvedPayload) MilestoneRef() (string, string) {
	return p.MilestoneID, p.MilestoneName
}

type EscrowCompletedPayload struct {
	TotalAmount decimal.Decimal `json:"total_amount"`
	Paid        int             `json:"paid"`
	Rejected    int             `json:"rejected"`
	Cancelled   int             `json:"cancelled"`
}

func (EscrowCompletedPayload) Kind() domain.EventKind { return domain.EventEscrowCompleted }

// DecodePayload parses persisted event data into the payload type for kind.
func DecodePayload(kind domain.EventKind, data json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case domain.EventCreate:
		p = &CreatePayload{}
	case domain.EventConfirmFunds:
		p = &ConfirmFundsPayload{}
	case domain.EventChangeOrderAdded:
		p = &ChangeOrderPayload{}
	case domain.EventTemplateApplied:
		p = &TemplateAppliedPayload{}
	case domain.EventDispute:
		p = &DisputePayload{}
	case domain.EventUploadEvidence, domain.EventEvidenceAttested:
		p = &EvidencePayload{}
	case domain.EventEvidenceSubmitted:
		p = &EvidenceSubmittedPayload{}
	case domain.EventApprove:
		p = &ApprovePayload{}
	case domain.EventMilestoneRejected:
		p = &RejectPayload{}
	case domain.EventPaymentInstructed:
		p = &PaymentInstructedPayload{}
	case domain.EventPaymentReleased:
		p = &PaymentReleasedPayload{}
	case domain.EventPaymentSent, domain.EventPaymentSettled:
		p = &PaymentStatusPayload{}
	case domain.EventDisputeRaised:
		p = &DisputeRaisedPayload{}
	case domain.EventDisputeResolved:
		p = &DisputeResolvedPayload{}
	case domain.EventEscrowCompleted:
		p = &EscrowCompletedPayload{}
	case domain.EventMilestoneCancelled:
		return nil, fmt.Errorf("event kind %s carries no ledger payload", kind)
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
