package server

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"veridraw/internal/domain"
	"veridraw/internal/engine"
	"veridraw/internal/ledger"
)

// Request payloads. Amounts travel as decimal strings so no float ever
// touches money.

type MilestoneRequest struct {
	Name             string   `json:"name"`
	Amount           string   `json:"amount" example:"2500.00"`
	RequiredEvidence []string `json:"required_evidence,omitempty"`
}

type CreateEscrowRequest struct {
	ID          *string            `json:"id,omitempty"`
	BuyerID     string             `json:"buyer_id"`
	ProviderID  string             `json:"provider_id"`
	TotalAmount string             `json:"total_amount" example:"10000.00"`
	Currency    string             `json:"currency,omitempty" example:"USD"`
	Milestones  []MilestoneRequest `json:"milestones,omitempty"`
}

type ConfirmFundsRequest struct {
	Reference       string `json:"reference,omitempty"`
	ExpectedVersion *int   `json:"expected_version,omitempty"`
}

type ChangeBudgetRequest struct {
	Delta            string   `json:"delta" example:"1500.00"`
	Name             string   `json:"name,omitempty"`
	Reason           string   `json:"reason,omitempty"`
	RequiredEvidence []string `json:"required_evidence,omitempty"`
	ExpectedVersion  *int     `json:"expected_version,omitempty"`
}

type ApplyTemplateRequest struct {
	Template        string `json:"template" example:"residential-draw"`
	ExpectedVersion *int   `json:"expected_version,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type UploadEvidenceRequest struct {
	EvidenceType string `json:"evidence_type" example:"PHOTO"`
	URL          string `json:"url"`
	Source       string `json:"source,omitempty" enum:"PHOTO,PDF,ESIGN,URL"`
	Origin       string `json:"origin,omitempty" enum:"CONTRACTOR,THIRD_PARTY"`
	ProviderName string `json:"provider_name,omitempty"`
}

type ApproveRequest struct {
	Signature       string `json:"signature,omitempty"`
	ExpectedVersion *int   `json:"expected_version,omitempty"`
}

type ResolveDisputeRequest struct {
	Resolution string `json:"resolution" enum:"RESUME,CANCEL"`
	Notes      string `json:"notes,omitempty"`
}

type AdvancePaymentRequest struct {
	Status    string `json:"status" enum:"SENT,SETTLED"`
	Reference string `json:"reference,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"AGENT,CONTRACTOR,INSPECTOR,CUSTODIAN,ADMIN"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EscrowResponse struct {
	ID            string `json:"id"`
	BuyerID       string `json:"buyer_id"`
	ProviderID    string `json:"provider_id"`
	TotalAmount   string `json:"total_amount"`
	FundedAmount  string `json:"funded_amount"`
	Currency      string `json:"currency"`
	State         string `json:"state"`
	Version       int    `json:"version"`
	AgreementHash string `json:"agreement_hash"`
	Disputed      bool   `json:"is_disputed"`
	CreatedBy     string `json:"created_by"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

type ApprovalResponse struct {
	ApproverID string `json:"approver_id"`
	Signature  string `json:"signature"`
	SignedAt   string `json:"signed_at"`
}

type MilestoneResponse struct {
	ID               string            `json:"id"`
	EscrowID         string            `json:"escrow_id"`
	Position         int               `json:"position"`
	Name             string            `json:"name"`
	Amount           string            `json:"amount"`
	RequiredEvidence []string          `json:"required_evidence"`
	Status           string            `json:"status"`
	Approval         *ApprovalResponse `json:"approval,omitempty"`
	DisputeReason    string            `json:"dispute_reason,omitempty"`
	CreatedAt        string            `json:"created_at"`
	UpdatedAt        string            `json:"updated_at"`
}

type EscrowDetailResponse struct {
	Escrow     EscrowResponse      `json:"escrow"`
	Milestones []MilestoneResponse `json:"milestones"`
}

type EvidenceResponse struct {
	ID            string `json:"id"`
	MilestoneID   string `json:"milestone_id"`
	EscrowID      string `json:"escrow_id"`
	EvidenceType  string `json:"evidence_type"`
	URL           string `json:"url"`
	Source        string `json:"source"`
	Origin        string `json:"origin"`
	ProviderName  string `json:"provider_name,omitempty"`
	SubmittedBy   string `json:"submitted_by"`
	SubmitterRole string `json:"submitter_role"`
	CreatedAt     string `json:"created_at"`
}

type PaymentResponse struct {
	ID          string  `json:"id"`
	EscrowID    string  `json:"escrow_id"`
	MilestoneID string  `json:"milestone_id"`
	PayeeID     string  `json:"payee_id"`
	Amount      string  `json:"amount"`
	Currency    string  `json:"currency"`
	Method      string  `json:"method"`
	Memo        string  `json:"memo,omitempty"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	SentAt      *string `json:"sent_at,omitempty"`
	SettledAt   *string `json:"settled_at,omitempty"`
}

type ApproveResponse struct {
	Milestone   MilestoneResponse `json:"milestone"`
	Escrow      EscrowResponse    `json:"escrow"`
	Instruction *PaymentResponse  `json:"instruction,omitempty"`
	Replayed    bool              `json:"replayed"`
}

type LedgerEntryResponse struct {
	Seq              int64          `json:"seq"`
	EntityID         string         `json:"entity_id"`
	EventType        string         `json:"event_type"`
	ActorID          string         `json:"actor_id"`
	ActorRole        string         `json:"actor_role"`
	PreviousHash     string         `json:"previous_hash"`
	CurrentHash      string         `json:"current_hash"`
	EventData        map[string]any `json:"event_data"`
	AgreementHash    *string        `json:"agreement_hash"`
	AgreementVersion *int           `json:"agreement_version"`
	Timestamp        string         `json:"timestamp"`
}

type VerifyResponse struct {
	OK      bool   `json:"ok"`
	Entries int64  `json:"entries"`
	TipSeq  int64  `json:"tip_seq"`
	TipHash string `json:"tip_hash"`
}

type NotificationResponse struct {
	Seq         int64    `json:"seq"`
	Event       string   `json:"event"`
	EscrowID    string   `json:"escrow_id"`
	MilestoneID string   `json:"milestone_id,omitempty"`
	Recipients  []string `json:"recipients"`
	Severity    string   `json:"severity"`
	Message     string   `json:"message"`
	Read        bool     `json:"read"`
	CreatedAt   string   `json:"created_at"`
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func escrowResponse(e domain.Escrow) EscrowResponse {
	return EscrowResponse{
		ID:            e.ID,
		BuyerID:       e.BuyerID,
		ProviderID:    e.ProviderID,
		TotalAmount:   money(e.TotalAmount),
		FundedAmount:  money(e.FundedAmount),
		Currency:      e.Currency,
		State:         string(e.State),
		Version:       e.Version,
		AgreementHash: e.AgreementHash,
		Disputed:      e.Disputed,
		CreatedBy:     e.CreatedBy,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

func milestoneResponse(m domain.Milestone) MilestoneResponse {
	res := MilestoneResponse{
		ID:               m.ID,
		EscrowID:         m.EscrowID,
		Position:         m.Position,
		Name:             m.Name,
		Amount:           money(m.Amount),
		RequiredEvidence: nonNilSlice(m.RequiredEvidence),
		Status:           string(m.Status),
		DisputeReason:    m.DisputeReason,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	if m.Approval != nil {
		res.Approval = &ApprovalResponse{
			ApproverID: m.Approval.ApproverID,
			Signature:  m.Approval.Signature,
			SignedAt:   m.Approval.SignedAt,
		}
	}
	return res
}

func detailResponse(d domain.EscrowDetail) EscrowDetailResponse {
	ms := make([]MilestoneResponse, 0, len(d.Milestones))
	for _, m := range d.Milestones {
		ms = append(ms, milestoneResponse(m))
	}
	return EscrowDetailResponse{Escrow: escrowResponse(d.Escrow), Milestones: ms}
}

func evidenceResponse(ev domain.Evidence) EvidenceResponse {
	return EvidenceResponse{
		ID:            ev.ID,
		MilestoneID:   ev.MilestoneID,
		EscrowID:      ev.EscrowID,
		EvidenceType:  ev.EvidenceType,
		URL:           ev.URL,
		Source:        string(ev.Source),
		Origin:        string(ev.Origin),
		ProviderName:  ev.ProviderName,
		SubmittedBy:   ev.SubmittedBy,
		SubmitterRole: string(ev.SubmitterRole),
		CreatedAt:     ev.CreatedAt,
	}
}

func paymentResponse(p domain.PaymentInstruction) PaymentResponse {
	return PaymentResponse{
		ID:          p.ID,
		EscrowID:    p.EscrowID,
		MilestoneID: p.MilestoneID,
		PayeeID:     p.PayeeID,
		Amount:      money(p.Amount),
		Currency:    p.Currency,
		Method:      p.Method,
		Memo:        p.Memo,
		Status:      string(p.Status),
		CreatedAt:   p.CreatedAt,
		SentAt:      p.SentAt,
		SettledAt:   p.SettledAt,
	}
}

func approveResponse(r engine.ApproveResult) ApproveResponse {
	res := ApproveResponse{
		Milestone: milestoneResponse(r.Milestone),
		Escrow:    escrowResponse(r.Escrow),
		Replayed:  r.Replayed,
	}
	if r.Instruction != nil {
		p := paymentResponse(*r.Instruction)
		res.Instruction = &p
	}
	return res
}

func ledgerEntryResponse(e domain.LedgerEntry) LedgerEntryResponse {
	data := map[string]any{}
	if len(e.EventData) > 0 {
		_ = json.Unmarshal(e.EventData, &data)
	}
	return LedgerEntryResponse{
		Seq:              e.Seq,
		EntityID:         e.EntityID,
		EventType:        string(e.EventType),
		ActorID:          e.ActorID,
		ActorRole:        string(e.ActorRole),
		PreviousHash:     e.PreviousHash,
		CurrentHash:      e.CurrentHash,
		EventData:        data,
		AgreementHash:    e.AgreementHash,
		AgreementVersion: e.AgreementVersion,
		Timestamp:        e.Timestamp,
	}
}

func verifyResponse(r ledger.Report) VerifyResponse {
	return VerifyResponse{OK: true, Entries: r.Entries, TipSeq: r.TipSeq, TipHash: r.TipHash}
}

func notificationResponse(n domain.Notification) NotificationResponse {
	recipients := make([]string, 0, len(n.Recipients))
	for _, r := range n.Recipients {
		recipients = append(recipients, string(r))
	}
	return NotificationResponse{
		Seq:         n.Seq,
		Event:       string(n.Event),
		EscrowID:    n.EscrowID,
		MilestoneID: n.MilestoneID,
		Recipients:  recipients,
		Severity:    string(n.Severity),
		Message:     n.Message,
		Read:        n.Read,
		CreatedAt:   n.CreatedAt,
	}
}

func mapList[T, R any](items []T, fn func(T) R) []R {
	res := make([]R, 0, len(items))
	for _, item := range items {
		res = append(res, fn(item))
	}
	return res
}

func nonNilSlice(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
