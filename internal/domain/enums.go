package domain

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleAgent      Role = "AGENT"
	RoleContractor Role = "CONTRACTOR"
	RoleInspector  Role = "INSPECTOR"
	RoleCustodian  Role = "CUSTODIAN"
	RoleAdmin      Role = "ADMIN"
	RoleSystem     Role = "SYSTEM"
)

var roles = []Role{RoleAgent, RoleContractor, RoleInspector, RoleCustodian, RoleAdmin, RoleSystem}

func (r Role) String() string { return string(r) }

func ParseRole(s string) (Role, error) {
	for _, r := range roles {
		if strings.EqualFold(s, string(r)) {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

type EscrowState string

const (
	EscrowCreated   EscrowState = "CREATED"
	EscrowFunded    EscrowState = "FUNDED"
	EscrowActive    EscrowState = "ACTIVE"
	EscrowDisputed  EscrowState = "DISPUTED"
	EscrowHalted    EscrowState = "HALTED"
	EscrowCompleted EscrowState = "COMPLETED"
)

var escrowStates = []EscrowState{EscrowCreated, EscrowFunded, EscrowActive, EscrowDisputed, EscrowHalted, EscrowCompleted}

func (s EscrowState) String() string { return string(s) }

// Funded reports whether funds have been confirmed and payouts may flow.
func (s EscrowState) Funded() bool {
	switch s {
	case EscrowFunded, EscrowActive:
		return true
	case EscrowCreated, EscrowDisputed, EscrowHalted, EscrowCompleted:
		return false
	}
	return false
}

func ParseEscrowState(s string) (EscrowState, error) {
	for _, st := range escrowStates {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown escrow state %q", s)
}

type MilestoneStatus string

const (
	MilestoneCreated           MilestoneStatus = "CREATED"
	MilestonePending           MilestoneStatus = "PENDING"
	MilestoneEvidenceSubmitted MilestoneStatus = "EVIDENCE_SUBMITTED"
	MilestoneDisputed          MilestoneStatus = "DISPUTED"
	MilestoneApproved          MilestoneStatus = "APPROVED"
	MilestonePaid              MilestoneStatus = "PAID"
	MilestoneRejected          MilestoneStatus = "REJECTED"
	MilestoneCancelled         MilestoneStatus = "CANCELLED"
)

var milestoneStatuses = []MilestoneStatus{
	MilestoneCreated, MilestonePending, MilestoneEvidenceSubmitted, MilestoneDisputed,
	MilestoneApproved, MilestonePaid, MilestoneRejected, MilestoneCancelled,
}

func (s MilestoneStatus) String() string { return string(s) }

func (s MilestoneStatus) Terminal() bool {
	switch s {
	case MilestonePaid, MilestoneRejected, MilestoneCancelled:
		return true
	case MilestoneCreated, MilestonePending, MilestoneEvidenceSubmitted, MilestoneDisputed, MilestoneApproved:
		return false
	}
	return false
}

func ParseMilestoneStatus(s string) (MilestoneStatus, error) {
	for _, st := range milestoneStatuses {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown milestone status %q", s)
}

type EventKind string

const (
	EventCreate             EventKind = "CREATE"
	EventConfirmFunds       EventKind = "CONFIRM_FUNDS"
	EventChangeOrderAdded   EventKind = "CHANGE_ORDER_ADDED"
	EventTemplateApplied    EventKind = "TEMPLATE_APPLIED"
	EventDispute            EventKind = "DISPUTE"
	EventUploadEvidence     EventKind = "UPLOAD_EVIDENCE"
	EventEvidenceAttested   EventKind = "EVIDENCE_ATTESTED"
	EventEvidenceSubmitted  EventKind = "EVIDENCE_SUBMITTED"
	EventApprove            EventKind = "APPROVE"
	EventMilestoneRejected  EventKind = "MILESTONE_REJECTED"
	EventPaymentReleased    EventKind = "PAYMENT_RELEASED"
	EventPaymentInstructed  EventKind = "PAYMENT_INSTRUCTED"
	EventPaymentSent        EventKind = "PAYMENT_SENT"
	EventPaymentSettled     EventKind = "PAYMENT_SETTLED"
	EventDisputeRaised      EventKind = "DISPUTE_RAISED"
	EventDisputeResolved    EventKind = "DISPUTE_RESOLVED"
	EventMilestoneCancelled EventKind = "MILESTONE_CANCELLED"
	EventEscrowCompleted    EventKind = "ESCROW_COMPLETED"
)

var eventKinds = []EventKind{
	EventCreate, EventConfirmFunds, EventChangeOrderAdded, EventTemplateApplied, EventDispute,
	EventUploadEvidence, EventEvidenceAttested, EventEvidenceSubmitted, EventApprove,
	EventMilestoneRejected, EventPaymentReleased, EventPaymentInstructed, EventPaymentSent,
	EventPaymentSettled, EventDisputeRaised, EventDisputeResolved, EventMilestoneCancelled,
	EventEscrowCompleted,
}

func (k EventKind) String() string { return string(k) }

func ParseEventKind(s string) (EventKind, error) {
	for _, k := range eventKinds {
		if strings.EqualFold(s, string(k)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// EventKinds lists every ledger event kind in declaration order.
func EventKinds() []EventKind {
	out := make([]EventKind, len(eventKinds))
	copy(out, eventKinds)
	return out
}

type EvidenceOrigin string

const (
	OriginContractor EvidenceOrigin = "CONTRACTOR"
	OriginThirdParty EvidenceOrigin = "THIRD_PARTY"
)

func (o EvidenceOrigin) String() string { return string(o) }

func ParseEvidenceOrigin(s string) (EvidenceOrigin, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(OriginContractor):
		return OriginContractor, nil
	case string(OriginThirdParty):
		return OriginThirdParty, nil
	}
	return "", fmt.Errorf("unknown evidence origin %q", s)
}

type EvidenceSource string

const (
	SourcePhoto EvidenceSource = "PHOTO"
	SourcePDF   EvidenceSource = "PDF"
	SourceESign EvidenceSource = "ESIGN"
	SourceURL   EvidenceSource = "URL"
)

func (s EvidenceSource) String() string { return string(s) }

func ParseEvidenceSource(s string) (EvidenceSource, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(SourceURL):
		return SourceURL, nil
	case string(SourcePhoto):
		return SourcePhoto, nil
	case string(SourcePDF):
		return SourcePDF, nil
	case string(SourceESign):
		return SourceESign, nil
	}
	return "", fmt.Errorf("unknown evidence source %q", s)
}

type PaymentStatus string

const (
	PaymentInstructed PaymentStatus = "INSTRUCTED"
	PaymentSent       PaymentStatus = "SENT"
	PaymentSettled    PaymentStatus = "SETTLED"
)

func (s PaymentStatus) String() string { return string(s) }

// Next returns the only status s may advance to.
func (s PaymentStatus) Next() (PaymentStatus, bool) {
	switch s {
	case PaymentInstructed:
		return PaymentSent, true
	case PaymentSent:
		return PaymentSettled, true
	case PaymentSettled:
		return "", false
	}
	return "", false
}

func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(PaymentInstructed):
		return PaymentInstructed, nil
	case string(PaymentSent):
		return PaymentSent, nil
	case string(PaymentSettled):
		return PaymentSettled, nil
	}
	return "", fmt.Errorf("unknown payment status %q", s)
}

type Resolution string

const (
	ResolutionResume Resolution = "RESUME"
	ResolutionCancel Resolution = "CANCEL"
)

func (r Resolution) String() string { return string(r) }

func ParseResolution(s string) (Resolution, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(ResolutionResume):
		return ResolutionResume, nil
	case string(ResolutionCancel):
		return ResolutionCancel, nil
	}
	return "", fmt.Errorf("unknown resolution %q", s)
}

type Severity string

const (
	SeverityInfo           Severity = "INFO"
	SeverityActionRequired Severity = "ACTION_REQUIRED"
	SeverityWarning        Severity = "WARNING"
)

func (s Severity) String() string { return string(s) }
