package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"veridraw/internal/aggregate"
	"veridraw/internal/apperr"
	"veridraw/internal/domain"
	"veridraw/internal/engine/auth"
	"veridraw/internal/ledger"
)

// onMilestone locks the milestone's escrow and hands fn the aggregate and
// the milestone as loaded inside the transaction.
func (e Engine) onMilestone(ctx context.Context, milestoneID string, fn func(ctx context.Context, u aggregate.Unit, detail domain.EscrowDetail, m domain.Milestone) error) error {
	head, err := e.Repo.GetMilestone(ctx, nil, milestoneID)
	if err != nil {
		return err
	}
	return e.Runner.Do(ctx, head.EscrowID, func(ctx context.Context, u aggregate.Unit) error {
		detail, err := e.Repo.LoadAggregate(ctx, u.Tx, head.EscrowID)
		if err != nil {
			return err
		}
		m, ok := detail.Milestone(milestoneID)
		if !ok {
			return apperr.NotFound("milestone %s not found", milestoneID)
		}
		return fn(ctx, u, detail, m)
	})
}

func (e Engine) saveMilestone(ctx context.Context, u aggregate.Unit, detail *domain.EscrowDetail, m domain.Milestone) error {
	m.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateMilestone(ctx, u.Tx, m); err != nil {
		return err
	}
	for i := range detail.Milestones {
		if detail.Milestones[i].ID == m.ID {
			detail.Milestones[i] = m
		}
	}
	return nil
}

type UploadEvidenceOptions struct {
	MilestoneID  string
	EvidenceType string
	URL          string
	Source       domain.EvidenceSource
	Origin       domain.EvidenceOrigin
	ProviderName string
	Actor        domain.Actor
}

// UploadEvidence appends an evidence record. Contractor evidence must be of
// a required type and the milestone must be open for work; third-party
// attestations skip the type check and are also accepted after approval.
func (e Engine) UploadEvidence(ctx context.Context, opts UploadEvidenceOptions) (out domain.Evidence, err error) {
	ctx, span := e.span(ctx, "UploadEvidence", attribute.String("milestone.id", opts.MilestoneID))
	defer func() { finish(span, err) }()

	if opts.Origin == "" {
		opts.Origin = domain.OriginContractor
	}
	if opts.Source == "" {
		opts.Source = domain.SourceURL
	}
	thirdParty := opts.Origin == domain.OriginThirdParty
	action := auth.ActionUploadEvidence
	if thirdParty {
		action = auth.ActionAttestEvidence
	}
	if err := auth.Check(opts.Actor, action); err != nil {
		return domain.Evidence{}, err
	}
	evType := domain.NormalizeEvidenceType(opts.EvidenceType)
	if evType == "" {
		return domain.Evidence{}, apperr.BadRequest("evidence_type is required")
	}
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return domain.Evidence{}, apperr.BadRequest("url is required")
	}

	err = e.onMilestone(ctx, opts.MilestoneID, func(ctx context.Context, u aggregate.Unit, detail domain.EscrowDetail, m domain.Milestone) error {
		switch m.Status {
		case domain.MilestonePending, domain.MilestoneEvidenceSubmitted:
		case domain.MilestoneApproved:
			if !thirdParty {
				return apperr.InvalidState("milestone %s is already approved", m.ID).WithDetail("status", m.Status)
			}
		case domain.MilestoneCreated, domain.MilestoneDisputed, domain.MilestonePaid,
			domain.MilestoneRejected, domain.MilestoneCancelled:
			return apperr.InvalidState("milestone %s does not accept evidence in status %s", m.ID, m.Status).
				WithDetail("status", m.Status)
		default:
			return e.integrity("milestone %s has unknown status %q", m.ID, m.Status)
		}
		if !thirdParty && !m.Requires(evType) {
			return apperr.BadRequest("evidence type %s is not required for milestone %s", evType, m.ID).
				WithDetail("required_evidence", m.RequiredEvidence)
		}
		ev := domain.Evidence{
			ID:            e.newID(),
			MilestoneID:   m.ID,
			EscrowID:      m.EscrowID,
			EvidenceType:  evType,
			URL:           url,
			Source:        opts.Source,
			Origin:        opts.Origin,
			ProviderName:  strings.TrimSpace(opts.ProviderName),
			SubmittedBy:   opts.Actor.ID,
			SubmitterRole: opts.Actor.Role,
			CreatedAt:     e.stamp(),
		}
		if err := e.Repo.InsertEvidence(ctx, u.Tx, ev); err != nil {
			return err
		}
		if _, err := e.append(ctx, u, detail.Escrow, opts.Actor, ledger.EvidencePayload{
			MilestoneID:   m.ID,
			MilestoneName: m.Name,
			EvidenceID:    ev.ID,
			EvidenceType:  ev.EvidenceType,
			Source:        ev.Source,
			Origin:        ev.Origin,
			URL:           ev.URL,
			ProviderName:  ev.ProviderName,
		}); err != nil {
			return err
		}
		out = ev
		return nil
	})
	return out, err
}

type SubmitOptions struct {
	MilestoneID string
	Actor       domain.Actor
}

// Submit flips a PENDING milestone with evidence on file to
// EVIDENCE_SUBMITTED. Repeating it afterwards is a no-op. The first
// submission on a FUNDED escrow moves the escrow to ACTIVE.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (out domain.Milestone, err error) {
	ctx, span := e.span(ctx, "Submit", attribute.String("milestone.id", opts.MilestoneID))
	defer func() { finish(span, err) }()

	if err := auth.Check(opts.Actor, auth.ActionSubmit); err != nil {
		return domain.Milestone{}, err
	}
	err = e.onMilestone(ctx, opts.MilestoneID, func(ctx context.Context, u aggregate.Unit, detail domain.EscrowDetail, m domain.Milestone) error {
		out = m
		if m.Status == domain.MilestoneEvidenceSubmitted {
			return nil
		}
		if m.Status != domain.MilestonePending {
			return apperr.InvalidState("milestone %s cannot be submitted from %s", m.ID, m.Status).
				WithDetail("status", m.Status)
		}
		evidence, err := e.Repo.ListEvidence(ctx, u.Tx, m.ID)
		if err != nil {
			return err
		}
		if len(evidence) == 0 {
			return apperr.InvalidState("milestone %s has no evidence on file", m.ID)
		}
		escrow := detail.Escrow
		if escrow.State == domain.EscrowFunded {
			escrow.State = domain.EscrowActive
			escrow.UpdatedAt = e.stamp()
			if err := e.Repo.UpdateEscrow(ctx, u.Tx, escrow); err != nil {
				return err
			}
		}
		m.Status = domain.MilestoneEvidenceSubmitted
		if err := e.saveMilestone(ctx, u, &detail, m); err != nil {
			return err
		}
		if _, err := e.append(ctx, u, escrow, opts.Actor, ledger.EvidenceSubmittedPayload{
			MilestoneID:   m.ID,
			MilestoneName: m.Name,
			EvidenceCount: len(evidence),
			EscrowState:   escrow.State,
		}); err != nil {
			return err
		}
		out, _ = detail.Milestone(m.ID)
		return nil
	})
	return out, err
}

type ApproveOptions struct {
	MilestoneID     string
	Signature       string
	ExpectedVersion *int
	Actor           domain.Actor
}

// ApproveResult is the milestone after approval and the instruction issued
// for it. Replayed approvals return the existing instruction.
type ApproveResult struct {
	Milestone   domain.Milestone           `json:"milestone"`
	Instruction *domain.PaymentInstruction `json:"instruction,omitempty"`
	Escrow      domain.Escrow              `json:"escrow"`
	Replayed    bool                       `json:"replayed"`
}

// Approve signs off a milestone and releases its payment in one unit of
// work: APPROVE, PAYMENT_INSTRUCTED and PAYMENT_RELEASED are chained in
// that order, followed by ESCROW_COMPLETED when nothing is left open.
func (e Engine) Approve(ctx context.Context, opts ApproveOptions) (out ApproveResult, err error) {
	ctx, span := e.span(ctx, "Approve", attribute.String("milestone.id", opts.MilestoneID))
	defer func() { finish(span, err) }()

	if err := auth.Check(opts.Actor, auth.ActionApprove); err != nil {
		return ApproveResult{}, err
	}
	err = e.onMilestone(ctx, opts.MilestoneID, func(ctx context.Context, u aggregate.Unit, detail domain.EscrowDetail, m domain.Milestone) error {
		escrow := detail.Escrow
		if m.Status == domain.MilestoneApproved || m.Status == domain.MilestonePaid {
			out = ApproveResult{Milestone: m, Escrow: escrow, Replayed: true}
			inst, err := e.Repo.InstructionForMilestone(ctx, u.Tx, m.ID)
			switch {
			case err == nil:
				out.Instruction = &inst
			case !errors.Is(err, apperr.ErrNotFound):
				return fmt.Errorf("load instruction: %w", err)
			}
			return nil
		}
		if err := checkVersion(escrow, opts.ExpectedVersion); err != nil {
			return err
		}
		if !escrow.State.Funded() {
			return apperr.InvalidState("escrow %s is %s, approval requires FUNDED or ACTIVE", escrow.ID, escrow.State).
				WithDetail("state", escrow.State)
		}
		if err := e.requireAgreement(escrow); err != nil {
			return err
		}
		if m.Status != domain.MilestonePending && m.Status != domain.MilestoneEvidenceSubmitted {
			return apperr.InvalidState("milestone %s cannot be approved from %s", m.ID, m.Status).
				WithDetail("status", m.Status)
		}
		evidence, err := e.Repo.ListEvidence(ctx, u.Tx, m.ID)
		if err != nil {
			return err
		}
		if missing := m.MissingEvidence(evidence); len(missing) > 0 {
			return apperr.InvalidState("milestone %s is missing evidence: %s", m.ID, strings.Join(missing, ", ")).
				WithDetail("missing_evidence", missing)
		}

		signedAt := e.stamp()
		sig := strings.TrimSpace(opts.Signature)
		if sig == "" {
			if sig, err = ledger.Sum(map[string]string{
				"milestone_id":   m.ID,
				"approver_id":    opts.Actor.ID,
				"agreement_hash": escrow.AgreementHash,
				"signed_at":      signedAt,
			}); err != nil {
				return err
			}
		}
		m.Approval = &domain.ApprovalSignature{ApproverID: opts.Actor.ID, Signature: sig, SignedAt: signedAt}
		m.Status = domain.MilestonePaid
		if err := e.saveMilestone(ctx, u, &detail, m); err != nil {
			return err
		}
		if _, err := e.append(ctx, u, escrow, opts.Actor, ledger.ApprovePayload{
			MilestoneID:   m.ID,
			MilestoneName: m.Name,
			Amount:        m.Amount,
			Evidence:      evidenceTypes(evidence),
			Signature:     *m.Approval,
		}); err != nil {
			return err
		}
		inst, _, err := e.Payments.Instruct(ctx, u, escrow, m)
		if err != nil {
			return err
		}
		if _, err := e.append(ctx, u, escrow, domain.SystemActor, ledger.PaymentReleasedPayload{
			InstructionID: inst.ID,
			MilestoneID:   m.ID,
			MilestoneName: m.Name,
			PayeeID:       inst.PayeeID,
			Amount:        inst.Amount,
			Currency:      inst.Currency,
		}); err != nil {
			return err
		}
		if escrow, err = e.completeIfDone(ctx, u, detail); err != nil {
			return err
		}
		paid, _ := detail.Milestone(m.ID)
		out = ApproveResult{Milestone: paid, Instruction: &inst, Escrow: escrow}
		return nil
	})
	return out, err
}

func evidenceTypes(evidence []domain.Evidence) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, ev := range evidence {
		t := domain.NormalizeEvidenceType(ev.EvidenceType)
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

type RejectOptions struct {
	MilestoneID string
	Reason      string
	Actor       domain.Actor
}

// Reject closes a submitted milestone without payment.
func (e Engine) Reject(ctx context.Context, opts RejectOptions) (out domain.Milestone, err error) {
	ctx, span := e.span(ctx, "Reject", attribute.String("milestone.id", opts.MilestoneID))
	defer func() { finish(span, err) }()

	if err := auth.Check(opts.Actor, auth.ActionReject); err != nil {
		return domain.Milestone{}, err
	}
	err = e.onMilestone(ctx, opts.MilestoneID, func(ctx context.Context, u aggregate.Unit, detail domain.EscrowDetail, m domain.Milestone) error {
		if m.Status != domain.MilestoneEvidenceSubmitted {
			return apperr.InvalidState("milestone %s cannot be rejected from %s", m.ID, m.Status).
				WithDetail("status", m.Status)
		}
		m.Status = domain.MilestoneRejected
		if err := e.saveMilestone(ctx, u, &detail, m); err != nil {
			return err
		}
		if _, err := e.append(ctx, u, detail.Escrow, opts.Actor, ledger.RejectPayload{
			MilestoneID:   m.ID,
			MilestoneName: m.Name,
			Reason:        strings.TrimSpace(opts.Reason),
		}); err != nil {
			return err
		}
		if _, err := e.completeIfDone(ctx, u, detail); err != nil {
			return err
		}
		out, _ = detail.Milestone(m.ID)
		return nil
	})
	return out, err
}

type RaiseDisputeOptions struct {
	MilestoneID string
	Reason      string
	Actor       domain.Actor
}

// RaiseDispute blocks a milestone from approval and further evidence until
// it is resolved. Contractors may never dispute.
func (e Engine) RaiseDispute(ctx context.Context, opts RaiseDisputeOptions) (out domain.Milestone, err error) {
	ctx, span := e.span(ctx, "RaiseDispute", attribute.String("milestone.id", opts.MilestoneID))
	defer func() { finish(span, err) }()

	if err := auth.Check(opts.Actor, auth.ActionRaiseDispute); err != nil {
		return domain.Milestone{}, err
	}
	err = e.onMilestone(ctx, opts.MilestoneID, func(ctx context.Context, u aggregate.Unit, detail domain.EscrowDetail, m domain.Milestone) error {
		if m.Status != domain.MilestonePending && m.Status != domain.MilestoneEvidenceSubmitted {
			return apperr.InvalidState("milestone %s cannot be disputed from %s", m.ID, m.Status).
				WithDetail("status", m.Status)
		}
		previous := m.Status
		m.Status = domain.MilestoneDisputed
		m.DisputeReason = strings.TrimSpace(opts.Reason)
		if err := e.saveMilestone(ctx, u, &detail, m); err != nil {
			return err
		}
		if _, err := e.append(ctx, u, detail.Escrow, opts.Actor, ledger.DisputeRaisedPayload{
			MilestoneID:    m.ID,
			MilestoneName:  m.Name,
			Reason:         m.DisputeReason,
			PreviousStatus: previous,
		}); err != nil {
			return err
		}
		out, _ = detail.Milestone(m.ID)
		return nil
	})
	return out, err
}

type ResolveDisputeOptions struct {
	MilestoneID string
	Resolution  domain.Resolution
	Notes       string
	Actor       domain.Actor
}

// ResolveDispute either resumes a disputed milestone, landing on
// EVIDENCE_SUBMITTED when evidence exists and PENDING otherwise, or cancels
// it for good.
func (e Engine) ResolveDispute(ctx context.Context, opts ResolveDisputeOptions) (out domain.Milestone, err error) {
	ctx, span := e.span(ctx, "ResolveDispute",
		attribute.String("milestone.id", opts.MilestoneID), attribute.String("resolution", string(opts.Resolution)))
	defer func() { finish(span, err) }()

	if err := auth.Check(opts.Actor, auth.ActionResolveDispute); err != nil {
		return domain.Milestone{}, err
	}
	if opts.Resolution != domain.ResolutionResume && opts.Resolution != domain.ResolutionCancel {
		return domain.Milestone{}, apperr.BadRequest("resolution must be RESUME or CANCEL")
	}
	err = e.onMilestone(ctx, opts.MilestoneID, func(ctx context.Context, u aggregate.Unit, detail domain.EscrowDetail, m domain.Milestone) error {
		if m.Status != domain.MilestoneDisputed {
			return apperr.InvalidState("milestone %s is not disputed", m.ID).WithDetail("status", m.Status)
		}
		switch opts.Resolution {
		case domain.ResolutionResume:
			evidence, err := e.Repo.ListEvidence(ctx, u.Tx, m.ID)
			if err != nil {
				return err
			}
			m.Status = domain.MilestonePending
			if len(evidence) > 0 {
				m.Status = domain.MilestoneEvidenceSubmitted
			}
			m.DisputeReason = ""
		case domain.ResolutionCancel:
			m.Status = domain.MilestoneCancelled
		}
		if err := e.saveMilestone(ctx, u, &detail, m); err != nil {
			return err
		}
		if _, err := e.append(ctx, u, detail.Escrow, opts.Actor, ledger.DisputeResolvedPayload{
			MilestoneID:   m.ID,
			MilestoneName: m.Name,
			Resolution:    opts.Resolution,
			Status:        m.Status,
			Notes:         strings.TrimSpace(opts.Notes),
		}); err != nil {
			return err
		}
		if m.Status.Terminal() {
			if _, err := e.completeIfDone(ctx, u, detail); err != nil {
				return err
			}
		}
		out, _ = detail.Milestone(m.ID)
		return nil
	})
	return out, err
}

// completeIfDone moves a funded escrow to COMPLETED once every milestone is
// terminal and chains ESCROW_COMPLETED on behalf of the system.
func (e Engine) completeIfDone(ctx context.Context, u aggregate.Unit, detail domain.EscrowDetail) (domain.Escrow, error) {
	escrow := detail.Escrow
	if !escrow.State.Funded() || len(detail.Milestones) == 0 {
		return escrow, nil
	}
	var paid, rejected, cancelled int
	for _, m := range detail.Milestones {
		switch m.Status {
		case domain.MilestonePaid:
			paid++
		case domain.MilestoneRejected:
			rejected++
		case domain.MilestoneCancelled:
			cancelled++
		case domain.MilestoneCreated, domain.MilestonePending, domain.MilestoneEvidenceSubmitted,
			domain.MilestoneDisputed, domain.MilestoneApproved:
			return escrow, nil
		}
	}
	escrow.State = domain.EscrowCompleted
	escrow.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateEscrow(ctx, u.Tx, escrow); err != nil {
		return escrow, err
	}
	_, err := e.append(ctx, u, escrow, domain.SystemActor, ledger.EscrowCompletedPayload{
		TotalAmount: escrow.TotalAmount,
		Paid:        paid,
		Rejected:    rejected,
		Cancelled:   cancelled,
	})
	return escrow, err
}

// ListEvidence returns the evidence on file for a milestone.
func (e Engine) ListEvidence(ctx context.Context, milestoneID string) ([]domain.Evidence, error) {
	if _, err := e.Repo.GetMilestone(ctx, nil, milestoneID); err != nil {
		return nil, err
	}
	return e.Repo.ListEvidence(ctx, nil, milestoneID)
}

// GetMilestone returns a single milestone.
func (e Engine) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	return e.Repo.GetMilestone(ctx, nil, id)
}
