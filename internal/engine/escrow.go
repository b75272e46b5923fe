package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"veridraw/internal/aggregate"
	"veridraw/internal/apperr"
	"veridraw/internal/domain"
	"veridraw/internal/engine/auth"
	"veridraw/internal/ledger"
	"veridraw/internal/repo"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// MilestoneInput describes one milestone supplied at creation.
type MilestoneInput struct {
	Name             string
	Amount           decimal.Decimal
	RequiredEvidence []string
}

type CreateOptions struct {
	ID          string
	BuyerID     string
	ProviderID  string
	TotalAmount decimal.Decimal
	Currency    string
	Milestones  []MilestoneInput
	Actor       domain.Actor
}

// Create opens a new escrow in CREATED with version 1 and its milestones
// parked in CREATED until funds are confirmed.
func (e Engine) Create(ctx context.Context, opts CreateOptions) (out domain.EscrowDetail, err error) {
	ctx, span := e.span(ctx, "Create")
	defer func() { finish(span, err) }()

	if err := auth.Check(opts.Actor, auth.ActionCreateEscrow); err != nil {
		return domain.EscrowDetail{}, err
	}
	opts.BuyerID = strings.TrimSpace(opts.BuyerID)
	opts.ProviderID = strings.TrimSpace(opts.ProviderID)
	if opts.BuyerID == "" || opts.ProviderID == "" {
		return domain.EscrowDetail{}, apperr.BadRequest("buyer_id and provider_id are required")
	}
	if err := checkAmount("total_amount", opts.TotalAmount); err != nil {
		return domain.EscrowDetail{}, err
	}
	currency := strings.ToUpper(strings.TrimSpace(opts.Currency))
	if currency == "" {
		currency = e.Config.Currency
	}
	if !currencyPattern.MatchString(currency) {
		return domain.EscrowDetail{}, apperr.BadRequest("currency %q must be a three letter code", currency)
	}
	sum := decimal.Zero
	for i, in := range opts.Milestones {
		if strings.TrimSpace(in.Name) == "" {
			return domain.EscrowDetail{}, apperr.BadRequest("milestone %d name is required", i+1)
		}
		if err := checkAmount(fmt.Sprintf("milestone %d amount", i+1), in.Amount); err != nil {
			return domain.EscrowDetail{}, err
		}
		sum = sum.Add(in.Amount)
	}
	if sum.GreaterThan(opts.TotalAmount) {
		return domain.EscrowDetail{}, apperr.BadRequest("milestone amounts %s exceed total %s", sum, opts.TotalAmount).
			WithDetail("milestone_sum", sum.StringFixed(2)).
			WithDetail("total_amount", opts.TotalAmount.StringFixed(2))
	}

	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = e.newID()
	}
	span.SetAttributes(attribute.String("escrow.id", id))
	now := e.stamp()
	escrow := domain.Escrow{
		ID:           id,
		BuyerID:      opts.BuyerID,
		ProviderID:   opts.ProviderID,
		TotalAmount:  opts.TotalAmount,
		FundedAmount: decimal.Zero,
		Currency:     currency,
		State:        domain.EscrowCreated,
		Version:      1,
		CreatedBy:    opts.Actor.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	milestones := make([]domain.Milestone, 0, len(opts.Milestones))
	for i, in := range opts.Milestones {
		milestones = append(milestones, domain.Milestone{
			ID:               e.newID(),
			EscrowID:         id,
			Position:         i + 1,
			Name:             strings.TrimSpace(in.Name),
			Amount:           in.Amount,
			RequiredEvidence: domain.NormalizeEvidenceTypes(in.RequiredEvidence),
			Status:           domain.MilestoneCreated,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	if escrow.AgreementHash, err = AgreementHash(escrow, milestones); err != nil {
		return domain.EscrowDetail{}, err
	}

	err = e.Runner.Do(ctx, id, func(ctx context.Context, u aggregate.Unit) error {
		switch _, err := e.Repo.GetEscrow(ctx, u.Tx, id); {
		case err == nil:
			return apperr.Conflict("escrow %s already exists", id)
		case !errors.Is(err, apperr.ErrNotFound):
			return err
		}
		if err := e.Repo.InsertEscrow(ctx, u.Tx, escrow); err != nil {
			return fmt.Errorf("insert escrow: %w", err)
		}
		for _, m := range milestones {
			if err := e.Repo.InsertMilestone(ctx, u.Tx, m); err != nil {
				return fmt.Errorf("insert milestone: %w", err)
			}
		}
		_, err := e.append(ctx, u, escrow, opts.Actor, ledger.CreatePayload{
			BuyerID:     escrow.BuyerID,
			ProviderID:  escrow.ProviderID,
			TotalAmount: escrow.TotalAmount,
			Currency:    escrow.Currency,
			Milestones:  milestoneTerms(milestones),
		})
		return err
	})
	if err != nil {
		return domain.EscrowDetail{}, err
	}
	return domain.EscrowDetail{Escrow: escrow, Milestones: milestones}, nil
}

func milestoneTerms(ms []domain.Milestone) []ledger.MilestoneTerms {
	out := make([]ledger.MilestoneTerms, 0, len(ms))
	for _, m := range ms {
		out = append(out, ledger.MilestoneTerms{
			ID:               m.ID,
			Name:             m.Name,
			Amount:           m.Amount,
			RequiredEvidence: m.RequiredEvidence,
		})
	}
	return out
}

type ConfirmFundsOptions struct {
	EscrowID        string
	Reference       string
	ExpectedVersion *int
	Actor           domain.Actor
}

// ConfirmFunds records the custodian's confirmation. From CREATED it is the
// one-time initial gate; from FUNDED or ACTIVE it closes a funding gap left
// by a change order. Both activate every parked milestone.
func (e Engine) ConfirmFunds(ctx context.Context, opts ConfirmFundsOptions) (out domain.EscrowDetail, err error) {
	ctx, span := e.span(ctx, "ConfirmFunds", attribute.String("escrow.id", opts.EscrowID))
	defer func() { finish(span, err) }()

	if err := auth.Check(opts.Actor, auth.ActionConfirmFunds); err != nil {
		return domain.EscrowDetail{}, err
	}
	err = e.Runner.Do(ctx, opts.EscrowID, func(ctx context.Context, u aggregate.Unit) error {
		detail, err := e.Repo.LoadAggregate(ctx, u.Tx, opts.EscrowID)
		if err != nil {
			return err
		}
		escrow := detail.Escrow
		if err := checkVersion(escrow, opts.ExpectedVersion); err != nil {
			return err
		}
		var mode string
		switch escrow.State {
		case domain.EscrowCreated:
			mode = ledger.FundingInitial
		case domain.EscrowFunded, domain.EscrowActive:
			if !escrow.FundingGap().IsPositive() {
				return apperr.Conflict("escrow %s is already fully funded", escrow.ID).
					WithDetail("funded_amount", escrow.FundedAmount.StringFixed(2))
			}
			mode = ledger.FundingDelta
		case domain.EscrowDisputed, domain.EscrowHalted, domain.EscrowCompleted:
			return apperr.InvalidState("cannot confirm funds for escrow in state %s", escrow.State).
				WithDetail("state", escrow.State)
		default:
			return e.integrity("escrow %s has unknown state %q", escrow.ID, escrow.State)
		}
		if err := e.requireAgreement(escrow); err != nil {
			return err
		}

		confirmed := escrow.FundingGap()
		now := e.stamp()
		escrow.FundedAmount = escrow.TotalAmount
		if escrow.State == domain.EscrowCreated {
			escrow.State = domain.EscrowFunded
		}
		escrow.UpdatedAt = now
		if err := e.Repo.UpdateEscrow(ctx, u.Tx, escrow); err != nil {
			return err
		}
		activated := []string{}
		for i, m := range detail.Milestones {
			if m.Status != domain.MilestoneCreated {
				continue
			}
			m.Status = domain.MilestonePending
			m.UpdatedAt = now
			if err := e.Repo.UpdateMilestone(ctx, u.Tx, m); err != nil {
				return err
			}
			detail.Milestones[i] = m
			activated = append(activated, m.ID)
		}
		detail.Escrow = escrow
		if _, err := e.append(ctx, u, escrow, opts.Actor, ledger.ConfirmFundsPayload{
			Mode:                mode,
			Confirmed:           confirmed,
			FundedAmount:        escrow.FundedAmount,
			TotalAmount:         escrow.TotalAmount,
			Reference:           strings.TrimSpace(opts.Reference),
			ActivatedMilestones: activated,
		}); err != nil {
			return err
		}
		out = detail
		return nil
	})
	return out, err
}

type ChangeBudgetOptions struct {
	EscrowID         string
	Delta            decimal.Decimal
	Name             string
	Reason           string
	RequiredEvidence []string
	ExpectedVersion  *int
	Actor            domain.Actor
}

// ChangeBudget appends a change-order milestone for delta and raises the
// total. Funded amount, state and version stay put, so a delta funding
// confirmation is needed before the new milestone becomes payable.
func (e Engine) ChangeBudget(ctx context.Context, opts ChangeBudgetOptions) (out domain.EscrowDetail, err error) {
	ctx, span := e.span(ctx, "ChangeBudget", attribute.String("escrow.id", opts.EscrowID))
	defer func() { finish(span, err) }()

	if err := auth.Check(opts.Actor, auth.ActionChangeBudget); err != nil {
		return domain.EscrowDetail{}, err
	}
	if err := checkAmount("delta", opts.Delta); err != nil {
		return domain.EscrowDetail{}, err
	}
	required := domain.NormalizeEvidenceTypes(opts.RequiredEvidence)
	if len(required) == 0 {
		required = domain.NormalizeEvidenceTypes(e.Config.ChangeOrders.DefaultEvidence)
	}
	err = e.Runner.Do(ctx, opts.EscrowID, func(ctx context.Context, u aggregate.Unit) error {
		detail, err := e.Repo.LoadAggregate(ctx, u.Tx, opts.EscrowID)
		if err != nil {
			return err
		}
		escrow := detail.Escrow
		if escrow.State == domain.EscrowCompleted {
			return apperr.InvalidState("escrow %s is completed", escrow.ID).WithDetail("state", escrow.State)
		}
		if err := checkVersion(escrow, opts.ExpectedVersion); err != nil {
			return err
		}
		if err := e.requireAgreement(escrow); err != nil {
			return err
		}
		position := 1
		for _, m := range detail.Milestones {
			if m.Position >= position {
				position = m.Position + 1
			}
		}
		name := strings.TrimSpace(opts.Name)
		if name == "" {
			name = fmt.Sprintf("Change Order #%d", position)
		}
		now := e.stamp()
		m := domain.Milestone{
			ID:               e.newID(),
			EscrowID:         escrow.ID,
			Position:         position,
			Name:             name,
			Amount:           opts.Delta,
			RequiredEvidence: required,
			Status:           domain.MilestoneCreated,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := e.Repo.InsertMilestone(ctx, u.Tx, m); err != nil {
			return fmt.Errorf("insert change order: %w", err)
		}
		previous := escrow.TotalAmount
		escrow.TotalAmount = escrow.TotalAmount.Add(opts.Delta)
		escrow.UpdatedAt = now
		detail.Milestones = append(detail.Milestones, m)
		if escrow.AgreementHash, err = AgreementHash(escrow, detail.Milestones); err != nil {
			return err
		}
		if err := e.Repo.UpdateEscrow(ctx, u.Tx, escrow); err != nil {
			return err
		}
		detail.Escrow = escrow
		if _, err := e.append(ctx, u, escrow, opts.Actor, ledger.ChangeOrderPayload{
			MilestoneID:      m.ID,
			MilestoneName:    m.Name,
			Delta:            opts.Delta,
			PreviousTotal:    previous,
			NewTotal:         escrow.TotalAmount,
			FundedAmount:     escrow.FundedAmount,
			RequiredEvidence: required,
			Reason:           strings.TrimSpace(opts.Reason),
		}); err != nil {
			return err
		}
		out = detail
		return nil
	})
	return out, err
}

type DisputeEscrowOptions struct {
	EscrowID string
	Reason   string
	Actor    domain.Actor
}

// DisputeEscrow freezes the whole escrow. Disputing an escrow that is
// already DISPUTED returns it unchanged.
func (e Engine) DisputeEscrow(ctx context.Context, opts DisputeEscrowOptions) (out domain.EscrowDetail, err error) {
	ctx, span := e.span(ctx, "DisputeEscrow", attribute.String("escrow.id", opts.EscrowID))
	defer func() { finish(span, err) }()

	if err := auth.Check(opts.Actor, auth.ActionDisputeEscrow); err != nil {
		return domain.EscrowDetail{}, err
	}
	err = e.Runner.Do(ctx, opts.EscrowID, func(ctx context.Context, u aggregate.Unit) error {
		detail, err := e.Repo.LoadAggregate(ctx, u.Tx, opts.EscrowID)
		if err != nil {
			return err
		}
		out = detail
		if detail.Escrow.State == domain.EscrowDisputed {
			return nil
		}
		escrow := detail.Escrow
		previous := escrow.State
		escrow.State = domain.EscrowDisputed
		escrow.Disputed = true
		escrow.UpdatedAt = e.stamp()
		if err := e.Repo.UpdateEscrow(ctx, u.Tx, escrow); err != nil {
			return err
		}
		if _, err := e.append(ctx, u, escrow, opts.Actor, ledger.DisputePayload{
			Reason:        strings.TrimSpace(opts.Reason),
			PreviousState: previous,
		}); err != nil {
			return err
		}
		out.Escrow = escrow
		return nil
	})
	return out, err
}

type ApplyTemplateOptions struct {
	EscrowID        string
	Template        string
	ExpectedVersion *int
	Actor           domain.Actor
}

// ApplyTemplate expands a configured percentage breakdown into milestones
// of an empty CREATED escrow. Amounts are truncated to cents and the last
// milestone takes the remainder so the schedule sums to the total.
func (e Engine) ApplyTemplate(ctx context.Context, opts ApplyTemplateOptions) (out domain.EscrowDetail, err error) {
	ctx, span := e.span(ctx, "ApplyTemplate",
		attribute.String("escrow.id", opts.EscrowID), attribute.String("template", opts.Template))
	defer func() { finish(span, err) }()

	if err := auth.Check(opts.Actor, auth.ActionApplyTemplate); err != nil {
		return domain.EscrowDetail{}, err
	}
	tmpl, ok := e.Config.Templates[opts.Template]
	if !ok {
		return domain.EscrowDetail{}, apperr.NotFound("template %q not found", opts.Template).
			WithDetail("templates", e.Config.TemplateNames())
	}
	err = e.Runner.Do(ctx, opts.EscrowID, func(ctx context.Context, u aggregate.Unit) error {
		detail, err := e.Repo.LoadAggregate(ctx, u.Tx, opts.EscrowID)
		if err != nil {
			return err
		}
		escrow := detail.Escrow
		if err := checkVersion(escrow, opts.ExpectedVersion); err != nil {
			return err
		}
		if escrow.State != domain.EscrowCreated {
			return apperr.InvalidState("templates apply only to CREATED escrows, escrow %s is %s", escrow.ID, escrow.State).
				WithDetail("state", escrow.State)
		}
		if len(detail.Milestones) > 0 {
			return apperr.InvalidState("escrow %s already has %d milestones", escrow.ID, len(detail.Milestones))
		}
		amounts := SplitByPercent(escrow.TotalAmount, tmpl)
		now := e.stamp()
		for i, step := range tmpl.Milestones {
			m := domain.Milestone{
				ID:               e.newID(),
				EscrowID:         escrow.ID,
				Position:         i + 1,
				Name:             step.Title,
				Amount:           amounts[i],
				RequiredEvidence: domain.NormalizeEvidenceTypes(step.RequiredEvidence),
				Status:           domain.MilestoneCreated,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := e.Repo.InsertMilestone(ctx, u.Tx, m); err != nil {
				return fmt.Errorf("insert template milestone: %w", err)
			}
			detail.Milestones = append(detail.Milestones, m)
		}
		if _, err := e.append(ctx, u, escrow, opts.Actor, ledger.TemplateAppliedPayload{
			Template:   opts.Template,
			Title:      tmpl.Title,
			Milestones: milestoneTerms(detail.Milestones),
		}); err != nil {
			return err
		}
		out = detail
		return nil
	})
	return out, err
}

// GetEscrow returns the escrow aggregate.
func (e Engine) GetEscrow(ctx context.Context, id string) (domain.EscrowDetail, error) {
	return e.Repo.LoadAggregate(ctx, nil, id)
}

func (e Engine) ListEscrows(ctx context.Context, f repo.EscrowFilters) ([]domain.Escrow, error) {
	if f.State != "" {
		st, err := domain.ParseEscrowState(f.State)
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		f.State = st.String()
	}
	return e.Repo.ListEscrows(ctx, nil, f)
}
