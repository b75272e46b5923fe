// Package payments issues and advances payment instructions. Creation is
// only reachable from a milestone payout inside the engine's unit of work;
// advancing is a custodian operation with a strict linear status machine.
package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"veridraw/internal/aggregate"
	"veridraw/internal/apperr"
	"veridraw/internal/config"
	"veridraw/internal/domain"
	"veridraw/internal/engine/auth"
	"veridraw/internal/ledger"
	"veridraw/internal/repo"
)

type Service struct {
	Repo   repo.Repo
	Runner *aggregate.Runner
	Config *config.Config
	Now    func() time.Time
	NewID  func() string
}

func New(r repo.Repo, runner *aggregate.Runner, cfg *config.Config) *Service {
	return &Service{Repo: r, Runner: runner, Config: cfg, Now: time.Now, NewID: uuid.NewString}
}

func (s *Service) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) method() string {
	if s.Config != nil && s.Config.Payments.Method != "" {
		return s.Config.Payments.Method
	}
	return "WIRE"
}

// Memo renders the configured memo template for a milestone payout.
func (s *Service) Memo(escrow domain.Escrow, m domain.Milestone) string {
	tmpl := "Escrow {escrow} / {milestone}"
	if s.Config != nil && s.Config.Payments.MemoTemplate != "" {
		tmpl = s.Config.Payments.MemoTemplate
	}
	return strings.NewReplacer("{escrow}", escrow.ID, "{milestone}", m.Name).Replace(tmpl)
}

// Instruct returns the instruction for m, creating it and appending
// PAYMENT_INSTRUCTED when none exists. created is false when an existing
// instruction was returned unchanged.
func (s *Service) Instruct(ctx context.Context, u aggregate.Unit, escrow domain.Escrow, m domain.Milestone) (inst domain.PaymentInstruction, created bool, err error) {
	existing, err := s.Repo.InstructionForMilestone(ctx, u.Tx, m.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return domain.PaymentInstruction{}, false, err
	}
	inst = domain.PaymentInstruction{
		ID:          s.newID(),
		EscrowID:    escrow.ID,
		MilestoneID: m.ID,
		PayeeID:     escrow.ProviderID,
		Amount:      m.Amount,
		Currency:    escrow.Currency,
		Method:      s.method(),
		Memo:        s.Memo(escrow, m),
		Status:      domain.PaymentInstructed,
		CreatedAt:   s.now(),
	}
	if err := s.Repo.InsertPaymentInstruction(ctx, u.Tx, inst); err != nil {
		return domain.PaymentInstruction{}, false, err
	}
	_, err = u.Chain.Append(ctx, ledger.Record{
		EntityID: escrow.ID,
		Actor:    domain.SystemActor,
		Payload: ledger.PaymentInstructedPayload{
			InstructionID: inst.ID,
			MilestoneID:   m.ID,
			MilestoneName: m.Name,
			PayeeID:       inst.PayeeID,
			Amount:        inst.Amount,
			Currency:      inst.Currency,
			Method:        inst.Method,
			Memo:          inst.Memo,
		},
		AgreementHash: escrow.AgreementHash,
		Version:       escrow.Version,
	})
	if err != nil {
		return domain.PaymentInstruction{}, false, err
	}
	return inst, true, nil
}

// AdvanceOptions moves an instruction one step along INSTRUCTED -> SENT -> SETTLED.
type AdvanceOptions struct {
	InstructionID string
	Target        domain.PaymentStatus
	Reference     string
	Actor         domain.Actor
}

// Advance applies a custodian status callback. Anything but the immediate
// successor of the current status is rejected with InvalidState.
func (s *Service) Advance(ctx context.Context, opts AdvanceOptions) (domain.PaymentInstruction, error) {
	if err := auth.Check(opts.Actor, auth.ActionAdvancePayment); err != nil {
		return domain.PaymentInstruction{}, err
	}
	if opts.Target == "" {
		return domain.PaymentInstruction{}, apperr.BadRequest("target status required")
	}
	head, err := s.Repo.GetPaymentInstruction(ctx, nil, opts.InstructionID)
	if err != nil {
		return domain.PaymentInstruction{}, err
	}
	var out domain.PaymentInstruction
	err = s.Runner.Do(ctx, head.EscrowID, func(ctx context.Context, u aggregate.Unit) error {
		inst, err := s.Repo.GetPaymentInstruction(ctx, u.Tx, opts.InstructionID)
		if err != nil {
			return err
		}
		next, ok := inst.Status.Next()
		if !ok || next != opts.Target {
			return apperr.InvalidState("instruction %s cannot move from %s to %s", inst.ID, inst.Status, opts.Target).
				WithDetail("status", inst.Status).
				WithDetail("target", opts.Target)
		}
		escrow, err := s.Repo.GetEscrow(ctx, u.Tx, inst.EscrowID)
		if err != nil {
			return err
		}
		from := inst.Status
		at := s.now()
		inst.Status = next
		switch next {
		case domain.PaymentSent:
			inst.SentAt = &at
		case domain.PaymentSettled:
			inst.SettledAt = &at
		case domain.PaymentInstructed:
		}
		if err := s.Repo.UpdatePaymentStatus(ctx, u.Tx, inst, from); err != nil {
			return err
		}
		if _, err := u.Chain.Append(ctx, ledger.Record{
			EntityID: inst.EscrowID,
			Actor:    opts.Actor,
			Payload: ledger.PaymentStatusPayload{
				InstructionID: inst.ID,
				MilestoneID:   inst.MilestoneID,
				From:          from,
				To:            next,
				Amount:        inst.Amount,
				Reference:     strings.TrimSpace(opts.Reference),
			},
			AgreementHash: escrow.AgreementHash,
			Version:       escrow.Version,
		}); err != nil {
			return err
		}
		out = inst
		return nil
	})
	if err != nil {
		return domain.PaymentInstruction{}, err
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.PaymentInstruction, error) {
	return s.Repo.GetPaymentInstruction(ctx, nil, id)
}

func (s *Service) List(ctx context.Context, f repo.PaymentFilters) ([]domain.PaymentInstruction, error) {
	return s.Repo.ListPaymentInstructions(ctx, nil, f)
}
