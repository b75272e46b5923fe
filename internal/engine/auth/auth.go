package auth

import (
	"fmt"
	"strings"

	"veridraw/internal/apperr"
	"veridraw/internal/domain"
)

// Action names an engine operation subject to a role check.
type Action string

const (
	ActionCreateEscrow      Action = "escrow.create"
	ActionApplyTemplate     Action = "escrow.apply_template"
	ActionConfirmFunds      Action = "escrow.confirm_funds"
	ActionChangeBudget      Action = "escrow.change_budget"
	ActionDisputeEscrow     Action = "escrow.dispute"
	ActionUploadEvidence    Action = "milestone.upload_evidence"
	ActionAttestEvidence    Action = "milestone.attest_evidence"
	ActionSubmit            Action = "milestone.submit"
	ActionApprove           Action = "milestone.approve"
	ActionReject            Action = "milestone.reject"
	ActionRaiseDispute      Action = "milestone.raise_dispute"
	ActionResolveDispute    Action = "milestone.resolve_dispute"
	ActionAdvancePayment    Action = "payment.advance"
	ActionReadNotifications Action = "notifications.read"
)

var nonContractor = []domain.Role{domain.RoleAgent, domain.RoleInspector, domain.RoleCustodian, domain.RoleAdmin}

var capabilities = map[Action][]domain.Role{
	ActionCreateEscrow:      {domain.RoleAgent},
	ActionApplyTemplate:     {domain.RoleAgent},
	ActionConfirmFunds:      {domain.RoleCustodian},
	ActionChangeBudget:      {domain.RoleAgent, domain.RoleAdmin},
	ActionDisputeEscrow:     nonContractor,
	ActionUploadEvidence:    {domain.RoleContractor},
	ActionAttestEvidence:    nonContractor,
	ActionSubmit:            {domain.RoleContractor},
	ActionApprove:           {domain.RoleInspector},
	ActionReject:            {domain.RoleInspector},
	ActionRaiseDispute:      nonContractor,
	ActionResolveDispute:    {domain.RoleAgent, domain.RoleInspector, domain.RoleCustodian},
	ActionAdvancePayment:    {domain.RoleCustodian},
	ActionReadNotifications: {domain.RoleAgent, domain.RoleContractor, domain.RoleInspector, domain.RoleCustodian, domain.RoleAdmin},
}

// ForbiddenError indicates the caller's role may not perform an action.
type ForbiddenError struct {
	Action Action
	Role   domain.Role
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s may not perform %s", e.Role, e.Action)
}

func (e ForbiddenError) Is(target error) bool { return target == apperr.ErrForbidden }

// Allowed returns the roles permitted to perform action.
func Allowed(action Action) []domain.Role {
	return capabilities[action]
}

// Check returns ForbiddenError unless actor's role may perform action.
func Check(actor domain.Actor, action Action) error {
	if strings.TrimSpace(actor.ID) == "" {
		return apperr.BadRequest("actor id required")
	}
	for _, r := range capabilities[action] {
		if r == actor.Role {
			return nil
		}
	}
	return ForbiddenError{Action: action, Role: actor.Role}
}
