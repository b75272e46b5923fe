package auth

import (
	"errors"
	"testing"

	"veridraw/internal/apperr"
	"veridraw/internal/domain"
)

func TestCheckCapabilities(t *testing.T) {
	cases := []struct {
		role   domain.Role
		action Action
		ok     bool
	}{
		{domain.RoleAgent, ActionCreateEscrow, true},
		{domain.RoleContractor, ActionCreateEscrow, false},
		{domain.RoleCustodian, ActionConfirmFunds, true},
		{domain.RoleAgent, ActionConfirmFunds, false},
		{domain.RoleAdmin, ActionChangeBudget, true},
		{domain.RoleInspector, ActionApprove, true},
		{domain.RoleAgent, ActionApprove, false},
		{domain.RoleContractor, ActionRaiseDispute, false},
		{domain.RoleInspector, ActionRaiseDispute, true},
		{domain.RoleContractor, ActionAttestEvidence, false},
		{domain.RoleCustodian, ActionResolveDispute, true},
		{domain.RoleAdmin, ActionResolveDispute, false},
		{domain.RoleCustodian, ActionAdvancePayment, true},
		{domain.RoleSystem, ActionAdvancePayment, false},
	}
	for _, tc := range cases {
		err := Check(domain.Actor{ID: "u1", Role: tc.role}, tc.action)
		if tc.ok && err != nil {
			t.Fatalf("%s %s: unexpected error %v", tc.role, tc.action, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("%s %s: expected forbidden", tc.role, tc.action)
			}
			if !errors.Is(err, apperr.ErrForbidden) {
				t.Fatalf("%s %s: expected forbidden kind, got %v", tc.role, tc.action, err)
			}
			if apperr.KindOf(err) != apperr.KindForbidden {
				t.Fatalf("KindOf = %s", apperr.KindOf(err))
			}
		}
	}
}

func TestCheckRequiresActorID(t *testing.T) {
	err := Check(domain.Actor{Role: domain.RoleAgent}, ActionCreateEscrow)
	if apperr.KindOf(err) != apperr.KindBadRequest {
		t.Fatalf("expected bad request, got %v", err)
	}
}
