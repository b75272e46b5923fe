package engine

import (
	"veridraw/internal/domain"
	"veridraw/internal/ledger"
)

type termsMilestone struct {
	Position         int      `json:"position"`
	Name             string   `json:"name"`
	Amount           string   `json:"amount"`
	RequiredEvidence []string `json:"required_evidence"`
}

type terms struct {
	BuyerID     string           `json:"buyer_id"`
	ProviderID  string           `json:"provider_id"`
	TotalAmount string           `json:"total_amount"`
	Currency    string           `json:"currency"`
	Milestones  []termsMilestone `json:"milestones"`
}

// AgreementHash digests the canonical terms of an escrow: parties, total,
// currency and the ordered milestone schedule.
func AgreementHash(escrow domain.Escrow, milestones []domain.Milestone) (string, error) {
	t := terms{
		BuyerID:     escrow.BuyerID,
		ProviderID:  escrow.ProviderID,
		TotalAmount: escrow.TotalAmount.StringFixed(2),
		Currency:    escrow.Currency,
		Milestones:  make([]termsMilestone, 0, len(milestones)),
	}
	for _, m := range milestones {
		req := m.RequiredEvidence
		if req == nil {
			req = []string{}
		}
		t.Milestones = append(t.Milestones, termsMilestone{
			Position:         m.Position,
			Name:             m.Name,
			Amount:           m.Amount.StringFixed(2),
			RequiredEvidence: req,
		})
	}
	return ledger.Sum(t)
}
