// Package notify turns chained ledger entries into role-addressed
// notifications, stores them in an outbox inside the originating
// transaction, and delivers them to sinks in the background.
package notify

import (
	"context"
	"database/sql"
	"fmt"

	"veridraw/internal/domain"
	"veridraw/internal/ledger"
	"veridraw/internal/repo"
)

type rule struct {
	recipients []domain.Role
	severity   domain.Severity
	message    func(escrowID, milestone string) string
}

var (
	everyoneButContractor = []domain.Role{domain.RoleAgent, domain.RoleInspector, domain.RoleCustodian}
	payees                = []domain.Role{domain.RoleAgent, domain.RoleContractor}
)

var routes = map[domain.EventKind]rule{
	domain.EventCreate: {[]domain.Role{domain.RoleCustodian, domain.RoleAgent}, domain.SeverityActionRequired,
		func(e, _ string) string { return fmt.Sprintf("Escrow %s created and awaiting funding", e) }},
	domain.EventChangeOrderAdded: {[]domain.Role{domain.RoleAgent}, domain.SeverityActionRequired,
		func(e, m string) string {
			return fmt.Sprintf("Change order %q added to escrow %s; funding gap open", m, e)
		}},
	domain.EventConfirmFunds: {[]domain.Role{domain.RoleAgent}, domain.SeverityInfo,
		func(e, _ string) string { return fmt.Sprintf("Funds confirmed for escrow %s", e) }},
	domain.EventUploadEvidence: {[]domain.Role{domain.RoleInspector}, domain.SeverityActionRequired,
		func(e, m string) string { return fmt.Sprintf("New evidence for %q on escrow %s", m, e) }},
	domain.EventEvidenceSubmitted: {[]domain.Role{domain.RoleInspector}, domain.SeverityActionRequired,
		func(e, m string) string {
			return fmt.Sprintf("Milestone %q submitted for inspection on escrow %s", m, e)
		}},
	domain.EventEvidenceAttested: {[]domain.Role{domain.RoleAgent}, domain.SeverityInfo,
		func(e, m string) string {
			return fmt.Sprintf("Third-party evidence attested for %q on escrow %s", m, e)
		}},
	domain.EventDispute: {everyoneButContractor, domain.SeverityWarning,
		func(e, _ string) string { return fmt.Sprintf("Escrow %s is under dispute", e) }},
	domain.EventDisputeRaised: {everyoneButContractor, domain.SeverityWarning,
		func(e, m string) string { return fmt.Sprintf("Dispute raised on %q in escrow %s", m, e) }},
	domain.EventMilestoneCancelled: {[]domain.Role{domain.RoleAgent, domain.RoleCustodian}, domain.SeverityWarning,
		func(e, m string) string { return fmt.Sprintf("Milestone %q cancelled on escrow %s", m, e) }},
	domain.EventPaymentReleased: {payees, domain.SeverityInfo,
		func(e, m string) string { return fmt.Sprintf("Payment released for %q on escrow %s", m, e) }},
	domain.EventPaymentInstructed: {payees, domain.SeverityInfo,
		func(e, m string) string { return fmt.Sprintf("Payment instructed for %q on escrow %s", m, e) }},
	domain.EventPaymentSettled: {payees, domain.SeverityInfo,
		func(e, m string) string { return fmt.Sprintf("Payment settled for milestone %s on escrow %s", m, e) }},
	domain.EventPaymentSent: {[]domain.Role{domain.RoleAgent}, domain.SeverityInfo,
		func(e, m string) string { return fmt.Sprintf("Payment sent for milestone %s on escrow %s", m, e) }},
}

// Route maps a ledger entry to its notification. Entries whose kind has no
// route, and dispute resolutions that resume work, produce nothing.
func Route(entry domain.LedgerEntry) (domain.Notification, bool) {
	kind := entry.EventType
	var milestoneID, milestoneName string
	payload, err := ledger.DecodePayload(entry.EventType, entry.EventData)
	if err == nil {
		if scoped, ok := payload.(ledger.MilestoneScoped); ok {
			milestoneID, milestoneName = scoped.MilestoneRef()
		}
		if resolved, ok := payload.(*ledger.DisputeResolvedPayload); ok {
			if resolved.Resolution != domain.ResolutionCancel {
				return domain.Notification{}, false
			}
			kind = domain.EventMilestoneCancelled
		}
	}
	r, ok := routes[kind]
	if !ok {
		return domain.Notification{}, false
	}
	label := milestoneName
	if label == "" {
		label = milestoneID
	}
	recipients := make([]domain.Role, len(r.recipients))
	copy(recipients, r.recipients)
	return domain.Notification{
		Seq:         entry.Seq,
		Event:       kind,
		EscrowID:    entry.EntityID,
		MilestoneID: milestoneID,
		Recipients:  recipients,
		Severity:    r.severity,
		Message:     r.message(entry.EntityID, label),
		CreatedAt:   entry.Timestamp,
	}, true
}

// Recorder writes routed notifications to the outbox in the caller's
// transaction.
type Recorder struct {
	Repo repo.Repo
}

func (r Recorder) Record(ctx context.Context, tx *sql.Tx, entry domain.LedgerEntry) error {
	n, ok := Route(entry)
	if !ok {
		return nil
	}
	return r.Repo.InsertNotification(ctx, tx, n)
}
