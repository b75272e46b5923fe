package engine

import (
	"context"
	"io"

	"veridraw/internal/apperr"
	"veridraw/internal/domain"
	"veridraw/internal/engine/auth"
	"veridraw/internal/ledger"
	"veridraw/internal/repo"
)

// LedgerEntries pages the chain in sequence order, optionally for one escrow.
func (e Engine) LedgerEntries(ctx context.Context, f repo.LedgerFilter) ([]domain.LedgerEntry, error) {
	return e.Ledger.List(ctx, nil, f)
}

// VerifyLedger recomputes the full chain. A mismatch comes back as an
// IntegrityFatal error naming the first bad sequence.
func (e Engine) VerifyLedger(ctx context.Context) (ledger.Report, error) {
	ctx, span := e.span(ctx, "VerifyLedger")
	rep, err := e.Ledger.VerifyAll(ctx, nil)
	finish(span, err)
	return rep, err
}

// ExportLedger writes the chain as a compressed JSONL archive.
func (e Engine) ExportLedger(ctx context.Context, w io.Writer) (int64, error) {
	return e.Ledger.Export(ctx, nil, w)
}

// VerifyArchive validates an exported archive line by line and then checks
// its chain. Archives must start at the genesis entry.
func VerifyArchive(r io.Reader) (ledger.Report, error) {
	entries, err := ledger.ReadArchive(r)
	if err != nil {
		return ledger.Report{}, apperr.Wrap(apperr.KindIntegrity, err, "archive rejected")
	}
	if err := ledger.VerifyFrom(ledger.GenesisHash, 0, entries); err != nil {
		return ledger.Report{}, err
	}
	rep := ledger.Report{Entries: int64(len(entries))}
	if n := len(entries); n > 0 {
		rep.TipSeq, rep.TipHash = entries[n-1].Seq, entries[n-1].CurrentHash
	}
	return rep, nil
}

type NotificationQuery struct {
	EscrowID   string
	UnreadOnly bool
	Limit      int
	Actor      domain.Actor
}

// Notifications lists the inbox of the calling actor for their role.
func (e Engine) Notifications(ctx context.Context, q NotificationQuery) ([]domain.Notification, error) {
	if err := auth.Check(q.Actor, auth.ActionReadNotifications); err != nil {
		return nil, err
	}
	return e.Repo.ListNotifications(ctx, nil, repo.NotificationFilters{
		Role:       q.Actor.Role,
		ActorID:    q.Actor.ID,
		EscrowID:   q.EscrowID,
		UnreadOnly: q.UnreadOnly,
		Limit:      q.Limit,
	})
}

// MarkNotificationRead records that actor has seen notification seq. Only
// recipients may mark a notification.
func (e Engine) MarkNotificationRead(ctx context.Context, seq int64, actor domain.Actor) (domain.Notification, error) {
	if err := auth.Check(actor, auth.ActionReadNotifications); err != nil {
		return domain.Notification{}, err
	}
	n, err := e.Repo.GetNotification(ctx, nil, seq)
	if err != nil {
		return domain.Notification{}, err
	}
	if !n.AddressedTo(actor.Role) {
		return domain.Notification{}, apperr.Forbidden("notification %d is not addressed to %s", seq, actor.Role)
	}
	if err := e.Repo.MarkNotificationRead(ctx, nil, seq, actor.ID, e.stamp()); err != nil {
		return domain.Notification{}, err
	}
	n.Read = true
	return n, nil
}
