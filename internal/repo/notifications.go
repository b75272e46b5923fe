package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"veridraw/internal/apperr"
	"veridraw/internal/domain"
)

const notificationColumns = `seq,event,escrow_id,milestone_id,recipients,severity,message,created_at`

func scanNotification(row rowScanner) (domain.Notification, error) {
	var n domain.Notification
	var event, recipients, severity string
	var milestone sql.NullString
	if err := row.Scan(&n.Seq, &event, &n.EscrowID, &milestone, &recipients, &severity, &n.Message, &n.CreatedAt); err != nil {
		return n, err
	}
	n.Event = domain.EventKind(event)
	n.Severity = domain.Severity(severity)
	n.MilestoneID = milestone.String
	if err := json.Unmarshal([]byte(recipients), &n.Recipients); err != nil {
		return n, fmt.Errorf("decode recipients: %w", err)
	}
	return n, nil
}

// InsertNotification writes an outbox row keyed by the ledger entry's sequence.
func (r Repo) InsertNotification(ctx context.Context, q Querier, n domain.Notification) error {
	recipients, err := json.Marshal(n.Recipients)
	if err != nil {
		return err
	}
	_, err = r.querier(q).ExecContext(ctx, r.sql(`INSERT INTO notifications(`+notificationColumns+`) VALUES (?,?,?,?,?,?,?,?)`),
		n.Seq, n.Event.String(), n.EscrowID, nullable(n.MilestoneID), string(recipients), n.Severity.String(), n.Message, n.CreatedAt)
	return err
}

// NotificationsAfter returns outbox rows after cursor, for dispatch.
func (r Repo) NotificationsAfter(ctx context.Context, q Querier, cursor int64, limit int) ([]domain.Notification, error) {
	rows, err := r.querier(q).QueryContext(ctx, r.sql(`SELECT `+notificationColumns+` FROM notifications WHERE seq > ? ORDER BY seq LIMIT ?`),
		cursor, normalizeLimit(limit, 100, 1000))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// LatestNotificationSeq returns the newest outbox sequence, 0 when empty.
func (r Repo) LatestNotificationSeq(ctx context.Context, q Querier) (int64, error) {
	var seq sql.NullInt64
	if err := r.querier(q).QueryRowContext(ctx, `SELECT MAX(seq) FROM notifications`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// NotificationCursor returns the last outbox sequence delivered to sink.
// ok is false when the sink has never stored one.
func (r Repo) NotificationCursor(ctx context.Context, q Querier, sink string) (seq int64, ok bool, err error) {
	err = r.querier(q).QueryRowContext(ctx, r.sql(`SELECT seq FROM notification_cursors WHERE sink=?`), sink).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

// SaveNotificationCursor records delivery progress for sink. Cursors never
// move backwards.
func (r Repo) SaveNotificationCursor(ctx context.Context, q Querier, sink string, seq int64, at string) error {
	if sink == "" {
		return apperr.BadRequest("sink name required")
	}
	_, err := r.querier(q).ExecContext(ctx, r.sql(`INSERT INTO notification_cursors(sink, seq, updated_at) VALUES (?,?,?)
ON CONFLICT (sink) DO UPDATE SET seq=excluded.seq, updated_at=excluded.updated_at
WHERE notification_cursors.seq < excluded.seq`), sink, seq, at)
	return err
}

type NotificationFilters struct {
	Role       domain.Role
	ActorID    string
	EscrowID   string
	UnreadOnly bool
	Limit      int
}

// ListNotifications returns an inbox view for one actor acting in one role.
// Recipient matching happens in Go because the recipients column is a JSON array.
func (r Repo) ListNotifications(ctx context.Context, q Querier, f NotificationFilters) ([]domain.Notification, error) {
	query := `SELECT n.seq,n.event,n.escrow_id,n.milestone_id,n.recipients,n.severity,n.message,n.created_at,
		CASE WHEN rd.seq IS NULL THEN 0 ELSE 1 END
		FROM notifications n LEFT JOIN notification_reads rd ON rd.seq = n.seq AND rd.actor_id = ?
		WHERE 1=1`
	args := []any{f.ActorID}
	if f.EscrowID != "" {
		query += ` AND n.escrow_id=?`
		args = append(args, f.EscrowID)
	}
	query += ` ORDER BY n.seq DESC`
	rows, err := r.querier(q).QueryContext(ctx, r.sql(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	limit := normalizeLimit(f.Limit, 50, 500)
	out := []domain.Notification{}
	for rows.Next() {
		var n domain.Notification
		var event, recipients, severity string
		var milestone sql.NullString
		var read int64
		if err := rows.Scan(&n.Seq, &event, &n.EscrowID, &milestone, &recipients, &severity, &n.Message, &n.CreatedAt, &read); err != nil {
			return nil, err
		}
		n.Event = domain.EventKind(event)
		n.Severity = domain.Severity(severity)
		n.MilestoneID = milestone.String
		n.Read = read != 0
		if err := json.Unmarshal([]byte(recipients), &n.Recipients); err != nil {
			return nil, fmt.Errorf("decode recipients: %w", err)
		}
		if f.Role != "" && !n.AddressedTo(f.Role) {
			continue
		}
		if f.UnreadOnly && n.Read {
			continue
		}
		if len(out) < limit {
			out = append(out, n)
		}
	}
	return out, rows.Err()
}

func (r Repo) GetNotification(ctx context.Context, q Querier, seq int64) (domain.Notification, error) {
	n, err := scanNotification(r.querier(q).QueryRowContext(ctx, r.sql(`SELECT `+notificationColumns+` FROM notifications WHERE seq=?`), seq))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Notification{}, apperr.NotFound("notification %d not found", seq)
	}
	return n, err
}

// MarkNotificationRead is idempotent per (seq, actor).
func (r Repo) MarkNotificationRead(ctx context.Context, q Querier, seq int64, actorID, at string) error {
	_, err := r.querier(q).ExecContext(ctx, r.sql(`INSERT INTO notification_reads(seq, actor_id, read_at) VALUES (?,?,?) ON CONFLICT (seq, actor_id) DO NOTHING`),
		seq, actorID, at)
	return err
}
