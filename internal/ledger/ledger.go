package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"veridraw/internal/apperr"
	"veridraw/internal/domain"
	"veridraw/internal/repo"
)

const verifyPageSize = 500

// Store persists chained entries. Implementations must be usable inside the
// caller's transaction.
type Store interface {
	LedgerTip(ctx context.Context, q repo.Querier) (domain.LedgerEntry, error)
	InsertLedgerEntry(ctx context.Context, q repo.Querier, e domain.LedgerEntry) error
	LedgerEntries(ctx context.Context, q repo.Querier, f repo.LedgerFilter) ([]domain.LedgerEntry, error)
}

// Ledger is the global attestation chain. The tip is only read and extended
// while mu is held by a Session.
type Ledger struct {
	store  Store
	Now    func() time.Time
	Logger *log.Logger
	mu     sync.Mutex
}

func New(store Store) *Ledger {
	return &Ledger{store: store, Now: time.Now, Logger: log.Default()}
}

// Record is one event to chain.
type Record struct {
	EntityID      string
	Actor         domain.Actor
	Payload       Payload
	AgreementHash string
	Version       int
}

// Session serialises appends for one unit of work. The global lock is taken
// on the first Append and held until Release, which callers invoke after
// their transaction commits or rolls back.
type Session struct {
	l       *Ledger
	q       repo.Querier
	locked  bool
	loaded  bool
	tip     *domain.LedgerEntry
	entries []domain.LedgerEntry
}

// Session opens an append session bound to q.
func (l *Ledger) Session(q repo.Querier) *Session {
	return &Session{l: l, q: q}
}

// Append chains rec onto the current tip and persists it through the session's querier.
func (s *Session) Append(ctx context.Context, rec Record) (domain.LedgerEntry, error) {
	if rec.Payload == nil {
		return domain.LedgerEntry{}, apperr.BadRequest("ledger payload required")
	}
	if rec.EntityID == "" || rec.Actor.ID == "" || rec.Actor.Role == "" {
		return domain.LedgerEntry{}, apperr.BadRequest("ledger entity and actor required")
	}
	if !s.locked {
		s.l.mu.Lock()
		s.locked = true
	}
	if !s.loaded {
		tip, err := s.l.store.LedgerTip(ctx, s.q)
		switch {
		case err == nil:
			s.tip = &tip
		case errors.Is(err, apperr.ErrNotFound):
		default:
			return domain.LedgerEntry{}, fmt.Errorf("read ledger tip: %w", err)
		}
		s.loaded = true
	}
	prev, seq := GenesisHash, int64(1)
	if s.tip != nil {
		prev, seq = s.tip.CurrentHash, s.tip.Seq+1
	}
	data, err := Canonical(rec.Payload)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	now := time.Now
	if s.l.Now != nil {
		now = s.l.Now
	}
	entry := domain.LedgerEntry{
		Seq:          seq,
		EntityID:     rec.EntityID,
		EventType:    rec.Payload.Kind(),
		ActorID:      rec.Actor.ID,
		ActorRole:    rec.Actor.Role,
		PreviousHash: prev,
		EventData:    data,
		Timestamp:    now().UTC().Format(time.RFC3339Nano),
	}
	if rec.AgreementHash != "" {
		h, v := rec.AgreementHash, rec.Version
		entry.AgreementHash = &h
		entry.AgreementVersion = &v
	}
	if entry.CurrentHash, err = HashEntry(entry); err != nil {
		return domain.LedgerEntry{}, err
	}
	if err := s.l.store.InsertLedgerEntry(ctx, s.q, entry); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("append %s: %w", entry.EventType, err)
	}
	s.tip = &entry
	s.entries = append(s.entries, entry)
	return entry, nil
}

// Entries returns what this session appended, in order.
func (s *Session) Entries() []domain.LedgerEntry {
	return s.entries
}

// Release drops the global append lock. Safe to call more than once.
func (s *Session) Release() {
	if s.locked {
		s.locked = false
		s.l.mu.Unlock()
	}
}

// List pages through entries in chain order.
func (l *Ledger) List(ctx context.Context, q repo.Querier, f repo.LedgerFilter) ([]domain.LedgerEntry, error) {
	return l.store.LedgerEntries(ctx, q, f)
}

// Report summarises a full-chain verification.
type Report struct {
	Entries int64  `json:"entries"`
	TipSeq  int64  `json:"tip_seq"`
	TipHash string `json:"tip_hash"`
}

// VerifyAll walks the whole chain in pages. A mismatch is returned as a
// *ChainError and logged for operator attention.
func (l *Ledger) VerifyAll(ctx context.Context, q repo.Querier) (Report, error) {
	var rep Report
	prev := GenesisHash
	var after int64
	for {
		page, err := l.store.LedgerEntries(ctx, q, repo.LedgerFilter{AfterSeq: after, Limit: verifyPageSize})
		if err != nil {
			return rep, err
		}
		if len(page) == 0 {
			break
		}
		if err := VerifyFrom(prev, after, page); err != nil {
			l.logger().Printf("INTEGRITY: %v", err)
			return rep, err
		}
		last := page[len(page)-1]
		prev, after = last.CurrentHash, last.Seq
		rep.Entries += int64(len(page))
		rep.TipSeq, rep.TipHash = last.Seq, last.CurrentHash
	}
	return rep, nil
}

func (l *Ledger) logger() *log.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return log.Default()
}
