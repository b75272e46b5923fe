package ledger

import (
	"fmt"

	"veridraw/internal/apperr"
	"veridraw/internal/domain"
)

// ChainError reports the first entry that fails verification.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("ledger chain broken at seq=%d: %s", e.Seq, e.Reason)
}

func (e *ChainError) Is(target error) bool { return target == apperr.ErrIntegrity }

// Verify checks a contiguous run of entries. A run starting at seq 1 must
// chain from GenesisHash; any other run is anchored on its first entry's
// previous_hash.
func Verify(entries []domain.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	first := entries[0]
	anchor := first.PreviousHash
	if first.Seq <= 1 {
		anchor = GenesisHash
	}
	return VerifyFrom(anchor, first.Seq-1, entries)
}

// VerifyFrom checks entries against a known predecessor hash and sequence.
func VerifyFrom(prevHash string, prevSeq int64, entries []domain.LedgerEntry) error {
	for _, e := range entries {
		if e.Seq != prevSeq+1 {
			return &ChainError{Seq: e.Seq, Reason: fmt.Sprintf("sequence gap after %d", prevSeq)}
		}
		if e.PreviousHash != prevHash {
			return &ChainError{Seq: e.Seq, Reason: "previous_hash does not match predecessor"}
		}
		want, err := HashEntry(e)
		if err != nil {
			return &ChainError{Seq: e.Seq, Reason: err.Error()}
		}
		if want != e.CurrentHash {
			return &ChainError{Seq: e.Seq, Reason: "current_hash mismatch"}
		}
		prevHash, prevSeq = e.CurrentHash, e.Seq
	}
	return nil
}
