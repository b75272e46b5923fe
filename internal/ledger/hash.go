package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"veridraw/internal/domain"
)

// GenesisHash is the previous_hash of the first entry in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// hashed is the projection of an entry covered by current_hash. Field names
// are part of the persisted contract; renaming one breaks replay.
type hashed struct {
	Prev          string          `json:"prev"`
	Entity        string          `json:"entity"`
	Event         string          `json:"event"`
	Actor         string          `json:"actor"`
	Role          string          `json:"role"`
	Data          json.RawMessage `json:"data"`
	AgreementHash *string         `json:"agreement_hash"`
	Version       *int            `json:"version"`
}

// Canonical encodes v as JSON with sorted object keys, no HTML escaping and
// numbers kept as their literal text.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sum returns the hex SHA-256 of the canonical encoding of v.
func Sum(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashEntry recomputes current_hash for e from its own fields and e.PreviousHash.
func HashEntry(e domain.LedgerEntry) (string, error) {
	data := e.EventData
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return Sum(hashed{
		Prev:          e.PreviousHash,
		Entity:        e.EntityID,
		Event:         e.EventType.String(),
		Actor:         e.ActorID,
		Role:          e.ActorRole.String(),
		Data:          data,
		AgreementHash: e.AgreementHash,
		Version:       e.AgreementVersion,
	})
}
