package ledger

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"veridraw/internal/domain"
	"veridraw/internal/repo"
)

//go:embed entry.schema.json
var entrySchemaJSON string

var entrySchema = jsonschema.MustCompileString("entry.schema.json", entrySchemaJSON)

// ArchiveWriter streams entries as zstd-compressed JSON lines.
type ArchiveWriter struct {
	mu  sync.Mutex
	enc *zstd.Encoder
	w   *bufio.Writer
}

func NewArchiveWriter(w io.Writer) (*ArchiveWriter, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	return &ArchiveWriter{enc: enc, w: bufio.NewWriterSize(enc, 128*1024)}, nil
}

func (a *ArchiveWriter) Write(e domain.LedgerEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := a.w.Write(b); err != nil {
		return err
	}
	return a.w.WriteByte('\n')
}

// Close flushes buffered lines and finishes the zstd frame. The underlying
// writer is left open.
func (a *ArchiveWriter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.w.Flush(); err != nil {
		_ = a.enc.Close()
		return err
	}
	return a.enc.Close()
}

// Export writes the whole chain to w and returns the number of entries.
func (l *Ledger) Export(ctx context.Context, q repo.Querier, w io.Writer) (int64, error) {
	aw, err := NewArchiveWriter(w)
	if err != nil {
		return 0, err
	}
	var n, after int64
	for {
		page, err := l.store.LedgerEntries(ctx, q, repo.LedgerFilter{AfterSeq: after, Limit: verifyPageSize})
		if err != nil {
			_ = aw.Close()
			return n, err
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			if err := aw.Write(e); err != nil {
				_ = aw.Close()
				return n, err
			}
			n++
		}
		after = page[len(page)-1].Seq
	}
	return n, aw.Close()
}

// ReadArchive decodes an archive, validating every line against the entry
// schema before it is accepted.
func ReadArchive(r io.Reader) ([]domain.LedgerEntry, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	var out []domain.LedgerEntry
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, fmt.Errorf("archive line %d: %w", line, err)
		}
		if err := entrySchema.Validate(generic); err != nil {
			return nil, fmt.Errorf("archive line %d: %w", line, err)
		}
		var e domain.LedgerEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("archive line %d: %w", line, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
