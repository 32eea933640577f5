package strategy

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const fileHeader = "# prefix\tstrategy\tnote\tupdated_at\n"

// FileStore is a Store persisted as a tab-separated file with one
// "prefix strategy note updated_at" row per record. Lines starting with '#'
// are comments. The file is read at open, later rows override earlier ones,
// and every change is appended as a new row. Compact rewrites the file with
// one row per prefix.
type FileStore struct {
	t    *table
	path string
	log  zerolog.Logger
}

// OpenFileStore loads the table at path. A missing file is an empty table;
// it is created on the first change.
func OpenFileStore(path string, logger *zerolog.Logger, opts ...Option) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("strategy file path cannot be empty")
	}
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	s := &FileStore{
		t:    newTable(opts),
		path: path,
		log:  l.With().Str("component", "strategy").Str("path", path).Logger(),
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Debug().Msg("No strategy table yet, starting empty")
		return s, nil
	} else if err != nil {
		return nil, fmt.Errorf("open strategy table: %w", err)
	}
	defer f.Close()
	if err := s.load(f); err != nil {
		return nil, fmt.Errorf("load strategy table: %w", err)
	}
	s.log.Info().Int("records", len(s.t.records)).Msg("Loaded strategy table")
	return s, nil
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	return cr
}

func (s *FileStore) load(r io.Reader) error {
	cr := newReader(r)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line, _ := cr.FieldPos(0)
		if len(row) < 2 {
			s.log.Warn().Int("line", line).Msg("Skipping strategy row without strategy")
			continue
		}
		r := Record{Prefix: strings.TrimSpace(row[0]), Strategy: strings.TrimSpace(row[1])}
		if len(row) > 2 {
			r.Note = row[2]
		}
		if len(row) > 3 && row[3] != "" {
			if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(row[3])); err == nil {
				r.UpdatedAt = ts
			} else {
				s.log.Warn().Int("line", line).Str("value", row[3]).Msg("Ignoring malformed timestamp")
			}
		}
		// rows are loaded verbatim, so last row wins even if identical
		prefix, err := Prefix(r.Prefix)
		if err != nil || r.Strategy == "" {
			s.log.Warn().Int("line", line).Str("prefix", r.Prefix).Msg("Skipping invalid strategy row")
			continue
		}
		r.Prefix = prefix
		s.t.records[prefix] = r
	}
}

func encodeRows(records ...Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = '\t'
	for _, r := range records {
		ts := ""
		if !r.UpdatedAt.IsZero() {
			ts = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
		}
		if err := w.Write([]string{r.Prefix, r.Strategy, r.Note, ts}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func (s *FileStore) Lookup(ctx context.Context, url string) (Record, error) {
	return s.t.lookup(ctx, url)
}

func (s *FileStore) Record(ctx context.Context, url, strategy, note string) error {
	return s.Put(ctx, Record{Prefix: url, Strategy: strategy, Note: note})
}

// Put upserts the record and appends it to the file.
// If the append fails the in-memory table is left unchanged.
func (s *FileStore) Put(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	prev, existed := s.t.records[mustPrefix(r.Prefix)]
	stored, changed, err := s.t.upsert(r)
	if err != nil || !changed {
		return err
	}
	if err := s.appendRow(stored); err != nil {
		if existed {
			s.t.records[stored.Prefix] = prev
		} else {
			delete(s.t.records, stored.Prefix)
		}
		return fmt.Errorf("persist strategy for %s: %w", stored.Prefix, err)
	}
	s.log.Debug().Str("prefix", stored.Prefix).Str("strategy", stored.Strategy).Msg("Recorded strategy")
	return nil
}

func mustPrefix(raw string) string {
	p, _ := Prefix(raw)
	return p
}

func (s *FileStore) appendRow(r Record) error {
	row, err := encodeRows(r)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err == nil && info.Size() == 0 {
		row = append([]byte(fileHeader), row...)
	}
	// one write per row keeps appends whole for concurrent readers
	if _, err := f.Write(row); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *FileStore) All(ctx context.Context) ([]Record, error) {
	return s.t.all(ctx)
}

// Compact rewrites the file with a single row per prefix.
// The new file replaces the old one atomically.
func (s *FileStore) Compact(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	records := s.t.sorted()
	rows, err := encodeRows(records...)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("compact strategy table: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append([]byte(fileHeader), rows...)); err != nil {
		tmp.Close()
		return fmt.Errorf("compact strategy table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("compact strategy table: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("compact strategy table: %w", err)
	}
	s.log.Info().Int("records", len(records)).Msg("Compacted strategy table")
	return nil
}
