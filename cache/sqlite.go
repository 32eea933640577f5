package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

var memoryDBSeq atomic.Uint64

// SQLiteBackend stores entries in a single SQLite table.
type SQLiteBackend struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	now        func() time.Time
}

// NewSQLiteBackend opens the database with the given filename.
// If the filename is empty, a private in-memory database is used.
func NewSQLiteBackend(filename string, opts ...Option) (*SQLiteBackend, error) {
	if filename == "" {
		filename = fmt.Sprintf("file:fetchcache-%d?mode=memory&cache=shared", memoryDBSeq.Add(1))
	}
	o := newOptions(opts)
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, &BackendError{Op: "open", Err: err}
	}
	// one connection: sqlite serializes writers anyway, and readers
	// must not hold a cursor while the same goroutine deletes
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS entries (
			uri TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			source_url TEXT NOT NULL,
			extraction_query TEXT NOT NULL DEFAULT '',
			content BLOB,
			content_type TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			ttl_ms INTEGER NOT NULL DEFAULT 0,
			last_access_at INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS entries_source_idx ON entries (source_url, extraction_query)",
		"CREATE INDEX IF NOT EXISTS entries_access_idx ON entries (last_access_at)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, &BackendError{Op: "open", Err: err}
		}
	}
	return &SQLiteBackend{
		db:         db,
		writeMutex: &sync.Mutex{},
		now:        o.now,
	}, nil
}

func (s *SQLiteBackend) Put(ctx context.Context, entry Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	lastAccess := entry.LastAccessAt
	if lastAccess.IsZero() {
		lastAccess = entry.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(uri, tier, source_url, extraction_query, content, content_type, created_at, ttl_ms, last_access_at, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.URI, string(entry.Tier), entry.SourceURL, entry.ExtractionQuery, entry.Content, entry.ContentType,
		entry.CreatedAt.UnixNano(), entry.TTL.Milliseconds(), lastAccess.UnixNano(), int64(len(entry.Content)))
	if err != nil {
		return &BackendError{Op: "put", URI: entry.URI, Err: err}
	}
	return nil
}

func (s *SQLiteBackend) Get(ctx context.Context, uri string) (Entry, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	now := s.now()
	result, err := s.db.ExecContext(ctx, "UPDATE entries SET last_access_at = ? WHERE uri = ?", now.UnixNano(), uri)
	if err != nil {
		return Entry{}, &BackendError{Op: "get", URI: uri, Err: err}
	}
	if rows, err := result.RowsAffected(); err != nil {
		return Entry{}, &BackendError{Op: "get", URI: uri, Err: err}
	} else if rows == 0 {
		return Entry{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM entries WHERE uri = ?", uri)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	} else if err != nil {
		return Entry{}, &BackendError{Op: "get", URI: uri, Err: err}
	}
	return e, nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, uri string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE uri = ?", uri); err != nil {
		return &BackendError{Op: "delete", URI: uri, Err: err}
	}
	return nil
}

const entryColumns = "uri, tier, source_url, extraction_query, content, content_type, created_at, ttl_ms, last_access_at, size_bytes"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e                          Entry
		tier                       string
		created, ttlMs, lastAccess int64
	)
	err := row.Scan(&e.URI, &tier, &e.SourceURL, &e.ExtractionQuery, &e.Content, &e.ContentType,
		&created, &ttlMs, &lastAccess, &e.SizeBytes)
	if err != nil {
		return Entry{}, err
	}
	e.Tier = Tier(tier)
	e.CreatedAt = time.Unix(0, created)
	e.TTL = time.Duration(ttlMs) * time.Millisecond
	e.LastAccessAt = time.Unix(0, lastAccess)
	return e, nil
}

// List runs the query to completion before yielding, so the connection
// is free for deletes issued while iterating.
func (s *SQLiteBackend) List(ctx context.Context, filter Filter) iter.Seq2[Entry, error] {
	columns := entryColumns
	if filter.WithoutContent {
		columns = strings.Replace(columns, "content,", "NULL,", 1)
	}
	var (
		where []string
		args  []any
	)
	if filter.SourceURL != "" {
		where = append(where, "source_url = ?")
		args = append(args, filter.SourceURL)
	}
	if filter.ExtractionQuery != nil {
		where = append(where, "extraction_query = ?")
		args = append(args, *filter.ExtractionQuery)
	}
	if filter.Tier != "" {
		where = append(where, "tier = ?")
		args = append(args, string(filter.Tier))
	}
	query := "SELECT " + columns + " FROM entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return errorSeq(&BackendError{Op: "list", Err: err})
	}
	defer rows.Close()
	entries := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return errorSeq(&BackendError{Op: "list", Err: err})
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return errorSeq(&BackendError{Op: "list", Err: err})
	}
	return sliceSeq(entries)
}

func (s *SQLiteBackend) TotalSizeBytes(ctx context.Context) (int64, error) {
	var size int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(size_bytes), 0) FROM entries").Scan(&size); err != nil {
		return 0, &BackendError{Op: "size", Err: err}
	}
	return size, nil
}

func (s *SQLiteBackend) ItemCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&count); err != nil {
		return 0, &BackendError{Op: "count", Err: err}
	}
	return count, nil
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
