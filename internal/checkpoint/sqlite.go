package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var Schema string

// Options selects where checkpoints are stored. A non-empty Url points at a
// remote libsql database, otherwise File is a local sqlite database.
type Options struct {
	File      string `json:"file"`
	Url       string `json:"url"`
	AuthToken string `json:"auth_token"`
}

func wrapOpenDB(err error) error {
	return fmt.Errorf("open checkpoint db: %w", err)
}

// OpenDB opens the database described by opts, creating a local file if
// it does not exist yet.
func OpenDB(opts Options) (*sql.DB, error) {
	if opts.Url != "" {
		dsn, err := url.Parse(opts.Url)
		if err != nil {
			return nil, wrapOpenDB(err)
		}
		if opts.AuthToken != "" {
			q := dsn.Query()
			q.Set("authToken", opts.AuthToken)
			dsn.RawQuery = q.Encode()
		}
		db, err := sql.Open("libsql", dsn.String())
		if err != nil {
			return nil, wrapOpenDB(err)
		}
		return db, nil
	}

	if opts.File == "" {
		return nil, wrapOpenDB(fmt.Errorf("a path was not specified"))
	}
	if opts.File != ":memory:" {
		err := os.MkdirAll(filepath.Dir(opts.File), 0700)
		if err != nil {
			return nil, wrapOpenDB(err)
		}
	}

	db, err := sql.Open("sqlite", opts.File)
	if err != nil {
		return nil, wrapOpenDB(err)
	}
	// see this stackoverflow post for information on why the following
	// lines exist: https://stackoverflow.com/questions/35804884/sqlite-concurrent-writing-performance
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		// a save has to be on disk before the next page is requested
		"PRAGMA synchronous=FULL",
	} {
		_, err = db.Exec(pragma)
		if err != nil {
			db.Close()
			return nil, wrapOpenDB(err)
		}
	}
	return db, nil
}

// SQLStore is a Store backed by sqlite or libsql. Every save is also
// appended to checkpoint_history.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates the schema if needed, the caller keeps ownership of db.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	for _, stmt := range strings.Split(Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		_, err := db.ExecContext(ctx, stmt)
		if err != nil {
			return nil, fmt.Errorf("create checkpoint schema: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Load(ctx context.Context) (Checkpoint, error) {
	var c Checkpoint
	var month int
	err := s.db.QueryRowContext(
		ctx,
		"select year, month, day, page_offset, session from checkpoint where id = 0",
	).Scan(&c.Date.Year, &month, &c.Date.Day, &c.Offset, &c.Session)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNoCheckpoint
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	c.Date.Month = time.Month(month)
	return c, nil
}

func (s *SQLStore) Save(ctx context.Context, c Checkpoint) error {
	saveError := func(err error) error {
		return fmt.Errorf("save checkpoint %s: %w", c, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return saveError(err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	_, err = tx.ExecContext(
		ctx,
		`insert into checkpoint (id, year, month, day, page_offset, session, updated_at)
		values (0, ?, ?, ?, ?, ?, ?)
		on conflict (id) do update set
			year = excluded.year,
			month = excluded.month,
			day = excluded.day,
			page_offset = excluded.page_offset,
			session = excluded.session,
			updated_at = excluded.updated_at`,
		c.Date.Year, int(c.Date.Month), c.Date.Day, c.Offset, c.Session, now,
	)
	if err != nil {
		return saveError(err)
	}
	_, err = tx.ExecContext(
		ctx,
		`insert into checkpoint_history (year, month, day, page_offset, session, saved_at)
		values (?, ?, ?, ?, ?, ?)`,
		c.Date.Year, int(c.Date.Month), c.Date.Day, c.Offset, c.Session, now,
	)
	if err != nil {
		return saveError(err)
	}

	err = tx.Commit()
	if err != nil {
		return saveError(err)
	}
	return nil
}

// HistoryEntry is one past save.
type HistoryEntry struct {
	Checkpoint Checkpoint
	SavedAt    time.Time
}

// History returns the most recent saves, newest first.
func (s *SQLStore) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`select year, month, day, page_offset, session, saved_at
		from checkpoint_history
		order by id desc
		limit ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query checkpoint history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var month int
		var savedAt int64
		err := rows.Scan(
			&entry.Checkpoint.Date.Year,
			&month,
			&entry.Checkpoint.Date.Day,
			&entry.Checkpoint.Offset,
			&entry.Checkpoint.Session,
			&savedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint history: %w", err)
		}
		entry.Checkpoint.Date.Month = time.Month(month)
		entry.SavedAt = time.Unix(savedAt, 0)
		out = append(out, entry)
	}
	return out, rows.Err()
}
