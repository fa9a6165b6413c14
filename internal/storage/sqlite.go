package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "awaymail/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, ioErr("open", "", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ioErr("open", "", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	// FULL: Append must be durable on return.
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, ioErr("migrate", "", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Append(ctx context.Context, key string, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(sender, at, is_action, text) VALUES(?,?,?,?)`,
		key, e.At.Format(time.RFC3339Nano), boolInt(e.IsAction), e.Text,
	)
	return ioErr("append", key, err)
}

func (s *sqliteStore) ReadAll(ctx context.Context, key string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, is_action, text FROM messages WHERE sender = ? ORDER BY id`, key)
	if err != nil {
		return nil, ioErr("read", key, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			at     string
			action int64
			text   string
		)
		if err := rows.Scan(&at, &action, &text); err != nil {
			return nil, ioErr("read", key, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			s.log.Warn("bad message timestamp", logx.String("sender", key), logx.String("at", at))
		}
		out = append(out, Entry{At: ts, Sender: key, IsAction: action != 0, Text: text})
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("read", key, err)
	}
	return out, nil
}

func (s *sqliteStore) Clear(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE sender = ?`, key)
	return ioErr("clear", key, err)
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT sender FROM messages ORDER BY sender`)
	if err != nil {
		return nil, ioErr("keys", "", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, ioErr("keys", "", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("keys", "", err)
	}
	return keys, nil
}

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, ioErr("get setting", key, err)
	}
	return v, true, nil
}

func (s *sqliteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return ioErr("set setting", key, err)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
