// Package tokendb is the device token table: it exports pushable tokens
// into shard files and retires tokens the gateway rejected.
//
// Tokens live in sixteen tables, t_tokens_0 to t_tokens_f, keyed by the
// first hex digit of the token.
package tokendb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	tableName        = "t_tokens"
	operationTimeout = 30 * time.Second
)

var (
	// ErrBadToken is returned for tokens that cannot be mapped to a bucket.
	ErrBadToken = errors.New("token has no hex bucket")
	// ErrUnsupportedDriver ...
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)

// Store ...
type Store struct {
	db     *sql.DB
	driver string
	log    *slog.Logger
}

// Open connects to the token database. driver is "postgres" or "sqlite".
func Open(driver, dsn string, log *slog.Logger) (*Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver != "postgres" && driver != "sqlite" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// one writer, and keeps ":memory:" databases on a single connection
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, driver: driver, log: log}, nil
}

// Close ...
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates the bucket tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for i := 0; i < 16; i++ {
		query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			token TEXT NOT NULL,
			package TEXT NOT NULL DEFAULT '',
			gender TEXT NOT NULL DEFAULT '',
			is_invalid INTEGER NOT NULL DEFAULT 0
		)`, bucketTable(i))
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create %s: %w", bucketTable(i), err)
		}
	}
	return nil
}

// MarkInvalid flags every token as invalid in its bucket table. Marking an
// already invalid token is a no-op.
func (s *Store) MarkInvalid(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, token := range tokens {
		bucket, err := Bucket(token)
		if err != nil {
			return err
		}
		query := fmt.Sprintf("UPDATE %s SET is_invalid = 1 WHERE token = %s", bucketTable(bucket), s.placeholder(1))
		if _, err := tx.ExecContext(ctx, query, token); err != nil {
			return fmt.Errorf("mark %s invalid: %w", token, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Debug("Tokens marked invalid", "count", len(tokens))
	return nil
}

// Bucket returns the table bucket of a token: the value of its first hex
// digit.
func Bucket(token string) (int, error) {
	if token == "" {
		return 0, ErrBadToken
	}
	n, err := strconv.ParseUint(token[:1], 16, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadToken, token)
	}
	return int(n), nil
}

func bucketTable(i int) string {
	return fmt.Sprintf("%s_%x", tableName, i)
}

func (s *Store) placeholder(n int) string {
	if s.driver == "postgres" {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}
