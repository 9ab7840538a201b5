// Package pg holds the Postgres implementations of the account directory,
// audit trail, TOTP credential and reset token stores.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"rosterline.org/internal/secure"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrQueryCanceled       = "57014"
)

// PoolConfig tunes the connection pool. Timeout bounds every store call;
// zero leaves calls bounded only by the caller's context.
type PoolConfig struct {
	MaxOpenConns int
	ConnLifetime time.Duration
	Timeout      time.Duration
}

type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// Option configures Store.
type Option func(*Store)

// WithTimeout bounds each call made through the store.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Open connects through the pgx stdlib driver.
func Open(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 25
	}
	if pool.ConnLifetime <= 0 {
		pool.ConnLifetime = 15 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxOpenConns / 2)
	db.SetConnMaxLifetime(pool.ConnLifetime)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, WithTimeout(pool.Timeout)), nil
}

// New wraps an existing handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return secure.Unavailable("postgres ping", err)
	}
	return nil
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return secure.Unavailable("postgres", errors.New("database connection unavailable"))
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// unavailable marks infrastructure failures; constraint violations pass through.
// A statement cancelled by the server on deadline counts as a failure.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if pgErr, ok := maybePgError(err); ok && pgErr.Code != pgErrQueryCanceled {
		return err
	}
	return secure.Unavailable(op, err)
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
