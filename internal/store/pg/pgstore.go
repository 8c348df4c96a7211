package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"

	"docflow.org/internal/lifecycle"
	"docflow.org/internal/schema"
)

const defaultRetryMaxElapsed = 2 * time.Second

// Schema is the part of schema.Adapter the store depends on.
type Schema interface {
	Capabilities(ctx context.Context) schema.Capabilities
	EnsureCheckConstraintAllows(ctx context.Context, table, column, pattern string, required []string) error
}

type Store struct {
	db         *sql.DB
	schema     Schema
	schemaOpts []schema.Option

	retryMaxElapsed time.Duration
	now             func() time.Time
}

var _ lifecycle.Service = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithRetryMaxElapsed bounds how long transient transaction failures are retried.
// Zero disables retries.
func WithRetryMaxElapsed(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.retryMaxElapsed = d
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithSchema replaces the default adapter built over the same pool.
func WithSchema(a Schema) Option {
	return func(s *Store) {
		if a != nil {
			s.schema = a
		}
	}
}

// WithSchemaOptions configures the default adapter. Ignored when WithSchema is used.
func WithSchemaOptions(opts ...schema.Option) Option {
	return func(s *Store) { s.schemaOpts = append(s.schemaOpts, opts...) }
}

// PoolConfig tunes database/sql pooling.
type PoolConfig struct {
	MaxOpen int
	MaxIdle int
}

func Open(dsn string, pool PoolConfig, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpen <= 0 {
		pool.MaxOpen = 50
	}
	if pool.MaxIdle <= 0 {
		pool.MaxIdle = 25
	}
	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing pool.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:              db,
		retryMaxElapsed: defaultRetryMaxElapsed,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.schema == nil {
		s.schema = schema.New(db, s.schemaOpts...)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// inTx runs fn in a single transaction, retrying the whole transaction on
// transient failures. The deferred rollback is a no-op after commit.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify(op+": begin", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return classify(op, err)
		}
		return classify(op+": commit", tx.Commit())
	})
}

func (s *Store) withRetry(ctx context.Context, op func() error) error {
	if s.retryMaxElapsed == 0 {
		return op()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = s.retryMaxElapsed
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isTransient(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}
