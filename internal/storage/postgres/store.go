package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/organic-market/internal/docstore"
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"

	defaultMaxAttempts  = 5
	defaultPollInterval = 2 * time.Second
)

var _ docstore.Store = (*Store)(nil)

// Store implements docstore.Store on the documents table. Transactions lock
// the rows they read with SELECT ... FOR UPDATE.
type Store struct {
	pool         *pgxpool.Pool
	maxAttempts  int
	pollInterval time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithPollInterval sets how often Watch re-runs its query.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithMaxAttempts bounds retries of transactions aborted by serialization
// failures or deadlocks.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewStore returns a Store that uses the given pool. The schema must already
// be applied with RunMigrations.
func NewStore(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:         pool,
		maxAttempts:  defaultMaxAttempts,
		pollInterval: defaultPollInterval,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns one document.
func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	return getDocument(ctx, s.pool, collection, id, false)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getDocument(ctx context.Context, q querier, collection, id string, lock bool) (*docstore.Document, error) {
	sql := `SELECT data, created_at, updated_at FROM documents WHERE collection = $1 AND id = $2`
	if lock {
		sql += ` FOR UPDATE`
	}

	d := docstore.Document{Collection: collection, ID: id}
	var data []byte
	err := q.QueryRow(ctx, sql, collection, id).Scan(&data, &d.CreateTime, &d.UpdateTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, docstore.ErrNotFound
		}
		return nil, fmt.Errorf("getting document %s/%s: %w", collection, id, err)
	}
	d.Data = data
	return &d, nil
}

// Create inserts data under a new UUID.
func (s *Store) Create(ctx context.Context, collection string, data any) (string, error) {
	raw, err := docstore.Encode(data)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)`,
		collection, id, raw,
	)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return "", docstore.ErrAlreadyExists
		}
		return "", fmt.Errorf("creating document in %s: %w", collection, err)
	}
	return id, nil
}

// Set upserts a document.
func (s *Store) Set(ctx context.Context, collection, id string, data any) error {
	raw, err := docstore.Encode(data)
	if err != nil {
		return err
	}
	return setDocument(ctx, s.pool, collection, id, raw)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func setDocument(ctx context.Context, e execer, collection, id string, raw json.RawMessage) error {
	_, err := e.Exec(ctx, `
		INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		collection, id, raw,
	)
	if err != nil {
		return fmt.Errorf("setting document %s/%s: %w", collection, id, err)
	}
	return nil
}

// Update merges fields into an existing document with the jsonb || operator.
func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return updateDocument(ctx, s.pool, collection, id, fields)
}

func updateDocument(ctx context.Context, e execer, collection, id string, fields map[string]any) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return errors.Wrap(err, "encode fields")
	}

	tag, err := e.Exec(ctx,
		`UPDATE documents SET data = data || $3::jsonb, updated_at = now() WHERE collection = $1 AND id = $2`,
		collection, id, json.RawMessage(patch),
	)
	if err != nil {
		return fmt.Errorf("updating document %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

// Delete removes a document if it exists.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id,
	); err != nil {
		return fmt.Errorf("deleting document %s/%s: %w", collection, id, err)
	}
	return nil
}

// RunTransaction runs fn inside a database transaction and retries on
// serialization failures and deadlocks.
func (s *Store) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
			return fn(ctx, &pgTx{ctx: ctx, tx: tx})
		})
		switch pgCode(err) {
		case codeSerializationFailure, codeDeadlockDetected:
			continue
		}
		return err
	}
	return docstore.ErrTooMuchContention
}

type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgTx) Get(collection, id string) (*docstore.Document, error) {
	return getDocument(t.ctx, t.tx, collection, id, true)
}

func (t *pgTx) Set(collection, id string, data any) error {
	raw, err := docstore.Encode(data)
	if err != nil {
		return err
	}
	return setDocument(t.ctx, t.tx, collection, id, raw)
}

func (t *pgTx) Update(collection, id string, fields map[string]any) error {
	return updateDocument(t.ctx, t.tx, collection, id, fields)
}

// Query pushes equality filters down as a jsonb containment check.
func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	sql, args, err := buildQuery(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", q.Collection, err)
	}

	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (docstore.Document, error) {
		d := docstore.Document{Collection: q.Collection}
		var data []byte
		if err := row.Scan(&d.ID, &data, &d.CreateTime, &d.UpdateTime); err != nil {
			return d, err
		}
		d.Data = data
		return d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", q.Collection, err)
	}
	return docs, nil
}

func buildQuery(q docstore.Query) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, data, created_at, updated_at FROM documents WHERE collection = $1`)
	args := []any{q.Collection}

	if len(q.Filters) > 0 {
		match := make(map[string]any, len(q.Filters))
		for _, f := range q.Filters {
			match[f.Field] = f.Value
		}
		raw, err := json.Marshal(match)
		if err != nil {
			return "", nil, errors.Wrap(err, "encode filters")
		}
		args = append(args, json.RawMessage(raw))
		fmt.Fprintf(&b, ` AND data @> $%d::jsonb`, len(args))
	}

	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	switch q.OrderBy {
	case "":
		fmt.Fprintf(&b, ` ORDER BY id %s`, dir)
	case docstore.FieldCreateTime:
		fmt.Fprintf(&b, ` ORDER BY created_at %s, id`, dir)
	default:
		args = append(args, q.OrderBy)
		fmt.Fprintf(&b, ` ORDER BY data -> $%d::text %s, id`, len(args), dir)
	}

	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, ` LIMIT $%d`, len(args))
	}
	return b.String(), args, nil
}

// Watch polls q at the configured interval.
func (s *Store) Watch(ctx context.Context, q docstore.Query) (*docstore.Subscription, error) {
	if _, _, err := buildQuery(q); err != nil {
		return nil, err
	}
	fetch := func(ctx context.Context) ([]docstore.Document, error) {
		return s.Query(ctx, q)
	}
	return docstore.NewSubscription(ctx, fetch, docstore.PollTrigger(s.pollInterval)), nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
