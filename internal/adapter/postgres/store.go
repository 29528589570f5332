package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/botleague/internal/port/recordstore"
)

var _ recordstore.Store = (*Store)(nil)

// Store implements recordstore.Store on a single records table. Revisions
// are drawn from a sequence so a deleted and re-created key never reuses one.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Get(ctx context.Context, key string) (recordstore.Entry, bool, error) {
	var (
		value []byte
		rev   int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT value, revision FROM records WHERE key = $1`, key).Scan(&value, &rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return recordstore.Entry{}, false, nil
	}
	if err != nil {
		return recordstore.Entry{}, false, fmt.Errorf("get record %s: %w", key, err)
	}
	return recordstore.Entry{Value: value, Revision: uint64(rev)}, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO records (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE
		 SET value = EXCLUDED.value, revision = nextval('records_revision_seq'), updated_at = now()`,
		key, value)
	if err != nil {
		return fmt.Errorf("set record %s: %w", key, err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, key string, value []byte) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO records (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		key, value)
	return execAffected(tag, err, "create record %s", key)
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, expectedRevision uint64, value []byte) (bool, error) {
	if expectedRevision == 0 {
		return s.Create(ctx, key, value)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET value = $2, revision = nextval('records_revision_seq'), updated_at = now()
		 WHERE key = $1 AND revision = $3`,
		key, value, int64(expectedRevision))
	return execAffected(tag, err, "swap record %s", key)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM records WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete record %s: %w", key, err)
	}
	return nil
}
