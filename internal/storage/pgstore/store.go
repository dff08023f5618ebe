// Package pgstore persists account states in Postgres. Updates take a row lock, so
// several processes can share one database without lost updates.
package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/lotbot/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS account_states (
	account_id TEXT PRIMARY KEY,
	version    BIGINT NOT NULL,
	state      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// writeTimeout bounds the write and commit that follow the update callback.
const writeTimeout = 10 * time.Second

// Store implements the account store contract on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New connects to dsn and makes sure the table exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}
	s := &Store{pool: pool, now: time.Now}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the account_states table if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return errors.Wrap(err, "create account_states table")
}

// Ensure stores st if the account does not exist yet and returns the stored state.
func (s *Store) Ensure(ctx context.Context, st *domain.AccountState) (*domain.AccountState, error) {
	if st == nil || st.Account.ID == "" {
		return nil, errors.New("account state with id is required")
	}

	fresh := st.Clone()
	fresh.Version = 1
	fresh.UpdatedAt = s.now()
	payload, err := json.Marshal(fresh)
	if err != nil {
		return nil, errors.Wrap(err, "marshal account state")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO account_states (account_id, version, state, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO NOTHING`,
		fresh.Account.ID, fresh.Version, payload, fresh.UpdatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "insert account %s", fresh.Account.ID)
	}
	return s.Load(ctx, fresh.Account.ID)
}

// Load returns the stored account state.
func (s *Store) Load(ctx context.Context, accountID string) (*domain.AccountState, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM account_states WHERE account_id = $1`, accountID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrapf(domain.ErrAccountNotFound, "account %s", accountID)
		}
		return nil, errors.Wrapf(err, "load account %s", accountID)
	}
	return decode(payload)
}

// Update runs fn on the account state inside a transaction holding the row lock.
// Once fn returns, its result is written even if ctx has expired meanwhile: fn may
// have acted on the outside world and its bookkeeping must not be lost.
func (s *Store) Update(ctx context.Context, accountID string, fn func(*domain.AccountState) error) (*domain.AccountState, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, errors.Wrap(err, "begin account update")
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	var payload []byte
	err = tx.QueryRow(ctx, `SELECT state FROM account_states WHERE account_id = $1 FOR UPDATE`, accountID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrapf(domain.ErrAccountNotFound, "account %s", accountID)
		}
		return nil, errors.Wrapf(err, "lock account %s", accountID)
	}

	st, err := decode(payload)
	if err != nil {
		return nil, err
	}
	version := st.Version
	if err := fn(st); err != nil {
		return nil, err
	}
	st.Account.ID = accountID
	st.Version = version + 1
	st.UpdatedAt = s.now()

	out, err := json.Marshal(st)
	if err != nil {
		return nil, errors.Wrap(err, "marshal account state")
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	_, err = tx.Exec(wctx, `
		UPDATE account_states SET version = $2, state = $3, updated_at = $4
		WHERE account_id = $1`,
		accountID, st.Version, out, st.UpdatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "update account %s", accountID)
	}
	if err := tx.Commit(wctx); err != nil {
		return nil, errors.Wrapf(err, "commit account %s", accountID)
	}
	return st, nil
}

// List returns the ids of all stored accounts in lexical order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT account_id FROM account_states ORDER BY account_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list accounts")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan account id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "iterate accounts")
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func decode(payload []byte) (*domain.AccountState, error) {
	var st domain.AccountState
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, errors.Wrap(err, "decode account state")
	}
	if st.ComboStates == nil {
		st.ComboStates = make(map[string]domain.ComboState)
	}
	return &st, nil
}
