// Package accountstore persists account states in a write-ahead log.
package accountstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/lotbot/internal/domain"
)

const (
	defaultStateDir   = "./wal/accounts"
	stateSegmentLimit = 1000
	stateMaxSegments  = 100
	stateKeyPrefix    = "account_state_"
	// records older than this many indexes are rewritten before their segment can be rotated out
	checkpointDistance = stateSegmentLimit * stateMaxSegments / 2
)

// WALStore keeps the latest state of every account in memory and appends every
// change to the WAL. Updates of one account are serialized, different accounts
// proceed in parallel.
type WALStore struct {
	wal   *gowal.Wal
	walMu sync.Mutex

	mu        sync.Mutex
	states    map[string]*domain.AccountState
	locks     map[string]*sync.Mutex
	lastIndex map[string]uint64

	now func() time.Time
}

// NewWALStore opens the store under dir and recovers the latest state of every account.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultStateDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "account_",
		SegmentThreshold: stateSegmentLimit,
		MaxSegments:      stateMaxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init account state WAL")
	}

	s := &WALStore{
		wal:       wal,
		states:    make(map[string]*domain.AccountState),
		locks:     make(map[string]*sync.Mutex),
		lastIndex: make(map[string]uint64),
		now:       time.Now,
	}
	if err := s.recover(); err != nil {
		_ = wal.Close()
		return nil, err
	}
	return s, nil
}

// recover replays the log, the last record of an account wins. Every recovered
// state is written again so the log always holds it in a recent segment.
func (s *WALStore) recover() error {
	for msg := range s.wal.Iterator() {
		if !strings.HasPrefix(msg.Key, stateKeyPrefix) {
			continue
		}
		var st domain.AccountState
		if err := json.Unmarshal(msg.Value, &st); err != nil {
			return errors.Wrapf(err, "decode account state %s", msg.Key)
		}
		s.states[st.Account.ID] = &st
	}

	for _, st := range s.states {
		if err := s.write(st); err != nil {
			return errors.Wrapf(err, "checkpoint account %s", st.Account.ID)
		}
	}
	return nil
}

// Ensure stores st if the account does not exist yet and returns the stored state.
func (s *WALStore) Ensure(_ context.Context, st *domain.AccountState) (*domain.AccountState, error) {
	if st == nil || st.Account.ID == "" {
		return nil, errors.New("account state with id is required")
	}

	lock := s.accountLock(st.Account.ID)
	lock.Lock()
	defer lock.Unlock()

	if existing, ok := s.get(st.Account.ID); ok {
		return existing.Clone(), nil
	}

	fresh := st.Clone()
	fresh.Version = 1
	fresh.UpdatedAt = s.now()
	if err := s.write(fresh); err != nil {
		return nil, err
	}
	s.put(fresh)
	return fresh.Clone(), nil
}

// Load returns a copy of the account state.
func (s *WALStore) Load(_ context.Context, accountID string) (*domain.AccountState, error) {
	st, ok := s.get(accountID)
	if !ok {
		return nil, errors.Wrapf(domain.ErrAccountNotFound, "account %s", accountID)
	}
	return st.Clone(), nil
}

// Update runs fn on a copy of the account state while holding the account lock and
// persists the result. If fn fails nothing is written and the error is returned.
func (s *WALStore) Update(ctx context.Context, accountID string, fn func(*domain.AccountState) error) (*domain.AccountState, error) {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	current, ok := s.get(accountID)
	if !ok {
		return nil, errors.Wrapf(domain.ErrAccountNotFound, "account %s", accountID)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Account.ID = accountID
	next.Version = current.Version + 1
	next.UpdatedAt = s.now()

	if err := s.write(next); err != nil {
		return nil, err
	}
	s.put(next)
	return next.Clone(), nil
}

// List returns the ids of all stored accounts in lexical order.
func (s *WALStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	s.walMu.Lock()
	defer s.walMu.Unlock()
	return s.wal.Close()
}

func (s *WALStore) write(st *domain.AccountState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "marshal account state")
	}

	s.walMu.Lock()
	defer s.walMu.Unlock()

	idx := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(idx, stateKeyPrefix+st.Account.ID, payload); err != nil {
		return errors.Wrapf(err, "write account state %s", st.Account.ID)
	}

	s.mu.Lock()
	s.lastIndex[st.Account.ID] = idx
	stale := s.staleLocked(idx)
	s.mu.Unlock()

	return s.checkpoint(stale)
}

// staleLocked returns states whose last record is about to fall out of retained segments.
func (s *WALStore) staleLocked(current uint64) []*domain.AccountState {
	var stale []*domain.AccountState
	for id, idx := range s.lastIndex {
		if current-idx < checkpointDistance {
			continue
		}
		if st, ok := s.states[id]; ok {
			stale = append(stale, st)
		}
	}
	return stale
}

// checkpoint rewrites stale states. Must be called with walMu held.
func (s *WALStore) checkpoint(stale []*domain.AccountState) error {
	for _, st := range stale {
		payload, err := json.Marshal(st)
		if err != nil {
			return errors.Wrap(err, "marshal account state")
		}
		idx := s.wal.CurrentIndex() + 1
		if err := s.wal.Write(idx, stateKeyPrefix+st.Account.ID, payload); err != nil {
			return errors.Wrapf(err, "checkpoint account state %s", st.Account.ID)
		}
		s.mu.Lock()
		s.lastIndex[st.Account.ID] = idx
		s.mu.Unlock()
	}
	return nil
}

func (s *WALStore) accountLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *WALStore) get(id string) (*domain.AccountState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	return st, ok
}

func (s *WALStore) put(st *domain.AccountState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.Account.ID] = st
}
