// Package simstate persists the paper exchange between restarts.
package simstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const defaultStateDir = "./wal/simulate"

// Store keeps one JSON document per paper account.
type Store struct {
	path string
}

func stateDir(dir string) string {
	if dir != "" {
		return dir
	}
	if env := os.Getenv("LOTBOT_SIMULATE_STATE_DIR"); env != "" {
		return env
	}
	return defaultStateDir
}

// NewStore creates a state store for the given scope, usually the account id.
func NewStore(dir, scope string) (*Store, error) {
	name := sanitizeScope(scope)
	if name == "" {
		return nil, errors.New("simulate state scope is required")
	}
	dir = stateDir(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create simulate state dir")
	}
	return &Store{path: filepath.Join(dir, fmt.Sprintf("%s.json", name))}, nil
}

// State is the persisted paper exchange.
type State struct {
	Wallet map[string]string `json:"wallet"`
	Orders []StoredOrder     `json:"orders"`
	Seq    int64             `json:"seq"`
}

// StoredOrder is a paper limit order. Decimals are kept as strings.
type StoredOrder struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Side          string    `json:"side"`
	Price         string    `json:"price"`
	Qty           string    `json:"qty"`
	Executed      string    `json:"executed"`
	Fee           string    `json:"fee"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// Load reads the state. A missing file yields nil state and no error.
func (s *Store) Load() (*State, error) {
	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read simulate state")
	}
	if len(payload) == 0 {
		return nil, nil
	}

	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, errors.Wrap(err, "decode simulate state")
	}
	return &state, nil
}

// Save writes the state atomically via a temp file.
func (s *Store) Save(state State) error {
	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode simulate state")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write simulate state temp file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist simulate state")
	}
	return nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

func sanitizeScope(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	var b strings.Builder
	prevUnderscore := false
	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			prevUnderscore = false
			continue
		}
		if !prevUnderscore {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
