// Package domain defines the accounts, combos, lots and safety state the trading loop works on.
package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Pair spot trading pair.
type Pair struct {
	// From base asset symbol.
	From string `json:"from"`
	// To quote asset symbol.
	To string `json:"to"`
}

// ParsePair parses "BASE_QUOTE" notation.
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, errors.Errorf("invalid pair %q, expected BASE_QUOTE", s)
	}
	return Pair{From: strings.ToUpper(parts[0]), To: strings.ToUpper(parts[1])}, nil
}

// String returns the string representation.
func (p Pair) String() string {
	return fmt.Sprintf("%s_%s", p.From, p.To)
}

// Symbol returns the concatenated exchange symbol.
func (p Pair) Symbol() string {
	return p.From + p.To
}
