package domain

// Side is the direction of an order.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

const (
	sideStringBuy  = "buy"
	sideStringSell = "sell"
)

// String returns the string representation of the side.
func (s Side) String() string {
	switch s {
	case SideBuy:
		return sideStringBuy
	case SideSell:
		return sideStringSell
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Side) UnmarshalText(b []byte) error {
	switch string(b) {
	case sideStringBuy:
		*s = SideBuy
	case sideStringSell:
		*s = SideSell
	default:
		return ErrUnknownSide
	}
	return nil
}
