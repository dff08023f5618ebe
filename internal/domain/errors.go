package domain

import "github.com/pkg/errors"

var (
	// ErrLedgerInconsistent reports a sell fill that does not match open quantity.
	ErrLedgerInconsistent = errors.New("lot ledger inconsistency")
	// ErrLotNotOpen is returned when an operation targets a lot that is closed or unknown.
	ErrLotNotOpen = errors.New("lot is not open")
	// ErrLotBusy is returned when a lot already has an active sell order.
	ErrLotBusy = errors.New("lot already has an active sell order")
	// ErrAccountNotFound is returned by stores for unknown accounts.
	ErrAccountNotFound = errors.New("account not found")
	// ErrComboNotFound is returned for combo ids the account does not have.
	ErrComboNotFound = errors.New("combo not found")
	// ErrNothingToApprove is returned when no pending earnings are available.
	ErrNothingToApprove = errors.New("no pending earnings to approve")
	// ErrOrderNotFound is returned by gateways when the exchange does not know an order.
	ErrOrderNotFound = errors.New("order not found")
	// ErrUnknownSide is returned when decoding an unknown order side.
	ErrUnknownSide = errors.New("unknown order side")
)
