package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// maxClosedHistory bounds the realized-fill history kept in the ledger.
const maxClosedHistory = 500

// SellOrder is an active sell order placed against a lot.
type SellOrder struct {
	OrderID  string          `json:"order_id"`
	Price    decimal.Decimal `json:"price"`
	Qty      decimal.Decimal `json:"qty"`
	// Applied is the executed quantity already booked into the ledger.
	Applied  decimal.Decimal `json:"applied"`
	PlacedAt time.Time       `json:"placed_at"`
}

// Lot is one open position created by a buy fill.
type Lot struct {
	ID         string          `json:"id"`
	ComboID    string          `json:"combo_id"`
	BuyOrderID string          `json:"buy_order_id"`
	BuyPrice   decimal.Decimal `json:"buy_price"`
	Qty        decimal.Decimal `json:"qty"`
	Cost       decimal.Decimal `json:"cost"`
	BoughtAt   time.Time       `json:"bought_at"`
	SellOrder  *SellOrder      `json:"sell_order,omitempty"`
}

// NewLot creates a validated lot. Cost basis is price*qty.
func NewLot(comboID, buyOrderID string, price, qty decimal.Decimal, at time.Time) (Lot, error) {
	if comboID == "" {
		return Lot{}, errors.New("combo id is required")
	}
	if !price.IsPositive() {
		return Lot{}, errors.Errorf("lot price must be positive, got %s", price)
	}
	if !qty.IsPositive() {
		return Lot{}, errors.Errorf("lot quantity must be positive, got %s", qty)
	}
	return Lot{
		ID:         uuid.NewString(),
		ComboID:    comboID,
		BuyOrderID: buyOrderID,
		BuyPrice:   price,
		Qty:        qty,
		Cost:       price.Mul(qty),
		BoughtAt:   at,
	}, nil
}

// NewLotFromCost creates a lot from the quote spent on it. The buy price is the
// average cost, which is above the fill price when the fee came out of the base asset.
func NewLotFromCost(comboID, buyOrderID string, qty, cost decimal.Decimal, at time.Time) (Lot, error) {
	if !qty.IsPositive() {
		return Lot{}, errors.Errorf("lot quantity must be positive, got %s", qty)
	}
	lot, err := NewLot(comboID, buyOrderID, cost.Div(qty), qty, at)
	if err != nil {
		return Lot{}, err
	}
	lot.Cost = cost
	return lot, nil
}

// Notional returns the lot value at the given price.
func (l Lot) Notional(price decimal.Decimal) decimal.Decimal {
	return l.Qty.Mul(price)
}

// ClosedLot is a realized sell fill, full or partial.
type ClosedLot struct {
	LotID     string          `json:"lot_id"`
	ComboID   string          `json:"combo_id"`
	BuyPrice  decimal.Decimal `json:"buy_price"`
	SellPrice decimal.Decimal `json:"sell_price"`
	Qty       decimal.Decimal `json:"qty"`
	Cost      decimal.Decimal `json:"cost"`
	Revenue   decimal.Decimal `json:"revenue"`
	Fee       decimal.Decimal `json:"fee"`
	NetProfit decimal.Decimal `json:"net_profit"`
	Partial   bool            `json:"partial"`
	ClosedAt  time.Time       `json:"closed_at"`
}

// Ledger tracks open lots of an account and their realized fills.
type Ledger struct {
	Open   []Lot       `json:"open"`
	Closed []ClosedLot `json:"closed"`
}

// Append adds a lot opened by a confirmed buy fill.
func (l *Ledger) Append(lot Lot) error {
	if l.indexOf(lot.ID) >= 0 {
		return errors.Wrapf(ErrLedgerInconsistent, "lot %s already open", lot.ID)
	}
	for _, c := range l.Closed {
		if c.LotID == lot.ID {
			return errors.Wrapf(ErrLedgerInconsistent, "lot %s already closed", lot.ID)
		}
	}
	l.Open = append(l.Open, lot)
	return nil
}

// Get returns an open lot by id.
func (l *Ledger) Get(lotID string) (Lot, bool) {
	i := l.indexOf(lotID)
	if i < 0 {
		return Lot{}, false
	}
	return l.Open[i], true
}

// OpenLots returns copies of the open lots for a combo in acquisition order.
func (l *Ledger) OpenLots(comboID string) []Lot {
	var lots []Lot
	for _, lot := range l.Open {
		if lot.ComboID == comboID {
			lots = append(lots, lot)
		}
	}
	return lots
}

// OpenCount returns the number of open lots across all combos.
func (l *Ledger) OpenCount() int {
	return len(l.Open)
}

// OpenQty returns the total open quantity across all combos.
func (l *Ledger) OpenQty() decimal.Decimal {
	total := decimal.Zero
	for _, lot := range l.Open {
		total = total.Add(lot.Qty)
	}
	return total
}

// AddBuyFill grows a lot by a later fill of the buy order that opened it.
// The buy price becomes the average cost of the lot.
func (l *Ledger) AddBuyFill(lotID string, qty, cost decimal.Decimal) error {
	i := l.indexOf(lotID)
	if i < 0 {
		return errors.Wrapf(ErrLotNotOpen, "add buy fill to lot %s", lotID)
	}
	lot := &l.Open[i]
	if lot.SellOrder != nil {
		return errors.Wrapf(ErrLotBusy, "lot %s has order %s", lotID, lot.SellOrder.OrderID)
	}
	if !qty.IsPositive() || cost.IsNegative() {
		return errors.Errorf("buy fill must add positive quantity, got %s for %s", qty, cost)
	}
	lot.Qty = lot.Qty.Add(qty)
	lot.Cost = lot.Cost.Add(cost)
	lot.BuyPrice = lot.Cost.Div(lot.Qty)
	return nil
}

// AttachSellOrder records an active sell order for a lot.
// The order may not ask for more than the lot currently holds.
func (l *Ledger) AttachSellOrder(lotID string, order SellOrder) error {
	i := l.indexOf(lotID)
	if i < 0 {
		return errors.Wrapf(ErrLotNotOpen, "attach sell order to lot %s", lotID)
	}
	lot := &l.Open[i]
	if lot.SellOrder != nil {
		return errors.Wrapf(ErrLotBusy, "lot %s has order %s", lotID, lot.SellOrder.OrderID)
	}
	if !order.Qty.IsPositive() || order.Qty.GreaterThan(lot.Qty) {
		return errors.Wrapf(ErrLedgerInconsistent, "sell qty %s against open qty %s of lot %s", order.Qty, lot.Qty, lotID)
	}
	order.Applied = decimal.Zero
	lot.SellOrder = &order
	return nil
}

// ClearSellOrder drops the active sell order of a lot, if any.
func (l *Ledger) ClearSellOrder(lotID string) {
	if i := l.indexOf(lotID); i >= 0 {
		l.Open[i].SellOrder = nil
	}
}

// ApplySellFill books qty sold at price against a lot. A full fill closes the lot,
// a partial fill reduces quantity and cost proportionally and keeps the buy price.
func (l *Ledger) ApplySellFill(lotID string, qty, price, fee decimal.Decimal, at time.Time) (ClosedLot, error) {
	i := l.indexOf(lotID)
	if i < 0 {
		return ClosedLot{}, errors.Wrapf(ErrLedgerInconsistent, "sell fill for lot %s without open quantity", lotID)
	}
	lot := &l.Open[i]
	if !qty.IsPositive() {
		return ClosedLot{}, errors.Errorf("sell fill quantity must be positive, got %s", qty)
	}
	if qty.GreaterThan(lot.Qty) {
		return ClosedLot{}, errors.Wrapf(ErrLedgerInconsistent, "sell fill %s exceeds open qty %s of lot %s", qty, lot.Qty, lotID)
	}

	full := qty.Equal(lot.Qty)
	cost := lot.Cost
	if !full {
		cost = lot.Cost.Mul(qty).Div(lot.Qty)
	}
	revenue := qty.Mul(price)
	closed := ClosedLot{
		LotID:     lot.ID,
		ComboID:   lot.ComboID,
		BuyPrice:  lot.BuyPrice,
		SellPrice: price,
		Qty:       qty,
		Cost:      cost,
		Revenue:   revenue,
		Fee:       fee,
		NetProfit: revenue.Sub(cost).Sub(fee),
		Partial:   !full,
		ClosedAt:  at,
	}

	if full {
		l.Open = append(l.Open[:i], l.Open[i+1:]...)
	} else {
		lot.Qty = lot.Qty.Sub(qty)
		lot.Cost = lot.Cost.Sub(cost)
		if lot.SellOrder != nil {
			lot.SellOrder.Applied = lot.SellOrder.Applied.Add(qty)
		}
	}

	l.Closed = append(l.Closed, closed)
	if len(l.Closed) > maxClosedHistory {
		l.Closed = l.Closed[len(l.Closed)-maxClosedHistory:]
	}
	return closed, nil
}

// Clone returns a deep copy.
func (l Ledger) Clone() Ledger {
	out := Ledger{
		Open:   make([]Lot, len(l.Open)),
		Closed: append([]ClosedLot(nil), l.Closed...),
	}
	for i, lot := range l.Open {
		if lot.SellOrder != nil {
			so := *lot.SellOrder
			lot.SellOrder = &so
		}
		out.Open[i] = lot
	}
	return out
}

func (l *Ledger) indexOf(lotID string) int {
	for i := range l.Open {
		if l.Open[i].ID == lotID {
			return i
		}
	}
	return -1
}
