package domain

import (
	"github.com/shopspring/decimal"
)

// OrderStatus is the exchange-reported state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Final reports whether no further fills can happen for the order.
func (s OrderStatus) Final() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderIntent is what a strategy wants submitted. It is not an order yet.
type OrderIntent struct {
	ComboID string
	Side    Side
	Price   decimal.Decimal
	Qty     decimal.Decimal
	// LotID is set for sell intents.
	LotID  string
	Reason string
}

// Notional returns price*qty.
func (i OrderIntent) Notional() decimal.Decimal {
	return i.Price.Mul(i.Qty)
}

// OrderRequest is a limit order as sent to the gateway.
type OrderRequest struct {
	Pair          Pair
	Side          Side
	Price         decimal.Decimal
	Qty           decimal.Decimal
	ClientOrderID string
}

// OrderResult is the gateway view of an order.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
	ExecutedQty   decimal.Decimal
	// AvgPrice of the executed part. Zero when nothing executed.
	AvgPrice decimal.Decimal
	// Fee is the commission charged in the quote asset.
	Fee decimal.Decimal
	// BaseFee is the commission taken from the base asset. On a buy it is withheld
	// from the bought quantity and never reaches the wallet.
	BaseFee decimal.Decimal
}

// NetQty returns the executed quantity less the base asset commission.
func (r OrderResult) NetQty() decimal.Decimal {
	return r.ExecutedQty.Sub(r.BaseFee)
}

// QuoteFee returns the whole commission valued in the quote asset at price.
func (r OrderResult) QuoteFee(price decimal.Decimal) decimal.Decimal {
	return r.Fee.Add(r.BaseFee.Mul(price))
}
