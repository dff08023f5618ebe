package trader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lotbot/internal/domain"
	"github.com/vadiminshakov/lotbot/internal/storage/simstate"
	"go.uber.org/zap"
)

// DefaultSimulateFeeRate is the taker fee charged by the paper exchange.
var DefaultSimulateFeeRate = decimal.NewFromFloat(0.001)

// Pricer defines an interface for getting the price of a trading pair.
type Pricer interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
}

type paperOrder struct {
	id            string
	clientOrderID string
	side          domain.Side
	price         decimal.Decimal
	qty           decimal.Decimal
	executed      decimal.Decimal
	fee           decimal.Decimal
	status        domain.OrderStatus
	createdAt     time.Time
}

// SimulateTrader is a paper spot exchange for one pair. Limit orders rest until the
// market price crosses them and are filled in full at the limit price when polled.
type SimulateTrader struct {
	mu      sync.Mutex
	pair    domain.Pair
	logger  *zap.Logger
	pricer  Pricer
	feeRate decimal.Decimal
	store   *simstate.Store

	wallet map[string]decimal.Decimal
	orders map[string]*paperOrder
	seq    int64
}

// NewSimulateTrader creates a paper exchange funded with initialQuote. If store is not
// nil the wallet and orders are restored from it and saved after every change.
func NewSimulateTrader(pair domain.Pair, initialQuote decimal.Decimal, logger *zap.Logger, pricer Pricer, store *simstate.Store) (*SimulateTrader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pricer == nil {
		return nil, errors.New("pricer is required for SimulateTrader")
	}

	t := &SimulateTrader{
		pair:    pair,
		logger:  logger,
		pricer:  pricer,
		feeRate: DefaultSimulateFeeRate,
		store:   store,
		wallet:  map[string]decimal.Decimal{pair.From: decimal.Zero, pair.To: initialQuote},
		orders:  make(map[string]*paperOrder),
	}
	if err := t.restoreState(); err != nil {
		logger.Warn("failed to restore simulate state", zap.Error(err))
	}

	logger.Info("simulate init",
		zap.String("pair", pair.String()),
		zap.String("base", t.wallet[pair.From].String()),
		zap.String("quote", t.wallet[pair.To].String()))
	return t, nil
}

func (t *SimulateTrader) GetFreeBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wallet[asset], nil
}

func (t *SimulateTrader) PlaceLimitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if req.Pair != t.pair {
		return domain.OrderResult{}, errors.Errorf("simulate trader serves %s, got %s", t.pair.String(), req.Pair.String())
	}
	if !req.Qty.IsPositive() || !req.Price.IsPositive() {
		return domain.OrderResult{}, errors.Errorf("limit order needs positive qty and price, got %s @ %s", req.Qty, req.Price)
	}

	price, err := t.pricer.GetPrice(ctx, t.pair)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to get price for simulated order")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch req.Side {
	case domain.SideBuy:
		required := t.buyReservation(req.Price, req.Qty)
		if t.wallet[t.pair.To].LessThan(required) {
			return domain.OrderResult{}, errors.Errorf("insufficient %s balance: have %s need %s",
				t.pair.To, t.wallet[t.pair.To].String(), required.String())
		}
		t.wallet[t.pair.To] = t.wallet[t.pair.To].Sub(required)
	case domain.SideSell:
		if t.wallet[t.pair.From].LessThan(req.Qty) {
			return domain.OrderResult{}, errors.Errorf("insufficient %s balance: have %s need %s",
				t.pair.From, t.wallet[t.pair.From].String(), req.Qty.String())
		}
		t.wallet[t.pair.From] = t.wallet[t.pair.From].Sub(req.Qty)
	default:
		return domain.OrderResult{}, errors.Wrapf(domain.ErrUnknownSide, "side %d", req.Side)
	}

	t.seq++
	o := &paperOrder{
		id:            fmt.Sprintf("sim-%d", t.seq),
		clientOrderID: req.ClientOrderID,
		side:          req.Side,
		price:         req.Price,
		qty:           req.Qty,
		executed:      decimal.Zero,
		fee:           decimal.Zero,
		status:        domain.OrderStatusNew,
		createdAt:     time.Now(),
	}
	t.orders[o.id] = o
	t.match(o, price)
	t.persist()

	t.logger.Info("simulated limit order placed",
		zap.String("id", o.id),
		zap.String("side", o.side.String()),
		zap.String("price", o.price.String()),
		zap.String("qty", o.qty.String()),
		zap.String("status", string(o.status)))
	return o.result(), nil
}

func (t *SimulateTrader) GetOrder(ctx context.Context, _ domain.Pair, orderID string) (domain.OrderResult, error) {
	price, err := t.pricer.GetPrice(ctx, t.pair)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to get price for simulated order")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[orderID]
	if !ok {
		return domain.OrderResult{}, errors.Wrapf(domain.ErrOrderNotFound, "simulated order %s", orderID)
	}
	if t.match(o, price) {
		t.persist()
	}
	return o.result(), nil
}

func (t *SimulateTrader) CancelOrder(_ context.Context, _ domain.Pair, orderID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[orderID]
	if !ok {
		return errors.Wrapf(domain.ErrOrderNotFound, "simulated order %s", orderID)
	}
	if o.status.Final() {
		return nil
	}

	remaining := o.qty.Sub(o.executed)
	switch o.side {
	case domain.SideBuy:
		t.wallet[t.pair.To] = t.wallet[t.pair.To].Add(t.buyReservation(o.price, remaining))
	case domain.SideSell:
		t.wallet[t.pair.From] = t.wallet[t.pair.From].Add(remaining)
	}
	o.status = domain.OrderStatusCanceled
	t.persist()

	t.logger.Info("simulated order canceled", zap.String("id", o.id))
	return nil
}

// buyReservation is the quote locked by a buy: notional plus fee.
func (t *SimulateTrader) buyReservation(price, qty decimal.Decimal) decimal.Decimal {
	notional := price.Mul(qty)
	return notional.Add(notional.Mul(t.feeRate))
}

// match fills an open order in full when the market crossed its limit.
// Must be called with t.mu held.
func (t *SimulateTrader) match(o *paperOrder, market decimal.Decimal) bool {
	if o.status.Final() {
		return false
	}
	crossed := (o.side == domain.SideBuy && market.LessThanOrEqual(o.price)) ||
		(o.side == domain.SideSell && market.GreaterThanOrEqual(o.price))
	if !crossed {
		return false
	}

	remaining := o.qty.Sub(o.executed)
	notional := remaining.Mul(o.price)
	fee := notional.Mul(t.feeRate)

	switch o.side {
	case domain.SideBuy:
		// quote was reserved at placement, including the fee
		t.wallet[t.pair.From] = t.wallet[t.pair.From].Add(remaining)
	case domain.SideSell:
		t.wallet[t.pair.To] = t.wallet[t.pair.To].Add(notional.Sub(fee))
	}

	o.executed = o.qty
	o.fee = o.fee.Add(fee)
	o.status = domain.OrderStatusFilled

	t.logger.Info("simulated order filled",
		zap.String("id", o.id),
		zap.String("side", o.side.String()),
		zap.String("price", o.price.String()),
		zap.String("qty", remaining.String()))
	return true
}

func (o *paperOrder) result() domain.OrderResult {
	res := domain.OrderResult{
		OrderID:       o.id,
		ClientOrderID: o.clientOrderID,
		Status:        o.status,
		ExecutedQty:   o.executed,
		Fee:           o.fee,
	}
	if o.executed.IsPositive() {
		res.AvgPrice = o.price
	}
	return res
}

func (t *SimulateTrader) persist() {
	if t.store == nil {
		return
	}

	state := simstate.State{
		Wallet: make(map[string]string, len(t.wallet)),
		Orders: make([]simstate.StoredOrder, 0, len(t.orders)),
		Seq:    t.seq,
	}
	for asset, amount := range t.wallet {
		state.Wallet[asset] = amount.String()
	}
	for _, o := range t.orders {
		state.Orders = append(state.Orders, simstate.StoredOrder{
			ID:            o.id,
			ClientOrderID: o.clientOrderID,
			Side:          o.side.String(),
			Price:         o.price.String(),
			Qty:           o.qty.String(),
			Executed:      o.executed.String(),
			Fee:           o.fee.String(),
			Status:        string(o.status),
			CreatedAt:     o.createdAt,
		})
	}
	sort.Slice(state.Orders, func(i, j int) bool {
		return state.Orders[i].CreatedAt.Before(state.Orders[j].CreatedAt)
	})

	if err := t.store.Save(state); err != nil {
		t.logger.Warn("failed to persist simulate state", zap.Error(err))
	}
}

func (t *SimulateTrader) restoreState() error {
	if t.store == nil {
		return nil
	}
	state, err := t.store.Load()
	if err != nil || state == nil {
		return err
	}

	wallet := make(map[string]decimal.Decimal, len(state.Wallet))
	for asset, raw := range state.Wallet {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return errors.Wrapf(err, "parse wallet balance for %s", asset)
		}
		wallet[asset] = amount
	}

	orders := make(map[string]*paperOrder, len(state.Orders))
	for _, so := range state.Orders {
		var side domain.Side
		if err := side.UnmarshalText([]byte(so.Side)); err != nil {
			return errors.Wrapf(err, "order %s", so.ID)
		}
		o := &paperOrder{
			id:            so.ID,
			clientOrderID: so.ClientOrderID,
			side:          side,
			status:        domain.OrderStatus(so.Status),
			createdAt:     so.CreatedAt,
		}
		for _, f := range []struct {
			dst *decimal.Decimal
			raw string
		}{{&o.price, so.Price}, {&o.qty, so.Qty}, {&o.executed, so.Executed}, {&o.fee, so.Fee}} {
			v, err := decimal.NewFromString(f.raw)
			if err != nil {
				return errors.Wrapf(err, "parse order %s", so.ID)
			}
			*f.dst = v
		}
		orders[o.id] = o
	}

	t.wallet = wallet
	t.orders = orders
	t.seq = state.Seq
	return nil
}
