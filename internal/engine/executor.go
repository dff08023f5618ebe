package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lotbot/internal/domain"
	"github.com/vadiminshakov/lotbot/internal/events"
	"github.com/vadiminshakov/lotbot/internal/metrics"
	"github.com/vadiminshakov/lotbot/internal/services/breaker"
	"github.com/vadiminshakov/lotbot/internal/services/strategy"
	"github.com/vadiminshakov/lotbot/internal/services/trader"
	"go.uber.org/zap"
)

var errBreakerTripped = errors.New("circuit breaker tripped")

// CycleReport summarizes what one cycle did.
type CycleReport struct {
	Price          decimal.Decimal
	FreeQuote      decimal.Decimal
	BalanceFetched bool
	Precheck       bool
	BuyAllowed     bool
	BuysPlaced     int
	SellsPlaced    int
	BuyFills       int
	SellFills      int
	Canceled       int
	LedgerFaults   int
	BreakerBlocked bool
	Transitions    []domain.Transition
}

type comboRuntime struct {
	combo domain.Combo
	buy   strategy.BuyLogic
	sell  strategy.SellLogic
}

// executor evaluates combos of one account and turns intents into orders.
// It never persists anything itself: all changes go to the state it is given.
type executor struct {
	gw      Gateway
	breaker *breaker.Breaker
	cfg     Config
	logger  *zap.Logger
	events  *events.Broadcaster
}

// runtimes builds the logics of every combo of the account.
func (e *executor) runtimes(st *domain.AccountState) map[string]comboRuntime {
	out := make(map[string]comboRuntime, len(st.Combos))
	for _, c := range st.Combos {
		buy, sell, err := strategy.ForCombo(c)
		if err != nil {
			e.logger.Error("skip combo with invalid logic", zap.String("combo", c.ID), zap.Error(err))
			continue
		}
		out[c.ID] = comboRuntime{combo: c, buy: buy, sell: sell}
	}
	return out
}

// enabled returns the runtimes of enabled combos in configuration order.
func (e *executor) enabled(st *domain.AccountState, rts map[string]comboRuntime) []comboRuntime {
	var out []comboRuntime
	for _, c := range st.EnabledCombos() {
		if rt, ok := rts[c.ID]; ok {
			out = append(out, rt)
		}
	}
	return out
}

func (e *executor) strategyContext(st *domain.AccountState, rt comboRuntime, cs *domain.ComboState, price, free decimal.Decimal, now time.Time) *strategy.Context {
	c := &strategy.Context{
		Now:       now,
		Price:     price,
		FreeQuote: free,
		Combo:     rt.combo,
		State:     cs,
		OpenLots:  st.Ledger.OpenLots(rt.combo.ID),
	}
	if ref := rt.combo.ReferenceComboID; ref != "" {
		if rs, ok := st.ComboStates[ref]; ok {
			c.Reference = &rs
		}
	}
	return c
}

// preTick refreshes base prices of all enabled combos and the account reference price.
func (e *executor) preTick(st *domain.AccountState, rts map[string]comboRuntime, price decimal.Decimal, now time.Time) {
	for _, rt := range e.enabled(st, rts) {
		cs := st.ComboState(rt.combo.ID)
		rt.buy.PreTick(e.strategyContext(st, rt, &cs, price, decimal.Zero, now))
		st.SetComboState(rt.combo.ID, cs)
	}
	st.Account.ReferencePrice = price
	st.Account.ReferencePriceAt = now
}

// precheck reports whether the free quote balance covers the smallest next buy of
// the enabled combos. An account without enabled combos always passes.
func (e *executor) precheck(st *domain.AccountState, rts map[string]comboRuntime, price, free decimal.Decimal, now time.Time) bool {
	var need decimal.Decimal
	found := false
	for _, rt := range e.enabled(st, rts) {
		cs := st.ComboState(rt.combo.ID)
		q := rt.buy.NextBuyQuote(e.strategyContext(st, rt, &cs, price, free, now))
		if !found || q.LessThan(need) {
			need = q
			found = true
		}
	}
	return !found || free.GreaterThanOrEqual(need)
}

// syncBuys applies new fills of pending buy orders of every combo.
func (e *executor) syncBuys(ctx context.Context, st *domain.AccountState, rts map[string]comboRuntime, price decimal.Decimal, now time.Time, report *CycleReport) {
	for _, c := range st.Combos {
		rt, ok := rts[c.ID]
		if !ok {
			continue
		}
		cs := st.ComboState(c.ID)
		if cs.PendingBuy == nil {
			continue
		}
		sctx := e.strategyContext(st, rt, &cs, price, decimal.Zero, now)
		e.syncPendingBuy(ctx, st, rt, sctx, report)
		st.SetComboState(c.ID, cs)
	}
}

func (e *executor) syncPendingBuy(ctx context.Context, st *domain.AccountState, rt comboRuntime, sctx *strategy.Context, report *CycleReport) {
	p := sctx.State.PendingBuy
	res, err := e.gw.GetOrder(ctx, st.Account.Pair, p.OrderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) && sctx.Now.Sub(p.PlacedAt) >= orderTimeout(rt.combo) {
			e.logger.Warn("dropping unknown buy order", zap.String("combo", rt.combo.ID), zap.String("order", p.OrderID))
			sctx.State.PendingBuy = nil
			return
		}
		e.logger.Warn("failed to sync buy order", zap.String("combo", rt.combo.ID), zap.String("order", p.OrderID), zap.Error(err))
		return
	}
	e.applyBuyResult(st, rt, sctx, res, report)
}

// applyBuyResult books the executed quantity not seen before into the lot of the order
// and clears the pending order once the exchange reports a final status.
func (e *executor) applyBuyResult(st *domain.AccountState, rt comboRuntime, sctx *strategy.Context, res domain.OrderResult, report *CycleReport) {
	p := sctx.State.PendingBuy
	fillPrice := res.AvgPrice
	if !fillPrice.IsPositive() {
		fillPrice = p.Price
	}

	if res.ExecutedQty.GreaterThan(p.Applied) {
		delta := res.ExecutedQty.Sub(p.Applied)
		if err := e.bookBuyFill(st, rt, p, res, fillPrice, sctx.Now); err != nil {
			e.ledgerFault(st, errors.Wrapf(err, "book buy fill of order %s", p.OrderID), sctx.Now, report)
			return
		}
		p.Applied = res.ExecutedQty
		report.BuyFills++
		e.logger.Info("buy filled",
			zap.String("combo", rt.combo.ID),
			zap.String("order", p.OrderID),
			zap.String("lot", p.LotID),
			zap.String("price", fillPrice.String()),
			zap.String("qty", delta.String()),
			zap.String("base_fee", res.BaseFee.String()))
		e.publish(st, sctx.Now, events.KindOrderFilled, "buy "+delta.String()+" @ "+fillPrice.String())
	}

	if res.Status.Final() {
		if lot, ok := st.Ledger.Get(p.LotID); ok {
			rt.buy.OnBuyFill(sctx, fillPrice, lot.Qty)
		}
		sctx.State.PendingBuy = nil
	}
}

// bookBuyFill keeps one lot per buy order: the first fill opens it, later fills grow it.
// The lot holds the quantity net of base asset fees at the quote spent.
func (e *executor) bookBuyFill(st *domain.AccountState, rt comboRuntime, p *domain.PendingOrder, res domain.OrderResult, fillPrice decimal.Decimal, now time.Time) error {
	net := res.NetQty()
	cost := fillPrice.Mul(res.ExecutedQty)

	if p.LotID == "" {
		lot, err := domain.NewLotFromCost(rt.combo.ID, p.OrderID, net, cost, now)
		if err != nil {
			return err
		}
		if err := st.Ledger.Append(lot); err != nil {
			return err
		}
		p.LotID = lot.ID
		return nil
	}

	lot, ok := st.Ledger.Get(p.LotID)
	if !ok {
		return errors.Wrapf(domain.ErrLotNotOpen, "lot %s of order %s", p.LotID, p.OrderID)
	}
	return st.Ledger.AddBuyFill(p.LotID, net.Sub(lot.Qty), cost.Sub(lot.Cost))
}

// runBuys cancels stale pending buys and evaluates buy logics. Orders are placed only
// when place is true. It returns the free quote left after placed buys.
func (e *executor) runBuys(ctx context.Context, st *domain.AccountState, rts map[string]comboRuntime, price, free decimal.Decimal, now time.Time, place bool, report *CycleReport) decimal.Decimal {
	for _, rt := range e.enabled(st, rts) {
		cs := st.ComboState(rt.combo.ID)
		sctx := e.strategyContext(st, rt, &cs, price, free, now)

		if cs.PendingBuy != nil {
			if cancel, reason := rt.buy.ShouldCancelPending(sctx); cancel {
				e.cancelPendingBuy(ctx, st, rt, sctx, reason, report)
			}
		}

		intent := rt.buy.EvaluateBuy(sctx)
		if intent == nil {
			st.SetComboState(rt.combo.ID, cs)
			continue
		}
		if !place {
			e.logger.Debug("buy throttled", zap.String("combo", rt.combo.ID), zap.String("price", intent.Price.String()))
			st.SetComboState(rt.combo.ID, cs)
			continue
		}
		if e.cfg.OrderCooldown > 0 && !cs.LastOrderAt.IsZero() && now.Sub(cs.LastOrderAt) < e.cfg.OrderCooldown {
			st.SetComboState(rt.combo.ID, cs)
			continue
		}

		res, err := e.submit(ctx, st.Account.Pair, intent)
		if err != nil {
			st.SetComboState(rt.combo.ID, cs)
			if errors.Is(err, errBreakerTripped) {
				report.BreakerBlocked = true
				return free
			}
			continue
		}

		cs.PendingBuy = &domain.PendingOrder{
			OrderID:       res.OrderID,
			ClientOrderID: res.ClientOrderID,
			Price:         intent.Price,
			Qty:           intent.Qty,
			Applied:       decimal.Zero,
			PlacedAt:      now,
		}
		cs.LastOrderAt = now
		free = free.Sub(intent.Notional())
		report.BuysPlaced++
		e.logger.Info("buy order placed",
			zap.String("combo", rt.combo.ID),
			zap.String("order", res.OrderID),
			zap.String("reason", intent.Reason),
			zap.String("price", intent.Price.String()),
			zap.String("qty", intent.Qty.String()))

		if res.ExecutedQty.IsPositive() || res.Status.Final() {
			e.applyBuyResult(st, rt, sctx, res, report)
		}
		st.SetComboState(rt.combo.ID, cs)
	}
	return free
}

func (e *executor) cancelPendingBuy(ctx context.Context, st *domain.AccountState, rt comboRuntime, sctx *strategy.Context, reason string, report *CycleReport) {
	p := sctx.State.PendingBuy
	err := e.gw.CancelOrder(ctx, st.Account.Pair, p.OrderID)
	if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		e.logger.Warn("failed to cancel buy order", zap.String("combo", rt.combo.ID), zap.String("order", p.OrderID), zap.Error(err))
		return
	}
	metrics.Orders.WithLabelValues(domain.SideBuy.String(), "canceled").Inc()
	report.Canceled++
	e.logger.Info("buy order cancelled", zap.String("combo", rt.combo.ID), zap.String("order", p.OrderID), zap.String("reason", reason))

	// fills that happened before the cancel still become lots
	res, err := e.gw.GetOrder(ctx, st.Account.Pair, p.OrderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			sctx.State.PendingBuy = nil
		}
		return
	}
	e.applyBuyResult(st, rt, sctx, res, report)
}

type sellRef struct {
	lotID   string
	orderID string
}

// syncSells applies new fills of active sell orders.
func (e *executor) syncSells(ctx context.Context, st *domain.AccountState, rts map[string]comboRuntime, price decimal.Decimal, now time.Time, report *CycleReport) {
	var refs []sellRef
	for _, lot := range st.Ledger.Open {
		if lot.SellOrder != nil {
			refs = append(refs, sellRef{lotID: lot.ID, orderID: lot.SellOrder.OrderID})
		}
	}

	for _, ref := range refs {
		res, err := e.gw.GetOrder(ctx, st.Account.Pair, ref.orderID)
		if err != nil {
			if errors.Is(err, domain.ErrOrderNotFound) {
				e.logger.Warn("releasing lot from unknown sell order", zap.String("lot", ref.lotID), zap.String("order", ref.orderID))
				st.Ledger.ClearSellOrder(ref.lotID)
				continue
			}
			e.logger.Warn("failed to sync sell order", zap.String("lot", ref.lotID), zap.String("order", ref.orderID), zap.Error(err))
			continue
		}
		e.applySellResult(st, rts, ref.lotID, res, price, now, report)
	}
}

// applySellResult books the newly executed quantity of a sell order against its lot.
func (e *executor) applySellResult(st *domain.AccountState, rts map[string]comboRuntime, lotID string, res domain.OrderResult, price decimal.Decimal, now time.Time, report *CycleReport) {
	lot, ok := st.Ledger.Get(lotID)
	if !ok || lot.SellOrder == nil {
		if res.ExecutedQty.IsPositive() {
			e.ledgerFault(st, errors.Wrapf(domain.ErrLedgerInconsistent, "sell order %s filled for lot %s that is not open", res.OrderID, lotID), now, report)
		}
		return
	}
	so := lot.SellOrder

	delta := res.ExecutedQty.Sub(so.Applied)
	if delta.IsPositive() {
		fillPrice := res.AvgPrice
		if !fillPrice.IsPositive() {
			fillPrice = so.Price
		}
		fee := decimal.Zero
		if res.ExecutedQty.IsPositive() {
			fee = res.QuoteFee(fillPrice).Mul(delta).Div(res.ExecutedQty)
		}

		closed, err := st.Ledger.ApplySellFill(lotID, delta, fillPrice, fee, now)
		if err != nil {
			e.ledgerFault(st, errors.Wrapf(err, "book sell fill of order %s", res.OrderID), now, report)
			st.Ledger.ClearSellOrder(lotID)
			return
		}
		st.AccrueEarnings(closed.NetProfit)
		report.SellFills++
		e.logger.Info("sell filled",
			zap.String("combo", closed.ComboID),
			zap.String("order", res.OrderID),
			zap.String("lot", lotID),
			zap.String("price", fillPrice.String()),
			zap.String("qty", delta.String()),
			zap.String("net_profit", closed.NetProfit.String()),
			zap.Bool("partial", closed.Partial))
		e.publish(st, now, events.KindOrderFilled, "sell "+delta.String()+" @ "+fillPrice.String())

		if rt, ok := rts[closed.ComboID]; ok {
			cs := st.ComboState(closed.ComboID)
			rt.sell.OnSellFill(e.strategyContext(st, rt, &cs, price, decimal.Zero, now), closed)
			st.SetComboState(closed.ComboID, cs)
		}
	}

	if res.Status.Final() {
		st.Ledger.ClearSellOrder(lotID)
	}
}

// runSells evaluates sell logics against the open lots of every enabled combo.
func (e *executor) runSells(ctx context.Context, st *domain.AccountState, rts map[string]comboRuntime, price decimal.Decimal, now time.Time, report *CycleReport) {
	for _, rt := range e.enabled(st, rts) {
		cs := st.ComboState(rt.combo.ID)
		sctx := e.strategyContext(st, rt, &cs, price, decimal.Zero, now)

		for _, lot := range sctx.OpenLots {
			// a lot still filling is sold once its buy order is done
			if cs.PendingBuy != nil && cs.PendingBuy.LotID == lot.ID {
				continue
			}
			intent := rt.sell.EvaluateSell(sctx, lot)
			if intent == nil {
				continue
			}

			res, err := e.submit(ctx, st.Account.Pair, intent)
			if err != nil {
				if errors.Is(err, errBreakerTripped) {
					report.BreakerBlocked = true
					return
				}
				continue
			}

			err = st.Ledger.AttachSellOrder(lot.ID, domain.SellOrder{
				OrderID:  res.OrderID,
				Price:    intent.Price,
				Qty:      intent.Qty,
				PlacedAt: now,
			})
			if err != nil {
				e.ledgerFault(st, errors.Wrapf(err, "attach sell order %s", res.OrderID), now, report)
				continue
			}
			report.SellsPlaced++
			e.logger.Info("sell order placed",
				zap.String("combo", rt.combo.ID),
				zap.String("order", res.OrderID),
				zap.String("lot", lot.ID),
				zap.String("reason", intent.Reason),
				zap.String("price", intent.Price.String()),
				zap.String("qty", intent.Qty.String()))

			if res.ExecutedQty.IsPositive() || res.Status.Final() {
				e.applySellResult(st, rts, lot.ID, res, price, now, report)
			}
		}
	}
}

// submit places a limit order unless the breaker is tripped. The breaker is checked
// right before every order, so a trip during the cycle stops the remaining orders.
func (e *executor) submit(ctx context.Context, pair domain.Pair, intent *domain.OrderIntent) (domain.OrderResult, error) {
	side := intent.Side.String()
	if e.breaker.Tripped() {
		e.logger.Warn("order blocked by circuit breaker", zap.String("combo", intent.ComboID), zap.String("side", side))
		return domain.OrderResult{}, errBreakerTripped
	}

	res, err := e.gw.PlaceLimitOrder(ctx, domain.OrderRequest{
		Pair:          pair,
		Side:          intent.Side,
		Price:         intent.Price,
		Qty:           intent.Qty,
		ClientOrderID: trader.NewClientOrderID(),
	})
	if err != nil {
		metrics.Orders.WithLabelValues(side, "failed").Inc()
		e.logger.Warn("order submission failed",
			zap.String("combo", intent.ComboID),
			zap.String("side", side),
			zap.String("price", intent.Price.String()),
			zap.String("qty", intent.Qty.String()),
			zap.Error(err))
		return domain.OrderResult{}, err
	}
	metrics.Orders.WithLabelValues(side, "placed").Inc()
	return res, nil
}

func (e *executor) ledgerFault(st *domain.AccountState, err error, now time.Time, report *CycleReport) {
	report.LedgerFaults++
	e.logger.Error("lot ledger fault", zap.Error(err))
	e.publish(st, now, events.KindLedgerFault, err.Error())
}

func (e *executor) publish(st *domain.AccountState, now time.Time, kind events.Kind, msg string) {
	e.events.Publish(events.AccountEvent{
		Timestamp: now,
		AccountID: st.Account.ID,
		Pair:      st.Account.Pair.String(),
		Kind:      kind,
		Message:   msg,
	})
}

func orderTimeout(c domain.Combo) time.Duration {
	if c.BuyParams.OrderTimeout > 0 {
		return c.BuyParams.OrderTimeout
	}
	return defaultOrderTimeout
}
