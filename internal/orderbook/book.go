package orderbook

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"oes/internal/domain"
	"oes/internal/store"
)

// nowFn is swappable in tests, mirroring realmfikri-Limitless's
// injected-clock pattern (engine/orderbook_test.go: ob.now = func() ...).
var nowFn = time.Now

var log = logrus.WithField("component", "orderbook")

// Book is the lit+dark, all-symbols order book. One Book instance is
// shared by every symbol; callers serialize matching decisions per
// symbol themselves (§5 recommends one writer task per symbol).
type Book struct {
	st *store.Store
}

func New(st *store.Store) *Book {
	return &Book{st: st}
}

func (b *Book) getOrder(id string) (domain.Order, bool, error) {
	raw, ok, err := b.st.HGet(orderKey(id), "data")
	if err != nil {
		return domain.Order{}, false, err
	}
	if !ok {
		return domain.Order{}, false, nil
	}
	var o domain.Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return domain.Order{}, false, domain.Wrap(domain.CodeInternal, "decode order", err)
	}
	return o, true, nil
}

func (b *Book) putOrder(o domain.Order) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return domain.Wrap(domain.CodeInternal, "encode order", err)
	}
	return b.st.HSet(orderKey(o.ID), "data", raw)
}

// Get returns the current state of an order by id.
func (b *Book) Get(id string) (domain.Order, error) {
	o, ok, err := b.getOrder(id)
	if err != nil {
		return domain.Order{}, err
	}
	if !ok {
		return domain.Order{}, domain.NewError(domain.CodeUnknownOrder, id)
	}
	return o, nil
}

// Insert adds a new resting order to its venue's book. The caller is
// responsible for having already decided the order belongs in the book
// (TIF day/gtc, unfilled remainder); Insert itself only enforces that
// remaining > 0.
func (b *Book) Insert(o domain.Order) error {
	if o.RemainingQuantity.Sign() <= 0 {
		return domain.NewError(domain.CodeRejected, "remaining quantity must be positive")
	}
	if o.Status == domain.StatusNew {
		o.Status = domain.StatusOpen
	}
	if err := b.putOrder(o); err != nil {
		return err
	}
	key := bookKey(o.Venue, o.Symbol, o.Side)
	if err := b.st.ZAdd(key, score(o.Side, o.Price), o.Sequence, o.ID); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"order_id": o.ID, "symbol": o.Symbol, "venue": o.Venue, "side": o.Side}).Debug("order inserted")
	return nil
}

// PeekBest returns the resting order with priority at symbol/venue on
// the given side, or ok=false if the venue has no liquidity there.
func (b *Book) PeekBest(symbol string, side domain.Side, venue domain.Venue) (domain.Order, bool, error) {
	key := bookKey(venue, symbol, side)
	members, err := b.st.ZRange(key, 0, 0, false)
	if err != nil {
		return domain.Order{}, false, err
	}
	if len(members) == 0 {
		return domain.Order{}, false, nil
	}
	o, ok, err := b.getOrder(members[0])
	if err != nil || !ok {
		return domain.Order{}, false, err
	}
	return o, true, nil
}

// Consume atomically decrements remaining by qty. It fails with
// CodeStale if the order is no longer resting (§3: "an order is in the
// book iff status ∈ {open, partially_filled}") or if its remaining is
// less than qty at the time of the operation — either a cancel raced
// ahead of this consume and already pulled the order out of the set, or
// another matching step got there first. The matching engine retries
// from the top of its loop (re-peek, recompute fill qty) on that error;
// it must never consume an order PeekBest handed back that has since
// gone terminal.
func (b *Book) Consume(orderID string, qty decimal.Decimal) (domain.Order, error) {
	var result domain.Order
	err := b.st.CAS(orderID, func() error {
		o, ok, err := b.getOrder(orderID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewError(domain.CodeUnknownOrder, orderID)
		}
		if !o.Status.Resting() {
			return domain.NewError(domain.CodeStale, "order is no longer resting")
		}
		if o.RemainingQuantity.LessThan(qty) {
			return domain.NewError(domain.CodeStale, "remaining less than requested fill")
		}
		o.RemainingQuantity = o.RemainingQuantity.Sub(qty)
		o.UpdatedAt = nowFn()
		if o.RemainingQuantity.IsZero() {
			o.Status = domain.StatusFilled
			if err := b.removeFromSet(o); err != nil {
				return err
			}
		} else {
			o.Status = domain.StatusPartiallyFilled
		}
		if err := b.putOrder(o); err != nil {
			return err
		}
		result = o
		return nil
	})
	return result, err
}

// Restore reverses a Consume that must be undone because the ledger
// side of the same trade failed to apply — it hands qty back to the
// resting order and re-inserts it into its venue's book if Consume had
// just removed it on a full fill.
func (b *Book) Restore(orderID string, qty decimal.Decimal) error {
	return b.st.CAS(orderID, func() error {
		o, ok, err := b.getOrder(orderID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewError(domain.CodeUnknownOrder, orderID)
		}
		wasRemoved := o.Status == domain.StatusFilled
		o.RemainingQuantity = o.RemainingQuantity.Add(qty)
		o.Status = domain.StatusPartiallyFilled
		if o.Filled().Sign() <= 0 {
			o.Status = domain.StatusOpen
		}
		o.UpdatedAt = nowFn()
		if err := b.putOrder(o); err != nil {
			return err
		}
		if wasRemoved {
			key := bookKey(o.Venue, o.Symbol, o.Side)
			return b.st.ZAdd(key, score(o.Side, o.Price), o.Sequence, o.ID)
		}
		return nil
	})
}

// Available sums the remaining quantity resting on side across both
// venues that would cross priceLimit (nil priceLimit means unprotected
// — every resting order on that side counts). Used by the FOK
// pre-check, which must not mutate book state while deciding.
func (b *Book) Available(symbol string, side domain.Side, priceLimit *decimal.Decimal) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, v := range []domain.Venue{domain.VenueDark, domain.VenueLit} {
		key := bookKey(v, symbol, side)
		members, err := b.st.ZRange(key, 0, -1, false)
		if err != nil {
			return decimal.Zero, err
		}
		for _, id := range members {
			o, ok, err := b.getOrder(id)
			if err != nil {
				return decimal.Zero, err
			}
			if !ok || !o.Status.Resting() {
				continue
			}
			if priceLimit != nil {
				// side is the resting side, opposite the order whose
				// fillability is being checked. A resting bid crosses a
				// sell's limit when bid.Price >= limit; a resting ask
				// crosses a buy's limit when ask.Price <= limit.
				if side == domain.Buy && o.Price.LessThan(*priceLimit) {
					continue
				}
				if side == domain.Sell && o.Price.GreaterThan(*priceLimit) {
					continue
				}
			}
			total = total.Add(o.RemainingQuantity)
		}
	}
	return total, nil
}

func (b *Book) removeFromSet(o domain.Order) error {
	key := bookKey(o.Venue, o.Symbol, o.Side)
	return b.st.ZRem(key, o.ID)
}

// AmendRequest describes a requested mutation; nil fields are left
// unchanged.
type AmendRequest struct {
	Price    *decimal.Decimal
	Quantity *decimal.Decimal
}

// Amend applies price and/or quantity changes to a resting order. A
// quantity-only decrease keeps time priority in place. Any price change,
// or any quantity increase, forfeits priority: the order is re-inserted
// with a fresh sequence number. Reducing quantity below what has already
// executed fails with CodeInvalidAmend.
func (b *Book) Amend(orderID string, req AmendRequest, nextSeq func() uint64) (domain.Order, error) {
	var result domain.Order
	err := b.st.CAS(orderID, func() error {
		o, ok, err := b.getOrder(orderID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewError(domain.CodeUnknownOrder, orderID)
		}
		if o.Status.Terminal() {
			return domain.NewError(domain.CodeAlreadyTerminal, orderID)
		}

		executed := o.Filled()
		newPrice := o.Price
		priceChanged := false
		if req.Price != nil && !req.Price.Equal(o.Price) {
			newPrice = *req.Price
			priceChanged = true
		}

		newOriginal := o.OriginalQuantity
		newRemaining := o.RemainingQuantity
		qtyIncreased := false
		if req.Quantity != nil {
			if req.Quantity.LessThan(executed) {
				return domain.NewError(domain.CodeInvalidAmend, "quantity below executed amount")
			}
			newOriginal = *req.Quantity
			newRemaining = req.Quantity.Sub(executed)
			if newRemaining.GreaterThan(o.RemainingQuantity) {
				qtyIncreased = true
			}
		}

		forfeitPriority := priceChanged || qtyIncreased

		if err := b.removeFromSet(o); err != nil {
			return err
		}

		o.Price = newPrice
		o.OriginalQuantity = newOriginal
		o.RemainingQuantity = newRemaining
		o.UpdatedAt = nowFn()
		if forfeitPriority {
			o.Sequence = nextSeq()
		}

		if err := b.putOrder(o); err != nil {
			return err
		}
		key := bookKey(o.Venue, o.Symbol, o.Side)
		if err := b.st.ZAdd(key, score(o.Side, o.Price), o.Sequence, o.ID); err != nil {
			return err
		}
		result = o
		return nil
	})
	return result, err
}

// Cancel removes a resting order from the book and marks it cancelled.
// alreadyTerminal is true (with a nil error) if the order was already in
// a terminal state — cancel is idempotent.
func (b *Book) Cancel(orderID string) (alreadyTerminal bool, err error) {
	err = b.st.CAS(orderID, func() error {
		o, ok, gerr := b.getOrder(orderID)
		if gerr != nil {
			return gerr
		}
		if !ok {
			return domain.NewError(domain.CodeUnknownOrder, orderID)
		}
		if o.Status.Terminal() {
			alreadyTerminal = true
			return nil
		}
		if o.Status.Resting() {
			if rerr := b.removeFromSet(o); rerr != nil {
				return rerr
			}
		}
		o.Status = domain.StatusCancelled
		o.UpdatedAt = nowFn()
		return b.putOrder(o)
	})
	return alreadyTerminal, err
}

// Depth returns up to n aggregated price levels per side for symbol at
// venue, best price first.
func (b *Book) Depth(symbol string, venue domain.Venue, n int) (bids, asks []domain.OrderBookLevel, err error) {
	bids, err = b.depthSide(symbol, domain.Buy, venue, n)
	if err != nil {
		return nil, nil, err
	}
	asks, err = b.depthSide(symbol, domain.Sell, venue, n)
	if err != nil {
		return nil, nil, err
	}
	return bids, asks, nil
}

func (b *Book) depthSide(symbol string, side domain.Side, venue domain.Venue, n int) ([]domain.OrderBookLevel, error) {
	key := bookKey(venue, symbol, side)
	members, err := b.st.ZRange(key, 0, -1, false)
	if err != nil {
		return nil, err
	}

	var levels []domain.OrderBookLevel
	for _, id := range members {
		o, ok, err := b.getOrder(id)
		if err != nil {
			return nil, err
		}
		if !ok || !o.Status.Resting() {
			continue
		}
		if len(levels) > 0 && levels[len(levels)-1].Price.Equal(o.Price) {
			lvl := &levels[len(levels)-1]
			lvl.Quantity = lvl.Quantity.Add(o.RemainingQuantity)
			lvl.OrderCount++
			continue
		}
		if n > 0 && len(levels) >= n {
			break
		}
		levels = append(levels, domain.OrderBookLevel{
			Price:      o.Price,
			Quantity:   o.RemainingQuantity,
			OrderCount: 1,
		})
	}
	return levels, nil
}

// BestPrices returns the best bid and ask across both venues combined,
// used by the invariant check "best_bid < best_ask" and by callers that
// don't care which venue currently holds priority.
func (b *Book) BestPrices(symbol string) (bestBid, bestAsk decimal.Decimal, haveBid, haveAsk bool, err error) {
	for _, v := range []domain.Venue{domain.VenueDark, domain.VenueLit} {
		if o, ok, e := b.PeekBest(symbol, domain.Buy, v); e != nil {
			return decimal.Zero, decimal.Zero, false, false, e
		} else if ok && (!haveBid || o.Price.GreaterThan(bestBid)) {
			bestBid, haveBid = o.Price, true
		}
		if o, ok, e := b.PeekBest(symbol, domain.Sell, v); e != nil {
			return decimal.Zero, decimal.Zero, false, false, e
		} else if ok && (!haveAsk || o.Price.LessThan(bestAsk)) {
			bestAsk, haveAsk = o.Price, true
		}
	}
	return bestBid, bestAsk, haveBid, haveAsk, nil
}
