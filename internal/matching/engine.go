package matching

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"oes/internal/domain"
	"oes/internal/ledger"
	"oes/internal/orderbook"
	"oes/internal/sequence"
)

var log = logrus.WithField("component", "matching")

// nowFn is swappable in tests, matching the clock-injection pattern
// used throughout internal/orderbook and internal/ledger.
var nowFn = time.Now

// maxStaleRetries bounds how many times cross's loop may re-peek and
// retry after CodeStale before giving up as an internal error (§7:
// "STALE is recovered locally by retrying... up to a bounded number of
// attempts, e.g. 8"). Each retry re-peeks and recomputes fill_qty from
// scratch rather than repeating the same consume.
const maxStaleRetries = 8

// Publisher is the narrow slice of internal/eventbus the engine needs.
// Kept as a local interface, in the teacher's style of small
// consumer-defined interfaces, so matching does not import eventbus.
type Publisher interface {
	Publish(topic string, payload any)
	PublishAs(topic, envelopeType string, payload any)
}

// Engine owns the crossing loop for every symbol. One Engine instance
// serves all symbols; a per-symbol mutex gives each symbol a single
// writer at a time, matching §5's "recommend one writer task per
// symbol" without requiring one goroutine per symbol.
type Engine struct {
	book   *orderbook.Book
	ledger *ledger.Ledger
	bus    Publisher
	seq    *sequence.Sequencer

	locks sync.Map // symbol -> *sync.Mutex
}

func New(book *orderbook.Book, ldg *ledger.Ledger, bus Publisher, seq *sequence.Sequencer) *Engine {
	return &Engine{book: book, ledger: ldg, bus: bus, seq: seq}
}

func (e *Engine) lockFor(symbol string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(symbol, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// NextSequence issues the next order sequence number, exposed so
// internal/service can stamp a new order before Submit sees it.
func (e *Engine) NextSequence() uint64 { return e.seq.Next() }

// Submit runs the matching loop for a brand-new order that has already
// been reserved against its account (order.ReservationID set) but not
// yet written to the book. It returns the trades produced and the
// order's final state: Filled, Cancelled/Rejected (IOC/market/FOK
// remainder), or Open/PartiallyFilled — in the latter case the caller
// (internal/service) is responsible for inserting the resting remainder
// into the book.
func (e *Engine) Submit(order domain.Order) ([]domain.Trade, domain.Order, error) {
	mu := e.lockFor(order.Symbol)
	mu.Lock()
	defer mu.Unlock()

	if order.TimeInForce == domain.TIFFOK {
		fillable, err := e.checkFillable(order)
		if err != nil {
			return nil, order, err
		}
		if !fillable {
			order.Status = domain.StatusRejected
			return nil, order, domain.NewError(domain.CodeNotFillable, "order cannot be filled in full")
		}
	}

	trades, err := e.cross(&order, e.newOrderConsumer(&order))
	if err != nil {
		return trades, order, err
	}

	order = resolveRemainder(order)
	return trades, order, nil
}

// TickSymbol re-runs the crossing loop against whichever resting order
// in symbol has the later sequence number, on the side that is
// currently crossable. It exists purely as a recovery mechanism for a
// dropped wake-up (§4.D "Periodic tick") — under normal operation every
// insert already triggers Submit's own loop, so a tick usually finds
// nothing to do.
func (e *Engine) TickSymbol(symbol string) ([]domain.Trade, error) {
	mu := e.lockFor(symbol)
	mu.Lock()
	defer mu.Unlock()

	bestBid, bestAsk, haveBid, haveAsk, err := e.book.BestPrices(symbol)
	if err != nil || !haveBid || !haveAsk || bestBid.LessThan(bestAsk) {
		return nil, err
	}

	bidOrder, _, err := e.bestAcross(symbol, domain.Buy)
	if err != nil {
		return nil, err
	}
	askOrder, _, err := e.bestAcross(symbol, domain.Sell)
	if err != nil {
		return nil, err
	}

	aggressor := bidOrder
	if askOrder.Sequence > bidOrder.Sequence {
		aggressor = askOrder
	}

	return e.cross(&aggressor, e.restingConsumer(&aggressor))
}

// consumer abstracts how the "incoming" side of a crossing step gives
// up filled quantity: a brand-new order just decrements an in-memory
// counter (it isn't in the book yet), while a tick's resting aggressor
// must also be Consume'd from the store like any other resting order.
type consumer func(qty decimal.Decimal) error

func (e *Engine) newOrderConsumer(o *domain.Order) consumer {
	return func(qty decimal.Decimal) error {
		o.RemainingQuantity = o.RemainingQuantity.Sub(qty)
		return nil
	}
}

func (e *Engine) restingConsumer(o *domain.Order) consumer {
	return func(qty decimal.Decimal) error {
		updated, err := e.book.Consume(o.ID, qty)
		if err != nil {
			return err
		}
		*o = updated
		return nil
	}
}

// cross runs the crossing loop for incoming against the opposite side
// of its symbol, dark venue first, falling back to lit. consumeIncoming
// reduces the aggressor's own remaining quantity in whatever way is
// appropriate for its origin (see consumer).
//
// On CodeStale from executeFill — the resting order a peek just handed
// back went terminal or shrank before its Consume landed — recovery
// re-enters this loop from the top: re-peek, recompute fill_qty against
// whatever is resting now, per §4.D.1.iii ("if the atomic block fails,
// retry from step 1"). staleRetries bounds that recovery across the
// whole crossing loop, not per resting order, so a persistently
// contended symbol still fails closed instead of spinning forever.
func (e *Engine) cross(incoming *domain.Order, consumeIncoming consumer) ([]domain.Trade, error) {
	var trades []domain.Trade
	staleRetries := 0

	for incoming.RemainingQuantity.IsPositive() {
		resting, venue, ok, err := e.peekOpposite(incoming)
		if err != nil {
			return trades, err
		}
		if !ok {
			break
		}

		fillQty := decimal.Min(incoming.RemainingQuantity, resting.RemainingQuantity)
		fillPrice := resting.Price

		trade, err := e.executeFill(incoming, &resting, venue, fillQty, fillPrice, consumeIncoming)
		if err != nil {
			if domain.CodeOf(err) == domain.CodeStale {
				staleRetries++
				if staleRetries > maxStaleRetries {
					return trades, domain.Wrap(domain.CodeInternal, "exceeded stale retry budget", err)
				}
				continue
			}
			return trades, err
		}

		trades = append(trades, trade)
		e.publishTrade(trade)
		e.publishBookUpdate(incoming.Symbol)
	}

	return trades, nil
}

// peekOpposite finds the best resting order on incoming's opposite
// side, dark venue first, and reports ok=false if none crosses
// incoming's limit (an unprotected market order, HasPrice false,
// crosses anything).
func (e *Engine) peekOpposite(incoming *domain.Order) (domain.Order, domain.Venue, bool, error) {
	opposite := incoming.Side.Opposite()
	for _, v := range []domain.Venue{domain.VenueDark, domain.VenueLit} {
		resting, ok, err := e.book.PeekBest(incoming.Symbol, opposite, v)
		if err != nil {
			return domain.Order{}, "", false, err
		}
		if !ok {
			continue
		}
		if incoming.HasPrice && !crosses(incoming.Side, incoming.Price, resting.Price) {
			continue
		}
		return resting, v, true, nil
	}
	return domain.Order{}, "", false, nil
}

// bestAcross returns the best resting order for side across both
// venues (dark preferred on ties), used by the periodic tick which has
// no single "incoming" order to peek from.
func (e *Engine) bestAcross(symbol string, side domain.Side) (domain.Order, domain.Venue, error) {
	var best domain.Order
	var bestVenue domain.Venue
	found := false
	for _, v := range []domain.Venue{domain.VenueDark, domain.VenueLit} {
		o, ok, err := e.book.PeekBest(symbol, side, v)
		if err != nil {
			return domain.Order{}, "", err
		}
		if !ok {
			continue
		}
		better := (side == domain.Buy && o.Price.GreaterThan(best.Price)) ||
			(side == domain.Sell && o.Price.LessThan(best.Price))
		if !found || better {
			best, bestVenue, found = o, v, true
		}
	}
	if found {
		return best, bestVenue, nil
	}
	return domain.Order{}, "", domain.NewError(domain.CodeInternal, "tick found no liquidity after BestPrices reported some")
}

func crosses(incomingSide domain.Side, incomingPrice, restingPrice decimal.Decimal) bool {
	if incomingSide == domain.Buy {
		return incomingPrice.GreaterThanOrEqual(restingPrice)
	}
	return incomingPrice.LessThanOrEqual(restingPrice)
}

// executeFill makes a single attempt to consume the resting order, fold
// the trade into both accounts' ledgers, and release the matched slice
// of each side's reservation. It never retries: a CodeStale from
// book.Consume is returned as-is so cross's loop can re-peek and
// recompute fill_qty against current state rather than retrying this
// same qty against an order that will never grow back to cover it.
func (e *Engine) executeFill(incoming, resting *domain.Order, venue domain.Venue, qty, price decimal.Decimal, consumeIncoming consumer) (domain.Trade, error) {
	updatedResting, err := e.book.Consume(resting.ID, qty)
	if err != nil {
		return domain.Trade{}, err
	}
	*resting = updatedResting

	if err := consumeIncoming(qty); err != nil {
		// Undo the resting-side consume; the incoming side never left
		// memory (new-order path) or was itself just handled by
		// Consume (tick path) and reports its own error.
		_ = e.book.Restore(resting.ID, qty)
		return domain.Trade{}, err
	}

	buyOrder, sellOrder := incoming, resting
	if incoming.Side == domain.Sell {
		buyOrder, sellOrder = resting, incoming
	}

	if err := e.applyFillLedger(buyOrder, sellOrder, qty, price); err != nil {
		_ = e.book.Restore(resting.ID, qty)
		return domain.Trade{}, err
	}

	return domain.Trade{
		ID:            uuid.NewString(),
		Symbol:        incoming.Symbol,
		BuyOrderID:    buyOrder.ID,
		SellOrderID:   sellOrder.ID,
		BuyAccountID:  buyOrder.AccountID,
		SellAccountID: sellOrder.AccountID,
		Price:         price,
		Quantity:      qty,
		Venue:         venue,
		Timestamp:     nowFn(),
	}, nil
}

// applyFillLedger folds the trade into both accounts and releases the
// matched quantity from each side's reservation. A failure here is
// rolled back by the caller via Book.Restore, per §4.D's "a ledger
// failure during apply_fill rolls back the consume on the resting
// order."
func (e *Engine) applyFillLedger(buyOrder, sellOrder *domain.Order, qty, price decimal.Decimal) error {
	if err := e.ledger.ApplyFill(buyOrder.AccountID, buyOrder.Symbol, domain.Buy, qty, price); err != nil {
		return err
	}
	if err := e.ledger.ApplyFill(sellOrder.AccountID, sellOrder.Symbol, domain.Sell, qty, price); err != nil {
		return err
	}
	if buyOrder.ReservationID != "" {
		if err := e.ledger.ReleasePartial(buyOrder.ReservationID, qty); err != nil {
			return err
		}
	}
	if sellOrder.ReservationID != "" {
		if err := e.ledger.ReleasePartial(sellOrder.ReservationID, qty); err != nil {
			return err
		}
	}
	return nil
}

// checkFillable performs the non-mutating fillability walk §4.D
// requires before a fill-or-kill order is allowed to enter the
// crossing loop at all.
func (e *Engine) checkFillable(order domain.Order) (bool, error) {
	var priceLimit *decimal.Decimal
	if order.HasPrice {
		p := order.Price
		priceLimit = &p
	}
	available, err := e.book.Available(order.Symbol, order.Side.Opposite(), priceLimit)
	if err != nil {
		return false, err
	}
	return available.GreaterThanOrEqual(order.RemainingQuantity), nil
}

// resolveRemainder decides an order's final status once the crossing
// loop stops, per §4.D: fully filled orders are done; day/gtc limit
// orders with a remainder rest in the book (the caller inserts them);
// everything else (IOC, market, FOK — which never reaches here with a
// remainder) is cancelled.
func resolveRemainder(o domain.Order) domain.Order {
	if o.RemainingQuantity.IsZero() {
		o.Status = domain.StatusFilled
		return o
	}
	if (o.TimeInForce == domain.TIFDay || o.TimeInForce == domain.TIFGTC) && o.Type == domain.OrderLimit {
		if o.Filled().IsPositive() {
			o.Status = domain.StatusPartiallyFilled
		} else {
			o.Status = domain.StatusOpen
		}
		return o
	}
	o.Status = domain.StatusCancelled
	return o
}

// publishTrade emits both envelopes §4.D.1.iv requires for a single
// fill: the trade tape entry itself, and a separate trade_executed
// confirmation. Both ride the same trades:{symbol} topic — the topic
// is a fanout channel, not the envelope's type.
func (e *Engine) publishTrade(t domain.Trade) {
	if e.bus == nil {
		return
	}
	topic := "trades:" + t.Symbol
	e.bus.PublishAs(topic, "trade", t)
	e.bus.PublishAs(topic, "trade_executed", t)
}

func (e *Engine) publishBookUpdate(symbol string) {
	if e.bus == nil {
		return
	}
	bids, asks, err := e.book.Depth(symbol, domain.VenueLit, 10)
	if err != nil {
		log.WithError(err).Warn("book depth for publish failed")
		return
	}
	e.bus.Publish("orderbook:"+symbol, struct {
		Symbol string                  `json:"symbol"`
		Bids   []domain.OrderBookLevel `json:"bids"`
		Asks   []domain.OrderBookLevel `json:"asks"`
	}{symbol, bids, asks})
}
