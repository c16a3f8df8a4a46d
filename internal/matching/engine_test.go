package matching

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"oes/internal/domain"
	"oes/internal/ledger"
	"oes/internal/orderbook"
	"oes/internal/sequence"
	"oes/internal/store"
)

type recordingBus struct {
	published []string
}

func (r *recordingBus) Publish(topic string, payload any) {
	r.published = append(r.published, topic)
}

func (r *recordingBus) PublishAs(topic, envelopeType string, payload any) {
	r.published = append(r.published, topic+"#"+envelopeType)
}

type testHarness struct {
	book   *orderbook.Book
	ledger *ledger.Ledger
	engine *Engine
	bus    *recordingBus
	seq    *sequence.Sequencer
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	book := orderbook.New(st)
	ldg := ledger.New(st)
	bus := &recordingBus{}
	seq := sequence.New(0)
	engine := New(book, ldg, bus, seq)
	return &testHarness{book: book, ledger: ldg, engine: engine, bus: bus, seq: seq}
}

// place creates an account, reserves against it, builds the order, and
// hands it to Submit, returning the final order and the trades produced.
func (h *testHarness) place(t *testing.T, accountName string, side domain.Side, price string, qty string, venue domain.Venue, tif domain.TimeInForce) (domain.Order, []domain.Trade) {
	t.Helper()
	acct, err := h.ledger.CreateAccount(accountName, decimal.NewFromInt(1_000_000), domain.AccountStandard, domain.RiskHigh)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	p, err := decimal.NewFromString(price)
	if err != nil {
		t.Fatalf("parse price: %v", err)
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		t.Fatalf("parse qty: %v", err)
	}

	orderID := accountName + "-order"
	res, err := h.ledger.Reserve(acct.ID, orderID, "AAPL", side, q, p)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	order := domain.Order{
		ID:                orderID,
		AccountID:         acct.ID,
		Symbol:            "AAPL",
		Side:              side,
		Type:              domain.OrderLimit,
		Price:             p,
		HasPrice:          true,
		OriginalQuantity:  q,
		RemainingQuantity: q,
		Venue:             venue,
		TimeInForce:       tif,
		Status:            domain.StatusNew,
		Sequence:          h.engine.NextSequence(),
		ReservationID:     res.ID,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}

	trades, final, err := h.engine.Submit(order)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if final.Status.Resting() {
		if err := h.book.Insert(final); err != nil {
			t.Fatalf("insert resting remainder: %v", err)
		}
	}
	return final, trades
}

func TestSimpleCrossLitVenue(t *testing.T) {
	h := newHarness(t)

	seller, sellTrades := h.place(t, "seller", domain.Sell, "140", "5", domain.VenueLit, domain.TIFGTC)
	if len(sellTrades) != 0 || seller.Status != domain.StatusOpen {
		t.Fatalf("resting sell should not cross on its own: status=%s trades=%d", seller.Status, len(sellTrades))
	}

	buyer, buyTrades := h.place(t, "buyer", domain.Buy, "150", "5", domain.VenueLit, domain.TIFGTC)
	if len(buyTrades) != 1 {
		t.Fatalf("trades = %d, want 1", len(buyTrades))
	}
	trade := buyTrades[0]
	if !trade.Price.Equal(decimal.NewFromInt(140)) {
		t.Fatalf("trade price = %s, want 140 (resting order's price)", trade.Price)
	}
	if !trade.Quantity.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("trade qty = %s, want 5", trade.Quantity)
	}
	if buyer.Status != domain.StatusFilled {
		t.Fatalf("buyer status = %s, want filled", buyer.Status)
	}
}

func TestDarkVenuePreferredOverLit(t *testing.T) {
	h := newHarness(t)

	_, _ = h.place(t, "lit-seller", domain.Sell, "140", "5", domain.VenueLit, domain.TIFGTC)
	_, _ = h.place(t, "dark-seller", domain.Sell, "145", "5", domain.VenueDark, domain.TIFGTC)

	_, trades := h.place(t, "buyer", domain.Buy, "150", "5", domain.VenueLit, domain.TIFGTC)
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	if trades[0].Venue != domain.VenueDark {
		t.Fatalf("trade venue = %s, want dark (dark crosses before lit even at a worse price)", trades[0].Venue)
	}
}

func TestIOCCancelsUnfilledRemainder(t *testing.T) {
	h := newHarness(t)
	_, _ = h.place(t, "seller", domain.Sell, "140", "3", domain.VenueLit, domain.TIFGTC)

	buyer, trades := h.place(t, "buyer", domain.Buy, "150", "10", domain.VenueLit, domain.TIFIOC)
	if len(trades) != 1 || !trades[0].Quantity.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("trades = %+v, want one trade of qty 3", trades)
	}
	if buyer.Status != domain.StatusCancelled {
		t.Fatalf("buyer status = %s, want cancelled (IOC remainder never rests)", buyer.Status)
	}
}

func TestFOKRejectsWhenNotFullyFillable(t *testing.T) {
	h := newHarness(t)
	_, _ = h.place(t, "seller", domain.Sell, "140", "3", domain.VenueLit, domain.TIFGTC)

	acct, err := h.ledger.CreateAccount("fok-buyer", decimal.NewFromInt(1_000_000), domain.AccountStandard, domain.RiskHigh)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	price := decimal.NewFromInt(150)
	qty := decimal.NewFromInt(10)
	res, err := h.ledger.Reserve(acct.ID, "fok-order", "AAPL", domain.Buy, qty, price)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	order := domain.Order{
		ID: "fok-order", AccountID: acct.ID, Symbol: "AAPL", Side: domain.Buy,
		Type: domain.OrderLimit, Price: price, HasPrice: true,
		OriginalQuantity: qty, RemainingQuantity: qty, Venue: domain.VenueLit,
		TimeInForce: domain.TIFFOK, Status: domain.StatusNew,
		Sequence: h.engine.NextSequence(), ReservationID: res.ID,
	}

	trades, final, err := h.engine.Submit(order)
	if domain.CodeOf(err) != domain.CodeNotFillable {
		t.Fatalf("err code = %v, want NOT_FILLABLE", domain.CodeOf(err))
	}
	if len(trades) != 0 {
		t.Fatalf("trades = %d, want 0 (FOK precheck must not mutate the book)", len(trades))
	}
	if final.Status != domain.StatusRejected {
		t.Fatalf("status = %s, want rejected", final.Status)
	}

	// The resting seller must be completely untouched by the failed FOK
	// attempt.
	restingStill, ok, err := h.book.PeekBest("AAPL", domain.Sell, domain.VenueLit)
	if err != nil || !ok || !restingStill.RemainingQuantity.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("resting seller = %+v ok=%v err=%v, want untouched qty 3", restingStill, ok, err)
	}
}

func TestFOKFillsWhenFullyAvailable(t *testing.T) {
	h := newHarness(t)
	_, _ = h.place(t, "seller", domain.Sell, "140", "10", domain.VenueLit, domain.TIFGTC)

	buyer, trades := h.place(t, "fok-buyer", domain.Buy, "150", "10", domain.VenueLit, domain.TIFFOK)
	if len(trades) != 1 || !trades[0].Quantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("trades = %+v, want one trade of qty 10", trades)
	}
	if buyer.Status != domain.StatusFilled {
		t.Fatalf("buyer status = %s, want filled", buyer.Status)
	}
}

func TestPartialFillAcrossMultipleRestingOrders(t *testing.T) {
	h := newHarness(t)
	_, _ = h.place(t, "seller1", domain.Sell, "140", "3", domain.VenueLit, domain.TIFGTC)
	_, _ = h.place(t, "seller2", domain.Sell, "141", "3", domain.VenueLit, domain.TIFGTC)

	buyer, trades := h.place(t, "buyer", domain.Buy, "150", "5", domain.VenueLit, domain.TIFGTC)
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(trades))
	}
	if !trades[0].Quantity.Equal(decimal.NewFromInt(3)) || !trades[0].Price.Equal(decimal.NewFromInt(140)) {
		t.Fatalf("trade0 = %+v, want qty 3 @ 140 (better-priced seller first)", trades[0])
	}
	if !trades[1].Quantity.Equal(decimal.NewFromInt(2)) || !trades[1].Price.Equal(decimal.NewFromInt(141)) {
		t.Fatalf("trade1 = %+v, want qty 2 @ 141", trades[1])
	}
	if buyer.Status != domain.StatusFilled {
		t.Fatalf("buyer status = %s, want filled", buyer.Status)
	}
}

func TestTickSymbolRecoversDroppedWakeup(t *testing.T) {
	h := newHarness(t)

	// Insert both resting orders directly via the book, bypassing Submit,
	// to simulate a crossed state that a dropped wake-up left unmatched.
	sellerAcct, err := h.ledger.CreateAccount("tick-seller", decimal.NewFromInt(1_000_000), domain.AccountStandard, domain.RiskHigh)
	if err != nil {
		t.Fatalf("create seller: %v", err)
	}
	buyerAcct, err := h.ledger.CreateAccount("tick-buyer", decimal.NewFromInt(1_000_000), domain.AccountStandard, domain.RiskHigh)
	if err != nil {
		t.Fatalf("create buyer: %v", err)
	}

	sellRes, err := h.ledger.Reserve(sellerAcct.ID, "tick-sell", "AAPL", domain.Sell, decimal.NewFromInt(5), decimal.NewFromInt(140))
	if err != nil {
		t.Fatalf("reserve sell: %v", err)
	}
	buyRes, err := h.ledger.Reserve(buyerAcct.ID, "tick-buy", "AAPL", domain.Buy, decimal.NewFromInt(5), decimal.NewFromInt(150))
	if err != nil {
		t.Fatalf("reserve buy: %v", err)
	}

	sellOrder := domain.Order{
		ID: "tick-sell", AccountID: sellerAcct.ID, Symbol: "AAPL", Side: domain.Sell,
		Type: domain.OrderLimit, Price: decimal.NewFromInt(140), HasPrice: true,
		OriginalQuantity: decimal.NewFromInt(5), RemainingQuantity: decimal.NewFromInt(5),
		Venue: domain.VenueLit, TimeInForce: domain.TIFGTC, Status: domain.StatusOpen,
		Sequence: h.engine.NextSequence(), ReservationID: sellRes.ID,
	}
	if err := h.book.Insert(sellOrder); err != nil {
		t.Fatalf("insert sell: %v", err)
	}

	buyOrder := domain.Order{
		ID: "tick-buy", AccountID: buyerAcct.ID, Symbol: "AAPL", Side: domain.Buy,
		Type: domain.OrderLimit, Price: decimal.NewFromInt(150), HasPrice: true,
		OriginalQuantity: decimal.NewFromInt(5), RemainingQuantity: decimal.NewFromInt(5),
		Venue: domain.VenueLit, TimeInForce: domain.TIFGTC, Status: domain.StatusOpen,
		Sequence: h.engine.NextSequence(), ReservationID: buyRes.ID,
	}
	if err := h.book.Insert(buyOrder); err != nil {
		t.Fatalf("insert buy: %v", err)
	}

	trades, err := h.engine.TickSymbol("AAPL")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(trades) != 1 || !trades[0].Quantity.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("trades = %+v, want one trade of qty 5", trades)
	}
}

func TestLedgerFailureRollsBackConsume(t *testing.T) {
	h := newHarness(t)
	seller, _ := h.place(t, "seller", domain.Sell, "140", "5", domain.VenueLit, domain.TIFGTC)

	buyerAcct, err := h.ledger.CreateAccount("broke-buyer", decimal.NewFromInt(0), domain.AccountStandard, domain.RiskHigh)
	if err != nil {
		t.Fatalf("create buyer: %v", err)
	}
	// Deliberately skip Reserve so ApplyFill's cash debit still succeeds
	// but with a ReservationID pointing nowhere: simulate a ledger-side
	// failure by crediting the buyer's reservation id to a bogus value
	// so ReleasePartial errors and the engine must roll back.
	order := domain.Order{
		ID: "broke-order", AccountID: buyerAcct.ID, Symbol: "AAPL", Side: domain.Buy,
		Type: domain.OrderLimit, Price: decimal.NewFromInt(150), HasPrice: true,
		OriginalQuantity: decimal.NewFromInt(5), RemainingQuantity: decimal.NewFromInt(5),
		Venue: domain.VenueLit, TimeInForce: domain.TIFGTC, Status: domain.StatusNew,
		Sequence: h.engine.NextSequence(), ReservationID: "does-not-exist",
	}

	_, _, err = h.engine.Submit(order)
	if err == nil {
		t.Fatalf("expected an error from a bogus reservation id")
	}

	restingAfter, err := h.book.Get(seller.ID)
	if err != nil {
		t.Fatalf("get seller: %v", err)
	}
	if restingAfter.Status != domain.StatusOpen || !restingAfter.RemainingQuantity.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("seller = %+v, want untouched (rolled back to open qty 5)", restingAfter)
	}
}
