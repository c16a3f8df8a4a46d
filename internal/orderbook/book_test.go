package orderbook

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"oes/internal/domain"
	"oes/internal/store"
)

func newTestBook(t *testing.T) *Book {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st)
}

func mkOrder(id string, side domain.Side, price string, qty string, seq uint64) domain.Order {
	p, _ := decimal.NewFromString(price)
	q, _ := decimal.NewFromString(qty)
	return domain.Order{
		ID:                id,
		AccountID:         "acct-" + id,
		Symbol:            "AAPL",
		Side:              side,
		Type:              domain.OrderLimit,
		Price:             p,
		HasPrice:          true,
		OriginalQuantity:  q,
		RemainingQuantity: q,
		Venue:             domain.VenueLit,
		TimeInForce:       domain.TIFGTC,
		Status:            domain.StatusNew,
		Sequence:          seq,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
}

func TestInsertAndPeekBestPriceTimePriority(t *testing.T) {
	b := newTestBook(t)

	a := mkOrder("a", domain.Buy, "100", "5", 1)
	later := mkOrder("later", domain.Buy, "100", "5", 2)
	worse := mkOrder("worse", domain.Buy, "99", "5", 3)

	for _, o := range []domain.Order{worse, later, a} {
		if err := b.Insert(o); err != nil {
			t.Fatalf("insert %s: %v", o.ID, err)
		}
	}

	best, ok, err := b.PeekBest("AAPL", domain.Buy, domain.VenueLit)
	if err != nil || !ok {
		t.Fatalf("peek best: ok=%v err=%v", ok, err)
	}
	if best.ID != "a" {
		t.Fatalf("best = %s, want a (earlier sequence at the best price wins)", best.ID)
	}
}

func TestConsumePartialThenFull(t *testing.T) {
	b := newTestBook(t)
	o := mkOrder("o", domain.Sell, "150", "10", 1)
	if err := b.Insert(o); err != nil {
		t.Fatalf("insert: %v", err)
	}

	updated, err := b.Consume("o", decimal.NewFromInt(4))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !updated.RemainingQuantity.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("remaining = %s, want 6", updated.RemainingQuantity)
	}
	if updated.Status != domain.StatusPartiallyFilled {
		t.Fatalf("status = %s, want partially_filled", updated.Status)
	}

	updated, err = b.Consume("o", decimal.NewFromInt(6))
	if err != nil {
		t.Fatalf("consume remainder: %v", err)
	}
	if updated.Status != domain.StatusFilled {
		t.Fatalf("status = %s, want filled", updated.Status)
	}

	if _, ok, err := b.PeekBest("AAPL", domain.Sell, domain.VenueLit); err != nil || ok {
		t.Fatalf("expected book empty after full consume, ok=%v err=%v", ok, err)
	}
}

func TestConsumeMoreThanRemainingIsStale(t *testing.T) {
	b := newTestBook(t)
	o := mkOrder("o", domain.Sell, "150", "3", 1)
	if err := b.Insert(o); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := b.Consume("o", decimal.NewFromInt(5))
	if domain.CodeOf(err) != domain.CodeStale {
		t.Fatalf("err code = %v, want STALE", domain.CodeOf(err))
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	b := newTestBook(t)
	o := mkOrder("o", domain.Buy, "100", "5", 1)
	if err := b.Insert(o); err != nil {
		t.Fatalf("insert: %v", err)
	}

	terminal, err := b.Cancel("o")
	if err != nil || terminal {
		t.Fatalf("first cancel: terminal=%v err=%v", terminal, err)
	}
	terminal, err = b.Cancel("o")
	if err != nil || !terminal {
		t.Fatalf("second cancel: terminal=%v err=%v, want terminal=true", terminal, err)
	}

	got, err := b.Get("o")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestAmendPriceChangeForfeitsPriority(t *testing.T) {
	b := newTestBook(t)
	a := mkOrder("a", domain.Buy, "100", "5", 1)
	bOrder := mkOrder("b", domain.Buy, "100", "5", 2)
	for _, o := range []domain.Order{a, bOrder} {
		if err := b.Insert(o); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	nextSeq := uint64(10)
	seqFn := func() uint64 { nextSeq++; return nextSeq }

	// Move a to 101 and back to 100: each price change assigns a fresh
	// sequence, so back at 100 a now sits behind b.
	newPrice := decimal.NewFromInt(101)
	if _, err := b.Amend("a", AmendRequest{Price: &newPrice}, seqFn); err != nil {
		t.Fatalf("amend: %v", err)
	}
	origPrice := decimal.NewFromInt(100)
	if _, err := b.Amend("a", AmendRequest{Price: &origPrice}, seqFn); err != nil {
		t.Fatalf("amend back: %v", err)
	}

	best, ok, err := b.PeekBest("AAPL", domain.Buy, domain.VenueLit)
	if err != nil || !ok {
		t.Fatalf("peek best: ok=%v err=%v", ok, err)
	}
	if best.ID != "b" {
		t.Fatalf("best = %s, want b (a lost priority by changing price)", best.ID)
	}
}

func TestAmendQuantityDecreaseKeepsPriority(t *testing.T) {
	b := newTestBook(t)
	a := mkOrder("a", domain.Buy, "100", "5", 1)
	bOrder := mkOrder("b", domain.Buy, "100", "5", 2)
	for _, o := range []domain.Order{a, bOrder} {
		if err := b.Insert(o); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	newQty := decimal.NewFromInt(2)
	seqFn := func() uint64 { return 99 }
	if _, err := b.Amend("a", AmendRequest{Quantity: &newQty}, seqFn); err != nil {
		t.Fatalf("amend: %v", err)
	}

	best, ok, err := b.PeekBest("AAPL", domain.Buy, domain.VenueLit)
	if err != nil || !ok {
		t.Fatalf("peek best: ok=%v err=%v", ok, err)
	}
	if best.ID != "a" {
		t.Fatalf("best = %s, want a (quantity decrease keeps priority)", best.ID)
	}
}

func TestDepthAggregatesSamePriceLevel(t *testing.T) {
	b := newTestBook(t)
	for i, o := range []domain.Order{
		mkOrder("a", domain.Sell, "100", "5", 1),
		mkOrder("b", domain.Sell, "100", "3", 2),
		mkOrder("c", domain.Sell, "101", "1", 3),
	} {
		_ = i
		if err := b.Insert(o); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	_, asks, err := b.Depth("AAPL", domain.VenueLit, 10)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if len(asks) != 2 {
		t.Fatalf("levels = %d, want 2", len(asks))
	}
	if !asks[0].Price.Equal(decimal.NewFromInt(100)) || !asks[0].Quantity.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("level 0 = %+v, want price 100 qty 8", asks[0])
	}
	if asks[0].OrderCount != 2 {
		t.Fatalf("order count = %d, want 2", asks[0].OrderCount)
	}
}

func TestBestPricesAcrossVenuesPicksBetter(t *testing.T) {
	b := newTestBook(t)
	lit := mkOrder("lit-bid", domain.Buy, "100", "5", 1)
	lit.Venue = domain.VenueLit
	dark := mkOrder("dark-bid", domain.Buy, "101", "5", 2)
	dark.Venue = domain.VenueDark
	for _, o := range []domain.Order{lit, dark} {
		if err := b.Insert(o); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	bestBid, _, haveBid, _, err := b.BestPrices("AAPL")
	if err != nil || !haveBid {
		t.Fatalf("best prices: haveBid=%v err=%v", haveBid, err)
	}
	if !bestBid.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("best bid = %s, want 101 (dark venue price is better)", bestBid)
	}
}

func TestAvailableSumsCrossingLiquidity(t *testing.T) {
	b := newTestBook(t)
	for _, o := range []domain.Order{
		mkOrder("a", domain.Sell, "100", "5", 1),
		mkOrder("b", domain.Sell, "101", "5", 2),
		mkOrder("c", domain.Sell, "103", "5", 3),
	} {
		if err := b.Insert(o); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	limit := decimal.NewFromInt(101)
	available, err := b.Available("AAPL", domain.Sell, &limit)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if !available.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("available = %s, want 10 (only the 100 and 101 asks cross a 101 limit)", available)
	}
}

func TestRestoreReopensFullyConsumedOrder(t *testing.T) {
	b := newTestBook(t)
	o := mkOrder("o", domain.Sell, "150", "5", 1)
	if err := b.Insert(o); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := b.Consume("o", decimal.NewFromInt(5)); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := b.Restore("o", decimal.NewFromInt(5)); err != nil {
		t.Fatalf("restore: %v", err)
	}

	got, err := b.Get("o")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusOpen || !got.RemainingQuantity.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("got %+v, want open with remaining 5", got)
	}
	if _, ok, err := b.PeekBest("AAPL", domain.Sell, domain.VenueLit); err != nil || !ok {
		t.Fatalf("expected order back in the book, ok=%v err=%v", ok, err)
	}
}
