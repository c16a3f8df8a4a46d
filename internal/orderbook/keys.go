package orderbook

import (
	"fmt"

	"github.com/shopspring/decimal"

	"oes/internal/domain"
)

func bookKey(venue domain.Venue, symbol string, side domain.Side) string {
	sideKey := "bids"
	if side == domain.Sell {
		sideKey = "asks"
	}
	return fmt.Sprintf("book:%s:%s:%s", venue, symbol, sideKey)
}

func orderKey(id string) string {
	return "order:" + id
}

// score returns the sortable key for an order: price for asks, negated
// price for bids, so that an ascending scan is "best price first" on
// both sides (§4.B keyspace note).
func score(side domain.Side, price decimal.Decimal) decimal.Decimal {
	if side == domain.Buy {
		return price.Neg()
	}
	return price
}
