package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is immutable once emitted by the matching engine.
type Trade struct {
	ID            string
	Symbol        string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	BuyOrderID    string
	SellOrderID   string
	BuyAccountID  string
	SellAccountID string
	Venue         Venue
	Timestamp     time.Time
}

// OrderBookLevel is an aggregated view of one price on one side of one
// venue, as returned by depth queries. It carries no identity of its
// own — it's a read-only projection of the resting orders at that price.
type OrderBookLevel struct {
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	OrderCount int
}
