package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderType string

const (
	OrderLimit  OrderType = "limit"
	OrderMarket OrderType = "market"
)

// Venue distinguishes the public lit book from the internal dark pool.
type Venue string

const (
	VenueLit  Venue = "lit"
	VenueDark Venue = "dark"
)

// TimeInForce controls how an order behaves once it cannot fully cross.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

type OrderStatus string

const (
	StatusNew             OrderStatus = "new"
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// Resting reports whether an order in this status belongs in the book.
func (s OrderStatus) Resting() bool {
	return s == StatusOpen || s == StatusPartiallyFilled
}

// Terminal reports whether this status can never transition again.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Order is the unit of client intent. Price is absent (IsZero with a nil
// marker via HasPrice) for unprotected market orders.
type Order struct {
	ID                 string
	AccountID          string
	Symbol             string
	Side               Side
	Type               OrderType
	Price              decimal.Decimal
	HasPrice           bool // false for an unprotected market order
	OriginalQuantity   decimal.Decimal
	RemainingQuantity  decimal.Decimal
	Venue              Venue
	TimeInForce        TimeInForce
	Status             OrderStatus
	Sequence           uint64 // tiebreaker / time-priority key within a price level
	ReservationID      string // ledger hold backing this order's remaining quantity
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Filled reports how much of the order has executed.
func (o Order) Filled() decimal.Decimal {
	return o.OriginalQuantity.Sub(o.RemainingQuantity)
}

// Clone returns a value copy safe to hand to a caller outside the lock
// that guards the resting order.
func (o Order) Clone() Order { return o }
