package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"oes/internal/domain"
)

// Reservation is the hold placed on an account when an order enters the
// book: cash for buys (qty*price), position units for sells. It is
// released in whole or in part as the order fills, and fully on cancel
// or reject.
type Reservation struct {
	ID         string
	AccountID  string
	OrderID    string
	Symbol     string
	Side       domain.Side
	Price      decimal.Decimal // price the cash hold was computed at (buys only)
	Quantity   decimal.Decimal // quantity originally reserved (units, not cash); see Remaining
	Released   decimal.Decimal // quantity already released
	CreatedAt  time.Time
}

// Remaining reports how much of the reservation is still held.
func (r Reservation) Remaining() decimal.Decimal {
	return r.Quantity.Sub(r.Released)
}
