package domain

import "github.com/shopspring/decimal"

// Position is keyed by (AccountID, Symbol). Quantity is signed: negative
// means short, which is only legal for a High risk account.
type Position struct {
	AccountID string
	Symbol    string
	Quantity  decimal.Decimal
	AvgPrice  decimal.Decimal
}

// ApplyFill folds a trade fill into the position and returns the updated
// position, whose average price follows the volume-weighted rule of §4.C:
//
//	new vwap = (old_qty·old_vwap ± trade_qty·trade_price) / new_qty
//
// Opening a flat position or extending an existing one in the same
// direction moves the average by that formula. Reducing a position
// without crossing through flat leaves the average untouched — selling
// part of a long realizes P&L but doesn't change the remaining shares'
// cost basis. Crossing through zero starts a fresh average at the trade
// price for the residual on the other side.
func (p Position) ApplyFill(signedQty, price decimal.Decimal) Position {
	newQty := p.Quantity.Add(signedQty)
	oldSign, newSign := p.Quantity.Sign(), newQty.Sign()

	var newAvg decimal.Decimal
	switch {
	case newQty.IsZero():
		newAvg = decimal.Zero
	case oldSign == 0, oldSign != newSign:
		newAvg = price
	case newQty.Abs().GreaterThan(p.Quantity.Abs()):
		numerator := p.Quantity.Abs().Mul(p.AvgPrice).Add(signedQty.Abs().Mul(price))
		newAvg = numerator.Div(newQty.Abs())
	default:
		newAvg = p.AvgPrice
	}

	return Position{
		AccountID: p.AccountID,
		Symbol:    p.Symbol,
		Quantity:  newQty,
		AvgPrice:  newAvg,
	}
}
