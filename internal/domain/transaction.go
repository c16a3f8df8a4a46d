package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind classifies a ledger entry. Transactions are append-only
// and never mutated after write.
type TransactionKind string

const (
	TxnDeposit     TransactionKind = "deposit"
	TxnWithdrawal  TransactionKind = "withdrawal"
	TxnTradeBuy    TransactionKind = "trade_buy"
	TxnTradeSell   TransactionKind = "trade_sell"
	TxnFee         TransactionKind = "fee"
	TxnReservation TransactionKind = "reservation"
	TxnRelease     TransactionKind = "release"
)

// Transaction is one entry in an account's append-only ledger.
type Transaction struct {
	ID            string
	AccountID     string
	Kind          TransactionKind
	Amount        decimal.Decimal // signed
	BalanceAfter  decimal.Decimal
	Description   string
	Timestamp     time.Time
}
