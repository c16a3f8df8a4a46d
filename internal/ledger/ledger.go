package ledger

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"oes/internal/domain"
	"oes/internal/store"
)

var log = logrus.WithField("component", "ledger")

// Ledger owns accounts, positions, and the append-only transaction log.
type Ledger struct {
	st *store.Store

	txnSeqMu sync.Mutex
	txnSeq   map[string]*atomic.Uint64
}

func New(st *store.Store) *Ledger {
	return &Ledger{st: st, txnSeq: make(map[string]*atomic.Uint64)}
}

// ---------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------

// CreateAccount opens a new account and stamps an opening deposit
// transaction. initialBalance must be non-negative.
func (l *Ledger) CreateAccount(name string, initialBalance decimal.Decimal, typ domain.AccountType, risk domain.RiskLevel) (domain.Account, error) {
	if initialBalance.IsNegative() {
		return domain.Account{}, domain.NewError(domain.CodeValidation, "initial balance must be non-negative")
	}
	now := nowFn()
	acct := domain.Account{
		ID:      uuid.NewString(),
		Name:    name,
		Balance: initialBalance,
		Type:    typ,
		Risk:    risk,
		Active:  true,
		Created: now,
		Updated: now,
	}
	if err := l.putAccount(acct); err != nil {
		return domain.Account{}, err
	}
	if _, err := l.recordTxn(acct.ID, domain.TxnDeposit, initialBalance, initialBalance, "opening deposit"); err != nil {
		return domain.Account{}, err
	}
	log.WithField("account_id", acct.ID).Info("account created")
	return acct, nil
}

func (l *Ledger) getAccount(id string) (domain.Account, bool, error) {
	raw, ok, err := l.st.HGet(accountKey(id), "data")
	if err != nil || !ok {
		return domain.Account{}, ok, err
	}
	var a domain.Account
	if err := json.Unmarshal(raw, &a); err != nil {
		return domain.Account{}, false, domain.Wrap(domain.CodeInternal, "decode account", err)
	}
	return a, true, nil
}

func (l *Ledger) putAccount(a domain.Account) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return domain.Wrap(domain.CodeInternal, "encode account", err)
	}
	return l.st.HSet(accountKey(a.ID), "data", raw)
}

// GetAccount returns the current state of an account.
func (l *Ledger) GetAccount(id string) (domain.Account, error) {
	a, ok, err := l.getAccount(id)
	if err != nil {
		return domain.Account{}, err
	}
	if !ok {
		return domain.Account{}, domain.NewError(domain.CodeValidation, "unknown account "+id)
	}
	return a, nil
}

// Deposit and Withdraw are cash movements independent of trading.
func (l *Ledger) Deposit(accountID string, amount decimal.Decimal, description string) (domain.Transaction, error) {
	if !amount.IsPositive() {
		return domain.Transaction{}, domain.NewError(domain.CodeValidation, "deposit amount must be positive")
	}
	var txn domain.Transaction
	err := l.st.CAS(lockKey(accountID), func() error {
		acct, ok, err := l.getAccount(accountID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewError(domain.CodeValidation, "unknown account "+accountID)
		}
		acct.Balance = acct.Balance.Add(amount)
		acct.Updated = nowFn()
		if err := l.putAccount(acct); err != nil {
			return err
		}
		txn, err = l.recordTxn(accountID, domain.TxnDeposit, amount, acct.Balance, description)
		return err
	})
	return txn, err
}

func (l *Ledger) Withdraw(accountID string, amount decimal.Decimal, description string) (domain.Transaction, error) {
	if !amount.IsPositive() {
		return domain.Transaction{}, domain.NewError(domain.CodeValidation, "withdrawal amount must be positive")
	}
	var txn domain.Transaction
	err := l.st.CAS(lockKey(accountID), func() error {
		acct, ok, err := l.getAccount(accountID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewError(domain.CodeValidation, "unknown account "+accountID)
		}
		if acct.Balance.LessThan(amount) {
			return domain.NewError(domain.CodeInsufficientFunds, "withdrawal exceeds balance")
		}
		acct.Balance = acct.Balance.Sub(amount)
		acct.Updated = nowFn()
		if err := l.putAccount(acct); err != nil {
			return err
		}
		txn, err = l.recordTxn(accountID, domain.TxnWithdrawal, amount.Neg(), acct.Balance, description)
		return err
	})
	return txn, err
}

// ---------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------

func (l *Ledger) getPosition(accountID, symbol string) (domain.Position, error) {
	raw, ok, err := l.st.HGet(positionsKey(accountID), symbol)
	if err != nil {
		return domain.Position{}, err
	}
	if !ok {
		return domain.Position{AccountID: accountID, Symbol: symbol}, nil
	}
	var p domain.Position
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Position{}, domain.Wrap(domain.CodeInternal, "decode position", err)
	}
	return p, nil
}

func (l *Ledger) putPosition(p domain.Position) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return domain.Wrap(domain.CodeInternal, "encode position", err)
	}
	return l.st.HSet(positionsKey(p.AccountID), p.Symbol, raw)
}

// GetPosition returns the current position an account holds in symbol
// (zero-valued if none).
func (l *Ledger) GetPosition(accountID, symbol string) (domain.Position, error) {
	return l.getPosition(accountID, symbol)
}

// ListPositions returns every symbol the account has a hash entry for.
func (l *Ledger) ListPositions(accountID string) ([]domain.Position, error) {
	fields, err := l.st.HGetAll(positionsKey(accountID))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(fields))
	for field, raw := range fields {
		if len(field) >= 9 && field[:9] == "reserved:" {
			continue
		}
		var p domain.Position
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, domain.Wrap(domain.CodeInternal, "decode position", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (l *Ledger) getReservedQty(accountID, symbol string) (decimal.Decimal, error) {
	raw, ok, err := l.st.HGet(positionsKey(accountID), reservedField(symbol))
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, nil
	}
	var d decimal.Decimal
	if err := json.Unmarshal(raw, &d); err != nil {
		return decimal.Zero, domain.Wrap(domain.CodeInternal, "decode reserved qty", err)
	}
	return d, nil
}

func (l *Ledger) putReservedQty(accountID, symbol string, qty decimal.Decimal) error {
	raw, err := json.Marshal(qty)
	if err != nil {
		return domain.Wrap(domain.CodeInternal, "encode reserved qty", err)
	}
	return l.st.HSet(positionsKey(accountID), reservedField(symbol), raw)
}

// ---------------------------------------------------------------------
// Reservations
// ---------------------------------------------------------------------

func (l *Ledger) getReservation(id string) (Reservation, bool, error) {
	raw, ok, err := l.st.HGet(reservationKey(id), "data")
	if err != nil || !ok {
		return Reservation{}, ok, err
	}
	var r Reservation
	if err := json.Unmarshal(raw, &r); err != nil {
		return Reservation{}, false, domain.Wrap(domain.CodeInternal, "decode reservation", err)
	}
	return r, true, nil
}

func (l *Ledger) putReservation(r Reservation) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return domain.Wrap(domain.CodeInternal, "encode reservation", err)
	}
	return l.st.HSet(reservationKey(r.ID), "data", raw)
}

// Reserve holds cash (buys) or position units (sells) on behalf of an
// order about to enter the book. Buys fail with CodeInsufficientFunds
// when balance can't cover qty*price; sells fail with
// CodeInsufficientPosition unless the account's risk level allows
// shorting (§9).
func (l *Ledger) Reserve(accountID, orderID, symbol string, side domain.Side, qty, price decimal.Decimal) (Reservation, error) {
	var res Reservation
	err := l.st.CAS(lockKey(accountID), func() error {
		acct, ok, err := l.getAccount(accountID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewError(domain.CodeValidation, "unknown account "+accountID)
		}

		res = Reservation{
			ID:        uuid.NewString(),
			AccountID: accountID,
			OrderID:   orderID,
			Symbol:    symbol,
			Side:      side,
			Price:     price,
			Quantity:  qty,
			CreatedAt: nowFn(),
		}

		switch side {
		case domain.Buy:
			hold := qty.Mul(price)
			if acct.Balance.LessThan(hold) {
				return domain.NewError(domain.CodeInsufficientFunds, "insufficient cash to reserve")
			}
			acct.Balance = acct.Balance.Sub(hold)
			acct.Updated = nowFn()
			if err := l.putAccount(acct); err != nil {
				return err
			}
			if _, err := l.recordTxn(accountID, domain.TxnReservation, hold.Neg(), acct.Balance, "reserve for order "+orderID); err != nil {
				return err
			}
		case domain.Sell:
			pos, err := l.getPosition(accountID, symbol)
			if err != nil {
				return err
			}
			reserved, err := l.getReservedQty(accountID, symbol)
			if err != nil {
				return err
			}
			available := pos.Quantity.Sub(reserved)
			if available.LessThan(qty) && !acct.AllowsShort() {
				return domain.NewError(domain.CodeInsufficientPosition, "insufficient position to reserve")
			}
			if err := l.putReservedQty(accountID, symbol, reserved.Add(qty)); err != nil {
				return err
			}
			if _, err := l.recordTxn(accountID, domain.TxnReservation, decimal.Zero, acct.Balance, "reserve "+qty.String()+" "+symbol+" for order "+orderID); err != nil {
				return err
			}
		}

		return l.putReservation(res)
	})
	return res, err
}

// Release fully undoes whatever remains held by a reservation — used on
// cancel or reject. Idempotent: releasing an already fully-released
// reservation is a no-op.
func (l *Ledger) Release(reservationID string) error {
	res, ok, err := l.getReservation(reservationID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewError(domain.CodeValidation, "unknown reservation "+reservationID)
	}
	remaining := res.Remaining()
	if remaining.Sign() <= 0 {
		return nil
	}
	return l.releaseQty(&res, remaining)
}

// ReleasePartial releases exactly qty of a reservation's remaining hold,
// called once per fill as the corresponding order executes.
func (l *Ledger) ReleasePartial(reservationID string, qty decimal.Decimal) error {
	res, ok, err := l.getReservation(reservationID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewError(domain.CodeValidation, "unknown reservation "+reservationID)
	}
	if qty.GreaterThan(res.Remaining()) {
		qty = res.Remaining()
	}
	if qty.Sign() <= 0 {
		return nil
	}
	return l.releaseQty(&res, qty)
}

func (l *Ledger) releaseQty(res *Reservation, qty decimal.Decimal) error {
	return l.st.CAS(lockKey(res.AccountID), func() error {
		acct, ok, err := l.getAccount(res.AccountID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewError(domain.CodeValidation, "unknown account "+res.AccountID)
		}

		switch res.Side {
		case domain.Buy:
			refund := qty.Mul(res.Price)
			acct.Balance = acct.Balance.Add(refund)
			acct.Updated = nowFn()
			if err := l.putAccount(acct); err != nil {
				return err
			}
			if _, err := l.recordTxn(res.AccountID, domain.TxnRelease, refund, acct.Balance, "release reservation "+res.ID); err != nil {
				return err
			}
		case domain.Sell:
			reserved, err := l.getReservedQty(res.AccountID, res.Symbol)
			if err != nil {
				return err
			}
			reserved = reserved.Sub(qty)
			if reserved.IsNegative() {
				reserved = decimal.Zero
			}
			if err := l.putReservedQty(res.AccountID, res.Symbol, reserved); err != nil {
				return err
			}
			if _, err := l.recordTxn(res.AccountID, domain.TxnRelease, decimal.Zero, acct.Balance, "release reservation "+res.ID); err != nil {
				return err
			}
		}

		res.Released = res.Released.Add(qty)
		return l.putReservation(*res)
	})
}

// ---------------------------------------------------------------------
// Fills
// ---------------------------------------------------------------------

// ApplyFill folds one side of a trade into an account: cash moves,
// position updates by the VWAP rule, and a trade_buy/trade_sell
// transaction is written. The caller (internal/matching) is responsible
// for calling this once per side and for releasing the corresponding
// reservation (ReleasePartial) in the same logical step.
func (l *Ledger) ApplyFill(accountID, symbol string, side domain.Side, qty, price decimal.Decimal) error {
	return l.st.CAS(lockKey(accountID), func() error {
		acct, ok, err := l.getAccount(accountID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewError(domain.CodeValidation, "unknown account "+accountID)
		}

		pos, err := l.getPosition(accountID, symbol)
		if err != nil {
			return err
		}

		signedQty := qty
		kind := domain.TxnTradeBuy
		cashDelta := qty.Mul(price).Neg()
		if side == domain.Sell {
			signedQty = qty.Neg()
			kind = domain.TxnTradeSell
			cashDelta = qty.Mul(price)
		}

		acct.Balance = acct.Balance.Add(cashDelta)
		acct.Updated = nowFn()
		if err := l.putAccount(acct); err != nil {
			return err
		}

		pos = pos.ApplyFill(signedQty, price)
		pos.AccountID, pos.Symbol = accountID, symbol
		if err := l.putPosition(pos); err != nil {
			return err
		}

		_, err = l.recordTxn(accountID, kind, cashDelta, acct.Balance,
			"fill "+qty.String()+"@"+price.String()+" "+symbol)
		return err
	})
}

// Exposure sums the cash currently held by open reservations for an
// account — a read-only figure surfaced alongside positions/orders,
// supplementing the original implementation's risk_management module.
func (l *Ledger) Exposure(accountID string) (decimal.Decimal, error) {
	txns, err := l.ListTransactions(accountID)
	if err != nil {
		return decimal.Zero, err
	}
	exposure := decimal.Zero
	for _, t := range txns {
		if t.Kind == domain.TxnReservation {
			exposure = exposure.Sub(t.Amount)
		}
		if t.Kind == domain.TxnRelease {
			exposure = exposure.Sub(t.Amount)
		}
	}
	if exposure.IsNegative() {
		exposure = decimal.Zero
	}
	return exposure, nil
}

// ---------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------

func (l *Ledger) nextTxnSeq(accountID string) uint64 {
	l.txnSeqMu.Lock()
	ctr, ok := l.txnSeq[accountID]
	if !ok {
		ctr = &atomic.Uint64{}
		l.txnSeq[accountID] = ctr
	}
	l.txnSeqMu.Unlock()
	return ctr.Add(1)
}

func (l *Ledger) recordTxn(accountID string, kind domain.TransactionKind, amount, balanceAfter decimal.Decimal, description string) (domain.Transaction, error) {
	txn := domain.Transaction{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Description:  description,
		Timestamp:    nowFn(),
	}
	raw, err := json.Marshal(txn)
	if err != nil {
		return domain.Transaction{}, domain.Wrap(domain.CodeInternal, "encode transaction", err)
	}
	if err := l.st.LAppend(txnKey(accountID), l.nextTxnSeq(accountID), raw); err != nil {
		return domain.Transaction{}, err
	}
	return txn, nil
}

// ListTransactions returns an account's full append-only log in order.
func (l *Ledger) ListTransactions(accountID string) ([]domain.Transaction, error) {
	raws, err := l.st.LRange(txnKey(accountID))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Transaction, 0, len(raws))
	for _, raw := range raws {
		var t domain.Transaction
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, domain.Wrap(domain.CodeInternal, "decode transaction", err)
		}
		out = append(out, t)
	}
	return out, nil
}

var nowFn = time.Now
