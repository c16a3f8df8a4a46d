package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"oes/internal/domain"
	"oes/internal/eventbus"
	"oes/internal/ledger"
	"oes/internal/matching"
	"oes/internal/orderbook"
)

var log = logrus.WithField("component", "service")

// nowFn is swappable in tests.
var nowFn = time.Now

/*
OrderService is the ONLY write entry point into the system.

All coordination between:
  - internal/orderbook (resting book state)
  - internal/ledger (accounts, positions, reservations)
  - internal/matching (crossing)
  - internal/eventbus (fanout to subscribers)

happens here. Nothing outside this package calls Book.Insert,
Book.Cancel, Book.Amend, or Ledger.Reserve directly.
*/
type OrderService struct {
	book   *orderbook.Book
	ledger *ledger.Ledger
	engine *matching.Engine
	bus    *eventbus.Bus
}

func New(book *orderbook.Book, ldg *ledger.Ledger, engine *matching.Engine, bus *eventbus.Bus) *OrderService {
	return &OrderService{book: book, ledger: ldg, engine: engine, bus: bus}
}

// PlaceOrderRequest is the caller-facing shape of a new order (§6).
type PlaceOrderRequest struct {
	AccountID   string
	Symbol      string
	Side        domain.Side
	Type        domain.OrderType
	Price       decimal.Decimal
	HasPrice    bool
	Quantity    decimal.Decimal
	Venue       domain.Venue
	TimeInForce domain.TimeInForce
}

// PlaceOrder validates the request, reserves the account-side hold,
// runs the matching loop, and — for any TIF day/gtc limit remainder —
// inserts the resting order into its venue's book. Every transition
// publishes to the event bus.
func (s *OrderService) PlaceOrder(req PlaceOrderRequest) (domain.Order, []domain.Trade, error) {
	// 1. Validate the request shape independent of account/book state.
	if err := validatePlaceOrder(req); err != nil {
		return domain.Order{}, nil, err
	}

	// 2. Price the reservation: a limit order reserves at its own
	// price; an unprotected market order reserves at the current best
	// opposite price, since there is nothing else to price it against.
	reservationPrice, err := s.reservationPrice(req)
	if err != nil {
		return domain.Order{}, nil, err
	}

	// 3. Build the domain order and reserve cash/position against it.
	order := domain.Order{
		ID:                uuid.NewString(),
		AccountID:         req.AccountID,
		Symbol:            req.Symbol,
		Side:              req.Side,
		Type:              req.Type,
		Price:             req.Price,
		HasPrice:          req.HasPrice,
		OriginalQuantity:  req.Quantity,
		RemainingQuantity: req.Quantity,
		Venue:             req.Venue,
		TimeInForce:       req.TimeInForce,
		Status:            domain.StatusNew,
		Sequence:          s.engine.NextSequence(),
		CreatedAt:         nowFn(),
		UpdatedAt:         nowFn(),
	}

	res, err := s.ledger.Reserve(order.AccountID, order.ID, order.Symbol, order.Side, order.RemainingQuantity, reservationPrice)
	if err != nil {
		return domain.Order{}, nil, err
	}
	order.ReservationID = res.ID

	// 4. Run the crossing loop.
	trades, order, err := s.engine.Submit(order)
	if err != nil {
		// The reservation must never be orphaned (§4.C concurrency
		// note): release it in full before surfacing the failure.
		_ = s.ledger.Release(res.ID)
		return order, trades, err
	}

	// 5. Resolve the remainder against the book and reservation.
	switch {
	case order.Status.Resting():
		if err := s.book.Insert(order); err != nil {
			_ = s.ledger.Release(res.ID)
			return order, trades, err
		}
	case order.Status.Terminal():
		if err := s.ledger.Release(res.ID); err != nil {
			log.WithError(err).WithField("order_id", order.ID).Error("failed to release reservation on terminal order")
		}
	}

	s.publishNotification(order, "order_"+string(order.Status))
	return order, trades, nil
}

// CancelOrder cancels a resting order and releases whatever remains of
// its reservation. Idempotent: cancelling an already-terminal order
// succeeds without error, matching §4.B's Cancel semantics.
func (s *OrderService) CancelOrder(orderID string) (domain.Order, error) {
	order, err := s.book.Get(orderID)
	if err != nil {
		return domain.Order{}, err
	}
	alreadyTerminal, err := s.book.Cancel(orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !alreadyTerminal && order.ReservationID != "" {
		if err := s.ledger.Release(order.ReservationID); err != nil {
			return domain.Order{}, err
		}
	}
	order, err = s.book.Get(orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !alreadyTerminal {
		s.publishNotification(order, "order_cancelled")
	}
	return order, nil
}

// AmendOrder changes price and/or quantity on a resting order. A
// quantity increase or a price change forfeits time priority (§4.B);
// a quantity increase must also grow the account's reservation, and a
// decrease must release the difference.
func (s *OrderService) AmendOrder(orderID string, req orderbook.AmendRequest) (domain.Order, error) {
	before, err := s.book.Get(orderID)
	if err != nil {
		return domain.Order{}, err
	}

	if req.Quantity != nil && before.ReservationID != "" {
		// req.Quantity is the new total (Book.Amend keeps the executed
		// part), so the held remainder changes by new total - old total.
		delta := req.Quantity.Sub(before.OriginalQuantity)
		if delta.IsPositive() {
			price := before.Price
			if _, err := s.ledger.Reserve(before.AccountID, before.ID, before.Symbol, before.Side, delta, price); err != nil {
				return domain.Order{}, err
			}
		} else if delta.IsNegative() {
			if err := s.ledger.ReleasePartial(before.ReservationID, delta.Neg()); err != nil {
				return domain.Order{}, err
			}
		}
	}

	after, err := s.book.Amend(orderID, req, s.engine.NextSequence)
	if err != nil {
		return domain.Order{}, err
	}
	s.publishNotification(after, "order_amended")
	return after, nil
}

// CreateAccount opens a new account.
func (s *OrderService) CreateAccount(name string, initialBalance decimal.Decimal, typ domain.AccountType, risk domain.RiskLevel) (domain.Account, error) {
	return s.ledger.CreateAccount(name, initialBalance, typ, risk)
}

// Deposit and Withdraw move cash independent of trading.
func (s *OrderService) Deposit(accountID string, amount decimal.Decimal, description string) (domain.Transaction, error) {
	return s.ledger.Deposit(accountID, amount, description)
}

func (s *OrderService) Withdraw(accountID string, amount decimal.Decimal, description string) (domain.Transaction, error) {
	return s.ledger.Withdraw(accountID, amount, description)
}

func (s *OrderService) reservationPrice(req PlaceOrderRequest) (decimal.Decimal, error) {
	if req.HasPrice {
		return req.Price, nil
	}
	bestBid, bestAsk, haveBid, haveAsk, err := s.book.BestPrices(req.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if req.Side == domain.Buy && haveAsk {
		return bestAsk, nil
	}
	if req.Side == domain.Sell && haveBid {
		return bestBid, nil
	}
	return decimal.Zero, domain.NewError(domain.CodeUnavailable, "no liquidity to price an unprotected market order reservation")
}

func (s *OrderService) publishNotification(order domain.Order, event string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish("notifications", struct {
		Event string       `json:"event"`
		Order domain.Order `json:"order"`
	}{event, order})
}

func validatePlaceOrder(req PlaceOrderRequest) error {
	if req.AccountID == "" {
		return domain.NewError(domain.CodeValidation, "account_id is required")
	}
	if req.Symbol == "" {
		return domain.NewError(domain.CodeValidation, "symbol is required")
	}
	if req.Side != domain.Buy && req.Side != domain.Sell {
		return domain.NewError(domain.CodeValidation, "side must be buy or sell")
	}
	if req.Type != domain.OrderLimit && req.Type != domain.OrderMarket {
		return domain.NewError(domain.CodeValidation, "type must be limit or market")
	}
	if !req.Quantity.IsPositive() {
		return domain.NewError(domain.CodeValidation, "quantity must be positive")
	}
	if req.Type == domain.OrderLimit && !req.HasPrice {
		return domain.NewError(domain.CodeValidation, "limit orders require a price")
	}
	if req.HasPrice && !req.Price.IsPositive() {
		return domain.NewError(domain.CodeValidation, "price must be positive when present")
	}
	switch req.TimeInForce {
	case domain.TIFDay, domain.TIFGTC, domain.TIFIOC, domain.TIFFOK:
	default:
		return domain.NewError(domain.CodeValidation, "unrecognized time_in_force")
	}
	if req.TimeInForce == domain.TIFFOK && req.Type == domain.OrderLimit && !req.HasPrice {
		return domain.NewError(domain.CodeValidation, "fill-or-kill limit orders require a price")
	}
	switch req.Venue {
	case domain.VenueLit, domain.VenueDark:
	default:
		return domain.NewError(domain.CodeValidation, "venue must be lit or dark")
	}
	return nil
}
