package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType classifies how an account is allowed to trade.
type AccountType string

const (
	AccountPersonal      AccountType = "personal"
	AccountStandard      AccountType = "standard"
	AccountInstitutional AccountType = "institutional"
)

// RiskLevel gates behavior that would otherwise be disallowed, such as
// short selling (§9 open question: shorting is forbidden unless the
// account's risk level is High).
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Account is the ledger's root entity. Accounts are never deleted, only
// deactivated.
type Account struct {
	ID       string
	Name     string
	Balance  decimal.Decimal
	Type     AccountType
	Risk     RiskLevel
	Active   bool
	Created  time.Time
	Updated  time.Time
}

// AllowsShort reports whether this account may hold a negative position.
func (a Account) AllowsShort() bool {
	return a.Risk == RiskHigh
}
