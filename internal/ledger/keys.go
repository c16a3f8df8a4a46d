package ledger

func accountKey(id string) string     { return "account:" + id }
func positionsKey(id string) string   { return "positions:" + id }
func reservationKey(id string) string { return "reservation:" + id }
func txnKey(accountID string) string  { return "txn:" + accountID }

func reservedField(symbol string) string { return "reserved:" + symbol }

// lockKey namespaces an account id for store.CAS so it can never collide
// with an order id or reservation id sharing the same string by chance.
func lockKey(accountID string) string { return "acct:" + accountID }
