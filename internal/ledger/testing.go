package ledger

import "github.com/shopspring/decimal"

// SeedBalance is a test helper that sets the balance of an account when using
// the in-memory ledger. The amount is a decimal string such as "1000.00".
func SeedBalance(l Ledger, accountID, amount string) {
	if mem, ok := l.(*inMemoryLedger); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		if acc, exists := mem.accounts[accountID]; exists {
			acc.Balance = decimal.RequireFromString(amount)
		}
	}
}
