package ledger

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultCurrency applies when a transfer names no currency.
const DefaultCurrency = "NGN"

const defaultMinorUnits = 2

var minorUnits = map[string]int32{
	"NGN": 2, "USD": 2, "EUR": 2, "GBP": 2, "KES": 2, "GHS": 2, "ZAR": 2,
	"XAF": 0, "XOF": 0, "JPY": 0, "KRW": 0, "RWF": 0, "UGX": 0,
	"KWD": 3, "BHD": 3, "OMR": 3, "TND": 3,
}

// MinorUnits returns the number of decimal places used by currency.
func MinorUnits(currency string) int32 {
	if n, ok := minorUnits[strings.ToUpper(currency)]; ok {
		return n
	}
	return defaultMinorUnits
}

// RoundToMinorUnit rounds amount half away from zero to the currency's minor unit.
func RoundToMinorUnit(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(MinorUnits(currency))
}

// NormalizeCurrency upper-cases currency and substitutes the default when empty.
func NormalizeCurrency(currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return DefaultCurrency
	}
	return currency
}

func normalizeRequest(req TransferRequest) (TransferRequest, error) {
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		return req, ErrMissingRequestID
	}
	if req.Amount.IsNegative() {
		return req, ErrInvalidAmount
	}
	if req.FromAccountID == req.ToAccountID {
		return req, ErrSameAccount
	}
	req.Currency = NormalizeCurrency(req.Currency)
	if !req.Amount.Equal(RoundToMinorUnit(req.Amount, req.Currency)) {
		return req, ErrAmountPrecision
	}
	return req, nil
}
