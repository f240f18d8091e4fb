package models

import "github.com/shopspring/decimal"

// CurrencyPlaces is the precision every monetary amount is rounded to.
const CurrencyPlaces = 2

var DefaultServiceFeeRate = decimal.RequireFromString("0.025")

type Pricing struct {
	Subtotal   decimal.Decimal `json:"subtotal"`
	ServiceFee decimal.Decimal `json:"service_fee"`
	Total      decimal.Decimal `json:"total"`
}

// ServiceFee is rate*subtotal rounded half away from zero to currency precision.
func ServiceFee(subtotal, rate decimal.Decimal) decimal.Decimal {
	return subtotal.Mul(rate).Round(CurrencyPlaces)
}

// PriceItems fills in each item's subtotal and returns the order totals.
func PriceItems(items []LineItem, rate decimal.Decimal) Pricing {
	subtotal := decimal.Zero
	for i := range items {
		items[i].Subtotal = items[i].UnitPrice.Mul(decimal.NewFromInt(int64(items[i].Quantity)))
		subtotal = subtotal.Add(items[i].Subtotal)
	}
	fee := ServiceFee(subtotal, rate)
	return Pricing{Subtotal: subtotal, ServiceFee: fee, Total: subtotal.Add(fee)}
}
