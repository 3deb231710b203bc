// Package estimate computes what a buy or sell of BTC yields at the current
// price on each supported venue after fees.
package estimate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned for non-positive amounts or prices.
var ErrInvalidAmount = errors.New("amount and price must be positive")

// Venue is a place to trade with a flat proportional fee.
type Venue struct {
	Name string
	Fee  decimal.Decimal // 0.001 = 0.1%
}

// DefaultVenues returns Binance at 0.1% and Paymonade at 1%.
func DefaultVenues() []Venue {
	return Venues(0.001, 0.01)
}

// Venues builds the venue list from configured fee rates.
func Venues(binanceFee, paymonadeFee float64) []Venue {
	return []Venue{
		{Name: "Binance", Fee: decimal.NewFromFloat(binanceFee)},
		{Name: "Paymonade", Fee: decimal.NewFromFloat(paymonadeFee)},
	}
}

// Quote is the outcome on one venue.
type Quote struct {
	Venue string
	// Net is BTC received for a buy, USD received for a sell.
	Net decimal.Decimal
}

// Estimate is a full buy or sell estimate.
type Estimate struct {
	Side   string // "buy" or "sell"
	Amount decimal.Decimal
	Price  decimal.Decimal
	Gross  decimal.Decimal // USD value before fees
	Quotes []Quote
}

// Buy estimates the BTC received for usd at price on each venue.
func Buy(usd, price float64, venues []Venue) (Estimate, error) {
	if usd <= 0 || price <= 0 {
		return Estimate{}, ErrInvalidAmount
	}
	amt, px := decimal.NewFromFloat(usd), decimal.NewFromFloat(price)
	e := Estimate{Side: "buy", Amount: amt, Price: px, Gross: amt}
	for _, v := range venues {
		net := amt.Mul(decimal.NewFromInt(1).Sub(v.Fee))
		e.Quotes = append(e.Quotes, Quote{Venue: v.Name, Net: net.Div(px)})
	}
	return e, nil
}

// Sell estimates the USD received for btc at price on each venue.
func Sell(btc, price float64, venues []Venue) (Estimate, error) {
	if btc <= 0 || price <= 0 {
		return Estimate{}, ErrInvalidAmount
	}
	amt, px := decimal.NewFromFloat(btc), decimal.NewFromFloat(price)
	gross := amt.Mul(px)
	e := Estimate{Side: "sell", Amount: amt, Price: px, Gross: gross}
	for _, v := range venues {
		e.Quotes = append(e.Quotes, Quote{Venue: v.Name, Net: gross.Mul(decimal.NewFromInt(1).Sub(v.Fee))})
	}
	return e, nil
}

// String renders the estimate the way the CLI prints it.
func (e Estimate) String() string {
	var b strings.Builder
	if e.Side == "buy" {
		fmt.Fprintf(&b, "Buy %s USD\n", e.Amount.StringFixed(2))
	} else {
		fmt.Fprintf(&b, "Sell %s BTC (%s USD)\n", e.Amount.StringFixed(6), e.Gross.StringFixed(2))
	}
	fmt.Fprintf(&b, "Price: $%s\n", e.Price.StringFixed(2))
	for _, q := range e.Quotes {
		if e.Side == "buy" {
			fmt.Fprintf(&b, "%s: %s BTC\n", q.Venue, q.Net.StringFixed(6))
		} else {
			fmt.Fprintf(&b, "%s: $%s\n", q.Venue, q.Net.StringFixed(2))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
