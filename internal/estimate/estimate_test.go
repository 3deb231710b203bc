package estimate

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestBuy(t *testing.T) {
	e, err := Buy(100, 50000, DefaultVenues())
	require.NoError(t, err)
	require.Len(t, e.Quotes, 2)

	assert.Equal(t, "Binance", e.Quotes[0].Venue)
	assert.True(t, e.Quotes[0].Net.Equal(dec("0.001998")), "got %s", e.Quotes[0].Net)
	assert.Equal(t, "Paymonade", e.Quotes[1].Venue)
	assert.True(t, e.Quotes[1].Net.Equal(dec("0.00198")), "got %s", e.Quotes[1].Net)
}

func TestSell(t *testing.T) {
	e, err := Sell(0.5, 97000, DefaultVenues())
	require.NoError(t, err)

	assert.True(t, e.Gross.Equal(dec("48500")))
	assert.True(t, e.Quotes[0].Net.Equal(dec("48451.5")), "got %s", e.Quotes[0].Net)
	assert.True(t, e.Quotes[1].Net.Equal(dec("48015")), "got %s", e.Quotes[1].Net)
}

func TestCustomFees(t *testing.T) {
	e, err := Sell(1, 1000, Venues(0, 0.5))
	require.NoError(t, err)
	assert.True(t, e.Quotes[0].Net.Equal(dec("1000")))
	assert.True(t, e.Quotes[1].Net.Equal(dec("500")))
}

func TestInvalidAmounts(t *testing.T) {
	for _, tc := range []struct{ amt, price float64 }{{0, 1}, {-1, 1}, {1, 0}, {1, -5}} {
		_, err := Buy(tc.amt, tc.price, DefaultVenues())
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = Sell(tc.amt, tc.price, DefaultVenues())
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
}

func TestString(t *testing.T) {
	e, err := Buy(100, 50000, DefaultVenues())
	require.NoError(t, err)
	assert.Equal(t, "Buy 100.00 USD\nPrice: $50000.00\nBinance: 0.001998 BTC\nPaymonade: 0.001980 BTC", e.String())

	e, err = Sell(0.5, 97000, DefaultVenues())
	require.NoError(t, err)
	assert.Equal(t, "Sell 0.500000 BTC (48500.00 USD)\nPrice: $97000.00\nBinance: $48451.50\nPaymonade: $48015.00", e.String())
}
