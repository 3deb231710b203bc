package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbot/internal/model"
)

type fakeSource struct {
	candles []model.Candle
	err     error
	block   bool
	calls   int
}

func (f *fakeSource) Fetch(ctx context.Context, _, _ string, _ int) ([]model.Candle, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.candles, f.err
}

func TestFallback_FirstSucceeds(t *testing.T) {
	a := &fakeSource{candles: []model.Candle{{Close: 1}}}
	b := &fakeSource{candles: []model.Candle{{Close: 2}}}
	f := NewFallback(time.Second, nil, Named{"a", a}, Named{"b", b})

	got, err := f.Fetch(context.Background(), "BTCUSDT", "5m", 100)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got[0].Close)
	assert.Equal(t, 0, b.calls)
}

func TestFallback_FallsThrough(t *testing.T) {
	var failed []string
	a := &fakeSource{err: errors.New("binance down")}
	empty := &fakeSource{}
	c := &fakeSource{candles: []model.Candle{{Close: 3}}}
	f := NewFallback(time.Second, nil, Named{"a", a}, Named{"empty", empty}, Named{"c", c})
	f.OnFailure = func(name string, _ error) { failed = append(failed, name) }

	got, err := f.Fetch(context.Background(), "BTCUSDT", "5m", 100)
	require.NoError(t, err)
	assert.Equal(t, 3.0, got[0].Close)
	assert.Equal(t, []string{"a", "empty"}, failed)
}

func TestFallback_AllFail(t *testing.T) {
	f := NewFallback(time.Second, nil,
		Named{"a", &fakeSource{err: errors.New("first")}},
		Named{"b", &fakeSource{err: errors.New("second")}})

	_, err := f.Fetch(context.Background(), "BTCUSDT", "5m", 100)
	require.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "a: first")
	assert.Contains(t, err.Error(), "b: second")
}

func TestFallback_PerAttemptTimeout(t *testing.T) {
	slow := &fakeSource{block: true}
	fast := &fakeSource{candles: []model.Candle{{Close: 4}}}
	f := NewFallback(20*time.Millisecond, nil, Named{"slow", slow}, Named{"fast", fast})

	got, err := f.Fetch(context.Background(), "BTCUSDT", "5m", 100)
	require.NoError(t, err)
	assert.Equal(t, 4.0, got[0].Close)
}

func TestFallback_CallerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := &fakeSource{candles: []model.Candle{{Close: 1}}}
	f := NewFallback(time.Second, nil, Named{"a", &fakeSource{block: true}}, Named{"b", b})

	_, err := f.Fetch(ctx, "BTCUSDT", "5m", 100)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.calls)
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"1s", time.Second, true},
		{"5m", 5 * time.Minute, true},
		{"15m", 15 * time.Minute, true},
		{"4h", 4 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"1w", 7 * 24 * time.Hour, true},
		{"1M", 0, false},
		{"m", 0, false},
		{"0m", 0, false},
		{"-5m", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseInterval(tt.in)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
