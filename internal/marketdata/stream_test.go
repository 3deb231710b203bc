package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbot/internal/model"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func klineMsg(openTime time.Time, interval string, closePrice float64, closed bool) string {
	return fmt.Sprintf(`{"e":"kline","E":%d,"s":"BTCUSDT","k":{"t":%d,"i":"%s","o":"100","c":"%g","h":"110","l":"90","v":"1.5","x":%t}}`,
		openTime.UnixMilli()+1000, openTime.UnixMilli(), interval, closePrice, closed)
}

// wsServer upgrades every connection and writes msgs, then holds the
// connection open until the test ends.
func wsServer(t *testing.T, msgs []string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/btcusdt@kline_5m", r.URL.Path)
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		conns.Add(1)
		for _, m := range msgs {
			if err := c.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// drain until the client goes away
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestStream_SeedsAndStreams(t *testing.T) {
	seed := &fakeSource{candles: []model.Candle{
		{OpenTime: t0, Close: 100},
		{OpenTime: t0.Add(5 * time.Minute), Close: 101},
	}}
	srv, _ := wsServer(t, []string{
		klineMsg(t0.Add(5*time.Minute), "5m", 101.5, true),
		`{"result":null,"id":1}`,
		klineMsg(t0.Add(10*time.Minute), "5m", 102, false),
		klineMsg(t0.Add(10*time.Minute), "1m", 999, false),
		klineMsg(t0.Add(10*time.Minute), "5m", 102.25, false),
	})

	s, err := NewStream(StreamConfig{URL: wsURL(srv), Symbol: "BTCUSDT", Interval: "5m", Limit: 10, Seed: seed})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := s.Fetch(ctx, "BTCUSDT", "5m", 10)
		return err == nil && len(got) == 3 && got[2].Close == 102.25
	}, 2*time.Second, 10*time.Millisecond)

	got, err := s.Fetch(ctx, "btcusdt", "5m", 10)
	require.NoError(t, err)
	assert.Equal(t, 100.0, got[0].Close)
	assert.Equal(t, 101.5, got[1].Close)
	assert.Equal(t, 110.0, got[2].High)
	assert.Equal(t, 1.5, got[2].Volume)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestStream_FetchBeforeData(t *testing.T) {
	s, err := NewStream(StreamConfig{URL: "ws://example.invalid/ws", Symbol: "BTCUSDT", Interval: "5m"})
	require.NoError(t, err)

	_, err = s.Fetch(context.Background(), "BTCUSDT", "5m", 10)
	assert.ErrorIs(t, err, ErrStale)

	_, err = s.Fetch(context.Background(), "ETHUSDT", "5m", 10)
	assert.Error(t, err)
}

func TestStream_Stale(t *testing.T) {
	s, err := NewStream(StreamConfig{URL: "ws://x/ws", Symbol: "BTCUSDT", Interval: "5m", MaxStale: time.Minute})
	require.NoError(t, err)
	now := t0
	s.now = func() time.Time { return now }

	s.win.Upsert(model.Candle{OpenTime: t0, Close: 1})
	s.lastUpdate = t0

	now = t0.Add(30 * time.Second)
	_, err = s.Fetch(context.Background(), "BTCUSDT", "5m", 10)
	require.NoError(t, err)

	now = t0.Add(2 * time.Minute)
	_, err = s.Fetch(context.Background(), "BTCUSDT", "5m", 10)
	assert.ErrorIs(t, err, ErrStale)
}

func TestStream_ReconnectsAfterSeedFailure(t *testing.T) {
	srv, conns := wsServer(t, []string{klineMsg(t0, "5m", 100, false)})
	seed := &flakySeed{failures: 2}

	s, err := NewStream(StreamConfig{
		URL: wsURL(srv), Symbol: "BTCUSDT", Interval: "5m", Seed: seed,
		ReconnectMin: time.Millisecond, ReconnectMax: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	var reconnects atomic.Int32
	s.OnReconnect = func() { reconnects.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		_, err := s.Fetch(ctx, "BTCUSDT", "5m", 10)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), reconnects.Load())
	assert.Equal(t, int32(1), conns.Load())
}

func TestNewStream_Invalid(t *testing.T) {
	_, err := NewStream(StreamConfig{Symbol: "BTCUSDT", Interval: "5m"})
	assert.Error(t, err)
	_, err = NewStream(StreamConfig{URL: "ws://x", Symbol: "BTCUSDT", Interval: "5q"})
	assert.Error(t, err)
}

type flakySeed struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakySeed) Fetch(_ context.Context, _, _ string, _ int) ([]model.Candle, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, fmt.Errorf("seed attempt %d failed", f.calls.Load())
	}
	return nil, nil
}
