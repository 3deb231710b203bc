package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbot/internal/model"
	"signalbot/internal/store"
	"signalbot/internal/store/storetest"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend { return newStore(t) })
}

func TestSharedDirectorySerialisesChats(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	a, err := New(dir)
	require.NoError(t, err)
	b, err := New(dir)
	require.NoError(t, err)
	storetest.RunShared(t, a, b)
}

func TestLayout(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.SaveReference(ctx, 123, 95000))
	require.NoError(t, s.AddSubscriber(ctx, 456))
	require.NoError(t, s.AddSubscriber(ctx, 123))
	require.NoError(t, s.AppendHistory(ctx, 123, model.HistoryEntry{
		Timestamp: time.Date(2025, 2, 3, 4, 5, 6, 0, time.Local),
		Signal:    model.SignalBuy,
		Price:     97000.5,
		RSI:       55.25,
		USDChange: 2000.5,
		PctChange: 2.5,
	}))

	price, err := os.ReadFile(filepath.Join(s.dir, "last_buy_price_123.txt"))
	require.NoError(t, err)
	assert.Equal(t, "95000", string(price))

	subs, err := os.ReadFile(filepath.Join(s.dir, "subscribers.txt"))
	require.NoError(t, err)
	assert.Equal(t, "123\n456\n", string(subs))

	csv, err := os.ReadFile(s.HistoryPath(123))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(csv)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "timestamp,signal,price,RSI,USD_change,%_change", lines[0])
	assert.Equal(t, "2025-02-03 04:05:06,BUY,97000.5,55.25,2000.5,2.5", lines[1])
}

func TestReadsLegacyFiles(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	legacy := "timestamp,signal,price,RSI,USD_change,%_change\n" +
		"2024-12-01 10:00:00,COMPRA,95500.1,62.3,-500,-0.52\n" +
		"2024-12-01 10:05:00,VENTA,94000,28.1,-2000,-2.08\n"
	require.NoError(t, os.WriteFile(s.HistoryPath(9), []byte(legacy), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "subscribers.txt"), []byte("9\n\ngarbage\n 4 \n"), 0o644))
	require.NoError(t, os.WriteFile(s.pricePath(9), []byte(" 95500.1\n"), 0o644))

	h, err := s.History(ctx, 9, 0)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, model.SignalBuy, h[0].Signal)
	assert.Equal(t, model.SignalSell, h[1].Signal)
	assert.Equal(t, -2.08, h[1].PctChange)

	ids, err := s.Subscribers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{9, 4}, ids)

	p, err := s.LoadReference(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 95500.1, p)
}

func TestMalformedPrice(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.WriteFile(s.pricePath(1), []byte("lots"), 0o644))

	_, err := s.LoadReference(context.Background(), 1)
	assert.True(t, errors.Is(err, store.ErrInvalidReferencePrice), "got %v", err)

	// through the StateStore the fallback wins
	assert.Equal(t, 96000.0, store.New(s).GetReferencePrice(context.Background(), 1))
}

func TestNoTempFilesLeft(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for i := range 5 {
		require.NoError(t, s.SaveReference(ctx, 1, float64(90000+i)))
		require.NoError(t, s.AddSubscriber(ctx, int64(i)))
	}

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "leftover %s", e.Name())
	}
}
