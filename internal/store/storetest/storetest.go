// Package storetest holds behaviour every store.Backend must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbot/internal/model"
	"signalbot/internal/store"
)

// Run exercises a fresh backend from newBackend for each subtest.
func Run(t *testing.T, newBackend func(t *testing.T) store.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("reference round trip", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.LoadReference(ctx, 1)
		assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

		require.NoError(t, b.SaveReference(ctx, 1, 95000.0))
		p, err := b.LoadReference(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 95000.0, p)

		require.NoError(t, b.SaveReference(ctx, 1, 101234.56))
		p, err = b.LoadReference(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 101234.56, p)
	})

	t.Run("history appends in order", func(t *testing.T) {
		b := newBackend(t)
		h, err := b.History(ctx, 7, 0)
		require.NoError(t, err)
		assert.Empty(t, h)

		base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.Local)
		for i, sig := range []model.Signal{model.SignalBuy, model.SignalSell, model.SignalRebuy} {
			require.NoError(t, b.AppendHistory(ctx, 7, model.HistoryEntry{
				Timestamp: base.Add(time.Duration(i) * time.Minute),
				Signal:    sig,
				Price:     100 + float64(i),
				RSI:       50.5,
				USDChange: float64(i),
				PctChange: 0.25,
			}))
		}

		h, err = b.History(ctx, 7, 0)
		require.NoError(t, err)
		require.Len(t, h, 3)
		assert.Equal(t, model.SignalBuy, h[0].Signal)
		assert.Equal(t, model.SignalRebuy, h[2].Signal)
		assert.Equal(t, 102.0, h[2].Price)
		assert.True(t, base.Add(2*time.Minute).Equal(h[2].Timestamp), "timestamp %v", h[2].Timestamp)

		last, err := b.History(ctx, 7, 2)
		require.NoError(t, err)
		require.Len(t, last, 2)
		assert.Equal(t, model.SignalSell, last[0].Signal)

		other, err := b.History(ctx, 8, 0)
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("subscribers are a set", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.AddSubscriber(ctx, 30))
		require.NoError(t, b.AddSubscriber(ctx, 10))
		require.NoError(t, b.AddSubscriber(ctx, 30))
		require.NoError(t, b.AddSubscriber(ctx, -20))

		ids, err := b.Subscribers(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{-20, 10, 30}, ids)

		for id, want := range map[int64]bool{10: true, -20: true, 20: false} {
			ok, err := b.IsSubscribed(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, want, ok, "IsSubscribed(%d)", id)
		}
	})

	t.Run("delete removes everything for one chat", func(t *testing.T) {
		b := newBackend(t)
		for _, id := range []int64{1, 2} {
			require.NoError(t, b.SaveReference(ctx, id, 90000))
			require.NoError(t, b.AddSubscriber(ctx, id))
			require.NoError(t, b.AppendHistory(ctx, id, model.HistoryEntry{
				Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.Local),
				Signal:    model.SignalBuy,
				Price:     90000,
			}))
		}

		require.NoError(t, b.Delete(ctx, 1))

		ok, err := b.IsSubscribed(ctx, 1)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = b.LoadReference(ctx, 1)
		assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
		h, err := b.History(ctx, 1, 0)
		require.NoError(t, err)
		assert.Empty(t, h)
		ids, err := b.Subscribers(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, ids)

		p, err := b.LoadReference(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, 90000.0, p)

		// deleting an unknown chat is not an error
		require.NoError(t, b.Delete(ctx, 99))
	})
}

// RunShared checks that two handles a and b on the same storage serialise
// each other per chat, the way the monitor and a CLI command share a store.
func RunShared(t *testing.T, a, b store.Backend) {
	t.Helper()
	ctx := context.Background()
	sa, sb := store.New(a), store.New(b)
	require.NoError(t, sa.Register(ctx, 7, 100))

	held := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- sa.WithSubscriber(ctx, 7, func(ss *store.Session) error {
			ref := ss.Reference()
			close(held)
			time.Sleep(50 * time.Millisecond)
			return ss.SetReference(ref + 5)
		})
	}()

	<-held
	start := time.Now()
	require.NoError(t, sb.Register(ctx, 7, 90000))
	waited := time.Since(start)
	require.NoError(t, <-done)

	assert.GreaterOrEqual(t, waited, 30*time.Millisecond, "register ran inside the other handle's session")
	assert.Equal(t, 90000.0, sa.GetReferencePrice(ctx, 7))
	assert.Equal(t, 90000.0, sb.GetReferencePrice(ctx, 7))

	// released locks are free again from either side
	require.NoError(t, sa.SetReferencePrice(ctx, 7, 95000))
	require.NoError(t, sb.Reset(ctx, 7))
	assert.Empty(t, sa.ListSubscribers(ctx))

	// a cancelled wait gives up with the caller's context
	unlock := make(chan struct{})
	locked := make(chan struct{})
	go func() {
		sa.WithSubscriber(ctx, 8, func(*store.Session) error {
			close(locked)
			<-unlock
			return nil
		})
	}()
	<-locked
	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := sb.SetReferencePrice(short, 8, 1)
	close(unlock)
	assert.ErrorIs(t, err, store.ErrPersistence)
}
