package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbot/internal/model"
	"signalbot/internal/store"
	"signalbot/internal/store/storetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(Config{Addr: mr.Addr(), Prefix: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		s, _ := newTestStore(t)
		return s
	})
}

func TestSharedServerSerialisesChats(t *testing.T) {
	mr := miniredis.RunT(t)
	open := func() *Store {
		s, err := New(Config{Addr: mr.Addr(), Prefix: "test"})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}
	storetest.RunShared(t, open(), open())
}

func TestLockChat_LeaseExpires(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	require.NoError(t, mr.Set("test:lock:9", "crashed-holder"))
	mr.SetTTL("test:lock:9", lockTTL)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := s.LockChat(short, 9)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	mr.FastForward(lockTTL)
	unlock, err := s.LockChat(ctx, 9)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:9"))

	unlock()
	assert.False(t, mr.Exists("test:lock:9"))
}

func TestLockChat_UnlockKeepsForeignLease(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	unlock, err := s.LockChat(ctx, 4)
	require.NoError(t, err)
	// the lease expired and another process took it
	require.NoError(t, mr.Set("test:lock:4", "other"))

	unlock()
	v, err := mr.Get("test:lock:4")
	require.NoError(t, err)
	assert.Equal(t, "other", v)
}

func TestNew_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(Config{Addr: addr})
	assert.Error(t, err)
}

func TestKeyLayout(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	require.NoError(t, s.SaveReference(ctx, 42, 95000))
	require.NoError(t, s.AddSubscriber(ctx, 42))
	require.NoError(t, s.AppendHistory(ctx, 42, model.HistoryEntry{Signal: model.SignalBuy, Price: 95000}))

	v, err := mr.Get("test:ref:42")
	require.NoError(t, err)
	assert.Equal(t, "95000", v)

	ok, err := mr.SIsMember("test:subscribers", "42")
	require.NoError(t, err)
	assert.True(t, ok)

	items, err := mr.List("test:history:42")
	require.NoError(t, err)
	require.Len(t, items, 1)
	var e model.HistoryEntry
	require.NoError(t, json.Unmarshal([]byte(items[0]), &e))
	assert.Equal(t, model.SignalBuy, e.Signal)
}

func TestMalformedReference(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, mr.Set("test:ref:1", "ninety-six"))

	_, err := s.LoadReference(context.Background(), 1)
	assert.ErrorIs(t, err, store.ErrInvalidReferencePrice)
}

func TestMissesDoNotTripBreaker(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for i := 0; i < defaultMaxFailures*2; i++ {
		_, err := s.LoadReference(ctx, int64(i))
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
	assert.Equal(t, StateClosed, s.Breaker().CurrentState())
}

func TestHistoryBufferedWhileOpen(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	clk := &fakeClock{t: time.Now()}
	s.cb.now = clk.now

	// trip the breaker without touching Redis
	for i := 0; i < defaultMaxFailures; i++ {
		s.cb.Execute(func() error { return errFail })
	}
	require.Equal(t, StateOpen, s.cb.CurrentState())

	e := model.HistoryEntry{Timestamp: time.Unix(1_700_000_000, 0), Signal: model.SignalSell, Price: 90000}
	require.NoError(t, s.AppendHistory(ctx, 5, e))
	require.NoError(t, s.AppendHistory(ctx, 6, e))
	assert.Equal(t, 2, s.buf.size())

	_, err := s.History(ctx, 5, 0)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	// a reset chat's buffered history is discarded with it
	clk.advance(defaultResetTimeout)
	require.NoError(t, s.Delete(ctx, 6))
	require.Equal(t, StateClosed, s.cb.CurrentState())

	assert.Eventually(t, func() bool {
		h, err := s.History(ctx, 5, 0)
		return err == nil && len(h) == 1 && h[0].Signal == model.SignalSell
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.buf.size())

	h, err := s.History(ctx, 6, 0)
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestHistoryBuffer_FlushesAheadOfNewAppends(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	clk := &fakeClock{t: time.Now()}
	s.cb.now = clk.now

	for i := 0; i < defaultMaxFailures; i++ {
		s.cb.Execute(func() error { return errFail })
	}
	require.NoError(t, s.AppendHistory(ctx, 5, model.HistoryEntry{Signal: model.SignalSell, Price: 1}))

	// the first append after the timeout carries the buffered entry with it
	clk.advance(defaultResetTimeout)
	require.NoError(t, s.AppendHistory(ctx, 5, model.HistoryEntry{Signal: model.SignalBuy, Price: 2}))
	require.Equal(t, StateClosed, s.cb.CurrentState())

	h, err := s.History(ctx, 5, 0)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, 1.0, h[0].Price)
	assert.Equal(t, 2.0, h[1].Price)
	assert.Equal(t, 0, s.buf.size())
}

func TestHistoryBuffer_FailedFlushDoesNotOutliveDelete(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	clk := &fakeClock{t: time.Now()}
	s.cb.now = clk.now

	for i := 0; i < defaultMaxFailures; i++ {
		s.cb.Execute(func() error { return errFail })
	}
	require.NoError(t, s.AppendHistory(ctx, 6, model.HistoryEntry{Signal: model.SignalBuy, Price: 60}))
	require.NoError(t, s.AppendHistory(ctx, 5, model.HistoryEntry{Signal: model.SignalBuy, Price: 1}))

	// the flush carried by this append fails and everything is requeued
	clk.advance(defaultResetTimeout)
	mr.SetError("ERR injected failure")
	require.NoError(t, s.AppendHistory(ctx, 5, model.HistoryEntry{Signal: model.SignalSell, Price: 2}))
	require.Equal(t, StateOpen, s.cb.CurrentState())
	require.Equal(t, 3, s.buf.size())

	mr.SetError("")
	clk.advance(defaultResetTimeout)
	require.NoError(t, s.Delete(ctx, 6))

	assert.Eventually(t, func() bool {
		h, err := s.History(ctx, 5, 0)
		return err == nil && len(h) == 2
	}, 2*time.Second, 10*time.Millisecond)
	h, err := s.History(ctx, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, []float64{h[0].Price, h[1].Price})
	assert.False(t, mr.Exists("test:history:6"))
	assert.Equal(t, 0, s.buf.size())
}

func TestHistoryBuffer_DropsOldest(t *testing.T) {
	b := newHistoryBuffer(nil, 2)
	b.add(1, []byte("a"))
	b.add(1, []byte("b"))
	b.add(1, []byte("c"))

	require.Equal(t, 2, b.size())
	assert.Equal(t, "b", string(b.pending[0].data))
	assert.Equal(t, 1, b.dropped)
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	p := NewPublisher(s.Client(), "test")
	assert.Equal(t, "test:signals", p.Channel())

	sub := s.Client().Subscribe(ctx, p.Channel())
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Notify(ctx, model.Result{ChatID: 9, Signal: model.SignalRebuy, Price: 91000}))

	select {
	case msg := <-sub.Channel():
		var r model.Result
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &r))
		assert.Equal(t, int64(9), r.ChatID)
		assert.Equal(t, model.SignalRebuy, r.Signal)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}
