package store_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbot/internal/model"
	"signalbot/internal/store"
	"signalbot/internal/store/storetest"
)

// memBackend is an in-memory store.Backend with switchable failures.
type memBackend struct {
	mu      sync.Mutex
	prices  map[int64]float64
	raw     map[int64]bool // stored price is malformed
	history map[int64][]model.HistoryEntry
	subs    map[int64]bool

	failRead   bool
	failWrite  bool
	failAppend bool
	failDelete bool
}

func newMem() *memBackend {
	return &memBackend{
		prices:  map[int64]float64{},
		raw:     map[int64]bool{},
		history: map[int64][]model.HistoryEntry{},
		subs:    map[int64]bool{},
	}
}

var errDisk = errors.New("disk on fire")

func (m *memBackend) LoadReference(_ context.Context, id int64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRead {
		return 0, errDisk
	}
	if m.raw[id] {
		return 0, store.ErrInvalidReferencePrice
	}
	p, ok := m.prices[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	return p, nil
}

func (m *memBackend) SaveReference(_ context.Context, id int64, p float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return errDisk
	}
	m.prices[id] = p
	delete(m.raw, id)
	return nil
}

func (m *memBackend) AppendHistory(_ context.Context, id int64, e model.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend {
		return errDisk
	}
	m.history[id] = append(m.history[id], e)
	return nil
}

func (m *memBackend) History(_ context.Context, id int64, limit int) ([]model.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRead {
		return nil, errDisk
	}
	h := slices.Clone(m.history[id])
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return h, nil
}

func (m *memBackend) AddSubscriber(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return errDisk
	}
	m.subs[id] = true
	return nil
}

func (m *memBackend) Subscribers(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRead {
		return nil, errDisk
	}
	ids := make([]int64, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *memBackend) IsSubscribed(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRead {
		return false, errDisk
	}
	return m.subs[id], nil
}

func (m *memBackend) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete {
		return errDisk
	}
	delete(m.prices, id)
	delete(m.raw, id)
	delete(m.history, id)
	delete(m.subs, id)
	return nil
}

func (m *memBackend) Close() error { return nil }

func TestMemBackendConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend { return newMem() })
}

func TestReferencePrice_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := store.New(newMem())

	require.NoError(t, s.SetReferencePrice(ctx, 42, 95000.0))
	assert.Equal(t, 95000.0, s.GetReferencePrice(ctx, 42))
}

func TestReferencePrice_Fallback(t *testing.T) {
	ctx := context.Background()

	t.Run("never set", func(t *testing.T) {
		s := store.New(newMem())
		assert.Equal(t, 96000.0, s.GetReferencePrice(ctx, 1))
	})

	t.Run("custom fallback", func(t *testing.T) {
		s := store.New(newMem(), store.WithFallbackPrice(50000))
		assert.Equal(t, 50000.0, s.GetReferencePrice(ctx, 1))
		assert.Equal(t, 50000.0, s.FallbackPrice())
	})

	t.Run("malformed value", func(t *testing.T) {
		m := newMem()
		m.raw[1] = true
		s := store.New(m)
		assert.Equal(t, 96000.0, s.GetReferencePrice(ctx, 1))
	})

	t.Run("stored zero", func(t *testing.T) {
		m := newMem()
		m.prices[1] = 0
		s := store.New(m)
		assert.Equal(t, 96000.0, s.GetReferencePrice(ctx, 1))
	})

	t.Run("backend unreadable", func(t *testing.T) {
		m := newMem()
		m.prices[1] = 90000
		m.failRead = true
		s := store.New(m)
		assert.Equal(t, 96000.0, s.GetReferencePrice(ctx, 1))
	})
}

func TestSetReferencePrice_Errors(t *testing.T) {
	ctx := context.Background()
	m := newMem()
	s := store.New(m)

	for _, p := range []float64{0, -1} {
		err := s.SetReferencePrice(ctx, 1, p)
		assert.ErrorIs(t, err, store.ErrInvalidReferencePrice, "price %v", p)
	}

	m.failWrite = true
	err := s.SetReferencePrice(ctx, 1, 90000)
	assert.ErrorIs(t, err, store.ErrPersistence)
}

func TestAppendHistory_NeverFails(t *testing.T) {
	ctx := context.Background()
	m := newMem()
	m.failAppend = true
	s := store.New(m)

	// must not panic or block
	s.AppendHistory(ctx, 1, model.HistoryEntry{Signal: model.SignalBuy, Price: 1})

	m.failAppend = false
	s.AppendHistory(ctx, 1, model.HistoryEntry{Signal: model.SignalSell, Price: 2})
	h, err := s.History(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, model.SignalSell, h[0].Signal)
}

func TestRegisterAndReset(t *testing.T) {
	ctx := context.Background()
	m := newMem()
	s := store.New(m)

	require.NoError(t, s.Register(ctx, 5, 97000))
	require.NoError(t, s.Subscribe(ctx, 6))
	s.AppendHistory(ctx, 5, model.HistoryEntry{Signal: model.SignalBuy, Price: 97000})

	assert.Equal(t, []int64{5, 6}, s.ListSubscribers(ctx))
	assert.Equal(t, 97000.0, s.GetReferencePrice(ctx, 5))

	require.NoError(t, s.Reset(ctx, 5))
	assert.Equal(t, 96000.0, s.GetReferencePrice(ctx, 5))
	assert.Equal(t, []int64{6}, s.ListSubscribers(ctx))
	h, err := s.History(ctx, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestRegister_InvalidPriceDoesNotSubscribe(t *testing.T) {
	ctx := context.Background()
	s := store.New(newMem())

	err := s.Register(ctx, 5, -3)
	assert.ErrorIs(t, err, store.ErrInvalidReferencePrice)
	assert.Empty(t, s.ListSubscribers(ctx))
}

func TestReset_FailureLeavesStateIntact(t *testing.T) {
	ctx := context.Background()
	m := newMem()
	s := store.New(m)
	require.NoError(t, s.Register(ctx, 5, 97000))

	m.failDelete = true
	err := s.Reset(ctx, 5)
	assert.ErrorIs(t, err, store.ErrPersistence)
	assert.Equal(t, 97000.0, s.GetReferencePrice(ctx, 5))
	assert.Equal(t, []int64{5}, s.ListSubscribers(ctx))
}

func TestListSubscribers_ReadFailure(t *testing.T) {
	m := newMem()
	m.subs[1] = true
	m.failRead = true
	s := store.New(m)
	assert.Empty(t, s.ListSubscribers(context.Background()))
}

func TestWithSubscriber_SerialisesPerChat(t *testing.T) {
	ctx := context.Background()
	s := store.New(newMem())
	require.NoError(t, s.SetReferencePrice(ctx, 1, 1))

	const workers = 50
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithSubscriber(ctx, 1, func(ss *store.Session) error {
				ref := ss.Reference()
				// widen the race window
				time.Sleep(time.Millisecond)
				return ss.SetReference(ref + 1)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(1+workers), s.GetReferencePrice(ctx, 1))
}

func TestWithSubscriber_PropagatesError(t *testing.T) {
	s := store.New(newMem())
	want := errors.New("boom")
	err := s.WithSubscriber(context.Background(), 3, func(ss *store.Session) error {
		assert.Equal(t, int64(3), ss.ChatID())
		return want
	})
	assert.ErrorIs(t, err, want)
}

func TestSession_Subscribed(t *testing.T) {
	ctx := context.Background()
	m := newMem()
	s := store.New(m)
	require.NoError(t, s.Subscribe(ctx, 1))

	check := func(id int64) (ok bool) {
		require.NoError(t, s.WithSubscriber(ctx, id, func(ss *store.Session) error {
			ok = ss.Subscribed()
			return nil
		}))
		return ok
	}
	assert.True(t, check(1))
	assert.False(t, check(2))

	// an unreadable set does not drop the chat from the cycle
	m.failRead = true
	assert.True(t, check(2))
}

// lockingMem adds a cross-process lock to memBackend.
type lockingMem struct {
	*memBackend
	lockErr error
	locks   int
	unlocks int
}

func (l *lockingMem) LockChat(ctx context.Context, _ int64) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.lockErr != nil {
		return nil, l.lockErr
	}
	l.locks++
	return func() { l.unlocks++ }, nil
}

func TestLocker_HeldAroundMutations(t *testing.T) {
	ctx := context.Background()
	l := &lockingMem{memBackend: newMem()}
	s := store.New(l)

	require.NoError(t, s.Register(ctx, 1, 100))
	require.NoError(t, s.WithSubscriber(ctx, 1, func(ss *store.Session) error {
		assert.Equal(t, 1, l.locks-l.unlocks, "lock not held inside the session")
		return ss.SetReference(101)
	}))
	require.NoError(t, s.Reset(ctx, 1))
	assert.Equal(t, 3, l.locks)
	assert.Equal(t, 3, l.unlocks)
}

func TestLocker_BackendFailureDegradesToProcessLock(t *testing.T) {
	ctx := context.Background()
	l := &lockingMem{memBackend: newMem(), lockErr: errDisk}
	s := store.New(l)

	require.NoError(t, s.SetReferencePrice(ctx, 1, 95000))
	assert.Equal(t, 95000.0, s.GetReferencePrice(ctx, 1))
}

func TestLocker_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := store.New(&lockingMem{memBackend: newMem()})

	err := s.SetReferencePrice(ctx, 1, 95000)
	assert.ErrorIs(t, err, store.ErrPersistence)
	err = s.WithSubscriber(ctx, 1, func(*store.Session) error {
		t.Fatal("session ran without the lock")
		return nil
	})
	assert.ErrorIs(t, err, store.ErrPersistence)
	assert.Equal(t, store.DefaultFallbackPrice, s.GetReferencePrice(ctx, 1))
}
