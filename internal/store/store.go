// Package store owns subscriber state: the reference price each chat
// compares against, its signal history and the set of subscribed chats.
//
// StateStore applies the error policy (fallback reads, best-effort history)
// and per-chat locking on top of a Backend that only moves bytes.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"signalbot/internal/logger"
	"signalbot/internal/model"
)

// DefaultFallbackPrice is used for chats that never registered a price.
const DefaultFallbackPrice = 96000.0

var (
	// ErrNotFound is returned by backends when a chat has no stored price.
	ErrNotFound = errors.New("not found")

	// ErrInvalidReferencePrice marks a stored or supplied price that is not
	// a positive finite number.
	ErrInvalidReferencePrice = errors.New("invalid reference price")

	// ErrPersistence wraps backend read/write failures.
	ErrPersistence = errors.New("persistence error")
)

// Backend is the storage port. Implementations need not lock per chat;
// StateStore serialises access for each chat ID.
type Backend interface {
	// LoadReference returns ErrNotFound when no price is stored and
	// ErrInvalidReferencePrice when the stored value is malformed.
	LoadReference(ctx context.Context, chatID int64) (float64, error)
	SaveReference(ctx context.Context, chatID int64, price float64) error

	// AppendHistory creates the chat's history on first write.
	AppendHistory(ctx context.Context, chatID int64, e model.HistoryEntry) error
	// History returns up to limit most recent entries, oldest first.
	// limit <= 0 returns everything.
	History(ctx context.Context, chatID int64, limit int) ([]model.HistoryEntry, error)

	AddSubscriber(ctx context.Context, chatID int64) error
	Subscribers(ctx context.Context) ([]int64, error)
	IsSubscribed(ctx context.Context, chatID int64) (bool, error)

	// Delete removes the chat's price, history and subscription.
	Delete(ctx context.Context, chatID int64) error

	Close() error
}

// Locker is implemented by backends that several processes can open at once,
// such as the running monitor and a CLI command. LockChat blocks until the
// caller holds chatID's lock in every process sharing the backend, or ctx is
// done.
type Locker interface {
	LockChat(ctx context.Context, chatID int64) (unlock func(), err error)
}

// StateStore is the single owner of subscriber state.
type StateStore struct {
	backend  Backend
	fallback float64
	log      *zap.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// Option configures a StateStore.
type Option func(*StateStore)

// WithFallbackPrice overrides DefaultFallbackPrice.
func WithFallbackPrice(p float64) Option {
	return func(s *StateStore) { s.fallback = p }
}

// WithLogger sets the logger used for degraded reads and dropped writes.
func WithLogger(log *zap.Logger) Option {
	return func(s *StateStore) { s.log = log }
}

// New wraps backend in a StateStore.
func New(backend Backend, opts ...Option) *StateStore {
	s := &StateStore{
		backend:  backend,
		fallback: DefaultFallbackPrice,
		locks:    make(map[int64]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = logger.OrNop(s.log).With(zap.String("component", "store"))
	return s
}

// FallbackPrice returns the reference used for chats without a stored price.
func (s *StateStore) FallbackPrice() float64 { return s.fallback }

// lock takes chatID's in-process mutex and, when the backend is a Locker,
// its cross-process lock. If the backend cannot lock for any reason other than
// ctx, the store degrades to the in-process mutex and logs it.
func (s *StateStore) lock(ctx context.Context, chatID int64) (func(), error) {
	s.mu.Lock()
	m, ok := s.locks[chatID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[chatID] = m
	}
	s.mu.Unlock()

	m.Lock()
	l, ok := s.backend.(Locker)
	if !ok {
		return m.Unlock, nil
	}
	release, err := l.LockChat(ctx, chatID)
	if err != nil {
		if ctx.Err() != nil {
			m.Unlock()
			return nil, fmt.Errorf("%w: lock %d: %v", ErrPersistence, chatID, ctx.Err())
		}
		s.log.Warn("chat lock unavailable, serialising in this process only",
			append(logger.Fields(ctx), zap.Int64("chat_id", chatID), zap.Error(err))...)
		return m.Unlock, nil
	}
	return func() {
		release()
		m.Unlock()
	}, nil
}

// Session is a view of one chat's state, valid only inside WithSubscriber.
type Session struct {
	ctx    context.Context
	store  *StateStore
	chatID int64
}

// ChatID returns the chat the session is bound to.
func (ss *Session) ChatID() int64 { return ss.chatID }

// Reference returns the stored reference price, or the fallback when it is
// absent, malformed or unreadable.
func (ss *Session) Reference() float64 {
	return ss.store.readReference(ss.ctx, ss.chatID)
}

// SetReference overwrites the reference price.
func (ss *Session) SetReference(price float64) error {
	return ss.store.writeReference(ss.ctx, ss.chatID, price)
}

// Subscribed reports whether the chat is still subscribed. A read failure is
// logged and counts as subscribed.
func (ss *Session) Subscribed() bool {
	ok, err := ss.store.backend.IsSubscribed(ss.ctx, ss.chatID)
	if err != nil {
		ss.store.log.Warn("subscription check failed",
			append(logger.Fields(ss.ctx), zap.Int64("chat_id", ss.chatID), zap.Error(err))...)
		return true
	}
	return ok
}

// AppendHistory records e. Failures are logged and swallowed.
func (ss *Session) AppendHistory(e model.HistoryEntry) {
	ss.store.appendHistory(ss.ctx, ss.chatID, e)
}

// WithSubscriber runs fn while holding chatID's lock, so a read-modify-write
// of the reference price cannot interleave with other mutations of the same
// chat.
func (s *StateStore) WithSubscriber(ctx context.Context, chatID int64, fn func(*Session) error) error {
	unlock, err := s.lock(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(&Session{ctx: ctx, store: s, chatID: chatID})
}

// GetReferencePrice returns the stored price or the fallback.
func (s *StateStore) GetReferencePrice(ctx context.Context, chatID int64) float64 {
	unlock, err := s.lock(ctx, chatID)
	if err != nil {
		return s.fallback
	}
	defer unlock()
	return s.readReference(ctx, chatID)
}

// SetReferencePrice stores price for chatID. Non-positive or non-finite
// prices are rejected with ErrInvalidReferencePrice; backend failures are
// wrapped in ErrPersistence.
func (s *StateStore) SetReferencePrice(ctx context.Context, chatID int64, price float64) error {
	unlock, err := s.lock(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.writeReference(ctx, chatID, price)
}

// AppendHistory records e for chatID. It never fails the caller.
func (s *StateStore) AppendHistory(ctx context.Context, chatID int64, e model.HistoryEntry) {
	unlock, err := s.lock(ctx, chatID)
	if err != nil {
		s.log.Error("history append dropped", zap.Int64("chat_id", chatID), zap.Error(err))
		return
	}
	defer unlock()
	s.appendHistory(ctx, chatID, e)
}

// History returns up to limit most recent entries, oldest first.
func (s *StateStore) History(ctx context.Context, chatID int64, limit int) ([]model.HistoryEntry, error) {
	unlock, err := s.lock(ctx, chatID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	h, err := s.backend.History(ctx, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: history %d: %v", ErrPersistence, chatID, err)
	}
	return h, nil
}

// Subscribe adds chatID to the subscriber set. Subscribing twice is a no-op.
func (s *StateStore) Subscribe(ctx context.Context, chatID int64) error {
	unlock, err := s.lock(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()
	if err := s.backend.AddSubscriber(ctx, chatID); err != nil {
		return fmt.Errorf("%w: subscribe %d: %v", ErrPersistence, chatID, err)
	}
	return nil
}

// Register stores a reference price and subscribes the chat, the way the
// "register price" command does.
func (s *StateStore) Register(ctx context.Context, chatID int64, price float64) error {
	unlock, err := s.lock(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()
	if err := s.writeReference(ctx, chatID, price); err != nil {
		return err
	}
	if err := s.backend.AddSubscriber(ctx, chatID); err != nil {
		return fmt.Errorf("%w: subscribe %d: %v", ErrPersistence, chatID, err)
	}
	return nil
}

// Reset deletes the chat's price, history and subscription.
func (s *StateStore) Reset(ctx context.Context, chatID int64) error {
	unlock, err := s.lock(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()
	if err := s.backend.Delete(ctx, chatID); err != nil {
		return fmt.Errorf("%w: reset %d: %v", ErrPersistence, chatID, err)
	}
	s.log.Info("subscriber reset", zap.Int64("chat_id", chatID))
	return nil
}

// ListSubscribers returns a snapshot of subscribed chat IDs. A read failure
// is logged and yields an empty set.
func (s *StateStore) ListSubscribers(ctx context.Context) []int64 {
	ids, err := s.backend.Subscribers(ctx)
	if err != nil {
		s.log.Error("list subscribers failed", append(logger.Fields(ctx), zap.Error(err))...)
		return nil
	}
	return ids
}

// Close releases the backend.
func (s *StateStore) Close() error {
	return s.backend.Close()
}

func (s *StateStore) readReference(ctx context.Context, chatID int64) float64 {
	p, err := s.backend.LoadReference(ctx, chatID)
	switch {
	case err == nil && validPrice(p):
		return p
	case err == nil, errors.Is(err, ErrInvalidReferencePrice):
		s.log.Warn("malformed reference price, using fallback",
			append(logger.Fields(ctx), zap.Int64("chat_id", chatID), zap.Float64("fallback", s.fallback))...)
	case errors.Is(err, ErrNotFound):
	default:
		s.log.Error("reference price read failed, using fallback",
			append(logger.Fields(ctx), zap.Int64("chat_id", chatID), zap.Error(err))...)
	}
	return s.fallback
}

func (s *StateStore) writeReference(ctx context.Context, chatID int64, price float64) error {
	if !validPrice(price) {
		return fmt.Errorf("%w: %v", ErrInvalidReferencePrice, price)
	}
	if err := s.backend.SaveReference(ctx, chatID, price); err != nil {
		return fmt.Errorf("%w: save reference %d: %v", ErrPersistence, chatID, err)
	}
	return nil
}

func (s *StateStore) appendHistory(ctx context.Context, chatID int64, e model.HistoryEntry) {
	if err := s.backend.AppendHistory(ctx, chatID, e); err != nil {
		s.log.Error("history append dropped",
			append(logger.Fields(ctx), zap.Int64("chat_id", chatID), zap.String("signal", string(e.Signal)), zap.Error(err))...)
	}
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}
