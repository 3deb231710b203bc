package redis

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

type pendingEntry struct {
	chatID int64
	data   []byte
}

// historyBuffer holds history appends made while the breaker is open and
// replays them once it closes. When full the oldest entry is dropped.
type historyBuffer struct {
	s *Store

	// io serialises flushes, direct appends and deletes: buffered entries
	// reach Redis before newer ones and never after their chat is deleted.
	io sync.Mutex

	mu      sync.Mutex
	pending []pendingEntry
	max     int
	dropped int
}

func newHistoryBuffer(s *Store, limit int) *historyBuffer {
	if limit <= 0 {
		limit = defaultBufferSize
	}
	return &historyBuffer{s: s, max: limit}
}

// write appends one entry. Anything still buffered is flushed first; if that
// fails, or the breaker is open, the entry is buffered behind it.
func (b *historyBuffer) write(ctx context.Context, chatID int64, data []byte) error {
	b.io.Lock()
	defer b.io.Unlock()

	if b.flushLocked(ctx) == nil {
		err := b.s.cb.Execute(func() error {
			return b.s.client.RPush(ctx, b.s.historyKey(chatID), data).Err()
		})
		if !errors.Is(err, ErrCircuitOpen) {
			return err
		}
	}
	b.add(chatID, data)
	if b.s.onBuffered != nil {
		b.s.onBuffered()
	}
	return nil
}

// exclusive runs fn with no flush or append in flight.
func (b *historyBuffer) exclusive(fn func() error) error {
	b.io.Lock()
	defer b.io.Unlock()
	return fn()
}

func (b *historyBuffer) add(chatID int64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= b.max {
		b.pending = b.pending[1:]
		b.dropped++
	}
	b.pending = append(b.pending, pendingEntry{chatID: chatID, data: data})
}

// drop discards buffered entries for a chat that was reset.
func (b *historyBuffer) drop(chatID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.pending[:0]
	for _, p := range b.pending {
		if p.chatID != chatID {
			kept = append(kept, p)
		}
	}
	b.pending = kept
}

func (b *historyBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *historyBuffer) flush(ctx context.Context) {
	b.io.Lock()
	defer b.io.Unlock()
	b.flushLocked(ctx)
}

// flushLocked writes buffered entries in one pipeline through the breaker.
// On failure they go back in front of anything buffered meanwhile.
// The caller holds b.io.
func (b *historyBuffer) flushLocked(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	dropped := b.dropped
	b.dropped = 0
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := b.s.cb.Execute(func() error {
		pipe := b.s.client.Pipeline()
		for _, p := range batch {
			pipe.RPush(ctx, b.s.historyKey(p.chatID), p.data)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrCircuitOpen) {
			b.s.log.Error("history buffer flush failed", zap.Int("entries", len(batch)), zap.Error(err))
		}
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		if over := len(b.pending) - b.max; over > 0 {
			b.pending = b.pending[over:]
			b.dropped += over
		}
		b.dropped += dropped
		b.mu.Unlock()
		return err
	}
	b.s.log.Info("history buffer flushed", zap.Int("entries", len(batch)), zap.Int("dropped", dropped))
	return nil
}
