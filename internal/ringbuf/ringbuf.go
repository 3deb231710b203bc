// Package ringbuf provides a fixed-size window of the most recent candles.
// Writers upsert by open time, so a kline that is still forming replaces
// itself until the next one starts.
package ringbuf

import (
	"sync"

	"signalbot/internal/model"
)

// Window keeps the latest Cap() candles in open-time order. It is safe for
// one writer and many readers.
type Window struct {
	mu   sync.RWMutex
	buf  []model.Candle
	mask uint64
	size int    // requested capacity
	head uint64 // total candles appended

	evicted uint64
}

// New creates a window holding size candles. Storage is rounded up to the
// next power of two; minimum size is 1.
func New(size int) *Window {
	if size < 1 {
		size = 1
	}
	n := nextPow2(size)
	return &Window{
		buf:  make([]model.Candle, n),
		mask: uint64(n - 1),
		size: size,
	}
}

// Upsert replaces the newest candle when c has the same open time, appends
// it when c is newer, and ignores it when c is older. It reports whether the
// window changed.
func (w *Window) Upsert(c model.Candle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.head > 0 {
		last := &w.buf[(w.head-1)&w.mask]
		switch {
		case c.OpenTime.Equal(last.OpenTime):
			*last = c
			return true
		case c.OpenTime.Before(last.OpenTime):
			return false
		}
	}

	if w.head >= uint64(w.size) {
		w.evicted++
	}
	w.buf[w.head&w.mask] = c
	w.head++
	return true
}

// Reset replaces the window contents with the newest candles of cs.
func (w *Window) Reset(cs []model.Candle) {
	w.mu.Lock()
	w.head = 0
	w.evicted = 0
	w.mu.Unlock()
	for _, c := range cs {
		w.Upsert(c)
	}
}

// Snapshot copies up to n most recent candles, oldest first. n <= 0 returns
// the whole window.
func (w *Window) Snapshot(n int) []model.Candle {
	w.mu.RLock()
	defer w.mu.RUnlock()

	have := w.lenLocked()
	if n <= 0 || n > have {
		n = have
	}
	out := make([]model.Candle, n)
	start := w.head - uint64(n)
	for i := range out {
		out[i] = w.buf[(start+uint64(i))&w.mask]
	}
	return out
}

// Last returns the newest candle.
func (w *Window) Last() (model.Candle, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.head == 0 {
		return model.Candle{}, false
	}
	return w.buf[(w.head-1)&w.mask], true
}

// Len returns the number of candles held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lenLocked()
}

func (w *Window) lenLocked() int {
	if w.head < uint64(w.size) {
		return int(w.head)
	}
	return w.size
}

// Cap returns the window size.
func (w *Window) Cap() int { return w.size }

// Evicted returns how many candles were pushed out of the window.
func (w *Window) Evicted() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.evicted
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
