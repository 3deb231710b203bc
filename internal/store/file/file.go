// Package file stores subscriber state as plain files in one directory:
//
//	last_buy_price_<chat_id>.txt     reference price as a decimal number
//	btc_trades_history_<chat_id>.csv history with a header row
//	subscribers.txt                  one chat ID per line, sorted
//	.chat_<chat_id>.lock             flock target serialising one chat
//	.subscribers.lock                flock target guarding subscribers.txt
//
// The layout is kept readable by the deployments that produced it.
package file

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"signalbot/internal/model"
	"signalbot/internal/store"
)

// TimeLayout is the timestamp format of history rows.
const TimeLayout = "2006-01-02 15:04:05"

const subscribersFile = "subscribers.txt"

const lockRetry = 10 * time.Millisecond

var historyHeader = []string{"timestamp", "signal", "price", "RSI", "USD_change", "%_change"}

// Store is a directory-backed store.Backend.
type Store struct {
	dir string

	// guards subscribers.txt, which is shared by all chats
	subMu sync.Mutex
}

// New creates the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) pricePath(chatID int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("last_buy_price_%d.txt", chatID))
}

func (s *Store) historyPath(chatID int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("btc_trades_history_%d.csv", chatID))
}

// HistoryPath exposes the CSV location so callers can hand the file out.
func (s *Store) HistoryPath(chatID int64) string { return s.historyPath(chatID) }

func (s *Store) LoadReference(_ context.Context, chatID int64) (float64, error) {
	b, err := os.ReadFile(s.pricePath(chatID))
	if errors.Is(err, os.ErrNotExist) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	p, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", store.ErrInvalidReferencePrice, strings.TrimSpace(string(b)))
	}
	return p, nil
}

func (s *Store) SaveReference(_ context.Context, chatID int64, price float64) error {
	return writeAtomic(s.pricePath(chatID), []byte(strconv.FormatFloat(price, 'f', -1, 64)))
}

func (s *Store) AppendHistory(_ context.Context, chatID int64, e model.HistoryEntry) error {
	path := s.historyPath(chatID)
	_, statErr := os.Stat(path)
	exists := statErr == nil

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if !exists {
		if err := w.Write(historyHeader); err != nil {
			f.Close()
			return err
		}
	}
	row := []string{
		e.Timestamp.Format(TimeLayout),
		string(e.Signal),
		formatFloat(e.Price),
		formatFloat(e.RSI),
		formatFloat(e.USDChange),
		formatFloat(e.PctChange),
	}
	if err := w.Write(row); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	// durable before the caller moves on
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *Store) History(_ context.Context, chatID int64, limit int) ([]model.HistoryEntry, error) {
	f, err := os.Open(s.historyPath(chatID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(historyHeader)
	var out []model.HistoryEntry
	for line := 0; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("history %d line %d: %w", chatID, line+1, err)
		}
		if line == 0 && rec[0] == historyHeader[0] {
			continue
		}
		e, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("history %d line %d: %w", chatID, line+1, err)
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) AddSubscriber(ctx context.Context, chatID int64) error {
	unlock, err := s.lockSubscribers(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	ids, err := s.readSubscribers()
	if err != nil {
		return err
	}
	if slices.Contains(ids, chatID) {
		return nil
	}
	return s.writeSubscribers(append(ids, chatID))
}

func (s *Store) Subscribers(_ context.Context) ([]int64, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.readSubscribers()
}

func (s *Store) IsSubscribed(_ context.Context, chatID int64) (bool, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	ids, err := s.readSubscribers()
	if err != nil {
		return false, err
	}
	return slices.Contains(ids, chatID), nil
}

// LockChat takes an exclusive flock on the chat's lock file. The file is
// left in place after unlock and after Delete.
func (s *Store) LockChat(ctx context.Context, chatID int64) (func(), error) {
	fl := flock.New(filepath.Join(s.dir, fmt.Sprintf(".chat_%d.lock", chatID)))
	ok, err := fl.TryLockContext(ctx, lockRetry)
	if err != nil || !ok {
		if err == nil {
			err = errors.New("not acquired")
		}
		return nil, fmt.Errorf("lock chat %d: %w", chatID, err)
	}
	return func() { fl.Unlock() }, nil
}

// Delete removes both per-chat files before touching the subscriber list, so
// a failure leaves the chat subscribed and the caller can retry.
func (s *Store) Delete(ctx context.Context, chatID int64) error {
	for _, p := range []string{s.pricePath(chatID), s.historyPath(chatID)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	unlock, err := s.lockSubscribers(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	ids, err := s.readSubscribers()
	if err != nil {
		return err
	}
	return s.writeSubscribers(slices.DeleteFunc(ids, func(id int64) bool { return id == chatID }))
}

func (s *Store) Close() error { return nil }

// lockSubscribers guards the read-modify-write of subscribers.txt, which
// every chat and every process shares.
func (s *Store) lockSubscribers(ctx context.Context) (func(), error) {
	s.subMu.Lock()
	fl := flock.New(filepath.Join(s.dir, ".subscribers.lock"))
	ok, err := fl.TryLockContext(ctx, lockRetry)
	if err != nil || !ok {
		s.subMu.Unlock()
		if err == nil {
			err = errors.New("not acquired")
		}
		return nil, fmt.Errorf("lock subscribers: %w", err)
	}
	return func() {
		fl.Unlock()
		s.subMu.Unlock()
	}, nil
}

// readSubscribers skips lines that are not chat IDs.
func (s *Store) readSubscribers() ([]int64, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, subscribersFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, line := range strings.Split(string(b), "\n") {
		id, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
		if err != nil {
			continue
		}
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Store) writeSubscribers(ids []int64) error {
	slices.Sort(ids)
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(strconv.FormatInt(id, 10))
		b.WriteByte('\n')
	}
	return writeAtomic(filepath.Join(s.dir, subscribersFile), []byte(b.String()))
}

func parseRow(rec []string) (model.HistoryEntry, error) {
	ts, err := time.ParseInLocation(TimeLayout, rec[0], time.Local)
	if err != nil {
		return model.HistoryEntry{}, err
	}
	sig, err := model.ParseSignal(rec[1])
	if err != nil {
		return model.HistoryEntry{}, err
	}
	var nums [4]float64
	for i := range nums {
		nums[i], err = strconv.ParseFloat(rec[i+2], 64)
		if err != nil {
			return model.HistoryEntry{}, err
		}
	}
	return model.HistoryEntry{
		Timestamp: ts,
		Signal:    sig,
		Price:     nums[0],
		RSI:       nums[1],
		USDChange: nums[2],
		PctChange: nums[3],
	}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// writeAtomic replaces path via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
