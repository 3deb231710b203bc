// Package redis is a store.Backend on Redis, guarded by a circuit breaker.
//
// Keys, all under a configurable prefix:
//
//	<prefix>:ref:<chat_id>      reference price (string)
//	<prefix>:history:<chat_id>  list of JSON history entries, oldest first
//	<prefix>:subscribers        set of chat IDs
//	<prefix>:lock:<chat_id>     lease held while a process mutates the chat
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"signalbot/internal/logger"
	"signalbot/internal/model"
	"signalbot/internal/store"
)

const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 10 * time.Second
	defaultBufferSize   = 1000

	lockTTL   = 30 * time.Second
	lockRetry = 20 * time.Millisecond
)

// unlockScript deletes the lease only if the caller still owns it.
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config configures the Redis store.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
	Prefix   string

	// MaxBuffered bounds history entries held while the breaker is open.
	MaxBuffered int
	Logger      *zap.Logger

	// OnStateChange observes breaker transitions (metrics).
	OnStateChange func(from, to State)
	// OnBuffered is called for each history entry held back by an open breaker.
	OnBuffered func()
}

// Store is a Redis-backed store.Backend.
type Store struct {
	client *goredis.Client
	prefix string
	cb     *CircuitBreaker
	buf    *historyBuffer
	log    *zap.Logger

	onBuffered func()
}

// Client returns the underlying client for health checks and publishing.
func (s *Store) Client() *goredis.Client { return s.client }

// Breaker exposes the circuit breaker state.
func (s *Store) Breaker() *CircuitBreaker { return s.cb }

// New connects and pings the server.
func New(cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "signalbot"
	}
	log := logger.OrNop(cfg.Logger).With(zap.String("component", "redis"))

	s := &Store{
		client: client,
		prefix: prefix,
		cb:     NewCircuitBreaker(defaultMaxFailures, defaultResetTimeout),
		log:    log,

		onBuffered: cfg.OnBuffered,
	}
	s.cb.IsFailure = isFailure
	s.buf = newHistoryBuffer(s, cfg.MaxBuffered)
	s.cb.OnStateChange = func(from, to State) {
		log.Warn("circuit breaker", zap.Stringer("from", from), zap.Stringer("to", to))
		if cfg.OnStateChange != nil {
			cfg.OnStateChange(from, to)
		}
		if to == StateClosed {
			go s.buf.flush(context.Background())
		}
	}

	log.Info("connected", zap.String("addr", cfg.Addr), zap.String("prefix", prefix))
	return s, nil
}

// isFailure keeps key misses and caller cancellation from tripping the breaker.
func isFailure(err error) bool {
	return !errors.Is(err, goredis.Nil) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (s *Store) refKey(chatID int64) string {
	return s.prefix + ":ref:" + strconv.FormatInt(chatID, 10)
}

func (s *Store) historyKey(chatID int64) string {
	return s.prefix + ":history:" + strconv.FormatInt(chatID, 10)
}

func (s *Store) subscribersKey() string { return s.prefix + ":subscribers" }

func (s *Store) lockKey(chatID int64) string {
	return s.prefix + ":lock:" + strconv.FormatInt(chatID, 10)
}

func (s *Store) LoadReference(ctx context.Context, chatID int64) (float64, error) {
	var raw string
	err := s.cb.Execute(func() error {
		var err error
		raw, err = s.client.Get(ctx, s.refKey(chatID)).Result()
		return err
	})
	if errors.Is(err, goredis.Nil) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("redis GET ref: %w", err)
	}
	p, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", store.ErrInvalidReferencePrice, raw)
	}
	return p, nil
}

func (s *Store) SaveReference(ctx context.Context, chatID int64, price float64) error {
	return s.cb.Execute(func() error {
		return s.client.Set(ctx, s.refKey(chatID), strconv.FormatFloat(price, 'f', -1, 64), 0).Err()
	})
}

// AppendHistory buffers the entry instead of failing while the breaker is
// open. Buffered entries are written ahead of it when Redis comes back.
func (s *Store) AppendHistory(ctx context.Context, chatID int64, e model.HistoryEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	return s.buf.write(ctx, chatID, data)
}

func (s *Store) History(ctx context.Context, chatID int64, limit int) ([]model.HistoryEntry, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	var raw []string
	err := s.cb.Execute(func() error {
		var err error
		raw, err = s.client.LRange(ctx, s.historyKey(chatID), start, -1).Result()
		return err
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis LRANGE history: %w", err)
	}

	out := make([]model.HistoryEntry, 0, len(raw))
	for _, r := range raw {
		var e model.HistoryEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("unmarshal history: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) AddSubscriber(ctx context.Context, chatID int64) error {
	return s.cb.Execute(func() error {
		return s.client.SAdd(ctx, s.subscribersKey(), chatID).Err()
	})
}

func (s *Store) Subscribers(ctx context.Context) ([]int64, error) {
	var members []string
	err := s.cb.Execute(func() error {
		var err error
		members, err = s.client.SMembers(ctx, s.subscribersKey()).Result()
		return err
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis SMEMBERS subscribers: %w", err)
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			s.log.Warn("skipping malformed subscriber", zap.String("member", m))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) IsSubscribed(ctx context.Context, chatID int64) (bool, error) {
	var ok bool
	err := s.cb.Execute(func() error {
		var err error
		ok, err = s.client.SIsMember(ctx, s.subscribersKey(), chatID).Result()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("redis SISMEMBER subscribers: %w", err)
	}
	return ok, nil
}

// Delete removes the chat's keys and set membership in one MULTI/EXEC, then
// discards its buffered history. No flush runs in between.
func (s *Store) Delete(ctx context.Context, chatID int64) error {
	return s.buf.exclusive(func() error {
		err := s.cb.Execute(func() error {
			_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Del(ctx, s.refKey(chatID), s.historyKey(chatID))
				pipe.SRem(ctx, s.subscribersKey(), chatID)
				return nil
			})
			return err
		})
		if err != nil {
			return err
		}
		s.buf.drop(chatID)
		return nil
	})
}

// LockChat takes a SET NX lease on the chat. A holder that dies releases it
// after lockTTL.
func (s *Store) LockChat(ctx context.Context, chatID int64) (func(), error) {
	key := s.lockKey(chatID)
	token := uuid.NewString()
	for {
		var ok bool
		err := s.cb.Execute(func() error {
			var err error
			ok, err = s.client.SetNX(ctx, key, token, lockTTL).Result()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("redis lock chat %d: %w", chatID, err)
		}
		if ok {
			return func() { s.unlockChat(key, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetry):
		}
	}
}

func (s *Store) unlockChat(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := unlockScript.Run(ctx, s.client, []string{key}, token).Err(); err != nil {
		s.log.Warn("release chat lock", zap.String("key", key), zap.Error(err))
	}
}

// Close flushes what it can and closes the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.buf.flush(ctx)
	return s.client.Close()
}
