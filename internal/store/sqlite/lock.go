package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// a holder that dies keeps the chat locked at most this long
	lockTTL   = 30 * time.Second
	lockRetry = 20 * time.Millisecond
)

// LockChat leases the chat's row in chat_locks. The upsert only takes over a
// row whose lease has expired, so exactly one owner wins.
func (s *Store) LockChat(ctx context.Context, chatID int64) (func(), error) {
	owner := uuid.NewString()
	for {
		now := time.Now()
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO chat_locks (chat_id, owner, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
			WHERE chat_locks.expires_at < ?
		`, chatID, owner, now.Add(lockTTL).UnixNano(), now.UnixNano())
		if err != nil {
			return nil, fmt.Errorf("sqlite lock chat %d: %w", chatID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return func() { s.unlockChat(chatID, owner) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetry):
		}
	}
}

func (s *Store) unlockChat(chatID int64, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_locks WHERE chat_id = ? AND owner = ?`, chatID, owner)
	if err != nil {
		s.log.Warn("release chat lock", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
