package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chatsync/internal/logger"
	redisstorage "github.com/chatsync/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами.
// logPrefix добавляется к сообщениям лога (например "checkpoint: ").
func ConnectRedisWithRetry(ctx context.Context, redisURL string, maxWait time.Duration, logPrefix string) (*redisstorage.Client, error) {
	var client *redisstorage.Client
	op := func() error {
		connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c, err := redisstorage.New(connCtx, redisURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Errorf("%sredis connect failed, retry in %v: %v", logPrefix, wait.Round(time.Millisecond), err)
	}
	if err := backoff.RetryNotify(op, retryPolicy(ctx, maxWait), notify); err != nil {
		return nil, fmt.Errorf("%sredis (gave up after %v): %w", logPrefix, maxWait, err)
	}
	return client, nil
}
