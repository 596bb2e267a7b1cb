package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatsync/internal/logger"
)

// retryPolicy — экспоненциальные повторы от 2 с до 30 с в пределах maxWait.
func retryPolicy(ctx context.Context, maxWait time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = maxWait
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// ConnectDBWithRetry подключается к Postgres с повторами; при недоступности БД не роняет процесс сразу.
// logPrefix добавляется к сообщениям лога (например "archive: ").
func ConnectDBWithRetry(ctx context.Context, poolCfg *pgxpool.Config, maxWait time.Duration, logPrefix string) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	op := func() error {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		p, err := pgxpool.NewWithConfig(connCtx, poolCfg)
		cancel()
		if err != nil {
			return err
		}
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = p.Ping(pingCtx)
		pingCancel()
		if err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Errorf("%sdb connect failed, retry in %v: %v", logPrefix, wait.Round(time.Millisecond), err)
	}
	if err := backoff.RetryNotify(op, retryPolicy(ctx, maxWait), notify); err != nil {
		return nil, fmt.Errorf("%sconnect to db (gave up after %v): %w", logPrefix, maxWait, err)
	}
	return pool, nil
}
