package store

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/parsecd/internal/common"
)

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error.
func WithTx(ctx context.Context, s Store, fn func(tx Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// WithRetryTx is WithTx plus a bounded replay on common.ErrRetryNeeded,
// which signals the transaction raced with a concurrent writer (a vlob
// checkpoint bump, a serialization failure) and must restart from scratch.
func WithRetryTx(ctx context.Context, s Store, fn func(tx Tx) error) error {
	backoff := retry.WithMaxRetries(5, retry.NewConstant(10*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := WithTx(ctx, s, fn)
		if errors.Is(err, common.ErrRetryNeeded) {
			return retry.RetryableError(err)
		}
		return err
	})
}
