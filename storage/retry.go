package storage

import (
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryStore wraps a Store, bounding every operation by a timeout and
// retrying transient failures with exponential backoff. Permanent
// failures and not-found conditions are returned immediately.
type RetryStore struct {
	inner      Store
	timeout    time.Duration
	maxRetries uint64
}

// NewRetryStore wraps inner with the given per-operation timeout and
// maximum retry count.
func NewRetryStore(inner Store, timeout time.Duration, maxRetries int) *RetryStore {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryStore{inner: inner, timeout: timeout, maxRetries: uint64(maxRetries)}
}

func (s *RetryStore) policy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(bo, s.maxRetries), ctx)
}

// do runs op with a per-attempt timeout, retrying transient failures.
func (s *RetryStore) do(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := func() error {
		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		err := op(opCtx)
		if err == nil {
			return nil
		}
		if ClassOf(err) == Transient {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(attempt, s.policy(ctx))
}

func (s *RetryStore) Put(ctx context.Context, key string, reader io.Reader) error {
	// The reader can only be consumed once, so it is buffered via the
	// inner store on the first attempt only when it is replayable.
	// Callers on the publish path pass bytes.Reader values.
	seeker, seekable := reader.(io.ReadSeeker)
	return s.do(ctx, func(ctx context.Context) error {
		if seekable {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
		return s.inner.Put(ctx, key, reader)
	})
}

func (s *RetryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	// Get streams its result, so the attempt context must outlive the
	// call: it is canceled when the returned body is closed.
	var rc io.ReadCloser
	attempt := func() error {
		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		body, err := s.inner.Get(opCtx, key)
		if err != nil {
			cancel()
			if ClassOf(err) == Transient {
				return err
			}
			return backoff.Permanent(err)
		}
		rc = &cancelReadCloser{ReadCloser: body, cancel: cancel}
		return nil
	}
	if err := backoff.Retry(attempt, s.policy(ctx)); err != nil {
		return nil, err
	}
	return rc, nil
}

// cancelReadCloser releases the attempt context when the body is closed.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (s *RetryStore) Delete(ctx context.Context, key string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.inner.Delete(ctx, key)
	})
}

func (s *RetryStore) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		ok, err = s.inner.Exists(ctx, key)
		return err
	})
	return ok, err
}

var _ Store = (*RetryStore)(nil)
