package transport

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"unishare/apperr"
)

const (
	// DefaultConnectAttempts bounds dial attempts when DialOptions leaves it unset.
	DefaultConnectAttempts = 3
	// DefaultConnectTimeout bounds a single dial attempt.
	DefaultConnectTimeout = 5 * time.Second
)

// DialOptions controls outbound connection attempts.
type DialOptions struct {
	Attempts        int
	Timeout         time.Duration
	InitialInterval time.Duration
	Logger          *logrus.Entry
}

func (o DialOptions) withDefaults() DialOptions {
	if o.Attempts <= 0 {
		o.Attempts = DefaultConnectAttempts
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultConnectTimeout
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 200 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// dialWithRetry runs dial until it succeeds, the attempt budget is spent or
// ctx ends. Errors classified as anything other than ConnectFailed stop the
// retries immediately.
func dialWithRetry(ctx context.Context, opts DialOptions, target string, dial func(context.Context) (Stream, error)) (Stream, error) {
	opts = opts.withDefaults()
	op := "connect " + target

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = opts.InitialInterval
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 0

	var stream Stream
	attempt := 0
	operation := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()

		s, err := dial(attemptCtx)
		if err == nil {
			stream = s
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(apperr.New(apperr.Cancelled, op, ctx.Err()))
		}
		if kind := apperr.KindOf(err); kind != apperr.Internal && kind != apperr.ConnectFailed {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		opts.Logger.WithFields(logrus.Fields{
			"target":  target,
			"attempt": attempt,
			"retry":   wait.String(),
		}).WithError(err).Warn("dial failed, retrying")
	}

	retries := backoff.WithMaxRetries(policy, uint64(opts.Attempts-1))
	err := backoff.RetryNotify(operation, backoff.WithContext(retries, ctx), notify)
	if err == nil {
		return stream, nil
	}
	if ctx.Err() != nil {
		return nil, apperr.New(apperr.Cancelled, op, ctx.Err())
	}
	var classified *apperr.Error
	if errors.As(err, &classified) && classified.Kind != apperr.ConnectFailed {
		return nil, err
	}
	return nil, apperr.Errorf(apperr.ConnectFailed, op, "%d attempts: %w", attempt, err)
}
