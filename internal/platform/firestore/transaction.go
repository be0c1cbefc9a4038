package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

const (
	defaultTxAttempts = 5
	defaultTxTimeout  = 15 * time.Second
)

// TxFunc is executed within a Firestore transaction. It may run more than once on contention.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption customises transaction behaviour.
type TxOption func(*txConfig)

type txConfig struct {
	name     string
	attempts int
	timeout  time.Duration
	readOnly bool
}

// WithTxName labels the transaction in wrapped errors, e.g. "commit order".
func WithTxName(name string) TxOption {
	return func(cfg *txConfig) {
		if name != "" {
			cfg.name = name
		}
	}
}

// WithTxAttempts overrides the retry attempts for a transaction.
func WithTxAttempts(attempts int) TxOption {
	return func(cfg *txConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// WithTxTimeout bounds the transaction when the caller's deadline is later or absent.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithReadOnly runs a read-only transaction for consistent multi-document reads.
func WithReadOnly() TxOption {
	return func(cfg *txConfig) { cfg.readOnly = true }
}

// abortError carries a caller decision out of the transaction untouched.
type abortError struct{ err error }

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// Abort stops the transaction with err. RunTransaction returns err as is instead of wrapping it as a
// repository error, so domain errors raised mid-transaction keep their meaning.
func Abort(err error) error {
	if err == nil {
		return nil
	}
	return &abortError{err: err}
}

// RunTransaction executes fn within a transaction on the provided client.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	cfg := txConfig{name: "transaction", attempts: defaultTxAttempts, timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if client == nil || fn == nil {
		return WrapError(cfg.name, errors.New("firestore: client and transaction function are required"))
	}

	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > cfg.timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	txOpts := []firestore.TransactionOption{firestore.MaxAttempts(cfg.attempts)}
	if cfg.readOnly {
		txOpts = append(txOpts, firestore.ReadOnly)
	}
	err := client.RunTransaction(ctx, fn, txOpts...)

	var aborted *abortError
	if errors.As(err, &aborted) {
		return aborted.err
	}
	return WrapError(cfg.name, err)
}
