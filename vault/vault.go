package vault

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	playgroundstore "github.com/wolfeidau/playground-store"
	"github.com/wolfeidau/playground-store/kv"
	"github.com/wolfeidau/playground-store/telemetry"
)

const secretKey = "vault.secret"

// Vault persists one EncryptedSecret in the housekeeping table.
type Vault struct {
	kv     kv.Store
	logger *slog.Logger
}

// Option configures a Vault.
type Option func(*Vault)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) {
		v.logger = logger
	}
}

// New creates a vault over store.
func New(store kv.Store, opts ...Option) *Vault {
	v := &Vault{
		kv:     store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("component", "vault")
	return v
}

// Configure encrypts secret under passphrase and stores it, replacing any
// previously configured secret.
func (v *Vault) Configure(ctx context.Context, secret, passphrase []byte) error {
	enc, err := offload(ctx, func() (*EncryptedSecret, error) {
		return Encrypt(secret, passphrase)
	})
	if err != nil {
		return err
	}

	raw, err := json.Marshal(enc)
	if err != nil {
		return &playgroundstore.SerializationError{Err: err}
	}
	if err := v.kv.Put(ctx, kv.MetaTable, secretKey, raw); err != nil {
		return &playgroundstore.DatabaseError{Op: "configure secret", Err: err}
	}
	v.logger.Info("secret configured", "algorithm", enc.AlgorithmID)
	return nil
}

// Unlock decrypts the stored secret. Key derivation runs on its own
// goroutine; if ctx ends first Unlock returns ctx.Err() and the result of
// the derivation is discarded and zeroed.
func (v *Vault) Unlock(ctx context.Context, passphrase []byte) ([]byte, error) {
	enc, err := v.Secret(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	secret, err := offload(ctx, func() ([]byte, error) {
		return Decrypt(enc, passphrase)
	})

	outcome := "success"
	switch {
	case errors.Is(err, playgroundstore.ErrWrongPassphrase):
		outcome = "wrong_passphrase"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
	}
	telemetry.RecordVaultUnlock(ctx, outcome, time.Since(start))

	if err != nil {
		v.logger.Debug("unlock failed", "outcome", outcome)
		return nil, err
	}
	return secret, nil
}

// Secret returns the stored EncryptedSecret.
func (v *Vault) Secret(ctx context.Context) (*EncryptedSecret, error) {
	raw, err := v.kv.Get(ctx, kv.MetaTable, secretKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, &playgroundstore.NotFoundError{Key: secretKey}
	}
	if err != nil {
		return nil, &playgroundstore.DatabaseError{Op: "read secret", Err: err}
	}
	var enc EncryptedSecret
	if err := json.Unmarshal(raw, &enc); err != nil {
		return nil, &playgroundstore.CorruptedError{Key: secretKey, Message: err.Error()}
	}
	return &enc, nil
}

// Configured reports whether a secret is stored.
func (v *Vault) Configured(ctx context.Context) (bool, error) {
	_, err := v.Secret(ctx)
	if playgroundstore.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// Clear removes the stored secret.
func (v *Vault) Clear(ctx context.Context) error {
	if err := v.kv.Delete(ctx, kv.MetaTable, secretKey); err != nil {
		return &playgroundstore.DatabaseError{Op: "clear secret", Err: err}
	}
	v.logger.Info("secret cleared")
	return nil
}

type zeroable interface {
	*EncryptedSecret | []byte
}

// offload runs fn on a new goroutine and waits for it or ctx.
func offload[T zeroable](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := fn()
		done <- result{val, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				if b, ok := any(r.val).([]byte); ok {
					clear(b)
				}
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}
