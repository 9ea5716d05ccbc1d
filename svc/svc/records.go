package svc

import (
	"context"
	"time"

	"snaplink/metrics"
	"snaplink/pkg/domain"
	"snaplink/pkg/kms"
	"snaplink/svc/db"
	"snaplink/svc/util"

	"github.com/pkg/errors"
)

// Records seals payloads on the way into a Store and opens them on the way
// out. Decryption only ever happens after the backend has committed the view.
type Records struct {
	store db.Store
	keys  *kms.KeyManager
}

func NewRecords(store db.Store, keys *kms.KeyManager) *Records {
	if store == nil || keys == nil {
		panic("records: nil dependency (store or key manager)")
	}
	return &Records{store: store, keys: keys}
}

func (r *Records) Store() db.Store { return r.store }

func (r *Records) Create(ctx context.Context, content []byte, maxViews int, expiresAt *time.Time, now time.Time) (string, error) {
	if maxViews < domain.MinViews || maxViews > domain.MaxViews {
		return "", domain.ErrInvalidMaxViews
	}
	id, err := util.GenID(func(id string) (bool, error) {
		return r.store.Reserved(ctx, id)
	})
	if err != nil {
		return "", errors.Wrap(err, "gen id")
	}
	dataKey, err := kms.NewDataKey()
	if err != nil {
		return "", err
	}
	defer util.Wipe(dataKey)
	ciphertext, err := kms.Seal(content, dataKey)
	if err != nil {
		metrics.CryptoOps.WithLabelValues("seal", "error").Inc()
		return "", err
	}
	wrapped, err := r.keys.Wrap(dataKey)
	if err != nil {
		metrics.CryptoOps.WithLabelValues("wrap", "error").Inc()
		return "", err
	}
	metrics.CryptoOps.WithLabelValues("seal", "ok").Inc()
	rec := &domain.Record{
		ID:         id,
		Ciphertext: ciphertext,
		WrappedKey: wrapped,
		MaxViews:   maxViews,
		ExpiresAt:  expiresAt,
		CreatedAt:  now.UTC(),
	}
	if err := r.store.Create(ctx, rec); err != nil {
		return "", errors.Wrap(err, "create record")
	}
	return id, nil
}

func (r *Records) Meta(ctx context.Context, id string, now time.Time) (domain.MetaResult, error) {
	return r.store.Meta(ctx, id, now)
}

func (r *Records) Consume(ctx context.Context, id, viewer string, now time.Time) (domain.ConsumeResult, error) {
	c, err := r.store.Consume(ctx, id, viewer, now)
	if err != nil {
		return domain.ConsumeResult{}, err
	}
	if c.Outcome != domain.OutcomeOK {
		return domain.ConsumeResult{Outcome: c.Outcome}, nil
	}
	plaintext, err := r.open(ctx, id, c)
	if err != nil {
		return domain.ConsumeResult{}, err
	}
	return domain.ConsumeResult{
		Outcome:        domain.OutcomeOK,
		Content:        string(plaintext),
		RemainingViews: c.RemainingViews,
		ExpiresAt:      c.ExpiresAt,
		Burned:         c.RemainingViews <= 0,
	}, nil
}

func (r *Records) open(ctx context.Context, id string, c domain.Consumed) ([]byte, error) {
	defer util.Wipe(c.WrappedKey)
	dataKey, err := r.keys.Unwrap(c.WrappedKey)
	if err != nil {
		metrics.CryptoOps.WithLabelValues("unwrap", "error").Inc()
		return nil, err
	}
	defer util.Wipe(dataKey)
	plaintext, err := kms.Open(c.Ciphertext, dataKey)
	if err != nil {
		metrics.CryptoOps.WithLabelValues("open", "error").Inc()
		util.Ctx(ctx).Error().
			Str("id", util.RedactID(id)).
			Str("blob", kms.Fingerprint(c.Ciphertext)).
			Int("blob_len", len(c.Ciphertext)).
			Msg("ciphertext failed authentication")
		return nil, err
	}
	metrics.CryptoOps.WithLabelValues("open", "ok").Inc()
	return plaintext, nil
}
