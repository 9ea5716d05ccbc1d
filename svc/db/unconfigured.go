package db

import (
	"context"
	"time"

	"snaplink/pkg/domain"
)

// Unconfigured stands in when neither a durable backend nor the memory
// fallback is permitted. Every operation fails with ErrConfiguration.
type Unconfigured struct{}

func NewUnconfigured() Unconfigured { return Unconfigured{} }

func (Unconfigured) Kind() string  { return KindUnconfigured }
func (Unconfigured) Durable() bool { return false }

func (Unconfigured) Create(context.Context, *domain.Record) error {
	return domain.ErrConfiguration
}
func (Unconfigured) Exists(context.Context, string) (bool, error) {
	return false, domain.ErrConfiguration
}
func (Unconfigured) Reserved(context.Context, string) (bool, error) {
	return false, domain.ErrConfiguration
}
func (Unconfigured) Meta(context.Context, string, time.Time) (domain.MetaResult, error) {
	return domain.MetaResult{}, domain.ErrConfiguration
}
func (Unconfigured) Consume(context.Context, string, string, time.Time) (domain.Consumed, error) {
	return domain.Consumed{}, domain.ErrConfiguration
}
func (Unconfigured) Count(context.Context, time.Time) (int, error) {
	return 0, domain.ErrConfiguration
}
func (Unconfigured) CleanupExpired(context.Context, time.Time) (int, error)  { return 0, nil }
func (Unconfigured) PurgeTombstones(context.Context, time.Time) (int, error) { return 0, nil }
func (Unconfigured) Ping(context.Context) error                              { return domain.ErrConfiguration }
func (Unconfigured) Close() error                                            { return nil }
