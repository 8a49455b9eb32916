package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"stablecoin/native/stablecoin"
)

var (
	ErrFeedNotFound = errors.New("oracle: feed not found")
	// ErrOutOfOrder rejects updates older than the latest accepted update.
	ErrOutOfOrder = errors.New("oracle: update older than current price")
	ErrInvalidRef = errors.New("oracle: feed reference required")
)

// SampleRecorder persists accepted price updates.
type SampleRecorder interface {
	RecordSample(ctx context.Context, ref, publisher string, raw stablecoin.RawPrice) error
}

// Registry holds the latest pushed price per feed. It is the FeedReader used
// by the engine; validation of freshness and confidence happens there.
type Registry struct {
	mu       sync.RWMutex
	feeds    map[string]stablecoin.RawPrice
	recorder SampleRecorder
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithRecorder persists every accepted update.
func WithRecorder(r SampleRecorder) Option {
	return func(reg *Registry) { reg.recorder = r }
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(reg *Registry) {
		if l != nil {
			reg.logger = l
		}
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	reg := &Registry{feeds: make(map[string]stablecoin.RawPrice), logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(reg)
		}
	}
	return reg
}

func normalizeRef(ref string) string {
	return strings.ToUpper(strings.TrimSpace(ref))
}

// Publish stores raw as the latest price for ref. Updates must not move the
// publish time backwards.
func (r *Registry) Publish(ctx context.Context, ref, publisher string, raw stablecoin.RawPrice) error {
	key := normalizeRef(ref)
	if key == "" {
		return ErrInvalidRef
	}
	r.mu.Lock()
	if current, ok := r.feeds[key]; ok && raw.PublishTime < current.PublishTime {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d < %d", ErrOutOfOrder, raw.PublishTime, current.PublishTime)
	}
	r.feeds[key] = raw
	r.mu.Unlock()

	if r.recorder != nil {
		if err := r.recorder.RecordSample(ctx, key, publisher, raw); err != nil {
			r.logger.Warn("oracle: record sample failed", "feed", key, "error", err)
		}
	}
	r.logger.Debug("oracle: price published", "feed", key, "publisher", publisher,
		"price", raw.Price, "expo", raw.Expo, "conf", raw.Conf, "publish_time", raw.PublishTime)
	return nil
}

// ReadFeed implements stablecoin.FeedReader.
func (r *Registry) ReadFeed(ref string) (stablecoin.RawPrice, error) {
	key := normalizeRef(ref)
	r.mu.RLock()
	defer r.mu.RUnlock()
	raw, ok := r.feeds[key]
	if !ok {
		return stablecoin.RawPrice{}, fmt.Errorf("%w: %s", ErrFeedNotFound, key)
	}
	return raw, nil
}

var _ stablecoin.FeedReader = (*Registry)(nil)
