package oracle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stablecoin/native/stablecoin"
)

type captureRecorder struct {
	mu      sync.Mutex
	samples []string
	err     error
}

func (c *captureRecorder) RecordSample(_ context.Context, ref, publisher string, _ stablecoin.RawPrice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, ref+"@"+publisher)
	return c.err
}

func TestPublishAndRead(t *testing.T) {
	rec := &captureRecorder{}
	reg := NewRegistry(WithRecorder(rec))
	raw := stablecoin.RawPrice{Price: 14_250_000_000, Conf: 1_000_000, Expo: -8, PublishTime: 100}

	if err := reg.Publish(context.Background(), " sol/usd ", "pyth", raw); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := reg.ReadFeed("SOL/USD")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != raw {
		t.Fatalf("expected %+v, got %+v", raw, got)
	}
	if len(rec.samples) != 1 || rec.samples[0] != "SOL/USD@pyth" {
		t.Fatalf("unexpected samples %v", rec.samples)
	}
}

func TestPublishRejectsOutOfOrder(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()
	if err := reg.Publish(ctx, "SOL/USD", "a", stablecoin.RawPrice{Price: 2, PublishTime: 200}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := reg.Publish(ctx, "SOL/USD", "a", stablecoin.RawPrice{Price: 1, PublishTime: 199}); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	if err := reg.Publish(ctx, "", "a", stablecoin.RawPrice{Price: 1}); !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("expected ErrInvalidRef, got %v", err)
	}
	got, _ := reg.ReadFeed("SOL/USD")
	if got.Price != 2 {
		t.Fatalf("older update overwrote price: %+v", got)
	}
}

func TestRecorderFailureDoesNotRejectUpdate(t *testing.T) {
	reg := NewRegistry(WithRecorder(&captureRecorder{err: errors.New("db down")}))
	if err := reg.Publish(context.Background(), "SOL/USD", "a", stablecoin.RawPrice{Price: 3, PublishTime: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := reg.ReadFeed("SOL/USD"); err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestUnknownFeedIsInvalidPrice(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.ReadFeed("ETH/USD"); !errors.Is(err, ErrFeedNotFound) {
		t.Fatalf("expected ErrFeedNotFound, got %v", err)
	}
	_, err := stablecoin.ReadPrice(reg, "ETH/USD", time.Minute, 0, time.Unix(0, 0))
	if !errors.Is(err, stablecoin.ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
}
