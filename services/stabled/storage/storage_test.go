package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"stablecoin/core/events"
	"stablecoin/native/stablecoin"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendBuildsHashChain(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.Append(ctx, events.TokenSupply{Token: "USDS", Total: 500, Delta: 500, Reason: events.SupplyReasonMint})
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.Seq)
	require.Empty(t, first.PrevHash)
	require.Len(t, first.Hash, 64)

	store.Emit(events.PositionUpdated{Owner: "stbl1owner", Action: events.ActionDepositAndMint, Collateral: 10, Debt: 500})

	records, err := store.Events(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, first.Hash, records[1].PrevHash)
	require.Equal(t, events.TypePositionUpdated, records[1].Type)
	require.Contains(t, records[1].Attributes, `"debt":"500"`)
	require.NoError(t, store.Verify(ctx))
}

func TestVerifyDetectsTampering(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, events.TokenSupply{Token: "USDS", Total: uint64(i), Delta: 1})
		require.NoError(t, err)
	}
	require.NoError(t, store.db.Model(&EventRecord{}).Where("seq = ?", 2).
		Update("attributes", `{"token":"USDS","total":"999","delta":"1"}`).Error)
	require.ErrorIs(t, store.Verify(ctx), ErrChainBroken)
}

func TestChainResumesAfterReopen(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	ctx := context.Background()
	first, err := Open("sqlite", dsn)
	require.NoError(t, err)
	defer first.Close()
	rec, err := first.Append(ctx, events.TokenSupply{Token: "USDS", Total: 1, Delta: 1})
	require.NoError(t, err)

	// A second handle on the shared in-memory database picks up the head.
	second, err := New(first.db)
	require.NoError(t, err)
	next, err := second.Append(ctx, events.TokenSupply{Token: "USDS", Total: 2, Delta: 1})
	require.NoError(t, err)
	require.Equal(t, uint64(2), next.Seq)
	require.Equal(t, rec.Hash, next.PrevHash)
	require.NoError(t, second.Verify(ctx))
}

func TestOracleSamples(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.RecordSample(ctx, "SOL/USD", "pyth", stablecoin.RawPrice{Price: 100, Expo: -2, PublishTime: 10}))
	require.NoError(t, store.RecordSample(ctx, "SOL/USD", "pyth", stablecoin.RawPrice{Price: 120, Expo: -2, PublishTime: 20}))

	latest, err := store.LatestSample(ctx, "SOL/USD")
	require.NoError(t, err)
	require.Equal(t, int64(120), latest.Price)
	require.Equal(t, int32(-2), latest.Expo)
}

func TestIdempotencyKeys(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, found, err := store.LookupIdempotency(ctx, "k1")
	require.NoError(t, err)
	require.False(t, found)

	_, reserved, err := store.ReserveIdempotency(ctx, &IdempotencyKey{Key: "k1", Method: "POST", Path: "/p"}, time.Minute)
	require.NoError(t, err)
	require.True(t, reserved)

	pending, reserved, err := store.ReserveIdempotency(ctx, &IdempotencyKey{Key: "k1", Method: "POST", Path: "/p"}, time.Minute)
	require.NoError(t, err)
	require.False(t, reserved)
	require.Zero(t, pending.Status)

	require.NoError(t, store.CompleteIdempotency(ctx, "k1", 200, `{"ok":true}`))
	require.NoError(t, store.CompleteIdempotency(ctx, "k1", 500, `{}`))
	require.NoError(t, store.ReleaseIdempotency(ctx, "k1"))

	record, found, err := store.LookupIdempotency(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 200, record.Status)
	require.Equal(t, `{"ok":true}`, record.Response)
}

func TestIdempotencyReleaseAndStaleReclaim(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, reserved, err := store.ReserveIdempotency(ctx, &IdempotencyKey{Key: "k2"}, time.Minute)
	require.NoError(t, err)
	require.True(t, reserved)
	require.NoError(t, store.ReleaseIdempotency(ctx, "k2"))
	_, reserved, err = store.ReserveIdempotency(ctx, &IdempotencyKey{Key: "k2"}, time.Minute)
	require.NoError(t, err)
	require.True(t, reserved, "released key should be reservable again")

	abandoned := &IdempotencyKey{Key: "k3", CreatedAt: time.Now().UTC().Add(-time.Hour)}
	_, reserved, err = store.ReserveIdempotency(ctx, abandoned, time.Minute)
	require.NoError(t, err)
	require.True(t, reserved)
	_, reserved, err = store.ReserveIdempotency(ctx, &IdempotencyKey{Key: "k3"}, time.Minute)
	require.NoError(t, err)
	require.True(t, reserved, "stale reservation should be reclaimed")
}

func TestConcurrentReservationsHaveOneWinner(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const callers = 16
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
		errs = make(chan error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, reserved, err := store.ReserveIdempotency(ctx, &IdempotencyKey{Key: "shared"}, time.Minute)
			if err != nil {
				errs <- err
				return
			}
			if reserved {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), wins.Load())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.ErrorIs(t, err, ErrDriverUnsupported)
	_, err = Open("sqlite", " ")
	require.ErrorIs(t, err, ErrDSNRequired)
}

func TestSQLiteDSN(t *testing.T) {
	dir := t.TempDir()
	dsn, err := SQLiteDSN(dir + "/nested/audit.db")
	require.NoError(t, err)
	require.Contains(t, dsn, "file:")
	require.Contains(t, dsn, "journal_mode(WAL)")
	require.DirExists(t, dir+"/nested")

	memory := "file:abc?mode=memory&cache=shared"
	dsn, err = SQLiteDSN(memory)
	require.NoError(t, err)
	require.Equal(t, memory, dsn)

	_, err = SQLiteDSN("  ")
	require.ErrorIs(t, err, ErrDSNRequired)
}
