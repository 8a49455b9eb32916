package storage

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"stablecoin/core/events"
	"stablecoin/native/stablecoin"
)

var (
	ErrDriverUnsupported = errors.New("audit storage: unsupported driver")
	ErrDSNRequired       = errors.New("audit storage: dsn required")
	ErrIdempotencyBusy   = errors.New("audit storage: idempotency key busy")
	// ErrChainBroken is returned by Verify when a stored record does not
	// hash to the value its successor links to.
	ErrChainBroken = errors.New("audit storage: hash chain broken")
)

// EventRecord is one entry of the append-only, hash-chained event log.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Seq        uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"size:64;index"`
	Attributes string    `gorm:"type:text"`
	PrevHash   string    `gorm:"size:64"`
	Hash       string    `gorm:"size:64;uniqueIndex"`
	CreatedAt  time.Time
}

// OracleSample stores a pushed price update.
type OracleSample struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Feed        string    `gorm:"size:64;index"`
	Publisher   string    `gorm:"size:128"`
	Price       int64
	Conf        uint64
	Expo        int32
	PublishTime int64 `gorm:"index"`
	RecordedAt  time.Time
}

// IdempotencyKey caches the response of a mutating request. A zero Status
// marks a reservation whose request is still executing.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	Subject   string `gorm:"size:128;index"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the audit store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EventRecord{}, &OracleSample{}, &IdempotencyKey{})
}

// Store is the SQL-backed audit trail of stabled.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	mu       sync.Mutex
	lastSeq  uint64
	lastHash string
}

// Open connects to the audit database using driver ("sqlite" or "postgres").
func Open(driver, dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrDSNRequired
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		normalised, err := SQLiteDSN(dsn)
		if err != nil {
			return nil, err
		}
		dialector = sqlite.Open(normalised)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrDriverUnsupported, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite serialises writers; a single connection avoids lock errors.
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an open gorm handle, migrating the schema and resuming the hash
// chain from the latest record.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("audit storage: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate audit database: %w", err)
	}
	s := &Store{db: db, logger: slog.Default()}
	var last EventRecord
	err := db.Order("seq desc").Limit(1).Take(&last).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, fmt.Errorf("load audit head: %w", err)
	default:
		s.lastSeq = last.Seq
		s.lastHash = last.Hash
	}
	return s, nil
}

// SetLogger overrides the logger used for asynchronous write failures.
func (s *Store) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Emit implements events.Emitter by appending evt to the hash chain. Failures
// are logged; the protocol state change has already been committed.
func (s *Store) Emit(evt events.Event) {
	if s == nil || evt == nil {
		return
	}
	if _, err := s.Append(context.Background(), evt); err != nil {
		s.logger.Error("audit: append event failed", "type", evt.EventType(), "error", err)
	}
}

// Append stores evt and returns the persisted record.
func (s *Store) Append(ctx context.Context, evt events.Event) (*EventRecord, error) {
	rendered := evt.Event()
	if rendered == nil {
		return nil, fmt.Errorf("audit storage: event rendered nil")
	}
	attrs, err := json.Marshal(rendered.Attributes)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &EventRecord{
		ID:         uuid.New(),
		Seq:        s.lastSeq + 1,
		Type:       rendered.Type,
		Attributes: string(attrs),
		PrevHash:   s.lastHash,
		CreatedAt:  time.Now().UTC(),
	}
	rec.Hash = chainHash(rec)
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	s.lastSeq = rec.Seq
	s.lastHash = rec.Hash
	return rec, nil
}

func chainHash(rec *EventRecord) string {
	h := blake3.New(32, nil)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], rec.Seq)
	_, _ = h.Write(seq[:])
	_, _ = h.Write([]byte(rec.PrevHash))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(rec.Type))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(rec.Attributes))
	return hex.EncodeToString(h.Sum(nil))
}

// Events returns up to limit records in sequence order starting after seq.
func (s *Store) Events(ctx context.Context, after uint64, limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var out []EventRecord
	err := s.db.WithContext(ctx).Where("seq > ?", after).Order("seq asc").Limit(limit).Find(&out).Error
	return out, err
}

// Verify recomputes the whole hash chain.
func (s *Store) Verify(ctx context.Context) error {
	var (
		after uint64
		prev  string
	)
	for {
		batch, err := s.Events(ctx, after, 500)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for i := range batch {
			rec := &batch[i]
			if rec.Seq != after+1 || rec.PrevHash != prev || chainHash(rec) != rec.Hash {
				return fmt.Errorf("%w at seq %d", ErrChainBroken, rec.Seq)
			}
			after = rec.Seq
			prev = rec.Hash
		}
	}
}

// RecordSample implements the oracle sample recorder.
func (s *Store) RecordSample(ctx context.Context, ref, publisher string, raw stablecoin.RawPrice) error {
	sample := OracleSample{
		ID:          uuid.New(),
		Feed:        ref,
		Publisher:   publisher,
		Price:       raw.Price,
		Conf:        raw.Conf,
		Expo:        raw.Expo,
		PublishTime: raw.PublishTime,
		RecordedAt:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&sample).Error; err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// LatestSample returns the most recent stored sample for ref.
func (s *Store) LatestSample(ctx context.Context, ref string) (*OracleSample, error) {
	var sample OracleSample
	err := s.db.WithContext(ctx).Where("feed = ?", ref).Order("publish_time desc").Limit(1).Take(&sample).Error
	if err != nil {
		return nil, err
	}
	return &sample, nil
}

// LookupIdempotency returns the cached response for key, if any.
func (s *Store) LookupIdempotency(ctx context.Context, key string) (*IdempotencyKey, bool, error) {
	var record IdempotencyKey
	err := s.db.WithContext(ctx).First(&record, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &record, true, nil
}

// ReserveIdempotency claims record.Key for an in-flight request. The insert
// relies on the primary key, so exactly one concurrent caller wins. When the
// key is already held, the existing row is returned with reserved false. A
// pending row older than staleAfter is treated as abandoned and reclaimed.
func (s *Store) ReserveIdempotency(ctx context.Context, record *IdempotencyKey, staleAfter time.Duration) (*IdempotencyKey, bool, error) {
	record.Status = 0
	record.Response = ""
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	db := s.db.WithContext(ctx)
	if staleAfter > 0 {
		cutoff := record.CreatedAt.Add(-staleAfter)
		if err := db.Where("key = ? AND status = 0 AND created_at < ?", record.Key, cutoff).Delete(&IdempotencyKey{}).Error; err != nil {
			return nil, false, err
		}
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(record)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return record, true, nil
	}
	existing, found, err := s.LookupIdempotency(ctx, record.Key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		// Released between the insert and the read; the caller may retry.
		return nil, false, ErrIdempotencyBusy
	}
	return existing, false, nil
}

// CompleteIdempotency stores the final response of a reserved key.
func (s *Store) CompleteIdempotency(ctx context.Context, key string, status int, response string) error {
	return s.db.WithContext(ctx).Model(&IdempotencyKey{}).
		Where("key = ? AND status = 0", key).
		Updates(map[string]any{"status": status, "response": response}).Error
}

// ReleaseIdempotency drops a pending reservation so the request can be
// retried. Completed keys are kept.
func (s *Store) ReleaseIdempotency(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("key = ? AND status = 0", key).Delete(&IdempotencyKey{}).Error
}
