// Package localstore persists the response cache and the offline mutation queue.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/homesync/internal/database"
	"github.com/charlesng35/homesync/internal/models"
	"github.com/charlesng35/homesync/internal/monitoring"
	appErrors "github.com/charlesng35/homesync/pkg/errors"
	"github.com/charlesng35/homesync/pkg/logger"
	"github.com/charlesng35/homesync/pkg/validator"
)

// Opener returns the database handle backing the store.
type Opener func() (*gorm.DB, error)

// Option customises Store construction.
type Option func(*Store)

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger overrides the module logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// Store owns the cache_entries and queued_mutations tables. When initialisation fails the
// store degrades: cache reads miss, queue reads are empty and writes return ErrStorage.
type Store struct {
	opener Opener
	now    func() time.Time
	log    *zap.Logger

	initMu   sync.Mutex
	initDone bool
	initErr  error
	db       *gorm.DB
	degraded atomic.Bool
}

// New constructs a Store. Nothing is opened until Initialize or the first operation.
func New(opener Opener, opts ...Option) *Store {
	s := &Store{
		opener: opener,
		now:    time.Now,
		log:    logger.WithModule("localstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize opens the database and migrates both tables. Concurrent callers share one
// attempt and its outcome is memoized, including failure. A failure caused only by
// cancellation is not memoized and the next call tries again.
func (s *Store) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.initDone {
		return s.initErr
	}

	// Setup outlives the operation that triggered it.
	err := s.open(context.WithoutCancel(ctx))
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		s.log.Debug("local store initialisation interrupted; will retry", zap.Error(err))
		return appErrors.ErrStorage.WithInternal(err)
	}
	s.initDone = true
	if err != nil {
		s.initErr = appErrors.ErrStorage.WithInternal(err)
		s.degraded.Store(true)
		s.log.Warn("local store unavailable; caching and queuing disabled", zap.Error(err))
		monitoring.RecordStoreDegraded(err.Error())
		return s.initErr
	}

	s.log.Debug("local store ready")
	return nil
}

func (s *Store) open(ctx context.Context) error {
	if s.opener == nil {
		return errors.New("no database opener configured")
	}
	db, err := s.opener()
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	if db == nil {
		return errors.New("open: nil database handle")
	}
	if err := database.AutoMigrate(db.WithContext(ctx)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	s.db = db
	return nil
}

// Degraded reports whether initialisation failed.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

func (s *Store) handle(ctx context.Context) (*gorm.DB, error) {
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	return s.db.WithContext(ctx), nil
}

// CachePut upserts the cached response for key.
func (s *Store) CachePut(ctx context.Context, key string, resp models.CachedResponse) error {
	db, err := s.handle(ctx)
	if err != nil {
		return storageError(err)
	}

	entry := models.CacheEntry{
		Key:             key,
		Payload:         resp.Body,
		ContentType:     resp.ContentType,
		ContentEncoding: resp.ContentEncoding,
		StatusCode:      resp.StatusCode,
		Timestamp:       s.now().UnixMilli(),
	}
	if entry.Payload == nil {
		entry.Payload = []byte{}
	}

	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "content_type", "content_encoding", "status_code", "timestamp"}),
	}).Create(&entry).Error
	if err != nil {
		return appErrors.ErrStorage.WithInternal(fmt.Errorf("cache put %q: %w", key, err))
	}
	return nil
}

// CacheGet returns the cached response for key, or nil when absent. A degraded store
// always misses.
func (s *Store) CacheGet(ctx context.Context, key string) (*models.CachedResponse, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, nil
	}

	var entry models.CacheEntry
	err = db.Take(&entry, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, appErrors.ErrStorage.WithInternal(fmt.Errorf("cache get %q: %w", key, err))
	}

	resp := entry.Response()
	return &resp, nil
}

// CacheClear removes every cached response and reports how many were deleted.
func (s *Store) CacheClear(ctx context.Context) (int64, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return 0, storageError(err)
	}
	result := db.Where("1 = 1").Delete(&models.CacheEntry{})
	if result.Error != nil {
		return 0, appErrors.ErrStorage.WithInternal(fmt.Errorf("cache clear: %w", result.Error))
	}
	return result.RowsAffected, nil
}

// QueueEnqueue appends a mutation and returns its assigned id.
func (s *Store) QueueEnqueue(ctx context.Context, desc models.Descriptor) (uint64, error) {
	if err := validator.ValidateStruct(desc); err != nil {
		return 0, appErrors.NewBadRequest("invalid mutation descriptor: " + err.Error())
	}

	db, err := s.handle(ctx)
	if err != nil {
		return 0, storageError(err)
	}

	headers, err := models.EncodeHeaders(desc.Headers)
	if err != nil {
		return 0, appErrors.ErrStorage.WithInternal(fmt.Errorf("encode headers: %w", err))
	}

	mutation := models.QueuedMutation{
		Method:    desc.Method,
		URL:       desc.URL,
		Headers:   headers,
		Body:      desc.Body,
		Timestamp: s.now().UnixMilli(),
	}
	if err := db.Create(&mutation).Error; err != nil {
		return 0, appErrors.ErrStorage.WithInternal(fmt.Errorf("enqueue: %w", err))
	}

	s.publishDepth(db)
	return mutation.ID, nil
}

// QueueListAll returns every queued mutation in ascending id order. A degraded store
// reports an empty queue.
func (s *Store) QueueListAll(ctx context.Context) ([]models.QueuedMutation, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return []models.QueuedMutation{}, nil
	}

	var mutations []models.QueuedMutation
	if err := db.Order("id ASC").Find(&mutations).Error; err != nil {
		return nil, appErrors.ErrStorage.WithInternal(fmt.Errorf("list queue: %w", err))
	}
	return mutations, nil
}

// QueueRemove deletes a queued mutation. Removing an absent id is a no-op.
func (s *Store) QueueRemove(ctx context.Context, id uint64) error {
	db, err := s.handle(ctx)
	if err != nil {
		return nil
	}
	if err := db.Delete(&models.QueuedMutation{}, id).Error; err != nil {
		return appErrors.ErrStorage.WithInternal(fmt.Errorf("remove %d: %w", id, err))
	}
	s.publishDepth(db)
	return nil
}

// QueueLen reports the number of queued mutations.
func (s *Store) QueueLen(ctx context.Context) (int64, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return 0, nil
	}
	var count int64
	if err := db.Model(&models.QueuedMutation{}).Count(&count).Error; err != nil {
		return 0, appErrors.ErrStorage.WithInternal(fmt.Errorf("count queue: %w", err))
	}
	return count, nil
}

// QueueClear drops every queued mutation without replaying it.
func (s *Store) QueueClear(ctx context.Context) (int64, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return 0, storageError(err)
	}
	result := db.Where("1 = 1").Delete(&models.QueuedMutation{})
	if result.Error != nil {
		return 0, appErrors.ErrStorage.WithInternal(fmt.Errorf("clear queue: %w", result.Error))
	}
	monitoring.SetQueueDepth(0)
	return result.RowsAffected, nil
}

// Ping verifies the underlying connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.handle(ctx)
	if err != nil {
		return storageError(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return appErrors.ErrStorage.WithInternal(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return appErrors.ErrStorage.WithInternal(err)
	}
	return nil
}

// Close releases the database handle when one was opened.
func (s *Store) Close() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.db == nil {
		return nil
	}
	err := database.Close(s.db)
	s.db = nil
	s.initDone = true
	s.initErr = appErrors.ErrStorage.WithInternal(errors.New("store closed"))
	return err
}

func (s *Store) publishDepth(db *gorm.DB) {
	var count int64
	if err := db.Model(&models.QueuedMutation{}).Count(&count).Error; err != nil {
		return
	}
	monitoring.SetQueueDepth(count)
}

func storageError(err error) error {
	if errors.Is(err, appErrors.ErrStorage) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return appErrors.ErrStorage.WithInternal(err)
}
