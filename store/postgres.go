// Package store persists documents and processing results in PostgreSQL and
// provides the row-locking primitives the orchestrator's three-phase commit
// protocol is built on.
//
// All mutations of a document row happen under SELECT ... FOR UPDATE inside
// a transaction. Reads used for status polling are lock-free and may be
// stale; that is part of the status contract.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"brant.roofing.org/common"
	"brant.roofing.org/config"
	"brant.roofing.org/model"
)

// DocumentStore wraps the gorm handle with document-centric operations.
type DocumentStore struct {
	db *gorm.DB
}

// Open connects to PostgreSQL, applies pool settings, and migrates the
// documents and processing_results tables.
func Open(cfg config.DatabaseConfig) (*DocumentStore, error) {
	db, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(&model.Document{}, &model.ProcessingResult{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &DocumentStore{db: db}, nil
}

// NewWithDB wraps an existing gorm handle. Used by tests.
func NewWithDB(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// Ping verifies database connectivity for health checks.
func (s *DocumentStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Create inserts a new document row in PENDING state.
func (s *DocumentStore) Create(ctx context.Context, doc *model.Document) error {
	doc.Status = model.StatusPending
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// Get fetches a document without locking. Status reads tolerate staleness.
func (s *DocumentStore) Get(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	err := s.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return &doc, nil
}

// List returns documents filtered by status (empty = all), newest first.
func (s *DocumentStore) List(ctx context.Context, status model.ProcessingStatus, limit int) ([]model.Document, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var docs []model.Document
	if err := q.Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

// AcquireResult reports the outcome of a Phase A attempt.
type AcquireResult struct {
	// Acquired is true when the caller now owns the document lease.
	Acquired bool

	// Document is the row as of the locked read.
	Document *model.Document
}

// Acquire is Phase A of the commit protocol. Under FOR UPDATE it moves a
// PENDING document to PROCESSING, stamping the caller's lease. A PROCESSING
// document with an expired lease may be re-acquired; any other state means
// duplicate delivery and Acquired=false is returned without error.
func (s *DocumentStore) Acquire(ctx context.Context, id, leaseID string, leaseFor time.Duration) (AcquireResult, error) {
	var res AcquireResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc model.Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&doc, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("document %s: %w", id, common.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock document: %w", err)
		}

		now := time.Now().UTC()
		switch doc.Status {
		case model.StatusPending:
			// Normal acquisition.
		case model.StatusProcessing:
			if doc.LeaseExpiry != nil && doc.LeaseExpiry.After(now) {
				// Live lease held by another worker: duplicate delivery.
				res = AcquireResult{Acquired: false, Document: &doc}
				return nil
			}
			// Stale lease, safe to take over.
		default:
			res = AcquireResult{Acquired: false, Document: &doc}
			return nil
		}

		expiry := now.Add(leaseFor)
		updates := map[string]interface{}{
			"status":        model.StatusProcessing,
			"lease_id":      leaseID,
			"lease_expiry":  expiry,
			"attempt_count": doc.AttemptCount + 1,
			"stage":         "",
			"updated_at":    now,
		}
		if err := tx.Model(&model.Document{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to acquire document: %w", err)
		}

		doc.Status = model.StatusProcessing
		doc.LeaseID = leaseID
		doc.LeaseExpiry = &expiry
		doc.AttemptCount++
		doc.UpdatedAt = now
		res = AcquireResult{Acquired: true, Document: &doc}
		return nil
	})
	if err != nil {
		return AcquireResult{}, err
	}
	return res, nil
}

// RefreshLease extends the caller's lease during Phase B. It touches only
// lease_expiry and updated_at, and fails with ErrConflict if the lease has
// been taken over.
func (s *DocumentStore) RefreshLease(ctx context.Context, id, leaseID string, leaseFor time.Duration) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND lease_id = ? AND status = ?", id, leaseID, model.StatusProcessing).
		Updates(map[string]interface{}{
			"lease_expiry": now.Add(leaseFor),
			"updated_at":   now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to refresh lease: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("lease lost for document %s: %w", id, common.ErrConflict)
	}
	return nil
}

// SetStage records the currently executing stage name for status reporting.
// Best effort; a lost lease surfaces at the next refresh or at Phase C.
func (s *DocumentStore) SetStage(ctx context.Context, id, leaseID, stage string) {
	s.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND lease_id = ?", id, leaseID).
		Update("stage", stage)
}

// CommitResult is Phase C: under FOR UPDATE, verify the caller still owns
// the lease, persist the estimate, and complete the document. An overtaken
// lease returns ErrConflict and persists nothing.
func (s *DocumentStore) CommitResult(ctx context.Context, id, leaseID string, estimate *model.Estimate) error {
	payload, err := json.Marshal(estimate)
	if err != nil {
		return fmt.Errorf("failed to marshal estimate: %w", err)
	}

	return s.commitLocked(ctx, id, leaseID, func(tx *gorm.DB, doc *model.Document) error {
		now := time.Now().UTC()
		result := model.ProcessingResult{
			DocumentID:   id,
			EstimateJSON: string(payload),
			CompletedAt:  now,
		}
		if err := tx.Create(&result).Error; err != nil {
			return fmt.Errorf("failed to persist result: %w", err)
		}
		return tx.Model(&model.Document{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":       model.StatusCompleted,
			"stage":        "",
			"lease_id":     "",
			"lease_expiry": nil,
			"updated_at":   now,
		}).Error
	})
}

// CommitFailure is the Phase C' terminal-failure commit.
func (s *DocumentStore) CommitFailure(ctx context.Context, id, leaseID, kind, message string) error {
	return s.commitLocked(ctx, id, leaseID, func(tx *gorm.DB, doc *model.Document) error {
		return tx.Model(&model.Document{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":        model.StatusFailed,
			"stage":         "",
			"lease_id":      "",
			"lease_expiry":  nil,
			"error_kind":    kind,
			"error_message": truncate(message, 1024),
			"updated_at":    time.Now().UTC(),
		}).Error
	})
}

// CommitCancel transitions an owned PROCESSING document to CANCELLED.
func (s *DocumentStore) CommitCancel(ctx context.Context, id, leaseID string) error {
	return s.commitLocked(ctx, id, leaseID, func(tx *gorm.DB, doc *model.Document) error {
		return tx.Model(&model.Document{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":       model.StatusCancelled,
			"stage":        "",
			"lease_id":     "",
			"lease_expiry": nil,
			"updated_at":   time.Now().UTC(),
		}).Error
	})
}

// ReleaseForRetry returns an owned PROCESSING document to PENDING so a
// later delivery can re-acquire it. Used after a retryable Phase B failure;
// the attempt count stamped at Phase A is preserved.
func (s *DocumentStore) ReleaseForRetry(ctx context.Context, id, leaseID string) error {
	return s.commitLocked(ctx, id, leaseID, func(tx *gorm.DB, doc *model.Document) error {
		return tx.Model(&model.Document{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":       model.StatusPending,
			"stage":        "",
			"lease_id":     "",
			"lease_expiry": nil,
			"updated_at":   time.Now().UTC(),
		}).Error
	})
}

// commitLocked runs apply under FOR UPDATE after verifying the caller still
// holds the lease on a PROCESSING row.
func (s *DocumentStore) commitLocked(ctx context.Context, id, leaseID string, apply func(tx *gorm.DB, doc *model.Document) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc model.Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&doc, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("document %s: %w", id, common.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock document: %w", err)
		}

		if doc.Status != model.StatusProcessing || doc.LeaseID != leaseID {
			return fmt.Errorf("document %s overtaken (status=%s): %w", id, doc.Status, common.ErrConflict)
		}
		return apply(tx, &doc)
	})
}

// RequestCancel handles the cancel endpoint. A PENDING document is cancelled
// immediately; a PROCESSING document gets its flag set for the orchestrator
// to observe at the next stage boundary. Terminal states conflict.
func (s *DocumentStore) RequestCancel(ctx context.Context, id string) (*model.Document, error) {
	var out *model.Document
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc model.Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&doc, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("document %s: %w", id, common.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock document: %w", err)
		}

		now := time.Now().UTC()
		switch doc.Status {
		case model.StatusPending:
			if err := tx.Model(&model.Document{}).Where("id = ?", id).Updates(map[string]interface{}{
				"status":           model.StatusCancelled,
				"cancel_requested": true,
				"updated_at":       now,
			}).Error; err != nil {
				return err
			}
			doc.Status = model.StatusCancelled
		case model.StatusProcessing:
			if err := tx.Model(&model.Document{}).Where("id = ?", id).Updates(map[string]interface{}{
				"cancel_requested": true,
				"updated_at":       now,
			}).Error; err != nil {
				return err
			}
		default:
			return fmt.Errorf("cannot cancel document in %s: %w", doc.Status, common.ErrConflict)
		}
		doc.CancelRequested = true
		out = &doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelRequested reads the cancellation flag without locking.
func (s *DocumentStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return doc.CancelRequested, nil
}

// GetResult loads the persisted estimate for a COMPLETED document.
func (s *DocumentStore) GetResult(ctx context.Context, id string) (*model.Estimate, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch doc.Status {
	case model.StatusCompleted:
		// Fall through to load the row.
	case model.StatusFailed:
		return nil, fmt.Errorf("document failed (%s): %s: %w", doc.ErrorKind, doc.ErrorMessage, common.ErrConflict)
	default:
		return nil, fmt.Errorf("document is %s: %w", doc.Status, common.ErrNotReady)
	}

	var row model.ProcessingResult
	if err := s.db.WithContext(ctx).First(&row, "document_id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to load result: %w", err)
	}
	var est model.Estimate
	if err := json.Unmarshal([]byte(row.EstimateJSON), &est); err != nil {
		return nil, fmt.Errorf("failed to decode stored estimate: %w", err)
	}
	return &est, nil
}

// RecoverExpiredLeases is the janitor sweep: PROCESSING documents with
// lapsed leases go back to PENDING, or to FAILED when their attempt counter
// is at the cap. Returns the documents returned to PENDING so the caller
// can re-enqueue them.
func (s *DocumentStore) RecoverExpiredLeases(ctx context.Context, maxAttempts int) ([]model.Document, error) {
	var requeue []model.Document
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		var stale []model.Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status = ? AND lease_expiry IS NOT NULL AND lease_expiry < ?", model.StatusProcessing, now).
			Find(&stale).Error
		if err != nil {
			return fmt.Errorf("failed to find expired leases: %w", err)
		}

		for i := range stale {
			doc := &stale[i]
			if doc.AttemptCount >= maxAttempts {
				if err := tx.Model(&model.Document{}).Where("id = ?", doc.ID).Updates(map[string]interface{}{
					"status":        model.StatusFailed,
					"stage":         "",
					"lease_id":      "",
					"lease_expiry":  nil,
					"error_kind":    common.ErrorKind(common.ErrInternal),
					"error_message": "worker lease expired with attempts exhausted",
					"updated_at":    now,
				}).Error; err != nil {
					return err
				}
				continue
			}

			if err := tx.Model(&model.Document{}).Where("id = ?", doc.ID).Updates(map[string]interface{}{
				"status":       model.StatusPending,
				"stage":        "",
				"lease_id":     "",
				"lease_expiry": nil,
				"updated_at":   now,
			}).Error; err != nil {
				return err
			}
			requeue = append(requeue, *doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return requeue, nil
}

// MarkFailedFromDLQ reconciles a dead-lettered job with its document row.
func (s *DocumentStore) MarkFailedFromDLQ(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc model.Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&doc, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("document %s: %w", id, common.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if doc.Status.Terminal() {
			return nil
		}
		return tx.Model(&model.Document{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":        model.StatusFailed,
			"stage":         "",
			"lease_id":      "",
			"lease_expiry":  nil,
			"error_kind":    common.ErrorKind(common.ErrInternal),
			"error_message": "job dead-lettered after max attempts",
			"updated_at":    time.Now().UTC(),
		}).Error
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
