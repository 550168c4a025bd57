package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// QueueStore handles all mutation of the notification queue. Every status
// change goes through a conditional UPDATE so the state machine in models.go
// holds under concurrent sweeps.
type QueueStore struct {
	db     *DB
	logger *zap.Logger
}

// NewQueueStore creates a queue store.
func NewQueueStore(db *DB, logger *zap.Logger) *QueueStore {
	return &QueueStore{db: db, logger: logger}
}

const entryColumns = `
	id, user_id, contract_id, contract_version, kind, channel, status,
	priority, retry_count, max_retries, error_message, metadata,
	created_at, scheduled_at, processing_started_at, completed_at`

func scanEntry(row pgx.Row) (*QueueEntry, error) {
	var e QueueEntry
	err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.ContractID,
		&e.ContractVersion,
		&e.Kind,
		&e.Channel,
		&e.Status,
		&e.Priority,
		&e.RetryCount,
		&e.MaxRetries,
		&e.ErrorMessage,
		&e.Metadata,
		&e.CreatedAt,
		&e.ScheduledAt,
		&e.ProcessingStartedAt,
		&e.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]*QueueEntry, error) {
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}

// Enqueue inserts a pending entry unless an undelivered or sent entry already
// exists for the (user, contract, kind) triple, in which case it returns
// ErrDuplicate. Callers treat ErrDuplicate as success-with-skip. A partial
// unique index on sent entries backstops the check against races.
func (s *QueueStore) Enqueue(ctx context.Context, e *QueueEntry) error {
	if e.Kind == "" {
		e.Kind = KindContractMatch
	}

	var exists bool
	err := s.db.Pool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notification_queue
			WHERE user_id = $1 AND contract_id = $2 AND kind = $3
			  AND status IN ('pending', 'processing', 'sent')
		)
	`, e.UserID, e.ContractID, e.Kind).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check existing entries: %w", err)
	}
	if exists {
		return ErrDuplicate
	}

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Channel == "" {
		e.Channel = ChannelEmail
	}
	if e.Priority == 0 {
		e.Priority = 1
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = 3
	}
	e.Status = StatusPending

	err = s.db.Pool().QueryRow(ctx, `
		INSERT INTO notification_queue (
			id, user_id, contract_id, contract_version, kind, channel,
			status, priority, max_retries, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, scheduled_at
	`,
		e.ID, e.UserID, e.ContractID, e.ContractVersion, e.Kind, e.Channel,
		e.Status, e.Priority, e.MaxRetries, e.Metadata,
	).Scan(&e.CreatedAt, &e.ScheduledAt)
	if err != nil {
		s.logger.Error("failed to enqueue notification",
			zap.Error(err),
			zap.String("user_id", e.UserID.String()),
			zap.String("contract_id", e.ContractID.String()),
		)
		return fmt.Errorf("insert queue entry: %w", err)
	}

	return nil
}

// ClaimBatch atomically moves up to limit due pending entries to processing
// and returns them. SKIP LOCKED means concurrent sweeps never claim the same
// entry; a claimed entry is invisible to other claims immediately, not after
// the batch finishes.
func (s *QueueStore) ClaimBatch(ctx context.Context, limit int) ([]*QueueEntry, error) {
	rows, err := s.db.Pool().Query(ctx, `
		UPDATE notification_queue
		SET status = 'processing', processing_started_at = NOW()
		WHERE id IN (
			SELECT id FROM notification_queue
			WHERE status = 'pending' AND scheduled_at <= NOW()
			ORDER BY priority DESC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+entryColumns, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	return collectEntries(rows)
}

// MarkSent transitions processing -> sent. Returns ErrInvalidState if the
// entry is in any other status, ErrNotFound if it does not exist.
func (s *QueueStore) MarkSent(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE notification_queue
		SET status = 'sent', completed_at = NOW(), error_message = NULL
		WHERE id = $1 AND status = 'processing'
	`, id)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// MarkFailed transitions processing -> failed, increments the retry count,
// records the error, and schedules the next retry window with exponential
// backoff (2^n minutes).
func (s *QueueStore) MarkFailed(ctx context.Context, id uuid.UUID, sendErr string) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE notification_queue
		SET status = 'failed',
		    retry_count = retry_count + 1,
		    error_message = $2,
		    completed_at = NOW(),
		    scheduled_at = NOW() + make_interval(mins => (2 ^ (retry_count + 1))::int)
		WHERE id = $1 AND status = 'processing'
	`, id, sendErr)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// Retry resets a failed entry to pending for immediate redispatch.
func (s *QueueStore) Retry(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE notification_queue
		SET status = 'pending', retry_count = 0, error_message = NULL,
		    scheduled_at = NOW(), completed_at = NULL
		WHERE id = $1 AND status = 'failed'
	`, id)
	if err != nil {
		return fmt.Errorf("retry entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// Cancel cancels a single entry in any status except sent.
func (s *QueueStore) Cancel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE notification_queue
		SET status = 'cancelled', completed_at = NOW()
		WHERE id = $1 AND status NOT IN ('sent', 'cancelled')
	`, id)
	if err != nil {
		return fmt.Errorf("cancel entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// transitionFailure distinguishes a missing entry from a bad transition after
// a guarded update touched zero rows.
func (s *QueueStore) transitionFailure(ctx context.Context, id uuid.UUID) error {
	var status string
	err := s.db.Pool().QueryRow(ctx,
		`SELECT status FROM notification_queue WHERE id = $1`, id,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("queue entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("query entry status: %w", err)
	}
	return fmt.Errorf("queue entry %s is %s: %w", id, status, ErrInvalidState)
}

// BulkCancelPending cancels every pending entry and returns the count.
// Entries already claimed (processing) or terminal are untouched.
func (s *QueueStore) BulkCancelPending(ctx context.Context) (int64, error) {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE notification_queue
		SET status = 'cancelled', completed_at = NOW()
		WHERE status = 'pending'
	`)
	if err != nil {
		return 0, fmt.Errorf("bulk cancel pending: %w", err)
	}
	s.logger.Info("bulk cancelled pending entries", zap.Int64("count", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// BulkRetryFailed resets every failed entry to pending and returns the count.
func (s *QueueStore) BulkRetryFailed(ctx context.Context) (int64, error) {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE notification_queue
		SET status = 'pending', retry_count = 0, error_message = NULL,
		    scheduled_at = NOW(), completed_at = NULL
		WHERE status = 'failed'
	`)
	if err != nil {
		return 0, fmt.Errorf("bulk retry failed: %w", err)
	}
	s.logger.Info("bulk retried failed entries", zap.Int64("count", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// RequeueRetryable moves failed entries that still have retry budget back to
// pending once their backoff window has elapsed. The dispatcher sweep calls
// this; unlike BulkRetryFailed it preserves the retry count.
func (s *QueueStore) RequeueRetryable(ctx context.Context) (int64, error) {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE notification_queue
		SET status = 'pending', completed_at = NULL
		WHERE status = 'failed'
		  AND retry_count < max_retries
		  AND scheduled_at <= NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("requeue retryable: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RequeueStale returns processing entries older than the threshold to
// pending. A dispatcher that dies between claim and mark leaves its claims
// in processing; nothing else touches that state.
func (s *QueueStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE notification_queue
		SET status = 'pending', processing_started_at = NULL
		WHERE status = 'processing'
		  AND processing_started_at < NOW() - $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Warn("reclaimed stale processing entries", zap.Int64("count", n))
	}
	return tag.RowsAffected(), nil
}

// QueueStats summarizes the queue for the admin dashboard.
type QueueStats struct {
	Total       int64   `json:"total"`
	Pending     int64   `json:"pending"`
	Processing  int64   `json:"processing"`
	Sent        int64   `json:"sent"`
	Failed      int64   `json:"failed"`
	Cancelled   int64   `json:"cancelled"`
	SuccessRate float64 `json:"success_rate"`
}

// Stats returns per-status counts and the success rate over completed entries.
func (s *QueueStore) Stats(ctx context.Context) (*QueueStats, error) {
	var st QueueStats
	err := s.db.Pool().QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled')
		FROM notification_queue
	`).Scan(&st.Total, &st.Pending, &st.Processing, &st.Sent, &st.Failed, &st.Cancelled)
	if err != nil {
		return nil, fmt.Errorf("query queue stats: %w", err)
	}

	if done := st.Sent + st.Failed; done > 0 {
		st.SuccessRate = float64(st.Sent) / float64(done)
	}
	return &st, nil
}

// ListEntries returns queue entries newest-first, optionally filtered by
// status, with pagination.
func (s *QueueStore) ListEntries(ctx context.Context, status string, limit, offset int) ([]*QueueEntry, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if status != "" {
		rows, err = s.db.Pool().Query(ctx, `
			SELECT `+entryColumns+`
			FROM notification_queue
			WHERE status = $1
			ORDER BY created_at DESC
			LIMIT $2 OFFSET $3
		`, status, limit, offset)
	} else {
		rows, err = s.db.Pool().Query(ctx, `
			SELECT `+entryColumns+`
			FROM notification_queue
			ORDER BY created_at DESC
			LIMIT $1 OFFSET $2
		`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("query queue entries: %w", err)
	}
	return collectEntries(rows)
}

// ListByContract returns all entries for a contract, newest-first.
func (s *QueueStore) ListByContract(ctx context.Context, contractID uuid.UUID) ([]*QueueEntry, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+entryColumns+`
		FROM notification_queue
		WHERE contract_id = $1
		ORDER BY created_at DESC
	`, contractID)
	if err != nil {
		return nil, fmt.Errorf("query contract entries: %w", err)
	}
	return collectEntries(rows)
}

// SentUserIDs returns the ids of users that already have a sent entry of the
// given kind for a contract. The matcher uses this for dedup.
func (s *QueueStore) SentUserIDs(ctx context.Context, contractID uuid.UUID, kind string) ([]uuid.UUID, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT user_id FROM notification_queue
		WHERE contract_id = $1 AND kind = $2 AND status = 'sent'
	`, contractID, kind)
	if err != nil {
		return nil, fmt.Errorf("query sent users: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return ids, nil
}
