// Package dispatch drains the notification queue and hands entries to
// channel senders. Entries are claimed atomically so multiple dispatchers
// can run against the same database without double-sending.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/db"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/metrics"
)

// Queue is the slice of the queue store the dispatcher needs.
type Queue interface {
	ClaimBatch(ctx context.Context, limit int) ([]*db.QueueEntry, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, sendErr string) error
	RequeueRetryable(ctx context.Context) (int64, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (*db.QueueStats, error)
}

type Dispatcher struct {
	queue   Queue
	sender  Sender
	limiter *rate.Limiter
	config  Config
	logger  *zap.Logger
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	SendsPerSec  float64
	SendBurst    int

	// StaleAfter is how long an entry may sit in processing before the sweep
	// assumes its dispatcher died and returns it to pending.
	StaleAfter time.Duration
}

// BatchResult summarizes one drain pass.
type BatchResult struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

func New(queue Queue, sender Sender, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.SendsPerSec == 0 {
		cfg.SendsPerSec = 5
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.SendBurst == 0 {
		cfg.SendBurst = int(cfg.SendsPerSec)
		if cfg.SendBurst < 1 {
			cfg.SendBurst = 1
		}
	}

	return &Dispatcher{
		queue:   queue,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendsPerSec), cfg.SendBurst),
		config:  cfg,
		logger:  logger,
	}
}

// Start polls the queue until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			if _, err := d.ProcessBatch(ctx); err != nil {
				d.logger.Error("batch processing failed", zap.Error(err))
			}
			d.reportQueueDepth(ctx)
		}
	}
}

// ProcessBatch sweeps retryable failures and stale processing entries back
// to pending, claims up to BatchSize entries, and delivers each one. A
// failure on one entry never blocks the rest of the batch.
func (d *Dispatcher) ProcessBatch(ctx context.Context) (*BatchResult, error) {
	requeued, err := d.queue.RequeueRetryable(ctx)
	if err != nil {
		d.logger.Error("requeue sweep failed", zap.Error(err))
	} else if requeued > 0 {
		d.logger.Info("requeued failed entries", zap.Int64("count", requeued))
	}

	reclaimed, err := d.queue.RequeueStale(ctx, d.config.StaleAfter)
	if err != nil {
		d.logger.Error("stale sweep failed", zap.Error(err))
	} else if reclaimed > 0 {
		d.logger.Warn("reclaimed stale processing entries", zap.Int64("count", reclaimed))
	}

	entries, err := d.queue.ClaimBatch(ctx, d.config.BatchSize)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Claimed: len(entries)}
	if len(entries) == 0 {
		return result, nil
	}

	for _, entry := range entries {
		if err := d.processEntry(ctx, entry); err != nil {
			result.Failed++
		} else {
			result.Sent++
		}
	}

	d.logger.Info("batch processed",
		zap.Int("claimed", result.Claimed),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (d *Dispatcher) processEntry(ctx context.Context, entry *db.QueueEntry) error {
	// Mark calls outlive a shutdown: a claimed entry must always leave
	// processing, even when ctx is already cancelled.
	markCtx := context.WithoutCancel(ctx)

	if err := d.limiter.Wait(ctx); err != nil {
		return d.fail(markCtx, entry, err)
	}

	msg, err := Render(entry)
	if err != nil {
		// Unrenderable entries burn a retry like any send failure; the
		// metadata is immutable so they exhaust quickly.
		return d.fail(markCtx, entry, err)
	}

	start := time.Now()
	if err := d.sender.Send(ctx, msg); err != nil {
		return d.fail(markCtx, entry, err)
	}
	metrics.RecordDispatchLatency(entry.Channel, time.Since(start))

	if err := d.queue.MarkSent(markCtx, entry.ID); err != nil {
		d.logger.Error("delivered but could not mark sent",
			zap.String("id", entry.ID.String()),
			zap.Error(err),
		)
		return err
	}

	metrics.RecordDispatched(db.StatusSent, entry.Channel)
	d.logger.Info("notification sent",
		zap.String("id", entry.ID.String()),
		zap.String("channel", entry.Channel),
	)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, entry *db.QueueEntry, sendErr error) error {
	d.logger.Error("failed to send notification",
		zap.String("id", entry.ID.String()),
		zap.String("channel", entry.Channel),
		zap.Int("retry_count", entry.RetryCount),
		zap.Error(sendErr),
	)

	if err := d.queue.MarkFailed(ctx, entry.ID, sendErr.Error()); err != nil {
		d.logger.Error("could not mark failed",
			zap.String("id", entry.ID.String()),
			zap.Error(err),
		)
	}

	metrics.RecordDispatched(db.StatusFailed, entry.Channel)
	return sendErr
}

func (d *Dispatcher) reportQueueDepth(ctx context.Context) {
	stats, err := d.queue.Stats(ctx)
	if err != nil {
		return
	}
	metrics.SetQueuePending(stats.Pending)
}
