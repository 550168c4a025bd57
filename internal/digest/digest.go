// Package digest assembles periodic contract summaries for users who opted
// into digest delivery instead of (or in addition to) per-contract
// notifications.
package digest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/db"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/dispatch"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/matcher"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/metrics"
)

// maxItemsPerDigest caps the contract list in a single digest email.
const maxItemsPerDigest = 10

type ContractStore interface {
	ListPublishedBetween(ctx context.Context, start, end time.Time) ([]*db.Contract, error)
}

type ProfileStore interface {
	ListDigestRecipients(ctx context.Context) ([]*db.Profile, error)
	SetLastDigestSent(ctx context.Context, id uuid.UUID, at time.Time) error
}

type Aggregator struct {
	contracts ContractStore
	profiles  ProfileStore
	sender    dispatch.Sender
	config    Config
	logger    *zap.Logger
}

type Config struct {
	// Interval between scheduler runs.
	Interval time.Duration

	// DefaultLookback is the window used for users who have never received
	// a digest.
	DefaultLookback time.Duration
}

// Result summarizes one digest run.
type Result struct {
	Recipients int `json:"recipients"`
	Sent       int `json:"sent"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

func New(contracts ContractStore, profiles ProfileStore, sender dispatch.Sender, cfg Config, logger *zap.Logger) *Aggregator {
	if cfg.Interval == 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.DefaultLookback == 0 {
		cfg.DefaultLookback = 24 * time.Hour
	}

	return &Aggregator{
		contracts: contracts,
		profiles:  profiles,
		sender:    sender,
		config:    cfg,
		logger:    logger,
	}
}

// Start runs digests on the configured interval until ctx is cancelled.
func (a *Aggregator) Start(ctx context.Context) {
	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("digest scheduler stopping")
			return
		case <-ticker.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.Error("digest run failed", zap.Error(err))
			}
		}
	}
}

// Run builds and delivers a digest for every opted-in user. Each user's
// window starts at their last digest timestamp, falling back to the default
// lookback. Users with no matching contracts in the window are skipped
// without a send and without a timestamp update.
func (a *Aggregator) Run(ctx context.Context) (*Result, error) {
	now := time.Now()
	return a.run(ctx, func(p *db.Profile) (time.Time, time.Time) {
		start := now.Add(-a.config.DefaultLookback)
		if p.LastDigestSentAt != nil && p.LastDigestSentAt.After(start) {
			start = *p.LastDigestSentAt
		}
		return start, now
	})
}

// RunDigestForWindow delivers a digest for an explicit window, the same for
// every recipient. Backfills and ad-hoc admin runs use this; the per-user
// last-digest timestamp is ignored for window selection but still stamped.
func (a *Aggregator) RunDigestForWindow(ctx context.Context, start, end time.Time) (*Result, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("digest window end %s is not after start %s", end, start)
	}
	return a.run(ctx, func(*db.Profile) (time.Time, time.Time) {
		return start, end
	})
}

func (a *Aggregator) run(ctx context.Context, window func(*db.Profile) (time.Time, time.Time)) (*Result, error) {
	recipients, err := a.profiles.ListDigestRecipients(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing digest recipients: %w", err)
	}

	result := &Result{Recipients: len(recipients)}

	for _, p := range recipients {
		start, end := window(p)
		sent, err := a.runForProfile(ctx, p, start, end)
		switch {
		case err != nil:
			result.Failed++
			a.logger.Error("digest delivery failed",
				zap.String("user_id", p.ID.String()),
				zap.Error(err),
			)
		case sent:
			result.Sent++
		default:
			result.Skipped++
		}
	}

	a.logger.Info("digest run complete",
		zap.Int("recipients", result.Recipients),
		zap.Int("sent", result.Sent),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (a *Aggregator) runForProfile(ctx context.Context, p *db.Profile, start, end time.Time) (bool, error) {
	contracts, err := a.contracts.ListPublishedBetween(ctx, start, end)
	if err != nil {
		return false, fmt.Errorf("listing contracts: %w", err)
	}

	matched := make([]*db.Contract, 0, len(contracts))
	for _, c := range contracts {
		if matcher.MatchesCategory(p.PreferredCategories, c.Category) {
			matched = append(matched, c)
		}
	}
	if len(matched) == 0 {
		return false, nil
	}

	total := len(matched)
	if len(matched) > maxItemsPerDigest {
		matched = matched[:maxItemsPerDigest]
	}

	msg := &dispatch.Outbound{
		EntryID: uuid.NewString(),
		Channel: db.ChannelEmail,
		To:      p.Email,
		Subject: digestSubject(total),
		Body:    renderDigest(p, matched, total),
		HTML:    true,
	}

	if err := a.sender.Send(ctx, msg); err != nil {
		return false, err
	}

	if err := a.profiles.SetLastDigestSent(ctx, p.ID, end); err != nil {
		a.logger.Error("digest sent but timestamp not updated",
			zap.String("user_id", p.ID.String()),
			zap.Error(err),
		)
	}

	metrics.RecordDigestSent()
	return true, nil
}

func digestSubject(total int) string {
	if total == 1 {
		return "BidFlow digest: 1 new contract for you"
	}
	return fmt.Sprintf("BidFlow digest: %d new contracts for you", total)
}

func renderDigest(p *db.Profile, contracts []*db.Contract, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<p>Hello %s,</p>", p.FullName())
	fmt.Fprintf(&b, "<p>Contracts published since your last digest that match your preferences:</p><ul>")

	for _, c := range contracts {
		fmt.Fprintf(&b, "<li><strong>%s</strong> (%s) - %s", c.Title, c.Category, c.ProcuringEntity)
		if c.SubmissionDeadline != nil {
			fmt.Fprintf(&b, ", deadline %s", c.SubmissionDeadline.Format("2 Jan 2006"))
		}
		b.WriteString("</li>")
	}
	b.WriteString("</ul>")

	if total > len(contracts) {
		fmt.Fprintf(&b, "<p>And %d more. Log in to see the full list.</p>", total-len(contracts))
	} else {
		b.WriteString("<p>Log in to your BidFlow account to view the full details.</p>")
	}
	return b.String()
}
