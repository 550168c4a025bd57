// Package matcher decides which users should hear about a published
// contract. It is the single home for the category-preference rule; the
// diagnostic endpoints and the digest aggregator call into it instead of
// re-deriving the filter.
package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/db"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/metrics"
)

// ContractStore is the slice of the contract store the matcher needs.
type ContractStore interface {
	GetContract(ctx context.Context, id uuid.UUID) (*db.Contract, error)
	ListClosingSoon(ctx context.Context, within time.Duration) ([]*db.Contract, error)
}

// ProfileStore lists candidate users.
type ProfileStore interface {
	ListNotifiable(ctx context.Context) ([]*db.Profile, error)
}

// QueueStore is the slice of the queue the matcher needs: dedup lookups and
// enqueueing. All state transitions stay inside the queue store.
type QueueStore interface {
	SentUserIDs(ctx context.Context, contractID uuid.UUID, kind string) ([]uuid.UUID, error)
	Enqueue(ctx context.Context, e *db.QueueEntry) error
}

// Matcher computes the user set for a contract and fans out queue entries.
type Matcher struct {
	contracts ContractStore
	profiles  ProfileStore
	queue     QueueStore
	logger    *zap.Logger
}

// New creates a matcher.
func New(contracts ContractStore, profiles ProfileStore, queue QueueStore, logger *zap.Logger) *Matcher {
	return &Matcher{
		contracts: contracts,
		profiles:  profiles,
		queue:     queue,
		logger:    logger,
	}
}

// MatchesCategory reports whether a contract category is in a user's
// preferred set. Exact, case-sensitive membership: "IT" does not match
// "Information Technology".
func MatchesCategory(preferred []string, category string) bool {
	return category != "" && slices.Contains(preferred, category)
}

// Match returns the ids of users that should be notified about a contract:
// notifiable profiles whose preferred categories contain the contract's
// category, minus users that already have a sent entry for it. Pure read.
func (m *Matcher) Match(ctx context.Context, contractID uuid.UUID) ([]uuid.UUID, error) {
	_, profiles, err := m.matchProfiles(ctx, contractID, db.KindContractMatch)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(profiles))
	for _, p := range profiles {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (m *Matcher) matchProfiles(ctx context.Context, contractID uuid.UUID, kind string) (*db.Contract, []*db.Profile, error) {
	contract, err := m.contracts.GetContract(ctx, contractID)
	if err != nil {
		return nil, nil, err
	}
	if contract.PublishStatus != db.PublishStatusPublished || contract.Category == "" {
		return nil, nil, fmt.Errorf("contract %s: %w", contractID, db.ErrIncompleteContract)
	}

	profiles, err := m.profiles.ListNotifiable(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list notifiable profiles: %w", err)
	}

	sentIDs, err := m.queue.SentUserIDs(ctx, contractID, kind)
	if err != nil {
		return nil, nil, fmt.Errorf("list sent users: %w", err)
	}
	alreadySent := make(map[uuid.UUID]struct{}, len(sentIDs))
	for _, id := range sentIDs {
		alreadySent[id] = struct{}{}
	}

	var matched []*db.Profile
	for _, p := range profiles {
		if !MatchesCategory(p.PreferredCategories, contract.Category) {
			continue
		}
		if _, ok := alreadySent[p.ID]; ok {
			continue
		}
		matched = append(matched, p)
	}

	m.logger.Debug("matched users for contract",
		zap.String("contract_id", contractID.String()),
		zap.String("category", contract.Category),
		zap.Int("candidates", len(profiles)),
		zap.Int("matched", len(matched)),
	)

	return contract, matched, nil
}

// FanOutResult reports the outcome of fanning a contract out to the queue.
type FanOutResult struct {
	Matched int `json:"matched"`
	Queued  int `json:"queued"`
	Skipped int `json:"skipped"`
}

// FanOut matches a contract and enqueues one entry per matched user.
// Duplicate-sent entries count as skipped, not failures; any other enqueue
// error aborts since it means the store is unhealthy.
func (m *Matcher) FanOut(ctx context.Context, contractID uuid.UUID) (*FanOutResult, error) {
	contract, profiles, err := m.matchProfiles(ctx, contractID, db.KindContractMatch)
	if err != nil {
		return nil, err
	}

	result := &FanOutResult{Matched: len(profiles)}
	for _, p := range profiles {
		entry := &db.QueueEntry{
			UserID:          p.ID,
			ContractID:      contract.ID,
			ContractVersion: contract.Version,
			Kind:            db.KindContractMatch,
			Channel:         channelFor(p),
			Metadata:        buildMetadata(contract, p),
		}

		if err := m.queue.Enqueue(ctx, entry); err != nil {
			if errors.Is(err, db.ErrDuplicate) {
				result.Skipped++
				continue
			}
			return result, fmt.Errorf("enqueue for user %s: %w", p.ID, err)
		}

		metrics.RecordEnqueued(entry.Channel)
		result.Queued++
	}

	m.logger.Info("contract fan-out complete",
		zap.String("contract_id", contract.ID.String()),
		zap.String("category", contract.Category),
		zap.Int("matched", result.Matched),
		zap.Int("queued", result.Queued),
		zap.Int("skipped", result.Skipped),
	)

	return result, nil
}

// RemindDeadlines enqueues a deadline_reminder entry for every user matched
// to a published contract whose submission deadline falls within the horizon.
// The queue's per-kind dedup makes the sweep idempotent, so running it daily
// produces at most one reminder per (user, contract).
func (m *Matcher) RemindDeadlines(ctx context.Context, horizon time.Duration) (*FanOutResult, error) {
	contracts, err := m.contracts.ListClosingSoon(ctx, horizon)
	if err != nil {
		return nil, fmt.Errorf("list closing contracts: %w", err)
	}

	result := &FanOutResult{}
	for _, contract := range contracts {
		_, profiles, err := m.matchProfiles(ctx, contract.ID, db.KindDeadlineReminder)
		if err != nil {
			if errors.Is(err, db.ErrIncompleteContract) {
				continue
			}
			return result, err
		}

		result.Matched += len(profiles)
		for _, p := range profiles {
			entry := &db.QueueEntry{
				UserID:          p.ID,
				ContractID:      contract.ID,
				ContractVersion: contract.Version,
				Kind:            db.KindDeadlineReminder,
				Channel:         channelFor(p),
				Priority:        2, // reminders jump the claim order
				Metadata:        buildMetadata(contract, p),
			}

			if err := m.queue.Enqueue(ctx, entry); err != nil {
				if errors.Is(err, db.ErrDuplicate) {
					result.Skipped++
					continue
				}
				return result, fmt.Errorf("enqueue reminder for user %s: %w", p.ID, err)
			}

			metrics.RecordEnqueued(entry.Channel)
			result.Queued++
		}
	}

	if result.Queued > 0 {
		m.logger.Info("deadline reminder sweep complete",
			zap.Int("contracts", len(contracts)),
			zap.Int("queued", result.Queued),
			zap.Int("skipped", result.Skipped),
		)
	}

	return result, nil
}

// StartReminders runs the deadline sweep on a ticker until the context ends.
func (m *Matcher) StartReminders(ctx context.Context, interval, horizon time.Duration) {
	m.logger.Info("starting deadline reminder loop",
		zap.Duration("interval", interval),
		zap.Duration("horizon", horizon),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("deadline reminder loop stopped")
			return
		case <-ticker.C:
			if _, err := m.RemindDeadlines(ctx, horizon); err != nil {
				m.logger.Error("deadline reminder sweep failed", zap.Error(err))
			}
		}
	}
}

// channelFor picks the delivery channel for a user: email when enabled,
// else WhatsApp, else SMS. Matching already requires email_enabled today,
// kept explicit so the rule survives preference changes.
func channelFor(p *db.Profile) string {
	switch {
	case p.EmailEnabled && p.Email != "":
		return db.ChannelEmail
	case p.WhatsAppEnabled && p.PhoneNumber != "":
		return db.ChannelWhatsApp
	case p.SMSEnabled && p.PhoneNumber != "":
		return db.ChannelSMS
	default:
		return db.ChannelEmail
	}
}

func buildMetadata(c *db.Contract, p *db.Profile) json.RawMessage {
	meta := db.EntryMetadata{
		ContractTitle:    c.Title,
		ContractCategory: c.Category,
		ProcuringEntity:  c.ProcuringEntity,
		UserEmail:        p.Email,
		UserName:         p.FullName(),
		UserPhone:        p.PhoneNumber,
	}
	if c.SubmissionDeadline != nil {
		meta.SubmissionDeadline = c.SubmissionDeadline.Format(time.RFC3339)
		if days := int(time.Until(*c.SubmissionDeadline).Hours() / 24); days > 0 {
			meta.DaysRemaining = days
		}
	}
	if c.Summary != nil {
		meta.ContractSummary = *c.Summary
	}

	raw, _ := json.Marshal(meta)
	return raw
}
