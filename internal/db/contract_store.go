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

// ContractStore reads and writes contracts. The pipeline treats contracts as
// read-only except for the draft -> published transition.
type ContractStore struct {
	db     *DB
	logger *zap.Logger
}

// NewContractStore creates a contract store.
func NewContractStore(db *DB, logger *zap.Logger) *ContractStore {
	return &ContractStore{db: db, logger: logger}
}

const contractColumns = `
	id, title, category, procuring_entity, publish_status, version,
	submission_deadline, summary, created_at, published_at`

func scanContract(row pgx.Row) (*Contract, error) {
	var c Contract
	err := row.Scan(
		&c.ID,
		&c.Title,
		&c.Category,
		&c.ProcuringEntity,
		&c.PublishStatus,
		&c.Version,
		&c.SubmissionDeadline,
		&c.Summary,
		&c.CreatedAt,
		&c.PublishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateContract inserts a draft contract.
func (s *ContractStore) CreateContract(ctx context.Context, c *Contract) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Version == 0 {
		c.Version = 1
	}
	c.PublishStatus = PublishStatusDraft

	err := s.db.Pool().QueryRow(ctx, `
		INSERT INTO contracts (
			id, title, category, procuring_entity, publish_status,
			version, submission_deadline, summary
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`,
		c.ID, c.Title, c.Category, c.ProcuringEntity, c.PublishStatus,
		c.Version, c.SubmissionDeadline, c.Summary,
	).Scan(&c.CreatedAt)
	if err != nil {
		s.logger.Error("failed to create contract",
			zap.Error(err),
			zap.String("contract_id", c.ID.String()),
		)
		return fmt.Errorf("insert contract: %w", err)
	}

	s.logger.Info("contract created",
		zap.String("contract_id", c.ID.String()),
		zap.String("category", c.Category),
	)
	return nil
}

// GetContract retrieves a contract by id.
func (s *ContractStore) GetContract(ctx context.Context, id uuid.UUID) (*Contract, error) {
	c, err := scanContract(s.db.Pool().QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query contract: %w", err)
	}
	return c, nil
}

// Publish transitions a draft contract to published and stamps the publish
// time. Publishing an already-published contract is an invalid transition;
// a draft missing its title or category never publishes, since the matcher
// could not fan it out.
func (s *ContractStore) Publish(ctx context.Context, id uuid.UUID) (*Contract, error) {
	c, err := scanContract(s.db.Pool().QueryRow(ctx, `
		UPDATE contracts
		SET publish_status = 'published', published_at = NOW()
		WHERE id = $1 AND publish_status = 'draft'
		  AND title <> '' AND category <> ''
		RETURNING `+contractColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		// Missing row, already published, or incomplete; look it up to tell
		// them apart.
		existing, getErr := s.GetContract(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if existing.PublishStatus != PublishStatusDraft {
			return nil, fmt.Errorf("contract %s already published: %w", id, ErrInvalidState)
		}
		return nil, fmt.Errorf("contract %s missing title or category: %w", id, ErrIncompleteContract)
	}
	if err != nil {
		return nil, fmt.Errorf("publish contract: %w", err)
	}

	s.logger.Info("contract published",
		zap.String("contract_id", c.ID.String()),
		zap.String("category", c.Category),
	)
	return c, nil
}

// SetSummary stores an enrichment summary on a contract.
func (s *ContractStore) SetSummary(ctx context.Context, id uuid.UUID, summary string) error {
	tag, err := s.db.Pool().Exec(ctx,
		`UPDATE contracts SET summary = $2 WHERE id = $1`, id, summary)
	if err != nil {
		return fmt.Errorf("set contract summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListClosingSoon returns published contracts whose submission deadline falls
// within the horizon. The reminder sweep consumes this.
func (s *ContractStore) ListClosingSoon(ctx context.Context, within time.Duration) ([]*Contract, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE publish_status = 'published'
		  AND submission_deadline > NOW()
		  AND submission_deadline <= NOW() + $1
		ORDER BY submission_deadline ASC
	`, within)
	if err != nil {
		return nil, fmt.Errorf("query closing contracts: %w", err)
	}
	defer rows.Close()

	var contracts []*Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		contracts = append(contracts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return contracts, nil
}

// ListPublishedBetween returns contracts published inside the window whose
// submission deadline has not passed. The digest aggregator consumes this.
func (s *ContractStore) ListPublishedBetween(ctx context.Context, start, end time.Time) ([]*Contract, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE publish_status = 'published'
		  AND published_at >= $1 AND published_at < $2
		  AND (submission_deadline IS NULL OR submission_deadline > NOW())
		ORDER BY submission_deadline ASC NULLS LAST
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query published contracts: %w", err)
	}
	defer rows.Close()

	var contracts []*Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		contracts = append(contracts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return contracts, nil
}
