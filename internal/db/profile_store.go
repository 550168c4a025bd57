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

// ProfileStore reads user notification preferences. The pipeline only ever
// writes the digest timestamp; preference forms live elsewhere.
type ProfileStore struct {
	db     *DB
	logger *zap.Logger
}

// NewProfileStore creates a profile store.
func NewProfileStore(db *DB, logger *zap.Logger) *ProfileStore {
	return &ProfileStore{db: db, logger: logger}
}

const profileColumns = `
	id, email, first_name, last_name, phone_number, preferred_categories,
	email_enabled, whatsapp_enabled, sms_enabled, digest_enabled,
	last_digest_sent_at, created_at`

func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	err := row.Scan(
		&p.ID,
		&p.Email,
		&p.FirstName,
		&p.LastName,
		&p.PhoneNumber,
		&p.PreferredCategories,
		&p.EmailEnabled,
		&p.WhatsAppEnabled,
		&p.SMSEnabled,
		&p.DigestEnabled,
		&p.LastDigestSentAt,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectProfiles(rows pgx.Rows) ([]*Profile, error) {
	defer rows.Close()

	var profiles []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return profiles, nil
}

// GetProfile retrieves a profile by id.
func (s *ProfileStore) GetProfile(ctx context.Context, id uuid.UUID) (*Profile, error) {
	p, err := scanProfile(s.db.Pool().QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}
	return p, nil
}

// ListNotifiable returns profiles that can receive immediate notifications:
// an email address on file, email notifications enabled, and at least one
// preferred category.
func (s *ProfileStore) ListNotifiable(ctx context.Context) ([]*Profile, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE email <> ''
		  AND email_enabled
		  AND cardinality(preferred_categories) > 0
	`)
	if err != nil {
		return nil, fmt.Errorf("query notifiable profiles: %w", err)
	}
	return collectProfiles(rows)
}

// ListDigestRecipients returns profiles with the daily digest enabled.
func (s *ProfileStore) ListDigestRecipients(ctx context.Context) ([]*Profile, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE email <> '' AND digest_enabled
	`)
	if err != nil {
		return nil, fmt.Errorf("query digest recipients: %w", err)
	}
	return collectProfiles(rows)
}

// SetLastDigestSent stamps the time a digest was delivered to a user.
func (s *ProfileStore) SetLastDigestSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Pool().Exec(ctx,
		`UPDATE profiles SET last_digest_sent_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("set last digest sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}
	return nil
}
