package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Contract is a procurement listing. Once published it is read-only from the
// notification pipeline's perspective.
type Contract struct {
	ID                 uuid.UUID  `json:"id"`
	Title              string     `json:"title"`
	Category           string     `json:"category"`
	ProcuringEntity    string     `json:"procuring_entity"`
	PublishStatus      string     `json:"publish_status"`
	Version            int        `json:"version"`
	SubmissionDeadline *time.Time `json:"submission_deadline,omitempty"`
	Summary            *string    `json:"summary,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	PublishedAt        *time.Time `json:"published_at,omitempty"`
}

// Profile holds a user's notification preferences. The matcher reads these;
// nothing in the pipeline writes them except the digest timestamp.
type Profile struct {
	ID                  uuid.UUID  `json:"id"`
	Email               string     `json:"email"`
	FirstName           string     `json:"first_name"`
	LastName            string     `json:"last_name"`
	PhoneNumber         string     `json:"phone_number"`
	PreferredCategories []string   `json:"preferred_categories"`
	EmailEnabled        bool       `json:"email_enabled"`
	WhatsAppEnabled     bool       `json:"whatsapp_enabled"`
	SMSEnabled          bool       `json:"sms_enabled"`
	DigestEnabled       bool       `json:"digest_enabled"`
	LastDigestSentAt    *time.Time `json:"last_digest_sent_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// FullName returns the profile's display name, falling back to the email.
func (p *Profile) FullName() string {
	name := p.FirstName
	if p.LastName != "" {
		if name != "" {
			name += " "
		}
		name += p.LastName
	}
	if name == "" {
		return p.Email
	}
	return name
}

// QueueEntry is one queued notification for a (user, contract, version)
// tuple. Metadata carries denormalized contract and user fields so dispatch
// can render a message without extra reads.
type QueueEntry struct {
	ID                  uuid.UUID       `json:"id"`
	UserID              uuid.UUID       `json:"user_id"`
	ContractID          uuid.UUID       `json:"contract_id"`
	ContractVersion     int             `json:"contract_version"`
	Kind                string          `json:"kind"`
	Channel             string          `json:"channel"`
	Status              string          `json:"status"`
	Priority            int             `json:"priority"`
	RetryCount          int             `json:"retry_count"`
	MaxRetries          int             `json:"max_retries"`
	ErrorMessage        *string         `json:"error_message,omitempty"`
	Metadata            json.RawMessage `json:"metadata"`
	CreatedAt           time.Time       `json:"created_at"`
	ScheduledAt         time.Time       `json:"scheduled_at"`
	ProcessingStartedAt *time.Time      `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

// EntryMetadata is the denormalized blob stored on a queue entry.
type EntryMetadata struct {
	ContractTitle      string `json:"contract_title"`
	ContractCategory   string `json:"contract_category"`
	ProcuringEntity    string `json:"procuring_entity"`
	SubmissionDeadline string `json:"submission_deadline,omitempty"`
	DaysRemaining      int    `json:"days_remaining,omitempty"`
	ContractSummary    string `json:"contract_summary,omitempty"`
	UserEmail          string `json:"user_email"`
	UserName           string `json:"user_name"`
	UserPhone          string `json:"user_phone,omitempty"`
}

// Queue entry status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Notification kind constants
const (
	KindContractMatch    = "contract_match"
	KindDeadlineReminder = "deadline_reminder"
)

// Channel constants
const (
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
)

// Contract publish status constants
const (
	PublishStatusDraft     = "draft"
	PublishStatusPublished = "published"
)

// CanTransition reports whether a queue entry may move from one status to
// another. The store enforces this in SQL via conditional updates; this is
// the single written-down form of the state machine.
//
//	pending    -> processing | cancelled
//	processing -> sent | failed | cancelled (single cancel only)
//	failed     -> pending (retry) | cancelled
//	sent, cancelled -> terminal
func CanTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusSent || to == StatusFailed || to == StatusCancelled
	case StatusFailed:
		return to == StatusPending || to == StatusCancelled
	default:
		return false
	}
}

// ValidStatus reports whether s is a known queue status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
