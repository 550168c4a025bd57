package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/db"
)

// Sender is the unified interface for all delivery channels.
// Implementations: Email (SES or SMTP), SMS (SNS), WhatsApp (Twilio).
type Sender interface {
	Send(ctx context.Context, msg *Outbound) error
	SupportsChannel(channel string) bool
}

// Outbound is a fully rendered message ready for a provider. Senders never
// touch queue entries directly; rendering happens once, here.
type Outbound struct {
	EntryID string `json:"entry_id"`
	Channel string `json:"channel"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	HTML    bool   `json:"html"`
}

// Render builds the outbound message for a queue entry from its denormalized
// metadata. It fails if the metadata is missing the recipient address for the
// entry's channel.
func Render(entry *db.QueueEntry) (*Outbound, error) {
	var meta db.EntryMetadata
	if err := json.Unmarshal(entry.Metadata, &meta); err != nil {
		return nil, fmt.Errorf("invalid entry metadata: %w", err)
	}

	msg := &Outbound{
		EntryID: entry.ID.String(),
		Channel: entry.Channel,
	}

	switch entry.Channel {
	case db.ChannelEmail:
		if meta.UserEmail == "" {
			return nil, fmt.Errorf("entry %s: metadata missing user_email", entry.ID)
		}
		msg.To = meta.UserEmail
		msg.HTML = true
	case db.ChannelSMS, db.ChannelWhatsApp:
		if meta.UserPhone == "" {
			return nil, fmt.Errorf("entry %s: metadata missing user_phone", entry.ID)
		}
		msg.To = meta.UserPhone
	default:
		return nil, fmt.Errorf("entry %s: unsupported channel %q", entry.ID, entry.Channel)
	}

	switch entry.Kind {
	case db.KindDeadlineReminder:
		msg.Subject = fmt.Sprintf("Deadline approaching: %s", meta.ContractTitle)
	default:
		msg.Subject = fmt.Sprintf("New contract in %s: %s", meta.ContractCategory, meta.ContractTitle)
	}

	if msg.HTML {
		msg.Body = renderEmailBody(entry.Kind, &meta)
	} else {
		msg.Body = renderTextBody(entry.Kind, &meta)
	}

	return msg, nil
}

func renderEmailBody(kind string, meta *db.EntryMetadata) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<p>Hello %s,</p>", meta.UserName)

	if kind == db.KindDeadlineReminder {
		if meta.DaysRemaining > 0 {
			fmt.Fprintf(&b, "<p>The submission deadline for <strong>%s</strong> is in %d day(s).</p>", meta.ContractTitle, meta.DaysRemaining)
		} else {
			fmt.Fprintf(&b, "<p>The submission deadline for <strong>%s</strong> is approaching.</p>", meta.ContractTitle)
		}
	} else {
		fmt.Fprintf(&b, "<p>A new contract matching your preferences was published.</p>")
		fmt.Fprintf(&b, "<p><strong>%s</strong><br>Category: %s<br>Procuring entity: %s</p>",
			meta.ContractTitle, meta.ContractCategory, meta.ProcuringEntity)
	}

	if meta.SubmissionDeadline != "" {
		fmt.Fprintf(&b, "<p>Submission deadline: %s</p>", meta.SubmissionDeadline)
	}
	if meta.ContractSummary != "" {
		fmt.Fprintf(&b, "<p>%s</p>", meta.ContractSummary)
	}

	b.WriteString("<p>Log in to your BidFlow account to view the full details.</p>")
	return b.String()
}

func renderTextBody(kind string, meta *db.EntryMetadata) string {
	var b strings.Builder

	if kind == db.KindDeadlineReminder {
		fmt.Fprintf(&b, "BidFlow: deadline approaching for %s", meta.ContractTitle)
	} else {
		fmt.Fprintf(&b, "BidFlow: new %s contract - %s (%s)",
			meta.ContractCategory, meta.ContractTitle, meta.ProcuringEntity)
	}

	if meta.SubmissionDeadline != "" {
		fmt.Fprintf(&b, ". Deadline: %s", meta.SubmissionDeadline)
	}
	return b.String()
}

// MultiSender routes a message to the first sender that supports its channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

func (m *MultiSender) Send(ctx context.Context, msg *Outbound) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", msg.Channel),
				zap.String("entry_id", msg.EntryID),
			)
			return sender.Send(ctx, msg)
		}
	}
	return fmt.Errorf("no sender found for channel: %s", msg.Channel)
}

func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs messages instead of delivering them (development mode).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg *Outbound) error {
	s.logger.Info("logging message (development mode)",
		zap.String("entry_id", msg.EntryID),
		zap.String("channel", msg.Channel),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail || channel == db.ChannelSMS || channel == db.ChannelWhatsApp
}
