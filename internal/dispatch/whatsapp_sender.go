package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/db"
)

// WhatsAppSender delivers WhatsApp messages through the Twilio REST API.
type WhatsAppSender struct {
	client  *http.Client
	baseURL string
	sid     string
	token   string
	from    string
	logger  *zap.Logger
}

type WhatsAppConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string        // E.164, without the whatsapp: prefix
	BaseURL    string        // override for tests; defaults to the Twilio API
	Timeout    time.Duration // per-request timeout, default 30s
}

func NewWhatsAppSender(cfg WhatsAppConfig, logger *zap.Logger) *WhatsAppSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}

	return &WhatsAppSender{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		sid:     cfg.AccountSID,
		token:   cfg.AuthToken,
		from:    cfg.FromNumber,
		logger:  logger,
	}
}

func (s *WhatsAppSender) Send(ctx context.Context, msg *Outbound) error {
	if msg.Channel != db.ChannelWhatsApp {
		return fmt.Errorf("whatsapp sender only supports whatsapp, got: %s", msg.Channel)
	}
	if msg.To == "" {
		return fmt.Errorf("message missing phone number")
	}

	form := url.Values{}
	form.Set("From", "whatsapp:"+s.from)
	form.Set("To", "whatsapp:"+msg.To)
	form.Set("Body", msg.Body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, s.sid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create twilio request: %w", err)
	}
	req.SetBasicAuth(s.sid, s.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("twilio returned non-2xx status: %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	var created struct {
		SID string `json:"sid"`
	}
	_ = json.Unmarshal(bodyBytes, &created)

	s.logger.Info("whatsapp message sent via Twilio",
		zap.String("entry_id", msg.EntryID),
		zap.String("to", msg.To),
		zap.String("message_sid", created.SID),
	)
	return nil
}

func (s *WhatsAppSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWhatsApp
}
