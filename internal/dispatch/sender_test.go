package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/db"
)

func metadataJSON(t *testing.T, meta db.EntryMetadata) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestRenderEmailMatch(t *testing.T) {
	entry := &db.QueueEntry{
		ID:      uuid.New(),
		Kind:    db.KindContractMatch,
		Channel: db.ChannelEmail,
		Metadata: metadataJSON(t, db.EntryMetadata{
			ContractTitle:    "Supply of Laptops",
			ContractCategory: "Information Technology",
			ProcuringEntity:  "Ministry of Education",
			UserEmail:        "bidder@example.com",
			UserName:         "Jane Bidder",
		}),
	}

	msg, err := Render(entry)
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}

	if msg.To != "bidder@example.com" {
		t.Errorf("wrong recipient: %s", msg.To)
	}
	if !msg.HTML {
		t.Error("email messages should render as HTML")
	}
	if !strings.Contains(msg.Subject, "Supply of Laptops") {
		t.Errorf("subject missing contract title: %s", msg.Subject)
	}
	if !strings.Contains(msg.Body, "Jane Bidder") {
		t.Error("body missing user name")
	}
	if !strings.Contains(msg.Body, "Ministry of Education") {
		t.Error("body missing procuring entity")
	}
}

func TestRenderDeadlineReminder(t *testing.T) {
	entry := &db.QueueEntry{
		ID:      uuid.New(),
		Kind:    db.KindDeadlineReminder,
		Channel: db.ChannelSMS,
		Metadata: metadataJSON(t, db.EntryMetadata{
			ContractTitle:      "Road Maintenance Framework",
			ContractCategory:   "Construction",
			SubmissionDeadline: "2026-09-15",
			UserEmail:          "bidder@example.com",
			UserPhone:          "+256700000001",
		}),
	}

	msg, err := Render(entry)
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}

	if msg.To != "+256700000001" {
		t.Errorf("wrong recipient: %s", msg.To)
	}
	if msg.HTML {
		t.Error("sms messages must be plain text")
	}
	if !strings.Contains(msg.Subject, "Deadline") {
		t.Errorf("reminder subject wrong: %s", msg.Subject)
	}
	if !strings.Contains(msg.Body, "2026-09-15") {
		t.Error("body missing deadline")
	}
}

func TestRenderMissingRecipient(t *testing.T) {
	tests := []struct {
		name    string
		channel string
	}{
		{"email without address", db.ChannelEmail},
		{"sms without phone", db.ChannelSMS},
		{"whatsapp without phone", db.ChannelWhatsApp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &db.QueueEntry{
				ID:       uuid.New(),
				Kind:     db.KindContractMatch,
				Channel:  tt.channel,
				Metadata: metadataJSON(t, db.EntryMetadata{ContractTitle: "X"}),
			}
			if _, err := Render(entry); err == nil {
				t.Error("expected error for missing recipient")
			}
		})
	}
}

func TestRenderUnsupportedChannel(t *testing.T) {
	entry := &db.QueueEntry{
		ID:       uuid.New(),
		Channel:  "pigeon",
		Metadata: metadataJSON(t, db.EntryMetadata{UserEmail: "a@b.com"}),
	}
	if _, err := Render(entry); err == nil {
		t.Error("expected error for unsupported channel")
	}
}

func TestMultiSenderRouting(t *testing.T) {
	logger := zap.NewNop()

	smtp := NewSMTPSender(SMTPConfig{Host: "localhost", Port: 1025}, logger)
	whatsapp := NewWhatsAppSender(WhatsAppConfig{AccountSID: "AC123"}, logger)
	multi := NewMultiSender(logger, smtp, whatsapp)

	tests := []struct {
		name    string
		channel string
		want    bool
	}{
		{"email_supported", db.ChannelEmail, true},
		{"whatsapp_supported", db.ChannelWhatsApp, true},
		{"sms_not_supported", db.ChannelSMS, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := multi.SupportsChannel(tt.channel); got != tt.want {
				t.Errorf("SupportsChannel(%s) = %v, want %v", tt.channel, got, tt.want)
			}
		})
	}
}

func TestMultiSenderNoRoute(t *testing.T) {
	multi := NewMultiSender(zap.NewNop())
	err := multi.Send(context.Background(), &Outbound{Channel: db.ChannelEmail})
	if err == nil {
		t.Error("expected error when no sender matches")
	}
}

func TestLogSenderAcceptsAllChannels(t *testing.T) {
	sender := NewLogSender(zap.NewNop())

	for _, channel := range []string{db.ChannelEmail, db.ChannelSMS, db.ChannelWhatsApp} {
		if !sender.SupportsChannel(channel) {
			t.Errorf("LogSender should support %s", channel)
		}
		err := sender.Send(context.Background(), &Outbound{Channel: channel, To: "x"})
		if err != nil {
			t.Errorf("LogSender.Send(%s) = %v", channel, err)
		}
	}
}

func TestWhatsAppSenderPostsToTwilio(t *testing.T) {
	var gotPath, gotFrom, gotTo string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		gotFrom = r.PostForm.Get("From")
		gotTo = r.PostForm.Get("To")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM123"}`))
	}))
	defer server.Close()

	sender := NewWhatsAppSender(WhatsAppConfig{
		AccountSID: "AC123",
		AuthToken:  "secret",
		FromNumber: "+15550001111",
		BaseURL:    server.URL,
	}, zap.NewNop())

	err := sender.Send(context.Background(), &Outbound{
		EntryID: uuid.NewString(),
		Channel: db.ChannelWhatsApp,
		To:      "+256700000001",
		Body:    "New contract published",
	})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	if gotPath != "/2010-04-01/Accounts/AC123/Messages.json" {
		t.Errorf("wrong path: %s", gotPath)
	}
	if gotFrom != "whatsapp:+15550001111" {
		t.Errorf("wrong From: %s", gotFrom)
	}
	if gotTo != "whatsapp:+256700000001" {
		t.Errorf("wrong To: %s", gotTo)
	}
}

func TestWhatsAppSenderRejectsNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"auth error"}`))
	}))
	defer server.Close()

	sender := NewWhatsAppSender(WhatsAppConfig{
		AccountSID: "AC123",
		BaseURL:    server.URL,
	}, zap.NewNop())

	err := sender.Send(context.Background(), &Outbound{
		Channel: db.ChannelWhatsApp,
		To:      "+256700000001",
		Body:    "hi",
	})
	if err == nil {
		t.Error("expected error for non-2xx response")
	}
}

func TestWhatsAppSenderChannelGuard(t *testing.T) {
	sender := NewWhatsAppSender(WhatsAppConfig{}, zap.NewNop())
	err := sender.Send(context.Background(), &Outbound{Channel: db.ChannelEmail, To: "a@b.com"})
	if err == nil {
		t.Error("expected error for non-whatsapp channel")
	}
}
