package digest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/db"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/dispatch"
)

type fakeContracts struct {
	contracts []*db.Contract
	gotStart  time.Time
	gotEnd    time.Time
}

func (f *fakeContracts) ListPublishedBetween(ctx context.Context, start, end time.Time) ([]*db.Contract, error) {
	f.gotStart = start
	f.gotEnd = end
	return f.contracts, nil
}

type fakeProfiles struct {
	recipients []*db.Profile
	stamped    map[uuid.UUID]time.Time
}

func (f *fakeProfiles) ListDigestRecipients(ctx context.Context) ([]*db.Profile, error) {
	return f.recipients, nil
}

func (f *fakeProfiles) SetLastDigestSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	if f.stamped == nil {
		f.stamped = make(map[uuid.UUID]time.Time)
	}
	f.stamped[id] = at
	return nil
}

type captureSender struct {
	sent []*dispatch.Outbound
	err  error
}

func (s *captureSender) Send(ctx context.Context, msg *dispatch.Outbound) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *captureSender) SupportsChannel(channel string) bool { return channel == db.ChannelEmail }

func digestProfile(categories ...string) *db.Profile {
	return &db.Profile{
		ID:                  uuid.New(),
		Email:               "digest@example.com",
		FirstName:           "Dana",
		PreferredCategories: categories,
		DigestEnabled:       true,
	}
}

func contract(title, category string) *db.Contract {
	now := time.Now()
	return &db.Contract{
		ID:            uuid.New(),
		Title:         title,
		Category:      category,
		PublishStatus: db.PublishStatusPublished,
		PublishedAt:   &now,
	}
}

func TestRunSendsDigestWithMatchingContracts(t *testing.T) {
	profile := digestProfile("Construction")
	contracts := &fakeContracts{contracts: []*db.Contract{
		contract("Road Works", "Construction"),
		contract("Laptops", "Information Technology"),
	}}
	profiles := &fakeProfiles{recipients: []*db.Profile{profile}}
	sender := &captureSender{}

	a := New(contracts, profiles, sender, Config{}, zap.NewNop())

	result, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if result.Sent != 1 || result.Skipped != 0 || result.Failed != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 digest sent, got %d", len(sender.sent))
	}

	msg := sender.sent[0]
	if msg.To != profile.Email {
		t.Errorf("digest sent to wrong address: %s", msg.To)
	}
	if !strings.Contains(msg.Body, "Road Works") {
		t.Error("digest missing matching contract")
	}
	if strings.Contains(msg.Body, "Laptops") {
		t.Error("digest contains non-matching contract")
	}
	if _, ok := profiles.stamped[profile.ID]; !ok {
		t.Error("expected last digest timestamp updated")
	}
}

func TestRunSkipsEmptyDigest(t *testing.T) {
	profile := digestProfile("Agriculture")
	contracts := &fakeContracts{contracts: []*db.Contract{
		contract("Road Works", "Construction"),
	}}
	profiles := &fakeProfiles{recipients: []*db.Profile{profile}}
	sender := &captureSender{}

	a := New(contracts, profiles, sender, Config{}, zap.NewNop())

	result, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if result.Skipped != 1 || result.Sent != 0 {
		t.Errorf("expected the empty digest skipped, got %+v", result)
	}
	if len(sender.sent) != 0 {
		t.Error("empty digest must never send")
	}
	if _, ok := profiles.stamped[profile.ID]; ok {
		t.Error("skipped digest must not update the timestamp")
	}
}

func TestRunCapsItemsPerDigest(t *testing.T) {
	profile := digestProfile("Construction")

	var many []*db.Contract
	for i := 0; i < maxItemsPerDigest+5; i++ {
		many = append(many, contract("Project", "Construction"))
	}

	contracts := &fakeContracts{contracts: many}
	profiles := &fakeProfiles{recipients: []*db.Profile{profile}}
	sender := &captureSender{}

	a := New(contracts, profiles, sender, Config{}, zap.NewNop())

	if _, err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 digest, got %d", len(sender.sent))
	}

	body := sender.sent[0].Body
	if got := strings.Count(body, "<li>"); got != maxItemsPerDigest {
		t.Errorf("expected %d items listed, got %d", maxItemsPerDigest, got)
	}
	if !strings.Contains(body, "And 5 more") {
		t.Error("expected overflow note in digest body")
	}
}

func TestRunWindowStartsAtLastDigest(t *testing.T) {
	lastSent := time.Now().Add(-2 * time.Hour)
	profile := digestProfile("Construction")
	profile.LastDigestSentAt = &lastSent

	contracts := &fakeContracts{}
	profiles := &fakeProfiles{recipients: []*db.Profile{profile}}

	a := New(contracts, profiles, &captureSender{}, Config{DefaultLookback: 24 * time.Hour}, zap.NewNop())

	if _, err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if diff := contracts.gotStart.Sub(lastSent); diff < 0 || diff > time.Second {
		t.Errorf("window should start at last digest time, got %s", contracts.gotStart)
	}
}

func TestRunDigestForWindowUsesGivenBounds(t *testing.T) {
	lastSent := time.Now().Add(-1 * time.Hour)
	profile := digestProfile("Construction")
	profile.LastDigestSentAt = &lastSent

	contracts := &fakeContracts{contracts: []*db.Contract{contract("Road Works", "Construction")}}
	profiles := &fakeProfiles{recipients: []*db.Profile{profile}}
	sender := &captureSender{}

	a := New(contracts, profiles, sender, Config{}, zap.NewNop())

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)

	result, err := a.RunDigestForWindow(context.Background(), start, end)
	if err != nil {
		t.Fatalf("RunDigestForWindow returned error: %v", err)
	}
	if result.Sent != 1 {
		t.Fatalf("expected 1 digest sent, got %+v", result)
	}

	if !contracts.gotStart.Equal(start) || !contracts.gotEnd.Equal(end) {
		t.Errorf("expected window [%s, %s], got [%s, %s]",
			start, end, contracts.gotStart, contracts.gotEnd)
	}
	if stamped := profiles.stamped[profile.ID]; !stamped.Equal(end) {
		t.Errorf("expected timestamp stamped at window end %s, got %s", end, stamped)
	}
}

func TestRunDigestForWindowRejectsInvertedWindow(t *testing.T) {
	contracts := &fakeContracts{}
	profiles := &fakeProfiles{recipients: []*db.Profile{digestProfile("Construction")}}

	a := New(contracts, profiles, &captureSender{}, Config{}, zap.NewNop())

	end := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if _, err := a.RunDigestForWindow(context.Background(), end.Add(time.Hour), end); err == nil {
		t.Fatal("expected error for inverted window")
	}
	if !contracts.gotEnd.IsZero() {
		t.Error("inverted window must not reach the contract store")
	}
}

func TestRunCountsDeliveryFailures(t *testing.T) {
	profile := digestProfile("Construction")
	contracts := &fakeContracts{contracts: []*db.Contract{contract("Road Works", "Construction")}}
	profiles := &fakeProfiles{recipients: []*db.Profile{profile}}
	sender := &captureSender{err: errors.New("smtp down")}

	a := New(contracts, profiles, sender, Config{}, zap.NewNop())

	result, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("expected 1 failure, got %+v", result)
	}
	if _, ok := profiles.stamped[profile.ID]; ok {
		t.Error("failed digest must not update the timestamp")
	}
}
