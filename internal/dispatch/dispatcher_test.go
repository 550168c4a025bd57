package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/db"
)

type fakeQueue struct {
	entries []*db.QueueEntry
	sent    []uuid.UUID
	failed  map[uuid.UUID]string

	requeued    int64
	staleSweeps int

	// cancelOnClaim simulates a shutdown arriving right after the claim
	// transaction commits. Mark calls refuse cancelled contexts the way a
	// real pool does.
	cancelOnClaim context.CancelFunc
}

func (f *fakeQueue) ClaimBatch(ctx context.Context, limit int) ([]*db.QueueEntry, error) {
	if limit > len(f.entries) {
		limit = len(f.entries)
	}
	claimed := f.entries[:limit]
	f.entries = f.entries[limit:]
	if f.cancelOnClaim != nil {
		f.cancelOnClaim()
	}
	return claimed, nil
}

func (f *fakeQueue) MarkSent(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeQueue) MarkFailed(ctx context.Context, id uuid.UUID, sendErr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.failed == nil {
		f.failed = make(map[uuid.UUID]string)
	}
	f.failed[id] = sendErr
	return nil
}

func (f *fakeQueue) RequeueRetryable(ctx context.Context) (int64, error) {
	return f.requeued, nil
}

func (f *fakeQueue) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.staleSweeps++
	return 0, nil
}

func (f *fakeQueue) Stats(ctx context.Context) (*db.QueueStats, error) {
	return &db.QueueStats{}, nil
}

// flakySender fails for configured recipients and records the rest.
type flakySender struct {
	failFor   map[string]bool
	delivered []string
}

func (s *flakySender) Send(ctx context.Context, msg *Outbound) error {
	if s.failFor[msg.To] {
		return errors.New("provider rejected message")
	}
	s.delivered = append(s.delivered, msg.To)
	return nil
}

func (s *flakySender) SupportsChannel(channel string) bool { return true }

func queueEntry(email string) *db.QueueEntry {
	meta, _ := json.Marshal(db.EntryMetadata{
		ContractTitle:    "Road Maintenance Framework",
		ContractCategory: "Construction",
		ProcuringEntity:  "Uganda National Roads Authority",
		UserEmail:        email,
		UserName:         "Test User",
	})
	return &db.QueueEntry{
		ID:         uuid.New(),
		UserID:     uuid.New(),
		ContractID: uuid.New(),
		Kind:       db.KindContractMatch,
		Channel:    db.ChannelEmail,
		Status:     db.StatusProcessing,
		MaxRetries: 3,
		Metadata:   meta,
	}
}

func TestProcessBatchFailureDoesNotBlockRest(t *testing.T) {
	entries := []*db.QueueEntry{
		queueEntry("a@example.com"),
		queueEntry("b@example.com"),
		queueEntry("c@example.com"),
		queueEntry("d@example.com"),
	}
	broken := entries[2]

	queue := &fakeQueue{entries: entries}
	sender := &flakySender{failFor: map[string]bool{"c@example.com": true}}

	d := New(queue, sender, Config{BatchSize: 10, SendsPerSec: 1000}, zap.NewNop())

	result, err := d.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch returned error: %v", err)
	}

	if result.Claimed != 4 || result.Sent != 3 || result.Failed != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(queue.sent) != 3 {
		t.Errorf("expected 3 entries marked sent, got %d", len(queue.sent))
	}
	if _, ok := queue.failed[broken.ID]; !ok {
		t.Error("expected the failing entry to be marked failed")
	}
	if len(sender.delivered) != 3 {
		t.Errorf("expected 3 deliveries, got %d", len(sender.delivered))
	}
}

func TestProcessBatchEmptyQueue(t *testing.T) {
	queue := &fakeQueue{}
	d := New(queue, &flakySender{}, Config{}, zap.NewNop())

	result, err := d.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch returned error: %v", err)
	}
	if result.Claimed != 0 || result.Sent != 0 || result.Failed != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
}

func TestProcessBatchUnrenderableEntryFails(t *testing.T) {
	entry := queueEntry("a@example.com")
	entry.Metadata = json.RawMessage(`{`)

	queue := &fakeQueue{entries: []*db.QueueEntry{entry}}
	sender := &flakySender{}
	d := New(queue, sender, Config{SendsPerSec: 1000}, zap.NewNop())

	result, err := d.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch returned error: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("expected 1 failure, got %+v", result)
	}
	if len(sender.delivered) != 0 {
		t.Error("unrenderable entry must never reach the sender")
	}
	if _, ok := queue.failed[entry.ID]; !ok {
		t.Error("expected unrenderable entry marked failed")
	}
}

func TestProcessBatchMarksClaimedEntriesOnShutdown(t *testing.T) {
	entry := queueEntry("a@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{
		entries:       []*db.QueueEntry{entry},
		cancelOnClaim: cancel,
	}
	d := New(queue, &flakySender{}, Config{SendsPerSec: 1000}, zap.NewNop())

	result, err := d.ProcessBatch(ctx)
	if err != nil {
		t.Fatalf("ProcessBatch returned error: %v", err)
	}

	if result.Claimed != 1 {
		t.Fatalf("expected the entry claimed, got %+v", result)
	}
	if _, ok := queue.failed[entry.ID]; !ok {
		t.Fatal("claimed entry must be marked failed on shutdown, not left in processing")
	}
	if len(queue.sent) != 0 {
		t.Error("nothing should be marked sent after cancellation")
	}
}

func TestProcessBatchRunsStaleSweep(t *testing.T) {
	queue := &fakeQueue{}
	d := New(queue, &flakySender{}, Config{}, zap.NewNop())

	if _, err := d.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("ProcessBatch returned error: %v", err)
	}
	if queue.staleSweeps != 1 {
		t.Errorf("expected 1 stale sweep, got %d", queue.staleSweeps)
	}
	if d.config.StaleAfter != 5*time.Minute {
		t.Errorf("expected default stale threshold, got %s", d.config.StaleAfter)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	d := New(&fakeQueue{}, &flakySender{}, Config{}, zap.NewNop())

	if d.config.PollInterval == 0 {
		t.Error("expected default poll interval")
	}
	if d.config.BatchSize == 0 {
		t.Error("expected default batch size")
	}
	if d.config.SendsPerSec == 0 {
		t.Error("expected default send rate")
	}
}
