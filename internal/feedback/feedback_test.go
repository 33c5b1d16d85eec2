package feedback

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"dispatchd/internal/breaker"
	"dispatchd/internal/domain"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/queue"
	"dispatchd/internal/storage"
	"dispatchd/pkg/logx"
)

type fixture struct {
	store *storage.Store
	queue *queue.Service
	brk   *breaker.Breaker
	proc  *Processor
}

type nopSource struct{ ch chan domain.DeliveryEvent }

func (s nopSource) Events() <-chan domain.DeliveryEvent { return s.ch }

func newFixture(t *testing.T, hooks breaker.Hooks) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "f.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	q := queue.New(queue.Config{MaxAttempts: 3, RetryBase: time.Millisecond}, st, logx.Nop(), eventbus.New())
	brk := breaker.New(breaker.Config{Window: 100}, hooks)
	proc := New(st, q, brk, nopSource{ch: make(chan domain.DeliveryEvent)}, eventbus.New(), logx.Nop())
	return &fixture{store: st, queue: q, brk: brk, proc: proc}
}

// sentJob plants a job in the "sent" state with a provider message id.
func (f *fixture) sentJob(t *testing.T, id, pmid string) domain.MessageJob {
	t.Helper()
	ctx := context.Background()
	j := domain.MessageJob{
		ID: id, TenantID: "t1", LeadID: "lead-" + id, StepID: "s1",
		SenderID: "snd1", Address: id + "@example.com",
		IdempotencyKey: "k-" + id, ScheduledAt: time.Now().Add(-time.Second),
	}
	if _, err := f.store.InsertJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.ClaimNextJob(ctx, time.Now(), time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if ok, err := f.store.MarkJobSent(ctx, id, pmid); err != nil || !ok {
		t.Fatalf("mark sent: %v %v", ok, err)
	}
	got, err := f.store.JobByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestComplaintSuppressesExactlyOnce(t *testing.T) {
	f := newFixture(t, breaker.Hooks{})
	ctx := context.Background()
	j := f.sentJob(t, "j1", "pm-1")

	ev := domain.DeliveryEvent{ID: "e1", MessageID: "pm-1", Type: domain.EventComplaint, At: time.Now()}
	f.proc.Handle(ctx, ev)

	got, err := f.store.JobByID(ctx, j.ID)
	if err != nil || got.Status != domain.JobComplained {
		t.Fatalf("status=%s err=%v, want complained", got.Status, err)
	}
	n, err := f.store.SuppressionCount(ctx, "t1", j.Address)
	if err != nil || n != 1 {
		t.Fatalf("suppression count=%d err=%v, want 1", n, err)
	}

	// Redelivered event with the same id must be a no-op.
	f.proc.Handle(ctx, ev)
	n, _ = f.store.SuppressionCount(ctx, "t1", j.Address)
	if n != 1 {
		t.Fatalf("duplicate event duplicated suppression: %d", n)
	}
}

func TestDeliveredAdvancesStatusAndReputation(t *testing.T) {
	f := newFixture(t, breaker.Hooks{})
	ctx := context.Background()
	if err := f.store.UpsertSender(ctx, domain.SenderIdentity{
		ID: "snd1", Address: "s@d.com", Domain: "d.com", Reputation: 0.5,
	}); err != nil {
		t.Fatal(err)
	}
	j := f.sentJob(t, "j1", "pm-1")

	f.proc.Handle(ctx, domain.DeliveryEvent{ID: "e1", MessageID: "pm-1", Type: domain.EventDelivered})

	got, _ := f.store.JobByID(ctx, j.ID)
	if got.Status != domain.JobDelivered {
		t.Fatalf("status=%s, want delivered", got.Status)
	}
	sd, _ := f.store.GetSender(ctx, "snd1")
	if sd.Reputation <= 0.5 {
		t.Fatalf("delivery must raise reputation, got %f", sd.Reputation)
	}
}

func TestBounceLowersReputation(t *testing.T) {
	f := newFixture(t, breaker.Hooks{})
	ctx := context.Background()
	if err := f.store.UpsertSender(ctx, domain.SenderIdentity{
		ID: "snd1", Address: "s@d.com", Domain: "d.com", Reputation: 0.8,
	}); err != nil {
		t.Fatal(err)
	}
	f.sentJob(t, "j1", "pm-1")

	f.proc.Handle(ctx, domain.DeliveryEvent{ID: "e1", MessageID: "pm-1", Type: domain.EventBounce})

	got, _ := f.store.JobByID(ctx, "j1")
	if got.Status != domain.JobBounced {
		t.Fatalf("status=%s, want bounced", got.Status)
	}
	sd, _ := f.store.GetSender(ctx, "snd1")
	if sd.Reputation >= 0.8 {
		t.Fatalf("bounce must lower reputation, got %f", sd.Reputation)
	}
}

func TestDeferredRequeuesWithAttempt(t *testing.T) {
	f := newFixture(t, breaker.Hooks{})
	ctx := context.Background()
	j := f.sentJob(t, "j1", "pm-1")
	attemptsBefore := j.Attempts

	f.proc.Handle(ctx, domain.DeliveryEvent{ID: "e1", MessageID: "pm-1", Type: domain.EventDeferred})

	got, _ := f.store.JobByID(ctx, j.ID)
	if got.Status != domain.JobRetryQueued {
		t.Fatalf("status=%s, want retry_queued", got.Status)
	}
	if got.Attempts != attemptsBefore+1 {
		t.Fatalf("deferred must consume one attempt: %d -> %d", attemptsBefore, got.Attempts)
	}
}

func TestUnorderedEventsSettleOnce(t *testing.T) {
	f := newFixture(t, breaker.Hooks{})
	ctx := context.Background()
	f.sentJob(t, "j1", "pm-1")

	// Delivered lands first, then a late bounce for the same message.
	f.proc.Handle(ctx, domain.DeliveryEvent{ID: "e1", MessageID: "pm-1", Type: domain.EventDelivered})
	f.proc.Handle(ctx, domain.DeliveryEvent{ID: "e2", MessageID: "pm-1", Type: domain.EventBounce})

	got, _ := f.store.JobByID(ctx, "j1")
	if got.Status != domain.JobDelivered {
		t.Fatalf("first terminal outcome must win, got %s", got.Status)
	}
}

func TestUnknownMessageStillRecordsEvent(t *testing.T) {
	f := newFixture(t, breaker.Hooks{})
	ctx := context.Background()

	ev := domain.DeliveryEvent{ID: "e1", MessageID: "missing", Type: domain.EventBounce}
	f.proc.Handle(ctx, ev)

	// The event is consumed; a replay is deduplicated.
	ins, err := f.store.InsertDeliveryEvent(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if ins {
		t.Fatal("event for unknown message was not recorded")
	}
}
