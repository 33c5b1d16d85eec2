package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"dispatchd/internal/domain"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/storage"
	"dispatchd/pkg/logx"
)

func newTestQueue(t *testing.T, cfg Config) (*Service, *storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(cfg, st, logx.Nop(), eventbus.New()), st
}

func testJob(id, key string) domain.MessageJob {
	return domain.MessageJob{
		ID: id, TenantID: "t1", LeadID: "l1", StepID: "s1",
		Address: "a@b.c", IdempotencyKey: key,
		ScheduledAt: time.Now().Add(-time.Second),
	}
}

func TestEnqueueDuplicate(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("j1", "k1")); err != nil {
		t.Fatal(err)
	}
	err := q.Enqueue(ctx, testJob("j2", "k1"))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestNackWithoutConsumingAttempt(t *testing.T) {
	q, st := newTestQueue(t, Config{DeferDelay: time.Millisecond})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("j1", "k1")); err != nil {
		t.Fatal(err)
	}
	j, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Quota exhaustion: deferred work, not a failed attempt.
	if err := q.Nack(ctx, j.ID, "quota exhausted", false, 0); err != nil {
		t.Fatal(err)
	}
	got, err := st.JobByID(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Attempts != 0 {
		t.Fatalf("non-consuming nack advanced attempts to %d", got.Attempts)
	}
	if got.Status != domain.JobRetryQueued {
		t.Fatalf("expected retry_queued, got %s", got.Status)
	}
}

func TestTransientFailuresLandInDLQExactlyOnce(t *testing.T) {
	const maxAttempts = 3
	q, st := newTestQueue(t, Config{
		MaxAttempts: maxAttempts,
		RetryBase:   time.Millisecond,
		DeferDelay:  time.Millisecond,
	})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("j1", "k1")); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < maxAttempts; i++ {
		// Make the retry delay elapse so the job is claimable again.
		time.Sleep(5 * time.Millisecond)
		j, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if err := q.Nack(ctx, j.ID, "provider 500", true, 0); err != nil {
			t.Fatalf("nack %d: %v", i, err)
		}
	}

	got, err := st.JobByID(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobDead {
		t.Fatalf("expected dead after %d transient failures, got %s", maxAttempts, got.Status)
	}
	depth, err := st.DLQDepth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("dlq depth = %d, err=%v", depth, err)
	}

	// Never redelivered afterwards.
	time.Sleep(5 * time.Millisecond)
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrEmpty) {
		t.Fatalf("dead job redelivered: %v", err)
	}
}

func TestDLQThresholdAlertFiresOnce(t *testing.T) {
	bus := eventbus.New()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	q := New(Config{MaxAttempts: 1, DLQAlertDepth: 2, DeferDelay: time.Millisecond}, st, logx.Nop(), bus)

	events, unsub := bus.Subscribe(16)
	defer unsub()

	ctx := context.Background()
	for i, id := range []string{"j1", "j2", "j3"} {
		j := testJob(id, "k"+id)
		if err := q.Enqueue(ctx, j); err != nil {
			t.Fatal(err)
		}
		d, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if err := q.Nack(ctx, d.ID, "hard fail", true, 0); err != nil {
			t.Fatal(err)
		}
	}

	var thresholdAlerts int
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.TypeDLQThreshold {
				thresholdAlerts++
			}
			continue
		default:
		}
		break
	}
	if thresholdAlerts != 1 {
		t.Fatalf("expected exactly one threshold alert, got %d", thresholdAlerts)
	}
}

func TestLeaseExpiryRedelivers(t *testing.T) {
	q, _ := newTestQueue(t, Config{Lease: 10 * time.Millisecond})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("j1", "k1")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}
	// Invisible while leased.
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrEmpty) {
		t.Fatalf("leased job visible: %v", err)
	}

	time.Sleep(15 * time.Millisecond)
	n, err := q.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	j, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if j.ID != "j1" {
		t.Fatalf("expected redelivery of j1, got %s", j.ID)
	}
}
