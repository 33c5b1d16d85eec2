// Package queue implements the durable job queue with visibility leases
// and a dead-letter queue on top of the storage layer.
//
// Delivery is at-least-once: a claimed job that is not acknowledged within
// its lease becomes visible again, so consumers must treat every dequeue
// as a possible redelivery and rely on the idempotency key downstream.
package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"dispatchd/internal/domain"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/storage"
	"dispatchd/pkg/logx"
)

var (
	ErrEmpty     = errors.New("queue: no job ready")
	ErrDuplicate = errors.New("queue: duplicate idempotency key")
)

type Config struct {
	// Lease is the visibility timeout for a claimed job.
	Lease time.Duration
	// MaxAttempts caps consumed attempts before a job moves to the DLQ.
	MaxAttempts int

	// Backoff for attempt-consuming nacks.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// DeferDelay is used for non-consuming nacks (quota exhaustion,
	// paused tenant): not a failure, just "try again soon".
	DeferDelay time.Duration

	// DLQAlertDepth emits an alert event once the DLQ reaches this depth.
	// 0 disables the alert.
	DLQAlertDepth int
}

func (c Config) withDefaults() Config {
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.DeferDelay <= 0 {
		c.DeferDelay = 2 * time.Second
	}
	return c
}

// DeadLetterEvent is published on the bus when a job moves to the DLQ.
type DeadLetterEvent struct {
	JobID    domain.JobID   `json:"job_id"`
	TenantID domain.TenantID `json:"tenant_id"`
	Reason   string         `json:"reason"`
	Attempts int            `json:"attempts"`
}

// DepthEvent is published when the DLQ crosses the alert threshold.
type DepthEvent struct {
	Depth     int `json:"depth"`
	Threshold int `json:"threshold"`
}

type Service struct {
	cfg   Config
	store *storage.Store
	log   logx.Logger
	bus   eventbus.Bus

	rngMu sync.Mutex
	rng   *rand.Rand

	alertMu     sync.Mutex
	dlqAlerted  bool
	nowOverride func() time.Time // tests only
}

func New(cfg Config, store *storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:   cfg.withDefaults(),
		store: store,
		log:   log.With(logx.String("comp", "queue")),
		bus:   bus,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Service) now() time.Time {
	if s.nowOverride != nil {
		return s.nowOverride()
	}
	return time.Now()
}

// Enqueue durably stores a job before returning success. A job whose
// idempotency key already exists is reported as ErrDuplicate; callers
// planning repeated waves treat that as "already planned".
func (s *Service) Enqueue(ctx context.Context, j domain.MessageJob) error {
	inserted, err := s.store.InsertJob(ctx, j)
	if err != nil {
		return err
	}
	if !inserted {
		return ErrDuplicate
	}
	s.log.Debug("job enqueued",
		logx.String("job", j.ID),
		logx.String("tenant", j.TenantID),
		logx.Time("scheduled_at", j.ScheduledAt),
	)
	return nil
}

// Dequeue claims the next due job under a visibility lease.
func (s *Service) Dequeue(ctx context.Context) (domain.MessageJob, error) {
	now := s.now()
	j, err := s.store.ClaimNextJob(ctx, now, now.Add(s.cfg.Lease))
	if errors.Is(err, storage.ErrNoJob) {
		return domain.MessageJob{}, ErrEmpty
	}
	return j, err
}

// Ack releases the lease of a job whose status was already advanced by the
// caller (sent, dead, ...).
func (s *Service) Ack(ctx context.Context, id domain.JobID) error {
	return s.store.ReleaseJobLease(ctx, id)
}

// Nack returns a claimed job to the retry queue.
//
// consumeAttempt must be true for real failures (provider transient errors)
// and false for deferrals (quota exhaustion, paused tenant), which do not
// advance the attempt count. after > 0 overrides the computed delay.
// A consuming nack that reaches the attempt budget moves the job to the
// dead-letter queue instead.
func (s *Service) Nack(ctx context.Context, id domain.JobID, reason string, consumeAttempt bool, after time.Duration) error {
	j, err := s.store.JobByID(ctx, id)
	if err != nil {
		return err
	}

	if consumeAttempt && j.Attempts+1 >= s.cfg.MaxAttempts {
		return s.moveToDLQ(ctx, j, reason)
	}

	delay := after
	if delay <= 0 {
		if consumeAttempt {
			delay = s.backoffDelay(j.Attempts + 1)
		} else {
			delay = s.cfg.DeferDelay
		}
	}

	moved, err := s.store.RequeueJob(ctx, id, s.now().Add(delay), consumeAttempt, reason)
	if err != nil {
		return err
	}
	if !moved {
		// Already transitioned elsewhere (lease sweep, concurrent feedback).
		s.log.Debug("nack skipped, job already moved", logx.String("job", string(id)))
		return nil
	}
	s.log.Debug("job nacked",
		logx.String("job", string(id)),
		logx.String("reason", reason),
		logx.Bool("consumed_attempt", consumeAttempt),
		logx.Duration("delay", delay),
	)
	return nil
}

// Bury dead-letters a claimed job immediately, regardless of remaining
// attempts. Used for permanent failures and for jobs whose address was
// suppressed after planning.
func (s *Service) Bury(ctx context.Context, id domain.JobID, reason string) error {
	j, err := s.store.JobByID(ctx, id)
	if err != nil {
		return err
	}
	return s.moveToDLQ(ctx, j, reason)
}

func (s *Service) moveToDLQ(ctx context.Context, j domain.MessageJob, reason string) error {
	inserted, err := s.store.MarkJobDead(ctx, j.ID, reason, s.now())
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	s.log.Warn("job dead-lettered",
		logx.String("job", j.ID),
		logx.String("tenant", j.TenantID),
		logx.String("reason", reason),
		logx.Int("attempts", j.Attempts+1),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeJobDeadLetter,
			Data: DeadLetterEvent{JobID: j.ID, TenantID: j.TenantID, Reason: reason, Attempts: j.Attempts + 1},
		})
	}
	s.checkDLQDepth(ctx)
	return nil
}

func (s *Service) checkDLQDepth(ctx context.Context) {
	if s.cfg.DLQAlertDepth <= 0 || s.bus == nil {
		return
	}
	depth, err := s.store.DLQDepth(ctx)
	if err != nil {
		return
	}

	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	switch {
	case depth >= s.cfg.DLQAlertDepth && !s.dlqAlerted:
		s.dlqAlerted = true
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeDLQThreshold,
			Data: DepthEvent{Depth: depth, Threshold: s.cfg.DLQAlertDepth},
		})
	case depth < s.cfg.DLQAlertDepth/2:
		// Re-arm only after the operator drained well below the threshold.
		s.dlqAlerted = false
	}
}

// Sweep returns expired-lease jobs to visibility. Run periodically; this is
// the recovery path for workers that died mid-send.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	n, err := s.store.SweepExpiredLeases(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("expired leases swept", logx.Int("jobs", n))
	}
	return n, nil
}

func (s *Service) backoffDelay(attempt int) time.Duration {
	d := s.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.RetryMaxDelay {
			d = s.cfg.RetryMaxDelay
			break
		}
	}
	s.rngMu.Lock()
	r := (s.rng.Float64()*2 - 1) * s.cfg.RetryJitter
	s.rngMu.Unlock()
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	if d > s.cfg.RetryMaxDelay {
		d = s.cfg.RetryMaxDelay
	}
	return d
}

// Snapshot is a point-in-time diagnostic view.
type Snapshot struct {
	ByStatus map[domain.JobStatus]int
	DLQDepth int
	Lease    time.Duration
	MaxTries int
}

func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	counts, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	depth, err := s.store.DLQDepth(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{ByStatus: counts, DLQDepth: depth, Lease: s.cfg.Lease, MaxTries: s.cfg.MaxAttempts}, nil
}
