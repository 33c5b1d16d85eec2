// Package dispatch runs the worker pool that drains the job queue and
// pushes messages through the delivery provider. Every decision that can
// stop a send lives here: suppression, tenant pause, sender eligibility,
// quota, and the provider error taxonomy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatchd/internal/breaker"
	"dispatchd/internal/domain"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/provider"
	"dispatchd/internal/queue"
	"dispatchd/internal/quota"
	"dispatchd/internal/rotor"
	rtsup "dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/storage"
	"dispatchd/pkg/logx"
)

type Config struct {
	Workers      int
	PollInterval time.Duration
	SendTimeout  time.Duration

	// SweepInterval is how often expired leases are returned to visibility.
	SweepInterval time.Duration
	// PoolRefreshInterval is how often sender pools are rebuilt from storage.
	PoolRefreshInterval time.Duration

	// QuotaDeferDelay schedules the retry of a job blocked by quota.
	// Quota exhaustion is not a failure; no attempt is consumed.
	QuotaDeferDelay time.Duration
	// PauseDeferDelay schedules the retry of a job whose tenant is paused.
	PauseDeferDelay time.Duration

	// MinReputation excludes senders below this score from rotation.
	MinReputation float64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.PoolRefreshInterval <= 0 {
		c.PoolRefreshInterval = 15 * time.Second
	}
	if c.QuotaDeferDelay <= 0 {
		c.QuotaDeferDelay = time.Second
	}
	if c.PauseDeferDelay <= 0 {
		c.PauseDeferDelay = 30 * time.Second
	}
	if c.MinReputation <= 0 {
		c.MinReputation = 0.2
	}
	return c
}

type Service struct {
	cfg      Config
	store    *storage.Store
	queue    *queue.Service
	quota    *quota.Controller
	rotor    *rotor.Rotor
	brk      *breaker.Breaker
	provider provider.Port
	bus      eventbus.Bus
	log      logx.Logger

	sup *rtsup.Supervisor
}

func New(cfg Config, store *storage.Store, q *queue.Service, qc *quota.Controller,
	r *rotor.Rotor, brk *breaker.Breaker, p provider.Port, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		queue:    q,
		quota:    qc,
		rotor:    r,
		brk:      brk,
		provider: p,
		bus:      bus,
		log:      log.With(logx.String("comp", "dispatch")),
	}
}

// Start is idempotent. Workers, the lease sweeper and the pool refresher
// run supervised and restart on panic.
func (s *Service) Start(ctx context.Context) {
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	if err := s.refreshPools(ctx); err != nil {
		s.log.Error("initial pool refresh failed", logx.Err(err))
	}

	for i := 0; i < s.cfg.Workers; i++ {
		name := fmt.Sprintf("dispatch.worker.%d", i)
		s.sup.GoRestart(name, s.workerLoop)
	}
	s.sup.GoRestart("dispatch.sweeper", s.sweeperLoop)
	s.sup.GoRestart("dispatch.pools", s.poolLoop)

	s.log.Info("dispatch started", logx.Int("workers", s.cfg.Workers))
}

func (s *Service) Stop(ctx context.Context) {
	if s.sup == nil {
		return
	}
	s.sup.Cancel()
	_ = s.sup.Wait(ctx)
	s.sup = nil
	s.log.Info("dispatch stopped")
}

func (s *Service) workerLoop(ctx context.Context) error {
	for {
		job, err := s.queue.Dequeue(ctx)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Error("dequeue failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		}
		s.handle(ctx, job)
	}
}

// handle runs one claimed job to a decision: sent, nacked, or buried.
// Every dequeue may be a redelivery; the provider dedups on the
// idempotency key, so a repeat here cannot double-send.
func (s *Service) handle(ctx context.Context, job domain.MessageJob) {
	log := s.log.With(logx.String("job", job.ID), logx.String("tenant", job.TenantID))

	suppressed, err := s.store.IsSuppressed(ctx, job.TenantID, job.Address)
	if err != nil {
		log.Error("suppression check failed", logx.Err(err))
		s.nack(ctx, job.ID, "suppression check failed", false, 0)
		return
	}
	if suppressed {
		// Suppression landed after planning. The job must never be sent.
		if err := s.queue.Bury(ctx, job.ID, "address suppressed"); err != nil {
			log.Error("bury failed", logx.Err(err))
			return
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobSuppressed, Data: job.ID})
		}
		log.Info("suppressed job buried")
		return
	}

	if s.brk.TenantPaused(job.TenantID) {
		s.nack(ctx, job.ID, "tenant paused", false, s.cfg.PauseDeferDelay)
		return
	}

	sender, ok := s.pickSender(job)
	if !ok {
		s.nack(ctx, job.ID, "no eligible sender", false, s.cfg.PauseDeferDelay)
		return
	}

	if !s.quota.TryAcquire(job.TenantID, sender, domain.AddressDomain(job.Address)) {
		s.nack(ctx, job.ID, "quota exhausted", false, s.cfg.QuotaDeferDelay)
		return
	}

	sd, err := s.store.GetSender(ctx, sender)
	if err != nil {
		log.Error("sender load failed", logx.String("sender", sender), logx.Err(err))
		s.nack(ctx, job.ID, "sender unavailable", false, 0)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	res, err := s.provider.Send(sendCtx, provider.SendRequest{
		TenantID:       job.TenantID,
		SenderID:       sender,
		FromAddress:    sd.Address,
		ToAddress:      job.Address,
		TemplateID:     job.TemplateID,
		IdempotencyKey: job.IdempotencyKey,
	})
	cancel()

	if err != nil {
		s.handleSendError(ctx, job, sender, err)
		return
	}

	moved, err := s.store.MarkJobSent(ctx, job.ID, res.MessageID)
	if err != nil {
		log.Error("sent mark failed", logx.Err(err))
		return
	}
	if !moved {
		// The lease was swept out from under us mid-send. The provider
		// deduped on the idempotency key, so the redelivery is harmless.
		log.Warn("job already moved past dispatched", logx.String("message", res.MessageID))
		return
	}
	s.brk.Record(job.TenantID, sender, breaker.OutcomeSent)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobSent, Data: job.ID})
	}
	log.Debug("message accepted",
		logx.String("sender", sender),
		logx.String("message", res.MessageID),
	)
}

func (s *Service) handleSendError(ctx context.Context, job domain.MessageJob, sender domain.SenderID, err error) {
	log := s.log.With(logx.String("job", job.ID), logx.String("sender", sender))

	if provider.IsPermanent(err) {
		log.Warn("permanent send failure", logx.Err(err))
		if berr := s.queue.Bury(ctx, job.ID, err.Error()); berr != nil {
			log.Error("bury failed", logx.Err(berr))
		}
		return
	}

	after := provider.RetryAfterOf(err)
	if provider.IsThrottled(err) {
		// 429-class pushback counts toward the deferral window.
		s.brk.Record(job.TenantID, sender, breaker.OutcomeDeferred)
	}
	log.Warn("transient send failure", logx.Duration("retry_after", after), logx.Err(err))
	s.nack(ctx, job.ID, err.Error(), true, after)
}

// pickSender confirms the planned sender is still eligible or rotates to
// a new one. Jobs are planned without a sender; assignment happens here,
// as close to the send as possible.
func (s *Service) pickSender(job domain.MessageJob) (domain.SenderID, bool) {
	if job.SenderID != "" &&
		!s.brk.SenderBlocked(job.SenderID) &&
		s.rotor.Eligible(job.TenantID, job.SenderID) {
		return job.SenderID, true
	}
	return s.rotor.Select(job.TenantID)
}

func (s *Service) nack(ctx context.Context, id domain.JobID, reason string, consume bool, after time.Duration) {
	if err := s.queue.Nack(ctx, id, reason, consume, after); err != nil {
		s.log.Error("nack failed", logx.String("job", id), logx.Err(err))
	}
}

func (s *Service) sweeperLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := s.queue.Sweep(ctx); err != nil {
				s.log.Error("lease sweep failed", logx.Err(err))
			}
		}
	}
}

func (s *Service) poolLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.PoolRefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.refreshPools(ctx); err != nil {
				s.log.Error("pool refresh failed", logx.Err(err))
			}
		}
	}
}

// refreshPools rebuilds every tenant's rotation pool from storage.
// Weight follows live reputation, so a sender the feedback processor
// has been punishing naturally receives less traffic on the next cycle.
func (s *Service) refreshPools(ctx context.Context) error {
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		return err
	}
	for _, t := range tenants {
		s.quota.SetTenantOverride(t.ID, t.QuotaPerMinute)
		senders, err := s.store.SendersForTenant(ctx, t.ID)
		if err != nil {
			return err
		}
		cands := make([]rotor.Candidate, 0, len(senders))
		for _, sd := range senders {
			// Keep the quota controller's warm-up view in sync with the
			// persisted stage (restores state after a restart).
			s.quota.SetWarmupStage(sd.ID, sd.WarmupStage)
			if sd.Health == domain.SenderBlocked || s.brk.SenderBlocked(sd.ID) {
				continue
			}
			if sd.Reputation < s.cfg.MinReputation {
				continue
			}
			w := int(sd.Reputation * 10)
			if w < 1 {
				w = 1
			}
			if sd.Health == domain.SenderDegraded || s.brk.SenderDegraded(sd.ID) {
				w = (w + 1) / 2
			}
			cands = append(cands, rotor.Candidate{ID: sd.ID, Weight: w})
		}
		s.rotor.SetPool(t.ID, cands)
	}
	return nil
}

// AdvanceWarmups moves every sender with a clean recent window one warm-up
// stage up. Invoked on a schedule; a sender with any bounce or complaint
// in its window stays where it is.
func (s *Service) AdvanceWarmups(ctx context.Context) error {
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		return err
	}
	seen := map[domain.SenderID]bool{}
	for _, t := range tenants {
		senders, err := s.store.SendersForTenant(ctx, t.ID)
		if err != nil {
			return err
		}
		for _, sd := range senders {
			if seen[sd.ID] {
				continue
			}
			seen[sd.ID] = true
			if sd.Health != domain.SenderActive || !s.brk.CleanWindow(sd.ID) {
				continue
			}
			stage := s.quota.AdvanceWarmup(sd.ID)
			if stage == sd.WarmupStage {
				continue
			}
			if err := s.store.SetSenderWarmup(ctx, sd.ID, stage); err != nil {
				s.log.Error("warmup persist failed", logx.String("sender", sd.ID), logx.Err(err))
				continue
			}
			s.log.Info("warmup advanced", logx.String("sender", sd.ID), logx.Int("stage", stage))
		}
	}
	return nil
}
