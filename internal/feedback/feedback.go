// Package feedback ingests asynchronous delivery events from the provider
// and feeds the quota, breaker and suppression state that shapes future
// dispatch decisions. Event application is idempotent (keyed by event id)
// and ordering-independent.
package feedback

import (
	"context"
	"errors"

	"dispatchd/internal/breaker"
	"dispatchd/internal/domain"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/queue"
	"dispatchd/internal/storage"
	rtsup "dispatchd/internal/runtime/supervisor"
	"dispatchd/pkg/logx"
)

// Source is the inbound feedback channel. Delivery is unordered relative
// to send completion and not exactly-once; the processor deduplicates.
type Source interface {
	Events() <-chan domain.DeliveryEvent
}

// Reputation multipliers. The processor is the only writer of sender
// reputation; everything else reads it.
const (
	repDeliveredGain   = 0.02
	repBounceFactor    = 0.90
	repComplaintFactor = 0.70
)

type Processor struct {
	store *storage.Store
	queue *queue.Service
	brk   *breaker.Breaker
	bus   eventbus.Bus
	log   logx.Logger

	src Source
	sup *rtsup.Supervisor
}

func New(store *storage.Store, q *queue.Service, brk *breaker.Breaker, src Source, bus eventbus.Bus, log logx.Logger) *Processor {
	return &Processor{
		store: store,
		queue: q,
		brk:   brk,
		bus:   bus,
		log:   log.With(logx.String("comp", "feedback")),
		src:   src,
	}
}

func (p *Processor) Start(ctx context.Context) {
	if p.sup != nil {
		return
	}
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log))
	p.sup.GoRestart("feedback.loop", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return c.Err()
			case ev, ok := <-p.src.Events():
				if !ok {
					return errors.New("feedback source closed")
				}
				p.Handle(c, ev)
			}
		}
	})
	p.log.Info("feedback processor started")
}

func (p *Processor) Stop(ctx context.Context) {
	if p.sup == nil {
		return
	}
	p.sup.Cancel()
	_ = p.sup.Wait(ctx)
	p.sup = nil
	p.log.Info("feedback processor stopped")
}

// Handle applies one delivery event. Safe to call with duplicates and in
// any order; the append-only event log is the dedup gate.
func (p *Processor) Handle(ctx context.Context, ev domain.DeliveryEvent) {
	inserted, err := p.store.InsertDeliveryEvent(ctx, ev)
	if err != nil {
		p.log.Error("event record failed", logx.String("event", ev.ID), logx.Err(err))
		return
	}
	if !inserted {
		p.log.Debug("duplicate event ignored", logx.String("event", ev.ID))
		return
	}

	job, err := p.store.JobByProviderMessage(ctx, ev.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		// Feedback can outrun the job's sent mark under at-least-once
		// delivery; the event stays recorded, the job catches up on a
		// later event for the same message.
		p.log.Warn("event references unknown message", logx.String("event", ev.ID), logx.String("message", ev.MessageID))
		return
	}
	if err != nil {
		p.log.Error("job lookup failed", logx.String("event", ev.ID), logx.Err(err))
		return
	}

	switch ev.Type {
	case domain.EventSent:
		// Acceptance echo; the worker already advanced the job.
	case domain.EventDelivered:
		p.transition(ctx, job, domain.JobDelivered)
		p.adjustReputation(ctx, job.SenderID, func(r float64) float64 {
			return r + (1-r)*repDeliveredGain
		})
	case domain.EventBounce:
		p.transition(ctx, job, domain.JobBounced)
		p.brk.Record(job.TenantID, job.SenderID, breaker.OutcomeBounce)
		p.adjustReputation(ctx, job.SenderID, func(r float64) float64 { return r * repBounceFactor })
	case domain.EventComplaint:
		p.transition(ctx, job, domain.JobComplained)
		p.suppress(ctx, job)
		p.brk.Record(job.TenantID, job.SenderID, breaker.OutcomeComplaint)
		p.adjustReputation(ctx, job.SenderID, func(r float64) float64 { return r * repComplaintFactor })
	case domain.EventDeferred:
		if moved := p.transition(ctx, job, domain.JobDeferred); moved {
			// Back into the queue with backoff; this consumes a retry.
			if err := p.queue.Nack(ctx, job.ID, "provider deferred", true, 0); err != nil {
				p.log.Error("deferred requeue failed", logx.String("job", job.ID), logx.Err(err))
			}
		}
		p.brk.Record(job.TenantID, job.SenderID, breaker.OutcomeDeferred)
	default:
		p.log.Warn("unknown event type", logx.String("event", ev.ID), logx.String("type", string(ev.Type)))
	}
}

func (p *Processor) transition(ctx context.Context, job domain.MessageJob, to domain.JobStatus) bool {
	moved, err := p.store.UpdateJobStatus(ctx, job.ID, domain.JobSent, to)
	if err != nil {
		p.log.Error("status update failed",
			logx.String("job", job.ID),
			logx.String("to", string(to)),
			logx.Err(err),
		)
		return false
	}
	if !moved {
		// A competing event already settled the job; events are unordered.
		p.log.Debug("status already settled", logx.String("job", job.ID), logx.String("to", string(to)))
	}
	return moved
}

func (p *Processor) suppress(ctx context.Context, job domain.MessageJob) {
	inserted, err := p.store.Suppress(ctx, domain.SuppressionEntry{
		TenantID: job.TenantID,
		Address:  job.Address,
		Reason:   "complaint",
	})
	if err != nil {
		p.log.Error("suppression append failed", logx.String("job", job.ID), logx.Err(err))
		return
	}
	if inserted {
		p.log.Info("lead suppressed after complaint",
			logx.String("tenant", job.TenantID),
			logx.String("lead", job.LeadID),
		)
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.TypeJobSuppressed, Data: job.ID})
		}
	}
}

func (p *Processor) adjustReputation(ctx context.Context, id domain.SenderID, f func(float64) float64) {
	sd, err := p.store.GetSender(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			p.log.Error("sender load failed", logx.String("sender", id), logx.Err(err))
		}
		return
	}
	if err := p.store.SetSenderReputation(ctx, id, f(sd.Reputation)); err != nil {
		p.log.Error("reputation update failed", logx.String("sender", id), logx.Err(err))
	}
}
