// Package planner expands campaigns into message jobs. It never sends
// anything itself: its only side effect is enqueueing jobs, and thanks
// to deterministic idempotency keys the same wave can be planned any
// number of times without duplicating work.
package planner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/domain"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/queue"
	"dispatchd/internal/storage"
	"dispatchd/pkg/logx"
)

// addressRe is a syntactic gate only. Deliverability is the provider's
// problem; this stops obviously broken input before it burns an attempt.
var addressRe = regexp.MustCompile(`^[^@\s]+@([A-Za-z0-9-]+\.)+[A-Za-z]{2,63}$`)

// ValidAddress reports whether the address is syntactically plausible.
func ValidAddress(address string) bool {
	return len(address) <= 254 && addressRe.MatchString(address)
}

type Config struct {
	// Jitter bounds the random spread added to each job's scheduled
	// time so a wave does not land as one synchronized burst.
	Jitter time.Duration

	// LookAhead is how far past "now" a step may be due and still be
	// planned in this wave. Jobs stay gated by scheduled_at in the
	// queue, so planning ahead is safe.
	LookAhead time.Duration
}

func (c *Config) setDefaults() {
	if c.Jitter <= 0 {
		c.Jitter = 2 * time.Minute
	}
	if c.LookAhead <= 0 {
		c.LookAhead = 5 * time.Minute
	}
}

// Report summarizes one planning wave.
type Report struct {
	CampaignID domain.CampaignID
	Planned    int // jobs newly enqueued
	Duplicates int // (lead, step) pairs already planned earlier
	Suppressed int // leads skipped by the suppression list
	Invalid    int // leads skipped for malformed addresses
	NotDue     int // (lead, step) pairs outside the look-ahead window
}

type Planner struct {
	cfg   Config
	store *storage.Store
	queue *queue.Service
	bus   eventbus.Bus
	log   logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	nowOverride func() time.Time
}

func New(cfg Config, store *storage.Store, q *queue.Service, bus eventbus.Bus, log logx.Logger) *Planner {
	cfg.setDefaults()
	return &Planner{
		cfg:   cfg,
		store: store,
		queue: q,
		bus:   bus,
		log:   log.With(logx.String("comp", "planner")),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *Planner) now() time.Time {
	if p.nowOverride != nil {
		return p.nowOverride()
	}
	return time.Now()
}

// PlanWave expands every due (lead, step) pair of the campaign into a
// queued job. Validation failures are reported to the caller and never
// retried; a partially validated campaign plans nothing.
func (p *Planner) PlanWave(ctx context.Context, id domain.CampaignID) (Report, error) {
	rep := Report{CampaignID: id}

	camp, err := p.store.GetCampaign(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return rep, fmt.Errorf("campaign %s: %w", id, err)
	}
	if err != nil {
		return rep, fmt.Errorf("load campaign %s: %w", id, err)
	}
	if camp.Status != domain.CampaignActive {
		return rep, fmt.Errorf("campaign %s is %s, not active", id, camp.Status)
	}
	if _, err := p.store.GetTenant(ctx, camp.TenantID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return rep, fmt.Errorf("campaign %s references unknown tenant %s", id, camp.TenantID)
		}
		return rep, fmt.Errorf("load tenant %s: %w", camp.TenantID, err)
	}
	if len(camp.Steps) == 0 {
		return rep, fmt.Errorf("campaign %s has no steps", id)
	}
	for _, st := range camp.Steps {
		if st.TemplateID == "" {
			return rep, fmt.Errorf("campaign %s step %s references no template", id, st.ID)
		}
	}

	leads, err := p.store.CampaignLeads(ctx, id)
	if err != nil {
		return rep, fmt.Errorf("load campaign %s leads: %w", id, err)
	}

	now := p.now()
	horizon := now.Add(p.cfg.LookAhead)
	for _, lead := range leads {
		skip, kind, err := p.skipLead(ctx, camp.TenantID, lead)
		if err != nil {
			return rep, err
		}
		if skip {
			switch kind {
			case "suppressed":
				rep.Suppressed++
			case "invalid":
				rep.Invalid++
			}
			continue
		}

		for _, st := range camp.Steps {
			due := camp.StartAt.Add(st.Offset)
			if due.After(horizon) {
				rep.NotDue++
				continue
			}
			job := domain.MessageJob{
				ID:             uuid.NewString(),
				TenantID:       camp.TenantID,
				CampaignID:     camp.ID,
				LeadID:         lead.ID,
				StepID:         st.ID,
				TemplateID:     st.TemplateID,
				Address:        lead.Address,
				IdempotencyKey: domain.IdempotencyKey(camp.TenantID, lead.ID, st.ID),
				ScheduledAt:    p.jittered(due, now),
			}
			switch err := p.queue.Enqueue(ctx, job); {
			case errors.Is(err, queue.ErrDuplicate):
				rep.Duplicates++
			case err != nil:
				return rep, fmt.Errorf("enqueue job for lead %s step %s: %w", lead.ID, st.ID, err)
			default:
				rep.Planned++
				if p.bus != nil {
					p.bus.Publish(eventbus.Event{Type: eventbus.TypeJobPlanned, Data: job.ID})
				}
			}
		}
	}

	p.log.Info("wave planned",
		logx.String("campaign", id),
		logx.Int("planned", rep.Planned),
		logx.Int("duplicates", rep.Duplicates),
		logx.Int("suppressed", rep.Suppressed),
		logx.Int("invalid", rep.Invalid),
	)
	if p.bus != nil && rep.Planned > 0 {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeWaveFinished, Data: rep})
	}
	return rep, nil
}

// PlanAll runs a wave for every active campaign. Scheduler entry point.
func (p *Planner) PlanAll(ctx context.Context) error {
	ids, err := p.store.ListActiveCampaigns(ctx)
	if err != nil {
		return fmt.Errorf("list active campaigns: %w", err)
	}
	var firstErr error
	for _, id := range ids {
		if _, err := p.PlanWave(ctx, id); err != nil {
			p.log.Error("wave failed", logx.String("campaign", id), logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *Planner) skipLead(ctx context.Context, tenant domain.TenantID, lead domain.Lead) (bool, string, error) {
	if lead.Suppressed {
		return true, "suppressed", nil
	}
	if !ValidAddress(lead.Address) {
		return true, "invalid", nil
	}
	sup, err := p.store.IsSuppressed(ctx, tenant, lead.Address)
	if err != nil {
		return false, "", fmt.Errorf("suppression check for lead %s: %w", lead.ID, err)
	}
	if sup {
		return true, "suppressed", nil
	}
	return false, "", nil
}

// jittered spreads the due time forward by up to Jitter. Past-due steps
// are planned from now so a late wave still spreads out.
func (p *Planner) jittered(due, now time.Time) time.Time {
	base := due
	if base.Before(now) {
		base = now
	}
	p.rngMu.Lock()
	d := time.Duration(p.rng.Int63n(int64(p.cfg.Jitter)))
	p.rngMu.Unlock()
	return base.Add(d)
}
