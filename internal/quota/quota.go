// Package quota enforces send-rate budgets per tenant, per sender identity
// and per receiving domain, with warm-up ramps for young senders.
package quota

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dispatchd/internal/domain"
)

type Config struct {
	// Steady-state budgets, sends per minute. Tenants may override their
	// own budget via Tenant.QuotaPerMinute.
	TenantPerMinute int
	SenderPerMinute int
	DomainPerMinute int

	// WarmupFactors scale a sender's effective budget by warm-up stage;
	// the last entry is steady state. Stage advances only while delivery
	// signals stay clean (driven by the breaker, via the dispatch service).
	WarmupFactors []float64

	// ThrottleFloor bounds multiplicative throttling so a sender never
	// reaches an unrecoverable zero budget.
	ThrottleFloor float64
}

func (c Config) withDefaults() Config {
	if c.TenantPerMinute <= 0 {
		c.TenantPerMinute = 600
	}
	if c.SenderPerMinute <= 0 {
		c.SenderPerMinute = 120
	}
	if c.DomainPerMinute <= 0 {
		c.DomainPerMinute = 300
	}
	if len(c.WarmupFactors) == 0 {
		c.WarmupFactors = []float64{0.05, 0.1, 0.25, 0.5, 1.0}
	}
	if c.ThrottleFloor <= 0 {
		c.ThrottleFloor = 0.05
	}
	return c
}

type senderBudget struct {
	lim      *rate.Limiter
	stage    int
	throttle float64
}

// Controller holds one token bucket per tenant, sender and receiving
// domain. All mutation happens under a single mutex so TryAcquire can
// debit the three buckets all-or-nothing.
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	tenants map[domain.TenantID]*rate.Limiter
	tenantO map[domain.TenantID]int // per-minute overrides
	senders map[domain.SenderID]*senderBudget
	domains map[string]*rate.Limiter

	now func() time.Time
}

func New(cfg Config) *Controller {
	return &Controller{
		cfg:     cfg.withDefaults(),
		tenants: map[domain.TenantID]*rate.Limiter{},
		tenantO: map[domain.TenantID]int{},
		senders: map[domain.SenderID]*senderBudget{},
		domains: map[string]*rate.Limiter{},
		now:     time.Now,
	}
}

func newBucket(perMinute int) *rate.Limiter {
	if perMinute < 1 {
		perMinute = 1
	}
	// Bucket capacity equals one minute of budget; refill is continuous.
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
}

// Apply replaces budget defaults at runtime (config reload). Existing
// buckets are rebuilt lazily on next use of SetTenantOverride/warm-up
// recompute; tenant and domain buckets are reset outright.
func (c *Controller) Apply(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg.withDefaults()
	c.tenants = map[domain.TenantID]*rate.Limiter{}
	c.domains = map[string]*rate.Limiter{}
	for _, b := range c.senders {
		c.retuneLocked(b)
	}
}

// SetTenantOverride installs a per-tenant budget (0 removes the override).
// Idempotent: re-applying the current value keeps the live bucket, so
// periodic refreshes do not reset accumulated debits.
func (c *Controller) SetTenantOverride(t domain.TenantID, perMinute int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if perMinute <= 0 {
		if _, ok := c.tenantO[t]; !ok {
			return
		}
		delete(c.tenantO, t)
	} else {
		if c.tenantO[t] == perMinute {
			return
		}
		c.tenantO[t] = perMinute
	}
	delete(c.tenants, t) // rebuild on next acquire
}

func (c *Controller) tenantBucket(t domain.TenantID) *rate.Limiter {
	lim := c.tenants[t]
	if lim == nil {
		per := c.cfg.TenantPerMinute
		if o := c.tenantO[t]; o > 0 {
			per = o
		}
		lim = newBucket(per)
		c.tenants[t] = lim
	}
	return lim
}

func (c *Controller) senderBucket(id domain.SenderID) *senderBudget {
	b := c.senders[id]
	if b == nil {
		b = &senderBudget{throttle: 1}
		b.lim = newBucket(c.effectivePerMinuteLocked(b))
		c.senders[id] = b
	}
	return b
}

func (c *Controller) domainBucket(d string) *rate.Limiter {
	lim := c.domains[d]
	if lim == nil {
		lim = newBucket(c.cfg.DomainPerMinute)
		c.domains[d] = lim
	}
	return lim
}

// TryAcquire atomically debits the tenant, sender and domain budgets.
// Either all three debit or none do; failure means "try again later",
// never an error.
func (c *Controller) TryAcquire(tenant domain.TenantID, sender domain.SenderID, recvDomain string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	rt := c.tenantBucket(tenant).ReserveN(now, 1)
	if !rt.OK() || rt.DelayFrom(now) > 0 {
		rt.CancelAt(now)
		return false
	}
	rs := c.senderBucket(sender).lim.ReserveN(now, 1)
	if !rs.OK() || rs.DelayFrom(now) > 0 {
		rs.CancelAt(now)
		rt.CancelAt(now)
		return false
	}
	rd := c.domainBucket(recvDomain).ReserveN(now, 1)
	if !rd.OK() || rd.DelayFrom(now) > 0 {
		rd.CancelAt(now)
		rs.CancelAt(now)
		rt.CancelAt(now)
		return false
	}
	return true
}

func (c *Controller) effectivePerMinuteLocked(b *senderBudget) int {
	factors := c.cfg.WarmupFactors
	stage := b.stage
	if stage >= len(factors) {
		stage = len(factors) - 1
	}
	f := factors[stage] * b.throttle
	per := int(float64(c.cfg.SenderPerMinute) * f)
	if per < 1 {
		per = 1
	}
	return per
}

func (c *Controller) retuneLocked(b *senderBudget) {
	per := c.effectivePerMinuteLocked(b)
	now := c.now()
	b.lim.SetLimitAt(now, rate.Limit(float64(per)/60.0))
	b.lim.SetBurstAt(now, per)
}

// SetWarmupStage pins a sender to a stage (restore from storage at boot).
func (c *Controller) SetWarmupStage(id domain.SenderID, stage int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.senderBucket(id)
	if stage < 0 {
		stage = 0
	}
	if stage > len(c.cfg.WarmupFactors)-1 {
		stage = len(c.cfg.WarmupFactors) - 1
	}
	if b.stage == stage {
		return
	}
	b.stage = stage
	c.retuneLocked(b)
}

// AdvanceWarmup moves a sender one stage up and returns the new stage.
// Calling at steady state is a no-op.
func (c *Controller) AdvanceWarmup(id domain.SenderID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.senderBucket(id)
	if b.stage < len(c.cfg.WarmupFactors)-1 {
		b.stage++
		c.retuneLocked(b)
	}
	return b.stage
}

// RegressWarmup drops a sender one stage after a bad delivery signal.
func (c *Controller) RegressWarmup(id domain.SenderID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.senderBucket(id)
	if b.stage > 0 {
		b.stage--
		c.retuneLocked(b)
	}
	return b.stage
}

// Throttle multiplicatively reduces a sender's effective budget (circuit
// breaker response to rising deferrals). Bounded below by ThrottleFloor.
func (c *Controller) Throttle(id domain.SenderID, factor float64) {
	if factor <= 0 || factor >= 1 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.senderBucket(id)
	b.throttle *= factor
	if b.throttle < c.cfg.ThrottleFloor {
		b.throttle = c.cfg.ThrottleFloor
	}
	c.retuneLocked(b)
}

// ResetThrottle restores a sender's full budget once deferrals subside.
func (c *Controller) ResetThrottle(id domain.SenderID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.senderBucket(id)
	if b.throttle != 1 {
		b.throttle = 1
		c.retuneLocked(b)
	}
}

// SenderState reports a sender's current warm-up stage and throttle for
// diagnostics and persistence.
func (c *Controller) SenderState(id domain.SenderID) (stage int, throttle float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.senderBucket(id)
	return b.stage, b.throttle
}
