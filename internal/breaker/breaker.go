// Package breaker consumes delivery feedback and flips tenant/sender
// health flags. All rule effects are set-not-increment: re-evaluating the
// same window snapshot never double-applies an effect.
package breaker

import (
	"sync"

	"dispatchd/internal/domain"
)

type Config struct {
	// Window is the number of most recent sends considered per key.
	Window int

	// BounceRate above this over a tenant's window pauses the tenant's
	// campaigns (in-flight jobs still drain; no new dispatch).
	BounceRate float64
	// MinBounceSample avoids pausing a tenant off a handful of sends.
	MinBounceSample int

	// ComplaintRate above this blocks the sender identity outright.
	ComplaintRate float64
	// MinComplaintSample is the floor below which no block is applied;
	// the 0.1% threshold alone would block a sender after one complaint
	// out of very few sends.
	MinComplaintSample int

	// DeferredRate above this throttles the sender's quota budget
	// multiplicatively by ThrottleFactor (does not block).
	DeferredRate   float64
	ThrottleFactor float64

	// SenderBounceRate above this degrades (not blocks) the sender.
	SenderBounceRate float64
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 100
	}
	if c.BounceRate <= 0 {
		c.BounceRate = 0.05
	}
	if c.MinBounceSample <= 0 {
		c.MinBounceSample = 20
	}
	if c.ComplaintRate <= 0 {
		c.ComplaintRate = 0.001
	}
	if c.MinComplaintSample <= 0 {
		c.MinComplaintSample = 50
	}
	if c.DeferredRate <= 0 {
		c.DeferredRate = 0.3
	}
	if c.ThrottleFactor <= 0 || c.ThrottleFactor >= 1 {
		c.ThrottleFactor = 0.5
	}
	if c.SenderBounceRate <= 0 {
		c.SenderBounceRate = 0.08
	}
	return c
}

// Hooks are invoked (outside the breaker lock) when a rule first trips.
type Hooks struct {
	OnTenantPause    func(t domain.TenantID)
	OnSenderBlock    func(s domain.SenderID)
	OnSenderDegrade  func(s domain.SenderID)
	OnSenderThrottle func(s domain.SenderID, factor float64)
	OnThrottleClear  func(s domain.SenderID)
}

type senderState struct {
	win       *window
	blocked   bool
	degraded  bool
	throttled bool
}

type tenantState struct {
	win    *window
	paused bool // tripped by the bounce rule
}

type Breaker struct {
	mu    sync.Mutex
	cfg   Config
	hooks Hooks

	senders map[domain.SenderID]*senderState
	tenants map[domain.TenantID]*tenantState

	// manual holds operator-initiated tenant pauses, independent of the
	// bounce rule so ResumeTenant can clear both.
	manual map[domain.TenantID]bool
}

func New(cfg Config, hooks Hooks) *Breaker {
	return &Breaker{
		cfg:     cfg.withDefaults(),
		hooks:   hooks,
		senders: map[domain.SenderID]*senderState{},
		tenants: map[domain.TenantID]*tenantState{},
		manual:  map[domain.TenantID]bool{},
	}
}

// Apply swaps thresholds at runtime. Windows and tripped flags survive the
// reload; only the rules change.
func (b *Breaker) Apply(cfg Config) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

func (b *Breaker) senderState(id domain.SenderID) *senderState {
	st := b.senders[id]
	if st == nil {
		st = &senderState{win: newWindow(b.cfg.Window)}
		b.senders[id] = st
	}
	return st
}

func (b *Breaker) tenantState(id domain.TenantID) *tenantState {
	st := b.tenants[id]
	if st == nil {
		st = &tenantState{win: newWindow(b.cfg.Window)}
		b.tenants[id] = st
	}
	return st
}

// Record feeds one outcome into the sender's and tenant's windows and
// evaluates the rules. Hook calls happen after the lock is released.
func (b *Breaker) Record(tenant domain.TenantID, sender domain.SenderID, o Outcome) {
	var fire []func()

	b.mu.Lock()
	ss := b.senderState(sender)
	ts := b.tenantState(tenant)
	ss.win.push(o)
	ts.win.push(o)

	// Tenant bounce rule.
	if !ts.paused &&
		ts.win.total() >= b.cfg.MinBounceSample &&
		ts.win.rate(OutcomeBounce) > b.cfg.BounceRate {
		ts.paused = true
		if h := b.hooks.OnTenantPause; h != nil {
			t := tenant
			fire = append(fire, func() { h(t) })
		}
	}

	// Sender complaint rule, with the minimum-sample floor.
	if !ss.blocked &&
		ss.win.total() >= b.cfg.MinComplaintSample &&
		ss.win.rate(OutcomeComplaint) > b.cfg.ComplaintRate {
		ss.blocked = true
		if h := b.hooks.OnSenderBlock; h != nil {
			s := sender
			fire = append(fire, func() { h(s) })
		}
	}

	// Sender bounce rule: degrade only.
	if !ss.degraded && !ss.blocked &&
		ss.win.total() >= b.cfg.MinBounceSample &&
		ss.win.rate(OutcomeBounce) > b.cfg.SenderBounceRate {
		ss.degraded = true
		if h := b.hooks.OnSenderDegrade; h != nil {
			s := sender
			fire = append(fire, func() { h(s) })
		}
	}

	// Deferred rule: throttle, and clear once the rate subsides.
	defRate := ss.win.rate(OutcomeDeferred)
	switch {
	case !ss.throttled && ss.win.total() >= b.cfg.MinBounceSample && defRate > b.cfg.DeferredRate:
		ss.throttled = true
		if h := b.hooks.OnSenderThrottle; h != nil {
			s, f := sender, b.cfg.ThrottleFactor
			fire = append(fire, func() { h(s, f) })
		}
	case ss.throttled && defRate <= b.cfg.DeferredRate/2:
		ss.throttled = false
		if h := b.hooks.OnThrottleClear; h != nil {
			s := sender
			fire = append(fire, func() { h(s) })
		}
	}
	b.mu.Unlock()

	for _, f := range fire {
		f()
	}
}

// TenantPaused reports whether dispatch for the tenant must stop, whether
// tripped by the bounce rule or paused manually.
func (b *Breaker) TenantPaused(t domain.TenantID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.manual[t] {
		return true
	}
	st := b.tenants[t]
	return st != nil && st.paused
}

func (b *Breaker) SenderBlocked(s domain.SenderID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.senders[s]
	return st != nil && st.blocked
}

func (b *Breaker) SenderDegraded(s domain.SenderID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.senders[s]
	return st != nil && st.degraded
}

// CleanWindow reports whether a sender's recent window is free of bounce
// and complaint signal; warm-up only advances while this holds.
func (b *Breaker) CleanWindow(s domain.SenderID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.senders[s]
	if st == nil || st.win.total() == 0 {
		return false
	}
	return st.win.counts[OutcomeBounce] == 0 && st.win.counts[OutcomeComplaint] == 0
}

// PauseTenant is the manual operator action; idempotent.
func (b *Breaker) PauseTenant(t domain.TenantID) {
	b.mu.Lock()
	b.manual[t] = true
	b.mu.Unlock()
}

// ResumeTenant clears both manual and rule-tripped pauses. The window is
// kept; a still-bouncing tenant will trip again on the next recorded bounce.
func (b *Breaker) ResumeTenant(t domain.TenantID) {
	b.mu.Lock()
	delete(b.manual, t)
	if st := b.tenants[t]; st != nil {
		st.paused = false
	}
	b.mu.Unlock()
}
