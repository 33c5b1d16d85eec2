package app

import (
	"time"

	"dispatchd/internal/breaker"
	"dispatchd/internal/config"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/planner"
	"dispatchd/internal/queue"
	"dispatchd/internal/quota"
)

// runtimeConfig is the fully parsed form of config.Config: duration
// strings resolved, component defaults left to the components themselves.
type runtimeConfig struct {
	busyTimeout time.Duration

	queue    queue.Config
	quota    quota.Config
	breaker  breaker.Config
	dispatch dispatch.Config
	planner  planner.Config
}

// buildRuntime validates and converts a raw config. Used both as the
// manager's pre-publish validator and as the mapping at startup/apply, so
// a config that validates always applies.
func buildRuntime(c *config.Config) (runtimeConfig, error) {
	var rt runtimeConfig
	var err error

	if rt.busyTimeout, err = config.ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return rt, err
	}

	q := &rt.queue
	if q.Lease, err = config.ParseDurationField("queue.lease", c.Queue.Lease); err != nil {
		return rt, err
	}
	if q.RetryBase, err = config.ParseDurationField("queue.retry_base", c.Queue.RetryBase); err != nil {
		return rt, err
	}
	if q.RetryMaxDelay, err = config.ParseDurationField("queue.retry_max_delay", c.Queue.RetryMaxDelay); err != nil {
		return rt, err
	}
	if q.DeferDelay, err = config.ParseDurationField("queue.defer_delay", c.Queue.DeferDelay); err != nil {
		return rt, err
	}
	q.MaxAttempts = c.Queue.MaxAttempts
	q.RetryJitter = c.Queue.RetryJitter
	q.DLQAlertDepth = c.Queue.DLQAlertDepth

	rt.quota = quota.Config{
		TenantPerMinute: c.Quota.TenantPerMinute,
		SenderPerMinute: c.Quota.SenderPerMinute,
		DomainPerMinute: c.Quota.DomainPerMinute,
		WarmupFactors:   c.Quota.WarmupFactors,
		ThrottleFloor:   c.Quota.ThrottleFloor,
	}

	rt.breaker = breaker.Config{
		Window:             c.Breaker.Window,
		BounceRate:         c.Breaker.BounceRate,
		MinBounceSample:    c.Breaker.MinBounceSample,
		ComplaintRate:      c.Breaker.ComplaintRate,
		MinComplaintSample: c.Breaker.MinComplaintSample,
		DeferredRate:       c.Breaker.DeferredRate,
		ThrottleFactor:     c.Breaker.ThrottleFactor,
		SenderBounceRate:   c.Breaker.SenderBounceRate,
	}

	d := &rt.dispatch
	if d.PollInterval, err = config.ParseDurationField("dispatch.poll_interval", c.Dispatch.PollInterval); err != nil {
		return rt, err
	}
	if d.SendTimeout, err = config.ParseDurationField("dispatch.send_timeout", c.Dispatch.SendTimeout); err != nil {
		return rt, err
	}
	if d.SweepInterval, err = config.ParseDurationField("dispatch.sweep_interval", c.Dispatch.SweepInterval); err != nil {
		return rt, err
	}
	if d.PoolRefreshInterval, err = config.ParseDurationField("dispatch.pool_refresh_interval", c.Dispatch.PoolRefreshInterval); err != nil {
		return rt, err
	}
	if d.QuotaDeferDelay, err = config.ParseDurationField("dispatch.quota_defer_delay", c.Dispatch.QuotaDeferDelay); err != nil {
		return rt, err
	}
	if d.PauseDeferDelay, err = config.ParseDurationField("dispatch.pause_defer_delay", c.Dispatch.PauseDeferDelay); err != nil {
		return rt, err
	}
	d.Workers = c.Dispatch.Workers
	d.MinReputation = c.Dispatch.MinReputation

	p := &rt.planner
	if p.Jitter, err = config.ParseDurationField("planner.jitter", c.Planner.Jitter); err != nil {
		return rt, err
	}
	if p.LookAhead, err = config.ParseDurationField("planner.look_ahead", c.Planner.LookAhead); err != nil {
		return rt, err
	}

	return rt, nil
}
