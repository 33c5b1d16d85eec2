package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	Queue    QueueConfig    `json:"queue"`
	Quota    QuotaConfig    `json:"quota"`
	Breaker  BreakerConfig  `json:"breaker"`
	Dispatch DispatchConfig `json:"dispatch"`
	Planner  PlannerConfig  `json:"planner"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Alert     *AlertConfig    `json:"alert,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy handler).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// QueueConfig controls leasing, retries and the dead-letter queue.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type QueueConfig struct {
	Lease         string  `json:"lease,omitempty"`
	MaxAttempts   int     `json:"max_attempts,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
	DeferDelay    string  `json:"defer_delay,omitempty"`
	DLQAlertDepth int     `json:"dlq_alert_depth,omitempty"`
}

// QuotaConfig sets the steady-state per-minute budgets. Warm-up factors
// scale the sender budget by stage; the last factor should be 1.0.
type QuotaConfig struct {
	TenantPerMinute int       `json:"tenant_per_minute,omitempty"`
	SenderPerMinute int       `json:"sender_per_minute,omitempty"`
	DomainPerMinute int       `json:"domain_per_minute,omitempty"`
	WarmupFactors   []float64 `json:"warmup_factors,omitempty"`
	ThrottleFloor   float64   `json:"throttle_floor,omitempty"`
}

type BreakerConfig struct {
	Window             int     `json:"window,omitempty"`
	BounceRate         float64 `json:"bounce_rate,omitempty"`
	MinBounceSample    int     `json:"min_bounce_sample,omitempty"`
	ComplaintRate      float64 `json:"complaint_rate,omitempty"`
	MinComplaintSample int     `json:"min_complaint_sample,omitempty"`
	DeferredRate       float64 `json:"deferred_rate,omitempty"`
	ThrottleFactor     float64 `json:"throttle_factor,omitempty"`
	SenderBounceRate   float64 `json:"sender_bounce_rate,omitempty"`
}

type DispatchConfig struct {
	Workers             int     `json:"workers,omitempty"`
	PollInterval        string  `json:"poll_interval,omitempty"`
	SendTimeout         string  `json:"send_timeout,omitempty"`
	SweepInterval       string  `json:"sweep_interval,omitempty"`
	PoolRefreshInterval string  `json:"pool_refresh_interval,omitempty"`
	QuotaDeferDelay     string  `json:"quota_defer_delay,omitempty"`
	PauseDeferDelay     string  `json:"pause_defer_delay,omitempty"`
	MinReputation       float64 `json:"min_reputation,omitempty"`
}

type PlannerConfig struct {
	Jitter    string `json:"jitter,omitempty"`
	LookAhead string `json:"look_ahead,omitempty"`
}

// SchedulerConfig controls the cron triggers. WaveSpec plans campaign
// waves; WarmupSpec advances sender warm-up. Specs accept standard cron
// expressions or "@every <duration>".
type SchedulerConfig struct {
	Enabled    bool   `json:"enabled"`
	Timezone   string `json:"timezone,omitempty"`
	WaveSpec   string `json:"wave_spec,omitempty"`
	WarmupSpec string `json:"warmup_spec,omitempty"`
}

// AlertConfig controls the operational alert sink. Disabled entirely when
// the section is omitted or the token is empty.
type AlertConfig struct {
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}
