// Package scheduler fires the engine's periodic triggers: campaign wave
// planning and sender warm-up advancement. It is trigger-only; the work
// itself runs in the invoked components.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dispatchd/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string
}

type Job func(ctx context.Context) error

type def struct {
	name string
	spec string
	job  Job
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	defs   []def

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers a named trigger. Specs accept cron expressions
// ("*/5 * * * *", "@hourly", "@every 55m") or plain Go durations ("55m"),
// which are normalized to "@every". Registration before Start is the
// normal path; Add after Start schedules immediately.
func (s *Service) Add(name, spec string, job Job) error {
	norm, err := s.normalize(spec)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d := def{name: name, spec: norm, job: job}
	s.defs = append(s.defs, d)
	if s.c != nil {
		return s.scheduleLocked(d)
	}
	return nil
}

func (s *Service) normalize(spec string) (string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", fmt.Errorf("schedule required")
	}
	if !strings.ContainsAny(spec, " \t") && !strings.HasPrefix(spec, "@") {
		d, err := time.ParseDuration(spec)
		if err != nil || d <= 0 {
			return "", fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *' or a duration like '55m')", spec)
		}
		spec = "@every " + d.String()
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return "", err
	}
	return spec, nil
}

func (s *Service) scheduleLocked(d def) error {
	_, err := s.c.AddFunc(d.spec, func() { s.run(d) })
	return err
}

func (s *Service) run(d def) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("trigger panicked", logx.String("trigger", d.name), logx.Any("panic", r))
		}
	}()
	start := time.Now()
	if err := d.job(ctx); err != nil {
		s.log.Warn("trigger failed", logx.String("trigger", d.name), logx.Err(err))
		return
	}
	s.log.Debug("trigger ran", logx.String("trigger", d.name), logx.Duration("took", time.Since(start)))
}

// Start is idempotent and a no-op while disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	s.loc = loc
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.defs {
		if err := s.scheduleLocked(d); err != nil {
			s.log.Error("trigger registration failed", logx.String("trigger", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("triggers", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.ctx, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("scheduler stopped")
}
