// Package alert pushes operational events (tenant paused, sender blocked,
// DLQ growth) to a Telegram chat. One-way and fire-and-forget: a dropped
// alert never blocks or fails the engine.
package alert

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/queue"
	rtsup "dispatchd/internal/runtime/supervisor"
	"dispatchd/pkg/logx"
)

type Config struct {
	Token      string
	ChatID     int64
	RatePerSec int
}

// sender abstracts the telebot client so tests don't need network access.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Service struct {
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	send sender
	lim  *rate.Limiter

	sup *rtsup.Supervisor
}

// New returns nil when no token is configured; a nil *Service is a valid
// no-op sink (Start and Stop are nil-safe).
func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, nil
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("alert bot init: %w", err)
	}
	return newWithSender(cfg, bus, log, b), nil
}

func newWithSender(cfg Config, bus eventbus.Bus, log logx.Logger, s sender) *Service {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	return &Service{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "alert")),
		bus:  bus,
		send: s,
		lim:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

func (s *Service) Start(ctx context.Context) {
	if s == nil || s.sup != nil {
		return
	}
	ch, unsub := s.bus.Subscribe(64)
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.Go("alert.loop", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case ev, ok := <-ch:
				if !ok {
					return nil
				}
				s.handle(ev)
			}
		}
	})
	s.log.Info("alert sink started", logx.Int64("chat", s.cfg.ChatID))
}

func (s *Service) Stop(ctx context.Context) {
	if s == nil || s.sup == nil {
		return
	}
	s.sup.Cancel()
	_ = s.sup.Wait(ctx)
	s.sup = nil
}

func (s *Service) handle(ev eventbus.Event) {
	msg := format(ev)
	if msg == "" {
		return
	}
	// Telegram pushback protection; excess alerts are dropped, not queued.
	if !s.lim.Allow() {
		s.log.Debug("alert dropped by rate limit", logx.String("type", ev.Type))
		return
	}
	if _, err := s.send.Send(tele.ChatID(s.cfg.ChatID), msg); err != nil {
		s.log.Warn("alert send failed", logx.String("type", ev.Type), logx.Err(err))
	}
}

func format(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.TypeTenantPaused:
		return fmt.Sprintf("⏸ tenant %v paused by circuit breaker", ev.Data)
	case eventbus.TypeTenantResumed:
		return fmt.Sprintf("▶️ tenant %v resumed", ev.Data)
	case eventbus.TypeSenderBlocked:
		return fmt.Sprintf("🚫 sender %v blocked (complaint)", ev.Data)
	case eventbus.TypeDLQThreshold:
		if d, ok := ev.Data.(queue.DepthEvent); ok {
			return fmt.Sprintf("⚠️ dead-letter queue depth %d (threshold %d)", d.Depth, d.Threshold)
		}
		return fmt.Sprintf("⚠️ dead-letter queue above threshold: %v", ev.Data)
	default:
		return ""
	}
}
