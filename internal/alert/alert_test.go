package alert

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/queue"
	"dispatchd/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := what.(string); ok {
		f.sent = append(f.sent, s)
	}
	return &tele.Message{}, nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestNilServiceIsNoop(t *testing.T) {
	svc, err := New(Config{}, eventbus.New(), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if svc != nil {
		t.Fatal("empty token must yield a nil no-op service")
	}
	svc.Start(context.Background())
	svc.Stop(context.Background())
}

func TestAlertsForwarded(t *testing.T) {
	bus := eventbus.New()
	fake := &fakeSender{}
	svc := newWithSender(Config{ChatID: 1, RatePerSec: 100}, bus, logx.Nop(), fake)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.TypeTenantPaused, Data: "t1"})
	bus.Publish(eventbus.Event{Type: eventbus.TypeSenderBlocked, Data: "snd1"})
	bus.Publish(eventbus.Event{Type: eventbus.TypeDLQThreshold, Data: queue.DepthEvent{Depth: 120, Threshold: 100}})
	// Routine traffic must not alert.
	bus.Publish(eventbus.Event{Type: eventbus.TypeJobSent, Data: "j1"})

	deadline := time.Now().Add(2 * time.Second)
	for len(fake.messages()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("got %d alerts, want 3: %v", len(fake.messages()), fake.messages())
		}
		time.Sleep(5 * time.Millisecond)
	}

	msgs := fake.messages()
	if len(msgs) != 3 {
		t.Fatalf("got %d alerts, want 3: %v", len(msgs), msgs)
	}
	if !strings.Contains(msgs[0], "t1") {
		t.Errorf("pause alert missing tenant: %q", msgs[0])
	}
	if !strings.Contains(msgs[2], "120") {
		t.Errorf("dlq alert missing depth: %q", msgs[2])
	}
}

func TestRateLimitDropsExcess(t *testing.T) {
	bus := eventbus.New()
	fake := &fakeSender{}
	svc := newWithSender(Config{ChatID: 1, RatePerSec: 1}, bus, logx.Nop(), fake)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	for i := 0; i < 20; i++ {
		bus.Publish(eventbus.Event{Type: eventbus.TypeTenantPaused, Data: "t1"})
	}
	time.Sleep(100 * time.Millisecond)
	if n := len(fake.messages()); n > 2 {
		t.Fatalf("rate limit leaked: %d alerts for burst of 20", n)
	}
}
