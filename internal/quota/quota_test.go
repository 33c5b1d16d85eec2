package quota

import (
	"testing"
	"time"
)

func TestTryAcquireAllOrNothing(t *testing.T) {
	c := New(Config{
		TenantPerMinute: 100,
		SenderPerMinute: 2,
		DomainPerMinute: 1,
	})

	if !c.TryAcquire("t1", "s1", "d1.com") {
		t.Fatal("first acquire should succeed")
	}
	// d1.com is exhausted: the whole acquisition must fail and must leave
	// the tenant and sender buckets untouched.
	if c.TryAcquire("t1", "s1", "d1.com") {
		t.Fatal("domain budget exhausted, acquire should fail")
	}
	// Sender still has exactly one token left; a fresh domain succeeds.
	if !c.TryAcquire("t1", "s1", "d2.com") {
		t.Fatal("failed acquisition must not debit the sender bucket")
	}
	// Now the sender is genuinely exhausted.
	if c.TryAcquire("t1", "s1", "d3.com") {
		t.Fatal("sender budget exhausted, acquire should fail")
	}
}

func TestTenantIsolation(t *testing.T) {
	c := New(Config{
		TenantPerMinute: 1,
		SenderPerMinute: 100,
		DomainPerMinute: 100,
	})

	if !c.TryAcquire("t1", "s1", "d.com") {
		t.Fatal("t1 first acquire should succeed")
	}
	if c.TryAcquire("t1", "s2", "d2.com") {
		t.Fatal("t1 budget exhausted")
	}
	// Another tenant's budget is unaffected.
	if !c.TryAcquire("t2", "s3", "d3.com") {
		t.Fatal("t2 must not be affected by t1 exhaustion")
	}
}

func TestTenantOverride(t *testing.T) {
	c := New(Config{TenantPerMinute: 1, SenderPerMinute: 100, DomainPerMinute: 100})
	c.SetTenantOverride("vip", 3)

	for i := 0; i < 3; i++ {
		if !c.TryAcquire("vip", "s1", "d.com") {
			t.Fatalf("acquire %d within override budget should succeed", i)
		}
	}
	if c.TryAcquire("vip", "s1", "d.com") {
		t.Fatal("override budget exhausted")
	}
}

func TestWarmupScalesSenderBudget(t *testing.T) {
	c := New(Config{
		TenantPerMinute: 10000,
		SenderPerMinute: 100,
		DomainPerMinute: 10000,
		WarmupFactors:   []float64{0.05, 1.0},
	})
	current := time.Now()
	c.now = func() time.Time { return current }
	c.SetWarmupStage("s1", 0)

	// Stage 0: 5% of 100 = 5 sends in the bucket.
	for i := 0; i < 5; i++ {
		if !c.TryAcquire("t1", "s1", "d.com") {
			t.Fatalf("warm-up acquire %d should succeed", i)
		}
	}
	if c.TryAcquire("t1", "s1", "d.com") {
		t.Fatal("warm-up budget exhausted at stage 0")
	}

	if stage := c.AdvanceWarmup("s1"); stage != 1 {
		t.Fatalf("expected stage 1, got %d", stage)
	}
	// Let the full-rate bucket refill.
	current = current.Add(time.Minute)
	for i := 0; i < 20; i++ {
		if !c.TryAcquire("t1", "s1", "d.com") {
			t.Fatalf("steady-state acquire %d should succeed", i)
		}
	}

	// Advancing at steady state is a no-op.
	if stage := c.AdvanceWarmup("s1"); stage != 1 {
		t.Fatalf("advance at steady state moved to %d", stage)
	}
	if stage := c.RegressWarmup("s1"); stage != 0 {
		t.Fatalf("regress should drop to 0, got %d", stage)
	}
}

func TestThrottleFloor(t *testing.T) {
	c := New(Config{SenderPerMinute: 100, ThrottleFloor: 0.1})
	for i := 0; i < 10; i++ {
		c.Throttle("s1", 0.5)
	}
	_, throttle := c.SenderState("s1")
	if throttle < 0.1 {
		t.Fatalf("throttle fell through the floor: %f", throttle)
	}
	c.ResetThrottle("s1")
	if _, th := c.SenderState("s1"); th != 1 {
		t.Fatalf("reset throttle = %f, want 1", th)
	}
}

func TestThrottleIgnoresBadFactors(t *testing.T) {
	c := New(Config{SenderPerMinute: 100})
	c.Throttle("s1", 0)
	c.Throttle("s1", 1.5)
	if _, th := c.SenderState("s1"); th != 1 {
		t.Fatalf("bad factors must be ignored, throttle = %f", th)
	}
}
