package breaker

import (
	"testing"

	"dispatchd/internal/domain"
)

func feed(b *Breaker, tenant domain.TenantID, sender domain.SenderID, o Outcome, n int) {
	for i := 0; i < n; i++ {
		b.Record(tenant, sender, o)
	}
}

func TestBounceRatePausesTenant(t *testing.T) {
	var paused []domain.TenantID
	b := New(Config{Window: 100}, Hooks{
		OnTenantPause: func(tn domain.TenantID) { paused = append(paused, tn) },
	})

	// 94 clean sends + 6 bounces = 6% > 5%.
	feed(b, "t1", "s1", OutcomeSent, 94)
	feed(b, "t1", "s1", OutcomeBounce, 6)

	if !b.TenantPaused("t1") {
		t.Fatal("6% bounce rate over 100 sends must pause the tenant")
	}
	if len(paused) != 1 {
		t.Fatalf("pause hook fired %d times, want exactly 1", len(paused))
	}

	// More bounces must not re-fire the hook (set, not increment).
	feed(b, "t1", "s1", OutcomeBounce, 5)
	if len(paused) != 1 {
		t.Fatalf("pause hook re-fired: %d", len(paused))
	}
}

func TestBounceRateBelowThresholdDoesNotPause(t *testing.T) {
	b := New(Config{Window: 100}, Hooks{})
	feed(b, "t1", "s1", OutcomeSent, 96)
	feed(b, "t1", "s1", OutcomeBounce, 4)
	if b.TenantPaused("t1") {
		t.Fatal("4% bounce rate must not pause the tenant")
	}
}

func TestComplaintBlocksSenderAboveSampleFloor(t *testing.T) {
	var blocked []domain.SenderID
	b := New(Config{Window: 200, MinComplaintSample: 50}, Hooks{
		OnSenderBlock: func(s domain.SenderID) { blocked = append(blocked, s) },
	})

	// One complaint out of 10 sends: rate is way above 0.1% but the
	// sample floor keeps the sender alive.
	feed(b, "t1", "s1", OutcomeSent, 9)
	feed(b, "t1", "s1", OutcomeComplaint, 1)
	if b.SenderBlocked("s1") {
		t.Fatal("block applied below the minimum sample floor")
	}

	// Fill the window past the floor; the complaint is still inside the
	// window, 1/50 > 0.1%.
	feed(b, "t1", "s1", OutcomeSent, 40)
	if !b.SenderBlocked("s1") {
		t.Fatal("complaint rate above threshold past the floor must block")
	}
	if len(blocked) != 1 {
		t.Fatalf("block hook fired %d times, want 1", len(blocked))
	}
}

func TestDeferredRateThrottlesAndRecovers(t *testing.T) {
	var throttles, clears int
	b := New(Config{Window: 20, MinBounceSample: 10, DeferredRate: 0.3, ThrottleFactor: 0.5}, Hooks{
		OnSenderThrottle: func(domain.SenderID, float64) { throttles++ },
		OnThrottleClear:  func(domain.SenderID) { clears++ },
	})

	feed(b, "t1", "s1", OutcomeSent, 10)
	feed(b, "t1", "s1", OutcomeDeferred, 10) // 50% deferred
	if throttles != 1 {
		t.Fatalf("throttle fired %d times, want 1", throttles)
	}

	// Push the window back to clean sends; rate drops under half the
	// threshold and the throttle clears exactly once.
	feed(b, "t1", "s1", OutcomeSent, 20)
	if clears != 1 {
		t.Fatalf("clear fired %d times, want 1", clears)
	}
}

func TestSenderBounceDegrades(t *testing.T) {
	var degraded int
	b := New(Config{Window: 100, SenderBounceRate: 0.08}, Hooks{
		OnSenderDegrade: func(domain.SenderID) { degraded++ },
	})
	feed(b, "t1", "s1", OutcomeSent, 90)
	feed(b, "t1", "s1", OutcomeBounce, 10)
	if !b.SenderDegraded("s1") || degraded != 1 {
		t.Fatalf("expected a single degrade, got degraded=%v hook=%d", b.SenderDegraded("s1"), degraded)
	}
	if b.SenderBlocked("s1") {
		t.Fatal("bounce rule must not block, only degrade")
	}
}

func TestManualPauseResume(t *testing.T) {
	b := New(Config{}, Hooks{})
	b.PauseTenant("t1")
	if !b.TenantPaused("t1") {
		t.Fatal("manual pause not visible")
	}
	b.PauseTenant("t1") // idempotent
	b.ResumeTenant("t1")
	if b.TenantPaused("t1") {
		t.Fatal("resume did not clear the pause")
	}
}

func TestCleanWindow(t *testing.T) {
	b := New(Config{Window: 50}, Hooks{})
	if b.CleanWindow("s1") {
		t.Fatal("empty window is not clean (no data)")
	}
	feed(b, "t1", "s1", OutcomeSent, 10)
	if !b.CleanWindow("s1") {
		t.Fatal("all-sent window should be clean")
	}
	feed(b, "t1", "s1", OutcomeBounce, 1)
	if b.CleanWindow("s1") {
		t.Fatal("window with a bounce is not clean")
	}
}
