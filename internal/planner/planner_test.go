package planner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"dispatchd/internal/domain"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/queue"
	"dispatchd/internal/storage"
	"dispatchd/pkg/logx"
)

func newPlanner(t *testing.T) (*Planner, *storage.Store, *queue.Service) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "p.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	q := queue.New(queue.Config{}, st, logx.Nop(), eventbus.New())
	p := New(Config{Jitter: time.Second, LookAhead: time.Hour}, st, q, eventbus.New(), logx.Nop())
	return p, st, q
}

func seedCampaign(t *testing.T, st *storage.Store, leads ...domain.Lead) domain.Campaign {
	t.Helper()
	ctx := context.Background()
	if err := st.UpsertTenant(ctx, domain.Tenant{ID: "t1", Name: "acme", Status: domain.TenantActive}); err != nil {
		t.Fatal(err)
	}
	camp := domain.Campaign{
		ID: "c1", TenantID: "t1", Name: "launch", Status: domain.CampaignActive,
		StartAt: time.Now().Add(-time.Minute),
		Steps: []domain.CampaignStep{
			{ID: "s1", TemplateID: "tmpl-intro", Offset: 0},
			{ID: "s2", TemplateID: "tmpl-follow", Offset: 30 * time.Second},
		},
	}
	if err := st.UpsertCampaign(ctx, camp); err != nil {
		t.Fatal(err)
	}
	ids := make([]domain.LeadID, 0, len(leads))
	for _, l := range leads {
		if err := st.UpsertLead(ctx, l); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, l.ID)
	}
	if err := st.SetCampaignLeads(ctx, camp.ID, ids); err != nil {
		t.Fatal(err)
	}
	return camp
}

func TestPlanWaveEmitsJobPerLeadStep(t *testing.T) {
	p, st, _ := newPlanner(t)
	seedCampaign(t, st,
		domain.Lead{ID: "l1", TenantID: "t1", Address: "a@example.com"},
		domain.Lead{ID: "l2", TenantID: "t1", Address: "b@example.com"},
	)

	rep, err := p.PlanWave(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Planned != 4 {
		t.Fatalf("planned=%d, want 4 (2 leads x 2 steps)", rep.Planned)
	}
	counts, _ := st.CountJobsByStatus(context.Background())
	if counts[domain.JobQueued] != 4 {
		t.Fatalf("queued=%d, want 4", counts[domain.JobQueued])
	}
}

func TestPlanWaveIsRepeatable(t *testing.T) {
	p, st, _ := newPlanner(t)
	seedCampaign(t, st, domain.Lead{ID: "l1", TenantID: "t1", Address: "a@example.com"})

	ctx := context.Background()
	if _, err := p.PlanWave(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	rep, err := p.PlanWave(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Planned != 0 || rep.Duplicates != 2 {
		t.Fatalf("replan planned=%d duplicates=%d, want 0/2", rep.Planned, rep.Duplicates)
	}
}

func TestSuppressedLeadIsNeverEmitted(t *testing.T) {
	p, st, _ := newPlanner(t)
	seedCampaign(t, st,
		domain.Lead{ID: "l1", TenantID: "t1", Address: "ok@example.com"},
		domain.Lead{ID: "l2", TenantID: "t1", Address: "flagged@example.com", Suppressed: true},
		domain.Lead{ID: "l3", TenantID: "t1", Address: "listed@example.com"},
		domain.Lead{ID: "l4", TenantID: "t1", Address: "global@example.com"},
	)
	ctx := context.Background()
	if _, err := st.Suppress(ctx, domain.SuppressionEntry{TenantID: "t1", Address: "listed@example.com", Reason: "complaint"}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Suppress(ctx, domain.SuppressionEntry{TenantID: domain.GlobalTenant, Address: "global@example.com", Reason: "abuse"}); err != nil {
		t.Fatal(err)
	}

	rep, err := p.PlanWave(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Planned != 2 {
		t.Fatalf("planned=%d, want 2 (one clean lead x 2 steps)", rep.Planned)
	}
	if rep.Suppressed != 3 {
		t.Fatalf("suppressed=%d, want 3", rep.Suppressed)
	}
}

func TestMalformedAddressSkipped(t *testing.T) {
	p, st, _ := newPlanner(t)
	seedCampaign(t, st,
		domain.Lead{ID: "l1", TenantID: "t1", Address: "not-an-address"},
		domain.Lead{ID: "l2", TenantID: "t1", Address: "spaces in@example.com"},
	)

	rep, err := p.PlanWave(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Planned != 0 || rep.Invalid != 2 {
		t.Fatalf("planned=%d invalid=%d, want 0/2", rep.Planned, rep.Invalid)
	}
}

func TestUnknownCampaignFailsFast(t *testing.T) {
	p, _, _ := newPlanner(t)
	if _, err := p.PlanWave(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown campaign")
	}
}

func TestUnknownTenantFailsFast(t *testing.T) {
	p, st, _ := newPlanner(t)
	ctx := context.Background()
	camp := domain.Campaign{
		ID: "c1", TenantID: "ghost", Status: domain.CampaignActive,
		StartAt: time.Now(),
		Steps:   []domain.CampaignStep{{ID: "s1", TemplateID: "t"}},
	}
	if err := st.UpsertCampaign(ctx, camp); err != nil {
		t.Fatal(err)
	}
	if _, err := p.PlanWave(ctx, "c1"); err == nil {
		t.Fatal("expected error for unknown tenant")
	}
}

func TestStepWithoutTemplateFailsFast(t *testing.T) {
	p, st, _ := newPlanner(t)
	ctx := context.Background()
	if err := st.UpsertTenant(ctx, domain.Tenant{ID: "t1", Status: domain.TenantActive}); err != nil {
		t.Fatal(err)
	}
	camp := domain.Campaign{
		ID: "c1", TenantID: "t1", Status: domain.CampaignActive,
		StartAt: time.Now(),
		Steps:   []domain.CampaignStep{{ID: "s1"}},
	}
	if err := st.UpsertCampaign(ctx, camp); err != nil {
		t.Fatal(err)
	}
	if _, err := p.PlanWave(ctx, "c1"); err == nil {
		t.Fatal("expected error for step without template")
	}
}

func TestFutureStepsWaitForLookAhead(t *testing.T) {
	p, st, _ := newPlanner(t)
	ctx := context.Background()
	if err := st.UpsertTenant(ctx, domain.Tenant{ID: "t1", Status: domain.TenantActive}); err != nil {
		t.Fatal(err)
	}
	camp := domain.Campaign{
		ID: "c1", TenantID: "t1", Status: domain.CampaignActive,
		StartAt: time.Now(),
		Steps: []domain.CampaignStep{
			{ID: "s1", TemplateID: "a", Offset: 0},
			{ID: "s2", TemplateID: "b", Offset: 48 * time.Hour},
		},
	}
	if err := st.UpsertCampaign(ctx, camp); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertLead(ctx, domain.Lead{ID: "l1", TenantID: "t1", Address: "a@example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetCampaignLeads(ctx, "c1", []domain.LeadID{"l1"}); err != nil {
		t.Fatal(err)
	}

	rep, err := p.PlanWave(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Planned != 1 || rep.NotDue != 1 {
		t.Fatalf("planned=%d notdue=%d, want 1/1", rep.Planned, rep.NotDue)
	}
}

func TestValidAddress(t *testing.T) {
	good := []string{"a@b.co", "first.last@sub.example.com", "x+tag@example.io"}
	bad := []string{"", "nodomain", "@example.com", "a@", "a b@example.com", "a@localhost"}
	for _, s := range good {
		if !ValidAddress(s) {
			t.Errorf("%q rejected", s)
		}
	}
	for _, s := range bad {
		if ValidAddress(s) {
			t.Errorf("%q accepted", s)
		}
	}
}
