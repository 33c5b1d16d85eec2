package storage

import (
	"context"
	"database/sql"
	"errors"

	"dispatchd/internal/domain"
)

// ---- tenants ----

func (s *Store) UpsertTenant(ctx context.Context, t domain.Tenant) error {
	if t.Status == "" {
		t.Status = domain.TenantActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants(id, name, status, quota_per_minute) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, status=excluded.status,
		   quota_per_minute=excluded.quota_per_minute`,
		t.ID, t.Name, string(t.Status), t.QuotaPerMinute,
	)
	return err
}

func (s *Store) GetTenant(ctx context.Context, id domain.TenantID) (domain.Tenant, error) {
	var t domain.Tenant
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, quota_per_minute FROM tenants WHERE id=?`, id,
	).Scan(&t.ID, &t.Name, &status, &t.QuotaPerMinute)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Tenant{}, ErrNotFound
	}
	if err != nil {
		return domain.Tenant{}, err
	}
	t.Status = domain.TenantStatus(status)
	return t, nil
}

// SetTenantStatus is a set-not-increment transition; applying the same
// status twice is a no-op.
func (s *Store) SetTenantStatus(ctx context.Context, id domain.TenantID, status domain.TenantStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tenants SET status=? WHERE id=?`, string(status), id)
	return err
}

func (s *Store) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, quota_per_minute FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		var status string
		if err := rows.Scan(&t.ID, &t.Name, &status, &t.QuotaPerMinute); err != nil {
			return nil, err
		}
		t.Status = domain.TenantStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- senders ----

func (s *Store) UpsertSender(ctx context.Context, sd domain.SenderIdentity) error {
	if sd.Health == "" {
		sd.Health = domain.SenderActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO senders(id, tenant_id, address, domain, reputation, warmup_stage, health)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET tenant_id=excluded.tenant_id, address=excluded.address,
		   domain=excluded.domain, reputation=excluded.reputation,
		   warmup_stage=excluded.warmup_stage, health=excluded.health`,
		sd.ID, sd.TenantID, sd.Address, sd.Domain, sd.Reputation, sd.WarmupStage, string(sd.Health),
	)
	return err
}

func (s *Store) GetSender(ctx context.Context, id domain.SenderID) (domain.SenderIdentity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, address, domain, reputation, warmup_stage, health
		 FROM senders WHERE id=?`, id)
	return scanSender(row)
}

// SendersForTenant returns the tenant's own identities plus the shared pool.
func (s *Store) SendersForTenant(ctx context.Context, tenant domain.TenantID) ([]domain.SenderIdentity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, address, domain, reputation, warmup_stage, health
		 FROM senders WHERE tenant_id=? OR tenant_id='' ORDER BY id`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SenderIdentity
	for rows.Next() {
		sd, err := scanSender(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sd)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSender(r rowScanner) (domain.SenderIdentity, error) {
	var sd domain.SenderIdentity
	var health string
	err := r.Scan(&sd.ID, &sd.TenantID, &sd.Address, &sd.Domain, &sd.Reputation, &sd.WarmupStage, &health)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SenderIdentity{}, ErrNotFound
	}
	if err != nil {
		return domain.SenderIdentity{}, err
	}
	sd.Health = domain.SenderHealth(health)
	return sd, nil
}

func (s *Store) SetSenderHealth(ctx context.Context, id domain.SenderID, h domain.SenderHealth) error {
	_, err := s.db.ExecContext(ctx, `UPDATE senders SET health=? WHERE id=?`, string(h), id)
	return err
}

func (s *Store) SetSenderReputation(ctx context.Context, id domain.SenderID, score float64) error {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	_, err := s.db.ExecContext(ctx, `UPDATE senders SET reputation=? WHERE id=?`, score, id)
	return err
}

func (s *Store) SetSenderWarmup(ctx context.Context, id domain.SenderID, stage int) error {
	if stage < 0 {
		stage = 0
	}
	_, err := s.db.ExecContext(ctx, `UPDATE senders SET warmup_stage=? WHERE id=?`, stage, id)
	return err
}

// ---- leads ----

func (s *Store) UpsertLead(ctx context.Context, l domain.Lead) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leads(id, tenant_id, address, suppressed) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET tenant_id=excluded.tenant_id,
		   address=excluded.address, suppressed=excluded.suppressed`,
		l.ID, l.TenantID, l.Address, boolInt(l.Suppressed),
	)
	return err
}

func (s *Store) GetLead(ctx context.Context, id domain.LeadID) (domain.Lead, error) {
	var l domain.Lead
	var sup int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, address, suppressed FROM leads WHERE id=?`, id,
	).Scan(&l.ID, &l.TenantID, &l.Address, &sup)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lead{}, ErrNotFound
	}
	if err != nil {
		return domain.Lead{}, err
	}
	l.Suppressed = sup != 0
	return l, nil
}

// ---- campaigns ----

func (s *Store) UpsertCampaign(ctx context.Context, c domain.Campaign) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO campaigns(id, tenant_id, name, status, start_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET tenant_id=excluded.tenant_id, name=excluded.name,
		   status=excluded.status, start_at=excluded.start_at`,
		c.ID, c.TenantID, c.Name, string(c.Status), toMS(c.StartAt),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_steps WHERE campaign_id=?`, c.ID); err != nil {
		return err
	}
	for i, st := range c.Steps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO campaign_steps(campaign_id, step_id, template_id, offset_ms, position)
			 VALUES(?,?,?,?,?)`,
			c.ID, st.ID, st.TemplateID, st.Offset.Milliseconds(), i,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetCampaign(ctx context.Context, id domain.CampaignID) (domain.Campaign, error) {
	var c domain.Campaign
	var status string
	var startMS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, status, start_at FROM campaigns WHERE id=?`, id,
	).Scan(&c.ID, &c.TenantID, &c.Name, &status, &startMS)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Campaign{}, ErrNotFound
	}
	if err != nil {
		return domain.Campaign{}, err
	}
	c.Status = domain.CampaignStatus(status)
	c.StartAt = fromMS(startMS)

	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, template_id, offset_ms FROM campaign_steps
		 WHERE campaign_id=? ORDER BY position`, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var st domain.CampaignStep
		var offMS int64
		if err := rows.Scan(&st.ID, &st.TemplateID, &offMS); err != nil {
			return domain.Campaign{}, err
		}
		st.Offset = msDuration(offMS)
		c.Steps = append(c.Steps, st)
	}
	return c, rows.Err()
}

func (s *Store) ListActiveCampaigns(ctx context.Context) ([]domain.CampaignID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM campaigns WHERE status=? ORDER BY id`, string(domain.CampaignActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []domain.CampaignID
	for rows.Next() {
		var id domain.CampaignID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) SetCampaignLeads(ctx context.Context, id domain.CampaignID, leads []domain.LeadID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_leads WHERE campaign_id=?`, id); err != nil {
		return err
	}
	for _, l := range leads {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO campaign_leads(campaign_id, lead_id) VALUES(?,?)`, id, l); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) CampaignLeads(ctx context.Context, id domain.CampaignID) ([]domain.Lead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.id, l.tenant_id, l.address, l.suppressed
		 FROM campaign_leads cl JOIN leads l ON l.id = cl.lead_id
		 WHERE cl.campaign_id=? ORDER BY l.id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Lead
	for rows.Next() {
		var l domain.Lead
		var sup int
		if err := rows.Scan(&l.ID, &l.TenantID, &l.Address, &sup); err != nil {
			return nil, err
		}
		l.Suppressed = sup != 0
		out = append(out, l)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
