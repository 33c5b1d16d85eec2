package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dispatchd/internal/domain"
)

// InsertDeliveryEvent appends a delivery event. The primary key on event id
// deduplicates redelivered feedback: inserted=false means this event was
// already applied and must not be processed again.
func (s *Store) InsertDeliveryEvent(ctx context.Context, ev domain.DeliveryEvent) (inserted bool, err error) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO delivery_events(id, message_id, type, at, payload_ref)
		 VALUES(?,?,?,?,?)`,
		ev.ID, ev.MessageID, string(ev.Type), toMS(ev.At), ev.PayloadRef)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Suppress appends a do-not-send record. Append-only and idempotent per
// (tenant, address); inserted=false means the address was already
// suppressed for that scope.
func (s *Store) Suppress(ctx context.Context, e domain.SuppressionEntry) (inserted bool, err error) {
	if e.TenantID == "" {
		e.TenantID = domain.GlobalTenant
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO suppressions(tenant_id, address, reason, created_at)
		 VALUES(?,?,?,?)`,
		e.TenantID, e.Address, e.Reason, toMS(e.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IsSuppressed checks both the tenant scope and the global scope.
func (s *Store) IsSuppressed(ctx context.Context, tenant domain.TenantID, address string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM suppressions WHERE address=? AND tenant_id IN (?,?) LIMIT 1`,
		address, tenant, domain.GlobalTenant).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, err
}

// SuppressionCount powers diagnostics and tests.
func (s *Store) SuppressionCount(ctx context.Context, tenant domain.TenantID, address string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM suppressions WHERE tenant_id=? AND address=?`,
		tenant, address).Scan(&n)
	return n, err
}
