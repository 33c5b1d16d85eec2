package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dispatchd/internal/domain"
)

// ErrNoJob is returned by ClaimNextJob when nothing is ready.
var ErrNoJob = errors.New("storage: no job ready")

const jobColumns = `id, tenant_id, campaign_id, lead_id, step_id, sender_id, template_id,
	address, idempotency_key, status, attempts, scheduled_at, leased_until,
	provider_message_id, last_error`

// InsertJob inserts a planned job. The unique idempotency_key makes repeated
// planning of the same (tenant, lead, step) a no-op; inserted reports whether
// a new row was created.
func (s *Store) InsertJob(ctx context.Context, j domain.MessageJob) (inserted bool, err error) {
	if j.Status == "" {
		j.Status = domain.JobQueued
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_jobs(`+jobColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.TenantID, j.CampaignID, j.LeadID, j.StepID, j.SenderID, j.TemplateID,
		j.Address, j.IdempotencyKey, string(j.Status), j.Attempts, toMS(j.ScheduledAt),
		toMS(j.LeasedUntil), j.ProviderMessageID, j.LastError,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) JobByID(ctx context.Context, id domain.JobID) (domain.MessageJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM message_jobs WHERE id=?`, id)
	return scanJob(row)
}

// JobByProviderMessage resolves a delivery event's message id back to its job.
func (s *Store) JobByProviderMessage(ctx context.Context, providerMessageID string) (domain.MessageJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM message_jobs WHERE provider_message_id=?`, providerMessageID)
	return scanJob(row)
}

func scanJob(r rowScanner) (domain.MessageJob, error) {
	var j domain.MessageJob
	var status string
	var schedMS, leaseMS int64
	err := r.Scan(&j.ID, &j.TenantID, &j.CampaignID, &j.LeadID, &j.StepID, &j.SenderID,
		&j.TemplateID, &j.Address, &j.IdempotencyKey, &status, &j.Attempts,
		&schedMS, &leaseMS, &j.ProviderMessageID, &j.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MessageJob{}, ErrNotFound
	}
	if err != nil {
		return domain.MessageJob{}, err
	}
	j.Status = domain.JobStatus(status)
	j.ScheduledAt = fromMS(schedMS)
	j.LeasedUntil = fromMS(leaseMS)
	return j, nil
}

// ClaimNextJob atomically claims the oldest ready job under a visibility
// lease: status moves to dispatched and leased_until is set, so other
// consumers won't see the job until the lease expires.
func (s *Store) ClaimNextJob(ctx context.Context, now, leaseUntil time.Time) (domain.MessageJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.MessageJob{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM message_jobs
		 WHERE status IN (?,?) AND scheduled_at<=? AND leased_until<=?
		 ORDER BY scheduled_at, id LIMIT 1`,
		string(domain.JobQueued), string(domain.JobRetryQueued), toMS(now), toMS(now))
	j, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return domain.MessageJob{}, ErrNoJob
	}
	if err != nil {
		return domain.MessageJob{}, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE message_jobs SET status=?, leased_until=? WHERE id=? AND status=?`,
		string(domain.JobDispatched), toMS(leaseUntil), j.ID, string(j.Status))
	if err != nil {
		return domain.MessageJob{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.MessageJob{}, ErrNoJob
	}
	if err := tx.Commit(); err != nil {
		return domain.MessageJob{}, err
	}

	j.Status = domain.JobDispatched
	j.LeasedUntil = leaseUntil
	return j, nil
}

// UpdateJobStatus applies a compare-and-set status transition. It refuses
// transitions the state machine does not allow and reports whether the row
// actually moved (false means someone else already transitioned it).
func (s *Store) UpdateJobStatus(ctx context.Context, id domain.JobID, from, to domain.JobStatus) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("storage: illegal job transition %s -> %s", from, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE message_jobs SET status=? WHERE id=? AND status=?`,
		string(to), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkJobSent records provider acceptance: the attempt is consumed, the
// lease is released and the provider message id is kept for feedback lookup.
func (s *Store) MarkJobSent(ctx context.Context, id domain.JobID, providerMessageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE message_jobs
		 SET status=?, provider_message_id=?, leased_until=0, attempts=attempts+1, last_error=''
		 WHERE id=? AND status=?`,
		string(domain.JobSent), providerMessageID, id, string(domain.JobDispatched))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RequeueJob moves a non-terminal job back through retry_queued with a new
// due time. consumeAttempt is false for quota deferrals, which are not
// failed attempts, merely deferred work.
func (s *Store) RequeueJob(ctx context.Context, id domain.JobID, nextAt time.Time, consumeAttempt bool, reason string) (bool, error) {
	inc := 0
	if consumeAttempt {
		inc = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE message_jobs
		 SET status=?, leased_until=0, scheduled_at=?, attempts=attempts+?, last_error=?
		 WHERE id=? AND status IN (?,?)`,
		string(domain.JobRetryQueued), toMS(nextAt), inc, reason, id,
		string(domain.JobDispatched), string(domain.JobDeferred))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseJobLease acknowledges a claimed job without changing status.
func (s *Store) ReleaseJobLease(ctx context.Context, id domain.JobID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE message_jobs SET leased_until=0 WHERE id=?`, id)
	return err
}

// MarkJobDead terminates a job and records it in the dead-letter table.
// The dead_letters primary key guarantees a job lands in the DLQ at most
// once, no matter how often the move is retried.
func (s *Store) MarkJobDead(ctx context.Context, id domain.JobID, reason string, at time.Time) (inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE message_jobs SET status=?, leased_until=0, last_error=? WHERE id=? AND status NOT IN (?,?,?)`,
		string(domain.JobDead), reason, id,
		string(domain.JobDelivered), string(domain.JobBounced), string(domain.JobComplained),
	); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO dead_letters(job_id, reason, at) VALUES(?,?,?)`,
		id, reason, toMS(at))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

// SweepExpiredLeases returns dispatched jobs whose lease ran out to the
// retry queue. This is the hung-worker recovery path: an unacknowledged
// claim becomes redeliverable without consuming an attempt.
func (s *Store) SweepExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE message_jobs SET status=?, leased_until=0, scheduled_at=?
		 WHERE status=? AND leased_until>0 AND leased_until<=?`,
		string(domain.JobRetryQueued), toMS(now), string(domain.JobDispatched), toMS(now))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DLQDepth reports how many jobs sit in the dead-letter queue.
func (s *Store) DLQDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, err
}

type DeadLetter struct {
	JobID  domain.JobID
	Reason string
	At     time.Time
}

func (s *Store) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, reason, at FROM dead_letters ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		var atMS int64
		if err := rows.Scan(&d.JobID, &d.Reason, &atMS); err != nil {
			return nil, err
		}
		d.At = fromMS(atMS)
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountJobsByStatus powers queue diagnostics.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM message_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.JobStatus]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[domain.JobStatus(st)] = n
	}
	return out, rows.Err()
}
