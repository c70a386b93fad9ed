package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/codebuildervaibhav/whisperq/internal/types"
)

// MonthlyUsage returns the cached minute total for the current calendar month.
// A counter last touched in an earlier month reads as zero.
func (d *DB) MonthlyUsage(ctx context.Context, ownerID string) (int, error) {
	var used, periodStart int64
	err := d.db.QueryRowContext(ctx, `
	SELECT monthly_minutes_used, period_start FROM accounts WHERE owner_id = ?`, ownerID).
		Scan(&used, &periodStart)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read monthly usage: %w", err)
	}
	if periodStart < toMillis(monthStart(d.now())) {
		return 0, nil
	}
	return int(used), nil
}

// RebuildMonthlyUsage recomputes the cached counter from the usage records
// recorded since the start of the current month and returns the new total
func (d *DB) RebuildMonthlyUsage(ctx context.Context, ownerID string) (int, error) {
	start := toMillis(monthStart(d.now()))

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin rebuild: %w", err)
	}
	defer tx.Rollback()

	var total int64
	if err := tx.QueryRowContext(ctx, `
	SELECT COALESCE(SUM(minutes_used), 0) FROM usage_records
	WHERE owner_id = ? AND recorded_at >= ?`, ownerID, start).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO accounts (owner_id, monthly_minutes_used, period_start) VALUES (?, ?, ?)
	ON CONFLICT(owner_id) DO UPDATE SET
		monthly_minutes_used = excluded.monthly_minutes_used,
		period_start = excluded.period_start`, ownerID, total, start); err != nil {
		return 0, fmt.Errorf("failed to store rebuilt usage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rebuild: %w", err)
	}
	return int(total), nil
}

// HasExceededQuota reports whether the owner has used up the plan's monthly
// minutes. Unlimited plans never exceed.
func (d *DB) HasExceededQuota(ctx context.Context, ownerID string, plan types.Plan) (bool, error) {
	quota := plan.Quota()
	if quota.IsUnlimited() {
		return false, nil
	}
	used, err := d.MonthlyUsage(ctx, ownerID)
	if err != nil {
		return false, err
	}
	return used >= int(quota), nil
}

// RecordUsage inserts the usage record for a job and increments the owner's
// monthly counter in one transaction. Recording the same job twice is a no-op
// and returns false.
func (d *DB) RecordUsage(ctx context.Context, ownerID, jobID string, minutes int) (bool, error) {
	if minutes < 0 {
		return false, fmt.Errorf("negative usage %d for job %s", minutes, jobID)
	}
	now := d.now()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin usage transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
	INSERT INTO usage_records (owner_id, job_id, minutes_used, recorded_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(job_id) DO NOTHING`, ownerID, jobID, minutes, toMillis(now))
	if err != nil {
		return false, fmt.Errorf("failed to insert usage record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if d.afterUsageInsert != nil {
		if err := d.afterUsageInsert(); err != nil {
			return false, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO accounts (owner_id, monthly_minutes_used, period_start) VALUES (?, ?, ?)
	ON CONFLICT(owner_id) DO UPDATE SET
		monthly_minutes_used = CASE
			WHEN accounts.period_start < excluded.period_start THEN excluded.monthly_minutes_used
			ELSE accounts.monthly_minutes_used + excluded.monthly_minutes_used
		END,
		period_start = MAX(accounts.period_start, excluded.period_start)`,
		ownerID, minutes, toMillis(monthStart(now))); err != nil {
		return false, fmt.Errorf("failed to increment monthly usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit usage: %w", err)
	}
	return true, nil
}

// ResetAllMonthlyCounters zeroes every cached monthly counter and returns the
// number of accounts that changed. Usage records are left untouched.
func (d *DB) ResetAllMonthlyCounters(ctx context.Context) (int64, error) {
	start := toMillis(monthStart(d.now()))
	res, err := d.db.ExecContext(ctx, `
	UPDATE accounts SET monthly_minutes_used = 0, period_start = ?
	WHERE monthly_minutes_used <> 0 OR period_start <> ?`, start, start)
	if err != nil {
		return 0, fmt.Errorf("failed to reset monthly usage: %w", err)
	}
	return res.RowsAffected()
}

// UsageRecords returns an owner's usage history, oldest first
func (d *DB) UsageRecords(ctx context.Context, ownerID string) ([]types.UsageRecord, error) {
	rows, err := d.db.QueryContext(ctx, `
	SELECT owner_id, job_id, minutes_used, recorded_at FROM usage_records
	WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	var records []types.UsageRecord
	for rows.Next() {
		var (
			r          types.UsageRecord
			recordedAt int64
		)
		if err := rows.Scan(&r.OwnerID, &r.JobID, &r.MinutesUsed, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		r.RecordedAt = fromMillis(recordedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// SetPlan records a plan change raised by the billing provider
func (d *DB) SetPlan(ctx context.Context, ownerID string, plan types.Plan) error {
	if _, err := d.db.ExecContext(ctx, `
	INSERT INTO accounts (owner_id, plan) VALUES (?, ?)
	ON CONFLICT(owner_id) DO UPDATE SET plan = excluded.plan`, ownerID, string(plan)); err != nil {
		return fmt.Errorf("failed to set plan: %w", err)
	}
	return nil
}

// Plan returns the owner's stored plan, FREE if none was ever set
func (d *DB) Plan(ctx context.Context, ownerID string) (types.Plan, error) {
	var plan string
	err := d.db.QueryRowContext(ctx, "SELECT plan FROM accounts WHERE owner_id = ?", ownerID).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
		return types.PlanFree, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read plan: %w", err)
	}
	return types.ParsePlan(plan)
}

// QuotaView returns usage, quota and remaining minutes for the stored plan
func (d *DB) QuotaView(ctx context.Context, ownerID string) (types.QuotaView, error) {
	plan, err := d.Plan(ctx, ownerID)
	if err != nil {
		return types.QuotaView{}, err
	}
	used, err := d.MonthlyUsage(ctx, ownerID)
	if err != nil {
		return types.QuotaView{}, err
	}
	return types.NewQuotaView(ownerID, plan, used), nil
}

// UnbilledCompletedJobs returns completed jobs that have no usage record yet
func (d *DB) UnbilledCompletedJobs(ctx context.Context, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return d.queryJobs(ctx, `SELECT j.id, j.job_id, j.owner_id, j.source_ref, j.model, j.output_format,
		j.priority, j.status, j.progress, j.result_ref, j.error_detail, j.duration_seconds,
		j.external_handle, j.strategy, j.created_at, j.started_at, j.completed_at
	FROM jobs j
	LEFT JOIN usage_records u ON u.job_id = j.job_id
	WHERE j.status = ? AND u.id IS NULL ORDER BY j.id LIMIT ?`,
		string(types.StatusCompleted), limit)
}
