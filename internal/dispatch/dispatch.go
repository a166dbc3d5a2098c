// Package dispatch is the at-time task facility jobs are submitted to.
// This implementation keeps tasks in Postgres and leases due rows to the
// worker with SKIP LOCKED; an unfinished lease expires and the task is
// delivered again, so consumers must tolerate at-least-once firing.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultLease = 2 * time.Minute

type Postgres struct {
	DB    *pgxpool.Pool
	Lease time.Duration // how long a claimed task stays invisible
}

// Fire is one due task handed to the executor.
type Fire struct {
	TaskRef  string
	JobID    int64
	Attempts int
}

func (d *Postgres) lease() time.Duration {
	if d.Lease > 0 {
		return d.Lease
	}
	return defaultLease
}

// Submit registers a task to fire at/after fireAt and returns its reference.
func (d *Postgres) Submit(ctx context.Context, jobID int64, fireAt time.Time) (string, error) {
	ref := uuid.NewString()
	_, err := d.DB.Exec(ctx,
		`INSERT INTO dispatch_tasks(id, job_id, fire_at) VALUES($1,$2,$3)`,
		ref, jobID, fireAt.UTC())
	if err != nil {
		return "", err
	}
	return ref, nil
}

// Revoke is advisory: it stops future deliveries but a concurrently leased
// task may still fire. Revoking an unknown or finished task is a no-op.
func (d *Postgres) Revoke(ctx context.Context, taskRef string) error {
	_, err := d.DB.Exec(ctx, `UPDATE dispatch_tasks SET done=TRUE WHERE id=$1`, taskRef)
	return err
}

// ClaimDue leases up to limit due tasks. Each claim bumps attempts and
// pushes fire_at out by the lease, so a crashed worker's tasks come back.
func (d *Postgres) ClaimDue(ctx context.Context, limit int) ([]Fire, error) {
	tx, err := d.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, job_id, attempts FROM dispatch_tasks
		WHERE NOT done AND fire_at <= now()
		ORDER BY fire_at
		LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	var fires []Fire
	var refs []string
	for rows.Next() {
		var f Fire
		if err := rows.Scan(&f.TaskRef, &f.JobID, &f.Attempts); err != nil {
			rows.Close()
			return nil, err
		}
		f.Attempts++ // this delivery
		fires = append(fires, f)
		refs = append(refs, f.TaskRef)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(fires) == 0 {
		return nil, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE dispatch_tasks SET attempts=attempts+1, fire_at=now()+make_interval(secs => $2)
		WHERE id = ANY($1)
	`, refs, d.lease().Seconds())
	if err != nil {
		return nil, err
	}
	return fires, tx.Commit(ctx)
}

// Complete marks a leased task finished.
func (d *Postgres) Complete(ctx context.Context, taskRef string) error {
	_, err := d.DB.Exec(ctx, `UPDATE dispatch_tasks SET done=TRUE WHERE id=$1`, taskRef)
	return err
}

// Reschedule sets the next delivery time for a retryable failure.
func (d *Postgres) Reschedule(ctx context.Context, taskRef string, at time.Time) error {
	_, err := d.DB.Exec(ctx, `UPDATE dispatch_tasks SET fire_at=$2 WHERE id=$1`, taskRef, at.UTC())
	return err
}
