package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	database "github.com/itai-weiss/WA-bot/internal/db"
)

var (
	ErrUnknownGroupAlias = errors.New("unknown_group_alias")
	ErrPastSchedule      = errors.New("past_schedule")
	ErrEmptyContent      = errors.New("empty_content")
	ErrNoPending         = errors.New("no_pending_schedule")
)

const (
	// Schedules up to this far in the past are bumped to now+graceBump
	// instead of rejected; absorbs parsing latency and clock skew for
	// near-now phrases like "in 1 minute".
	graceWindow = 5 * time.Minute
	graceBump   = 10 * time.Second

	defaultCorrelationWindow = 12 * time.Hour
)

// TaskDispatcher is the at-time execution facility jobs are handed to.
// Submit fires the job at/after fireAt with at-least-once semantics;
// Revoke is advisory only.
type TaskDispatcher interface {
	Submit(ctx context.Context, jobID int64, fireAt time.Time) (taskRef string, err error)
	Revoke(ctx context.Context, taskRef string) error
}

type Store struct {
	DB     *database.DB
	Tasks  TaskDispatcher
	Window time.Duration // correlation window; defaults to 12h
}

type ScheduleRequest struct {
	GroupAlias string
	Body       string
	RunAt      time.Time
	CreatedBy  string
}

// CorrelationKey is a deterministic digest of (destination, text, run_at);
// the unique constraint on it makes scheduling idempotent.
func CorrelationKey(groupID, body string, runAt time.Time) string {
	payload := groupID + "|" + body + "|" + runAt.UTC().Format(time.RFC3339)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func (s *Store) window() time.Duration {
	if s.Window > 0 {
		return s.Window
	}
	return defaultCorrelationWindow
}

// Schedule resolves the alias, applies the grace adjustment and creates a
// Job plus its dispatch task, or returns the existing Job when the
// correlation key has been seen before. Runs in a single transaction; a
// concurrent insert of the same key is resolved by re-fetching the winner.
func (s *Store) Schedule(ctx context.Context, req ScheduleRequest) (*Job, error) {
	var job *Job
	var key string
	err := s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		job, key, err = s.scheduleTx(ctx, tx, req)
		return err
	})
	if err != nil {
		if isUniqueViolation(err, "uq_job_correlation_key") {
			// Lost the insert race; the committed winner is our Job.
			return s.jobByCorrelationKey(ctx, key)
		}
		return nil, err
	}
	return job, nil
}

// scheduleTx is the tx-scoped schedule path, shared with CompletePending so
// materializing a pending slot stays atomic with clearing it. Returns the
// correlation key alongside the Job so callers can recover from an insert
// race after rollback.
func (s *Store) scheduleTx(ctx context.Context, tx pgx.Tx, req ScheduleRequest) (*Job, string, error) {
	grp, err := groupByAliasTx(ctx, tx, req.GroupAlias)
	if err != nil {
		return nil, "", err
	}
	if grp == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownGroupAlias, req.GroupAlias)
	}

	runAt, err := adjustRunAt(req.RunAt, time.Now().UTC())
	if err != nil {
		return nil, "", err
	}

	key := CorrelationKey(grp.GroupID, req.Body, runAt)

	existing, err := jobByCorrelationKeyTx(ctx, tx, key)
	if err != nil {
		return nil, key, err
	}
	if existing != nil {
		return existing, key, nil
	}

	job := &Job{
		GroupID:        grp.GroupID,
		GroupAlias:     grp.Alias,
		Body:           req.Body,
		RunAt:          runAt,
		CreatedBy:      req.CreatedBy,
		Status:         StatusScheduled,
		CorrelationKey: key,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO jobs(group_id, group_alias, body, run_at, created_by, status, correlation_key)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		RETURNING id, created_at
	`, job.GroupID, job.GroupAlias, job.Body, job.RunAt, job.CreatedBy, job.Status, key).
		Scan(&job.ID, &job.CreatedAt)
	if err != nil {
		return nil, key, err
	}

	ref, err := s.Tasks.Submit(ctx, job.ID, runAt)
	if err != nil {
		return nil, key, err
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET task_ref=$2 WHERE id=$1`, job.ID, ref); err != nil {
		return nil, key, err
	}
	job.TaskRef = &ref
	return job, key, nil
}

// adjustRunAt normalizes to UTC and applies the grace bump for just-past
// times; clearly past times are rejected.
func adjustRunAt(runAt, now time.Time) (time.Time, error) {
	runAt = runAt.UTC()
	if runAt.After(now) {
		return runAt, nil
	}
	if now.Sub(runAt) <= graceWindow {
		return now.Add(graceBump), nil
	}
	return time.Time{}, ErrPastSchedule
}

// Cancel is idempotent: cancelling a missing job reports false, cancelling
// a sent or already-cancelled job reports true without mutating it. The
// dispatch revoke is best-effort; the executor's own status re-check is the
// authoritative gate.
func (s *Store) Cancel(ctx context.Context, jobID int64) (bool, error) {
	var found bool
	var taskRef *string
	err := s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		var status JobStatus
		err := tx.QueryRow(ctx, `SELECT status, task_ref FROM jobs WHERE id=$1 FOR UPDATE`, jobID).
			Scan(&status, &taskRef)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		if status == StatusCancelled || status == StatusSent {
			taskRef = nil
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE jobs SET status=$2, last_error=NULL WHERE id=$1`, jobID, StatusCancelled)
		return err
	})
	if err != nil {
		return false, err
	}
	if taskRef != nil {
		_ = s.Tasks.Revoke(ctx, *taskRef)
	}
	return found, nil
}

// ListScheduled returns all jobs still waiting to fire, earliest first.
func (s *Store) ListScheduled(ctx context.Context) ([]Job, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, group_id, group_alias, body, run_at, created_by, created_at, status, last_error, correlation_key, task_ref
		FROM jobs WHERE status=$1 ORDER BY run_at ASC
	`, StatusScheduled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *Store) JobByID(ctx context.Context, id int64) (*Job, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, group_id, group_alias, body, run_at, created_by, created_at, status, last_error, correlation_key, task_ref
		FROM jobs WHERE id=$1
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return &jobs[0], nil
}

func (s *Store) jobByCorrelationKey(ctx context.Context, key string) (*Job, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, group_id, group_alias, body, run_at, created_by, created_at, status, last_error, correlation_key, task_ref
		FROM jobs WHERE correlation_key=$1
	`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job with correlation key %s vanished", key)
	}
	return &jobs[0], nil
}

func jobByCorrelationKeyTx(ctx context.Context, tx pgx.Tx, key string) (*Job, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, group_id, group_alias, body, run_at, created_by, created_at, status, last_error, correlation_key, task_ref
		FROM jobs WHERE correlation_key=$1
	`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return &jobs[0], nil
}

func scanJobs(rows pgx.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.GroupID, &j.GroupAlias, &j.Body, &j.RunAt, &j.CreatedBy,
			&j.CreatedAt, &j.Status, &j.LastError, &j.CorrelationKey, &j.TaskRef); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkJobSent finalizes a job without recording a correlation; used when a
// correlation already exists from an earlier delivery of the fire event.
func (s *Store) MarkJobSent(ctx context.Context, jobID int64) error {
	_, err := s.DB.Exec(ctx,
		`UPDATE jobs SET status=$2, last_error=NULL WHERE id=$1 AND status=$3`,
		jobID, StatusSent, StatusScheduled)
	return err
}

// MarkJobFailed is terminal; last_error keeps the detail.
func (s *Store) MarkJobFailed(ctx context.Context, jobID int64, detail string) error {
	_, err := s.DB.Exec(ctx,
		`UPDATE jobs SET status=$2, last_error=$3 WHERE id=$1 AND status=$4`,
		jobID, StatusFailed, detail, StatusScheduled)
	return err
}

// FinalizeSent records the correlation for the bot message and marks the
// job sent in one transaction, so a crash between the two cannot leave a
// sent job without its correlation.
func (s *Store) FinalizeSent(ctx context.Context, jobID int64, groupID, botMessageID string, originalMessageID *string) (*MessageCorrelation, error) {
	var corr *MessageCorrelation
	err := s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		corr, err = recordCorrelationTx(ctx, tx, jobID, groupID, botMessageID, originalMessageID, s.window())
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE jobs SET status=$2, last_error=NULL WHERE id=$1 AND status=$3`,
			jobID, StatusSent, StatusScheduled)
		return err
	})
	if err != nil {
		return nil, err
	}
	return corr, nil
}

// RecordCorrelation stores a bot_message_id -> job mapping valid for the
// configured window starting now.
func (s *Store) RecordCorrelation(ctx context.Context, jobID int64, groupID, botMessageID string, originalMessageID *string) (*MessageCorrelation, error) {
	var corr *MessageCorrelation
	err := s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		corr, err = recordCorrelationTx(ctx, tx, jobID, groupID, botMessageID, originalMessageID, s.window())
		return err
	})
	if err != nil {
		return nil, err
	}
	return corr, nil
}

func recordCorrelationTx(ctx context.Context, tx pgx.Tx, jobID int64, groupID, botMessageID string, originalMessageID *string, window time.Duration) (*MessageCorrelation, error) {
	corr := &MessageCorrelation{
		BotMessageID:      botMessageID,
		GroupID:           groupID,
		JobID:             jobID,
		OriginalMessageID: originalMessageID,
		WindowExpiresAt:   time.Now().UTC().Add(window),
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO message_correlations(bot_message_id, group_id, job_id, original_message_id, window_expires_at)
		VALUES($1,$2,$3,$4,$5)
		RETURNING id, created_at
	`, corr.BotMessageID, corr.GroupID, corr.JobID, corr.OriginalMessageID, corr.WindowExpiresAt).
		Scan(&corr.ID, &corr.CreatedAt)
	if err != nil {
		return nil, err
	}
	return corr, nil
}

func (s *Store) CorrelationExistsForJob(ctx context.Context, jobID int64) (bool, error) {
	var exists bool
	err := s.DB.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM message_correlations WHERE job_id=$1)`, jobID).Scan(&exists)
	return exists, err
}

// ResolveCorrelation matches an inbound group message to a job: by the
// replied-to bot message id when present and unexpired, otherwise the most
// recently created unexpired correlation for the group. The recency
// fallback trades precision for availability when reply metadata is absent.
func (s *Store) ResolveCorrelation(ctx context.Context, groupID string, contextMessageID *string) (*MessageCorrelation, error) {
	now := time.Now().UTC()

	if contextMessageID != nil && *contextMessageID != "" {
		corr, err := s.scanOneCorrelation(ctx, `
			SELECT id, bot_message_id, group_id, job_id, original_message_id, window_expires_at, created_at
			FROM message_correlations WHERE bot_message_id=$1 AND window_expires_at > $2
		`, *contextMessageID, now)
		if err != nil {
			return nil, err
		}
		if corr != nil {
			return corr, nil
		}
	}

	return s.scanOneCorrelation(ctx, `
		SELECT id, bot_message_id, group_id, job_id, original_message_id, window_expires_at, created_at
		FROM message_correlations
		WHERE group_id=$1 AND window_expires_at > $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, groupID, now)
}

func (s *Store) scanOneCorrelation(ctx context.Context, query string, args ...any) (*MessageCorrelation, error) {
	var c MessageCorrelation
	err := s.DB.QueryRow(ctx, query, args...).
		Scan(&c.ID, &c.BotMessageID, &c.GroupID, &c.JobID, &c.OriginalMessageID, &c.WindowExpiresAt, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SweepCorrelations deletes expired correlations and returns how many went.
func (s *Store) SweepCorrelations(ctx context.Context) (int64, error) {
	tag, err := s.DB.Exec(ctx,
		`DELETE FROM message_correlations WHERE window_expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ---- group registry ----

// RegisterGroup upserts alias -> group id; aliases are case-insensitive and
// last write wins.
func (s *Store) RegisterGroup(ctx context.Context, alias, groupID string, groupName *string) (*Group, error) {
	g := &Group{Alias: normalizeAlias(alias), GroupID: groupID, GroupName: groupName}
	err := s.DB.QueryRow(ctx, `
		INSERT INTO groups(alias, group_id, group_name) VALUES($1,$2,$3)
		ON CONFLICT (alias) DO UPDATE SET group_id=EXCLUDED.group_id, group_name=EXCLUDED.group_name
		RETURNING id, created_at
	`, g.Alias, g.GroupID, g.GroupName).Scan(&g.ID, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Store) UnregisterGroup(ctx context.Context, alias string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `DELETE FROM groups WHERE alias=$1`, normalizeAlias(alias))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GroupByAlias returns nil when the alias is not registered.
func (s *Store) GroupByAlias(ctx context.Context, alias string) (*Group, error) {
	var g Group
	err := s.DB.QueryRow(ctx,
		`SELECT id, alias, group_id, group_name, created_at FROM groups WHERE alias=$1`,
		normalizeAlias(alias)).
		Scan(&g.ID, &g.Alias, &g.GroupID, &g.GroupName, &g.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func groupByAliasTx(ctx context.Context, tx pgx.Tx, alias string) (*Group, error) {
	var g Group
	err := tx.QueryRow(ctx,
		`SELECT id, alias, group_id, group_name, created_at FROM groups WHERE alias=$1`,
		normalizeAlias(alias)).
		Scan(&g.ID, &g.Alias, &g.GroupID, &g.GroupName, &g.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT id, alias, group_id, group_name, created_at FROM groups ORDER BY alias ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Alias, &g.GroupID, &g.GroupName, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func normalizeAlias(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}
