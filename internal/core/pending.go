package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// SavePending arms the two-phase flow for the owner. A second configure
// before content arrives replaces the slot; there is no queue.
func (s *Store) SavePending(ctx context.Context, ownerID, groupAlias string, runAt time.Time) (*PendingSchedule, error) {
	p := &PendingSchedule{OwnerID: ownerID, GroupAlias: normalizeAlias(groupAlias), RunAt: runAt.UTC()}
	err := s.DB.QueryRow(ctx, `
		INSERT INTO pending_schedules(owner_id, group_alias, run_at) VALUES($1,$2,$3)
		ON CONFLICT (owner_id) DO UPDATE
			SET group_alias=EXCLUDED.group_alias, run_at=EXCLUDED.run_at, created_at=now()
		RETURNING created_at
	`, p.OwnerID, p.GroupAlias, p.RunAt).Scan(&p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetPending returns nil when the owner has nothing armed.
func (s *Store) GetPending(ctx context.Context, ownerID string) (*PendingSchedule, error) {
	var p PendingSchedule
	err := s.DB.QueryRow(ctx,
		`SELECT owner_id, group_alias, run_at, created_at FROM pending_schedules WHERE owner_id=$1`,
		ownerID).Scan(&p.OwnerID, &p.GroupAlias, &p.RunAt, &p.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ClearPending(ctx context.Context, ownerID string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `DELETE FROM pending_schedules WHERE owner_id=$1`, ownerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CompletePending materializes the armed slot into a Job using the arriving
// content text, all in one transaction: the Job insert, its dispatch task
// and the slot delete commit together or not at all. Blank content leaves
// the slot armed for a retry; an alias or time error spends the slot and
// surfaces. The grace adjustment is applied again inside the schedule path
// since time may have advanced since arming.
func (s *Store) CompletePending(ctx context.Context, ownerID, content string) (*Job, error) {
	job, err := s.completePendingOnce(ctx, ownerID, content)
	if err != nil && isUniqueViolation(err, "uq_job_correlation_key") {
		// Lost a schedule race; the retry finds the committed winner and
		// still clears the slot atomically.
		job, err = s.completePendingOnce(ctx, ownerID, content)
	}
	return job, err
}

func (s *Store) completePendingOnce(ctx context.Context, ownerID, content string) (*Job, error) {
	var job *Job
	var spentErr error
	err := s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		pending, err := pendingForUpdateTx(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		if pending == nil {
			return ErrNoPending
		}
		if isBlank(content) {
			return fmt.Errorf("%w: forwarded content is blank", ErrEmptyContent)
		}

		job, _, err = s.scheduleTx(ctx, tx, ScheduleRequest{
			GroupAlias: pending.GroupAlias,
			Body:       content,
			RunAt:      pending.RunAt,
			CreatedBy:  ownerID,
		})
		if err != nil {
			// The slot is spent when the alias disappeared or the time is
			// clearly past: commit the delete and surface the error after.
			// Anything else rolls back and leaves the slot armed.
			if errors.Is(err, ErrUnknownGroupAlias) || errors.Is(err, ErrPastSchedule) {
				spentErr = err
				_, err = tx.Exec(ctx, `DELETE FROM pending_schedules WHERE owner_id=$1`, ownerID)
			}
			return err
		}

		_, err = tx.Exec(ctx, `DELETE FROM pending_schedules WHERE owner_id=$1`, ownerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if spentErr != nil {
		return nil, spentErr
	}
	return job, nil
}

// ScheduleAndClearPending creates a one-shot Job and discards any armed
// slot for the owner in the same transaction; a fresh one-shot schedule
// supersedes the two-phase flow.
func (s *Store) ScheduleAndClearPending(ctx context.Context, req ScheduleRequest, ownerID string) (*Job, error) {
	job, err := s.scheduleAndClearOnce(ctx, req, ownerID)
	if err != nil && isUniqueViolation(err, "uq_job_correlation_key") {
		job, err = s.scheduleAndClearOnce(ctx, req, ownerID)
	}
	return job, err
}

func (s *Store) scheduleAndClearOnce(ctx context.Context, req ScheduleRequest, ownerID string) (*Job, error) {
	var job *Job
	err := s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		job, _, err = s.scheduleTx(ctx, tx, req)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM pending_schedules WHERE owner_id=$1`, ownerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// pendingForUpdateTx locks the owner's slot so concurrent content messages
// serialize instead of double-materializing it.
func pendingForUpdateTx(ctx context.Context, tx pgx.Tx, ownerID string) (*PendingSchedule, error) {
	var p PendingSchedule
	err := tx.QueryRow(ctx, `
		SELECT owner_id, group_alias, run_at, created_at
		FROM pending_schedules WHERE owner_id=$1 FOR UPDATE
	`, ownerID).Scan(&p.OwnerID, &p.GroupAlias, &p.RunAt, &p.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func isBlank(text string) bool {
	for _, r := range text {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
