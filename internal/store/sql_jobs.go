package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/util"
)

func (s *sqlStore) EnqueueJob(kind, key string, runAt time.Time, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := s.queryRow(`SELECT id FROM jobs WHERE dedupe_key = ?`, dedupeKey).Scan(&existingID)
		if err == nil {
			slog.Debug(s.name+".EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	id := util.GenerateJobID()
	now := time.Now().UTC()
	_, err := s.exec(`INSERT INTO jobs (id, kind, queue_key, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, kind, nilIfEmpty(key), runAt.UTC(), payloadJSON, string(JobStatusQueued), DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug(s.name+".EnqueueJob", "id", id, "kind", kind, "key", key)
	return id, nil
}

func (s *sqlStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	rows, err := s.query(`SELECT `+jobColumns+` FROM jobs j
		WHERE j.status = ? AND j.run_at <= ?
		AND NOT EXISTS (
			SELECT 1 FROM jobs e WHERE e.queue_key = j.queue_key AND e.seq < j.seq AND e.status IN (?, ?)
		)
		ORDER BY j.seq ASC LIMIT ?`,
		string(JobStatusQueued), now.UTC(), string(JobStatusQueued), string(JobStatusRunning), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs query failed: %w", err)
	}
	var due []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		due = append(due, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}

	claimed := due[:0]
	for _, j := range due {
		res, err := s.exec(`UPDATE jobs SET status = ?, locked_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(JobStatusRunning), now.UTC(), now.UTC(), j.ID, string(JobStatusQueued))
		if err != nil {
			return nil, fmt.Errorf("mark job running failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // claimed by another runner
		}
		locked := now
		j.Status = JobStatusRunning
		j.LockedAt = &locked
		claimed = append(claimed, j)
	}
	return claimed, nil
}

func (s *sqlStore) CompleteJob(id string) error {
	_, err := s.exec(`UPDATE jobs SET status = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		string(JobStatusDone), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	var attempt, maxAttempts int
	if err := s.queryRow(`SELECT attempt, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempt, &maxAttempts); err != nil {
		return fmt.Errorf("fail job lookup failed: %w", err)
	}

	now := time.Now().UTC()
	attempt++
	var err error
	if attempt >= maxAttempts {
		_, err = s.exec(`UPDATE jobs SET status = ?, attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			string(JobStatusFailed), attempt, errMsg, now, id)
		slog.Warn(s.name+".FailJob: job exhausted retries", "id", id, "attempt", attempt)
	} else {
		_, err = s.exec(`UPDATE jobs SET status = ?, attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			string(JobStatusQueued), attempt, errMsg, nextRunAt.UTC(), now, id)
	}
	if err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	res, err := s.exec(`UPDATE jobs SET status = ?, locked_at = NULL, updated_at = ? WHERE status = ? AND locked_at < ?`,
		string(JobStatusQueued), time.Now().UTC(), string(JobStatusRunning), staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *sqlStore) GetJob(id string) (*Job, error) {
	j, err := scanJob(s.queryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

func (s *sqlStore) ListJobs(status JobStatus, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY seq ASC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs failed: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
