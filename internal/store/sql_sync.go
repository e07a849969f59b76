package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

const syncRecordColumns = `id, class, local_ref, target, payload_json, external_id, status, attempt_count, last_error, last_attempt_at, last_success_at, delivery_status, revision, created_at, updated_at`

func scanSyncRecord(row rowScanner) (models.SyncRecord, error) {
	var r models.SyncRecord
	var localRef, target, externalID, lastError, delivery sql.NullString
	var lastAttempt, lastSuccess sql.NullTime
	err := row.Scan(&r.ID, &r.Class, &localRef, &target, &r.PayloadJSON, &externalID, &r.Status, &r.AttemptCount,
		&lastError, &lastAttempt, &lastSuccess, &delivery, &r.Revision, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	r.LocalRef = localRef.String
	r.Target = target.String
	r.ExternalID = externalID.String
	r.LastError = lastError.String
	r.DeliveryStatus = delivery.String
	r.LastAttemptAt = timePtr(lastAttempt)
	r.LastSuccessAt = timePtr(lastSuccess)
	return r, nil
}

func (s *sqlStore) CreateSyncRecord(rec models.SyncRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Status == "" {
		rec.Status = models.SyncNotSynced
	}
	_, err := s.exec(`INSERT INTO sync_records (`+syncRecordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Class), nilIfEmpty(rec.LocalRef), nilIfEmpty(rec.Target), rec.PayloadJSON, nilIfEmpty(rec.ExternalID),
		string(rec.Status), rec.AttemptCount, nilIfEmpty(rec.LastError), nilIfNilTime(rec.LastAttemptAt), nilIfNilTime(rec.LastSuccessAt),
		nilIfEmpty(rec.DeliveryStatus), rec.Revision, rec.CreatedAt.UTC(), now)
	if err != nil {
		slog.Error(s.name+".CreateSyncRecord failed", "error", err, "id", rec.ID, "class", rec.Class)
		return fmt.Errorf("failed to create sync record %s: %w", rec.ID, err)
	}
	slog.Debug(s.name+".CreateSyncRecord succeeded", "id", rec.ID, "class", rec.Class)
	return nil
}

func (s *sqlStore) GetSyncRecord(id string) (*models.SyncRecord, error) {
	r, err := scanSyncRecord(s.queryRow(`SELECT `+syncRecordColumns+` FROM sync_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync record %s: %w", id, err)
	}
	return &r, nil
}

func (s *sqlStore) GetSyncRecordByExternalID(class models.SyncClass, externalID string) (*models.SyncRecord, error) {
	r, err := scanSyncRecord(s.queryRow(`SELECT `+syncRecordColumns+` FROM sync_records WHERE class = ? AND external_id = ?`,
		string(class), externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync record with external id %s: %w", externalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync record by external id: %w", err)
	}
	return &r, nil
}

func (s *sqlStore) SaveSyncRecord(rec models.SyncRecord) error {
	res, err := s.exec(`UPDATE sync_records SET local_ref = ?, target = ?, payload_json = ?, external_id = ?, status = ?,
		attempt_count = ?, last_error = ?, last_attempt_at = ?, last_success_at = ?, delivery_status = ?, updated_at = ?,
		revision = revision + 1
		WHERE id = ? AND revision = ?`,
		nilIfEmpty(rec.LocalRef), nilIfEmpty(rec.Target), rec.PayloadJSON, nilIfEmpty(rec.ExternalID), string(rec.Status),
		rec.AttemptCount, nilIfEmpty(rec.LastError), nilIfNilTime(rec.LastAttemptAt), nilIfNilTime(rec.LastSuccessAt),
		nilIfEmpty(rec.DeliveryStatus), time.Now().UTC(), rec.ID, rec.Revision)
	if err != nil {
		slog.Error(s.name+".SaveSyncRecord failed", "error", err, "id", rec.ID)
		return fmt.Errorf("failed to save sync record %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetSyncRecord(rec.ID); err != nil {
			return err
		}
		return fmt.Errorf("sync record %s at revision %d: %w", rec.ID, rec.Revision, ErrRevisionConflict)
	}
	return nil
}

func (s *sqlStore) ListSyncRecords(filter SyncFilter) ([]models.SyncRecord, error) {
	var where []string
	var args []any
	if filter.Class != "" {
		where = append(where, "class = ?")
		args = append(args, string(filter.Class))
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT ` + syncRecordColumns + ` FROM sync_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.query(query, args...)
	if err != nil {
		slog.Error(s.name+".ListSyncRecords query failed", "error", err)
		return nil, fmt.Errorf("failed to query sync records: %w", err)
	}
	defer rows.Close()

	var out []models.SyncRecord
	for rows.Next() {
		r, err := scanSyncRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync record row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) AddSyncAttempt(a models.SyncAttempt) error {
	_, err := s.exec(`INSERT INTO sync_attempts (record_id, attempt, at, success, error) VALUES (?, ?, ?, ?, ?)`,
		a.RecordID, a.Attempt, a.At.UTC(), a.Success, nilIfEmpty(a.Error))
	if err != nil {
		slog.Error(s.name+".AddSyncAttempt failed", "error", err, "recordID", a.RecordID)
		return fmt.Errorf("failed to add sync attempt: %w", err)
	}
	return nil
}

func (s *sqlStore) ListSyncAttempts(recordID string) ([]models.SyncAttempt, error) {
	rows, err := s.query(`SELECT record_id, attempt, at, success, error FROM sync_attempts WHERE record_id = ? ORDER BY id ASC`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync attempts: %w", err)
	}
	defer rows.Close()

	var out []models.SyncAttempt
	for rows.Next() {
		var a models.SyncAttempt
		var errText sql.NullString
		if err := rows.Scan(&a.RecordID, &a.Attempt, &a.At, &a.Success, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan sync attempt: %w", err)
		}
		a.Error = errText.String
		out = append(out, a)
	}
	return out, rows.Err()
}
