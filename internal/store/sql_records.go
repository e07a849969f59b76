package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// --- webhook dedup ledger ---

func (s *sqlStore) RecordWebhookEvent(evt models.WebhookEvent) (bool, error) {
	receivedAt := evt.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	res, err := s.exec(`INSERT INTO webhook_events (dedup_key, kind, payload, processed, received_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT (dedup_key) DO NOTHING`,
		evt.DedupKey, string(evt.Kind), evt.Payload, false, receivedAt.UTC())
	if err != nil {
		slog.Error(s.name+".RecordWebhookEvent failed", "error", err, "dedupKey", evt.DedupKey)
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		slog.Debug(s.name+".RecordWebhookEvent: dedupe hit", "dedupKey", evt.DedupKey)
	}
	return n > 0, nil
}

func (s *sqlStore) GetWebhookEvent(dedupKey string) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	var outcome sql.NullString
	var processedAt sql.NullTime
	err := s.queryRow(`SELECT dedup_key, kind, payload, processed, outcome, received_at, processed_at
		FROM webhook_events WHERE dedup_key = ?`, dedupKey).
		Scan(&e.DedupKey, &e.Kind, &e.Payload, &e.Processed, &outcome, &e.ReceivedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	e.Outcome = outcome.String
	e.ProcessedAt = timePtr(processedAt)
	return &e, nil
}

func (s *sqlStore) MarkWebhookProcessed(dedupKey, outcome string) error {
	_, err := s.exec(`UPDATE webhook_events SET processed = ?, outcome = ?, processed_at = ? WHERE dedup_key = ?`,
		true, nilIfEmpty(outcome), time.Now().UTC(), dedupKey)
	if err != nil {
		slog.Error(s.name+".MarkWebhookProcessed failed", "error", err, "dedupKey", dedupKey)
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	return nil
}

// --- business records ---

func (s *sqlStore) SaveRecord(r models.BusinessRecord) error {
	fields, err := marshalMap(r.Fields)
	if err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err = s.exec(`INSERT INTO business_records (id, kind, conversation_id, identity, fields_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Kind, nilIfEmpty(r.ConversationID), nilIfEmpty(r.Identity), fields, r.CreatedAt.UTC())
	if err != nil {
		slog.Error(s.name+".SaveRecord failed", "error", err, "kind", r.Kind)
		return fmt.Errorf("failed to save business record: %w", err)
	}
	slog.Debug(s.name+".SaveRecord succeeded", "id", r.ID, "kind", r.Kind)
	return nil
}

func (s *sqlStore) ListRecords(conversationID string) ([]models.BusinessRecord, error) {
	rows, err := s.query(`SELECT id, kind, conversation_id, identity, fields_json, created_at
		FROM business_records WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query business records: %w", err)
	}
	defer rows.Close()

	var out []models.BusinessRecord
	for rows.Next() {
		var r models.BusinessRecord
		var convID, identity sql.NullString
		var fields string
		if err := rows.Scan(&r.ID, &r.Kind, &convID, &identity, &fields, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan business record: %w", err)
		}
		r.ConversationID = convID.String
		r.Identity = identity.String
		if r.Fields, err = unmarshalMap(fields); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- catalog items ---

const catalogColumns = `retailer_id, name, description, price_minor, currency, availability, image_url, url, sync_record_id, deleted, updated_at`

func (s *sqlStore) SaveCatalogItem(item models.CatalogItem) error {
	_, err := s.exec(`INSERT INTO catalog_items (`+catalogColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (retailer_id) DO UPDATE SET
			name = excluded.name, description = excluded.description, price_minor = excluded.price_minor,
			currency = excluded.currency, availability = excluded.availability, image_url = excluded.image_url,
			url = excluded.url, sync_record_id = excluded.sync_record_id, deleted = excluded.deleted,
			updated_at = excluded.updated_at`,
		item.RetailerID, item.Name, nilIfEmpty(item.Description), item.PriceMinor, item.Currency,
		nilIfEmpty(item.Availability), nilIfEmpty(item.ImageURL), nilIfEmpty(item.URL), nilIfEmpty(item.SyncRecordID),
		item.Deleted, time.Now().UTC())
	if err != nil {
		slog.Error(s.name+".SaveCatalogItem failed", "error", err, "retailerID", item.RetailerID)
		return fmt.Errorf("failed to save catalog item %s: %w", item.RetailerID, err)
	}
	return nil
}

func scanCatalogItem(row rowScanner) (models.CatalogItem, error) {
	var c models.CatalogItem
	var desc, avail, image, url, syncID sql.NullString
	err := row.Scan(&c.RetailerID, &c.Name, &desc, &c.PriceMinor, &c.Currency, &avail, &image, &url, &syncID, &c.Deleted, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.Description = desc.String
	c.Availability = avail.String
	c.ImageURL = image.String
	c.URL = url.String
	c.SyncRecordID = syncID.String
	return c, nil
}

func (s *sqlStore) GetCatalogItem(retailerID string) (*models.CatalogItem, error) {
	c, err := scanCatalogItem(s.queryRow(`SELECT `+catalogColumns+` FROM catalog_items WHERE retailer_id = ?`, retailerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get catalog item %s: %w", retailerID, err)
	}
	return &c, nil
}

func (s *sqlStore) ListCatalogItems() ([]models.CatalogItem, error) {
	rows, err := s.query(`SELECT ` + catalogColumns + ` FROM catalog_items ORDER BY retailer_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog items: %w", err)
	}
	defer rows.Close()

	var out []models.CatalogItem
	for rows.Next() {
		c, err := scanCatalogItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan catalog item: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
