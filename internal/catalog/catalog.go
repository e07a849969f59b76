// Package catalog keeps local product items and mirrors every change to the
// remote catalog through catalog-class sync records.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// Operations carried in a catalog sync payload.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

const maxSaveRetries = 3

// ErrItemNotFound is returned for unknown retailer ids.
var ErrItemNotFound = errors.New("catalog item not found")

// Repo is the storage the catalog needs.
type Repo interface {
	store.CatalogRepo
	store.SyncRepo
}

// Kicker asks the sync engine to attempt a record soon.
type Kicker interface {
	Kick(recordID string)
}

// Payload is the payload_json of a catalog sync record.
type Payload struct {
	Op   string             `json:"op"`
	Item models.CatalogItem `json:"item"`
}

// Service manages catalog items.
type Service struct {
	repo   Repo
	kicker Kicker
	now    func() time.Time
}

// NewService creates a catalog service. kicker may be nil.
func NewService(repo Repo, kicker Kicker) *Service {
	return &Service{repo: repo, kicker: kicker, now: time.Now}
}

// Get returns an item or ErrItemNotFound.
func (s *Service) Get(ctx context.Context, retailerID string) (*models.CatalogItem, error) {
	item, err := s.repo.GetCatalogItem(retailerID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("%s: %w", retailerID, ErrItemNotFound)
	}
	return item, nil
}

// List returns every local item, deleted ones included.
func (s *Service) List(ctx context.Context) ([]models.CatalogItem, error) {
	return s.repo.ListCatalogItems()
}

// Upsert stores the item and schedules its remote push.
func (s *Service) Upsert(ctx context.Context, item models.CatalogItem) (*models.CatalogItem, *models.SyncRecord, error) {
	item.RetailerID = strings.TrimSpace(item.RetailerID)
	item.Currency = strings.ToUpper(strings.TrimSpace(item.Currency))
	if err := item.Validate(); err != nil {
		return nil, nil, err
	}

	existing, err := s.repo.GetCatalogItem(item.RetailerID)
	if err != nil {
		return nil, nil, err
	}
	op := OpCreate
	if existing != nil {
		op = OpUpdate
		item.SyncRecordID = existing.SyncRecordID
	}
	item.Deleted = false
	return s.save(item, op)
}

// Delete marks the item deleted and schedules the remote delete.
func (s *Service) Delete(ctx context.Context, retailerID string) (*models.CatalogItem, *models.SyncRecord, error) {
	item, err := s.Get(ctx, retailerID)
	if err != nil {
		return nil, nil, err
	}
	item.Deleted = true
	return s.save(*item, OpDelete)
}

// Touch re-schedules a push of the item's current state.
func (s *Service) Touch(ctx context.Context, retailerID string) (*models.SyncRecord, error) {
	item, err := s.Get(ctx, retailerID)
	if err != nil {
		return nil, err
	}
	op := OpUpdate
	if item.Deleted {
		op = OpDelete
	}
	_, rec, err := s.save(*item, op)
	return rec, err
}

// save writes the sync record first, then the item pointing at it. An
// existing record is reused: a failed record keeps its status until an
// operator reset; any other status is re-armed as not_synced.
func (s *Service) save(item models.CatalogItem, op string) (*models.CatalogItem, *models.SyncRecord, error) {
	raw, err := json.Marshal(Payload{Op: op, Item: item})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode catalog payload: %w", err)
	}

	var rec *models.SyncRecord
	if item.SyncRecordID != "" {
		rec, err = s.rearm(item.SyncRecordID, string(raw))
		if err != nil {
			return nil, nil, err
		}
	}

	if rec == nil {
		rec = &models.SyncRecord{
			ID:          util.GenerateSyncID(string(models.SyncClassCatalog)),
			Class:       models.SyncClassCatalog,
			LocalRef:    item.RetailerID,
			PayloadJSON: string(raw),
			Status:      models.SyncNotSynced,
		}
		if err := s.repo.CreateSyncRecord(*rec); err != nil {
			return nil, nil, err
		}
		item.SyncRecordID = rec.ID
	}

	item.UpdatedAt = s.now()
	if err := s.repo.SaveCatalogItem(item); err != nil {
		return nil, nil, err
	}
	slog.Info("catalog.Service: item saved", "retailerID", item.RetailerID, "op", op, "syncRecordID", rec.ID, "syncStatus", rec.Status)

	if s.kicker != nil && rec.Status != models.SyncFailed {
		s.kicker.Kick(rec.ID)
	}
	return &item, rec, nil
}

// rearm stores payload on the existing record, retrying if the sync engine
// saves the record in between. It returns nil when the record is gone.
func (s *Service) rearm(recordID, payload string) (*models.SyncRecord, error) {
	for tries := 0; ; tries++ {
		rec, err := s.repo.GetSyncRecord(recordID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		rec.PayloadJSON = payload
		switch rec.Status {
		case models.SyncFailed, models.SyncRetryPending:
		default:
			rec.Status = models.SyncNotSynced
		}
		err = s.repo.SaveSyncRecord(*rec)
		if err == nil {
			rec.Revision++
			return rec, nil
		}
		if !errors.Is(err, store.ErrRevisionConflict) || tries >= maxSaveRetries {
			return nil, err
		}
		slog.Debug("catalog.Service: sync record changed concurrently, retrying", "syncRecordID", recordID)
	}
}
