package catalog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FlowPipe/internal/cloudapi"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/syncengine"
)

type kicks struct{ ids []string }

func (k *kicks) Kick(id string) { k.ids = append(k.ids, id) }

type fakeRemote struct {
	methods []string
	items   []models.CatalogItem
	// during runs inside PushItem, before it returns.
	during func(call int)
}

func (f *fakeRemote) PushItem(ctx context.Context, method string, item models.CatalogItem) (string, error) {
	f.methods = append(f.methods, method)
	f.items = append(f.items, item)
	if f.during != nil {
		f.during(len(f.items))
	}
	return "handle-" + item.RetailerID, nil
}

func panel() models.CatalogItem {
	return models.CatalogItem{RetailerID: "sku-1", Name: "Panel", PriceMinor: 1999, Currency: "eur"}
}

func decode(t *testing.T, rec *models.SyncRecord) Payload {
	t.Helper()
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(rec.PayloadJSON), &p))
	return p
}

func TestUpsertCreatesThenUpdatesSameRecord(t *testing.T) {
	s := store.NewInMemoryStore()
	k := &kicks{}
	svc := NewService(s, k)

	item, rec, err := svc.Upsert(context.Background(), panel())
	require.NoError(t, err)
	assert.Equal(t, "EUR", item.Currency)
	assert.Equal(t, models.SyncClassCatalog, rec.Class)
	assert.Equal(t, OpCreate, decode(t, rec).Op)

	rec.Status = models.SyncSynced
	require.NoError(t, s.SaveSyncRecord(*rec))

	update := panel()
	update.Name = "Panel XL"
	_, rec2, err := svc.Upsert(context.Background(), update)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, rec2.ID, "one sync record per item")
	assert.Equal(t, models.SyncNotSynced, rec2.Status)
	assert.Equal(t, OpUpdate, decode(t, rec2).Op)
	assert.Equal(t, []string{rec.ID, rec.ID}, k.ids)
}

func TestUpsertKeepsFailedRecordFailed(t *testing.T) {
	s := store.NewInMemoryStore()
	k := &kicks{}
	svc := NewService(s, k)
	_, rec, err := svc.Upsert(context.Background(), panel())
	require.NoError(t, err)

	rec.Status = models.SyncFailed
	rec.AttemptCount = 6
	require.NoError(t, s.SaveSyncRecord(*rec))

	_, rec2, err := svc.Upsert(context.Background(), panel())
	require.NoError(t, err)
	assert.Equal(t, models.SyncFailed, rec2.Status)
	assert.Len(t, k.ids, 1, "failed records are not kicked")
}

func TestDeleteAndTouch(t *testing.T) {
	s := store.NewInMemoryStore()
	svc := NewService(s, nil)

	_, _, err := svc.Delete(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrItemNotFound)

	_, _, err = svc.Upsert(context.Background(), panel())
	require.NoError(t, err)
	item, rec, err := svc.Delete(context.Background(), "sku-1")
	require.NoError(t, err)
	assert.True(t, item.Deleted)
	assert.Equal(t, OpDelete, decode(t, rec).Op)

	rec, err = svc.Touch(context.Background(), "sku-1")
	require.NoError(t, err)
	assert.Equal(t, OpDelete, decode(t, rec).Op)
}

func TestUpsertValidates(t *testing.T) {
	svc := NewService(store.NewInMemoryStore(), nil)
	bad := panel()
	bad.Currency = "EURO"
	_, _, err := svc.Upsert(context.Background(), bad)
	assert.ErrorIs(t, err, models.ErrInvalidItem)
}

func TestPusherMapsOps(t *testing.T) {
	s := store.NewInMemoryStore()
	svc := NewService(s, nil)
	_, rec, err := svc.Upsert(context.Background(), panel())
	require.NoError(t, err)

	remote := &fakeRemote{}
	handle, err := NewPusher(remote).Push(context.Background(), *rec)
	require.NoError(t, err)
	assert.Equal(t, "handle-sku-1", handle)
	assert.Equal(t, []string{cloudapi.BatchCreate}, remote.methods)
	assert.Equal(t, "Panel", remote.items[0].Name)

	_, err = NewPusher(remote).Push(context.Background(), models.SyncRecord{ID: "x", PayloadJSON: `{"op":"explode"}`})
	assert.Error(t, err)
}

func TestUpsertDuringPushIsPushedAfterwards(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	engine := syncengine.NewEngine(s)
	svc := NewService(s, engine)

	remote := &fakeRemote{}
	remote.during = func(call int) {
		if call != 1 {
			return
		}
		update := panel()
		update.PriceMinor = 2999
		_, _, err := svc.Upsert(ctx, update)
		assert.NoError(t, err)
	}
	engine.RegisterPusher(models.SyncClassCatalog, NewPusher(remote))

	_, rec, err := svc.Upsert(ctx, panel())
	require.NoError(t, err)

	outcome, err := engine.AttemptSync(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, syncengine.OutcomeSuperseded, outcome)

	got, err := s.GetSyncRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncNotSynced, got.Status, "newer payload stays armed")
	assert.Equal(t, int64(2999), decode(t, got).Item.PriceMinor)

	report, err := engine.Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[syncengine.OutcomeSynced])

	require.Len(t, remote.items, 2)
	assert.Equal(t, int64(1999), remote.items[0].PriceMinor)
	assert.Equal(t, int64(2999), remote.items[1].PriceMinor)

	got, err = s.GetSyncRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, got.Status)
}
