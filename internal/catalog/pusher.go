package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/FlowPipe/internal/cloudapi"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ItemPusher sends one item change to the remote catalog.
type ItemPusher interface {
	PushItem(ctx context.Context, method string, item models.CatalogItem) (string, error)
}

// Pusher is the sync engine pusher for catalog-class records.
type Pusher struct {
	remote ItemPusher
}

// NewPusher wraps remote (normally a *cloudapi.Client).
func NewPusher(remote ItemPusher) *Pusher {
	return &Pusher{remote: remote}
}

var batchMethods = map[string]string{
	OpCreate: cloudapi.BatchCreate,
	OpUpdate: cloudapi.BatchUpdate,
	OpDelete: cloudapi.BatchDelete,
}

// Push decodes the record payload and forwards it to the remote catalog.
func (p *Pusher) Push(ctx context.Context, rec models.SyncRecord) (string, error) {
	var payload Payload
	if err := json.Unmarshal([]byte(rec.PayloadJSON), &payload); err != nil {
		return "", fmt.Errorf("invalid catalog payload for %s: %w", rec.ID, err)
	}
	method, ok := batchMethods[payload.Op]
	if !ok {
		return "", fmt.Errorf("unknown catalog op %q in %s", payload.Op, rec.ID)
	}
	return p.remote.PushItem(ctx, method, payload.Item)
}
