// Package store provides storage backends for FlowPipe.
//
// It persists flow definitions, conversations, sync records and their attempt
// history, webhook dedup entries, catalog items, business records and the
// durable effect queue. Backends: in-memory (tests, ephemeral runs), SQLite
// and PostgreSQL.
package store

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Sentinel errors returned by every backend.
var (
	ErrNotFound           = errors.New("not found")
	ErrFlowVersionExists  = errors.New("flow version already published")
	ErrConversationExists = errors.New("conversation already exists for identity")
	// ErrRevisionConflict is returned by SaveSyncRecord when the record changed
	// since it was read.
	ErrRevisionConflict = errors.New("sync record revision conflict")
)

// ConversationRepo persists conversations. Getters return (nil, nil) when absent
// so callers can create on miss.
type ConversationRepo interface {
	GetConversation(id string) (*models.Conversation, error)
	GetConversationByIdentity(identity string) (*models.Conversation, error)
	SaveConversation(c models.Conversation) error
	// ListIdleConversations returns active conversations whose last inbound
	// event is older than before, oldest first.
	ListIdleConversations(before time.Time, limit int) ([]models.Conversation, error)
}

// FlowRepo persists immutable flow definition versions.
type FlowRepo interface {
	// PublishFlow stores def as the single active version of its name.
	// Publishing an existing (name, version) returns ErrFlowVersionExists.
	PublishFlow(def models.FlowDefinition) error
	GetActiveFlow(name string) (*models.FlowDefinition, error)
	GetFlowVersion(name string, version int) (*models.FlowDefinition, error)
	ListFlows() ([]models.FlowDefinition, error)
}

// SyncFilter selects sync records for listing and sweeps.
type SyncFilter struct {
	Class    models.SyncClass
	Statuses []models.SyncStatus
	Limit    int
}

// SyncRepo persists sync records and their attempt history. Getters return
// ErrNotFound when absent.
type SyncRepo interface {
	CreateSyncRecord(rec models.SyncRecord) error
	GetSyncRecord(id string) (*models.SyncRecord, error)
	GetSyncRecordByExternalID(class models.SyncClass, externalID string) (*models.SyncRecord, error)
	// SaveSyncRecord writes rec only if its Revision still matches the stored
	// one, and bumps the stored revision.
	SaveSyncRecord(rec models.SyncRecord) error
	ListSyncRecords(filter SyncFilter) ([]models.SyncRecord, error)
	AddSyncAttempt(a models.SyncAttempt) error
	ListSyncAttempts(recordID string) ([]models.SyncAttempt, error)
}

// WebhookRepo is the dedup ledger for provider webhook events.
type WebhookRepo interface {
	// RecordWebhookEvent inserts evt unless its dedup key exists. It reports
	// whether a new row was written.
	RecordWebhookEvent(evt models.WebhookEvent) (bool, error)
	GetWebhookEvent(dedupKey string) (*models.WebhookEvent, error)
	MarkWebhookProcessed(dedupKey, outcome string) error
}

// RecordRepo is the business record sink.
type RecordRepo interface {
	SaveRecord(r models.BusinessRecord) error
	ListRecords(conversationID string) ([]models.BusinessRecord, error)
}

// CatalogRepo persists local catalog items. GetCatalogItem returns (nil, nil)
// when absent.
type CatalogRepo interface {
	SaveCatalogItem(item models.CatalogItem) error
	GetCatalogItem(retailerID string) (*models.CatalogItem, error)
	ListCatalogItems() ([]models.CatalogItem, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	ConversationRepo
	FlowRepo
	SyncRepo
	WebhookRepo
	RecordRepo
	CatalogRepo
	JobRepo
	Close() error
}

// Opts holds configuration for persistent backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path (or file: URI).
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") && strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open selects a backend for dsn. An empty dsn yields an in-memory store.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		slog.Warn("store.Open: no DSN configured, state will not survive restarts")
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
