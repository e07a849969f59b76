package models

import "time"

// SyncClass groups records that share a remote pusher.
type SyncClass string

const (
	SyncClassMessage SyncClass = "message"
	SyncClassCatalog SyncClass = "catalog"
)

// SyncStatus is the state of a local record relative to its remote copy.
type SyncStatus string

const (
	SyncNotSynced    SyncStatus = "not_synced"
	SyncSynced       SyncStatus = "synced"
	SyncRetryPending SyncStatus = "retry_pending"
	SyncFailed       SyncStatus = "failed"
)

// IsValidSyncStatus checks if the given status is supported.
func IsValidSyncStatus(s SyncStatus) bool {
	switch s {
	case SyncNotSynced, SyncSynced, SyncRetryPending, SyncFailed:
		return true
	default:
		return false
	}
}

// Delivery statuses reported by messaging providers for synced messages.
const (
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryRead      = "read"
	DeliveryFailed    = "failed"
)

// SyncRecord tracks a local entity that must be mirrored to a remote system.
type SyncRecord struct {
	ID             string     `json:"id"`
	Class          SyncClass  `json:"class"`
	LocalRef       string     `json:"local_ref"`
	Target         string     `json:"target,omitempty"`
	PayloadJSON    string     `json:"payload_json"`
	ExternalID     string     `json:"external_id,omitempty"`
	Status         SyncStatus `json:"sync_status"`
	AttemptCount   int        `json:"attempt_count"`
	LastError      string     `json:"last_error,omitempty"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt  *time.Time `json:"last_success_at,omitempty"`
	DeliveryStatus string     `json:"delivery_status,omitempty"`
	Revision       int        `json:"revision"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SyncAttempt is one append-only history row for a record.
type SyncAttempt struct {
	RecordID string    `json:"record_id"`
	Attempt  int       `json:"attempt"`
	At       time.Time `json:"at"`
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
}
