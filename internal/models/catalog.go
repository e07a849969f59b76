package models

import (
	"fmt"
	"time"
)

// Catalog availability values accepted by the Graph catalog API.
const (
	AvailabilityInStock    = "in stock"
	AvailabilityOutOfStock = "out of stock"
)

// CatalogItem is a local product mirrored to the remote catalog.
type CatalogItem struct {
	RetailerID   string    `json:"retailer_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	PriceMinor   int64     `json:"price_minor"`
	Currency     string    `json:"currency"`
	Availability string    `json:"availability,omitempty"`
	ImageURL     string    `json:"image_url,omitempty"`
	URL          string    `json:"url,omitempty"`
	SyncRecordID string    `json:"sync_record_id,omitempty"`
	Deleted      bool      `json:"deleted"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks the fields the remote catalog requires.
func (c *CatalogItem) Validate() error {
	if c.RetailerID == "" {
		return fmt.Errorf("%w: retailer_id is required", ErrInvalidItem)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidItem)
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("%w: currency must be an ISO 4217 code", ErrInvalidItem)
	}
	if c.PriceMinor < 0 {
		return fmt.Errorf("%w: price cannot be negative", ErrInvalidItem)
	}
	switch c.Availability {
	case "", AvailabilityInStock, AvailabilityOutOfStock:
	default:
		return fmt.Errorf("%w: unknown availability %q", ErrInvalidItem, c.Availability)
	}
	return nil
}
