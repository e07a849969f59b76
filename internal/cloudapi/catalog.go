package cloudapi

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Batch methods accepted by /{catalog_id}/items_batch.
const (
	BatchCreate = "CREATE"
	BatchUpdate = "UPDATE"
	BatchDelete = "DELETE"
)

type batchRequest struct {
	Method string         `json:"method"`
	Data   map[string]any `json:"data"`
}

type itemsBatchRequest struct {
	ItemType    string         `json:"item_type"`
	AllowUpsert bool           `json:"allow_upsert"`
	Requests    []batchRequest `json:"requests"`
}

type itemsBatchResponse struct {
	Handles          []string `json:"handles"`
	ValidationStatus []struct {
		RetailerID string `json:"retailer_id"`
		Errors     []struct {
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"validation_status"`
}

// FormatPrice renders minor units as the "<major>.<minor> <CUR>" string the
// catalog API expects.
func FormatPrice(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, strings.ToUpper(currency))
}

func itemData(item models.CatalogItem, method string) map[string]any {
	data := map[string]any{"id": item.RetailerID}
	if method == BatchDelete {
		return data
	}
	data["title"] = item.Name
	data["price"] = FormatPrice(item.PriceMinor, item.Currency)
	availability := item.Availability
	if availability == "" {
		availability = models.AvailabilityInStock
	}
	data["availability"] = availability
	if item.Description != "" {
		data["description"] = item.Description
	}
	if item.ImageURL != "" {
		data["image_link"] = item.ImageURL
	}
	if item.URL != "" {
		data["link"] = item.URL
	}
	return data
}

// PushItem sends a single-item batch and returns the batch handle.
func (c *Client) PushItem(ctx context.Context, method string, item models.CatalogItem) (string, error) {
	if c.catalogID == "" {
		return "", fmt.Errorf("catalog id is not configured")
	}
	switch method {
	case BatchCreate, BatchUpdate, BatchDelete:
	default:
		return "", fmt.Errorf("unsupported batch method %q", method)
	}

	body := itemsBatchRequest{
		ItemType:    "PRODUCT_ITEM",
		AllowUpsert: method != BatchDelete,
		Requests:    []batchRequest{{Method: method, Data: itemData(item, method)}},
	}
	var resp itemsBatchResponse
	if err := c.post(ctx, "/"+c.catalogID+"/items_batch", body, &resp); err != nil {
		slog.Error("cloudapi PushItem failed", "retailerID", item.RetailerID, "method", method, "error", err)
		return "", err
	}

	for _, vs := range resp.ValidationStatus {
		if len(vs.Errors) > 0 {
			msgs := make([]string, 0, len(vs.Errors))
			for _, e := range vs.Errors {
				msgs = append(msgs, e.Message)
			}
			return "", &models.ProviderError{Type: "ValidationError", Message: strings.Join(msgs, "; ")}
		}
	}
	if len(resp.Handles) == 0 {
		return "", &models.ProviderError{Type: "EmptyResponse", Message: "response carried no batch handle"}
	}
	slog.Debug("cloudapi catalog batch accepted", "retailerID", item.RetailerID, "method", method, "handle", resp.Handles[0])
	return resp.Handles[0], nil
}
