package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/catalog"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/webhook"
)

// Request headers carrying provider signatures.
const (
	HeaderHubSignature    = "X-Hub-Signature-256"
	HeaderTwilioSignature = "X-Twilio-Signature"
)

// SyncDetail is the GET /sync/{id} result.
type SyncDetail struct {
	Record         models.SyncRecord    `json:"record"`
	Attempts       []models.SyncAttempt `json:"attempts"`
	NextEligibleAt *time.Time           `json:"next_eligible_at,omitempty"`
}

// CatalogChange is the result of a catalog write.
type CatalogChange struct {
	Item       *models.CatalogItem `json:"item"`
	SyncRecord *models.SyncRecord  `json:"sync_record"`
}

// ConversationView is the GET /conversations/{id} result.
type ConversationView struct {
	Conversation models.Conversation     `json:"conversation"`
	FlowStack    []string                `json:"flow_stack,omitempty"`
	Records      []models.BusinessRecord `json:"records"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"provider": s.provider.Name()}))
}

// webhookVerifyHandler answers the Cloud API subscription handshake.
func (s *Server) webhookVerifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || s.opts.VerifyToken == "" || q.Get("hub.verify_token") != s.opts.VerifyToken {
		slog.Warn("Server.webhookVerifyHandler: verification rejected", "mode", q.Get("hub.mode"))
		writeJSONResponse(w, http.StatusForbidden, models.Error("Verification failed"))
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, q.Get("hub.challenge")); err != nil {
		slog.Error("Server.webhookVerifyHandler: failed to write challenge", "error", err)
	}
}

// ingestStatus maps gateway errors to HTTP statuses. Routing failures are
// 500 so the provider redelivers; the dedup ledger makes that safe.
func ingestStatus(err error) (int, string) {
	switch {
	case errors.Is(err, webhook.ErrInvalidSignature):
		return http.StatusUnauthorized, "Invalid signature"
	case errors.Is(err, webhook.ErrMalformedPayload):
		return http.StatusBadRequest, "Malformed payload"
	default:
		return http.StatusInternalServerError, "Failed to process webhook"
	}
}

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		slog.Warn("Server.webhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}

	res, err := s.gateway.Ingest(r.Context(), raw, r.Header.Get(HeaderHubSignature))
	if err != nil {
		code, msg := ingestStatus(err)
		slog.Warn("Server.webhookHandler: ingest failed", "status", code, "error", err)
		writeJSONResponse(w, code, models.Error(msg))
		return
	}
	slog.Debug("Server.webhookHandler: webhook processed", "events", len(res.Events), "duplicate", res.Duplicate)
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// twilioURL rebuilds the URL Twilio signed.
func (s *Server) twilioURL(r *http.Request) string {
	if s.opts.PublicURL != "" {
		return strings.TrimRight(s.opts.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: invalid form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}
	res, err := s.gateway.IngestTwilio(r.Context(), s.twilioURL(r), r.PostForm, r.Header.Get(HeaderTwilioSignature))
	if err != nil {
		code, msg := ingestStatus(err)
		slog.Warn("Server.twilioWebhookHandler: ingest failed", "status", code, "error", err)
		writeJSONResponse(w, code, models.Error(msg))
		return
	}
	slog.Debug("Server.twilioWebhookHandler: webhook processed", "events", len(res.Events), "duplicate", res.Duplicate)
	writeTwiML(w)
}

func (s *Server) listSyncHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SyncFilter{Class: models.SyncClass(q.Get("class"))}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := models.SyncStatus(strings.TrimSpace(part))
			if !models.IsValidSyncStatus(st) {
				writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid status: "+string(st)))
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit"))
			return
		}
		filter.Limit = n
	}

	recs, err := s.st.ListSyncRecords(filter)
	if err != nil {
		slog.Error("Server.listSyncHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list sync records"))
		return
	}
	if recs == nil {
		recs = []models.SyncRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(recs))
}

func (s *Server) getSyncHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.st.GetSyncRecord(id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Sync record not found"))
		return
	}
	if err != nil {
		slog.Error("Server.getSyncHandler: lookup failed", "recordID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load sync record"))
		return
	}
	attempts, err := s.st.ListSyncAttempts(id)
	if err != nil {
		slog.Error("Server.getSyncHandler: attempts lookup failed", "recordID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load sync attempts"))
		return
	}
	if attempts == nil {
		attempts = []models.SyncAttempt{}
	}
	detail := SyncDetail{Record: *rec, Attempts: attempts}
	if rec.Status == models.SyncRetryPending {
		next := s.engine.Policy().NextEligibleAt(*rec)
		detail.NextEligibleAt = &next
	}
	writeJSONResponse(w, http.StatusOK, models.Success(detail))
}

func (s *Server) resetSyncHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.engine.Reset(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Sync record not found"))
		return
	}
	if err != nil {
		slog.Error("Server.resetSyncHandler: reset failed", "recordID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset sync record"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Sync record reset", rec))
}

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	defs, err := s.defs.List()
	if err != nil {
		slog.Error("Server.listFlowsHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list flows"))
		return
	}
	if defs == nil {
		defs = []models.FlowDefinition{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(defs))
}

// publishFlowHandler accepts a YAML or JSON flow document.
func (s *Server) publishFlowHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}
	def, err := flow.ParseDefinition(raw)
	if err != nil {
		slog.Warn("Server.publishFlowHandler: invalid document", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	err = s.defs.Publish(def)
	switch {
	case errors.Is(err, store.ErrFlowVersionExists):
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
		return
	case errors.Is(err, models.ErrInvalidFlow), errors.Is(err, models.ErrEmptyFlowName),
		errors.Is(err, flow.ErrUnknownAction), errors.Is(err, flow.ErrFlowNotFound):
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Error(err.Error()))
		return
	case err != nil:
		slog.Error("Server.publishFlowHandler: publish failed", "flow", def.Name, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to publish flow"))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Flow published", def))
}

func (s *Server) listCatalogHandler(w http.ResponseWriter, r *http.Request) {
	items, err := s.catalog.List(r.Context())
	if err != nil {
		slog.Error("Server.listCatalogHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list catalog items"))
		return
	}
	if items == nil {
		items = []models.CatalogItem{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(items))
}

func (s *Server) putCatalogItemHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var item models.CatalogItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		slog.Warn("Server.putCatalogItemHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	item.RetailerID = r.PathValue("retailer_id")

	saved, rec, err := s.catalog.Upsert(r.Context(), item)
	if errors.Is(err, models.ErrInvalidItem) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err != nil {
		slog.Error("Server.putCatalogItemHandler: upsert failed", "retailerID", item.RetailerID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save catalog item"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(CatalogChange{Item: saved, SyncRecord: rec}))
}

func (s *Server) deleteCatalogItemHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("retailer_id")
	item, rec, err := s.catalog.Delete(r.Context(), id)
	if errors.Is(err, catalog.ErrItemNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Catalog item not found"))
		return
	}
	if err != nil {
		slog.Error("Server.deleteCatalogItemHandler: delete failed", "retailerID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete catalog item"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(CatalogChange{Item: item, SyncRecord: rec}))
}

func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.st.GetConversation(id)
	if err != nil {
		slog.Error("Server.getConversationHandler: lookup failed", "conversationID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
		return
	}
	if conv == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}
	records, err := s.st.ListRecords(id)
	if err != nil {
		slog.Error("Server.getConversationHandler: records lookup failed", "conversationID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load records"))
		return
	}
	if records == nil {
		records = []models.BusinessRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ConversationView{
		Conversation: *conv,
		FlowStack:    flow.Stack(conv.Context),
		Records:      records,
	}))
}

func (s *Server) resumeConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.orchestrator.Resume(r.Context(), id)
	if errors.Is(err, flow.ErrConversationNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}
	if err != nil {
		slog.Error("Server.resumeConversationHandler: resume failed", "conversationID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to resume conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation resumed", conv))
}
