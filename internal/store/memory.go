package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// InMemoryStore keeps all state in process memory. Returned values are copies.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation // by id
	identities    map[string]string              // identity -> id
	flows         map[string][]models.FlowDefinition
	syncRecords   map[string]models.SyncRecord
	syncAttempts  map[string][]models.SyncAttempt
	webhooks      map[string]models.WebhookEvent
	records       []models.BusinessRecord
	catalog       map[string]models.CatalogItem
	jobs          []Job
	jobSeq        int64
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]models.Conversation),
		identities:    make(map[string]string),
		flows:         make(map[string][]models.FlowDefinition),
		syncRecords:   make(map[string]models.SyncRecord),
		syncAttempts:  make(map[string][]models.SyncAttempt),
		webhooks:      make(map[string]models.WebhookEvent),
		catalog:       make(map[string]models.CatalogItem),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

func copyConversation(c models.Conversation) models.Conversation {
	c.Context = c.Context.Clone()
	return c
}

func (s *InMemoryStore) GetConversation(id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	c = copyConversation(c)
	return &c, nil
}

func (s *InMemoryStore) GetConversationByIdentity(identity string) (*models.Conversation, error) {
	s.mu.RLock()
	id, ok := s.identities[identity]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.GetConversation(id)
}

func (s *InMemoryStore) SaveConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.identities[c.Identity]; ok && id != c.ID {
		return fmt.Errorf("%w: %s", ErrConversationExists, c.Identity)
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if prev, ok := s.conversations[c.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	}
	c.UpdatedAt = now
	s.conversations[c.ID] = copyConversation(c)
	s.identities[c.Identity] = c.ID
	return nil
}

func (s *InMemoryStore) ListIdleConversations(before time.Time, limit int) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Conversation
	for _, c := range s.conversations {
		if c.Status == models.ConversationActive && c.LastInboundAt.Before(before) {
			out = append(out, copyConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastInboundAt.Before(out[j].LastInboundAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) PublishFlow(def models.FlowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.flows[def.Name]
	for _, v := range versions {
		if v.Version == def.Version {
			return fmt.Errorf("%w: %s v%d", ErrFlowVersionExists, def.Name, def.Version)
		}
	}
	for i := range versions {
		versions[i].Active = false
	}
	def.Active = true
	if def.PublishedAt.IsZero() {
		def.PublishedAt = time.Now()
	}
	s.flows[def.Name] = append(versions, def)
	return nil
}

func (s *InMemoryStore) GetActiveFlow(name string) (*models.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.flows[name] {
		if v.Active {
			v := v
			return &v, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) GetFlowVersion(name string, version int) (*models.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.flows[name] {
		if v.Version == version {
			v := v
			return &v, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListFlows() ([]models.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FlowDefinition
	for _, versions := range s.flows {
		out = append(out, versions...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (s *InMemoryStore) CreateSyncRecord(rec models.SyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.syncRecords[rec.ID]; ok {
		return fmt.Errorf("sync record %s already exists", rec.ID)
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Status == "" {
		rec.Status = models.SyncNotSynced
	}
	rec.UpdatedAt = now
	s.syncRecords[rec.ID] = rec
	return nil
}

func (s *InMemoryStore) GetSyncRecord(id string) (*models.SyncRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.syncRecords[id]
	if !ok {
		return nil, fmt.Errorf("sync record %s: %w", id, ErrNotFound)
	}
	return &rec, nil
}

func (s *InMemoryStore) GetSyncRecordByExternalID(class models.SyncClass, externalID string) (*models.SyncRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.syncRecords {
		if rec.Class == class && rec.ExternalID == externalID && externalID != "" {
			rec := rec
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("sync record with external id %s: %w", externalID, ErrNotFound)
}

func (s *InMemoryStore) SaveSyncRecord(rec models.SyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.syncRecords[rec.ID]
	if !ok {
		return fmt.Errorf("sync record %s: %w", rec.ID, ErrNotFound)
	}
	if prev.Revision != rec.Revision {
		return fmt.Errorf("sync record %s at revision %d: %w", rec.ID, rec.Revision, ErrRevisionConflict)
	}
	rec.Revision++
	rec.Class = prev.Class
	rec.CreatedAt = prev.CreatedAt
	rec.UpdatedAt = time.Now()
	s.syncRecords[rec.ID] = rec
	return nil
}

func (s *InMemoryStore) ListSyncRecords(filter SyncFilter) ([]models.SyncRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SyncRecord
	for _, rec := range s.syncRecords {
		if filter.Class != "" && rec.Class != filter.Class {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, rec.Status) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func containsStatus(list []models.SyncStatus, st models.SyncStatus) bool {
	for _, s := range list {
		if s == st {
			return true
		}
	}
	return false
}

func (s *InMemoryStore) AddSyncAttempt(a models.SyncAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncAttempts[a.RecordID] = append(s.syncAttempts[a.RecordID], a)
	return nil
}

func (s *InMemoryStore) ListSyncAttempts(recordID string) ([]models.SyncAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.SyncAttempt(nil), s.syncAttempts[recordID]...), nil
}

func (s *InMemoryStore) RecordWebhookEvent(evt models.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[evt.DedupKey]; ok {
		return false, nil
	}
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = time.Now()
	}
	evt.Processed = false
	evt.Inbound, evt.Status = nil, nil
	s.webhooks[evt.DedupKey] = evt
	return true, nil
}

func (s *InMemoryStore) GetWebhookEvent(dedupKey string) (*models.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt, ok := s.webhooks[dedupKey]
	if !ok {
		return nil, nil
	}
	return &evt, nil
}

func (s *InMemoryStore) MarkWebhookProcessed(dedupKey, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, ok := s.webhooks[dedupKey]
	if !ok {
		return fmt.Errorf("webhook event %s: %w", dedupKey, ErrNotFound)
	}
	now := time.Now()
	evt.Processed = true
	evt.Outcome = outcome
	evt.ProcessedAt = &now
	s.webhooks[dedupKey] = evt
	return nil
}

func (s *InMemoryStore) SaveRecord(r models.BusinessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records {
		if existing.ID == r.ID {
			return nil
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	fields := make(map[string]string, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	r.Fields = fields
	s.records = append(s.records, r)
	return nil
}

func (s *InMemoryStore) ListRecords(conversationID string) ([]models.BusinessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.BusinessRecord
	for _, r := range s.records {
		if r.ConversationID == conversationID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *InMemoryStore) SaveCatalogItem(item models.CatalogItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.UpdatedAt = time.Now()
	s.catalog[item.RetailerID] = item
	return nil
}

func (s *InMemoryStore) GetCatalogItem(retailerID string) (*models.CatalogItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.catalog[retailerID]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *InMemoryStore) ListCatalogItems() ([]models.CatalogItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CatalogItem, 0, len(s.catalog))
	for _, item := range s.catalog {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RetailerID < out[j].RetailerID })
	return out, nil
}

func (s *InMemoryStore) EnqueueJob(kind, key string, runAt time.Time, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey {
				return j.ID, nil
			}
		}
	}
	s.jobSeq++
	now := time.Now()
	j := Job{
		ID:          util.GenerateJobID(),
		Seq:         s.jobSeq,
		Kind:        kind,
		Key:         key,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultJobMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs = append(s.jobs, j)
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blocked := make(map[string]bool)
	var claimed []Job
	for i := range s.jobs {
		j := &s.jobs[i]
		pending := j.Status == JobStatusQueued || j.Status == JobStatusRunning
		if !pending {
			continue
		}
		if j.Key != "" && blocked[j.Key] {
			continue
		}
		if j.Key != "" {
			blocked[j.Key] = true
		}
		if j.Status != JobStatusQueued || j.RunAt.After(now) {
			continue
		}
		if limit > 0 && len(claimed) >= limit {
			break
		}
		locked := now
		j.Status = JobStatusRunning
		j.LockedAt = &locked
		j.UpdatedAt = now
		claimed = append(claimed, *j)
	}
	return claimed, nil
}

func (s *InMemoryStore) findJob(id string) (*Job, error) {
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			return &s.jobs[i], nil
		}
	}
	return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
}

func (s *InMemoryStore) CompleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.findJob(id)
	if err != nil {
		return err
	}
	j.Status = JobStatusDone
	j.LockedAt = nil
	j.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.findJob(id)
	if err != nil {
		return err
	}
	j.Attempt++
	j.LastError = errMsg
	j.LockedAt = nil
	j.UpdatedAt = time.Now()
	if j.Attempt >= j.MaxAttempts {
		j.Status = JobStatusFailed
		return nil
	}
	j.Status = JobStatusQueued
	j.RunAt = nextRunAt
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.jobs {
		j := &s.jobs[i]
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.ID == id {
			j := j
			return &j, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListJobs(status JobStatus, limit int) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, j)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
