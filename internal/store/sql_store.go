package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Queries are written with '?' placeholders and rebound for PostgreSQL.
type sqlStore struct {
	db       *sql.DB
	postgres bool
	name     string
}

func (s *sqlStore) q(query string) string {
	if s.postgres {
		return rebind(query)
	}
	return query
}

func (s *sqlStore) exec(query string, args ...any) (sql.Result, error) {
	return s.db.Exec(s.q(query), args...)
}

func (s *sqlStore) query(query string, args ...any) (*sql.Rows, error) {
	return s.db.Query(s.q(query), args...)
}

func (s *sqlStore) queryRow(query string, args ...any) *sql.Row {
	return s.db.QueryRow(s.q(query), args...)
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// --- conversations ---

const conversationColumns = `id, identity, flow_name, flow_version, step_name, context_json, mode, awaiting, status, turn, last_inbound_at, created_at, updated_at`

func scanConversation(row rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var contextJSON string
	var awaiting sql.NullString
	err := row.Scan(&c.ID, &c.Identity, &c.FlowName, &c.FlowVersion, &c.StepName, &contextJSON,
		&c.Mode, &awaiting, &c.Status, &c.Turn, &c.LastInboundAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	ctx, err := unmarshalMap(contextJSON)
	if err != nil {
		return c, err
	}
	c.Context = ctx
	c.Awaiting = awaiting.String
	return c, nil
}

func (s *sqlStore) getConversationWhere(where string, arg any) (*models.Conversation, error) {
	row := s.queryRow(`SELECT `+conversationColumns+` FROM conversations WHERE `+where, arg)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+".getConversation failed", "error", err, "where", where)
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &c, nil
}

func (s *sqlStore) GetConversation(id string) (*models.Conversation, error) {
	return s.getConversationWhere("id = ?", id)
}

func (s *sqlStore) GetConversationByIdentity(identity string) (*models.Conversation, error) {
	return s.getConversationWhere("identity = ?", identity)
}

func (s *sqlStore) SaveConversation(c models.Conversation) error {
	contextJSON, err := marshalMap(c.Context)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	_, err = s.exec(`INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			flow_name = excluded.flow_name, flow_version = excluded.flow_version, step_name = excluded.step_name,
			context_json = excluded.context_json, mode = excluded.mode, awaiting = excluded.awaiting,
			status = excluded.status, turn = excluded.turn, last_inbound_at = excluded.last_inbound_at,
			updated_at = excluded.updated_at`,
		c.ID, c.Identity, c.FlowName, c.FlowVersion, c.StepName, contextJSON, string(c.Mode), nilIfEmpty(c.Awaiting),
		string(c.Status), c.Turn, c.LastInboundAt.UTC(), c.CreatedAt.UTC(), now)
	if err != nil {
		slog.Error(s.name+".SaveConversation failed", "error", err, "conversationID", c.ID)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrConversationExists, c.Identity)
		}
		return fmt.Errorf("failed to save conversation %s: %w", c.ID, err)
	}
	slog.Debug(s.name+".SaveConversation succeeded", "conversationID", c.ID, "step", c.StepName, "turn", c.Turn)
	return nil
}

func (s *sqlStore) ListIdleConversations(before time.Time, limit int) ([]models.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(`SELECT `+conversationColumns+` FROM conversations
		WHERE status = ? AND last_inbound_at < ? ORDER BY last_inbound_at ASC LIMIT ?`,
		string(models.ConversationActive), before.UTC(), limit)
	if err != nil {
		slog.Error(s.name+".ListIdleConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query idle conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	return out, nil
}

// --- flows ---

func (s *sqlStore) PublishFlow(def models.FlowDefinition) error {
	def.Active = true
	if def.PublishedAt.IsZero() {
		def.PublishedAt = time.Now().UTC()
	}
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal flow definition: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin publish transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(s.q(`SELECT COUNT(*) FROM flow_definitions WHERE name = ? AND version = ?`), def.Name, def.Version).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check flow version: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s v%d", ErrFlowVersionExists, def.Name, def.Version)
	}
	if _, err := tx.Exec(s.q(`UPDATE flow_definitions SET active = ? WHERE name = ?`), false, def.Name); err != nil {
		return fmt.Errorf("failed to deactivate previous versions: %w", err)
	}
	if _, err := tx.Exec(s.q(`INSERT INTO flow_definitions (name, version, active, definition_json, published_at) VALUES (?, ?, ?, ?, ?)`),
		def.Name, def.Version, true, string(data), def.PublishedAt.UTC()); err != nil {
		return fmt.Errorf("failed to insert flow definition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		slog.Error(s.name+".PublishFlow commit failed", "error", err, "flow", def.Name)
		return fmt.Errorf("failed to commit flow publish: %w", err)
	}
	slog.Info(s.name+".PublishFlow succeeded", "flow", def.Name, "version", def.Version)
	return nil
}

func scanFlow(row rowScanner) (models.FlowDefinition, error) {
	var def models.FlowDefinition
	var data string
	var active bool
	var publishedAt time.Time
	if err := row.Scan(&data, &active, &publishedAt); err != nil {
		return def, err
	}
	if err := json.Unmarshal([]byte(data), &def); err != nil {
		return def, fmt.Errorf("failed to unmarshal flow definition: %w", err)
	}
	def.Active = active
	def.PublishedAt = publishedAt
	return def, nil
}

func (s *sqlStore) getFlowWhere(where string, args ...any) (*models.FlowDefinition, error) {
	row := s.queryRow(`SELECT definition_json, active, published_at FROM flow_definitions WHERE `+where, args...)
	def, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow definition: %w", err)
	}
	return &def, nil
}

func (s *sqlStore) GetActiveFlow(name string) (*models.FlowDefinition, error) {
	return s.getFlowWhere("name = ? AND active = ?", name, true)
}

func (s *sqlStore) GetFlowVersion(name string, version int) (*models.FlowDefinition, error) {
	return s.getFlowWhere("name = ? AND version = ?", name, version)
}

func (s *sqlStore) ListFlows() ([]models.FlowDefinition, error) {
	rows, err := s.query(`SELECT definition_json, active, published_at FROM flow_definitions ORDER BY name, version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow definitions: %w", err)
	}
	defer rows.Close()

	var out []models.FlowDefinition
	for rows.Next() {
		def, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}
