package convlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Turn is one persisted conversation turn. Assistant turns carry the
// plan, tool execution trace, and extracted references from the
// orchestration loop; user turns carry only content.
type Turn struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	ProjectID      string          `json:"project_id,omitempty"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	ContentCleaned bool            `json:"content_cleaned,omitempty"`
	Plan           json.RawMessage `json:"plan,omitempty"`
	ToolExecutions json.RawMessage `json:"tool_executions,omitempty"`
	References     json.RawMessage `json:"references,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SessionStats summarizes one session's persisted history.
type SessionStats struct {
	SessionID string    `json:"session_id"`
	Turns     int       `json:"turns"`
	ToolCalls int       `json:"tool_calls"`
	FirstTurn time.Time `json:"first_turn"`
	LastTurn  time.Time `json:"last_turn"`
}

// Store persists conversation turns to SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a conversation store using the given database path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewStoreWithDB creates a conversation store using an existing connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			project_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			content_cleaned INTEGER NOT NULL DEFAULT 0,
			plan TEXT,
			tool_executions TEXT,
			refs TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append persists a turn. Content is scrubbed of image payloads before
// hitting disk; the cleaned flag records that removal happened.
func (s *Store) Append(turn *Turn) error {
	if turn.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if turn.Role == "" {
		return fmt.Errorf("role is required")
	}
	if turn.ID == "" {
		id, _ := uuid.NewV7()
		turn.ID = id.String()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	cleaned, wasCleaned := Scrub(turn.Content)
	turn.Content = cleaned
	if wasCleaned {
		turn.ContentCleaned = true
	}

	_, err := s.db.Exec(`
		INSERT INTO turns (id, session_id, project_id, role, content, content_cleaned, plan, tool_executions, refs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, turn.ID, turn.SessionID, turn.ProjectID, turn.Role, turn.Content,
		boolToInt(turn.ContentCleaned), nullableJSON(turn.Plan),
		nullableJSON(turn.ToolExecutions), nullableJSON(turn.References),
		turn.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// Turns returns a session's turns in chronological order.
func (s *Store) Turns(sessionID string) ([]*Turn, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, project_id, role, content, content_cleaned, plan, tool_executions, refs, created_at
		FROM turns WHERE session_id = ? ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		var t Turn
		var projectID, plan, execs, refs sql.NullString
		var cleaned int
		var createdStr string

		if err := rows.Scan(&t.ID, &t.SessionID, &projectID, &t.Role, &t.Content,
			&cleaned, &plan, &execs, &refs, &createdStr); err != nil {
			return nil, err
		}
		if projectID.Valid {
			t.ProjectID = projectID.String
		}
		t.ContentCleaned = cleaned != 0
		if plan.Valid && plan.String != "" {
			t.Plan = json.RawMessage(plan.String)
		}
		if execs.Valid && execs.String != "" {
			t.ToolExecutions = json.RawMessage(execs.String)
		}
		if refs.Valid && refs.String != "" {
			t.References = json.RawMessage(refs.String)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

// Stats computes summary statistics for a session. Tool call counts
// come from the persisted execution traces.
func (s *Store) Stats(sessionID string) (*SessionStats, error) {
	turns, err := s.Turns(sessionID)
	if err != nil {
		return nil, err
	}

	stats := &SessionStats{SessionID: sessionID, Turns: len(turns)}
	for i, t := range turns {
		if i == 0 {
			stats.FirstTurn = t.CreatedAt
		}
		stats.LastTurn = t.CreatedAt

		if len(t.ToolExecutions) > 0 {
			var execs []json.RawMessage
			if json.Unmarshal(t.ToolExecutions, &execs) == nil {
				stats.ToolCalls += len(execs)
			}
		}
	}
	return stats, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
