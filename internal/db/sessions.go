package db

import (
	"database/sql"
	"time"
)

// VMSession is one lifecycle record.
type VMSession struct {
	ID             string
	State          string
	Backend        string
	SpawnMS        int64
	NeedsAttention bool
	AttentionNote  string
	CreatedAt      time.Time
	DestroyedAt    time.Time // zero when still alive
}

// SessionEvent records one lifecycle step.
type SessionEvent struct {
	SessionID string
	Step      string
	Detail    string
	CreatedAt time.Time
}

// InsertSession saves a new session record.
func InsertSession(sqlDB *sql.DB, id, backend string) error {
	query := `INSERT INTO vm_sessions (id, state, backend, created_at) VALUES (?, ?, ?, ?)`
	_, err := sqlDB.Exec(query, id, "requested", backend, time.Now().Unix())
	return err
}

// UpdateSessionState records a state transition.
func UpdateSessionState(sqlDB *sql.DB, id, state string) error {
	if state == "destroyed" {
		query := `UPDATE vm_sessions SET state = ?, destroyed_at = ? WHERE id = ?`
		_, err := sqlDB.Exec(query, state, time.Now().Unix(), id)
		return err
	}
	query := `UPDATE vm_sessions SET state = ? WHERE id = ?`
	_, err := sqlDB.Exec(query, state, id)
	return err
}

// SetSpawnLatency records the measured spawn latency.
func SetSpawnLatency(sqlDB *sql.DB, id string, latency time.Duration) error {
	query := `UPDATE vm_sessions SET spawn_ms = ? WHERE id = ?`
	_, err := sqlDB.Exec(query, latency.Milliseconds(), id)
	return err
}

// MarkNeedsAttention flags a session whose cleanup left residue behind for
// operator follow-up.
func MarkNeedsAttention(sqlDB *sql.DB, id, note string) error {
	query := `UPDATE vm_sessions SET needs_attention = 1, attention_note = ? WHERE id = ?`
	_, err := sqlDB.Exec(query, note, id)
	return err
}

// InsertEvent records one lifecycle step for a session.
func InsertEvent(sqlDB *sql.DB, sessionID, step, detail string) error {
	query := `INSERT INTO session_events (session_id, step, detail, created_at) VALUES (?, ?, ?, ?)`
	_, err := sqlDB.Exec(query, sessionID, step, detail, time.Now().Unix())
	return err
}

// GetSession retrieves a session record by ID.
func GetSession(sqlDB *sql.DB, id string) (*VMSession, error) {
	query := `SELECT id, state, backend, spawn_ms, needs_attention, attention_note, created_at, destroyed_at
		FROM vm_sessions WHERE id = ?`
	row := sqlDB.QueryRow(query, id)

	var createdAt int64
	var destroyedAt sql.NullInt64
	s := &VMSession{}
	err := row.Scan(&s.ID, &s.State, &s.Backend, &s.SpawnMS,
		&s.NeedsAttention, &s.AttentionNote, &createdAt, &destroyedAt)
	if err != nil {
		return nil, err
	}

	s.CreatedAt = time.Unix(createdAt, 0)
	if destroyedAt.Valid {
		s.DestroyedAt = time.Unix(destroyedAt.Int64, 0)
	}
	return s, nil
}

// ListNeedsAttention retrieves sessions with unresolved cleanup.
func ListNeedsAttention(sqlDB *sql.DB) ([]*VMSession, error) {
	query := `SELECT id, state, backend, spawn_ms, needs_attention, attention_note, created_at, destroyed_at
		FROM vm_sessions WHERE needs_attention = 1 ORDER BY created_at DESC`
	rows, err := sqlDB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*VMSession
	for rows.Next() {
		var createdAt int64
		var destroyedAt sql.NullInt64
		s := &VMSession{}
		if err := rows.Scan(&s.ID, &s.State, &s.Backend, &s.SpawnMS,
			&s.NeedsAttention, &s.AttentionNote, &createdAt, &destroyedAt); err != nil {
			return nil, err
		}
		s.CreatedAt = time.Unix(createdAt, 0)
		if destroyedAt.Valid {
			s.DestroyedAt = time.Unix(destroyedAt.Int64, 0)
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// ListEvents retrieves the lifecycle steps recorded for a session.
func ListEvents(sqlDB *sql.DB, sessionID string) ([]*SessionEvent, error) {
	query := `SELECT session_id, step, detail, created_at FROM session_events
		WHERE session_id = ? ORDER BY id ASC`
	rows, err := sqlDB.Query(query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*SessionEvent
	for rows.Next() {
		var createdAt int64
		e := &SessionEvent{}
		if err := rows.Scan(&e.SessionID, &e.Step, &e.Detail, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, e)
	}

	return events, rows.Err()
}
