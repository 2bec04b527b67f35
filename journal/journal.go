// Package journal persists an append-only record of scheduler cycles,
// routed messages, and agent faults to SQLite, so a run can be
// inspected or replayed after the fact. Every row carries the cycle
// number it occurred at; cycle and fault rows also carry the virtual
// time. Each row also stores a wall-clock recorded_at stamp, which says
// when the row was written, not when the event happened in the
// simulation.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/root-11/maslite/agent"
	"github.com/root-11/maslite/message"
)

// Journal writes cycle/message/fault rows to a SQLite-backed log.
// Safe for concurrent use; the underlying *sql.DB serializes writes.
type Journal struct {
	db *sql.DB
}

// Open creates or attaches to a journal database at path, creating its
// schema if needed. Passing ":memory:" is valid for tests.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return j, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		cycle INTEGER NOT NULL,
		virtual_time REAL NOT NULL,
		activated INTEGER NOT NULL,
		recorded_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		cycle INTEGER NOT NULL,
		topic TEXT NOT NULL,
		sender TEXT NOT NULL,
		receiver TEXT NOT NULL,
		recipients INTEGER NOT NULL,
		dropped INTEGER NOT NULL,
		recorded_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS faults (
		id TEXT PRIMARY KEY,
		cycle INTEGER NOT NULL,
		virtual_time REAL NOT NULL,
		agent_id TEXT NOT NULL,
		hook TEXT NOT NULL,
		error TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cycles_cycle ON cycles(cycle);
	CREATE INDEX IF NOT EXISTS idx_messages_cycle ON messages(cycle);
	CREATE INDEX IF NOT EXISTS idx_faults_cycle ON faults(cycle);
	CREATE INDEX IF NOT EXISTS idx_faults_agent_id ON faults(agent_id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// NewID mints an identity for a journal row. UUIDv7 orders rows by
// insertion time even without reading recorded_at, which makes ad hoc
// inspection queries easier to reason about.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// CycleRecord is one row of the cycles table.
type CycleRecord struct {
	ID          string
	Cycle       int
	VirtualTime float64
	Activated   int
	RecordedAt  time.Time
}

// RecordCycle appends one row describing a completed scheduler cycle.
func (j *Journal) RecordCycle(cycle int, virtualTime float64, activated int) error {
	_, err := j.db.Exec(`
		INSERT INTO cycles (id, cycle, virtual_time, activated, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, NewID(), cycle, virtualTime, activated, time.Now().Format(time.RFC3339Nano))
	return err
}

// Cycles returns the most recent limit cycle records, oldest first.
// limit <= 0 returns every row.
func (j *Journal) Cycles(limit int) ([]CycleRecord, error) {
	query := `SELECT id, cycle, virtual_time, activated, recorded_at FROM cycles ORDER BY cycle ASC`
	if limit > 0 {
		query = fmt.Sprintf(`SELECT id, cycle, virtual_time, activated, recorded_at FROM (SELECT * FROM cycles ORDER BY cycle DESC LIMIT %d) ORDER BY cycle ASC`, limit)
	}
	rows, err := j.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var r CycleRecord
		var recordedAt string
		if err := rows.Scan(&r.ID, &r.Cycle, &r.VirtualTime, &r.Activated, &recordedAt); err != nil {
			return nil, err
		}
		r.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MessageRecord is one row of the messages table.
type MessageRecord struct {
	ID         string
	Cycle      int
	Topic      string
	Sender     message.ID
	Receiver   string
	Recipients int
	Dropped    bool
	RecordedAt time.Time
}

// RecordMessage appends one row describing a routing outcome.
func (j *Journal) RecordMessage(cycle int, topic string, sender message.ID, receiver string, recipients int, dropped bool) error {
	_, err := j.db.Exec(`
		INSERT INTO messages (id, cycle, topic, sender, receiver, recipients, dropped, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, NewID(), cycle, topic, string(sender), receiver, recipients, boolToInt(dropped), time.Now().Format(time.RFC3339Nano))
	return err
}

// MessagesByCycle returns every message row recorded for cycle.
func (j *Journal) MessagesByCycle(cycle int) ([]MessageRecord, error) {
	rows, err := j.db.Query(`
		SELECT id, cycle, topic, sender, receiver, recipients, dropped, recorded_at
		FROM messages WHERE cycle = ? ORDER BY recorded_at ASC
	`, cycle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var r MessageRecord
		var sender, recordedAt string
		var dropped int
		if err := rows.Scan(&r.ID, &r.Cycle, &r.Topic, &sender, &r.Receiver, &r.Recipients, &dropped, &recordedAt); err != nil {
			return nil, err
		}
		r.Sender = message.ID(sender)
		r.Dropped = dropped == 1
		r.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// FaultRecord is one row of the faults table.
type FaultRecord struct {
	ID          string
	Cycle       int
	VirtualTime float64
	AgentID     message.ID
	Hook        string
	Error       string
	RecordedAt  time.Time
}

// RecordFault appends one row describing an agent fault.
func (j *Journal) RecordFault(f *agent.Fault) error {
	_, err := j.db.Exec(`
		INSERT INTO faults (id, cycle, virtual_time, agent_id, hook, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, NewID(), f.Cycle, f.VirtualTime, string(f.AgentID), f.Kind, f.Err.Error(), time.Now().Format(time.RFC3339Nano))
	return err
}

// FaultsByAgent returns every fault recorded for agentID, most recent
// first, capped at limit rows (limit <= 0 means all).
func (j *Journal) FaultsByAgent(agentID message.ID, limit int) ([]FaultRecord, error) {
	query := `
		SELECT id, cycle, virtual_time, agent_id, hook, error, recorded_at
		FROM faults WHERE agent_id = ? ORDER BY rowid DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := j.db.Query(query, string(agentID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FaultRecord
	for rows.Next() {
		var r FaultRecord
		var id, agentIDCol, recordedAt string
		if err := rows.Scan(&id, &r.Cycle, &r.VirtualTime, &agentIDCol, &r.Hook, &r.Error, &recordedAt); err != nil {
			return nil, err
		}
		r.ID = id
		r.AgentID = message.ID(agentIDCol)
		r.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
