package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"Tapline/pkg/logger"
	"Tapline/pkg/types"
)

// ========================================
// Store - SQLite command journal
// ========================================

// DefaultRecent is the history depth kept for conversation memory
const DefaultRecent = 50

// Store persists commands with their outcome and every state event.
// Commands are written directly; state events go through a buffered
// background writer.
type Store struct {
	db     *sql.DB
	dbPath string

	writeBuffer    []types.StateEvent
	writeBufferMu  sync.Mutex
	flushInterval  time.Duration
	flushThreshold int
	flushTicker    *time.Ticker
	stopChan       chan struct{}
	writerDone     chan struct{}
	closeOnce      sync.Once

	stmtInsertCommand *sql.Stmt
	stmtInsertEvent   *sql.Stmt
}

const schemaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA temp_store = MEMORY;

CREATE TABLE IF NOT EXISTS commands (
    id TEXT PRIMARY KEY,
    raw_text TEXT NOT NULL,
    source TEXT,
    received_at INTEGER NOT NULL,
    action_kind TEXT NOT NULL,
    action_target TEXT,
    action_reason TEXT,
    success INTEGER NOT NULL,
    detail TEXT,
    duration_ms INTEGER DEFAULT 0,
    created_at INTEGER DEFAULT (strftime('%s', 'now') * 1000)
);

CREATE INDEX IF NOT EXISTS idx_commands_received ON commands(received_at DESC);

CREATE TABLE IF NOT EXISTS state_events (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    message TEXT,
    command_id TEXT,
    timestamp INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_state_events_time ON state_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_state_events_command ON state_events(command_id);
`

// Open creates or opens <dataDir>/journal.db
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, "journal.db"))
}

// OpenPath opens the database at path
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{
		db:             db,
		dbPath:         dbPath,
		writeBuffer:    make([]types.StateEvent, 0, 64),
		flushInterval:  500 * time.Millisecond,
		flushThreshold: 64,
		stopChan:       make(chan struct{}),
		writerDone:     make(chan struct{}),
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	store.startBackgroundWriter()

	logger.LogDebug("journal").Str("path", dbPath).Msg("Journal opened")
	return store, nil
}

func (s *Store) prepareStatements() error {
	var err error

	s.stmtInsertCommand, err = s.db.Prepare(`
		INSERT OR REPLACE INTO commands (
			id, raw_text, source, received_at,
			action_kind, action_target, action_reason,
			success, detail, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert command: %w", err)
	}

	s.stmtInsertEvent, err = s.db.Prepare(`
		INSERT OR IGNORE INTO state_events (id, kind, message, command_id, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert event: %w", err)
	}
	return nil
}

func (s *Store) startBackgroundWriter() {
	s.flushTicker = time.NewTicker(s.flushInterval)

	go func() {
		defer close(s.writerDone)
		for {
			select {
			case <-s.flushTicker.C:
				s.Flush()
			case <-s.stopChan:
				s.flushTicker.Stop()
				s.Flush()
				return
			}
		}
	}()
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.dbPath
}

// Close flushes pending events and closes the database
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopChan)
		<-s.writerDone

		if s.stmtInsertCommand != nil {
			s.stmtInsertCommand.Close()
		}
		if s.stmtInsertEvent != nil {
			s.stmtInsertEvent.Close()
		}
		err = s.db.Close()
	})
	return err
}

// ========================================
// Commands
// ========================================

// RecordCommand stores a command together with its outcome
func (s *Store) RecordCommand(entry types.HistoryEntry) error {
	_, err := s.stmtInsertCommand.Exec(
		entry.CommandID, entry.RawText, nullString(entry.Source), entry.ReceivedAt.UnixMilli(),
		string(entry.Action.Kind), nullString(entry.Action.Target), nullString(entry.Action.Reason),
		boolToInt(entry.Success), nullString(entry.Detail), entry.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert command %s: %w", entry.CommandID, err)
	}
	return nil
}

// Recent returns up to n of the latest commands, oldest first
func (s *Store) Recent(n int) ([]types.HistoryEntry, error) {
	if n <= 0 {
		n = DefaultRecent
	}
	rows, err := s.db.Query(`
		SELECT id, raw_text, source, received_at, action_kind, action_target,
		       action_reason, success, detail, duration_ms
		FROM (
			SELECT rowid AS rid, * FROM commands ORDER BY received_at DESC, rowid DESC LIMIT ?
		) ORDER BY received_at ASC, rid ASC
	`, n)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	var entries []types.HistoryEntry
	for rows.Next() {
		var (
			e                              types.HistoryEntry
			source, target, reason, detail sql.NullString
			receivedAt                     int64
			kind                           string
			success                        int
		)
		if err := rows.Scan(&e.CommandID, &e.RawText, &source, &receivedAt, &kind, &target,
			&reason, &success, &detail, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		e.Source = source.String
		e.ReceivedAt = time.UnixMilli(receivedAt)
		e.Action = types.Action{Kind: types.ActionKind(kind), Target: target.String, Reason: reason.String}
		e.Success = success != 0
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ========================================
// State events
// ========================================

// WriteEvent buffers a state event
func (s *Store) WriteEvent(event types.StateEvent) {
	s.writeBufferMu.Lock()
	s.writeBuffer = append(s.writeBuffer, event)
	shouldFlush := len(s.writeBuffer) >= s.flushThreshold
	s.writeBufferMu.Unlock()

	if shouldFlush {
		go s.Flush()
	}
}

// Flush writes buffered events
func (s *Store) Flush() {
	s.writeBufferMu.Lock()
	if len(s.writeBuffer) == 0 {
		s.writeBufferMu.Unlock()
		return
	}
	batch := s.writeBuffer
	s.writeBuffer = make([]types.StateEvent, 0, 64)
	s.writeBufferMu.Unlock()

	if err := s.writeEventsBatch(batch); err != nil {
		logger.LogError("journal").Err(err).Int("count", len(batch)).Msg("Failed to flush state events")
	}
}

func (s *Store) writeEventsBatch(batch []types.StateEvent) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.Stmt(s.stmtInsertEvent)
	for _, e := range batch {
		if _, err := stmt.Exec(e.ID, string(e.Kind), nullString(e.Message), nullString(e.CommandID), e.Timestamp.UnixMilli()); err != nil {
			return fmt.Errorf("insert event %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// RecentEvents returns up to n of the latest state events, oldest first.
// Buffered events are flushed first.
func (s *Store) RecentEvents(n int) ([]types.StateEvent, error) {
	s.Flush()
	if n <= 0 {
		n = DefaultRecent
	}
	rows, err := s.db.Query(`
		SELECT id, kind, message, command_id, timestamp FROM (
			SELECT rowid AS rid, * FROM state_events ORDER BY timestamp DESC, rowid DESC LIMIT ?
		) ORDER BY timestamp ASC, rid ASC
	`, n)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []types.StateEvent
	for rows.Next() {
		var (
			e                  types.StateEvent
			kind               string
			message, commandID sql.NullString
			ts                 int64
		)
		if err := rows.Scan(&e.ID, &kind, &message, &commandID, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = types.EventKind(kind)
		e.Message = message.String
		e.CommandID = commandID.String
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Name identifies the journal as an event sink
func (s *Store) Name() string { return "journal" }

// Publish lets the journal sit behind the state reporter
func (s *Store) Publish(_ context.Context, event types.StateEvent) error {
	s.WriteEvent(event)
	return nil
}

// ========================================
// Maintenance
// ========================================

// Cleanup removes commands and events older than maxAge
func (s *Store) Cleanup(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	res, err := s.db.Exec(`DELETE FROM commands WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	commands, _ := res.RowsAffected()

	res, err = s.db.Exec(`DELETE FROM state_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return int(commands), err
	}
	events, _ := res.RowsAffected()
	return int(commands + events), nil
}

// Vacuum compacts the database
func (s *Store) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
