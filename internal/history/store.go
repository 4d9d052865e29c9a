// Package history keeps a sqlite log of emitted actions so past sessions can
// be inspected from the command line.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"mobxlens/internal/logging"
	"mobxlens/internal/protocol"
)

// ErrNotFound is returned by Get for an unknown action id.
var ErrNotFound = errors.New("action not found")

// Record is one stored action.
type Record struct {
	ID         string          `json:"id"`
	Session    string          `json:"session"`
	Name       string          `json:"name"`
	Store      string          `json:"store"`
	Timestamp  time.Time       `json:"timestamp"`
	Changes    json.RawMessage `json:"changes"`
	Arguments  json.RawMessage `json:"arguments"`
	StackTrace string          `json:"stackTrace"`
	NumChanges int             `json:"numChanges"`
}

// Change is the stored form of one change.
type Change struct {
	Type           string `json:"type"`
	Name           string `json:"name"`
	Store          string `json:"store"`
	ObservableKind string `json:"observableKind"`
	OldValue       any    `json:"oldValue,omitempty"`
	NewValue       any    `json:"newValue,omitempty"`
}

// ChangeList decodes the stored changes.
func (r Record) ChangeList() ([]Change, error) {
	var out []Change
	if len(r.Changes) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(r.Changes, &out); err != nil {
		return nil, fmt.Errorf("decode changes of %s: %w", r.ID, err)
	}
	return out, nil
}

// ArgumentList decodes the stored call arguments.
func (r Record) ArgumentList() ([]any, error) {
	var out []any
	if len(r.Arguments) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(r.Arguments, &out); err != nil {
		return nil, fmt.Errorf("decode arguments of %s: %w", r.ID, err)
	}
	return out, nil
}

// Query filters List.
type Query struct {
	Store   string
	Session string
	// Name matches action names containing it.
	Name  string
	Since time.Time
	Limit int
}

// Store is the action log.
type Store struct {
	db      *sql.DB
	mu      sync.RWMutex
	path    string
	session string
}

// Open opens (creating if needed) the log at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; modernc serializes anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure history schema: %w", err)
	}
	logging.HistoryDebug("history opened at %s", path)
	return s, nil
}

func (s *Store) ensureSchema() error {
	schema := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		session TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		store TEXT NOT NULL,
		ts INTEGER NOT NULL,
		changes TEXT NOT NULL,
		arguments TEXT NOT NULL,
		stack_trace TEXT NOT NULL DEFAULT '',
		num_changes INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_actions_ts ON actions(ts);
	CREATE INDEX IF NOT EXISTS idx_actions_store ON actions(store);
	CREATE INDEX IF NOT EXISTS idx_actions_session ON actions(session);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SetSession tags subsequently recorded actions.
func (s *Store) SetSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = id
}

// Path is the database file.
func (s *Store) Path() string { return s.path }

// Send implements protocol.Sender. Only ACTION messages are recorded.
func (s *Store) Send(m protocol.Message) error {
	if m.Type != protocol.TypeAction {
		return nil
	}
	switch a := m.Payload.(type) {
	case protocol.ActionMessage:
		return s.Record(a)
	case *protocol.ActionMessage:
		if a != nil {
			return s.Record(*a)
		}
	}
	return fmt.Errorf("ACTION payload of type %T", m.Payload)
}

// Record stores one action. Re-recording an id replaces it.
func (s *Store) Record(a protocol.ActionMessage) error {
	timer := logging.StartTimer(logging.CategoryHistory, "Record")
	defer timer.StopWithThreshold(20 * time.Millisecond)

	changes, err := json.Marshal(a.Changes)
	if err != nil {
		return fmt.Errorf("encode changes of %s: %w", a.ID, err)
	}
	args, err := json.Marshal(a.Arguments)
	if err != nil {
		return fmt.Errorf("encode arguments of %s: %w", a.ID, err)
	}
	if a.Changes == nil {
		changes = []byte("[]")
	}
	if a.Arguments == nil {
		args = []byte("[]")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO actions
		(id, session, name, store, ts, changes, arguments, stack_trace, num_changes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, s.session, a.Name, a.Object, a.Timestamp, string(changes), string(args), a.StackTrace, len(a.Changes),
	)
	if err != nil {
		logging.HistoryWarn("record %s: %v", a.ID, err)
		return fmt.Errorf("record %s: %w", a.ID, err)
	}
	return nil
}

const selectColumns = `id, session, name, store, ts, changes, arguments, stack_trace, num_changes`

// List returns matching actions, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if q.Store != "" {
		where = append(where, "store = ?")
		args = append(args, q.Store)
	}
	if q.Session != "" {
		where = append(where, "session = ?")
		args = append(args, q.Session)
	}
	if q.Name != "" {
		where = append(where, "name LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(q.Name)+"%")
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.UnixMilli())
	}

	query := "SELECT " + selectColumns + " FROM actions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, rowid DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns one action by id.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM actions WHERE id = ?", id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

// StoreCounts returns the number of recorded actions per store.
func (s *Store) StoreCounts(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT store, COUNT(*) FROM actions GROUP BY store")
	if err != nil {
		return nil, fmt.Errorf("count actions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var store string
		var n int
		if err := rows.Scan(&store, &n); err != nil {
			return nil, err
		}
		out[store] = n
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep actions and returns how many went.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM actions WHERE rowid NOT IN (
			SELECT rowid FROM actions ORDER BY ts DESC, rowid DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune actions: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r       Record
		ts      int64
		changes string
		args    string
	)
	if err := sc.Scan(&r.ID, &r.Session, &r.Name, &r.Store, &ts, &changes, &args, &r.StackTrace, &r.NumChanges); err != nil {
		return Record{}, err
	}
	r.Timestamp = time.UnixMilli(ts)
	r.Changes = json.RawMessage(changes)
	r.Arguments = json.RawMessage(args)
	return r, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
