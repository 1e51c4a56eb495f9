// Package statestore holds the orchestrator's durable record of bots,
// their side-car database instances, and in-flight background tasks. It
// keeps everything in memory guarded by a mutex and writes bot and
// database mutations through to JSON files via create-temp-then-rename;
// tasks are not written to JSON. Terminal
// background tasks are additionally indexed into a local SQLite file so
// task history survives past the in-memory map's lifetime, using the
// pure-Go modernc.org/sqlite driver (no cgo).
package statestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// BotInstance is one provisioned chat bot.
type BotInstance struct {
	ID            string            `json:"id"`
	OwnerID       string            `json:"owner_id"`
	Platform      string            `json:"platform"` // "onebot" or "discord"
	DisplayName   string            `json:"display_name"`
	ContainerID   string            `json:"container_id,omitempty"`
	ContainerName string            `json:"container_name,omitempty"`
	WsHost        string            `json:"ws_host,omitempty"`
	WsPort        int               `json:"ws_port,omitempty"`
	WebUIHost     string            `json:"webui_host,omitempty"`
	WebUIPort     int               `json:"webui_port,omitempty"`
	WebUIToken    string            `json:"webui_token,omitempty"`
	DiscordToken  string            `json:"discord_token,omitempty"`
	IsRunning     bool              `json:"is_running"`
	IsConnected   bool              `json:"is_connected"`
	ModulesConfig map[string]any    `json:"modules_config,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// DatabaseInstance is a provisioned side-car database shared by one or more
// bots.
type DatabaseInstance struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"` // e.g. "postgres", "redis"
	ContainerID string    `json:"container_id,omitempty"`
	Volume      string    `json:"volume,omitempty"`
	HostPort    string    `json:"host_port,omitempty"`
	Password    string    `json:"password,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// BackgroundTask tracks a long-running provisioning operation (pull, image
// build) so callers can poll its status instead of blocking. The live task
// map is in-memory only and starts empty after a process restart; terminal
// tasks are also mirrored into the task history index (see TaskHistory).
type BackgroundTask struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"` // "pending", "running", "done", "failed"
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the in-memory, write-through-persisted record of all bots and
// databases. BackgroundTasks are tracked in memory for live polling, and
// mirrored into historyDB once they reach a terminal state.
type Store struct {
	mu sync.RWMutex

	dataDir string

	bots      map[string]*BotInstance
	databases map[string]*DatabaseInstance
	tasks     map[string]*BackgroundTask

	historyDB *sql.DB
}

// New creates a Store rooted at dataDir, loading any existing bots.json and
// databases.json found there, and opening (creating if absent) the
// task_history.sqlite index.
func New(dataDir string) (*Store, error) {
	s := &Store{
		dataDir:   dataDir,
		bots:      make(map[string]*BotInstance),
		databases: make(map[string]*DatabaseInstance),
		tasks:     make(map[string]*BackgroundTask),
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := loadJSON(filepath.Join(dataDir, "bots.json"), &s.bots); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dataDir, "databases.json"), &s.databases); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "task_history.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open task history db: %w", err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS task_history (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create task history schema: %w", err)
	}
	s.historyDB = db
	return s, nil
}

// Close releases the task history database handle.
func (s *Store) Close() error {
	if s.historyDB == nil {
		return nil
	}
	return s.historyDB.Close()
}

func loadJSON(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// writeAtomic marshals v and writes it to path via a temp file plus
// rename, so a crash mid-write never corrupts the existing file.
func writeAtomic(path string, v any) (err error) {
	data, merr := json.MarshalIndent(v, "", "  ")
	if merr != nil {
		return fmt.Errorf("marshal %s: %w", path, merr)
	}

	dir := filepath.Dir(path)
	tmp, cerr := os.CreateTemp(dir, ".tmp-*")
	if cerr != nil {
		return fmt.Errorf("create temp for %s: %w", path, cerr)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpName)
		}
	}()

	if _, werr := tmp.Write(data); werr != nil {
		tmp.Close()
		return fmt.Errorf("write temp for %s: %w", path, werr)
	}
	if serr := tmp.Sync(); serr != nil {
		tmp.Close()
		return fmt.Errorf("sync temp for %s: %w", path, serr)
	}
	if cerr := tmp.Close(); cerr != nil {
		return fmt.Errorf("close temp for %s: %w", path, cerr)
	}
	if rerr := os.Rename(tmpName, path); rerr != nil {
		return fmt.Errorf("rename temp into %s: %w", path, rerr)
	}
	cleanup = false
	return nil
}

func (s *Store) persistBotsLocked() error {
	return writeAtomic(filepath.Join(s.dataDir, "bots.json"), s.bots)
}

func (s *Store) persistDatabasesLocked() error {
	return writeAtomic(filepath.Join(s.dataDir, "databases.json"), s.databases)
}

// PutBot inserts or replaces a bot record and persists the full bot table.
func (s *Store) PutBot(b *BotInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	cp := *b
	s.bots[b.ID] = &cp
	return s.persistBotsLocked()
}

// GetBot returns a copy of the bot with the given id, if present.
func (s *Store) GetBot(id string) (BotInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bots[id]
	if !ok {
		return BotInstance{}, false
	}
	return *b, true
}

// ListBots returns copies of all bots, optionally filtered by owner.
func (s *Store) ListBots(ownerID string) []BotInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BotInstance, 0, len(s.bots))
	for _, b := range s.bots {
		if ownerID != "" && b.OwnerID != ownerID {
			continue
		}
		out = append(out, *b)
	}
	return out
}

// DeleteBot removes a bot record and persists the updated table.
func (s *Store) DeleteBot(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bots, id)
	return s.persistBotsLocked()
}

// UpdateBot applies fn to a copy of the stored bot, then persists it. fn
// returning an error aborts the update without writing.
func (s *Store) UpdateBot(id string, fn func(b *BotInstance) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[id]
	if !ok {
		return fmt.Errorf("bot %s not found", id)
	}
	cp := *b
	if err := fn(&cp); err != nil {
		return err
	}
	cp.UpdatedAt = time.Now()
	s.bots[id] = &cp
	return s.persistBotsLocked()
}

// PutDatabase inserts or replaces a database record and persists the table.
func (s *Store) PutDatabase(d *DatabaseInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	cp := *d
	s.databases[d.ID] = &cp
	return s.persistDatabasesLocked()
}

// GetDatabase returns a copy of the database instance with the given id.
func (s *Store) GetDatabase(id string) (DatabaseInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.databases[id]
	if !ok {
		return DatabaseInstance{}, false
	}
	return *d, true
}

// DeleteDatabase removes a database record and persists the updated table.
func (s *Store) DeleteDatabase(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.databases, id)
	return s.persistDatabasesLocked()
}

// PutTask records a background task's live state in memory, and, once it
// reaches a terminal status ("done" or "failed"), also mirrors it into
// historyDB so it remains queryable after a restart empties the in-memory map.
func (s *Store) PutTask(t *BackgroundTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = time.Now()
	cp := *t
	s.tasks[t.ID] = &cp

	if t.Status == "done" || t.Status == "failed" {
		if _, err := s.historyDB.Exec(
			`INSERT INTO task_history (id, kind, status, message, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET status=excluded.status, message=excluded.message, updated_at=excluded.updated_at`,
			cp.ID, cp.Kind, cp.Status, cp.Message, cp.CreatedAt.Format(time.RFC3339Nano), cp.UpdatedAt.Format(time.RFC3339Nano),
		); err != nil {
			// history is best-effort; live polling still works off s.tasks.
			_ = err
		}
	}
}

// GetTask returns a copy of the background task with the given id, from
// the live in-memory map.
func (s *Store) GetTask(id string) (BackgroundTask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return BackgroundTask{}, false
	}
	return *t, true
}

// TaskHistory returns up to limit terminal tasks ordered by most recently
// updated, read from historyDB rather than the in-memory map.
func (s *Store) TaskHistory(limit int) ([]BackgroundTask, error) {
	rows, err := s.historyDB.Query(
		`SELECT id, kind, status, message, created_at, updated_at
		 FROM task_history ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query task history: %w", err)
	}
	defer rows.Close()

	var out []BackgroundTask
	for rows.Next() {
		var t BackgroundTask
		var createdAt, updatedAt string
		if err := rows.Scan(&t.ID, &t.Kind, &t.Status, &t.Message, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan task history row: %w", err)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}
