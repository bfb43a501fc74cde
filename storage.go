package chatsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// Storage keys of persisted client state.
const (
	StoreKeyToken         = "token"
	StoreKeyUsername      = "username"
	StoreKeyStarred       = "starred_users"
	StoreKeySearchHistory = "search_history"
)

// MaxSearchHistory bounds the persisted search history.
const MaxSearchHistory = 10

// KeyValueStore persists small pieces of client state across runs. Get reports
// ok=false for missing keys.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// ============================================================================
// In-memory store
// ============================================================================

// MemoryStore is a KeyValueStore that lives only as long as the process.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// ============================================================================
// SQLite store
// ============================================================================

// SQLiteStore is a KeyValueStore in a single-table SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	const schema = `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, datetime('now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

// ============================================================================
// Typed helpers
// ============================================================================

func loadJSON[T any](ctx context.Context, kv KeyValueStore, key string) (T, error) {
	var v T
	raw, ok, err := kv.Get(ctx, key)
	if err != nil || !ok || raw == "" {
		return v, err
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return v, nil
}

func saveJSON(ctx context.Context, kv KeyValueStore, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return kv.Set(ctx, key, string(b))
}

// SearchHistory returns the persisted searches, most recent first.
func SearchHistory(ctx context.Context, kv KeyValueStore) ([]string, error) {
	return loadJSON[[]string](ctx, kv, StoreKeySearchHistory)
}

// AddSearchHistory records term as the most recent search. Blank terms are ignored;
// an existing entry moves to the front; the list keeps MaxSearchHistory entries.
func AddSearchHistory(ctx context.Context, kv KeyValueStore, term string) ([]string, error) {
	term = strings.TrimSpace(term)
	hist, err := SearchHistory(ctx, kv)
	if err != nil {
		return nil, err
	}
	if term == "" {
		return hist, nil
	}
	next := []string{term}
	for _, h := range hist {
		if h != term {
			next = append(next, h)
		}
	}
	if len(next) > MaxSearchHistory {
		next = next[:MaxSearchHistory]
	}
	return next, saveJSON(ctx, kv, StoreKeySearchHistory, next)
}

// ClearSearchHistory forgets every search.
func ClearSearchHistory(ctx context.Context, kv KeyValueStore) error {
	return kv.Delete(ctx, StoreKeySearchHistory)
}

// StarredUsers returns the persisted starred usernames, sorted.
func StarredUsers(ctx context.Context, kv KeyValueStore) ([]string, error) {
	return loadJSON[[]string](ctx, kv, StoreKeyStarred)
}

// SetStarredUser adds or removes username from the persisted starred set.
func SetStarredUser(ctx context.Context, kv KeyValueStore, username string, starred bool) error {
	cur, err := StarredUsers(ctx, kv)
	if err != nil {
		return err
	}
	set := make(map[string]bool, len(cur)+1)
	for _, u := range cur {
		set[u] = true
	}
	if starred {
		set[username] = true
	} else {
		delete(set, username)
	}
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return saveJSON(ctx, kv, StoreKeyStarred, out)
}
