// Session store — durable key/value state shared by every context of a
// live session. Values survive restarts; watchers get change
// notifications so the control surface and output canvas stay in sync.
package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("session")

// Well-known session keys.
const (
	KeyTicker       = "cap-ticker"
	KeyBanner       = "cap-banner"
	KeyBannerImage  = "cap-banner-image"
	KeyQRCode       = "cap-qr-code"
	KeyStreamSource = "cap-stream-source"
	KeyPlaylist     = "cap-playlist"
	KeySelectedKey  = "cap-selected-key"
	KeyCapturing    = "cap-capturing"
)

// Seed values for a fresh session.
const (
	DefaultTicker = "Click to edit"
	DefaultBanner = "News From The Cat House"
)

// ErrNotFound is returned by Get for a key that has never been set.
var ErrNotFound = errors.New("session: key not found")

// Change describes one mutation of the store.
type Change struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Store is a SQLite-backed key/value store with change watchers.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex

	watchMu  sync.RWMutex
	watchers map[chan Change]struct{}
}

// Open opens or creates the session database in the given directory.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "session.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session table: %w", err)
	}

	return &Store{
		db:       db,
		path:     dbPath,
		watchers: make(map[chan Change]struct{}),
	}, nil
}

// Close closes the database and all watcher channels.
func (s *Store) Close() error {
	s.watchMu.Lock()
	for ch := range s.watchers {
		close(ch)
	}
	s.watchers = make(map[chan Change]struct{})
	s.watchMu.Unlock()

	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns the stored value for key, or ErrNotFound.
func (s *Store) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM session WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// GetOr returns the stored value for key, or fallback when unset.
func (s *Store) GetOr(key, fallback string) string {
	v, err := s.Get(key)
	if err != nil {
		return fallback
	}
	return v
}

// Set stores a value and notifies watchers. Setting a key to the value
// it already holds still notifies; watchers decide what to do with it.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	_, err := s.db.Exec(`
		INSERT INTO session (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}

	s.notify(Change{Key: key, Value: value})
	return nil
}

// Delete removes a key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	_, err := s.db.Exec(`DELETE FROM session WHERE key = ?`, key)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}

	s.notify(Change{Key: key, Value: ""})
	return nil
}

// GetJSON unmarshals the stored value for key into out.
func (s *Store) GetJSON(key string, out any) error {
	v, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(v), out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON marshals v and stores it under key.
func (s *Store) SetJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(key, string(data))
}

// All returns a snapshot of every key/value pair.
func (s *Store) All() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT key, value FROM session`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Watch returns a channel that receives every store mutation.
func (s *Store) Watch() (ch chan Change, cancel func()) {
	ch = make(chan Change, 64)

	s.watchMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()

	cancel = func() {
		s.watchMu.Lock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
		s.watchMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify(c Change) {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()

	for ch := range s.watchers {
		select {
		case ch <- c:
		default:
			log.Warnw("watcher buffer full, dropping change", "key", c.Key)
		}
	}
}

// Init seeds the editable defaults and clears state that must not
// survive a restart: the join QR code and the active stream source,
// which both describe live resources the previous process owned.
func (s *Store) Init() error {
	seed := func(key, value string) error {
		if _, err := s.Get(key); errors.Is(err, ErrNotFound) {
			return s.Set(key, value)
		}
		return nil
	}

	if err := seed(KeyTicker, DefaultTicker); err != nil {
		return err
	}
	if err := seed(KeyBanner, DefaultBanner); err != nil {
		return err
	}

	if err := s.Set(KeyQRCode, ""); err != nil {
		return err
	}
	if err := s.Set(KeyStreamSource, ""); err != nil {
		return err
	}
	return s.Set(KeyCapturing, "false")
}
