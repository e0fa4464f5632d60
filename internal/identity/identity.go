// Package identity persists the local player's session-scoped identity so a
// client can silently rejoin a game after a restart. It is a convenience
// cache keyed by game id, never a source of truth: the authoritative player
// list lives in the game record.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cardchain/cardchain/internal/models"
)

// Store binds a game id to the serialized Player this client controls.
type Store interface {
	Save(gameID string, p models.Player) error

	// Load returns the stored player and whether one exists. A missing
	// identity is a normal outcome, not an error.
	Load(gameID string) (models.Player, bool, error)

	Clear(gameID string) error
}

// FileStore keeps identities in a single JSON file of game_<id> keys,
// the client-side analogue of browser-scoped key-value storage.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store backed by the given file path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func key(gameID string) string {
	return "game_" + gameID
}

func (fs *FileStore) read() (map[string]models.Player, error) {
	data, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]models.Player{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	entries := map[string]models.Player{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode identity file: %w", err)
	}
	return entries, nil
}

func (fs *FileStore) write(entries map[string]models.Player) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode identity file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(fs.path, data, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// Save records the player controlled by this client for the given game.
func (fs *FileStore) Save(gameID string, p models.Player) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := fs.read()
	if err != nil {
		return err
	}
	entries[key(gameID)] = p
	return fs.write(entries)
}

// Load looks up the player bound to the given game id.
func (fs *FileStore) Load(gameID string) (models.Player, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := fs.read()
	if err != nil {
		return models.Player{}, false, err
	}
	p, ok := entries[key(gameID)]
	return p, ok, nil
}

// Clear removes the identity bound to the given game id, if any.
func (fs *FileStore) Clear(gameID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := fs.read()
	if err != nil {
		return err
	}
	delete(entries, key(gameID))
	return fs.write(entries)
}
