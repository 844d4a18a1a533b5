// Package metadata keeps client-local bookkeeping (stars, pins, and
// disappearing-timer config) that must survive across sessions but never
// synchronizes and never reaches the relay.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// MaxPinnedPerChat is the hard cap on pinned messages per chat. Pinning past
// the cap is a silent no-op, not an error; callers should check capacity
// before offering the action.
const MaxPinnedPerChat = 3

// Key namespaces: pins and disappearing timers are scoped per chat, stars
// are global.
const (
	pinnedKeyPrefix       = "pinned:"
	disappearingKeyPrefix = "disappearing:"
	starredKey            = "starred"
)

// Manager is the client-local metadata store, backed by an on-disk Pebble
// key-value database under the app data directory.
type Manager struct {
	db *pebble.DB
}

// Open opens (or creates) the metadata database at path.
func Open(path string) (*Manager, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open metadata store %q: %w", path, err)
	}
	return &Manager{db: db}, nil
}

// Close closes the metadata database.
func (m *Manager) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}

func (m *Manager) getList(key string) ([]string, error) {
	raw, closer, err := m.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read metadata key %q: %w", key, err)
	}
	defer closer.Close()

	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode metadata key %q: %w", key, err)
	}
	return list, nil
}

func (m *Manager) setList(key string, list []string) error {
	if len(list) == 0 {
		if err := m.db.Delete([]byte(key), pebble.Sync); err != nil {
			return fmt.Errorf("delete metadata key %q: %w", key, err)
		}
		return nil
	}

	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode metadata key %q: %w", key, err)
	}
	if err := m.db.Set([]byte(key), raw, pebble.Sync); err != nil {
		return fmt.Errorf("write metadata key %q: %w", key, err)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) ([]string, bool) {
	kept := list[:0]
	removed := false
	for _, item := range list {
		if item == v {
			removed = true
			continue
		}
		kept = append(kept, item)
	}
	return kept, removed
}

// Pin adds a message to a chat's pinned set. Pinning an already-pinned
// message or pinning past MaxPinnedPerChat leaves the set unchanged.
func (m *Manager) Pin(chatID, messageID string) error {
	if chatID == "" || messageID == "" {
		return errors.New("chat_id and message_id are required")
	}

	key := pinnedKeyPrefix + chatID
	pinned, err := m.getList(key)
	if err != nil {
		return err
	}
	if contains(pinned, messageID) {
		return nil
	}
	if len(pinned) >= MaxPinnedPerChat {
		return nil
	}
	return m.setList(key, append(pinned, messageID))
}

// Unpin removes a message from a chat's pinned set; absent IDs are a no-op.
func (m *Manager) Unpin(chatID, messageID string) error {
	if chatID == "" || messageID == "" {
		return errors.New("chat_id and message_id are required")
	}

	key := pinnedKeyPrefix + chatID
	pinned, err := m.getList(key)
	if err != nil {
		return err
	}
	kept, removed := remove(pinned, messageID)
	if !removed {
		return nil
	}
	return m.setList(key, kept)
}

// Pinned returns a chat's pinned message IDs in pin order.
func (m *Manager) Pinned(chatID string) ([]string, error) {
	if chatID == "" {
		return nil, errors.New("chat_id is required")
	}
	return m.getList(pinnedKeyPrefix + chatID)
}

// Star adds a message to the global starred set; starring twice is a no-op.
func (m *Manager) Star(messageID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}

	starred, err := m.getList(starredKey)
	if err != nil {
		return err
	}
	if contains(starred, messageID) {
		return nil
	}
	return m.setList(starredKey, append(starred, messageID))
}

// Unstar removes a message from the starred set; absent IDs are a no-op.
func (m *Manager) Unstar(messageID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}

	starred, err := m.getList(starredKey)
	if err != nil {
		return err
	}
	kept, removed := remove(starred, messageID)
	if !removed {
		return nil
	}
	return m.setList(starredKey, kept)
}

// Starred returns all starred message IDs in star order.
func (m *Manager) Starred() ([]string, error) {
	return m.getList(starredKey)
}

// SetDisappearing configures a chat's disappearing-message timer. A zero or
// negative ttl clears the timer.
func (m *Manager) SetDisappearing(chatID string, ttl time.Duration) error {
	if chatID == "" {
		return errors.New("chat_id is required")
	}

	key := []byte(disappearingKeyPrefix + chatID)
	if ttl <= 0 {
		if err := m.db.Delete(key, pebble.Sync); err != nil {
			return fmt.Errorf("clear disappearing timer for chat %q: %w", chatID, err)
		}
		return nil
	}

	raw, err := json.Marshal(ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("encode disappearing timer: %w", err)
	}
	if err := m.db.Set(key, raw, pebble.Sync); err != nil {
		return fmt.Errorf("write disappearing timer for chat %q: %w", chatID, err)
	}
	return nil
}

// Disappearing returns a chat's disappearing-message timer, or false when
// none is configured.
func (m *Manager) Disappearing(chatID string) (time.Duration, bool, error) {
	if chatID == "" {
		return 0, false, errors.New("chat_id is required")
	}

	raw, closer, err := m.db.Get([]byte(disappearingKeyPrefix + chatID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read disappearing timer for chat %q: %w", chatID, err)
	}
	defer closer.Close()

	var millis int64
	if err := json.Unmarshal(raw, &millis); err != nil {
		return 0, false, fmt.Errorf("decode disappearing timer for chat %q: %w", chatID, err)
	}
	return time.Duration(millis) * time.Millisecond, true, nil
}
