package storage

import (
	"testing"

	"courier/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustPut(t *testing.T, store *Store, m models.Message) {
	t.Helper()

	if err := store.Put(m); err != nil {
		t.Fatalf("put message %q: %v", m.ID, err)
	}
}

func testMessage(id, chatID string, createdAt int64) models.Message {
	return models.Message{
		ID:         id,
		ChatID:     chatID,
		SenderID:   "u1",
		ReceiverID: "u2",
		Content:    "message " + id,
		Type:       models.MessageTypeText,
		Status:     models.StatusPending,
		CreatedAt:  createdAt,
	}
}
