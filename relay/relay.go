// Package relay defines the transient server-side rendezvous buffer the
// client synchronizes through. The relay holds encrypted rows only until a
// terminal read receipt or TTL expiry; it is not a message archive.
package relay

import (
	"context"
	"errors"

	"courier/models"
)

// ErrUnavailable indicates a transient relay failure. Local state is left
// intact and the operation is eligible for caller-driven retry.
var ErrUnavailable = errors.New("relay: unavailable")

// ErrRowNotFound indicates the addressed relay row no longer exists, usually
// because a terminal receipt or the TTL sweep already removed it.
var ErrRowNotFound = errors.New("relay: row not found")

// Row mirrors a message while undelivered. Content is always ciphertext; the
// relay can read routing metadata but never the payload.
type Row struct {
	ID            string             `json:"id"`
	ChatID        string             `json:"chat_id"`
	SenderID      string             `json:"sender_id"`
	ReceiverID    string             `json:"receiver_id"`
	Ciphertext    []byte             `json:"ciphertext"`
	IV            []byte             `json:"iv"`
	Type          string             `json:"type"`
	CreatedAt     int64              `json:"created_at"`
	ExpiresAt     int64              `json:"expires_at"`
	EditedAt      *int64             `json:"edited_at,omitempty"`
	Deleted       bool               `json:"deleted"`
	DeletedAt     *int64             `json:"deleted_at,omitempty"`
	ReplyTo       *models.MessageRef `json:"reply_to,omitempty"`
	ForwardedFrom *models.MessageRef `json:"forwarded_from,omitempty"`
	FileURL       string             `json:"file_url,omitempty"`
	Thumbnail     string             `json:"thumbnail,omitempty"`
	FileSize      int64              `json:"file_size,omitempty"`
	Duration      int64              `json:"duration,omitempty"`
}

// RowUpdate names the mutable relay row fields. Nil pointers leave a field
// untouched; Ciphertext and IV travel together.
type RowUpdate struct {
	Ciphertext []byte
	IV         []byte
	EditedAt   *int64
	Deleted    *bool
	DeletedAt  *int64
	FileURL    *string
	Thumbnail  *string
}

// Change is one entry of the relay change feed, filtered by recipient
// identity on the relay side.
type Change struct {
	Kind ChangeKind `json:"kind"`
	Row  Row        `json:"row"`
}

// ChangeKind discriminates change feed entries.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Relay is the transient rendezvous collaborator. Implementations enforce row
// TTL server-side (default 30 days).
type Relay interface {
	Insert(ctx context.Context, row Row) error
	Update(ctx context.Context, id string, upd RowUpdate) error
	Delete(ctx context.Context, id string) error
	DeleteWhere(ctx context.Context, pred func(Row) bool) (int, error)
	List(ctx context.Context) ([]Row, error)
	Changes(recipientID string) <-chan Change
}
