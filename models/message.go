package models

import (
	"fmt"
	"sort"
)

const (
	// MessageTypeText is editable plain text content.
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeVideo    = "video"
	MessageTypeAudio    = "audio"
	MessageTypeDocument = "document"
	MessageTypeVoice    = "voice"
	MessageTypeLocation = "location"
	MessageTypeContact  = "contact"
	MessageTypeSticker  = "sticker"
	MessageTypeSystem   = "system"
	MessageTypePoll     = "poll"
	MessageTypeFile     = "file"
)

const (
	// StatusPending means the message exists locally but the relay has not accepted it.
	StatusPending = "pending"
	// StatusSent means the relay accepted the encrypted row.
	StatusSent = "sent"
	// StatusDelivered means a delivery receipt arrived for the message.
	StatusDelivered = "delivered"
	// StatusRead means a read receipt arrived; terminal.
	StatusRead = "read"
	// StatusFailed means relay submission failed; eligible for retry.
	StatusFailed = "failed"
	// StatusScheduled marks a deferred send held for a future dispatch time.
	StatusScheduled = "scheduled"
)

// DeletedPlaceholder replaces content when a message is deleted for everyone.
const DeletedPlaceholder = "This message was deleted"

// UndecryptablePlaceholder replaces content that could not be opened on receipt.
const UndecryptablePlaceholder = "This message could not be decrypted"

// statusRank orders delivery states for monotonicity checks. failed and
// scheduled sit beside pending: both are pre-acceptance holds.
var statusRank = map[string]int{
	StatusFailed:    0,
	StatusScheduled: 0,
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// StatusRank returns the forward-progress rank of a delivery status.
// Unknown statuses rank below everything.
func StatusRank(status string) int {
	rank, ok := statusRank[status]
	if !ok {
		return -1
	}
	return rank
}

// MessageRef is a denormalized snapshot of a referenced message. The original
// may be deleted or expired later, so the snapshot carries everything needed
// to render the reference.
type MessageRef struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Type      string `json:"type"`
	Snippet   string `json:"snippet"`
}

// Message is the canonical local record of one chat message.
type Message struct {
	ID                 string              `json:"id"`
	ChatID             string              `json:"chat_id"`
	SenderID           string              `json:"sender_id"`
	ReceiverID         string              `json:"receiver_id"`
	Content            string              `json:"content"`
	Type               string              `json:"type"`
	Status             string              `json:"status"`
	CreatedAt          int64               `json:"created_at"`
	EditedAt           *int64              `json:"edited_at,omitempty"`
	IsDeleted          bool                `json:"is_deleted"`
	DeletedForEveryone bool                `json:"deleted_for_everyone"`
	DeletedAt          *int64              `json:"deleted_at,omitempty"`
	Undecryptable      bool                `json:"undecryptable"`
	Reactions          map[string][]string `json:"reactions,omitempty"`
	ReplyTo            *MessageRef         `json:"reply_to,omitempty"`
	ForwardedFrom      *MessageRef         `json:"forwarded_from,omitempty"`
	ExpiresAt          *int64              `json:"expires_at,omitempty"`
	ScheduledFor       *int64              `json:"scheduled_for,omitempty"`
	FileURL            string              `json:"file_url,omitempty"`
	Thumbnail          string              `json:"thumbnail,omitempty"`
	FileSize           int64               `json:"file_size,omitempty"`
	Duration           int64               `json:"duration,omitempty"`
}

// SendOptions enumerates every recognized optional send field. The zero value
// is a plain immediate send.
type SendOptions struct {
	ReplyTo       *MessageRef
	ForwardedFrom *MessageRef
	ScheduledFor  int64
	ExpiresAt     int64
	FileURL       string
	Thumbnail     string
	FileSize      int64
	Duration      int64
}

// ReceiptEvent records that a message reached delivered or read for a
// recipient. Receipts are at-least-once; consumers must apply them
// idempotently.
type ReceiptEvent struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	At        int64  `json:"at"`
}

// ValidType reports whether t is a known message type.
func ValidType(t string) error {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeAudio,
		MessageTypeDocument, MessageTypeVoice, MessageTypeLocation, MessageTypeContact,
		MessageTypeSticker, MessageTypeSystem, MessageTypePoll, MessageTypeFile:
		return nil
	default:
		return fmt.Errorf("invalid message type %q", t)
	}
}

// ValidStatus reports whether s is a known delivery status.
func ValidStatus(s string) error {
	if _, ok := statusRank[s]; !ok {
		return fmt.Errorf("invalid delivery status %q", s)
	}
	return nil
}

// ValidReceiptStatus restricts receipt events to delivered and read.
func ValidReceiptStatus(s string) error {
	switch s {
	case StatusDelivered, StatusRead:
		return nil
	default:
		return fmt.Errorf("invalid receipt status %q", s)
	}
}

// ReactionOf returns the symbol userID currently reacts with, if any.
func (m *Message) ReactionOf(userID string) (string, bool) {
	for symbol, users := range m.Reactions {
		for _, u := range users {
			if u == userID {
				return symbol, true
			}
		}
	}
	return "", false
}

// SetReaction moves userID under symbol, clearing any previous symbol the
// user held. A user appears under at most one symbol. Returns false when the
// message is already in that exact state.
func (m *Message) SetReaction(userID, symbol string) bool {
	if current, ok := m.ReactionOf(userID); ok && current == symbol {
		return false
	}
	m.ClearReaction(userID)
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	users := append(m.Reactions[symbol], userID)
	sort.Strings(users)
	m.Reactions[symbol] = users
	return true
}

// ClearReaction removes userID from all symbols and prunes empty sets.
// Returns false when the user had no reaction.
func (m *Message) ClearReaction(userID string) bool {
	changed := false
	for symbol, users := range m.Reactions {
		kept := users[:0]
		for _, u := range users {
			if u == userID {
				changed = true
				continue
			}
			kept = append(kept, u)
		}
		if len(kept) == 0 {
			delete(m.Reactions, symbol)
		} else {
			m.Reactions[symbol] = kept
		}
	}
	if len(m.Reactions) == 0 {
		m.Reactions = nil
	}
	return changed
}

// Tombstone replaces content with the fixed placeholder and marks the message
// deleted for every participant. Media references are cleared so a revoked
// attachment cannot resurface through a tombstoned row.
func (m *Message) Tombstone(at int64) {
	m.IsDeleted = true
	m.DeletedForEveryone = true
	m.DeletedAt = &at
	m.Content = DeletedPlaceholder
	m.FileURL = ""
	m.Thumbnail = ""
}
