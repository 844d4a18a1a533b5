package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"courier/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// scanner abstracts *sql.Row and *sql.Rows for shared scan code.
type scanner interface {
	Scan(dest ...any) error
}

const messageColumns = `
	id,
	chat_id,
	sender_id,
	receiver_id,
	content,
	type,
	status,
	created_at,
	edited_at,
	is_deleted,
	deleted_for_everyone,
	deleted_at,
	undecryptable,
	reactions,
	reply_to,
	forwarded_from,
	expires_at,
	scheduled_for,
	file_url,
	thumbnail,
	file_size,
	duration`

func scanMessage(row scanner) (*models.Message, error) {
	var (
		m                  models.Message
		editedAt           sql.NullInt64
		isDeleted          int
		deletedForEveryone int
		deletedAt          sql.NullInt64
		undecryptable      int
		reactions          string
		replyTo            sql.NullString
		forwardedFrom      sql.NullString
		expiresAt          sql.NullInt64
		scheduledFor       sql.NullInt64
	)

	if err := row.Scan(
		&m.ID,
		&m.ChatID,
		&m.SenderID,
		&m.ReceiverID,
		&m.Content,
		&m.Type,
		&m.Status,
		&m.CreatedAt,
		&editedAt,
		&isDeleted,
		&deletedForEveryone,
		&deletedAt,
		&undecryptable,
		&reactions,
		&replyTo,
		&forwardedFrom,
		&expiresAt,
		&scheduledFor,
		&m.FileURL,
		&m.Thumbnail,
		&m.FileSize,
		&m.Duration,
	); err != nil {
		return nil, err
	}

	m.EditedAt = int64Ptr(editedAt)
	m.IsDeleted = isDeleted == 1
	m.DeletedForEveryone = deletedForEveryone == 1
	m.DeletedAt = int64Ptr(deletedAt)
	m.Undecryptable = undecryptable == 1
	m.ExpiresAt = int64Ptr(expiresAt)
	m.ScheduledFor = int64Ptr(scheduledFor)

	if reactions != "" {
		if err := json.Unmarshal([]byte(reactions), &m.Reactions); err != nil {
			return nil, fmt.Errorf("decode reactions for message %q: %w", m.ID, err)
		}
	}
	if ref, err := decodeRef(replyTo); err != nil {
		return nil, fmt.Errorf("decode reply_to for message %q: %w", m.ID, err)
	} else {
		m.ReplyTo = ref
	}
	if ref, err := decodeRef(forwardedFrom); err != nil {
		return nil, fmt.Errorf("decode forwarded_from for message %q: %w", m.ID, err)
	} else {
		m.ForwardedFrom = ref
	}

	return &m, nil
}

func encodeReactions(reactions map[string][]string) (string, error) {
	if len(reactions) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(reactions)
	if err != nil {
		return "", fmt.Errorf("encode reactions: %w", err)
	}
	return string(raw), nil
}

func encodeRef(ref *models.MessageRef) (sql.NullString, error) {
	if ref == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(ref)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode message ref: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeRef(ns sql.NullString) (*models.MessageRef, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var ref models.MessageRef
	if err := json.Unmarshal([]byte(ns.String), &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
