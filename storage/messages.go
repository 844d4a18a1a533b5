package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"courier/models"
)

// Put upserts a message by ID. Writes are idempotent: supplying the same
// record twice leaves the row unchanged, and a later Put wins per field set
// supplied.
func (s *Store) Put(m models.Message) error {
	if m.ID == "" {
		return errors.New("message id is required")
	}
	if m.ChatID == "" {
		return errors.New("chat_id is required")
	}
	if m.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if m.ReceiverID == "" {
		return errors.New("receiver_id is required")
	}
	if m.Type == "" {
		m.Type = models.MessageTypeText
	}
	if err := models.ValidType(m.Type); err != nil {
		return err
	}
	if m.Status == "" {
		m.Status = models.StatusPending
	}
	if err := models.ValidStatus(m.Status); err != nil {
		return err
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = nowUnixMilli()
	}

	reactions, err := encodeReactions(m.Reactions)
	if err != nil {
		return err
	}
	replyTo, err := encodeRef(m.ReplyTo)
	if err != nil {
		return err
	}
	forwardedFrom, err := encodeRef(m.ForwardedFrom)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO messages (
			id, chat_id, sender_id, receiver_id, content, type, status,
			created_at, edited_at, is_deleted, deleted_for_everyone, deleted_at,
			undecryptable, reactions, reply_to, forwarded_from,
			expires_at, scheduled_for, file_url, thumbnail, file_size, duration
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content              = excluded.content,
			type                 = excluded.type,
			status               = excluded.status,
			edited_at            = excluded.edited_at,
			is_deleted           = excluded.is_deleted,
			deleted_for_everyone = excluded.deleted_for_everyone,
			deleted_at           = excluded.deleted_at,
			undecryptable        = excluded.undecryptable,
			reactions            = excluded.reactions,
			reply_to             = excluded.reply_to,
			forwarded_from       = excluded.forwarded_from,
			expires_at           = excluded.expires_at,
			scheduled_for        = excluded.scheduled_for,
			file_url             = excluded.file_url,
			thumbnail            = excluded.thumbnail,
			file_size            = excluded.file_size,
			duration             = excluded.duration`,
		m.ID, m.ChatID, m.SenderID, m.ReceiverID, m.Content, m.Type, m.Status,
		m.CreatedAt, nullInt64(m.EditedAt), boolToInt(m.IsDeleted),
		boolToInt(m.DeletedForEveryone), nullInt64(m.DeletedAt),
		boolToInt(m.Undecryptable), reactions, replyTo, forwardedFrom,
		nullInt64(m.ExpiresAt), nullInt64(m.ScheduledFor),
		m.FileURL, m.Thumbnail, m.FileSize, m.Duration,
	)
	if err != nil {
		return fmt.Errorf("put message %q: %w", m.ID, err)
	}

	return nil
}

// GetByID fetches one message by ID.
func (s *Store) GetByID(id string) (*models.Message, error) {
	if id == "" {
		return nil, errors.New("message id is required")
	}

	row := s.db.QueryRow(
		`SELECT`+messageColumns+` FROM messages WHERE id = ?`, id,
	)

	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", id, err)
	}
	return m, nil
}

// QueryByChat returns the most recent limit messages in a chat strictly older
// than the (before, beforeID) cursor, reversed into chronological order for
// display. The cursor is the oldest message of the previous page: rows compare
// on (created_at, id) so same-timestamp siblings across a page boundary are
// never skipped. A zero before means no upper bound; an empty beforeID falls
// back to the timestamp alone. Hard-deleted rows are gone from the table and
// therefore excluded naturally.
func (s *Store) QueryByChat(chatID string, limit int, before int64, beforeID string) ([]models.Message, error) {
	if chatID == "" {
		return nil, errors.New("chat_id is required")
	}
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT` + messageColumns + ` FROM messages WHERE chat_id = ?`
	args := []any{chatID}
	if before > 0 {
		if beforeID != "" {
			query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
			args = append(args, before, before, beforeID)
		} else {
			query += ` AND created_at < ?`
			args = append(args, before)
		}
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat %q: %w", chatID, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// Delete removes a message. hard physically drops the row (the only way a
// local record is destroyed); otherwise the row is soft-marked deleted and
// stays in place for this device only.
func (s *Store) Delete(id string, hard bool) error {
	if id == "" {
		return errors.New("message id is required")
	}

	var (
		res sql.Result
		err error
	)
	if hard {
		res, err = s.db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	} else {
		res, err = s.db.Exec(`UPDATE messages SET is_deleted = 1 WHERE id = ?`, id)
	}
	if err != nil {
		return fmt.Errorf("delete message %q: %w", id, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete %q: %w", id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateStatus sets delivery status for a message.
func (s *Store) UpdateStatus(id, status string) error {
	if id == "" {
		return errors.New("message id is required")
	}
	if err := models.ValidStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update status for message %q: %w", id, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for status update %q: %w", id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// ListDue returns pending scheduled messages whose dispatch time has arrived.
// The check is "now >= scheduled_for", so sends missed while the device was
// offline still fire on the next activation.
func (s *Store) ListDue(now int64) ([]models.Message, error) {
	if now <= 0 {
		return nil, errors.New("now timestamp must be > 0")
	}

	rows, err := s.db.Query(
		`SELECT`+messageColumns+` FROM messages
		WHERE status = ? AND scheduled_for IS NOT NULL AND scheduled_for <= ?
		ORDER BY scheduled_for ASC, id ASC`,
		models.StatusPending,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("list due messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// ListByStatus returns all messages currently at a status, oldest first.
func (s *Store) ListByStatus(status string) ([]models.Message, error) {
	if err := models.ValidStatus(status); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT`+messageColumns+` FROM messages
		WHERE status = ?
		ORDER BY created_at ASC, id ASC`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages with status %q: %w", status, err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// ListReadEligible returns messages in a chat that a read receipt from
// readerID applies to: authored by someone else and already accepted by the
// relay (sent or delivered) but not yet read. Pending and failed records are
// excluded: the reader cannot have seen content the relay never held, and
// such a record converges through a later receipt once its submission
// succeeds.
func (s *Store) ListReadEligible(chatID, readerID string) ([]models.Message, error) {
	if chatID == "" {
		return nil, errors.New("chat_id is required")
	}
	if readerID == "" {
		return nil, errors.New("reader_id is required")
	}

	rows, err := s.db.Query(
		`SELECT`+messageColumns+` FROM messages
		WHERE chat_id = ? AND sender_id != ? AND status IN (?, ?)
		ORDER BY created_at ASC, id ASC`,
		chatID,
		readerID,
		models.StatusSent,
		models.StatusDelivered,
	)
	if err != nil {
		return nil, fmt.Errorf("list read-eligible messages for chat %q: %w", chatID, err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	messages := make([]models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}
