// Package annotations reconciles mutable message annotations (reactions,
// edits, and deletes) against a store that another device may be mutating
// concurrently.
package annotations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"courier/models"
	"courier/relay"
	"courier/storage"
)

const (
	// DefaultEditWindow bounds how long after creation a text message may be edited.
	DefaultEditWindow = 15 * time.Minute
	// DefaultDeleteWindow bounds how long delete-for-everyone stays available.
	DefaultDeleteWindow = time.Hour
)

// Delete scopes.
const (
	ScopeMe       = "me"
	ScopeEveryone = "everyone"
)

var (
	// ErrNotAuthorized indicates the wrong actor for an edit or
	// everyone-scoped delete.
	ErrNotAuthorized = errors.New("annotations: not authorized")
	// ErrWindowExpired indicates an edit or delete outside its allowed time
	// window. Late mutations are rejected, never queued.
	ErrWindowExpired = errors.New("annotations: window expired")
	// ErrUnsupportedType indicates an edit on a non-text message.
	ErrUnsupportedType = errors.New("annotations: unsupported message type")
)

// Config wires a Reconciler. Store is required; Relay may be nil for a
// device that only annotates locally (tests, me-scoped operations).
type Config struct {
	Store        *storage.Store
	Relay        relay.Relay
	Logger       *zap.Logger
	Now          func() time.Time
	EditWindow   time.Duration
	DeleteWindow time.Duration
}

// Reconciler applies annotation mutations with authorship and time-window
// enforcement, and merges concurrent annotations from other devices.
type Reconciler struct {
	store        *storage.Store
	relay        relay.Relay
	log          *zap.Logger
	now          func() time.Time
	editWindow   time.Duration
	deleteWindow time.Duration
}

// New validates cfg and returns a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("annotations: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.EditWindow <= 0 {
		cfg.EditWindow = DefaultEditWindow
	}
	if cfg.DeleteWindow <= 0 {
		cfg.DeleteWindow = DefaultDeleteWindow
	}

	return &Reconciler{
		store:        cfg.Store,
		relay:        cfg.Relay,
		log:          cfg.Logger,
		now:          cfg.Now,
		editWindow:   cfg.EditWindow,
		deleteWindow: cfg.DeleteWindow,
	}, nil
}

// React places userID's reaction under symbol, removing any symbol the user
// held before: a user appears under at most one symbol at a time. Reacting
// with the symbol already held is a no-op.
func (r *Reconciler) React(ctx context.Context, messageID, userID, symbol string) error {
	if userID == "" || symbol == "" {
		return errors.New("user_id and symbol are required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := r.store.GetByID(messageID)
	if err != nil {
		return err
	}

	if !msg.SetReaction(userID, symbol) {
		return nil
	}
	return r.store.Put(*msg)
}

// Unreact removes userID from all symbols on the message. Removing an absent
// reaction is a no-op.
func (r *Reconciler) Unreact(ctx context.Context, messageID, userID string) error {
	if userID == "" {
		return errors.New("user_id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := r.store.GetByID(messageID)
	if err != nil {
		return err
	}

	if !msg.ClearReaction(userID) {
		return nil
	}
	return r.store.Put(*msg)
}

// Edit mutates a text message's content in place and stamps edited_at. Only
// the original sender may edit, only text messages are editable, and the
// edit must land inside the edit window measured from created_at. Edit
// history is not retained.
func (r *Reconciler) Edit(ctx context.Context, messageID, editorID, newContent string) error {
	if newContent == "" {
		return errors.New("new content is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := r.store.GetByID(messageID)
	if err != nil {
		return err
	}
	if msg.DeletedForEveryone {
		return storage.ErrNotFound
	}
	if msg.SenderID != editorID {
		return fmt.Errorf("%w: only the sender may edit message %q", ErrNotAuthorized, messageID)
	}
	if msg.Type != models.MessageTypeText {
		return fmt.Errorf("%w: cannot edit %q message %q", ErrUnsupportedType, msg.Type, messageID)
	}

	nowMillis := r.now().UnixMilli()
	if nowMillis-msg.CreatedAt > r.editWindow.Milliseconds() {
		return fmt.Errorf("%w: edit window closed for message %q", ErrWindowExpired, messageID)
	}

	msg.Content = newContent
	msg.EditedAt = &nowMillis
	if err := r.store.Put(*msg); err != nil {
		return err
	}

	return r.propagateEdit(ctx, msg, nowMillis)
}

func (r *Reconciler) propagateEdit(ctx context.Context, msg *models.Message, editedAt int64) error {
	if r.relay == nil {
		return nil
	}

	err := r.relay.Update(ctx, msg.ID, relay.RowUpdate{EditedAt: &editedAt})
	if err != nil && !errors.Is(err, relay.ErrRowNotFound) {
		// Local edit stands; the caller may retry propagation.
		return fmt.Errorf("propagate edit of message %q: %w", msg.ID, err)
	}
	return nil
}

// Delete removes a message within a scope. Scope "me" soft-marks the local
// record only and never talks to the relay. Scope "everyone" is restricted
// to the sender inside the delete window; it tombstones the record locally
// first, then propagates the tombstone through the relay so every device
// converges on the placeholder.
func (r *Reconciler) Delete(ctx context.Context, messageID, requesterID, scope string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := r.store.GetByID(messageID)
	if err != nil {
		return err
	}

	switch scope {
	case ScopeMe:
		if msg.IsDeleted {
			return nil
		}
		msg.IsDeleted = true
		return r.store.Put(*msg)

	case ScopeEveryone:
		if msg.SenderID != requesterID {
			return fmt.Errorf("%w: only the sender may delete message %q for everyone", ErrNotAuthorized, messageID)
		}
		// An already-applied delete stays a no-op even once the window has
		// since closed.
		if msg.DeletedForEveryone {
			return nil
		}
		nowMillis := r.now().UnixMilli()
		if nowMillis-msg.CreatedAt > r.deleteWindow.Milliseconds() {
			return fmt.Errorf("%w: delete window closed for message %q", ErrWindowExpired, messageID)
		}

		msg.Tombstone(nowMillis)
		if err := r.store.Put(*msg); err != nil {
			return err
		}
		return r.propagateTombstone(ctx, messageID, nowMillis)

	default:
		return fmt.Errorf("invalid delete scope %q", scope)
	}
}

func (r *Reconciler) propagateTombstone(ctx context.Context, messageID string, deletedAt int64) error {
	if r.relay == nil {
		return nil
	}

	deleted := true
	empty := ""
	err := r.relay.Update(ctx, messageID, relay.RowUpdate{
		Deleted:   &deleted,
		DeletedAt: &deletedAt,
		FileURL:   &empty,
		Thumbnail: &empty,
	})
	if err != nil && !errors.Is(err, relay.ErrRowNotFound) {
		// The local tombstone stands either way (store-then-sync).
		return fmt.Errorf("propagate tombstone of message %q: %w", messageID, err)
	}
	return nil
}
