package annotations

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"courier/models"
)

// RemoteKind discriminates annotation changes arriving from other devices.
type RemoteKind string

const (
	RemoteReaction  RemoteKind = "reaction"
	RemoteUnreact   RemoteKind = "unreact"
	RemoteEdit      RemoteKind = "edit"
	RemoteTombstone RemoteKind = "tombstone"
)

// RemoteChange is one annotation produced on another device, carrying the
// mutating device's monotonic timestamp for deterministic conflict
// resolution.
type RemoteChange struct {
	Kind       RemoteKind `json:"kind"`
	MessageID  string     `json:"message_id"`
	AppliedAt  int64      `json:"applied_at"`
	UserID     string     `json:"user_id,omitempty"`
	Symbol     string     `json:"symbol,omitempty"`
	NewContent string     `json:"new_content,omitempty"`
}

// ApplyRemote merges a concurrently produced annotation into the local
// store. Reactions merge commutatively per user. Edit against tombstone is
// resolved last-applied-wins by timestamp, with the delete winning ties, so
// the same comparison on every device yields the same final state.
func (r *Reconciler) ApplyRemote(ctx context.Context, change RemoteChange) error {
	if change.MessageID == "" {
		return errors.New("message_id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := r.store.GetByID(change.MessageID)
	if err != nil {
		return err
	}

	switch change.Kind {
	case RemoteReaction:
		if change.UserID == "" || change.Symbol == "" {
			return errors.New("user_id and symbol are required for a remote reaction")
		}
		if !msg.SetReaction(change.UserID, change.Symbol) {
			return nil
		}
		return r.store.Put(*msg)

	case RemoteUnreact:
		if change.UserID == "" {
			return errors.New("user_id is required for a remote unreact")
		}
		if !msg.ClearReaction(change.UserID) {
			return nil
		}
		return r.store.Put(*msg)

	case RemoteEdit:
		return r.mergeRemoteEdit(msg, change)

	case RemoteTombstone:
		return r.mergeRemoteTombstone(msg, change)

	default:
		return fmt.Errorf("invalid remote change kind %q", change.Kind)
	}
}

func (r *Reconciler) mergeRemoteEdit(msg *models.Message, change RemoteChange) error {
	if change.NewContent == "" {
		return errors.New("new content is required for a remote edit")
	}

	if msg.DeletedForEveryone {
		deletedAt := msg.CreatedAt
		if msg.DeletedAt != nil {
			deletedAt = *msg.DeletedAt
		}
		if deletedAt >= change.AppliedAt {
			r.log.Warn("remote edit lost to tombstone",
				zap.String("message_id", msg.ID),
				zap.Int64("edit_at", change.AppliedAt),
				zap.Int64("deleted_at", deletedAt))
			return nil
		}
		// The edit carries the newer stamp: it wins the race and the
		// tombstone is rolled back, identically on every device.
		msg.IsDeleted = false
		msg.DeletedForEveryone = false
		msg.DeletedAt = nil
	}

	if msg.EditedAt != nil && *msg.EditedAt >= change.AppliedAt {
		// A newer edit is already applied.
		return nil
	}

	at := change.AppliedAt
	msg.Content = change.NewContent
	msg.EditedAt = &at
	return r.store.Put(*msg)
}

func (r *Reconciler) mergeRemoteTombstone(msg *models.Message, change RemoteChange) error {
	if msg.DeletedForEveryone {
		return nil
	}
	if msg.EditedAt != nil && *msg.EditedAt > change.AppliedAt {
		r.log.Warn("remote tombstone lost to newer edit",
			zap.String("message_id", msg.ID),
			zap.Int64("deleted_at", change.AppliedAt),
			zap.Int64("edited_at", *msg.EditedAt))
		return nil
	}

	msg.Tombstone(change.AppliedAt)
	return r.store.Put(*msg)
}
