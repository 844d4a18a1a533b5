// Package delivery drives the message lifecycle from creation to terminal
// state: optimistic local commit, encryption at the relay seam, relay
// submission with retry, and receipt handling.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"courier/crypto"
	"courier/models"
	"courier/relay"
	"courier/storage"
)

const (
	// DefaultRelayTTL is how long a relay row survives undelivered.
	DefaultRelayTTL = 30 * 24 * time.Hour
	// DefaultMaxSubmitElapsed bounds the backoff budget for one relay submission.
	DefaultMaxSubmitElapsed = 15 * time.Second
	// DefaultReceiptBuffer sizes the outbound receipt feed.
	DefaultReceiptBuffer = 64
)

// Config wires a Machine to its collaborators. Store, Relay, and Keys are
// required; everything else has defaults.
type Config struct {
	Store            *storage.Store
	Relay            relay.Relay
	Keys             *crypto.Keyring
	Logger           *zap.Logger
	Now              func() time.Time
	RelayTTL         time.Duration
	MaxSubmitElapsed time.Duration
	ReceiptBuffer    int
}

// Machine is the delivery state machine. All local mutations go through the
// store first; relay calls follow only after the local write succeeds.
type Machine struct {
	store            *storage.Store
	relay            relay.Relay
	keys             *crypto.Keyring
	log              *zap.Logger
	now              func() time.Time
	relayTTL         time.Duration
	maxSubmitElapsed time.Duration
	receipts         chan models.ReceiptEvent
}

// SendResult distinguishes the two phases of an optimistic send: the message
// is always persisted locally; Confirmed reports whether the relay accepted
// it. Callers can render immediately either way.
type SendResult struct {
	Message   models.Message
	Confirmed bool
}

// New validates cfg and returns a Machine.
func New(cfg Config) (*Machine, error) {
	if cfg.Store == nil {
		return nil, errors.New("delivery: store is required")
	}
	if cfg.Relay == nil {
		return nil, errors.New("delivery: relay is required")
	}
	if cfg.Keys == nil {
		return nil, errors.New("delivery: keyring is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RelayTTL <= 0 {
		cfg.RelayTTL = DefaultRelayTTL
	}
	if cfg.MaxSubmitElapsed <= 0 {
		cfg.MaxSubmitElapsed = DefaultMaxSubmitElapsed
	}
	if cfg.ReceiptBuffer <= 0 {
		cfg.ReceiptBuffer = DefaultReceiptBuffer
	}

	return &Machine{
		store:            cfg.Store,
		relay:            cfg.Relay,
		keys:             cfg.Keys,
		log:              cfg.Logger,
		now:              cfg.Now,
		relayTTL:         cfg.RelayTTL,
		maxSubmitElapsed: cfg.MaxSubmitElapsed,
		receipts:         make(chan models.ReceiptEvent, cfg.ReceiptBuffer),
	}, nil
}

// Receipts exposes the outbound receipt feed: one event per first-time
// delivered/read transition observed by this machine.
func (m *Machine) Receipts() <-chan models.ReceiptEvent {
	return m.receipts
}

// Send creates a message, commits it locally as pending, then seals and
// submits it to the relay. A scheduled send (opts.ScheduledFor in the future)
// is held locally and dispatched by DispatchDue once due.
func (m *Machine) Send(ctx context.Context, chatID, senderID, receiverID, content, msgType string, opts models.SendOptions) (*SendResult, error) {
	if chatID == "" || senderID == "" || receiverID == "" {
		return nil, errors.New("chat_id, sender_id, and receiver_id are required")
	}
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	if err := models.ValidType(msgType); err != nil {
		return nil, err
	}
	if content == "" && opts.FileURL == "" {
		return nil, errors.New("content or file_url is required")
	}

	nowMillis := m.now().UnixMilli()
	msg := models.Message{
		ID:            uuid.NewString(),
		ChatID:        chatID,
		SenderID:      senderID,
		ReceiverID:    receiverID,
		Content:       content,
		Type:          msgType,
		Status:        models.StatusPending,
		CreatedAt:     nowMillis,
		ReplyTo:       opts.ReplyTo,
		ForwardedFrom: opts.ForwardedFrom,
		FileURL:       opts.FileURL,
		Thumbnail:     opts.Thumbnail,
		FileSize:      opts.FileSize,
		Duration:      opts.Duration,
	}
	if opts.ExpiresAt > 0 {
		msg.ExpiresAt = &opts.ExpiresAt
	}
	if opts.ScheduledFor > 0 {
		msg.ScheduledFor = &opts.ScheduledFor
	}

	// Phase one: the local commit always happens before any network call.
	if err := m.store.Put(msg); err != nil {
		return nil, fmt.Errorf("persist outbound message: %w", err)
	}

	if opts.ScheduledFor > nowMillis {
		return &SendResult{Message: msg, Confirmed: false}, nil
	}

	return m.dispatch(ctx, msg)
}

// Schedule creates a pending record with scheduled_for set. Dispatch happens
// through DispatchDue once now >= scheduled_for, including after the device
// was offline at the scheduled time.
func (m *Machine) Schedule(ctx context.Context, chatID, senderID, receiverID, content, msgType string, scheduledFor int64, opts models.SendOptions) (*SendResult, error) {
	if scheduledFor <= 0 {
		return nil, errors.New("scheduled_for timestamp must be > 0")
	}
	opts.ScheduledFor = scheduledFor
	return m.Send(ctx, chatID, senderID, receiverID, content, msgType, opts)
}

// Retry re-invokes send semantics against an existing local record without
// duplicating its ID. Only failed and pending records are dispatchable;
// anything at sent or beyond is already confirmed.
func (m *Machine) Retry(ctx context.Context, messageID string) (*SendResult, error) {
	msg, err := m.store.GetByID(messageID)
	if err != nil {
		return nil, err
	}

	if models.StatusRank(msg.Status) >= models.StatusRank(models.StatusSent) {
		return &SendResult{Message: *msg, Confirmed: true}, nil
	}
	if msg.ScheduledFor != nil && *msg.ScheduledFor > m.now().UnixMilli() {
		// A held scheduled send is not dispatchable early.
		return &SendResult{Message: *msg, Confirmed: false}, nil
	}

	if msg.Status == models.StatusFailed {
		// The one backward edge of the status graph.
		if err := m.store.UpdateStatus(msg.ID, models.StatusPending); err != nil {
			return nil, err
		}
		msg.Status = models.StatusPending
	}

	return m.dispatch(ctx, *msg)
}

// DispatchDue fires every scheduled send whose time has arrived and returns
// how many were dispatched. A call before any schedule is due is a no-op.
func (m *Machine) DispatchDue(ctx context.Context) (int, error) {
	due, err := m.store.ListDue(m.now().UnixMilli())
	if err != nil {
		return 0, err
	}

	dispatched := 0
	var errs []error
	for _, msg := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := m.dispatch(ctx, msg); err != nil {
			// The record is finalized as failed; keep going.
			m.log.Warn("scheduled dispatch failed",
				zap.String("message_id", msg.ID),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		dispatched++
	}

	return dispatched, errors.Join(errs...)
}

// dispatch seals content and submits the relay row, finalizing the local
// record to sent or failed. The record is never left un-finalized: caller
// abandonment (context cancellation) also lands on failed.
func (m *Machine) dispatch(ctx context.Context, msg models.Message) (*SendResult, error) {
	ciphertext, iv, err := m.keys.Seal(msg.ChatID, []byte(msg.Content))
	if err != nil {
		m.finalize(&msg, models.StatusFailed)
		return &SendResult{Message: msg, Confirmed: false}, fmt.Errorf("seal message %q: %w", msg.ID, err)
	}

	row := relay.Row{
		ID:            msg.ID,
		ChatID:        msg.ChatID,
		SenderID:      msg.SenderID,
		ReceiverID:    msg.ReceiverID,
		Ciphertext:    ciphertext,
		IV:            iv,
		Type:          msg.Type,
		CreatedAt:     msg.CreatedAt,
		ExpiresAt:     msg.CreatedAt + m.relayTTL.Milliseconds(),
		ReplyTo:       msg.ReplyTo,
		ForwardedFrom: msg.ForwardedFrom,
		FileURL:       msg.FileURL,
		Thumbnail:     msg.Thumbnail,
		FileSize:      msg.FileSize,
		Duration:      msg.Duration,
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = m.maxSubmitElapsed
	submitErr := backoff.Retry(func() error {
		return m.relay.Insert(ctx, row)
	}, backoff.WithContext(policy, ctx))

	if submitErr != nil {
		m.finalize(&msg, models.StatusFailed)
		return &SendResult{Message: msg, Confirmed: false},
			fmt.Errorf("submit message %q: %w", msg.ID, submitErr)
	}

	m.finalize(&msg, models.StatusSent)
	return &SendResult{Message: msg, Confirmed: true}, nil
}

func (m *Machine) finalize(msg *models.Message, status string) {
	if err := m.store.UpdateStatus(msg.ID, status); err != nil {
		m.log.Error("finalize message status",
			zap.String("message_id", msg.ID),
			zap.String("status", status),
			zap.Error(err))
		return
	}
	msg.Status = status
}

// OnDeliveryReceipt idempotently transitions sent -> delivered and emits a
// receipt event. A message already at delivered or read is left untouched
// with no side effects.
func (m *Machine) OnDeliveryReceipt(ctx context.Context, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := m.store.GetByID(messageID)
	if err != nil {
		return err
	}

	if models.StatusRank(msg.Status) >= models.StatusRank(models.StatusDelivered) {
		return nil
	}

	if err := m.store.UpdateStatus(messageID, models.StatusDelivered); err != nil {
		return err
	}
	m.emitReceipt(models.ReceiptEvent{
		MessageID: messageID,
		Status:    models.StatusDelivered,
		At:        m.now().UnixMilli(),
	})
	return nil
}

// OnReadReceipt bulk-transitions every eligible message in the chat (authored
// by someone other than the reader and not yet read) to read, then removes
// the relay rows. Local transitions commit before any relay call so a network
// failure can never lose the read state; an undeletable relay row falls back
// to the relay's own TTL sweep.
func (m *Machine) OnReadReceipt(ctx context.Context, chatID, readerID string) error {
	eligible, err := m.store.ListReadEligible(chatID, readerID)
	if err != nil {
		return err
	}

	for _, msg := range eligible {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.markRead(ctx, msg.ID); err != nil {
			return err
		}
	}
	return nil
}

// ApplyReceipt consumes one entry from the external delivery_receipts feed.
// The feed is at-least-once; duplicates are no-ops.
func (m *Machine) ApplyReceipt(ctx context.Context, ev models.ReceiptEvent) error {
	if err := models.ValidReceiptStatus(ev.Status); err != nil {
		return err
	}

	if ev.Status == models.StatusDelivered {
		return m.OnDeliveryReceipt(ctx, ev.MessageID)
	}

	msg, err := m.store.GetByID(ev.MessageID)
	if err != nil {
		return err
	}
	if msg.Status == models.StatusRead {
		return nil
	}
	return m.markRead(ctx, ev.MessageID)
}

// markRead applies the terminal read transition for one message and retires
// its relay row. Once read, the rendezvous copy has no further purpose; the
// local copy is retained indefinitely.
func (m *Machine) markRead(ctx context.Context, messageID string) error {
	if err := m.store.UpdateStatus(messageID, models.StatusRead); err != nil {
		return err
	}
	m.emitReceipt(models.ReceiptEvent{
		MessageID: messageID,
		Status:    models.StatusRead,
		At:        m.now().UnixMilli(),
	})

	if err := m.relay.Delete(ctx, messageID); err != nil && !errors.Is(err, relay.ErrRowNotFound) {
		m.log.Warn("retire relay row after read",
			zap.String("message_id", messageID),
			zap.Error(err))
	}
	return nil
}

// HandleIncoming processes one inserted relay row from the change feed:
// opens the content, upserts the local record at delivered, and emits a
// delivered receipt. A payload that fails to open is stored flagged as
// undecryptable instead of being dropped. Re-delivery of a known row is a
// no-op.
func (m *Machine) HandleIncoming(ctx context.Context, row relay.Row) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if existing, err := m.store.GetByID(row.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	msg := models.Message{
		ID:            row.ID,
		ChatID:        row.ChatID,
		SenderID:      row.SenderID,
		ReceiverID:    row.ReceiverID,
		Type:          row.Type,
		Status:        models.StatusDelivered,
		CreatedAt:     row.CreatedAt,
		ReplyTo:       row.ReplyTo,
		ForwardedFrom: row.ForwardedFrom,
		FileURL:       row.FileURL,
		Thumbnail:     row.Thumbnail,
		FileSize:      row.FileSize,
		Duration:      row.Duration,
	}

	if row.Deleted {
		at := row.CreatedAt
		if row.DeletedAt != nil {
			at = *row.DeletedAt
		}
		msg.Tombstone(at)
	} else {
		plaintext, err := m.keys.Open(row.ChatID, row.Ciphertext, row.IV)
		switch {
		case err == nil:
			msg.Content = string(plaintext)
		case errors.Is(err, crypto.ErrDecryption):
			msg.Content = models.UndecryptablePlaceholder
			msg.Undecryptable = true
			m.log.Warn("incoming message failed to decrypt",
				zap.String("message_id", row.ID),
				zap.String("chat_id", row.ChatID))
		default:
			return nil, fmt.Errorf("open incoming message %q: %w", row.ID, err)
		}
	}

	if err := m.store.Put(msg); err != nil {
		return nil, fmt.Errorf("persist incoming message %q: %w", row.ID, err)
	}

	m.emitReceipt(models.ReceiptEvent{
		MessageID: msg.ID,
		Status:    models.StatusDelivered,
		At:        m.now().UnixMilli(),
	})
	return &msg, nil
}

// HandleBatch processes a batch of inserted rows, e.g. the backlog handed
// over on reconnect. One bad row never aborts the rest.
func (m *Machine) HandleBatch(ctx context.Context, rows []relay.Row) (int, error) {
	stored := 0
	var errs []error
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := m.HandleIncoming(ctx, row); err != nil {
			m.log.Warn("incoming row dropped",
				zap.String("message_id", row.ID),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		stored++
	}
	return stored, errors.Join(errs...)
}

func (m *Machine) emitReceipt(ev models.ReceiptEvent) {
	select {
	case m.receipts <- ev:
	default:
		m.log.Warn("receipt feed full, dropping event",
			zap.String("message_id", ev.MessageID),
			zap.String("status", ev.Status))
	}
}
