package delivery

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/crypto"
	"courier/models"
	"courier/relay"
	"courier/storage"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// downRelay refuses every write, simulating a relay outage.
type downRelay struct {
	relay.Relay
}

func (downRelay) Insert(ctx context.Context, row relay.Row) error { return relay.ErrUnavailable }

type fixture struct {
	store   *storage.Store
	relay   *relay.Memory
	keys    *crypto.Keyring
	clock   *fakeClock
	machine *Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	master := make([]byte, 32)
	_, err = rand.Read(master)
	require.NoError(t, err)
	keys, err := crypto.NewKeyring(master)
	require.NoError(t, err)

	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	mem := relay.NewMemory()
	machine, err := New(Config{
		Store:            store,
		Relay:            mem,
		Keys:             keys,
		Now:              clock.Now,
		MaxSubmitElapsed: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	return &fixture{store: store, relay: mem, keys: keys, clock: clock, machine: machine}
}

func (f *fixture) withDownRelay(t *testing.T) *Machine {
	t.Helper()

	machine, err := New(Config{
		Store:            f.store,
		Relay:            downRelay{f.relay},
		Keys:             f.keys,
		Now:              f.clock.Now,
		MaxSubmitElapsed: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	return machine
}

func TestSendRoundTripToRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.machine.Send(ctx, "c1", "u1", "u2", "hi", models.MessageTypeText, models.SendOptions{})
	require.NoError(t, err)
	require.True(t, res.Confirmed)
	assert.Equal(t, models.StatusSent, res.Message.Status)

	// The relay holds ciphertext, never plaintext.
	row, ok := f.relay.Get(res.Message.ID)
	require.True(t, ok)
	assert.NotEqual(t, []byte("hi"), row.Ciphertext)
	assert.NotEmpty(t, row.IV)

	require.NoError(t, f.machine.OnDeliveryReceipt(ctx, res.Message.ID))
	got, err := f.store.GetByID(res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, got.Status)

	require.NoError(t, f.machine.OnReadReceipt(ctx, "c1", "u2"))
	got, err = f.store.GetByID(res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)

	// Once read, the rendezvous copy is gone.
	_, ok = f.relay.Get(res.Message.ID)
	assert.False(t, ok)
}

func TestSendSurvivesTransientRelayFailure(t *testing.T) {
	f := newFixture(t)
	f.relay.FailNext = true

	res, err := f.machine.Send(context.Background(), "c1", "u1", "u2", "hi", models.MessageTypeText, models.SendOptions{})
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.Equal(t, models.StatusSent, res.Message.Status)
}

func TestSendFailureLeavesRetryableRecord(t *testing.T) {
	f := newFixture(t)
	down := f.withDownRelay(t)
	ctx := context.Background()

	res, err := down.Send(ctx, "c1", "u1", "u2", "hi", models.MessageTypeText, models.SendOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, relay.ErrUnavailable)
	require.NotNil(t, res)
	assert.False(t, res.Confirmed)
	assert.Equal(t, models.StatusFailed, res.Message.Status)

	// Local record persisted despite the failure.
	got, err := f.store.GetByID(res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)

	// Retry re-invokes send semantics against the same record.
	retried, err := f.machine.Retry(ctx, res.Message.ID)
	require.NoError(t, err)
	assert.True(t, retried.Confirmed)
	assert.Equal(t, res.Message.ID, retried.Message.ID)
	assert.Equal(t, 1, f.relay.Len())

	// Retrying a confirmed message is a no-op.
	again, err := f.machine.Retry(ctx, res.Message.ID)
	require.NoError(t, err)
	assert.True(t, again.Confirmed)
	assert.Equal(t, 1, f.relay.Len())
}

func TestDeliveryReceiptIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.machine.Send(ctx, "c1", "u1", "u2", "hi", models.MessageTypeText, models.SendOptions{})
	require.NoError(t, err)

	require.NoError(t, f.machine.OnDeliveryReceipt(ctx, res.Message.ID))
	first := drainReceipts(f.machine)
	require.Len(t, first, 1)
	assert.Equal(t, models.StatusDelivered, first[0].Status)

	// Duplicate receipts apply with no further side effects.
	require.NoError(t, f.machine.OnDeliveryReceipt(ctx, res.Message.ID))
	assert.Empty(t, drainReceipts(f.machine))

	got, err := f.store.GetByID(res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, got.Status)
}

func TestReadReceiptIsIdempotentAndBulk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.machine.Send(ctx, "c1", "u1", "u2", "one", models.MessageTypeText, models.SendOptions{})
	require.NoError(t, err)
	second, err := f.machine.Send(ctx, "c1", "u1", "u2", "two", models.MessageTypeText, models.SendOptions{})
	require.NoError(t, err)
	other, err := f.machine.Send(ctx, "c2", "u1", "u3", "elsewhere", models.MessageTypeText, models.SendOptions{})
	require.NoError(t, err)

	require.NoError(t, f.machine.OnReadReceipt(ctx, "c1", "u2"))

	for _, id := range []string{first.Message.ID, second.Message.ID} {
		got, err := f.store.GetByID(id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRead, got.Status)
	}
	untouched, err := f.store.GetByID(other.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, untouched.Status)

	events := drainReceipts(f.machine)
	require.Len(t, events, 2)

	// Second application finds nothing eligible.
	require.NoError(t, f.machine.OnReadReceipt(ctx, "c1", "u2"))
	assert.Empty(t, drainReceipts(f.machine))
}

func TestScheduledSendDispatchesOnlyWhenDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	due := f.clock.Now().Add(time.Minute).UnixMilli()
	res, err := f.machine.Schedule(ctx, "c1", "u1", "u2", "later", models.MessageTypeText, due, models.SendOptions{})
	require.NoError(t, err)
	assert.False(t, res.Confirmed)
	assert.Equal(t, models.StatusPending, res.Message.Status)
	require.NotNil(t, res.Message.ScheduledFor)
	assert.Equal(t, due, *res.Message.ScheduledFor)
	assert.Equal(t, 0, f.relay.Len())

	// 30 seconds early: the dispatch check is a no-op.
	f.clock.Advance(30 * time.Second)
	n, err := f.machine.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 0, f.relay.Len())

	// Past the scheduled time (device may have been offline): it fires.
	f.clock.Advance(31 * time.Second)
	n, err = f.machine.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := f.store.GetByID(res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
	assert.Equal(t, 1, f.relay.Len())

	// Already dispatched: nothing left due.
	n, err = f.machine.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandleIncomingStoresDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ciphertext, iv, err := f.keys.Seal("c1", []byte("incoming"))
	require.NoError(t, err)
	row := relay.Row{
		ID:         "msg-in",
		ChatID:     "c1",
		SenderID:   "u2",
		ReceiverID: "u1",
		Ciphertext: ciphertext,
		IV:         iv,
		Type:       models.MessageTypeText,
		CreatedAt:  f.clock.Now().UnixMilli(),
	}

	msg, err := f.machine.HandleIncoming(ctx, row)
	require.NoError(t, err)
	assert.Equal(t, "incoming", msg.Content)
	assert.Equal(t, models.StatusDelivered, msg.Status)
	assert.False(t, msg.Undecryptable)

	events := drainReceipts(f.machine)
	require.Len(t, events, 1)
	assert.Equal(t, models.StatusDelivered, events[0].Status)

	// Redelivery of the same row is a no-op.
	again, err := f.machine.HandleIncoming(ctx, row)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, again.ID)
	assert.Empty(t, drainReceipts(f.machine))
}

func TestHandleBatchToleratesUndecryptable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good1, iv1, err := f.keys.Seal("c1", []byte("first"))
	require.NoError(t, err)
	good2, iv2, err := f.keys.Seal("c1", []byte("second"))
	require.NoError(t, err)

	now := f.clock.Now().UnixMilli()
	rows := []relay.Row{
		{ID: "in-1", ChatID: "c1", SenderID: "u2", ReceiverID: "u1", Ciphertext: good1, IV: iv1, Type: models.MessageTypeText, CreatedAt: now},
		{ID: "in-bad", ChatID: "c1", SenderID: "u2", ReceiverID: "u1", Ciphertext: []byte("garbage"), IV: iv1, Type: models.MessageTypeText, CreatedAt: now + 1},
		{ID: "in-2", ChatID: "c1", SenderID: "u2", ReceiverID: "u1", Ciphertext: good2, IV: iv2, Type: models.MessageTypeText, CreatedAt: now + 2},
	}

	stored, err := f.machine.HandleBatch(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 3, stored)

	// The bad payload is flagged, not dropped, and the rest opened normally.
	bad, err := f.store.GetByID("in-bad")
	require.NoError(t, err)
	assert.True(t, bad.Undecryptable)
	assert.Equal(t, models.UndecryptablePlaceholder, bad.Content)

	ok, err := f.store.GetByID("in-2")
	require.NoError(t, err)
	assert.Equal(t, "second", ok.Content)
}

func TestHandleIncomingTombstoneRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	deletedAt := f.clock.Now().UnixMilli()
	row := relay.Row{
		ID:         "msg-gone",
		ChatID:     "c1",
		SenderID:   "u2",
		ReceiverID: "u1",
		Type:       models.MessageTypeText,
		CreatedAt:  deletedAt - 1_000,
		Deleted:    true,
		DeletedAt:  &deletedAt,
	}

	msg, err := f.machine.HandleIncoming(ctx, row)
	require.NoError(t, err)
	assert.True(t, msg.DeletedForEveryone)
	assert.Equal(t, models.DeletedPlaceholder, msg.Content)
}

func TestApplyReceiptFeedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.machine.Send(ctx, "c1", "u1", "u2", "hi", models.MessageTypeText, models.SendOptions{})
	require.NoError(t, err)

	delivered := models.ReceiptEvent{MessageID: res.Message.ID, Status: models.StatusDelivered}
	require.NoError(t, f.machine.ApplyReceipt(ctx, delivered))
	require.NoError(t, f.machine.ApplyReceipt(ctx, delivered))

	read := models.ReceiptEvent{MessageID: res.Message.ID, Status: models.StatusRead}
	require.NoError(t, f.machine.ApplyReceipt(ctx, read))
	require.NoError(t, f.machine.ApplyReceipt(ctx, read))

	got, err := f.store.GetByID(res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)

	// One delivered plus one read, duplicates suppressed.
	events := drainReceipts(f.machine)
	require.Len(t, events, 2)

	bogus := models.ReceiptEvent{MessageID: res.Message.ID, Status: models.StatusPending}
	assert.Error(t, f.machine.ApplyReceipt(ctx, bogus))
}

func TestReceiptForUnknownMessage(t *testing.T) {
	f := newFixture(t)

	err := f.machine.OnDeliveryReceipt(context.Background(), "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func drainReceipts(m *Machine) []models.ReceiptEvent {
	var events []models.ReceiptEvent
	for {
		select {
		case ev := <-m.Receipts():
			events = append(events, ev)
		default:
			return events
		}
	}
}
