package relay

import (
	"context"
	"sort"
	"sync"
)

const changeFeedBuffer = 64

// Memory is an in-process Relay used by tests and local development. It
// mimics the server contract: recipient-filtered change feed fan-out and a
// TTL sweep that drops rows past expires_at.
type Memory struct {
	mu   sync.Mutex
	rows map[string]Row
	subs []memorySub

	// FailNext makes the next write operation return ErrUnavailable,
	// simulating a transient outage.
	FailNext bool
}

type memorySub struct {
	recipientID string
	ch          chan Change
}

// NewMemory returns an empty in-memory relay.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]Row)}
}

func (m *Memory) takeFailure() bool {
	if m.FailNext {
		m.FailNext = false
		return true
	}
	return false
}

// Insert stores a row and fans out an insert change.
func (m *Memory) Insert(ctx context.Context, row Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.takeFailure() {
		m.mu.Unlock()
		return ErrUnavailable
	}
	m.rows[row.ID] = row
	m.mu.Unlock()

	m.publish(Change{Kind: ChangeInsert, Row: row})
	return nil
}

// Update applies the non-nil fields of upd and fans out an update change.
func (m *Memory) Update(ctx context.Context, id string, upd RowUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.takeFailure() {
		m.mu.Unlock()
		return ErrUnavailable
	}
	row, ok := m.rows[id]
	if !ok {
		m.mu.Unlock()
		return ErrRowNotFound
	}

	if upd.Ciphertext != nil {
		row.Ciphertext = upd.Ciphertext
		row.IV = upd.IV
	}
	if upd.EditedAt != nil {
		row.EditedAt = upd.EditedAt
	}
	if upd.Deleted != nil {
		row.Deleted = *upd.Deleted
	}
	if upd.DeletedAt != nil {
		row.DeletedAt = upd.DeletedAt
	}
	if upd.FileURL != nil {
		row.FileURL = *upd.FileURL
	}
	if upd.Thumbnail != nil {
		row.Thumbnail = *upd.Thumbnail
	}
	m.rows[id] = row
	m.mu.Unlock()

	m.publish(Change{Kind: ChangeUpdate, Row: row})
	return nil
}

// Delete removes a row. Deleting an absent row is a no-op: the server may
// have swept it first.
func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.takeFailure() {
		m.mu.Unlock()
		return ErrUnavailable
	}
	row, ok := m.rows[id]
	if ok {
		delete(m.rows, id)
	}
	m.mu.Unlock()

	if ok {
		m.publish(Change{Kind: ChangeDelete, Row: row})
	}
	return nil
}

// DeleteWhere removes every row matching pred and returns the count.
func (m *Memory) DeleteWhere(ctx context.Context, pred func(Row) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	var removed []Row
	for id, row := range m.rows {
		if pred(row) {
			removed = append(removed, row)
			delete(m.rows, id)
		}
	}
	m.mu.Unlock()

	for _, row := range removed {
		m.publish(Change{Kind: ChangeDelete, Row: row})
	}
	return len(removed), nil
}

// List returns a stable snapshot of all held rows ordered by ID.
func (m *Memory) List(ctx context.Context) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.takeFailure() {
		return nil, ErrUnavailable
	}

	rows := make([]Row, 0, len(m.rows))
	for _, row := range m.rows {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

// Changes subscribes to the change feed for one recipient. An empty
// recipientID receives every change.
func (m *Memory) Changes(recipientID string) <-chan Change {
	ch := make(chan Change, changeFeedBuffer)
	m.mu.Lock()
	m.subs = append(m.subs, memorySub{recipientID: recipientID, ch: ch})
	m.mu.Unlock()
	return ch
}

// SweepExpired drops rows whose expires_at has passed, standing in for the
// relay-side TTL job. Returns the number of rows dropped.
func (m *Memory) SweepExpired(now int64) int {
	m.mu.Lock()
	var swept []Row
	for id, row := range m.rows {
		if row.ExpiresAt > 0 && row.ExpiresAt <= now {
			swept = append(swept, row)
			delete(m.rows, id)
		}
	}
	m.mu.Unlock()

	for _, row := range swept {
		m.publish(Change{Kind: ChangeDelete, Row: row})
	}
	return len(swept)
}

// Get returns one held row, primarily for test assertions.
func (m *Memory) Get(id string) (Row, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	return row, ok
}

// Len returns the number of held rows.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *Memory) publish(ch Change) {
	m.mu.Lock()
	subs := make([]memorySub, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, sub := range subs {
		if sub.recipientID != "" && sub.recipientID != ch.Row.ReceiverID {
			continue
		}
		select {
		case sub.ch <- ch:
		default:
			// Slow subscribers drop changes rather than block the relay;
			// a reconnecting client re-reads via List.
		}
	}
}
