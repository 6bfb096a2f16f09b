package state

import (
	"errors"

	"thunderfuel/storage"
)

// ErrTxnClosed is returned when a committed or discarded transaction is used.
var ErrTxnClosed = errors.New("state: transaction closed")

// Txn buffers writes on top of a database. Reads observe the transaction's own
// writes. Nothing reaches the database until Commit, which applies every
// buffered write in a single atomic batch.
//
// Txn is not safe for concurrent use; the host serialises access to the
// records a transaction touches.
type Txn struct {
	db     storage.Database
	writes map[string][]byte
	order  []string
	closed bool
}

// NewTxn opens a transaction against db.
func NewTxn(db storage.Database) *Txn {
	return &Txn{db: db, writes: make(map[string][]byte)}
}

// Get returns the value for key and whether it exists.
func (t *Txn) Get(key []byte) ([]byte, bool, error) {
	if t.closed {
		return nil, false, ErrTxnClosed
	}
	if value, ok := t.writes[string(key)]; ok {
		return append([]byte(nil), value...), true, nil
	}
	value, err := t.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Put buffers a write.
func (t *Txn) Put(key, value []byte) error {
	if t.closed {
		return ErrTxnClosed
	}
	k := string(key)
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = append([]byte(nil), value...)
	return nil
}

// Pending reports the number of distinct keys written.
func (t *Txn) Pending() int { return len(t.order) }

// Commit atomically applies all buffered writes.
func (t *Txn) Commit() error {
	if t.closed {
		return ErrTxnClosed
	}
	t.closed = true
	if len(t.order) == 0 {
		return nil
	}
	batch := t.db.NewBatch()
	for _, k := range t.order {
		batch.Put([]byte(k), t.writes[k])
	}
	return batch.Write()
}

// Discard drops all buffered writes. Discarding a closed transaction is a no-op.
func (t *Txn) Discard() {
	t.closed = true
	t.writes = nil
	t.order = nil
}
