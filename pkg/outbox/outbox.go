// Package outbox is a durable queue of events awaiting delivery to remote
// sinks. Events are written with a synchronous pebble commit before the
// publishing call returns and are removed only once a relay acknowledges them.
package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/powershare/energymatch/shared/events"
)

const (
	keyPrefix = "event/"
	keyUpper  = "event/~"
	headerLen = 4 + 8
)

var ErrCorruptEntry = errors.New("outbox: corrupt entry")

// Entry is one queued event with its delivery bookkeeping.
type Entry struct {
	Seq         uint64
	Event       events.Event
	Attempts    uint32
	LastAttempt time.Time
}

// Outbox persists events in pebble, keyed by a monotonically increasing sequence.
type Outbox struct {
	db *pebble.DB

	mu   sync.Mutex
	next uint64
}

type options struct {
	fs vfs.FS
}

// Option configures Open.
type Option func(*options)

// WithFS opens the store on the given filesystem, e.g. vfs.NewMem() in tests.
func WithFS(fs vfs.FS) Option {
	return func(o *options) { o.fs = fs }
}

// Open opens or creates the outbox in dir and resumes its sequence.
func Open(dir string, opts ...Option) (*Outbox, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	db, err := pebble.Open(dir, &pebble.Options{FS: o.fs})
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", dir, err)
	}

	ob := &Outbox{db: db, next: 1}
	last, err := ob.lastSeq()
	if err != nil {
		db.Close()
		return nil, err
	}
	ob.next = last + 1
	return ob, nil
}

func (ob *Outbox) lastSeq() (uint64, error) {
	iter, err := ob.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyUpper),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseKey(iter.Key())
}

// Close closes the underlying store.
func (ob *Outbox) Close() error {
	return ob.db.Close()
}

// Publish appends evs atomically. It satisfies the event sink contract, so the
// outbox can sit directly behind the matching engines.
func (ob *Outbox) Publish(ctx context.Context, evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	batch := ob.db.NewBatch()
	defer batch.Close()

	seq := ob.next
	for i := range evs {
		val, err := encode(Entry{Event: evs[i]})
		if err != nil {
			return fmt.Errorf("encode event %s: %w", evs[i].ID, err)
		}
		if err := batch.Set(keyFor(seq), val, nil); err != nil {
			return err
		}
		seq++
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit outbox batch: %w", err)
	}
	ob.next = seq
	return nil
}

// Pending returns up to limit queued entries in sequence order.
func (ob *Outbox) Pending(limit int) ([]Entry, error) {
	iter, err := ob.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyUpper),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		seq, err := parseKey(iter.Key())
		if err != nil {
			return nil, err
		}
		e, err := decode(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", seq, err)
		}
		e.Seq = seq
		out = append(out, e)
	}
	return out, iter.Error()
}

// Ack removes delivered entries.
func (ob *Outbox) Ack(seqs ...uint64) error {
	if len(seqs) == 0 {
		return nil
	}
	batch := ob.db.NewBatch()
	defer batch.Close()

	for _, seq := range seqs {
		if err := batch.Delete(keyFor(seq), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// Nack records a failed delivery attempt for the entry.
func (ob *Outbox) Nack(e Entry, at time.Time) error {
	e.Attempts++
	e.LastAttempt = at
	val, err := encode(e)
	if err != nil {
		return err
	}
	return ob.db.Set(keyFor(e.Seq), val, pebble.Sync)
}

// Len counts queued entries.
func (ob *Outbox) Len() (int, error) {
	entries, err := ob.Pending(0)
	return len(entries), err
}

// value layout: [attempts:4][lastAttempt:8][event json]
func encode(e Entry) ([]byte, error) {
	body, err := json.Marshal(e.Event)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, headerLen, headerLen+len(body))
	binary.BigEndian.PutUint32(buf[0:4], e.Attempts)
	var last int64
	if !e.LastAttempt.IsZero() {
		last = e.LastAttempt.UnixNano()
	}
	binary.BigEndian.PutUint64(buf[4:12], uint64(last))
	return append(buf, body...), nil
}

func decode(b []byte) (Entry, error) {
	if len(b) < headerLen {
		return Entry{}, ErrCorruptEntry
	}
	var e Entry
	e.Attempts = binary.BigEndian.Uint32(b[0:4])
	if last := int64(binary.BigEndian.Uint64(b[4:12])); last != 0 {
		e.LastAttempt = time.Unix(0, last).UTC()
	}
	if err := json.Unmarshal(b[headerLen:], &e.Event); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return e, nil
}

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, seq))
}

func parseKey(b []byte) (uint64, error) {
	s := string(b)
	if len(s) <= len(keyPrefix) {
		return 0, fmt.Errorf("%w: key %q", ErrCorruptEntry, s)
	}
	return strconv.ParseUint(s[len(keyPrefix):], 10, 64)
}
