// Package memtable implements the in-memory, ordered write buffer that
// sits in front of every SST: a concurrent ordered map mirrored to a
// write-ahead log, scanned in key order when it is time to flush.
package memtable

import (
	"bytes"
	"sync/atomic"

	"github.com/huandu/skiplist"

	"github.com/oarkhollow/lsmgo/wal"
)

// bytesComparator orders raw keys the same way sstable.Builder expects
// them: lexicographic byte comparison.
type bytesComparator struct{}

func (bytesComparator) Compare(lhs, rhs interface{}) int {
	return bytes.Compare(lhs.([]byte), rhs.([]byte))
}

func (bytesComparator) CalcScore(key interface{}) float64 {
	b := key.([]byte)
	// The skip list orders by score before calling Compare, so the score
	// must agree with lexicographic order: the first 8 bytes are
	// left-aligned, with missing bytes counted as zero.
	var score float64
	for i := 0; i < 8; i++ {
		score *= 256
		if i < len(b) {
			score += float64(b[i])
		}
	}
	return score
}

// Memtable is a concurrent ordered map of key to value, optionally
// mirrored to a write-ahead log. A nil value is a tombstone. The
// skip list serializes concurrent inserts internally; reads never
// block a writer.
type Memtable struct {
	ID              uint64
	list            *skiplist.SkipList
	wal             *wal.Wal
	approximateSize int64 // atomic
}

// New creates an empty memtable with no WAL (e.g. for tests, or a
// destination memtable that will never need crash recovery).
func New(id uint64) *Memtable {
	return &Memtable{
		ID:   id,
		list: skiplist.New(bytesComparator{}),
	}
}

// NewWithWal creates an empty memtable backed by the given WAL. Use
// this for the active memtable so every put is crash-recoverable.
func NewWithWal(id uint64, w *wal.Wal) *Memtable {
	return &Memtable{
		ID:   id,
		list: skiplist.New(bytesComparator{}),
		wal:  w,
	}
}

// OpenWithWal rebuilds a memtable by replaying path (tolerating a
// torn trailing record, per wal.Replay), then opens path for further
// append and attaches it. Replayed records populate the skip list
// directly and are not re-mirrored to the WAL they came from.
func OpenWithWal(id uint64, path string) (*Memtable, error) {
	m := New(id)
	if err := wal.Replay(path, func(r wal.Record) error {
		m.applyNoWal(r.Key, r.Value)
		return nil
	}); err != nil {
		return nil, err
	}

	w, err := wal.Open(path)
	if err != nil {
		return nil, err
	}
	m.wal = w
	return m, nil
}

// applyNoWal inserts key/value into the skip list without touching
// the WAL, used only to repopulate a memtable from its own log.
func (m *Memtable) applyNoWal(key, value []byte) {
	k := cloneBytes(key)
	v := cloneBytes(value)
	m.list.Set(k, v)
	atomic.AddInt64(&m.approximateSize, int64(len(key)+len(value)))
}

// Put copies key and value, inserts the pair (overwriting any prior
// value for key), mirrors the write to the WAL if one is attached, and
// atomically grows ApproximateSize by len(key)+len(value). value may
// be empty to record a tombstone (distinct from absent).
func (m *Memtable) Put(key, value []byte) error {
	if m.wal != nil {
		if err := m.wal.Put(key, value); err != nil {
			return err
		}
	}

	k := cloneBytes(key)
	v := cloneBytes(value)
	m.list.Set(k, v)

	atomic.AddInt64(&m.approximateSize, int64(len(key)+len(value)))
	return nil
}

// Get returns the most recently put value for key. found=false means
// the key has never been put to this memtable; a tombstone returns
// found=true with a zero-length value.
func (m *Memtable) Get(key []byte) (value []byte, found bool) {
	elem := m.list.Get(key)
	if elem == nil {
		return nil, false
	}
	v := elem.Value.([]byte)
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// ApproximateSize reports the running total of len(key)+len(value)
// across every Put call, monotonically non-decreasing.
func (m *Memtable) ApproximateSize() int64 {
	return atomic.LoadInt64(&m.approximateSize)
}

// Len reports the number of distinct keys currently held.
func (m *Memtable) Len() int {
	return m.list.Len()
}

// Bound describes one endpoint of a Scan range.
type Bound struct {
	Key       []byte
	Inclusive bool
	Unbounded bool
}

// Unbounded returns a Bound that imposes no constraint on that side of
// the range.
func Unbounded() Bound { return Bound{Unbounded: true} }

// Included returns an inclusive Bound at key.
func Included(key []byte) Bound { return Bound{Key: key, Inclusive: true} }

// Excluded returns an exclusive Bound at key.
func Excluded(key []byte) Bound { return Bound{Key: key, Inclusive: false} }

// Iterator yields (key, value) pairs in ascending key order by walking
// the live skip list from the lower bound; it is not a snapshot, so
// entries inserted ahead of the cursor after Scan was called are also
// yielded. It is restartable: calling Next again after it returns
// false keeps returning false.
type Iterator struct {
	elem  *skiplist.Element
	upper Bound
	done  bool
}

// Scan returns a restartable ordered iterator over [lower, upper)
// subject to each Bound's inclusivity.
func (m *Memtable) Scan(lower, upper Bound) *Iterator {
	var elem *skiplist.Element
	if lower.Unbounded {
		elem = m.list.Front()
	} else {
		elem = m.list.Find(lower.Key)
		if elem != nil && !lower.Inclusive && bytes.Equal(elem.Key().([]byte), lower.Key) {
			elem = elem.Next()
		}
	}
	return &Iterator{elem: elem, upper: upper}
}

// Next reports whether a pair is available at the cursor. It does not
// move the cursor; Advance does.
func (it *Iterator) Next() bool {
	if it.done || it.elem == nil {
		it.done = true
		return false
	}
	if !it.upper.Unbounded {
		key := it.elem.Key().([]byte)
		cmp := bytes.Compare(key, it.upper.Key)
		if cmp > 0 || (cmp == 0 && !it.upper.Inclusive) {
			it.done = true
			it.elem = nil
			return false
		}
	}
	return true
}

// Key returns the current pair's key. Valid only after Next returns true.
func (it *Iterator) Key() []byte {
	out := cloneBytes(it.elem.Key().([]byte))
	return out
}

// Value returns the current pair's value. Valid only after Next returns true.
func (it *Iterator) Value() []byte {
	v := it.elem.Value.([]byte)
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// Advance moves the cursor past the current pair; call after consuming
// Key/Value and before the next Next call.
func (it *Iterator) Advance() {
	if it.elem != nil {
		it.elem = it.elem.Next()
	}
}

// SstBuilder is the subset of *sstable.Builder that FlushToSstBuilder
// needs, kept narrow here so memtable does not import sstable.
type SstBuilder interface {
	Add(key, value []byte) error
}

// FlushToSstBuilder iterates every entry in ascending key order and
// calls b.Add for each, the last step before an immutable memtable
// becomes a durable L0 SST.
func (m *Memtable) FlushToSstBuilder(b SstBuilder) error {
	it := m.Scan(Unbounded(), Unbounded())
	for it.Next() {
		if err := b.Add(it.Key(), it.Value()); err != nil {
			return err
		}
		it.Advance()
	}
	return nil
}

// Wal exposes the attached write-ahead log, or nil if none is attached.
func (m *Memtable) Wal() *wal.Wal {
	return m.wal
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
