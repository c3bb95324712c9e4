// Package storage owns the engine's overall state machine: the active
// memtable, the FIFO queue of immutable memtables awaiting flush, the
// L0 SST list, and (structurally, for future levels) deeper tiers. A
// single structural read-write lock protects which memtables and SSTs
// sit in which tier; the memtables and SSTs themselves are
// independently thread-safe, reference-counted only by ordinary Go
// pointers kept alive by whoever holds them.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/oarkhollow/lsmgo/compaction"
	"github.com/oarkhollow/lsmgo/lsmerrors"
	"github.com/oarkhollow/lsmgo/memtable"
	"github.com/oarkhollow/lsmgo/sstable"
	"github.com/oarkhollow/lsmgo/wal"
)

var log = logrus.WithField("component", "storage")

// Options configures block sizing, rotation thresholds, and cache
// density. DefaultOptions mirrors the engine's documented defaults.
type Options struct {
	BlockSize          int
	MemtableThreshold  int64
	BlockCacheCapacity int
	BloomBitsPerKey    int
}

// DefaultOptions returns the engine's documented defaults: 4 KiB
// blocks, a 1 MiB rotation threshold, a 1024-block cache, and 10
// Bloom bits per key.
func DefaultOptions() Options {
	return Options{
		BlockSize:          4 * 1024,
		MemtableThreshold:  1 << 20,
		BlockCacheCapacity: sstable.DefaultBlockCacheCapacity,
		BloomBitsPerKey:    10,
	}
}

// bootstrapWalName is the fixed name of memtable id 0's WAL, per the
// engine's documented filesystem layout.
const bootstrapWalName = "mem.wal"

func walFilename(id uint64) string {
	if id == 0 {
		return bootstrapWalName
	}
	return fmt.Sprintf("%05d.wal", id)
}

// flushRequest is queued to the background flush worker whenever
// freezeActive rotates a memtable into the immutable queue.
type flushRequest struct{}

// Storage is the open handle to one engine instance rooted at a
// directory on disk.
type Storage struct {
	dir  string
	opts Options

	mu            sync.RWMutex // structural lock
	active        *memtable.Memtable
	immMemtables  []*memtable.Memtable // newest first
	l0            *compaction.L0
	sstByID       map[uint64]*sstable.SST
	maxMemtableID uint64
	maxSstID      uint64

	cache *sstable.BlockCache

	flushCh  chan flushRequest
	closed   bool
	eg       *errgroup.Group
	egCancel func()
}

// Open bootstraps a Storage rooted at dir: creates the directory if
// needed, replays memtable id 0's WAL (if present) to repopulate its
// skip list, discovers existing `{id}.sst` files, and starts the
// background flush worker.
func Open(dir string, opts Options) (*Storage, error) {
	if opts.BlockSize <= 0 || opts.MemtableThreshold <= 0 || opts.BloomBitsPerKey <= 0 {
		def := DefaultOptions()
		if opts.BlockSize <= 0 {
			opts.BlockSize = def.BlockSize
		}
		if opts.MemtableThreshold <= 0 {
			opts.MemtableThreshold = def.MemtableThreshold
		}
		if opts.BloomBitsPerKey <= 0 {
			opts.BloomBitsPerKey = def.BloomBitsPerKey
		}
	}
	if opts.BlockCacheCapacity <= 0 {
		opts.BlockCacheCapacity = sstable.DefaultBlockCacheCapacity
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	cache, err := sstable.NewBlockCache(opts.BlockCacheCapacity)
	if err != nil {
		return nil, err
	}

	sstByID, l0IDs, maxSstID, err := discoverSSTs(dir, cache)
	if err != nil {
		return nil, err
	}

	bootstrapPath := filepath.Join(dir, bootstrapWalName)
	active, err := memtable.OpenWithWal(0, bootstrapPath)
	if err != nil {
		return nil, err
	}

	s := &Storage{
		dir:      dir,
		opts:     opts,
		active:   active,
		l0:       compaction.NewL0(l0IDs),
		sstByID:  sstByID,
		maxSstID: maxSstID,
		cache:    cache,
		flushCh:  make(chan flushRequest, 64),
	}

	eg, cancel := newFlushSupervisor(s)
	s.eg = eg
	s.egCancel = cancel

	log.WithFields(logrus.Fields{"dir": dir, "l0_count": len(l0IDs)}).Info("storage opened")
	return s, nil
}

func discoverSSTs(dir string, cache *sstable.BlockCache) (map[uint64]*sstable.SST, []uint64, uint64, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, 0, err
	}

	type pair struct {
		id   uint64
		path string
	}
	var pairs []pair
	var maxID uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".sst") {
			continue
		}
		idStr := strings.TrimSuffix(name, ".sst")
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		if id > maxID {
			maxID = id
		}
		pairs = append(pairs, pair{id: id, path: filepath.Join(dir, name)})
	}
	// Newest first for l0 ordering.
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].id > pairs[j].id })

	byID := make(map[uint64]*sstable.SST, len(pairs))
	ids := make([]uint64, 0, len(pairs))
	for _, p := range pairs {
		sst, err := sstable.Open(p.path, p.id, cache)
		if err != nil {
			return nil, nil, 0, err
		}
		byID[p.id] = sst
		ids = append(ids, p.id)
	}
	return byID, ids, maxID, nil
}

// Put copies key and value into the active memtable, mirrored
// synchronously to its WAL. If the map write fails the WAL append
// already succeeded or failed first: the in-memory map is never
// updated unless the WAL write succeeded. The structural lock is held
// in shared mode across the forward to active.Put, not just across the
// read of s.active: releasing it early would let a concurrent
// freezeActive rotate s.active (and the flush worker subsequently
// evict, close, and delete its WAL) while this call's write is still
// in flight, losing the write or failing it against an already-closed
// WAL. Holding the RLock blocks freezeActive's exclusive lock attempt
// until this Put has landed. Crossing MemtableThreshold then triggers
// freezeActive.
func (s *Storage) Put(key, value []byte) error {
	if len(key) == 0 {
		return lsmerrors.ErrEmptyKey
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return lsmerrors.ErrClosed
	}
	active := s.active
	err := active.Put(key, value)
	var size int64
	if err == nil {
		size = active.ApproximateSize()
	}
	s.mu.RUnlock()

	if err != nil {
		return err
	}

	if size >= s.opts.MemtableThreshold {
		if err := s.freezeActive(active); err != nil {
			return err
		}
	}
	return nil
}

// Delete records a tombstone for key, equivalent to Put(key, nil).
func (s *Storage) Delete(key []byte) error {
	return s.Put(key, nil)
}

// Get probes, in order: the active memtable; each immutable memtable
// newest to oldest; each L0 SST newest to oldest. A hit with an empty
// value is a tombstone and is reported as absent. found=false means no
// tier holds the key, or the newest entry for it is a tombstone.
func (s *Storage) Get(key []byte) (value []byte, found bool, err error) {
	if len(key) == 0 {
		return nil, false, lsmerrors.ErrEmptyKey
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, false, lsmerrors.ErrClosed
	}
	active := s.active
	imms := append([]*memtable.Memtable(nil), s.immMemtables...)
	l0IDs := s.l0.IDs()
	sstByID := s.sstByID
	s.mu.RUnlock()

	if v, ok := active.Get(key); ok {
		return tombstoneToOption(v)
	}
	for _, imm := range imms {
		if v, ok := imm.Get(key); ok {
			return tombstoneToOption(v)
		}
	}
	for _, id := range l0IDs {
		sst := sstByID[id]
		if sst == nil {
			continue
		}
		v, ok, err := sst.Get(key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return tombstoneToOption(v)
		}
	}
	return nil, false, nil
}

func tombstoneToOption(v []byte) ([]byte, bool, error) {
	if len(v) == 0 {
		return nil, false, nil
	}
	return v, true, nil
}

// freezeActive re-checks the size under the exclusive lock (avoiding a
// redundant rotation if another writer already froze this memtable),
// mints a new memtable id, prepends the old one onto immMemtables, and
// installs the new one as active. It then notifies the flush worker.
func (s *Storage) freezeActive(candidate *memtable.Memtable) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return lsmerrors.ErrClosed
	}
	if s.active != candidate {
		s.mu.Unlock()
		return nil // someone else already rotated this memtable
	}
	if candidate.ApproximateSize() < s.opts.MemtableThreshold {
		s.mu.Unlock()
		return nil // double-checked: no longer over threshold
	}

	newID := s.maxMemtableID + 1
	s.maxMemtableID = newID

	walPath := filepath.Join(s.dir, walFilename(newID))
	w, err := wal.Create(walPath)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	newActive := memtable.NewWithWal(newID, w)

	s.immMemtables = append([]*memtable.Memtable{s.active}, s.immMemtables...)
	s.active = newActive
	s.mu.Unlock()

	log.WithFields(logrus.Fields{"frozen_id": candidate.ID, "new_active_id": newID}).Info("memtable frozen")

	select {
	case s.flushCh <- flushRequest{}:
	default:
		// Worker already has a pending wake-up; the worker calls
		// flushOldestImmutable until the whole queue is drained on each
		// wake-up, so this is safe to drop.
	}
	return nil
}

// newFlushSupervisor starts the background flush worker, supervised by
// an errgroup so a flush failure surfaces through Close.
func newFlushSupervisor(s *Storage) (*errgroup.Group, func()) {
	stop := make(chan struct{})
	eg := &errgroup.Group{}
	eg.Go(func() error {
		for {
			select {
			case <-stop:
				return nil
			case <-s.flushCh:
				for {
					flushed, err := s.flushOldestImmutable()
					if err != nil {
						return err
					}
					if !flushed {
						break
					}
				}
			}
		}
	})
	return eg, func() { close(stop) }
}

// flushOldestImmutable picks the oldest immutable memtable (if any),
// builds an SST for it, fsyncs it, then atomically under the
// structural lock: inserts it into sstByID, prepends its id to l0,
// removes the memtable from immMemtables, and deletes its WAL. Any
// I/O error leaves the memtable in immMemtables for retry.
func (s *Storage) flushOldestImmutable() (flushed bool, err error) {
	s.mu.RLock()
	n := len(s.immMemtables)
	if n == 0 {
		s.mu.RUnlock()
		return false, nil
	}
	oldest := s.immMemtables[n-1]
	s.mu.RUnlock()

	s.mu.Lock()
	s.maxSstID++
	id := s.maxSstID
	s.mu.Unlock()

	b := sstable.NewBuilder(s.opts.BlockSize, s.opts.BloomBitsPerKey)
	if err := oldest.FlushToSstBuilder(b); err != nil {
		return false, err
	}

	path := filepath.Join(s.dir, sstable.FormatFilename(id))
	sst, err := b.Build(id, path, s.cache)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.sstByID[id] = sst
	s.l0.AddSSTToL0(id)
	for i, imm := range s.immMemtables {
		if imm == oldest {
			s.immMemtables = append(s.immMemtables[:i], s.immMemtables[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if w := oldest.Wal(); w != nil {
		walPath := w.Path()
		if err := w.Close(); err != nil {
			return false, err
		}
		if err := wal.Remove(walPath); err != nil && !os.IsNotExist(err) {
			return false, err
		}
	}

	log.WithFields(logrus.Fields{"memtable_id": oldest.ID, "sst_id": id}).Info("flushed immutable memtable")
	return true, nil
}

// Bound re-exports memtable.Bound so callers scanning a Storage never
// need to import the memtable package directly.
type Bound = memtable.Bound

// Unbounded, Included and Excluded build Scan bounds.
func Unbounded() Bound          { return memtable.Unbounded() }
func Included(key []byte) Bound { return memtable.Included(key) }
func Excluded(key []byte) Bound { return memtable.Excluded(key) }

// Pair is one (key, value) result from Scan.
type Pair struct {
	Key   []byte
	Value []byte
}

// Scan returns, in ascending key order, every live (non-tombstone) key
// in [lower, upper) across the active memtable, every immutable
// memtable (newest wins on ties), and every L0 SST (newest wins on
// ties). It is a point-in-time snapshot merge, not a live cursor: all
// sources are captured once under the structural lock before merging.
func (s *Storage) Scan(lower, upper Bound) ([]Pair, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, lsmerrors.ErrClosed
	}
	active := s.active
	imms := append([]*memtable.Memtable(nil), s.immMemtables...)
	l0IDs := s.l0.IDs()
	sstByID := s.sstByID
	s.mu.RUnlock()

	merged := map[string][]byte{}
	order := []string{}

	// Oldest to newest so later sources overwrite earlier ones.
	applySST := func(id uint64) error {
		sst := sstByID[id]
		if sst == nil {
			return nil
		}
		return scanSST(sst, lower, upper, func(k, v []byte) {
			ks := string(k)
			if _, seen := merged[ks]; !seen {
				order = append(order, ks)
			}
			merged[ks] = v
		})
	}
	for i := len(l0IDs) - 1; i >= 0; i-- {
		if err := applySST(l0IDs[i]); err != nil {
			return nil, err
		}
	}
	for i := len(imms) - 1; i >= 0; i-- {
		applyMemtable(imms[i], lower, upper, func(k, v []byte) {
			ks := string(k)
			if _, seen := merged[ks]; !seen {
				order = append(order, ks)
			}
			merged[ks] = v
		})
	}
	applyMemtable(active, lower, upper, func(k, v []byte) {
		ks := string(k)
		if _, seen := merged[ks]; !seen {
			order = append(order, ks)
		}
		merged[ks] = v
	})

	sort.Strings(order)
	out := make([]Pair, 0, len(order))
	for _, ks := range order {
		v := merged[ks]
		if len(v) == 0 {
			continue // tombstone: filtered out of scan results
		}
		out = append(out, Pair{Key: []byte(ks), Value: v})
	}
	return out, nil
}

func applyMemtable(m *memtable.Memtable, lower, upper Bound, emit func(k, v []byte)) {
	it := m.Scan(lower, upper)
	for it.Next() {
		emit(it.Key(), it.Value())
		it.Advance()
	}
}

func scanSST(sst *sstable.SST, lower, upper Bound, emit func(k, v []byte)) error {
	return sst.ScanInto(
		sstable.Bound{Key: lower.Key, Inclusive: lower.Inclusive, Unbounded: lower.Unbounded},
		sstable.Bound{Key: upper.Key, Inclusive: upper.Inclusive, Unbounded: upper.Unbounded},
		emit,
	)
}

// Close drains the flush worker, flushes and closes the active WAL,
// and returns the first observed background flush error rather than
// swallowing it.
func (s *Storage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	active := s.active
	s.mu.Unlock()

	s.egCancel()
	flushErr := s.eg.Wait()

	var walErr error
	if w := active.Wal(); w != nil {
		walErr = w.Close()
	}

	s.mu.RLock()
	for _, sst := range s.sstByID {
		_ = sst.Close()
	}
	s.mu.RUnlock()

	if flushErr != nil {
		return fmt.Errorf("flush worker: %w", flushErr)
	}
	return walErr
}

// MaxMemtableID reports the highest minted memtable id, for tests
// asserting rotation monotonicity.
func (s *Storage) MaxMemtableID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxMemtableID
}

// ImmutableCount reports the current immutable-memtable queue depth.
func (s *Storage) ImmutableCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.immMemtables)
}

// ActiveLen reports the number of distinct keys in the active memtable.
func (s *Storage) ActiveLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.Len()
}

// TableStats is one L0 table's diagnostics: its key count and its
// Bloom filter's theoretical false-positive rate at that count.
type TableStats struct {
	ID                         uint64
	Path                       string
	KeyCount                   int
	EstimatedFalsePositiveRate float64
}

// Stats reports per-table diagnostics for every L0 SST, newest first.
// It loads every data block of every table to count keys, so it is
// meant for operator tooling (the `stats` CLI verb), not a hot path.
func (s *Storage) Stats() ([]TableStats, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, lsmerrors.ErrClosed
	}
	ids := s.l0.IDs()
	sstByID := s.sstByID
	s.mu.RUnlock()

	out := make([]TableStats, 0, len(ids))
	for _, id := range ids {
		sst := sstByID[id]
		if sst == nil {
			continue
		}
		keyCount, fpr, err := sst.Stats()
		if err != nil {
			return nil, err
		}
		out = append(out, TableStats{
			ID:                         id,
			Path:                       sst.Path,
			KeyCount:                   keyCount,
			EstimatedFalsePositiveRate: fpr,
		})
	}
	return out, nil
}
