// Package sstable implements the immutable on-disk sorted-string table:
// data blocks, a sparse block index, a Bloom filter, and a fixed
// footer, plus the builder that assembles one and the reader that
// opens and probes one.
//
// File layout (all integers little-endian):
//
//	data_blocks || index_block || bloom_bytes || bloom_len:u32 || index_len:u32 || footer
//	footer = file_size:u64 | data_crc32:u32 | index_crc32:u32 | bloom_crc32:u32
package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/oarkhollow/lsmgo/block"
	"github.com/oarkhollow/lsmgo/bloomfilter"
	"github.com/oarkhollow/lsmgo/lsmerrors"
)

var log = logrus.WithField("component", "sstable")

const footerSize = 8 + 4 + 4 + 4 // file_size + 3 crc32s

// DefaultBlockCacheCapacity is the number of decoded blocks the shared
// LRU holds across every open SST.
const DefaultBlockCacheCapacity = 1024

// CacheKey identifies one decoded block uniquely across every SST this
// process has open.
type CacheKey struct {
	SstID       uint64
	BlockOffset uint32
}

// BlockCache is the LRU shared by every SST a Storage has open. It
// never retains file handles, only decoded block contents.
type BlockCache = lru.Cache[CacheKey, *block.Block]

// NewBlockCache builds a BlockCache with the given capacity.
func NewBlockCache(capacity int) (*BlockCache, error) {
	if capacity <= 0 {
		capacity = DefaultBlockCacheCapacity
	}
	return lru.New[CacheKey, *block.Block](capacity)
}

// BlockMeta describes one data block's position and the smallest key
// it contains. Across a BlockMeta slice, FirstKey is strictly ascending
// and Offset is strictly ascending.
type BlockMeta struct {
	Offset   uint32
	FirstKey []byte
}

// Footer is the fixed 20-byte trailer of every SST file.
type Footer struct {
	FileSize uint64
	DataCRC  uint32
	IndexCRC uint32
	BloomCRC uint32
}

// Encode yields the 20-byte wire form of the footer.
func (f Footer) Encode() []byte {
	buf := make([]byte, 0, footerSize)
	buf = binary.LittleEndian.AppendUint64(buf, f.FileSize)
	buf = binary.LittleEndian.AppendUint32(buf, f.DataCRC)
	buf = binary.LittleEndian.AppendUint32(buf, f.IndexCRC)
	buf = binary.LittleEndian.AppendUint32(buf, f.BloomCRC)
	return buf
}

// DecodeFooter inverts Encode.
func DecodeFooter(buf []byte) (Footer, error) {
	if len(buf) != footerSize {
		return Footer{}, &lsmerrors.FormatError{Context: "sstable.DecodeFooter", Reason: "footer must be exactly 20 bytes"}
	}
	return Footer{
		FileSize: binary.LittleEndian.Uint64(buf[0:8]),
		DataCRC:  binary.LittleEndian.Uint32(buf[8:12]),
		IndexCRC: binary.LittleEndian.Uint32(buf[12:16]),
		BloomCRC: binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// FormatFilename returns the on-disk name for SST id, per the
// filesystem layout in the engine's external interface: "{id}.sst".
func FormatFilename(id uint64) string {
	return fmt.Sprintf("%d.sst", id)
}

// SST is the in-memory handle to an immutable on-disk table.
type SST struct {
	ID          uint64
	Path        string
	BlockMeta   []BlockMeta
	IndexOffset uint64
	IndexLen    uint64
	BloomOffset uint64
	BloomLen    uint64
	Footer      Footer

	bloom *bloomfilter.Filter
	cache *BlockCache

	mu   sync.Mutex
	file *os.File
}

// openFile lazily opens the backing file on first block read.
func (s *SST) openFile() (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file, nil
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	s.file = f
	return f, nil
}

// Close releases the SST's file handle, if one was opened.
func (s *SST) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// MayContain consults the Bloom filter only; a false return means the
// key is definitely absent, a true return means it might be present.
func (s *SST) MayContain(key []byte) bool {
	return s.bloom.MayContain(key)
}

// KeyCount loads every data block and sums its entry count. It is a
// diagnostics-only operation, not on any read/write hot path.
func (s *SST) KeyCount() (int, error) {
	total := 0
	for i := range s.BlockMeta {
		blk, err := s.loadBlock(i)
		if err != nil {
			return 0, err
		}
		total += blk.NumEntries()
	}
	return total, nil
}

// Stats reports this table's key count and its Bloom filter's
// theoretical false-positive rate at that key count, for the `stats`
// CLI verb and any future diagnostics consumer.
func (s *SST) Stats() (keyCount int, estimatedFalsePositiveRate float64, err error) {
	keyCount, err = s.KeyCount()
	if err != nil {
		return 0, 0, err
	}
	return keyCount, s.bloom.EstimatedFalsePositiveRate(keyCount), nil
}

// Get probes the Bloom filter, binary-searches the block index for the
// candidate block, loads it (through the shared block cache), and
// scans it for an exact key match. found=false means the key is not in
// this table (including a Bloom false-positive resolved at the block
// stage); a tombstone hit returns found=true with a zero-length value.
func (s *SST) Get(key []byte) (value []byte, found bool, err error) {
	if !s.bloom.MayContain(key) {
		return nil, false, nil
	}

	idx := s.findBlockIndex(key)
	if idx < 0 {
		return nil, false, nil
	}

	blk, err := s.loadBlock(idx)
	if err != nil {
		return nil, false, err
	}

	n := blk.NumEntries()
	i := sort.Search(n, func(i int) bool {
		k, _ := blk.GetEntry(i)
		return bytes.Compare(k, key) >= 0
	})
	if i >= n {
		return nil, false, nil
	}
	k, v := blk.GetEntry(i)
	if !bytes.Equal(k, key) {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// findBlockIndex returns the index of the last BlockMeta whose
// FirstKey <= key, or -1 if key is smaller than every block's first
// key (i.e. definitely not present).
func (s *SST) findBlockIndex(key []byte) int {
	i := sort.Search(len(s.BlockMeta), func(i int) bool {
		return bytes.Compare(s.BlockMeta[i].FirstKey, key) > 0
	})
	return i - 1
}

func (s *SST) blockByteRange(idx int) (offset uint32, length uint32) {
	offset = s.BlockMeta[idx].Offset
	var end uint32
	if idx+1 < len(s.BlockMeta) {
		end = s.BlockMeta[idx+1].Offset
	} else {
		end = uint32(s.IndexOffset)
	}
	return offset, end - offset
}

func (s *SST) loadBlock(idx int) (*block.Block, error) {
	offset, length := s.blockByteRange(idx)
	key := CacheKey{SstID: s.ID, BlockOffset: offset}

	if s.cache != nil {
		if blk, ok := s.cache.Get(key); ok {
			return blk, nil
		}
	}

	f, err := s.openFile()
	if err != nil {
		return nil, err
	}

	raw := make([]byte, length)
	if _, err := f.ReadAt(raw, int64(offset)); err != nil && err != io.EOF {
		return nil, err
	}

	blk, err := block.Decode(raw)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Add(key, blk)
	}
	return blk, nil
}

// Open reads an existing SST file: footer, bloom, index, verifying all
// three region checksums. Any mismatch fails the whole open with a
// ChecksumMismatch; the engine must refuse to serve from the file.
func Open(path string, id uint64, cache *BlockCache) (*SST, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < footerSize+8 {
		return nil, &lsmerrors.FormatError{Context: "sstable.Open", Reason: "file too short for footer and length fields"}
	}

	footerBuf := make([]byte, footerSize)
	if _, err := f.ReadAt(footerBuf, size-footerSize); err != nil {
		return nil, err
	}
	footer, err := DecodeFooter(footerBuf)
	if err != nil {
		return nil, err
	}
	if footer.FileSize != uint64(size) {
		return nil, &lsmerrors.FormatError{Context: "sstable.Open", Reason: "footer file_size does not match actual file length"}
	}

	lenFieldsBuf := make([]byte, 8)
	if _, err := f.ReadAt(lenFieldsBuf, size-footerSize-8); err != nil {
		return nil, err
	}
	bloomLen := uint64(binary.LittleEndian.Uint32(lenFieldsBuf[0:4]))
	indexLen := uint64(binary.LittleEndian.Uint32(lenFieldsBuf[4:8]))

	bloomEnd := uint64(size) - footerSize - 8
	if bloomLen > bloomEnd {
		return nil, &lsmerrors.FormatError{Context: "sstable.Open", Reason: "bloom_len overruns file"}
	}
	bloomOffset := bloomEnd - bloomLen
	if indexLen > bloomOffset {
		return nil, &lsmerrors.FormatError{Context: "sstable.Open", Reason: "index_len overruns file"}
	}
	indexOffset := bloomOffset - indexLen
	dataLen := indexOffset

	dataBuf := make([]byte, dataLen)
	if _, err := f.ReadAt(dataBuf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	if crc := crc32.ChecksumIEEE(dataBuf); crc != footer.DataCRC {
		return nil, &lsmerrors.ChecksumMismatch{File: path, Region: "data", Expected: footer.DataCRC, Actual: crc}
	}

	indexBuf := make([]byte, indexLen)
	if _, err := f.ReadAt(indexBuf, int64(indexOffset)); err != nil && err != io.EOF {
		return nil, err
	}
	if crc := crc32.ChecksumIEEE(indexBuf); crc != footer.IndexCRC {
		return nil, &lsmerrors.ChecksumMismatch{File: path, Region: "index", Expected: footer.IndexCRC, Actual: crc}
	}

	bloomBuf := make([]byte, bloomLen)
	if _, err := f.ReadAt(bloomBuf, int64(bloomOffset)); err != nil && err != io.EOF {
		return nil, err
	}
	if crc := crc32.ChecksumIEEE(bloomBuf); crc != footer.BloomCRC {
		return nil, &lsmerrors.ChecksumMismatch{File: path, Region: "bloom", Expected: footer.BloomCRC, Actual: crc}
	}

	indexBlock, err := block.Decode(indexBuf)
	if err != nil {
		return nil, err
	}
	blockMeta := make([]BlockMeta, indexBlock.NumEntries())
	for i := 0; i < indexBlock.NumEntries(); i++ {
		firstKey, offBytes := indexBlock.GetEntry(i)
		fk := make([]byte, len(firstKey))
		copy(fk, firstKey)
		blockMeta[i] = BlockMeta{
			Offset:   binary.LittleEndian.Uint32(offBytes),
			FirstKey: fk,
		}
	}

	bloom, err := bloomfilter.Decode(bloomBuf)
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{"id": id, "path": path, "blocks": len(blockMeta)}).Debug("opened sstable")

	return &SST{
		ID:          id,
		Path:        path,
		BlockMeta:   blockMeta,
		IndexOffset: indexOffset,
		IndexLen:    indexLen,
		BloomOffset: bloomOffset,
		BloomLen:    bloomLen,
		Footer:      footer,
		bloom:       bloom,
		cache:       cache,
	}, nil
}
