package sstable

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/oarkhollow/lsmgo/block"
	"github.com/oarkhollow/lsmgo/bloomfilter"
	"github.com/oarkhollow/lsmgo/lsmerrors"
)

// indexBlockBudget caps the index block at the largest size whose
// entry offsets and count still fit the block format's u16 fields, so
// an index that outgrows it surfaces as the documented Format error
// instead of being written with truncated offsets.
const indexBlockBudget = 0xFFFF // 64 KiB - 1

// Builder accumulates entries in strictly ascending key order (caller
// contract) and streams them through a rolling current block.
type Builder struct {
	blockSize       int
	bitsPerKey      int
	currentBlock    *block.Builder
	currentFirstKey []byte
	blockMeta       []BlockMeta
	data            []byte
	keys            [][]byte
}

// NewBuilder creates a builder targeting blockSize bytes per data
// block and bitsPerKey bits of Bloom filter density.
func NewBuilder(blockSize, bitsPerKey int) *Builder {
	return &Builder{
		blockSize:    blockSize,
		bitsPerKey:   bitsPerKey,
		currentBlock: block.NewBuilder(blockSize),
	}
}

// Add appends one entry. key must be strictly greater than every key
// previously added (caller contract; not reverified here).
func (b *Builder) Add(key, value []byte) error {
	if b.currentBlock.IsEmpty() {
		b.currentFirstKey = cloneBytes(key)
	}

	ok, err := b.currentBlock.Add(key, value)
	if err != nil {
		return err
	}
	if !ok {
		if err := b.flushCurrentBlock(); err != nil {
			return err
		}
		b.currentFirstKey = cloneBytes(key)
		ok, err = b.currentBlock.Add(key, value)
		if err != nil {
			return err
		}
		if !ok {
			return &lsmerrors.FormatError{Context: "sstable.Builder.Add", Reason: "entry too large for block"}
		}
	}

	b.keys = append(b.keys, cloneBytes(key))
	return nil
}

func (b *Builder) flushCurrentBlock() error {
	if b.currentBlock.IsEmpty() {
		return nil
	}
	blk := b.currentBlock.Build()
	encoded := blk.Encode()
	offset := uint32(len(b.data))
	b.data = append(b.data, encoded...)
	b.blockMeta = append(b.blockMeta, BlockMeta{Offset: offset, FirstKey: b.currentFirstKey})
	b.currentBlock = block.NewBuilder(b.blockSize)
	return nil
}

// Build finalizes any trailing block, assembles the index and Bloom
// sections, writes the whole file (data, index, bloom, bloom_len,
// index_len, footer) and returns the in-memory handle.
func (b *Builder) Build(id uint64, path string, cache *BlockCache) (*SST, error) {
	if err := b.flushCurrentBlock(); err != nil {
		return nil, err
	}

	dataCRC := crc32.ChecksumIEEE(b.data)

	indexBytes, err := b.buildIndexBlock()
	if err != nil {
		return nil, err
	}
	indexCRC := crc32.ChecksumIEEE(indexBytes)

	bloom := bloomfilter.BuildFromKeys(b.keys, b.bitsPerKey)
	bloomBytes := bloom.Encode()
	bloomCRC := crc32.ChecksumIEEE(bloomBytes)

	indexOffset := uint64(len(b.data))
	indexLen := uint64(len(indexBytes))
	bloomOffset := indexOffset + indexLen
	bloomLen := uint64(len(bloomBytes))
	fileSize := bloomOffset + bloomLen + 8 + footerSize

	footer := Footer{
		FileSize: fileSize,
		DataCRC:  dataCRC,
		IndexCRC: indexCRC,
		BloomCRC: bloomCRC,
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	if _, err := w.Write(b.data); err != nil {
		return nil, err
	}
	if _, err := w.Write(indexBytes); err != nil {
		return nil, err
	}
	if _, err := w.Write(bloomBytes); err != nil {
		return nil, err
	}
	lenFields := make([]byte, 0, 8)
	lenFields = binary.LittleEndian.AppendUint32(lenFields, uint32(bloomLen))
	lenFields = binary.LittleEndian.AppendUint32(lenFields, uint32(indexLen))
	if _, err := w.Write(lenFields); err != nil {
		return nil, err
	}
	if _, err := w.Write(footer.Encode()); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}

	log.WithFields(map[string]any{"id": id, "path": path, "entries": len(b.keys), "blocks": len(b.blockMeta)}).Debug("built sstable")

	return &SST{
		ID:          id,
		Path:        path,
		BlockMeta:   b.blockMeta,
		IndexOffset: indexOffset,
		IndexLen:    indexLen,
		BloomOffset: bloomOffset,
		BloomLen:    bloomLen,
		Footer:      footer,
		bloom:       bloom,
		cache:       cache,
	}, nil
}

func (b *Builder) buildIndexBlock() ([]byte, error) {
	ib := block.NewBuilder(indexBlockBudget)
	for _, meta := range b.blockMeta {
		offBytes := binary.LittleEndian.AppendUint32(nil, meta.Offset)
		ok, err := ib.Add(meta.FirstKey, offBytes)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &lsmerrors.FormatError{Context: "sstable.Builder.buildIndexBlock", Reason: "index block overflowed its budget"}
		}
	}
	return ib.Build().Encode(), nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
