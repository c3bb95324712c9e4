// Package block implements the smallest on-disk unit of an SST: a
// fixed-size page of sorted key/value entries plus an offset index,
// and the builder that packs entries into one.
package block

import (
	"encoding/binary"

	"github.com/oarkhollow/lsmgo/lsmerrors"
)

const sizeofU16 = 2

// Block is a contiguous byte slice containing a sequence of entries
// laid out back-to-back, each addressed by an offset recorded in
// Offsets. Offsets are strictly increasing and Offsets[0] == 0; entries
// are sorted by key with no duplicates.
type Block struct {
	data    []byte
	Offsets []uint16
}

// Encode yields data || offset_array_le || count_le.
func (b *Block) Encode() []byte {
	buf := make([]byte, 0, len(b.data)+len(b.Offsets)*sizeofU16+sizeofU16)
	buf = append(buf, b.data...)
	for _, off := range b.Offsets {
		buf = binary.LittleEndian.AppendUint16(buf, off)
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(b.Offsets)))
	return buf
}

// Decode inverts Encode. decode(encode(b)) == b, byte-identical.
func Decode(data []byte) (*Block, error) {
	if len(data) < sizeofU16 {
		return nil, &lsmerrors.FormatError{Context: "block.Decode", Reason: "buffer shorter than count field"}
	}
	numEntries := int(binary.LittleEndian.Uint16(data[len(data)-sizeofU16:]))
	dataEnd := len(data) - sizeofU16 - numEntries*sizeofU16
	if dataEnd < 0 {
		return nil, &lsmerrors.FormatError{Context: "block.Decode", Reason: "offset array overruns buffer"}
	}
	offsetsRaw := data[dataEnd : len(data)-sizeofU16]
	offsets := make([]uint16, numEntries)
	for i := 0; i < numEntries; i++ {
		offsets[i] = binary.LittleEndian.Uint16(offsetsRaw[i*sizeofU16 : i*sizeofU16+sizeofU16])
	}
	out := make([]byte, dataEnd)
	copy(out, data[:dataEnd])
	return &Block{data: out, Offsets: offsets}, nil
}

// GetEntry returns the key and value slices of the i-th entry. The last
// entry's end is the end of data, not a recorded offset.
func (b *Block) GetEntry(i int) (key, value []byte) {
	start := int(b.Offsets[i])
	end := len(b.data)
	if i+1 < len(b.Offsets) {
		end = int(b.Offsets[i+1])
	}
	entry := b.data[start:end]
	keyLen := int(binary.LittleEndian.Uint16(entry[:sizeofU16]))
	key = entry[sizeofU16 : sizeofU16+keyLen]
	valLenOff := sizeofU16 + keyLen
	valLen := int(binary.LittleEndian.Uint16(entry[valLenOff : valLenOff+sizeofU16]))
	valStart := valLenOff + sizeofU16
	value = entry[valStart : valStart+valLen]
	return key, value
}

// NumEntries reports how many entries the block holds.
func (b *Block) NumEntries() int {
	return len(b.Offsets)
}

// Builder packs sorted entries into a block no larger than a target
// size in bytes.
type Builder struct {
	offsets   []uint16
	data      []byte
	blockSize int
}

// NewBuilder creates a builder targeting blockSize bytes per block.
func NewBuilder(blockSize int) *Builder {
	return &Builder{blockSize: blockSize}
}

// Add appends one entry, provided the projected encoded size does not
// exceed the target. An empty builder always accepts its first entry,
// even an oversize one. Returns false if the entry was rejected because
// the block is already full. Returns a ContractViolation error if key
// is empty — callers must never pass an empty key.
func (b *Builder) Add(key, value []byte) (bool, error) {
	if len(key) == 0 {
		return false, &lsmerrors.ContractViolation{Context: "block.Builder.Add", Reason: "key must not be empty"}
	}

	entrySize := sizeofU16 + len(key) + sizeofU16 + len(value)
	projected := len(b.data) + len(b.offsets)*sizeofU16 + entrySize + sizeofU16 + sizeofU16

	if projected > b.blockSize && !b.IsEmpty() {
		return false, nil
	}

	b.offsets = append(b.offsets, uint16(len(b.data)))
	b.data = binary.LittleEndian.AppendUint16(b.data, uint16(len(key)))
	b.data = append(b.data, key...)
	b.data = binary.LittleEndian.AppendUint16(b.data, uint16(len(value)))
	b.data = append(b.data, value...)

	return true, nil
}

// IsEmpty reports whether any entry has been added yet.
func (b *Builder) IsEmpty() bool {
	return len(b.offsets) == 0
}

// Build finalizes the builder into an immutable Block.
func (b *Builder) Build() *Block {
	return &Block{data: b.data, Offsets: b.offsets}
}
