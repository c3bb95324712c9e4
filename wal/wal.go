// Package wal implements the per-memtable write-ahead log: an
// append-only, checksummed record file that makes a memtable's writes
// crash-recoverable up to the last durably-flushed record.
package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "wal")

const sizeofU16 = 2

// Wal is a single append-only record log. Writes are buffered and
// shared behind an exclusive lock (single writer at a time); by
// default no fsync happens per record — call Flush for the explicit
// flush+fsync durability point.
type Wal struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

// Create creates a fresh WAL file at path, truncating any existing
// file (used when a memtable is minted at rotation).
func Create(path string) (*Wal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &Wal{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Open opens an existing WAL file for append, e.g. when reattaching to
// a memtable whose WAL already has records from a prior run.
func Open(path string) (*Wal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Wal{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Path reports the file path backing this WAL.
func (w *Wal) Path() string {
	return w.path
}

// Put appends one record: key_len:u16_le | key | val_len:u16_le | val |
// crc32_le(over the preceding bytes of this record). value may be
// empty (a tombstone); key must not be.
func (w *Wal) Put(key, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := make([]byte, 0, sizeofU16+len(key)+sizeofU16+len(value))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(key)))
	buf = append(buf, key...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(value)))
	buf = append(buf, value...)

	checksum := crc32.ChecksumIEEE(buf)
	buf = binary.LittleEndian.AppendUint32(buf, checksum)

	if _, err := w.w.Write(buf); err != nil {
		return err
	}
	return nil
}

// Flush pushes buffered writes to the OS and fsyncs the file; this is
// the explicit durability point the WAL does not take automatically.
func (w *Wal) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

// Close flushes and closes the underlying file.
func (w *Wal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.w.Flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

// Remove deletes the WAL file at path; called once the corresponding
// SST is durable. It does not close an open Wal, so callers Close the
// Wal first.
func Remove(path string) error {
	return os.Remove(path)
}

// Record is one decoded WAL entry.
type Record struct {
	Key   []byte
	Value []byte
}

// Replay reads every well-formed record in path and invokes fn for
// each, in order. It tolerates a torn trailing record (a record cut
// short by a crash mid-write) and stops replay at the first CRC
// mismatch, treating both as "nothing more to recover" rather than a
// fatal error — the file may simply end mid-append. A missing file is
// not an error; replay of an empty log is a no-op.
func Replay(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		rec, ok, err := readRecord(r)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

func readRecord(r *bufio.Reader) (Record, bool, error) {
	var lenBuf [sizeofU16]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Record{}, false, nil // clean EOF or torn length prefix: stop
	}
	keyLen := binary.LittleEndian.Uint16(lenBuf[:])

	header := make([]byte, 0, sizeofU16+int(keyLen)+sizeofU16)
	header = append(header, lenBuf[:]...)

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Record{}, false, nil
	}
	header = append(header, key...)

	var valLenBuf [sizeofU16]byte
	if _, err := io.ReadFull(r, valLenBuf[:]); err != nil {
		return Record{}, false, nil
	}
	header = append(header, valLenBuf[:]...)
	valLen := binary.LittleEndian.Uint16(valLenBuf[:])

	value := make([]byte, valLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return Record{}, false, nil
	}
	header = append(header, value...)

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return Record{}, false, nil
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf[:])
	gotCRC := crc32.ChecksumIEEE(header)
	if wantCRC != gotCRC {
		log.WithFields(logrus.Fields{"want": wantCRC, "got": gotCRC}).Warn("WAL record checksum mismatch, stopping replay")
		return Record{}, false, nil
	}

	return Record{Key: key, Value: value}, true, nil
}
