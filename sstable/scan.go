package sstable

import (
	"bytes"
)

// Bound describes one endpoint of a ScanInto range, mirroring
// memtable.Bound so storage can pass the same range through both
// memtables and SSTs without either package importing the other.
type Bound struct {
	Key       []byte
	Inclusive bool
	Unbounded bool
}

// ScanInto calls emit(key, value) for every entry in [lower, upper),
// in ascending key order, including tombstones (empty values); the
// caller is responsible for filtering those out if desired. Blocks
// outside the range are skipped entirely via the block index.
func (s *SST) ScanInto(lower, upper Bound, emit func(key, value []byte)) error {
	startBlock := 0
	if !lower.Unbounded {
		startBlock = s.findBlockIndex(lower.Key)
		if startBlock < 0 {
			startBlock = 0
		}
	}

	for bi := startBlock; bi < len(s.BlockMeta); bi++ {
		if !upper.Unbounded && bytes.Compare(s.BlockMeta[bi].FirstKey, upper.Key) > 0 {
			break
		}
		blk, err := s.loadBlock(bi)
		if err != nil {
			return err
		}
		n := blk.NumEntries()
		for i := 0; i < n; i++ {
			k, v := blk.GetEntry(i)
			if !lower.Unbounded {
				cmp := bytes.Compare(k, lower.Key)
				if cmp < 0 || (cmp == 0 && !lower.Inclusive) {
					continue
				}
			}
			if !upper.Unbounded {
				cmp := bytes.Compare(k, upper.Key)
				if cmp > 0 || (cmp == 0 && !upper.Inclusive) {
					return nil
				}
			}
			kc := make([]byte, len(k))
			copy(kc, k)
			vc := make([]byte, len(v))
			copy(vc, v)
			emit(kc, vc)
		}
	}
	return nil
}
