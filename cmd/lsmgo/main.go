// Command lsmgo is a small front-end over the storage engine: put,
// get, delete and scan against a directory on disk.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/oarkhollow/lsmgo/storage"
)

func main() {
	dir := flag.String("dir", "data", "engine directory (WAL + SSTables live here)")
	blockSize := flag.Int("block-size", 4*1024, "target bytes per data block")
	memtableThreshold := flag.Int64("memtable-threshold", 1<<20, "bytes that trigger memtable rotation")
	cacheCapacity := flag.Int("block-cache-capacity", 1024, "blocks held in the shared LRU")
	bloomBitsPerKey := flag.Int("bloom-bits-per-key", 10, "Bloom filter density")
	verbose := flag.BoolP("verbose", "v", false, "debug-level logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	opts := storage.Options{
		BlockSize:          *blockSize,
		MemtableThreshold:  *memtableThreshold,
		BlockCacheCapacity: *cacheCapacity,
		BloomBitsPerKey:    *bloomBitsPerKey,
	}

	s, err := storage.Open(*dir, opts)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = s.Close() }()

	switch cmd, rest := args[0], args[1:]; cmd {
	case "put":
		if len(rest) != 2 {
			usage()
			os.Exit(2)
		}
		if err := s.Put([]byte(rest[0]), []byte(rest[1])); err != nil {
			fatal(err)
		}
		fmt.Println("ok")

	case "get":
		if len(rest) != 1 {
			usage()
			os.Exit(2)
		}
		v, found, err := s.Get([]byte(rest[0]))
		if err != nil {
			fatal(err)
		}
		if !found {
			fmt.Println("(not found)")
			os.Exit(1)
		}
		fmt.Println(string(v))

	case "del":
		if len(rest) != 1 {
			usage()
			os.Exit(2)
		}
		if err := s.Delete([]byte(rest[0])); err != nil {
			fatal(err)
		}
		fmt.Println("ok")

	case "stats":
		tables, err := s.Stats()
		if err != nil {
			fatal(err)
		}
		if len(tables) == 0 {
			fmt.Println("(no L0 tables)")
			break
		}
		for _, ts := range tables {
			fmt.Printf("%d\t%s\tkeys=%d\testimated_fpr=%.4f\n", ts.ID, ts.Path, ts.KeyCount, ts.EstimatedFalsePositiveRate)
		}

	case "scan":
		lower, upper := storage.Unbounded(), storage.Unbounded()
		if len(rest) >= 1 && rest[0] != "" {
			lower = storage.Included([]byte(rest[0]))
		}
		if len(rest) >= 2 && rest[1] != "" {
			upper = storage.Excluded([]byte(rest[1]))
		}
		pairs, err := s.Scan(lower, upper)
		if err != nil {
			fatal(err)
		}
		for _, p := range pairs {
			fmt.Printf("%s\t%s\n", p.Key, p.Value)
		}

	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  lsmgo [flags] put <key> <value>")
	fmt.Fprintln(os.Stderr, "  lsmgo [flags] get <key>")
	fmt.Fprintln(os.Stderr, "  lsmgo [flags] del <key>")
	fmt.Fprintln(os.Stderr, "  lsmgo [flags] scan [lower] [upper]")
	fmt.Fprintln(os.Stderr, "  lsmgo [flags] stats")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
