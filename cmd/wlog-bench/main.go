package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tchajed/goose/machine/disk"
	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/go-journal/common"
	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/wlog"
)

const dev uint64 = 0
const logSz uint64 = 31

func testSequence(l *wlog.Wlog, bc *bcache.Bcache, tid uint64, nops uint64) {
	l.Begin()
	for i := uint64(0); i < nops; i++ {
		blkno := common.Bnum(logSz + tid*nops + i)
		b := bc.Bread(dev, blkno)
		b.Data[0] = b.Data[0] + 1
		l.Append(b)
		bc.Brelse(b)
	}
	l.End()
}

func client(l *wlog.Wlog, bc *bcache.Bcache, duration time.Duration, tid uint64, nops uint64) int {
	start := time.Now()
	i := 0
	for {
		testSequence(l, bc, tid, nops)
		i++
		if time.Since(start) >= duration {
			break
		}
	}
	return i
}

func run(l *wlog.Wlog, bc *bcache.Bcache, duration time.Duration, nt int, nops uint64) int {
	counts := make([]int, nt)
	var g errgroup.Group
	for i := 0; i < nt; i++ {
		tid := i
		g.Go(func() error {
			counts[tid] = client(l, bc, duration, uint64(tid), nops)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		panic(err)
	}
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

// a stale image may hold an old log header; start empty
func clearLog(d disk.Disk) {
	d.Write(0, make([]byte, disk.BlockSize))
	d.Barrier()
}

func main() {
	var duration time.Duration
	var nthread int
	var nops uint64
	var nbuf, nbucket uint64
	var diskfile string
	var dumpStats bool
	flag.DurationVar(&duration, "benchtime", 10*time.Second, "time to run for")
	flag.IntVar(&nthread, "threads", 1, "number of threads")
	flag.Uint64Var(&nops, "writes", 8, "blocks written per op")
	flag.Uint64Var(&nbuf, "bufs", bcache.NBUF, "cache buffers")
	flag.Uint64Var(&nbucket, "buckets", bcache.NBUCKET, "cache buckets")
	flag.StringVar(&diskfile, "disk", "", "disk image (empty for MemDisk)")
	flag.BoolVar(&dumpStats, "stats", false, "dump stats to stderr at end")
	flag.Uint64Var(&util.Debug, "debug", 0, "debug level (higher is more verbose)")
	flag.Parse()
	if nthread < 1 {
		panic("invalid threads")
	}
	if nops < 1 || nops > wlog.MaxOpBlocks {
		panic("invalid writes per op")
	}

	diskBlocks := logSz + uint64(nthread)*nops
	var d disk.Disk
	var err error
	if diskfile == "" {
		d = disk.NewMemDisk(diskBlocks)
	} else {
		d, err = disk.NewFileDisk(diskfile, diskBlocks)
		if err != nil {
			panic(fmt.Errorf("could not create disk: %w", err))
		}
	}
	clearLog(d)

	bc := bcache.MkBcache(d, nbuf, nbucket)
	l := wlog.MkWlog(bc, dev, 0, logSz)

	// warmup (skip if running for very little time, for example when using a
	// duration of 0s to run just one iteration)
	if duration > 500*time.Millisecond {
		run(l, bc, 500*time.Millisecond, nthread, nops)
		bc.ResetStats()
	}

	count := run(l, bc, duration, nthread, nops)
	fmt.Printf("wlog-bench: %v %v txn/sec\n", nthread,
		float64(count)/duration.Seconds())

	if dumpStats {
		bc.WriteStats(os.Stderr)
	}
}
