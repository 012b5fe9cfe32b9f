package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/tchajed/goose/machine/disk"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-journal/common"
	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/util/timed_disk"
)

const dev uint64 = 0

type config struct {
	duration time.Duration
	nblocks  uint64
	shared   bool
	readonly bool
}

func client(bc *bcache.Bcache, c config, tid uint64) int {
	start := time.Now()
	i := 0
	for {
		var blkno uint64
		if c.shared {
			blkno = (uint64(i)*13 + tid*7) % c.nblocks
		} else {
			blkno = tid*c.nblocks + uint64(i)%c.nblocks
		}
		b := bc.Bread(dev, common.Bnum(blkno))
		if !c.readonly {
			b.Data[0] = byte(i)
			bc.Bwrite(b)
		}
		bc.Brelse(b)
		i++
		if time.Since(start) >= c.duration {
			break
		}
	}
	return i
}

func run(bc *bcache.Bcache, c config, nt int) int {
	counts := make([]int, nt)
	var g errgroup.Group
	for i := 0; i < nt; i++ {
		tid := i
		g.Go(func() error {
			counts[tid] = client(bc, c, uint64(tid))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		panic(err)
	}
	n := 0
	for _, cnt := range counts {
		n += cnt
	}
	return n
}

func main() {
	var c config
	var nthread int
	var nbuf, nbucket uint64
	var diskfile string
	var dumpStats bool
	cpuprofile := flag.String("cpuprofile", "", "write cpu profile to file")
	flag.DurationVar(&c.duration, "benchtime", 10*time.Second, "time to run for")
	flag.IntVar(&nthread, "threads", 1, "number of threads")
	flag.Uint64Var(&c.nblocks, "blocks", 1000, "blocks per thread")
	flag.BoolVar(&c.shared, "shared", false, "threads share one block range")
	flag.BoolVar(&c.readonly, "readonly", false, "skip the write back")
	flag.Uint64Var(&nbuf, "bufs", bcache.NBUF, "cache buffers")
	flag.Uint64Var(&nbucket, "buckets", bcache.NBUCKET, "cache buckets")
	flag.StringVar(&diskfile, "disk", "", "disk image (empty for MemDisk)")
	flag.BoolVar(&dumpStats, "stats", false, "dump stats to stderr at end")
	flag.Uint64Var(&util.Debug, "debug", 0, "debug level (higher is more verbose)")
	flag.Parse()
	if nthread < 1 {
		panic("invalid threads")
	}
	if c.nblocks < 1 {
		panic("invalid blocks")
	}

	diskBlocks := c.nblocks
	if !c.shared {
		diskBlocks = c.nblocks * uint64(nthread)
	}
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
	if dumpStats {
		d = timed_disk.New(d)
	}
	bc := bcache.MkBcache(d, nbuf, nbucket)

	if dumpStats {
		statSig := make(chan os.Signal, 1)
		signal.Notify(statSig, syscall.SIGUSR1)
		go func() {
			for {
				<-statSig
				bc.WriteStats(os.Stderr)
				bc.ResetStats()
				td := d.(*timed_disk.Disk)
				td.WriteStats(os.Stderr)
				td.ResetStats()
			}
		}()
	}

	// warmup (skip if running for very little time, for example when using a
	// duration of 0s to run just one iteration)
	if c.duration > 500*time.Millisecond {
		warm := c
		warm.duration = 500 * time.Millisecond
		run(bc, warm, nthread)
		bc.ResetStats()
		if dumpStats {
			d.(*timed_disk.Disk).ResetStats()
		}
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			panic(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	count := run(bc, c, nthread)
	fmt.Printf("bcache-bench: %v %v op/sec\n", nthread,
		float64(count)/c.duration.Seconds())

	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err == nil {
		fmt.Printf("bcache-bench: %v user %v sys, maxrss %d kB\n",
			time.Duration(unix.TimevalToNsec(ru.Utime)),
			time.Duration(unix.TimevalToNsec(ru.Stime)),
			ru.Maxrss)
	}

	if dumpStats {
		bc.WriteStats(os.Stderr)
		d.(*timed_disk.Disk).WriteStats(os.Stderr)
	}
}
