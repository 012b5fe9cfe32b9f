package bcache

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/rodaine/table"
)

const (
	bgetOp int = iota
	breadOp
	bwriteOp
	brelseOp
	bpinOp
	bunpinOp
	numOps
)

var opNames = []string{
	"Bget",
	"Bread",
	"Bwrite",
	"Brelse",
	"Bpin",
	"Bunpin",
}

// WriteStats prints per-operation latencies and the cache's hit, miss,
// recycle, and device traffic counters.
func (bc *Bcache) WriteStats(w io.Writer) {
	tbl := table.New("op", "count", "us")
	for i, name := range opNames {
		op := bc.ops[i].Load()
		tbl.AddRow(name, op.Count(), fmt.Sprintf("%0.1f us/op", op.MicrosPerOp()))
	}
	tbl.AddRow("hit", atomic.LoadUint32(&bc.hits), "")
	tbl.AddRow("miss", atomic.LoadUint32(&bc.misses), "")
	tbl.AddRow("recycle", atomic.LoadUint32(&bc.recycles), "")
	tbl.AddRow("diskRead", atomic.LoadUint32(&bc.diskReads), "")
	tbl.AddRow("diskWrite", atomic.LoadUint32(&bc.diskWrites), "")
	tbl.WithWriter(w).Print()
}

func (bc *Bcache) ResetStats() {
	for i := range bc.ops {
		bc.ops[i].Reset()
	}
	atomic.StoreUint32(&bc.hits, 0)
	atomic.StoreUint32(&bc.misses, 0)
	atomic.StoreUint32(&bc.recycles, 0)
	atomic.StoreUint32(&bc.diskReads, 0)
	atomic.StoreUint32(&bc.diskWrites, 0)
}
