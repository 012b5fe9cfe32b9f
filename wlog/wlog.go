package wlog

//
// wlog is a write-ahead log for multi-block updates, layered on a
// Bcache. An operation brackets its updates with Begin and End and
// submits each modified buffer with Append, which pins the block in
// the cache until a group commit copies it through the log to its home
// address. MkWlog replays whatever committed transaction a crash left
// behind.
//
// Layout on the device: one header block at start, then size-1 data
// slots. The header holds a count n and the home addresses of the
// first n slots; n == 0 means the log is empty. Writing the header is
// the commit point.
//

import (
	"sync"

	"github.com/goose-lang/std"
	"github.com/mit-pdos/go-journal/common"
	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-bcache/bcache"
)

// MaxOpBlocks bounds how many distinct blocks one operation may
// Append.
const MaxOpBlocks uint64 = 10

// maxHdrBlocks is how many home addresses fit in the header block.
const maxHdrBlocks uint64 = disk.BlockSize/8 - 1

type Wlog struct {
	mu    *sync.Mutex
	cond  *sync.Cond
	bc    *bcache.Bcache
	dev   uint64
	start common.Bnum
	size  uint64

	outstanding uint64        // operations between Begin and End
	committing  bool          // a commit is writing the log
	blocks      []common.Bnum // appended home addresses, in order
}

// MkWlog attaches a log to blocks [start, start+size) of dev and
// replays any committed transaction found there.
func MkWlog(bc *bcache.Bcache, dev uint64, start common.Bnum, size uint64) *Wlog {
	if size < MaxOpBlocks+1 {
		panic("MkWlog: log too small")
	}
	if size-1 > maxHdrBlocks {
		panic("MkWlog: log too large")
	}
	mu := new(sync.Mutex)
	l := &Wlog{
		mu:     mu,
		cond:   sync.NewCond(mu),
		bc:     bc,
		dev:    dev,
		start:  start,
		size:   size,
		blocks: make([]common.Bnum, 0, size-1),
	}
	l.replay()
	return l
}

// logAddr is the device address of the i'th data slot.
func (l *Wlog) logAddr(i uint64) common.Bnum {
	return common.Bnum(std.SumAssumeNoOverflow(uint64(l.start), i+1))
}

func (l *Wlog) writeHead(blocks []common.Bnum) {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(uint64(len(blocks)))
	for _, bn := range blocks {
		enc.PutInt(uint64(bn))
	}
	b := l.bc.Bget(l.dev, l.start)
	copy(b.Data, enc.Finish())
	b.Valid = true
	l.bc.Bwrite(b)
	l.bc.Brelse(b)
}

func (l *Wlog) readHead() []common.Bnum {
	b := l.bc.Bread(l.dev, l.start)
	dec := marshal.NewDec(b.Data)
	n := dec.GetInt()
	if n > l.size-1 {
		panic("wlog: bad header")
	}
	blocks := make([]common.Bnum, 0, n)
	for i := uint64(0); i < n; i++ {
		blocks = append(blocks, common.Bnum(dec.GetInt()))
	}
	l.bc.Brelse(b)
	return blocks
}

// writeLog copies the cached content of each appended block into its
// log slot.
func (l *Wlog) writeLog(blocks []common.Bnum) {
	for i, bn := range blocks {
		lb := l.bc.Bget(l.dev, l.logAddr(uint64(i)))
		db := l.bc.Bread(l.dev, bn)
		copy(lb.Data, db.Data)
		lb.Valid = true
		l.bc.Bwrite(lb)
		l.bc.Brelse(db)
		l.bc.Brelse(lb)
	}
}

// installLog copies committed log slots to their home addresses. When
// recovering there are no pins to drop.
func (l *Wlog) installLog(blocks []common.Bnum, recovering bool) {
	for i, bn := range blocks {
		lb := l.bc.Bread(l.dev, l.logAddr(uint64(i)))
		db := l.bc.Bget(l.dev, bn)
		copy(db.Data, lb.Data)
		db.Valid = true
		l.bc.Bwrite(db)
		if !recovering {
			l.bc.Bunpin(db)
		}
		l.bc.Brelse(lb)
		l.bc.Brelse(db)
	}
}

func (l *Wlog) commit(blocks []common.Bnum) {
	util.DPrintf(5, "wlog: commit %d blocks\n", len(blocks))
	l.writeLog(blocks)
	l.bc.Barrier()
	l.writeHead(blocks)
	l.bc.Barrier()
	l.installLog(blocks, false)
	l.writeHead(nil)
	l.bc.Barrier()
}

func (l *Wlog) replay() {
	blocks := l.readHead()
	if len(blocks) > 0 {
		util.DPrintf(1, "wlog: replay %d blocks\n", len(blocks))
		l.installLog(blocks, true)
		l.writeHead(nil)
		l.bc.Barrier()
	}
}

// Begin opens an operation, waiting while a commit is in progress or
// while the log might not fit the operation's worst case.
func (l *Wlog) Begin() {
	l.mu.Lock()
	for {
		if l.committing {
			l.cond.Wait()
		} else if uint64(len(l.blocks))+(l.outstanding+1)*MaxOpBlocks > l.size-1 {
			l.cond.Wait()
		} else {
			l.outstanding = l.outstanding + 1
			break
		}
	}
	l.mu.Unlock()
}

// Append records a buffer modified by the current operation. The
// caller must hold the buffer between Bread and Brelse as usual; the
// log takes its own pin so the block stays cached until it is
// installed. Appending a block already in the window is absorbed.
func (l *Wlog) Append(b *bcache.Buf) {
	l.mu.Lock()
	if l.outstanding < 1 {
		l.mu.Unlock()
		panic("wlog: append outside of op")
	}
	if b.Dev != l.dev {
		l.mu.Unlock()
		panic("wlog: wrong device")
	}
	if uint64(len(l.blocks)) >= l.size-1 {
		l.mu.Unlock()
		panic("wlog: too big a transaction")
	}
	found := false
	for _, bn := range l.blocks {
		if bn == b.Blkno {
			found = true
			break
		}
	}
	if !found {
		l.bc.Bpin(b)
		l.blocks = append(l.blocks, b.Blkno)
	}
	l.mu.Unlock()
}

// End closes the operation. The last outstanding operation commits the
// accumulated blocks; everyone else returns immediately and relies on
// that commit.
func (l *Wlog) End() {
	docommit := false
	var blocks []common.Bnum

	l.mu.Lock()
	if l.committing {
		l.mu.Unlock()
		panic("wlog: end while committing")
	}
	if l.outstanding == 0 {
		l.mu.Unlock()
		panic("wlog: end outside of op")
	}
	l.outstanding = l.outstanding - 1
	if l.outstanding == 0 {
		docommit = true
		l.committing = true
		blocks = l.blocks
	} else {
		// Begin may be waiting for space
		l.cond.Broadcast()
	}
	l.mu.Unlock()

	if !docommit {
		return
	}
	if len(blocks) > 0 {
		l.commit(blocks)
	}
	l.mu.Lock()
	l.committing = false
	l.blocks = l.blocks[:0]
	l.cond.Broadcast()
	l.mu.Unlock()
}
