package bcache

//
// bcache is a fixed-capacity write-through cache of disk blocks, shared
// by concurrent goroutines. The index is sharded: a buffer is reachable
// through the bucket its block number hashes to, or through the
// freelist when unreferenced, never both. Each bucket and the freelist
// have their own mutex, held only for short list manipulation; a
// per-buffer sleeplock covers the payload across disk I/O.
//
// Lock order: a bucket lock and the freelist lock are never held at the
// same time.
//

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mit-pdos/go-journal/common"
	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-bcache/sleeplock"
	"github.com/mit-pdos/go-bcache/util/stats"
)

const (
	// NBUF is the default pool size.
	NBUF uint64 = 30
	// NBUCKET is the default number of index buckets.
	NBUCKET uint64 = 13
)

// A bucket holds the slots of the buffers currently bound to a block
// number that hashes to it.
type bucket struct {
	mu   *sync.Mutex
	bufs []uint64
}

func (bkt *bucket) lookup(pool []Buf, dev uint64, blkno common.Bnum) *Buf {
	for _, slot := range bkt.bufs {
		b := &pool[slot]
		if b.Dev == dev && b.Blkno == blkno {
			return b
		}
	}
	return nil
}

func (bkt *bucket) del(slot uint64) {
	for i, s := range bkt.bufs {
		if s == slot {
			bkt.bufs = append(bkt.bufs[:i], bkt.bufs[i+1:]...)
			return
		}
	}
	panic("delBuf")
}

// The freelist is a stack of unbound slots; the most recently released
// buffer is recycled first.
type freelist struct {
	mu   *sync.Mutex
	bufs []uint64
}

func (fl *freelist) push(slot uint64) {
	fl.mu.Lock()
	fl.bufs = append(fl.bufs, slot)
	fl.mu.Unlock()
}

// pop returns the topmost slot whose buffer is unreferenced; a
// referenced slot is never stolen.
func (fl *freelist) pop(pool []Buf) (uint64, bool) {
	fl.mu.Lock()
	for i := len(fl.bufs) - 1; i >= 0; i-- {
		slot := fl.bufs[i]
		if atomic.LoadUint32(&pool[slot].refcnt) != 0 {
			continue
		}
		fl.bufs = append(fl.bufs[:i], fl.bufs[i+1:]...)
		fl.mu.Unlock()
		return slot, true
	}
	fl.mu.Unlock()
	return 0, false
}

type Bcache struct {
	d    disk.Disk
	bufs []Buf
	tbl  []bucket
	free freelist

	ops        [numOps]stats.Op
	hits       uint32
	misses     uint32
	recycles   uint32
	diskReads  uint32
	diskWrites uint32
}

// MkBcache allocates a cache of nbuf block buffers indexed by nbucket
// buckets, all initially free. The cache owns no range of d; it caches
// whatever block numbers callers ask for.
func MkBcache(d disk.Disk, nbuf uint64, nbucket uint64) *Bcache {
	if nbuf == 0 || nbucket == 0 {
		panic("MkBcache: nbuf and nbucket must be positive")
	}
	bc := &Bcache{
		d:    d,
		bufs: make([]Buf, nbuf),
		tbl:  make([]bucket, nbucket),
	}
	for i := range bc.tbl {
		bc.tbl[i].mu = new(sync.Mutex)
	}
	bc.free.mu = new(sync.Mutex)
	bc.free.bufs = make([]uint64, 0, nbuf)
	for i := uint64(0); i < nbuf; i++ {
		b := &bc.bufs[i]
		b.Data = make(disk.Block, disk.BlockSize)
		b.lock = sleeplock.MkLock()
		b.slot = i
		bc.free.bufs = append(bc.free.bufs, i)
	}
	util.DPrintf(1, "MkBcache: %d bufs, %d buckets\n", nbuf, nbucket)
	return bc
}

func (bc *Bcache) bkt(blkno common.Bnum) *bucket {
	return &bc.tbl[uint64(blkno)%uint64(len(bc.tbl))]
}

// Bget returns the buffer bound to (dev, blkno), with its lock held and
// the caller's reference counted. On a miss it rebinds the most
// recently freed slot, discarding that slot's old content. Panics if
// every buffer is referenced.
func (bc *Bcache) Bget(dev uint64, blkno common.Bnum) *Buf {
	defer bc.ops[bgetOp].Record(time.Now())

	bkt := bc.bkt(blkno)
	bkt.mu.Lock()
	if b := bkt.lookup(bc.bufs, dev, blkno); b != nil {
		atomic.AddUint32(&b.refcnt, 1)
		bkt.mu.Unlock()
		atomic.AddUint32(&bc.hits, 1)
		b.lock.Acquire()
		return b
	}
	bkt.mu.Unlock()

	slot, ok := bc.free.pop(bc.bufs)
	if !ok {
		panic("bget: no buffers")
	}
	b := &bc.bufs[slot]

	// No lock was held between the bucket scan and the pop, so another
	// goroutine may have bound (dev, blkno) in the meantime. Re-check
	// before publishing; a block is never bound to two buffers.
	bkt.mu.Lock()
	if cur := bkt.lookup(bc.bufs, dev, blkno); cur != nil {
		atomic.AddUint32(&cur.refcnt, 1)
		bkt.mu.Unlock()
		bc.free.push(slot)
		atomic.AddUint32(&bc.hits, 1)
		cur.lock.Acquire()
		return cur
	}
	if b.Valid {
		atomic.AddUint32(&bc.recycles, 1)
	}
	b.Dev = dev
	b.Blkno = blkno
	b.Valid = false
	atomic.StoreUint32(&b.refcnt, 1)
	bkt.bufs = append(bkt.bufs, slot)
	bkt.mu.Unlock()
	atomic.AddUint32(&bc.misses, 1)

	util.DPrintf(5, "bget: bind slot %d to (%d,%d)\n", slot, dev, blkno)
	b.lock.Acquire()
	return b
}

// Bread returns a locked buffer holding the content of blkno on dev,
// reading from the device only if the block is not already cached.
func (bc *Bcache) Bread(dev uint64, blkno common.Bnum) *Buf {
	defer bc.ops[breadOp].Record(time.Now())

	b := bc.Bget(dev, blkno)
	if !b.Valid {
		bc.d.ReadTo(uint64(b.Blkno), b.Data)
		b.Valid = true
		atomic.AddUint32(&bc.diskReads, 1)
	}
	return b
}

// Bwrite writes the buffer's payload through to the device. The caller
// must hold the buffer's lock, and still owns it afterwards.
func (bc *Bcache) Bwrite(b *Buf) {
	defer bc.ops[bwriteOp].Record(time.Now())

	if !b.lock.Held() {
		panic("bwrite")
	}
	bc.d.Write(uint64(b.Blkno), b.Data)
	atomic.AddUint32(&bc.diskWrites, 1)
}

// Brelse releases the buffer's lock and drops the caller's reference.
// When the last reference goes away the buffer leaves its bucket for
// the freelist and becomes eligible for rebinding.
func (bc *Bcache) Brelse(b *Buf) {
	defer bc.ops[brelseOp].Record(time.Now())

	if !b.lock.Held() {
		panic("brelse")
	}
	b.lock.Release()

	bkt := bc.bkt(b.Blkno)
	bkt.mu.Lock()
	if atomic.LoadUint32(&b.refcnt) == 0 {
		bkt.mu.Unlock()
		panic("brelse: refcnt")
	}
	n := atomic.AddUint32(&b.refcnt, ^uint32(0))
	if n > 0 {
		bkt.mu.Unlock()
		return
	}
	bkt.del(b.slot)
	bkt.mu.Unlock()
	// In neither list for a moment, but unreachable: no bucket entry
	// points at the buffer and the freelist has not seen it yet.
	bc.free.push(b.slot)
}

// Bpin takes an extra reference on a buffer the caller already holds a
// reference to, keeping it bound across Brelse.
func (bc *Bcache) Bpin(b *Buf) {
	defer bc.ops[bpinOp].Record(time.Now())

	bkt := bc.bkt(b.Blkno)
	bkt.mu.Lock()
	atomic.AddUint32(&b.refcnt, 1)
	bkt.mu.Unlock()
}

// Bunpin drops a reference taken by Bpin. A buffer unpinned to zero
// references stays in its bucket; the next Bget of the block finds it
// there, and the matching Brelse frees it.
func (bc *Bcache) Bunpin(b *Buf) {
	defer bc.ops[bunpinOp].Record(time.Now())

	bkt := bc.bkt(b.Blkno)
	bkt.mu.Lock()
	if atomic.LoadUint32(&b.refcnt) == 0 {
		bkt.mu.Unlock()
		panic("bunpin")
	}
	atomic.AddUint32(&b.refcnt, ^uint32(0))
	bkt.mu.Unlock()
}

// Barrier flushes the device's write buffer.
func (bc *Bcache) Barrier() {
	bc.d.Barrier()
}

func (bc *Bcache) Size() uint64 {
	return bc.d.Size()
}
