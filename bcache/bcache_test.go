package bcache

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/mit-pdos/go-journal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-bcache/util/timed_disk"
)

const (
	testDiskSz uint64 = 1000
	dev        uint64 = 1
)

type testState struct {
	t   *testing.T
	mem disk.Disk
	d   *timed_disk.Disk
	bc  *Bcache
}

func newTest(t *testing.T, nbuf uint64, nbucket uint64) *testState {
	mem := disk.NewMemDisk(testDiskSz)
	d := timed_disk.New(mem)
	return &testState{
		t:   t,
		mem: mem,
		d:   d,
		bc:  MkBcache(d, nbuf, nbucket),
	}
}

func mkdataval(b byte) disk.Block {
	data := make(disk.Block, disk.BlockSize)
	for i := range data {
		data[i] = b
	}
	return data
}

// prep puts content on the device without going through the cache.
func (ts *testState) prep(blkno uint64, val byte) {
	ts.mem.Write(blkno, mkdataval(val))
}

func (ts *testState) readDisk(blkno uint64) disk.Block {
	return ts.mem.Read(blkno)
}

func (ts *testState) freeContains(slot uint64) bool {
	ts.bc.free.mu.Lock()
	defer ts.bc.free.mu.Unlock()
	for _, s := range ts.bc.free.bufs {
		if s == slot {
			return true
		}
	}
	return false
}

func (ts *testState) freeLen() int {
	ts.bc.free.mu.Lock()
	defer ts.bc.free.mu.Unlock()
	return len(ts.bc.free.bufs)
}

// checkInvariants walks the whole cache at a quiescent point: every
// buffer is in its hash bucket or on the freelist, never both, and
// freelist buffers are unreferenced.
func (ts *testState) checkInvariants() {
	bc := ts.bc
	inFree := make(map[uint64]bool)
	bc.free.mu.Lock()
	for _, s := range bc.free.bufs {
		require.False(ts.t, inFree[s], "slot %d on freelist twice", s)
		inFree[s] = true
	}
	bc.free.mu.Unlock()

	inBkt := make(map[uint64]bool)
	for i := range bc.tbl {
		bkt := &bc.tbl[i]
		bkt.mu.Lock()
		for _, s := range bkt.bufs {
			require.False(ts.t, inBkt[s], "slot %d in two buckets", s)
			inBkt[s] = true
			b := &bc.bufs[s]
			require.Equal(ts.t, uint64(i), uint64(b.Blkno)%uint64(len(bc.tbl)),
				"slot %d in wrong bucket", s)
		}
		bkt.mu.Unlock()
	}

	for i := range bc.bufs {
		s := uint64(i)
		require.False(ts.t, inFree[s] && inBkt[s], "slot %d in both lists", s)
		require.True(ts.t, inFree[s] || inBkt[s], "slot %d in neither list", s)
		if inFree[s] {
			require.Equal(ts.t, uint32(0), atomic.LoadUint32(&bc.bufs[i].refcnt),
				"free slot %d is referenced", s)
		}
	}
}

func TestMkBcacheBadArgs(t *testing.T) {
	d := disk.NewMemDisk(testDiskSz)
	require.PanicsWithValue(t, "MkBcache: nbuf and nbucket must be positive",
		func() { MkBcache(d, 0, NBUCKET) })
	require.PanicsWithValue(t, "MkBcache: nbuf and nbucket must be positive",
		func() { MkBcache(d, NBUF, 0) })
}

func TestGetThenRead(t *testing.T) {
	ts := newTest(t, NBUF, NBUCKET)
	ts.prep(5, 8)

	// a bare miss binds the slot but does no I/O
	b := ts.bc.Bget(dev, 5)
	assert.False(t, b.Valid)
	assert.Equal(t, uint32(1), atomic.LoadUint32(&b.refcnt))
	assert.Equal(t, uint32(0), ts.d.Reads())
	ts.bc.Brelse(b)

	b = ts.bc.Bread(dev, 5)
	assert.True(t, b.Valid)
	assert.Equal(t, mkdataval(8), b.Data)
	assert.Equal(t, uint32(1), ts.d.Reads())
	ts.bc.Brelse(b)
	ts.checkInvariants()
}

func TestBreadFillsOnce(t *testing.T) {
	ts := newTest(t, NBUF, NBUCKET)
	ts.prep(7, 7)

	b := ts.bc.Bread(dev, 7)
	assert.True(t, b.Valid)
	assert.Equal(t, mkdataval(7), b.Data)
	assert.Equal(t, uint32(1), ts.d.Reads())

	// keep the block bound across the release
	ts.bc.Bpin(b)
	ts.bc.Brelse(b)

	b = ts.bc.Bread(dev, 7)
	assert.Equal(t, uint32(1), ts.d.Reads())
	ts.bc.Bunpin(b)
	ts.bc.Brelse(b)
	ts.checkInvariants()
}

func TestReleaseDropsBinding(t *testing.T) {
	ts := newTest(t, NBUF, NBUCKET)
	ts.prep(7, 7)

	b := ts.bc.Bread(dev, 7)
	ts.bc.Brelse(b)

	// the last release freed the buffer, so this is a fresh fill
	b = ts.bc.Bread(dev, 7)
	assert.Equal(t, mkdataval(7), b.Data)
	assert.Equal(t, uint32(2), ts.d.Reads())
	ts.bc.Brelse(b)
	ts.checkInvariants()
}

func TestWriteThrough(t *testing.T) {
	ts := newTest(t, NBUF, NBUCKET)

	b := ts.bc.Bread(dev, 5)
	copy(b.Data, mkdataval(42))
	ts.bc.Bwrite(b)
	ts.bc.Brelse(b)

	assert.Equal(t, mkdataval(42), ts.readDisk(5))
	assert.Equal(t, uint32(1), ts.d.Writes())
	ts.checkInvariants()
}

func TestBwriteRequiresLock(t *testing.T) {
	ts := newTest(t, NBUF, NBUCKET)

	b := ts.bc.Bread(dev, 3)
	ts.bc.Brelse(b)
	require.PanicsWithValue(t, "bwrite", func() { ts.bc.Bwrite(b) })
}

func TestBrelseRequiresLock(t *testing.T) {
	ts := newTest(t, NBUF, NBUCKET)

	b := ts.bc.Bread(dev, 3)
	ts.bc.Brelse(b)
	require.PanicsWithValue(t, "brelse", func() { ts.bc.Brelse(b) })
}

func TestBunpinBelowZero(t *testing.T) {
	ts := newTest(t, NBUF, NBUCKET)

	b := ts.bc.Bread(dev, 4)
	ts.bc.Bpin(b)
	ts.bc.Brelse(b)

	// drop the pin; the buffer stays in its bucket with no references
	ts.bc.Bunpin(b)
	require.PanicsWithValue(t, "bunpin", func() { ts.bc.Bunpin(b) })
}

func TestExhaustion(t *testing.T) {
	ts := newTest(t, 3, NBUCKET)

	b1 := ts.bc.Bget(dev, 1)
	b2 := ts.bc.Bget(dev, 2)
	b3 := ts.bc.Bget(dev, 3)
	require.PanicsWithValue(t, "bget: no buffers",
		func() { ts.bc.Bget(dev, 4) })

	// a release makes the pool usable again
	ts.bc.Brelse(b2)
	b4 := ts.bc.Bget(dev, 4)
	ts.bc.Brelse(b1)
	ts.bc.Brelse(b3)
	ts.bc.Brelse(b4)
	ts.checkInvariants()
}

func TestRefcountSharing(t *testing.T) {
	ts := newTest(t, NBUF, NBUCKET)

	b1 := ts.bc.Bget(dev, 3)
	got := make(chan *Buf)
	go func() {
		got <- ts.bc.Bget(dev, 3)
	}()

	// the second getter counts its reference before blocking
	require.Eventually(t, func() bool {
		return atomic.LoadUint32(&b1.refcnt) == 2
	}, time.Second, time.Millisecond)
	select {
	case <-got:
		t.Fatal("second Bget returned while the buffer was held")
	default:
	}

	ts.bc.Brelse(b1)
	b2 := <-got
	assert.Same(t, b1, b2)
	assert.Equal(t, uint32(1), atomic.LoadUint32(&b2.refcnt))
	ts.bc.Brelse(b2)
	ts.checkInvariants()
}

func TestPinSurvivesChurn(t *testing.T) {
	ts := newTest(t, 2, 3)
	ts.prep(10, 10)

	b := ts.bc.Bread(dev, 10)
	ts.bc.Bpin(b)
	ts.bc.Brelse(b)
	assert.False(t, ts.freeContains(b.slot))

	// recycle the rest of the pool several times over
	for blkno := uint64(11); blkno < 15; blkno++ {
		o := ts.bc.Bread(dev, common.Bnum(blkno))
		ts.bc.Brelse(o)
	}
	assert.Equal(t, uint32(5), ts.d.Reads())

	b = ts.bc.Bread(dev, 10)
	assert.Equal(t, mkdataval(10), b.Data)
	assert.Equal(t, uint32(5), ts.d.Reads())
	ts.bc.Bunpin(b)
	ts.bc.Brelse(b)
	ts.checkInvariants()
}

func TestFreelistOrder(t *testing.T) {
	ts := newTest(t, 3, NBUCKET)

	// the most recently released slot is reused first
	b := ts.bc.Bget(dev, 10)
	slot := b.slot
	ts.bc.Brelse(b)

	b = ts.bc.Bget(dev, 20)
	assert.Equal(t, slot, b.slot)
	ts.bc.Brelse(b)

	b = ts.bc.Bget(dev, 30)
	assert.Equal(t, slot, b.slot)
	ts.bc.Brelse(b)
	ts.checkInvariants()
}

func TestDevPartOfIdentity(t *testing.T) {
	ts := newTest(t, NBUF, NBUCKET)
	ts.prep(5, 9)

	b1 := ts.bc.Bread(1, 5)
	b2 := ts.bc.Bread(2, 5)
	assert.NotSame(t, b1, b2)
	// both bindings fill from the same device address
	assert.Equal(t, uint32(2), ts.d.Reads())
	assert.Equal(t, mkdataval(9), b1.Data)
	assert.Equal(t, mkdataval(9), b2.Data)

	ts.bc.Brelse(b1)
	ts.bc.Brelse(b2)
	ts.checkInvariants()
}

func TestSameBucketDistinctBlocks(t *testing.T) {
	ts := newTest(t, NBUF, NBUCKET)
	ts.prep(13, 1)
	ts.prep(26, 2)

	// 13 and 26 collide under 13 buckets
	b1 := ts.bc.Bread(dev, 13)
	b2 := ts.bc.Bread(dev, 26)
	assert.Equal(t, mkdataval(1), b1.Data)
	assert.Equal(t, mkdataval(2), b2.Data)

	bkt := ts.bc.bkt(13)
	bkt.mu.Lock()
	assert.Equal(t, 2, len(bkt.bufs))
	bkt.mu.Unlock()

	ts.bc.Brelse(b1)
	ts.bc.Brelse(b2)
	ts.checkInvariants()
}

func TestSize(t *testing.T) {
	ts := newTest(t, NBUF, NBUCKET)
	assert.Equal(t, testDiskSz, ts.bc.Size())
}
