package bcache

import (
	"fmt"
	"sync/atomic"

	"github.com/mit-pdos/go-journal/common"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-bcache/sleeplock"
)

// A Buf is one slot of the cache: the identity of the block it is
// currently bound to, a block-sized payload, and a blocking lock that
// serializes access to the payload. Bget and Bread return the buffer
// with the lock held; the caller reads or mutates Data only while
// holding it, and gives both the lock and its reference back with
// Brelse.
type Buf struct {
	Dev   uint64
	Blkno common.Bnum
	Valid bool // Data holds the block's content
	Data  disk.Block

	lock   *sleeplock.Lock
	refcnt uint32 // accessed atomically; modified under the bucket lock
	slot   uint64 // index of this buffer in the pool
}

func (b *Buf) String() string {
	return fmt.Sprintf("(%d,%d) valid %v cnt %d",
		b.Dev, b.Blkno, b.Valid, atomic.LoadUint32(&b.refcnt))
}
