package kvs

//
// KVS implements multiput / multiget transactions on top of a
// write-ahead log. Keys are block numbers offset past the log; values
// are whole blocks.
//

import (
	"github.com/mit-pdos/go-journal/common"
	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/wlog"
)

// LOGSZ is the number of blocks reserved for the log, header included.
const LOGSZ uint64 = 31

// the whole store lives on one device
const kvsDev uint64 = 0

type KVS struct {
	bc *bcache.Bcache
	l  *wlog.Wlog
	sz uint64 // number of keys
}

type KVPair struct {
	Key uint64
	Val []byte
}

func MkKVS(d disk.Disk) *KVS {
	if d.Size() <= LOGSZ {
		panic("MkKVS: disk too small")
	}
	bc := bcache.MkBcache(d, bcache.NBUF, bcache.NBUCKET)
	kvs := &KVS{
		bc: bc,
		l:  wlog.MkWlog(bc, kvsDev, 0, LOGSZ),
		sz: d.Size() - LOGSZ,
	}
	util.DPrintf(1, "MkKVS: %d keys\n", kvs.sz)
	return kvs
}

func (kvs *KVS) keyAddr(key uint64) common.Bnum {
	if key >= kvs.sz {
		panic("kvs: key out of range")
	}
	return common.Bnum(LOGSZ + key)
}

// MultiPut writes all pairs, atomically with respect to a crash. At
// most wlog.MaxOpBlocks pairs fit in one call.
func (kvs *KVS) MultiPut(pairs []KVPair) {
	if uint64(len(pairs)) > wlog.MaxOpBlocks {
		panic("kvs: too many puts")
	}
	for _, p := range pairs {
		if p.Key >= kvs.sz {
			panic("kvs: key out of range")
		}
		if uint64(len(p.Val)) != disk.BlockSize {
			panic("kvs: bad value size")
		}
	}
	kvs.l.Begin()
	for _, p := range pairs {
		b := kvs.bc.Bread(kvsDev, kvs.keyAddr(p.Key))
		copy(b.Data, p.Val)
		kvs.l.Append(b)
		kvs.bc.Brelse(b)
	}
	kvs.l.End()
}

func (kvs *KVS) Get(key uint64) *KVPair {
	b := kvs.bc.Bread(kvsDev, kvs.keyAddr(key))
	val := make([]byte, disk.BlockSize)
	copy(val, b.Data)
	kvs.bc.Brelse(b)
	return &KVPair{
		Key: key,
		Val: val,
	}
}
