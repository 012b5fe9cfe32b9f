package fuzz

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-bcache/kvs"
	"github.com/mit-pdos/go-bcache/wlog"
)

var DEBUG bool = false

// Fuzz drives a KVS with put, get, and reopen commands decoded from data,
// checking every Get against an in-memory model of the committed store.
func Fuzz(data []byte) int {
	dataptr := 0
	getByte := func() byte {
		if dataptr >= len(data) {
			return 0
		}
		res := data[dataptr]
		dataptr++
		return res
	}
	getBytes := func(n uint64) []byte {
		res := make([]byte, n)
		resptr := uint64(0)
		for dataptr < len(data) && resptr < n {
			res[resptr] = data[dataptr]
			dataptr++
			resptr++
		}
		return res
	}
	getUint64 := func() uint64 {
		return binary.BigEndian.Uint64(getBytes(8))
	}

	nkeys := uint64(8)
	d := disk.NewMemDisk(kvs.LOGSZ + nkeys)
	k := kvs.MkKVS(d)

	model := make(map[uint64][]byte)
	zeros := make([]byte, disk.BlockSize)

	numPuts := 0
	numGets := 0
	for dataptr < len(data) {
		cmd := getByte() % 3
		switch cmd {
		case 0:
			// put
			n := getUint64()%wlog.MaxOpBlocks + 1
			pairs := make([]kvs.KVPair, 0, n)
			for i := uint64(0); i < n; i++ {
				key := getUint64() % nkeys
				val := getBytes(disk.BlockSize)
				pairs = append(pairs, kvs.KVPair{Key: key, Val: val})
			}
			if DEBUG {
				fmt.Printf("p %d\n", len(pairs))
			}
			k.MultiPut(pairs)
			// later pairs win for a repeated key, matching MultiPut order
			for _, p := range pairs {
				model[p.Key] = p.Val
			}
			numPuts++
		case 1:
			// get
			key := getUint64() % nkeys
			if DEBUG {
				fmt.Printf("g %d\n", key)
			}
			expected, ok := model[key]
			if !ok {
				expected = zeros
			}
			p := k.Get(key)
			if !bytes.Equal(p.Val, expected) {
				panic("kvs inconsistency")
			}
			numGets++
		case 2:
			// reopen
			if DEBUG {
				fmt.Printf("o\n")
			}
			k = kvs.MkKVS(d)
		}
	}
	if numPuts == 0 || numGets == 0 {
		return 0
	}
	return 1
}
