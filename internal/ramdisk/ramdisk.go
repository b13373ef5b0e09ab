// Package ramdisk is a block device kept in memory: sparse per-device block
// maps, transfer counters, and an error hook for exercising failure paths.
// Unwritten blocks read as zeros.
package ramdisk

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash"

	"kcore/internal/bcache"
)

type key struct {
	dev		uint32
	blockno	uint32
}

type Ramdisk struct {
	bsize	int

	mu		sync.Mutex
	blocks	map[key][]byte
	fail	func(dev, blockno uint32, write bool) error

	reads	atomic.Uint64
	writes	atomic.Uint64
}

func New(blockSize int) *Ramdisk {
	return &Ramdisk{
		bsize:	blockSize,
		blocks:	make(map[key][]byte),
	}
}

func (d *Ramdisk) Rw(b *bcache.Buf, write bool) error {
	data := b.Data()
	if len(data) != d.bsize {
		return fmt.Errorf("ramdisk: buffer is %d bytes, block size is %d", len(data), d.bsize)
	}
	k := key{b.Dev(), b.Blockno()}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		if err := d.fail(k.dev, k.blockno, write); err != nil {
			return err
		}
	}

	if write {
		d.writes.Add(1)
		blk, ok := d.blocks[k]
		if !ok {
			blk = make([]byte, d.bsize)
			d.blocks[k] = blk
		}
		copy(blk, data)
		return nil
	}

	d.reads.Add(1)
	if blk, ok := d.blocks[k]; ok {
		copy(data, blk)
	} else {
		clear(data)
	}
	return nil
}

// Fill preloads a block, bypassing the counters.
func (d *Ramdisk) Fill(dev, blockno uint32, data []byte) {
	blk := make([]byte, d.bsize)
	copy(blk, data)
	d.mu.Lock()
	d.blocks[key{dev, blockno}] = blk
	d.mu.Unlock()
}

// Block returns a copy of what the device holds for the block.
func (d *Ramdisk) Block(dev, blockno uint32) []byte {
	out := make([]byte, d.bsize)
	d.mu.Lock()
	copy(out, d.blocks[key{dev, blockno}])
	d.mu.Unlock()
	return out
}

// Digest is the xxhash of the block as stored on the device.
func (d *Ramdisk) Digest(dev, blockno uint32) uint64 {
	return xxhash.Sum64(d.Block(dev, blockno))
}

// FailWith installs a hook consulted before every transfer; a non-nil error
// aborts that transfer. nil removes the hook.
func (d *Ramdisk) FailWith(fn func(dev, blockno uint32, write bool) error) {
	d.mu.Lock()
	d.fail = fn
	d.mu.Unlock()
}

func (d *Ramdisk) Reads() uint64	{ return d.reads.Load() }
func (d *Ramdisk) Writes() uint64	{ return d.writes.Load() }
