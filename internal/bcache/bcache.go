// Buffer cache.
//
// A fixed pool of in-memory copies of disk blocks. Caching blocks cuts disk
// reads and gives processes sharing a block one place to synchronize.
//
// Interface:
//   - Read returns a locked buffer holding the block's contents.
//   - After changing the data, Write puts it on disk.
//   - Release when done. Do not touch the buffer afterwards.
//   - Only one holder at a time, so do not keep buffers longer than necessary.
//
// Every slot has two locks. meta (a spinlock) guards the tag, refcount and
// last-used tick, and is only ever held for a few instructions. lock (a sleep
// lock) guards the contents and valid flag, and is what Read hands back. The
// lookup and eviction scans only touch meta, so a miss never waits on a slot
// someone is in the middle of using. Misses are serialized by missLock, which
// is what keeps a tag on at most one slot.
package bcache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/negrel/assert"

	"kcore/internal/halt"
	"kcore/internal/metrics"
	"kcore/internal/sleeplock"
	"kcore/internal/spinlock"
	"kcore/internal/system"
	"kcore/internal/ticks"
)

// Raw block transfer. write=false fills b.Data() from the device, write=true
// copies b.Data() to it. Called with b locked. Errors are the device's own and
// are passed back to the cache's caller untouched.
type Disk interface {
	Rw(b *Buf, write bool) error
}

type Config struct {
	NBuf		int	`yaml:"nbuf"`
	BlockSize	int	`yaml:"block_size"`
}

var ErrConfig = errors.New("bcache: invalid config")

func (cfg Config) Validate() error {
	if cfg.NBuf < 1 {
		return fmt.Errorf("%w: nbuf must be >= 1, got %d", ErrConfig, cfg.NBuf)
	}
	bs := cfg.BlockSize
	if bs < 512 || bs&(bs-1) != 0 {
		return fmt.Errorf("%w: block_size must be a power of two >= 512, got %d", ErrConfig, bs)
	}
	return nil
}

type Buf struct {
	index	int

	meta	spinlock.Spinlock
	tagged	bool
	dev		uint32
	blockno	uint32
	refcnt	int
	stamp	uint64

	lock	sleeplock.Sleeplock
	valid	bool // has data been read from disk?
	data	[]byte
}

func (b *Buf) Dev() uint32		{ return b.dev }
func (b *Buf) Blockno() uint32	{ return b.blockno }
func (b *Buf) Data() []byte		{ return b.data }
func (b *Buf) Index() int		{ return b.index }

func (b *Buf) Refcnt() int {
	b.meta.Acquire()
	r := b.refcnt
	b.meta.Release()
	return r
}

type Stats struct {
	Hits		uint64
	Misses		uint64
	Evictions	uint64
}

type Bcache struct {
	log		*slog.Logger
	m		*metrics.Metrics
	disk	Disk
	clock	ticks.Source
	bsize	int

	slab	[]byte
	bufs	[]Buf
	missLock	sleeplock.Sleeplock

	hits		atomic.Uint64
	misses		atomic.Uint64
	evictions	atomic.Uint64
}

// New sets up every slot's locks and carves slot contents out of one slab.
// m may be nil.
func New(cfg Config, disk Disk, clock ticks.Source, log *slog.Logger, m *metrics.Metrics) (*Bcache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("src", "Bcache")

	slab, err := system.AllocSlab(cfg.NBuf * cfg.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("bcache: mapping buffer pool: %w", err)
	}

	bc := &Bcache{
		log:	log,
		m:		m,
		disk:	disk,
		clock:	clock,
		bsize:	cfg.BlockSize,
		slab:	slab,
		bufs:	make([]Buf, cfg.NBuf),
	}
	bc.missLock.Init("bcache")
	for i := range bc.bufs {
		b := &bc.bufs[i]
		b.index = i
		b.meta.Init("buffer meta")
		b.lock.Init("buffer")
		b.data = slab[i*cfg.BlockSize : (i+1)*cfg.BlockSize : (i+1)*cfg.BlockSize]
	}

	log.Debug("binit", "nbuf", cfg.NBuf, "block_size", cfg.BlockSize, "bytes", len(slab))
	return bc, nil
}

func (bc *Bcache) Close() error {
	return system.DeallocSlab(bc.slab)
}

func (bc *Bcache) BlockSize() int {
	return bc.bsize
}

// Look through the pool for the block, or recycle the least recently used
// unreferenced slot. Either way the buffer comes back locked.
func (bc *Bcache) get(dev, blockno uint32) *Buf {
	b := bc.lookup(dev, blockno)
	if b == nil {
		b = bc.miss(dev, blockno)
	} else {
		bc.hits.Add(1)
		bc.m.CacheHit()
	}
	b.lock.Acquire()
	return b
}

// A tag match bumps the refcount under meta, which pins the tag until Release.
func (bc *Bcache) lookup(dev, blockno uint32) *Buf {
	for i := range bc.bufs {
		b := &bc.bufs[i]
		b.meta.Acquire()
		if b.tagged && b.dev == dev && b.blockno == blockno {
			b.refcnt++
			b.stamp = bc.clock.Ticks()
			b.meta.Release()
			return b
		}
		b.meta.Release()
	}
	return nil
}

func (bc *Bcache) miss(dev, blockno uint32) *Buf {
	bc.missLock.Acquire()
	defer bc.missLock.Release()

	// Someone may have loaded it while we waited.
	if b := bc.lookup(dev, blockno); b != nil {
		bc.hits.Add(1)
		bc.m.CacheHit()
		return b
	}

	// Recycle the least recently used unreferenced slot. Only the best
	// candidate so far keeps its meta lock; ties go to the earlier slot.
	var lub *Buf
	for i := range bc.bufs {
		b := &bc.bufs[i]
		b.meta.Acquire()
		if b.refcnt == 0 && (lub == nil || b.stamp < lub.stamp) {
			if lub != nil {
				lub.meta.Release()
			}
			lub = b
			continue
		}
		b.meta.Release()
	}

	if lub == nil {
		halt.Panic(bc.log, "bget: no buffers", "dev", dev, "blockno", blockno)
	}

	evicted := lub.tagged
	if evicted {
		bc.log.Debug("bget: evict", "slot", lub.index, "dev", lub.dev, "blockno", lub.blockno,
			"stamp", lub.stamp)
	}
	lub.tagged = true
	lub.dev = dev
	lub.blockno = blockno
	lub.valid = false
	lub.refcnt = 1
	lub.stamp = bc.clock.Ticks()
	lub.meta.Release()

	bc.misses.Add(1)
	if evicted {
		bc.evictions.Add(1)
	}
	bc.m.CacheMiss(evicted)
	return lub
}

// Read returns a locked buffer with the contents of the indicated block.
func (bc *Bcache) Read(dev, blockno uint32) (*Buf, error) {
	b := bc.get(dev, blockno)
	if !b.valid {
		bc.m.DiskRead()
		if err := bc.disk.Rw(b, false); err != nil {
			bc.log.Warn("bread: device read failed", "dev", dev, "blockno", blockno, "err", err)
			bc.Release(b)
			return nil, err
		}
		b.valid = true
	}
	return b, nil
}

// Write b's contents to disk. Must be locked.
func (bc *Bcache) Write(b *Buf) error {
	if !b.lock.Held() {
		halt.Panic(bc.log, "bwrite", "slot", b.index)
	}
	bc.m.DiskWrite()
	return bc.disk.Rw(b, true)
}

// Release a locked buffer. Recency is the tick stamped by the next Read, so
// nothing gets reordered here.
func (bc *Bcache) Release(b *Buf) {
	if !b.lock.Held() {
		halt.Panic(bc.log, "brelse", "slot", b.index)
	}

	b.meta.Acquire()
	b.refcnt--
	assert.GreaterOrEqual(b.refcnt, 0, "negative buffer refcount")
	b.meta.Release()

	b.lock.Release()
}

// Pin keeps b resident without holding its lock (the log does this for blocks
// it has yet to write).
func (bc *Bcache) Pin(b *Buf) {
	b.meta.Acquire()
	b.refcnt++
	b.meta.Release()
}

func (bc *Bcache) Unpin(b *Buf) {
	b.meta.Acquire()
	if b.refcnt == 0 {
		b.meta.Release()
		halt.Panic(bc.log, "bunpin", "slot", b.index)
	}
	b.refcnt--
	b.meta.Release()
}

func (bc *Bcache) Stats() Stats {
	return Stats{
		Hits:		bc.hits.Load(),
		Misses:		bc.misses.Load(),
		Evictions:	bc.evictions.Load(),
	}
}
