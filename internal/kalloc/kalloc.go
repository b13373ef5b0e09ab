// Physical memory allocator, for user processes, kernel stacks, page-table
// pages and pipe buffers. Allocates whole 4096-byte pages.
//
// Memory layout (physical addresses):
//
//	KernBase ... KernelEnd | refcount table | managed pages ... PhysTop
//
// The refcount table holds one uint16 per managed page and starts at
// PGROUNDUP(KernelEnd). Managed pages start at the first page boundary past the
// table. Free pages are linked through their own first word, one list per
// shard. The table and each shard's list have their own spinlock and no path
// holds two of them at once.
package kalloc

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/negrel/assert"

	c "kcore/internal"
	"kcore/internal/halt"
	"kcore/internal/metrics"
	"kcore/internal/spinlock"
	"kcore/internal/system"
	"kcore/internal/util"
)

// Physical address of a page. 0 is never a managed page and terminates free lists.
type Pa uint64

const nilPa = Pa(0)

func (p Pa) String() string {
	return fmt.Sprintf("0x%x", uint64(p))
}

var (
	ErrNoMem	= errors.New("kalloc: out of memory")
	ErrLayout	= errors.New("kalloc: invalid memory layout")
)

type Config struct {
	KernBase	uint64	`yaml:"kern_base"`
	KernelEnd	uint64	`yaml:"kernel_end"` // first address after the kernel image
	PhysTop		uint64	`yaml:"phys_top"`
	Shards		int		`yaml:"shards"` // 1 = single global free list
}

func (cfg Config) Validate() error {
	if cfg.KernelEnd < cfg.KernBase {
		return fmt.Errorf("%w: kernel_end 0x%x below kern_base 0x%x", ErrLayout, cfg.KernelEnd, cfg.KernBase)
	}
	if cfg.PhysTop <= cfg.KernelEnd {
		return fmt.Errorf("%w: phys_top 0x%x not above kernel_end 0x%x", ErrLayout, cfg.PhysTop, cfg.KernelEnd)
	}
	if cfg.Shards < 1 {
		return fmt.Errorf("%w: shards must be >= 1, got %d", ErrLayout, cfg.Shards)
	}
	return nil
}

type shard struct {
	lock	spinlock.Spinlock
	head	Pa
	nfree	int
}

type Kmem struct {
	log		*slog.Logger
	m		*metrics.Metrics

	slab	[]byte // backs [slabBase, PGROUNDDOWN(PhysTop))
	slabBase	uint64

	refTable	uint64 // address of refcount entry 0
	reflock		spinlock.Spinlock

	start	Pa // first managed page
	end		Pa // one past the last managed page
	npages	uint64
	span	uint64 // pages per shard, last shard takes the remainder

	shards	[]shard
}

// New lays out the refcount table, zeroes it and puts every managed page on the
// free list of its home shard. m may be nil.
func New(cfg Config, log *slog.Logger, m *metrics.Metrics) (*Kmem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("src", "Kmem")

	top := c.PGROUNDDOWN(cfg.PhysTop)
	tableStart := c.PGROUNDUP(cfg.KernelEnd)
	if tableStart >= top {
		return nil, fmt.Errorf("%w: no room for refcount table below phys_top", ErrLayout)
	}
	entries := (top - tableStart) / c.PGSIZE
	newEnd := tableStart + entries*c.LEN_U16
	start := c.PGROUNDUP(newEnd)
	if start >= top {
		return nil, fmt.Errorf("%w: refcount table leaves no managed pages", ErrLayout)
	}
	npages := (top - start) / c.PGSIZE
	if npages < uint64(cfg.Shards) {
		return nil, fmt.Errorf("%w: %d pages cannot fill %d shards", ErrLayout, npages, cfg.Shards)
	}

	slabBase := c.PGROUNDDOWN(cfg.KernelEnd)
	slab, err := system.AllocSlab(int(top - slabBase))
	if err != nil {
		return nil, fmt.Errorf("kalloc: mapping physical memory: %w", err)
	}

	k := &Kmem{
		log:		log,
		m:			m,
		slab:		slab,
		slabBase:	slabBase,
		refTable:	tableStart,
		start:		Pa(start),
		end:		Pa(top),
		npages:		npages,
		span:		npages / uint64(cfg.Shards),
		shards:		make([]shard, cfg.Shards),
	}
	k.reflock.Init("kmem.ref")

	// zero the table even though fresh anonymous mappings already are
	clear(k.slab[tableStart-slabBase : newEnd-slabBase])

	for i := range k.shards {
		k.shards[i].lock.Init(fmt.Sprintf("kmem.%d", i))
	}

	k.freerange(k.start, k.end)

	log.Debug("kinit",
		"table", Pa(tableStart),
		"start", k.start,
		"end", k.end,
		"pages", npages,
		"shards", cfg.Shards,
	)
	return k, nil
}

func (k *Kmem) Close() error {
	return system.DeallocSlab(k.slab)
}

// Boot only: refcounts are already zero, pages go straight to their lists.
func (k *Kmem) freerange(from, to Pa) {
	for p := Pa(c.PGROUNDUP(uint64(from))); p+c.PGSIZE <= to; p += c.PGSIZE {
		k.push(k.home(p), p)
	}
}

// Alloc returns a page with refcount 1, filled with junk. unit is the calling
// execution unit; its own shard is tried first, then every other shard in
// index order. ErrNoMem when every shard is empty.
func (k *Kmem) Alloc(unit int) (Pa, error) {
	me := util.Mod(unit, len(k.shards))
	p, ok := k.pop(me)
	if !ok {
		for i := range k.shards {
			if i == me { continue }
			if p, ok = k.pop(i); ok {
				k.log.Debug("kalloc: stole page", "unit", unit, "from", i, "pa", p)
				break
			}
		}
	}
	if !ok {
		k.m.AllocFailed()
		k.log.Debug("kalloc: out of memory", "unit", unit)
		return nilPa, ErrNoMem
	}

	k.reflock.Acquire()
	ref := k.refaddr(p)
	if n := c.Bin.Uint16(ref); n != 0 {
		k.reflock.Release()
		halt.Panic(k.log, "kalloc: free page has references", "pa", p, "refcnt", n)
	}
	c.Bin.PutUint16(ref, 1)
	k.reflock.Release()

	fill(k.page(p), c.JUNK_ALLOC)
	return p, nil
}

// Retain adds an owner to an allocated page.
func (k *Kmem) Retain(p Pa) {
	k.check(p, "kretain")

	k.reflock.Acquire()
	ref := k.refaddr(p)
	n := c.Bin.Uint16(ref)
	if n == 0 {
		k.reflock.Release()
		halt.Panic(k.log, "kretain: page not allocated", "pa", p)
	}
	if n == math.MaxUint16 {
		k.reflock.Release()
		halt.Panic(k.log, "kretain: refcount overflow", "pa", p)
	}
	c.Bin.PutUint16(ref, n+1)
	k.reflock.Release()

	k.m.Retained()
}

// Release drops one owner. The last one wipes the page and puts it back on its
// home shard, wherever the caller happens to run.
func (k *Kmem) Release(p Pa) {
	k.check(p, "kfree")

	k.reflock.Acquire()
	ref := k.refaddr(p)
	n := c.Bin.Uint16(ref)
	if n == 0 {
		k.reflock.Release()
		halt.Panic(k.log, "kfree: page not allocated", "pa", p)
	}
	n--
	c.Bin.PutUint16(ref, n)
	k.reflock.Release()

	k.m.Released()
	if n > 0 {
		return
	}

	// Fill with junk to catch dangling refs.
	fill(k.page(p), c.JUNK_FREE)
	k.push(k.home(p), p)
}

// Bytes is the direct-mapped view of an allocated (or free) page.
func (k *Kmem) Bytes(p Pa) []byte {
	k.check(p, "kbytes")
	return k.page(p)
}

func (k *Kmem) Refcnt(p Pa) int {
	k.check(p, "krefcnt")
	k.reflock.Acquire()
	n := c.Bin.Uint16(k.refaddr(p))
	k.reflock.Release()
	return int(n)
}

// Range is the managed [start, end).
func (k *Kmem) Range() (Pa, Pa) {
	return k.start, k.end
}

func (k *Kmem) NPages() int {
	return int(k.npages)
}

func (k *Kmem) NumFree() int {
	n := 0
	for _, f := range k.ShardFree() {
		n += f
	}
	return n
}

func (k *Kmem) ShardFree() []int {
	r := make([]int, len(k.shards))
	for i := range k.shards {
		s := &k.shards[i]
		s.lock.Acquire()
		r[i] = s.nfree
		s.lock.Release()
	}
	return r
}

// Home shard of a managed page.
func (k *Kmem) Home(p Pa) int {
	k.check(p, "khome")
	return k.home(p)
}

func (k *Kmem) check(p Pa, who string) {
	if uint64(p)%c.PGSIZE != 0 || p < k.start || p >= k.end {
		halt.Panic(k.log, who, "pa", p)
	}
}

func (k *Kmem) home(p Pa) int {
	i := int((uint64(p-k.start) / c.PGSIZE) / k.span)
	return min(i, len(k.shards)-1)
}

func (k *Kmem) page(p Pa) []byte {
	off := uint64(p) - k.slabBase
	return k.slab[off : off+c.PGSIZE : off+c.PGSIZE]
}

func (k *Kmem) refaddr(p Pa) []byte {
	idx := (uint64(p) - uint64(k.start)) / c.PGSIZE
	assert.Less(idx, k.npages, "refcount index out of range")
	off := k.refTable + idx*c.LEN_U16 - k.slabBase
	return k.slab[off : off+c.LEN_U16]
}

func (k *Kmem) push(i int, p Pa) {
	s := &k.shards[i]
	pg := k.page(p)
	s.lock.Acquire()
	c.Bin.PutUint64(pg, uint64(s.head))
	s.head = p
	s.nfree++
	s.lock.Release()
	k.m.PagePushed(i)
}

func (k *Kmem) pop(i int) (Pa, bool) {
	s := &k.shards[i]
	s.lock.Acquire()
	p := s.head
	if p == nilPa {
		s.lock.Release()
		return nilPa, false
	}
	s.head = Pa(c.Bin.Uint64(k.page(p)))
	s.nfree--
	assert.GreaterOrEqual(s.nfree, 0, "negative free count")
	s.lock.Release()
	k.m.PagePopped(i)
	return p, true
}

func fill(pg []byte, junk byte) {
	for i := range pg {
		pg[i] = junk
	}
}
