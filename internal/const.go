// Constants
package internal

import (
	"encoding/binary"
)

const LEN_U16 	= 0x02
const LEN_U64 	= 0x08

const PGSHIFT 	= 12
const PGSIZE 	= 1 << PGSHIFT // 0x1000

// Default disk block size. Blocks are carved out of page-aligned slabs, so any
// power of two up to PGSIZE keeps them sector aligned.
const BSIZE 	= 0x400

// Junk written over page contents so stale reads are visible in tests.
const JUNK_ALLOC	= byte(0x05)
const JUNK_FREE		= byte(0x01)

func PGROUNDUP(a uint64) uint64 {
	return (a + PGSIZE - 1) &^ (PGSIZE - 1)
}

func PGROUNDDOWN(a uint64) uint64 {
	return a &^ (PGSIZE - 1)
}

func BlockToOffset(blockno uint32, bsize int) uint64 {
	return uint64(blockno) * uint64(bsize)
}

// This is an alias for endianness effectively, so we only define endianness in one place (here).
// The refcount table and free-list links live in simulated physical memory, which is little
// endian on every machine we care about.
var Bin = binary.LittleEndian
