//go:build linux

package iomgr

import (
	"fmt"
	"strings"
)

func (o OpCode) String() string {
	switch o {
	case OpNop:
		return "NOP"
	case OpWrite:
		return "WRITE"
	case OpRead:
		return "READ"
	case OpSync:
		return "FSYNC"
	case OpAllocate:
		return "FALLOCATE"
	}
	return fmt.Sprintf("OpCode(%d)", uint16(o))
}

// One line per SQE; ">" marks the last one reaped.
func (o *Op) String() string {
	if o == nil {
		return "<nil>"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Op | %v fd=%d done=%v count=%d seen=%d res=%d\n",
		o.Opcode, o.Fd, o.done, o.Count, o.seen, o.Res)

	mark := func(i uint16) string {
		if i+1 == o.seen { return ">" }
		return "|"
	}

	switch o.Opcode {
	case OpWrite, OpRead:
		n := o.Count
		if o.fsynced { n-- }
		n = min(OP_MAX_OPS, n)
		for i := range n {
			fmt.Fprintf(&b, "   %s [%02d] %-9v [ buf=0x%x len=0x%08x off=0x%08x ]\n",
				mark(i), i, o.Opcode, o.Bufs[i], o.Lens[i], o.Offs[i])
		}
		if o.Opcode == OpWrite && o.Sync {
			fmt.Fprintf(&b, "   %s [%02d] FSYNC     [ ]\n", mark(n), n)
		}
	case OpSync, OpAllocate:
		fmt.Fprintf(&b, "   %s [00] %-9v [ off=0x%08x len=0x%08x ]\n", mark(0), o.Opcode, o.Offs[0], o.Lens[0])
	}

	return b.String()
}
