//go:build linux

package iomgr

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/aethne0/giouring"
	"golang.org/x/sys/unix"
)

// PERF:
// 1. read/write fixed
// 2. register buffer (the bcache slab is a single mapping, so one iovec)
// 3. register file
// Block transfers here are one SQE each, so most of the cost is the round trip
// through the ring thread rather than the device.

const F_OPEN_MODE	= unix.O_RDWR | unix.O_CREAT
const F_OPEN_PERM	= 0b_000_110_100_000
const RING_ENTRIES	= 0x80
const RING_DPTHTRG	= 0x40
const OP_Q_SIZE		= 0x100

type IoMgr struct {
	log		*slog.Logger
	ring	*giouring.Ring
	cpu		int
	opQueue	chan *Op
	opSem	chan struct{}

	done	chan struct{}
	wg		sync.WaitGroup
}

// CreateIoMgr sets up a ring and starts its manager goroutine. cpu < 0 leaves
// the ring thread wherever the scheduler puts it.
func CreateIoMgr(cpu int, log *slog.Logger) (*IoMgr, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("src", "IoMgr")

	ring, err := giouring.CreateRing(RING_ENTRIES)
	if err != nil { return nil, err }

	m := &IoMgr{
		log:		log,
		ring:		ring,
		cpu:		cpu,
		opQueue:	make(chan *Op, OP_Q_SIZE),
		opSem:		make(chan struct{}, RING_ENTRIES),
		done:		make(chan struct{}),
	}

	m.wg.Add(1)
	go m.ringlord()
	return m, nil
}

// Close stops the manager and tears down the ring. Every submitted op must
// have completed.
func (m *IoMgr) Close() {
	close(m.done)
	m.wg.Wait()
	m.ring.QueueExit()
}

type OpCode uint16
const (
	OpNop	OpCode = iota
	OpWrite
	OpRead
	OpSync
	OpAllocate
)

// this is fixed size and preallocable
// Disk pools these and reuses them, one per in-flight transfer
// an op may have at most 24 operations
const OP_MAX_OPS = 24
type Op struct {
	Fd		int
	Bufs	[OP_MAX_OPS]uintptr
	Lens	[OP_MAX_OPS]uint32
	Offs	[OP_MAX_OPS]uint64
	Count	uint16

	seen	uint16

	Ch		chan struct{} // buffered, set by the owner

	Res		int32
	Opcode	OpCode
	done	bool
	fsynced	bool // prepSQEs appended the fsync to Count
	Sync	bool
}

// WARN: op MUST HAVE A FIXED ADDRESS until its Ch fires, its address rides in
// the SQE user data.
func (m *IoMgr) Submit(op *Op) {
	for range sqes(op) {
		m.opSem <- struct{}{}
	}
	m.opQueue <- op
}

// SQEs the op will take once prepared.
func sqes(op *Op) uint {
	switch op.Opcode {
	case OpSync, OpAllocate:
		return 1
	case OpWrite:
		if op.Sync { return uint(op.Count) + 1 }
	}
	return uint(op.Count)
}

func (m *IoMgr) prepSQEs(op *Op) uint {
	op.done = false
	op.fsynced = false
	op.seen = 0

	switch op.Opcode {
	case OpNop:
		for i := range op.Count {
			sqe := m.ring.GetSQE()
			sqe.PrepareNop()
			sqe.UserData = uint64(uintptr(unsafe.Pointer(op)))
			if i < op.Count - 1 { sqe.Flags |= giouring.SqeIOLink }
		}

	case OpWrite:
		for i := range op.Count {
			sqe := m.ring.GetSQE()
			sqe.PrepareWrite(op.Fd, op.Bufs[i], op.Lens[i], op.Offs[i])
			sqe.UserData = uint64(uintptr(unsafe.Pointer(op)))
			if op.Sync || i < op.Count - 1 { sqe.Flags |= giouring.SqeIOLink }
		}
		if op.Sync {
			op.Count++
			op.fsynced = true
			sqe := m.ring.GetSQE()
			sqe.PrepareFsync(op.Fd, 0)
			sqe.UserData = uint64(uintptr(unsafe.Pointer(op)))
		}

	case OpRead:
		for i := range op.Count {
			sqe := m.ring.GetSQE()
			sqe.PrepareRead(op.Fd, op.Bufs[i], op.Lens[i], op.Offs[i])
			sqe.UserData = uint64(uintptr(unsafe.Pointer(op)))
			if i < op.Count - 1 { sqe.Flags |= giouring.SqeIOLink }
		}

	case OpSync:
		op.Count = 1
		sqe := m.ring.GetSQE()
		sqe.PrepareFsync(op.Fd, 0)
		sqe.UserData = uint64(uintptr(unsafe.Pointer(op)))

	case OpAllocate:
		op.Count = 1
		sqe := m.ring.GetSQE()
		sqe.PrepareFallocate(op.Fd, 0, op.Offs[0], uint64(op.Lens[0]))
		sqe.UserData = uint64(uintptr(unsafe.Pointer(op)))

	default:
		m.log.Warn("Invalid opcode", "opcode", op.Opcode)
		for range sqes(op) { <- m.opSem }
		atomic.StoreInt32(&op.Res, -int32(unix.EINVAL))
		op.Ch <- struct{}{}
		return 0
	}
	return uint(op.Count)
}

// "Those who sow the good seed
// Shall surely reap"
func (m *IoMgr) ringlord() {
	defer m.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if m.cpu >= 0 {
		var cpuSet unix.CPUSet
		cpuSet.Zero()
		cpuSet.Set(m.cpu)
		if err := unix.SchedSetaffinity(0, &cpuSet); err != nil {
			m.log.Warn("Couldn't set core affinity for ring manager", "cpu", m.cpu, "err", err)
		}
	}

	var queued   uint = 0 // SQEs that we have "got" and prepared from the opQueue
	var inflight uint = 0 // SQEs that have been SUBMITTED

	// Three phases:
	// 1. collect ops from the opQueue and get+prepare their SQEs
	// 2. submit
	// 3. reap completed CQEs
	for {
		// STAGE 1
		if inflight == 0 && queued == 0 {
			// Nothing to reap, so block until there is at least 1 op (or we are
			// told to stop). COLLECT greedily takes the rest.
			select {
			case op := <- m.opQueue:
				queued += m.prepSQEs(op)
			case <- m.done:
				return
			}
		}
		COLLECT: for {
			select {
			case op := <- m.opQueue:
				queued += m.prepSQEs(op)
			default:
				break COLLECT
			}
		}

		// STAGE 2
		if queued > 0 {
			var submitted uint
			var err error
			if inflight + queued > RING_DPTHTRG {
				submitted, err = m.ring.SubmitAndWait(8)
			} else {
				submitted, err = m.ring.Submit()
			}
			if err != nil && err != unix.ETIME && err != unix.EINTR {
				m.log.Error("Submit", "err", err)
			}
			queued   -= submitted
			inflight += submitted
		} else if inflight > 0 {
			// Nothing new to send, park until something completes instead of
			// spinning on PeekCQE.
			if _, err := m.ring.SubmitAndWait(1); err != nil && err != unix.ETIME && err != unix.EINTR {
				m.log.Error("Wait", "err", err)
			}
		}

		// STAGE 3
		for inflight > 0 {
			cqe, err := m.ring.PeekCQE()
			if err == unix.EAGAIN || err == unix.EINTR || err == unix.ETIME {
				break
			} else if err != nil {
				m.log.Error("Peek cqe fatal error", "err", err)
				panic("iomgr: completion queue broken")
			}
			if cqe == nil {
				m.log.Warn("cqe == nil but we didnt get an err (eagain)?")
				break
			}

			inflight--

			// UserData is an *Op at a fixed address, see the WARN on Submit
			op := (*Op)(unsafe.Pointer(uintptr(cqe.UserData)))
			op.seen++

			// a linked chain cancels the rest after a failure, those still
			// complete and are just counted off here
			if !op.done && (cqe.Res < 0 || op.seen == op.Count) {
				atomic.StoreInt32(&op.Res, cqe.Res)
				op.done = true
				if cqe.Res < 0 {
					m.log.Debug("op failed", "op", op, "res", cqe.Res)
				}
			}
			if op.done && op.seen == op.Count {
				// reply only once every SQE of the op is back, so the owner can
				// reuse it straight away
				op.Ch <- struct{}{}
			}

			m.ring.CQESeen(cqe)
			<- m.opSem
		}
	}
}
