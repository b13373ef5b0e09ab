//go:build linux

package iomgr

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	c "kcore/internal"
	"kcore/internal/bcache"
)

var ErrNoDevice = errors.New("iomgr: no such device")

// Disk is a bcache.Disk over one image file per device, with every transfer
// going through the ring.
type Disk struct {
	log		*slog.Logger
	mgr		*IoMgr
	files	[]*os.File
	bsize	int
	sync	bool

	ops		[]Op // fixed addresses, handed out through pool
	pool	chan *Op
}

func DevicePath(dir string, dev uint32) string {
	return filepath.Join(dir, fmt.Sprintf("dev%d.img", dev))
}

func OpenDisk(cfg Config, blockSize int, log *slog.Logger) (*Disk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("src", "Disk")

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("iomgr: creating %s: %w", cfg.Dir, err)
	}

	mode := F_OPEN_MODE
	if cfg.Direct {
		mode |= unix.O_DIRECT
	}

	d := &Disk{
		log:	log,
		bsize:	blockSize,
		sync:	cfg.Sync,
		ops:	make([]Op, OP_Q_SIZE),
		pool:	make(chan *Op, OP_Q_SIZE),
	}
	for i := range d.ops {
		d.ops[i].Ch = make(chan struct{}, 1)
		d.pool <- &d.ops[i]
	}

	for dev := range uint32(cfg.Devices) {
		path := DevicePath(cfg.Dir, dev)
		f, err := os.OpenFile(path, mode, F_OPEN_PERM)
		if err != nil {
			d.closeFiles()
			return nil, fmt.Errorf("iomgr: opening device %d: %w", dev, err)
		}
		d.files = append(d.files, f)
	}

	mgr, err := CreateIoMgr(cfg.Cpu, log)
	if err != nil {
		d.closeFiles()
		return nil, fmt.Errorf("iomgr: creating ring: %w", err)
	}
	d.mgr = mgr

	if cfg.Prealloc > 0 {
		for dev := range d.files {
			if err := d.allocate(dev, c.BlockToOffset(cfg.Prealloc, blockSize)); err != nil {
				d.Close()
				return nil, fmt.Errorf("iomgr: preallocating device %d: %w", dev, err)
			}
		}
	}

	log.Debug("disk open", "dir", cfg.Dir, "devices", cfg.Devices, "direct", cfg.Direct, "sync", cfg.Sync)
	return d, nil
}

func (d *Disk) Close() error {
	d.mgr.Close()
	return d.closeFiles()
}

func (d *Disk) closeFiles() error {
	var errs []error
	for _, f := range d.files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}

// Submit op and wait for its reply. Negative results come back as the errno.
func (d *Disk) do(op *Op) (int32, error) {
	d.mgr.Submit(op)
	<- op.Ch
	res := atomic.LoadInt32(&op.Res)
	if res < 0 {
		d.log.Warn("op failed", "op", op, "errno", unix.Errno(-res))
		return res, unix.Errno(-res)
	}
	return res, nil
}

func (d *Disk) file(dev uint32) (*os.File, error) {
	if int(dev) >= len(d.files) {
		return nil, fmt.Errorf("%w: %d", ErrNoDevice, dev)
	}
	return d.files[dev], nil
}

// Rw moves one block between b and its device. b.Data() is handed to the
// kernel by address, which is fine because bcache slots live in an mmap'd slab.
// Reads past the end of the image come back as zeros.
func (d *Disk) Rw(b *bcache.Buf, write bool) error {
	data := b.Data()
	if len(data) != d.bsize {
		return fmt.Errorf("iomgr: buffer is %d bytes, block size is %d", len(data), d.bsize)
	}
	f, err := d.file(b.Dev())
	if err != nil {
		return err
	}

	op := <- d.pool
	defer func() { d.pool <- op }()

	op.Fd = int(f.Fd())
	op.Bufs[0] = uintptr(unsafe.Pointer(&data[0]))
	op.Lens[0] = uint32(len(data))
	op.Offs[0] = c.BlockToOffset(b.Blockno(), d.bsize)
	op.Count = 1
	op.Sync = write && d.sync
	if write {
		op.Opcode = OpWrite
	} else {
		op.Opcode = OpRead
	}

	res, err := d.do(op)
	if err != nil {
		return fmt.Errorf("iomgr: %v dev %d block %d: %w", op.Opcode, b.Dev(), b.Blockno(), err)
	}

	switch {
	case write && !op.Sync && int(res) < len(data):
		return io.ErrShortWrite
	case !write && int(res) < len(data):
		clear(data[res:])
	}
	return nil
}

// Sync flushes every device.
func (d *Disk) Sync() error {
	op := <- d.pool
	defer func() { d.pool <- op }()

	for dev, f := range d.files {
		op.Fd = int(f.Fd())
		op.Opcode = OpSync
		op.Count = 1
		if _, err := d.do(op); err != nil {
			return fmt.Errorf("iomgr: fsync dev %d: %w", dev, err)
		}
	}
	return nil
}

// Largest single fallocate; Op.Lens is 32 bits.
var fallocChunk uint64 = 1 << 30

func (d *Disk) allocate(dev int, size uint64) error {
	op := <- d.pool
	defer func() { d.pool <- op }()

	for off := uint64(0); off < size; off += fallocChunk {
		op.Fd = int(d.files[dev].Fd())
		op.Opcode = OpAllocate
		op.Offs[0] = off
		op.Lens[0] = uint32(min(fallocChunk, size-off))
		op.Count = 1
		if _, err := d.do(op); err != nil {
			return err
		}
	}
	return nil
}
