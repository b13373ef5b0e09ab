//go:build linux

package iomgr

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	c "kcore/internal"
	"kcore/internal/bcache"
	"kcore/internal/ticks"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.TimeOnly,
		AddSource:  true,
	})))
	os.Exit(m.Run())
}

// io_uring is often disabled in containers and CI sandboxes.
func ringOrSkip(t *testing.T) *IoMgr {
	t.Helper()
	m, err := CreateIoMgr(-1, nil)
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	return m
}

func testConfig(t *testing.T) Config {
	return Config{Dir: t.TempDir(), Devices: 2, Cpu: -1}
}

func openOrSkip(t *testing.T, cfg Config) *Disk {
	t.Helper()
	ringOrSkip(t).Close()
	d, err := OpenDisk(cfg, c.BSIZE, nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func Test_Config_Validate(t *testing.T) {
	assert.NoError(t, Config{Dir: "x", Devices: 1, Cpu: -1}.Validate())
	assert.NoError(t, Config{Dir: "x", Devices: 1, Cpu: 3}.Validate())
	for _, cfg := range []Config{
		{Dir: "", Devices: 1, Cpu: -1},
		{Dir: "x", Devices: 0, Cpu: -1},
		{Dir: "x", Devices: 1, Cpu: -2},
	} {
		assert.ErrorIs(t, cfg.Validate(), ErrConfig, "%+v", cfg)
	}
}

func Test_Iomgr_Nop_Chain(t *testing.T) {
	m := ringOrSkip(t)
	defer m.Close()

	op := &Op{Opcode: OpNop, Count: 5, Ch: make(chan struct{}, 1)}
	for range 3 {
		m.Submit(op)
		<- op.Ch
		assert.Equal(t, int32(0), op.Res)
		assert.Equal(t, uint16(5), op.seen)
	}
}

func Test_Iomgr_Invalid_Opcode(t *testing.T) {
	m := ringOrSkip(t)
	defer m.Close()

	op := &Op{Opcode: OpCode(99), Count: 1, Ch: make(chan struct{}, 1)}
	m.Submit(op)
	<- op.Ch
	assert.Negative(t, op.Res)
	assert.Equal(t, "OpCode(99)", op.Opcode.String())

	// the ring still works afterwards
	nop := &Op{Opcode: OpNop, Count: 1, Ch: make(chan struct{}, 1)}
	m.Submit(nop)
	<- nop.Ch
	assert.Equal(t, int32(0), nop.Res)
}

func Test_Op_String(t *testing.T) {
	op := &Op{Opcode: OpWrite, Fd: 3, Count: 2, Sync: true}
	op.Lens[0], op.Lens[1] = 0x400, 0x400
	op.Offs[1] = 0x400
	s := op.String()
	assert.Contains(t, s, "WRITE fd=3")
	assert.Contains(t, s, "[01] WRITE")
	assert.Contains(t, s, "FSYNC")
	assert.Equal(t, "<nil>", (*Op)(nil).String())
}

func Test_Disk_Round_Trip(t *testing.T) {
	cfg := testConfig(t)
	d := openOrSkip(t, cfg)
	bc, err := bcache.New(bcache.Config{NBuf: 2, BlockSize: c.BSIZE}, d, &ticks.Clock{}, nil, nil)
	require.NoError(t, err)
	defer bc.Close()

	b, err := bc.Read(1, 3)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, c.BSIZE), b.Data(), "past EOF should read as zeros")
	copy(b.Data(), "written through the ring")
	require.NoError(t, bc.Write(b))
	bc.Release(b)

	raw, err := os.ReadFile(DevicePath(cfg.Dir, 1))
	require.NoError(t, err)
	require.Len(t, raw, 4*c.BSIZE)
	assert.Equal(t, "written through the ring", string(raw[3*c.BSIZE:3*c.BSIZE+24]))

	// cycle the slots so block 3 has to come back from disk
	for blk := range uint32(2) {
		o, err := bc.Read(0, blk)
		require.NoError(t, err)
		bc.Release(o)
	}
	b, err = bc.Read(1, 3)
	require.NoError(t, err)
	assert.Equal(t, "written through the ring", string(b.Data()[:24]))
	bc.Release(b)

	require.NoError(t, d.Sync())
}

func Test_Disk_No_Such_Device(t *testing.T) {
	d := openOrSkip(t, testConfig(t))
	bc, err := bcache.New(bcache.Config{NBuf: 1, BlockSize: c.BSIZE}, d, &ticks.Clock{}, nil, nil)
	require.NoError(t, err)
	defer bc.Close()

	_, err = bc.Read(7, 0)
	assert.ErrorIs(t, err, ErrNoDevice)
}

func Test_Disk_Prealloc_And_Sync_Writes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Prealloc = 16
	cfg.Sync = true
	d := openOrSkip(t, cfg)

	for dev := range uint32(cfg.Devices) {
		st, err := os.Stat(DevicePath(cfg.Dir, dev))
		require.NoError(t, err)
		assert.Equal(t, int64(16*c.BSIZE), st.Size())
	}

	bc, err := bcache.New(bcache.Config{NBuf: 4, BlockSize: c.BSIZE}, d, &ticks.Clock{}, nil, nil)
	require.NoError(t, err)
	defer bc.Close()

	b, err := bc.Read(0, 2)
	require.NoError(t, err)
	b.Data()[0] = 0x7f
	require.NoError(t, bc.Write(b))
	bc.Release(b)

	raw, err := os.ReadFile(DevicePath(cfg.Dir, 0))
	require.NoError(t, err)
	assert.Equal(t, byte(0x7f), raw[2*c.BSIZE])
}

// Preallocation larger than one fallocate is issued in pieces.
func Test_Disk_Prealloc_Chunked(t *testing.T) {
	saved := fallocChunk
	fallocChunk = 3 * c.BSIZE
	defer func() { fallocChunk = saved }()

	cfg := testConfig(t)
	cfg.Prealloc = 16
	openOrSkip(t, cfg)

	for dev := range uint32(cfg.Devices) {
		st, err := os.Stat(DevicePath(cfg.Dir, dev))
		require.NoError(t, err)
		assert.Equal(t, int64(16*c.BSIZE), st.Size())
	}
}

// Many workers writing disjoint blocks, then reading them all back.
func Test_Disk_Multi_Worker(t *testing.T) {
	const WORKERS = 8
	const BLOCKS_PER_WORKER = 16
	cfg := testConfig(t)
	d := openOrSkip(t, cfg)
	bc, err := bcache.New(bcache.Config{NBuf: WORKERS, BlockSize: c.BSIZE}, d, &ticks.Clock{}, nil, nil)
	require.NoError(t, err)
	defer bc.Close()

	want := make([][]byte, WORKERS*BLOCKS_PER_WORKER)
	faker := gofakeit.NewFaker(rand.NewChaCha8([32]byte{0x6b}), true)
	for i := range want {
		want[i] = []byte(fmt.Sprintf("%04d %s", i, faker.LoremIpsumSentence(8)))
	}

	var wg sync.WaitGroup
	for w := range WORKERS {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range BLOCKS_PER_WORKER {
				blk := uint32(w*BLOCKS_PER_WORKER + i)
				b, err := bc.Read(uint32(w%cfg.Devices), blk)
				if err != nil {
					t.Error(err)
					return
				}
				clear(b.Data())
				copy(b.Data(), want[blk])
				if err := bc.Write(b); err != nil {
					t.Error(err)
				}
				bc.Release(b)
			}
		}()
	}
	wg.Wait()

	for blk := range uint32(len(want)) {
		w := int(blk) / BLOCKS_PER_WORKER
		b, err := bc.Read(uint32(w%cfg.Devices), blk)
		require.NoError(t, err)
		assert.Equal(t, string(want[blk]), string(b.Data()[:len(want[blk])]))
		bc.Release(b)
	}
}
