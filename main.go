package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cespare/xxhash"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kcore/internal/bcache"
	"kcore/internal/config"
	"kcore/internal/iomgr"
	"kcore/internal/kalloc"
	"kcore/internal/metrics"
	"kcore/internal/ramdisk"
	"kcore/internal/ticks"
	"kcore/internal/util"
)

func main() {
	cfgPath := flag.String("config", "", "YAML config file (defaults apply when empty)")
	dump := flag.Bool("dump", false, "hexdump a page and a block after the smoke run")
	printCfg := flag.Bool("print-config", false, "print the effective config and exit")
	serve := flag.Bool("serve", false, "keep running after the smoke run until interrupted")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	slog.SetDefault(slog.New(cfg.Log.Handler(os.Stderr)))

	if *printCfg {
		raw, err := cfg.Marshal()
		if err != nil {
			slog.Error("config", "err", err)
			os.Exit(1)
		}
		os.Stdout.Write(raw)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *dump, *serve); err != nil {
		slog.Error("kcore", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, dump, serve bool) error {
	log := slog.Default()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)
	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:		cfg.Metrics.Addr,
			Handler:	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "err", err)
			}
		}()
		defer srv.Close()
		log.Info("metrics", "addr", cfg.Metrics.Addr)
	}

	clock := &ticks.Clock{}
	go clock.Run(ctx, cfg.Ticks.Interval)

	kmem, err := kalloc.New(cfg.Kalloc, log, m)
	if err != nil {
		return err
	}
	defer kmem.Close()
	start, end := kmem.Range()
	log.Info("kinit", "start", start, "end", end, "pages", kmem.NPages(), "shards", cfg.Kalloc.Shards)

	var disk bcache.Disk
	switch cfg.Disk.Kind {
	case config.DiskFile:
		d, err := iomgr.OpenDisk(cfg.Disk.File, cfg.Bcache.BlockSize, log)
		if err != nil {
			return err
		}
		defer d.Close()
		disk = d
	default:
		disk = ramdisk.New(cfg.Bcache.BlockSize)
	}

	bc, err := bcache.New(cfg.Bcache, disk, clock, log, m)
	if err != nil {
		return err
	}
	defer bc.Close()
	log.Info("binit", "nbuf", cfg.Bcache.NBuf, "block_size", bc.BlockSize(), "disk", cfg.Disk.Kind)

	t0 := time.Now()
	if err := churn(kmem, cfg.Kalloc.Shards); err != nil {
		return err
	}
	log.Info("kalloc smoke", "free", kmem.NumFree(), "by_shard", kmem.ShardFree(), "took", time.Since(t0))

	t0 = time.Now()
	if err := roundTrip(bc, cfg.Bcache.NBuf); err != nil {
		return err
	}
	log.Info("bcache smoke", "stats", bc.Stats(), "took", time.Since(t0))

	if dump {
		p, err := kmem.Alloc(0)
		if err != nil {
			return err
		}
		fmt.Println(util.HexDump(kmem.Bytes(p), 0x80))
		kmem.Release(p)

		b, err := bc.Read(0, 0)
		if err != nil {
			return err
		}
		fmt.Println(util.HexDump(b.Data(), 0x80))
		bc.Release(b)
	}

	if serve {
		log.Info("serving, interrupt to stop")
		<-ctx.Done()
	}
	return nil
}

// One goroutine per shard allocates, shares and frees pages, stamping each
// page with its owner so crossed wires show up as a mismatch.
func churn(kmem *kalloc.Kmem, units int) error {
	const ROUNDS = 64
	const HELD = 16

	var wg sync.WaitGroup
	errs := make([]error, units)
	for unit := range units {
		wg.Add(1)
		go func() {
			defer wg.Done()
			held := make([]*kalloc.Ref, 0, HELD)
			for range ROUNDS {
				for len(held) < HELD {
					r, err := kmem.AllocRef(unit)
					if err != nil {
						errs[unit] = err
						return
					}
					r.Bytes()[0] = byte(unit)
					held = append(held, r)
				}
				// share half, then drop every original
				shared := make([]*kalloc.Ref, 0, HELD/2)
				for _, r := range held[:HELD/2] {
					shared = append(shared, r.Dup())
				}
				for _, r := range held {
					r.Drop()
				}
				for _, r := range shared {
					if r.Bytes()[0] != byte(unit) {
						errs[unit] = fmt.Errorf("unit %d: page %v overwritten", unit, r.Pa())
					}
					r.Drop()
				}
				held = held[:0]
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Write a block, push it out of the cache with nbuf others, read it back.
func roundTrip(bc *bcache.Bcache, nbuf int) error {
	const DEV = 0
	const BLK = 1

	b, err := bc.Read(DEV, BLK)
	if err != nil {
		return err
	}
	for i := range b.Data() {
		b.Data()[i] = byte(i * 7)
	}
	want := xxhash.Sum64(b.Data())
	if err := bc.Write(b); err != nil {
		bc.Release(b)
		return err
	}
	bc.Release(b)

	for blk := range uint32(nbuf) {
		o, err := bc.Read(DEV, BLK+1+blk)
		if err != nil {
			return err
		}
		bc.Release(o)
	}

	b, err = bc.Read(DEV, BLK)
	if err != nil {
		return err
	}
	got := xxhash.Sum64(b.Data())
	bc.Release(b)
	if got != want {
		return fmt.Errorf("block %d/%d digest 0x%x, wrote 0x%x", DEV, BLK, got, want)
	}
	return nil
}
