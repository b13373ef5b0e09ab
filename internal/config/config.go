// Package config is the boot configuration: one YAML file, every field
// optional, anything left out keeps its default.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v3"

	c "kcore/internal"
	"kcore/internal/bcache"
	"kcore/internal/iomgr"
	"kcore/internal/kalloc"
)

const (
	DiskRam		= "ram"
	DiskFile	= "file"
)

var ErrConfig = errors.New("config: invalid")

type Log struct {
	Level	string	`yaml:"level"` // debug, info, warn or error
	Source	bool	`yaml:"source"`
}

type Disk struct {
	Kind	string			`yaml:"kind"` // ram or file
	File	iomgr.Config	`yaml:"file"`
}

type Metrics struct {
	Enabled	bool	`yaml:"enabled"`
	Addr	string	`yaml:"addr"`
}

type Ticks struct {
	Interval	time.Duration	`yaml:"interval"`
}

type Config struct {
	Log		Log				`yaml:"log"`
	Kalloc	kalloc.Config	`yaml:"kalloc"`
	Bcache	bcache.Config	`yaml:"bcache"`
	Disk	Disk			`yaml:"disk"`
	Metrics	Metrics			`yaml:"metrics"`
	Ticks	Ticks			`yaml:"ticks"`
}

// Default is a small xv6-shaped machine: 128MiB of physical memory above
// 0x80000000, eight harts, thirty 1KiB buffers over a RAM disk.
func Default() Config {
	return Config{
		Log: Log{Level: "info"},
		Kalloc: kalloc.Config{
			KernBase:	0x80000000,
			KernelEnd:	0x80021000,
			PhysTop:	0x80000000 + 128<<20,
			Shards:		8,
		},
		Bcache: bcache.Config{
			NBuf:		30,
			BlockSize:	c.BSIZE,
		},
		Disk: Disk{
			Kind: DiskRam,
			File: iomgr.Config{Dir: "data", Devices: 1, Cpu: -1},
		},
		Metrics: Metrics{Addr: ":9464"},
		Ticks:	Ticks{Interval: 100 * time.Millisecond},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (cfg Config) Marshal() ([]byte, error) {
	return yaml.Marshal(cfg)
}

func (cfg Config) Validate() error {
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	if err := cfg.Kalloc.Validate(); err != nil {
		return err
	}
	if err := cfg.Bcache.Validate(); err != nil {
		return err
	}
	switch cfg.Disk.Kind {
	case DiskRam:
	case DiskFile:
		if err := cfg.Disk.File.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: disk.kind must be %q or %q, got %q", ErrConfig, DiskRam, DiskFile, cfg.Disk.Kind)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("%w: metrics.addr is empty", ErrConfig)
	}
	if cfg.Ticks.Interval <= 0 {
		return fmt.Errorf("%w: ticks.interval must be positive, got %v", ErrConfig, cfg.Ticks.Interval)
	}
	return nil
}

func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return l, fmt.Errorf("%w: log.level %q", ErrConfig, s)
	}
	return l, nil
}

// Handler is the tint handler everything logs through.
func (l Log) Handler(w io.Writer) slog.Handler {
	level, err := ParseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	return tint.NewHandler(w, &tint.Options{
		Level:		level,
		TimeFormat:	time.TimeOnly,
		AddSource:	l.Source,
	})
}
