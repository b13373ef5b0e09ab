package iomgr

import (
	"errors"
	"fmt"
)

// File-backed block devices. Device n lives in Dir/dev<n>.img.
type Config struct {
	Dir		string	`yaml:"dir"`
	Devices	int		`yaml:"devices"`
	Direct	bool	`yaml:"direct"`	// O_DIRECT; needs a filesystem that supports it (not tmpfs)
	Sync	bool	`yaml:"sync"`	// link an fsync behind every block write
	Prealloc	uint32	`yaml:"prealloc"`	// blocks to fallocate per device on open
	Cpu		int		`yaml:"cpu"`	// pin the ring thread to this core, -1 for no pinning
}

var ErrConfig = errors.New("iomgr: invalid config")

func (cfg Config) Validate() error {
	if cfg.Dir == "" {
		return fmt.Errorf("%w: dir is empty", ErrConfig)
	}
	if cfg.Devices < 1 {
		return fmt.Errorf("%w: devices must be >= 1, got %d", ErrConfig, cfg.Devices)
	}
	if cfg.Cpu < -1 {
		return fmt.Errorf("%w: cpu must be -1 or a core index, got %d", ErrConfig, cfg.Cpu)
	}
	return nil
}
