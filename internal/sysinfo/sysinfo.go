// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package sysinfo reports host memory headroom. The buffer lives in tmpfs,
// so free RAM is the real capacity limit of the recorder.
package sysinfo

import (
	"errors"
	"fmt"

	"github.com/prometheus/procfs"
)

// Memory reads /proc/meminfo.
type Memory struct {
	fs procfs.FS
}

// NewMemory uses procfs mounted at mountPoint; empty means /proc.
func NewMemory(mountPoint string) (*Memory, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &Memory{fs: fs}, nil
}

// FreeMB returns MemAvailable in MiB, falling back to MemFree on kernels that
// do not report MemAvailable.
func (m *Memory) FreeMB() (int64, error) {
	mi, err := m.fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	switch {
	case mi.MemAvailable != nil:
		return int64(*mi.MemAvailable / 1024), nil // #nosec G115 - kB value fits int64
	case mi.MemFree != nil:
		return int64(*mi.MemFree / 1024), nil // #nosec G115
	default:
		return 0, errors.New("meminfo reports neither MemAvailable nor MemFree")
	}
}
