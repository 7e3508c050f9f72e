//go:build !linux && !darwin

package mmap

import "os"

// On unsupported platforms the store reads with pread only.
const Supported = false

func Map(*os.File, int64) ([]byte, error) { return nil, nil }

func Unmap([]byte) error { return nil }

func Sync([]byte) error { return nil }
