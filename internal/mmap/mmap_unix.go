//go:build linux || darwin

// Package mmap wraps the memory-mapping syscalls the record store uses
// for its read path. On platforms without mmap support the store falls
// back to pread.
package mmap

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Supported reports whether this platform maps files.
const Supported = true

// Map maps size bytes of file read-only.
func Map(file *os.File, size int64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	return syscall.Mmap(int(file.Fd()), 0, int(size),
		syscall.PROT_READ, syscall.MAP_SHARED)
}

// Unmap releases a mapping returned by Map.
func Unmap(data []byte) error {
	if data == nil {
		return nil
	}
	return syscall.Munmap(data)
}

// Sync flushes the mapped region to the backing file.
func Sync(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Msync(data, unix.MS_SYNC)
}
