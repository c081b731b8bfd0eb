//go:build linux
// +build linux

// File: arena/arena_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux POSIX shared-memory backing via /dev/shm + mmap(2).

package arena

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type sharedRegion struct {
	name string
	buf  []byte
	fd   int
}

func newSharedPlatform(name string, size int) (Region, error) {
	path := "/dev/shm/" + name
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("arena: open %s: %w", path, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("arena: ftruncate %s: %w", path, err)
	}
	buf, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("arena: mmap %s: %w", path, err)
	}
	return &sharedRegion{name: name, buf: buf, fd: fd}, nil
}

func (s *sharedRegion) Bytes() []byte { return s.buf }

func (s *sharedRegion) Close() error {
	if err := unix.Munmap(s.buf); err != nil {
		return err
	}
	if err := unix.Close(s.fd); err != nil {
		return err
	}
	return unix.Unlink("/dev/shm/" + s.name)
}
