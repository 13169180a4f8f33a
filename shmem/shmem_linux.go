// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux

package shmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// New creates and maps a zeroed private segment of the given size.
func New(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("bad shared memory size %v", size)
	}
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|unix.IPC_EXCL|0600)
	if err != nil {
		return nil, fmt.Errorf("shmget failed: %w", err)
	}
	mem, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return nil, fmt.Errorf("shmat failed: %w", err)
	}
	return &Region{id: id, mem: mem, owner: true}, nil
}

// Attach maps an existing segment created by another process.
func Attach(id int) (*Region, error) {
	mem, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("shmat %v failed: %w", id, err)
	}
	return &Region{id: id, mem: mem}, nil
}

func release(r *Region) error {
	err1 := unix.SysvShmDetach(r.mem)
	var err2 error
	if r.owner {
		_, err2 = unix.SysvShmCtl(r.id, unix.IPC_RMID, nil)
	}
	switch {
	case err1 != nil:
		return fmt.Errorf("shmdt failed: %w", err1)
	case err2 != nil:
		return fmt.Errorf("shmctl failed: %w", err2)
	default:
		return nil
	}
}
