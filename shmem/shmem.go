// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package shmem provides shared memory regions that a child process can
// attach to by an identifier published in its environment.
package shmem

import (
	"fmt"
	"strconv"
)

const (
	// CoverageEnv carries the id of the coverage region.
	CoverageEnv = "__AFL_SHM_ID"
	// InputEnv carries the id of the input region.
	InputEnv = "__AFL_SHM_FUZZ_ID"
)

// Region is a shared memory segment mapped into this process.
// The creator owns the segment and removes it on Close.
type Region struct {
	id    int
	mem   []byte
	owner bool
}

// ID returns the identifier children use to attach to the region.
func (r *Region) ID() int {
	return r.id
}

// Bytes returns the mapped memory. The slice is invalid after Close.
func (r *Region) Bytes() []byte {
	return r.mem
}

// Len returns the size of the mapping.
func (r *Region) Len() int {
	return len(r.mem)
}

// Env returns the NAME=id environment entry publishing the region.
func (r *Region) Env(name string) string {
	return name + "=" + strconv.Itoa(r.id)
}

// Close detaches the region and, for the owner, removes the segment.
// It is safe to call more than once.
func (r *Region) Close() error {
	if r == nil || r.mem == nil {
		return nil
	}
	err := release(r)
	r.mem = nil
	return err
}

// ParseID parses an id published with Env.
func ParseID(v string) (int, error) {
	id, err := strconv.Atoi(v)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("bad shared memory id %q", v)
	}
	return id, nil
}
