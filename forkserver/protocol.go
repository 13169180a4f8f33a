// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package forkserver

import (
	"errors"
	"fmt"
)

// File descriptors of the control pipe (parent writes) and the status pipe
// (parent reads) as seen by the target.
const (
	ControlFD = 198
	StatusFD  = ControlFD + 1
)

// Option bits of the handshake word.
const (
	OptEnabled    = 0x80000001
	OptMapSize    = 0x40000000
	OptAutodict   = 0x10000000
	OptShdmemFuzz = 0x01000000

	optMapSizeMask = 0x00fffffe
	maxAutodictLen = 0xffffff
)

// GetMapSize extracts the coverage map size advertised in a hello word.
func GetMapSize(x uint32) int {
	return int((x&optMapSizeMask)>>1) + 1
}

// SetMapSize encodes size for the hello word.
func SetMapSize(size int) uint32 {
	return uint32(size-1) << 1
}

// State is the lifecycle state of an executor's forkserver.
type State int

const (
	StateUninitialized State = iota
	StateSpawned
	StateReady
	StateAwaitingStatus
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSpawned:
		return "spawned"
	case StateReady:
		return "ready"
	case StateAwaitingStatus:
		return "awaiting-status"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the states reachable from each state.
// Any state may be torn down to StateTerminated by Close.
var transitions = map[State][]State{
	StateUninitialized:  {StateSpawned, StateTerminated},
	StateSpawned:        {StateReady, StateUninitialized, StateTerminated},
	StateReady:          {StateAwaitingStatus, StateUninitialized, StateTerminated},
	StateAwaitingStatus: {StateReady, StateUninitialized, StateTerminated},
	StateTerminated:     nil,
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorKind tells the caller whether the executor can continue.
type ErrorKind int

const (
	// KindFatal errors end the campaign.
	KindFatal ErrorKind = iota
	// KindRespawn errors lost protocol sync; the forkserver is respawned.
	KindRespawn
)

// Error is returned by all executor operations. Stage names the step of the
// protocol that failed (spawn, handshake, go, status, deliver, ...).
type Error struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("forkserver %v: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must stop the campaign.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == KindFatal
	}
	return true
}

// IsUnusable reports whether err leaves the executor unable to run any
// further input, as opposed to a failure tied to the input being run.
func IsUnusable(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindFatal {
		return false
	}
	switch fe.Stage {
	case "config", "shmem", "spawn", "handshake", "run", "state":
		return true
	}
	return false
}

func fatalf(stage, msg string, args ...interface{}) *Error {
	return &Error{Kind: KindFatal, Stage: stage, Err: fmt.Errorf(msg, args...)}
}

func respawnf(stage, msg string, args ...interface{}) *Error {
	return &Error{Kind: KindRespawn, Stage: stage, Err: fmt.Errorf(msg, args...)}
}
