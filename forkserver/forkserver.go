// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package forkserver runs a target program under the fork-server protocol:
// the target is started once, stops right before its main work and then
// forks a fresh child for every input it is asked to run.
package forkserver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bradleyjkemp/forkfuzz/coverage"
	"github.com/bradleyjkemp/forkfuzz/log"
	"github.com/bradleyjkemp/forkfuzz/shmem"
	"github.com/bradleyjkemp/forkfuzz/tokens"
)

// Delivery selects how inputs reach the target.
type Delivery int

const (
	// DeliverFile writes each input to a file that is the target's stdin,
	// and whose path replaces any "@@" argument.
	DeliverFile Delivery = iota
	// DeliverSharedMemory writes each input to a shared region prefixed with
	// its 4-byte length. The target must advertise OptShdmemFuzz.
	DeliverSharedMemory
)

// FileArg is replaced by the path of the input file in Config.Args.
const FileArg = "@@"

// outputLimit bounds the output kept per execution. Output past the limit
// is still read, so a chatty target never blocks on a full pipe.
const outputLimit = 64 << 10

type Config struct {
	Program string
	Args    []string
	Env     []string // added to the environment of this process
	// Timeout bounds a single execution.
	Timeout time.Duration
	// KillSignal is sent to a child that exceeds Timeout.
	KillSignal syscall.Signal
	Delivery   Delivery
	// DebugChild forwards target output to our stdout/stderr.
	DebugChild bool
	// CaptureOutput collects target output into Result.Output.
	CaptureOutput bool
	// Persistent tells the target it may loop without forking.
	Persistent bool
	// MapSize is the size of the coverage region (default coverage.MapSize).
	MapSize int
	// AutoTokens accepts the dictionary offered by the target.
	AutoTokens       bool
	HandshakeTimeout time.Duration
}

// ExitKind classifies the end of one execution.
type ExitKind int

const (
	ExitOk ExitKind = iota
	ExitCrash
	ExitTimeout
)

func (k ExitKind) String() string {
	switch k {
	case ExitOk:
		return "ok"
	case ExitCrash:
		return "crash"
	case ExitTimeout:
		return "timeout"
	}
	return fmt.Sprintf("exit(%d)", int(k))
}

// Result describes one execution. Coverage is read from CoverageMap.
type Result struct {
	Kind    ExitKind
	Status  unix.WaitStatus
	Elapsed time.Duration
	Output  []byte
}

// Stats are cumulative counters of an executor.
type Stats struct {
	Execs    uint64
	Restarts uint64
	Timeouts uint64
	Crashes  uint64
}

// Executor owns the coverage region, the input channel and the forkserver
// process, and restarts the latter when protocol sync is lost.
// It is not safe for concurrent use.
type Executor struct {
	cfg     Config
	state   State
	args    []string
	cover   *shmem.Region
	input   *shmem.Region
	inFile  *os.File
	mapSize int
	srv     *server
	tokens  [][]byte
	// lastTimedOut is sent with every "go" so the forkserver knows whether
	// its previous child was killed by us.
	lastTimedOut uint32
	readBuf      []byte
	output       []byte // collected while waiting for the status word
	stats        Stats
}

// server is one forkserver process and the parent ends of its pipes.
type server struct {
	cmd *exec.Cmd
	ctl *os.File
	st  *os.File
	out *os.File
	pid int // current child
	buf [4]byte
}

func setDefaults(cfg *Config) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.KillSignal == 0 {
		cfg.KillSignal = unix.SIGKILL
	}
	if cfg.MapSize == 0 {
		cfg.MapSize = coverage.MapSize
	}
}

// New allocates the shared regions, starts the forkserver and completes the
// handshake. All failures are fatal.
func New(cfg Config) (*Executor, error) {
	setDefaults(&cfg)
	if cfg.Program == "" {
		return nil, fatalf("config", "no program to execute")
	}
	e := &Executor{
		cfg:     cfg,
		mapSize: cfg.MapSize,
	}
	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()
	var err error
	if e.cover, err = shmem.New(cfg.MapSize); err != nil {
		return nil, fatalf("shmem", "failed to allocate coverage map: %w", err)
	}
	fileArg := false
	for _, arg := range cfg.Args {
		if arg == FileArg {
			fileArg = true
		}
	}
	switch cfg.Delivery {
	case DeliverSharedMemory:
		if fileArg {
			return nil, fatalf("config", "%v argument requires file delivery", FileArg)
		}
		if e.input, err = shmem.New(coverage.MaxInputSize + 4); err != nil {
			return nil, fatalf("shmem", "failed to allocate input region: %w", err)
		}
	case DeliverFile:
		if e.inFile, err = os.CreateTemp("", "forkfuzz-input"); err != nil {
			return nil, fatalf("input", "failed to create input file: %w", err)
		}
	default:
		return nil, fatalf("config", "unknown delivery %v", cfg.Delivery)
	}
	for _, arg := range cfg.Args {
		if arg == FileArg {
			arg = e.inFile.Name()
		}
		e.args = append(e.args, arg)
	}
	if cfg.CaptureOutput && !cfg.DebugChild {
		e.readBuf = make([]byte, 4<<10)
	}
	if err := e.spawn(); err != nil {
		return nil, err
	}
	ok = true
	return e, nil
}

func (e *Executor) transition(to State) error {
	if !canTransition(e.state, to) {
		return fatalf("state", "illegal transition %v -> %v", e.state, to)
	}
	log.Logf(3, "forkserver: %v -> %v", e.state, to)
	e.state = to
	return nil
}

// State returns the current lifecycle state.
func (e *Executor) State() State {
	return e.state
}

// CoverageMap returns the coverage region as seen by the target.
// The slice is owned by the executor and overwritten by every Run.
func (e *Executor) CoverageMap() []byte {
	return e.cover.Bytes()[:e.mapSize]
}

// MapSize returns the coverage map size negotiated with the target.
func (e *Executor) MapSize() int {
	return e.mapSize
}

// Tokens returns the dictionary the target offered during the first handshake.
func (e *Executor) Tokens() [][]byte {
	return e.tokens
}

func (e *Executor) Stats() Stats {
	return e.stats
}

func (e *Executor) spawn() error {
	if e.state != StateUninitialized {
		return fatalf("spawn", "cannot spawn in state %v", e.state)
	}
	rCtl, wCtl, err := os.Pipe()
	if err != nil {
		return fatalf("spawn", "failed to pipe: %w", err)
	}
	rSt, wSt, err := os.Pipe()
	if err != nil {
		rCtl.Close()
		wCtl.Close()
		return fatalf("spawn", "failed to pipe: %w", err)
	}
	var rOut, wOut *os.File
	cmd := exec.Command(e.cfg.Program, e.args...)
	switch {
	case e.cfg.DebugChild:
		// For debugging of target failures.
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	case e.cfg.CaptureOutput:
		if rOut, wOut, err = os.Pipe(); err != nil {
			rCtl.Close()
			wCtl.Close()
			rSt.Close()
			wSt.Close()
			return fatalf("spawn", "failed to pipe: %w", err)
		}
		if err := setPipeSize(rOut, outputLimit); err != nil {
			log.Logf(1, "failed to resize output pipe: %v", err)
		}
		cmd.Stdout = wOut
		cmd.Stderr = wOut
	}
	if e.inFile != nil {
		cmd.Stdin = e.inFile
	}
	cmd.Env = append([]string{}, os.Environ()...)
	cmd.Env = append(cmd.Env, e.cfg.Env...)
	cmd.Env = append(cmd.Env,
		e.cover.Env(shmem.CoverageEnv),
		fmt.Sprintf("AFL_MAP_SIZE=%v", e.cfg.MapSize),
	)
	if e.input != nil {
		cmd.Env = append(cmd.Env, e.input.Env(shmem.InputEnv))
	}
	if e.cfg.Persistent {
		cmd.Env = append(cmd.Env, "__AFL_PERSISTENT=1")
	}
	cmd.ExtraFiles = make([]*os.File, StatusFD-2)
	cmd.ExtraFiles[ControlFD-3] = rCtl
	cmd.ExtraFiles[StatusFD-3] = wSt
	setPdeathsig(cmd)
	err = cmd.Start()
	rCtl.Close()
	wSt.Close()
	if wOut != nil {
		wOut.Close()
	}
	if err != nil {
		wCtl.Close()
		rSt.Close()
		if rOut != nil {
			rOut.Close()
		}
		return fatalf("spawn", "failed to start %v: %w", e.cfg.Program, err)
	}
	e.srv = &server{
		cmd: cmd,
		ctl: wCtl,
		st:  rSt,
		out: rOut,
	}
	e.lastTimedOut = 0
	e.stats.Restarts++
	log.With(log.Fields{"pid": cmd.Process.Pid, "program": e.cfg.Program}).Logf(1, "forkserver started")
	if err := e.transition(StateSpawned); err != nil {
		return err
	}
	if err := e.handshake(); err != nil {
		return err
	}
	return e.transition(StateReady)
}

func (e *Executor) handshake() error {
	srv := e.srv
	deadline := time.Now().Add(e.cfg.HandshakeTimeout)
	hello, err := srv.readU32(deadline)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fatalf("handshake", "timed out waiting for hello after %v", e.cfg.HandshakeTimeout)
		}
		return fatalf("handshake", "failed to read hello, the program is probably not instrumented: %w", err)
	}
	log.Logf(1, "forkserver hello 0x%08x", hello)
	enabled := hello&OptEnabled == OptEnabled
	if enabled && hello&OptMapSize != 0 {
		size := GetMapSize(hello)
		if size > e.cover.Len() {
			return fatalf("handshake", "target map size %v exceeds coverage region %v, set AFL_MAP_SIZE", size, e.cover.Len())
		}
		e.mapSize = size
	}
	if e.input != nil && (!enabled || hello&OptShdmemFuzz == 0) {
		return fatalf("handshake", "target does not support shared memory input")
	}
	if !enabled || hello&(OptShdmemFuzz|OptAutodict) == 0 {
		return nil
	}
	reply := uint32(OptEnabled)
	if e.input != nil {
		reply |= OptShdmemFuzz
	}
	if hello&OptAutodict != 0 && e.cfg.AutoTokens {
		reply |= OptAutodict
	}
	if err := srv.writeU32(reply); err != nil {
		return fatalf("handshake", "failed to send options: %w", err)
	}
	if reply&OptAutodict == 0 {
		return nil
	}
	size, err := srv.readU32(deadline)
	if err != nil {
		return fatalf("handshake", "failed to read autodict size: %w", err)
	}
	if size < 2 || size > maxAutodictLen {
		return fatalf("handshake", "autodict size %v out of range", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(srv.st, buf); err != nil {
		return fatalf("handshake", "failed to read autodict: %w", err)
	}
	toks, err := tokens.ParseAutodict(buf)
	if err != nil {
		return fatalf("handshake", "%w", err)
	}
	if e.tokens == nil {
		e.tokens = toks
		log.Logf(0, "target offered %v tokens", len(toks))
	}
	return nil
}

// Run executes one input. Protocol failures cause one respawn and retry;
// a failure of the retry is fatal.
func (e *Executor) Run(data []byte) (*Result, error) {
	if len(data) > coverage.MaxInputSize {
		data = data[:coverage.MaxInputSize]
	}
	for attempt := 0; ; attempt++ {
		res, err := e.runOnce(data)
		if err == nil {
			return res, nil
		}
		var fe *Error
		if !errors.As(err, &fe) || fe.Kind == KindFatal {
			return nil, err
		}
		if attempt > 0 {
			return nil, &Error{Kind: KindFatal, Stage: fe.Stage, Err: fmt.Errorf("forkserver did not recover: %w", fe.Err)}
		}
		log.Logf(0, "lost sync with forkserver: %v, restarting", err)
		if err := e.shutdown(); err != nil {
			return nil, err
		}
	}
}

func (e *Executor) runOnce(data []byte) (*Result, error) {
	switch e.state {
	case StateTerminated:
		return nil, fatalf("run", "executor is closed")
	case StateUninitialized:
		if err := e.spawn(); err != nil {
			return nil, err
		}
	}
	srv := e.srv
	clear(e.CoverageMap())
	e.output = nil
	if err := e.deliver(data); err != nil {
		return nil, fatalf("deliver", "%w", err)
	}
	e.stats.Execs++
	if err := srv.writeU32(e.lastTimedOut); err != nil {
		return nil, respawnf("go", "failed to request a run: %w", err)
	}
	if err := e.transition(StateAwaitingStatus); err != nil {
		return nil, err
	}
	start := time.Now()
	deadline := start.Add(e.cfg.Timeout)
	srv.pid = 0
	pid, err := srv.readU32(deadline)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return e.timedOut(time.Since(start))
		}
		return nil, respawnf("status", "failed to read child pid: %w", err)
	}
	if int32(pid) <= 0 {
		return nil, fatalf("status", "forkserver is misconfigured, child pid %v", int32(pid))
	}
	srv.pid = int(int32(pid))
	e.awaitStatus(deadline)
	status, err := srv.readU32(deadline)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return e.timedOut(elapsed)
		}
		return e.serverDied(elapsed, err)
	}
	if err := e.transition(StateReady); err != nil {
		return nil, err
	}
	e.lastTimedOut = 0
	res := &Result{
		Kind:    ExitOk,
		Status:  unix.WaitStatus(status),
		Elapsed: elapsed,
		Output:  e.drainOutput(),
	}
	if res.Status.Signaled() {
		res.Kind = ExitCrash
		e.stats.Crashes++
	}
	return res, nil
}

// serverDied handles a forkserver that exits after reporting a child pid but
// before its status. Targets that run inputs in their own process end this
// way on fatal runtime errors, so the input is reported as a crash and the
// forkserver is respawned by the next Run.
func (e *Executor) serverDied(elapsed time.Duration, cause error) (*Result, error) {
	srv := e.srv
	out := e.drainOutput()
	if err := e.shutdown(); err != nil {
		return nil, err
	}
	e.lastTimedOut = 0
	e.stats.Crashes++
	res := &Result{Kind: ExitCrash, Elapsed: elapsed, Output: out}
	if ps := srv.cmd.ProcessState; ps != nil {
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
			res.Status = unix.WaitStatus(ws)
		}
	}
	log.With(log.Fields{"pid": srv.pid, "status": cause}).Logf(1, "forkserver died while running an input")
	return res, nil
}

// timedOut kills the running child and tears the forkserver down; the next
// Run starts a new one.
func (e *Executor) timedOut(elapsed time.Duration) (*Result, error) {
	e.stats.Timeouts++
	srv := e.srv
	if srv.pid > 0 {
		if err := unix.Kill(srv.pid, e.cfg.KillSignal); err != nil && err != unix.ESRCH {
			log.Logf(1, "failed to kill child %v: %v", srv.pid, err)
		}
	}
	e.lastTimedOut = 1
	hdr := fmt.Sprintf("program hanged (timeout %v)\n\n", e.cfg.Timeout)
	out := append([]byte(hdr), e.drainOutput()...)
	log.With(log.Fields{"pid": srv.pid, "elapsed": elapsed}).Logf(2, "execution timed out")
	if err := e.shutdown(); err != nil {
		return nil, err
	}
	return &Result{Kind: ExitTimeout, Elapsed: elapsed, Output: out}, nil
}

func (e *Executor) deliver(data []byte) error {
	if e.input != nil {
		mem := e.input.Bytes()
		binary.NativeEndian.PutUint32(mem, uint32(len(data)))
		copy(mem[4:], data)
		return nil
	}
	if err := e.inFile.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate input file: %w", err)
	}
	if _, err := e.inFile.WriteAt(data, 0); err != nil {
		return fmt.Errorf("failed to write input file: %w", err)
	}
	if _, err := e.inFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind input file: %w", err)
	}
	return nil
}

// drainOutput returns whatever the target wrote since the last run without
// blocking. Only the first outputLimit bytes are kept.
func (e *Executor) drainOutput() []byte {
	e.collectOutput()
	out := e.output
	e.output = nil
	return out
}

func (e *Executor) collectOutput() {
	if e.srv == nil || e.srv.out == nil {
		return
	}
	rc, err := e.srv.out.SyscallConn()
	if err != nil {
		return
	}
	rc.Read(func(fd uintptr) bool {
		for {
			n, err := unix.Read(int(fd), e.readBuf)
			if n <= 0 || err != nil {
				return true
			}
			if room := outputLimit - len(e.output); room > 0 {
				e.output = append(e.output, e.readBuf[:min(n, room)]...)
			}
		}
	})
}

// awaitStatus blocks until the status pipe is readable or the deadline
// passes. Target output is collected meanwhile, otherwise a target writing
// more than the pipe capacity would stall and look like a hang.
func (e *Executor) awaitStatus(deadline time.Time) {
	srv := e.srv
	if srv.out == nil {
		return
	}
	stFD, outFD := rawFD(srv.st), rawFD(srv.out)
	if stFD < 0 || outFD < 0 {
		return
	}
	fds := []unix.PollFd{
		{Fd: int32(stFD), Events: unix.POLLIN},
		{Fd: int32(outFD), Events: unix.POLLIN},
	}
	for {
		timeout := time.Until(deadline)
		if timeout <= 0 {
			return
		}
		fds[0].Revents, fds[1].Revents = 0, 0
		n, err := unix.Poll(fds, int(timeout/time.Millisecond)+1)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 || fds[0].Revents != 0 {
			return
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			e.collectOutput()
		}
		if fds[1].Revents&^unix.POLLIN != 0 {
			// The target closed its output; poll ignores negative fds.
			fds[1].Fd = -1
		}
	}
}

// rawFD returns the descriptor of f without switching it to blocking mode
// as f.Fd would.
func rawFD(f *os.File) int {
	rc, err := f.SyscallConn()
	if err != nil {
		return -1
	}
	res := -1
	rc.Control(func(fd uintptr) {
		res = int(fd)
	})
	return res
}

// shutdown kills the forkserver and releases its pipes.
func (e *Executor) shutdown() error {
	srv := e.srv
	e.srv = nil
	if srv != nil {
		srv.close()
	}
	if e.state == StateUninitialized || e.state == StateTerminated {
		return nil
	}
	return e.transition(StateUninitialized)
}

// Close stops the forkserver and releases all resources.
func (e *Executor) Close() error {
	if e.state == StateTerminated {
		return nil
	}
	e.shutdown()
	e.transition(StateTerminated)
	var errs []error
	if err := e.cover.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.input.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.inFile != nil {
		e.inFile.Close()
		if err := os.Remove(e.inFile.Name()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (srv *server) readU32(deadline time.Time) (uint32, error) {
	if err := srv.st.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	if _, err := io.ReadFull(srv.st, srv.buf[:]); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint32(srv.buf[:]), nil
}

func (srv *server) writeU32(v uint32) error {
	binary.NativeEndian.PutUint32(srv.buf[:], v)
	_, err := srv.ctl.Write(srv.buf[:])
	return err
}

func (srv *server) close() {
	// The forkserver runs in its own process group, take any stray children with it.
	unix.Kill(-srv.cmd.Process.Pid, unix.SIGKILL)
	srv.cmd.Process.Kill() // it is probably already dead, but kill it again to be sure
	if err := srv.cmd.Wait(); err != nil {
		log.Logf(2, "forkserver exited: %v", err)
	}
	srv.ctl.Close()
	srv.st.Close()
	if srv.out != nil {
		srv.out.Close()
	}
}
