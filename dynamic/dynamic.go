// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package dynamic traces a process tree, maps every successful syscall to
// capabilities, and attributes those capabilities to the functions on the
// stack at the time of the call.
package dynamic

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/google/capstrace/capability"
	"github.com/google/capstrace/dynamic/tracer"
	"github.com/google/capstrace/dynamic/unwind"
	"github.com/google/capstrace/function"
	"github.com/google/capstrace/report"
	"github.com/google/capstrace/syscalls"
)

// Options configure a dynamic analysis run.
type Options struct {
	// IncludeChildren adds traced child processes to the report.
	IncludeChildren bool
	// IncludeBeforeStart attributes frames observed before _start.  By
	// default such frames only contribute to process-level capability
	// aggregation.
	IncludeBeforeStart bool
	// IncludeSyscalls records syscall names on the directly attributed
	// functions.
	IncludeSyscalls bool
	// LookupLocations resolves function source locations from debug info.
	// This tends to have a significant performance impact.
	LookupLocations bool
	// SyscallMap overrides the builtin syscall capability table.
	SyscallMap *syscalls.Map
}

// Run traces argv[0] with the remaining arguments and returns the report
// plus the tracee's exit code, when it has one.
func Run(argv []string, opts Options) (*report.Report, *int, error) {
	if len(argv) == 0 {
		return nil, nil, fmt.Errorf("cannot get argv[0]")
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, nil, fmt.Errorf("cannot get current working directory: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	t, err := tracer.New(cmd)
	if err != nil {
		return nil, nil, err
	}
	defer t.Close()

	forwarder := SpawnSignalForwarder(t.RootPid())
	defer forwarder.Close()

	global := NewGlobalState(
		t.RootPid(),
		Exec{Command: argv[0], Argv: argv[1:]},
		wd,
		opts,
	)
	global.Trace(t)

	rep, err := global.IntoReport()
	if err != nil {
		return nil, nil, err
	}
	return rep, t.ExitStatus(), nil
}

// GlobalState is the single-threaded state machine driving a trace.
type GlobalState struct {
	processes *Map
	opts      Options
	procfs    Procfs
	table     *syscalls.Map

	// entryMeta pairs syscall entries with their exits, keyed by pid; the
	// kernel guarantees at most one in-flight syscall per thread.
	entryMeta map[int]SyscallMeta

	// addressSpaces reuses symbol tables across events for unwind caching.
	// Entries are dropped when their pid is reaped.
	addressSpaces map[int]*unwind.AddressSpace

	locations Lookup

	// warnedSyscalls suppresses repeated map-miss warnings per name.
	warnedSyscalls map[string]struct{}
}

// NewGlobalState builds the state machine for a tree rooted at initPid.
func NewGlobalState(initPid int, initExec Exec, initWd string, opts Options) *GlobalState {
	table := opts.SyscallMap
	if table == nil {
		table = syscalls.Builtin()
	}
	locations := DisabledLookup()
	if opts.LookupLocations {
		locations = EnabledLookup()
	}
	return &GlobalState{
		processes:      NewMap(initPid, initExec, initWd, opts.IncludeBeforeStart),
		opts:           opts,
		procfs:         DefaultProcfs(),
		table:          table,
		entryMeta:      make(map[int]SyscallMeta),
		addressSpaces:  make(map[int]*unwind.AddressSpace),
		locations:      locations,
		warnedSyscalls: make(map[string]struct{}),
	}
}

// Trace consumes the tracer's event stream until it ends.  Per-event errors
// are logged and the loop continues; a noisy process should still yield a
// report.
func (g *GlobalState) Trace(t *tracer.Tracer) {
	for {
		event, err := t.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			logrus.WithError(err).Error("tracer error")
			continue
		}
		if err := g.HandleEvent(event, t); err != nil {
			logrus.WithError(err).Debug("error handling event")
		}
	}
}

// HandleEvent dispatches one event into the state machine.
func (g *GlobalState) HandleEvent(event tracer.Event, t *tracer.Tracer) error {
	switch event := event.(type) {
	case tracer.Clone:
		return g.processes.Spawn(event.Parent, event.Child)
	case tracer.Exited:
		g.processes.Exit(event.Process)
		delete(g.addressSpaces, event.Process)
		delete(g.entryMeta, event.Process)
		return nil
	case tracer.SyscallEntry:
		return g.handleSyscallEntry(event, t)
	case tracer.SyscallExit:
		if event.IsError() {
			return nil
		}
		return g.handleSyscallExit(event, t)
	default:
		return nil
	}
}

func (g *GlobalState) handleSyscallEntry(event tracer.SyscallEntry, t *tracer.Tracer) error {
	state, ok := g.processes.GetActive(event.Pid())
	if !ok {
		return ProcessFindError{Pid: event.Pid()}
	}
	meta, err := Classify(state, event, t, g.procfs)
	if err != nil {
		return err
	}
	g.entryMeta[event.Pid()] = meta
	return nil
}

func (g *GlobalState) handleSyscallExit(event tracer.SyscallExit, t *tracer.Tracer) error {
	pid := event.Pid()
	meta, ok := g.entryMeta[pid]
	if !ok {
		return SyscallMetaMissingError{Pid: pid}
	}
	delete(g.entryMeta, pid)

	state, ok := g.processes.GetActive(pid)
	if !ok {
		return ProcessFindError{Pid: pid}
	}

	caps, err := meta.Apply(state, event.ReturnValue(), g.procfs, g.table)
	if err != nil {
		var miss SyscallMissingFromMapError
		if errors.As(err, &miss) {
			if _, warned := g.warnedSyscalls[miss.Syscall]; !warned {
				g.warnedSyscalls[miss.Syscall] = struct{}{}
				logrus.WithField("syscall", miss.Syscall).Warn("cannot find syscall in syscall capability map")
			}
		}
		return err
	}

	// Even if the stack walk fails, minimally update the overall set of
	// capabilities.
	state.ExtendCaps(caps)

	frames, err := g.walkStack(pid, t, event)
	if err != nil {
		return err
	}

	g.attribute(state, frames, caps, meta.Name)
	return nil
}

// walkStack unwinds the stopped tracee, reusing its cached address space.
func (g *GlobalState) walkStack(pid int, t *tracer.Tracer, event tracer.SyscallExit) ([]unwind.Frame, error) {
	space, ok := g.addressSpaces[pid]
	if !ok {
		var err error
		space, err = unwind.NewAddressSpace(pid)
		if err != nil {
			return nil, err
		}
		g.addressSpaces[pid] = space
	}
	return space.Walk(ptraceAccessors{tracer: t, ip: event.Regs.Rip, bp: event.Regs.Rbp})
}

// ptraceAccessors adapts the tracer's memory reads and the exit event's
// registers to the unwinder.
type ptraceAccessors struct {
	tracer *tracer.Tracer
	ip, bp uint64
}

func (a ptraceAccessors) Registers(int) (uint64, uint64, error) {
	return a.ip, a.bp, nil
}

func (a ptraceAccessors) ReadWord(pid int, addr uint64) (uint64, error) {
	return a.tracer.ReadWord(pid, addr)
}

// attribute assigns the syscall's capabilities to the named stack frames:
// the innermost named frame directly, every ancestor transitively, with
// call-graph edges mirroring the call direction.  Frames with no covering
// procedure are skipped.  Attribution is suppressed until _start has been
// seen, but seeing _start anywhere in this stack lifts the suppression for
// this very event.
func (g *GlobalState) attribute(state *State, frames []unwind.Frame, caps map[capability.Capability]struct{}, syscallName string) {
	var named []unwind.Frame
	for _, frame := range frames {
		if !frame.Named() {
			continue
		}
		if frame.Name == "_start" {
			state.StartSeen()
		}
		named = append(named, frame)
	}

	if state.IsWaitingForStart() {
		return
	}

	childIdx := -1
	for _, frame := range named {
		// The first named frame is the direct attributee; anything higher in
		// the stack is transitive.
		ty := capability.TypeDirect
		if childIdx >= 0 {
			ty = capability.TypeTransitive
		}

		name, err := function.ParseMangled(frame.Name)
		if err != nil {
			logrus.WithError(err).WithField("name", frame.Name).Error("error parsing function name")
			continue
		}

		fn := report.NewFunction(name, g.locations.Lookup(state.Pid(), frame.Name))
		idx := state.UpsertFunction(frame.Name, fn)
		entry := state.Functions().At(idx)
		for c := range caps {
			entry.InsertCapability(c, ty)
		}
		if g.opts.IncludeSyscalls && ty == capability.TypeDirect {
			entry.InsertSyscall(syscallName)
		}

		if childIdx >= 0 {
			state.AddEdge(idx, childIdx)
		}
		childIdx = idx
	}
}

// IntoReport assembles the final report.
func (g *GlobalState) IntoReport() (*report.Report, error) {
	return g.processes.IntoReport(g.opts.IncludeChildren)
}
