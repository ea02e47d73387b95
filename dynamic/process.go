// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package dynamic

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/google/capstrace/capability"
	"github.com/google/capstrace/function"
	"github.com/google/capstrace/graph"
	"github.com/google/capstrace/report"
)

// ProcessFindError reports an event for a pid with no active state.
type ProcessFindError struct {
	Pid int
}

func (e ProcessFindError) Error() string {
	return fmt.Sprintf("cannot find active process: %d", e.Pid)
}

// Exec records one exec performed by a process.  Only the command path ends
// up in the report; argv and envp are retained for diagnostics.
type Exec struct {
	Command string
	Argv    []string
	Envp    []string
}

// State is the per-process model the tracer maintains: working directory,
// typed descriptor table, exec history, and the accumulating function map,
// call graph, and capability set.
type State struct {
	pid             int
	wd              string
	fds             map[int]FdMeta
	execs           []Exec
	waitingForStart bool

	functions *function.FunctionMap
	callGraph *graph.CallGraph
	caps      map[capability.Capability]struct{}
}

func newState(pid int, wd string, waitingForStart bool) *State {
	return &State{
		pid:             pid,
		wd:              wd,
		fds:             make(map[int]FdMeta),
		waitingForStart: waitingForStart,
		functions:       function.NewFunctionMap(),
		callGraph:       graph.New(),
		caps:            make(map[capability.Capability]struct{}),
	}
}

// Pid returns the process ID this state models.
func (s *State) Pid() int { return s.pid }

// AddEdge records a call edge between function indices.
func (s *State) AddEdge(caller, callee int) {
	s.callGraph.AddEdge(caller, callee, nil)
}

// AddExec appends to the exec history.
func (s *State) AddExec(exec Exec) {
	s.execs = append(s.execs, exec)

	// Exec closes every descriptor marked CLOEXEC.
	for fd, meta := range s.fds {
		if meta.IsCloexec() {
			delete(s.fds, fd)
		}
	}
}

// Close removes a descriptor from the table.
func (s *State) Close(fd int) {
	delete(s.fds, fd)
}

// CloseRange removes every descriptor in [first, last].
func (s *State) CloseRange(first, last int) {
	for fd := range s.fds {
		if fd >= first && fd <= last {
			delete(s.fds, fd)
		}
	}
}

// ExtendCaps merges capabilities into the process-level set.
func (s *State) ExtendCaps(caps map[capability.Capability]struct{}) {
	for c := range caps {
		s.caps[c] = struct{}{}
	}
}

// GetFd returns the metadata recorded for a descriptor.
func (s *State) GetFd(fd int) (FdMeta, bool) {
	meta, ok := s.fds[fd]
	return meta, ok
}

// InferFd recovers a descriptor's metadata from procfs and records it.
func (s *State) InferFd(fd int, procfs Procfs) (FdMeta, error) {
	meta, err := procfs.FdMeta(s.pid, fd)
	if err != nil {
		return FdMeta{}, err
	}
	s.fds[fd] = meta
	return meta, nil
}

// InsertFd records a descriptor's metadata.
func (s *State) InsertFd(fd int, meta FdMeta) {
	s.fds[fd] = meta
}

// IsWaitingForStart reports whether attribution is still suppressed because
// _start has not been observed.
func (s *State) IsWaitingForStart() bool { return s.waitingForStart }

// StartSeen marks that the _start frame has been observed.
func (s *State) StartSeen() { s.waitingForStart = false }

// Resolve joins a path with the process's working directory.
func (s *State) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.wd, path)
}

// SetWorkingDirectory records a successful chdir.
func (s *State) SetWorkingDirectory(path string) {
	s.wd = path
}

// WorkingDirectory returns the process's working directory.
func (s *State) WorkingDirectory() string { return s.wd }

// UpsertFunction records a function under its mangled name.
func (s *State) UpsertFunction(mangled string, fn report.Function) int {
	return s.functions.Upsert(mangled, fn)
}

// Functions exposes the function table for capability insertion.
func (s *State) Functions() *function.FunctionMap { return s.functions }

// IntoProcess converts the state to its report form.  The path is the first
// exec the process performed, or empty if it never exec'd.
func (s *State) IntoProcess() report.Process {
	path := ""
	if len(s.execs) > 0 {
		path = s.execs[0].Command
	}
	return report.Process{
		Path:         path,
		Capabilities: s.caps,
		Functions:    s.functions.Functions(),
		Edges:        s.callGraph.Edges(),
	}
}

// Map holds the state of every process in the traced tree.  Exited processes
// move to the inactive list so the final report can still include them; the
// init process stays put because it is the root of the report.
type Map struct {
	active   map[int]*State
	inactive []*State

	includeBeforeStart bool
	initPid            int
}

// NewMap returns a process map seeded with the init process.
func NewMap(initPid int, initExec Exec, initWd string, includeBeforeStart bool) *Map {
	initState := newState(initPid, initWd, !includeBeforeStart)
	initState.execs = append(initState.execs, initExec)
	return &Map{
		active:             map[int]*State{initPid: initState},
		includeBeforeStart: includeBeforeStart,
		initPid:            initPid,
	}
}

// GetActive returns the state for an active pid.
func (m *Map) GetActive(pid int) (*State, bool) {
	state, ok := m.active[pid]
	return state, ok
}

// Spawn creates the child's state from the parent's: the working directory
// is inherited, along with every descriptor not marked CLOEXEC.
func (m *Map) Spawn(parent, child int) error {
	parentState, ok := m.active[parent]
	if !ok {
		return ProcessFindError{Pid: parent}
	}

	childState := newState(child, parentState.wd, !m.includeBeforeStart)
	for fd, meta := range parentState.fds {
		if !meta.IsCloexec() {
			childState.fds[fd] = meta
		}
	}
	m.active[child] = childState
	return nil
}

// Exit moves a process to the inactive list.  The init pid's state is kept
// active; it is the root of the report.
func (m *Map) Exit(pid int) {
	if pid == m.initPid {
		return
	}
	if state, ok := m.active[pid]; ok {
		delete(m.active, pid)
		m.inactive = append(m.inactive, state)
	}
}

// IntoReport assembles the final report, optionally with child processes.
func (m *Map) IntoReport(includeChildren bool) (*report.Report, error) {
	initState, ok := m.active[m.initPid]
	if !ok {
		return nil, ProcessFindError{Pid: m.initPid}
	}
	delete(m.active, m.initPid)

	rep := &report.Report{Process: initState.IntoProcess()}
	if includeChildren {
		pids := make([]int, 0, len(m.active))
		for pid := range m.active {
			pids = append(pids, pid)
		}
		sort.Ints(pids)
		for _, pid := range pids {
			rep.Children = append(rep.Children, m.active[pid].IntoProcess())
		}
		for _, state := range m.inactive {
			rep.Children = append(rep.Children, state.IntoProcess())
		}
	}
	return rep, nil
}
