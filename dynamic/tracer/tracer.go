// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package tracer turns a ptrace-supervised process tree into a stream of
// events: clones, exits, and syscall entry/exit pairs with access to the
// stopped tracee's registers and memory.
//
// The consumer drives the stream with Next.  The tracee that produced the
// most recent event stays stopped until the following Next call, so the
// consumer can read its memory and walk its stack while handling the event.
package tracer

import (
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

// Event is one observation from the traced process tree.
type Event interface {
	// Pid is the id of the traced task (process or thread) that stopped;
	// for Clone it is the parent.
	Pid() int
}

// Clone reports that Parent created Child (fork, vfork or clone).
type Clone struct {
	Parent int
	Child  int
}

// Pid implements Event.
func (e Clone) Pid() int { return e.Parent }

// Exited reports that a tracee left the tree.
type Exited struct {
	Process int
	Status  unix.WaitStatus
}

// Pid implements Event.
func (e Exited) Pid() int { return e.Process }

// SyscallEntry reports a tracee stopped on the way into the kernel.
type SyscallEntry struct {
	Process int
	Regs    unix.PtraceRegs
}

// Pid implements Event.
func (e SyscallEntry) Pid() int { return e.Process }

// Syscall returns the name of the syscall being entered.
func (e SyscallEntry) Syscall() string { return SyscallName(e.Regs.Orig_rax) }

// Args returns the six syscall argument registers.
func (e SyscallEntry) Args() [6]uint64 {
	return [6]uint64{e.Regs.Rdi, e.Regs.Rsi, e.Regs.Rdx, e.Regs.R10, e.Regs.R8, e.Regs.R9}
}

// SyscallExit reports a tracee stopped on the way out of the kernel.
type SyscallExit struct {
	Process int
	Regs    unix.PtraceRegs
}

// Pid implements Event.
func (e SyscallExit) Pid() int { return e.Process }

// Syscall returns the name of the syscall being exited.
func (e SyscallExit) Syscall() string { return SyscallName(e.Regs.Orig_rax) }

// ReturnValue returns the raw syscall return value.
func (e SyscallExit) ReturnValue() int64 { return int64(e.Regs.Rax) }

// IsError reports whether the return value is a kernel error (-errno).
func (e SyscallExit) IsError() bool {
	v := e.ReturnValue()
	return v < 0 && v > -4096
}

// Tracer supervises one command and every process it spawns.
type Tracer struct {
	root     int
	phase    map[int]bool // pid -> currently inside a syscall
	tracees  map[int]struct{}
	pending  int // stopped pid to resume on the next Next call, or 0
	signal   int // signal to deliver when resuming pending
	rootExit *int
}

const traceOptions = unix.PTRACE_O_TRACESYSGOOD |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK

// New starts cmd under ptrace and returns a Tracer for it.  The calling
// goroutine is locked to its OS thread for the lifetime of the trace:
// ptrace requests must come from the thread that attached.
func New(cmd *exec.Cmd) (*Tracer, error) {
	runtime.LockOSThread()
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Ptrace = true

	if err := cmd.Start(); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("spawning command: %w", err)
	}
	pid := cmd.Process.Pid

	// The child stops with SIGTRAP at its first exec.
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("waiting for initial stop: %w", err)
	}
	if err := unix.PtraceSetOptions(pid, traceOptions); err != nil {
		return nil, fmt.Errorf("setting trace options: %w", err)
	}

	return &Tracer{
		root:    pid,
		phase:   make(map[int]bool),
		tracees: map[int]struct{}{pid: {}},
		pending: pid,
	}, nil
}

// RootPid returns the pid of the command the trace was started from.
func (t *Tracer) RootPid() int { return t.root }

// ExitStatus returns the root process's exit code once it has exited.
func (t *Tracer) ExitStatus() *int { return t.rootExit }

// Next resumes the previously stopped tracee, waits for the next stop in the
// tree, and returns it as an Event.  It returns io.EOF once every tracee has
// exited.
func (t *Tracer) Next() (Event, error) {
	if t.pending != 0 {
		pid, sig := t.pending, t.signal
		t.pending, t.signal = 0, 0
		if err := unix.PtraceSyscall(pid, sig); err != nil && err != unix.ESRCH {
			return nil, fmt.Errorf("resuming pid %d: %w", pid, err)
		}
	}

	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err == unix.ECHILD {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("waiting for tracees: %w", err)
		}

		switch {
		case ws.Exited() || ws.Signaled():
			delete(t.tracees, pid)
			delete(t.phase, pid)
			if pid == t.root {
				code := ws.ExitStatus()
				if ws.Signaled() {
					code = 128 + int(ws.Signal())
				}
				t.rootExit = &code
			}
			return Exited{Process: pid, Status: ws}, nil

		case ws.Stopped():
			event, resume, err := t.classifyStop(pid, ws)
			if err != nil {
				return nil, err
			}
			if event != nil {
				t.pending = pid
				t.signal = resume
				return event, nil
			}
			// Uninteresting stop; resume immediately and keep waiting.
			if err := unix.PtraceSyscall(pid, resume); err != nil && err != unix.ESRCH {
				return nil, fmt.Errorf("resuming pid %d: %w", pid, err)
			}

		default:
			// Continued or unknown; nothing to do.
		}
	}
}

// classifyStop decides what kind of stop this is.  It returns a nil event
// for stops the consumer does not care about, and the signal to deliver when
// the tracee is resumed.
func (t *Tracer) classifyStop(pid int, ws unix.WaitStatus) (Event, int, error) {
	if _, known := t.tracees[pid]; !known {
		// First sight of a freshly cloned child: it inherits our options;
		// swallow its initial stop.
		t.tracees[pid] = struct{}{}
		return nil, 0, nil
	}

	sig := ws.StopSignal()
	switch {
	case sig == unix.SIGTRAP|0x80:
		// Syscall stop (TRACESYSGOOD).
		var regs unix.PtraceRegs
		if err := unix.PtraceGetRegs(pid, &regs); err != nil {
			return nil, 0, fmt.Errorf("reading registers for pid %d: %w", pid, err)
		}
		inSyscall := t.phase[pid]
		t.phase[pid] = !inSyscall
		if inSyscall {
			return SyscallExit{Process: pid, Regs: regs}, 0, nil
		}
		return SyscallEntry{Process: pid, Regs: regs}, 0, nil

	case sig == unix.SIGTRAP && ws.TrapCause() != 0:
		switch ws.TrapCause() {
		case unix.PTRACE_EVENT_CLONE, unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK:
			child, err := unix.PtraceGetEventMsg(pid)
			if err != nil {
				return nil, 0, fmt.Errorf("reading clone event for pid %d: %w", pid, err)
			}
			t.tracees[int(child)] = struct{}{}
			return Clone{Parent: pid, Child: int(child)}, 0, nil
		default:
			return nil, 0, nil
		}

	case sig == unix.SIGTRAP:
		// Exec or spurious trap; not an event.
		return nil, 0, nil

	default:
		// Signal-delivery stop: forward the signal.
		return nil, int(sig), nil
	}
}

// ReadBytes copies length bytes from the stopped tracee's memory at addr.
func (t *Tracer) ReadBytes(pid int, addr uint64, length int) ([]byte, error) {
	buf := make([]byte, length)
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(length)}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: length}}
	n, err := unix.ProcessVMReadv(pid, local, remote, 0)
	if err == nil {
		return buf[:n], nil
	}

	// process_vm_readv can be unavailable (seccomp, YAMA); fall back to
	// word-at-a-time PTRACE_PEEKDATA.
	n, err = unix.PtracePeekData(pid, uintptr(addr), buf)
	if err != nil {
		return nil, fmt.Errorf("reading %d bytes at %#x from pid %d: %w", length, addr, pid, err)
	}
	return buf[:n], nil
}

// ReadWord reads one machine word from the stopped tracee's memory.
func (t *Tracer) ReadWord(pid int, addr uint64) (uint64, error) {
	data, err := t.ReadBytes(pid, addr, 8)
	if err != nil {
		return 0, err
	}
	if len(data) < 8 {
		return 0, fmt.Errorf("short read at %#x from pid %d", addr, pid)
	}
	return binary.LittleEndian.Uint64(data), nil
}

// maxStringLen bounds string reads; paths and argv entries are far shorter.
const maxStringLen = 4096

// ReadString reads a NUL-terminated string from the stopped tracee's memory.
func (t *Tracer) ReadString(pid int, addr uint64) (string, error) {
	var out []byte
	for len(out) < maxStringLen {
		chunk, err := t.ReadBytes(pid, addr+uint64(len(out)), 64)
		if err != nil {
			if len(out) > 0 {
				// The string may end exactly at a page boundary.
				return string(out), nil
			}
			return "", err
		}
		for i, b := range chunk {
			if b == 0 {
				return string(append(out, chunk[:i]...)), nil
			}
		}
		out = append(out, chunk...)
	}
	return string(out[:maxStringLen]), nil
}

// maxStringArray bounds argv/envp reads.
const maxStringArray = 1024

// ReadStringArray reads a NULL-terminated array of string pointers from the
// stopped tracee's memory.
func (t *Tracer) ReadStringArray(pid int, addr uint64) ([]string, error) {
	var out []string
	for len(out) < maxStringArray {
		ptr, err := t.ReadWord(pid, addr+uint64(8*len(out)))
		if err != nil {
			return nil, err
		}
		if ptr == 0 {
			return out, nil
		}
		s, err := t.ReadString(pid, ptr)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ReadStruct copies a fixed-size structure from the stopped tracee's memory
// at addr into the given buffer.
func (t *Tracer) ReadStruct(pid int, addr uint64, buf []byte) error {
	data, err := t.ReadBytes(pid, addr, len(buf))
	if err != nil {
		return err
	}
	if len(data) < len(buf) {
		return fmt.Errorf("short struct read at %#x from pid %d", addr, pid)
	}
	copy(buf, data)
	return nil
}

// Close detaches from anything still traced and unlocks the OS thread.
func (t *Tracer) Close() {
	for pid := range t.tracees {
		unix.PtraceDetach(pid)
	}
	runtime.UnlockOSThread()
}
