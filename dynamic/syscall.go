// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package dynamic

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/google/capstrace/capability"
	"github.com/google/capstrace/dynamic/tracer"
	"github.com/google/capstrace/syscalls"
)

// memoryReader is the slice of the tracer used for syscall argument capture.
type memoryReader interface {
	ReadString(pid int, addr uint64) (string, error)
	ReadStringArray(pid int, addr uint64) ([]string, error)
	ReadStruct(pid int, addr uint64, buf []byte) error
}

// SyscallMetaMissingError reports a syscall exit with no matching entry
// record.
type SyscallMetaMissingError struct {
	Pid int
}

func (e SyscallMetaMissingError) Error() string {
	return fmt.Sprintf("syscall metadata missing for pid %d", e.Pid)
}

// SyscallMissingFromMapError reports a syscall name absent from the
// capability map.
type SyscallMissingFromMapError struct {
	Syscall string
}

func (e SyscallMissingFromMapError) Error() string {
	return fmt.Sprintf("syscall missing in syscall capability map: %s", e.Syscall)
}

// ResolveError reports a relative path whose dirfd does not refer to a
// directory we can join against.
type ResolveError struct {
	Pid  int
	Fd   int
	Path string
}

func (e ResolveError) Error() string {
	return fmt.Sprintf("cannot resolve path relative to PID %d FD %d: %q", e.Pid, e.Fd, e.Path)
}

// SocketTypeUnknownError reports a socket() type argument outside the known
// SOCK_* values.
type SocketTypeUnknownError struct {
	Type int
}

func (e SocketTypeUnknownError) Error() string {
	return fmt.Sprintf("socket type unknown: %d", e.Type)
}

type typedKind int

const (
	typedNone typedKind = iota
	typedChdir
	typedClose
	typedCloseRange
	typedExec
	typedFdCreate
	typedIoctl
)

// SyscallMeta is the typed record captured at syscall entry and applied at
// syscall exit.  Arguments have to be read on the entry side: by exit time
// the tracee may have reused the buffers they point at.
type SyscallMeta struct {
	Name string

	kind     typedKind
	path     string
	fd       int
	maxFd    int
	fdCreate FdMeta
	cmd      uint64
	argv     []string
	envp     []string
}

// Classify captures the typed record for an interesting syscall at entry.
// Syscalls outside the interesting set produce a record carrying only the
// name, which resolves through the capability map at exit.
func Classify(state *State, event tracer.SyscallEntry, mem memoryReader, procfs Procfs) (SyscallMeta, error) {
	meta := SyscallMeta{Name: event.Syscall()}
	args := event.Args()
	pid := state.Pid()

	switch meta.Name {
	case "chdir":
		path, err := mem.ReadString(pid, args[0])
		if err != nil {
			return meta, err
		}
		meta.kind = typedChdir
		meta.path = state.Resolve(path)

	case "close":
		meta.kind = typedClose
		meta.fd = int(args[0])

	case "close_range":
		meta.kind = typedCloseRange
		meta.fd = int(args[0])
		meta.maxFd = int(args[1])

	case "open":
		path, err := mem.ReadString(pid, args[0])
		if err != nil {
			return meta, err
		}
		meta.kind = typedFdCreate
		meta.fdCreate = FdMeta{Flags: int(args[1]), Type: FileFd(state.Resolve(path))}

	case "openat":
		path, err := mem.ReadString(pid, args[1])
		if err != nil {
			return meta, err
		}
		resolved, err := resolveAt(state, int(int32(args[0])), path, procfs)
		if err != nil {
			return meta, err
		}
		meta.kind = typedFdCreate
		meta.fdCreate = FdMeta{Flags: int(args[2]), Type: FileFd(resolved)}

	case "openat2":
		path, err := mem.ReadString(pid, args[1])
		if err != nil {
			return meta, err
		}
		// struct open_how is three little-endian u64s: flags, mode, resolve.
		var how [24]byte
		if err := mem.ReadStruct(pid, args[2], how[:]); err != nil {
			return meta, err
		}
		resolved, err := resolveAt(state, int(int32(args[0])), path, procfs)
		if err != nil {
			return meta, err
		}
		meta.kind = typedFdCreate
		meta.fdCreate = FdMeta{
			Flags: int(binary.LittleEndian.Uint64(how[0:8])),
			Type:  FileFd(resolved),
		}

	case "pipe":
		meta.kind = typedFdCreate
		meta.fdCreate = FdMeta{Type: FifoFd()}

	case "pipe2":
		meta.kind = typedFdCreate
		meta.fdCreate = FdMeta{Flags: int(args[1]), Type: FifoFd()}

	case "socket":
		sockType := int(args[1])
		flags := 0
		if sockType&unix.SOCK_CLOEXEC != 0 {
			flags = unix.O_CLOEXEC
		}
		base := sockType &^ (unix.SOCK_CLOEXEC | unix.SOCK_NONBLOCK)
		switch base {
		case unix.SOCK_STREAM, unix.SOCK_DGRAM, unix.SOCK_SEQPACKET, unix.SOCK_RAW, unix.SOCK_RDM, unix.SOCK_DCCP, unix.SOCK_PACKET:
		default:
			return meta, SocketTypeUnknownError{Type: sockType}
		}
		meta.kind = typedFdCreate
		meta.fdCreate = FdMeta{Flags: flags, Type: SocketFd(int(args[0]), base)}

	case "execve":
		if err := captureExec(&meta, state, mem, args[0], args[1], args[2]); err != nil {
			return meta, err
		}

	case "execveat":
		if err := captureExec(&meta, state, mem, args[1], args[2], args[3]); err != nil {
			return meta, err
		}

	case "ioctl":
		meta.kind = typedIoctl
		meta.fd = int(args[0])
		meta.cmd = args[1]
	}

	return meta, nil
}

func captureExec(meta *SyscallMeta, state *State, mem memoryReader, pathAddr, argvAddr, envpAddr uint64) error {
	pid := state.Pid()
	path, err := mem.ReadString(pid, pathAddr)
	if err != nil {
		return err
	}
	argv, err := mem.ReadStringArray(pid, argvAddr)
	if err != nil {
		return err
	}
	envp, err := mem.ReadStringArray(pid, envpAddr)
	if err != nil {
		return err
	}
	meta.kind = typedExec
	meta.path = path
	meta.argv = argv
	meta.envp = envp
	return nil
}

// resolveAt resolves a path argument relative to a dirfd the way the kernel
// would: absolute paths stand alone, AT_FDCWD joins the working directory,
// and anything else joins the directory the descriptor refers to.
func resolveAt(state *State, dirfd int, path string, procfs Procfs) (string, error) {
	if len(path) > 0 && path[0] == '/' {
		return path, nil
	}
	if dirfd == unix.AT_FDCWD {
		return state.Resolve(path), nil
	}

	meta, ok := state.GetFd(dirfd)
	if !ok {
		var err error
		meta, err = state.InferFd(dirfd, procfs)
		if err != nil {
			return "", err
		}
	}
	switch meta.Type.Kind {
	case FdDirectory, FdFile:
		return meta.Type.Path + "/" + path, nil
	default:
		return "", ResolveError{Pid: state.Pid(), Fd: dirfd, Path: path}
	}
}

// Apply performs the state mutations a successful syscall implies and
// resolves the syscall to capabilities.  Typed ioctl records dispatch on the
// descriptor type, falling back to the name-based table; everything else
// resolves by name.
func (m SyscallMeta) Apply(state *State, returnValue int64, procfs Procfs, table *syscalls.Map) (map[capability.Capability]struct{}, error) {
	switch m.kind {
	case typedChdir:
		state.SetWorkingDirectory(m.path)

	case typedClose:
		state.Close(m.fd)

	case typedCloseRange:
		state.CloseRange(m.fd, m.maxFd)

	case typedExec:
		state.AddExec(Exec{Command: m.path, Argv: m.argv, Envp: m.envp})

	case typedFdCreate:
		state.InsertFd(int(returnValue), m.fdCreate)

	case typedIoctl:
		meta, ok := state.GetFd(m.fd)
		if !ok {
			var err error
			meta, err = state.InferFd(m.fd, procfs)
			if err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"fd":  m.fd,
					"pid": state.Pid(),
				}).Warn("inferring FD")
				return m.lookupName(table)
			}
		}
		caps, err := ioctlCaps(m.cmd, meta.Type)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"fd":  m.fd,
				"pid": state.Pid(),
			}).Warn("resolving ioctl to capabilities")
			return m.lookupName(table)
		}
		return caps, nil
	}

	return m.lookupName(table)
}

func (m SyscallMeta) lookupName(table *syscalls.Map) (map[capability.Capability]struct{}, error) {
	caps, ok := table.Capabilities(m.Name)
	if !ok {
		return nil, SyscallMissingFromMapError{Syscall: m.Name}
	}
	return capSet(caps...), nil
}
