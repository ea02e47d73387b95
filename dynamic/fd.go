// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package dynamic

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// FdKind classifies what a file descriptor refers to.
type FdKind int

const (
	FdUnknown FdKind = iota
	FdBlock
	FdChar
	FdDirectory
	FdFifo
	FdFile
	FdSocket
	FdSocketInode
)

func (k FdKind) String() string {
	switch k {
	case FdBlock:
		return "block"
	case FdChar:
		return "char"
	case FdDirectory:
		return "directory"
	case FdFifo:
		return "fifo"
	case FdFile:
		return "file"
	case FdSocket:
		return "socket"
	case FdSocketInode:
		return "socket-inode"
	default:
		return "unknown"
	}
}

// FdType is the typed identity of a file descriptor.  Which fields are
// meaningful depends on Kind: Path for block/char/directory/file, Domain and
// SockType for sockets created in-trace, Inode for sockets recovered from
// procfs.
type FdType struct {
	Kind     FdKind
	Path     string
	Domain   int
	SockType int
	Inode    uint64
}

// FileFd returns the type of a descriptor opened on a regular file path.
func FileFd(path string) FdType { return FdType{Kind: FdFile, Path: path} }

// DirectoryFd returns the type of a descriptor opened on a directory.
func DirectoryFd(path string) FdType { return FdType{Kind: FdDirectory, Path: path} }

// FifoFd returns the type of a pipe descriptor.
func FifoFd() FdType { return FdType{Kind: FdFifo} }

// SocketFd returns the type of a socket created with the given domain and
// type.
func SocketFd(domain, sockType int) FdType {
	return FdType{Kind: FdSocket, Domain: domain, SockType: sockType}
}

func (t FdType) String() string {
	switch t.Kind {
	case FdBlock, FdChar, FdDirectory, FdFile:
		return fmt.Sprintf("%s(%s)", t.Kind, t.Path)
	case FdSocket:
		return fmt.Sprintf("socket(domain=%d, type=%d)", t.Domain, t.SockType)
	case FdSocketInode:
		return fmt.Sprintf("socket-inode(%d)", t.Inode)
	default:
		return t.Kind.String()
	}
}

// FdMeta is one entry in a process's file descriptor table.
type FdMeta struct {
	Flags int
	Type  FdType
}

// IsCloexec reports whether the descriptor closes across exec, which also
// controls whether a clone inherits it into our model of the child.
func (m FdMeta) IsCloexec() bool {
	return m.Flags&unix.O_CLOEXEC != 0
}

// ProcfsFdinfoError reports a failure to read or parse
// /proc/<pid>/fdinfo/<fd>.
type ProcfsFdinfoError struct {
	Pid int
	Fd  int
	Err error
}

func (e ProcfsFdinfoError) Error() string {
	return fmt.Sprintf("cannot read FD info %d for PID %d in procfs: %v", e.Fd, e.Pid, e.Err)
}

func (e ProcfsFdinfoError) Unwrap() error { return e.Err }

// ProcfsFdinfoMissingError reports an fdinfo file without a flags line.
type ProcfsFdinfoMissingError struct {
	Pid int
	Fd  int
}

func (e ProcfsFdinfoMissingError) Error() string {
	return fmt.Sprintf("flags missing in FD info %d for PID %d", e.Fd, e.Pid)
}

// ProcfsFdError reports an unreadable /proc/<pid>/fd/<fd> link.
type ProcfsFdError struct {
	Pid int
	Fd  int
	Err error
}

func (e ProcfsFdError) Error() string {
	return fmt.Sprintf("cannot read FD %d for PID %d in procfs: %v", e.Fd, e.Pid, e.Err)
}

func (e ProcfsFdError) Unwrap() error { return e.Err }

// Procfs infers descriptor metadata for descriptors the trace did not see
// being created.  The filesystem and link operations are injectable so the
// inference is testable without a live /proc.
type Procfs struct {
	FS           afero.Fs
	Readlink     func(path string) (string, error)
	Canonicalize func(path string) (string, error)
	Stat         func(path string) (os.FileInfo, error)
}

// DefaultProcfs reads the host's /proc.
func DefaultProcfs() Procfs {
	return Procfs{
		FS:           afero.NewOsFs(),
		Readlink:     os.Readlink,
		Canonicalize: filepath.EvalSymlinks,
		Stat:         os.Stat,
	}
}

// FdMeta reconstructs a descriptor's flags and type from procfs.
func (p Procfs) FdMeta(pid, fd int) (FdMeta, error) {
	flags, found, err := p.fdFlags(pid, fd)
	if err != nil {
		return FdMeta{}, err
	}
	if !found {
		return FdMeta{}, ProcfsFdinfoMissingError{Pid: pid, Fd: fd}
	}

	target, err := p.Readlink(fmt.Sprintf("/proc/%d/fd/%d", pid, fd))
	if err != nil {
		return FdMeta{}, ProcfsFdError{Pid: pid, Fd: fd, Err: err}
	}

	return FdMeta{Flags: flags, Type: p.typeFromLinkTarget(target)}, nil
}

// fdFlags parses the octal flags: line of /proc/<pid>/fdinfo/<fd>.
func (p Procfs) fdFlags(pid, fd int) (flags int, found bool, err error) {
	data, err := afero.ReadFile(p.FS, fmt.Sprintf("/proc/%d/fdinfo/%d", pid, fd))
	if err != nil {
		return 0, false, ProcfsFdinfoError{Pid: pid, Fd: fd, Err: err}
	}
	for _, line := range strings.Split(string(data), "\n") {
		value, ok := strings.CutPrefix(line, "flags:")
		if !ok {
			continue
		}
		parsed, err := strconv.ParseInt(strings.TrimSpace(value), 8, 64)
		if err != nil {
			return 0, false, ProcfsFdinfoError{Pid: pid, Fd: fd, Err: err}
		}
		return int(parsed), true, nil
	}
	return 0, false, nil
}

// typeFromLinkTarget classifies the target of a /proc/<pid>/fd symlink.
func (p Procfs) typeFromLinkTarget(target string) FdType {
	// If this points to a real file on the filesystem, look at what type of
	// file that is.
	if path, err := p.Canonicalize(target); err == nil {
		if info, err := p.Stat(path); err == nil {
			mode := info.Mode()
			switch {
			case mode.IsDir():
				return DirectoryFd(path)
			case mode.IsRegular():
				return FileFd(path)
			case mode&fs.ModeCharDevice != 0:
				return FdType{Kind: FdChar, Path: path}
			case mode&fs.ModeDevice != 0:
				return FdType{Kind: FdBlock, Path: path}
			case mode&fs.ModeNamedPipe != 0:
				return FifoFd()
			default:
				return FdType{Kind: FdUnknown}
			}
		}
	}

	// Handle the common pseudo-targets by name.
	if rest, ok := strings.CutPrefix(target, "socket:["); ok {
		if inodeStr, ok := strings.CutSuffix(rest, "]"); ok {
			if inode, err := strconv.ParseUint(inodeStr, 10, 64); err == nil {
				return FdType{Kind: FdSocketInode, Inode: inode}
			}
		}
	}
	if strings.HasPrefix(target, "pipe:[") {
		return FifoFd()
	}

	return FdType{Kind: FdUnknown}
}
