// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package dynamic

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/google/capstrace/capability"
	"github.com/google/capstrace/dynamic/tracer"
	"github.com/google/capstrace/syscalls"
)

type fakeMemory struct {
	strings map[uint64]string
	arrays  map[uint64][]string
	structs map[uint64][]byte
}

func (f *fakeMemory) ReadString(_ int, addr uint64) (string, error) {
	if s, ok := f.strings[addr]; ok {
		return s, nil
	}
	return "", errors.New("bad string address")
}

func (f *fakeMemory) ReadStringArray(_ int, addr uint64) ([]string, error) {
	if a, ok := f.arrays[addr]; ok {
		return a, nil
	}
	return nil, errors.New("bad array address")
}

func (f *fakeMemory) ReadStruct(_ int, addr uint64, buf []byte) error {
	data, ok := f.structs[addr]
	if !ok {
		return errors.New("bad struct address")
	}
	copy(buf, data)
	return nil
}

func entryEvent(nr uint64, args ...uint64) tracer.SyscallEntry {
	regs := unix.PtraceRegs{Orig_rax: nr}
	set := []*uint64{&regs.Rdi, &regs.Rsi, &regs.Rdx, &regs.R10, &regs.R8, &regs.R9}
	for i, arg := range args {
		*set[i] = arg
	}
	return tracer.SyscallEntry{Process: 1, Regs: regs}
}

func emptyProcfs(t *testing.T) Procfs {
	return fakeProcfs(t, nil, nil)
}

func TestClassifyOpenat(t *testing.T) {
	state := newState(1, "/work", false)
	mem := &fakeMemory{strings: map[uint64]string{0x100: "notes.txt"}}

	meta, err := Classify(state, entryEvent(257, uint64(uint32(unix.AT_FDCWD)), 0x100, uint64(unix.O_RDONLY|unix.O_CLOEXEC)), mem, emptyProcfs(t))
	require.NoError(t, err)

	table := syscalls.Builtin()
	caps, err := meta.Apply(state, 5, emptyProcfs(t), table)
	require.NoError(t, err)
	assert.Equal(t, capSet(capability.Files), caps)

	fd, ok := state.GetFd(5)
	require.True(t, ok)
	assert.Equal(t, FdFile, fd.Type.Kind)
	assert.Equal(t, "/work/notes.txt", fd.Type.Path)
	assert.True(t, fd.IsCloexec())
}

func TestClassifyOpenatDirfd(t *testing.T) {
	state := newState(1, "/work", false)
	state.InsertFd(7, FdMeta{Type: DirectoryFd("/etc")})
	mem := &fakeMemory{strings: map[uint64]string{0x100: "passwd"}}

	meta, err := Classify(state, entryEvent(257, 7, 0x100, 0), mem, emptyProcfs(t))
	require.NoError(t, err)
	assert.Equal(t, "openat", meta.Name)

	_, err = meta.Apply(state, 8, emptyProcfs(t), syscalls.Builtin())
	require.NoError(t, err)
	fd, ok := state.GetFd(8)
	require.True(t, ok)
	assert.Equal(t, "/etc/passwd", fd.Type.Path)
}

func TestClassifyOpenat2(t *testing.T) {
	state := newState(1, "/work", false)
	how := make([]byte, 24)
	binary.LittleEndian.PutUint64(how, uint64(unix.O_CLOEXEC))
	mem := &fakeMemory{
		strings: map[uint64]string{0x100: "/tmp/abs"},
		structs: map[uint64][]byte{0x200: how},
	}

	meta, err := Classify(state, entryEvent(437, uint64(uint32(unix.AT_FDCWD)), 0x100, 0x200, 24), mem, emptyProcfs(t))
	require.NoError(t, err)

	_, err = meta.Apply(state, 3, emptyProcfs(t), syscalls.Builtin())
	require.NoError(t, err)
	fd, ok := state.GetFd(3)
	require.True(t, ok)
	assert.Equal(t, "/tmp/abs", fd.Type.Path)
	assert.True(t, fd.IsCloexec())
}

func TestResolveAtErrors(t *testing.T) {
	state := newState(1, "/work", false)
	state.InsertFd(9, FdMeta{Type: SocketFd(unix.AF_INET, unix.SOCK_STREAM)})

	_, err := resolveAt(state, 9, "rel", emptyProcfs(t))
	var resolveErr ResolveError
	require.ErrorAs(t, err, &resolveErr)
	assert.Equal(t, 9, resolveErr.Fd)

	// Unknown descriptor with an empty procfs cannot be inferred.
	_, err = resolveAt(state, 10, "rel", emptyProcfs(t))
	assert.Error(t, err)
}

func TestClassifyChdir(t *testing.T) {
	state := newState(1, "/work", false)
	mem := &fakeMemory{strings: map[uint64]string{0x100: "subdir"}}

	meta, err := Classify(state, entryEvent(80, 0x100), mem, emptyProcfs(t))
	require.NoError(t, err)

	_, err = meta.Apply(state, 0, emptyProcfs(t), syscalls.Builtin())
	require.NoError(t, err)
	assert.Equal(t, "/work/subdir", state.WorkingDirectory())
}

func TestClassifyCloseRange(t *testing.T) {
	state := newState(1, "/", false)
	for fd := 3; fd <= 6; fd++ {
		state.InsertFd(fd, FdMeta{Type: FileFd("/tmp/x")})
	}
	mem := &fakeMemory{}

	meta, err := Classify(state, entryEvent(436, 4, 5), mem, emptyProcfs(t))
	require.NoError(t, err)
	_, err = meta.Apply(state, 0, emptyProcfs(t), syscalls.Builtin())
	require.NoError(t, err)

	_, ok := state.GetFd(3)
	assert.True(t, ok)
	_, ok = state.GetFd(4)
	assert.False(t, ok)
	_, ok = state.GetFd(5)
	assert.False(t, ok)
	_, ok = state.GetFd(6)
	assert.True(t, ok)
}

func TestClassifySocket(t *testing.T) {
	state := newState(1, "/", false)
	mem := &fakeMemory{}

	meta, err := Classify(state, entryEvent(41, uint64(unix.AF_INET), uint64(unix.SOCK_STREAM|unix.SOCK_CLOEXEC)), mem, emptyProcfs(t))
	require.NoError(t, err)

	caps, err := meta.Apply(state, 4, emptyProcfs(t), syscalls.Builtin())
	require.NoError(t, err)
	assert.Equal(t, capSet(capability.Network), caps)

	fd, ok := state.GetFd(4)
	require.True(t, ok)
	assert.Equal(t, FdSocket, fd.Type.Kind)
	assert.Equal(t, unix.AF_INET, fd.Type.Domain)
	assert.Equal(t, unix.SOCK_STREAM, fd.Type.SockType)
	assert.True(t, fd.IsCloexec())

	_, err = Classify(state, entryEvent(41, uint64(unix.AF_INET), 0xff), mem, emptyProcfs(t))
	var unknown SocketTypeUnknownError
	require.ErrorAs(t, err, &unknown)
}

func TestClassifyExecve(t *testing.T) {
	state := newState(1, "/", false)
	mem := &fakeMemory{
		strings: map[uint64]string{0x100: "/bin/ls"},
		arrays: map[uint64][]string{
			0x200: {"/bin/ls", "-l"},
			0x300: {"PATH=/bin"},
		},
	}

	meta, err := Classify(state, entryEvent(59, 0x100, 0x200, 0x300), mem, emptyProcfs(t))
	require.NoError(t, err)

	caps, err := meta.Apply(state, 0, emptyProcfs(t), syscalls.Builtin())
	require.NoError(t, err)
	assert.Equal(t, capSet(capability.Exec), caps)

	proc := state.IntoProcess()
	assert.Equal(t, "/bin/ls", proc.Path)
}

func TestIoctlDispatch(t *testing.T) {
	table := syscalls.Builtin()
	for _, c := range []struct {
		name string
		ty   FdType
		want capability.Capability
	}{
		{"inet stream socket", SocketFd(unix.AF_INET, unix.SOCK_STREAM), capability.Network},
		{"unix stream socket", SocketFd(unix.AF_UNIX, unix.SOCK_STREAM), capability.Files},
		{"regular file", FileFd("/tmp/x"), capability.Files},
		{"char device", FdType{Kind: FdChar, Path: "/dev/tty"}, capability.Safe},
		{"socket inode", FdType{Kind: FdSocketInode, Inode: 7}, capability.Network},
		{"directory", DirectoryFd("/etc"), capability.Files},
	} {
		state := newState(1, "/", false)
		state.InsertFd(3, FdMeta{Type: c.ty})

		meta, err := Classify(state, entryEvent(16, 3, 0x5401), &fakeMemory{}, emptyProcfs(t))
		require.NoError(t, err, c.name)

		caps, err := meta.Apply(state, 0, emptyProcfs(t), table)
		require.NoError(t, err, c.name)
		assert.Equal(t, capSet(c.want), caps, c.name)
	}
}

func TestIoctlFallsBackToNameLookup(t *testing.T) {
	state := newState(1, "/", false)
	state.InsertFd(3, FdMeta{Type: FdType{Kind: FdUnknown}})

	meta, err := Classify(state, entryEvent(16, 3, 0x5401), &fakeMemory{}, emptyProcfs(t))
	require.NoError(t, err)

	// The unknown FD type fails typed dispatch; the name-based table maps
	// ioctl to the files capability.
	caps, err := meta.Apply(state, 0, emptyProcfs(t), syscalls.Builtin())
	require.NoError(t, err)
	assert.Equal(t, capSet(capability.Files), caps)
}

func TestApplyUnknownSyscall(t *testing.T) {
	state := newState(1, "/", false)
	meta, err := Classify(state, entryEvent(9999), &fakeMemory{}, emptyProcfs(t))
	require.NoError(t, err)

	_, err = meta.Apply(state, 0, emptyProcfs(t), syscalls.Builtin())
	var miss SyscallMissingFromMapError
	require.ErrorAs(t, err, &miss)
	assert.Equal(t, "syscall_9999", miss.Syscall)
}
