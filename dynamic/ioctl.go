// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package dynamic

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/google/capstrace/capability"
)

// IoctlError reports an ioctl on a descriptor type the dispatch table does
// not cover.  The caller logs it and falls back to the name-based syscall
// table.
type IoctlError struct {
	Cmd uint64
	Ty  FdType
}

func (e IoctlError) Error() string {
	return fmt.Sprintf("unknown ioctl command %#x for FD type %s", e.Cmd, e.Ty)
}

// ioctlCaps maps an ioctl to capabilities by the type of the descriptor it
// operates on.  This is deliberately simplistic: terminal ioctls dominate
// the Char case, and file- or socket-level commands track the descriptor's
// privilege class regardless of the specific command.
func ioctlCaps(cmd uint64, ty FdType) (map[capability.Capability]struct{}, error) {
	switch ty.Kind {
	case FdChar:
		return capSet(capability.Safe), nil
	case FdDirectory, FdFile:
		return capSet(capability.Files), nil
	case FdSocket:
		if ty.Domain == unix.AF_UNIX {
			return capSet(capability.Files), nil
		}
		return capSet(capability.Network), nil
	case FdSocketInode:
		return capSet(capability.Network), nil
	default:
		return nil, IoctlError{Cmd: cmd, Ty: ty}
	}
}

func capSet(caps ...capability.Capability) map[capability.Capability]struct{} {
	set := make(map[capability.Capability]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}
