// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package seccomp emits OCI-runtime-shaped seccomp policy documents from
// capability sets: the allowlist is the subset-match inversion of the
// syscall capability map.
package seccomp

import (
	"fmt"
	"io"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/google/capstrace/capability"
	"github.com/google/capstrace/syscalls"
)

// runtimeSyscalls are required by the container runtime itself.  They are
// added to every policy at the LOG action so that a run is not killed by its
// own supervisor, but unexpected use still leaves a trace.
var runtimeSyscalls = []string{
	"capget",
	"capset",
	"chdir",
	"close",
	"epoll_pwait",
	"execve",
	"fchown",
	"fstat",
	"futex",
	"getdents64",
	"getppid",
	"newfstatat",
	"openat",
	"prctl",
	"read",
	"setgid",
	"setgroups",
	"setuid",
	"write",
}

// Action is a seccomp filter action.
type Action struct {
	name  string
	errno *int32
	trace *uint32
}

var (
	ActionAllow       = Action{name: "SCMP_ACT_ALLOW"}
	ActionKill        = Action{name: "SCMP_ACT_KILL"}
	ActionKillProcess = Action{name: "SCMP_ACT_KILL_PROCESS"}
	ActionLog         = Action{name: "SCMP_ACT_LOG"}
	ActionTrap        = Action{name: "SCMP_ACT_TRAP"}
)

// ActionErrno returns the errno-returning action.
func ActionErrno(errno int32) Action {
	return Action{name: "SCMP_ACT_ERRNO", errno: &errno}
}

// ActionTrace returns the tracer-notifying action.
func ActionTrace(trace uint32) Action {
	return Action{name: "SCMP_ACT_TRACE", trace: &trace}
}

func (a Action) String() string { return a.name }

// ErrnoRet returns the errno attached to an SCMP_ACT_ERRNO action.
func (a Action) ErrnoRet() *int32 { return a.errno }

// UnknownActionError reports a default-action string that is not a
// recognized SCMP_ACT_* value.
type UnknownActionError struct {
	Action string
}

func (e UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action: %s", e.Action)
}

// MissingArgumentError reports an action that requires an argument which was
// not provided.
type MissingArgumentError struct {
	Action   string
	Argument string
}

func (e MissingArgumentError) Error() string {
	return fmt.Sprintf("%s given, but no %s provided", e.Action, e.Argument)
}

// ParseAction converts an SCMP_ACT_* string plus its optional arguments into
// an Action.  errno must be non-nil for SCMP_ACT_ERRNO and trace must be
// non-nil for SCMP_ACT_TRACE.
func ParseAction(name string, errno *int32, trace *uint32) (Action, error) {
	switch name {
	case "SCMP_ACT_ALLOW":
		return ActionAllow, nil
	case "SCMP_ACT_KILL":
		return ActionKill, nil
	case "SCMP_ACT_KILL_PROCESS":
		return ActionKillProcess, nil
	case "SCMP_ACT_LOG":
		return ActionLog, nil
	case "SCMP_ACT_TRAP":
		return ActionTrap, nil
	case "SCMP_ACT_ERRNO":
		if errno == nil {
			return Action{}, MissingArgumentError{Action: name, Argument: "errno"}
		}
		return ActionErrno(*errno), nil
	case "SCMP_ACT_TRACE":
		if trace == nil {
			return Action{}, MissingArgumentError{Action: name, Argument: "trace process"}
		}
		return ActionTrace(*trace), nil
	default:
		return Action{}, UnknownActionError{Action: name}
	}
}

// Policy is an OCI-runtime-shaped seccomp policy document.
type Policy struct {
	defaultAction Action
	architectures []string
	syscalls      []syscallGroup
}

type syscallGroup struct {
	names  []string
	action Action
}

// NewPolicy returns a policy with the given default action.
func NewPolicy(defaultAction Action) *Policy {
	return &Policy{defaultAction: defaultAction}
}

// AddArchitecture appends an architecture to the policy.
func (p *Policy) AddArchitecture(arch string) {
	p.architectures = append(p.architectures, arch)
}

// AddSyscalls appends a group of syscall names sharing one action.  The
// names are sorted and deduplicated.
func (p *Policy) AddSyscalls(action Action, names []string) {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	sorted := make([]string, 0, len(set))
	for name := range set {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)
	p.syscalls = append(p.syscalls, syscallGroup{names: sorted, action: action})
}

type rawPolicy struct {
	DefaultAction   string            `json:"defaultAction"`
	DefaultErrnoRet *int32            `json:"defaultErrnoRet,omitempty"`
	Architectures   []string          `json:"architectures,omitempty"`
	Syscalls        []rawSyscallGroup `json:"syscalls"`
}

type rawSyscallGroup struct {
	Names    []string `json:"names"`
	Action   string   `json:"action"`
	ErrnoRet *int32   `json:"errnoRet,omitempty"`
}

// MarshalJSON emits the OCI runtime configuration shape.
func (p Policy) MarshalJSON() ([]byte, error) {
	raw := rawPolicy{
		DefaultAction:   p.defaultAction.String(),
		DefaultErrnoRet: p.defaultAction.ErrnoRet(),
		Architectures:   p.architectures,
		Syscalls:        make([]rawSyscallGroup, 0, len(p.syscalls)),
	}
	for _, group := range p.syscalls {
		raw.Syscalls = append(raw.Syscalls, rawSyscallGroup{
			Names:    group.names,
			Action:   group.action.String(),
			ErrnoRet: group.action.ErrnoRet(),
		})
	}
	return json.Marshal(raw)
}

// Write serializes the policy to w with indentation.
func (p *Policy) Write(w io.Writer) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing policy: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing policy: %w", err)
	}
	return nil
}

// Build assembles a policy for a capability set: the syscalls the set
// permits (by subset match over the capability map, plus every safe-only
// syscall) at SCMP_ACT_ALLOW, and the runtime-required syscalls at
// SCMP_ACT_LOG.
func Build(defaultAction Action, architectures []string, m *syscalls.Map, required map[capability.Capability]struct{}) *Policy {
	policy := NewPolicy(defaultAction)
	for _, arch := range architectures {
		policy.AddArchitecture(arch)
	}
	policy.AddSyscalls(ActionAllow, m.SyscallsFor(required))
	policy.AddSyscalls(ActionLog, runtimeSyscalls)
	return policy
}
