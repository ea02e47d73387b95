// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package cargo drives a cargo build that emits LLVM IR alongside the
// compiled artifacts, and locates the IR files belonging to the built
// executables.
package cargo

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// Options configure a build.
type Options struct {
	// Bin restricts the build to the named binary.
	Bin string
	// Package restricts the build to the named package.
	Package string
	// Release builds in release mode.
	Release bool
	// Toolchain is the Rust toolchain to use.  This mostly matters for the
	// LLVM version the IR is written by.
	Toolchain string
	// Workspace builds all packages in the workspace.
	Workspace bool
	// Dir is the workspace path, or the current working directory if empty.
	Dir string
}

// DefaultToolchain is pinned so that the emitted IR tracks a known LLVM
// version rather than whatever the host happens to default to.
const DefaultToolchain = "1.86.0"

// Artifact is one built executable together with the IR modules that fed it.
type Artifact struct {
	Executable string
	Modules    []string
}

// Build runs the build into a temporary target directory and returns the
// built executables with their IR module paths.  The temporary directory is
// removed by the returned cleanup function.
func Build(opts Options) (artifacts []Artifact, cleanup func(), err error) {
	target, err := os.MkdirTemp("", "capstrace-target-")
	if err != nil {
		return nil, nil, fmt.Errorf("creating temporary target directory: %w", err)
	}
	cleanup = func() { os.RemoveAll(target) }

	exes, err := build(opts, target)
	if err != nil {
		return nil, cleanup, err
	}
	if len(exes) == 0 {
		return nil, cleanup, fmt.Errorf("build produced no executables")
	}

	profile := "debug"
	if opts.Release {
		profile = "release"
	}
	modules, err := collectModules(filepath.Join(target, profile, "deps"), exes)
	if err != nil {
		return nil, cleanup, err
	}

	for _, exe := range exes.sorted() {
		artifacts = append(artifacts, Artifact{
			Executable: exe,
			Modules:    modules[normalizeFileName(filepath.Base(exe))],
		})
	}
	return artifacts, cleanup, nil
}

func build(opts Options, target string) (ExecutableSet, error) {
	toolchain := opts.Toolchain
	if toolchain == "" {
		toolchain = DefaultToolchain
	}

	args := []string{"build", "--message-format=json"}
	if opts.Bin != "" {
		args = append(args, "--bin", opts.Bin)
	}
	if opts.Package != "" {
		args = append(args, "--package", opts.Package)
	}
	if opts.Release {
		args = append(args, "--release")
	}
	if opts.Workspace {
		args = append(args, "--workspace")
	}

	cmd := exec.Command("cargo", args...)
	cmd.Dir = opts.Dir
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		// This is the key: we need the compiler to emit LLVM IR.
		"RUSTFLAGS=--emit=llvm-ir",
		"RUSTUP_TOOLCHAIN="+toolchain,
		"CARGO_TARGET_DIR="+target,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting cargo: %w", err)
	}

	// We have to consume the messages for cargo to make progress, and we
	// want the executables so we do not look at IR files we are not
	// interested in.
	exes := make(ExecutableSet)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	for scanner.Scan() {
		var msg struct {
			Reason     string `json:"reason"`
			Executable string `json:"executable"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			logrus.WithError(err).Debug("skipping unparseable cargo message")
			continue
		}
		if msg.Reason == "compiler-artifact" && msg.Executable != "" {
			exes.Insert(msg.Executable)
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("cargo build: %w", err)
	}
	if scanErr != nil {
		return nil, fmt.Errorf("reading cargo output: %w", scanErr)
	}
	return exes, nil
}

// collectModules walks the deps directory for .ll files whose normalized
// name prefix-matches a built executable, grouped by executable name.
func collectModules(deps string, exes ExecutableSet) (map[string][]string, error) {
	modules := make(map[string][]string)
	err := filepath.WalkDir(deps, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".ll" {
			return nil
		}
		if exe, ok := exes.MatchPrefix(filepath.Base(path)); ok {
			modules[exe] = append(modules[exe], path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", deps, err)
	}
	for _, paths := range modules {
		sort.Strings(paths)
	}
	return modules, nil
}

// ExecutableSet indexes built executables by their normalized file names.
type ExecutableSet map[string]string

// Insert records an executable path.
func (s ExecutableSet) Insert(path string) {
	s[normalizeFileName(filepath.Base(path))] = path
}

// MatchPrefix reports whether name, normalized, starts with the normalized
// name of any recorded executable, and returns that normalized name.
// Cargo suffixes dependency outputs with a metadata hash, so the IR file
// for executable "foo" is named like "foo-0123abcd.ll".
func (s ExecutableSet) MatchPrefix(name string) (string, bool) {
	normalized := normalizeFileName(name)
	for exe := range s {
		if strings.HasPrefix(normalized, exe) {
			return exe, true
		}
	}
	return "", false
}

func (s ExecutableSet) sorted() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	paths := make([]string, 0, len(keys))
	for _, k := range keys {
		paths = append(paths, s[k])
	}
	return paths
}

// normalizeFileName maps every non-alphanumeric byte to '_', matching the
// normalization cargo applies to crate names in file names.
func normalizeFileName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			out[i] = c
		} else {
			out[i] = '_'
		}
	}
	return string(out)
}
