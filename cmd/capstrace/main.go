// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Program capstrace quantifies the capabilities a compiled program
// exercises.  It analyzes LLVM IR statically, traces running processes
// dynamically, correlates report functions with advisories, and emits
// seccomp policies from capability sets.
//
// The exit status code is 2 for an error, 1 if a difference is found when a
// comparison is requested, and 0 otherwise; the dynamic subcommand instead
// propagates the traced child's exit code when it has one.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/google/capstrace/annotate"
	"github.com/google/capstrace/bitcode"
	"github.com/google/capstrace/capability"
	"github.com/google/capstrace/cargo"
	"github.com/google/capstrace/dynamic"
	"github.com/google/capstrace/function"
	"github.com/google/capstrace/osv"
	"github.com/google/capstrace/report"
	"github.com/google/capstrace/seccomp"
	"github.com/google/capstrace/syscalls"
)

// differenceFound distinguishes a successful comparison that found changes
// from an actual failure.
type differenceFound struct{}

func (differenceFound) Error() string { return "difference found" }

func main() {
	err := newRootCommand().Execute()
	switch err.(type) {
	case nil:
	case differenceFound:
		os.Exit(1)
	default:
		logrus.Error(err)
		os.Exit(2)
	}
}

func newRootCommand() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "capstrace",
		Short:         "quantify the capabilities exercised by a compiled program",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newStaticCommand(),
		newDynamicCommand(),
		newAnnotateCommand(),
		newSeccompCommand(),
		newCompareCommand(),
	)
	return root
}

func newStaticCommand() *cobra.Command {
	var (
		bin          string
		pkg          string
		release      bool
		toolchain    string
		workspace    bool
		functionCaps string
		extractorStr string
		output       string
	)
	cmd := &cobra.Command{
		Use:   "static [PATH]",
		Short: "build a source tree and analyze its LLVM IR into a report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			extractor, err := bitcode.ExtractorFromString(extractorStr)
			if err != nil {
				return err
			}

			var dict function.Dictionary
			if functionCaps != "" {
				dict, err = function.LoadDictionaryFile(functionCaps)
				if err != nil {
					return err
				}
			}

			opts := cargo.Options{
				Bin:       bin,
				Package:   pkg,
				Release:   release,
				Toolchain: toolchain,
				Workspace: workspace,
			}
			if len(args) > 0 {
				opts.Dir = args[0]
			}
			artifacts, cleanup, err := cargo.Build(opts)
			if cleanup != nil {
				defer cleanup()
			}
			if err != nil {
				return err
			}

			// More than one report needs a directory to put them in.
			if len(artifacts) > 1 && output == "" {
				return fmt.Errorf("%d executables built; use -o to name an output directory", len(artifacts))
			}

			for _, artifact := range artifacts {
				builder := bitcode.NewBuilder(artifact.Executable, dict)
				for _, module := range artifact.Modules {
					if err := builder.AddModule(module, extractor); err != nil {
						return err
					}
				}
				rep := builder.Report()

				w, done, err := artifactWriter(output, len(artifacts), artifact.Executable)
				if err != nil {
					return err
				}
				err = rep.Write(w)
				done()
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&bin, "bin", "", "build only the specified binary")
	cmd.Flags().StringVarP(&pkg, "package", "p", "", "package to build")
	cmd.Flags().BoolVarP(&release, "release", "r", false, "build artifacts in release mode")
	cmd.Flags().StringVar(&toolchain, "rust-toolchain", cargo.DefaultToolchain, "Rust toolchain to use; this mostly matters for the LLVM version")
	cmd.Flags().BoolVar(&workspace, "workspace", false, "build all packages in the workspace")
	cmd.Flags().StringVar(&functionCaps, "function-caps", "", "function-capability dictionary JSON")
	cmd.Flags().StringVar(&extractorStr, "extractor", "instruction", "call edge extractor to use: module or instruction")
	cmd.Flags().StringVarP(&output, "output", "o", "", "file (or directory, with multiple executables) to write reports to")
	return cmd
}

func newDynamicCommand() *cobra.Command {
	var (
		includeChildren    bool
		includeBeforeStart bool
		includeSyscalls    bool
		lookupLocations    bool
		syscallMap         string
		output             string
	)
	cmd := &cobra.Command{
		Use:   "dynamic [flags] -- cmd [args...]",
		Short: "trace a command and attribute its syscalls to capabilities",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := dynamic.Options{
				IncludeChildren:    includeChildren,
				IncludeBeforeStart: includeBeforeStart,
				IncludeSyscalls:    includeSyscalls,
				LookupLocations:    lookupLocations,
			}
			if syscallMap != "" {
				f, err := os.Open(syscallMap)
				if err != nil {
					return err
				}
				table, err := syscalls.LoadMap(syscallMap, f, false)
				f.Close()
				if err != nil {
					return err
				}
				opts.SyscallMap = table
			}

			rep, exitCode, err := dynamic.Run(args, opts)
			if err != nil {
				return err
			}

			w := io.Writer(os.Stdout)
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("creating output file %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			if err := rep.Write(w); err != nil {
				return err
			}

			// Do our best to forward on the child's exit status.
			if exitCode != nil && *exitCode != 0 {
				os.Exit(*exitCode)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&includeChildren, "include-children", "c", false, "add child processes to the report")
	cmd.Flags().BoolVar(&includeBeforeStart, "include-before-start", false, "attribute functions observed before _start")
	cmd.Flags().BoolVar(&includeSyscalls, "include-syscalls", false, "record invoked syscalls in the report")
	cmd.Flags().BoolVarP(&lookupLocations, "lookup-locations", "l", false, "look up source locations via debuginfo (slow)")
	cmd.Flags().StringVar(&syscallMap, "syscall-map", "", "override the builtin syscall capability map")
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write the JSON report to")
	return cmd
}

func newAnnotateCommand() *cobra.Command {
	var (
		cachePath  string
		importPath string
	)
	cmd := &cobra.Command{
		Use:   "annotate [REPORT|-]",
		Short: "correlate report functions with advisories from the OSV cache",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cachePath
			if path == "" {
				var err error
				path, err = osv.DefaultPath()
				if err != nil {
					return err
				}
			}
			cache, err := osv.Open(path)
			if err != nil {
				return err
			}
			defer cache.Close()

			if importPath != "" {
				if err := importAdvisories(cache, importPath); err != nil {
					return err
				}
			}

			matcher, err := annotate.NewMatcher(cache)
			if err != nil {
				return err
			}

			rep, err := loadReportArg(args)
			if err != nil {
				return err
			}
			annotate.AnnotateReport(os.Stdout, matcher, rep)
			return nil
		},
	}
	cmd.Flags().StringVar(&cachePath, "osv-cache", "", "OSV cache database path")
	cmd.Flags().StringVar(&importPath, "import", "", "advisory archive (.zip) or directory to import before matching")
	return cmd
}

func importAdvisories(cache *osv.Cache, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	var imported int
	if info.IsDir() {
		imported, err = cache.ImportDir(path)
	} else {
		imported, err = cache.ImportZip(path)
	}
	if err != nil {
		return err
	}
	logrus.WithField("imported", imported).Info("updated advisory cache")
	return nil
}

func newSeccompCommand() *cobra.Command {
	var (
		architectures []string
		actionName    string
		actionErrno   int32
		actionTrace   uint32
		capFilter     string
		syscallMap    string
	)
	cmd := &cobra.Command{
		Use:   "seccomp REPORT",
		Short: "emit a seccomp policy allowing what the report's capabilities need",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var errno *int32
			if cmd.Flags().Changed("default-action-errno") {
				errno = &actionErrno
			}
			var trace *uint32
			if cmd.Flags().Changed("default-action-trace") {
				trace = &actionTrace
			}
			action, err := seccomp.ParseAction(actionName, errno, trace)
			if err != nil {
				return err
			}

			filter, err := capability.ParseSet(capFilter)
			if err != nil {
				return err
			}

			table := syscalls.Builtin()
			if syscallMap != "" {
				f, err := os.Open(syscallMap)
				if err != nil {
					return err
				}
				table, err = syscalls.LoadMap(syscallMap, f, false)
				f.Close()
				if err != nil {
					return err
				}
			}

			rep, err := loadReportArg(args)
			if err != nil {
				return err
			}

			required := make(map[capability.Capability]struct{}, len(rep.Capabilities))
			for c := range rep.Capabilities {
				if filter.Has(c) {
					required[c] = struct{}{}
				}
			}

			policy := seccomp.Build(action, architectures, table, required)
			return policy.Write(os.Stdout)
		},
	}
	cmd.Flags().StringSliceVar(&architectures, "architectures", nil, "architectures to include in the policy")
	cmd.Flags().StringVar(&actionName, "default-action", "SCMP_ACT_KILL_PROCESS", "SCMP_ACT_* default action")
	cmd.Flags().Int32Var(&actionErrno, "default-action-errno", 0, "errno for SCMP_ACT_ERRNO")
	cmd.Flags().Uint32Var(&actionTrace, "default-action-trace", 0, "trace value for SCMP_ACT_TRACE")
	cmd.Flags().StringVar(&capFilter, "capabilities", "", "comma-separated capabilities to consider (prefix all with '-' to exclude)")
	cmd.Flags().StringVar(&syscallMap, "syscall-map", "", "override the builtin syscall capability map")
	return cmd
}

func newCompareCommand() *cobra.Command {
	var (
		granularityStr string
		capFilter      string
	)
	cmd := &cobra.Command{
		Use:   "compare BASELINE CURRENT",
		Short: "compare the capabilities of two reports",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := report.GranularityFromString(granularityStr)
			if err != nil {
				return fmt.Errorf("parsing flag --granularity: %w", err)
			}
			filter, err := capability.ParseSet(capFilter)
			if err != nil {
				return fmt.Errorf("parsing flag --capabilities: %w", err)
			}

			baseline, err := loadReportFile(args[0])
			if err != nil {
				return err
			}
			current, err := loadReportFile(args[1])
			if err != nil {
				return err
			}

			if report.Diff(os.Stdout, baseline, current, g, filter) {
				return differenceFound{}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&granularityStr, "granularity", "function", `the granularity to use for comparisons, either "function" or "capability"`)
	cmd.Flags().StringVar(&capFilter, "capabilities", "", "comma-separated capabilities to consider (prefix all with '-' to exclude)")
	return cmd
}

// loadReportArg reads a report from the optional path argument, defaulting
// to stdin ("-" also selects stdin).
func loadReportArg(args []string) (*report.Report, error) {
	if len(args) == 0 || args[0] == "-" {
		return report.Load(os.Stdin)
	}
	return loadReportFile(args[0])
}

func loadReportFile(path string) (*report.Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening report from %s: %w", path, err)
	}
	defer f.Close()
	return report.Load(f)
}

// artifactWriter decides where one artifact's report goes: stdout, the
// output file, or a per-executable file within the output directory.
func artifactWriter(output string, artifacts int, executable string) (io.Writer, func(), error) {
	if output == "" {
		return os.Stdout, func() {}, nil
	}
	path := output
	if artifacts > 1 {
		if err := os.MkdirAll(output, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating output directory %s: %w", output, err)
		}
		path = filepath.Join(output, filepath.Base(executable)+".json")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating output file %s: %w", path, err)
	}
	return f, func() { f.Close() }, nil
}
