// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package dynamic

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"path"

	"github.com/sirupsen/logrus"

	"github.com/google/capstrace/report"
)

// Lookup resolves function source locations from debug info.  It is either
// disabled (the default: lookups return nothing) or enabled with a per-pid
// cache, since reading an executable's DWARF once per process is already
// expensive enough.
type Lookup struct {
	// processes is nil when lookup is disabled.  A nil entry records a pid
	// whose debug info could not be read, so it is not retried per event.
	processes map[int]*processLookup
}

// DisabledLookup returns a Lookup that never resolves anything.
func DisabledLookup() Lookup {
	return Lookup{}
}

// EnabledLookup returns a Lookup with an empty per-pid cache.
func EnabledLookup() Lookup {
	return Lookup{processes: make(map[int]*processLookup)}
}

// Lookup returns the location recorded for a mangled name in the pid's
// debug info, if lookup is enabled and the name is known.
func (l *Lookup) Lookup(pid int, mangled string) *report.Location {
	if l.processes == nil {
		return nil
	}
	proc, ok := l.processes[pid]
	if !ok {
		built, err := buildProcessLookup(pid)
		if err != nil {
			logrus.WithError(err).WithField("pid", pid).Warn("error building process location lookup")
		}
		proc = built // nil on error; negative entry
		l.processes[pid] = proc
	}
	if proc == nil {
		return nil
	}
	return proc.lookup(mangled)
}

type processLookup struct {
	functions map[string]report.Location
}

func (p *processLookup) lookup(mangled string) *report.Location {
	if loc, ok := p.functions[mangled]; ok {
		return &loc
	}
	return nil
}

// buildProcessLookup reads the function locations out of the debug info in
// the pid's executable.  Persisting the whole table once is simpler than
// keeping a DWARF reader alive per query.
//
// TODO: shared libraries would need /proc/<pid>/maps and a table per mapped
// object.
func buildProcessLookup(pid int) (*processLookup, error) {
	exe := fmt.Sprintf("/proc/%d/exe", pid)
	f, err := elf.Open(exe)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", exe, err)
	}
	defer f.Close()

	data, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("reading debug info from %s: %w", exe, err)
	}

	functions := make(map[string]report.Location)
	reader := data.Reader()
	var compDir string
	var files []*dwarf.LineFile

	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, fmt.Errorf("walking debug info: %w", err)
		}
		if entry == nil {
			break
		}

		switch entry.Tag {
		case dwarf.TagCompileUnit:
			compDir, _ = entry.Val(dwarf.AttrCompDir).(string)
			files = nil
			if lr, err := data.LineReader(entry); err == nil && lr != nil {
				files = lr.Files()
			}

		case dwarf.TagSubprogram:
			name := subprogramName(entry)
			if name == "" {
				continue
			}
			fileIdx, ok := entry.Val(dwarf.AttrDeclFile).(int64)
			if !ok || fileIdx <= 0 || int(fileIdx) >= len(files) || files[fileIdx] == nil {
				continue
			}
			line, _ := entry.Val(dwarf.AttrDeclLine).(int64)
			full := files[fileIdx].Name
			if !path.IsAbs(full) && compDir != "" {
				full = path.Join(compDir, full)
			}
			functions[name] = report.NewLocation("", full, uint64(line), nil)
		}
	}

	if len(functions) == 0 {
		return nil, fmt.Errorf("no function debug info in %s", exe)
	}
	return &processLookup{functions: functions}, nil
}

// subprogramName prefers the linkage (mangled) name, since that is what the
// unwinder hands us; plain assembly symbols only have a name.
func subprogramName(entry *dwarf.Entry) string {
	if name, ok := entry.Val(dwarf.AttrLinkageName).(string); ok {
		return name
	}
	name, _ := entry.Val(dwarf.AttrName).(string)
	return name
}
