// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package unwind walks the call stack of a stopped tracee by following frame
// pointers, resolving instruction pointers against the tracee executable's
// symbol table.
package unwind

import (
	"debug/elf"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Accessors provide register values and memory reads for a stopped tracee.
// The dynamic tracer implements this on top of ptrace.
type Accessors interface {
	// Registers returns the instruction pointer and frame pointer.
	Registers(pid int) (ip, bp uint64, err error)
	// ReadWord reads one machine word from the tracee's memory.
	ReadWord(pid int, addr uint64) (uint64, error)
}

// Frame is one stack frame.  Name is empty when no procedure covers IP; for
// named frames, StartIP+Offset always equals IP, mirroring the procedure
// filter the attribution step applies.
type Frame struct {
	IP      uint64
	Name    string
	StartIP uint64
	Offset  uint64
}

// Named reports whether a procedure covers this frame's instruction pointer.
func (f Frame) Named() bool {
	return f.Name != "" && f.IP == f.StartIP+f.Offset
}

// AddressSpace caches everything needed to unwind one process: its symbol
// table and load bias.  Construction is comparatively expensive, so the
// tracer keeps one AddressSpace per pid and drops it when the pid is reaped.
type AddressSpace struct {
	pid     int
	bias    uint64
	symbols []symbol
}

type symbol struct {
	name  string
	start uint64
	size  uint64
}

// NewAddressSpace loads symbols for the executable of pid from procfs.
func NewAddressSpace(pid int) (*AddressSpace, error) {
	exe := fmt.Sprintf("/proc/%d/exe", pid)
	f, err := elf.Open(exe)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", exe, err)
	}
	defer f.Close()

	symbols, err := loadSymbols(f)
	if err != nil {
		return nil, err
	}

	var bias uint64
	if f.Type == elf.ET_DYN {
		// Position-independent executables are loaded at an arbitrary base;
		// symbols are relative to it.
		bias, err = exeBase(pid)
		if err != nil {
			return nil, err
		}
	}

	return &AddressSpace{pid: pid, bias: bias, symbols: symbols}, nil
}

func loadSymbols(f *elf.File) ([]symbol, error) {
	var out []symbol
	for _, load := range []func() ([]elf.Symbol, error){f.Symbols, f.DynamicSymbols} {
		syms, err := load()
		if err != nil && err != elf.ErrNoSymbols {
			return nil, fmt.Errorf("reading symbols: %w", err)
		}
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 || sym.Name == "" {
				continue
			}
			out = append(out, symbol{name: sym.Name, start: sym.Value, size: sym.Size})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out, nil
}

// exeBase finds the lowest address the executable is mapped at.
func exeBase(pid int) (uint64, error) {
	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return 0, fmt.Errorf("resolving executable for pid %d: %w", pid, err)
	}
	maps, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, fmt.Errorf("reading maps for pid %d: %w", pid, err)
	}
	for _, line := range strings.Split(string(maps), "\n") {
		if !strings.HasSuffix(line, exe) {
			continue
		}
		dash := strings.IndexByte(line, '-')
		if dash < 0 {
			continue
		}
		base, err := strconv.ParseUint(line[:dash], 16, 64)
		if err != nil {
			continue
		}
		return base, nil
	}
	return 0, fmt.Errorf("executable mapping not found for pid %d", pid)
}

// resolve finds the procedure covering ip, if any.
func (a *AddressSpace) resolve(ip uint64) (Frame, bool) {
	addr := ip - a.bias
	i := sort.Search(len(a.symbols), func(i int) bool { return a.symbols[i].start > addr })
	if i == 0 {
		return Frame{IP: ip}, false
	}
	sym := a.symbols[i-1]
	end := sym.start + sym.size
	if sym.size == 0 {
		// Assembly symbols frequently have no recorded size; extend to the
		// next symbol.
		end = addr + 1
		if i < len(a.symbols) {
			end = a.symbols[i].start
		}
	}
	if addr >= end {
		return Frame{IP: ip}, false
	}
	return Frame{
		IP:      ip,
		Name:    sym.name,
		StartIP: sym.start + a.bias,
		Offset:  addr - sym.start,
	}, true
}

// maxFrames bounds a single walk; real stacks are far shallower, and a
// corrupted frame pointer chain must not spin forever.
const maxFrames = 256

// Walk returns the stack frames of the stopped tracee, deepest first,
// starting at the current instruction pointer and following the frame
// pointer chain until it ends or a read fails.
func (a *AddressSpace) Walk(acc Accessors) ([]Frame, error) {
	ip, bp, err := acc.Registers(a.pid)
	if err != nil {
		return nil, fmt.Errorf("reading registers for pid %d: %w", a.pid, err)
	}

	var frames []Frame
	for len(frames) < maxFrames {
		frame, _ := a.resolve(ip)
		frames = append(frames, frame)

		if bp == 0 {
			break
		}
		// The saved return address sits one word above the saved frame
		// pointer.
		retAddr, err := acc.ReadWord(a.pid, bp+8)
		if err != nil || retAddr == 0 {
			break
		}
		nextBP, err := acc.ReadWord(a.pid, bp)
		if err != nil {
			break
		}
		ip = retAddr
		if nextBP != 0 && nextBP <= bp {
			// A frame pointer that does not move up the stack is corrupt;
			// record the caller frame and stop there.
			bp = 0
		} else {
			bp = nextBP
		}
	}
	return frames, nil
}

// NewTestAddressSpace builds an AddressSpace from a literal symbol list.
// It exists for tests of the walk and attribution logic.
func NewTestAddressSpace(pid int, bias uint64, symbols map[string][2]uint64) *AddressSpace {
	a := &AddressSpace{pid: pid, bias: bias}
	for name, span := range symbols {
		a.symbols = append(a.symbols, symbol{name: name, start: span[0], size: span[1]})
	}
	sort.Slice(a.symbols, func(i, j int) bool { return a.symbols[i].start < a.symbols[j].start })
	return a
}
