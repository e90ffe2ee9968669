package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/chazu/moca/vm"
	"github.com/chazu/moca/vm/gc"
)

type opcodeRow struct {
	Opcode string `yaml:"opcode"`
	Count  uint64 `yaml:"count"`
}

type statsReport struct {
	VM      string       `yaml:"vm"`
	Result  string       `yaml:"result"`
	Main    string       `yaml:"main-tier"`
	JIT     vm.JITStats  `yaml:"jit"`
	GC      gc.Stats     `yaml:"gc"`
	Heap    vm.HeapStats `yaml:"heap"`
	Opcodes []opcodeRow  `yaml:"opcodes,omitempty"`
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	var f runFlags
	f.register(fs)
	format := fs.String("format", "text", "Output format: text or yaml")
	path, progArgs, err := parseProgram(fs, args)
	if err != nil {
		return err
	}
	if *format != "text" && *format != "yaml" {
		return fmt.Errorf("unknown format %q (want text or yaml)", *format)
	}

	machine, result, err := execute(&f, path, progArgs)
	if err != nil {
		return err
	}
	defer machine.Close()

	report := statsReport{
		VM:     machine.ID.String(),
		Result: machine.Format(result),
		Main:   machine.Tier(vm.MainIndex).String(),
		JIT:    machine.JITStats(),
		GC:     machine.GCStats(),
		Heap:   machine.HeapStats(),
	}
	if p := machine.OpcodeProfile(); p != nil {
		for _, row := range p.Top(20) {
			report.Opcodes = append(report.Opcodes, opcodeRow{Opcode: row.Opcode.String(), Count: row.Count})
		}
	}

	if *format == "yaml" {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	}
	return writeText(os.Stdout, report)
}

func writeText(w io.Writer, r statsReport) error {
	_, err := fmt.Fprintf(w, `vm      %s
result  %s
main    %s
jit     %d quickened, %d compiled (%d bytes), %d compile failures
native  %d calls, %d yields, %d traps
heap    %d objects, %d bytes (threshold %d)
%s
`,
		r.VM, r.Result, r.Main,
		r.JIT.Quickened, r.JIT.Compiled, r.JIT.CodeBytes, r.JIT.CompileFailures,
		r.JIT.NativeCalls, r.JIT.NativeYields, r.JIT.NativeTraps,
		r.Heap.Objects, r.Heap.Bytes, r.Heap.Threshold,
		r.GC)
	return err
}
