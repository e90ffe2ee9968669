// moca runs and inspects MOCA bytecode files.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/moca/config"
	"github.com/chazu/moca/pkg/bytecode"
	"github.com/chazu/moca/vm"
	"github.com/chazu/moca/vm/verifier"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: moca <command> [options] file.mocab [args...]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run       Verify and run a chunk\n")
	fmt.Fprintf(os.Stderr, "  verify    Verify a chunk without running it\n")
	fmt.Fprintf(os.Stderr, "  disasm    Print a bytecode listing\n")
	fmt.Fprintf(os.Stderr, "  jit-dump  Print micro-ops and native code for every function\n")
	fmt.Fprintf(os.Stderr, "  stats     Run a chunk and report tiering, heap and collector figures\n")
	fmt.Fprintf(os.Stderr, "\nRun 'moca <command> -h' for the command's options.\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  moca run prog.mocab                        # Run with moca.toml settings\n")
	fmt.Fprintf(os.Stderr, "  moca run --jit=off --gc=concurrent prog.mocab\n")
	fmt.Fprintf(os.Stderr, "  moca run prog.mocab input.txt 10           # Arguments after the file reach the program\n")
	fmt.Fprintf(os.Stderr, "  moca stats --format=yaml prog.mocab\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "run":
		err = runCommand(args)
	case "verify":
		err = verifyCommand(args)
	case "disasm":
		err = disasmCommand(args)
	case "jit-dump":
		err = jitDumpCommand(args)
	case "stats":
		err = statsCommand(args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runFlags are the options shared by every command that executes a chunk.
type runFlags struct {
	verbose        bool
	jit            string
	jitThreshold   int
	traceJIT       bool
	gc             string
	gcStats        bool
	noGC           bool
	heapLimit      int64
	profileOpcodes bool
	profileIn      string
	profileOut     string
	noTiering      bool
}

func (f *runFlags) register(fs *flag.FlagSet) {
	fs.BoolVar(&f.verbose, "v", false, "Verbose logging")
	fs.StringVar(&f.jit, "jit", "", "Native compilation: off, on or auto")
	fs.IntVar(&f.jitThreshold, "jit-threshold", -1, "Calls before a function is promoted")
	fs.BoolVar(&f.traceJIT, "trace-jit", false, "Log promotions and compilations")
	fs.StringVar(&f.gc, "gc", "", "Collector mode: stw or concurrent")
	fs.BoolVar(&f.gcStats, "gc-stats", false, "Log every collection cycle")
	fs.BoolVar(&f.noGC, "no-gc", false, "Disable automatic collection")
	fs.Int64Var(&f.heapLimit, "heap-limit", -1, "Live heap limit in bytes (0 for none)")
	fs.BoolVar(&f.profileOpcodes, "profile-opcodes", false, "Count executed opcodes and print the hottest")
	fs.StringVar(&f.profileIn, "profile-in", "", "Load call counts saved by an earlier run")
	fs.StringVar(&f.profileOut, "profile-out", "", "Save call counts when the run ends")
	fs.BoolVar(&f.noTiering, "interpret", false, "Interpret only, never promote functions")
}

// config loads moca.toml from the working directory or a parent and applies
// the flags on top.
func (f *runFlags) config() (config.Config, error) {
	cfg, found, err := config.FindAndLoad(".")
	if err != nil {
		return config.Config{}, err
	}
	if f.jit != "" {
		if cfg.JIT.Mode, err = config.ParseJITMode(f.jit); err != nil {
			return config.Config{}, err
		}
	}
	if f.jitThreshold >= 0 {
		cfg.JIT.Threshold = f.jitThreshold
	}
	if f.traceJIT {
		cfg.JIT.Trace = true
	}
	if f.gc != "" {
		if cfg.GC.Mode, err = config.ParseGCMode(f.gc); err != nil {
			return config.Config{}, err
		}
	}
	if f.gcStats {
		cfg.GC.Stats = true
	}
	if f.noGC {
		cfg.GC.Enabled = false
	}
	if f.heapLimit >= 0 {
		cfg.GC.HeapLimit = f.heapLimit
	}
	if f.profileOpcodes {
		cfg.Profile.Opcodes = true
	}
	if f.profileIn != "" {
		cfg.Profile.Input = f.profileIn
	}
	if f.profileOut != "" {
		cfg.Profile.Output = f.profileOut
	}
	if f.verbose && found {
		fmt.Fprintf(os.Stderr, "Loaded %s\n", cfg.Path)
	}
	return cfg, cfg.Validate()
}

func configureLogging(verbose bool, cfg config.Config) {
	verbosity := 0
	if cfg.JIT.Trace || cfg.GC.Stats {
		verbosity = 1
	}
	if verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)
}

// parse parses a command's flags and returns its single file argument.
func parse(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return "", fmt.Errorf("%s expects one bytecode file", fs.Name())
	}
	return fs.Arg(0), nil
}

// parseProgram parses a command's flags and returns the bytecode file and the
// program's arguments, which start with the file itself.
func parseProgram(fs *flag.FlagSet, args []string) (string, []string, error) {
	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return "", nil, fmt.Errorf("%s expects a bytecode file", fs.Name())
	}
	return fs.Arg(0), fs.Args(), nil
}

// execute runs the chunk at path with the flags' configuration and returns
// the VM, for reporting, and main's result. progArgs are exposed to the
// program through Argc, Argv and Args.
func execute(f *runFlags, path string, progArgs []string) (*vm.VM, vm.Value, error) {
	cfg, err := f.config()
	if err != nil {
		return nil, vm.Null, err
	}
	configureLogging(f.verbose, cfg)

	chunk, err := bytecode.LoadFile(path)
	if err != nil {
		return nil, vm.Null, err
	}
	machine, err := vm.New(cfg)
	if err != nil {
		return nil, vm.Null, err
	}
	machine.SetArgs(progArgs)
	if cfg.Profile.Input != "" {
		if err := machine.LoadProfile(cfg.Profile.Input); err != nil {
			machine.Close()
			return nil, vm.Null, err
		}
	}

	var result vm.Value
	if f.noTiering {
		result, err = machine.Run(chunk)
	} else {
		result, err = machine.RunWithQuickening(chunk)
	}
	if err != nil {
		machine.Close()
		return nil, vm.Null, err
	}

	if cfg.Profile.Output != "" {
		if err := machine.SaveProfile(cfg.Profile.Output); err != nil {
			machine.Close()
			return nil, vm.Null, err
		}
	}
	if p := machine.OpcodeProfile(); p != nil {
		if err := p.Report(os.Stderr, 20); err != nil {
			machine.Close()
			return nil, vm.Null, err
		}
	}
	return machine, result, nil
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var f runFlags
	f.register(fs)
	path, progArgs, err := parseProgram(fs, args)
	if err != nil {
		return err
	}

	machine, result, err := execute(&f, path, progArgs)
	if err != nil {
		return err
	}
	defer machine.Close()
	if !result.IsNull() {
		fmt.Println(machine.Format(result))
	}
	return nil
}

func verifyCommand(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	maxStack := fs.Int("max-stack", config.Default().Verifier.MaxStack, "Maximum operand stack height")
	path, err := parse(fs, args)
	if err != nil {
		return err
	}

	chunk, err := bytecode.LoadFile(path)
	if err != nil {
		return err
	}
	if err := verifier.VerifyChunk(chunk, verifier.Config{MaxStack: *maxStack}); err != nil {
		return err
	}
	fmt.Printf("%s: ok (%d functions)\n", path, len(chunk.AllFunctions()))
	return nil
}

func disasmCommand(args []string) error {
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	path, err := parse(fs, args)
	if err != nil {
		return err
	}

	chunk, err := bytecode.LoadFile(path)
	if err != nil {
		return err
	}
	fmt.Print(chunk.Disassemble())
	return nil
}
