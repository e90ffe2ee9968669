package main

import (
	"errors"
	"flag"
	"fmt"

	"github.com/chazu/moca/config"
	"github.com/chazu/moca/pkg/bytecode"
	"github.com/chazu/moca/vm/jit"
	"github.com/chazu/moca/vm/jit/amd64"
	"github.com/chazu/moca/vm/microop"
	"github.com/chazu/moca/vm/verifier"
)

// jitDumpCommand lowers every function and prints its micro-ops and, for
// functions native code can run, the generated machine code. Nothing is
// executed.
func jitDumpCommand(args []string) error {
	fs := flag.NewFlagSet("jit-dump", flag.ExitOnError)
	microOnly := fs.Bool("micro", false, "Print micro-ops only")
	path, err := parse(fs, args)
	if err != nil {
		return err
	}

	chunk, err := bytecode.LoadFile(path)
	if err != nil {
		return err
	}
	if err := verifier.VerifyChunk(chunk, verifier.Config{MaxStack: config.Default().Verifier.MaxStack}); err != nil {
		return err
	}

	compiler := jit.NewCompiler()
	for _, fn := range chunk.AllFunctions() {
		cf := microop.Convert(fn)
		fmt.Printf("; %s (arity %d, %d registers)\n", fn.Name, fn.Arity, cf.RegisterCount())
		fmt.Print(cf.String())
		if *microOnly {
			fmt.Println()
			continue
		}

		code, err := compiler.Compile(fn, cf)
		switch {
		case errors.Is(err, jit.ErrNotEligible):
			fmt.Printf("; not compiled: %v\n\n", err)
			continue
		case err != nil:
			return err
		}
		fmt.Printf("; native: %d bytes, %d safepoints\n", code.Size(), code.StackMaps.Len())
		fmt.Print(amd64.Disassemble(code.Bytes))
		fmt.Println()
	}
	return nil
}
