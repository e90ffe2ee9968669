package vm

// ---------------------------------------------------------------------------
// Interpreter: the Cold tier
// ---------------------------------------------------------------------------

// interpret runs f's bytecode directly.
func (t *thread) interpret(f *function, args []Value) (Value, error) {
	fr := &frame{
		fn:     f,
		tier:   TierCold,
		locals: newLocals(f.fn.LocalsCount, args),
		resume: -1,
	}
	t.enter(fr)
	defer t.leave()

	code := f.fn.Code
	prof := t.vm.opcodes
	for {
		pc := fr.pc
		if pc >= len(code) {
			return Null, locate(faultf(ErrInternal, "fell off the end of the code"), f.fn.Name, pc)
		}
		op := code[pc]
		if prof != nil {
			prof.record(op.Code)
		}

		ctl, target, err := t.exec(fr, op, pc)
		if err != nil {
			err = locate(err, f.fn.Name, pc)
			if t.catch(fr, err) {
				continue
			}
			return Null, err
		}
		switch ctl {
		case ctlJump:
			fr.pc = target
		case ctlReturn:
			return fr.result, nil
		default:
			fr.pc = pc + 1
		}
	}
}
