package vm

import (
	"strconv"
	"strings"
)

// maxFormatDepth bounds nesting when rendering heap objects, which may be
// cyclic.
const maxFormatDepth = 8

// Format renders v the way Print shows it. Strings print their contents,
// arrays as [a, b] and objects as {x: 1, y: 2}.
func (vm *VM) Format(v Value) string {
	var sb strings.Builder
	vm.format(&sb, v, 0, true)
	return sb.String()
}

func (vm *VM) format(sb *strings.Builder, v Value, depth int, top bool) {
	if v.Kind != KindRef {
		sb.WriteString(v.String())
		return
	}
	obj := vm.heap.Get(v.AsRef())
	if obj == nil {
		sb.WriteString(v.String())
		return
	}
	if depth >= maxFormatDepth {
		sb.WriteString("...")
		return
	}

	switch obj.Kind {
	case ObjString:
		if top {
			sb.WriteString(obj.Str)
		} else {
			sb.WriteString(strconv.Quote(obj.Str))
		}
	case ObjSlots:
		sb.WriteByte('[')
		for i, s := range vm.slots(obj) {
			if i > 0 {
				sb.WriteString(", ")
			}
			vm.format(sb, s, depth+1, false)
		}
		sb.WriteByte(']')
	case ObjObject:
		sb.WriteByte('{')
		for i, s := range vm.slots(obj) {
			if i > 0 {
				sb.WriteString(", ")
			}
			if obj.Shape != nil && i < len(obj.Shape.Fields) {
				sb.WriteString(obj.Shape.Fields[i])
			} else {
				sb.WriteString(strconv.Itoa(i))
			}
			sb.WriteString(": ")
			vm.format(sb, s, depth+1, false)
		}
		sb.WriteByte('}')
	}
}

// slots copies obj's slots under the heap lock.
func (vm *VM) slots(obj *Object) []Value {
	vm.heap.mu.RLock()
	defer vm.heap.mu.RUnlock()
	out := make([]Value, len(obj.Slots))
	copy(out, obj.Slots)
	return out
}
