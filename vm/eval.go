package vm

import (
	"context"
	"fmt"

	"github.com/qube-ai/rule-vm/instruction"
)

// stackEntry is either a resolved bool or an operand awaiting evaluation.
type stackEntry struct {
	value   bool
	pending instruction.Instruction
}

func resolve(ctx context.Context, entry stackEntry, env instruction.Env) (bool, error) {
	if entry.pending == nil {
		return entry.value, nil
	}
	return entry.pending.Evaluate(ctx, env)
}

// evalPostfix runs a compiled postfix stream on a stack machine. Operands
// are pushed unevaluated and resolved when an operator consumes them, left
// before right; there is no short-circuit. A stream that over- or
// under-consumes the stack is an error, not a panic.
func evalPostfix(ctx context.Context, stream []instruction.Instruction, env instruction.Env) (bool, error) {
	if len(stream) == 0 {
		return false, fmt.Errorf("empty instruction stream")
	}

	var stack []stackEntry
	for _, inst := range stream {
		if !instruction.IsOperator(inst) {
			stack = append(stack, stackEntry{pending: inst})
			continue
		}
		if len(stack) < 2 {
			return false, fmt.Errorf("operator %s: stack underflow", inst.Op())
		}
		rhs := stack[len(stack)-1]
		lhs := stack[len(stack)-2]
		stack = stack[:len(stack)-2]

		left, err := resolve(ctx, lhs, env)
		if err != nil {
			return false, err
		}
		right, err := resolve(ctx, rhs, env)
		if err != nil {
			return false, err
		}

		var out bool
		switch inst.Op() {
		case instruction.OpLogicalAnd:
			out = left && right
		case instruction.OpLogicalOr:
			out = left || right
		default:
			return false, fmt.Errorf("unexpected operator %s", inst.Op())
		}
		stack = append(stack, stackEntry{value: out})
	}

	if len(stack) != 1 {
		return false, fmt.Errorf("unbalanced instruction stream: %d entries left", len(stack))
	}
	return resolve(ctx, stack[0], env)
}
