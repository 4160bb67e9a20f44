package instruction

import (
	"context"
	"fmt"
)

func errOperatorEvaluated(op string) error {
	return fmt.Errorf("%s cannot be evaluated as an operand", op)
}

// LogicalAnd marks a binary AND in the postfix stream. The evaluator pops
// and combines its operands itself; Evaluate is never reached on a
// well-formed stream.
type LogicalAnd struct{}

func (*LogicalAnd) Op() string       { return OpLogicalAnd }
func (*LogicalAnd) DeviceID() string { return "" }

func (*LogicalAnd) Evaluate(context.Context, Env) (bool, error) {
	return false, errOperatorEvaluated(OpLogicalAnd)
}

// LogicalOr marks a binary OR in the postfix stream.
type LogicalOr struct{}

func (*LogicalOr) Op() string       { return OpLogicalOr }
func (*LogicalOr) DeviceID() string { return "" }

func (*LogicalOr) Evaluate(context.Context, Env) (bool, error) {
	return false, errOperatorEvaluated(OpLogicalOr)
}

// IsOperator reports whether the instruction is one of the logical
// connectives rather than an operand.
func IsOperator(inst Instruction) bool {
	switch inst.(type) {
	case *LogicalAnd, *LogicalOr:
		return true
	default:
		return false
	}
}
