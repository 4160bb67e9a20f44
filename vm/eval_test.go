package vm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/qube-ai/rule-vm/instruction"
)

// fakeOperand is a canned operand; operators from the real instruction set
// combine them.
type fakeOperand struct {
	result bool
	err    error
	evals  int
}

func (f *fakeOperand) Op() string       { return "FAKE" }
func (f *fakeOperand) DeviceID() string { return "" }

func (f *fakeOperand) Evaluate(_ context.Context, _ instruction.Env) (bool, error) {
	f.evals++
	return f.result, f.err
}

func operator(t *testing.T, op string) instruction.Instruction {
	t.Helper()
	inst, err := instruction.New(map[string]any{"operation": op})
	if err != nil {
		t.Fatalf("building %s: %v", op, err)
	}
	return inst
}

func TestEvalPostfixTruthTable(t *testing.T) {
	tests := []struct {
		name string
		lhs  bool
		op   string
		rhs  bool
		want bool
	}{
		{"true and true", true, instruction.OpLogicalAnd, true, true},
		{"true and false", true, instruction.OpLogicalAnd, false, false},
		{"false or true", false, instruction.OpLogicalOr, true, true},
		{"false or false", false, instruction.OpLogicalOr, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := []instruction.Instruction{
				&fakeOperand{result: tt.lhs},
				&fakeOperand{result: tt.rhs},
				operator(t, tt.op),
			}
			got, err := evalPostfix(context.Background(), stream, nil)
			if err != nil {
				t.Fatalf("evalPostfix() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("evalPostfix() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvalPostfixChain(t *testing.T) {
	// (true AND false) OR true, as the compiler lowers a left-associative
	// chain.
	stream := []instruction.Instruction{
		&fakeOperand{result: true},
		&fakeOperand{result: false},
		operator(t, instruction.OpLogicalAnd),
		&fakeOperand{result: true},
		operator(t, instruction.OpLogicalOr),
	}
	got, err := evalPostfix(context.Background(), stream, nil)
	if err != nil {
		t.Fatalf("evalPostfix() error = %v", err)
	}
	if !got {
		t.Error("evalPostfix() = false, want true")
	}
}

func TestEvalPostfixSingleOperand(t *testing.T) {
	op := &fakeOperand{result: true}
	got, err := evalPostfix(context.Background(), []instruction.Instruction{op}, nil)
	if err != nil {
		t.Fatalf("evalPostfix() error = %v", err)
	}
	if !got {
		t.Error("evalPostfix() = false, want true")
	}
	if op.evals != 1 {
		t.Errorf("operand evaluated %d times, want 1", op.evals)
	}
}

func TestEvalPostfixIsStrict(t *testing.T) {
	lhs := &fakeOperand{result: false}
	rhs := &fakeOperand{result: true}
	stream := []instruction.Instruction{lhs, rhs, operator(t, instruction.OpLogicalAnd)}

	got, err := evalPostfix(context.Background(), stream, nil)
	if err != nil {
		t.Fatalf("evalPostfix() error = %v", err)
	}
	if got {
		t.Error("false AND true should be false")
	}
	// No short-circuit: both operands run even though the left decides.
	if lhs.evals != 1 || rhs.evals != 1 {
		t.Errorf("evaluations = %d/%d, want 1/1", lhs.evals, rhs.evals)
	}
}

func TestEvalPostfixOperandError(t *testing.T) {
	boom := errors.New("store unavailable")
	stream := []instruction.Instruction{
		&fakeOperand{result: true},
		&fakeOperand{err: boom},
		operator(t, instruction.OpLogicalAnd),
	}
	_, err := evalPostfix(context.Background(), stream, nil)
	if !errors.Is(err, boom) {
		t.Errorf("evalPostfix() error = %v, want the operand error", err)
	}
}

func TestEvalPostfixGuardsMalformedStreams(t *testing.T) {
	tests := []struct {
		name   string
		stream []instruction.Instruction
		want   string
	}{
		{
			name:   "empty",
			stream: nil,
			want:   "empty",
		},
		{
			name:   "operator without operands",
			stream: []instruction.Instruction{operator(t, instruction.OpLogicalAnd)},
			want:   "underflow",
		},
		{
			name:   "operator with one operand",
			stream: []instruction.Instruction{&fakeOperand{result: true}, operator(t, instruction.OpLogicalOr)},
			want:   "underflow",
		},
		{
			name:   "two operands no operator",
			stream: []instruction.Instruction{&fakeOperand{result: true}, &fakeOperand{result: true}},
			want:   "unbalanced",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := evalPostfix(context.Background(), tt.stream, nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("evalPostfix() error = %v, want %q", err, tt.want)
			}
		})
	}
}
