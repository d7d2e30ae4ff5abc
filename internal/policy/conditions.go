package policy

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Кэш скомпилированных программ CEL: выражение -> cel.Program.
// Выражения иммутабельны вместе с версией политики, поэтому кэш не инвалидируется.
var conditionPrograms sync.Map

// Переменные, доступные в условиях политики.
func newConditionEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("amount", cel.IntType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("counterparty", cel.StringType),
		cel.Variable("rail", cel.StringType),
		cel.Variable("agent", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
	)
}

func loadOrCompileCondition(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("condition expression is empty")
	}
	if cached, ok := conditionPrograms.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := newConditionEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("condition %q must evaluate to bool", expr)
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	conditionPrograms.Store(expr, program)
	return program, nil
}

// evalCondition вычисляет условие. Ошибка вычисления трактуется вызывающим
// кодом как нарушение (fail-closed).
func evalCondition(expr string, vars map[string]any) (bool, error) {
	program, err := loadOrCompileCondition(expr)
	if err != nil {
		return false, err
	}
	out, _, err := program.Eval(vars)
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T", expr, out.Value())
	}
	return v, nil
}
