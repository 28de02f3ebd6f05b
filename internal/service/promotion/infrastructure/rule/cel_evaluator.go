package rule

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"flashmart/internal/service/promotion/domain"
)

// CELEvaluator 用 CEL 表达式实现 domain.ConditionEvaluator。
// 编译后的程序按表达式文本缓存。
type CELEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("userId", cel.IntType),
		cel.Variable("productId", cel.IntType),
		cel.Variable("quantity", cel.IntType),
		cel.Variable("subtotal", cel.DoubleType),
	)
	if err != nil {
		return nil, err
	}
	return &CELEvaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile 校验表达式并缓存，运营配置券时调用
func (e *CELEvaluator) Compile(condition string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[condition]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, iss := e.env.Compile(condition)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile condition %q: %w", condition, iss.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition %q must evaluate to bool, got %v", condition, ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[condition] = prg
	e.mu.Unlock()
	return prg, nil
}

func (e *CELEvaluator) Evaluate(condition string, fact domain.Fact) (bool, error) {
	if condition == "" {
		return true, nil
	}
	prg, err := e.Compile(condition)
	if err != nil {
		return false, err
	}
	subtotal, _ := fact.Subtotal.Float64()
	out, _, err := prg.Eval(map[string]any{
		"userId":    fact.UserID,
		"productId": fact.ProductID,
		"quantity":  int64(fact.Quantity),
		"subtotal":  subtotal,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", condition, err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("condition %q returned %T", condition, out.Value())
	}
	return ok, nil
}
