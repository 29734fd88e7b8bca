package condeval

import (
	"fmt"
	"reflect"
)

func (n *unaryOp) eval(env map[string]any) (any, error) {
	v, err := n.x.eval(env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !truthy(v), nil
	case "-":
		f, ok := asFloat(v)
		if !ok {
			return nil, fmt.Errorf("condeval: unary '-' on non-numeric value")
		}
		return -f, nil
	}
	return nil, fmt.Errorf("condeval: unknown unary operator %q", n.op)
}

func (n *binaryOp) eval(env map[string]any) (any, error) {
	// Short-circuit boolean operators.
	if n.op == "&&" {
		x, err := n.x.eval(env)
		if err != nil {
			return nil, err
		}
		if !truthy(x) {
			return false, nil
		}
		y, err := n.y.eval(env)
		if err != nil {
			return nil, err
		}
		return truthy(y), nil
	}
	if n.op == "||" {
		x, err := n.x.eval(env)
		if err != nil {
			return nil, err
		}
		if truthy(x) {
			return true, nil
		}
		y, err := n.y.eval(env)
		if err != nil {
			return nil, err
		}
		return truthy(y), nil
	}

	x, err := n.x.eval(env)
	if err != nil {
		return nil, err
	}
	y, err := n.y.eval(env)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return looseEqual(x, y), nil
	case "!=":
		return !looseEqual(x, y), nil
	}

	xf, xok := asFloat(x)
	yf, yok := asFloat(y)

	switch n.op {
	case "+":
		if xs, ok := x.(string); ok {
			ys, ok2 := y.(string)
			if ok2 {
				return xs + ys, nil
			}
		}
		if !xok || !yok {
			return nil, fmt.Errorf("condeval: '+' requires numeric or string operands")
		}
		return xf + yf, nil
	}

	if !xok || !yok {
		return nil, fmt.Errorf("condeval: operator %q requires numeric operands", n.op)
	}

	switch n.op {
	case "-":
		return xf - yf, nil
	case "*":
		return xf * yf, nil
	case "/":
		if yf == 0 {
			return nil, fmt.Errorf("condeval: division by zero")
		}
		return xf / yf, nil
	case "%":
		if yf == 0 {
			return nil, fmt.Errorf("condeval: modulo by zero")
		}
		return float64(int64(xf) % int64(yf)), nil
	case "<":
		return xf < yf, nil
	case "<=":
		return xf <= yf, nil
	case ">":
		return xf > yf, nil
	case ">=":
		return xf >= yf, nil
	}
	return nil, fmt.Errorf("condeval: unknown binary operator %q", n.op)
}

func (n *containsOp) eval(env map[string]any) (any, error) {
	needle, err := n.needle.eval(env)
	if err != nil {
		return nil, err
	}
	haystack, err := n.haystack.eval(env)
	if err != nil {
		return nil, err
	}
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, nil
		}
		for i := 0; i+len(s) <= len(h); i++ {
			if h[i:i+len(s)] == s {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false, nil
		}
		_, present := h[s]
		return present, nil
	default:
		rv := reflect.ValueOf(haystack)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			for i := 0; i < rv.Len(); i++ {
				if looseEqual(rv.Index(i).Interface(), needle) {
					return true, nil
				}
			}
			return false, nil
		}
	}
	return false, nil
}

func (n *ternaryOp) eval(env map[string]any) (any, error) {
	c, err := n.cond.eval(env)
	if err != nil {
		return nil, err
	}
	if truthy(c) {
		return n.then.eval(env)
	}
	return n.els.eval(env)
}

func (n *callLen) eval(env map[string]any) (any, error) {
	v, err := n.arg.eval(env)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case string:
		return float64(len(t)), nil
	case map[string]any:
		return float64(len(t)), nil
	default:
		rv := reflect.ValueOf(v)
		if rv.IsValid() && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array || rv.Kind() == reflect.Map) {
			return float64(rv.Len()), nil
		}
	}
	return nil, fmt.Errorf("condeval: len() requires a string, map, or slice")
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case nil:
		return false
	default:
		return true
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func looseEqual(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

// Evaluate parses and runs expr against env (the source output map merged
// under the "output" key, plus every current-memory key as its own variable).
// Per spec §4.1.3/§9, any failure — parse error, undefined name, runtime type
// error — yields false rather than propagating. An empty expression defaults
// to true.
func Evaluate(expr string, env map[string]any) bool {
	if expr == "" {
		return true
	}
	ast, err := parse(expr)
	if err != nil {
		return false
	}
	v, err := ast.eval(env)
	if err != nil {
		return false
	}
	return truthy(v)
}
