// Package expr evaluates branch conditions against form data.
//
// The grammar is a closed subset of Go expression syntax: identifiers,
// number/string/bool literals, parentheses, unary ! - +, arithmetic,
// comparison and boolean operators. The words and, or, not, True, False
// and None are accepted as aliases. Anything that could reach outside the
// variable set (calls, selectors, indexing, literals of composite types) is
// rejected at compile time.
package expr

import (
	"encoding/json"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"math"
	"reflect"
	"strconv"
	"strings"
)

const (
	MaxLength = 1024
	MaxNodes  = 256
)

var (
	ErrSyntax          = errors.New("expression syntax error")
	ErrUnsupported     = errors.New("unsupported expression construct")
	ErrUnknownVariable = errors.New("unknown variable")
	ErrType            = errors.New("type mismatch")
	ErrDivByZero       = errors.New("division by zero")
)

var wordOps = map[string]string{
	"and":   "&&",
	"or":    "||",
	"not":   "!",
	"True":  "true",
	"False": "false",
	"None":  "nil",
}

// Expression is a compiled condition. It is immutable and safe for
// concurrent use.
type Expression struct {
	src  string
	root ast.Expr
}

func (x *Expression) String() string { return x.src }

// Compile parses and checks an expression.
func Compile(src string) (*Expression, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	if len(src) > MaxLength {
		return nil, fmt.Errorf("%w: expression longer than %d bytes", ErrUnsupported, MaxLength)
	}
	goSrc, err := translate(src)
	if err != nil {
		return nil, err
	}
	root, err := parser.ParseExpr(goSrc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	if err := check(root); err != nil {
		return nil, err
	}
	return &Expression{src: src, root: root}, nil
}

// Evaluate compiles src and reports whether it is truthy for vars.
func Evaluate(src string, vars map[string]any) (bool, error) {
	x, err := Compile(src)
	if err != nil {
		return false, err
	}
	return x.Match(vars)
}

// Match reports whether the expression is truthy for vars.
func (x *Expression) Match(vars map[string]any) (bool, error) {
	v, err := x.Eval(vars)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Eval returns the value of the expression.
func (x *Expression) Eval(vars map[string]any) (any, error) {
	return eval(x.root, vars)
}

// translate rewrites word operators and single-quoted strings into Go syntax.
func translate(src string) (string, error) {
	var s scanner.Scanner
	fset := token.NewFileSet()
	file := fset.AddFile("", fset.Base(), len(src))
	var scanErr error
	s.Init(file, []byte(src), func(_ token.Position, msg string) {
		if scanErr == nil && !strings.Contains(msg, "rune literal") {
			scanErr = fmt.Errorf("%w: %s", ErrSyntax, msg)
		}
	}, 0)
	var out []string
	for {
		_, tok, lit := s.Scan()
		if tok == token.EOF {
			break
		}
		switch {
		case tok == token.SEMICOLON && lit == "\n":
			continue
		case tok == token.IDENT:
			if op, ok := wordOps[lit]; ok {
				out = append(out, op)
				continue
			}
			out = append(out, lit)
		case tok == token.CHAR:
			body := strings.TrimSuffix(strings.TrimPrefix(lit, "'"), "'")
			out = append(out, strconv.Quote(strings.ReplaceAll(body, `\'`, "'")))
		case lit != "":
			out = append(out, lit)
		default:
			out = append(out, tok.String())
		}
	}
	if scanErr != nil {
		return "", scanErr
	}
	return strings.Join(out, " "), nil
}

func check(root ast.Expr) error {
	var err error
	count := 0
	ast.Inspect(root, func(n ast.Node) bool {
		if n == nil || err != nil {
			return false
		}
		count++
		if count > MaxNodes {
			err = fmt.Errorf("%w: expression has more than %d nodes", ErrUnsupported, MaxNodes)
			return false
		}
		switch v := n.(type) {
		case *ast.Ident, *ast.ParenExpr:
		case *ast.BasicLit:
			if v.Kind == token.IMAG {
				err = fmt.Errorf("%w: imaginary literal", ErrUnsupported)
			}
		case *ast.UnaryExpr:
			switch v.Op {
			case token.NOT, token.SUB, token.ADD:
			default:
				err = fmt.Errorf("%w: operator %s", ErrUnsupported, v.Op)
			}
		case *ast.BinaryExpr:
			switch v.Op {
			case token.ADD, token.SUB, token.MUL, token.QUO, token.REM,
				token.EQL, token.NEQ, token.LSS, token.LEQ, token.GTR, token.GEQ,
				token.LAND, token.LOR:
			default:
				err = fmt.Errorf("%w: operator %s", ErrUnsupported, v.Op)
			}
		default:
			err = fmt.Errorf("%w: %T", ErrUnsupported, n)
		}
		return err == nil
	})
	return err
}

func eval(node ast.Expr, vars map[string]any) (any, error) {
	switch n := node.(type) {
	case *ast.ParenExpr:
		return eval(n.X, vars)
	case *ast.BasicLit:
		return literal(n)
	case *ast.Ident:
		switch n.Name {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "nil":
			return nil, nil
		}
		v, ok := vars[n.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownVariable, n.Name)
		}
		return v, nil
	case *ast.UnaryExpr:
		x, err := eval(n.X, vars)
		if err != nil {
			return nil, err
		}
		if n.Op == token.NOT {
			return !Truthy(x), nil
		}
		f, ok := toFloat(x)
		if !ok {
			return nil, fmt.Errorf("%w: %s applied to %T", ErrType, n.Op, x)
		}
		if n.Op == token.SUB {
			return -f, nil
		}
		return f, nil
	case *ast.BinaryExpr:
		return binary(n, vars)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupported, node)
}

func literal(n *ast.BasicLit) (any, error) {
	switch n.Kind {
	case token.INT:
		i, err := strconv.ParseInt(n.Value, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		return float64(i), nil
	case token.FLOAT:
		f, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		return f, nil
	case token.STRING, token.CHAR:
		s, err := strconv.Unquote(n.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: literal %s", ErrUnsupported, n.Kind)
}

func binary(n *ast.BinaryExpr, vars map[string]any) (any, error) {
	left, err := eval(n.X, vars)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case token.LAND:
		if !Truthy(left) {
			return false, nil
		}
		right, err := eval(n.Y, vars)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case token.LOR:
		if Truthy(left) {
			return true, nil
		}
		right, err := eval(n.Y, vars)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}
	right, err := eval(n.Y, vars)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case token.EQL:
		return equal(left, right), nil
	case token.NEQ:
		return !equal(left, right), nil
	case token.LSS, token.LEQ, token.GTR, token.GEQ:
		c, err := compare(left, right)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case token.LSS:
			return c < 0, nil
		case token.LEQ:
			return c <= 0, nil
		case token.GTR:
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	}
	if n.Op == token.ADD {
		ls, lok := left.(string)
		rs, rok := right.(string)
		if lok && rok {
			return ls + rs, nil
		}
	}
	a, aok := toFloat(left)
	b, bok := toFloat(right)
	if !aok || !bok {
		return nil, fmt.Errorf("%w: %T %s %T", ErrType, left, n.Op, right)
	}
	switch n.Op {
	case token.ADD:
		return a + b, nil
	case token.SUB:
		return a - b, nil
	case token.MUL:
		return a * b, nil
	case token.QUO:
		if b == 0 {
			return nil, ErrDivByZero
		}
		return a / b, nil
	case token.REM:
		if b == 0 {
			return nil, ErrDivByZero
		}
		return math.Mod(a, b), nil
	}
	return nil, fmt.Errorf("%w: operator %s", ErrUnsupported, n.Op)
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func compare(a, b any) (int, error) {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1, nil
			case af > bf:
				return 1, nil
			}
			return 0, nil
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), nil
	}
	return 0, fmt.Errorf("%w: cannot order %T and %T", ErrType, a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Truthy reports whether v counts as true: non-zero numbers, non-empty
// strings and collections, and true.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	}
	return true
}
