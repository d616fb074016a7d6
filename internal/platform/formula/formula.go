// Package formula evaluates the Go expressions used in REDCap fieldmaps. Each
// expression sees the task as "task" (a Values) and may call a small set of
// standard library functions. Expressions are vetted syntactically, then
// interpreted with yaegi under a deadline: no function literals, no channel
// operations and no identifiers beyond the allowed functions.
package formula

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"reflect"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// allowedPackages lists, per package, the functions formulas may call.
// Only these symbols are loaded into the interpreter.
var allowedPackages = map[string][]string{
	"strings": {"Contains", "Fields", "HasPrefix", "HasSuffix", "Index", "Join", "Replace",
		"ReplaceAll", "Split", "ToLower", "ToUpper", "TrimPrefix", "TrimSpace", "TrimSuffix"},
	"strconv": {"FormatBool", "FormatFloat", "FormatInt", "Itoa", "Quote"},
	"math": {"Abs", "Ceil", "Floor", "IsNaN", "Max", "Min", "Mod", "Pow", "Round", "Sqrt", "Trunc"},
	"fmt":  {"Sprint", "Sprintf"},
}

// allowedIdents are bare identifiers a formula may use besides "task".
var allowedIdents = map[string]bool{
	"task": true, "true": true, "false": true, "nil": true,
	"int": true, "int64": true, "float64": true, "string": true, "len": true,
}

// DefaultTimeout bounds one evaluation of a whole Program.
const DefaultTimeout = 2 * time.Second

// ErrTimeout is returned when a Program overruns its deadline. The program
// is unusable afterwards.
var ErrTimeout = errors.New("formula evaluation timed out")

var symbols = interp.Exports{
	"camcops/formula/formula": {
		"Values":        reflect.ValueOf((*Values)(nil)),
		"PatientValues": reflect.ValueOf((*PatientValues)(nil)),
	},
}

// stdlibSubset copies the allowed functions out of yaegi's stdlib table.
func stdlibSubset() (interp.Exports, error) {
	out := make(interp.Exports, len(allowedPackages))
	for pkg, names := range allowedPackages {
		key := pkg + "/" + pkg
		all, ok := stdlib.Symbols[key]
		if !ok {
			return nil, fmt.Errorf("stdlib package %s not available", pkg)
		}
		syms := make(map[string]reflect.Value, len(names))
		for _, name := range names {
			v, ok := all[name]
			if !ok {
				return nil, fmt.Errorf("stdlib symbol %s.%s not available", pkg, name)
			}
			syms[name] = v
		}
		out[key] = syms
	}
	return out, nil
}

type compiledFunc = func(Values) interface{}

// Program is a set of named formulas compiled together.
type Program struct {
	mu      sync.Mutex
	funcs   map[string]compiledFunc
	order   []string
	timeout time.Duration
	// broken is set once an evaluation overran; the interpreter may still
	// be running it.
	broken error
	// running is closed when the last evaluation finishes. It stays set
	// after a cancelled call so the next one waits for the interpreter.
	running chan struct{}
}

// Compile vets and compiles every formula in fields (field name -> expression).
func Compile(fields map[string]string) (*Program, error) {
	names := make([]string, 0, len(fields))
	for name, expr := range fields {
		if err := Check(expr); err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var src strings.Builder
	src.WriteString("package main\n\nimport (\n\t\"fmt\"\n\t\"math\"\n\t\"strconv\"\n\t\"strings\"\n\n\t\"camcops/formula\"\n)\n\n")
	src.WriteString("var _ = fmt.Sprint\nvar _ = math.Abs\nvar _ = strconv.Itoa\nvar _ = strings.ToUpper\n\n")
	for i, name := range names {
		fmt.Fprintf(&src, "func F%d(task formula.Values) interface{} {\n\treturn %s\n}\n\n", i, fields[name])
	}

	std, err := stdlibSubset()
	if err != nil {
		return nil, err
	}
	i := interp.New(interp.Options{})
	if err := i.Use(std); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}
	if err := i.Use(symbols); err != nil {
		return nil, fmt.Errorf("load formula symbols: %w", err)
	}
	if _, err := i.Eval(src.String()); err != nil {
		return nil, fmt.Errorf("compile formulas: %w", err)
	}

	p := &Program{funcs: make(map[string]compiledFunc, len(names)), order: names, timeout: DefaultTimeout}
	for idx, name := range names {
		v, err := i.Eval(fmt.Sprintf("main.F%d", idx))
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		fn, ok := v.Interface().(func(Values) interface{})
		if !ok {
			return nil, fmt.Errorf("field %q: unexpected compiled type %T", name, v.Interface())
		}
		p.funcs[name] = fn
	}
	return p, nil
}

// Fields returns the compiled field names in sorted order.
func (p *Program) Fields() []string {
	return p.order
}

// Eval runs every formula against v, within the program's timeout or ctx's
// deadline, whichever is sooner. A panic inside a formula (for example a
// division by zero) is reported as an error for that field.
func (p *Program) Eval(ctx context.Context, v Values) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broken != nil {
		return nil, p.broken
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if p.running != nil {
		select {
		case <-p.running:
			p.running = nil
		case <-ctx.Done():
			return nil, p.expired(ctx)
		}
	}

	type result struct {
		out map[string]any
		err error
	}
	ch := make(chan result, 1)
	running := make(chan struct{})
	p.running = running
	go func() {
		defer close(running)
		out := make(map[string]any, len(p.funcs))
		for _, name := range p.order {
			res, err := call(p.funcs[name], v)
			if err != nil {
				ch <- result{err: fmt.Errorf("field %q: %w", name, err)}
				return
			}
			out[name] = res
		}
		ch <- result{out: out}
	}()

	select {
	case r := <-ch:
		p.running = nil
		return r.out, r.err
	case <-ctx.Done():
		return nil, p.expired(ctx)
	}
}

// expired reports why ctx ended, marking the program broken on a deadline.
func (p *Program) expired(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		p.broken = ErrTimeout
		return ErrTimeout
	}
	return ctx.Err()
}

func call(fn compiledFunc, v Values) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("formula failed: %v", r)
		}
	}()
	return fn(v), nil
}

// Check parses expr as a single Go expression and rejects anything outside
// the formula subset.
func Check(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("empty formula")
	}
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return fmt.Errorf("parse formula: %w", err)
	}

	var bad error
	var visit func(n ast.Node) bool
	visit = func(n ast.Node) bool {
		if bad != nil {
			return false
		}
		switch x := n.(type) {
		case *ast.FuncLit:
			bad = fmt.Errorf("function literals are not allowed")
		case *ast.UnaryExpr:
			if x.Op == token.ARROW {
				bad = fmt.Errorf("channel operations are not allowed")
			}
		case *ast.SelectorExpr:
			// Only the left-hand side names something; the selector itself
			// is a field or method.
			if id, ok := x.X.(*ast.Ident); ok {
				switch funcs, isPkg := allowedPackages[id.Name]; {
				case id.Name == "task":
				case !isPkg:
					bad = fmt.Errorf("identifier %q is not allowed", id.Name)
				case !slices.Contains(funcs, x.Sel.Name):
					bad = fmt.Errorf("%s.%s is not allowed", id.Name, x.Sel.Name)
				}
				return false
			}
			ast.Inspect(x.X, visit)
			return false
		case *ast.Ident:
			if !allowedIdents[x.Name] {
				bad = fmt.Errorf("identifier %q is not allowed", x.Name)
			}
		}
		return true
	}
	ast.Inspect(node, visit)
	return bad
}
