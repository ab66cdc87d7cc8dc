package constraint

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Scripts may import only these standard library packages. os, net, os/exec,
// syscall and unsafe are never exposed.
var defaultAllowedPackages = []string{
	"errors",
	"fmt",
	"math",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
}

// varsImport is the package through which the sandbox hands variables to a script.
const varsImport = "omnia/rule"

var errGoroutine = errors.New("goroutines are not allowed")

var errNoValidate = errors.New("script must define func Validate(vars map[string]interface{}) map[string]interface{}")

type sandbox struct {
	allowed map[string]bool
	symbols interp.Exports
}

func newSandbox(allowed []string) *sandbox {
	s := &sandbox{
		allowed: make(map[string]bool, len(allowed)),
		symbols: make(interp.Exports),
	}
	for _, pkg := range allowed {
		s.allowed[pkg] = true
	}
	for key, syms := range stdlib.Symbols {
		if s.allowed[path.Dir(key)] {
			s.symbols[key] = syms
		}
	}
	return s
}

// run executes the script in a fresh interpreter bounded by ctx.
func (s *sandbox) run(ctx context.Context, script string, vars map[string]any) Result {
	src, err := s.prepare(script)
	if err != nil {
		return Failed(err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(s.symbols); err != nil {
		return Failed(fmt.Errorf("failed to load symbols: %w", err))
	}
	exports := interp.Exports{
		varsImport + "/rule": {
			"Vars": reflect.ValueOf(func() map[string]interface{} { return vars }),
		},
	}
	if err := i.Use(exports); err != nil {
		return Failed(fmt.Errorf("failed to load rule variables: %w", err))
	}

	if _, err := i.EvalWithContext(ctx, src); err != nil {
		return Failed(fmt.Errorf("script evaluation failed: %w", err))
	}
	out, err := i.EvalWithContext(ctx, "main.omniaRun()")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Failed(fmt.Errorf("script exceeded its time budget: %w", ctxErr))
		}
		return Failed(fmt.Errorf("script failed: %w", err))
	}
	return decodeResult(out)
}

// prepare checks imports and wires the entry point into the script source.
func (s *sandbox) prepare(script string) (string, error) {
	src := script
	if !strings.HasPrefix(strings.TrimSpace(src), "package ") {
		src = "package main\n\n" + src
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "rule.go", src, 0)
	if err != nil {
		return "", fmt.Errorf("script does not parse: %w", err)
	}
	if file.Name.Name != "main" {
		return "", fmt.Errorf("script must be in package main, got %q", file.Name.Name)
	}

	var forbidden []string
	for _, imp := range file.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil || !s.allowed[p] {
			forbidden = append(forbidden, imp.Path.Value)
		}
	}
	if len(forbidden) > 0 {
		sort.Strings(forbidden)
		return "", fmt.Errorf("forbidden imports: %s", strings.Join(forbidden, ", "))
	}

	if pos, ok := findGoStmt(file); ok {
		return "", fmt.Errorf("%s: %w", fset.Position(pos), errGoroutine)
	}

	if !declaresValidate(file) {
		return "", errNoValidate
	}

	// The entry point import goes right after the package clause so that it
	// precedes every declaration of the script.
	cut := fset.Position(file.Name.End()).Offset
	var b strings.Builder
	b.WriteString(src[:cut])
	b.WriteString("\n\nimport omniarule \"" + varsImport + "\"\n")
	b.WriteString(src[cut:])
	b.WriteString("\n\nfunc omniaRun() map[string]interface{} { return Validate(omniarule.Vars()) }\n")
	return b.String(), nil
}

// findGoStmt reports the first go statement in file. The interpreter runs them
// on real goroutines whose panics nothing can recover.
func findGoStmt(file *ast.File) (token.Pos, bool) {
	var pos token.Pos
	ast.Inspect(file, func(n ast.Node) bool {
		if pos.IsValid() {
			return false
		}
		if g, ok := n.(*ast.GoStmt); ok {
			pos = g.Pos()
			return false
		}
		return true
	})
	return pos, pos.IsValid()
}

func declaresValidate(file *ast.File) bool {
	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Recv == nil && fn.Name.Name == "Validate" {
			return true
		}
	}
	return false
}

func decodeResult(v reflect.Value) Result {
	if !v.IsValid() {
		return OK()
	}
	if (v.Kind() == reflect.Map || v.Kind() == reflect.Interface) && v.IsNil() {
		return OK()
	}
	m, ok := v.Interface().(map[string]interface{})
	if !ok {
		return Failed(fmt.Errorf("script Validate returned %s, want map[string]interface{}", v.Type()))
	}
	if len(m) == 0 {
		return OK()
	}

	var res Result
	if status, ok := m["status"].(string); ok {
		res.Status = Status(status)
	}
	if msg, ok := m["message"].(string); ok {
		res.Message = msg
	}
	if e, ok := m["error"].(string); ok {
		res.Error = e
	}
	if c, ok := number(m["confidence"]); ok {
		res.Confidence = &c
	}
	return res
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
