package skills

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
)

// Vulnerability is a single static or fused finding on a skill.
type Vulnerability struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Detail   string `json:"detail,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
}

// StaticResult is the outcome of the static analysis stage.
type StaticResult struct {
	Severity        string
	Vulnerabilities []Vulnerability
	Patterns        []string
}

var severityRank = map[string]int{
	"info":     0,
	"low":      1,
	"medium":   2,
	"high":     3,
	"critical": 4,
}

var dangerousModules = map[string]bool{
	"child_process": true,
	"cluster":       true,
	"dgram":         true,
	"dns":           true,
	"net":           true,
	"tls":           true,
}

var fsModules = map[string]bool{
	"fs":          true,
	"fs/promises": true,
}

var escapeProperties = map[string]bool{
	"constructor": true,
	"__proto__":   true,
	"prototype":   true,
}

var dangerousCallees = map[string]string{
	"Function":    "high",
	"setTimeout":  "high",
	"setInterval": "high",
}

var (
	importDeclRe    = regexp.MustCompile(`(?m)^[ \t]*import\b[^\n;]*?['"]([^'"\n]+)['"][ \t]*;?`)
	dynamicImportRe = regexp.MustCompile(`\bimport(\s*\()`)
	hexLiteralRe    = regexp.MustCompile(`^[0-9a-fA-F]+$`)
	base64LiteralRe = regexp.MustCompile(`^[A-Za-z0-9+/]+=*$`)
	unicodeEscRe    = regexp.MustCompile(`\\u[0-9a-fA-F]{4}`)
)

// StaticAnalyzer scans candidate skill code without executing it.
type StaticAnalyzer struct{}

// staticRun carries per-analysis state through the AST walk.
type staticRun struct {
	src    string
	result *StaticResult
}

// Analyze parses the candidate as JavaScript and walks the AST for
// dangerous calls, imports, sandbox-escape vectors, and obfuscated
// literals. Module syntax is handled by a lexical pre-pass because the
// parser is script-mode; parse failure degrades to a single info-level
// parse_error finding and never escalates.
func (StaticAnalyzer) Analyze(code string) StaticResult {
	run := &staticRun{src: code, result: &StaticResult{Severity: "info"}}

	stripped := run.lexicalPass(code)

	prg, err := parser.ParseFile(nil, "skill.js", stripped, 0)
	if err != nil {
		run.add(Vulnerability{
			Type:     "parse_error",
			Severity: "info",
			Detail:   err.Error(),
		})
		run.result.Patterns = append(run.result.Patterns, "Parse error - code may be obfuscated")
		return *run.result
	}

	for _, stmt := range prg.Body {
		walkNode(stmt, run.inspect)
	}
	return *run.result
}

// lexicalPass records module-level import findings and rewrites the
// source so the script-mode parser accepts it, preserving byte offsets.
func (r *staticRun) lexicalPass(code string) string {
	out := []byte(code)

	for _, loc := range importDeclRe.FindAllStringSubmatchIndex(code, -1) {
		module := code[loc[2]:loc[3]]
		line, col := lineCol(code, loc[0])
		switch {
		case dangerousModules[trimNodePrefix(module)]:
			r.add(Vulnerability{
				Type: "dangerous_module", Severity: "critical",
				Detail: "import of " + module, Line: line, Column: col,
			})
		case fsModules[trimNodePrefix(module)]:
			r.add(Vulnerability{
				Type: "filesystem_access", Severity: "high",
				Detail: "import of " + module, Line: line, Column: col,
			})
		}
		blank(out, loc[0], loc[1])
	}

	for _, loc := range dynamicImportRe.FindAllStringSubmatchIndex(string(out), -1) {
		line, col := lineCol(code, loc[0])
		r.add(Vulnerability{
			Type: "dynamic_import", Severity: "critical",
			Detail: "dynamic import()", Line: line, Column: col,
		})
		// "import" and "Object" are the same length, so offsets survive
		// and the call keeps parsing as an expression.
		copy(out[loc[0]:loc[0]+6], "Object")
	}

	return string(out)
}

// inspect emits vulnerability records for a single AST node.
func (r *staticRun) inspect(n ast.Node) {
	switch node := n.(type) {
	case *ast.CallExpression:
		r.inspectCall(node)
	case *ast.NewExpression:
		r.inspectNew(node)
	case *ast.DotExpression:
		r.inspectMember(node, string(node.Identifier.Name), node.Left)
	case *ast.BracketExpression:
		if lit, ok := node.Member.(*ast.StringLiteral); ok {
			r.inspectMember(node, string(lit.Value), node.Left)
		}
	case *ast.WithStatement:
		r.addAt(n, Vulnerability{
			Type: "sandbox_escape", Severity: "critical",
			Detail: "with statement",
		})
	case *ast.StringLiteral:
		r.inspectLiteral(node)
	}
}

func (r *staticRun) inspectCall(call *ast.CallExpression) {
	ident, ok := call.Callee.(*ast.Identifier)
	if !ok {
		return
	}
	name := string(ident.Name)

	switch {
	case name == "eval":
		r.addAt(call, Vulnerability{
			Type: "dangerous_function", Severity: "critical",
			Detail: "call to eval",
		})
	case dangerousCallees[name] != "":
		r.addAt(call, Vulnerability{
			Type: "dangerous_function", Severity: dangerousCallees[name],
			Detail: "call to " + name,
		})
	case name == "require":
		module, literal := firstStringArg(call.ArgumentList)
		if !literal {
			return
		}
		switch {
		case dangerousModules[trimNodePrefix(module)]:
			r.addAt(call, Vulnerability{
				Type: "dangerous_module", Severity: "critical",
				Detail: "require of " + module,
			})
		case fsModules[trimNodePrefix(module)]:
			r.addAt(call, Vulnerability{
				Type: "filesystem_access", Severity: "high",
				Detail: "require of " + module,
			})
		}
	case name == "fetch":
		url, literal := firstStringArg(call.ArgumentList)
		if literal {
			r.addAt(call, Vulnerability{
				Type: "network_request", Severity: "medium",
				Detail: "fetch to " + url,
			})
		} else {
			r.addAt(call, Vulnerability{
				Type: "network_request", Severity: "high",
				Detail: "fetch with dynamic URL",
			})
		}
	}
}

func (r *staticRun) inspectNew(expr *ast.NewExpression) {
	ident, ok := expr.Callee.(*ast.Identifier)
	if !ok {
		return
	}
	switch string(ident.Name) {
	case "Function":
		r.addAt(expr, Vulnerability{
			Type: "dangerous_function", Severity: "critical",
			Detail: "new Function",
		})
	case "Proxy", "Reflect":
		r.addAt(expr, Vulnerability{
			Type: "sandbox_escape", Severity: "critical",
			Detail: "new " + string(ident.Name),
		})
	}
}

func (r *staticRun) inspectMember(n ast.Node, property string, left ast.Expression) {
	if escapeProperties[property] {
		r.addAt(n, Vulnerability{
			Type: "sandbox_escape", Severity: "critical",
			Detail: "access to ." + property,
		})
		return
	}

	ident, ok := left.(*ast.Identifier)
	if !ok {
		return
	}
	owner := string(ident.Name)

	switch {
	case owner == "Proxy" || owner == "Reflect":
		r.addAt(n, Vulnerability{
			Type: "sandbox_escape", Severity: "critical",
			Detail: owner + "." + property,
		})
	case owner == "arguments" && property == "callee":
		r.addAt(n, Vulnerability{
			Type: "sandbox_escape", Severity: "critical",
			Detail: "arguments.callee",
		})
	case owner == "process" && property == "env":
		r.addAt(n, Vulnerability{
			Type: "env_access", Severity: "high",
			Detail: "process.env",
		})
	}
}

func (r *staticRun) inspectLiteral(lit *ast.StringLiteral) {
	value := string(lit.Value)
	switch {
	case len(value) >= 30 && hexLiteralRe.MatchString(value):
		r.addAt(lit, Vulnerability{
			Type: "obfuscation", Severity: "medium",
			Detail: "long hex string literal",
		})
	case len(value) >= 50 && base64LiteralRe.MatchString(value):
		r.addAt(lit, Vulnerability{
			Type: "obfuscation", Severity: "medium",
			Detail: "long base64-shaped string literal",
		})
	case len(unicodeEscRe.FindAllString(lit.Literal, -1)) >= 5:
		r.addAt(lit, Vulnerability{
			Type: "obfuscation", Severity: "medium",
			Detail: "unicode-escaped string literal",
		})
	}
}

// addAt attaches the node's source position before recording.
func (r *staticRun) addAt(n ast.Node, v Vulnerability) {
	v.Line, v.Column = lineCol(r.src, int(n.Idx0())-1)
	r.add(v)
}

func (r *staticRun) add(v Vulnerability) {
	r.result.Vulnerabilities = append(r.result.Vulnerabilities, v)
	r.result.Patterns = append(r.result.Patterns, v.Type+": "+v.Detail)
	// parse_error never escalates the overall severity past info.
	if v.Type == "parse_error" {
		return
	}
	if severityRank[v.Severity] > severityRank[r.result.Severity] {
		r.result.Severity = v.Severity
	}
}

func firstStringArg(args []ast.Expression) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	lit, ok := args[0].(*ast.StringLiteral)
	if !ok {
		return "", false
	}
	return string(lit.Value), true
}

func trimNodePrefix(module string) string {
	return strings.TrimPrefix(module, "node:")
}

// lineCol converts a 0-based byte offset into 1-based line and column.
func lineCol(src string, offset int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > len(src) {
		offset = len(src)
	}
	line, col := 1, 1
	for _, b := range []byte(src[:offset]) {
		if b == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}

// blank overwrites a source span with spaces, preserving newlines so
// offsets and line numbers survive.
func blank(buf []byte, from, to int) {
	for i := from; i < to && i < len(buf); i++ {
		if buf[i] != '\n' {
			buf[i] = ' '
		}
	}
}

// walkNode visits n and recurses into every child node reachable
// through exported fields. Reflection keeps the walk complete across
// the parser's statement taxonomy without enumerating it.
func walkNode(n ast.Node, visit func(ast.Node)) {
	if n == nil {
		return
	}
	rv := reflect.ValueOf(n)
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return
	}
	visit(n)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Struct {
		walkStruct(rv, visit)
	}
}

func walkStruct(v reflect.Value, visit func(ast.Node)) {
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		if !f.CanInterface() {
			continue
		}
		walkValue(f, visit)
	}
}

func walkValue(v reflect.Value, visit func(ast.Node)) {
	switch v.Kind() {
	case reflect.Interface, reflect.Ptr:
		if v.IsNil() {
			return
		}
		if n, ok := v.Interface().(ast.Node); ok {
			walkNode(n, visit)
			return
		}
		if v.Kind() == reflect.Ptr && v.Elem().Kind() == reflect.Struct {
			walkStruct(v.Elem(), visit)
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			walkValue(v.Index(i), visit)
		}
	case reflect.Struct:
		if v.CanAddr() {
			if n, ok := v.Addr().Interface().(ast.Node); ok {
				walkNode(n, visit)
				return
			}
		}
		walkStruct(v, visit)
	}
}
