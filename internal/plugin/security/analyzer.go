// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package security

import (
	"regexp"
	"strings"
	"time"

	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

// Analyzer statically vets Lua plugin source before it is loaded. Two
// independent passes run over every source: a syntax-tree walk flagging
// calls to blocked function names, and a line scan matching dangerous
// constructs and checking imports against the module allow/deny list.
type Analyzer struct {
	policy  *Policy
	gate    *moduleGate
	log     *ViolationLog
	blocked map[string]bool
}

// NewAnalyzer creates an analyzer for the given policy. Findings are
// appended to log in addition to being returned per report.
func NewAnalyzer(policy *Policy, log *ViolationLog) (*Analyzer, error) {
	if policy == nil {
		policy = DefaultPolicy()
	}
	gate, err := newModuleGate(policy)
	if err != nil {
		return nil, err
	}
	blocked := make(map[string]bool, len(policy.BlockedFunctions))
	for _, fn := range policy.BlockedFunctions {
		blocked[fn] = true
	}
	return &Analyzer{policy: policy, gate: gate, log: log, blocked: blocked}, nil
}

// Report is the outcome of analyzing one source unit. Safe is false iff
// at least one high or critical violation was found; lower severities
// are recorded but non-blocking.
type Report struct {
	PluginID   string
	Violations []Violation
	Safe       bool
}

// dangerousPatterns drive the second analysis pass. The AST walk and the
// pattern scan are deliberately independent: either can catch constructs
// the other misses (string-built calls vs. obfuscated formatting).
var dangerousPatterns = []struct {
	re   *regexp.Regexp
	sev  Severity
	desc string
}{
	{regexp.MustCompile(`\bos\.execute\b|\bio\.popen\b`), SeverityCritical, "process spawning"},
	{regexp.MustCompile(`\b(loadstring|loadfile|dofile)\b|\bload\s*\(`), SeverityHigh, "dynamic code evaluation"},
	{regexp.MustCompile(`\bos\.(remove|rename|exit|getenv)\b`), SeverityHigh, "operating system access"},
	{regexp.MustCompile(`\bio\.(open|lines|read|write|input|output)\b`), SeverityMedium, "raw file I/O"},
	{regexp.MustCompile(`\bdebug\.\w+`), SeverityMedium, "debug library introspection"},
}

// requirePattern captures statically-written module imports.
var requirePattern = regexp.MustCompile(`require\s*\(?\s*["']([A-Za-z0-9_.\-]+)["']`)

// AnalyzeCode runs both passes over source and returns every finding.
func (a *Analyzer) AnalyzeCode(pluginID, source string) *Report {
	r := &Report{PluginID: pluginID}

	a.walkPass(r, pluginID, source)
	a.patternPass(r, pluginID, source)

	r.Safe = true
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			r.Safe = false
			break
		}
	}
	return r
}

// record appends a finding to both the report and the shared log.
func (a *Analyzer) record(r *Report, v Violation) {
	v.Timestamp = time.Now()
	r.Violations = append(r.Violations, v)
	if a.log != nil {
		a.log.Append(v)
	}
}

// walkPass parses the source and flags calls to blocked functions.
// Source that does not parse cannot be vetted and is itself a blocking
// violation.
func (a *Analyzer) walkPass(r *Report, pluginID, source string) {
	chunk, err := parse.Parse(strings.NewReader(source), pluginID)
	if err != nil {
		a.record(r, Violation{
			PluginID:    pluginID,
			Type:        ViolationInvalidSource,
			Severity:    SeverityHigh,
			Description: "source does not parse: " + err.Error(),
		})
		return
	}
	a.walkStmts(r, pluginID, chunk)
}

func (a *Analyzer) walkStmts(r *Report, pluginID string, stmts []ast.Stmt) {
	for _, s := range stmts {
		a.walkStmt(r, pluginID, s)
	}
}

func (a *Analyzer) walkStmt(r *Report, pluginID string, s ast.Stmt) {
	switch st := s.(type) {
	case *ast.AssignStmt:
		a.walkExprs(r, pluginID, st.Lhs)
		a.walkExprs(r, pluginID, st.Rhs)
	case *ast.LocalAssignStmt:
		a.walkExprs(r, pluginID, st.Exprs)
	case *ast.FuncCallStmt:
		a.walkExpr(r, pluginID, st.Expr)
	case *ast.DoBlockStmt:
		a.walkStmts(r, pluginID, st.Stmts)
	case *ast.WhileStmt:
		a.walkExpr(r, pluginID, st.Condition)
		a.walkStmts(r, pluginID, st.Stmts)
	case *ast.RepeatStmt:
		a.walkExpr(r, pluginID, st.Condition)
		a.walkStmts(r, pluginID, st.Stmts)
	case *ast.IfStmt:
		a.walkExpr(r, pluginID, st.Condition)
		a.walkStmts(r, pluginID, st.Then)
		a.walkStmts(r, pluginID, st.Else)
	case *ast.NumberForStmt:
		a.walkExpr(r, pluginID, st.Init)
		a.walkExpr(r, pluginID, st.Limit)
		if st.Step != nil {
			a.walkExpr(r, pluginID, st.Step)
		}
		a.walkStmts(r, pluginID, st.Stmts)
	case *ast.GenericForStmt:
		a.walkExprs(r, pluginID, st.Exprs)
		a.walkStmts(r, pluginID, st.Stmts)
	case *ast.FuncDefStmt:
		a.walkExpr(r, pluginID, st.Func)
	case *ast.ReturnStmt:
		a.walkExprs(r, pluginID, st.Exprs)
	}
}

func (a *Analyzer) walkExprs(r *Report, pluginID string, exprs []ast.Expr) {
	for _, e := range exprs {
		a.walkExpr(r, pluginID, e)
	}
}

func (a *Analyzer) walkExpr(r *Report, pluginID string, e ast.Expr) {
	switch ex := e.(type) {
	case *ast.FuncCallExpr:
		a.checkCall(r, pluginID, ex)
		if ex.Func != nil {
			a.walkExpr(r, pluginID, ex.Func)
		}
		if ex.Receiver != nil {
			a.walkExpr(r, pluginID, ex.Receiver)
		}
		a.walkExprs(r, pluginID, ex.Args)
	case *ast.AttrGetExpr:
		a.walkExpr(r, pluginID, ex.Object)
		a.walkExpr(r, pluginID, ex.Key)
	case *ast.TableExpr:
		for _, f := range ex.Fields {
			if f.Key != nil {
				a.walkExpr(r, pluginID, f.Key)
			}
			a.walkExpr(r, pluginID, f.Value)
		}
	case *ast.FunctionExpr:
		a.walkStmts(r, pluginID, ex.Stmts)
	case *ast.LogicalOpExpr:
		a.walkExpr(r, pluginID, ex.Lhs)
		a.walkExpr(r, pluginID, ex.Rhs)
	case *ast.RelationalOpExpr:
		a.walkExpr(r, pluginID, ex.Lhs)
		a.walkExpr(r, pluginID, ex.Rhs)
	case *ast.StringConcatOpExpr:
		a.walkExpr(r, pluginID, ex.Lhs)
		a.walkExpr(r, pluginID, ex.Rhs)
	case *ast.ArithmeticOpExpr:
		a.walkExpr(r, pluginID, ex.Lhs)
		a.walkExpr(r, pluginID, ex.Rhs)
	case *ast.UnaryMinusOpExpr:
		a.walkExpr(r, pluginID, ex.Expr)
	case *ast.UnaryNotOpExpr:
		a.walkExpr(r, pluginID, ex.Expr)
	case *ast.UnaryLenOpExpr:
		a.walkExpr(r, pluginID, ex.Expr)
	}
}

// checkCall flags a call expression whose resolved name is blocked, and
// gates statically-resolvable require() calls.
func (a *Analyzer) checkCall(r *Report, pluginID string, call *ast.FuncCallExpr) {
	name := callName(call)
	if name == "" {
		return
	}

	if a.blocked[name] {
		a.record(r, Violation{
			PluginID:    pluginID,
			Type:        ViolationBlockedFunction,
			Severity:    SeverityHigh,
			Description: "call to blocked function " + name,
			Line:        call.Line(),
		})
	}

	if name == "require" && len(call.Args) > 0 {
		if mod, ok := call.Args[0].(*ast.StringExpr); ok && !a.gate.Allowed(mod.Value) {
			a.record(r, Violation{
				PluginID:    pluginID,
				Type:        ViolationForbiddenModule,
				Severity:    SeverityHigh,
				Description: "import of forbidden module " + mod.Value,
				Line:        call.Line(),
			})
		}
	}
}

// callName resolves a call expression to a bare or dotted name.
// Method calls (a:b()) resolve to "a:b"; computed calls resolve to "".
func callName(call *ast.FuncCallExpr) string {
	if call.Receiver != nil {
		if base := exprName(call.Receiver); base != "" {
			return base + ":" + call.Method
		}
		return call.Method
	}
	return exprName(call.Func)
}

func exprName(e ast.Expr) string {
	switch v := e.(type) {
	case *ast.IdentExpr:
		return v.Value
	case *ast.AttrGetExpr:
		key, ok := v.Key.(*ast.StringExpr)
		if !ok {
			return ""
		}
		if base := exprName(v.Object); base != "" {
			return base + "." + key.Value
		}
		return key.Value
	default:
		return ""
	}
}

// patternPass scans each line against the dangerous-construct table and
// checks every statically-written require against the module gate.
func (a *Analyzer) patternPass(r *Report, pluginID, source string) {
	for i, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue // comment-only line
		}

		for _, p := range dangerousPatterns {
			if p.re.MatchString(line) {
				a.record(r, Violation{
					PluginID:    pluginID,
					Type:        ViolationDangerousCode,
					Severity:    p.sev,
					Description: p.desc,
					Line:        i + 1,
				})
			}
		}

		for _, m := range requirePattern.FindAllStringSubmatch(line, -1) {
			if !a.gate.Allowed(m[1]) {
				a.record(r, Violation{
					PluginID:    pluginID,
					Type:        ViolationForbiddenModule,
					Severity:    SeverityHigh,
					Description: "import of forbidden module " + m[1],
					Line:        i + 1,
				})
			}
		}
	}
}
