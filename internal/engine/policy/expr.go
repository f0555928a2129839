package policy

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// The condition language is deliberately small: literals, dotted lookups
// into the bound context, arithmetic, comparisons, boolean operators, and
// five builtins (contains, matches, includes, len, lower). No loops, no
// assignment, no access to anything outside the bindings, so a condition
// can be evaluated under a hard wall-clock cap.

const (
	maxSourceLen  = 4096
	maxParseDepth = 64
	maxEvalSteps  = 100000
	maxRegexLen   = 512
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			l.pos++
			continue
		}
		break
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]

	switch {
	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos], pos: start}, nil

	case c >= '0' && c <= '9':
		sawDot := false
		for l.pos < len(l.src) {
			d := l.src[l.pos]
			if d == '.' && !sawDot && l.pos+1 < len(l.src) && l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9' {
				sawDot = true
				l.pos++
				continue
			}
			if d < '0' || d > '9' {
				break
			}
			l.pos++
		}
		return token{kind: tokNumber, text: l.src[start:l.pos], pos: start}, nil

	case c == '\'' || c == '"':
		quote := c
		l.pos++
		var b strings.Builder
		for l.pos < len(l.src) {
			d := l.src[l.pos]
			if d == '\\' && l.pos+1 < len(l.src) {
				e := l.src[l.pos+1]
				switch e {
				case '\'', '"', '\\':
					b.WriteByte(e)
				case 'n':
					b.WriteByte('\n')
				case 't':
					b.WriteByte('\t')
				default:
					return token{}, fmt.Errorf("bad escape \\%c at %d", e, l.pos)
				}
				l.pos += 2
				continue
			}
			if d == quote {
				l.pos++
				return token{kind: tokString, text: b.String(), pos: start}, nil
			}
			b.WriteByte(d)
			l.pos++
		}
		return token{}, fmt.Errorf("unterminated string at %d", start)
	}

	// Multi-char operators first.
	two := ""
	if l.pos+1 < len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}
	switch two {
	case "||", "&&", "==", "!=", "<=", ">=":
		l.pos += 2
		return token{kind: tokOp, text: two, pos: start}, nil
	}
	switch c {
	case '!', '<', '>', '+', '-', '*', '/', '%', '(', ')', ',', '.':
		l.pos++
		return token{kind: tokOp, text: string(c), pos: start}, nil
	}
	return token{}, fmt.Errorf("unexpected character %q at %d", c, start)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// AST

type node interface{}

type litNode struct{ val any }

type pathNode struct{ segs []string }

// callNode is a builtin invocation. recv is non-nil for method form
// (tools.includes(x)); the receiver becomes the first argument.
type callNode struct {
	recv node
	name string
	args []node
}

type unaryNode struct {
	op      string
	operand node
}

type binaryNode struct {
	op          string
	left, right node
}

// Program is a parsed condition ready for repeated evaluation.
type Program struct {
	root node
	src  string
}

// Parse compiles a condition. Anything outside the restricted grammar is
// rejected here, before any evaluation happens.
func Parse(src string) (*Program, error) {
	if len(src) > maxSourceLen {
		return nil, fmt.Errorf("condition exceeds %d bytes", maxSourceLen)
	}
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("empty condition")
	}
	p := &parser{lex: lexer{src: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	root, err := p.parseOr(0)
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", p.cur.text, p.cur.pos)
	}
	return &Program{root: root, src: src}, nil
}

type parser struct {
	lex lexer
	cur token
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = t
	return nil
}

func (p *parser) accept(op string) (bool, error) {
	if p.cur.kind == tokOp && p.cur.text == op {
		return true, p.advance()
	}
	return false, nil
}

func (p *parser) expect(op string) error {
	ok, err := p.accept(op)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("expected %q at %d, got %q", op, p.cur.pos, p.cur.text)
	}
	return nil
}

func (p *parser) parseOr(depth int) (node, error) {
	left, err := p.parseAnd(depth + 1)
	if err != nil {
		return nil, err
	}
	for {
		ok, err := p.accept("||")
		if err != nil {
			return nil, err
		}
		if !ok {
			return left, nil
		}
		right, err := p.parseAnd(depth + 1)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "||", left: left, right: right}
	}
}

func (p *parser) parseAnd(depth int) (node, error) {
	left, err := p.parseEquality(depth + 1)
	if err != nil {
		return nil, err
	}
	for {
		ok, err := p.accept("&&")
		if err != nil {
			return nil, err
		}
		if !ok {
			return left, nil
		}
		right, err := p.parseEquality(depth + 1)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "&&", left: left, right: right}
	}
}

func (p *parser) parseEquality(depth int) (node, error) {
	left, err := p.parseComparison(depth + 1)
	if err != nil {
		return nil, err
	}
	for {
		op := ""
		for _, cand := range []string{"==", "!="} {
			ok, err := p.accept(cand)
			if err != nil {
				return nil, err
			}
			if ok {
				op = cand
				break
			}
		}
		if op == "" {
			return left, nil
		}
		right, err := p.parseComparison(depth + 1)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseComparison(depth int) (node, error) {
	left, err := p.parseAdditive(depth + 1)
	if err != nil {
		return nil, err
	}
	for {
		op := ""
		for _, cand := range []string{"<=", ">=", "<", ">"} {
			ok, err := p.accept(cand)
			if err != nil {
				return nil, err
			}
			if ok {
				op = cand
				break
			}
		}
		if op == "" {
			return left, nil
		}
		right, err := p.parseAdditive(depth + 1)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseAdditive(depth int) (node, error) {
	left, err := p.parseMultiplicative(depth + 1)
	if err != nil {
		return nil, err
	}
	for {
		op := ""
		for _, cand := range []string{"+", "-"} {
			ok, err := p.accept(cand)
			if err != nil {
				return nil, err
			}
			if ok {
				op = cand
				break
			}
		}
		if op == "" {
			return left, nil
		}
		right, err := p.parseMultiplicative(depth + 1)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative(depth int) (node, error) {
	left, err := p.parseUnary(depth + 1)
	if err != nil {
		return nil, err
	}
	for {
		op := ""
		for _, cand := range []string{"*", "/", "%"} {
			ok, err := p.accept(cand)
			if err != nil {
				return nil, err
			}
			if ok {
				op = cand
				break
			}
		}
		if op == "" {
			return left, nil
		}
		right, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary(depth int) (node, error) {
	if depth > maxParseDepth {
		return nil, fmt.Errorf("condition nested too deeply")
	}
	for _, cand := range []string{"!", "-"} {
		ok, err := p.accept(cand)
		if err != nil {
			return nil, err
		}
		if ok {
			operand, err := p.parseUnary(depth + 1)
			if err != nil {
				return nil, err
			}
			return unaryNode{op: cand, operand: operand}, nil
		}
	}
	return p.parsePrimary(depth)
}

func (p *parser) parsePrimary(depth int) (node, error) {
	if depth > maxParseDepth {
		return nil, fmt.Errorf("condition nested too deeply")
	}

	switch p.cur.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(p.cur.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at %d", p.cur.text, p.cur.pos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return litNode{val: f}, nil

	case tokString:
		s := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return litNode{val: s}, nil

	case tokIdent:
		name := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		switch name {
		case "true":
			return litNode{val: true}, nil
		case "false":
			return litNode{val: false}, nil
		case "null":
			return litNode{val: nil}, nil
		}
		segs := []string{name}
		for {
			ok, err := p.accept(".")
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			if p.cur.kind != tokIdent {
				return nil, fmt.Errorf("expected field name at %d", p.cur.pos)
			}
			segs = append(segs, p.cur.text)
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		ok, err := p.accept("(")
		if err != nil {
			return nil, err
		}
		if !ok {
			return pathNode{segs: segs}, nil
		}
		// Call: last segment is the function, any prefix is the receiver.
		fn := segs[len(segs)-1]
		var recv node
		if len(segs) > 1 {
			recv = pathNode{segs: segs[:len(segs)-1]}
		}
		var args []node
		done, err := p.accept(")")
		if err != nil {
			return nil, err
		}
		for !done {
			arg, err := p.parseOr(depth + 1)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			comma, err := p.accept(",")
			if err != nil {
				return nil, err
			}
			if comma {
				continue
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			done = true
		}
		return callNode{recv: recv, name: fn, args: args}, nil

	case tokOp:
		if p.cur.text == "(" {
			if err := p.advance(); err != nil {
				return nil, err
			}
			inner, err := p.parseOr(depth + 1)
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return inner, nil
		}
	}
	return nil, fmt.Errorf("unexpected %q at %d", p.cur.text, p.cur.pos)
}

// Evaluation

type evaluator struct {
	binds    map[string]any
	deadline time.Time
	steps    int
}

// Eval runs the program against the bindings with a wall-clock deadline.
// Every fault — type mismatch, unknown function, deadline, step budget —
// comes back as an error; the caller treats all of them as non-match.
func (prog *Program) Eval(binds map[string]any, deadline time.Time) (any, error) {
	ev := &evaluator{binds: binds, deadline: deadline}
	return ev.eval(prog.root)
}

func (e *evaluator) eval(n node) (any, error) {
	e.steps++
	if e.steps > maxEvalSteps {
		return nil, fmt.Errorf("step budget exhausted")
	}
	if e.steps%32 == 0 && time.Now().After(e.deadline) {
		return nil, fmt.Errorf("deadline exceeded")
	}

	switch t := n.(type) {
	case litNode:
		return t.val, nil

	case pathNode:
		return e.resolve(t.segs)

	case unaryNode:
		v, err := e.eval(t.operand)
		if err != nil {
			return nil, err
		}
		switch t.op {
		case "!":
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("! needs a boolean")
			}
			return !b, nil
		case "-":
			f, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("- needs a number")
			}
			return -f, nil
		}
		return nil, fmt.Errorf("unknown unary %q", t.op)

	case binaryNode:
		return e.evalBinary(t)

	case callNode:
		return e.evalCall(t)
	}
	return nil, fmt.Errorf("unknown node")
}

func (e *evaluator) evalBinary(n binaryNode) (any, error) {
	// Boolean operators short-circuit.
	if n.op == "&&" || n.op == "||" {
		lv, err := e.eval(n.left)
		if err != nil {
			return nil, err
		}
		lb, ok := lv.(bool)
		if !ok {
			return nil, fmt.Errorf("%s needs booleans", n.op)
		}
		if n.op == "&&" && !lb {
			return false, nil
		}
		if n.op == "||" && lb {
			return true, nil
		}
		rv, err := e.eval(n.right)
		if err != nil {
			return nil, err
		}
		rb, ok := rv.(bool)
		if !ok {
			return nil, fmt.Errorf("%s needs booleans", n.op)
		}
		return rb, nil
	}

	lv, err := e.eval(n.left)
	if err != nil {
		return nil, err
	}
	rv, err := e.eval(n.right)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return looseEqual(lv, rv), nil
	case "!=":
		return !looseEqual(lv, rv), nil
	case "<", "<=", ">", ">=":
		lf, lok := lv.(float64)
		rf, rok := rv.(float64)
		if !lok || !rok {
			return nil, fmt.Errorf("%s needs numbers", n.op)
		}
		switch n.op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		default:
			return lf >= rf, nil
		}
	case "+":
		if ls, ok := lv.(string); ok {
			if rs, ok := rv.(string); ok {
				if len(ls)+len(rs) > maxSourceLen {
					return nil, fmt.Errorf("string too long")
				}
				return ls + rs, nil
			}
		}
		lf, lok := lv.(float64)
		rf, rok := rv.(float64)
		if !lok || !rok {
			return nil, fmt.Errorf("+ needs two numbers or two strings")
		}
		return lf + rf, nil
	case "-", "*", "/", "%":
		lf, lok := lv.(float64)
		rf, rok := rv.(float64)
		if !lok || !rok {
			return nil, fmt.Errorf("%s needs numbers", n.op)
		}
		switch n.op {
		case "-":
			return lf - rf, nil
		case "*":
			return lf * rf, nil
		case "/":
			if rf == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return lf / rf, nil
		default:
			if rf == 0 {
				return nil, fmt.Errorf("modulo by zero")
			}
			return math.Mod(lf, rf), nil
		}
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

func (e *evaluator) evalCall(n callNode) (any, error) {
	args := make([]any, 0, len(n.args)+1)
	if n.recv != nil {
		rv, err := e.eval(n.recv)
		if err != nil {
			return nil, err
		}
		args = append(args, rv)
	}
	for _, a := range n.args {
		av, err := e.eval(a)
		if err != nil {
			return nil, err
		}
		args = append(args, av)
	}

	switch n.name {
	case "contains", "includes":
		if len(args) != 2 {
			return nil, fmt.Errorf("%s needs 2 arguments", n.name)
		}
		switch hay := args[0].(type) {
		case string:
			needle, ok := args[1].(string)
			if !ok {
				return nil, fmt.Errorf("%s needs a string needle", n.name)
			}
			return strings.Contains(hay, needle), nil
		case []string:
			for _, item := range hay {
				if looseEqual(item, args[1]) {
					return true, nil
				}
			}
			return false, nil
		}
		return nil, fmt.Errorf("%s needs a string or list", n.name)

	case "matches":
		if len(args) != 2 {
			return nil, fmt.Errorf("matches needs 2 arguments")
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("matches needs a string subject")
		}
		pat, ok := args[1].(string)
		if !ok {
			return nil, fmt.Errorf("matches needs a string pattern")
		}
		if len(pat) > maxRegexLen {
			return nil, fmt.Errorf("pattern too long")
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("bad pattern: %w", err)
		}
		return re.MatchString(s), nil

	case "len":
		if len(args) != 1 {
			return nil, fmt.Errorf("len needs 1 argument")
		}
		switch v := args[0].(type) {
		case string:
			return float64(len(v)), nil
		case []string:
			return float64(len(v)), nil
		}
		return nil, fmt.Errorf("len needs a string or list")

	case "lower":
		if len(args) != 1 {
			return nil, fmt.Errorf("lower needs 1 argument")
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("lower needs a string")
		}
		return strings.ToLower(s), nil
	}
	return nil, fmt.Errorf("unknown function %q", n.name)
}

// resolve walks a dotted path through the bindings. Missing fields
// resolve to null rather than faulting so conditions can probe optional
// fields.
func (e *evaluator) resolve(segs []string) (any, error) {
	var cur any = e.binds
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s is not an object", strings.Join(segs, "."))
		}
		cur = m[seg]
	}
	return cur, nil
}

// looseEqual compares same-typed scalars; mixed types and nulls compare
// unequal (except null == null).
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}
