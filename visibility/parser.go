package visibility

import (
	"fmt"
	"strings"
)

// NodeType identifies the kind of a parsed marking node.
type NodeType int

const (
	TermNode NodeType = iota
	AndNode
	OrNode
)

// maxDepth bounds parenthesis nesting.
const maxDepth = 64

// Node is a parsed marking expression.
type Node struct {
	Type     NodeType
	Term     string
	Children []*Node
}

// String renders n in canonical form. Terms that contain characters outside
// the bare-term alphabet are quoted.
func (n *Node) String() string {
	if n == nil {
		return ""
	}
	switch n.Type {
	case TermNode:
		return quoteTerm(n.Term)
	default:
		op := "&"
		if n.Type == OrNode {
			op = "|"
		}
		parts := make([]string, len(n.Children))
		for i, c := range n.Children {
			if c.Type == TermNode {
				parts[i] = c.String()
			} else {
				parts[i] = "(" + c.String() + ")"
			}
		}
		return strings.Join(parts, op)
	}
}

// Terms returns every distinct term referenced by n.
func (n *Node) Terms() []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(*Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		if n.Type == TermNode {
			if !seen[n.Term] {
				seen[n.Term] = true
				out = append(out, n.Term)
			}
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(n)
	return out
}

// ParseError describes a malformed marking expression.
type ParseError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid marking %q at position %d: %s", e.Expr, e.Pos, e.Msg)
}

// Parse parses a marking expression. An empty expression parses to a nil
// node, which places no restriction on visibility.
func Parse(expr string) (*Node, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, nil
	}

	p := &parser{expr: trimmed}
	n, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.expr) {
		return nil, p.errorf("unexpected %q", p.expr[p.pos])
	}
	return n, nil
}

// Validate reports whether expr is a well-formed marking expression.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

type parser struct {
	expr string
	pos  int
}

func (p *parser) errorf(format string, args ...any) error {
	return &ParseError{Expr: p.expr, Pos: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseExpr(depth int) (*Node, error) {
	if depth > maxDepth {
		return nil, p.errorf("nesting deeper than %d", maxDepth)
	}

	first, err := p.parseOperand(depth)
	if err != nil {
		return nil, err
	}

	children := []*Node{first}
	var op byte
	for p.pos < len(p.expr) && p.expr[p.pos] != ')' {
		c := p.expr[p.pos]
		if c != '&' && c != '|' {
			return nil, p.errorf("expected '&' or '|', found %q", c)
		}
		if op != 0 && c != op {
			return nil, p.errorf("cannot mix '&' and '|' without parentheses")
		}
		op = c
		p.pos++

		next, err := p.parseOperand(depth)
		if err != nil {
			return nil, err
		}
		children = append(children, next)
	}

	if op == 0 {
		return first, nil
	}
	n := &Node{Type: AndNode, Children: children}
	if op == '|' {
		n.Type = OrNode
	}
	return n, nil
}

func (p *parser) parseOperand(depth int) (*Node, error) {
	if p.pos >= len(p.expr) {
		return nil, p.errorf("expected term")
	}

	switch c := p.expr[p.pos]; {
	case c == '(':
		p.pos++
		if p.pos < len(p.expr) && p.expr[p.pos] == ')' {
			return nil, p.errorf("empty parentheses")
		}
		n, err := p.parseExpr(depth + 1)
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.expr) || p.expr[p.pos] != ')' {
			return nil, p.errorf("missing ')'")
		}
		p.pos++
		return n, nil
	case c == '"':
		return p.parseQuoted()
	case isTermChar(c):
		start := p.pos
		for p.pos < len(p.expr) && isTermChar(p.expr[p.pos]) {
			p.pos++
		}
		return &Node{Type: TermNode, Term: p.expr[start:p.pos]}, nil
	default:
		return nil, p.errorf("expected term, found %q", c)
	}
}

func (p *parser) parseQuoted() (*Node, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for p.pos < len(p.expr) {
		c := p.expr[p.pos]
		switch c {
		case '\\':
			if p.pos+1 >= len(p.expr) {
				return nil, p.errorf("dangling escape")
			}
			next := p.expr[p.pos+1]
			if next != '"' && next != '\\' {
				return nil, p.errorf("invalid escape \\%c", next)
			}
			b.WriteByte(next)
			p.pos += 2
		case '"':
			p.pos++
			if b.Len() == 0 {
				return nil, p.errorf("empty quoted term")
			}
			return &Node{Type: TermNode, Term: b.String()}, nil
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return nil, p.errorf("unterminated quoted term")
}

func isTermChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_', c == '-', c == '.', c == ':', c == '/':
		return true
	}
	return false
}

func quoteTerm(t string) string {
	bare := t != ""
	for i := 0; i < len(t); i++ {
		if !isTermChar(t[i]) {
			bare = false
			break
		}
	}
	if bare {
		return t
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(t) + `"`
}
