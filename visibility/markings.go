// Package visibility evaluates security markings against caller credentials.
//
// A marking is a boolean expression over credential terms, written in
// column-visibility syntax:
//
//	USER|ADMIN
//	(PUBLIC|PRIVATE)&"ops:team"
//
// Markings are grouped by category; an entry carrying several categories is
// visible only when every category evaluates to true.
package visibility

import (
	"maps"
	"slices"
	"sort"
	"strings"
)

// ColumnVisibility is the default marking category.
const ColumnVisibility = "columnVisibility"

// Markings maps a marking category to its expression.
type Markings map[string]string

// NewMarkings returns markings holding a single columnVisibility expression.
// An empty expression yields nil markings.
func NewMarkings(columnVisibility string) Markings {
	return Markings{ColumnVisibility: columnVisibility}.Normalize()
}

// Normalize returns a copy of m with categories and expressions trimmed and
// blank ones dropped. Markings with nothing left are nil.
func (m Markings) Normalize() Markings {
	var out Markings
	for category, expr := range m {
		category, expr = strings.TrimSpace(category), strings.TrimSpace(expr)
		if category == "" || expr == "" {
			continue
		}
		if out == nil {
			out = make(Markings, len(m))
		}
		out[category] = expr
	}
	return out
}

// Categories returns the marking categories in sorted order.
func (m Markings) Categories() []string {
	return slices.Sorted(maps.Keys(m))
}

// ColumnVisibility returns the expression of the default category.
func (m Markings) ColumnVisibility() string {
	return m[ColumnVisibility]
}

// Clone returns a copy of m. A nil or empty m yields nil.
func (m Markings) Clone() Markings {
	if len(m) == 0 {
		return nil
	}
	return maps.Clone(m)
}

// Key returns a canonical string for m, stable across map orderings and
// surrounding whitespace. Two markings with equal keys restrict visibility
// identically.
func (m Markings) Key() string {
	m = m.Normalize()
	if len(m) == 0 {
		return ""
	}
	var b strings.Builder
	for i, c := range m.Categories() {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(c)
		b.WriteByte('=')
		b.WriteString(m[c])
	}
	return b.String()
}

// Auths is a set of credential terms held by a caller.
type Auths map[string]bool

// NewAuths builds a credential set, ignoring blank terms.
func NewAuths(terms ...string) Auths {
	a := make(Auths, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t != "" {
			a[t] = true
		}
	}
	return a
}

// Contains reports whether term is in the set.
func (a Auths) Contains(term string) bool {
	return a[term]
}

// Intersect returns the terms present in both a and b.
func (a Auths) Intersect(b Auths) Auths {
	out := make(Auths)
	for t := range a {
		if b[t] {
			out[t] = true
		}
	}
	return out
}

// Slice returns the terms in sorted order.
func (a Auths) Slice() []string {
	out := make([]string, 0, len(a))
	for t := range a {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Combine merges markings so the result is at least as restrictive as each
// input. Distinct expressions of one category are AND-ed together.
func Combine(ms ...Markings) Markings {
	exprs := make(map[string][]string)
	for _, m := range ms {
		for c, e := range m {
			e = strings.TrimSpace(e)
			if e == "" || slices.Contains(exprs[c], e) {
				continue
			}
			exprs[c] = append(exprs[c], e)
		}
	}
	if len(exprs) == 0 {
		return nil
	}

	out := make(Markings, len(exprs))
	for c, es := range exprs {
		if len(es) == 1 {
			out[c] = es[0]
			continue
		}
		sort.Strings(es)
		parts := make([]string, len(es))
		for i, e := range es {
			parts[i] = andOperand(e)
		}
		out[c] = strings.Join(parts, "&")
	}
	return out
}

// andOperand wraps e in parentheses unless it can be joined with '&' as is.
func andOperand(e string) string {
	n, err := Parse(e)
	if err != nil || n == nil {
		return "(" + e + ")"
	}
	if n.Type == OrNode {
		return "(" + n.String() + ")"
	}
	return n.String()
}
