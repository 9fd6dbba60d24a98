package router

import (
	"errors"
	"fmt"
	"strings"
)

// Registration and lookup errors
var (
	ErrInvalidPattern  = errors.New("router: invalid pattern")
	ErrPatternConflict = errors.New("router: pattern conflict")
	ErrInvalidGroup    = errors.New("router: invalid group")
)

// Mux routes resource names to registered handler values using resource name
// patterns. A pattern is a dot-separated sequence of tokens, where each token
// is a literal, a parameter placeholder ($name), or a terminal full wildcard
// (>). Matching precedence is literal first, then parameter, then full
// wildcard.
//
// The mux is not safe for concurrent registration. Once all patterns are
// registered it is immutable and safe for concurrent matching.
type Mux struct {
	path string
	root *node
}

type node struct {
	entry     *entry
	nodes     map[string]*node
	param     *node
	paramName string
	wild      *node
}

// entry is a registered handler leaf.
type entry struct {
	value      interface{}
	pattern    string
	paramNames []string
	group      []groupPart
}

// groupPart is a precompiled fragment of a group template. A negative index
// marks a literal fragment.
type groupPart struct {
	lit string
	idx int
}

// Match is the result of a successful pattern match.
type Match struct {
	// Value is the handler value given at registration.
	Value interface{}

	// Params maps parameter placeholder names to the tokens they captured.
	Params map[string]string

	// Group is the resolved worker group, or the empty string if the
	// handler was registered without a group.
	Group string

	// Pattern is the full canonical pattern the handler was registered
	// under, including the mux prefix.
	Pattern string
}

// NewMux creates a new Mux with the given path prefix. The path must be
// empty, or one or more dot-separated literal tokens.
func NewMux(path string) (*Mux, error) {
	if path != "" {
		for _, t := range strings.Split(path, ".") {
			if !IsValidToken(t) {
				return nil, fmt.Errorf("%w: invalid path %q", ErrInvalidPattern, path)
			}
		}
	}
	return &Mux{path: path, root: &node{}}, nil
}

// Path returns the mux path prefix.
func (m *Mux) Path() string {
	return m.path
}

// MergePattern merges the mux path prefix with a pattern.
func (m *Mux) MergePattern(pattern string) string {
	if m.path == "" {
		return pattern
	}
	if pattern == "" {
		return m.path
	}
	return m.path + "." + pattern
}

// Register registers a handler value under a pattern. The group is an
// optional worker group template, where each ${name} reference is substituted
// with the captured value of the corresponding pattern parameter.
func (m *Mux) Register(pattern, group string, v interface{}) error {
	tokens, paramNames, err := parsePattern(pattern)
	if err != nil {
		return err
	}

	gparts, err := parseGroup(group, paramNames)
	if err != nil {
		return err
	}

	n := m.root
	for _, t := range tokens {
		switch {
		case t == ">":
			if n.wild == nil {
				n.wild = &node{}
			}
			n = n.wild
		case t[0] == '$':
			name := t[1:]
			if n.param == nil {
				n.param = &node{}
				n.paramName = name
			} else if n.paramName != name {
				return fmt.Errorf("%w: parameter $%s in %q collides with $%s in a registered pattern",
					ErrPatternConflict, name, pattern, n.paramName)
			}
			n = n.param
		default:
			if n.nodes == nil {
				n.nodes = make(map[string]*node)
			}
			c, ok := n.nodes[t]
			if !ok {
				c = &node{}
				n.nodes[t] = c
			}
			n = c
		}
	}

	if n.entry != nil {
		return fmt.Errorf("%w: pattern %q already registered", ErrPatternConflict, pattern)
	}
	n.entry = &entry{
		value:      v,
		pattern:    m.MergePattern(pattern),
		paramNames: paramNames,
		group:      gparts,
	}
	return nil
}

// Match looks up the handler for a resource name. It returns nil if the name
// does not fall under the mux path, or if no registered pattern matches.
func (m *Mux) Match(rname string) *Match {
	sub := rname
	if m.path != "" {
		if !strings.HasPrefix(rname, m.path+".") {
			return nil
		}
		sub = rname[len(m.path)+1:]
	}
	if sub == "" {
		return nil
	}

	e, vals := matchNode(m.root, strings.Split(sub, "."), nil)
	if e == nil {
		return nil
	}

	var params map[string]string
	if len(e.paramNames) > 0 {
		params = make(map[string]string, len(e.paramNames))
		for i, name := range e.paramNames {
			params[name] = vals[i]
		}
	}

	return &Match{
		Value:   e.value,
		Params:  params,
		Group:   resolveGroup(e.group, vals, rname),
		Pattern: e.pattern,
	}
}

// matchNode matches the remaining tokens against the subtree rooted at n,
// trying literal children before the parameter child before the full
// wildcard. vals accumulates tokens captured by parameter edges.
func matchNode(n *node, tokens, vals []string) (*entry, []string) {
	if len(tokens) == 0 {
		if n.entry != nil {
			return n.entry, vals
		}
		return nil, nil
	}
	t := tokens[0]
	if c, ok := n.nodes[t]; ok {
		if e, v := matchNode(c, tokens[1:], vals); e != nil {
			return e, v
		}
	}
	if n.param != nil {
		if e, v := matchNode(n.param, tokens[1:], append(vals, t)); e != nil {
			return e, v
		}
	}
	if n.wild != nil && n.wild.entry != nil {
		return n.wild.entry, vals
	}
	return nil, nil
}

// Contains reports whether at least one registered handler value satisfies
// the filter.
func (m *Mux) Contains(filter func(v interface{}) bool) bool {
	return containsNode(m.root, filter)
}

func containsNode(n *node, filter func(v interface{}) bool) bool {
	if n == nil {
		return false
	}
	if n.entry != nil && filter(n.entry.value) {
		return true
	}
	for _, c := range n.nodes {
		if containsNode(c, filter) {
			return true
		}
	}
	return containsNode(n.param, filter) || containsNode(n.wild, filter)
}

// Patterns returns the full patterns of all registered handler values
// satisfying the filter.
func (m *Mux) Patterns(filter func(v interface{}) bool) []string {
	var patterns []string
	patternsNode(m.root, filter, &patterns)
	return patterns
}

func patternsNode(n *node, filter func(v interface{}) bool, patterns *[]string) {
	if n == nil {
		return
	}
	if n.entry != nil && filter(n.entry.value) {
		*patterns = append(*patterns, n.entry.pattern)
	}
	for _, c := range n.nodes {
		patternsNode(c, filter, patterns)
	}
	patternsNode(n.param, filter, patterns)
	patternsNode(n.wild, filter, patterns)
}

// parsePattern validates a pattern and splits it into tokens, collecting the
// parameter placeholder names in order of appearance.
func parsePattern(pattern string) (tokens, paramNames []string, err error) {
	if pattern == "" {
		return nil, nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	tokens = strings.Split(pattern, ".")
	for i, t := range tokens {
		switch {
		case t == ">":
			if i != len(tokens)-1 {
				return nil, nil, fmt.Errorf("%w: full wildcard not in last position in %q", ErrInvalidPattern, pattern)
			}
		case len(t) > 1 && t[0] == '$':
			name := t[1:]
			if !IsValidToken(name) {
				return nil, nil, fmt.Errorf("%w: invalid parameter token %q in %q", ErrInvalidPattern, t, pattern)
			}
			for _, prev := range paramNames {
				if prev == name {
					return nil, nil, fmt.Errorf("%w: duplicate parameter $%s in %q", ErrInvalidPattern, name, pattern)
				}
			}
			paramNames = append(paramNames, name)
		default:
			if !IsValidToken(t) {
				return nil, nil, fmt.Errorf("%w: invalid token %q in %q", ErrInvalidPattern, t, pattern)
			}
		}
	}
	return tokens, paramNames, nil
}

// parseGroup precompiles a group template, validating that every ${name}
// reference names a parameter of the pattern.
func parseGroup(group string, paramNames []string) ([]groupPart, error) {
	if group == "" {
		return nil, nil
	}

	var parts []groupPart
	var lit strings.Builder
	for i := 0; i < len(group); i++ {
		c := group[i]
		if c != '$' {
			lit.WriteByte(c)
			continue
		}
		if i+1 >= len(group) || group[i+1] != '{' {
			return nil, fmt.Errorf("%w: expected ${name} reference in %q", ErrInvalidGroup, group)
		}
		end := strings.IndexByte(group[i+2:], '}')
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated ${name} reference in %q", ErrInvalidGroup, group)
		}
		name := group[i+2 : i+2+end]
		idx := -1
		for j, p := range paramNames {
			if p == name {
				idx = j
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: reference ${%s} does not match any pattern parameter", ErrInvalidGroup, name)
		}
		if lit.Len() > 0 {
			parts = append(parts, groupPart{lit: lit.String(), idx: -1})
			lit.Reset()
		}
		parts = append(parts, groupPart{idx: idx})
		i += 2 + end
	}
	if lit.Len() > 0 {
		parts = append(parts, groupPart{lit: lit.String(), idx: -1})
	}
	return parts, nil
}

// resolveGroup builds the worker group for a match. An empty template
// resolves to the resource name.
func resolveGroup(parts []groupPart, vals []string, rname string) string {
	if len(parts) == 0 {
		return rname
	}
	var b strings.Builder
	for _, p := range parts {
		if p.idx < 0 {
			b.WriteString(p.lit)
		} else {
			b.WriteString(vals[p.idx])
		}
	}
	return b.String()
}

// IsValidToken reports whether s is a valid literal pattern token: a
// non-empty string of alphanumeric characters and underscores.
func IsValidToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
			return false
		}
	}
	return true
}
