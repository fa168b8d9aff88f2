// Package mapping turns declarative path templates into object-key matchers
// and derives tenant, partition and sort key fields from object keys.
package mapping

import (
	"regexp"
	"sort"
	"strings"

	"tenant-ingest/internal/domain"
)

var (
	placeholderRE = regexp.MustCompile(`\{([^{}]*)\}`)
	identRE       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

type tokenKind int

const (
	tokLiteral tokenKind = iota
	tokWildcard
	tokEnum
)

// token is one piece of a prefix segment.
type token struct {
	kind   tokenKind
	text   string   // literal text
	name   string   // variable name
	values []string // sorted allowed values
}

// matcher is a compiled template.
type matcher struct {
	template domain.PathTemplate
	re       *regexp.Regexp
	groups   []string // variable name per capture group after the tenant group
	segments [][]token
	kinds    map[string]domain.VariableKind
	keys     domain.KeyColumns
}

// signature identifies the set of keys a template matches, independent of
// variable names.
func (m *matcher) signature() string { return m.re.String() }

// placeholders returns the names of the placeholders in prefix, in order.
func placeholders(prefix string) []string {
	found := placeholderRE.FindAllStringSubmatch(prefix, -1)
	out := make([]string, 0, len(found))
	for _, f := range found {
		out = append(out, f[1])
	}
	return out
}

// segments splits a prefix ending in "/" into its segments.
func segments(prefix string) []string {
	return strings.Split(strings.TrimSuffix(prefix, "/"), "/")
}

func tokenize(segment string, vars map[string]domain.Variable) []token {
	var out []token
	rest := segment
	for rest != "" {
		loc := placeholderRE.FindStringSubmatchIndex(rest)
		if loc == nil {
			out = append(out, token{kind: tokLiteral, text: rest})
			break
		}
		if loc[0] > 0 {
			out = append(out, token{kind: tokLiteral, text: rest[:loc[0]]})
		}
		name := rest[loc[2]:loc[3]]
		v := vars[name]
		if len(v.AllowedValues) > 0 {
			values := append([]string(nil), v.AllowedValues...)
			sort.Strings(values)
			out = append(out, token{kind: tokEnum, name: name, values: dedupe(values)})
		} else {
			out = append(out, token{kind: tokWildcard, name: name})
		}
		rest = rest[loc[1]:]
	}
	return out
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

// compile builds the matcher for a template that passed validation.
func compile(t domain.PathTemplate) (*matcher, error) {
	vars := make(map[string]domain.Variable, len(t.Variables))
	kinds := make(map[string]domain.VariableKind, len(t.Variables))
	for _, v := range t.Variables {
		vars[v.Name] = v
		kinds[v.Name] = v.Kind
	}

	m := &matcher{template: t, kinds: kinds}
	for _, c := range t.Columns {
		switch c.Kind {
		case domain.KindSecondaryPartitionKey:
			m.keys.Secondary = c.Name
		case domain.KindSortKey:
			m.keys.Sort = c.Name
		}
	}

	var b strings.Builder
	b.WriteString(`^([^/]+)/`)
	for _, seg := range segments(t.Prefix) {
		toks := tokenize(seg, vars)
		m.segments = append(m.segments, toks)
		for _, tok := range toks {
			switch tok.kind {
			case tokLiteral:
				b.WriteString(regexp.QuoteMeta(tok.text))
			case tokWildcard:
				b.WriteString(`([^/]+)`)
				m.groups = append(m.groups, tok.name)
			case tokEnum:
				quoted := make([]string, len(tok.values))
				for i, v := range tok.values {
					quoted[i] = regexp.QuoteMeta(v)
				}
				b.WriteString("(" + strings.Join(quoted, "|") + ")")
				m.groups = append(m.groups, tok.name)
			}
		}
		b.WriteByte('/')
	}
	b.WriteString(`[^/]+$`)

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	m.re = re
	return m, nil
}
