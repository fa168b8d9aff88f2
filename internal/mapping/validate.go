package mapping

import (
	"fmt"
	"strings"

	"tenant-ingest/internal/domain"
)

// ValidationError represents a single problem in a template set.
type ValidationError struct {
	Path    string // e.g. "templates[0].variables[1]"
	Message string
}

func (e ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// Validate checks every template and the set as a whole. An empty result
// means the set is safe to resolve against.
func Validate(templates []domain.PathTemplate) []ValidationError {
	var errs []ValidationError
	if len(templates) == 0 {
		return []ValidationError{{Path: "templates", Message: "at least one template is required"}}
	}

	compiled := make([]*matcher, len(templates))
	for i, t := range templates {
		path := fmt.Sprintf("templates[%d]", i)
		terrs := validateTemplate(path, t)
		errs = append(errs, terrs...)
		if len(terrs) > 0 {
			continue
		}
		m, err := compile(t)
		if err != nil {
			errs = append(errs, ValidationError{Path: path + ".prefix", Message: err.Error()})
			continue
		}
		compiled[i] = m
	}

	for i := range compiled {
		if compiled[i] == nil {
			continue
		}
		for j := 0; j < i; j++ {
			if compiled[j] == nil {
				continue
			}
			path := fmt.Sprintf("templates[%d]", i)
			switch {
			case compiled[i].signature() == compiled[j].signature():
				errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(
					"matches exactly the same keys as templates[%d] (%s)", j, templates[j].Label())})
			case overlaps(compiled[i], compiled[j]):
				errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(
					"overlaps templates[%d] (%s): some object keys match both", j, templates[j].Label())})
			}
		}
	}
	return errs
}

func validateTemplate(path string, t domain.PathTemplate) []ValidationError {
	var errs []ValidationError
	add := func(p, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Path: p, Message: fmt.Sprintf(format, args...)})
	}

	prefixPath := path + ".prefix"
	switch {
	case t.Prefix == "":
		add(prefixPath, "prefix is required")
	case strings.HasPrefix(t.Prefix, "/"):
		add(prefixPath, "prefix %q must not start with /", t.Prefix)
	case !strings.HasSuffix(t.Prefix, "/"):
		add(prefixPath, "prefix %q must end with /", t.Prefix)
	default:
		for _, seg := range segments(t.Prefix) {
			if seg == "" {
				add(prefixPath, "prefix %q contains an empty segment", t.Prefix)
				break
			}
			if strings.Contains(seg, "}{") {
				add(prefixPath, "segment %q has adjacent placeholders", seg)
			}
		}
		if stripped := placeholderRE.ReplaceAllString(t.Prefix, ""); strings.ContainsAny(stripped, "{}") {
			add(prefixPath, "prefix %q has an unbalanced brace", t.Prefix)
		}
	}

	declared := make(map[string]domain.VariableKind, len(t.Variables))
	counts := make(map[domain.VariableKind]int)
	for i, v := range t.Variables {
		vp := fmt.Sprintf("%s.variables[%d]", path, i)
		if !identRE.MatchString(v.Name) {
			add(vp+".name", "variable name %q must be an identifier", v.Name)
		}
		if _, dup := declared[v.Name]; dup {
			add(vp+".name", "duplicate variable %q", v.Name)
		}
		declared[v.Name] = v.Kind
		if !v.Kind.Valid() {
			add(vp+".kind", "unknown kind %q", v.Kind)
		}
		counts[v.Kind]++
		for j, val := range v.AllowedValues {
			ap := fmt.Sprintf("%s.allowedValues[%d]", vp, j)
			switch {
			case val == "":
				add(ap, "allowed value must not be empty")
			case strings.Contains(val, domain.KeySeparator):
				add(ap, "allowed value %q must not contain %q", val, domain.KeySeparator)
			case strings.Contains(val, "/"):
				add(ap, "allowed value %q must not contain /", val)
			}
		}
	}

	used := make(map[string]int)
	for _, name := range placeholders(t.Prefix) {
		used[name]++
		switch used[name] {
		case 1:
			if _, ok := declared[name]; !ok {
				add(prefixPath, "placeholder {%s} has no variable declaration", name)
			}
		case 2:
			add(prefixPath, "placeholder {%s} appears more than once", name)
		}
	}
	for i, v := range t.Variables {
		if _, ok := used[v.Name]; !ok && v.Name != "" {
			add(fmt.Sprintf("%s.variables[%d]", path, i), "variable %q does not appear in the prefix", v.Name)
		}
	}

	columns := make(map[string]bool, len(t.Columns))
	for i, c := range t.Columns {
		cp := fmt.Sprintf("%s.columns[%d]", path, i)
		if c.Name == "" {
			add(cp+".name", "column name is required")
		}
		if columns[c.Name] {
			add(cp+".name", "duplicate column %q", c.Name)
		}
		columns[c.Name] = true
		switch c.Kind {
		case domain.KindSecondaryPartitionKey, domain.KindSortKey:
			counts[c.Kind]++
		case domain.KindPartitionKey, domain.KindColumn:
			add(cp+".kind", "a row column cannot supply %s", c.Kind)
		default:
			add(cp+".kind", "unknown kind %q", c.Kind)
		}
	}

	switch n := counts[domain.KindPartitionKey]; {
	case n == 0:
		add(path, "exactly one PARTITION_KEY variable is required, found none")
	case n > 1:
		add(path, "exactly one PARTITION_KEY variable is required, found %d", n)
	}
	for _, kind := range []domain.VariableKind{domain.KindSecondaryPartitionKey, domain.KindSortKey} {
		if n := counts[kind]; n > 1 {
			add(path, "at most one %s is allowed, found %d", kind, n)
		}
	}
	return errs
}

// configError folds validation problems into one configuration error.
func configError(errs []ValidationError) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return domain.ErrConfiguration("invalid template set: %s", strings.Join(msgs, "; "))
}
