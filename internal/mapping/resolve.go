package mapping

import (
	"fmt"
	"strings"

	"tenant-ingest/internal/domain"
)

// Resolver matches object keys against a validated template set.
type Resolver struct {
	templates []domain.PathTemplate
	matchers  []*matcher
}

// NewResolver validates templates and compiles them. Any validation problem
// is returned as a *domain.ConfigurationError.
func NewResolver(templates []domain.PathTemplate) (*Resolver, error) {
	if errs := Validate(templates); len(errs) > 0 {
		return nil, configError(errs)
	}
	r := &Resolver{templates: templates}
	for i, t := range templates {
		m, err := compile(t)
		if err != nil {
			return nil, domain.ErrConfiguration("templates[%d]: %v", i, err)
		}
		r.matchers = append(r.matchers, m)
	}
	return r, nil
}

// Templates returns the template set in declaration order.
func (r *Resolver) Templates() []domain.PathTemplate { return r.templates }

// Patterns returns the compiled pattern of each template.
func (r *Resolver) Patterns() []string {
	out := make([]string, len(r.matchers))
	for i, m := range r.matchers {
		out[i] = m.re.String()
	}
	return out
}

// Resolve matches objectKey against the templates in declaration order. It
// returns nil and no error when no template matches; unmapped keys are not
// an error. A matched tenant id containing the key separator is rejected
// with a *domain.ResolutionError.
func (r *Resolver) Resolve(objectKey string) (*domain.ResolvedMapping, error) {
	for _, m := range r.matchers {
		sub := m.re.FindStringSubmatch(objectKey)
		if sub == nil {
			continue
		}
		tenant := sub[1]
		if strings.Contains(tenant, domain.KeySeparator) {
			return nil, &domain.ResolutionError{
				Key:     objectKey,
				Message: fmt.Sprintf("tenant id %q contains reserved separator %q", tenant, domain.KeySeparator),
			}
		}

		rm := &domain.ResolvedMapping{
			Template:         m.template.Label(),
			TenantID:         tenant,
			Table:            m.template.Table,
			ExtractedColumns: make(map[string]string),
			Keys:             m.keys,
		}
		var partition, secondary string
		for i, name := range m.groups {
			value := sub[i+2]
			switch m.kinds[name] {
			case domain.KindPartitionKey:
				partition = value
			case domain.KindSecondaryPartitionKey:
				secondary = value
			case domain.KindSortKey:
				rm.SortKey = value
			case domain.KindColumn:
				rm.ExtractedColumns[name] = value
			}
		}
		rm.PartitionPrefix = partition + secondary
		return rm, nil
	}
	return nil, nil
}

// DeriveRowKeyParts looks up the row-sourced key parts of one row. Missing
// columns yield empty parts.
func DeriveRowKeyParts(row domain.Row, keys domain.KeyColumns) domain.RowKeyParts {
	var parts domain.RowKeyParts
	if keys.Secondary != "" {
		parts.SecondarySuffix, _ = row.Get(keys.Secondary)
	}
	if keys.Sort != "" {
		parts.SortValue, _ = row.Get(keys.Sort)
	}
	return parts
}
