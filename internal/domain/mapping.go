package domain

// VariableKind names the role a template variable plays in key derivation.
type VariableKind string

// Variable kinds.
const (
	KindPartitionKey          VariableKind = "PARTITION_KEY"
	KindSecondaryPartitionKey VariableKind = "SECONDARY_PARTITION_KEY"
	KindSortKey               VariableKind = "SORT_KEY"
	KindColumn                VariableKind = "COLUMN"
)

// Valid reports whether k is one of the known kinds.
func (k VariableKind) Valid() bool {
	switch k {
	case KindPartitionKey, KindSecondaryPartitionKey, KindSortKey, KindColumn:
		return true
	}
	return false
}

// KeySeparator joins the tenant id and the partition prefix. Tenant ids may
// not contain it.
const KeySeparator = "_"

// Variable is a named placeholder in a template prefix.
type Variable struct {
	Name          string       `yaml:"name" json:"name"`
	Kind          VariableKind `yaml:"kind" json:"kind"`
	AllowedValues []string     `yaml:"allowedValues,omitempty" json:"allowedValues,omitempty"`
}

// ColumnSource declares that a key part comes from a row column rather than
// the object path.
type ColumnSource struct {
	Name string       `yaml:"name" json:"name"`
	Kind VariableKind `yaml:"kind" json:"kind"`
}

// PathTemplate maps the segments of an object key to key-derivation fields.
type PathTemplate struct {
	Name      string         `yaml:"name,omitempty" json:"name,omitempty"`
	Prefix    string         `yaml:"prefix" json:"prefix"`
	Table     string         `yaml:"table,omitempty" json:"table,omitempty"`
	Variables []Variable     `yaml:"variables" json:"variables"`
	Columns   []ColumnSource `yaml:"columns,omitempty" json:"columns,omitempty"`
}

// Label returns the template name, or its prefix when unnamed.
func (t PathTemplate) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Prefix
}

// KeyColumns names the row columns that supply per-row key parts.
type KeyColumns struct {
	Secondary string
	Sort      string
}

// ResolvedMapping is the result of matching one object key against a
// template set.
type ResolvedMapping struct {
	Template         string
	TenantID         string
	PartitionPrefix  string
	SortKey          string
	Table            string
	ExtractedColumns map[string]string
	Keys             KeyColumns
}

// RowKeyParts are the key parts derived from a single row.
type RowKeyParts struct {
	SecondarySuffix string
	SortValue       string
}

// StorageKey is the composite key of one stored item.
type StorageKey struct {
	PartitionKey string
	SortKey      string
}

// Item is one row ready for the wide-column store.
type Item struct {
	Key        StorageKey
	Attributes map[string]string
}
