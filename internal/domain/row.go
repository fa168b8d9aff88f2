package domain

// Field is one named cell of a parsed row.
type Field struct {
	Name  string
	Value string
}

// Row is an ordered mapping from column name to string value.
// Line is the 1-based data line number (the header row is not counted).
type Row struct {
	Line   int64
	Fields []Field
}

// Get returns the value of the named column.
func (r Row) Get(name string) (string, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Map returns the row as a plain map. Later duplicates win.
func (r Row) Map() map[string]string {
	m := make(map[string]string, len(r.Fields))
	for _, f := range r.Fields {
		m[f.Name] = f.Value
	}
	return m
}

// ParseFailure marks a record that exceeded the maximum row size.
// Start and End are absolute byte offsets into the object; End is exclusive
// and includes the record's newline terminator when one was present.
type ParseFailure struct {
	Line  int64
	Start int64
	End   int64
}

// Len returns the size of the span in bytes.
func (f ParseFailure) Len() int64 { return f.End - f.Start }
