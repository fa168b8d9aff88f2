package mapping

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tenant-ingest/internal/domain"
)

// TemplateFile is the on-disk template set.
type TemplateFile struct {
	Table     string                `yaml:"table,omitempty"`
	Templates []domain.PathTemplate `yaml:"templates"`
}

// LoadTemplates reads a template file. Unknown fields are rejected.
func LoadTemplates(path string) (*TemplateFile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied configuration
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	tf, err := ParseTemplates(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return tf, nil
}

// ParseTemplates decodes a template document. Besides the mapping form it
// accepts a bare list of templates, which covers JSON arrays as well.
func ParseTemplates(data []byte) (*TemplateFile, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, domain.ErrConfiguration("template document is empty")
	}

	var tf TemplateFile
	if trimmed[0] == '[' || trimmed[0] == '-' {
		decoder := yaml.NewDecoder(bytes.NewReader(trimmed))
		decoder.KnownFields(true)
		if err := decoder.Decode(&tf.Templates); err != nil {
			return nil, domain.ErrConfiguration("decode templates: %v", err)
		}
		return &tf, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(trimmed))
	decoder.KnownFields(true)
	if err := decoder.Decode(&tf); err != nil {
		return nil, domain.ErrConfiguration("decode templates: %v", err)
	}
	return &tf, nil
}
