package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
)

// EmptyValues walks an encoded document and returns the JSON path of every
// null, empty string, empty array or empty object it contains. A well-formed
// manifest yields none.
func EmptyValues(data []byte) ([]string, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	var found []string
	walkEmpty("$", doc, &found)
	return found, nil
}

func walkEmpty(path string, v interface{}, found *[]string) {
	switch val := v.(type) {
	case nil:
		*found = append(*found, path)
	case string:
		if val == "" {
			*found = append(*found, path)
		}
	case []interface{}:
		if len(val) == 0 {
			*found = append(*found, path)
		}
		for i, item := range val {
			walkEmpty(fmt.Sprintf("%s[%d]", path, i), item, found)
		}
	case map[string]interface{}:
		if len(val) == 0 {
			*found = append(*found, path)
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkEmpty(path+"."+k, val[k], found)
		}
	}
}

// Compact drops the empty values that omitempty cannot reach on its own: empty
// nested structs behind pointers, blank override entries and empty platform
// override entries.
func Compact(m *Manifest) {
	if m.Metadata != nil && *m.Metadata == (Metadata{}) {
		m.Metadata = nil
	}
	if d := m.Dependencies; d != nil {
		if d.PyTorch != nil && len(d.PyTorch.Packages) == 0 {
			d.PyTorch = nil
		}
		if len(d.Packages) == 0 && d.PyTorch == nil && len(d.GitRequirements) == 0 &&
			len(d.EditableInstalls) == 0 && len(d.LocalPackages) == 0 && len(d.ExtraIndexURLs) == 0 {
			m.Dependencies = nil
		}
	}
	for k, o := range m.PlatformOverrides {
		for name, value := range o.Env {
			if name == "" || value == "" {
				delete(o.Env, name)
			}
		}
		exclude := o.Exclude[:0]
		for _, name := range o.Exclude {
			if name != "" {
				exclude = append(exclude, name)
			}
		}
		o.Exclude = exclude
		m.PlatformOverrides[k] = o
		if len(o.Packages) == 0 && len(o.Exclude) == 0 && len(o.Env) == 0 {
			delete(m.PlatformOverrides, k)
		}
	}
	if len(m.PlatformOverrides) == 0 {
		m.PlatformOverrides = nil
	}
	if len(m.CustomNodes) == 0 {
		m.CustomNodes = nil
	}
}
