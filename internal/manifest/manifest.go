// Package manifest defines the portable installation manifest: its schema,
// encoding, validation and the size budget every written manifest must meet.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/comfydock/comfydock/internal/diag"
)

// Encode serializes m compactly. The result is exactly what gets written and
// measured against MaxSize.
func Encode(m *Manifest) ([]byte, error) {
	if m == nil {
		return nil, errors.New("manifest is nil")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Size returns the serialized size of m in bytes.
func Size(m *Manifest) (int, error) {
	data, err := Encode(m)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Decode parses and validates a manifest. Unknown fields are ignored at every
// level. Any problem is reported as a diag.SchemaInvalid error.
func Decode(data []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) > MaxSize {
		return nil, diag.Errorf(diag.SchemaInvalid, "", "manifest is %d bytes, limit is %d", len(data), MaxSize)
	}

	var head struct {
		SchemaVersion *string `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, diag.Wrap(diag.SchemaInvalid, "", fmt.Errorf("malformed JSON: %w", err))
	}
	if head.SchemaVersion == nil {
		return nil, diag.New(diag.SchemaInvalid, "schema_version", "missing")
	}
	if *head.SchemaVersion != SchemaVersion {
		return nil, diag.Errorf(diag.SchemaInvalid, "schema_version", "unsupported version %q (want %q)", *head.SchemaVersion, SchemaVersion)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, diag.Wrap(diag.SchemaInvalid, "", err)
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and decodes the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return m, nil
}

// Write encodes m and writes it to path. Manifests are immutable: an existing
// file at path is never replaced unless overwrite is set.
func Write(path string, m *Manifest, overwrite bool) (int, error) {
	data, err := Encode(m)
	if err != nil {
		return 0, err
	}
	if len(data) > MaxSize {
		return 0, diag.Errorf(diag.ManifestTooLarge, path, "%d bytes exceeds the %d byte limit", len(data), MaxSize)
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return 0, fmt.Errorf("manifest %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("creating manifest directory: %w", err)
	}
	if err := writeFileAtomic(path, data, 0644); err != nil {
		return 0, fmt.Errorf("writing manifest: %w", err)
	}
	return len(data), nil
}

// SortedNodes returns the custom nodes in install sequence: ascending
// InstallOrder with 0 treated as last, ties by name.
func (m *Manifest) SortedNodes() []CustomNodeSpec {
	nodes := append([]CustomNodeSpec(nil), m.CustomNodes...)
	sort.SliceStable(nodes, func(i, j int) bool {
		oi, oj := nodes[i].EffectiveOrder(), nodes[j].EffectiveOrder()
		if oi != oj {
			return oi < oj
		}
		return nodes[i].Name < nodes[j].Name
	})
	return nodes
}

// EffectiveOrder maps the omitted order to the largest possible value.
func (n CustomNodeSpec) EffectiveOrder() int {
	if n.InstallOrder <= 0 {
		return int(^uint(0) >> 1)
	}
	return n.InstallOrder
}

// LocalHazards lists every entry that points at a path on the capturing
// machine. Such entries do not survive migration and are always surfaced.
func (m *Manifest) LocalHazards() []string {
	var out []string
	for _, n := range m.CustomNodes {
		if n.InstallMethod == MethodLocal {
			out = append(out, fmt.Sprintf("custom node %s installs from local path %s", n.Name, n.URL))
		}
	}
	if m.Dependencies != nil {
		for _, p := range m.Dependencies.EditableInstalls {
			out = append(out, fmt.Sprintf("editable install from local path %s", p))
		}
		for _, p := range m.Dependencies.LocalPackages {
			out = append(out, fmt.Sprintf("local package file %s", p.Path))
		}
	}
	return out
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
