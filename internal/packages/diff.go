package packages

import (
	"fmt"
	"sort"

	"github.com/comfydock/comfydock/internal/manifest"
)

// Mismatch is one expected package that is missing or at another version.
type Mismatch struct {
	Name     string `json:"name"`
	Expected string `json:"expected"`
	// Installed is empty when the package is missing.
	Installed string `json:"installed,omitempty"`
}

func (m Mismatch) String() string {
	if m.Installed == "" {
		return fmt.Sprintf("%s==%s is not installed", m.Name, m.Expected)
	}
	return fmt.Sprintf("%s==%s expected, %s installed", m.Name, m.Expected, m.Installed)
}

// Compare checks installed (normalized name → version) against the exact
// versions deps asks for, toolkit packages included. Direct references are
// not compared since they carry no version.
func Compare(deps manifest.Dependencies, installed map[string]string) []Mismatch {
	want := map[string]string{}
	for name, version := range deps.Packages {
		want[name] = version
	}
	if deps.PyTorch != nil {
		for name, version := range deps.PyTorch.Packages {
			want[name] = version
		}
	}

	var out []Mismatch
	for name, version := range want {
		got, ok := installed[manifest.NormalizeName(name)]
		if ok && got == version {
			continue
		}
		out = append(out, Mismatch{Name: name, Expected: version, Installed: got})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
