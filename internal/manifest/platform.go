package manifest

import (
	"runtime"
	"sort"
	"strings"
)

// PlatformName maps a Go GOOS value to the interpreter's platform identifier.
func PlatformName(goos string) string {
	switch goos {
	case "windows":
		return "win32"
	default:
		return goos
	}
}

// ArchName maps a Go GOARCH value to the architecture name the interpreter
// reports on that platform.
func ArchName(goos, goarch string) string {
	switch goarch {
	case "amd64":
		if goos == "windows" {
			return "AMD64"
		}
		return "x86_64"
	case "arm64":
		if goos == "linux" {
			return "aarch64"
		}
		return "arm64"
	case "386":
		return "x86"
	default:
		return goarch
	}
}

// PlatformKeys returns the override keys that apply on goos/goarch, least
// specific first: "linux" then "linux-x86_64".
func PlatformKeys(goos, goarch string) []string {
	p := PlatformName(goos)
	return []string{p, p + "-" + ArchName(goos, goarch)}
}

// CurrentPlatformKeys returns PlatformKeys for the running process.
func CurrentPlatformKeys() []string {
	return PlatformKeys(runtime.GOOS, runtime.GOARCH)
}

// Resolved is the dependency set after platform overrides are merged in.
type Resolved struct {
	Dependencies Dependencies
	Env          map[string]string
	Applied      []string
}

// Resolve merges every override whose key is in keys into a copy of the
// manifest's dependencies. Later keys win. Excluded names are removed from both
// the ordinary and the toolkit package sets. The manifest is not modified.
func (m *Manifest) Resolve(keys []string) Resolved {
	var r Resolved
	if m.Dependencies != nil {
		r.Dependencies = copyDependencies(*m.Dependencies)
	}
	r.Env = map[string]string{}

	for _, key := range keys {
		o, ok := m.PlatformOverrides[key]
		if !ok {
			continue
		}
		r.Applied = append(r.Applied, key)
		if len(o.Packages) > 0 && r.Dependencies.Packages == nil {
			r.Dependencies.Packages = map[string]string{}
		}
		for name, version := range o.Packages {
			r.Dependencies.Packages[name] = version
		}
		for _, name := range o.Exclude {
			removePackage(r.Dependencies.Packages, name)
			if r.Dependencies.PyTorch != nil {
				removePackage(r.Dependencies.PyTorch.Packages, name)
			}
		}
		for k, v := range o.Env {
			r.Env[k] = v
		}
	}
	if r.Dependencies.PyTorch != nil && len(r.Dependencies.PyTorch.Packages) == 0 {
		r.Dependencies.PyTorch = nil
	}
	return r
}

// EnvList returns r.Env as sorted KEY=VALUE pairs.
func (r Resolved) EnvList() []string {
	out := make([]string, 0, len(r.Env))
	for k, v := range r.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// NormalizeName folds a package name the way package indexes compare names.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("_", "-", ".", "-").Replace(name)
}

func removePackage(pkgs map[string]string, name string) {
	want := NormalizeName(name)
	for k := range pkgs {
		if NormalizeName(k) == want {
			delete(pkgs, k)
		}
	}
}

func copyDependencies(d Dependencies) Dependencies {
	out := Dependencies{
		Packages:         copyMap(d.Packages),
		GitRequirements:  append([]GitRequirement(nil), d.GitRequirements...),
		EditableInstalls: append([]string(nil), d.EditableInstalls...),
		LocalPackages:    append([]LocalPackage(nil), d.LocalPackages...),
		ExtraIndexURLs:   append([]string(nil), d.ExtraIndexURLs...),
	}
	if d.PyTorch != nil {
		out.PyTorch = &PyTorchSpec{IndexURL: d.PyTorch.IndexURL, Packages: copyMap(d.PyTorch.Packages)}
	}
	return out
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// SortedPackages returns name==version requirement lines in name order.
func SortedPackages(pkgs map[string]string) []string {
	out := make([]string, 0, len(pkgs))
	for name, version := range pkgs {
		out = append(out, name+"=="+version)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy of o.
func (o PlatformOverride) Clone() PlatformOverride {
	c := PlatformOverride{Exclude: append([]string(nil), o.Exclude...)}
	if o.Packages != nil {
		c.Packages = make(map[string]string, len(o.Packages))
		for k, v := range o.Packages {
			c.Packages[k] = v
		}
	}
	if o.Env != nil {
		c.Env = make(map[string]string, len(o.Env))
		for k, v := range o.Env {
			c.Env[k] = v
		}
	}
	return c
}
