package manifest

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/comfydock/comfydock/internal/diag"
)

var (
	pythonVersionRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
	cudaVersionRe   = regexp.MustCompile(`^\d+\.\d+$`)
	sha256Re        = regexp.MustCompile(`^[0-9a-f]{64}$`)
	// Exact versions only: anything carrying a comparison, wildcard, list or
	// whitespace is a range.
	rangeChars = "<>=~!*, \t"
)

// ValidPythonVersion reports whether v is an exact major.minor.patch version.
func ValidPythonVersion(v string) bool { return pythonVersionRe.MatchString(v) }

// ValidCUDAVersion reports whether v is a major.minor toolkit version or "none".
func ValidCUDAVersion(v string) bool { return v == CUDANone || cudaVersionRe.MatchString(v) }

// ExactVersion reports whether v pins a single version.
func ExactVersion(v string) bool {
	return v != "" && !strings.ContainsAny(v, rangeChars)
}

// Validate checks m against the schema. The first problem found is returned as
// a diag.SchemaInvalid error naming the offending field.
func Validate(m *Manifest) error {
	if m.SchemaVersion != SchemaVersion {
		return diag.Errorf(diag.SchemaInvalid, "schema_version", "unsupported version %q (want %q)", m.SchemaVersion, SchemaVersion)
	}
	if err := validateSystemInfo(m.SystemInfo); err != nil {
		return err
	}

	seen := make(map[string]string, len(m.CustomNodes))
	for i, n := range m.CustomNodes {
		field := fmt.Sprintf("custom_nodes[%d]", i)
		if err := validateNode(field, n); err != nil {
			return err
		}
		key := strings.ToLower(n.Name)
		if prev, ok := seen[key]; ok {
			return diag.Errorf(diag.SchemaInvalid, field, "duplicate node name %q (already used by %q)", n.Name, prev)
		}
		seen[key] = n.Name
	}

	if m.Dependencies != nil {
		if err := validateDependencies(m.Dependencies); err != nil {
			return err
		}
	}

	for platform, o := range m.PlatformOverrides {
		field := "platform_overrides." + platform
		if platform == "" {
			return diag.New(diag.SchemaInvalid, "platform_overrides", "empty platform key")
		}
		if err := validatePackageMap(field+".packages", o.Packages); err != nil {
			return err
		}
		for _, name := range o.Exclude {
			if strings.TrimSpace(name) == "" {
				return diag.New(diag.SchemaInvalid, field+".exclude", "empty package name")
			}
		}
		for k := range o.Env {
			if k == "" || strings.Contains(k, "=") {
				return diag.Errorf(diag.SchemaInvalid, field+".env", "invalid variable name %q", k)
			}
		}
	}
	return nil
}

func validateSystemInfo(s SystemInfo) error {
	if !ValidPythonVersion(s.PythonVersion) {
		return diag.Errorf(diag.SchemaInvalid, "system_info.python_version", "%q is not major.minor.patch", s.PythonVersion)
	}
	if s.CUDAVersion != "" && !ValidCUDAVersion(s.CUDAVersion) {
		return diag.Errorf(diag.SchemaInvalid, "system_info.cuda_version", "%q is not major.minor or %q", s.CUDAVersion, CUDANone)
	}
	if strings.TrimSpace(s.ComfyUIVersion) == "" {
		return diag.New(diag.SchemaInvalid, "system_info.comfyui_version", "missing")
	}
	return nil
}

func validateNode(field string, n CustomNodeSpec) error {
	if n.Name == "" || n.Name == "." || n.Name == ".." || strings.ContainsAny(n.Name, `/\`) {
		return diag.Errorf(diag.SchemaInvalid, field+".name", "invalid directory name %q", n.Name)
	}
	if !n.InstallMethod.Valid() {
		return diag.Errorf(diag.SchemaInvalid, field+".install_method", "unknown method %q", n.InstallMethod)
	}
	if strings.TrimSpace(n.URL) == "" {
		return diag.New(diag.SchemaInvalid, field+".url", "missing")
	}
	switch n.InstallMethod {
	case MethodLocal:
		if !filepath.IsAbs(n.URL) && !strings.HasPrefix(n.URL, "/") {
			return diag.Errorf(diag.SchemaInvalid, field+".url", "local path %q is not absolute", n.URL)
		}
	case MethodArchive:
		if !isHTTPURL(n.URL) {
			return diag.Errorf(diag.SchemaInvalid, field+".url", "archive url %q is not http(s)", n.URL)
		}
	}
	if n.Ref != "" && n.InstallMethod != MethodVCS {
		return diag.Errorf(diag.SchemaInvalid, field+".ref", "ref is only valid for %s nodes", MethodVCS)
	}
	if n.FallbackURL != "" && !isHTTPURL(n.FallbackURL) {
		return diag.Errorf(diag.SchemaInvalid, field+".fallback_url", "%q is not http(s)", n.FallbackURL)
	}
	if n.InstallOrder < 0 {
		return diag.Errorf(diag.SchemaInvalid, field+".install_order", "negative order %d", n.InstallOrder)
	}
	return nil
}

func validateDependencies(d *Dependencies) error {
	if err := validatePackageMap("dependencies.packages", d.Packages); err != nil {
		return err
	}
	if d.PyTorch != nil {
		if len(d.PyTorch.Packages) == 0 {
			return diag.New(diag.SchemaInvalid, "dependencies.pytorch.packages", "empty")
		}
		if err := validatePackageMap("dependencies.pytorch.packages", d.PyTorch.Packages); err != nil {
			return err
		}
		if d.PyTorch.IndexURL != "" && !isHTTPURL(d.PyTorch.IndexURL) {
			return diag.Errorf(diag.SchemaInvalid, "dependencies.pytorch.index_url", "%q is not http(s)", d.PyTorch.IndexURL)
		}
	}
	for i, g := range d.GitRequirements {
		if strings.TrimSpace(g.URL) == "" {
			return diag.New(diag.SchemaInvalid, fmt.Sprintf("dependencies.git_requirements[%d].url", i), "missing")
		}
	}
	for i, p := range d.EditableInstalls {
		if strings.TrimSpace(p) == "" {
			return diag.New(diag.SchemaInvalid, fmt.Sprintf("dependencies.editable_installs[%d]", i), "empty path")
		}
	}
	for i, p := range d.LocalPackages {
		field := fmt.Sprintf("dependencies.local_packages[%d]", i)
		if strings.TrimSpace(p.Path) == "" {
			return diag.New(diag.SchemaInvalid, field+".path", "missing")
		}
		if p.SHA256 != "" && !sha256Re.MatchString(p.SHA256) {
			return diag.Errorf(diag.SchemaInvalid, field+".sha256", "%q is not a lowercase hex sha256", p.SHA256)
		}
	}
	for i, u := range d.ExtraIndexURLs {
		if !isHTTPURL(u) {
			return diag.Errorf(diag.SchemaInvalid, fmt.Sprintf("dependencies.extra_index_urls[%d]", i), "%q is not http(s)", u)
		}
	}
	return nil
}

func validatePackageMap(field string, pkgs map[string]string) error {
	for name, version := range pkgs {
		if strings.TrimSpace(name) == "" {
			return diag.New(diag.SchemaInvalid, field, "empty package name")
		}
		if !ExactVersion(version) {
			return diag.Errorf(diag.SchemaInvalid, field+"."+name, "%q is not an exact version", version)
		}
	}
	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
