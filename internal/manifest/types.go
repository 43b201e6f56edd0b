package manifest

// SchemaVersion is the only schema version readers accept.
const SchemaVersion = "1.0"

// MaxSize is the hard limit on the serialized manifest, in bytes.
const MaxSize = 5120

// CUDANone marks an installation whose tensor library has no accelerator toolkit.
const CUDANone = "none"

// Manifest is the size-bounded description of an installation. Every optional
// field is tagged omitempty: empty values are never written, which is what keeps
// the artifact under MaxSize.
type Manifest struct {
	SchemaVersion     string                      `json:"schema_version"`
	Metadata          *Metadata                   `json:"metadata,omitempty"`
	SystemInfo        SystemInfo                  `json:"system_info"`
	CustomNodes       []CustomNodeSpec            `json:"custom_nodes,omitempty"`
	Dependencies      *Dependencies               `json:"dependencies,omitempty"`
	PlatformOverrides map[string]PlatformOverride `json:"platform_overrides,omitempty"`
}

// Metadata is informational only and never affects recreation.
type Metadata struct {
	CapturedAt string `json:"captured_at,omitempty"`
	Generator  string `json:"generator,omitempty"`
}

// SystemInfo pins the interpreter, tensor library and application versions.
type SystemInfo struct {
	PythonVersion  string `json:"python_version"`
	CUDAVersion    string `json:"cuda_version,omitempty"`
	TorchVersion   string `json:"torch_version,omitempty"`
	ComfyUIVersion string `json:"comfyui_version"`
	Platform       string `json:"platform,omitempty"`
	Architecture   string `json:"architecture,omitempty"`
}

// InstallMethod says how a custom node is reproduced.
type InstallMethod string

const (
	MethodArchive InstallMethod = "archive"
	MethodVCS     InstallMethod = "vcs"
	MethodLocal   InstallMethod = "local"
	MethodManaged InstallMethod = "managed"
)

// InstallMethods lists every method in a stable order.
var InstallMethods = []InstallMethod{MethodArchive, MethodVCS, MethodLocal, MethodManaged}

// Valid reports whether m is one of the known methods.
func (m InstallMethod) Valid() bool {
	switch m {
	case MethodArchive, MethodVCS, MethodLocal, MethodManaged:
		return true
	}
	return false
}

// CustomNodeSpec describes one plugin directory.
//
// URL depends on the method: a download URL for archive, a repository URL for
// vcs, an absolute path for local and a registry identifier for managed.
// InstallOrder 0 means "last".
type CustomNodeSpec struct {
	Name            string        `json:"name"`
	InstallMethod   InstallMethod `json:"install_method"`
	URL             string        `json:"url"`
	Ref             string        `json:"ref,omitempty"`
	HasPostInstall  bool          `json:"has_post_install,omitempty"`
	HasRequirements bool          `json:"has_requirements,omitempty"`
	FallbackURL     string        `json:"fallback_url,omitempty"`
	InstallOrder    int           `json:"install_order,omitempty"`
}

// Dependencies holds the exact-version package set.
type Dependencies struct {
	Packages         map[string]string `json:"packages,omitempty"`
	PyTorch          *PyTorchSpec      `json:"pytorch,omitempty"`
	GitRequirements  []GitRequirement  `json:"git_requirements,omitempty"`
	EditableInstalls []string          `json:"editable_installs,omitempty"`
	LocalPackages    []LocalPackage    `json:"local_packages,omitempty"`
	ExtraIndexURLs   []string          `json:"extra_index_urls,omitempty"`
}

// PyTorchSpec holds the toolkit packages, which resolve against their own index.
type PyTorchSpec struct {
	IndexURL string            `json:"index_url,omitempty"`
	Packages map[string]string `json:"packages"`
}

// GitRequirement is a package installed straight from a repository.
type GitRequirement struct {
	URL          string `json:"url"`
	Ref          string `json:"ref,omitempty"`
	Subdirectory string `json:"subdirectory,omitempty"`
	Name         string `json:"name,omitempty"`
}

// LocalPackage is a wheel or sdist installed from a file.
type LocalPackage struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256,omitempty"`
}

// PlatformOverride adjusts the package set on one platform.
type PlatformOverride struct {
	Packages map[string]string `json:"packages,omitempty"`
	Exclude  []string          `json:"exclude,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}
