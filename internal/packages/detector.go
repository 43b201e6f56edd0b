// Package packages enumerates the packages installed in an interpreter's
// environment and partitions them the way the manifest stores them.
package packages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/comfydock/comfydock/internal/command"
	"github.com/comfydock/comfydock/internal/manifest"
	"go.uber.org/zap"
)

// ToolkitPackages is the fixed set of accelerator/tensor-library packages that
// resolve against their own index.
var ToolkitPackages = map[string]bool{
	"torch":               true,
	"torchvision":         true,
	"torchaudio":          true,
	"xformers":            true,
	"triton":              true,
	"pytorch-triton":      true,
	"pytorch-triton-rocm": true,
}

// PyTorchIndexBase is the toolkit index; the local version suffix selects the
// variant below it.
const PyTorchIndexBase = "https://download.pytorch.org/whl/"

// Installed is one entry of the package listing.
type Installed struct {
	Name             string `json:"name"`
	Version          string `json:"version"`
	EditableLocation string `json:"editable_project_location,omitempty"`
}

// Result is the partitioned package set.
type Result struct {
	// Tool is the toolchain that produced the listing, "pip" or "uv"
	Tool            string                    `json:"tool"`
	Packages        map[string]string         `json:"packages"`
	Toolkit         map[string]string         `json:"toolkit,omitempty"`
	ToolkitIndexURL string                    `json:"toolkit_index_url,omitempty"`
	Editable        []string                  `json:"editable,omitempty"`
	VCS             []manifest.GitRequirement `json:"vcs,omitempty"`
	Local           []manifest.LocalPackage   `json:"local,omitempty"`
	ExtraIndexURLs  []string                  `json:"extra_index_urls,omitempty"`
	// Accelerator summarizes the detected toolkit combination; it is reported,
	// never checked.
	Accelerator string      `json:"accelerator,omitempty"`
	All         []Installed `json:"all"`
}

// Detector lists packages through the environment's own toolchain.
type Detector struct {
	runner command.Runner
	uvPath string
	logger *zap.Logger
}

// NewDetector builds a Detector. uvPath is used when the environment has no pip.
func NewDetector(runner command.Runner, uvPath string, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if uvPath == "" {
		uvPath = "uv"
	}
	return &Detector{runner: runner, uvPath: uvPath, logger: logger}
}

// Detect lists and partitions the packages visible to python.
func (d *Detector) Detect(ctx context.Context, python string) (*Result, error) {
	tool, listing, err := d.list(ctx, python)
	if err != nil {
		return nil, err
	}
	freeze, err := d.freeze(ctx, tool, python)
	if err != nil {
		return nil, err
	}

	res := &Result{Tool: tool, Packages: map[string]string{}, All: listing}
	direct := parseFreeze(freeze)
	listedEditable := map[string]bool{}

	for _, pkg := range listing {
		key := manifest.NormalizeName(pkg.Name)
		switch {
		case pkg.EditableLocation != "":
			listedEditable[key] = true
			res.Editable = append(res.Editable, pkg.EditableLocation)
		case direct[key].vcs != nil:
			res.VCS = append(res.VCS, *direct[key].vcs)
		case direct[key].local != "":
			res.Local = append(res.Local, manifest.LocalPackage{Path: direct[key].local, SHA256: fileSHA256(direct[key].local)})
		case ToolkitPackages[key]:
			if res.Toolkit == nil {
				res.Toolkit = map[string]string{}
			}
			res.Toolkit[pkg.Name] = pkg.Version
		default:
			res.Packages[pkg.Name] = pkg.Version
		}
	}
	// Editable installs under version control are reported by freeze only.
	for key, e := range direct {
		if e.editable != "" && !listedEditable[key] && !containsString(res.Editable, e.editable) {
			res.Editable = append(res.Editable, e.editable)
		}
	}
	sort.Strings(res.Editable)
	sort.Slice(res.VCS, func(i, j int) bool { return res.VCS[i].URL < res.VCS[j].URL })
	sort.Slice(res.Local, func(i, j int) bool { return res.Local[i].Path < res.Local[j].Path })

	res.ToolkitIndexURL = toolkitIndex(res.Toolkit)
	res.Accelerator = describeAccelerator(res.Toolkit)
	res.ExtraIndexURLs = d.extraIndexURLs(ctx, tool, python)

	d.logger.Info("packages detected",
		zap.String("tool", tool),
		zap.Int("packages", len(res.Packages)),
		zap.Int("toolkit", len(res.Toolkit)),
		zap.Int("editable", len(res.Editable)),
		zap.Int("vcs", len(res.VCS)))
	return res, nil
}

// Dependencies converts the result to the manifest section.
func (r *Result) Dependencies() *manifest.Dependencies {
	deps := &manifest.Dependencies{
		Packages:         copyMap(r.Packages),
		GitRequirements:  append([]manifest.GitRequirement(nil), r.VCS...),
		EditableInstalls: append([]string(nil), r.Editable...),
		LocalPackages:    append([]manifest.LocalPackage(nil), r.Local...),
		ExtraIndexURLs:   append([]string(nil), r.ExtraIndexURLs...),
	}
	if len(r.Toolkit) > 0 {
		deps.PyTorch = &manifest.PyTorchSpec{IndexURL: r.ToolkitIndexURL, Packages: copyMap(r.Toolkit)}
	}
	return deps
}

// Versions returns every installed name→version, toolkit included, keyed by
// normalized name.
func (r *Result) Versions() map[string]string {
	out := make(map[string]string, len(r.All))
	for _, p := range r.All {
		out[manifest.NormalizeName(p.Name)] = p.Version
	}
	return out
}

func (d *Detector) list(ctx context.Context, python string) (string, []Installed, error) {
	out, pipErr := d.runner.Run(ctx, command.Cmd{
		Name: python,
		Args: []string{"-m", "pip", "list", "--format=json", "--disable-pip-version-check"},
	})
	tool := "pip"
	if pipErr != nil {
		d.logger.Debug("pip unavailable, trying uv", zap.Error(pipErr))
		var uvErr error
		out, uvErr = d.runner.Run(ctx, command.Cmd{
			Name: d.uvPath,
			Args: []string{"pip", "list", "--format=json", "--python", python},
		})
		if uvErr != nil {
			return "", nil, fmt.Errorf("listing packages: pip: %v; uv: %w", pipErr, uvErr)
		}
		tool = "uv"
	}

	var listing []Installed
	if err := json.Unmarshal(out, &listing); err != nil {
		return "", nil, fmt.Errorf("parsing %s package list: %w", tool, err)
	}
	sort.Slice(listing, func(i, j int) bool {
		return manifest.NormalizeName(listing[i].Name) < manifest.NormalizeName(listing[j].Name)
	})
	return tool, listing, nil
}

func (d *Detector) freeze(ctx context.Context, tool, python string) ([]byte, error) {
	c := command.Cmd{Name: python, Args: []string{"-m", "pip", "freeze", "--disable-pip-version-check"}}
	if tool == "uv" {
		c = command.Cmd{Name: d.uvPath, Args: []string{"pip", "freeze", "--python", python}}
	}
	out, err := d.runner.Run(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("freezing packages: %w", err)
	}
	return out, nil
}

// extraIndexURLs reads pip's configured extra indexes. A failure here only
// means none are recorded.
func (d *Detector) extraIndexURLs(ctx context.Context, tool, python string) []string {
	if tool != "pip" {
		return nil
	}
	out, err := d.runner.Run(ctx, command.Cmd{Name: python, Args: []string{"-m", "pip", "config", "list"}})
	if err != nil {
		return nil
	}
	var urls []string
	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || !strings.HasSuffix(key, "extra-index-url") {
			continue
		}
		for _, u := range strings.Fields(strings.Trim(value, `'"`)) {
			if !containsString(urls, u) {
				urls = append(urls, u)
			}
		}
	}
	sort.Strings(urls)
	return urls
}

type directRef struct {
	vcs      *manifest.GitRequirement
	local    string
	editable string
}

// parseFreeze extracts direct references from freeze output, keyed by
// normalized name:
//
//	name @ git+https://host/repo@ref#subdirectory=sub
//	name @ file:///path/to/name-1.0-py3-none-any.whl
//	-e git+https://host/repo@ref#egg=name
//	-e /abs/path
func parseFreeze(out []byte) map[string]directRef {
	refs := map[string]directRef{}
	var pendingEditable string
	for _, raw := range strings.Split(string(out), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			// "# Editable install with no version control (name==1.0)"
			if i := strings.LastIndex(line, "("); i >= 0 {
				pendingEditable, _, _ = strings.Cut(strings.TrimSuffix(line[i+1:], ")"), "==")
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "-e "); ok {
			rest = strings.TrimSpace(rest)
			name := pendingEditable
			pendingEditable = ""
			if strings.HasPrefix(rest, "git+") {
				req := parseVCS(rest)
				if egg := fragmentValue(rest, "egg"); egg != "" {
					name = egg
				}
				rest = strings.TrimPrefix(req.URL, "git+")
			}
			if name == "" {
				name = rest
			}
			refs[manifest.NormalizeName(name)] = directRef{editable: rest}
			continue
		}
		name, target, ok := strings.Cut(line, " @ ")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		target = strings.TrimSpace(target)
		switch {
		case strings.HasPrefix(target, "git+"):
			req := parseVCS(target)
			req.Name = name
			refs[manifest.NormalizeName(name)] = directRef{vcs: &req}
		case strings.HasPrefix(target, "file://"):
			if u, err := url.Parse(target); err == nil {
				refs[manifest.NormalizeName(name)] = directRef{local: u.Path}
			}
		}
	}
	return refs
}

// parseVCS splits git+URL@ref#subdirectory=sub.
func parseVCS(target string) manifest.GitRequirement {
	spec, fragment, _ := strings.Cut(target, "#")
	spec = strings.TrimPrefix(spec, "git+")
	req := manifest.GitRequirement{URL: spec}
	// The ref separator is the last '@' after the host part.
	if scheme := strings.Index(spec, "://"); scheme >= 0 {
		if at := strings.LastIndex(spec, "@"); at > scheme+3 && !strings.Contains(spec[at:], "/") {
			req.URL, req.Ref = spec[:at], spec[at+1:]
		}
	}
	req.Subdirectory = fragmentValue("#"+fragment, "subdirectory")
	return req
}

func fragmentValue(target, key string) string {
	_, fragment, ok := strings.Cut(target, "#")
	if !ok {
		return ""
	}
	for _, part := range strings.Split(fragment, "&") {
		if k, v, ok := strings.Cut(part, "="); ok && k == key {
			return v
		}
	}
	return ""
}

// toolkitIndex derives the toolkit index from torch's local version label.
// A torch without a label came from the default index and needs none.
func toolkitIndex(toolkit map[string]string) string {
	for name, version := range toolkit {
		if manifest.NormalizeName(name) != "torch" {
			continue
		}
		if _, label, ok := strings.Cut(version, "+"); ok && label != "" {
			return PyTorchIndexBase + label
		}
	}
	return ""
}

func describeAccelerator(toolkit map[string]string) string {
	if len(toolkit) == 0 {
		return ""
	}
	parts := make([]string, 0, len(toolkit))
	for name, version := range toolkit {
		parts = append(parts, name+" "+version)
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

func fileSHA256(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func copyMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
