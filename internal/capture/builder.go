package capture

import (
	"fmt"
	"sort"
	"strings"

	"github.com/comfydock/comfydock/internal/diag"
	"github.com/comfydock/comfydock/internal/manifest"
	"github.com/comfydock/comfydock/internal/packages"
)

// PriorityOrder is the install_order given to nodes that install early.
const PriorityOrder = 1

// Inputs are the merged detector outputs.
type Inputs struct {
	Metadata          *manifest.Metadata
	System            manifest.SystemInfo
	Packages          *packages.Result
	Nodes             []NodeResult
	PlatformOverrides map[string]manifest.PlatformOverride
}

// Built is the outcome of a successful build.
type Built struct {
	Manifest *manifest.Manifest
	Size     int
	// Unresolved lists nodes left out for lack of a URL.
	Unresolved []string
	Warnings   []diag.Diagnostic
}

// Build merges detector outputs into one manifest: populate, derive install
// order, drop empty values, validate, then measure. A manifest over
// manifest.MaxSize is a fatal diag.ManifestTooLarge; it is never truncated.
func Build(in Inputs) (*Built, error) {
	m := &manifest.Manifest{
		SchemaVersion: manifest.SchemaVersion,
		Metadata:      in.Metadata,
		SystemInfo:    in.System,
	}
	if len(in.PlatformOverrides) > 0 {
		m.PlatformOverrides = make(map[string]manifest.PlatformOverride, len(in.PlatformOverrides))
		for k, o := range in.PlatformOverrides {
			m.PlatformOverrides[k] = o.Clone()
		}
	}
	if in.Packages != nil {
		m.Dependencies = in.Packages.Dependencies()
	}

	out := &Built{Manifest: m}
	for _, nr := range in.Nodes {
		if nr.Spec == nil {
			out.Unresolved = append(out.Unresolved, nr.Scan.Name)
			out.Warnings = append(out.Warnings, diag.Diagnostic{
				Kind:    diag.UnresolvedNode,
				Subject: nr.Scan.Name,
				Message: "no installable source found; left out of the manifest (" + strings.Join(nr.Notes, "; ") + ")",
			})
			continue
		}
		spec := *nr.Spec
		spec.InstallOrder = InstallOrder(spec)
		m.CustomNodes = append(m.CustomNodes, spec)
		if len(nr.Unreachable) > 0 {
			out.Warnings = append(out.Warnings, diag.Diagnostic{
				Kind:    diag.ValidatorUnreachable,
				Subject: spec.Name,
				Message: "could not validate against " + strings.Join(nr.Unreachable, ", ") + "; confidence lowered",
			})
		}
	}
	sortNodes(m.CustomNodes)

	manifest.Compact(m)
	for _, hazard := range m.LocalHazards() {
		out.Warnings = append(out.Warnings, diag.Diagnostic{
			Kind:    diag.LocalPathHazard,
			Subject: hazard,
			Message: "the path will not exist on another machine",
		})
	}

	if err := manifest.Validate(m); err != nil {
		return nil, err
	}
	size, err := manifest.Size(m)
	if err != nil {
		return nil, err
	}
	out.Size = size
	if size > manifest.MaxSize {
		return nil, tooLarge(m, size)
	}
	return out, nil
}

// InstallOrder derives a node's install_order: nodes with a post-install
// script or declared requirements install first, the rest last.
func InstallOrder(spec manifest.CustomNodeSpec) int {
	if spec.HasPostInstall || spec.HasRequirements {
		return PriorityOrder
	}
	return 0
}

func sortNodes(nodes []manifest.CustomNodeSpec) {
	sort.SliceStable(nodes, func(i, j int) bool {
		oi, oj := nodes[i].EffectiveOrder(), nodes[j].EffectiveOrder()
		if oi != oj {
			return oi < oj
		}
		return nodes[i].Name < nodes[j].Name
	})
}

// tooLarge reports the size and what dominates it.
func tooLarge(m *manifest.Manifest, size int) error {
	var pkgs, toolkit int
	if m.Dependencies != nil {
		pkgs = len(m.Dependencies.Packages)
		if m.Dependencies.PyTorch != nil {
			toolkit = len(m.Dependencies.PyTorch.Packages)
		}
	}
	return diag.New(diag.ManifestTooLarge, "manifest", fmt.Sprintf(
		"manifest is %d bytes, over the %d-byte limit (%d packages, %d toolkit packages, %d custom nodes); "+
			"uninstall unused packages or plugins and capture again",
		size, manifest.MaxSize, pkgs, toolkit, len(m.CustomNodes)))
}
