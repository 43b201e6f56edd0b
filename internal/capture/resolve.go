package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/comfydock/comfydock/internal/manifest"
	"github.com/comfydock/comfydock/internal/plugins"
	"github.com/comfydock/comfydock/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Confidence grades how well a node's source is established.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// NodeRegistry resolves registry identifiers.
type NodeRegistry interface {
	Resolve(ctx context.Context, id string) (*registry.NodeInfo, error)
}

// SourceHost confirms repository refs.
type SourceHost interface {
	ConfirmRef(ctx context.Context, repoURL, ref string) (*registry.RefCheck, error)
}

// NodeResult is the resolved form of one scanned plugin.
type NodeResult struct {
	Scan plugins.Node `json:"scan"`
	// Spec is nil when no URL could be resolved.
	Spec       *manifest.CustomNodeSpec `json:"spec,omitempty"`
	Confidence Confidence               `json:"confidence"`
	Registry   *registry.NodeInfo       `json:"registry,omitempty"`
	RefCheck   *registry.RefCheck       `json:"ref_check,omitempty"`
	Notes      []string                 `json:"notes,omitempty"`
	// Unreachable records validator calls that could not be made.
	Unreachable []string `json:"unreachable,omitempty"`
}

func (r *NodeResult) note(format string, args ...interface{}) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

// Resolver turns scanned plugins into manifest entries, optionally checking
// them against the registry and the source host.
type Resolver struct {
	registry NodeRegistry
	host     SourceHost
	workers  int
	logger   *zap.Logger
}

// NewResolver builds a Resolver. Either validator may be nil; workers bounds
// how many plugins are validated at once.
func NewResolver(reg NodeRegistry, host SourceHost, workers int, logger *zap.Logger) *Resolver {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{registry: reg, host: host, workers: workers, logger: logger}
}

// Resolve resolves every node. With validate set the validators are
// consulted with bounded parallelism; a validator failure only lowers that
// node's confidence. Results keep the order of nodes.
func (r *Resolver) Resolve(ctx context.Context, nodes []plugins.Node, validate bool) []NodeResult {
	results := make([]NodeResult, len(nodes))
	g := new(errgroup.Group)
	g.SetLimit(r.workers)
	for i := range nodes {
		i := i
		g.Go(func() error {
			results[i] = r.resolve(ctx, nodes[i], validate)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Resolver) resolve(ctx context.Context, n plugins.Node, validate bool) NodeResult {
	res := NodeResult{Scan: n, Confidence: ConfidenceLow}
	spec := &manifest.CustomNodeSpec{
		Name:            n.Name,
		InstallMethod:   n.Method,
		HasPostInstall:  n.HasPostInstall,
		HasRequirements: n.HasRequirements,
	}

	switch n.Method {
	case manifest.MethodVCS:
		if n.URL == "" {
			res.note("repository has no usable origin")
			return res
		}
		spec.URL, spec.Ref = n.URL, n.Ref
		res.Confidence = ConfidenceMedium
		if validate {
			r.confirmVCS(ctx, &res, spec)
		}

	case manifest.MethodLocal:
		spec.URL = n.URL
		res.note("local path is not portable")

	case manifest.MethodArchive, manifest.MethodManaged:
		if validate && n.RegistryID != "" && r.registry != nil {
			if r.tryManaged(ctx, &res, spec) {
				break
			}
		}
		spec.InstallMethod = manifest.MethodArchive
		if !r.resolveArchive(ctx, &res, spec, validate) {
			return res
		}

	default:
		res.note("unknown install method %q", n.Method)
		return res
	}

	res.Spec = spec
	return res
}

// confirmVCS checks the ref and records a stable archive as fallback_url.
func (r *Resolver) confirmVCS(ctx context.Context, res *NodeResult, spec *manifest.CustomNodeSpec) {
	if r.host == nil {
		return
	}
	if _, _, ok := registry.ParseRepo(spec.URL); !ok {
		res.note("repository host cannot be validated")
		return
	}
	check, err := r.host.ConfirmRef(ctx, spec.URL, spec.Ref)
	if err != nil {
		r.degrade(res, "source host", err)
		return
	}
	res.RefCheck = check
	spec.FallbackURL = check.ArchiveURL
	if check.Exists {
		res.Confidence = ConfidenceHigh
		return
	}
	res.Confidence = ConfidenceLow
	if check.Suggested != "" {
		res.note("ref %s not found on source host; nearest tag is %s", spec.Ref, check.Suggested)
	} else {
		res.note("ref %s not found on source host", spec.Ref)
	}
}

// tryManaged upgrades a node the registry knows to a managed install.
func (r *Resolver) tryManaged(ctx context.Context, res *NodeResult, spec *manifest.CustomNodeSpec) bool {
	id := res.Scan.RegistryID
	info, err := r.registry.Resolve(ctx, id)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		res.note("registry does not list %q", id)
		return false
	case err != nil:
		r.degrade(res, "registry", err)
		return false
	}

	res.Registry = info
	spec.InstallMethod = manifest.MethodManaged
	spec.URL = info.ID
	res.Confidence = ConfidenceHigh
	if lv := info.LatestVersion; lv != nil && res.Scan.Version != "" && lv.Version != res.Scan.Version {
		res.note("installed version %s, registry latest %s", res.Scan.Version, lv.Version)
	}
	if lv := info.LatestVersion; lv != nil && lv.Version == res.Scan.Version && isHTTP(lv.DownloadURL) {
		spec.FallbackURL = lv.DownloadURL
	}
	return true
}

// resolveArchive finds a download URL from the declared repository.
func (r *Resolver) resolveArchive(ctx context.Context, res *NodeResult, spec *manifest.CustomNodeSpec, validate bool) bool {
	repo := res.Scan.Repository
	owner, name, ok := registry.ParseRepo(repo)
	if !ok {
		res.note("no repository on a known host to download from")
		return false
	}

	ref := ""
	if res.Scan.Version != "" {
		ref = "v" + res.Scan.Version
	}
	if validate && r.host != nil {
		check, err := r.host.ConfirmRef(ctx, repo, ref)
		if err == nil {
			res.RefCheck = check
			if check.ArchiveURL != "" {
				spec.URL = check.ArchiveURL
				res.Confidence = ConfidenceMedium
				if check.Exists {
					res.Confidence = ConfidenceHigh
				}
				return true
			}
		} else {
			r.degrade(res, "source host", err)
		}
	}

	if ref == "" {
		ref = "HEAD"
	}
	spec.URL = registry.ArchiveURL(owner, name, ref)
	res.Confidence = ConfidenceLow
	res.note("archive URL derived without validation")
	return true
}

func (r *Resolver) degrade(res *NodeResult, service string, err error) {
	res.Confidence = ConfidenceLow
	if errors.Is(err, registry.ErrNotFound) {
		res.note("%s does not know this repository", service)
		return
	}
	res.Unreachable = append(res.Unreachable, service)
	res.note("%s unreachable: %v", service, err)
	r.logger.Warn("validator unreachable, confidence lowered",
		zap.String("plugin", res.Scan.Name),
		zap.String("service", service),
		zap.Error(err))
}

func isHTTP(u string) bool {
	return strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://")
}
