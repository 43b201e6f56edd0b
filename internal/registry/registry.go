package registry

import (
	"context"
	"errors"
	"net/url"

	"github.com/comfydock/comfydock/internal/diag"
)

// ErrNotFound means the service answered and does not know the subject.
var ErrNotFound = errors.New("not found")

// NodeVersion is one published release of a registry node.
type NodeVersion struct {
	Version      string   `json:"version"`
	DownloadURL  string   `json:"downloadUrl"`
	Dependencies []string `json:"dependencies,omitempty"`
	Deprecated   bool     `json:"deprecated,omitempty"`
}

// NodeInfo is the registry's canonical metadata for a node.
type NodeInfo struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Repository    string       `json:"repository,omitempty"`
	LatestVersion *NodeVersion `json:"latest_version,omitempty"`
}

// RegistryValidator resolves node identifiers against the node registry.
type RegistryValidator struct {
	c *client
}

// NewRegistryValidator creates a validator for the registry at baseURL.
func NewRegistryValidator(baseURL string, opts ...Option) *RegistryValidator {
	return &RegistryValidator{c: newClient(baseURL, opts)}
}

// Resolve returns the registry metadata for id. It returns ErrNotFound when
// the registry does not list id and a diag.ValidatorUnreachable error when the
// registry could not be asked.
func (v *RegistryValidator) Resolve(ctx context.Context, id string) (*NodeInfo, error) {
	var info NodeInfo
	if err := v.c.getJSON(ctx, "/nodes/"+url.PathEscape(id), &info); err != nil {
		return nil, classify(id, err)
	}
	if info.ID == "" {
		info.ID = id
	}
	return &info, nil
}

// Install resolves the download of one version of id through the registry's
// install endpoint. An empty version asks for the latest release.
func (v *RegistryValidator) Install(ctx context.Context, id, version string) (*NodeVersion, error) {
	path := "/nodes/" + url.PathEscape(id) + "/install"
	if version != "" {
		path += "?version=" + url.QueryEscape(version)
	}
	var nv NodeVersion
	if err := v.c.getJSON(ctx, path, &nv); err != nil {
		return nil, classify(id, err)
	}
	if nv.DownloadURL == "" {
		return nil, diag.Errorf(diag.ValidatorUnreachable, id, "registry returned no download for version %q", version)
	}
	return &nv, nil
}

// CircuitState exposes the breaker state for reporting.
func (v *RegistryValidator) CircuitState() CircuitState {
	if v.c.retry.breaker == nil {
		return CircuitClosed
	}
	return v.c.retry.breaker.State()
}

func classify(subject string, err error) error {
	if IsNotFound(err) {
		return ErrNotFound
	}
	return diag.Wrap(diag.ValidatorUnreachable, subject, err)
}
