package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/comfydock/comfydock/internal/git"
	"golang.org/x/mod/semver"
)

// ArchiveHost serves repository archives for the source-hosting service.
const ArchiveHost = "https://github.com"

// RefKind says what a confirmed ref turned out to be.
type RefKind string

const (
	RefTag    RefKind = "tag"
	RefCommit RefKind = "commit"
	RefBranch RefKind = "branch"
)

// RefCheck is the outcome of confirming a ref.
type RefCheck struct {
	Owner  string  `json:"owner"`
	Repo   string  `json:"repo"`
	Ref    string  `json:"ref,omitempty"`
	Exists bool    `json:"exists"`
	Kind   RefKind `json:"kind,omitempty"`
	// Suggested is the nearest existing tag when Ref does not exist, or the
	// newest tag when no ref was asked for.
	Suggested string `json:"suggested,omitempty"`
	// ArchiveURL downloads Ref when it exists, else Suggested, else the
	// default branch.
	ArchiveURL string `json:"archive_url,omitempty"`
}

type repoResponse struct {
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
}

type tagResponse struct {
	Name string `json:"name"`
}

// SourceHostValidator confirms repository refs against the source-hosting
// service's API.
type SourceHostValidator struct {
	c *client
}

// NewSourceHostValidator creates a validator for the API at baseURL.
func NewSourceHostValidator(baseURL string, opts ...Option) *SourceHostValidator {
	return &SourceHostValidator{c: newClient(baseURL, opts)}
}

// ParseRepo extracts owner and repository from a clone or web URL on the
// source-hosting service.
func ParseRepo(raw string) (owner, repo string, ok bool) {
	raw = strings.TrimSpace(raw)
	var path string
	switch {
	case strings.HasPrefix(raw, "git@github.com:"):
		path = strings.TrimPrefix(raw, "git@github.com:")
	default:
		u, err := url.Parse(raw)
		if err != nil || !strings.EqualFold(u.Hostname(), "github.com") {
			return "", "", false
		}
		path = u.Path
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), true
}

// ArchiveURL returns the archive download for ref of owner/repo.
func ArchiveURL(owner, repo, ref string) string {
	return fmt.Sprintf("%s/%s/%s/archive/%s.zip", ArchiveHost, owner, repo, ref)
}

// ConfirmRef checks that ref exists in repoURL and suggests the nearest tag
// when it does not. An empty ref only confirms the repository. It returns
// ErrNotFound when the repository does not exist and a
// diag.ValidatorUnreachable error when the service could not be asked.
func (v *SourceHostValidator) ConfirmRef(ctx context.Context, repoURL, ref string) (*RefCheck, error) {
	owner, repo, ok := ParseRepo(repoURL)
	if !ok {
		return nil, fmt.Errorf("%s is not a repository on %s", repoURL, ArchiveHost)
	}
	subject := owner + "/" + repo
	base := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)

	var info repoResponse
	if err := v.c.getJSON(ctx, base, &info); err != nil {
		return nil, classify(subject, err)
	}
	check := &RefCheck{Owner: owner, Repo: repo, Ref: ref}

	var tags []tagResponse
	if err := v.c.getJSON(ctx, base+"/tags?per_page=100", &tags); err != nil {
		return nil, classify(subject, err)
	}
	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = t.Name
	}

	switch {
	case ref == "":
	case containsString(names, ref):
		check.Exists, check.Kind = true, RefTag
	case git.IsCommit(ref):
		var commit struct {
			SHA string `json:"sha"`
		}
		err := v.c.getJSON(ctx, base+"/commits/"+url.PathEscape(ref), &commit)
		if err != nil && !IsNotFound(err) && !isUnprocessable(err) {
			return nil, classify(subject, err)
		}
		check.Exists, check.Kind = err == nil, RefCommit
	default:
		var branch struct {
			Name string `json:"name"`
		}
		err := v.c.getJSON(ctx, base+"/branches/"+url.PathEscape(ref), &branch)
		if err != nil && !IsNotFound(err) {
			return nil, classify(subject, err)
		}
		check.Exists, check.Kind = err == nil, RefBranch
	}

	if !check.Exists {
		check.Suggested = NearestTag(ref, names)
	}
	switch {
	case check.Exists:
		check.ArchiveURL = ArchiveURL(owner, repo, ref)
	case check.Suggested != "":
		check.ArchiveURL = ArchiveURL(owner, repo, check.Suggested)
	case info.DefaultBranch != "":
		check.ArchiveURL = ArchiveURL(owner, repo, info.DefaultBranch)
	}
	return check, nil
}

// CircuitState exposes the breaker state for reporting.
func (v *SourceHostValidator) CircuitState() CircuitState {
	if v.c.retry.breaker == nil {
		return CircuitClosed
	}
	return v.c.retry.breaker.State()
}

// NearestTag picks the tag closest to want among tags. For a semantic
// version it prefers the highest tag not above want, then the lowest above
// it; otherwise it returns the highest semantic tag, or the first tag listed.
func NearestTag(want string, tags []string) string {
	type versioned struct{ tag, canon string }
	var vs []versioned
	for _, t := range tags {
		if c := canonical(t); c != "" {
			vs = append(vs, versioned{t, c})
		}
	}
	if len(vs) == 0 {
		if len(tags) > 0 {
			return tags[0]
		}
		return ""
	}
	sort.SliceStable(vs, func(i, j int) bool { return semver.Compare(vs[i].canon, vs[j].canon) < 0 })

	w := canonical(want)
	if w == "" {
		return vs[len(vs)-1].tag
	}
	best := ""
	for _, v := range vs {
		if semver.Compare(v.canon, w) <= 0 {
			best = v.tag
		}
	}
	if best != "" {
		return best
	}
	return vs[0].tag
}

// canonical maps "1.2", "v1.2.3" and similar onto semver's form, or "".
func canonical(tag string) string {
	v := tag
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

func isUnprocessable(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnprocessableEntity
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
