package plugins

import (
	"fmt"
	"sort"
	"strings"

	"github.com/comfydock/comfydock/internal/diag"
)

// Source renders where a node comes from, for collision reports.
func (n *Node) Source() string {
	switch {
	case n.RegistryID != "" && n.URL == n.RegistryID:
		return fmt.Sprintf("%s (%s: registry %s)", n.Name, n.Method, n.RegistryID)
	case n.URL != "":
		return fmt.Sprintf("%s (%s: %s)", n.Name, n.Method, n.URL)
	default:
		return fmt.Sprintf("%s (%s: %s)", n.Name, n.Method, n.Path)
	}
}

// CheckCollisions fails with a fatal diag.NamingCollision when two nodes
// claim the same directory name, compared case-insensitively. Precedence is
// never guessed; every candidate source is listed.
func CheckCollisions(nodes []Node) error {
	byName := map[string][]*Node{}
	for i := range nodes {
		key := strings.ToLower(nodes[i].Name)
		byName[key] = append(byName[key], &nodes[i])
	}

	var clashes []string
	for _, group := range byName {
		if len(group) < 2 {
			continue
		}
		sources := make([]string, len(group))
		for i, n := range group {
			sources[i] = n.Source()
		}
		sort.Strings(sources)
		clashes = append(clashes, strings.Join(sources, " vs "))
	}
	if len(clashes) == 0 {
		return nil
	}
	sort.Strings(clashes)
	return diag.New(diag.NamingCollision, "custom_nodes",
		"plugins claim the same directory name: "+strings.Join(clashes, "; "))
}
