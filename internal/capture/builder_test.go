package capture

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/comfydock/comfydock/internal/diag"
	"github.com/comfydock/comfydock/internal/manifest"
	"github.com/comfydock/comfydock/internal/packages"
	"github.com/comfydock/comfydock/internal/plugins"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSystem() manifest.SystemInfo {
	return manifest.SystemInfo{
		PythonVersion:  "3.11.7",
		CUDAVersion:    "12.1",
		TorchVersion:   "2.1.0+cu121",
		ComfyUIVersion: "v0.3.47",
		Platform:       "linux",
		Architecture:   "x86_64",
	}
}

func resolved(name string, method manifest.InstallMethod, url string, post, reqs bool) NodeResult {
	return NodeResult{
		Scan: plugins.Node{Name: name, Method: method},
		Spec: &manifest.CustomNodeSpec{
			Name:            name,
			InstallMethod:   method,
			URL:             url,
			HasPostInstall:  post,
			HasRequirements: reqs,
		},
		Confidence: ConfidenceMedium,
	}
}

func TestBuildMinimal(t *testing.T) {
	built, err := Build(Inputs{
		System:   manifest.SystemInfo{PythonVersion: "3.11.7", ComfyUIVersion: "v0.3.47"},
		Packages: &packages.Result{Packages: map[string]string{"numpy": "1.24.3"}},
	})
	require.NoError(t, err)

	data, err := manifest.Encode(built.Manifest)
	require.NoError(t, err)
	assert.Equal(t, len(data), built.Size)
	assert.JSONEq(t, `{"schema_version":"1.0",
		"system_info":{"python_version":"3.11.7","comfyui_version":"v0.3.47"},
		"dependencies":{"packages":{"numpy":"1.24.3"}}}`, string(data))

	empties, err := manifest.EmptyValues(data)
	require.NoError(t, err)
	assert.Empty(t, empties)
	assert.Empty(t, built.Warnings)
}

func TestBuildOrdersAndWarns(t *testing.T) {
	nodes := []NodeResult{
		resolved("zz-plain", manifest.MethodVCS, "https://github.com/a/zz-plain", false, false),
		{Scan: plugins.Node{Name: "lost-node", Method: manifest.MethodArchive}, Notes: []string{"no repository"}},
		resolved("b-priority", manifest.MethodVCS, "https://github.com/a/b-priority", true, false),
		resolved("dev-node", manifest.MethodLocal, "/home/dev/dev-node", false, false),
		resolved("a-priority", manifest.MethodArchive, "https://github.com/a/a/archive/v1.zip", false, true),
	}
	nodes[0].Unreachable = []string{"source host"}

	built, err := Build(Inputs{System: testSystem(), Nodes: nodes})
	require.NoError(t, err)

	var names []string
	var orders []int
	for _, n := range built.Manifest.CustomNodes {
		names = append(names, n.Name)
		orders = append(orders, n.InstallOrder)
	}
	assert.Equal(t, []string{"a-priority", "b-priority", "dev-node", "zz-plain"}, names)
	assert.Equal(t, []int{PriorityOrder, PriorityOrder, 0, 0}, orders)
	assert.Equal(t, []string{"lost-node"}, built.Unresolved)

	kinds := map[diag.Kind][]string{}
	for _, w := range built.Warnings {
		kinds[w.Kind] = append(kinds[w.Kind], w.Subject)
	}
	want := map[diag.Kind][]string{
		diag.UnresolvedNode:       {"lost-node"},
		diag.ValidatorUnreachable: {"zz-plain"},
		diag.LocalPathHazard:      {"custom node dev-node installs from local path /home/dev/dev-node"},
	}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("warnings mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	var nodes []NodeResult
	for i := 0; i < 12; i++ {
		nodes = append(nodes, resolved(fmt.Sprintf("node-%02d", i), manifest.MethodVCS,
			fmt.Sprintf("https://github.com/a/node-%02d", i), i%3 == 0, i%4 == 0))
	}
	first, err := Build(Inputs{System: testSystem(), Nodes: nodes})
	require.NoError(t, err)
	want, err := manifest.Encode(first.Manifest)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		shuffled := append([]NodeResult(nil), nodes...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		again, err := Build(Inputs{System: testSystem(), Nodes: shuffled})
		require.NoError(t, err)
		got, err := manifest.Encode(again.Manifest)
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
	}
}

func TestBuildRejectsInvalid(t *testing.T) {
	_, err := Build(Inputs{System: manifest.SystemInfo{PythonVersion: "3.11", ComfyUIVersion: "v1"}})
	require.Error(t, err)
	assert.Equal(t, diag.SchemaInvalid, diag.KindOf(err))
}

// Random package and plugin sets either fit in full or fail loudly; nothing
// is ever dropped to make a manifest fit.
func TestBuildNeverTruncates(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var fit, rejected int

	for trial := 0; trial < 60; trial++ {
		nPkgs, nNodes := rng.Intn(501), rng.Intn(51)
		if trial%3 == 0 {
			nPkgs, nNodes = rng.Intn(40), rng.Intn(8)
		}
		pkgs := map[string]string{}
		for i := 0; i < nPkgs; i++ {
			name := fmt.Sprintf("pkg-%03d%s", i, strings.Repeat("x", rng.Intn(12)))
			pkgs[name] = fmt.Sprintf("%d.%d.%d", rng.Intn(10), rng.Intn(30), rng.Intn(100))
		}
		var nodes []NodeResult
		for i := 0; i < nNodes; i++ {
			name := fmt.Sprintf("plugin-%03d", i)
			nodes = append(nodes, resolved(name, manifest.MethodVCS, "https://github.com/owner/"+name, rng.Intn(2) == 0, false))
		}

		built, err := Build(Inputs{System: testSystem(), Packages: &packages.Result{Packages: pkgs}, Nodes: nodes})
		if err != nil {
			require.Equal(t, diag.ManifestTooLarge, diag.KindOf(err), "trial %d", trial)
			assert.Contains(t, err.Error(), "custom nodes")
			rejected++
			continue
		}
		fit++
		assert.LessOrEqual(t, built.Size, manifest.MaxSize)
		assert.Len(t, built.Manifest.CustomNodes, len(nodes))
		if len(pkgs) > 0 {
			require.NotNil(t, built.Manifest.Dependencies)
			assert.Equal(t, pkgs, built.Manifest.Dependencies.Packages)
		}
		data, err := manifest.Encode(built.Manifest)
		require.NoError(t, err)
		assert.Equal(t, built.Size, len(data))
	}
	assert.Positive(t, fit)
	assert.Positive(t, rejected)
}

func TestBuildLeavesCallerOverridesAlone(t *testing.T) {
	overrides := map[string]manifest.PlatformOverride{
		"linux":  {},
		"darwin": {Env: map[string]string{"X": "", "PYTORCH_ENABLE_MPS_FALLBACK": "1"}},
	}
	built, err := Build(Inputs{
		System:            manifest.SystemInfo{PythonVersion: "3.11.7", ComfyUIVersion: "v0.3.47"},
		PlatformOverrides: overrides,
	})
	require.NoError(t, err)

	assert.Len(t, overrides, 2)
	assert.Equal(t, map[string]string{"X": "", "PYTORCH_ENABLE_MPS_FALLBACK": "1"}, overrides["darwin"].Env)

	data, err := manifest.Encode(built.Manifest)
	require.NoError(t, err)
	assert.JSONEq(t, `{"schema_version":"1.0",
		"system_info":{"python_version":"3.11.7","comfyui_version":"v0.3.47"},
		"platform_overrides":{"darwin":{"env":{"PYTORCH_ENABLE_MPS_FALLBACK":"1"}}}}`, string(data))
	empties, err := manifest.EmptyValues(data)
	require.NoError(t, err)
	assert.Empty(t, empties)
}
