package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"jhol/pkg/jerrors"
	"jhol/pkg/types"
)

func domain(name string, versions ...*types.PackageVersion) *types.Packument {
	d := &types.Packument{Name: name, Versions: make(map[string]*types.PackageVersion)}
	for _, v := range versions {
		d.Versions[v.Version] = v
	}
	return d
}

func pv(version string) *types.PackageVersion {
	return &types.PackageVersion{Version: version}
}

func TestJAGRSolvesWithDepsAndPeers(t *testing.T) {
	domains := map[string]*types.Packument{
		"app": domain("app"),
		"lib": domain("lib",
			&types.PackageVersion{
				Version:          "1.0.0",
				Dependencies:     map[string]string{"core": "^1.0.0"},
				PeerDependencies: map[string]string{"host": "^1.0.0"},
			},
		),
		"core": domain("core", pv("1.0.0"), pv("1.1.0")),
		"host": domain("host", pv("1.0.0")),
	}

	input := SolveInput{
		RootRequirements: []types.Requirement{
			{Name: "lib", Range: "^1.0.0", Kind: types.KindRegular},
			{Name: "host", Range: "^1.0.0", Kind: types.KindRegular},
		},
		Domains: domains,
	}

	j := NewJAGR(nil)
	result, err := j.Solve(context.Background(), input, Options{})
	require.NoError(t, err)
	require.Equal(t, "1.0.0", result.Graph.RootResolved["lib"])
	require.Equal(t, "1.1.0", result.Graph.Nodes[types.NodeKey("lib", "1.0.0")].ResolvedDeps["core"])
	require.Equal(t, "1.0.0", result.Graph.RootResolved["host"])
	require.Equal(t, "jagr", result.Stats.Strategy)
}

func TestJAGRUnsatOnRootConflict(t *testing.T) {
	domains := map[string]*types.Packument{
		"core": domain("core", pv("1.0.0"), pv("2.0.0")),
	}
	input := SolveInput{
		RootRequirements: []types.Requirement{
			{Name: "core", Range: "^1.0.0", Kind: types.KindRegular},
			{Name: "core", Range: "^2.0.0", Kind: types.KindRegular},
		},
		Domains: domains,
	}

	j := NewJAGR(nil)
	_, err := j.Solve(context.Background(), input, Options{})
	require.Error(t, err)
	require.True(t, errors.Is(err, jerrors.ErrResolveConflict))
}

func TestJAGRUnsatOnRequiredPeerConflict(t *testing.T) {
	domains := map[string]*types.Packument{
		"lib": domain("lib", &types.PackageVersion{
			Version:          "1.0.0",
			PeerDependencies: map[string]string{"host": "^2.0.0"},
		}),
		"host": domain("host", pv("1.0.0")),
	}
	input := SolveInput{
		RootRequirements: []types.Requirement{
			{Name: "lib", Range: "^1.0.0", Kind: types.KindRegular},
			{Name: "host", Range: "^1.0.0", Kind: types.KindRegular},
		},
		Domains: domains,
	}

	j := NewJAGR(nil)
	_, err := j.Solve(context.Background(), input, Options{})
	require.Error(t, err)
	require.True(t, errors.Is(err, jerrors.ErrPeerUnsatisfied))
}

func TestJAGROptionalPeerSkipped(t *testing.T) {
	domains := map[string]*types.Packument{
		"lib": domain("lib", &types.PackageVersion{
			Version:              "1.0.0",
			PeerDependencies:     map[string]string{"host": "^2.0.0"},
			PeerDependenciesMeta: map[string]types.PeerMeta{"host": {Optional: true}},
		}),
	}
	input := SolveInput{
		RootRequirements: []types.Requirement{
			{Name: "lib", Range: "^1.0.0", Kind: types.KindRegular},
		},
		Domains: domains,
	}

	j := NewJAGR(nil)
	result, err := j.Solve(context.Background(), input, Options{})
	require.NoError(t, err)
	require.Equal(t, "1.0.0", result.Graph.RootResolved["lib"])
	_, hostAssigned := result.Graph.RootResolved["host"]
	require.False(t, hostAssigned)
}

func TestJAGRDeterministicAcrossRuns(t *testing.T) {
	domains := map[string]*types.Packument{
		"a": domain("a", pv("1.0.0"), pv("1.1.0"), pv("2.0.0")),
		"b": domain("b", &types.PackageVersion{Version: "1.0.0", Dependencies: map[string]string{"a": "^1.0.0"}}),
	}
	input := SolveInput{
		RootRequirements: []types.Requirement{
			{Name: "a", Range: "^1.0.0 || ^2.0.0", Kind: types.KindRegular},
			{Name: "b", Range: "^1.0.0", Kind: types.KindRegular},
		},
		Domains: domains,
	}

	j := NewJAGR(nil)
	first, err := j.Solve(context.Background(), input, Options{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := j.Solve(context.Background(), input, Options{})
		require.NoError(t, err)
		require.Equal(t, first.Graph.RootResolved, again.Graph.RootResolved)
		require.Equal(t, first.Stats, again.Stats)
	}
}

func TestJAGRCollectsStats(t *testing.T) {
	domains := map[string]*types.Packument{
		"a": domain("a", pv("1.0.0"), pv("1.1.0")),
	}
	input := SolveInput{
		RootRequirements: []types.Requirement{{Name: "a", Range: "^1.0.0", Kind: types.KindRegular}},
		Domains:          domains,
	}

	j := NewJAGR(nil)
	result, err := j.Solve(context.Background(), input, Options{})
	require.NoError(t, err)
	require.Greater(t, result.Stats.NodesVisited, 0)
	require.Equal(t, "jagr", result.Stats.Strategy)
}

func TestGreedyResolvesSimpleGraph(t *testing.T) {
	domains := map[string]*types.Packument{
		"a": domain("a", &types.PackageVersion{Version: "1.0.0", Dependencies: map[string]string{"b": "^1.0.0"}}),
		"b": domain("b", pv("1.0.0"), pv("1.1.0")),
	}
	input := SolveInput{
		RootRequirements: []types.Requirement{{Name: "a", Range: "^1.0.0", Kind: types.KindRegular}},
		Domains:          domains,
	}

	g := NewGreedy(nil)
	result, err := g.Solve(context.Background(), input, Options{})
	require.NoError(t, err)
	require.Equal(t, "1.0.0", result.Graph.RootResolved["a"])
	require.Equal(t, "greedy", result.Stats.Strategy)
}

func TestGreedyUnsatOnConflict(t *testing.T) {
	domains := map[string]*types.Packument{
		"a": domain("a", pv("1.0.0")),
	}
	input := SolveInput{
		RootRequirements: []types.Requirement{
			{Name: "a", Range: "^1.0.0", Kind: types.KindRegular},
			{Name: "a", Range: "^2.0.0", Kind: types.KindRegular},
		},
		Domains: domains,
	}

	g := NewGreedy(nil)
	_, err := g.Solve(context.Background(), input, Options{})
	require.Error(t, err)
	require.True(t, errors.Is(err, jerrors.ErrResolveConflict))
}
