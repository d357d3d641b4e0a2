package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequirementKindString(t *testing.T) {
	assert.Equal(t, "regular", KindRegular.String())
	assert.Equal(t, "dev", KindDev.String())
	assert.Equal(t, "peer", KindPeer.String())
	assert.Equal(t, "optional-peer", KindOptionalPeer.String())
	assert.Equal(t, "unknown", RequirementKind(99).String())
}

func TestPackageStateString(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "need_resolve", StateNeedResolve.String())
	assert.Equal(t, "resolved", StateResolved.String())
	assert.Equal(t, "need_fetch", StateNeedFetch.String())
	assert.Equal(t, "need_extract", StateNeedExtract.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "linked", StateLinked.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", PackageState(99).String())
}

func TestNodeKey(t *testing.T) {
	assert.Equal(t, "left-pad@1.0.0", NodeKey("left-pad", "1.0.0"))
}

func TestNodesByNameFindsEveryPinnedVersion(t *testing.T) {
	graph := &ResolvedGraph{
		Nodes: map[string]*GraphNode{
			NodeKey("a", "1.0.0"): {Pinned: Pinned{Name: "a", Version: "1.0.0"}},
			NodeKey("a", "2.0.0"): {Pinned: Pinned{Name: "a", Version: "2.0.0"}},
			NodeKey("b", "1.0.0"): {Pinned: Pinned{Name: "b", Version: "1.0.0"}},
		},
	}
	nodes := graph.NodesByName("a")
	assert.Len(t, nodes, 2)

	versions := map[string]bool{}
	for _, n := range nodes {
		versions[n.Pinned.Version] = true
	}
	assert.True(t, versions["1.0.0"])
	assert.True(t, versions["2.0.0"])
	assert.Empty(t, graph.NodesByName("missing"))
}
