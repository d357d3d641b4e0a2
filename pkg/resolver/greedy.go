package resolver

import (
	"context"

	"go.uber.org/zap"

	"jhol/pkg/semverx"
	"jhol/pkg/types"
)

// Greedy is the fallback strategy: highest-version-wins resolution with no
// backtracking, repeated to a fixpoint as new dependencies are discovered,
// adapted from the teacher's pkg/resolver/conflicts.ResolveConflicts
// (constraints accumulate per name, the highest version satisfying all of
// them wins). Unlike JAGR it never revisits a version once picked, so a
// conflict that a different earlier choice would have avoided fails the
// solve. It is selected by JHOL_SOLVER_STRATEGY=greedy, or tried after a
// failed JAGR solve when JHOL_SOLVER_GREEDY_FALLBACK is set (§4.E).
type Greedy struct {
	log *zap.Logger
}

// NewGreedy constructs the greedy strategy. A nil logger falls back to a
// no-op logger (§2.1).
func NewGreedy(log *zap.Logger) *Greedy {
	if log == nil {
		log = zap.NewNop()
	}
	return &Greedy{log: log}
}

func (g *Greedy) Solve(ctx context.Context, input SolveInput, opts Options) (*SolveResult, error) {
	state := newResolveState()
	for _, req := range input.RootRequirements {
		addRequirement(state, req.Name, req.Range, "root", req.Kind == types.KindOptionalPeer || req.Kind == types.KindOptional)
	}

	stats := types.SolveStats{Strategy: "greedy"}

	for {
		select {
		case <-ctx.Done():
			return nil, classify(unsatf("", false, "solve cancelled: %v", ctx.Err()))
		default:
		}

		changed := false
		for _, name := range sortedRequirementKeys(state) {
			stats.NodesVisited++
			if _, assigned := state.assignment[name]; assigned {
				continue
			}
			g.log.Debug("solve_node",
				zap.Int("nodes_visited", stats.NodesVisited),
				zap.String("package", name),
			)
			version, ok := pickHighest(state, name, input.Domains)
			if !ok {
				if hasMandatoryRequirement(state, name) {
					return nil, classify(unsatf(name, isPeerOnly(state, name), "%s", conflictMessage(state, name)))
				}
				continue
			}
			state.assignment[name] = version
			changed = true
		}

		if err := expandAssignments(state, input.Domains); err != nil {
			return nil, classify(err)
		}
		if !changed {
			break
		}
	}

	if err := validateAssignments(state, input.Domains); err != nil {
		return nil, classify(err)
	}
	for name := range state.requirements {
		if _, assigned := state.assignment[name]; !assigned {
			stats.OptionalPeerSkipped++
		}
	}

	graph := buildGraph(input.RootRequirements, state)
	return &SolveResult{Graph: graph, Stats: stats}, nil
}

// pickHighest returns the highest version of name satisfying every
// accumulated requirement, or false if the package has no domain yet or
// no version satisfies all of them.
func pickHighest(state *resolveState, name string, domains map[string]*types.Packument) (string, bool) {
	domain, ok := domains[name]
	if !ok {
		return "", false
	}
	versions := make([]string, 0, len(domain.Versions))
	for v := range domain.Versions {
		versions = append(versions, v)
	}
	semverx.SortDescending(versions)

	for _, v := range versions {
		if versionSatisfiesAll(state, name, v) {
			return v, true
		}
	}
	return "", false
}
