package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"jhol/pkg/semverx"
	"jhol/pkg/types"
)

// reqEntry is one (spec, requester, optional) tuple recorded against a
// package name, mirroring sat_resolver.rs's Requirement struct.
type reqEntry struct {
	spec      string
	requester string
	optional  bool
}

// resolveState is the in-flight search state: a partial assignment, the
// accumulated requirements against each name, and which (name, version)
// pairs have already had their dependencies expanded into requirements.
type resolveState struct {
	assignment   map[string]string
	requirements map[string][]reqEntry
	expanded     map[string]bool // key: name@version
}

func newResolveState() *resolveState {
	return &resolveState{
		assignment:   make(map[string]string),
		requirements: make(map[string][]reqEntry),
		expanded:     make(map[string]bool),
	}
}

func (s *resolveState) clone() *resolveState {
	c := &resolveState{
		assignment:   make(map[string]string, len(s.assignment)),
		requirements: make(map[string][]reqEntry, len(s.requirements)),
		expanded:     make(map[string]bool, len(s.expanded)),
	}
	for k, v := range s.assignment {
		c.assignment[k] = v
	}
	for k, v := range s.requirements {
		c.requirements[k] = append([]reqEntry(nil), v...)
	}
	for k, v := range s.expanded {
		c.expanded[k] = v
	}
	return c
}

func addRequirement(s *resolveState, pkg, spec, requester string, optional bool) {
	reqs := s.requirements[pkg]
	for _, r := range reqs {
		if r.spec == spec && r.requester == requester && r.optional == optional {
			return
		}
	}
	s.requirements[pkg] = append(reqs, reqEntry{spec: spec, requester: requester, optional: optional})
}

// searchCtx carries the mutable instrumentation and memoization state
// threaded through every dfs call, mirroring sat_resolver.rs's SearchCtx.
type searchCtx struct {
	unsatCache    map[string]bool
	learnedForbid map[string]bool // key: stateSignature + "|" + pkg + "|" + version
	stats         types.SolveStats
	deadline      time.Time
	hasDeadline   bool
	domainCap     int
	log           *zap.Logger
}

// JAGR is the exact resolver strategy: DPLL-style backtracking search with
// propagation, first-fail variable ordering, descending-semver value
// ordering with a domain cap, unsat-signature memoization, and
// learned-forbid pruning (§4.E).
type JAGR struct {
	log *zap.Logger
}

// NewJAGR constructs a JAGR strategy. A nil logger falls back to a no-op
// logger (§2.1).
func NewJAGR(log *zap.Logger) *JAGR {
	if log == nil {
		log = zap.NewNop()
	}
	return &JAGR{log: log}
}

func (j *JAGR) Solve(ctx context.Context, input SolveInput, opts Options) (*SolveResult, error) {
	state := newResolveState()
	for _, req := range input.RootRequirements {
		addRequirement(state, req.Name, req.Range, "root", req.Kind == types.KindOptionalPeer || req.Kind == types.KindOptional)
	}

	sc := &searchCtx{
		unsatCache:    make(map[string]bool),
		learnedForbid: make(map[string]bool),
		domainCap:     opts.domainCap(),
		log:           j.log,
	}
	if opts.Timeout > 0 {
		sc.deadline = time.Now().Add(opts.Timeout)
		sc.hasDeadline = true
	}
	sc.stats.Strategy = "jagr"

	final, err := dfs(ctx, state, input.Domains, sc)
	if err != nil {
		return nil, classify(err)
	}
	for name := range final.requirements {
		if _, assigned := final.assignment[name]; !assigned {
			sc.stats.OptionalPeerSkipped++
		}
	}

	graph := buildGraph(input.RootRequirements, final)
	return &SolveResult{Graph: graph, Stats: sc.stats}, nil
}

// dfs is the exact translation of sat_resolver.rs's dfs: propagate, check
// the unsat-signature cache, pick a branch variable by first-fail, then
// try its candidates in descending-semver order, recursing and learning a
// forbid entry for every candidate that leads to a dead end.
func dfs(ctx context.Context, state *resolveState, domains map[string]*types.Packument, sc *searchCtx) (*resolveState, error) {
	sc.stats.NodesVisited++

	if sc.hasDeadline && time.Now().After(sc.deadline) {
		return nil, unsatf("", false, "solver timeout")
	}
	select {
	case <-ctx.Done():
		return nil, unsatf("", false, "solve cancelled: %v", ctx.Err())
	default:
	}

	if err := propagate(state, domains, sc); err != nil {
		return nil, err
	}

	stateKey := stateSignature(state)
	if sc.unsatCache[stateKey] {
		sc.stats.UnsatCacheHits++
		return nil, unsatf("", false, "cached unsat state")
	}

	pkg, ok := chooseBranchVariable(state, domains)
	if !ok {
		return state, nil
	}

	sc.log.Debug("solve_node",
		zap.Int("nodes_visited", sc.stats.NodesVisited),
		zap.String("package", pkg),
	)

	candidates, err := candidatesFor(state, pkg, domains)
	if err != nil {
		return nil, err
	}
	semverx.SortDescending(candidates)
	if len(candidates) > sc.domainCap {
		sc.stats.DomainCapHits++
		candidates = candidates[:sc.domainCap]
	}

	var lastErr error
	for _, version := range candidates {
		forbidKey := stateKey + "|" + pkg + "|" + version
		if sc.learnedForbid[forbidKey] {
			sc.stats.LearnedForbidHits++
			continue
		}

		branch := state.clone()
		branch.assignment[pkg] = version

		done, err := dfs(ctx, branch, domains, sc)
		if err == nil {
			return done, nil
		}
		sc.learnedForbid[forbidKey] = true
		lastErr = err
	}

	sc.unsatCache[stateKey] = true
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, unsatf(pkg, isPeerOnly(state, pkg), "no satisfying assignment for %s", pkg)
}

// propagate repeatedly expands assigned packages' dependencies into new
// requirements, validates every current assignment still satisfies its
// requirements, and forces the assignment of any unassigned package left
// with exactly one remaining candidate — until a full pass makes no
// further change.
func propagate(state *resolveState, domains map[string]*types.Packument, sc *searchCtx) error {
	for {
		if err := expandAssignments(state, domains); err != nil {
			return err
		}
		if err := validateAssignments(state, domains); err != nil {
			return err
		}

		forcedPkg, forcedVersion, found, err := findForced(state, domains)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		state.assignment[forcedPkg] = forcedVersion
	}
}

func findForced(state *resolveState, domains map[string]*types.Packument) (pkg, version string, found bool, err error) {
	for _, name := range sortedRequirementKeys(state) {
		if _, assigned := state.assignment[name]; assigned {
			continue
		}
		if !hasMandatoryRequirement(state, name) {
			continue
		}
		candidates, err := candidatesFor(state, name, domains)
		if err != nil {
			return "", "", false, err
		}
		if len(candidates) == 0 {
			return "", "", false, unsatf(name, isPeerOnly(state, name), "%s", conflictMessage(state, name))
		}
		if len(candidates) == 1 {
			return name, candidates[0], true, nil
		}
	}
	return "", "", false, nil
}

func expandAssignments(state *resolveState, domains map[string]*types.Packument) error {
	for {
		var pkg, version string
		found := false
		for p, v := range state.assignment {
			key := p + "@" + v
			if !state.expanded[key] {
				pkg, version = p, v
				found = true
				break
			}
		}
		if !found {
			return nil
		}

		pv, ok := domainVersion(domains, pkg, version)
		if !ok {
			return unsatf(pkg, false, "internal: missing %s@%s", pkg, version)
		}

		requesterRoot := fmt.Sprintf("%s@%s", pkg, version)
		for depName, depSpec := range pv.Dependencies {
			addRequirement(state, depName, depSpec, requesterRoot+" (dep)", false)
		}
		for depName, depSpec := range pv.OptionalDependencies {
			addRequirement(state, depName, depSpec, requesterRoot+" (optional dep)", true)
		}
		for peerName, peerSpec := range pv.PeerDependencies {
			optional := false
			if meta, ok := pv.PeerDependenciesMeta[peerName]; ok {
				optional = meta.Optional
			}
			addRequirement(state, peerName, peerSpec, requesterRoot+" (peer)", optional)
		}

		state.expanded[pkg+"@"+version] = true
	}
}

func validateAssignments(state *resolveState, domains map[string]*types.Packument) error {
	for pkg, version := range state.assignment {
		if _, ok := domains[pkg]; !ok {
			return unsatf(pkg, false, "%s assigned but domain is missing", pkg)
		}
		if !versionSatisfiesAll(state, pkg, version) {
			return unsatf(pkg, isPeerOnly(state, pkg), "%s", conflictMessage(state, pkg))
		}
	}
	for pkg := range state.requirements {
		if hasMandatoryRequirement(state, pkg) {
			if _, ok := domains[pkg]; !ok {
				return unsatf(pkg, false, "%s has mandatory requirements but no package domain", pkg)
			}
		}
	}
	return nil
}

// chooseBranchVariable implements first-fail variable ordering: among
// unassigned names with at least one mandatory requirement, pick the one
// with the fewest remaining candidates. Ties prefer a name required
// directly by root, then the lexicographically smallest name, for
// deterministic output across runs (§4.E, §9).
func chooseBranchVariable(state *resolveState, domains map[string]*types.Packument) (string, bool) {
	type scored struct {
		name      string
		count     int
		rootOwned bool
	}
	var best *scored

	for _, name := range sortedRequirementKeys(state) {
		if _, assigned := state.assignment[name]; assigned {
			continue
		}
		if !hasMandatoryRequirement(state, name) {
			continue
		}
		candidates, err := candidatesFor(state, name, domains)
		if err != nil {
			continue
		}
		cur := scored{name: name, count: len(candidates), rootOwned: requiredByRoot(state, name)}
		switch {
		case best == nil:
			best = &cur
		case cur.count < best.count:
			best = &cur
		case cur.count == best.count && cur.rootOwned && !best.rootOwned:
			best = &cur
		}
	}
	if best == nil {
		return "", false
	}
	return best.name, true
}

func requiredByRoot(state *resolveState, name string) bool {
	for _, r := range state.requirements[name] {
		if r.requester == "root" {
			return true
		}
	}
	return false
}

func candidatesFor(state *resolveState, pkg string, domains map[string]*types.Packument) ([]string, error) {
	domain, ok := domains[pkg]
	if !ok {
		if hasMandatoryRequirement(state, pkg) {
			return nil, unsatf(pkg, isPeerOnly(state, pkg), "%s required but no versions available", pkg)
		}
		return nil, nil
	}
	out := make([]string, 0, len(domain.Versions))
	for version := range domain.Versions {
		if versionSatisfiesAll(state, pkg, version) {
			out = append(out, version)
		}
	}
	return out, nil
}

func versionSatisfiesAll(state *resolveState, pkg, version string) bool {
	for _, r := range state.requirements[pkg] {
		if !semverx.Satisfies(r.spec, version) {
			return false
		}
	}
	return true
}

func hasMandatoryRequirement(state *resolveState, pkg string) bool {
	for _, r := range state.requirements[pkg] {
		if !r.optional {
			return true
		}
	}
	return false
}

func isPeerOnly(state *resolveState, pkg string) bool {
	reqs := state.requirements[pkg]
	sawPeer := false
	for _, r := range reqs {
		if strings.Contains(r.requester, "(peer)") {
			sawPeer = true
			continue
		}
		if r.requester != "root" {
			return false
		}
	}
	return sawPeer
}

func domainVersion(domains map[string]*types.Packument, pkg, version string) (*types.PackageVersion, bool) {
	d, ok := domains[pkg]
	if !ok {
		return nil, false
	}
	pv, ok := d.Versions[version]
	return pv, ok
}

func sortedRequirementKeys(state *resolveState) []string {
	keys := make([]string, 0, len(state.requirements))
	for k := range state.requirements {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stateSignature produces a deterministic string key for the current
// search state's requirements and assignment, used both for unsat
// memoization and as the scope key for learned-forbid entries — a
// verbatim port of sat_resolver.rs's state_signature.
func stateSignature(state *resolveState) string {
	var out strings.Builder
	for _, pkg := range sortedRequirementKeys(state) {
		out.WriteString(pkg)
		out.WriteByte('=')
		if v, ok := state.assignment[pkg]; ok {
			out.WriteString(v)
		} else {
			out.WriteByte('?')
		}
		out.WriteByte(':')

		specs := make([]string, 0, len(state.requirements[pkg]))
		for _, r := range state.requirements[pkg] {
			if !r.optional {
				specs = append(specs, r.spec)
			}
		}
		sort.Strings(specs)
		specs = dedupSorted(specs)
		for _, s := range specs {
			out.WriteString(s)
			out.WriteByte('|')
		}
		out.WriteByte(';')
	}
	return out.String()
}

func dedupSorted(s []string) []string {
	if len(s) < 2 {
		return s
	}
	out := s[:1]
	for _, v := range s[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

func conflictMessage(state *resolveState, pkg string) string {
	reqs := state.requirements[pkg]
	if len(reqs) == 0 {
		return fmt.Sprintf("UNSAT for %s: no requirements", pkg)
	}
	parts := make([]string, 0, len(reqs))
	for _, r := range reqs {
		if r.optional {
			parts = append(parts, fmt.Sprintf("%s -> %s (optional)", r.requester, r.spec))
		} else {
			parts = append(parts, fmt.Sprintf("%s -> %s", r.requester, r.spec))
		}
	}
	return fmt.Sprintf("UNSAT for %s: %s", pkg, strings.Join(parts, ", "))
}
