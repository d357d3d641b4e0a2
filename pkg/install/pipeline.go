// Package install implements the Install Pipeline of §4.F: it orchestrates
// the registry client, the content-addressed store, the resolver, and the
// linker into the three modes spec.md names (Normal, Frozen, Offline),
// grounded on the teacher's pkg/resolver/install.go (InstallDependencies:
// discover, resolve, install, write lockfile) generalized from a
// git-clone-per-dependency model to registry packuments and a shared
// content store, and on the concurrency contract in spec.md §5 (downloads
// and unpacks run on a worker pool bounded by
// min(network_concurrency, 2·cores)).
package install

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.trai.ch/zerr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"jhol/pkg/config"
	"jhol/pkg/jerrors"
	"jhol/pkg/linker"
	"jhol/pkg/lockfile"
	"jhol/pkg/manifest"
	"jhol/pkg/registry"
	"jhol/pkg/resolver"
	"jhol/pkg/semverx"
	"jhol/pkg/store"
	"jhol/pkg/types"
)

// Mode selects one of the three install strategies §4.F names.
type Mode string

const (
	ModeNormal  Mode = "normal"
	ModeFrozen  Mode = "frozen"
	ModeOffline Mode = "offline"
)

// Pipeline owns the collaborators one install run needs: a single registry
// client (and therefore a single connection pool), a single store handle,
// and a linker rooted at the project being installed into.
type Pipeline struct {
	cfg      config.Config
	registry *registry.Client
	store    *store.Store
	linker   *linker.Linker
	strategy resolver.Strategy
	fallback resolver.Strategy
	log      *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// New constructs a Pipeline for the project rooted at projectRoot, wiring
// up the registry client, store, and linker from cfg.
func New(cfg config.Config, projectRoot string, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{cfg: cfg, log: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}

	p.registry = registry.New(cfg.Registry, cfg.CacheRoot, cfg.Offline, cfg.RequestTimeout, cfg.NetworkConcurrency, registry.WithLogger(p.log))

	st, err := store.Open(cfg.CacheRoot, time.Duration(cfg.LockTimeout)*time.Second, store.WithLogger(p.log))
	if err != nil {
		return nil, zerr.Wrap(err, "opening content store")
	}
	p.store = st

	p.linker = linker.New(projectRoot, cfg.LinkMode, linker.WithLogger(p.log))

	p.strategy = resolver.NewJAGR(p.log)
	if cfg.GreedyFallback {
		p.fallback = resolver.NewGreedy(p.log)
	}
	if cfg.SolverStrategy == "greedy" {
		p.strategy = resolver.NewGreedy(p.log)
		p.fallback = nil
	}

	return p, nil
}

// Install runs the pipeline in mode and returns the result document §6
// describes.
func (p *Pipeline) Install(ctx context.Context, mode Mode) (*types.InstallResult, error) {
	switch mode {
	case ModeNormal:
		return p.installNormal(ctx)
	case ModeOffline:
		return p.installOffline(ctx)
	case ModeFrozen:
		return p.installFrozen(ctx)
	default:
		return nil, fmt.Errorf("install: unknown mode %q", mode)
	}
}

func (p *Pipeline) installNormal(ctx context.Context) (*types.InstallResult, error) {
	m, err := manifest.Load()
	if err != nil {
		return nil, zerr.Wrap(err, "loading manifest")
	}
	rootReqs := manifest.AllRequirements(m)

	domains, err := p.fetchDomainClosure(ctx, rootReqs)
	if err != nil {
		return nil, zerr.Wrap(err, "fetching package metadata")
	}
	rootReqs = resolveDistTags(rootReqs, domains)

	solved, err := p.solve(ctx, rootReqs, domains)
	if err != nil {
		return nil, err
	}

	sources, tarballURLs, integrities, err := p.ensureStoreEntries(ctx, solved.Graph, domains, false)
	if err != nil {
		return nil, err
	}

	if err := p.linker.Link(solved.Graph, sources); err != nil {
		return nil, zerr.Wrap(err, "linking node_modules")
	}

	topLevel := p.linker.TopLevelPlacements(solved.Graph)
	lf := lockfile.FromGraph(solved.Graph, topLevel, tarballURLs, integrities)
	if err := lockfile.Save(lf); err != nil {
		return nil, zerr.Wrap(err, "writing lockfile")
	}

	return buildResult(string(ModeNormal), solved.Stats, sources), nil
}

func (p *Pipeline) installOffline(ctx context.Context) (*types.InstallResult, error) {
	m, err := manifest.Load()
	if err != nil {
		return nil, zerr.Wrap(err, "loading manifest")
	}
	rootReqs := manifest.AllRequirements(m)

	domains, err := p.fetchDomainClosure(ctx, rootReqs)
	if err != nil {
		return nil, zerr.Wrap(err, "reading cached package metadata")
	}
	rootReqs = resolveDistTags(rootReqs, domains)

	solved, err := p.solve(ctx, rootReqs, domains)
	if err != nil {
		return nil, err
	}

	sources, tarballURLs, integrities, err := p.ensureStoreEntries(ctx, solved.Graph, domains, true)
	if err != nil {
		return nil, err
	}

	if err := p.linker.Link(solved.Graph, sources); err != nil {
		return nil, zerr.Wrap(err, "linking node_modules")
	}

	topLevel := p.linker.TopLevelPlacements(solved.Graph)
	lf := lockfile.FromGraph(solved.Graph, topLevel, tarballURLs, integrities)
	if err := lockfile.Save(lf); err != nil {
		return nil, zerr.Wrap(err, "writing lockfile")
	}

	return buildResult(string(ModeOffline), solved.Stats, sources), nil
}

func (p *Pipeline) installFrozen(ctx context.Context) (*types.InstallResult, error) {
	m, err := manifest.Load()
	if err != nil {
		return nil, zerr.Wrap(err, "loading manifest")
	}
	lf, err := lockfile.Load()
	if err != nil {
		return nil, errors.Join(jerrors.ErrLockfileOutOfSync, err)
	}
	if err := verifyLockfileCovers(m, lf); err != nil {
		return nil, err
	}

	graph := graphFromLockfile(lf, manifest.AllRequirements(m))
	domains := domainsFromLockfile(lf)

	sources, _, _, err := p.ensureStoreEntries(ctx, graph, domains, p.cfg.Offline)
	if err != nil {
		return nil, err
	}

	if err := p.linker.Link(graph, sources); err != nil {
		return nil, zerr.Wrap(err, "linking node_modules")
	}

	stats := types.SolveStats{Strategy: "frozen"}
	return buildResult(string(ModeFrozen), stats, sources), nil
}

// resolveDistTags rewrites every root requirement whose range matches a key
// in its package's dist-tags map (not just "latest" — any tag the
// packument publishes, e.g. "next" or "beta") into the exact version that
// tag currently points to, so the resolver only ever sees semver ranges or
// exact versions (§5).
func resolveDistTags(reqs []types.Requirement, domains map[string]*types.Packument) []types.Requirement {
	out := make([]types.Requirement, len(reqs))
	copy(out, reqs)
	for i, r := range out {
		pkt, ok := domains[r.Name]
		if !ok {
			continue
		}
		if version, ok := registry.ResolveDistTag(pkt, r.Range); ok {
			out[i].Range = version
		}
	}
	return out
}

// solve runs the configured strategy and falls back to greedy on a
// resolve conflict when the fallback is enabled, per §4.E's escape hatch
// for graphs where exact search is too slow or too strict.
func (p *Pipeline) solve(ctx context.Context, rootReqs []types.Requirement, domains map[string]*types.Packument) (*resolver.SolveResult, error) {
	opts := resolver.Options{}
	if p.cfg.SolverTimeoutMS > 0 {
		opts.Timeout = time.Duration(p.cfg.SolverTimeoutMS) * time.Millisecond
	}
	input := resolver.SolveInput{RootRequirements: rootReqs, Domains: domains}

	result, err := p.strategy.Solve(ctx, input, opts)
	if err == nil {
		return result, nil
	}
	if p.fallback == nil {
		return nil, err
	}
	p.log.Warn("primary solver failed, falling back", zap.Error(err))
	return p.fallback.Solve(ctx, input, opts)
}

// fetchDomainClosure fetches the packument for every root requirement
// name, then breadth-first widens to every name reachable through any
// version's dependencies/optionalDependencies/peerDependencies, so the
// resolver has a package domain for every name it might need to assign —
// mirroring how a real npm install crawls the dependency closure before
// its solver runs, rather than fetching lazily mid-search.
func (p *Pipeline) fetchDomainClosure(ctx context.Context, rootReqs []types.Requirement) (map[string]*types.Packument, error) {
	domains := make(map[string]*types.Packument)
	seen := make(map[string]bool)

	frontier := make([]string, 0, len(rootReqs))
	for _, r := range rootReqs {
		if !seen[r.Name] {
			seen[r.Name] = true
			frontier = append(frontier, r.Name)
		}
	}

	for len(frontier) > 0 {
		sort.Strings(frontier)
		results := make([]*types.Packument, len(frontier))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.workerCount())
		for i, name := range frontier {
			i, name := i, name
			g.Go(func() error {
				res, err := p.registry.FetchPackument(gctx, name, "")
				if err != nil {
					if errors.Is(err, jerrors.ErrRegistryNotFound) {
						return fmt.Errorf("%w: package %s", jerrors.ErrRegistryNotFound, name)
					}
					return err
				}
				if res.Packument != nil {
					results[i] = res.Packument
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		var next []string
		for _, pkt := range results {
			if pkt == nil {
				continue
			}
			domains[pkt.Name] = pkt
			for _, pv := range pkt.Versions {
				for dep := range pv.Dependencies {
					if !seen[dep] {
						seen[dep] = true
						next = append(next, dep)
					}
				}
				for dep := range pv.OptionalDependencies {
					if !seen[dep] {
						seen[dep] = true
						next = append(next, dep)
					}
				}
				for dep := range pv.PeerDependencies {
					if !seen[dep] {
						seen[dep] = true
						next = append(next, dep)
					}
				}
			}
		}
		frontier = next
	}
	return domains, nil
}

// ensureStoreEntries makes sure every node in graph has a corresponding
// on-disk store entry, downloading (when permitted) the ones that are
// missing, using a worker pool sized min(network_concurrency, 2·cores) —
// the pool §5 describes for downloads and unpacks.
func (p *Pipeline) ensureStoreEntries(ctx context.Context, graph *types.ResolvedGraph, domains map[string]*types.Packument, offline bool) (map[string]linker.PackageSource, map[string]string, map[string]string, error) {
	keys := make([]string, 0, len(graph.Nodes))
	for k := range graph.Nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sources := make([]linker.PackageSource, len(keys))
	tarballURLs := make([]string, len(keys))
	integrities := make([]string, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workerCount())
	for i, key := range keys {
		i, key := i, key
		node := graph.Nodes[key]
		g.Go(func() error {
			domain, ok := domains[node.Pinned.Name]
			if !ok {
				return fmt.Errorf("internal: missing package domain for %s", key)
			}
			pv, ok := domain.Versions[node.Pinned.Version]
			if !ok {
				return fmt.Errorf("internal: missing version record for %s", key)
			}
			path, err := p.ensureStoreEntry(gctx, node.Pinned.Name, node.Pinned.Version, pv, offline)
			if err != nil {
				return err
			}
			sources[i] = linker.PackageSource{Name: node.Pinned.Name, Version: node.Pinned.Version, SourcePath: path, Bin: pv.Bin}
			tarballURLs[i] = pv.TarballURL
			integrities[i] = pv.Integrity
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}

	sourceMap := make(map[string]linker.PackageSource, len(keys))
	urlMap := make(map[string]string, len(keys))
	integrityMap := make(map[string]string, len(keys))
	for i, key := range keys {
		sourceMap[key] = sources[i]
		urlMap[key] = tarballURLs[i]
		integrityMap[key] = integrities[i]
	}
	return sourceMap, urlMap, integrityMap, nil
}

// ensureStoreEntry returns the on-disk directory holding name@version's
// unpacked files, fetching and inserting it into the store first if
// needed. In offline mode a missing entry fails NotCached rather than
// reaching the network (§4.F Offline mode).
func (p *Pipeline) ensureStoreEntry(ctx context.Context, name, version string, pv *types.PackageVersion, offline bool) (string, error) {
	if hash, ok := hashFromIntegrity(pv.Integrity); ok {
		if rec, found := p.store.Get(hash); found {
			return rec.Path, nil
		}
	}
	if offline {
		return "", fmt.Errorf("%w: package %s@%s", jerrors.ErrNotCached, name, version)
	}

	tb, err := p.registry.FetchTarball(ctx, pv.TarballURL, pv.Integrity)
	if errors.Is(err, jerrors.ErrIntegrityMismatch) {
		// One fresh download; a second mismatch is fatal.
		tb, err = p.registry.FetchTarball(ctx, pv.TarballURL, pv.Integrity)
	}
	if err != nil {
		return "", zerr.With(zerr.Wrap(err, "fetching tarball"), "package", name+"@"+version)
	}
	path, err := p.store.InsertFromTarball(tb.ActualHash, tb.Bytes)
	if err != nil {
		return "", zerr.With(zerr.Wrap(err, "storing tarball"), "package", name+"@"+version)
	}
	return path, nil
}

func (p *Pipeline) workerCount() int {
	w := p.cfg.NetworkConcurrency
	if coreCap := 2 * runtime.NumCPU(); coreCap < w {
		w = coreCap
	}
	if w < 1 {
		w = 1
	}
	return w
}

// hashFromIntegrity extracts the sha256 content hash the store indexes by
// from an SRI-format integrity string ("sha256-<base64>"). This core only
// ever produces/consumes sha256 integrity values (§3).
func hashFromIntegrity(sri string) (string, bool) {
	const prefix = "sha256-"
	if !strings.HasPrefix(sri, prefix) {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sri, prefix))
	if err != nil || len(raw) != sha256.Size {
		return "", false
	}
	return hex.EncodeToString(raw), true
}

// verifyLockfileCovers fails LockfileOutOfSync when a mandatory manifest
// requirement has no lockfile entry, or the lockfile's pinned version no
// longer satisfies the manifest's range (§4.F Frozen mode).
func verifyLockfileCovers(m *types.Manifest, lf *types.LockFile) error {
	for _, r := range manifest.AllRequirements(m) {
		if r.Kind == types.KindOptionalPeer || r.Kind == types.KindOptional {
			continue
		}
		dep, ok := lf.Dependencies[r.Name]
		if !ok {
			return fmt.Errorf("%w: package %s", jerrors.ErrLockfileOutOfSync, r.Name)
		}
		if _, ok := lockfileRangeSatisfied(r.Range, dep.Version); !ok {
			return fmt.Errorf("%w: package %s: locked %s", jerrors.ErrLockfileOutOfSync, r.Name, dep.Version)
		}
	}
	return nil
}

// lockfileRangeSatisfied checks rng against version the way Frozen mode
// must: a dist-tag name like "next" has no packument available to resolve
// it through in this mode, so it is trusted rather than range-checked —
// whoever wrote the lockfile already resolved it against a concrete
// version.
func lockfileRangeSatisfied(rng, version string) (string, bool) {
	if semverx.LooksLikeDistTag(rng) {
		return version, true
	}
	return version, semverx.Satisfies(rng, version)
}

// graphFromLockfile rebuilds a ResolvedGraph directly from a lockfile's
// flattened entries, skipping the resolver entirely (§4.F Frozen mode:
// "skip E entirely").
func graphFromLockfile(lf *types.LockFile, rootReqs []types.Requirement) *types.ResolvedGraph {
	graph := &types.ResolvedGraph{
		RootRequirements: rootReqs,
		RootResolved:     make(map[string]string, len(lf.Dependencies)),
		Nodes:             make(map[string]*types.GraphNode, len(lf.Dependencies)),
	}
	for name, dep := range lf.Dependencies {
		graph.RootResolved[name] = dep.Version
		deps := make(map[string]string, len(dep.Dependencies))
		for depName, depVersion := range dep.Dependencies {
			deps[depName] = depVersion
		}
		graph.Nodes[types.NodeKey(name, dep.Version)] = &types.GraphNode{
			Pinned:       types.Pinned{Name: name, Version: dep.Version},
			ResolvedDeps: deps,
		}
	}
	return graph
}

// domainsFromLockfile synthesizes single-version packuments from a
// lockfile's entries, so ensureStoreEntries can look up each pinned
// package's tarball URL and integrity without any registry round trip.
func domainsFromLockfile(lf *types.LockFile) map[string]*types.Packument {
	domains := make(map[string]*types.Packument, len(lf.Dependencies))
	for name, dep := range lf.Dependencies {
		domains[name] = &types.Packument{
			Name: name,
			Versions: map[string]*types.PackageVersion{
				dep.Version: {
					Version:              dep.Version,
					Dependencies:         dep.Dependencies,
					PeerDependencies:     dep.PeerDependencies,
					PeerDependenciesMeta: dep.PeerDependenciesMeta,
					OptionalDependencies: dep.OptionalDependencies,
					TarballURL:           dep.Resolved,
					Integrity:            dep.Integrity,
				},
			},
		}
	}
	return domains
}

func buildResult(mode string, stats types.SolveStats, sources map[string]linker.PackageSource) *types.InstallResult {
	keys := make([]string, 0, len(sources))
	for k := range sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	statuses := make([]types.PackageStatus, 0, len(keys))
	for _, key := range keys {
		src := sources[key]
		statuses = append(statuses, types.PackageStatus{Name: src.Name, Version: src.Version, State: types.StateLinked})
	}
	return &types.InstallResult{Mode: mode, Packages: statuses, Stats: stats}
}
