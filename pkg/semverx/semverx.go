// Package semverx wraps Masterminds/semver/v3 with the total ordering and
// range helpers the resolver and lockfile codec need to be deterministic
// (spec.md §9: "implement semver comparison with a tiebreak on prerelease
// tags per semver 2.0.0, and a stable lexicographic order on names"). The
// teacher (jimitchavdadev-cppkg/pkg/resolver/install.go) already reaches for
// this library for exactly this purpose; this package generalizes that one
// use site into a shared helper used by every subsystem that compares
// versions.
package semverx

import (
	"sort"

	"github.com/Masterminds/semver/v3"
)

// Satisfies reports whether version satisfies the semver range rng. An
// empty range, "*" or "latest" matches any parseable version. Other
// dist-tag names are not valid constraints and match nothing.
func Satisfies(rng, version string) bool {
	rng = normalizeRange(rng)
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	if rng == "" || rng == "*" {
		return true
	}
	c, err := semver.NewConstraint(rng)
	if err != nil {
		return false
	}
	return c.Check(v)
}

// IsRange reports whether spec is anything other than a bare version: a
// range operator, a space or '|', "*", the empty string, or any string
// that does not parse as a version (which includes dist-tag names such as
// "latest" and commit-ishes).
func IsRange(spec string) bool {
	if spec == "" || spec == "*" {
		return true
	}
	switch spec[0] {
	case '^', '~', '>', '<', '=':
		return true
	}
	for i := 0; i < len(spec); i++ {
		if spec[i] == ' ' || spec[i] == '|' {
			return true
		}
	}
	_, err := semver.NewVersion(spec)
	return err != nil
}

// SortDescending sorts version strings in descending semver order,
// unparseable entries last in descending byte-wise order. This is the
// value-ordering rule §4.E step 2 requires ("try versions in descending
// semver order").
func SortDescending(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		return lessDesc(versions[i], versions[j])
	})
}

func lessDesc(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA == nil && errB == nil:
		return va.GreaterThan(vb)
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a > b
	}
}

// CompareTotal implements the total order §9 requires: numeric semver
// comparison first, with unparseable strings ordered after all parseable
// ones and broken by byte-wise lexicographic order between themselves. Used
// by the linker to order candidate versions deterministically.
func CompareTotal(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA == nil && errB == nil:
		return va.Compare(vb)
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Highest returns the highest version in versions satisfying rng, or ""
// if none satisfy. Ties cannot occur (semver versions within one packument
// are distinct strings), but prerelease tiebreaking follows semver 2.0.0
// precedence via the underlying library.
func Highest(versions []string, rng string) string {
	best := ""
	var bestV *semver.Version
	for _, v := range versions {
		if !Satisfies(rng, v) {
			continue
		}
		parsed, err := semver.NewVersion(v)
		if err != nil {
			continue
		}
		if bestV == nil || parsed.GreaterThan(bestV) {
			bestV = parsed
			best = v
		}
	}
	return best
}

// IsParseableVersion reports whether spec parses as a concrete semver
// version rather than a range or a dist-tag name.
func IsParseableVersion(spec string) bool {
	_, err := semver.NewVersion(spec)
	return err == nil
}

// LooksLikeDistTag reports whether spec is neither a range operator/
// wildcard form nor a parseable version — the shape a dist-tag name like
// "next" or "beta" has. Unlike IsRange, which lumps unparseable strings in
// with ranges for Satisfies' purposes, this distinguishes the two so
// callers can decide whether to resolve spec through a packument's
// dist-tags map instead of treating it as a constraint.
func LooksLikeDistTag(spec string) bool {
	if spec == "" || spec == "*" {
		return false
	}
	switch spec[0] {
	case '^', '~', '>', '<', '=':
		return false
	}
	for i := 0; i < len(spec); i++ {
		if spec[i] == ' ' || spec[i] == '|' {
			return false
		}
	}
	return !IsParseableVersion(spec)
}

// normalizeRange treats "latest" and "" as the wildcard range; callers that
// need dist-tag semantics resolve those before reaching here.
func normalizeRange(rng string) string {
	if rng == "latest" {
		return "*"
	}
	return rng
}
