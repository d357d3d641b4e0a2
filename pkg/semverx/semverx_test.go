package semverx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSatisfiesBasicRanges(t *testing.T) {
	assert.True(t, Satisfies("^1.0.0", "1.2.3"))
	assert.False(t, Satisfies("^1.0.0", "2.0.0"))
	assert.True(t, Satisfies("~1.2.0", "1.2.9"))
	assert.False(t, Satisfies("~1.2.0", "1.3.0"))
	assert.True(t, Satisfies("*", "0.0.1"))
	assert.True(t, Satisfies("", "4.5.6"))
	assert.True(t, Satisfies("latest", "9.9.9"))
}

func TestSatisfiesRejectsUnparseableVersion(t *testing.T) {
	assert.False(t, Satisfies("^1.0.0", "not-a-version"))
	assert.False(t, Satisfies("not-a-range!!", "1.0.0"))
}

func TestIsRange(t *testing.T) {
	assert.True(t, IsRange("^1.0.0"))
	assert.True(t, IsRange("~1.2.0"))
	assert.True(t, IsRange(">=1.0.0 <2.0.0"))
	assert.True(t, IsRange("^1.0.0 || ^2.0.0"))
	assert.True(t, IsRange(""))
	assert.True(t, IsRange("*"))
	assert.True(t, IsRange("latest"))
	assert.False(t, IsRange("1.2.3"))
}

func TestSortDescending(t *testing.T) {
	versions := []string{"1.0.0", "2.1.0", "1.5.0", "2.0.0"}
	SortDescending(versions)
	assert.Equal(t, []string{"2.1.0", "2.0.0", "1.5.0", "1.0.0"}, versions)
}

func TestSortDescendingPutsUnparseableLast(t *testing.T) {
	versions := []string{"1.0.0", "garbage", "2.0.0"}
	SortDescending(versions)
	assert.Equal(t, []string{"2.0.0", "1.0.0", "garbage"}, versions)
}

func TestCompareTotalOrdersNumericallyThenLexicographically(t *testing.T) {
	assert.Equal(t, -1, CompareTotal("1.0.0", "2.0.0"))
	assert.Equal(t, 1, CompareTotal("2.0.0", "1.0.0"))
	assert.Equal(t, 0, CompareTotal("1.0.0", "1.0.0"))
	assert.Equal(t, -1, CompareTotal("1.0.0", "garbage"))
	assert.Equal(t, 1, CompareTotal("garbage", "1.0.0"))
	assert.Equal(t, -1, CompareTotal("abc", "xyz"))
}

func TestHighestPicksBestSatisfyingVersion(t *testing.T) {
	versions := []string{"1.0.0", "1.2.0", "1.9.9", "2.0.0"}
	assert.Equal(t, "1.9.9", Highest(versions, "^1.0.0"))
	assert.Equal(t, "2.0.0", Highest(versions, "*"))
	assert.Equal(t, "", Highest(versions, "^3.0.0"))
}
