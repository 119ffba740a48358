package pathcmp

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareTotalOrder(t *testing.T) {
	pairs := []struct{ a, b string }{
		{"a.txt", "b.txt"},
		{"dir/", "dir/x"},
		{"dir1/2.txt", "dir1/22.txt"},
		{"ñ.txt", "z.txt"},
	}
	for _, p := range pairs {
		assert.Equal(t, -Compare(p.b, p.a), Compare(p.a, p.b), "round trip for %q vs %q", p.a, p.b)
		assert.True(t, Compare(p.a, p.a) == 0)
	}
}

func TestCompareTransitivity(t *testing.T) {
	a, b, c := "a.txt", "m.txt", "z.txt"
	assert.True(t, Compare(a, b) < 0)
	assert.True(t, Compare(b, c) < 0)
	assert.True(t, Compare(a, c) < 0)
}

func TestDirPrefixOrdering(t *testing.T) {
	// "dir1/" must sort before "dir1/aa.txt" because it is a proper
	// prefix of it.
	assert.True(t, Less("dir1/", "dir1/aa.txt"))
	assert.False(t, Less("dir1/aa.txt", "dir1/"))
}

func TestSortOrder(t *testing.T) {
	in := []string{"zzz.txt", "0.txt", "whatever.txt"}
	sort.Slice(in, func(i, j int) bool { return Less(in[i], in[j]) })
	assert.Equal(t, []string{"0.txt", "whatever.txt", "zzz.txt"}, in)
}

func TestHasPrefix(t *testing.T) {
	assert.True(t, HasPrefix("dir2/a.txt", "dir2/"))
	assert.True(t, HasPrefix("dir2/", "dir2/"))
	assert.False(t, HasPrefix("dir22/a.txt", "dir2/"))
	assert.False(t, HasPrefix("dir2", "dir2/"))
}
