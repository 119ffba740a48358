package keytransform

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bucketmirror/bucketmirror/platform"
)

func TestStripRootPrefix(t *testing.T) {
	assert.Equal(t, "a/b.txt", StripRootPrefix("/a/b.txt"))
	assert.Equal(t, "a/b.txt", StripRootPrefix("//a/b.txt"))
	assert.Equal(t, "a/b.txt", StripRootPrefix(`\a/b.txt`))
	assert.Equal(t, "a/b.txt", StripRootPrefix(`C:/a/b.txt`))
	assert.Equal(t, "a/b.txt", StripRootPrefix(`c:\a/b.txt`))
	assert.Equal(t, "a/b.txt", StripRootPrefix("a/b.txt"))
}

func TestNormalizeSeparatorsPOSIX(t *testing.T) {
	f := NormalizeSeparators(platform.Profile{Windows: false})
	assert.Equal(t, "a/b/c.txt", f(`a\b\c.txt`))
}

func TestNormalizeSeparatorsWindows(t *testing.T) {
	f := NormalizeSeparators(platform.Profile{Windows: true})
	assert.Equal(t, `a\b\c.txt`, f("a/b/c.txt"))
}

func TestUnicodeNormalizeNFC(t *testing.T) {
	decomposed := "n\u0303.txt" // n + combining tilde
	composed := "ñ.txt"
	f := UnicodeNormalize(FormNFC)
	assert.Equal(t, composed, f(decomposed))
}

func TestUnicodeNormalizeNone(t *testing.T) {
	f := UnicodeNormalize(FormNone)
	decomposed := "n\u0303.txt"
	assert.Equal(t, decomposed, f(decomposed))
}

func TestPipelineDropsEmptyAndRoot(t *testing.T) {
	p := NewPipeline(Options{Profile: platform.Current()})
	_, keep := p.Apply("/")
	assert.False(t, keep)
	_, keep = p.Apply("")
	assert.False(t, keep)
	transformed, keep := p.Apply("/a.txt")
	assert.True(t, keep)
	assert.Equal(t, "a.txt", transformed)
}

func TestPipelineIdempotent(t *testing.T) {
	p := NewPipeline(Options{Profile: platform.Current(), NormalizationForm: FormNFC})
	once, _ := p.Apply("/n\u0303.txt")
	twice, _ := p.Apply(once)
	assert.Equal(t, once, twice)
}

func TestPipelineUnicodeCollision(t *testing.T) {
	p := NewPipeline(Options{Profile: platform.Current(), NormalizationForm: FormNFC})
	a, _ := p.Apply("n\u0303.txt")
	b, _ := p.Apply("ñ.txt")
	assert.Equal(t, a, b)
}
