// Package keytransform implements the configuration-bound pipeline that
// normalizes remote object keys (and local directory entry names) into
// platform-appropriate relative paths.
package keytransform

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/bucketmirror/bucketmirror/platform"
)

// Form selects a Unicode normalization form.
type Form string

// Supported normalization forms.
const (
	FormNone Form = ""
	FormNFC  Form = "NFC"
	FormNFD  Form = "NFD"
	FormNFKC Form = "NFKC"
	FormNFKD Form = "NFKD"
)

func (f Form) normalizer() (norm.Form, bool) {
	switch f {
	case FormNFC:
		return norm.NFC, true
	case FormNFD:
		return norm.NFD, true
	case FormNFKC:
		return norm.NFKC, true
	case FormNFKD:
		return norm.NFKD, true
	default:
		return norm.NFC, false
	}
}

// Transformer is a pure function string -> string.
type Transformer func(string) string

// windowsDrivePrefix matches a Windows-style drive prefix such as "C:/" or
// "c:\\" at the start of a key.
var windowsDrivePrefix = regexp.MustCompile(`^[A-Za-z]:[/\\]`)

// StripRootPrefix repeatedly strips a leading separator ('/' or '\\') or a
// Windows-style drive prefix until none remains.
func StripRootPrefix(key string) string {
	for {
		switch {
		case strings.HasPrefix(key, "/") || strings.HasPrefix(key, "\\"):
			key = key[1:]
		case windowsDrivePrefix.MatchString(key):
			key = key[3:]
		default:
			return key
		}
	}
}

// NormalizeSeparators rewrites directory-boundary characters to match the
// host's own separator: on Windows-class hosts '/' becomes '\\'; on POSIX
// hosts '\\' becomes '/'.
func NormalizeSeparators(p platform.Profile) Transformer {
	if p.Windows {
		return func(key string) string { return strings.ReplaceAll(key, "/", "\\") }
	}
	return func(key string) string { return strings.ReplaceAll(key, "\\", "/") }
}

// UnicodeNormalize applies one of the four Unicode normalization forms.
// FormNone is the identity transform.
func UnicodeNormalize(f Form) Transformer {
	form, ok := f.normalizer()
	if !ok {
		return func(key string) string { return key }
	}
	return func(key string) string { return form.String(key) }
}

// Pipeline is an ordered sequence of transformers applied left to right.
type Pipeline struct {
	steps []Transformer
}

// Options selects the steps NewPipeline includes.
type Options struct {
	Profile                   platform.Profile
	NormalizationForm         Form
	SkipSeparatorReplacement  bool
	SkipRootPrefixStrip       bool
}

// NewPipeline builds a pipeline from options, applying steps in order:
// strip root prefix (unless disabled), then normalize separators (unless
// disabled), then Unicode-normalize (if a form is configured).
func NewPipeline(o Options) *Pipeline {
	var steps []Transformer
	if !o.SkipRootPrefixStrip {
		steps = append(steps, StripRootPrefix)
	}
	if !o.SkipSeparatorReplacement {
		steps = append(steps, NormalizeSeparators(o.Profile))
	}
	if o.NormalizationForm != FormNone {
		steps = append(steps, UnicodeNormalize(o.NormalizationForm))
	}
	return &Pipeline{steps: steps}
}

// Apply runs the pipeline against key and reports whether the result
// should be kept; keep is false when the transformed key reduced to
// empty or to a bare separator ("/" or "\\").
func (p *Pipeline) Apply(key string) (transformed string, keep bool) {
	for _, step := range p.steps {
		key = step(key)
	}
	if key == "" || key == "/" || key == "\\" {
		return "", false
	}
	return key, true
}
