// Package config defines bucketmirror's configuration surface and its
// fatal-configuration validation. Option values come from flags
// registered with spf13/pflag; an optional .env file is loaded into the
// process environment with joho/godotenv, where the AWS SDK reads it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/bucketmirror/bucketmirror/ingress"
	"github.com/bucketmirror/bucketmirror/keytransform"
	"github.com/bucketmirror/bucketmirror/logging"
)

// Config is the fully resolved configuration surface.
type Config struct {
	Bucket  string
	RootDir string
	Region  string

	TmpSuffix string
	TmpDir    string

	Remove bool
	Prefix string
	Suffix string

	NormalizationForm                   keytransform.Form
	IgnoreKeyPlatformDirCharReplacement bool
	IgnoreKeyRootCharReplacement        bool

	MaxConcurrency   int
	MaxKeys          int64
	SkipInitialSync  bool
	ResyncIntervalMs int64

	Host             string
	Port             int
	HTTPSCertPath    string
	HTTPSCertKeyPath string
	HTTPPath         string

	TopicArn string
	Endpoint string

	IgnoreUnsubscribeOnShutdown bool
	IgnoreMessageValidation     bool

	Log string

	// MetricsEnabled turns on the optional /metrics endpoint; it shares the
	// ingress listener rather than opening a second port.
	MetricsEnabled bool
}

// Option defaults.
const (
	DefaultTmpSuffix        = ".tmp"
	DefaultMaxConcurrency   = 300
	DefaultMaxKeys          = 1000
	DefaultHost             = "0.0.0.0"
	DefaultResyncIntervalMs = 0
)

// defaults fills in the zero-value defaults.
func defaults() Config {
	return Config{
		TmpSuffix:        DefaultTmpSuffix,
		MaxConcurrency:   DefaultMaxConcurrency,
		MaxKeys:          DefaultMaxKeys,
		Host:             DefaultHost,
		ResyncIntervalMs: DefaultResyncIntervalMs,
		Log:              "WARN",
	}
}

// RegisterFlags binds the configuration surface to fs, one pflag per
// option with its default pre-populated.
func RegisterFlags(fs *pflag.FlagSet) *Config {
	c := defaults()

	fs.StringVar(&c.Bucket, "bucket", c.Bucket, "remote bucket name (required)")
	fs.StringVar(&c.RootDir, "root-dir", c.RootDir, "local mirror root (required)")
	fs.StringVar(&c.Region, "region", c.Region, "transport region")

	fs.StringVar(&c.TmpSuffix, "tmp-suffix", c.TmpSuffix, "staging file suffix")
	fs.StringVar(&c.TmpDir, "tmp-dir", c.TmpDir, "staging directory (defaults to root-dir)")

	fs.BoolVar(&c.Remove, "remove", c.Remove, "permit deletion during reconciliation")
	fs.StringVar(&c.Prefix, "prefix", c.Prefix, "remote key prefix filter")
	fs.StringVar(&c.Suffix, "suffix", c.Suffix, "remote key suffix filter")

	fs.StringVar((*string)(&c.NormalizationForm), "normalization-form", string(c.NormalizationForm), "Unicode normalization form: NFC/NFD/NFKC/NFKD")
	fs.BoolVar(&c.IgnoreKeyPlatformDirCharReplacement, "ignore-key-platform-dir-char-replacement", false, "disable separator normalization")
	fs.BoolVar(&c.IgnoreKeyRootCharReplacement, "ignore-key-root-char-replacement", false, "disable root-prefix stripping")

	fs.IntVar(&c.MaxConcurrency, "max-concurrency", c.MaxConcurrency, "queue concurrency cap")
	fs.Int64Var(&c.MaxKeys, "max-keys", c.MaxKeys, "remote list page size")
	fs.BoolVar(&c.SkipInitialSync, "skip-initial-sync", false, "skip start-up full sync")
	fs.Int64Var(&c.ResyncIntervalMs, "resync-interval-ms", c.ResyncIntervalMs, "periodic resync interval; 0 disables")

	fs.StringVar(&c.Host, "host", c.Host, "ingress bind host")
	fs.IntVar(&c.Port, "port", 0, "ingress bind port")
	fs.StringVar(&c.HTTPSCertPath, "https-cert-path", "", "TLS certificate path (enables HTTPS)")
	fs.StringVar(&c.HTTPSCertKeyPath, "https-cert-key-path", "", "TLS certificate key path")
	fs.StringVar(&c.HTTPPath, "http-path", "", "restrict ingress to this request path")

	fs.StringVar(&c.TopicArn, "topic-arn", "", "pub/sub topic ARN (enables subscribe at start-up)")
	fs.StringVar(&c.Endpoint, "endpoint", "", "this process's externally reachable notification endpoint")

	fs.BoolVar(&c.IgnoreUnsubscribeOnShutdown, "ignore-unsubscribe-on-shutdown", false, "skip unsubscribe on shutdown")
	fs.BoolVar(&c.IgnoreMessageValidation, "ignore-message-validation", false, "skip notification signature validation")

	fs.StringVar(&c.Log, "log", c.Log, "log level: NONE/ERROR/WARN/DEBUG")
	fs.BoolVar(&c.MetricsEnabled, "metrics", false, "expose a /metrics endpoint")

	return &c
}

// LoadDotEnv loads a .env file (if present) into the process environment.
// It runs after flag parsing and before any AWS client is constructed, so
// its purpose is seeding credentials and other SDK-consumed environment
// variables, not overriding bucketmirror's own flag-bound options. A
// missing file is not an error: it is detected here and skipped, since
// godotenv.Load itself fails on a file it cannot open.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// ResyncInterval returns the configured resync interval as a
// time.Duration; zero means disabled.
func (c *Config) ResyncInterval() time.Duration {
	return time.Duration(c.ResyncIntervalMs) * time.Millisecond
}

// TLSEnabled reports whether HTTPS is configured.
func (c *Config) TLSEnabled() bool {
	return c.HTTPSCertPath != "" || c.HTTPSCertKeyPath != ""
}

// SubscribeEnabled reports whether start-up subscribe is configured.
func (c *Config) SubscribeEnabled() bool {
	return c.TopicArn != "" || c.Endpoint != ""
}

// Validate checks required options and option interdependencies, aborting
// start-up on failure.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("config: bucket is required")
	}
	if c.RootDir == "" {
		return fmt.Errorf("config: root_dir is required")
	}
	if c.TopicArn != "" && c.Endpoint == "" {
		return fmt.Errorf("config: topic_arn requires endpoint")
	}
	if c.Endpoint != "" && c.TopicArn == "" {
		return fmt.Errorf("config: endpoint requires topic_arn")
	}
	if (c.HTTPSCertPath == "") != (c.HTTPSCertKeyPath == "") {
		return fmt.Errorf("config: https_cert_path and https_cert_key_path must be set together")
	}
	if err := ingress.ValidateHTTPPath(c.HTTPPath); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.NormalizationForm {
	case keytransform.FormNone, keytransform.FormNFC, keytransform.FormNFD, keytransform.FormNFKC, keytransform.FormNFKD:
	default:
		return fmt.Errorf("config: unrecognized normalization_form %q", c.NormalizationForm)
	}
	if _, err := logging.ParseLevel(c.Log); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("config: max_concurrency must be positive")
	}
	if c.MaxKeys <= 0 {
		return fmt.Errorf("config: max_keys must be positive")
	}
	return nil
}

// EffectiveTmpDir returns TmpDir, defaulting to RootDir.
func (c *Config) EffectiveTmpDir() string {
	if c.TmpDir != "" {
		return c.TmpDir
	}
	return c.RootDir
}
