// Package config loads hedgepush settings from a TOML or YAML file and the
// environment, and turns them into renderer and AWS configuration.
package config

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mrled/hedgepush/internal/errs"
	"github.com/mrled/hedgepush/internal/publish"
	"github.com/mrled/hedgepush/internal/site"
	"github.com/mrled/hedgepush/internal/store"
	"github.com/mrled/hedgepush/internal/store/s3store"
	"github.com/mrled/hedgepush/internal/transform"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when none is named.
const DefaultPath = "hedgepush.toml"

// DefaultConcurrency bounds simultaneous uploads.
const DefaultConcurrency = 8

// Config is the full hedgepush configuration.
type Config struct {
	Bucket           string `toml:"bucket" yaml:"bucket" env:"HEDGEPUSH_BUCKET"`
	Region           string `toml:"region" yaml:"region" env:"HEDGEPUSH_REGION"`
	OutputDir        string `toml:"output-dir" yaml:"output-dir" env:"HEDGEPUSH_OUTPUT_DIR"`
	VirtualDirectory string `toml:"virtual-directory" yaml:"virtual-directory" env:"HEDGEPUSH_VIRTUAL_DIRECTORY"`
	ACL              string `toml:"acl" yaml:"acl" env:"HEDGEPUSH_ACL"`

	Overwrite         bool `toml:"overwrite" yaml:"overwrite" env:"HEDGEPUSH_OVERWRITE"`
	ForbiddenAsAbsent bool `toml:"forbidden-as-absent" yaml:"forbidden-as-absent" env:"HEDGEPUSH_FORBIDDEN_AS_ABSENT"`
	Concurrency       int  `toml:"concurrency" yaml:"concurrency" env:"HEDGEPUSH_CONCURRENCY"`

	Exclude           []string          `toml:"exclude" yaml:"exclude" env:"HEDGEPUSH_EXCLUDE" env-separator:","`
	DetectContentType bool              `toml:"detect-content-type" yaml:"detect-content-type" env:"HEDGEPUSH_DETECT_CONTENT_TYPE"`
	Compress          string            `toml:"compress" yaml:"compress" env:"HEDGEPUSH_COMPRESS"`
	Headers           map[string]string `toml:"headers" yaml:"headers"`
	Rules             []RuleConfig      `toml:"rules" yaml:"rules"`

	Invalidation InvalidationConfig `toml:"invalidation" yaml:"invalidation"`
	S3           S3Config           `toml:"s3" yaml:"s3"`
}

// RuleConfig is a per-pattern override of headers and compression.
type RuleConfig struct {
	Pattern  string            `toml:"pattern" yaml:"pattern"`
	Headers  map[string]string `toml:"headers" yaml:"headers"`
	Compress string            `toml:"compress" yaml:"compress"`
}

// InvalidationConfig controls the CloudFront coordinator.
type InvalidationConfig struct {
	Enabled      bool   `toml:"enabled" yaml:"enabled" env:"HEDGEPUSH_INVALIDATE"`
	Eager        bool   `toml:"eager" yaml:"eager" env:"HEDGEPUSH_EAGER_INVALIDATION"`
	OriginSuffix string `toml:"origin-suffix" yaml:"origin-suffix" env:"HEDGEPUSH_ORIGIN_SUFFIX"`
}

// S3Config points the store at an S3-compatible service.
type S3Config struct {
	Endpoint        string `toml:"endpoint" yaml:"endpoint" env:"HEDGEPUSH_S3_ENDPOINT"`
	UsePathStyle    bool   `toml:"path-style" yaml:"path-style" env:"HEDGEPUSH_S3_PATH_STYLE"`
	AccessKeyID     string `toml:"access-key-id" yaml:"access-key-id" env:"HEDGEPUSH_ACCESS_KEY_ID"`
	SecretAccessKey string `toml:"secret-access-key" yaml:"secret-access-key" env:"HEDGEPUSH_SECRET_ACCESS_KEY"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Concurrency:  DefaultConcurrency,
		Invalidation: InvalidationConfig{Enabled: true},
	}
}

// Load reads path over Default and then applies the environment. The file
// format follows the extension: .yaml and .yml are YAML, anything else is
// TOML. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, errs.Config("reading environment: %v", err)
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil // No config file, use defaults/flags
	}
	if err != nil {
		return errs.Config("reading config file %s: %v", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		_, err = toml.Decode(string(data), cfg)
	}
	if err != nil {
		return errs.Config("parsing config file %s: %v", path, err)
	}
	return nil
}

// Validate reports every problem in c at once.
func (c Config) Validate() error {
	var problems []string
	if c.Bucket == "" {
		problems = append(problems, "bucket is required (set in config file or via --bucket)")
	}
	if c.OutputDir == "" {
		problems = append(problems, "output-dir is required (set in config file or via --output-dir)")
	}
	if _, err := store.ParseACL(c.ACL); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Concurrency < 1 {
		problems = append(problems, fmt.Sprintf("concurrency must be positive, got %d", c.Concurrency))
	}
	if _, err := transform.Parse(c.Compress); err != nil {
		problems = append(problems, err.Error())
	}
	if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
		problems = append(problems, "access-key-id and secret-access-key must be set together")
	}
	if err := checkHeaders(c.Headers); err != nil {
		problems = append(problems, fmt.Sprintf("headers: %v", err))
	}
	for i, rule := range c.Rules {
		if rule.Pattern == "" {
			problems = append(problems, fmt.Sprintf("rules[%d]: pattern is required", i))
		}
		if _, err := transform.Parse(rule.Compress); err != nil {
			problems = append(problems, fmt.Sprintf("rules[%d]: %v", i, err))
		}
		if err := checkHeaders(rule.Headers); err != nil {
			problems = append(problems, fmt.Sprintf("rules[%d] headers: %v", i, err))
		}
	}

	if len(problems) > 0 {
		return errs.Config("%s", strings.Join(problems, "; "))
	}
	return nil
}

func checkHeaders(headers map[string]string) error {
	h := make(http.Header, len(headers))
	for name, value := range headers {
		if name == "" {
			return fmt.Errorf("empty header name")
		}
		h.Set(name, value)
	}
	return s3store.CheckHeaders(h)
}

// Renderer returns the base renderer configuration. Call Validate first.
// Root stays empty: site.Publish renders assets by their path relative to
// OutputDir.
func (c Config) Renderer() publish.Config {
	transformer, _ := transform.Parse(c.Compress)
	policy := store.ForbiddenIsError
	if c.ForbiddenAsAbsent {
		policy = store.ForbiddenIsAbsent
	}
	return publish.Config{
		Bucket:            c.Bucket,
		VirtualDirectory:  c.VirtualDirectory,
		ACL:               store.CannedACL(c.ACL),
		Overwrite:         c.Overwrite,
		Headers:           c.Headers,
		Transformer:       transformer,
		DetectContentType: c.DetectContentType,
		ForbiddenPolicy:   policy,
	}
}

// SiteRules returns the configured rules followed by extra, which usually
// come from the output directory's header file. Extra rules are checked
// the same way Validate checks configured ones.
func (c Config) SiteRules(extra []site.Rule) ([]site.Rule, error) {
	rules := make([]site.Rule, 0, len(c.Rules)+len(extra))
	for _, r := range c.Rules {
		rules = append(rules, site.Rule{Pattern: r.Pattern, Headers: r.Headers, Compress: r.Compress})
	}
	for _, r := range extra {
		if err := checkHeaders(r.Headers); err != nil {
			return nil, errs.Config("%s headers for %q: %v", site.HeaderFile, r.Pattern, err)
		}
	}
	return append(rules, extra...), nil
}

// AWS loads the shared AWS configuration, applying the configured region
// and static credentials.
func (c Config) AWS(ctx context.Context) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	if c.S3.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.S3.AccessKeyID, c.S3.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return awsCfg, nil
}

// S3Options returns the options for s3store.NewClient.
func (c Config) S3Options() s3store.ClientOptions {
	return s3store.ClientOptions{Endpoint: c.S3.Endpoint, UsePathStyle: c.S3.UsePathStyle}
}
