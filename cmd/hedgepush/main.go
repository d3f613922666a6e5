package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/mrled/hedgepush/internal/cdn"
	"github.com/mrled/hedgepush/internal/config"
	"github.com/mrled/hedgepush/internal/publish"
	"github.com/mrled/hedgepush/internal/site"
	"github.com/mrled/hedgepush/internal/store"
	"github.com/mrled/hedgepush/internal/store/s3store"
	"github.com/spf13/pflag"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "publish":
		if err := runPublish(os.Args[2:]); err != nil {
			fatal("%v", err)
		}
	case "version", "--version":
		fmt.Println(version)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: hedgepush <command> [flags]\n\nCommands:\n  publish  Upload a build output directory to S3 and invalidate CloudFront\n  version  Print version\n\nRun 'hedgepush publish --help' for publish flags.\n")
}

type publishFlags struct {
	configPath   string
	bucket       string
	outputDir    string
	region       string
	virtualDir   string
	acl          string
	compress     string
	exclude      []string
	concurrency  int
	overwrite    bool
	noInvalidate bool
	eager        bool
	dryRun       bool
	verbose      bool
}

func (f *publishFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", config.DefaultPath, "path to config file (.toml, .yaml)")
	fs.StringVarP(&f.bucket, "bucket", "b", "", "destination bucket")
	fs.StringVarP(&f.outputDir, "output-dir", "o", "", "build output directory to publish")
	fs.StringVar(&f.region, "region", "", "AWS region override")
	fs.StringVar(&f.virtualDir, "virtual-directory", "", "key prefix for every published object")
	fs.StringVar(&f.acl, "acl", "", "canned ACL for uploaded objects")
	fs.StringVar(&f.compress, "compress", "", "compress uploads: none, gzip, zstd")
	fs.StringSliceVar(&f.exclude, "exclude", nil, "glob of files to skip (repeatable)")
	fs.IntVarP(&f.concurrency, "concurrency", "j", config.DefaultConcurrency, "simultaneous uploads")
	fs.BoolVar(&f.overwrite, "overwrite", false, "upload objects that already exist")
	fs.BoolVar(&f.noInvalidate, "no-invalidate", false, "skip CloudFront invalidation")
	fs.BoolVar(&f.eager, "eager-invalidation", false, "invalidate each object as soon as it is uploaded")
	fs.BoolVar(&f.dryRun, "dry-run", false, "scan and print the plan without touching AWS")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "log every object")
}

// apply overrides cfg with the flags given on the command line.
func (f *publishFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("bucket") {
		cfg.Bucket = f.bucket
	}
	if fs.Changed("output-dir") {
		cfg.OutputDir = f.outputDir
	}
	if fs.Changed("region") {
		cfg.Region = f.region
	}
	if fs.Changed("virtual-directory") {
		cfg.VirtualDirectory = f.virtualDir
	}
	if fs.Changed("acl") {
		cfg.ACL = f.acl
	}
	if fs.Changed("compress") {
		cfg.Compress = f.compress
	}
	if fs.Changed("exclude") {
		cfg.Exclude = append(cfg.Exclude, f.exclude...)
	}
	if fs.Changed("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	if fs.Changed("overwrite") {
		cfg.Overwrite = f.overwrite
	}
	if f.noInvalidate {
		cfg.Invalidation.Enabled = false
	}
	if fs.Changed("eager-invalidation") {
		cfg.Invalidation.Eager = f.eager
	}
}

func runPublish(args []string) error {
	var flags publishFlags
	fs := pflag.NewFlagSet("publish", pflag.ContinueOnError)
	flags.register(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	// Load config file, then let flags override it
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	flags.apply(fs, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if flags.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// Step 1: Scan the output directory
	fmt.Fprintf(os.Stderr, "Scanning %s...\n", cfg.OutputDir)
	assets, err := site.Scan(cfg.OutputDir, cfg.Exclude)
	if err != nil {
		return err
	}
	fileRules, err := site.ReadHeaderFile(cfg.OutputDir)
	if err != nil {
		return err
	}
	rules, err := cfg.SiteRules(fileRules)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Found %d files, %d header rules\n", len(assets), len(rules))

	// Step 2: Dry run - print plan and exit
	if flags.dryRun {
		return printPlan(cfg, rules, assets)
	}

	// Step 3: Set up AWS clients
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	awsCfg, err := cfg.AWS(ctx)
	if err != nil {
		return err
	}
	client := s3store.New(s3store.NewClient(awsCfg, cfg.S3Options()))

	// Step 4: Publish, flushing invalidations however publishing ends
	var summary site.Summary
	publishWith := func(opts ...publish.Option) error {
		opts = append(opts, publish.WithLogger(logger))
		router, err := site.NewRouter(cfg.Renderer(), client, rules, opts...)
		if err != nil {
			return err
		}
		summary, err = site.Publish(ctx, router, assets, cfg.Concurrency, logger)
		return err
	}

	if cfg.Invalidation.Enabled {
		coordinator := cdn.New(cloudfront.NewFromConfig(awsCfg),
			cdn.WithLogger(logger),
			cdn.WithOriginSuffix(cfg.Invalidation.OriginSuffix),
			cdn.WithEagerFlush(cfg.Invalidation.Eager),
		)
		err = cdn.Scope(coordinator, func(c *cdn.Coordinator) error {
			return publishWith(publish.WithInvalidator(c))
		})
	} else {
		err = publishWith()
	}

	fmt.Fprintf(os.Stderr, "\nUploaded %d (%d bytes), skipped %d existing, %d empty, %d failed\n",
		summary.Uploaded, summary.Bytes, summary.Skipped, summary.Empty, summary.Failed)
	if summary.InvalidationErrors > 0 {
		fmt.Fprintf(os.Stderr, "%d uploads could not be queued for invalidation\n", summary.InvalidationErrors)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "\nPublish complete.\n")
	return nil
}

// printPlan shows where every asset would go and which rule applies. An
// in-memory store stands in for S3, so nothing is contacted.
func printPlan(cfg config.Config, rules []site.Rule, assets []site.Asset) error {
	router, err := site.NewRouter(cfg.Renderer(), store.NewMemory(), rules)
	if err != nil {
		return err
	}

	fmt.Printf("\n=== s3://%s ===\n", cfg.Bucket)
	for _, asset := range assets {
		renderer, rule := router.Route(asset.Rel)
		if rule == "" {
			rule = "default"
		}
		fmt.Printf("%s -> %s [%s]\n", asset.Rel, renderer.KeyFor(asset.Rel), rule)
	}
	fmt.Fprintf(os.Stderr, "\nDry run complete. No changes made.\n")
	return nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
