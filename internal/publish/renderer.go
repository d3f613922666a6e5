// Package publish decides whether an asset is uploaded, prepares its
// payload and headers, writes it, and hands the written key to the
// invalidation coordinator.
package publish

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"

	"github.com/mrled/hedgepush/internal/errs"
	"github.com/mrled/hedgepush/internal/keys"
	"github.com/mrled/hedgepush/internal/store"
	"github.com/mrled/hedgepush/internal/transform"
)

// KeyBuilder maps an output path to an object key.
type KeyBuilder interface {
	KeyFor(path string) string
}

// ExistenceOracle reports whether a key is already in the store.
type ExistenceOracle interface {
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// Invalidator is told about every key that was written.
type Invalidator interface {
	RegisterPendingInvalidation(ctx context.Context, bucket, key string) error
}

// Config is the immutable configuration of a Renderer.
type Config struct {
	Bucket string

	// Root is stripped from output paths to form keys; VirtualDirectory is
	// prepended to them.
	Root             string
	VirtualDirectory string

	ACL store.CannedACL

	// Overwrite uploads every asset. When false, keys already in the bucket
	// are left alone.
	Overwrite bool

	// Headers are set on every upload and win over headers contributed by
	// the Transformer.
	Headers map[string]string

	// Transformer rewrites content before upload. Nil uploads the content
	// as-is.
	Transformer transform.Transformer

	// DetectContentType sets Content-Type from the key's extension when no
	// header provides one.
	DetectContentType bool

	ForbiddenPolicy store.ForbiddenPolicy
}

// Validate reports missing or invalid settings.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return errs.Config("bucket name is required")
	}
	if _, err := store.ParseACL(string(c.ACL)); err != nil {
		return errs.Config("%v", err)
	}
	for name := range c.Headers {
		if name == "" {
			return errs.Config("header names must not be empty")
		}
	}
	return nil
}

// Result describes what Render did with one asset.
type Result struct {
	Key string

	// Uploaded is false when the key already existed and Overwrite is off.
	Uploaded bool
	Bytes    int
	Headers  http.Header

	// InvalidationRegistered is true when the key was handed to the
	// invalidator. InvalidationErr holds the reason it could not be; the
	// upload itself still succeeded.
	InvalidationRegistered bool
	InvalidationErr        error
}

// Renderer publishes rendered assets to one bucket.
type Renderer struct {
	cfg         Config
	headers     http.Header
	client      store.Client
	oracle      ExistenceOracle
	keys        KeyBuilder
	invalidator Invalidator
	logger      *slog.Logger
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithKeyBuilder replaces the key builder derived from Config.Root and
// Config.VirtualDirectory.
func WithKeyBuilder(kb KeyBuilder) Option {
	return func(r *Renderer) { r.keys = kb }
}

// WithOracle replaces the existence check derived from the store client.
func WithOracle(o ExistenceOracle) Option {
	return func(r *Renderer) { r.oracle = o }
}

// WithInvalidator attaches an invalidator. Close closes it when it
// implements io.Closer.
func WithInvalidator(inv Invalidator) Option {
	return func(r *Renderer) { r.invalidator = inv }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Renderer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New validates cfg and returns a Renderer writing through client.
func New(cfg Config, client store.Client, opts ...Option) (*Renderer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errs.Config("object store client is required")
	}

	headers := make(http.Header, len(cfg.Headers))
	for name, value := range cfg.Headers {
		headers.Set(name, value)
	}

	r := &Renderer{
		cfg:     cfg,
		headers: headers,
		client:  client,
		oracle:  store.NewOracle(client, cfg.ForbiddenPolicy),
		keys:    keys.New(cfg.Root, cfg.VirtualDirectory),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Bucket returns the bucket the renderer writes to.
func (r *Renderer) Bucket() string { return r.cfg.Bucket }

// KeyFor returns the object key outputPath publishes to.
func (r *Renderer) KeyFor(outputPath string) string { return r.keys.KeyFor(outputPath) }

// Render publishes content under the key for outputPath. Store failures are
// returned as errs.ErrTransientIO and are not retried; content the
// transformer rejects is errs.ErrInvalidRequest. Invalidation
// failures are reported in the Result, never as a Render error.
func (r *Renderer) Render(ctx context.Context, content, outputPath string) (Result, error) {
	if content == "" || outputPath == "" {
		return Result{}, errs.Invalid("render", "content and output path are required")
	}

	key := r.keys.KeyFor(outputPath)
	if key == "" {
		return Result{}, errs.Invalid("render", "output path %q maps to an empty key", outputPath)
	}
	result := Result{Key: key}
	bucket := r.cfg.Bucket

	if !r.cfg.Overwrite {
		exists, err := r.oracle.Exists(ctx, bucket, key)
		if err != nil {
			return result, err
		}
		if exists {
			r.logger.Debug("object exists, skipping upload", "bucket", bucket, "key", key)
			return result, nil
		}
	}

	body, headers, err := r.payload(key, content)
	if err != nil {
		return result, err
	}

	err = r.client.Put(ctx, &store.PutRequest{
		Bucket:  bucket,
		Key:     key,
		Body:    body,
		ACL:     r.cfg.ACL,
		Headers: headers,
	})
	if err != nil {
		if errors.Is(err, errs.ErrInvalidRequest) {
			return result, err
		}
		return result, errs.IO("put", bucket, key, err)
	}

	result.Uploaded = true
	result.Bytes = len(body)
	result.Headers = headers
	r.logger.Info("uploaded", "bucket", bucket, "key", key, "bytes", len(body))

	if r.invalidator != nil {
		if err := r.invalidator.RegisterPendingInvalidation(ctx, bucket, key); err != nil {
			r.logger.Warn("could not register invalidation", "bucket", bucket, "key", key, "err", err)
			result.InvalidationErr = err
		} else {
			result.InvalidationRegistered = true
		}
	}
	return result, nil
}

// payload applies the transformer and merges headers: transformer headers
// first, configured headers on top.
func (r *Renderer) payload(key, content string) ([]byte, http.Header, error) {
	headers := make(http.Header)
	body := transform.Raw(content)

	if r.cfg.Transformer != nil {
		transformed, contributed, err := r.cfg.Transformer.Transform(content)
		if err != nil {
			return nil, nil, &errs.Error{Op: "transform", Bucket: r.cfg.Bucket, Key: key, Kind: errs.ErrInvalidRequest, Err: err}
		}
		body = transformed
		for name, values := range contributed {
			if len(values) > 0 {
				headers.Set(name, values[len(values)-1])
			}
		}
	}

	for name, values := range r.headers {
		headers[name] = append([]string(nil), values...)
	}

	if r.cfg.DetectContentType && headers.Get("Content-Type") == "" {
		if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
			headers.Set("Content-Type", ct)
		}
	}
	return body, headers, nil
}

// Close releases the attached invalidator, flushing its pending
// invalidations when it is closable. Renderers sharing an invalidator
// should leave closing it to its owner instead.
func (r *Renderer) Close() error {
	if closer, ok := r.invalidator.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
