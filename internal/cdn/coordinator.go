// Package cdn keeps CloudFront coherent with published objects. A
// Coordinator maps buckets to the distributions serving them, collects the
// paths that need purging, and flushes them as batched invalidations.
package cdn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/google/uuid"
	"github.com/mrled/hedgepush/internal/errs"
	"golang.org/x/sync/singleflight"
)

// Client abstracts the CloudFront API calls the coordinator makes.
type Client interface {
	ListDistributions(ctx context.Context, params *cloudfront.ListDistributionsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListDistributionsOutput, error)
	CreateInvalidation(ctx context.Context, params *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
}

// DefaultOriginSuffix is appended to a bucket name to form the origin
// domain of the distribution serving it.
const DefaultOriginSuffix = ".s3.amazonaws.com"

// MaxPathsPerInvalidation is the largest batch sent in one
// CreateInvalidation request. Larger batches are split, in order.
const MaxPathsPerInvalidation = 3000

// ErrClosed is returned by RegisterPendingInvalidation after Close.
var ErrClosed = errors.New("invalidation coordinator closed")

// BatchState is the lifecycle position of one distribution's pending batch.
type BatchState int

const (
	Empty BatchState = iota
	Accumulating
	Flushed
)

func (s BatchState) String() string {
	switch s {
	case Empty:
		return "empty"
	case Accumulating:
		return "accumulating"
	case Flushed:
		return "flushed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type batch struct {
	paths []string
	state BatchState
}

// Coordinator batches invalidations per distribution for one publish
// session. It is safe for concurrent use.
type Coordinator struct {
	client       Client
	logger       *slog.Logger
	originSuffix string
	eager        bool
	callerRef    func() string

	listing singleflight.Group

	// flushMu serializes flushes so batches for a distribution go out in
	// registration order.
	flushMu sync.Mutex

	mu            sync.Mutex
	distributions map[string]string // bucket -> distribution id
	loaded        bool
	batches       map[string]*batch
	order         []string // distribution ids, first registration first
	closed        bool

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithOriginSuffix overrides DefaultOriginSuffix.
func WithOriginSuffix(suffix string) Option {
	return func(c *Coordinator) {
		if suffix != "" {
			c.originSuffix = suffix
		}
	}
}

// WithEagerFlush makes every registration flush its distribution's batch
// immediately, issuing one invalidation per published object.
func WithEagerFlush(eager bool) Option {
	return func(c *Coordinator) { c.eager = eager }
}

// WithCallerReference sets the generator for CreateInvalidation caller
// references. Each flushed batch needs a unique value.
func WithCallerReference(fn func() string) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.callerRef = fn
		}
	}
}

// New returns a Coordinator talking to client.
func New(client Client, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:       client,
		logger:       slog.New(slog.DiscardHandler),
		originSuffix: DefaultOriginSuffix,
		callerRef:    uuid.NewString,
		batches:      make(map[string]*batch),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterPendingInvalidation queues key for invalidation on the
// distribution serving bucket. Buckets without a distribution are ignored.
// The first registration lists all distributions; later ones reuse that
// listing.
func (c *Coordinator) RegisterPendingInvalidation(ctx context.Context, bucket, key string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	id, ok, err := c.distributionFor(ctx, bucket)
	if err != nil {
		return err
	}
	if !ok {
		c.logger.Debug("no distribution serves bucket, skipping invalidation", "bucket", bucket, "key", key)
		return nil
	}

	path := key
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	b, exists := c.batches[id]
	if !exists {
		b = &batch{}
		c.batches[id] = b
		c.order = append(c.order, id)
	}
	b.paths = append(b.paths, path)
	b.state = Accumulating
	c.mu.Unlock()

	c.logger.Debug("invalidation queued", "distribution", id, "path", path)

	if c.eager {
		c.flushMu.Lock()
		defer c.flushMu.Unlock()
		return c.flushDistribution(ctx, id)
	}
	return nil
}

// Flush sends one invalidation per distribution with pending paths and
// clears the batches that were accepted. Batches whose request failed stay
// pending for the next flush. Flushing with nothing pending sends nothing.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	ids := append([]string(nil), c.order...)
	c.mu.Unlock()

	var failures []error
	for _, id := range ids {
		if err := c.flushDistribution(ctx, id); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// Close flushes pending invalidations exactly once and rejects further
// registrations. Later calls return the first call's result.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.closeErr = c.Flush(context.Background())

		c.mu.Lock()
		c.distributions = nil
		c.mu.Unlock()
	})
	return c.closeErr
}

// Scope runs fn and then closes c, so pending invalidations are flushed on
// every exit path, panics included. A flush failure is joined to fn's error.
func Scope(c *Coordinator, fn func(*Coordinator) error) (err error) {
	defer func() {
		if cerr := c.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(c)
}

// State returns the batch state of a distribution.
func (c *Coordinator) State(distributionID string) BatchState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.batches[distributionID]; ok {
		return b.state
	}
	return Empty
}

// Pending returns a copy of the queued paths per distribution id.
func (c *Coordinator) Pending() map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make(map[string][]string)
	for id, b := range c.batches {
		if len(b.paths) > 0 {
			pending[id] = append([]string(nil), b.paths...)
		}
	}
	return pending
}

// flushDistribution sends the pending batch for id. Callers hold flushMu.
func (c *Coordinator) flushDistribution(ctx context.Context, id string) error {
	c.mu.Lock()
	b := c.batches[id]
	if b == nil || len(b.paths) == 0 {
		c.mu.Unlock()
		return nil
	}
	paths := b.paths
	b.paths = nil
	c.mu.Unlock()

	for start := 0; start < len(paths); start += MaxPathsPerInvalidation {
		end := min(start+MaxPathsPerInvalidation, len(paths))
		if err := c.createInvalidation(ctx, id, paths[start:end]); err != nil {
			c.mu.Lock()
			b.paths = append(append([]string(nil), paths[start:]...), b.paths...)
			b.state = Accumulating
			c.mu.Unlock()
			return err
		}
	}

	c.mu.Lock()
	if len(b.paths) == 0 {
		b.state = Flushed
	}
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) createInvalidation(ctx context.Context, id string, paths []string) error {
	items := append([]string(nil), paths...)
	resp, err := c.client.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(id),
		InvalidationBatch: &cftypes.InvalidationBatch{
			CallerReference: aws.String(c.callerRef()),
			Paths: &cftypes.Paths{
				Quantity: aws.Int32(int32(len(items))),
				Items:    items,
			},
		},
	})
	if err != nil {
		return errs.IO("create invalidation", id, "", err)
	}

	var invalidationID string
	if resp != nil && resp.Invalidation != nil {
		invalidationID = aws.ToString(resp.Invalidation.Id)
	}
	c.logger.Info("invalidation created", "distribution", id, "invalidation", invalidationID, "paths", len(items))
	return nil
}

// distributionFor resolves bucket through the distribution cache, listing
// distributions on first use. Concurrent first callers share one listing.
// A failed listing is retried by the next caller.
func (c *Coordinator) distributionFor(ctx context.Context, bucket string) (string, bool, error) {
	c.mu.Lock()
	if c.loaded {
		id, ok := c.distributions[bucket]
		c.mu.Unlock()
		return id, ok, nil
	}
	c.mu.Unlock()

	// The listing is shared by every concurrent first caller, so one
	// caller's cancellation must not fail the others.
	listCtx := context.WithoutCancel(ctx)
	_, err, _ := c.listing.Do("distributions", func() (any, error) {
		c.mu.Lock()
		loaded := c.loaded
		c.mu.Unlock()
		if loaded {
			return nil, nil
		}

		mapping, err := c.listDistributions(listCtx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.distributions = mapping
		c.loaded = true
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return "", false, errs.IO("list distributions", bucket, "", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.distributions[bucket]
	return id, ok, nil
}

// listDistributions pages through every distribution and maps the bucket
// behind each S3 origin to the distribution id.
func (c *Coordinator) listDistributions(ctx context.Context) (map[string]string, error) {
	mapping := make(map[string]string)
	var marker *string
	for {
		resp, err := c.client.ListDistributions(ctx, &cloudfront.ListDistributionsInput{
			Marker: marker,
		})
		if err != nil {
			return nil, fmt.Errorf("listing distributions: %w", err)
		}
		list := resp.DistributionList
		if list == nil {
			break
		}

		for _, item := range list.Items {
			if item.Origins == nil {
				continue
			}
			id := aws.ToString(item.Id)
			for _, origin := range item.Origins.Items {
				domain := aws.ToString(origin.DomainName)
				if !strings.HasSuffix(domain, c.originSuffix) {
					continue
				}
				bucket := strings.TrimSuffix(domain, c.originSuffix)
				if existing, dup := mapping[bucket]; dup && existing != id {
					c.logger.Warn("bucket served by several distributions, keeping the first",
						"bucket", bucket, "distribution", existing, "ignored", id)
					continue
				}
				mapping[bucket] = id
			}
		}

		if !aws.ToBool(list.IsTruncated) || list.NextMarker == nil {
			break
		}
		marker = list.NextMarker
	}

	c.logger.Debug("distributions listed", "buckets", len(mapping))
	return mapping, nil
}
