package cdn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/mrled/hedgepush/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCloudFront struct {
	mu sync.Mutex

	// pages are served in order; page i is returned for the i-th call of a
	// listing and links to page i+1 through NextMarker.
	pages     [][]cftypes.DistributionSummary
	listErr   error
	listGate  chan struct{}
	listEnter chan struct{}
	listCalls int
	markers   []*string

	invalidateErr error
	invalidations []*cloudfront.CreateInvalidationInput
}

func (f *fakeCloudFront) ListDistributions(ctx context.Context, params *cloudfront.ListDistributionsInput, _ ...func(*cloudfront.Options)) (*cloudfront.ListDistributionsOutput, error) {
	if f.listEnter != nil {
		select {
		case f.listEnter <- struct{}{}:
		default:
		}
	}
	if f.listGate != nil {
		<-f.listGate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	f.markers = append(f.markers, params.Marker)
	if f.listErr != nil {
		return nil, f.listErr
	}

	page := 0
	if params.Marker != nil {
		fmt.Sscanf(*params.Marker, "page-%d", &page)
	}
	list := &cftypes.DistributionList{Items: f.pages[page], IsTruncated: aws.Bool(false)}
	if page+1 < len(f.pages) {
		list.IsTruncated = aws.Bool(true)
		list.NextMarker = aws.String(fmt.Sprintf("page-%d", page+1))
	}
	return &cloudfront.ListDistributionsOutput{DistributionList: list}, nil
}

func (f *fakeCloudFront) CreateInvalidation(_ context.Context, params *cloudfront.CreateInvalidationInput, _ ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invalidateErr != nil {
		return nil, f.invalidateErr
	}
	f.invalidations = append(f.invalidations, params)
	return &cloudfront.CreateInvalidationOutput{
		Invalidation: &cftypes.Invalidation{Id: aws.String(fmt.Sprintf("I%d", len(f.invalidations)))},
	}, nil
}

func (f *fakeCloudFront) calls() (list int, invalidations []*cloudfront.CreateInvalidationInput) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, append([]*cloudfront.CreateInvalidationInput(nil), f.invalidations...)
}

func (f *fakeCloudFront) setInvalidateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidateErr = err
}

func summary(id string, originDomains ...string) cftypes.DistributionSummary {
	origins := &cftypes.Origins{Quantity: aws.Int32(int32(len(originDomains)))}
	for i, domain := range originDomains {
		origins.Items = append(origins.Items, cftypes.Origin{
			Id:         aws.String(fmt.Sprintf("origin-%d", i)),
			DomainName: aws.String(domain),
		})
	}
	return cftypes.DistributionSummary{
		Id:         aws.String(id),
		DomainName: aws.String(id + ".cloudfront.net"),
		Origins:    origins,
	}
}

func newFake(summaries ...cftypes.DistributionSummary) *fakeCloudFront {
	return &fakeCloudFront{pages: [][]cftypes.DistributionSummary{summaries}}
}

func paths(in *cloudfront.CreateInvalidationInput) []string {
	return in.InvalidationBatch.Paths.Items
}

func TestRegisterListsDistributionsOnce(t *testing.T) {
	ctx := context.Background()
	fake := newFake(summary("E1", "assets.s3.amazonaws.com"))
	c := New(fake)

	require.NoError(t, c.RegisterPendingInvalidation(ctx, "assets", "app.js"))
	require.NoError(t, c.RegisterPendingInvalidation(ctx, "assets", "app.js"))

	listCalls, invalidations := fake.calls()
	assert.Equal(t, 1, listCalls)
	assert.Empty(t, invalidations, "deferred mode must not invalidate before Flush")
	assert.Equal(t, map[string][]string{"E1": {"/app.js", "/app.js"}}, c.Pending())
}

func TestFlushSendsOneOrderedBatch(t *testing.T) {
	ctx := context.Background()
	fake := newFake(summary("E1", "assets.s3.amazonaws.com"))
	c := New(fake)

	require.NoError(t, c.RegisterPendingInvalidation(ctx, "assets", "k1"))
	require.NoError(t, c.RegisterPendingInvalidation(ctx, "assets", "k2"))
	require.NoError(t, c.Flush(ctx))

	_, invalidations := fake.calls()
	require.Len(t, invalidations, 1)
	in := invalidations[0]
	assert.Equal(t, "E1", aws.ToString(in.DistributionId))
	assert.Equal(t, []string{"/k1", "/k2"}, paths(in))
	assert.Equal(t, int32(2), aws.ToInt32(in.InvalidationBatch.Paths.Quantity))
	assert.NotEmpty(t, aws.ToString(in.InvalidationBatch.CallerReference))

	require.NoError(t, c.Flush(ctx))
	_, invalidations = fake.calls()
	assert.Len(t, invalidations, 1, "second flush must be a no-op")
}

func TestFlushWithNothingPending(t *testing.T) {
	fake := newFake(summary("E1", "assets.s3.amazonaws.com"))
	c := New(fake)

	require.NoError(t, c.Flush(context.Background()))

	listCalls, invalidations := fake.calls()
	assert.Zero(t, listCalls)
	assert.Empty(t, invalidations)
}

func TestRegisterKeepsLeadingSlash(t *testing.T) {
	ctx := context.Background()
	fake := newFake(summary("E1", "assets.s3.amazonaws.com"))
	c := New(fake)

	require.NoError(t, c.RegisterPendingInvalidation(ctx, "assets", "/already/absolute.css"))
	require.NoError(t, c.RegisterPendingInvalidation(ctx, "assets", "relative/app.js"))

	assert.Equal(t, []string{"/already/absolute.css", "/relative/app.js"}, c.Pending()["E1"])
}

func TestRegisterUnknownBucketIsDropped(t *testing.T) {
	ctx := context.Background()
	fake := newFake(summary("E1", "assets.s3.amazonaws.com"))
	c := New(fake)

	require.NoError(t, c.RegisterPendingInvalidation(ctx, "elsewhere", "a.js"))
	require.NoError(t, c.RegisterPendingInvalidation(ctx, "elsewhere", "b.js"))
	require.NoError(t, c.Flush(ctx))

	listCalls, invalidations := fake.calls()
	assert.Equal(t, 1, listCalls, "a cache miss after population must not relist")
	assert.Empty(t, invalidations)
	assert.Empty(t, c.Pending())
}

func TestFlushPerDistributionInRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	fake := newFake(
		summary("E1", "first.s3.amazonaws.com"),
		summary("E2", "second.s3.amazonaws.com", "custom-origin.example.com"),
	)
	c := New(fake)

	require.NoError(t, c.RegisterPendingInvalidation(ctx, "second", "b1"))
	require.NoError(t, c.RegisterPendingInvalidation(ctx, "first", "a1"))
	require.NoError(t, c.RegisterPendingInvalidation(ctx, "second", "b2"))
	require.NoError(t, c.Flush(ctx))

	_, invalidations := fake.calls()
	require.Len(t, invalidations, 2)
	assert.Equal(t, "E2", aws.ToString(invalidations[0].DistributionId))
	assert.Equal(t, []string{"/b1", "/b2"}, paths(invalidations[0]))
	assert.Equal(t, "E1", aws.ToString(invalidations[1].DistributionId))
	assert.Equal(t, []string{"/a1"}, paths(invalidations[1]))
}

func TestFlushFailureKeepsBatch(t *testing.T) {
	ctx := context.Background()
	fake := newFake(summary("E1", "assets.s3.amazonaws.com"))
	c := New(fake)

	require.NoError(t, c.RegisterPendingInvalidation(ctx, "assets", "k1"))

	boom := errors.New("throttled")
	fake.setInvalidateErr(boom)
	err := c.Flush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, errs.ErrTransientIO)
	assert.Equal(t, Accumulating, c.State("E1"))

	require.NoError(t, c.RegisterPendingInvalidation(ctx, "assets", "k2"))
	fake.setInvalidateErr(nil)
	require.NoError(t, c.Flush(ctx))

	_, invalidations := fake.calls()
	require.Len(t, invalidations, 1)
	assert.Equal(t, []string{"/k1", "/k2"}, paths(invalidations[0]))
	assert.Equal(t, Flushed, c.State("E1"))
}

func TestListFailureIsReturnedAndRetried(t *testing.T) {
	ctx := context.Background()
	fake := newFake(summary("E1", "assets.s3.amazonaws.com"))
	fake.listErr = errors.New("access denied")
	c := New(fake)

	err := c.RegisterPendingInvalidation(ctx, "assets", "k1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTransientIO)
	assert.Empty(t, c.Pending())

	fake.mu.Lock()
	fake.listErr = nil
	fake.mu.Unlock()

	require.NoError(t, c.RegisterPendingInvalidation(ctx, "assets", "k2"))
	listCalls, _ := fake.calls()
	assert.Equal(t, 2, listCalls)
	assert.Equal(t, []string{"/k2"}, c.Pending()["E1"])
}

func TestListDistributionsFollowsPages(t *testing.T) {
	ctx := context.Background()
	fake := &fakeCloudFront{pages: [][]cftypes.DistributionSummary{
		{summary("E1", "first.s3.amazonaws.com")},
		{summary("E2", "second.s3.amazonaws.com")},
	}}
	c := New(fake)

	require.NoError(t, c.RegisterPendingInvalidation(ctx, "second", "k"))

	listCalls, _ := fake.calls()
	assert.Equal(t, 2, listCalls, "one listing pages through every distribution")
	assert.Nil(t, fake.markers[0])
	assert.Equal(t, "page-1", aws.ToString(fake.markers[1]))
	assert.Equal(t, []string{"/k"}, c.Pending()["E2"])
}

func TestFirstDistributionWinsForSharedBucket(t *testing.T) {
	ctx := context.Background()
	fake := newFake(
		summary("E1", "assets.s3.amazonaws.com"),
		summary("E2", "assets.s3.amazonaws.com"),
	)
	c := New(fake)

	require.NoError(t, c.RegisterPendingInvalidation(ctx, "assets", "k"))
	assert.Equal(t, map[string][]string{"E1": {"/k"}}, c.Pending())
}

func TestCustomOriginSuffix(t *testing.T) {
	ctx := context.Background()
	fake := newFake(summary("E1", "assets.s3.us-west-2.amazonaws.com"))
	c := New(fake, WithOriginSuffix(".s3.us-west-2.amazonaws.com"))

	require.NoError(t, c.RegisterPendingInvalidation(ctx, "assets", "k"))
	assert.Equal(t, []string{"/k"}, c.Pending()["E1"])
}

func TestConcurrentFirstCallersShareOneListing(t *testing.T) {
	ctx := context.Background()
	fake := newFake(summary("E1", "assets.s3.amazonaws.com"))
	fake.listGate = make(chan struct{})
	c := New(fake)

	const workers = 20
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- c.RegisterPendingInvalidation(ctx, "assets", fmt.Sprintf("file-%d.js", i))
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(fake.listGate)
	wg.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}
	listCalls, _ := fake.calls()
	assert.Equal(t, 1, listCalls)
	assert.Len(t, c.Pending()["E1"], workers)
}

func TestCloseFlushesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	fake := newFake(summary("E1", "assets.s3.amazonaws.com"))
	c := New(fake)

	require.NoError(t, c.RegisterPendingInvalidation(ctx, "assets", "k1"))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, invalidations := fake.calls()
	require.Len(t, invalidations, 1)
	assert.Equal(t, []string{"/k1"}, paths(invalidations[0]))

	err := c.RegisterPendingInvalidation(ctx, "assets", "k2")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestScopeFlushesOnErrorExit(t *testing.T) {
	fake := newFake(summary("E1", "assets.s3.amazonaws.com"))
	c := New(fake)
	failure := errors.New("build failed")

	err := Scope(c, func(c *Coordinator) error {
		require.NoError(t, c.RegisterPendingInvalidation(context.Background(), "assets", "k1"))
		return failure
	})
	assert.ErrorIs(t, err, failure)

	_, invalidations := fake.calls()
	require.Len(t, invalidations, 1)
	assert.Equal(t, []string{"/k1"}, paths(invalidations[0]))
}

func TestScopeReportsFlushFailureSeparately(t *testing.T) {
	fake := newFake(summary("E1", "assets.s3.amazonaws.com"))
	fake.invalidateErr = errors.New("throttled")
	c := New(fake)

	err := Scope(c, func(c *Coordinator) error {
		return c.RegisterPendingInvalidation(context.Background(), "assets", "k1")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTransientIO)
}

func TestScopeFlushesOnPanic(t *testing.T) {
	fake := newFake(summary("E1", "assets.s3.amazonaws.com"))
	c := New(fake)

	assert.Panics(t, func() {
		_ = Scope(c, func(c *Coordinator) error {
			require.NoError(t, c.RegisterPendingInvalidation(context.Background(), "assets", "k1"))
			panic("renderer exploded")
		})
	})

	_, invalidations := fake.calls()
	assert.Len(t, invalidations, 1)
}

func TestEagerFlush(t *testing.T) {
	ctx := context.Background()
	fake := newFake(summary("E1", "assets.s3.amazonaws.com"))
	c := New(fake, WithEagerFlush(true))

	require.NoError(t, c.RegisterPendingInvalidation(ctx, "assets", "k1"))
	require.NoError(t, c.RegisterPendingInvalidation(ctx, "assets", "k2"))

	listCalls, invalidations := fake.calls()
	assert.Equal(t, 1, listCalls)
	require.Len(t, invalidations, 2)
	assert.Equal(t, []string{"/k1"}, paths(invalidations[0]))
	assert.Equal(t, []string{"/k2"}, paths(invalidations[1]))
	assert.Empty(t, c.Pending())
}

func TestFlushSplitsOversizedBatches(t *testing.T) {
	ctx := context.Background()
	fake := newFake(summary("E1", "assets.s3.amazonaws.com"))
	c := New(fake)

	total := MaxPathsPerInvalidation + 5
	for i := range total {
		require.NoError(t, c.RegisterPendingInvalidation(ctx, "assets", fmt.Sprintf("f%d", i)))
	}
	require.NoError(t, c.Flush(ctx))

	_, invalidations := fake.calls()
	require.Len(t, invalidations, 2)
	assert.Len(t, paths(invalidations[0]), MaxPathsPerInvalidation)
	assert.Equal(t, []string{"/f3000", "/f3001", "/f3002", "/f3003", "/f3004"}, paths(invalidations[1]))
}

func TestCallerReferencesAreUnique(t *testing.T) {
	ctx := context.Background()
	fake := newFake(summary("E1", "assets.s3.amazonaws.com"))
	c := New(fake)

	require.NoError(t, c.RegisterPendingInvalidation(ctx, "assets", "a"))
	require.NoError(t, c.Flush(ctx))
	require.NoError(t, c.RegisterPendingInvalidation(ctx, "assets", "b"))
	require.NoError(t, c.Flush(ctx))

	_, invalidations := fake.calls()
	require.Len(t, invalidations, 2)
	assert.NotEqual(t,
		aws.ToString(invalidations[0].InvalidationBatch.CallerReference),
		aws.ToString(invalidations[1].InvalidationBatch.CallerReference))
}

func TestBatchStateCycle(t *testing.T) {
	ctx := context.Background()
	fake := newFake(summary("E1", "assets.s3.amazonaws.com"))
	refs := 0
	c := New(fake, WithCallerReference(func() string {
		refs++
		return fmt.Sprintf("ref-%d", refs)
	}))

	assert.Equal(t, Empty, c.State("E1"))
	require.NoError(t, c.RegisterPendingInvalidation(ctx, "assets", "a"))
	assert.Equal(t, Accumulating, c.State("E1"))
	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, Flushed, c.State("E1"))
	require.NoError(t, c.RegisterPendingInvalidation(ctx, "assets", "b"))
	assert.Equal(t, Accumulating, c.State("E1"))

	assert.Equal(t, "accumulating", Accumulating.String())

	require.NoError(t, c.Flush(ctx))
	_, invalidations := fake.calls()
	assert.Equal(t, "ref-2", aws.ToString(invalidations[1].InvalidationBatch.CallerReference))
}

func TestCanceledFirstCallerDoesNotFailSharedListing(t *testing.T) {
	fake := newFake(summary("E1", "assets.s3.amazonaws.com"))
	fake.listGate = make(chan struct{})
	fake.listEnter = make(chan struct{}, 1)
	c := New(fake)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- c.RegisterPendingInvalidation(ctx, "assets", "a.js") }()
	<-fake.listEnter

	second := make(chan error, 1)
	go func() { second <- c.RegisterPendingInvalidation(context.Background(), "assets", "b.js") }()

	cancel()
	close(fake.listGate)

	require.NoError(t, <-first)
	require.NoError(t, <-second)

	listCalls, _ := fake.calls()
	assert.Equal(t, 1, listCalls)
	assert.ElementsMatch(t, []string{"/a.js", "/b.js"}, c.Pending()["E1"])
}
