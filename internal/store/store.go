// Package store defines the object-store boundary used by the publisher and
// the existence check built on top of it.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mrled/hedgepush/internal/errs"
)

var (
	// ErrNotFound is returned by Client.Head when the key does not exist.
	ErrNotFound = fmt.Errorf("object %w", errs.ErrNotFound)

	// ErrForbidden is returned by Client.Head when the store refuses to say
	// whether the key exists. S3 does this for unlisted keys when the caller
	// lacks s3:ListBucket.
	ErrForbidden = errors.New("object access forbidden")
)

// CannedACL is a predefined access policy applied to an uploaded object.
// The empty value applies no ACL.
type CannedACL string

const (
	ACLNone                   CannedACL = ""
	ACLPrivate                CannedACL = "private"
	ACLPublicRead             CannedACL = "public-read"
	ACLPublicReadWrite        CannedACL = "public-read-write"
	ACLAuthenticatedRead      CannedACL = "authenticated-read"
	ACLAWSExecRead            CannedACL = "aws-exec-read"
	ACLBucketOwnerRead        CannedACL = "bucket-owner-read"
	ACLBucketOwnerFullControl CannedACL = "bucket-owner-full-control"
)

// ParseACL validates a canned ACL name.
func ParseACL(name string) (CannedACL, error) {
	switch acl := CannedACL(name); acl {
	case ACLNone, ACLPrivate, ACLPublicRead, ACLPublicReadWrite, ACLAuthenticatedRead,
		ACLAWSExecRead, ACLBucketOwnerRead, ACLBucketOwnerFullControl:
		return acl, nil
	default:
		return "", fmt.Errorf("unknown canned ACL: %q", name)
	}
}

// PutRequest is a single object write.
type PutRequest struct {
	Bucket  string
	Key     string
	Body    []byte
	ACL     CannedACL
	Headers http.Header
}

// Client is the object store as seen by the publisher.
type Client interface {
	// Head returns nil when bucket/key exists, ErrNotFound (possibly wrapped)
	// when it does not, ErrForbidden when the store refuses to answer, and
	// any other error for failed calls.
	Head(ctx context.Context, bucket, key string) error

	// Put writes the object. It returns once the store has acknowledged it.
	Put(ctx context.Context, req *PutRequest) error
}

// ForbiddenPolicy decides what a forbidden existence check means.
type ForbiddenPolicy int

const (
	// ForbiddenIsError propagates forbidden responses as failures.
	ForbiddenIsError ForbiddenPolicy = iota

	// ForbiddenIsAbsent treats forbidden responses as "key absent", for
	// stores that answer 403 instead of 404 on unlisted keys.
	ForbiddenIsAbsent
)

// Oracle answers whether a key already exists in the store.
type Oracle struct {
	client Client
	policy ForbiddenPolicy
}

// NewOracle returns an Oracle asking client, applying policy to forbidden
// responses.
func NewOracle(client Client, policy ForbiddenPolicy) *Oracle {
	return &Oracle{client: client, policy: policy}
}

// Exists reports whether bucket/key exists. A not-found response is false
// with a nil error; every other failure is an errs.ErrTransientIO error.
func (o *Oracle) Exists(ctx context.Context, bucket, key string) (bool, error) {
	err := o.client.Head(ctx, bucket, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	case errors.Is(err, ErrForbidden) && o.policy == ForbiddenIsAbsent:
		return false, nil
	default:
		return false, errs.IO("head", bucket, key, err)
	}
}
