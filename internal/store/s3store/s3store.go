// Package s3store implements store.Client on Amazon S3 and S3-compatible
// services.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/mrled/hedgepush/internal/errs"
	"github.com/mrled/hedgepush/internal/store"
)

// HeadAPI abstracts the S3 HeadObject call.
type HeadAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Uploader abstracts manager.Uploader.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Store is an S3-backed store.Client.
type Store struct {
	head     HeadAPI
	uploader Uploader
}

var _ store.Client = (*Store)(nil)

// ClientOptions configures the S3 client for S3-compatible services.
type ClientOptions struct {
	Endpoint     string // custom endpoint, for MinIO and friends
	UsePathStyle bool
}

// NewClient builds an S3 client from an AWS config.
func NewClient(cfg aws.Config, opts ClientOptions) *s3.Client {
	var s3Options []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = opts.UsePathStyle
		})
	}
	return s3.NewFromConfig(cfg, s3Options...)
}

// New returns a Store using client for existence checks and uploads.
func New(client *s3.Client) *Store {
	return &Store{head: client, uploader: manager.NewUploader(client)}
}

// NewWithAPIs returns a Store over explicit API implementations.
func NewWithAPIs(head HeadAPI, uploader Uploader) *Store {
	return &Store{head: head, uploader: uploader}
}

// Head checks whether bucket/key exists. Not-found and forbidden responses
// are reported as store.ErrNotFound and store.ErrForbidden.
func (s *Store) Head(ctx context.Context, bucket, key string) error {
	_, err := s.head.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return nil
	}
	return classify(err)
}

// Put uploads the object with its ACL and headers.
func (s *Store) Put(ctx context.Context, req *store.PutRequest) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(req.Bucket),
		Key:    aws.String(req.Key),
		Body:   bytes.NewReader(req.Body),
	}
	if req.ACL != store.ACLNone {
		input.ACL = types.ObjectCannedACL(req.ACL)
	}
	if err := applyHeaders(input, req.Headers); err != nil {
		return err
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("uploading to S3: %w", err)
	}
	return nil
}

// CheckHeaders reports headers that cannot be stored on an S3 object.
func CheckHeaders(h http.Header) error {
	return applyHeaders(&s3.PutObjectInput{}, h)
}

const metaPrefix = "X-Amz-Meta-"

func applyHeaders(input *s3.PutObjectInput, h http.Header) error {
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		value := values[len(values)-1]

		switch canonical := http.CanonicalHeaderKey(name); canonical {
		case "Cache-Control":
			input.CacheControl = aws.String(value)
		case "Content-Type":
			input.ContentType = aws.String(value)
		case "Content-Encoding":
			input.ContentEncoding = aws.String(value)
		case "Content-Disposition":
			input.ContentDisposition = aws.String(value)
		case "Content-Language":
			input.ContentLanguage = aws.String(value)
		case "Expires":
			t, err := http.ParseTime(value)
			if err != nil {
				return errs.Invalid("header", "Expires %q is not an HTTP date", value)
			}
			input.Expires = &t
		case "X-Amz-Storage-Class":
			input.StorageClass = types.StorageClass(value)
		case "X-Amz-Website-Redirect-Location":
			input.WebsiteRedirectLocation = aws.String(value)
		case "X-Amz-Server-Side-Encryption":
			input.ServerSideEncryption = types.ServerSideEncryption(value)
		case "X-Amz-Server-Side-Encryption-Aws-Kms-Key-Id":
			input.SSEKMSKeyId = aws.String(value)
		default:
			if !strings.HasPrefix(canonical, metaPrefix) || len(canonical) == len(metaPrefix) {
				return errs.Invalid("header", "%s cannot be set on S3 objects", canonical)
			}
			if input.Metadata == nil {
				input.Metadata = make(map[string]string)
			}
			input.Metadata[strings.ToLower(canonical[len(metaPrefix):])] = value
		}
	}
	return nil
}

type statusCoder interface {
	HTTPStatusCode() int
}

// classify maps S3 errors onto store.ErrNotFound and store.ErrForbidden.
// HeadObject responses carry no body, so the status code is often all
// there is to go on.
func classify(err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %w", store.ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return fmt.Errorf("%w: %w", store.ErrNotFound, err)
		case "Forbidden", "AccessDenied":
			return fmt.Errorf("%w: %w", store.ErrForbidden, err)
		}
	}

	var status statusCoder
	if errors.As(err, &status) {
		switch status.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", store.ErrNotFound, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %w", store.ErrForbidden, err)
		}
	}

	return fmt.Errorf("checking object: %w", err)
}
