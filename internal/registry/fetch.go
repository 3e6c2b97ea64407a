// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sethvargo/go-retry"
)

// DefaultMaxArtifactSize bounds a single fetched file.
const DefaultMaxArtifactSize = 64 << 20

// ErrArtifactNotFound is returned when a fetcher reaches the source but the
// file does not exist.
var ErrArtifactNotFound = errors.New("artifact not found")

// Fetcher reads one file of a remote artifact.
type Fetcher interface {
	Fetch(ctx context.Context, u *url.URL) ([]byte, error)
}

// localFetcher is implemented by fetchers whose files already live on the
// local filesystem, so executables need not be copied.
type localFetcher interface {
	LocalPath(u *url.URL) string
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("artifact exceeds %d bytes", limit)
	}
	return data, nil
}

// HTTPFetcher fetches artifacts over http and https, retrying transient
// failures with exponential backoff.
type HTTPFetcher struct {
	client     *http.Client
	base       time.Duration
	maxRetries uint64
	maxSize    int64
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(f *HTTPFetcher) {
		f.client = c
	}
}

// WithRetries sets the number of retries and the initial backoff.
func WithRetries(n uint64, base time.Duration) HTTPOption {
	return func(f *HTTPFetcher) {
		f.maxRetries = n
		f.base = base
	}
}

// WithMaxSize bounds the size of a fetched file.
func WithMaxSize(n int64) HTTPOption {
	return func(f *HTTPFetcher) {
		f.maxSize = n
	}
}

// NewHTTPFetcher creates an HTTP fetcher.
func NewHTTPFetcher(opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:     &http.Client{Timeout: 30 * time.Second},
		base:       200 * time.Millisecond,
		maxRetries: 3,
		maxSize:    DefaultMaxArtifactSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch implements Fetcher. Network errors, 429 and 5xx responses are
// retried; other statuses fail immediately.
func (f *HTTPFetcher) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	backoff := retry.WithMaxRetries(f.maxRetries, retry.WithCappedDuration(10*time.Second, retry.NewExponential(f.base)))

	var data []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrArtifactNotFound, u)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("fetch %s: %s", u, resp.Status))
		default:
			return fmt.Errorf("fetch %s: %s", u, resp.Status)
		}

		body, err := readLimited(resp.Body, f.maxSize)
		if err != nil {
			return fmt.Errorf("read %s: %w", u, err)
		}
		data = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// FileFetcher reads artifacts from the local filesystem.
type FileFetcher struct{}

// Fetch implements Fetcher.
func (FileFetcher) Fetch(_ context.Context, u *url.URL) ([]byte, error) {
	path := FileFetcher{}.LocalPath(u)
	f, err := os.Open(path) //nolint:gosec // the path is an operator-configured locator
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return readLimited(f, DefaultMaxArtifactSize)
}

// LocalPath returns the filesystem path of a file:// URL.
func (FileFetcher) LocalPath(u *url.URL) string {
	return filepath.FromSlash(u.Path)
}

// S3API is the subset of the S3 client the fetcher uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher fetches artifacts from s3://bucket/key URLs.
type S3Fetcher struct {
	client  S3API
	maxSize int64
}

// NewS3Fetcher wraps an S3 client.
func NewS3Fetcher(client S3API) *S3Fetcher {
	return &S3Fetcher{client: client, maxSize: DefaultMaxArtifactSize}
}

// NewS3FetcherFromEnv builds an S3 client from the default AWS configuration
// chain (environment, shared config, instance role).
func NewS3FetcherFromEnv(ctx context.Context, region string) (*S3Fetcher, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3Fetcher(s3.NewFromConfig(cfg)), nil
}

// Fetch implements Fetcher.
func (f *S3Fetcher) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("s3 url %s needs a bucket and a key", u)
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, u)
		}
		return nil, fmt.Errorf("get %s: %w", u, err)
	}
	defer func() { _ = out.Body.Close() }()

	return readLimited(out.Body, f.maxSize)
}
