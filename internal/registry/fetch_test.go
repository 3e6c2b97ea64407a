// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package registry_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/pluginrt/internal/registry"
)

func semverString(major, minor, patch int) string {
	return fmt.Sprintf("%d.%d.%d", major, minor, patch)
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func fastHTTPFetcher(opts ...registry.HTTPOption) *registry.HTTPFetcher {
	return registry.NewHTTPFetcher(append([]registry.HTTPOption{registry.WithRetries(3, time.Millisecond)}, opts...)...)
}

func TestHTTPFetcher_RetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("name: greeter"))
	}))
	defer srv.Close()

	data, err := fastHTTPFetcher().Fetch(context.Background(), mustParse(t, srv.URL+"/plugin.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "name: greeter", string(data))
	assert.Equal(t, int32(3), hits.Load())
}

func TestHTTPFetcher_GivesUpAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := fastHTTPFetcher().Fetch(context.Background(), mustParse(t, srv.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Equal(t, int32(4), hits.Load(), "first attempt plus three retries")
}

func TestHTTPFetcher_NotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := fastHTTPFetcher().Fetch(context.Background(), mustParse(t, srv.URL))
	require.ErrorIs(t, err, registry.ErrArtifactNotFound)
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPFetcher_ClientErrorsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := fastHTTPFetcher().Fetch(context.Background(), mustParse(t, srv.URL))
	require.Error(t, err)
	assert.NotErrorIs(t, err, registry.ErrArtifactNotFound)
	assert.Contains(t, err.Error(), "403")
}

func TestHTTPFetcher_MaxSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 32)))
	}))
	defer srv.Close()

	_, err := fastHTTPFetcher(registry.WithMaxSize(16)).Fetch(context.Background(), mustParse(t, srv.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 16 bytes")

	data, err := fastHTTPFetcher(registry.WithMaxSize(32)).Fetch(context.Background(), mustParse(t, srv.URL))
	require.NoError(t, err)
	assert.Len(t, data, 32)
}

func TestHTTPFetcher_HonoursCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := registry.NewHTTPFetcher(registry.WithRetries(10, time.Hour)).Fetch(ctx, mustParse(t, srv.URL))
	require.Error(t, err)
}

func TestFileFetcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: greeter"), 0o600))

	u := &url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	data, err := registry.FileFetcher{}.Fetch(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, "name: greeter", string(data))
	assert.Equal(t, path, registry.FileFetcher{}.LocalPath(u))

	_, err = registry.FileFetcher{}.Fetch(context.Background(), &url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(dir, "absent"))})
	require.ErrorIs(t, err, registry.ErrArtifactNotFound)
}

type fakeS3 struct {
	objects map[string]string
	calls   []string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.calls = append(f.calls, key)
	body, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestS3Fetcher(t *testing.T) {
	client := &fakeS3{objects: map[string]string{"artifacts/greeter/plugin.yaml": "name: greeter"}}
	f := registry.NewS3Fetcher(client)

	data, err := f.Fetch(context.Background(), mustParse(t, "s3://artifacts/greeter/plugin.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "name: greeter", string(data))

	_, err = f.Fetch(context.Background(), mustParse(t, "s3://artifacts/greeter/main.lua"))
	require.ErrorIs(t, err, registry.ErrArtifactNotFound)

	_, err = f.Fetch(context.Background(), mustParse(t, "s3://artifacts"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a bucket and a key")

	assert.Equal(t, []string{"artifacts/greeter/plugin.yaml", "artifacts/greeter/main.lua"}, client.calls)
}

type failingS3 struct{ err error }

func (f failingS3) GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return nil, f.err
}

func TestS3Fetcher_WrapsClientErrors(t *testing.T) {
	denied := errors.New("access denied")
	_, err := registry.NewS3Fetcher(failingS3{err: denied}).Fetch(context.Background(), mustParse(t, "s3://artifacts/x"))
	require.ErrorIs(t, err, denied)
	assert.NotErrorIs(t, err, registry.ErrArtifactNotFound)
}
