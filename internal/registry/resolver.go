// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"

	plugins "github.com/holomush/pluginrt/internal/plugin"
	"github.com/holomush/pluginrt/pkg/plugin"
)

// Resolver dereferences a registry entry into a descriptor.
type Resolver interface {
	Resolve(ctx context.Context, e Entry) (*plugin.Descriptor, error)
}

// EmbeddedResolver returns in-process descriptors as they are.
type EmbeddedResolver struct{}

// Resolve implements Resolver.
func (EmbeddedResolver) Resolve(_ context.Context, e Entry) (*plugin.Descriptor, error) {
	if e.Descriptor == nil {
		return nil, fmt.Errorf("entry %s is not embedded", e.ID)
	}
	if err := e.Descriptor.Validate(); err != nil {
		return nil, fmt.Errorf("invalid descriptor: %w", err)
	}
	return e.Descriptor, nil
}

// ErrVersionMismatch is returned when a manifest version does not satisfy
// the locator's constraint.
var ErrVersionMismatch = errors.New("version constraint not satisfied")

// RemoteResolver fetches an artifact's manifest and entry, checks them and
// instantiates the entry with the instantiator for the manifest type.
type RemoteResolver struct {
	fetchers      map[string]Fetcher
	instantiators map[plugins.Type]plugins.Instantiator
	shared        *SharedScope
	logger        *slog.Logger
}

// RemoteOption configures a RemoteResolver.
type RemoteOption func(*RemoteResolver)

// WithFetcher registers f for a URL scheme, replacing any default.
func WithFetcher(scheme string, f Fetcher) RemoteOption {
	return func(r *RemoteResolver) {
		r.fetchers[scheme] = f
	}
}

// WithInstantiator registers an instantiator for its plugin type.
func WithInstantiator(i plugins.Instantiator) RemoteOption {
	return func(r *RemoteResolver) {
		r.instantiators[i.Type()] = i
	}
}

// WithSharedScope sets the scope that tracks singleton dependencies.
func WithSharedScope(s *SharedScope) RemoteOption {
	return func(r *RemoteResolver) {
		r.shared = s
	}
}

// WithRemoteLogger sets the logger.
func WithRemoteLogger(logger *slog.Logger) RemoteOption {
	return func(r *RemoteResolver) {
		r.logger = logger
	}
}

// NewRemoteResolver creates a remote resolver. http, https and file URLs
// are supported by default; s3 needs WithFetcher("s3", ...).
func NewRemoteResolver(opts ...RemoteOption) *RemoteResolver {
	httpFetcher := NewHTTPFetcher()
	r := &RemoteResolver{
		fetchers: map[string]Fetcher{
			"http":  httpFetcher,
			"https": httpFetcher,
			"file":  FileFetcher{},
		},
		instantiators: make(map[plugins.Type]plugins.Instantiator),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.shared == nil {
		r.shared, _ = NewSharedScope()
	}
	return r
}

// Shared returns the resolver's shared dependency scope.
func (r *RemoteResolver) Shared() *SharedScope {
	return r.shared
}

// Resolve implements Resolver.
func (r *RemoteResolver) Resolve(ctx context.Context, e Entry) (*plugin.Descriptor, error) {
	if e.Remote == nil {
		return nil, fmt.Errorf("entry %s is not remote", e.ID)
	}
	errb := oops.In("registry").With("plugin", e.ID).With("url", e.Remote.URL)

	manifestURL, err := url.Parse(e.Remote.URL)
	if err != nil {
		return nil, errb.Wrapf(err, "invalid url")
	}
	data, err := r.fetch(ctx, manifestURL)
	if err != nil {
		return nil, errb.Hint("artifact unreachable").Wrapf(err, "fetch manifest")
	}

	if err := plugins.ValidateSchema(data); err != nil {
		return nil, errb.Errorf("invalid manifest: %s", plugins.FormatSchemaError(err))
	}
	manifest, err := plugins.ParseManifest(data)
	if err != nil {
		return nil, errb.Wrapf(err, "invalid manifest")
	}
	if manifest.Name != e.ID {
		return nil, errb.Errorf("manifest names plugin %q", manifest.Name)
	}
	if err := checkVersion(manifest.Version, e.Remote.Version); err != nil {
		return nil, errb.With("version", manifest.Version).Wrap(err)
	}

	instantiator, ok := r.instantiators[manifest.Type]
	if !ok {
		return nil, errb.Errorf("no instantiator for %s plugins", manifest.Type)
	}

	shared, err := r.shared.Acquire(manifest.Name, manifest.Shared)
	if err != nil {
		return nil, errb.Wrap(err)
	}
	d, err := r.instantiate(ctx, e, manifestURL, manifest, instantiator, shared)
	if err != nil {
		r.shared.Release(manifest.Name)
		return nil, errb.Wrap(err)
	}

	r.logger.Info("resolved remote plugin",
		"plugin", d.ID,
		"version", d.Version,
		"type", manifest.Type,
		"url", e.Remote.URL)
	return d, nil
}

func (r *RemoteResolver) instantiate(ctx context.Context, e Entry, manifestURL *url.URL, manifest *plugins.Manifest, instantiator plugins.Instantiator, shared map[string]*SharedContext) (*plugin.Descriptor, error) {
	artifact := plugins.Artifact{}
	if len(shared) > 0 {
		artifact.Shared = make(map[string]any, len(shared))
		for name, sc := range shared {
			v, err := sc.Value(ctx)
			if err != nil {
				return nil, fmt.Errorf("shared dependency %s: %w", name, err)
			}
			artifact.Shared[name] = v
		}
	}

	entryURL := manifestURL.ResolveReference(&url.URL{Path: path.Clean(manifest.Entry())})
	artifact.Location = entryURL.String()
	if local, ok := r.fetchers[entryURL.Scheme].(localFetcher); ok {
		artifact.Path = local.LocalPath(entryURL)
	} else {
		data, err := r.fetch(ctx, entryURL)
		if err != nil {
			return nil, fmt.Errorf("fetch entry: %w", err)
		}
		artifact.Data = data
	}

	d, err := instantiator.Instantiate(ctx, manifest, artifact)
	if err != nil {
		return nil, err
	}
	if d.Description == "" {
		d.Description = e.Remote.Description
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("artifact lacks a valid descriptor: %w", err)
	}
	return d, nil
}

func (r *RemoteResolver) fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	f, ok := r.fetchers[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	return f.Fetch(ctx, u)
}

func checkVersion(version, constraint string) error {
	if constraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrVersionMismatch, version, constraint)
	}
	return nil
}
