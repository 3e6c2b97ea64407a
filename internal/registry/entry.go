// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package registry turns plugin identifiers into loadable descriptors,
// either embedded in the process or fetched from a remote artifact.
package registry

import (
	"fmt"
	"net/url"

	"github.com/Masterminds/semver/v3"

	"github.com/holomush/pluginrt/pkg/plugin"
)

// Kind distinguishes embedded entries from remote ones.
type Kind string

// Entry kinds.
const (
	KindEmbedded Kind = "embedded"
	KindRemote   Kind = "remote"
)

// Locator points at a remote plugin artifact.
type Locator struct {
	// URL of the artifact's plugin.yaml (http, https, file or s3).
	URL string
	// Version is a semver constraint the manifest version must satisfy.
	// Empty accepts any version.
	Version     string
	Description string
}

// Entry is one plugin known to a registry. Exactly one of Descriptor and
// Remote is set.
type Entry struct {
	ID         string
	Descriptor *plugin.Descriptor
	Remote     *Locator
}

// Embedded returns an entry for an in-process descriptor.
func Embedded(d *plugin.Descriptor) Entry {
	return Entry{ID: d.ID, Descriptor: d}
}

// Remote returns an entry for a remote artifact.
func Remote(id string, loc Locator) Entry {
	return Entry{ID: id, Remote: &loc}
}

// Kind reports whether the entry is embedded or remote.
func (e Entry) Kind() Kind {
	if e.Descriptor != nil {
		return KindEmbedded
	}
	return KindRemote
}

// Description returns the entry's human-readable description.
func (e Entry) Description() string {
	if e.Descriptor != nil {
		return e.Descriptor.Description
	}
	if e.Remote != nil {
		return e.Remote.Description
	}
	return ""
}

// Validate checks the entry is well formed. It does not fetch anything.
func (e Entry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("entry id is required")
	}
	switch {
	case e.Descriptor != nil && e.Remote != nil:
		return fmt.Errorf("entry %s: descriptor and remote locator are mutually exclusive", e.ID)
	case e.Descriptor != nil:
		if e.Descriptor.ID != e.ID {
			return fmt.Errorf("entry %s: descriptor id is %q", e.ID, e.Descriptor.ID)
		}
		return nil
	case e.Remote != nil:
		u, err := url.Parse(e.Remote.URL)
		if err != nil {
			return fmt.Errorf("entry %s: invalid url: %w", e.ID, err)
		}
		if u.Scheme == "" {
			return fmt.Errorf("entry %s: url %q has no scheme", e.ID, e.Remote.URL)
		}
		if e.Remote.Version != "" {
			if _, err := semver.NewConstraint(e.Remote.Version); err != nil {
				return fmt.Errorf("entry %s: invalid version constraint %q: %w", e.ID, e.Remote.Version, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("entry %s: needs a descriptor or a remote locator", e.ID)
	}
}
