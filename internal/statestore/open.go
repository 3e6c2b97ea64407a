// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package statestore

import (
	"context"
	"io"

	"github.com/samber/oops"
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Closer is a Store holding connections.
type Closer interface {
	Store
	io.Closer
}

type nopCloser struct{ *MemoryStore }

func (nopCloser) Close() error { return nil }

// Open creates the store for driver. An empty driver is memory.
func Open(ctx context.Context, driver, url string) (Closer, error) {
	switch driver {
	case "", DriverMemory:
		return nopCloser{NewMemoryStore()}, nil
	case DriverPostgres:
		s, err := OpenPostgres(ctx, url)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverRedis:
		s, err := OpenRedis(ctx, url)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, oops.Code("STATESTORE_UNKNOWN_DRIVER").With("driver", driver).
			Errorf("unknown state store driver %q", driver)
	}
}
