//go:build integration

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package statestore_test

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/pluginrt/internal/statestore"
	"github.com/holomush/pluginrt/internal/stream"
)

var _ = Describe("PostgresStore", Ordered, func() {
	var (
		ctx       context.Context
		container *postgres.PostgresContainer
		connStr   string
		store     *statestore.PostgresStore
	)

	BeforeAll(func() {
		ctx = context.Background()
		var err error
		container, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2)),
		)
		Expect(err).NotTo(HaveOccurred())

		connStr, err = container.ConnectionString(ctx, "sslmode=disable")
		Expect(err).NotTo(HaveOccurred())

		migrator, err := statestore.NewMigrator(connStr)
		Expect(err).NotTo(HaveOccurred())
		Expect(migrator.Up()).To(Succeed())
		version, dirty, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(uint(1)))
		Expect(dirty).To(BeFalse())
		Expect(migrator.Close()).To(Succeed())

		store, err = statestore.OpenPostgres(ctx, connStr)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if store != nil {
			_ = store.Close()
		}
		if container != nil {
			_ = container.Terminate(ctx)
		}
	})

	It("reports a missing checkpoint", func() {
		_, err := store.Load(ctx, "missing")
		Expect(err).To(MatchError(statestore.ErrNotFound))
	})

	It("upserts checkpoints", func() {
		at := time.Now().UTC().Truncate(time.Millisecond)
		Expect(store.Save(ctx, statestore.Checkpoint{
			Key: "feed", PluginID: "counter", Procedure: "count",
			State: json.RawMessage(`{"next":2}`), Emitted: 2, UpdatedAt: at,
		})).To(Succeed())
		Expect(store.Save(ctx, statestore.Checkpoint{
			Key: "feed", PluginID: "counter", Procedure: "count", Phase: "live",
			State: json.RawMessage(`{"next":4}`), Emitted: 4, UpdatedAt: at,
		})).To(Succeed())

		cp, err := store.Load(ctx, "feed")
		Expect(err).NotTo(HaveOccurred())
		Expect(cp.Phase).To(Equal("live"))
		Expect(cp.State).To(MatchJSON(`{"next":4}`))
		Expect(cp.Emitted).To(Equal(4))
		Expect(cp.UpdatedAt.Equal(at)).To(BeTrue())
	})

	It("resumes a stream across runs", func() {
		engine := stream.NewEngine()
		collect := func(maxItems int) []any {
			cp, err := statestore.Resume(ctx, store, "resumable")
			Expect(err).NotTo(HaveOccurred())
			var got []any
			opts := stream.Options{MaxItems: maxItems, OnStateChange: statestore.Persist(store, "resumable", cp.Emitted)}
			for item, err := range engine.Stream(ctx, countSource{total: 5}, cp.State, opts) {
				Expect(err).NotTo(HaveOccurred())
				got = append(got, item.Value)
			}
			return got
		}

		Expect(collect(2)).To(Equal([]any{0, 1}))
		Expect(collect(0)).To(Equal([]any{2, 3, 4}))
	})

	It("deletes checkpoints", func() {
		Expect(store.Save(ctx, statestore.Checkpoint{Key: "gone", UpdatedAt: time.Now()})).To(Succeed())
		Expect(store.Delete(ctx, "gone")).To(Succeed())
		_, err := store.Load(ctx, "gone")
		Expect(err).To(MatchError(statestore.ErrNotFound))
	})

	It("rolls back the schema", func() {
		migrator, err := statestore.NewMigrator(connStr)
		Expect(err).NotTo(HaveOccurred())
		defer migrator.Close()

		Expect(migrator.Down()).To(Succeed())
		_, err = store.Load(ctx, "feed")
		Expect(err).To(HaveOccurred())
		Expect(err).NotTo(MatchError(statestore.ErrNotFound))
		Expect(migrator.Up()).To(Succeed())
	})
})
