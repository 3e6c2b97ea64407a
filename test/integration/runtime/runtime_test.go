// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package runtime_test

import (
	"sync"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/holomush/pluginrt/internal/router"
	"github.com/holomush/pluginrt/internal/runtime"
	"github.com/holomush/pluginrt/internal/statestore"
	"github.com/holomush/pluginrt/internal/stream"
	"github.com/holomush/pluginrt/pkg/plugin"
)

var greeterConfig = plugin.Config{Variables: map[string]any{"greeting": "Hey"}}

var caller = plugin.RequestContext{"principal": "sam"}

func drain(rt *runtime.Runtime, store statestore.Store, key string, names []string, maxItems int) []any {
	cp, err := statestore.Resume(env.ctx, store, key)
	Expect(err).NotTo(HaveOccurred())

	req := plugin.StreamRequest{
		Procedure: "greetings",
		Input:     map[string]any{"names": names},
		State:     cp.State,
		Context:   caller,
	}
	opts := stream.Options{MaxItems: maxItems, OnStateChange: statestore.Persist(store, key, cp.Emitted)}

	var got []any
	for item, err := range rt.StreamPlugin(env.ctx, "greeter", greeterConfig, "greetings", req, opts) {
		Expect(err).NotTo(HaveOccurred())
		got = append(got, item.Value)
	}
	return got
}

var _ = Describe("Lua plugin over HTTP", func() {
	var rt *runtime.Runtime

	BeforeEach(func() {
		rt = newRuntime()
	})

	It("calls a unary procedure with the request context", func() {
		p, err := rt.UsePlugin(env.ctx, "greeter", greeterConfig)
		Expect(err).NotTo(HaveOccurred())
		client, err := p.CreateClient(caller)
		Expect(err).NotTo(HaveOccurred())

		out, err := router.Invoke[string](env.ctx, client, "greet", map[string]any{"name": "Ada"})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("Hey, Ada (from sam)"))
		Expect(p.Metadata().Version).To(Equal("1.1.0"))
	})

	It("rejects configuration that fails the variables schema", func() {
		_, err := rt.UsePlugin(env.ctx, "greeter", plugin.Config{Variables: map[string]any{"greeting": ""}})
		Expect(err).To(HaveOccurred())
		Expect(plugin.Code(err)).To(Equal(plugin.CodeValidation))
		Expect(rt.Instances()).To(BeEmpty())
	})

	It("initializes one instance for concurrent users of one configuration", func() {
		var wg sync.WaitGroup
		handles := make([]*runtime.Plugin, 16)
		for i := range handles {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				p, err := rt.UsePlugin(env.ctx, "greeter", greeterConfig)
				Expect(err).NotTo(HaveOccurred())
				handles[i] = p
			}()
		}
		wg.Wait()

		Expect(rt.Instances()).To(HaveLen(1))
		for _, p := range handles {
			Expect(p.Instance().ID).To(Equal(handles[0].Instance().ID))
		}
		Expect(testutil.ToFloat64(rt.Metrics().LiveInstances)).To(Equal(1.0))
	})

	It("resumes a stream from its checkpoint", func() {
		store := statestore.NewMemoryStore()
		names := []string{"a", "b", "c", "d", "e"}

		Expect(drain(rt, store, "greetings", names, 3)).To(Equal([]any{
			"Hey, a (from sam)", "Hey, b (from sam)", "Hey, c (from sam)",
		}))
		cp, err := store.Load(env.ctx, "greetings")
		Expect(err).NotTo(HaveOccurred())
		Expect(cp.Emitted).To(Equal(3))
		Expect(cp.State).To(MatchJSON(`{"next":3}`))

		Expect(drain(rt, store, "greetings", names, 0)).To(Equal([]any{
			"Hey, d (from sam)", "Hey, e (from sam)",
		}))
		cp, err = store.Load(env.ctx, "greetings")
		Expect(err).NotTo(HaveOccurred())
		Expect(cp.Emitted).To(Equal(5))
	})

	It("tears instances down on shutdown and re-initializes afterwards", func() {
		first, err := rt.UsePlugin(env.ctx, "greeter", greeterConfig)
		Expect(err).NotTo(HaveOccurred())
		Expect(rt.ShutdownPlugin(env.ctx, "greeter")).To(Succeed())
		Expect(rt.Instances()).To(BeEmpty())

		second, err := rt.UsePlugin(env.ctx, "greeter", greeterConfig)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Instance().ID).NotTo(Equal(first.Instance().ID))
	})
})

var _ = Describe("Embedded plugin alongside remote ones", func() {
	It("keeps instances of different plugins apart", func() {
		rt := newRuntime()
		_, err := rt.UsePlugin(env.ctx, "counter", plugin.Config{})
		Expect(err).NotTo(HaveOccurred())
		_, err = rt.UsePlugin(env.ctx, "greeter", greeterConfig)
		Expect(err).NotTo(HaveOccurred())

		ids := []string{}
		for _, inst := range rt.Instances() {
			ids = append(ids, inst.PluginID)
		}
		Expect(ids).To(ConsistOf("counter", "greeter"))
		Expect(rt.Registry().IsResolved("greeter")).To(BeTrue())
	})
})
