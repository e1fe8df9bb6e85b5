/*
Copyright 2026 openUKR Contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package registry_test

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/openukr/certpublisher/pkg/audit"
	"github.com/openukr/certpublisher/pkg/authz"
	"github.com/openukr/certpublisher/pkg/publish"
	"github.com/openukr/certpublisher/pkg/registry"
)

type countingPlugin struct {
	closed *atomic.Int32
}

func (p *countingPlugin) StoreCertificate(context.Context, *publish.Certificate) error { return nil }
func (p *countingPlugin) StoreCRL(context.Context, *publish.CRL) error                 { return nil }
func (p *countingPlugin) TestConnection(context.Context) error                         { return nil }

func (p *countingPlugin) Close() error {
	p.closed.Add(1)
	return nil
}

func stubConfig(description string) publish.Config {
	return publish.Config{
		publish.KeyType:        string(publish.TypeCustom),
		publish.KeyClassName:   "counting",
		publish.KeyDescription: description,
	}
}

// sequence returns the given ids in order, then repeats the last one.
func sequence(ids ...int32) func() int32 {
	var i int
	var mu sync.Mutex
	return func() int32 {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i]
		if i < len(ids)-1 {
			i++
		}
		return id
	}
}

var _ = Describe("Registry", func() {
	var (
		ctx      context.Context
		store    *registry.MemoryStore
		recorder *audit.Recorder
		builds   *atomic.Int32
		closed   *atomic.Int32
		factory  *publish.Factory
		reg      *registry.Registry
		admin    = authz.Subject{Name: "alice", Groups: []string{"pki-admins"}}
		outsider = authz.Subject{Name: "mallory"}
	)

	newRegistry := func(opts ...registry.Option) *registry.Registry {
		return registry.New(store, factory, recorder, authz.NewStaticAuthorizer("pki-admins"), logr.Discard(), opts...)
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = registry.NewMemoryStore()
		recorder = &audit.Recorder{}
		builds = &atomic.Int32{}
		closed = &atomic.Int32{}
		factory = publish.NewFactory(publish.WithCustomPublisher("counting", func(map[string]string) (publish.CustomPublisher, error) {
			builds.Add(1)
			return &countingPlugin{closed: closed}, nil
		}))
		reg = newRegistry()
	})

	Describe("Add", func() {
		It("allocates an id above 1 and audits the creation", func() {
			e, err := reg.Add(ctx, admin, "ldap-primary", stubConfig("primary"))
			Expect(err).NotTo(HaveOccurred())
			Expect(e.ID).To(BeNumerically(">", 1))

			got, err := reg.Get(ctx, "ldap-primary")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal(e.ID))
			Expect(got.Config[publish.KeyDescription]).To(Equal("primary"))

			events := recorder.Of(audit.EventPublisherCreation)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Status).To(Equal(audit.StatusSuccess))
			Expect(events[0].Actor).To(ContainSubstring("alice"))
		})

		It("rejects a taken name", func() {
			_, err := reg.Add(ctx, admin, "va", stubConfig("a"))
			Expect(err).NotTo(HaveOccurred())

			_, err = reg.Add(ctx, admin, "va", stubConfig("b"))
			Expect(err).To(MatchError(registry.ErrAlreadyExists))
			Expect(err).To(MatchError(registry.ErrNameExists))
			Expect(recorder.Of(audit.EventPublisherCreation)[1].Status).To(Equal(audit.StatusFailure))
		})

		It("rejects an explicit id collision without touching the existing entry", func() {
			_, err := reg.AddWithID(ctx, admin, 42, "first", stubConfig("first"))
			Expect(err).NotTo(HaveOccurred())

			_, err = reg.AddWithID(ctx, admin, 42, "second", stubConfig("second"))
			Expect(err).To(MatchError(registry.ErrAlreadyExists))

			existing, err := reg.GetByID(ctx, 42)
			Expect(err).NotTo(HaveOccurred())
			Expect(existing.Name).To(Equal("first"))
			Expect(existing.Config[publish.KeyDescription]).To(Equal("first"))

			second, err := reg.Get(ctx, "second")
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(BeNil())
		})

		It("retries on id collisions", func() {
			_, err := reg.AddWithID(ctx, admin, 5, "taken", stubConfig(""))
			Expect(err).NotTo(HaveOccurred())

			reg = newRegistry(registry.WithIDSource(sequence(5, 5, 7)))
			e, err := reg.Add(ctx, admin, "next", stubConfig(""))
			Expect(err).NotTo(HaveOccurred())
			Expect(e.ID).To(Equal(int32(7)))
		})

		It("gives up after the configured number of attempts", func() {
			_, err := reg.AddWithID(ctx, admin, 5, "taken", stubConfig(""))
			Expect(err).NotTo(HaveOccurred())

			reg = newRegistry(registry.WithIDSource(sequence(5)), registry.WithMaxIDAttempts(3))
			_, err = reg.Add(ctx, admin, "next", stubConfig(""))
			Expect(err).To(MatchError(registry.ErrIDSpaceExhausted))
		})

		It("rejects invalid names", func() {
			_, err := reg.Add(ctx, admin, "", stubConfig(""))
			Expect(err).To(MatchError(registry.ErrInvalidName))
		})

		DescribeTable("rejects reserved explicit ids without touching the store",
			func(id int32) {
				_, err := reg.AddWithID(ctx, admin, id, "reserved", stubConfig(""))
				Expect(err).To(MatchError(registry.ErrInvalidID))

				got, err := reg.Get(ctx, "reserved")
				Expect(err).NotTo(HaveOccurred())
				Expect(got).To(BeNil())

				events := recorder.Of(audit.EventPublisherCreation)
				Expect(events).To(HaveLen(1))
				Expect(events[0].Status).To(Equal(audit.StatusFailure))
			},
			Entry("zero", int32(0)),
			Entry("one", int32(1)),
			Entry("negative", int32(-5)),
		)
	})

	Describe("Rename", func() {
		BeforeEach(func() {
			_, err := reg.AddWithID(ctx, admin, 10, "a", stubConfig("a"))
			Expect(err).NotTo(HaveOccurred())
			_, err = reg.AddWithID(ctx, admin, 11, "b", stubConfig("b"))
			Expect(err).NotTo(HaveOccurred())
		})

		It("fails when the new name is taken and leaves the source alone", func() {
			err := reg.Rename(ctx, admin, "a", "b")
			Expect(err).To(MatchError(registry.ErrAlreadyExists))

			a, err := reg.Get(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(a.ID).To(Equal(int32(10)))
		})

		It("ignores an absent source", func() {
			Expect(reg.Rename(ctx, admin, "ghost", "c")).To(Succeed())
			c, err := reg.Get(ctx, "c")
			Expect(err).NotTo(HaveOccurred())
			Expect(c).To(BeNil())
		})

		It("keeps the id", func() {
			Expect(reg.Rename(ctx, admin, "a", "c")).To(Succeed())
			name, err := reg.Name(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(Equal("c"))
			a, err := reg.Get(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(a).To(BeNil())
			Expect(recorder.Of(audit.EventPublisherRename)).NotTo(BeEmpty())
		})
	})

	Describe("Change and the variant cache", func() {
		It("reuses the variant until the config changes", func() {
			_, err := reg.AddWithID(ctx, admin, 20, "c", stubConfig("v1"))
			Expect(err).NotTo(HaveOccurred())

			p1, err := reg.Publisher(ctx, "c")
			Expect(err).NotTo(HaveOccurred())
			p2, err := reg.Publisher(ctx, "c")
			Expect(err).NotTo(HaveOccurred())
			Expect(p2).To(BeIdenticalTo(p1))
			Expect(builds.Load()).To(Equal(int32(1)))

			before, err := reg.UpdateCount(ctx, 20)
			Expect(err).NotTo(HaveOccurred())
			Expect(reg.Change(ctx, admin, "c", stubConfig("v2"))).To(Succeed())
			after, err := reg.UpdateCount(ctx, 20)
			Expect(err).NotTo(HaveOccurred())
			Expect(after).NotTo(Equal(before))
			Expect(closed.Load()).To(Equal(int32(1)))

			_, p3, err := reg.ResolveID(ctx, 20)
			Expect(err).NotTo(HaveOccurred())
			Expect(p3).NotTo(BeIdenticalTo(p1))
			Expect(p3.Config()[publish.KeyDescription]).To(Equal("v2"))
			Expect(builds.Load()).To(Equal(int32(2)))

			events := recorder.Of(audit.EventPublisherChange)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Details["changed"]).To(Equal(publish.KeyDescription))
		})

		It("ignores an absent name", func() {
			Expect(reg.Change(ctx, admin, "ghost", stubConfig(""))).To(Succeed())
			Expect(recorder.Of(audit.EventPublisherChange)).To(BeEmpty())
		})

		It("builds a variant once under concurrent resolution", func() {
			e, err := reg.AddWithID(ctx, admin, 21, "hot", stubConfig(""))
			Expect(err).NotTo(HaveOccurred())

			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := reg.Resolve(ctx, e)
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()
			Expect(builds.Load()).To(Equal(int32(1)))
		})

		It("fails loudly on an unknown type", func() {
			_, err := reg.AddWithID(ctx, admin, 22, "broken", publish.Config{publish.KeyType: "x500"})
			Expect(err).NotTo(HaveOccurred())

			_, _, err = reg.ResolveID(ctx, 22)
			Expect(err).To(MatchError(publish.ErrUnknownPublisherType))
		})

		It("rebuilds the variant when another registry re-adds the id with a new config", func() {
			operator := newRegistry()
			ca := newRegistry()

			_, err := operator.AddWithID(ctx, admin, 7, "directory", stubConfig("old"))
			Expect(err).NotTo(HaveOccurred())
			_, before, err := ca.ResolveID(ctx, 7)
			Expect(err).NotTo(HaveOccurred())
			Expect(before.Config()[publish.KeyDescription]).To(Equal("old"))

			Expect(operator.Remove(ctx, admin, "directory")).To(Succeed())
			_, err = operator.AddWithID(ctx, admin, 7, "directory", stubConfig("new"))
			Expect(err).NotTo(HaveOccurred())

			entry, after, err := ca.ResolveID(ctx, 7)
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.UpdateCounter).To(BeZero())
			Expect(after).NotTo(BeIdenticalTo(before))
			Expect(after.Config()[publish.KeyDescription]).To(Equal("new"))
		})

		It("never reuses a generation for a re-added id", func() {
			first, err := reg.AddWithID(ctx, admin, 8, "va", stubConfig(""))
			Expect(err).NotTo(HaveOccurred())
			Expect(reg.Remove(ctx, admin, "va")).To(Succeed())
			second, err := reg.AddWithID(ctx, admin, 8, "va", stubConfig(""))
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Generation).To(BeNumerically(">", first.Generation))
		})

		It("reports an absent id as not found", func() {
			_, _, err := reg.ResolveID(ctx, 404)
			Expect(err).To(MatchError(registry.ErrNotFound))
		})
	})

	Describe("Remove", func() {
		It("is a no-op for an absent name", func() {
			_, err := reg.AddWithID(ctx, admin, 30, "kept", stubConfig(""))
			Expect(err).NotTo(HaveOccurred())

			Expect(reg.Remove(ctx, admin, "ghost")).To(Succeed())
			names, err := reg.IDToNameMap(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(Equal(map[int32]string{30: "kept"}))
			Expect(recorder.Of(audit.EventPublisherRemoval)).To(BeEmpty())
		})

		It("removes the entry and releases its variant", func() {
			_, err := reg.AddWithID(ctx, admin, 31, "gone", stubConfig(""))
			Expect(err).NotTo(HaveOccurred())
			_, err = reg.Publisher(ctx, "gone")
			Expect(err).NotTo(HaveOccurred())

			Expect(reg.Remove(ctx, admin, "gone")).To(Succeed())
			e, err := reg.Get(ctx, "gone")
			Expect(err).NotTo(HaveOccurred())
			Expect(e).To(BeNil())
			Expect(closed.Load()).To(Equal(int32(1)))

			id, err := reg.ID(ctx, "gone")
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(BeZero())
		})
	})

	Describe("Clone", func() {
		It("round-trips the observable config under a new id and name", func() {
			src, err := reg.Add(ctx, admin, "origin", stubConfig("shared"))
			Expect(err).NotTo(HaveOccurred())

			Expect(reg.Clone(ctx, admin, "origin", "copy")).To(Succeed())

			dst, err := reg.Get(ctx, "copy")
			Expect(err).NotTo(HaveOccurred())
			Expect(dst).NotTo(BeNil())
			Expect(dst.ID).NotTo(Equal(src.ID))

			a, err := reg.Publisher(ctx, "origin")
			Expect(err).NotTo(HaveOccurred())
			b, err := reg.Publisher(ctx, "copy")
			Expect(err).NotTo(HaveOccurred())
			Expect(b.Config()).To(Equal(a.Config()))

			events := recorder.Of(audit.EventPublisherClone)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Details["sourceName"]).To(Equal("origin"))
		})

		It("propagates a name collision", func() {
			_, err := reg.Add(ctx, admin, "origin", stubConfig(""))
			Expect(err).NotTo(HaveOccurred())
			_, err = reg.Add(ctx, admin, "copy", stubConfig(""))
			Expect(err).NotTo(HaveOccurred())

			Expect(reg.Clone(ctx, admin, "origin", "copy")).To(MatchError(registry.ErrAlreadyExists))
		})

		It("fails for an absent source", func() {
			Expect(reg.Clone(ctx, admin, "ghost", "copy")).To(MatchError(registry.ErrNotFound))
		})
	})

	Describe("queries", func() {
		BeforeEach(func() {
			for id, name := range map[int32]string{3: "c", 2: "b", 4: "d"} {
				_, err := reg.AddWithID(ctx, admin, id, name, stubConfig(""))
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("restricts ListIDs to super administrators", func() {
			_, err := reg.ListIDs(ctx, outsider)
			Expect(err).To(MatchError(registry.ErrAuthorizationDenied))

			ids, err := reg.ListIDs(ctx, admin)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(Equal([]int32{2, 3, 4}))
		})

		It("exposes open lookups", func() {
			names, err := reg.IDToNameMap(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(HaveLen(3))

			id, err := reg.ID(ctx, "d")
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(int32(4)))

			name, err := reg.Name(ctx, 99)
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(BeEmpty())

			count, err := reg.UpdateCount(ctx, 99)
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(BeZero())
		})
	})
})
