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

package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/openukr/certpublisher/pkg/audit"
	"github.com/openukr/certpublisher/pkg/authz"
	"github.com/openukr/certpublisher/pkg/crypto"
	"github.com/openukr/certpublisher/pkg/dispatch"
	"github.com/openukr/certpublisher/pkg/publish"
	"github.com/openukr/certpublisher/pkg/queue"
	"github.com/openukr/certpublisher/pkg/registry"
)

// scripted is a plugin whose behaviour each test sets up.
type scripted struct {
	mu      sync.Mutex
	err     error
	probe   error
	panics  bool
	block   bool
	certs   []publish.Certificate
	crls    []publish.CRL
	probes  int
	attempt int
}

func (s *scripted) act() error {
	s.mu.Lock()
	s.attempt++
	err, panics, block := s.err, s.panics, s.block
	s.mu.Unlock()

	if panics {
		panic("directory exploded")
	}
	if block {
		select {}
	}
	return err
}

func (s *scripted) StoreCertificate(_ context.Context, cert *publish.Certificate) error {
	if err := s.act(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs = append(s.certs, *cert)
	return nil
}

func (s *scripted) StoreCRL(_ context.Context, crl *publish.CRL) error {
	if err := s.act(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crls = append(s.crls, *crl)
	return nil
}

func (s *scripted) TestConnection(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	return s.probe
}

func (s *scripted) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func (s *scripted) delivered() []publish.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publish.Certificate(nil), s.certs...)
}

// failingQueue rejects every write.
type failingQueue struct {
	queue.Store
}

func (failingQueue) Enqueue(context.Context, *queue.Entry) error {
	return errors.New("database is read-only")
}

// fixture wires a real registry to scripted plugins addressed by target name.
type fixture struct {
	ctx      context.Context
	admin    authz.Subject
	targets  map[string]*scripted
	reg      *registry.Registry
	queue    *queue.MemoryStore
	recorder *audit.Recorder
}

func newFixture() *fixture {
	f := &fixture{
		ctx:      context.Background(),
		admin:    authz.Subject{Name: "ca-worker"},
		targets:  map[string]*scripted{},
		queue:    queue.NewMemoryStore(),
		recorder: &audit.Recorder{},
	}
	factory := publish.NewFactory(publish.WithCustomPublisher("scripted", func(props map[string]string) (publish.CustomPublisher, error) {
		t, ok := f.targets[props["target"]]
		if !ok {
			return nil, fmt.Errorf("no script for %q", props["target"])
		}
		return t, nil
	}))
	f.reg = registry.New(registry.NewMemoryStore(), factory, &audit.Recorder{}, authz.NewStaticAuthorizer(), logr.Discard())
	return f
}

type flags struct {
	onlyQueue, keep, certs, crls bool
}

// add registers a scripted target and returns its id.
func (f *fixture) add(id int32, name string, fl flags) *scripted {
	s := &scripted{}
	f.targets[name] = s
	cfg := publish.Config{
		publish.KeyType:                    string(publish.TypeCustom),
		publish.KeyClassName:               "scripted",
		publish.KeyProperties:              "target=" + name,
		publish.KeyOnlyUseQueue:            strconv.FormatBool(fl.onlyQueue),
		publish.KeyKeepPublishedInQueue:    strconv.FormatBool(fl.keep),
		publish.KeyUseQueueForCertificates: strconv.FormatBool(fl.certs),
		publish.KeyUseQueueForCRLs:         strconv.FormatBool(fl.crls),
	}
	_, err := f.reg.AddWithID(f.ctx, authz.System, id, name, cfg)
	Expect(err).NotTo(HaveOccurred())
	return s
}

func (f *fixture) engine(opts ...dispatch.Option) *dispatch.Engine {
	return dispatch.NewEngine(f.reg, f.queue, f.recorder, logr.Discard(), opts...)
}

func (f *fixture) entries(id int32) []*queue.Entry {
	var out []*queue.Entry
	for _, e := range f.queue.Entries() {
		if e.PublisherID == id {
			out = append(out, e)
		}
	}
	return out
}

func leafCertificate() *publish.Certificate {
	return &publish.Certificate{
		DER:              artifacts.LeafDER,
		Username:         "dispatch",
		Password:         "foo123",
		CAFingerprint:    crypto.Fingerprint(artifacts.CADER),
		Status:           publish.CertStatusActive,
		RevocationReason: publish.RevocationReasonNotRevoked,
	}
}

var _ = Describe("Engine", func() {
	var f *fixture

	BeforeEach(func() {
		f = newFixture()
	})

	It("queues only the failed target in the mixed success and failure scenario", func() {
		t1 := f.add(11, "T1", flags{certs: false})
		t2 := f.add(12, "T2", flags{certs: true})
		t2.err = publish.NewError(errors.New("ldap server unavailable"))

		ok := f.engine().PublishCertificate(f.ctx, f.admin, []int32{11, 12}, leafCertificate())
		Expect(ok).To(BeFalse())

		Expect(t1.delivered()).To(HaveLen(1))
		Expect(f.queue.Len()).To(Equal(1))
		entry := f.entries(12)[0]
		Expect(entry.Status).To(Equal(queue.StatusFailed))
		Expect(entry.Kind).To(Equal(queue.KindCertificate))
		Expect(entry.Fingerprint).To(Equal(crypto.Fingerprint(artifacts.LeafDER)))
		Expect(entry.Payload.Certificate.Username).To(Equal("dispatch"))

		events := f.recorder.Of(audit.EventPublisherStoreCertificate)
		Expect(events).To(HaveLen(2))
		Expect(events[0].Status).To(Equal(audit.StatusSuccess))
		Expect(events[0].Details["publisher"]).To(Equal("T1"))
		Expect(events[0].SerialNumber).To(Equal("C0FFEE"))
		Expect(events[1].Status).To(Equal(audit.StatusFailure))
		Expect(events[1].Details).To(HaveKeyWithValue("publisher", "T2"))
		Expect(events[1].Details).To(HaveKeyWithValue("fingerprint", entry.Fingerprint))
		Expect(events[1].Details["error"]).To(ContainSubstring("ldap server unavailable"))
	})

	It("does not stop at a missing target", func() {
		t1 := f.add(11, "T1", flags{})
		t2 := f.add(12, "T2", flags{})

		ok := f.engine().PublishCertificate(f.ctx, f.admin, []int32{11, 999, 12}, leafCertificate())
		Expect(ok).To(BeFalse())
		Expect(t1.delivered()).To(HaveLen(1))
		Expect(t2.delivered()).To(HaveLen(1))

		events := f.recorder.Of(audit.EventPublisherStoreCertificate)
		Expect(events).To(HaveLen(3))
		Expect(events[1].Status).To(Equal(audit.StatusFailure))
		Expect(events[1].Details).To(HaveKeyWithValue("publisherId", "999"))
		Expect(f.queue.Len()).To(BeZero())
	})

	It("isolates a target whose configuration cannot be built", func() {
		_, err := f.reg.AddWithID(f.ctx, authz.System, 13, "broken", publish.Config{publish.KeyType: "x400"})
		Expect(err).NotTo(HaveOccurred())
		t1 := f.add(11, "T1", flags{})

		ok := f.engine().PublishCertificate(f.ctx, f.admin, []int32{13, 11}, leafCertificate())
		Expect(ok).To(BeFalse())
		Expect(t1.delivered()).To(HaveLen(1))

		events := f.recorder.Of(audit.EventPublisherStoreCertificate)
		Expect(events[0].Status).To(Equal(audit.StatusFailure))
		Expect(events[0].Details["error"]).To(ContainSubstring(publish.ErrUnknownPublisherType.Error()))
	})

	It("returns true for an empty target list", func() {
		e := f.engine()
		Expect(e.PublishCertificate(f.ctx, f.admin, nil, leafCertificate())).To(BeTrue())
		Expect(e.PublishCRL(f.ctx, f.admin, []int32{}, &publish.CRL{DER: artifacts.CRLDER})).To(BeTrue())
		Expect(f.recorder.Events()).To(BeEmpty())
	})

	DescribeTable("queue admission",
		func(fl flags, fails bool, wantOK bool, wantAttempts int, wantStatus []queue.Status) {
			t := f.add(20, "target", fl)
			if fails {
				t.err = errors.New("connection refused")
			}

			ok := f.engine().PublishCertificate(f.ctx, f.admin, []int32{20}, leafCertificate())
			Expect(ok).To(Equal(wantOK))
			Expect(t.attempts()).To(Equal(wantAttempts))

			var got []queue.Status
			for _, e := range f.entries(20) {
				got = append(got, e.Status)
			}
			Expect(got).To(Equal(wantStatus))
		},
		Entry("queue only with certificate queue", flags{onlyQueue: true, certs: true}, false, false, 0, []queue.Status{queue.StatusPending}),
		Entry("queue only without certificate queue", flags{onlyQueue: true, crls: true}, false, false, 0, nil),
		Entry("failure with queue", flags{certs: true}, true, false, 1, []queue.Status{queue.StatusFailed}),
		Entry("failure with queue and keep", flags{certs: true, keep: true}, true, false, 1, []queue.Status{queue.StatusFailed}),
		Entry("failure without certificate queue", flags{crls: true, keep: true}, true, false, 1, nil),
		Entry("success with queue", flags{certs: true}, false, true, 1, nil),
		Entry("success with queue and keep", flags{certs: true, keep: true}, false, true, 1, []queue.Status{queue.StatusSuccess}),
		Entry("success with keep but no queue", flags{keep: true}, false, true, 1, nil),
	)

	It("reads the CRL queue flag for CRLs", func() {
		t := f.add(30, "crl-target", flags{certs: true, crls: false})
		t.err = errors.New("timeout")
		other := f.add(31, "crl-queue", flags{crls: true})
		other.err = errors.New("timeout")

		crl := &publish.CRL{DER: artifacts.CRLDER, Number: 42, CAFingerprint: crypto.Fingerprint(artifacts.CADER)}
		Expect(f.engine().PublishCRL(f.ctx, f.admin, []int32{30, 31}, crl)).To(BeFalse())

		Expect(f.entries(30)).To(BeEmpty())
		entries := f.entries(31)
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Kind).To(Equal(queue.KindCRL))
		Expect(entries[0].Status).To(Equal(queue.StatusFailed))
		Expect(entries[0].Payload.CRL.Number).To(Equal(int64(42)))

		events := f.recorder.Of(audit.EventPublisherStoreCRL)
		Expect(events).To(HaveLen(2))
		Expect(events[0].Details).To(HaveKeyWithValue("crlNumber", "42"))
	})

	It("treats a panicking target as a failed delivery", func() {
		t := f.add(40, "panics", flags{certs: true})
		t.panics = true
		healthy := f.add(41, "healthy", flags{})

		Expect(f.engine().PublishCertificate(f.ctx, f.admin, []int32{40, 41}, leafCertificate())).To(BeFalse())
		Expect(healthy.delivered()).To(HaveLen(1))
		Expect(f.entries(40)[0].Status).To(Equal(queue.StatusFailed))
		Expect(f.recorder.Events()[0].Details["error"]).To(ContainSubstring("directory exploded"))
	})

	It("treats a slow target as a failed delivery", func() {
		t := f.add(50, "slow", flags{certs: true})
		t.block = true

		start := time.Now()
		ok := f.engine(dispatch.WithTimeout(50*time.Millisecond)).PublishCertificate(f.ctx, f.admin, []int32{50}, leafCertificate())
		Expect(ok).To(BeFalse())
		Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
		Expect(f.entries(50)[0].Status).To(Equal(queue.StatusFailed))
		Expect(f.recorder.Events()[0].Details["error"]).To(ContainSubstring("timed out"))
	})

	It("swallows queue write failures", func() {
		t := f.add(60, "target", flags{certs: true})
		t.err = errors.New("refused")

		e := dispatch.NewEngine(f.reg, failingQueue{}, f.recorder, logr.Discard())
		Expect(e.PublishCertificate(f.ctx, f.admin, []int32{60}, leafCertificate())).To(BeFalse())
		Expect(f.recorder.Events()).To(HaveLen(1))
	})

	It("publishes revocations with revoked status and without the password", func() {
		t := f.add(70, "target", flags{})
		cert := leafCertificate()
		revokedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		Expect(f.engine().RevokeCertificate(f.ctx, f.admin, []int32{70}, cert, 1, revokedAt)).To(BeTrue())

		got := t.delivered()
		Expect(got).To(HaveLen(1))
		Expect(got[0].Status).To(Equal(publish.CertStatusRevoked))
		Expect(got[0].RevocationReason).To(Equal(1))
		Expect(got[0].RevocationDate).To(Equal(revokedAt))
		Expect(got[0].Password).To(BeEmpty())

		Expect(cert.Status).To(Equal(publish.CertStatusActive))
		Expect(cert.Password).To(Equal("foo123"))
		Expect(f.recorder.Events()[0].Details).To(HaveKeyWithValue("revocationReason", "1"))
	})

	It("serves targets concurrently and still aggregates all of them", func() {
		var ids []int32
		var targets []*scripted
		for i := int32(0); i < 8; i++ {
			targets = append(targets, f.add(100+i, fmt.Sprintf("t%d", i), flags{certs: true}))
			ids = append(ids, 100+i)
		}
		targets[5].err = errors.New("refused")

		ok := f.engine(dispatch.WithParallelism(4)).PublishCertificate(f.ctx, f.admin, ids, leafCertificate())
		Expect(ok).To(BeFalse())
		for i, t := range targets {
			Expect(t.attempts()).To(Equal(1), "target %d", i)
		}
		Expect(f.queue.Len()).To(Equal(1))
		Expect(f.entries(105)).To(HaveLen(1))
		Expect(f.recorder.Events()).To(HaveLen(8))
	})

	It("stops calling a target once its breaker opens and keeps queueing", func() {
		t := f.add(80, "flapping", flags{certs: true})
		t.err = errors.New("refused")
		e := f.engine(dispatch.WithBreaker(2, time.Hour))

		for range 4 {
			Expect(e.PublishCertificate(f.ctx, f.admin, []int32{80}, leafCertificate())).To(BeFalse())
		}
		Expect(t.attempts()).To(Equal(2))
		Expect(f.entries(80)).To(HaveLen(4))
		for _, entry := range f.entries(80) {
			Expect(entry.Status).To(Equal(queue.StatusFailed))
		}
	})

	It("starts a fresh breaker when the id is re-added for another target", func() {
		old := f.add(81, "retired", flags{certs: true})
		old.err = errors.New("refused")
		e := f.engine(dispatch.WithBreaker(1, time.Hour))
		Expect(e.PublishCertificate(f.ctx, f.admin, []int32{81}, leafCertificate())).To(BeFalse())
		Expect(e.PublishCertificate(f.ctx, f.admin, []int32{81}, leafCertificate())).To(BeFalse())
		Expect(old.attempts()).To(Equal(1))

		Expect(f.reg.Remove(f.ctx, authz.System, "retired")).To(Succeed())
		replacement := f.add(81, "replacement", flags{certs: true})

		Expect(e.PublishCertificate(f.ctx, f.admin, []int32{81}, leafCertificate())).To(BeTrue())
		Expect(replacement.delivered()).To(HaveLen(1))
	})

	It("starts a fresh breaker after a rename", func() {
		t := f.add(82, "directory", flags{})
		t.err = errors.New("refused")
		e := f.engine(dispatch.WithBreaker(1, time.Hour))
		Expect(e.PublishCertificate(f.ctx, f.admin, []int32{82}, leafCertificate())).To(BeFalse())

		t.mu.Lock()
		t.err = nil
		t.mu.Unlock()
		Expect(f.reg.Rename(f.ctx, authz.System, "directory", "directory-eu")).To(Succeed())

		Expect(e.PublishCertificate(f.ctx, f.admin, []int32{82}, leafCertificate())).To(BeTrue())
		Expect(t.attempts()).To(Equal(2))
	})

	It("picks up a changed configuration", func() {
		t := f.add(90, "target", flags{})
		e := f.engine()
		Expect(e.PublishCertificate(f.ctx, f.admin, []int32{90}, leafCertificate())).To(BeTrue())

		cfg := publish.Config{
			publish.KeyType:                    string(publish.TypeCustom),
			publish.KeyClassName:               "scripted",
			publish.KeyProperties:              "target=target",
			publish.KeyOnlyUseQueue:            "true",
			publish.KeyUseQueueForCertificates: "true",
		}
		Expect(f.reg.Change(f.ctx, authz.System, "target", cfg)).To(Succeed())

		Expect(e.PublishCertificate(f.ctx, f.admin, []int32{90}, leafCertificate())).To(BeFalse())
		Expect(t.attempts()).To(Equal(1))
		Expect(f.entries(90)[0].Status).To(Equal(queue.StatusPending))
	})
})
