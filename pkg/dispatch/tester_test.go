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
	"errors"
	"strings"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/openukr/certpublisher/pkg/authz"
	"github.com/openukr/certpublisher/pkg/dispatch"
	"github.com/openukr/certpublisher/pkg/publish"
	"github.com/openukr/certpublisher/pkg/registry"
)

var _ = Describe("Tester", func() {
	var (
		f      *fixture
		tester *dispatch.Tester
	)

	BeforeEach(func() {
		f = newFixture()
		tester = dispatch.NewTester(f.reg, logr.Discard(), time.Second, 2)
	})

	It("reports exactly the one unreachable target out of three", func() {
		f.add(1001, "alpha", flags{})
		down := f.add(1002, "bravo", flags{})
		down.probe = errors.New("dial tcp 10.0.0.7:389: connection refused")
		f.add(1003, "charlie", flags{})

		report := tester.TestAll(f.ctx)
		Expect(report).NotTo(BeEmpty())
		lines := strings.Split(report, "\n")
		Expect(lines).To(HaveLen(1))
		Expect(lines[0]).To(ContainSubstring("bravo"))
		Expect(lines[0]).To(ContainSubstring("connection refused"))
	})

	It("returns an empty report when everything is reachable", func() {
		f.add(1001, "alpha", flags{})
		Expect(tester.TestAll(f.ctx)).To(BeEmpty())
	})

	It("orders failures by name and includes unbuildable targets", func() {
		z := f.add(1001, "zulu", flags{})
		z.probe = errors.New("down")
		_, err := f.reg.AddWithID(f.ctx, authz.System, 1002, "mike", publish.Config{publish.KeyType: "x400"})
		Expect(err).NotTo(HaveOccurred())
		a := f.add(1003, "alpha", flags{})
		a.probe = errors.New("multi\nline\nfailure")

		lines := strings.Split(tester.TestAll(f.ctx), "\n")
		Expect(lines).To(HaveLen(3))
		Expect(lines[0]).To(ContainSubstring("alpha"))
		Expect(lines[0]).To(ContainSubstring("multi line failure"))
		Expect(lines[1]).To(ContainSubstring("mike"))
		Expect(lines[2]).To(ContainSubstring("zulu"))
	})

	It("wraps a failed probe in a connection error naming the target", func() {
		down := f.add(1001, "ldap-a", flags{})
		down.probe = errors.New("bind refused")

		err := tester.TestOne(f.ctx, 1001)
		var ce *publish.ConnectionError
		Expect(errors.As(err, &ce)).To(BeTrue())
		Expect(ce.Name).To(Equal("ldap-a"))
		Expect(err).To(MatchError(ContainSubstring("bind refused")))
	})

	It("passes for a reachable target without touching the queue", func() {
		up := f.add(1001, "ldap-a", flags{certs: true})
		Expect(tester.TestOne(f.ctx, 1001)).To(Succeed())
		Expect(up.probes).To(Equal(1))
		Expect(f.queue.Len()).To(BeZero())
	})

	It("reports an unknown id as not found", func() {
		err := tester.TestOne(f.ctx, 4242)
		Expect(err).To(MatchError(registry.ErrNotFound))
	})
})
