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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/openukr/certpublisher/pkg/metrics"
	"github.com/openukr/certpublisher/pkg/publish"
	"github.com/openukr/certpublisher/pkg/registry"
)

// Tester probes publishers for liveness. It never changes registry or queue
// state.
type Tester struct {
	registry    Registry
	log         logr.Logger
	timeout     time.Duration
	parallelism int
}

// NewTester creates a Tester. Each probe is bounded by timeout; a
// non-positive value selects DefaultTimeout.
func NewTester(reg Registry, log logr.Logger, timeout time.Duration, parallelism int) *Tester {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Tester{
		registry:    reg,
		log:         log.WithName("connection-tester"),
		timeout:     timeout,
		parallelism: parallelism,
	}
}

// TestOne probes the publisher with id. A failed probe, or a configuration
// that cannot be built, returns a *publish.ConnectionError. An unknown id
// returns an error wrapping registry.ErrNotFound.
func (t *Tester) TestOne(ctx context.Context, id int32) error {
	entry, pub, err := t.registry.ResolveID(ctx, id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) || entry == nil {
			return fmt.Errorf("test publisher %d: %w", id, err)
		}
		return t.result(entry, &publish.ConnectionError{Name: entry.Name, Err: err})
	}
	return t.result(entry, t.probe(ctx, entry, pub))
}

// TestAll probes every publisher and returns a report with one line per
// failing publisher, ordered by name. An empty report means every probe
// passed.
func (t *Tester) TestAll(ctx context.Context) string {
	entries, err := t.registry.List(ctx)
	if err != nil {
		t.log.Error(err, "failed to list publishers")
		return oneLine(fmt.Sprintf("failed to list publishers: %v", err))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	failures := make([]string, len(entries))
	var g errgroup.Group
	g.SetLimit(t.parallelism)
	for i, entry := range entries {
		g.Go(func() error {
			pub, err := t.registry.Resolve(ctx, entry)
			if err == nil {
				err = t.probe(ctx, entry, pub)
			} else {
				err = &publish.ConnectionError{Name: entry.Name, Err: err}
			}
			if err = t.result(entry, err); err != nil {
				failures[i] = oneLine(err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()

	var lines []string
	for _, f := range failures {
		if f != "" {
			lines = append(lines, f)
		}
	}
	return strings.Join(lines, "\n")
}

func (t *Tester) probe(ctx context.Context, entry *registry.Entry, pub publish.Publisher) error {
	err := callWithTimeout(ctx, t.timeout, pub.TestConnection)
	if err == nil {
		return nil
	}
	var ce *publish.ConnectionError
	if errors.As(err, &ce) {
		return ce
	}
	return &publish.ConnectionError{Name: entry.Name, Err: err}
}

func (t *Tester) result(entry *registry.Entry, err error) error {
	metrics.ConnectionTestsTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		t.log.Info("connection test failed", "publisher", entry.Name, "publisherId", entry.ID, "error", err.Error())
	} else {
		t.log.V(1).Info("connection test passed", "publisher", entry.Name, "publisherId", entry.ID)
	}
	return err
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
