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

// Package dispatch fans certificates and CRLs out to their publishers and
// records what could not be delivered in the retry queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/openukr/certpublisher/pkg/audit"
	"github.com/openukr/certpublisher/pkg/authz"
	"github.com/openukr/certpublisher/pkg/crypto"
	"github.com/openukr/certpublisher/pkg/metrics"
	"github.com/openukr/certpublisher/pkg/publish"
	"github.com/openukr/certpublisher/pkg/queue"
	"github.com/openukr/certpublisher/pkg/registry"
)

// Engine defaults.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultParallelism      = 1
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = time.Minute
)

// Registry is the part of the publisher registry the engine and the tester
// depend on. *registry.Registry implements it.
type Registry interface {
	ResolveID(ctx context.Context, id int32) (*registry.Entry, publish.Publisher, error)
	Resolve(ctx context.Context, e *registry.Entry) (publish.Publisher, error)
	List(ctx context.Context) ([]*registry.Entry, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout bounds each delivery attempt. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithParallelism sets how many targets of one artifact are served at the
// same time. 1 keeps the order of the id list.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithBreaker configures the per-target circuit breaker. A threshold of 0
// disables it.
func WithBreaker(threshold uint32, openFor time.Duration) Option {
	return func(e *Engine) {
		e.breakerThreshold = threshold
		if openFor > 0 {
			e.breakerTimeout = openFor
		}
	}
}

// Engine publishes artifacts to a list of publisher ids. A failing, slow or
// missing target never affects the others, and never surfaces as an error:
// the outcome is the aggregate boolean plus audit events and queue entries.
type Engine struct {
	registry Registry
	queue    queue.Store
	audit    audit.Sink
	log      logr.Logger

	timeout          time.Duration
	parallelism      int
	breakerThreshold uint32
	breakerTimeout   time.Duration

	mu       sync.Mutex
	breakers map[int32]*targetBreaker
}

// targetBreaker is the breaker of one stored config. A rename, config write
// or re-add under the same id starts a fresh breaker.
type targetBreaker struct {
	generation int64
	name       string
	cb         *gobreaker.CircuitBreaker
}

// NewEngine creates an Engine.
func NewEngine(reg Registry, q queue.Store, sink audit.Sink, log logr.Logger, opts ...Option) *Engine {
	e := &Engine{
		registry:         reg,
		queue:            q,
		audit:            sink,
		log:              log.WithName("dispatch"),
		timeout:          DefaultTimeout,
		parallelism:      DefaultParallelism,
		breakerThreshold: DefaultBreakerThreshold,
		breakerTimeout:   DefaultBreakerTimeout,
		breakers:         make(map[int32]*targetBreaker),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// artifact is what one fan-out delivers, independent of its kind.
type artifact struct {
	kind         queue.Kind
	event        audit.EventType
	fingerprint  string
	subjectID    string
	serialNumber string
	details      map[string]string
	payload      queue.Payload
	store        func(ctx context.Context, pub publish.Publisher) error
}

// PublishCertificate delivers cert to every publisher in ids. It returns true
// only when every target stored it immediately. A nil or empty id list
// trivially succeeds.
func (e *Engine) PublishCertificate(ctx context.Context, admin authz.Subject, ids []int32, cert *publish.Certificate) bool {
	if len(ids) == 0 {
		return true
	}

	c := *cert
	serial, err := crypto.SerialNumber(c.DER)
	if err != nil {
		e.log.V(1).Info("cannot read certificate serial number", "error", err.Error())
	}
	details := map[string]string{"status": string(c.Status)}
	if c.Revoked() {
		details["revocationReason"] = strconv.Itoa(c.RevocationReason)
	}

	return e.dispatch(ctx, admin, ids, &artifact{
		kind:         queue.KindCertificate,
		event:        audit.EventPublisherStoreCertificate,
		fingerprint:  crypto.Fingerprint(c.DER),
		subjectID:    c.CAFingerprint,
		serialNumber: serial,
		details:      details,
		payload:      queue.Payload{Certificate: &c},
		store: func(ctx context.Context, pub publish.Publisher) error {
			return pub.StoreCertificate(ctx, &c)
		},
	})
}

// RevokeCertificate publishes cert with revoked status. The password is
// dropped; a revoked certificate never needs it.
func (e *Engine) RevokeCertificate(ctx context.Context, admin authz.Subject, ids []int32, cert *publish.Certificate, reason int, date time.Time) bool {
	c := *cert
	c.Status = publish.CertStatusRevoked
	c.RevocationReason = reason
	c.RevocationDate = date
	c.Password = ""
	return e.PublishCertificate(ctx, admin, ids, &c)
}

// PublishCRL delivers crl to every publisher in ids, with the same aggregate
// semantics as PublishCertificate.
func (e *Engine) PublishCRL(ctx context.Context, admin authz.Subject, ids []int32, crl *publish.CRL) bool {
	if len(ids) == 0 {
		return true
	}

	c := *crl
	return e.dispatch(ctx, admin, ids, &artifact{
		kind:        queue.KindCRL,
		event:       audit.EventPublisherStoreCRL,
		fingerprint: crypto.Fingerprint(c.DER),
		subjectID:   c.CAFingerprint,
		details: map[string]string{
			"crlNumber": strconv.FormatInt(c.Number, 10),
			"delta":     strconv.FormatBool(c.Delta),
		},
		payload: queue.Payload{CRL: &c},
		store: func(ctx context.Context, pub publish.Publisher) error {
			return pub.StoreCRL(ctx, &c)
		},
	})
}

func (e *Engine) dispatch(ctx context.Context, admin authz.Subject, ids []int32, a *artifact) bool {
	start := time.Now()
	defer func() {
		metrics.DispatchDuration.WithLabelValues(string(a.kind)).Observe(time.Since(start).Seconds())
	}()

	results := make([]bool, len(ids))
	var g errgroup.Group
	g.SetLimit(e.parallelism)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = e.publishTo(ctx, admin, id, a)
			return nil
		})
	}
	_ = g.Wait()

	all := true
	for _, ok := range results {
		all = all && ok
	}
	return all
}

// publishTo serves one target and reports whether it stored the artifact.
func (e *Engine) publishTo(ctx context.Context, admin authz.Subject, id int32, a *artifact) bool {
	log := e.log.WithValues("publisherId", id, "kind", string(a.kind), "fingerprint", a.fingerprint)

	entry, pub, err := e.registry.ResolveID(ctx, id)
	if err != nil {
		name := ""
		if entry != nil {
			name = entry.Name
		}
		if errors.Is(err, registry.ErrNotFound) {
			log.Info("publisher not found, skipping")
		} else {
			log.Error(err, "failed to resolve publisher")
		}
		metrics.PublishAttemptsTotal.WithLabelValues(string(a.kind), publisherLabel(id, name), metrics.ResultUnresolved).Inc()
		e.record(ctx, admin, a, id, name, err)
		return false
	}
	log = log.WithValues("publisher", entry.Name)

	policy := pub.QueuePolicy()
	status := queue.StatusPending
	if policy.OnlyUseQueue {
		log.V(1).Info("publisher only uses the queue, deferring delivery")
		metrics.PublishAttemptsTotal.WithLabelValues(string(a.kind), entry.Name, metrics.ResultQueued).Inc()
	} else if perr := e.deliver(ctx, entry, pub, a); perr != nil {
		status = queue.StatusFailed
		log.Info("publish failed", "error", perr.Err.Error())
		metrics.PublishAttemptsTotal.WithLabelValues(string(a.kind), entry.Name, metrics.ResultFailure).Inc()
		e.record(ctx, admin, a, id, entry.Name, perr)
	} else {
		status = queue.StatusSuccess
		log.V(1).Info("published")
		metrics.PublishAttemptsTotal.WithLabelValues(string(a.kind), entry.Name, metrics.ResultSuccess).Inc()
		e.record(ctx, admin, a, id, entry.Name, nil)
	}

	if (status != queue.StatusSuccess || policy.KeepPublishedInQueue) && usesQueueFor(policy, a.kind) {
		e.enqueue(ctx, log, id, status, a)
	}
	return status == queue.StatusSuccess
}

// deliver stores the artifact under the engine timeout and the target's
// circuit breaker. Every failure, a panic included, comes back as a
// *publish.Error.
func (e *Engine) deliver(ctx context.Context, entry *registry.Entry, pub publish.Publisher, a *artifact) *publish.Error {
	attempt := func() error {
		return callWithTimeout(ctx, e.timeout, func(ctx context.Context) error {
			return a.store(ctx, pub)
		})
	}

	var err error
	if cb := e.breaker(entry); cb != nil {
		_, err = cb.Execute(func() (interface{}, error) {
			return nil, attempt()
		})
	} else {
		err = attempt()
	}
	return publish.AsError(entry.Name, err)
}

func (e *Engine) breaker(entry *registry.Entry) *gobreaker.CircuitBreaker {
	if e.breakerThreshold == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if tb, ok := e.breakers[entry.ID]; ok {
		if tb.generation == entry.Generation && tb.name == entry.Name {
			return tb.cb
		}
		e.log.V(1).Info("publisher changed, resetting circuit breaker", "publisherId", entry.ID,
			"publisher", entry.Name, "previousName", tb.name)
	}

	threshold := e.breakerThreshold
	log := e.log.WithValues("publisherId", entry.ID)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        entry.Name,
		MaxRequests: 1,
		Timeout:     e.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("publisher circuit breaker changed state", "publisher", name, "from", from.String(), "to", to.String())
			metrics.BreakerStateChangesTotal.WithLabelValues(name, to.String()).Inc()
		},
	})
	e.breakers[entry.ID] = &targetBreaker{generation: entry.Generation, name: entry.Name, cb: cb}
	return cb
}

func (e *Engine) enqueue(ctx context.Context, log logr.Logger, id int32, status queue.Status, a *artifact) {
	entry := &queue.Entry{
		PublisherID: id,
		Kind:        a.kind,
		Fingerprint: a.fingerprint,
		Payload:     a.payload,
		Status:      status,
	}
	if err := e.queue.Enqueue(ctx, entry); err != nil {
		// Losing the entry degrades durability only; the caller is not told.
		log.Error(err, "failed to add publish to queue", "status", string(status))
		metrics.QueueErrorsTotal.WithLabelValues(string(a.kind)).Inc()
		return
	}
	log.V(1).Info("added to publisher queue", "queueEntry", entry.ID.String(), "status", string(status))
	metrics.QueueAdmissionsTotal.WithLabelValues(string(a.kind), string(status)).Inc()
}

func (e *Engine) record(ctx context.Context, admin authz.Subject, a *artifact, id int32, name string, err error) {
	details := make(map[string]string, len(a.details)+4)
	for k, v := range a.details {
		details[k] = v
	}
	details["publisherId"] = strconv.Itoa(int(id))
	details["fingerprint"] = a.fingerprint
	if name != "" {
		details["publisher"] = name
	}

	status := audit.StatusSuccess
	if err != nil {
		status = audit.StatusFailure
		details["error"] = err.Error()
	}
	e.audit.Log(ctx, audit.Event{
		Type:         a.event,
		Status:       status,
		Actor:        admin.String(),
		SubjectID:    a.subjectID,
		SerialNumber: a.serialNumber,
		Details:      details,
	})
}

func usesQueueFor(p publish.QueuePolicy, kind queue.Kind) bool {
	if kind == queue.KindCRL {
		return p.UseQueueForCRLs
	}
	return p.UseQueueForCertificates
}

func publisherLabel(id int32, name string) string {
	if name != "" {
		return name
	}
	return strconv.Itoa(int(id))
}

// callWithTimeout runs fn with a deadline of timeout and returns once fn
// returns or the deadline passes, whichever is first. A panic in fn is
// returned as an error.
func callWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("publisher panicked: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timed out after %s: %w", timeout, ctx.Err())
	}
}
