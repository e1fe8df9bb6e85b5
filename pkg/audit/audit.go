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

// Package audit defines the security audit trail written by the registry and
// the dispatch engine.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// EventType names an audited operation.
type EventType string

// Audited operations.
const (
	EventPublisherCreation         EventType = "PUBLISHER_CREATION"
	EventPublisherChange           EventType = "PUBLISHER_CHANGE"
	EventPublisherClone            EventType = "PUBLISHER_CLONE"
	EventPublisherRemoval          EventType = "PUBLISHER_REMOVAL"
	EventPublisherRename           EventType = "PUBLISHER_RENAME"
	EventPublisherStoreCertificate EventType = "PUBLISHER_STORE_CERTIFICATE"
	EventPublisherStoreCRL         EventType = "PUBLISHER_STORE_CRL"
)

// Status is the outcome of an audited operation.
type Status string

// Outcomes.
const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Event is a single audit record.
type Event struct {
	Type   EventType
	Status Status
	// Actor is the administrator that triggered the operation.
	Actor string
	// SubjectID identifies the affected object, e.g. the CA fingerprint or
	// publisher id.
	SubjectID    string
	SerialNumber string
	Details      map[string]string
	Time         time.Time
}

// Sink receives audit events. Implementations must be safe for concurrent use
// and must not block the caller for long; audit failures are the sink's
// concern and never fail the audited operation.
type Sink interface {
	Log(ctx context.Context, e Event)
}

// LogSink writes audit events as structured log lines.
type LogSink struct {
	log logr.Logger
}

// NewLogSink creates a Sink that logs through log.
func NewLogSink(log logr.Logger) *LogSink {
	return &LogSink{log: log.WithName("audit")}
}

func (s *LogSink) Log(_ context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	kv := []interface{}{
		"event", string(e.Type),
		"status", string(e.Status),
		"actor", e.Actor,
		"time", e.Time.Format(time.RFC3339Nano),
	}
	if e.SubjectID != "" {
		kv = append(kv, "subject", e.SubjectID)
	}
	if e.SerialNumber != "" {
		kv = append(kv, "serial", e.SerialNumber)
	}
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv = append(kv, k, e.Details[k])
	}
	s.log.Info("audit", kv...)
}

// Recorder keeps events in memory. It is meant for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Log(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Of returns the recorded events of type t.
func (r *Recorder) Of(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
