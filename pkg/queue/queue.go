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

// Package queue holds the retry queue: artifacts that still have to reach a
// publisher, or that were kept as an audit trail of successful deliveries.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openukr/certpublisher/pkg/publish"
)

var (
	// ErrNotFound is returned for an unknown queue entry id.
	ErrNotFound = errors.New("queue entry not found")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid queue status transition")
)

// Kind is the artifact type of a queue entry.
type Kind string

// Artifact kinds.
const (
	KindCertificate Kind = "CERTIFICATE"
	KindCRL         Kind = "CRL"
)

// Status is the delivery state of a queue entry.
type Status string

// Delivery states.
const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// CanTransition reports whether an entry may move from one status to another.
// SUCCESS is terminal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending, StatusFailed:
		return to == StatusSuccess || to == StatusFailed
	default:
		return false
	}
}

// Payload carries what is needed to re-attempt delivery without fetching the
// artifact again. Exactly one field is set, matching the entry kind.
type Payload struct {
	Certificate *publish.Certificate `json:"certificate,omitempty"`
	CRL         *publish.CRL         `json:"crl,omitempty"`
}

// Entry is one queued delivery for one publisher.
type Entry struct {
	ID          uuid.UUID
	PublisherID int32
	Kind        Kind
	// Fingerprint correlates the entry with its artifact. It is never used
	// for semantic decisions.
	Fingerprint string
	Payload     Payload
	Status      Status
	TryCounter  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks that e is well formed before it is stored.
func (e *Entry) Validate() error {
	switch e.Kind {
	case KindCertificate:
		if e.Payload.Certificate == nil {
			return fmt.Errorf("certificate entry without certificate payload")
		}
	case KindCRL:
		if e.Payload.CRL == nil {
			return fmt.Errorf("CRL entry without CRL payload")
		}
	default:
		return fmt.Errorf("unknown queue entry kind %q", e.Kind)
	}
	switch e.Status {
	case StatusPending, StatusSuccess, StatusFailed:
	default:
		return fmt.Errorf("unknown queue entry status %q", e.Status)
	}
	return nil
}

// Store persists queue entries.
type Store interface {
	// Enqueue stores e. A zero ID is assigned, zero timestamps are set to now.
	Enqueue(ctx context.Context, e *Entry) error
	// ListPending returns PENDING and FAILED entries of a publisher in
	// creation order. A limit <= 0 means no limit.
	ListPending(ctx context.Context, publisherID int32, limit int) ([]*Entry, error)
	// Get returns ErrNotFound when absent.
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)
	// MarkSuccess moves an entry to SUCCESS.
	MarkSuccess(ctx context.Context, id uuid.UUID) error
	// MarkFailed moves an entry to FAILED and increments its try counter.
	MarkFailed(ctx context.Context, id uuid.UUID) error
	// Count returns the number of entries of a publisher in status.
	Count(ctx context.Context, publisherID int32, status Status) (int, error)
}

// Prepare assigns defaults and validates e. Store implementations call it
// from Enqueue.
func Prepare(e *Entry, now time.Time) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		id, err := uuid.NewRandom()
		if err != nil {
			return fmt.Errorf("generate queue entry id: %w", err)
		}
		e.ID = id
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	return nil
}
