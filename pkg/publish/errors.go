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

package publish

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPublisherType is returned when a config carries a missing or
	// unrecognised "type" discriminator.
	ErrUnknownPublisherType = errors.New("unknown publisher type")

	// ErrUnknownCustomPublisher is returned when a custom variant names a
	// plugin that is not registered with the factory.
	ErrUnknownCustomPublisher = errors.New("unknown custom publisher")

	// ErrInvalidConfig is returned when a variant cannot be hydrated from its config.
	ErrInvalidConfig = errors.New("invalid publisher config")
)

// Error is a recoverable delivery failure at one target.
// The dispatch engine turns it into a queue admission and an audit event.
type Error struct {
	// Target is the name of the publisher, when known.
	Target string
	Err    error
}

func (e *Error) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("publish failed: %v", e.Err)
	}
	return fmt.Sprintf("publish to %s failed: %v", e.Target, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as a delivery failure.
func NewError(err error) *Error {
	return &Error{Err: err}
}

// AsError normalises any delivery failure into an *Error.
//
// Variants may return an *Error directly, or one wrapped by an intermediate
// layer; both shapes yield the same *Error. Any other failure is wrapped so
// callers only ever deal with one recoverable kind.
func AsError(target string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Target == "" {
			return &Error{Target: target, Err: pe.Err}
		}
		return pe
	}
	return &Error{Target: target, Err: err}
}

// ConnectionError is a failed liveness probe.
type ConnectionError struct {
	// Name is the name of the publisher that was probed.
	Name string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection test of publisher %s failed: %v", e.Name, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
