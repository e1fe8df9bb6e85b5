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
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config keys shared by every variant.
const (
	KeyType                    = "type"
	KeyDescription             = "description"
	KeyOnlyUseQueue            = "onlyUseQueue"
	KeyKeepPublishedInQueue    = "keepPublishedInQueue"
	KeyUseQueueForCertificates = "useQueueForCertificates"
	KeyUseQueueForCRLs         = "useQueueForCRLs"
)

// Config is the stored, variant-agnostic configuration of a publisher.
//
// Values are strings on the wire. Integers are decimal and booleans are
// "true"/"false"; the typed accessors below parse them.
type Config map[string]string

// Type returns the variant discriminator.
func (c Config) Type() Type {
	return Type(strings.TrimSpace(c[KeyType]))
}

// Clone returns a deep copy of c. A nil Config clones to an empty one.
func (c Config) Clone() Config {
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// String returns the value of key, or def when unset or blank.
func (c Config) String(key, def string) string {
	if v := strings.TrimSpace(c[key]); v != "" {
		return v
	}
	return def
}

// Bool returns the boolean value of key, or def when unset.
func (c Config) Bool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(c[key])
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidConfig, key, v)
	}
	return b, nil
}

// Int returns the integer value of key, or def when unset.
func (c Config) Int(key string, def int) (int, error) {
	v := strings.TrimSpace(c[key])
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, v)
	}
	return i, nil
}

// Duration returns the duration value of key, or def when unset.
// Plain integers are read as milliseconds.
func (c Config) Duration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(c[key])
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q is not a duration", ErrInvalidConfig, key, v)
	}
	return d, nil
}

// List splits a comma separated value, dropping blanks.
func (c Config) List(key string) []string {
	var out []string
	for _, part := range strings.Split(c[key], ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SetBool stores a boolean value.
func (c Config) SetBool(key string, v bool) {
	c[key] = strconv.FormatBool(v)
}

// queuePolicy reads the shared queue flags. Unset flags default to
// "deliver directly, queue certificates and CRLs on failure".
func (c Config) queuePolicy() (QueuePolicy, error) {
	var (
		p   QueuePolicy
		err error
	)
	if p.OnlyUseQueue, err = c.Bool(KeyOnlyUseQueue, false); err != nil {
		return p, err
	}
	if p.KeepPublishedInQueue, err = c.Bool(KeyKeepPublishedInQueue, false); err != nil {
		return p, err
	}
	if p.UseQueueForCertificates, err = c.Bool(KeyUseQueueForCertificates, true); err != nil {
		return p, err
	}
	if p.UseQueueForCRLs, err = c.Bool(KeyUseQueueForCRLs, true); err != nil {
		return p, err
	}
	return p, nil
}

// ParseProperties parses newline separated "key=value" pairs. Blank lines and
// lines starting with '#' are ignored.
func ParseProperties(raw string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			props[line] = ""
			continue
		}
		props[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return props
}
