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

// base carries what every variant shares: its source config and queue flags.
type base struct {
	typ    Type
	config Config
	policy QueuePolicy
}

func newBase(typ Type, cfg Config) (base, error) {
	policy, err := cfg.queuePolicy()
	if err != nil {
		return base{}, err
	}
	c := cfg.Clone()
	c[KeyType] = string(typ)
	return base{typ: typ, config: c, policy: policy}, nil
}

func (b *base) Type() Type               { return b.typ }
func (b *base) QueuePolicy() QueuePolicy { return b.policy }
func (b *base) Config() Config           { return b.config.Clone() }
func (b *base) sealed()                  {}
