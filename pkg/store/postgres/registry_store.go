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

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openukr/certpublisher/pkg/publish"
	"github.com/openukr/certpublisher/pkg/registry"
)

const (
	constraintPublishersPkey    = "publishers_pkey"
	constraintPublishersNameKey = "publishers_name_key"

	publisherColumns = "id, name, config, update_counter, generation"
)

// RegistryStore is a registry.Store on the publishers table. Id and name
// uniqueness is enforced by the table constraints, so concurrent inserts
// racing on the same id are resolved by the database.
type RegistryStore struct {
	db *sql.DB
}

// NewRegistryStore creates a RegistryStore on db.
func NewRegistryStore(db *sql.DB) *RegistryStore {
	return &RegistryStore{db: db}
}

var _ registry.Store = (*RegistryStore)(nil)

func (s *RegistryStore) Insert(ctx context.Context, e *registry.Entry) error {
	cfg, err := encodeConfig(e.Config)
	if err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO publishers (id, name, config, update_counter) VALUES ($1, $2, $3, $4) RETURNING generation`,
		e.ID, e.Name, cfg, e.UpdateCounter).Scan(&e.Generation)
	switch violatedConstraint(err) {
	case "":
	case constraintPublishersPkey:
		return fmt.Errorf("%w: %d", registry.ErrIDExists, e.ID)
	case constraintPublishersNameKey:
		return fmt.Errorf("%w: %q", registry.ErrNameExists, e.Name)
	default:
		return fmt.Errorf("%w: %v", registry.ErrAlreadyExists, err)
	}
	if err != nil {
		return fmt.Errorf("insert publisher %q: %w", e.Name, err)
	}
	return nil
}

func (s *RegistryStore) GetByName(ctx context.Context, name string) (*registry.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+publisherColumns+` FROM publishers WHERE name = $1`, name)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", registry.ErrNotFound, name)
	}
	return e, err
}

func (s *RegistryStore) GetByID(ctx context.Context, id int32) (*registry.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+publisherColumns+` FROM publishers WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", registry.ErrNotFound, id)
	}
	return e, err
}

func (s *RegistryStore) UpdateConfig(ctx context.Context, name string, cfg publish.Config) (*registry.Entry, error) {
	raw, err := encodeConfig(cfg)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE publishers SET config = $2, update_counter = update_counter + 1,
		     generation = nextval('publishers_generation_seq'), updated_at = now()
		 WHERE name = $1 RETURNING `+publisherColumns,
		name, raw)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", registry.ErrNotFound, name)
	}
	return e, err
}

func (s *RegistryStore) Rename(ctx context.Context, oldName, newName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rename: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var taken bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM publishers WHERE name = $1)`, newName).Scan(&taken); err != nil {
		return fmt.Errorf("check publisher %q: %w", newName, err)
	}
	if taken {
		return fmt.Errorf("%w: %q", registry.ErrNameExists, newName)
	}

	res, err := tx.ExecContext(ctx, `UPDATE publishers SET name = $2, updated_at = now() WHERE name = $1`, oldName, newName)
	if violatedConstraint(err) == constraintPublishersNameKey {
		return fmt.Errorf("%w: %q", registry.ErrNameExists, newName)
	}
	if err != nil {
		return fmt.Errorf("rename publisher %q: %w", oldName, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %q", registry.ErrNotFound, oldName)
	}
	return tx.Commit()
}

func (s *RegistryStore) Delete(ctx context.Context, name string) (*registry.Entry, error) {
	row := s.db.QueryRowContext(ctx, `DELETE FROM publishers WHERE name = $1 RETURNING `+publisherColumns, name)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *RegistryStore) List(ctx context.Context) ([]*registry.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+publisherColumns+` FROM publishers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list publishers: %w", err)
	}
	defer rows.Close()

	var out []*registry.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*registry.Entry, error) {
	var (
		e   registry.Entry
		raw []byte
	)
	if err := row.Scan(&e.ID, &e.Name, &raw, &e.UpdateCounter, &e.Generation); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &e.Config); err != nil {
		return nil, fmt.Errorf("decode config of publisher %q: %w", e.Name, err)
	}
	if e.Config == nil {
		e.Config = publish.Config{}
	}
	return &e, nil
}

func encodeConfig(cfg publish.Config) ([]byte, error) {
	if cfg == nil {
		cfg = publish.Config{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return raw, nil
}
