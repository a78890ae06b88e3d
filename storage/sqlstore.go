package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var _ Store = &SQLStore{}

// SQLStore backs Store with PostgreSQL through sqlx.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore connects to PostgreSQL and runs pending migrations.
func NewSQLStore(dsn string) (*SQLStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	db.SetMaxOpenConns(10)
	if err := Migrate(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) UpsertDirectory(ctx context.Context, directory Directory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO directory (id, ura, endpoint_address, origin, failed_attempts, failed_sync_count,
			last_success_sync, is_ignored, reason_ignored, created_at, modified_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now(), $10)
		ON CONFLICT (id) DO UPDATE SET
			ura = EXCLUDED.ura,
			endpoint_address = EXCLUDED.endpoint_address,
			origin = EXCLUDED.origin,
			is_ignored = EXCLUDED.is_ignored,
			reason_ignored = EXCLUDED.reason_ignored,
			deleted_at = EXCLUDED.deleted_at,
			modified_at = now()`,
		directory.ID, directory.URA, directory.EndpointAddress, directory.Origin,
		directory.FailedAttempts, directory.FailedSyncCount, directory.LastSuccessSync,
		directory.IsIgnored, directory.ReasonIgnored, directory.DeletedAt)
	return err
}

func (s *SQLStore) GetDirectory(ctx context.Context, id string) (Directory, error) {
	var directory Directory
	err := s.db.GetContext(ctx, &directory, `SELECT * FROM directory WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Directory{}, ErrNotFound
	}
	return directory, err
}

func (s *SQLStore) FindDirectoryByEndpoint(ctx context.Context, endpointAddress string) (Directory, error) {
	var directory Directory
	err := s.db.GetContext(ctx, &directory, `SELECT * FROM directory WHERE endpoint_address = $1`, endpointAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return Directory{}, ErrNotFound
	}
	return directory, err
}

func (s *SQLStore) ListDirectories(ctx context.Context) ([]Directory, error) {
	var result []Directory
	err := s.db.SelectContext(ctx, &result, `SELECT * FROM directory ORDER BY id`)
	return result, err
}

func (s *SQLStore) ListActiveDirectories(ctx context.Context) ([]Directory, error) {
	var result []Directory
	err := s.db.SelectContext(ctx, &result,
		`SELECT * FROM directory WHERE is_ignored = false AND deleted_at IS NULL ORDER BY id`)
	return result, err
}

func (s *SQLStore) RecordSyncSuccess(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, `
		UPDATE directory SET last_success_sync = $2, failed_attempts = 0, reason_ignored = '', modified_at = now()
		WHERE id = $1`, id, at)
}

func (s *SQLStore) RecordSyncFailure(ctx context.Context, id string, reason string) error {
	return s.execOne(ctx, `
		UPDATE directory SET failed_attempts = failed_attempts + 1, failed_sync_count = failed_sync_count + 1,
			reason_ignored = $2, modified_at = now()
		WHERE id = $1`, id, reason)
}

func (s *SQLStore) MarkDirectoryIgnored(ctx context.Context, id string, reason string) error {
	return s.execOne(ctx, `
		UPDATE directory SET is_ignored = true, reason_ignored = $2, modified_at = now() WHERE id = $1`, id, reason)
}

func (s *SQLStore) MarkDirectoryDeleted(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, `
		UPDATE directory SET deleted_at = $2, modified_at = now() WHERE id = $1`, id, at)
}

func (s *SQLStore) DeleteDirectory(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM resource_map WHERE directory_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM directory_provider_directory WHERE directory_id = $1`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM directory WHERE id = $1`, id)
		return err
	})
}

func (s *SQLStore) UpsertProvider(ctx context.Context, provider Provider) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO directory_provider (id, url, enabled, last_refresh_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET url = EXCLUDED.url, enabled = EXCLUDED.enabled`,
		provider.ID, provider.URL, provider.Enabled, provider.LastRefreshAt)
	return err
}

func (s *SQLStore) GetProvider(ctx context.Context, id string) (Provider, error) {
	var provider Provider
	err := s.db.GetContext(ctx, &provider, `SELECT * FROM directory_provider WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Provider{}, ErrNotFound
	}
	return provider, err
}

func (s *SQLStore) FindProviderByURL(ctx context.Context, url string) (Provider, error) {
	var provider Provider
	err := s.db.GetContext(ctx, &provider, `SELECT * FROM directory_provider WHERE url = $1`, url)
	if errors.Is(err, sql.ErrNoRows) {
		return Provider{}, ErrNotFound
	}
	return provider, err
}

func (s *SQLStore) ListProviders(ctx context.Context) ([]Provider, error) {
	var result []Provider
	err := s.db.SelectContext(ctx, &result, `SELECT * FROM directory_provider ORDER BY id`)
	return result, err
}

func (s *SQLStore) ListEnabledProviders(ctx context.Context) ([]Provider, error) {
	var result []Provider
	err := s.db.SelectContext(ctx, &result, `SELECT * FROM directory_provider WHERE enabled = true ORDER BY id`)
	return result, err
}

func (s *SQLStore) SetProviderRefreshedAt(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, `UPDATE directory_provider SET last_refresh_at = $2 WHERE id = $1`, id, at)
}

func (s *SQLStore) TouchProviderLink(ctx context.Context, providerID string, directoryID string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO directory_provider_directory (provider_id, directory_id, first_seen_at, last_seen_at, removed_at)
		VALUES ($1, $2, $3, $3, NULL)
		ON CONFLICT (provider_id, directory_id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at, removed_at = NULL`,
		providerID, directoryID, seenAt)
	return err
}

func (s *SQLStore) MarkLinksRemovedExcept(ctx context.Context, providerID string, seenDirectoryIDs []string, at time.Time) ([]ProviderLink, error) {
	query := `
		UPDATE directory_provider_directory SET removed_at = ?
		WHERE provider_id = ? AND removed_at IS NULL`
	args := []any{at, providerID}
	if len(seenDirectoryIDs) > 0 {
		inQuery, inArgs, err := sqlx.In(` AND directory_id NOT IN (?)`, seenDirectoryIDs)
		if err != nil {
			return nil, err
		}
		query += inQuery
		args = append(args, inArgs...)
	}
	var removed []ProviderLink
	err := s.db.SelectContext(ctx, &removed, s.db.Rebind(query+` RETURNING *`), args...)
	return removed, err
}

func (s *SQLStore) ActiveProviderIDsForDirectory(ctx context.Context, directoryID string) ([]string, error) {
	var result []string
	err := s.db.SelectContext(ctx, &result, `
		SELECT provider_id FROM directory_provider_directory
		WHERE directory_id = $1 AND removed_at IS NULL`, directoryID)
	return result, err
}

func (s *SQLStore) GetResourceMaps(ctx context.Context, directoryID string, keys []MapKey) (map[MapKey]ResourceMap, error) {
	result := make(map[MapKey]ResourceMap)
	if len(keys) == 0 {
		return result, nil
	}
	// Key tuples are queried per resource type to keep the IN clauses simple.
	byType := make(map[string][]string)
	for _, key := range keys {
		byType[key.ResourceType] = append(byType[key.ResourceType], key.UpstreamResourceID)
	}
	for resourceType, ids := range byType {
		query, args, err := sqlx.In(`
			SELECT * FROM resource_map
			WHERE directory_id = ? AND resource_type = ? AND upstream_resource_id IN (?)`,
			directoryID, resourceType, ids)
		if err != nil {
			return nil, err
		}
		var rows []ResourceMap
		if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
			return nil, err
		}
		for _, row := range rows {
			result[MapKey{ResourceType: row.ResourceType, UpstreamResourceID: row.UpstreamResourceID}] = row
		}
	}
	return result, nil
}

func (s *SQLStore) ListResourceMaps(ctx context.Context, directoryID string) ([]ResourceMap, error) {
	var result []ResourceMap
	err := s.db.SelectContext(ctx, &result, `SELECT * FROM resource_map WHERE directory_id = $1`, directoryID)
	return result, err
}

func (s *SQLStore) ApplyResourceMapMutations(ctx context.Context, directoryID string, mutations []ResourceMapMutation) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, mutation := range mutations {
			switch mutation.Kind {
			case MutationUpsert:
				_, err := tx.ExecContext(ctx, `
					INSERT INTO resource_map (directory_id, resource_type, upstream_resource_id, local_resource_id, created_at)
					VALUES ($1, $2, $3, $4, now())
					ON CONFLICT (directory_id, resource_type, upstream_resource_id)
					DO UPDATE SET local_resource_id = EXCLUDED.local_resource_id`,
					directoryID, mutation.ResourceType, mutation.UpstreamResourceID, mutation.LocalResourceID)
				if err != nil {
					return err
				}
			case MutationDelete:
				_, err := tx.ExecContext(ctx, `
					DELETE FROM resource_map
					WHERE directory_id = $1 AND resource_type = $2 AND upstream_resource_id = $3`,
					directoryID, mutation.ResourceType, mutation.UpstreamResourceID)
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *SQLStore) execOne(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
