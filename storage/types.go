// Package storage persists the directory registry and the resource map.
// Store is the access interface; SQLStore backs it with PostgreSQL and
// MemStore keeps everything in memory for tests.
package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DirectoryOrigin records how a directory entered the registry.
type DirectoryOrigin string

const (
	OriginProvider DirectoryOrigin = "provider"
	OriginManual   DirectoryOrigin = "manual"
)

// Directory is one upstream mCSD directory server.
type Directory struct {
	ID              string          `db:"id"`
	URA             string          `db:"ura"`
	EndpointAddress string          `db:"endpoint_address"`
	Origin          DirectoryOrigin `db:"origin"`
	FailedAttempts  int             `db:"failed_attempts"`
	FailedSyncCount int             `db:"failed_sync_count"`
	LastSuccessSync *time.Time      `db:"last_success_sync"`
	IsIgnored       bool            `db:"is_ignored"`
	ReasonIgnored   string          `db:"reason_ignored"`
	CreatedAt       time.Time       `db:"created_at"`
	ModifiedAt      time.Time       `db:"modified_at"`
	DeletedAt       *time.Time      `db:"deleted_at"`
}

// Active reports whether the directory is eligible for sync attempts.
func (d Directory) Active() bool {
	return !d.IsIgnored && d.DeletedAt == nil
}

// Provider is a catalog URL that lists directories.
type Provider struct {
	ID            string     `db:"id"`
	URL           string     `db:"url"`
	Enabled       bool       `db:"enabled"`
	LastRefreshAt *time.Time `db:"last_refresh_at"`
}

// ProviderLink records that a provider listed a directory.
type ProviderLink struct {
	ProviderID  string     `db:"provider_id"`
	DirectoryID string     `db:"directory_id"`
	FirstSeenAt time.Time  `db:"first_seen_at"`
	LastSeenAt  time.Time  `db:"last_seen_at"`
	RemovedAt   *time.Time `db:"removed_at"`
}

// ResourceMap maps one upstream resource to its local namespaced copy.
type ResourceMap struct {
	DirectoryID        string    `db:"directory_id"`
	ResourceType       string    `db:"resource_type"`
	UpstreamResourceID string    `db:"upstream_resource_id"`
	LocalResourceID    string    `db:"local_resource_id"`
	CreatedAt          time.Time `db:"created_at"`
}

// MapKey identifies a resource map row within one directory.
type MapKey struct {
	ResourceType       string
	UpstreamResourceID string
}

// MutationKind is the kind of resource map change produced by a sync pass.
type MutationKind string

const (
	MutationUpsert MutationKind = "upsert"
	MutationDelete MutationKind = "delete"
)

// ResourceMapMutation is one resource map change, applied after the local
// FHIR server acknowledged the transaction bundle.
type ResourceMapMutation struct {
	Kind               MutationKind
	ResourceType       string
	UpstreamResourceID string
	LocalResourceID    string
}
