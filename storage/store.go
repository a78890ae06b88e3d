package storage

import (
	"context"
	"time"
)

// Store is the persistence interface for the registry and the resource map.
type Store interface {
	// Directories.
	UpsertDirectory(ctx context.Context, directory Directory) error
	GetDirectory(ctx context.Context, id string) (Directory, error)
	FindDirectoryByEndpoint(ctx context.Context, endpointAddress string) (Directory, error)
	ListDirectories(ctx context.Context) ([]Directory, error)
	ListActiveDirectories(ctx context.Context) ([]Directory, error)
	RecordSyncSuccess(ctx context.Context, id string, at time.Time) error
	RecordSyncFailure(ctx context.Context, id string, reason string) error
	MarkDirectoryIgnored(ctx context.Context, id string, reason string) error
	MarkDirectoryDeleted(ctx context.Context, id string, at time.Time) error
	DeleteDirectory(ctx context.Context, id string) error

	// Providers and provider-directory links.
	UpsertProvider(ctx context.Context, provider Provider) error
	GetProvider(ctx context.Context, id string) (Provider, error)
	FindProviderByURL(ctx context.Context, url string) (Provider, error)
	ListProviders(ctx context.Context) ([]Provider, error)
	ListEnabledProviders(ctx context.Context) ([]Provider, error)
	SetProviderRefreshedAt(ctx context.Context, id string, at time.Time) error
	TouchProviderLink(ctx context.Context, providerID string, directoryID string, seenAt time.Time) error
	MarkLinksRemovedExcept(ctx context.Context, providerID string, seenDirectoryIDs []string, at time.Time) ([]ProviderLink, error)
	ActiveProviderIDsForDirectory(ctx context.Context, directoryID string) ([]string, error)

	// Resource maps.
	GetResourceMaps(ctx context.Context, directoryID string, keys []MapKey) (map[MapKey]ResourceMap, error)
	ListResourceMaps(ctx context.Context, directoryID string) ([]ResourceMap, error)
	ApplyResourceMapMutations(ctx context.Context, directoryID string, mutations []ResourceMapMutation) error
}
