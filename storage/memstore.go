package storage

import (
	"context"
	"slices"
	"sync"
	"time"
)

var _ Store = &MemStore{}

// MemStore is an in-memory Store used in tests and local development.
type MemStore struct {
	mu          sync.RWMutex
	directories map[string]Directory
	providers   map[string]Provider
	links       map[string]map[string]ProviderLink // providerID -> directoryID -> link
	maps        map[string]map[MapKey]ResourceMap  // directoryID -> key -> row
}

func NewMemStore() *MemStore {
	return &MemStore{
		directories: make(map[string]Directory),
		providers:   make(map[string]Provider),
		links:       make(map[string]map[string]ProviderLink),
		maps:        make(map[string]map[MapKey]ResourceMap),
	}
}

func (s *MemStore) UpsertDirectory(ctx context.Context, directory Directory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.directories[directory.ID]; ok {
		directory.CreatedAt = existing.CreatedAt
	} else if directory.CreatedAt.IsZero() {
		directory.CreatedAt = now
	}
	directory.ModifiedAt = now
	s.directories[directory.ID] = directory
	return nil
}

func (s *MemStore) GetDirectory(ctx context.Context, id string) (Directory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	directory, ok := s.directories[id]
	if !ok {
		return Directory{}, ErrNotFound
	}
	return directory, nil
}

func (s *MemStore) FindDirectoryByEndpoint(ctx context.Context, endpointAddress string) (Directory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, directory := range s.directories {
		if directory.EndpointAddress == endpointAddress {
			return directory, nil
		}
	}
	return Directory{}, ErrNotFound
}

func (s *MemStore) ListDirectories(ctx context.Context) ([]Directory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Directory, 0, len(s.directories))
	for _, directory := range s.directories {
		result = append(result, directory)
	}
	slices.SortFunc(result, func(a, b Directory) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return result, nil
}

func (s *MemStore) ListActiveDirectories(ctx context.Context) ([]Directory, error) {
	all, err := s.ListDirectories(ctx)
	if err != nil {
		return nil, err
	}
	var result []Directory
	for _, directory := range all {
		if directory.Active() {
			result = append(result, directory)
		}
	}
	return result, nil
}

func (s *MemStore) RecordSyncSuccess(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	directory, ok := s.directories[id]
	if !ok {
		return ErrNotFound
	}
	directory.LastSuccessSync = &at
	directory.FailedAttempts = 0
	directory.ReasonIgnored = ""
	directory.ModifiedAt = time.Now()
	s.directories[id] = directory
	return nil
}

func (s *MemStore) RecordSyncFailure(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	directory, ok := s.directories[id]
	if !ok {
		return ErrNotFound
	}
	directory.FailedAttempts++
	directory.FailedSyncCount++
	directory.ReasonIgnored = reason
	directory.ModifiedAt = time.Now()
	s.directories[id] = directory
	return nil
}

func (s *MemStore) MarkDirectoryIgnored(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	directory, ok := s.directories[id]
	if !ok {
		return ErrNotFound
	}
	directory.IsIgnored = true
	directory.ReasonIgnored = reason
	directory.ModifiedAt = time.Now()
	s.directories[id] = directory
	return nil
}

func (s *MemStore) MarkDirectoryDeleted(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	directory, ok := s.directories[id]
	if !ok {
		return ErrNotFound
	}
	directory.DeletedAt = &at
	directory.ModifiedAt = time.Now()
	s.directories[id] = directory
	return nil
}

func (s *MemStore) DeleteDirectory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.directories, id)
	delete(s.maps, id)
	for providerID := range s.links {
		delete(s.links[providerID], id)
	}
	return nil
}

func (s *MemStore) UpsertProvider(ctx context.Context, provider Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[provider.ID] = provider
	return nil
}

func (s *MemStore) GetProvider(ctx context.Context, id string) (Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	provider, ok := s.providers[id]
	if !ok {
		return Provider{}, ErrNotFound
	}
	return provider, nil
}

func (s *MemStore) FindProviderByURL(ctx context.Context, url string) (Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, provider := range s.providers {
		if provider.URL == url {
			return provider, nil
		}
	}
	return Provider{}, ErrNotFound
}

func (s *MemStore) ListProviders(ctx context.Context) ([]Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Provider, 0, len(s.providers))
	for _, provider := range s.providers {
		result = append(result, provider)
	}
	slices.SortFunc(result, func(a, b Provider) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return result, nil
}

func (s *MemStore) ListEnabledProviders(ctx context.Context) ([]Provider, error) {
	all, err := s.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	var result []Provider
	for _, provider := range all {
		if provider.Enabled {
			result = append(result, provider)
		}
	}
	return result, nil
}

func (s *MemStore) SetProviderRefreshedAt(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	provider, ok := s.providers[id]
	if !ok {
		return ErrNotFound
	}
	provider.LastRefreshAt = &at
	s.providers[id] = provider
	return nil
}

func (s *MemStore) TouchProviderLink(ctx context.Context, providerID string, directoryID string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links[providerID] == nil {
		s.links[providerID] = make(map[string]ProviderLink)
	}
	link, ok := s.links[providerID][directoryID]
	if !ok {
		link = ProviderLink{
			ProviderID:  providerID,
			DirectoryID: directoryID,
			FirstSeenAt: seenAt,
		}
	}
	link.LastSeenAt = seenAt
	link.RemovedAt = nil
	s.links[providerID][directoryID] = link
	return nil
}

func (s *MemStore) MarkLinksRemovedExcept(ctx context.Context, providerID string, seenDirectoryIDs []string, at time.Time) ([]ProviderLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []ProviderLink
	for directoryID, link := range s.links[providerID] {
		if link.RemovedAt != nil || slices.Contains(seenDirectoryIDs, directoryID) {
			continue
		}
		link.RemovedAt = &at
		s.links[providerID][directoryID] = link
		removed = append(removed, link)
	}
	return removed, nil
}

func (s *MemStore) ActiveProviderIDsForDirectory(ctx context.Context, directoryID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []string
	for providerID, links := range s.links {
		if link, ok := links[directoryID]; ok && link.RemovedAt == nil {
			result = append(result, providerID)
		}
	}
	return result, nil
}

func (s *MemStore) GetResourceMaps(ctx context.Context, directoryID string, keys []MapKey) (map[MapKey]ResourceMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[MapKey]ResourceMap)
	rows := s.maps[directoryID]
	for _, key := range keys {
		if row, ok := rows[key]; ok {
			result[key] = row
		}
	}
	return result, nil
}

func (s *MemStore) ListResourceMaps(ctx context.Context, directoryID string) ([]ResourceMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []ResourceMap
	for _, row := range s.maps[directoryID] {
		result = append(result, row)
	}
	return result, nil
}

func (s *MemStore) ApplyResourceMapMutations(ctx context.Context, directoryID string, mutations []ResourceMapMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maps[directoryID] == nil {
		s.maps[directoryID] = make(map[MapKey]ResourceMap)
	}
	for _, mutation := range mutations {
		key := MapKey{ResourceType: mutation.ResourceType, UpstreamResourceID: mutation.UpstreamResourceID}
		switch mutation.Kind {
		case MutationUpsert:
			existing, ok := s.maps[directoryID][key]
			if !ok {
				existing = ResourceMap{
					DirectoryID:        directoryID,
					ResourceType:       mutation.ResourceType,
					UpstreamResourceID: mutation.UpstreamResourceID,
					CreatedAt:          time.Now(),
				}
			}
			existing.LocalResourceID = mutation.LocalResourceID
			s.maps[directoryID][key] = existing
		case MutationDelete:
			delete(s.maps[directoryID], key)
		}
	}
	return nil
}
