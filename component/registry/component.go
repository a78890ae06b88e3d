// Package registry maintains the set of known upstream mCSD directories. It
// seeds directories from provider catalogs (FHIR servers listing Organizations
// with mcsd-directory Endpoints) and from manual registration, and archives
// directories a provider stops listing.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/google/uuid"
	"github.com/nuts-foundation/zorgadresboek/component"
	"github.com/nuts-foundation/zorgadresboek/lib/coding"
	libfhir "github.com/nuts-foundation/zorgadresboek/lib/fhirutil"
	"github.com/nuts-foundation/zorgadresboek/lib/fhirref"
	"github.com/nuts-foundation/zorgadresboek/lib/httpclient"
	"github.com/nuts-foundation/zorgadresboek/lib/logging"
	"github.com/nuts-foundation/zorgadresboek/storage"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

var _ component.Lifecycle = &Component{}

type Config struct {
	// Providers are catalog FHIR base URLs seeded into the registry at startup.
	Providers []string `koanf:"providers"`
	// RefreshInterval is the interval between provider catalog refreshes.
	RefreshInterval time.Duration `koanf:"refreshinterval"`
	// ArchiveRemovedDirectories soft-deletes a provider-origin directory when
	// no enabled provider lists it anymore.
	ArchiveRemovedDirectories bool `koanf:"archiveremoveddirectories"`

	Client httpclient.Config `koanf:"client"`
}

func DefaultConfig() Config {
	return Config{
		RefreshInterval:           time.Hour,
		ArchiveRemovedDirectories: true,
		Client:                    httpclient.DefaultConfig(),
	}
}

// CleanupFunc removes the local copies owned by an archived directory.
type CleanupFunc func(ctx context.Context, directoryID string) error

type Component struct {
	config       Config
	store        storage.Store
	cleanupFn    CleanupFunc
	fhirClientFn func(baseURL *url.URL) fhirclient.Client

	done chan struct{}
	wg   sync.WaitGroup
}

func New(config Config, store storage.Store, cleanupFn CleanupFunc) (*Component, error) {
	httpClient, err := httpclient.New(config.Client, nil)
	if err != nil {
		return nil, fmt.Errorf("create HTTP client: %w", err)
	}
	return &Component{
		config:    config,
		store:     store,
		cleanupFn: cleanupFn,
		fhirClientFn: func(baseURL *url.URL) fhirclient.Client {
			return fhirclient.New(baseURL, httpClient, &fhirclient.Config{
				UsePostSearch: false,
			})
		},
		done: make(chan struct{}),
	}, nil
}

func (c *Component) Start() error {
	ctx := context.Background()
	if err := c.EnsureConfigProviders(ctx); err != nil {
		return err
	}
	if c.config.RefreshInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ticker := time.NewTicker(c.config.RefreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-c.done:
					return
				case <-ticker.C:
					c.RefreshAllEnabled(context.Background())
				}
			}
		}()
	}
	return nil
}

func (c *Component) Stop(ctx context.Context) error {
	close(c.done)
	stopped := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnsureConfigProviders registers every configured provider URL that is not
// in the registry yet.
func (c *Component) EnsureConfigProviders(ctx context.Context) error {
	for _, providerURL := range c.config.Providers {
		if _, err := c.store.FindProviderByURL(ctx, providerURL); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if _, err := c.AddProvider(ctx, providerURL); err != nil {
			return fmt.Errorf("register configured provider %s: %w", providerURL, err)
		}
	}
	return nil
}

// AddProvider registers a provider catalog URL.
func (c *Component) AddProvider(ctx context.Context, providerURL string) (storage.Provider, error) {
	trimmed := strings.TrimRight(providerURL, "/")
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return storage.Provider{}, fmt.Errorf("invalid provider URL: %w", err)
	}
	provider := storage.Provider{
		ID:      uuid.NewString(),
		URL:     trimmed,
		Enabled: true,
	}
	if err := c.store.UpsertProvider(ctx, provider); err != nil {
		return storage.Provider{}, err
	}
	slog.InfoContext(ctx, "Registered directory provider", slog.String("url", trimmed))
	return provider, nil
}

// AddManualDirectory registers an upstream directory by hand. Manually
// registered directories survive provider refreshes: their origin is never
// downgraded back to provider.
func (c *Component) AddManualDirectory(ctx context.Context, endpointAddress string, ura string) (storage.Directory, error) {
	trimmed := strings.TrimRight(endpointAddress, "/")
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return storage.Directory{}, fmt.Errorf("invalid directory endpoint address: %w", err)
	}

	directory, err := c.store.FindDirectoryByEndpoint(ctx, trimmed)
	if errors.Is(err, storage.ErrNotFound) {
		directory = storage.Directory{
			ID:              fhirref.DeriveDirectoryID(trimmed),
			EndpointAddress: trimmed,
		}
	} else if err != nil {
		return storage.Directory{}, err
	}
	directory.Origin = storage.OriginManual
	directory.DeletedAt = nil
	if ura != "" {
		directory.URA = ura
	}
	if err := c.store.UpsertDirectory(ctx, directory); err != nil {
		return storage.Directory{}, err
	}
	slog.InfoContext(ctx, "Registered directory manually",
		logging.DirectoryID(directory.ID), logging.FHIRServer(trimmed))
	return directory, nil
}

// RefreshAllEnabled refreshes every enabled provider, continuing past
// individual failures.
func (c *Component) RefreshAllEnabled(ctx context.Context) {
	providers, err := c.store.ListEnabledProviders(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list providers for refresh", logging.Error(err))
		return
	}
	for _, provider := range providers {
		if err := c.RefreshProvider(ctx, provider); err != nil {
			slog.ErrorContext(ctx, "Provider refresh failed",
				slog.String("url", provider.URL), logging.Error(err))
		}
	}
}

// RefreshProvider pulls the provider's catalog and reconciles the registry:
// every listed mcsd-directory Endpoint becomes (or refreshes) a directory, and
// directories the provider no longer lists are archived when no other enabled
// provider still lists them.
func (c *Component) RefreshProvider(ctx context.Context, provider storage.Provider) error {
	now := time.Now()
	providerBaseURL, err := url.Parse(provider.URL)
	if err != nil {
		return fmt.Errorf("invalid provider URL: %w", err)
	}
	client := c.fhirClientFn(providerBaseURL)

	endpoints, organizations, err := queryCatalog(ctx, client)
	if err != nil {
		return err
	}

	var seenDirectoryIDs []string
	for _, endpoint := range endpoints {
		if !coding.CodablesIncludesCode(endpoint.PayloadType, coding.PayloadCoding) {
			continue
		}
		address := strings.TrimRight(endpoint.Address, "/")
		if _, err := url.ParseRequestURI(address); err != nil {
			slog.WarnContext(ctx, "Provider listed endpoint with invalid address, skipped",
				slog.String("url", provider.URL), slog.String("address", endpoint.Address))
			continue
		}
		ura := endpointOwnerURA(endpoint, organizations)

		directory, err := c.store.FindDirectoryByEndpoint(ctx, address)
		if errors.Is(err, storage.ErrNotFound) {
			directory = storage.Directory{
				ID:              fhirref.DeriveDirectoryID(address),
				EndpointAddress: address,
				Origin:          storage.OriginProvider,
			}
		} else if err != nil {
			return err
		}
		// Manual registrations keep their origin, a provider listing them as
		// well does not hand over ownership.
		if directory.Origin != storage.OriginManual {
			directory.Origin = storage.OriginProvider
			directory.DeletedAt = nil
		}
		if ura != "" {
			directory.URA = ura
		}
		if err := c.store.UpsertDirectory(ctx, directory); err != nil {
			return err
		}
		if err := c.store.TouchProviderLink(ctx, provider.ID, directory.ID, now); err != nil {
			return err
		}
		seenDirectoryIDs = append(seenDirectoryIDs, directory.ID)
	}

	removed, err := c.store.MarkLinksRemovedExcept(ctx, provider.ID, seenDirectoryIDs, now)
	if err != nil {
		return err
	}
	for _, link := range removed {
		if err := c.archiveIfOrphaned(ctx, link.DirectoryID, now); err != nil {
			slog.ErrorContext(ctx, "Failed to archive removed directory",
				logging.DirectoryID(link.DirectoryID), logging.Error(err))
		}
	}

	if err := c.store.SetProviderRefreshedAt(ctx, provider.ID, now); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Refreshed directory provider",
		slog.String("url", provider.URL),
		slog.Int("directories", len(seenDirectoryIDs)),
		slog.Int("removed", len(removed)))
	return nil
}

// archiveIfOrphaned soft-deletes a provider-origin directory once no enabled
// provider lists it anymore. Manual directories are never archived this way.
func (c *Component) archiveIfOrphaned(ctx context.Context, directoryID string, at time.Time) error {
	if !c.config.ArchiveRemovedDirectories {
		return nil
	}
	directory, err := c.store.GetDirectory(ctx, directoryID)
	if err != nil {
		return err
	}
	if directory.Origin == storage.OriginManual || directory.DeletedAt != nil {
		return nil
	}
	activeProviders, err := c.store.ActiveProviderIDsForDirectory(ctx, directoryID)
	if err != nil {
		return err
	}
	if len(activeProviders) > 0 {
		return nil
	}
	slog.InfoContext(ctx, "Archiving directory, no provider lists it anymore",
		logging.DirectoryID(directoryID))
	if err := c.store.MarkDirectoryDeleted(ctx, directoryID, at); err != nil {
		return err
	}
	c.cleanupLocalCopies(ctx, directoryID)
	return nil
}

// cleanupLocalCopies removes an archived directory's local copies right away.
// Best effort: a failure here is recovered by the periodic cleanup pass.
func (c *Component) cleanupLocalCopies(ctx context.Context, directoryID string) {
	if c.cleanupFn == nil {
		return
	}
	if err := c.cleanupFn(ctx, directoryID); err != nil {
		slog.ErrorContext(ctx, "Failed to clean up archived directory's local copies",
			logging.DirectoryID(directoryID), logging.Error(err))
	}
}

// queryCatalog drains the provider's Endpoint listing, including the owning
// Organizations so the directory URA can be resolved.
func queryCatalog(ctx context.Context, client fhirclient.Client) ([]fhir.Endpoint, map[string]fhir.Organization, error) {
	params := url.Values{
		"_include": []string{"Endpoint:organization"},
		"_count":   []string{"100"},
	}
	var searchSet fhir.Bundle
	if err := client.SearchWithContext(ctx, "", params, &searchSet, fhirclient.AtPath("Endpoint")); err != nil {
		return nil, nil, fmt.Errorf("search provider catalog: %w", err)
	}

	var endpoints []fhir.Endpoint
	organizations := make(map[string]fhir.Organization)
	err := fhirclient.Paginate(ctx, client, searchSet, func(searchSet *fhir.Bundle) (bool, error) {
		for _, entry := range searchSet.Entry {
			if entry.Resource == nil {
				continue
			}
			info, err := libfhir.ExtractResourceInfo(entry.Resource)
			if err != nil {
				continue
			}
			switch info.Type {
			case "Endpoint":
				var endpoint fhir.Endpoint
				if err := json.Unmarshal(entry.Resource, &endpoint); err != nil {
					return false, fmt.Errorf("invalid Endpoint in catalog: %w", err)
				}
				endpoints = append(endpoints, endpoint)
			case "Organization":
				var organization fhir.Organization
				if err := json.Unmarshal(entry.Resource, &organization); err != nil {
					return false, fmt.Errorf("invalid Organization in catalog: %w", err)
				}
				organizations["Organization/"+info.ID] = organization
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("paginate provider catalog: %w", err)
	}
	return endpoints, organizations, nil
}

// endpointOwnerURA resolves the URA of the Organization managing the endpoint.
func endpointOwnerURA(endpoint fhir.Endpoint, organizations map[string]fhir.Organization) string {
	if endpoint.ManagingOrganization == nil || endpoint.ManagingOrganization.Reference == nil {
		return ""
	}
	organization, ok := organizations[*endpoint.ManagingOrganization.Reference]
	if !ok {
		return ""
	}
	return libfhir.IdentifierValue(organization.Identifier, coding.URANamingSystem)
}

func (c *Component) RegisterHttpHandlers(publicMux *http.ServeMux, internalMux *http.ServeMux) {
	internalMux.HandleFunc("GET /registry/providers", func(response http.ResponseWriter, request *http.Request) {
		providers, err := c.store.ListProviders(request.Context())
		if err != nil {
			http.Error(response, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(response, http.StatusOK, providers)
	})
	internalMux.HandleFunc("POST /registry/providers", func(response http.ResponseWriter, request *http.Request) {
		var body struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil || body.URL == "" {
			http.Error(response, "url is required", http.StatusBadRequest)
			return
		}
		provider, err := c.AddProvider(request.Context(), body.URL)
		if err != nil {
			http.Error(response, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(response, http.StatusCreated, provider)
	})
	internalMux.HandleFunc("POST /registry/providers/{id}/refresh", func(response http.ResponseWriter, request *http.Request) {
		provider, err := c.store.GetProvider(request.Context(), request.PathValue("id"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(response, "unknown provider", http.StatusNotFound)
				return
			}
			http.Error(response, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := c.RefreshProvider(request.Context(), provider); err != nil {
			http.Error(response, err.Error(), http.StatusBadGateway)
			return
		}
		response.WriteHeader(http.StatusNoContent)
	})
	internalMux.HandleFunc("GET /registry/directories", func(response http.ResponseWriter, request *http.Request) {
		directories, err := c.store.ListDirectories(request.Context())
		if err != nil {
			http.Error(response, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(response, http.StatusOK, directories)
	})
	internalMux.HandleFunc("POST /registry/directories", func(response http.ResponseWriter, request *http.Request) {
		var body struct {
			EndpointAddress string `json:"endpoint_address"`
			URA             string `json:"ura"`
		}
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil || body.EndpointAddress == "" {
			http.Error(response, "endpoint_address is required", http.StatusBadRequest)
			return
		}
		directory, err := c.AddManualDirectory(request.Context(), body.EndpointAddress, body.URA)
		if err != nil {
			http.Error(response, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(response, http.StatusCreated, directory)
	})
	internalMux.HandleFunc("DELETE /registry/directories/{id}", func(response http.ResponseWriter, request *http.Request) {
		directoryID := request.PathValue("id")
		err := c.store.MarkDirectoryDeleted(request.Context(), directoryID, time.Now())
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(response, "unknown directory", http.StatusNotFound)
				return
			}
			http.Error(response, err.Error(), http.StatusInternalServerError)
			return
		}
		c.cleanupLocalCopies(request.Context(), directoryID)
		response.WriteHeader(http.StatusNoContent)
	})
}

func writeJSON(response http.ResponseWriter, status int, body any) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(status)
	_ = json.NewEncoder(response).Encode(body)
}
