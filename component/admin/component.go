// Package admin serves a small operator UI on the internal interface:
// registered directories and providers, manual registration and one-shot
// sync/refresh triggers.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nuts-foundation/zorgadresboek/component"
	"github.com/nuts-foundation/zorgadresboek/component/admin/templates"
	"github.com/nuts-foundation/zorgadresboek/lib/logging"
	"github.com/nuts-foundation/zorgadresboek/storage"
)

var _ component.Lifecycle = &Component{}

// Registry is the part of the registry component the UI uses.
type Registry interface {
	AddManualDirectory(ctx context.Context, endpointAddress string, ura string) (storage.Directory, error)
	AddProvider(ctx context.Context, providerURL string) (storage.Provider, error)
	RefreshProvider(ctx context.Context, provider storage.Provider) error
}

type Component struct {
	store      storage.Store
	registry   Registry
	triggerOne func(ctx context.Context, directoryID string) error
}

func New(store storage.Store, registry Registry, triggerOne func(ctx context.Context, directoryID string) error) *Component {
	return &Component{
		store:      store,
		registry:   registry,
		triggerOne: triggerOne,
	}
}

func (c *Component) Start() error {
	return nil
}

func (c *Component) Stop(ctx context.Context) error {
	return nil
}

func (c *Component) RegisterHttpHandlers(publicMux *http.ServeMux, internalMux *http.ServeMux) {
	internalMux.HandleFunc("GET /admin", c.handleIndex)
	internalMux.HandleFunc("POST /admin/directories", c.handleAddDirectory)
	internalMux.HandleFunc("POST /admin/directories/{id}/sync", c.handleSyncDirectory)
	internalMux.HandleFunc("POST /admin/providers", c.handleAddProvider)
	internalMux.HandleFunc("POST /admin/providers/{id}/refresh", c.handleRefreshProvider)
}

type directoryRow struct {
	ID              string
	EndpointAddress string
	URA             string
	Origin          string
	LastSync        string
	FailedSyncCount int
	State           string
}

type providerRow struct {
	ID          string
	URL         string
	Enabled     bool
	LastRefresh string
}

type indexProps struct {
	Directories []directoryRow
	Providers   []providerRow
	Error       string
}

func (c *Component) handleIndex(response http.ResponseWriter, request *http.Request) {
	c.renderIndex(response, request, "")
}

func (c *Component) renderIndex(response http.ResponseWriter, request *http.Request, errMessage string) {
	props := indexProps{Error: errMessage}

	directories, err := c.store.ListDirectories(request.Context())
	if err != nil {
		slog.ErrorContext(request.Context(), "Failed to list directories", logging.Error(err))
		props.Error = "failed to list directories"
	}
	for _, directory := range directories {
		row := directoryRow{
			ID:              directory.ID,
			EndpointAddress: directory.EndpointAddress,
			URA:             directory.URA,
			Origin:          string(directory.Origin),
			LastSync:        "never",
			FailedSyncCount: directory.FailedSyncCount,
			State:           "active",
		}
		if directory.LastSuccessSync != nil {
			row.LastSync = directory.LastSuccessSync.Format(time.RFC3339)
		}
		if directory.DeletedAt != nil {
			row.State = "deleted"
		} else if directory.IsIgnored {
			row.State = "ignored: " + directory.ReasonIgnored
		}
		props.Directories = append(props.Directories, row)
	}

	providers, err := c.store.ListProviders(request.Context())
	if err != nil {
		slog.ErrorContext(request.Context(), "Failed to list providers", logging.Error(err))
		props.Error = "failed to list providers"
	}
	for _, provider := range providers {
		row := providerRow{
			ID:          provider.ID,
			URL:         provider.URL,
			Enabled:     provider.Enabled,
			LastRefresh: "never",
		}
		if provider.LastRefreshAt != nil {
			row.LastRefresh = provider.LastRefreshAt.Format(time.RFC3339)
		}
		props.Providers = append(props.Providers, row)
	}

	templates.RenderWithBase(response, "index.html", props)
}

func (c *Component) handleAddDirectory(response http.ResponseWriter, request *http.Request) {
	if err := request.ParseForm(); err != nil {
		c.renderIndex(response, request, "invalid form input")
		return
	}
	endpointAddress := request.PostForm.Get("endpoint_address")
	if endpointAddress == "" {
		c.renderIndex(response, request, "FHIR base URL is required")
		return
	}
	if _, err := c.registry.AddManualDirectory(request.Context(), endpointAddress, request.PostForm.Get("ura")); err != nil {
		c.renderIndex(response, request, err.Error())
		return
	}
	http.Redirect(response, request, "/admin", http.StatusSeeOther)
}

func (c *Component) handleSyncDirectory(response http.ResponseWriter, request *http.Request) {
	if err := c.triggerOne(request.Context(), request.PathValue("id")); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(response, "unknown directory", http.StatusNotFound)
			return
		}
		c.renderIndex(response, request, err.Error())
		return
	}
	http.Redirect(response, request, "/admin", http.StatusSeeOther)
}

func (c *Component) handleAddProvider(response http.ResponseWriter, request *http.Request) {
	if err := request.ParseForm(); err != nil {
		c.renderIndex(response, request, "invalid form input")
		return
	}
	providerURL := request.PostForm.Get("url")
	if providerURL == "" {
		c.renderIndex(response, request, "catalog URL is required")
		return
	}
	if _, err := c.registry.AddProvider(request.Context(), providerURL); err != nil {
		c.renderIndex(response, request, err.Error())
		return
	}
	http.Redirect(response, request, "/admin", http.StatusSeeOther)
}

func (c *Component) handleRefreshProvider(response http.ResponseWriter, request *http.Request) {
	provider, err := c.store.GetProvider(request.Context(), request.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(response, "unknown provider", http.StatusNotFound)
			return
		}
		c.renderIndex(response, request, err.Error())
		return
	}
	if err := c.registry.RefreshProvider(request.Context(), provider); err != nil {
		c.renderIndex(response, request, err.Error())
		return
	}
	http.Redirect(response, request, "/admin", http.StatusSeeOther)
}
