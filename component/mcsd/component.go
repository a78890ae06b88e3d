// Package mcsd implements the mCSD Update Client: it periodically pulls the
// _history feeds of registered upstream directories and applies the changes to
// the local query directory as FHIR transaction Bundles, namespacing ids and
// references per directory.
package mcsd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/nuts-foundation/zorgadresboek/component"
	"github.com/nuts-foundation/zorgadresboek/lib/httpauth"
	"github.com/nuts-foundation/zorgadresboek/lib/httpclient"
	"github.com/nuts-foundation/zorgadresboek/lib/logging"
	"github.com/nuts-foundation/zorgadresboek/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var _ component.Lifecycle = &Component{}

// syncLookback is subtracted from the last successful sync time when building
// the _since parameter, to absorb clock skew between servers.
const syncLookback = 60 * time.Second

// cleanupChunkSize is the number of DELETE entries per cleanup transaction Bundle.
const cleanupChunkSize = 100

var (
	syncPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zab_mcsd_sync_passes_total",
		Help: "Number of directory sync passes by outcome.",
	}, []string{"status"})
	syncPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "zab_mcsd_sync_pass_duration_seconds",
		Help:    "Duration of directory sync passes.",
		Buckets: prometheus.DefBuckets,
	})
)

type QueryDirectoryConfig struct {
	// FHIRBaseURL is the base URL of the local query directory FHIR server.
	FHIRBaseURL string `koanf:"fhirbaseurl"`
}

type Config struct {
	QueryDirectory QueryDirectoryConfig `koanf:"querydirectory"`
	// DirectoryResourceTypes are the resource types pulled from upstream directories.
	DirectoryResourceTypes []string `koanf:"resourcetypes"`
	// SyncInterval is the interval between mass update passes.
	SyncInterval time.Duration `koanf:"syncinterval"`
	// CleanupInterval is the interval between registry cleanup passes.
	CleanupInterval time.Duration `koanf:"cleanupinterval"`
	// MaxConcurrentSyncs bounds the number of directories synced in parallel.
	MaxConcurrentSyncs int `koanf:"maxconcurrentsyncs"`
	// IgnoreAfterSuccessTimeout marks a directory ignored when its last
	// successful sync is older than this. Zero disables the check.
	IgnoreAfterSuccessTimeout time.Duration `koanf:"ignoreaftersuccesstimeout"`
	// IgnoreAfterFailedAttempts marks a directory ignored after this many
	// consecutive failed sync attempts. Zero disables the check.
	IgnoreAfterFailedAttempts int `koanf:"ignoreafterfailedattempts"`
	// DeleteGracePeriod is how long a soft-deleted directory is retained
	// before its local copies are removed and the row is purged.
	DeleteGracePeriod time.Duration `koanf:"deletegraceperiod"`
	// CheckCapabilityStatement validates the upstream CapabilityStatement
	// before each sync pass.
	CheckCapabilityStatement bool `koanf:"checkcapabilitystatement"`

	Client httpclient.Config     `koanf:"client"`
	OAuth2 httpauth.OAuth2Config `koanf:"oauth2"`
}

func DefaultConfig() Config {
	return Config{
		DirectoryResourceTypes: []string{
			"Organization", "Endpoint", "Location",
			"HealthcareService", "PractitionerRole", "Practitioner",
		},
		SyncInterval:              5 * time.Minute,
		CleanupInterval:           time.Hour,
		MaxConcurrentSyncs:        4,
		IgnoreAfterFailedAttempts: 10,
		DeleteGracePeriod:         7 * 24 * time.Hour,
		Client:                    httpclient.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if c.QueryDirectory.FHIRBaseURL == "" {
		return errors.New("query directory FHIR base URL is required")
	}
	if _, err := url.Parse(c.QueryDirectory.FHIRBaseURL); err != nil {
		return fmt.Errorf("invalid query directory FHIR base URL: %w", err)
	}
	if len(c.DirectoryResourceTypes) == 0 {
		return errors.New("at least one directory resource type is required")
	}
	if c.MaxConcurrentSyncs < 1 {
		return errors.New("maxconcurrentsyncs must be at least 1")
	}
	return nil
}

// UpdateOutcome is the result of one directory sync attempt.
type UpdateOutcome struct {
	Status string                `json:"status"` // success | skipped | offline | error
	Report DirectoryUpdateReport `json:"report"`
	Error  string                `json:"error,omitempty"`
}

type Component struct {
	config       Config
	store        storage.Store
	fhirClientFn func(baseURL *url.URL) fhirclient.Client

	// directoryLocks serializes sync passes per directory. A pass that finds
	// the lock taken is dropped, not queued.
	directoryLocks sync.Map
	semaphore      chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

func New(config Config, store storage.Store) (*Component, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	httpClient, err := httpclient.New(config.Client, nil)
	if err != nil {
		return nil, fmt.Errorf("create HTTP client: %w", err)
	}
	if config.OAuth2.IsConfigured() {
		httpClient, err = httpauth.NewOAuth2HTTPClient(config.OAuth2, httpClient.Transport)
		if err != nil {
			return nil, fmt.Errorf("create OAuth2 HTTP client: %w", err)
		}
	}
	return &Component{
		config: config,
		store:  store,
		fhirClientFn: func(baseURL *url.URL) fhirclient.Client {
			return fhirclient.New(baseURL, httpClient, &fhirclient.Config{
				UsePostSearch: false,
			})
		},
		semaphore: make(chan struct{}, config.MaxConcurrentSyncs),
		done:      make(chan struct{}),
	}, nil
}

func (c *Component) RegisterHttpHandlers(publicMux *http.ServeMux, internalMux *http.ServeMux) {
	internalMux.HandleFunc("POST /mcsd/update", func(response http.ResponseWriter, request *http.Request) {
		outcomes := c.MassUpdate(request.Context())
		response.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(response).Encode(outcomes)
	})
	internalMux.HandleFunc("POST /mcsd/update/{id}", func(response http.ResponseWriter, request *http.Request) {
		outcome, err := c.UpdateDirectory(request.Context(), request.PathValue("id"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(response, "unknown directory", http.StatusNotFound)
				return
			}
			http.Error(response, err.Error(), http.StatusInternalServerError)
			return
		}
		response.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(response).Encode(outcome)
	})
}

func (c *Component) Start() error {
	if c.config.SyncInterval > 0 {
		c.wg.Add(1)
		go c.runScheduler(c.config.SyncInterval, func(ctx context.Context) {
			c.MassUpdate(ctx)
		})
	}
	if c.config.CleanupInterval > 0 {
		c.wg.Add(1)
		go c.runScheduler(c.config.CleanupInterval, c.cleanup)
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

func (c *Component) runScheduler(interval time.Duration, tick func(ctx context.Context)) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			tick(context.Background())
		}
	}
}

// MassUpdate syncs every active directory, bounded by MaxConcurrentSyncs.
// The result maps directory id to outcome.
func (c *Component) MassUpdate(ctx context.Context) map[string]UpdateOutcome {
	directories, err := c.store.ListActiveDirectories(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list directories for mass update", logging.Error(err))
		return nil
	}

	var mutex sync.Mutex
	outcomes := make(map[string]UpdateOutcome, len(directories))
	var wg sync.WaitGroup
	for _, directory := range directories {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.semaphore <- struct{}{}
			defer func() { <-c.semaphore }()
			outcome := c.updateDirectory(ctx, directory)
			mutex.Lock()
			outcomes[directory.ID] = outcome
			mutex.Unlock()
		}()
	}
	wg.Wait()
	return outcomes
}

// UpdateDirectory runs one sync pass for the directory with the given id.
func (c *Component) UpdateDirectory(ctx context.Context, directoryID string) (UpdateOutcome, error) {
	directory, err := c.store.GetDirectory(ctx, directoryID)
	if err != nil {
		return UpdateOutcome{}, err
	}
	return c.updateDirectory(ctx, directory), nil
}

// updateDirectory runs one sync pass for one directory and records the result
// in the registry. Concurrent passes for the same directory are dropped.
func (c *Component) updateDirectory(ctx context.Context, directory storage.Directory) UpdateOutcome {
	lockAny, _ := c.directoryLocks.LoadOrStore(directory.ID, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	if !lock.TryLock() {
		slog.InfoContext(ctx, "Sync already running for directory, skipping", logging.DirectoryID(directory.ID))
		syncPassesTotal.WithLabelValues("skipped").Inc()
		return UpdateOutcome{Status: "skipped"}
	}
	defer lock.Unlock()

	ctx, span := otel.Tracer("zorgadresboek/mcsd").Start(ctx, "mcsd.sync",
		trace.WithAttributes(attribute.String("directory.id", directory.ID)))
	defer span.End()

	startedAt := time.Now()
	var since *time.Time
	if directory.LastSuccessSync != nil {
		lookback := directory.LastSuccessSync.Add(-syncLookback)
		since = &lookback
	}

	report, err := c.syncDirectory(ctx, directory, since)
	syncPassDuration.Observe(time.Since(startedAt).Seconds())
	if err != nil {
		span.RecordError(err)
		status := "error"
		if httpclient.IsOffline(err) {
			status = "offline"
		}
		syncPassesTotal.WithLabelValues(status).Inc()
		slog.ErrorContext(ctx, "Directory sync failed",
			logging.DirectoryID(directory.ID), slog.String("status", status), logging.Error(err))
		if recordErr := c.store.RecordSyncFailure(ctx, directory.ID, err.Error()); recordErr != nil {
			slog.ErrorContext(ctx, "Failed to record sync failure", logging.DirectoryID(directory.ID), logging.Error(recordErr))
		}
		return UpdateOutcome{Status: status, Report: report, Error: err.Error()}
	}

	// Passes that changed nothing still advance the sync marker, the history
	// window must keep moving forward.
	if recordErr := c.store.RecordSyncSuccess(ctx, directory.ID, startedAt); recordErr != nil {
		slog.ErrorContext(ctx, "Failed to record sync success", logging.DirectoryID(directory.ID), logging.Error(recordErr))
	}
	syncPassesTotal.WithLabelValues("success").Inc()
	slog.InfoContext(ctx, "Directory sync finished",
		logging.DirectoryID(directory.ID),
		slog.Int("created", report.CountCreated),
		slog.Int("updated", report.CountUpdated),
		slog.Int("deleted", report.CountDeleted),
		slog.Int("warnings", len(report.Warnings)))
	return UpdateOutcome{Status: "success", Report: report}
}

// cleanup applies the ignore thresholds to active directories and purges
// soft-deleted directories past the grace period, local copies included.
func (c *Component) cleanup(ctx context.Context) {
	directories, err := c.store.ListDirectories(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list directories for cleanup", logging.Error(err))
		return
	}
	now := time.Now()
	for _, directory := range directories {
		if directory.DeletedAt != nil {
			if c.config.DeleteGracePeriod > 0 && now.Sub(*directory.DeletedAt) >= c.config.DeleteGracePeriod {
				if err := c.purgeDirectory(ctx, directory); err != nil {
					slog.ErrorContext(ctx, "Failed to purge deleted directory", logging.DirectoryID(directory.ID), logging.Error(err))
				}
			}
			continue
		}
		if directory.IsIgnored {
			continue
		}
		if c.config.IgnoreAfterFailedAttempts > 0 && directory.FailedSyncCount >= c.config.IgnoreAfterFailedAttempts {
			reason := fmt.Sprintf("%d consecutive failed sync attempts", directory.FailedSyncCount)
			c.markIgnored(ctx, directory, reason)
			continue
		}
		if c.config.IgnoreAfterSuccessTimeout > 0 && directory.LastSuccessSync != nil &&
			now.Sub(*directory.LastSuccessSync) >= c.config.IgnoreAfterSuccessTimeout {
			c.markIgnored(ctx, directory, fmt.Sprintf("no successful sync since %s", directory.LastSuccessSync.Format(time.RFC3339)))
		}
	}
}

func (c *Component) markIgnored(ctx context.Context, directory storage.Directory, reason string) {
	slog.WarnContext(ctx, "Ignoring directory", logging.DirectoryID(directory.ID), slog.String("reason", reason))
	if err := c.store.MarkDirectoryIgnored(ctx, directory.ID, reason); err != nil {
		slog.ErrorContext(ctx, "Failed to mark directory ignored", logging.DirectoryID(directory.ID), logging.Error(err))
	}
}

func (c *Component) purgeDirectory(ctx context.Context, directory storage.Directory) error {
	if err := c.CleanupDirectory(ctx, directory.ID); err != nil {
		return err
	}
	return c.store.DeleteDirectory(ctx, directory.ID)
}

// CleanupDirectory deletes every local copy owned by the directory from the
// query directory, in chunked DELETE transactions, and clears the resource map.
func (c *Component) CleanupDirectory(ctx context.Context, directoryID string) error {
	maps, err := c.store.ListResourceMaps(ctx, directoryID)
	if err != nil {
		return fmt.Errorf("list resource maps: %w", err)
	}
	if len(maps) == 0 {
		return nil
	}

	localBaseURL, err := url.Parse(c.config.QueryDirectory.FHIRBaseURL)
	if err != nil {
		return fmt.Errorf("invalid query directory FHIR base URL: %w", err)
	}
	local := c.fhirClientFn(localBaseURL)

	for start := 0; start < len(maps); start += cleanupChunkSize {
		end := min(start+cleanupChunkSize, len(maps))
		chunk := maps[start:end]
		tx := fhir.Bundle{
			Type:  fhir.BundleTypeTransaction,
			Entry: make([]fhir.BundleEntry, 0, len(chunk)),
		}
		mutations := make([]storage.ResourceMapMutation, 0, len(chunk))
		for _, row := range chunk {
			tx.Entry = append(tx.Entry, fhir.BundleEntry{
				Request: &fhir.BundleEntryRequest{
					Method: fhir.HTTPVerbDELETE,
					Url:    row.ResourceType + "/" + row.LocalResourceID,
				},
			})
			mutations = append(mutations, storage.ResourceMapMutation{
				Kind:               storage.MutationDelete,
				ResourceType:       row.ResourceType,
				UpstreamResourceID: row.UpstreamResourceID,
				LocalResourceID:    row.LocalResourceID,
			})
		}
		var txResult fhir.Bundle
		if err := local.CreateWithContext(ctx, tx, &txResult, fhirclient.AtPath("/")); err != nil {
			return fmt.Errorf("apply cleanup transaction: %w", err)
		}
		if err := c.store.ApplyResourceMapMutations(ctx, directoryID, mutations); err != nil {
			return fmt.Errorf("apply resource map mutations: %w", err)
		}
	}
	slog.InfoContext(ctx, "Removed local copies of directory",
		logging.DirectoryID(directoryID), slog.Int("resources", len(maps)))
	return nil
}
