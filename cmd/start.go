package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nuts-foundation/zorgadresboek/component"
	"github.com/nuts-foundation/zorgadresboek/component/addressing"
	"github.com/nuts-foundation/zorgadresboek/component/admin"
	libHTTPComponent "github.com/nuts-foundation/zorgadresboek/component/http"
	"github.com/nuts-foundation/zorgadresboek/component/mcsd"
	"github.com/nuts-foundation/zorgadresboek/component/notify"
	"github.com/nuts-foundation/zorgadresboek/component/registry"
	"github.com/nuts-foundation/zorgadresboek/component/status"
	"github.com/nuts-foundation/zorgadresboek/component/tracing"
	"github.com/nuts-foundation/zorgadresboek/lib/logging"
	"github.com/nuts-foundation/zorgadresboek/storage"
	"github.com/pkg/errors"
)

func Start(ctx context.Context, config Config) error {
	slog.SetLogLoggerLevel(config.SlogLevel())
	if !config.StrictMode {
		slog.WarnContext(ctx, "Strict mode is disabled. This is NOT recommended for production environments!")
	}

	publicMux := http.NewServeMux()
	internalMux := http.NewServeMux()

	// Tracing component must be started first to capture logs and spans from other components.
	// We start it immediately (not in the component loop) so that logs from other component
	// constructors (New functions) are also captured via OTLP.
	config.Tracing.ServiceVersion = status.Version()
	tracingComponent := tracing.New(config.Tracing)
	if err := tracingComponent.Start(); err != nil {
		return errors.Wrap(err, "failed to start tracing component")
	}

	var store storage.Store
	if config.Storage.DSN != "" {
		sqlStore, err := storage.NewSQLStore(config.Storage.DSN)
		if err != nil {
			return errors.Wrap(err, "failed to connect to storage")
		}
		store = sqlStore
	} else {
		if config.StrictMode {
			return errors.New("storage DSN is required in strict mode")
		}
		slog.WarnContext(ctx, "No storage DSN configured, using in-memory storage. Registry state is lost on restart!")
		store = storage.NewMemStore()
	}

	mcsdUpdateClient, err := mcsd.New(config.MCSD, store)
	if err != nil {
		return errors.Wrap(err, "failed to create mCSD Update Client")
	}
	// Archived directories get their local copies cleaned up immediately.
	registryComponent, err := registry.New(config.Registry, store, mcsdUpdateClient.CleanupDirectory)
	if err != nil {
		return errors.Wrap(err, "failed to create registry component")
	}

	// The addressing API queries the same FHIR server the sync engine writes to.
	if config.Addressing.FHIRBaseURL == "" {
		config.Addressing.FHIRBaseURL = config.MCSD.QueryDirectory.FHIRBaseURL
	}
	addressingComponent, err := addressing.New(config.Addressing)
	if err != nil {
		return errors.Wrap(err, "failed to create addressing component")
	}

	adminComponent := admin.New(store, registryComponent, func(ctx context.Context, directoryID string) error {
		_, err := mcsdUpdateClient.UpdateDirectory(ctx, directoryID)
		return err
	})

	httpComponent := libHTTPComponent.New(config.HTTP, publicMux, internalMux)
	components := []component.Lifecycle{
		mcsdUpdateClient,
		registryComponent,
		addressingComponent,
		adminComponent,
		status.New(),
		httpComponent,
	}
	if config.Notify.Enabled {
		notifyComponent, err := notify.New(config.Notify)
		if err != nil {
			return errors.Wrap(err, "failed to create notification sender")
		}
		components = append(components, notifyComponent)
	}

	// Components: RegisterHandlers()
	for _, cmp := range components {
		cmp.RegisterHttpHandlers(publicMux, internalMux)
	}

	// Components: Start()
	for _, cmp := range components {
		slog.DebugContext(ctx, "Starting component", logging.Component(cmp))
		if err := cmp.Start(); err != nil {
			return errors.Wrapf(err, "failed to start component: %T", cmp)
		}
		slog.DebugContext(ctx, "Component started", logging.Component(cmp))
	}

	slog.DebugContext(ctx, "System started, waiting for shutdown...")
	<-ctx.Done()

	// Components: Stop()
	slog.DebugContext(ctx, "Shutdown signalled, stopping components...")
	for _, cmp := range components {
		slog.DebugContext(ctx, "Stopping component", logging.Component(cmp))
		if err := cmp.Stop(ctx); err != nil {
			slog.ErrorContext(ctx, "Error stopping component", logging.Component(cmp), logging.Error(err))
		}
		slog.DebugContext(ctx, "Component stopped", logging.Component(cmp))
	}
	slog.InfoContext(ctx, "Goodbye!")

	// Stop tracing last to ensure all shutdown logs are captured
	if err := tracingComponent.Stop(ctx); err != nil {
		// Can't use slog here as the handler may already be shut down
		fmt.Printf("Error stopping tracing component: %v\n", err)
	}
	return nil
}
