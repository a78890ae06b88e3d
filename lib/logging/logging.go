// Package logging provides slog attribute helpers, so log fields keep consistent keys across components.
package logging

import (
	"fmt"
	"log/slog"
)

func Error(err error) slog.Attr {
	return slog.String("error", err.Error())
}

func FHIRServer(url string) slog.Attr {
	return slog.String("fhir_server", url)
}

func Component(cmp any) slog.Attr {
	return slog.String("component", fmt.Sprintf("%T", cmp))
}

func DirectoryID(id string) slog.Attr {
	return slog.String("directory_id", id)
}

func ResourceType(resourceType string) slog.Attr {
	return slog.String("resource_type", resourceType)
}

func RequestID(id string) slog.Attr {
	return slog.String("request_id", id)
}
