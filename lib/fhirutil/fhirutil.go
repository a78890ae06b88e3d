// Package fhirutil contains helpers for working with raw FHIR resources and Bundle entries.
package fhirutil

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// ResourceInfo holds the identity fields extracted from a raw FHIR resource.
type ResourceInfo struct {
	Type        string
	ID          string
	LastUpdated *time.Time
}

// ExtractResourceInfo parses resourceType, id and meta.lastUpdated from a raw resource.
func ExtractResourceInfo(resource json.RawMessage) (ResourceInfo, error) {
	var envelope struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
		Meta         *struct {
			LastUpdated *string `json:"lastUpdated"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(resource, &envelope); err != nil {
		return ResourceInfo{}, fmt.Errorf("invalid FHIR resource: %w", err)
	}
	if envelope.ResourceType == "" {
		return ResourceInfo{}, fmt.Errorf("resource has no resourceType")
	}
	result := ResourceInfo{
		Type: envelope.ResourceType,
		ID:   envelope.ID,
	}
	if envelope.Meta != nil && envelope.Meta.LastUpdated != nil {
		if ts, err := time.Parse(time.RFC3339Nano, *envelope.Meta.LastUpdated); err == nil {
			result.LastUpdated = &ts
		}
	}
	return result, nil
}

// FilterIdentifiersBySystem returns the identifiers whose system equals the given naming system.
func FilterIdentifiersBySystem(identifiers []fhir.Identifier, system string) []fhir.Identifier {
	var result []fhir.Identifier
	for _, identifier := range identifiers {
		if identifier.System != nil && *identifier.System == system {
			result = append(result, identifier)
		}
	}
	return result
}

// IdentifierValue returns the value of the first identifier matching the given naming system, or "".
func IdentifierValue(identifiers []fhir.Identifier, system string) string {
	for _, identifier := range FilterIdentifiersBySystem(identifiers, system) {
		if identifier.Value != nil {
			return *identifier.Value
		}
	}
	return ""
}

// BuildSourceURL builds the canonical source URL for a resource hosted on the given base,
// used as meta.source on synchronized copies. Accepts either ("Type", "id") or ("Type/id").
func BuildSourceURL(baseURL string, pathParts ...string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("invalid base URL %q", baseURL)
	}
	segments := []string{}
	for _, part := range pathParts {
		for _, segment := range strings.Split(part, "/") {
			if segment == "" {
				return "", fmt.Errorf("invalid path segment in %q", strings.Join(pathParts, "/"))
			}
			segments = append(segments, segment)
		}
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("no path segments given")
	}
	return parsed.String() + "/" + strings.Join(segments, "/"), nil
}

// EntryResourceTypeAndID derives the resource type and id of a Bundle entry,
// from the resource body when present, otherwise from the request URL (DELETE entries).
func EntryResourceTypeAndID(entry fhir.BundleEntry) (string, string) {
	if entry.Resource != nil {
		if info, err := ExtractResourceInfo(entry.Resource); err == nil {
			return info.Type, info.ID
		}
	}
	if entry.Request != nil && entry.Request.Url != "" {
		parts := strings.Split(entry.Request.Url, "/")
		if len(parts) >= 2 {
			return parts[0], parts[1]
		}
	}
	if entry.FullUrl != nil {
		parts := strings.Split(*entry.FullUrl, "/")
		if len(parts) >= 2 {
			return parts[len(parts)-2], parts[len(parts)-1]
		}
	}
	return "", ""
}
