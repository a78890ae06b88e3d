// Package fhirref parses FHIR reference strings and namespaces resource ids
// with a per-directory prefix, so resources copied from multiple upstream
// directories never collide in the local directory.
package fhirref

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// maxFHIRIDLength is the maximum length of a FHIR resource id (R4).
const maxFHIRIDLength = 64

// ErrInvalidReference is returned when a reference string cannot be parsed.
type ErrInvalidReference struct {
	Reference string
}

func (e ErrInvalidReference) Error() string {
	return fmt.Sprintf("invalid FHIR reference: %s", e.Reference)
}

// Ref identifies a resource by type and id.
type Ref struct {
	ResourceType string
	ID           string
}

func (r Ref) String() string {
	return r.ResourceType + "/" + r.ID
}

// Parse parses a FHIR reference string into a Ref. Relative references must be
// exactly "Type/id". Absolute URLs are split on path segments: when the path
// contains "_history" the two segments before it identify the resource,
// otherwise the last two segments do. Contained references ("#local") and
// empty strings are rejected.
func Parse(reference string) (Ref, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" || strings.HasPrefix(reference, "#") {
		return Ref{}, ErrInvalidReference{Reference: reference}
	}

	if strings.HasPrefix(reference, "http://") || strings.HasPrefix(reference, "https://") {
		parsed, err := url.Parse(reference)
		if err != nil {
			return Ref{}, ErrInvalidReference{Reference: reference}
		}
		var parts []string
		for _, part := range strings.Split(parsed.Path, "/") {
			if part != "" {
				parts = append(parts, part)
			}
		}
		for i, part := range parts {
			if part == "_history" {
				if i < 2 {
					return Ref{}, ErrInvalidReference{Reference: reference}
				}
				return Ref{ResourceType: parts[i-2], ID: parts[i-1]}, nil
			}
		}
		if len(parts) < 2 {
			return Ref{}, ErrInvalidReference{Reference: reference}
		}
		return Ref{ResourceType: parts[len(parts)-2], ID: parts[len(parts)-1]}, nil
	}

	parts := strings.Split(reference, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Ref{}, ErrInvalidReference{Reference: reference}
	}
	return Ref{ResourceType: parts[0], ID: parts[1]}, nil
}

// SameOrigin reports whether an absolute reference points into the given FHIR base URL
// (same origin, path under the base path). Relative references are always in-origin.
func SameOrigin(reference string, baseURL string) bool {
	if !strings.HasPrefix(reference, "http://") && !strings.HasPrefix(reference, "https://") {
		return true
	}
	ref, err := url.Parse(reference)
	if err != nil {
		return false
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return false
	}
	if ref.Scheme != base.Scheme || ref.Host != base.Host {
		return false
	}
	return strings.HasPrefix(ref.Path, base.Path+"/") || ref.Path == base.Path
}

// NamespaceID derives the local id for an upstream resource id within a directory.
// The plain form is "{directoryID}-{id}"; when that exceeds the FHIR id length
// limit or contains invalid id characters, the hex SHA-256 of "{directoryID}|{id}"
// is used instead.
func NamespaceID(directoryID string, id string) string {
	plain := directoryID + "-" + id
	if len(plain) <= maxFHIRIDLength && isValidFHIRID(plain) {
		return plain
	}
	digest := sha256.Sum256([]byte(directoryID + "|" + id))
	return hex.EncodeToString(digest[:])
}

// DeriveDirectoryID returns a deterministic directory id for an endpoint URL:
// the hex SHA-256 of the URL truncated to 32 characters.
func DeriveDirectoryID(endpointURL string) string {
	digest := sha256.Sum256([]byte(endpointURL))
	return hex.EncodeToString(digest[:])[:32]
}

func isValidFHIRID(id string) bool {
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '.':
		default:
			return false
		}
	}
	return len(id) > 0
}

// NamespaceResource rewrites every "reference" value of form "Type/id" in the
// raw resource (decoded as map[string]any) to "Type/{namespaced id}".
// Contained references and absolute URLs pointing outside the directory are
// left untouched; in-origin absolute references are rewritten to relative
// namespaced form. The resource's own id is not changed here.
func NamespaceResource(resource map[string]any, directoryID string, directoryBaseURL string) {
	namespaceReferencesRecursive(resource, directoryID, directoryBaseURL)
}

func namespaceReferencesRecursive(obj any, directoryID string, directoryBaseURL string) {
	switch v := obj.(type) {
	case map[string]any:
		if reference, ok := v["reference"].(string); ok {
			if rewritten, ok := namespaceReference(reference, directoryID, directoryBaseURL); ok {
				v["reference"] = rewritten
			}
		}
		for _, value := range v {
			namespaceReferencesRecursive(value, directoryID, directoryBaseURL)
		}
	case []any:
		for _, item := range v {
			namespaceReferencesRecursive(item, directoryID, directoryBaseURL)
		}
	}
}

func namespaceReference(reference string, directoryID string, directoryBaseURL string) (string, bool) {
	if strings.HasPrefix(reference, "#") {
		return "", false
	}
	if !SameOrigin(reference, directoryBaseURL) {
		return "", false
	}
	ref, err := Parse(reference)
	if err != nil {
		return "", false
	}
	return ref.ResourceType + "/" + NamespaceID(directoryID, ref.ID), true
}
