package mcsd

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nuts-foundation/zorgadresboek/lib/fhirref"
)

// hashResource fingerprints a FHIR resource after stripping its identity
// fields (id, meta). Marshalling the decoded map yields canonical key order,
// so equal content always hashes equal.
func hashResource(resource map[string]any) (string, error) {
	stripped := deepCopyMap(resource)
	delete(stripped, "id")
	delete(stripped, "meta")
	canonical, err := json.Marshal(stripped)
	if err != nil {
		return "", fmt.Errorf("canonicalize resource: %w", err)
	}
	digest := sha256.Sum256(canonical)
	return hex.EncodeToString(digest[:]), nil
}

// hashUpstream fingerprints an upstream resource after namespacing its
// references with the directory id, so it compares against the local copy.
func hashUpstream(resource map[string]any, directoryID string, directoryBaseURL string) (string, error) {
	namespaced := deepCopyMap(resource)
	fhirref.NamespaceResource(namespaced, directoryID, directoryBaseURL)
	return hashResource(namespaced)
}

func deepCopyMap(source map[string]any) map[string]any {
	result := make(map[string]any, len(source))
	for key, value := range source {
		result[key] = deepCopyValue(value)
	}
	return result
}

func deepCopyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return deepCopyMap(v)
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = deepCopyValue(item)
		}
		return result
	default:
		return v
	}
}
