package mcsd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashResource(t *testing.T) {
	t.Run("id and meta do not affect the hash", func(t *testing.T) {
		a, err := hashResource(map[string]any{
			"resourceType": "Organization",
			"id":           "O1",
			"meta":         map[string]any{"versionId": "3", "lastUpdated": "2024-05-01T12:00:00Z"},
			"name":         "Ziekenhuis Oost",
		})
		require.NoError(t, err)
		b, err := hashResource(map[string]any{
			"resourceType": "Organization",
			"id":           "other-id",
			"name":         "Ziekenhuis Oost",
		})
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Len(t, a, 64)
	})
	t.Run("content changes change the hash", func(t *testing.T) {
		a, err := hashResource(map[string]any{"resourceType": "Organization", "name": "A"})
		require.NoError(t, err)
		b, err := hashResource(map[string]any{"resourceType": "Organization", "name": "B"})
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})
	t.Run("input is not mutated", func(t *testing.T) {
		resource := map[string]any{
			"resourceType": "Organization",
			"id":           "O1",
			"meta":         map[string]any{"versionId": "3"},
		}
		_, err := hashResource(resource)
		require.NoError(t, err)
		assert.Equal(t, "O1", resource["id"])
		assert.Contains(t, resource, "meta")
	})
}

func TestHashUpstream(t *testing.T) {
	base := "https://example.com/fhir"
	upstream := map[string]any{
		"resourceType": "Organization",
		"id":           "O1",
		"endpoint":     []any{map[string]any{"reference": "Endpoint/E1"}},
	}
	local := map[string]any{
		"resourceType": "Organization",
		"id":           "d-O1",
		"endpoint":     []any{map[string]any{"reference": "Endpoint/d-E1"}},
	}

	upstreamHash, err := hashUpstream(upstream, "d", base)
	require.NoError(t, err)
	localHash, err := hashResource(local)
	require.NoError(t, err)

	// The upstream hash is computed after reference namespacing, so an
	// unchanged synchronized copy compares equal.
	assert.Equal(t, localHash, upstreamHash)
	// The source resource keeps its original references.
	assert.Equal(t, "Endpoint/E1", upstream["endpoint"].([]any)[0].(map[string]any)["reference"])
}
