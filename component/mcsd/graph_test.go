package mcsd

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nuts-foundation/zorgadresboek/lib/fhirref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

const testBaseURL = "https://upstream.example.com/fhir"

func historyEntry(t *testing.T, method fhir.HTTPVerb, resource map[string]any) fhir.BundleEntry {
	t.Helper()
	raw, err := json.Marshal(resource)
	require.NoError(t, err)
	resourceType, _ := resource["resourceType"].(string)
	id, _ := resource["id"].(string)
	return fhir.BundleEntry{
		Resource: raw,
		Request: &fhir.BundleEntryRequest{
			Method: method,
			Url:    resourceType + "/" + id,
		},
	}
}

func noFetch(ctx context.Context, refs []fhirref.Ref) (map[fhirref.Ref]json.RawMessage, error) {
	return nil, nil
}

func TestBuildAdjacencyGraph(t *testing.T) {
	ctx := context.Background()

	t.Run("closed page needs no fetch", func(t *testing.T) {
		entries := []fhir.BundleEntry{
			historyEntry(t, fhir.HTTPVerbPUT, map[string]any{
				"resourceType": "Organization",
				"id":           "O1",
				"endpoint":     []any{map[string]any{"reference": "Endpoint/E1"}},
			}),
			historyEntry(t, fhir.HTTPVerbPUT, map[string]any{
				"resourceType": "Endpoint",
				"id":           "E1",
			}),
		}

		graph, warnings, err := buildAdjacencyGraph(ctx, entries, "d", testBaseURL, noFetch)
		require.NoError(t, err)
		assert.Empty(t, warnings)
		assert.Len(t, graph.order, 2)
	})

	t.Run("missing reference is fetched from upstream", func(t *testing.T) {
		entries := []fhir.BundleEntry{
			historyEntry(t, fhir.HTTPVerbPUT, map[string]any{
				"resourceType": "Organization",
				"id":           "O1",
				"endpoint":     []any{map[string]any{"reference": "Endpoint/E1"}},
			}),
		}
		var fetchedRefs []fhirref.Ref
		fetch := func(ctx context.Context, refs []fhirref.Ref) (map[fhirref.Ref]json.RawMessage, error) {
			fetchedRefs = append(fetchedRefs, refs...)
			return map[fhirref.Ref]json.RawMessage{
				{ResourceType: "Endpoint", ID: "E1"}: json.RawMessage(`{"resourceType": "Endpoint", "id": "E1"}`),
			}, nil
		}

		graph, _, err := buildAdjacencyGraph(ctx, entries, "d", testBaseURL, fetch)
		require.NoError(t, err)
		assert.Equal(t, []fhirref.Ref{{ResourceType: "Endpoint", ID: "E1"}}, fetchedRefs)
		require.Len(t, graph.order, 2)
		fetched := graph.nodes[fhirref.Ref{ResourceType: "Endpoint", ID: "E1"}]
		require.NotNil(t, fetched)
		assert.True(t, fetched.hasUpstream)
		assert.Equal(t, fhir.HTTPVerbPUT, fetched.method)
	})

	t.Run("unreturned reference becomes unresolved marker", func(t *testing.T) {
		entries := []fhir.BundleEntry{
			historyEntry(t, fhir.HTTPVerbPUT, map[string]any{
				"resourceType": "PractitionerRole",
				"id":           "PR1",
				"practitioner": map[string]any{"reference": "Practitioner/P1"},
			}),
		}
		fetch := func(ctx context.Context, refs []fhirref.Ref) (map[fhirref.Ref]json.RawMessage, error) {
			return nil, nil
		}

		graph, _, err := buildAdjacencyGraph(ctx, entries, "d", testBaseURL, fetch)
		require.NoError(t, err)
		marker := graph.nodes[fhirref.Ref{ResourceType: "Practitioner", ID: "P1"}]
		require.NotNil(t, marker)
		assert.True(t, marker.unresolved)

		warnings := graph.markUnresolvedClosures()
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "PractitionerRole/PR1")
		assert.Equal(t, statusIgnore, graph.nodes[fhirref.Ref{ResourceType: "PractitionerRole", ID: "PR1"}].status)
	})

	t.Run("transitive references are fetched iteratively", func(t *testing.T) {
		entries := []fhir.BundleEntry{
			historyEntry(t, fhir.HTTPVerbPUT, map[string]any{
				"resourceType": "HealthcareService",
				"id":           "HS1",
				"providedBy":   map[string]any{"reference": "Organization/O1"},
			}),
		}
		resources := map[fhirref.Ref]json.RawMessage{
			{ResourceType: "Organization", ID: "O1"}: json.RawMessage(`{"resourceType": "Organization", "id": "O1", "endpoint": [{"reference": "Endpoint/E1"}]}`),
			{ResourceType: "Endpoint", ID: "E1"}:     json.RawMessage(`{"resourceType": "Endpoint", "id": "E1"}`),
		}
		var batches int
		fetch := func(ctx context.Context, refs []fhirref.Ref) (map[fhirref.Ref]json.RawMessage, error) {
			batches++
			result := make(map[fhirref.Ref]json.RawMessage)
			for _, ref := range refs {
				if raw, ok := resources[ref]; ok {
					result[ref] = raw
				}
			}
			return result, nil
		}

		graph, _, err := buildAdjacencyGraph(ctx, entries, "d", testBaseURL, fetch)
		require.NoError(t, err)
		assert.Len(t, graph.order, 3)
		// One batch per reference depth level.
		assert.Equal(t, 2, batches)
	})

	t.Run("foreign and contained references are skipped", func(t *testing.T) {
		entries := []fhir.BundleEntry{
			historyEntry(t, fhir.HTTPVerbPUT, map[string]any{
				"resourceType": "Organization",
				"id":           "O1",
				"partOf":       map[string]any{"reference": "https://other.example.com/fhir/Organization/X"},
				"endpoint":     []any{map[string]any{"reference": "#contained-ep"}},
			}),
		}

		graph, warnings, err := buildAdjacencyGraph(ctx, entries, "d", testBaseURL, noFetch)
		require.NoError(t, err)
		assert.Len(t, graph.order, 1)
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "points outside the directory")
	})

	t.Run("delete entry has no resource", func(t *testing.T) {
		entries := []fhir.BundleEntry{
			{Request: &fhir.BundleEntryRequest{Method: fhir.HTTPVerbDELETE, Url: "Organization/O1"}},
		}

		graph, warnings, err := buildAdjacencyGraph(ctx, entries, "d", testBaseURL, noFetch)
		require.NoError(t, err)
		assert.Empty(t, warnings)
		n := graph.nodes[fhirref.Ref{ResourceType: "Organization", ID: "O1"}]
		require.NotNil(t, n)
		assert.Equal(t, fhir.HTTPVerbDELETE, n.method)
		assert.False(t, n.hasUpstream)
	})
}

func TestAdjacencyGraph_Group(t *testing.T) {
	graph := newAdjacencyGraph()
	orgKey := fhirref.Ref{ResourceType: "Organization", ID: "O1"}
	epKey := fhirref.Ref{ResourceType: "Endpoint", ID: "E1"}
	otherKey := fhirref.Ref{ResourceType: "Organization", ID: "O2"}
	graph.add(&node{key: orgKey, refs: []fhirref.Ref{epKey}})
	graph.add(&node{key: epKey})
	graph.add(&node{key: otherKey})

	group := graph.group(graph.nodes[orgKey])
	require.Len(t, group, 2)
	assert.Equal(t, orgKey, group[0].key)
	assert.Equal(t, epKey, group[1].key)
}
