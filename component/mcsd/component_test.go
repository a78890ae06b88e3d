package mcsd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nuts-foundation/zorgadresboek/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// fakeQueryDirectory is a minimal local FHIR server: it applies transaction
// Bundles to an in-memory resource set and serves _id searches from it.
type fakeQueryDirectory struct {
	mu           sync.Mutex
	resources    map[string]json.RawMessage // "Type/id" -> resource
	transactions int
}

func newFakeQueryDirectory() *fakeQueryDirectory {
	return &fakeQueryDirectory{resources: make(map[string]json.RawMessage)}
}

func (f *fakeQueryDirectory) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/fhir+json")

		if r.Method == http.MethodPost {
			f.transactions++
			var tx fhir.Bundle
			_ = json.NewDecoder(r.Body).Decode(&tx)
			result := fhir.Bundle{Type: fhir.BundleTypeTransactionResponse}
			for _, entry := range tx.Entry {
				switch entry.Request.Method {
				case fhir.HTTPVerbPUT:
					status := "200 OK"
					if _, exists := f.resources[entry.Request.Url]; !exists {
						status = "201 Created"
					}
					f.resources[entry.Request.Url] = entry.Resource
					result.Entry = append(result.Entry, fhir.BundleEntry{
						Response: &fhir.BundleEntryResponse{Status: status},
					})
				case fhir.HTTPVerbDELETE:
					delete(f.resources, entry.Request.Url)
					result.Entry = append(result.Entry, fhir.BundleEntry{
						Response: &fhir.BundleEntryResponse{Status: "204 No Content"},
					})
				}
			}
			_ = json.NewEncoder(w).Encode(result)
			return
		}

		// _id search within one resource type.
		resourceType := strings.TrimPrefix(r.URL.Path, "/")
		bundle := fhir.Bundle{Type: fhir.BundleTypeSearchset}
		for _, id := range strings.Split(r.URL.Query().Get("_id"), ",") {
			if raw, ok := f.resources[resourceType+"/"+id]; ok {
				bundle.Entry = append(bundle.Entry, fhir.BundleEntry{Resource: raw})
			}
		}
		_ = json.NewEncoder(w).Encode(bundle)
	}
}

func (f *fakeQueryDirectory) get(t *testing.T, key string) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.resources[key]
	require.True(t, ok, "resource %s not found", key)
	resource := make(map[string]any)
	require.NoError(t, json.Unmarshal(raw, &resource))
	return resource
}

func TestComponent_UpdateDirectory(t *testing.T) {
	ctx := context.Background()

	// The upstream directory serves per-phase history feeds and batch reads.
	var phase int
	var lastSince string
	upstreamResources := map[string]json.RawMessage{}
	historyFor := func(resourceType string) []fhir.BundleEntry {
		put := func(raw string) fhir.BundleEntry {
			var envelope struct {
				ResourceType string `json:"resourceType"`
				ID           string `json:"id"`
			}
			require.NoError(t, json.Unmarshal([]byte(raw), &envelope))
			return fhir.BundleEntry{
				Resource: json.RawMessage(raw),
				Request:  &fhir.BundleEntryRequest{Method: fhir.HTTPVerbPUT, Url: envelope.ResourceType + "/" + envelope.ID},
			}
		}
		switch {
		case phase <= 2 && resourceType == "Organization":
			return []fhir.BundleEntry{put(`{"resourceType": "Organization", "id": "O1", "name": "Ziekenhuis Oost", "endpoint": [{"reference": "Endpoint/E1"}]}`)}
		case phase <= 2 && resourceType == "Endpoint":
			return []fhir.BundleEntry{put(`{"resourceType": "Endpoint", "id": "E1", "address": "https://fhir.oost.example.com", "managingOrganization": {"reference": "Organization/O1"}}`)}
		case phase == 3 && resourceType == "Organization":
			return []fhir.BundleEntry{{
				Request: &fhir.BundleEntryRequest{Method: fhir.HTTPVerbDELETE, Url: "Organization/O1"},
			}}
		case phase == 4 && resourceType == "PractitionerRole":
			return []fhir.BundleEntry{put(`{"resourceType": "PractitionerRole", "id": "PR1", "practitioner": {"reference": "Practitioner/P1"}}`)}
		case phase == 4 && resourceType == "Organization":
			return []fhir.BundleEntry{put(`{"resourceType": "Organization", "id": "O2", "name": "Kliniek West"}`)}
		}
		return nil
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		if r.Method == http.MethodPost {
			var batch fhir.Bundle
			_ = json.NewDecoder(r.Body).Decode(&batch)
			result := fhir.Bundle{Type: fhir.BundleTypeBatchResponse}
			for _, entry := range batch.Entry {
				if raw, ok := upstreamResources[entry.Request.Url]; ok {
					result.Entry = append(result.Entry, fhir.BundleEntry{
						Resource: raw,
						Response: &fhir.BundleEntryResponse{Status: "200 OK"},
					})
				} else {
					result.Entry = append(result.Entry, fhir.BundleEntry{
						Response: &fhir.BundleEntryResponse{Status: "404 Not Found"},
					})
				}
			}
			_ = json.NewEncoder(w).Encode(result)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/_history") {
			if since := r.URL.Query().Get("_since"); since != "" {
				lastSince = since
			}
			resourceType := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), "/_history")
			_ = json.NewEncoder(w).Encode(fhir.Bundle{Type: fhir.BundleTypeHistory, Entry: historyFor(resourceType)})
			return
		}
		http.NotFound(w, r)
	}))
	defer upstream.Close()

	local := newFakeQueryDirectory()
	localServer := httptest.NewServer(local.handler())
	defer localServer.Close()

	store := storage.NewMemStore()
	require.NoError(t, store.UpsertDirectory(ctx, storage.Directory{
		ID:              "dir1",
		EndpointAddress: upstream.URL,
		Origin:          storage.OriginProvider,
	}))

	config := DefaultConfig()
	config.QueryDirectory.FHIRBaseURL = localServer.URL
	config.DirectoryResourceTypes = []string{"Organization", "Endpoint", "PractitionerRole"}
	config.SyncInterval = 0
	config.CleanupInterval = 0
	c, err := New(config, store)
	require.NoError(t, err)

	t.Run("first sync creates namespaced copies", func(t *testing.T) {
		phase = 1
		outcome, err := c.UpdateDirectory(ctx, "dir1")
		require.NoError(t, err)
		require.Equal(t, "success", outcome.Status, "errors: %v", outcome.Report.Errors)
		assert.Equal(t, 2, outcome.Report.CountCreated)
		assert.Empty(t, outcome.Report.Warnings)

		organization := local.get(t, "Organization/dir1-O1")
		assert.Equal(t, "dir1-O1", organization["id"])
		assert.Equal(t, "Endpoint/dir1-E1", organization["endpoint"].([]any)[0].(map[string]any)["reference"])
		assert.Equal(t, upstream.URL+"/Organization/O1", organization["meta"].(map[string]any)["source"])

		endpoint := local.get(t, "Endpoint/dir1-E1")
		assert.Equal(t, "Organization/dir1-O1", endpoint["managingOrganization"].(map[string]any)["reference"])

		maps, err := store.ListResourceMaps(ctx, "dir1")
		require.NoError(t, err)
		assert.Len(t, maps, 2)

		directory, err := store.GetDirectory(ctx, "dir1")
		require.NoError(t, err)
		assert.NotNil(t, directory.LastSuccessSync)
	})

	t.Run("unchanged history is a no-op", func(t *testing.T) {
		phase = 2
		transactionsBefore := local.transactions

		outcome, err := c.UpdateDirectory(ctx, "dir1")
		require.NoError(t, err)
		assert.Equal(t, "success", outcome.Status)
		assert.Zero(t, outcome.Report.CountCreated)
		assert.Zero(t, outcome.Report.CountUpdated)
		// Equal content never reaches the local server.
		assert.Equal(t, transactionsBefore, local.transactions)
		// The pass still queried incrementally from the last success.
		assert.NotEmpty(t, lastSince)

		directoryBefore, _ := store.GetDirectory(ctx, "dir1")
		outcome, err = c.UpdateDirectory(ctx, "dir1")
		require.NoError(t, err)
		assert.Equal(t, "success", outcome.Status)
		directoryAfter, _ := store.GetDirectory(ctx, "dir1")
		// Equal-only passes advance the sync marker too.
		assert.True(t, directoryAfter.LastSuccessSync.After(*directoryBefore.LastSuccessSync) ||
			directoryAfter.LastSuccessSync.Equal(*directoryBefore.LastSuccessSync))
	})

	t.Run("upstream delete removes the local copy", func(t *testing.T) {
		phase = 3
		outcome, err := c.UpdateDirectory(ctx, "dir1")
		require.NoError(t, err)
		require.Equal(t, "success", outcome.Status)
		assert.Equal(t, 1, outcome.Report.CountDeleted)

		local.mu.Lock()
		_, exists := local.resources["Organization/dir1-O1"]
		local.mu.Unlock()
		assert.False(t, exists)

		maps, err := store.ListResourceMaps(ctx, "dir1")
		require.NoError(t, err)
		require.Len(t, maps, 1)
		assert.Equal(t, "Endpoint", maps[0].ResourceType)
	})

	t.Run("unresolved reference skips its closure but not the pass", func(t *testing.T) {
		phase = 4
		outcome, err := c.UpdateDirectory(ctx, "dir1")
		require.NoError(t, err)
		require.Equal(t, "success", outcome.Status)
		// O2 went through, PR1 was held back.
		assert.Equal(t, 1, outcome.Report.CountCreated)
		require.NotEmpty(t, outcome.Report.Warnings)
		assert.Contains(t, strings.Join(outcome.Report.Warnings, "\n"), "PractitionerRole/PR1")

		local.mu.Lock()
		_, exists := local.resources["PractitionerRole/dir1-PR1"]
		local.mu.Unlock()
		assert.False(t, exists)
		local.get(t, "Organization/dir1-O2")
	})

	t.Run("unknown directory", func(t *testing.T) {
		_, err := c.UpdateDirectory(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("offline upstream records a failure", func(t *testing.T) {
		require.NoError(t, store.UpsertDirectory(ctx, storage.Directory{
			ID:              "dir-offline",
			EndpointAddress: "http://127.0.0.1:1", // nothing listens here
		}))
		outcome, err := c.UpdateDirectory(ctx, "dir-offline")
		require.NoError(t, err)
		assert.Equal(t, "offline", outcome.Status)

		directory, err := store.GetDirectory(ctx, "dir-offline")
		require.NoError(t, err)
		assert.Equal(t, 1, directory.FailedSyncCount)
	})
}

func TestComponent_CleanupDirectory(t *testing.T) {
	ctx := context.Background()
	local := newFakeQueryDirectory()
	localServer := httptest.NewServer(local.handler())
	defer localServer.Close()

	store := storage.NewMemStore()
	require.NoError(t, store.ApplyResourceMapMutations(ctx, "dir1", []storage.ResourceMapMutation{
		{Kind: storage.MutationUpsert, ResourceType: "Organization", UpstreamResourceID: "O1", LocalResourceID: "dir1-O1"},
		{Kind: storage.MutationUpsert, ResourceType: "Endpoint", UpstreamResourceID: "E1", LocalResourceID: "dir1-E1"},
	}))
	local.resources["Organization/dir1-O1"] = json.RawMessage(`{"resourceType": "Organization", "id": "dir1-O1"}`)
	local.resources["Endpoint/dir1-E1"] = json.RawMessage(`{"resourceType": "Endpoint", "id": "dir1-E1"}`)

	config := DefaultConfig()
	config.QueryDirectory.FHIRBaseURL = localServer.URL
	c, err := New(config, store)
	require.NoError(t, err)

	require.NoError(t, c.CleanupDirectory(ctx, "dir1"))

	assert.Empty(t, local.resources)
	maps, err := store.ListResourceMaps(ctx, "dir1")
	require.NoError(t, err)
	assert.Empty(t, maps)
}

func TestDeduplicateHistoryEntries(t *testing.T) {
	older := fhir.BundleEntry{
		Resource: json.RawMessage(`{"resourceType": "Organization", "id": "O1", "name": "old", "meta": {"lastUpdated": "2024-01-01T00:00:00Z"}}`),
		Request:  &fhir.BundleEntryRequest{Method: fhir.HTTPVerbPUT, Url: "Organization/O1"},
	}
	newer := fhir.BundleEntry{
		Resource: json.RawMessage(`{"resourceType": "Organization", "id": "O1", "name": "new", "meta": {"lastUpdated": "2024-02-01T00:00:00Z"}}`),
		Request:  &fhir.BundleEntryRequest{Method: fhir.HTTPVerbPUT, Url: "Organization/O1"},
	}
	other := fhir.BundleEntry{
		Resource: json.RawMessage(`{"resourceType": "Endpoint", "id": "E1"}`),
		Request:  &fhir.BundleEntryRequest{Method: fhir.HTTPVerbPUT, Url: "Endpoint/E1"},
	}

	t.Run("most recent version wins", func(t *testing.T) {
		result := deduplicateHistoryEntries([]fhir.BundleEntry{older, newer, other})
		require.Len(t, result, 2)
		assert.Contains(t, string(result[0].Resource), `"name": "new"`)
	})
	t.Run("first seen wins without timestamps", func(t *testing.T) {
		first := fhir.BundleEntry{
			Resource: json.RawMessage(`{"resourceType": "Organization", "id": "O1", "name": "first"}`),
			Request:  &fhir.BundleEntryRequest{Method: fhir.HTTPVerbPUT, Url: "Organization/O1"},
		}
		second := fhir.BundleEntry{
			Resource: json.RawMessage(`{"resourceType": "Organization", "id": "O1", "name": "second"}`),
			Request:  &fhir.BundleEntryRequest{Method: fhir.HTTPVerbPUT, Url: "Organization/O1"},
		}
		result := deduplicateHistoryEntries([]fhir.BundleEntry{first, second})
		require.Len(t, result, 1)
		assert.Contains(t, string(result[0].Resource), `"name": "first"`)
	})
}
