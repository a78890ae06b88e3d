package harness

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nuts-foundation/zorgadresboek/lib/to"
	"github.com/stretchr/testify/require"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// FHIRServer is a minimal in-memory FHIR server for end-to-end tests. It
// supports instance reads, _id searches, per-type _history feeds (with _since)
// and transaction/batch Bundles, which is what the sync engine and the
// addressing API need.
type FHIRServer struct {
	mu        sync.Mutex
	resources map[string]json.RawMessage
	history   []fhirHistoryEntry
	server    *httptest.Server
	// clock is the lastUpdated stamp of the latest mutation. Stamps follow the
	// wall clock but are strictly monotonic, so history ordering is stable.
	clock time.Time
}

type fhirHistoryEntry struct {
	method       fhir.HTTPVerb
	resourceType string
	id           string
	resource     json.RawMessage
	lastUpdated  time.Time
}

func NewFHIRServer(t *testing.T) *FHIRServer {
	t.Helper()
	s := &FHIRServer{
		resources: make(map[string]json.RawMessage),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func (s *FHIRServer) BaseURL() string {
	return s.server.URL
}

func (s *FHIRServer) MustBaseURL(t *testing.T) *url.URL {
	t.Helper()
	baseURL, err := url.Parse(s.server.URL)
	require.NoError(t, err)
	return baseURL
}

// Put stores the resource and appends a PUT history entry. The resource map
// must carry resourceType and id; meta.lastUpdated is stamped by the server.
func (s *FHIRServer) Put(t *testing.T, resource map[string]any) {
	t.Helper()
	resourceType, _ := resource["resourceType"].(string)
	id, _ := resource["id"].(string)
	require.NotEmpty(t, resourceType)
	require.NotEmpty(t, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick()
	resource["meta"] = map[string]any{"lastUpdated": s.clock.Format(time.RFC3339Nano)}
	raw, err := json.Marshal(resource)
	require.NoError(t, err)
	s.resources[resourceType+"/"+id] = raw
	s.history = append(s.history, fhirHistoryEntry{
		method:       fhir.HTTPVerbPUT,
		resourceType: resourceType,
		id:           id,
		resource:     raw,
		lastUpdated:  s.clock,
	})
}

// Delete removes the resource and appends a DELETE history entry.
func (s *FHIRServer) Delete(t *testing.T, resourceType string, id string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick()
	delete(s.resources, resourceType+"/"+id)
	s.history = append(s.history, fhirHistoryEntry{
		method:       fhir.HTTPVerbDELETE,
		resourceType: resourceType,
		id:           id,
		lastUpdated:  s.clock,
	})
}

// tick advances the mutation clock. Callers hold the lock.
func (s *FHIRServer) tick() {
	now := time.Now().UTC()
	if !now.After(s.clock) {
		now = s.clock.Add(time.Millisecond)
	}
	s.clock = now
}

// Resource returns the stored resource, if any.
func (s *FHIRServer) Resource(resourceType string, id string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.resources[resourceType+"/"+id]
	return raw, ok
}

func (s *FHIRServer) handle(response http.ResponseWriter, request *http.Request) {
	response.Header().Set("Content-Type", "application/fhir+json")
	path := strings.Trim(request.URL.Path, "/")

	switch {
	case request.Method == http.MethodPost && path == "":
		s.handleBundle(response, request)
	case request.Method == http.MethodGet && strings.HasSuffix(path, "/_history"):
		s.handleHistory(response, request, strings.TrimSuffix(path, "/_history"))
	case request.Method == http.MethodGet:
		parts := strings.Split(path, "/")
		switch len(parts) {
		case 1:
			s.handleSearch(response, request, parts[0])
		case 2:
			s.handleRead(response, parts[0], parts[1])
		default:
			http.NotFound(response, request)
		}
	default:
		http.NotFound(response, request)
	}
}

func (s *FHIRServer) handleBundle(response http.ResponseWriter, request *http.Request) {
	var bundle fhir.Bundle
	if err := json.NewDecoder(request.Body).Decode(&bundle); err != nil {
		http.Error(response, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	result := fhir.Bundle{Entry: make([]fhir.BundleEntry, 0, len(bundle.Entry))}
	switch bundle.Type {
	case fhir.BundleTypeBatch:
		result.Type = fhir.BundleTypeBatchResponse
		for _, entry := range bundle.Entry {
			if entry.Request == nil {
				result.Entry = append(result.Entry, fhir.BundleEntry{Response: &fhir.BundleEntryResponse{Status: "400 Bad Request"}})
				continue
			}
			raw, ok := s.resources[entry.Request.Url]
			if !ok {
				result.Entry = append(result.Entry, fhir.BundleEntry{Response: &fhir.BundleEntryResponse{Status: "404 Not Found"}})
				continue
			}
			result.Entry = append(result.Entry, fhir.BundleEntry{
				Resource: raw,
				Response: &fhir.BundleEntryResponse{Status: "200 OK"},
			})
		}
	case fhir.BundleTypeTransaction:
		result.Type = fhir.BundleTypeTransactionResponse
		for _, entry := range bundle.Entry {
			if entry.Request == nil {
				result.Entry = append(result.Entry, fhir.BundleEntry{Response: &fhir.BundleEntryResponse{Status: "400 Bad Request"}})
				continue
			}
			switch entry.Request.Method {
			case fhir.HTTPVerbPUT:
				_, existed := s.resources[entry.Request.Url]
				s.resources[entry.Request.Url] = entry.Resource
				status := "201 Created"
				if existed {
					status = "200 OK"
				}
				result.Entry = append(result.Entry, fhir.BundleEntry{Response: &fhir.BundleEntryResponse{Status: status}})
			case fhir.HTTPVerbDELETE:
				delete(s.resources, entry.Request.Url)
				result.Entry = append(result.Entry, fhir.BundleEntry{Response: &fhir.BundleEntryResponse{Status: "204 No Content"}})
			default:
				result.Entry = append(result.Entry, fhir.BundleEntry{Response: &fhir.BundleEntryResponse{Status: "400 Bad Request"}})
			}
		}
	default:
		http.Error(response, "unsupported bundle type", http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(response).Encode(result)
}

func (s *FHIRServer) handleHistory(response http.ResponseWriter, request *http.Request, resourceType string) {
	var since time.Time
	if raw := request.URL.Query().Get("_since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(response, err.Error(), http.StatusBadRequest)
			return
		}
		since = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	result := fhir.Bundle{Type: fhir.BundleTypeHistory}
	// Newest first, like a real history feed.
	for i := len(s.history) - 1; i >= 0; i-- {
		entry := s.history[i]
		if entry.resourceType != resourceType {
			continue
		}
		if !since.IsZero() && entry.lastUpdated.Before(since) {
			continue
		}
		result.Entry = append(result.Entry, fhir.BundleEntry{
			FullUrl:  to.Ptr(s.server.URL + "/" + entry.resourceType + "/" + entry.id),
			Resource: entry.resource,
			Request: &fhir.BundleEntryRequest{
				Method: entry.method,
				Url:    entry.resourceType + "/" + entry.id,
			},
		})
	}
	_ = json.NewEncoder(response).Encode(result)
}

func (s *FHIRServer) handleSearch(response http.ResponseWriter, request *http.Request, resourceType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := fhir.Bundle{Type: fhir.BundleTypeSearchset}
	ids := strings.Split(request.URL.Query().Get("_id"), ",")
	for _, id := range ids {
		if id == "" {
			continue
		}
		if raw, ok := s.resources[resourceType+"/"+id]; ok {
			result.Entry = append(result.Entry, fhir.BundleEntry{
				FullUrl:  to.Ptr(s.server.URL + "/" + resourceType + "/" + id),
				Resource: raw,
			})
		}
	}
	_ = json.NewEncoder(response).Encode(result)
}

func (s *FHIRServer) handleRead(response http.ResponseWriter, resourceType string, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.resources[resourceType+"/"+id]
	if !ok {
		response.WriteHeader(http.StatusNotFound)
		_, _ = response.Write([]byte(`{"resourceType": "OperationOutcome", "issue": [{"severity": "error", "code": "not-found"}]}`))
		return
	}
	_, _ = response.Write(raw)
}
