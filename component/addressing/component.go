// Package addressing exposes the outward routing API over the local query
// directory: organization search, organization-unit search and capability
// mapping. Search results page through opaque cursors that embed the upstream
// next-page URL, guarded against tampering.
package addressing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/nuts-foundation/zorgadresboek/component"
	"github.com/nuts-foundation/zorgadresboek/lib/coding"
	"github.com/nuts-foundation/zorgadresboek/lib/from"
	"github.com/nuts-foundation/zorgadresboek/lib/httpclient"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

var _ component.Lifecycle = &Component{}

type Config struct {
	// FHIRBaseURL is the base URL of the local query directory FHIR server.
	FHIRBaseURL string `koanf:"fhirbaseurl"`
	// PageSize is the page size requested from the query directory.
	PageSize int `koanf:"pagesize"`
	// IncludeErrorDetails adds a details subobject to error responses.
	// Keep disabled in production.
	IncludeErrorDetails bool `koanf:"includeerrordetails"`

	Client httpclient.Config `koanf:"client"`
}

func DefaultConfig() Config {
	return Config{
		PageSize: 50,
		Client:   httpclient.DefaultConfig(),
	}
}

type Component struct {
	config     Config
	httpClient *http.Client
	fhirClient fhirclient.Client
}

func New(config Config) (*Component, error) {
	if config.FHIRBaseURL == "" {
		return nil, fmt.Errorf("addressing: FHIR base URL is required")
	}
	baseURL, err := url.Parse(strings.TrimRight(config.FHIRBaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("addressing: invalid FHIR base URL: %w", err)
	}
	httpClient, err := httpclient.New(config.Client, nil)
	if err != nil {
		return nil, fmt.Errorf("addressing: create HTTP client: %w", err)
	}
	return &Component{
		config:     config,
		httpClient: httpClient,
		fhirClient: fhirclient.New(baseURL, httpClient, &fhirclient.Config{
			UsePostSearch: false,
		}),
	}, nil
}

func (c *Component) Start() error {
	return nil
}

func (c *Component) Stop(ctx context.Context) error {
	return nil
}

func (c *Component) RegisterHttpHandlers(publicMux *http.ServeMux, internalMux *http.ServeMux) {
	publicMux.HandleFunc("GET /addressing/organizations", c.handleSearchOrganizations)
	publicMux.HandleFunc("GET /addressing/organization-units", c.handleSearchOrganizationUnits)
	publicMux.HandleFunc("POST /addressing/capability-mapping", c.handleCapabilityMapping)
}

// TechnicalEndpoint is the routing-relevant view of a FHIR Endpoint.
type TechnicalEndpoint struct {
	ID             string   `json:"id"`
	Address        string   `json:"address"`
	Status         string   `json:"status"`
	ConnectionType string   `json:"connection_type,omitempty"`
	PayloadTypes   []string `json:"payload_types,omitempty"`
}

// SearchItem is one directory entry in a search response.
type SearchItem struct {
	ResourceType string                 `json:"resourceType"`
	ID           string                 `json:"id"`
	Name         string                 `json:"name,omitempty"`
	Identifier   []fhir.Identifier      `json:"identifier,omitempty"`
	Type         []fhir.CodeableConcept `json:"type,omitempty"`
	Endpoints    []TechnicalEndpoint    `json:"endpoints"`
}

// SearchResponse is one page of search results. Next is an opaque cursor the
// caller returns verbatim.
type SearchResponse struct {
	Count int          `json:"count"`
	Items []SearchItem `json:"items"`
	Next  string       `json:"next,omitempty"`
	Total *int         `json:"total,omitempty"`
}

func (c *Component) handleSearchOrganizations(response http.ResponseWriter, request *http.Request) {
	var page cursor
	if cursorValue := request.URL.Query().Get("cursor"); cursorValue != "" {
		decoded, err := decodeCursor(cursorValue, c.config.FHIRBaseURL)
		if err != nil {
			c.writeError(response, request, badRequest(ReasonInvalidCursor, "the cursor is not valid for this directory"))
			return
		}
		page = decoded
	} else {
		params := url.Values{
			"_include": []string{"Organization:endpoint"},
			"_count":   []string{strconv.Itoa(c.config.PageSize)},
			"_total":   []string{"accurate"},
		}
		if name := request.URL.Query().Get("name"); name != "" {
			params.Set("name", name)
		}
		if ura := request.URL.Query().Get("ura"); ura != "" {
			params.Set("identifier", coding.URANamingSystem+"|"+ura)
		}
		if active := request.URL.Query().Get("active"); active != "" {
			params.Set("active", active)
		}
		page = cursor{Pending: []string{c.queryURL("Organization", params)}}
	}

	result, err := c.fetchSearchPage(request.Context(), page)
	if err != nil {
		c.writeError(response, request, err)
		return
	}
	writeJSON(response, result)
}

func (c *Component) handleSearchOrganizationUnits(response http.ResponseWriter, request *http.Request) {
	var page cursor
	if cursorValue := request.URL.Query().Get("cursor"); cursorValue != "" {
		decoded, err := decodeCursor(cursorValue, c.config.FHIRBaseURL)
		if err != nil {
			c.writeError(response, request, badRequest(ReasonInvalidCursor, "the cursor is not valid for this directory"))
			return
		}
		page = decoded
	} else {
		organizationID := request.URL.Query().Get("organization")
		if organizationID == "" {
			c.writeError(response, request, badRequest(ReasonInvalidRequest, "organization is required"))
			return
		}
		organizationRef := "Organization/" + organizationID
		count := strconv.Itoa(c.config.PageSize)
		// Units of an organization come from three queries, paged as one
		// continuous result through the cursor.
		page = cursor{Pending: []string{
			c.queryURL("Location", url.Values{
				"organization": []string{organizationRef},
				"_include":     []string{"Location:endpoint"},
				"_count":       []string{count},
			}),
			c.queryURL("HealthcareService", url.Values{
				"organization": []string{organizationRef},
				"_include":     []string{"HealthcareService:endpoint"},
				"_count":       []string{count},
			}),
			c.queryURL("Organization", url.Values{
				"partof":   []string{organizationRef},
				"_include": []string{"Organization:endpoint"},
				"_count":   []string{count},
			}),
		}}
	}

	result, err := c.fetchSearchPage(request.Context(), page)
	if err != nil {
		c.writeError(response, request, err)
		return
	}
	writeJSON(response, result)
}

func (c *Component) handleCapabilityMapping(response http.ResponseWriter, request *http.Request) {
	var mappingRequest MappingRequest
	if err := json.NewDecoder(request.Body).Decode(&mappingRequest); err != nil {
		c.writeError(response, request, badRequest(ReasonInvalidRequest, "invalid request body"))
		return
	}
	result, err := c.mapCapabilities(request.Context(), c.fhirClient, mappingRequest)
	if err != nil {
		c.writeError(response, request, err)
		return
	}
	writeJSON(response, result)
}

// fetchSearchPage fetches the next page of the cursor and folds it into the
// response shape. When the current query is drained the next pending query
// continues under the same cursor.
func (c *Component) fetchSearchPage(ctx context.Context, page cursor) (SearchResponse, error) {
	pageURL := page.Next
	pending := page.Pending
	if pageURL == "" {
		if len(pending) == 0 {
			return SearchResponse{Items: []SearchItem{}}, nil
		}
		pageURL = pending[0]
		pending = pending[1:]
	}

	bundle, err := c.fetchBundle(ctx, pageURL)
	if err != nil {
		return SearchResponse{}, err
	}

	items := itemsFromBundle(bundle)
	next := cursor{Next: nextLink(bundle), Pending: pending}
	nextValue, err := encodeCursor(next)
	if err != nil {
		return SearchResponse{}, err
	}
	result := SearchResponse{
		Count: len(items),
		Items: items,
		Next:  nextValue,
		Total: bundle.Total,
	}
	return result, nil
}

func (c *Component) fetchBundle(ctx context.Context, pageURL string) (fhir.Bundle, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return fhir.Bundle{}, err
	}
	request.Header.Set("Accept", "application/fhir+json")
	httpResponse, err := c.httpClient.Do(request)
	if err != nil {
		return fhir.Bundle{}, fmt.Errorf("directory query failed: %w", err)
	}
	var bundle fhir.Bundle
	if err := from.JSONResponse(httpResponse, http.StatusOK, &bundle); err != nil {
		return fhir.Bundle{}, err
	}
	return bundle, nil
}

func (c *Component) queryURL(resourceType string, params url.Values) string {
	return strings.TrimRight(c.config.FHIRBaseURL, "/") + "/" + resourceType + "?" + params.Encode()
}

// itemsFromBundle turns match entries into items and attaches the included
// Endpoint resources they reference.
func itemsFromBundle(bundle fhir.Bundle) []SearchItem {
	endpointsByID := make(map[string]TechnicalEndpoint)
	for _, entry := range bundle.Entry {
		if entry.Resource == nil {
			continue
		}
		var probe struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(entry.Resource, &probe); err != nil || probe.ResourceType != "Endpoint" {
			continue
		}
		var endpoint fhir.Endpoint
		if err := json.Unmarshal(entry.Resource, &endpoint); err != nil || endpoint.Id == nil {
			continue
		}
		endpointsByID[*endpoint.Id] = technicalEndpoint(endpoint)
	}

	items := make([]SearchItem, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		if entry.Resource == nil {
			continue
		}
		item, ok := itemFromResource(entry.Resource, endpointsByID)
		if ok {
			items = append(items, item)
		}
	}
	return items
}

func itemFromResource(resource json.RawMessage, endpointsByID map[string]TechnicalEndpoint) (SearchItem, bool) {
	var common struct {
		ResourceType string                 `json:"resourceType"`
		ID           string                 `json:"id"`
		Name         string                 `json:"name"`
		Identifier   []fhir.Identifier      `json:"identifier"`
		Type         []fhir.CodeableConcept `json:"type"`
		Endpoint     []fhir.Reference       `json:"endpoint"`
	}
	if err := json.Unmarshal(resource, &common); err != nil {
		return SearchItem{}, false
	}
	switch common.ResourceType {
	case "Organization", "Location", "HealthcareService":
	default:
		return SearchItem{}, false
	}

	item := SearchItem{
		ResourceType: common.ResourceType,
		ID:           common.ID,
		Name:         common.Name,
		Identifier:   common.Identifier,
		Type:         common.Type,
		Endpoints:    []TechnicalEndpoint{},
	}
	for _, id := range referenceIDs(common.Endpoint, "Endpoint") {
		if endpoint, ok := endpointsByID[id]; ok {
			item.Endpoints = append(item.Endpoints, endpoint)
		}
	}
	return item, true
}

func technicalEndpoint(endpoint fhir.Endpoint) TechnicalEndpoint {
	result := TechnicalEndpoint{
		Address: endpoint.Address,
		Status:  endpoint.Status.Code(),
	}
	if endpoint.Id != nil {
		result.ID = *endpoint.Id
	}
	if endpoint.ConnectionType.Code != nil {
		result.ConnectionType = *endpoint.ConnectionType.Code
	}
	for _, payloadType := range endpoint.PayloadType {
		for _, payloadCoding := range payloadType.Coding {
			result.PayloadTypes = append(result.PayloadTypes, coding.EncodeToString(payloadCoding))
		}
	}
	return result
}

func nextLink(bundle fhir.Bundle) string {
	for _, link := range bundle.Link {
		if link.Relation == "next" {
			return link.Url
		}
	}
	return ""
}

func writeJSON(response http.ResponseWriter, body any) {
	response.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(response).Encode(body)
}
