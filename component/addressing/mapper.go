package addressing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/nuts-foundation/zorgadresboek/lib/coding"
	libfhir "github.com/nuts-foundation/zorgadresboek/lib/fhirutil"
	"github.com/nuts-foundation/zorgadresboek/lib/fhirref"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// maxPartOfDepth bounds the partOf walk, FHIR data can contain cycles.
const maxPartOfDepth = 10

// Decision identifies which endpoint sets satisfied the required capabilities.
type Decision string

const (
	// DecisionTarget: every capability is covered by the target's own endpoints.
	DecisionTarget Decision = "A"
	// DecisionOrganization: every capability is covered by the owning organization's endpoints.
	DecisionOrganization Decision = "B"
	// DecisionCombined: covered only by mixing both sets, target preferred per capability.
	DecisionCombined Decision = "C"
	// DecisionUnsupported: at least one capability has no candidate endpoint.
	DecisionUnsupported Decision = "D"
)

// MappingRequest asks which endpoints serve the required capabilities for a
// routing target.
type MappingRequest struct {
	// Target is a local reference: Organization/, Location/ or HealthcareService/.
	Target string `json:"target"`
	// Organization is the owning-organization hint, used when the target does
	// not carry one.
	Organization string `json:"organization,omitempty"`
	// Capabilities are token values, "code" or "system|code".
	Capabilities []string `json:"capabilities"`
	// EndpointID pins an earlier resolution, a fresh resolution that no
	// longer includes it fails with stale_endpoint_resolution.
	EndpointID string `json:"endpoint_id,omitempty"`
}

// EndpointSelection is the endpoint chosen for one capability.
type EndpointSelection struct {
	Capability       string `json:"capability"`
	EndpointID       string `json:"endpoint_id"`
	Address          string `json:"address"`
	NotificationBase string `json:"notification_base"`
	// Source is "target" or "organization".
	Source string `json:"source"`
}

// MappingResult is the capability mapping outcome.
type MappingResult struct {
	Supported   bool                `json:"supported"`
	Decision    Decision            `json:"decision"`
	ReceiverURA string              `json:"receiver_ura,omitempty"`
	Selections  []EndpointSelection `json:"selections,omitempty"`
	Missing     []string            `json:"missing,omitempty"`
	Explanation string              `json:"explanation"`
}

// mapCapabilities resolves the endpoints serving the required capabilities
// for a routing target, per the target-first decision tree.
func (c *Component) mapCapabilities(ctx context.Context, client fhirclient.Client, request MappingRequest) (MappingResult, error) {
	if len(request.Capabilities) == 0 {
		return MappingResult{}, badRequest(ReasonInvalidRequest, "at least one capability is required")
	}
	targetRef, err := fhirref.Parse(request.Target)
	if err != nil {
		return MappingResult{}, badRequest(ReasonInvalidRequest, fmt.Sprintf("invalid target reference %q", request.Target))
	}

	target, err := fetchTarget(ctx, client, targetRef)
	if err != nil {
		return MappingResult{}, err
	}

	owningOrg, err := resolveOwningOrganization(ctx, client, target, request.Organization)
	if err != nil {
		return MappingResult{}, err
	}

	targetEndpointIDs := referenceIDs(target.endpoints, "Endpoint")
	var orgEndpointIDs []string
	if owningOrg != nil {
		orgEndpointIDs, err = organizationEndpointIDs(ctx, client, owningOrg)
		if err != nil {
			return MappingResult{}, err
		}
	}
	// Target endpoints take precedence, drop duplicates from the organization set.
	inTarget := make(map[string]bool, len(targetEndpointIDs))
	for _, id := range targetEndpointIDs {
		inTarget[id] = true
	}
	orgEndpointIDs = filterOut(orgEndpointIDs, inTarget)

	targetEndpoints, err := fetchEndpoints(ctx, client, targetEndpointIDs)
	if err != nil {
		return MappingResult{}, err
	}
	orgEndpoints, err := fetchEndpoints(ctx, client, orgEndpointIDs)
	if err != nil {
		return MappingResult{}, err
	}

	result := decide(request.Capabilities, targetEndpoints, orgEndpoints)
	if !result.Supported {
		return result, nil
	}

	if owningOrg != nil {
		result.ReceiverURA = libfhir.IdentifierValue(owningOrg.Identifier, coding.URANamingSystem)
	}
	if result.ReceiverURA == "" {
		return MappingResult{}, apiError{
			Status:  http.StatusBadRequest,
			Reason:  ReasonNoReceiverURA,
			Message: "the owning organization carries no URA identifier",
		}
	}

	for i, selection := range result.Selections {
		base, err := notificationBase(selection.Address)
		if err != nil {
			return MappingResult{}, apiError{
				Status:  http.StatusBadGateway,
				Reason:  ReasonUpstreamError,
				Message: fmt.Sprintf("endpoint %s has an unusable address", selection.EndpointID),
			}
		}
		result.Selections[i].NotificationBase = base
	}

	if request.EndpointID != "" && !selectionsInclude(result.Selections, request.EndpointID) {
		return MappingResult{}, apiError{
			Status:  http.StatusConflict,
			Reason:  ReasonStaleEndpointResolution,
			Message: fmt.Sprintf("endpoint %s is no longer part of the resolution, re-select the routing target", request.EndpointID),
		}
	}
	return result, nil
}

func selectionsInclude(selections []EndpointSelection, endpointID string) bool {
	for _, selection := range selections {
		if selection.EndpointID == endpointID {
			return true
		}
	}
	return false
}

// decide classifies both endpoint sets against the required capabilities and
// applies the decision tree.
func decide(capabilities []string, targetEndpoints, orgEndpoints []fhir.Endpoint) MappingResult {
	allInTarget := true
	allInOrg := true
	var missing []string
	var selections []EndpointSelection

	for _, capability := range capabilities {
		token := coding.ParseToken(capability)
		fromTarget := matchingEndpoints(targetEndpoints, token)
		fromOrg := matchingEndpoints(orgEndpoints, token)
		if len(fromTarget) == 0 {
			allInTarget = false
		}
		if len(fromOrg) == 0 {
			allInOrg = false
		}
		switch {
		case len(fromTarget) > 0:
			selections = append(selections, selectionFor(capability, pickBest(fromTarget), "target"))
		case len(fromOrg) > 0:
			selections = append(selections, selectionFor(capability, pickBest(fromOrg), "organization"))
		default:
			missing = append(missing, capability)
		}
	}

	if len(missing) > 0 {
		return MappingResult{
			Supported:   false,
			Decision:    DecisionUnsupported,
			Missing:     missing,
			Explanation: fmt.Sprintf("no endpoint provides: %s", strings.Join(missing, ", ")),
		}
	}
	decision := DecisionCombined
	explanation := "capabilities are served by a combination of target and organization endpoints"
	if allInTarget {
		decision = DecisionTarget
		explanation = "all capabilities are served by the target's own endpoints"
	} else if allInOrg {
		decision = DecisionOrganization
		explanation = "all capabilities are served by the owning organization's endpoints"
	}
	return MappingResult{
		Supported:   true,
		Decision:    decision,
		Selections:  selections,
		Explanation: explanation,
	}
}

func selectionFor(capability string, endpoint fhir.Endpoint, source string) EndpointSelection {
	var id string
	if endpoint.Id != nil {
		id = *endpoint.Id
	}
	return EndpointSelection{
		Capability: capability,
		EndpointID: id,
		Address:    endpoint.Address,
		Source:     source,
	}
}

func matchingEndpoints(endpoints []fhir.Endpoint, token coding.Token) []fhir.Endpoint {
	var matches []fhir.Endpoint
	for _, endpoint := range endpoints {
		if coding.CodablesIncludesToken(endpoint.PayloadType, []coding.Token{token}) {
			matches = append(matches, endpoint)
		}
	}
	return matches
}

// pickBest prefers active endpoints with a non-empty address, then any with
// an address, then the first candidate. Ties break on document order.
func pickBest(endpoints []fhir.Endpoint) fhir.Endpoint {
	for _, endpoint := range endpoints {
		if endpoint.Status == fhir.EndpointStatusActive && endpoint.Address != "" {
			return endpoint
		}
	}
	for _, endpoint := range endpoints {
		if endpoint.Address != "" {
			return endpoint
		}
	}
	return endpoints[0]
}

// notificationBase strips the conventional trailing /Task segment and
// requires a safe absolute http(s) URL.
func notificationBase(address string) (string, error) {
	base := strings.TrimSuffix(strings.TrimRight(address, "/"), "/Task")
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint address: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("endpoint address scheme %q is not http(s)", parsed.Scheme)
	}
	if parsed.Host == "" || parsed.User != nil || parsed.Fragment != "" {
		return "", fmt.Errorf("endpoint address %q is not a safe URL", address)
	}
	return base, nil
}

// routingTarget is the part of an Organization, Location or HealthcareService
// the mapper needs.
type routingTarget struct {
	ref       fhirref.Ref
	endpoints []fhir.Reference
	// owningOrgRef is the managing/providing organization reference, empty
	// for Organization targets (they own themselves).
	owningOrgRef *fhir.Reference
	// organization is set when the target is an Organization.
	organization *fhir.Organization
}

func fetchTarget(ctx context.Context, client fhirclient.Client, ref fhirref.Ref) (*routingTarget, error) {
	notFound := apiError{
		Status:  http.StatusNotFound,
		Reason:  ReasonTargetNotFound,
		Message: fmt.Sprintf("%s does not exist in the directory", ref),
	}
	switch ref.ResourceType {
	case "Organization":
		var organization fhir.Organization
		if err := client.ReadWithContext(ctx, ref.String(), &organization); err != nil {
			return nil, notFound
		}
		return &routingTarget{ref: ref, endpoints: organization.Endpoint, organization: &organization}, nil
	case "Location":
		var location fhir.Location
		if err := client.ReadWithContext(ctx, ref.String(), &location); err != nil {
			return nil, notFound
		}
		return &routingTarget{ref: ref, endpoints: location.Endpoint, owningOrgRef: location.ManagingOrganization}, nil
	case "HealthcareService":
		var service fhir.HealthcareService
		if err := client.ReadWithContext(ctx, ref.String(), &service); err != nil {
			return nil, notFound
		}
		return &routingTarget{ref: ref, endpoints: service.Endpoint, owningOrgRef: service.ProvidedBy}, nil
	default:
		return nil, badRequest(ReasonInvalidRequest,
			fmt.Sprintf("target must be an Organization, Location or HealthcareService, got %s", ref.ResourceType))
	}
}

// resolveOwningOrganization determines the organization owning the target,
// falling back to the caller-supplied hint. Nil when neither is available.
func resolveOwningOrganization(ctx context.Context, client fhirclient.Client, target *routingTarget, hint string) (*fhir.Organization, error) {
	if target.organization != nil {
		return target.organization, nil
	}

	orgRef := ""
	if target.owningOrgRef != nil && target.owningOrgRef.Reference != nil {
		orgRef = *target.owningOrgRef.Reference
	} else if hint != "" {
		orgRef = hint
	}
	if orgRef == "" {
		return nil, nil
	}
	ref, err := fhirref.Parse(orgRef)
	if err != nil || ref.ResourceType != "Organization" {
		return nil, badRequest(ReasonInvalidRequest, fmt.Sprintf("invalid organization reference %q", orgRef))
	}
	var organization fhir.Organization
	if err := client.ReadWithContext(ctx, ref.String(), &organization); err != nil {
		return nil, apiError{
			Status:  http.StatusNotFound,
			Reason:  ReasonTargetNotFound,
			Message: fmt.Sprintf("owning organization %s does not exist in the directory", ref),
		}
	}
	return &organization, nil
}

// organizationEndpointIDs walks the partOf chain from the owning organization
// and returns the endpoint ids of the first ancestor that has any.
func organizationEndpointIDs(ctx context.Context, client fhirclient.Client, organization *fhir.Organization) ([]string, error) {
	current := organization
	visited := make(map[string]bool)
	for range maxPartOfDepth {
		if ids := referenceIDs(current.Endpoint, "Endpoint"); len(ids) > 0 {
			return ids, nil
		}
		if current.PartOf == nil || current.PartOf.Reference == nil {
			return nil, nil
		}
		parentRef, err := fhirref.Parse(*current.PartOf.Reference)
		if err != nil || parentRef.ResourceType != "Organization" {
			return nil, nil
		}
		if visited[parentRef.ID] {
			return nil, nil
		}
		visited[parentRef.ID] = true
		var parent fhir.Organization
		if err := client.ReadWithContext(ctx, parentRef.String(), &parent); err != nil {
			return nil, fmt.Errorf("fetch parent organization %s: %w", parentRef, err)
		}
		current = &parent
	}
	return nil, nil
}

// fetchEndpoints bulk-reads the given Endpoint ids in one search.
func fetchEndpoints(ctx context.Context, client fhirclient.Client, ids []string) ([]fhir.Endpoint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	params := url.Values{
		"_id":    []string{strings.Join(ids, ",")},
		"_count": []string{fmt.Sprintf("%d", len(ids))},
	}
	var searchSet fhir.Bundle
	if err := client.SearchWithContext(ctx, "", params, &searchSet, fhirclient.AtPath("Endpoint")); err != nil {
		return nil, fmt.Errorf("fetch endpoints: %w", err)
	}
	byID := make(map[string]fhir.Endpoint, len(searchSet.Entry))
	err := fhirclient.Paginate(ctx, client, searchSet, func(searchSet *fhir.Bundle) (bool, error) {
		for _, entry := range searchSet.Entry {
			if entry.Resource == nil {
				continue
			}
			var endpoint fhir.Endpoint
			if err := json.Unmarshal(entry.Resource, &endpoint); err != nil {
				return false, fmt.Errorf("invalid Endpoint resource: %w", err)
			}
			if endpoint.Id != nil {
				byID[*endpoint.Id] = endpoint
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("paginate endpoints: %w", err)
	}
	// Preserve the caller's order, it carries the tie-break semantics.
	endpoints := make([]fhir.Endpoint, 0, len(ids))
	for _, id := range ids {
		if endpoint, ok := byID[id]; ok {
			endpoints = append(endpoints, endpoint)
		}
	}
	return endpoints, nil
}

func referenceIDs(references []fhir.Reference, resourceType string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, reference := range references {
		if reference.Reference == nil {
			continue
		}
		ref, err := fhirref.Parse(*reference.Reference)
		if err != nil || ref.ResourceType != resourceType || seen[ref.ID] {
			continue
		}
		seen[ref.ID] = true
		ids = append(ids, ref.ID)
	}
	return ids
}

func filterOut(ids []string, exclude map[string]bool) []string {
	var result []string
	for _, id := range ids {
		if !exclude[id] {
			result = append(result, id)
		}
	}
	return result
}
