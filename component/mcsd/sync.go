package mcsd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/nuts-foundation/zorgadresboek/lib/fhirref"
	libfhir "github.com/nuts-foundation/zorgadresboek/lib/fhirutil"
	"github.com/nuts-foundation/zorgadresboek/lib/logging"
	"github.com/nuts-foundation/zorgadresboek/storage"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// maxUpdateEntries limits the number of history entries processed in a single pass to prevent excessive memory usage.
const maxUpdateEntries = 10000

// searchPageSize is an explicit FHIR page size, so we have deterministic behavior across FHIR servers
// and don't rely on server defaults (which may be very high or very low).
const searchPageSize = 100

// DirectoryUpdateReport summarizes one sync pass for one directory.
type DirectoryUpdateReport struct {
	CountCreated int      `json:"created"`
	CountUpdated int      `json:"updated"`
	CountDeleted int      `json:"deleted"`
	Warnings     []string `json:"warnings"`
	Errors       []string `json:"errors"`
}

// syncDirectory runs one full sync pass for a directory: pull history, close
// the reference graph, classify, and apply the resulting transactions to the
// local directory. Operations within the pass are strictly serialized.
func (c *Component) syncDirectory(ctx context.Context, directory storage.Directory, since *time.Time) (DirectoryUpdateReport, error) {
	var report DirectoryUpdateReport
	slog.InfoContext(ctx, "Updating from mCSD Directory",
		logging.DirectoryID(directory.ID), logging.FHIRServer(directory.EndpointAddress))

	upstreamBaseURL, err := url.Parse(strings.TrimRight(directory.EndpointAddress, "/"))
	if err != nil {
		return report, fmt.Errorf("invalid directory endpoint address (url=%s): %w", directory.EndpointAddress, err)
	}
	upstream := c.fhirClientFn(upstreamBaseURL)

	if c.config.CheckCapabilityStatement {
		if err := validateCapabilityStatement(ctx, upstream); err != nil {
			return report, fmt.Errorf("capability statement check failed for %s: %w", directory.EndpointAddress, err)
		}
	}

	searchParams := url.Values{
		"_count": []string{strconv.Itoa(searchPageSize)},
	}
	if since != nil {
		searchParams.Set("_since", since.Format(time.RFC3339))
	}

	var entries []fhir.BundleEntry
	for _, resourceType := range c.config.DirectoryResourceTypes {
		currEntries, err := queryHistory(ctx, upstream, resourceType, searchParams)
		if err != nil {
			// History too old for the requested _since: retry this type without it (full resync).
			if since != nil && isGoneError(err) {
				slog.WarnContext(ctx, "History too old for _since, falling back to full history",
					logging.DirectoryID(directory.ID), logging.ResourceType(resourceType))
				fullParams := url.Values{"_count": searchParams["_count"]}
				currEntries, err = queryHistory(ctx, upstream, resourceType, fullParams)
			}
			if err != nil {
				return report, fmt.Errorf("failed to query %s history: %w", resourceType, err)
			}
		}
		entries = append(entries, currEntries...)
	}

	deduplicated := deduplicateHistoryEntries(entries)
	baseURL := upstreamBaseURL.String()

	for start := 0; start < len(deduplicated); start += searchPageSize {
		end := min(start+searchPageSize, len(deduplicated))
		if err := c.syncPage(ctx, directory, upstream, baseURL, deduplicated[start:end], &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// syncPage reconciles one page of deduplicated history entries.
func (c *Component) syncPage(ctx context.Context, directory storage.Directory, upstream fhirclient.Client, baseURL string, page []fhir.BundleEntry, report *DirectoryUpdateReport) error {
	fetch := func(ctx context.Context, refs []fhirref.Ref) (map[fhirref.Ref]json.RawMessage, error) {
		return fetchUpstreamBatch(ctx, upstream, refs)
	}
	graph, warnings, err := buildAdjacencyGraph(ctx, page, directory.ID, baseURL, fetch)
	if err != nil {
		return err
	}
	report.Warnings = append(report.Warnings, warnings...)

	if err := c.attachLocalState(ctx, directory, graph); err != nil {
		return err
	}

	report.Warnings = append(report.Warnings, graph.markUnresolvedClosures()...)
	for _, key := range graph.order {
		if err := classify(graph.nodes[key]); err != nil {
			return err
		}
	}

	for _, key := range graph.order {
		n := graph.nodes[key]
		if n.updated {
			continue
		}
		group := graph.group(n)
		if err := c.applyGroup(ctx, directory, group, report); err != nil {
			return err
		}
	}
	return nil
}

// attachLocalState loads the local counterparts of every node in the graph:
// the local content hash (one batched search per resource type) and the
// resource map rows (one batched lookup).
func (c *Component) attachLocalState(ctx context.Context, directory storage.Directory, graph *adjacencyGraph) error {
	keys := make([]storage.MapKey, 0, len(graph.order))
	byType := make(map[string][]*node)
	localIDToNode := make(map[string]*node)
	for _, key := range graph.order {
		n := graph.nodes[key]
		if n.unresolved {
			continue
		}
		keys = append(keys, storage.MapKey{ResourceType: n.key.ResourceType, UpstreamResourceID: n.key.ID})
		byType[n.key.ResourceType] = append(byType[n.key.ResourceType], n)
		localIDToNode[n.key.ResourceType+"/"+fhirref.NamespaceID(directory.ID, n.key.ID)] = n
	}

	maps, err := c.store.GetResourceMaps(ctx, directory.ID, keys)
	if err != nil {
		return fmt.Errorf("load resource maps: %w", err)
	}
	for _, key := range graph.order {
		n := graph.nodes[key]
		if row, ok := maps[storage.MapKey{ResourceType: n.key.ResourceType, UpstreamResourceID: n.key.ID}]; ok {
			rowCopy := row
			n.resourceMap = &rowCopy
		}
	}

	localBaseURL, err := url.Parse(c.config.QueryDirectory.FHIRBaseURL)
	if err != nil {
		return fmt.Errorf("invalid query directory FHIR base URL: %w", err)
	}
	local := c.fhirClientFn(localBaseURL)

	for resourceType, nodes := range byType {
		localIDs := make([]string, 0, len(nodes))
		for _, n := range nodes {
			if n.resourceMap != nil {
				localIDs = append(localIDs, n.resourceMap.LocalResourceID)
			} else {
				localIDs = append(localIDs, fhirref.NamespaceID(directory.ID, n.key.ID))
			}
		}
		var searchSet fhir.Bundle
		params := url.Values{
			"_id":    []string{strings.Join(localIDs, ",")},
			"_count": []string{strconv.Itoa(searchPageSize)},
		}
		if err := local.SearchWithContext(ctx, "", params, &searchSet, fhirclient.AtPath(resourceType)); err != nil {
			return fmt.Errorf("search local %s copies: %w", resourceType, err)
		}
		err := fhirclient.Paginate(ctx, local, searchSet, func(searchSet *fhir.Bundle) (bool, error) {
			for _, entry := range searchSet.Entry {
				if entry.Resource == nil {
					continue
				}
				resource := make(map[string]any)
				if err := json.Unmarshal(entry.Resource, &resource); err != nil {
					return false, fmt.Errorf("invalid local %s resource: %w", resourceType, err)
				}
				id, _ := resource["id"].(string)
				n, ok := localIDToNode[resourceType+"/"+id]
				if !ok {
					// Local hit for an id not in the graph, not relevant for this page.
					continue
				}
				hash, err := hashResource(resource)
				if err != nil {
					return false, err
				}
				n.hasLocal = true
				n.local = hash
			}
			return true, nil
		})
		if err != nil {
			return fmt.Errorf("paginate local %s copies: %w", resourceType, err)
		}
	}
	return nil
}

// applyGroup posts one adjacency group as a transaction Bundle and advances
// the resource map, marking the group updated. Groups without transaction
// entries skip the network call.
func (c *Component) applyGroup(ctx context.Context, directory storage.Directory, group []*node, report *DirectoryUpdateReport) error {
	tx, mutations, err := assembleTransaction(group, directory.ID, directory.EndpointAddress)
	if err != nil {
		return err
	}
	if len(tx.Entry) == 0 {
		for _, n := range group {
			n.updated = true
		}
		return nil
	}

	localBaseURL, err := url.Parse(c.config.QueryDirectory.FHIRBaseURL)
	if err != nil {
		return fmt.Errorf("invalid query directory FHIR base URL: %w", err)
	}
	local := c.fhirClientFn(localBaseURL)

	var txResult fhir.Bundle
	if err := local.CreateWithContext(ctx, tx, &txResult, fhirclient.AtPath("/")); err != nil {
		return fmt.Errorf("failed to apply update transaction to query directory: %w", err)
	}
	for i, entry := range txResult.Entry {
		if entry.Response == nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("transaction response entry #%d has no response", i))
			continue
		}
		switch {
		case strings.HasPrefix(entry.Response.Status, "201"):
			report.CountCreated++
		case strings.HasPrefix(entry.Response.Status, "200"):
			report.CountUpdated++
		case strings.HasPrefix(entry.Response.Status, "204"):
			report.CountDeleted++
		default:
			report.Warnings = append(report.Warnings, fmt.Sprintf("unexpected transaction response status %v", entry.Response.Status))
		}
	}

	if err := c.store.ApplyResourceMapMutations(ctx, directory.ID, mutations); err != nil {
		return fmt.Errorf("apply resource map mutations: %w", err)
	}
	for _, n := range group {
		n.updated = true
	}
	return nil
}

// fetchUpstreamBatch fetches the given resources from upstream in one batch
// Bundle. Resources the server fails to return (404, 410) are absent from the
// result, the caller records them as unresolved.
func fetchUpstreamBatch(ctx context.Context, upstream fhirclient.Client, refs []fhirref.Ref) (map[fhirref.Ref]json.RawMessage, error) {
	batch := fhir.Bundle{
		Type:  fhir.BundleTypeBatch,
		Entry: make([]fhir.BundleEntry, 0, len(refs)),
	}
	for _, ref := range refs {
		batch.Entry = append(batch.Entry, fhir.BundleEntry{
			Request: &fhir.BundleEntryRequest{
				Method: fhir.HTTPVerbGET,
				Url:    ref.String(),
			},
		})
	}

	var result fhir.Bundle
	if err := upstream.CreateWithContext(ctx, batch, &result, fhirclient.AtPath("/")); err != nil {
		return nil, err
	}

	fetched := make(map[fhirref.Ref]json.RawMessage)
	for i, entry := range result.Entry {
		if i >= len(refs) {
			break
		}
		if entry.Resource == nil {
			continue
		}
		if entry.Response != nil && !strings.HasPrefix(entry.Response.Status, "200") {
			continue
		}
		fetched[refs[i]] = entry.Resource
	}
	return fetched, nil
}

// queryHistory drains the paginated {type}/_history feed.
func queryHistory(ctx context.Context, client fhirclient.Client, resourceType string, searchParams url.Values) ([]fhir.BundleEntry, error) {
	var searchSet fhir.Bundle
	if err := client.SearchWithContext(ctx, "", searchParams, &searchSet, fhirclient.AtPath(resourceType+"/_history")); err != nil {
		return nil, fmt.Errorf("_history search failed: %w", err)
	}

	var entries []fhir.BundleEntry
	err := fhirclient.Paginate(ctx, client, searchSet, func(searchSet *fhir.Bundle) (bool, error) {
		entries = append(entries, searchSet.Entry...)
		if len(entries) >= maxUpdateEntries {
			return false, fmt.Errorf("too many entries (%d), aborting update to prevent excessive memory usage", len(entries))
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pagination of _history search failed: %w", err)
	}
	return entries, nil
}

// deduplicateHistoryEntries keeps only the most recent version of each
// resource, keyed by resource type and id.
func deduplicateHistoryEntries(entries []fhir.BundleEntry) []fhir.BundleEntry {
	resourceMap := make(map[string]fhir.BundleEntry)
	var order []string
	var entriesWithoutID []fhir.BundleEntry

	for _, entry := range entries {
		resourceType, resourceID := libfhir.EntryResourceTypeAndID(entry)
		if resourceType == "" || resourceID == "" {
			entriesWithoutID = append(entriesWithoutID, entry)
			continue
		}
		key := resourceType + "/" + resourceID
		existing, exists := resourceMap[key]
		if !exists {
			resourceMap[key] = entry
			order = append(order, key)
		} else if isMoreRecent(entry, existing) {
			resourceMap[key] = entry
		}
	}

	result := make([]fhir.BundleEntry, 0, len(order)+len(entriesWithoutID))
	for _, key := range order {
		result = append(result, resourceMap[key])
	}
	result = append(result, entriesWithoutID...)
	return result
}

// isMoreRecent compares two entries, returns true if the first is more recent.
func isMoreRecent(entry1, entry2 fhir.BundleEntry) bool {
	time1 := entryLastUpdated(entry1)
	time2 := entryLastUpdated(entry2)
	if !time1.IsZero() && !time2.IsZero() {
		return time1.After(time2)
	}
	// Cannot determine which is more recent, do not overwrite. History feeds
	// order newest first, so first seen wins.
	return false
}

func entryLastUpdated(entry fhir.BundleEntry) time.Time {
	if entry.Resource == nil {
		return time.Time{}
	}
	info, err := libfhir.ExtractResourceInfo(entry.Resource)
	if err != nil || info.LastUpdated == nil {
		return time.Time{}
	}
	return *info.LastUpdated
}

// validateCapabilityStatement checks that the server's CapabilityStatement
// advertises a RESTful server interface.
func validateCapabilityStatement(ctx context.Context, client fhirclient.Client) error {
	var capability struct {
		Rest []struct {
			Mode string `json:"mode"`
		} `json:"rest"`
	}
	if err := client.ReadWithContext(ctx, "metadata", &capability); err != nil {
		return fmt.Errorf("failed to read CapabilityStatement: %w", err)
	}
	for _, rest := range capability.Rest {
		if rest.Mode == "server" {
			return nil
		}
	}
	return fmt.Errorf("server does not advertise a RESTful server interface")
}
