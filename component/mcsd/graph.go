package mcsd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nuts-foundation/zorgadresboek/lib/fhirref"
	"github.com/nuts-foundation/zorgadresboek/lib/logging"
	"github.com/nuts-foundation/zorgadresboek/storage"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// node is one resource in the adjacency graph of a sync pass.
type node struct {
	key         fhirref.Ref
	method      fhir.HTTPVerb
	resource    map[string]any // upstream resource, nil for DELETE entries and unresolved markers
	hasUpstream bool
	upstream    string // upstream content hash (namespaced references)
	hasLocal    bool
	local       string // local content hash
	refs        []fhirref.Ref
	resourceMap *storage.ResourceMap
	status      nodeStatus
	unresolved  bool // upstream failed to return this resource
	updated     bool
}

// adjacencyGraph holds the closed reference graph of one history page.
// Nodes are keyed by (resource type, upstream id); the id alone is not unique
// across resource types.
type adjacencyGraph struct {
	nodes map[fhirref.Ref]*node
	order []fhirref.Ref
}

func newAdjacencyGraph() *adjacencyGraph {
	return &adjacencyGraph{nodes: make(map[fhirref.Ref]*node)}
}

func (g *adjacencyGraph) add(n *node) {
	if _, exists := g.nodes[n.key]; exists {
		return
	}
	g.nodes[n.key] = n
	g.order = append(g.order, n.key)
}

// missingRefs returns the references whose target is not in the graph, deduplicated.
func (g *adjacencyGraph) missingRefs() []fhirref.Ref {
	seen := make(map[fhirref.Ref]bool)
	var missing []fhirref.Ref
	for _, key := range g.order {
		for _, ref := range g.nodes[key].refs {
			if _, exists := g.nodes[ref]; !exists && !seen[ref] {
				seen[ref] = true
				missing = append(missing, ref)
			}
		}
	}
	return missing
}

// group returns the connected component reachable from start via outgoing
// references, in deterministic insertion order.
func (g *adjacencyGraph) group(start *node) []*node {
	visited := map[fhirref.Ref]bool{start.key: true}
	result := []*node{start}
	queue := []*node{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, ref := range current.refs {
			if visited[ref] {
				continue
			}
			visited[ref] = true
			if next, exists := g.nodes[ref]; exists {
				result = append(result, next)
				queue = append(queue, next)
			}
		}
	}
	return result
}

// markUnresolvedClosures flags every node whose reference subtree contains an
// unresolved marker, so the classifier can ignore it.
func (g *adjacencyGraph) markUnresolvedClosures() []string {
	var warnings []string
	for _, key := range g.order {
		n := g.nodes[key]
		if n.unresolved || !n.hasUpstream {
			continue
		}
		if g.closureContainsUnresolved(n, make(map[fhirref.Ref]bool)) {
			n.status = statusIgnore
			warnings = append(warnings, fmt.Sprintf("%s ignored: unresolved reference in its closure", n.key))
		}
	}
	return warnings
}

func (g *adjacencyGraph) closureContainsUnresolved(n *node, visited map[fhirref.Ref]bool) bool {
	if visited[n.key] {
		return false
	}
	visited[n.key] = true
	for _, ref := range n.refs {
		target, exists := g.nodes[ref]
		if !exists || target.unresolved {
			return true
		}
		if g.closureContainsUnresolved(target, visited) {
			return true
		}
	}
	return false
}

// upstreamFetcher fetches the given resources from the upstream directory in
// one batch. Resources upstream fails to return are absent from the result.
type upstreamFetcher func(ctx context.Context, refs []fhirref.Ref) (map[fhirref.Ref]json.RawMessage, error)

// buildAdjacencyGraph assembles the closed reference graph for one page of
// history entries. Missing references are fetched from upstream in one batch
// per iteration, bounding the request count by the reference depth. A
// reference upstream cannot return stays in the graph as an unresolved marker.
func buildAdjacencyGraph(ctx context.Context, entries []fhir.BundleEntry, directoryID string, directoryBaseURL string, fetch upstreamFetcher) (*adjacencyGraph, []string, error) {
	graph := newAdjacencyGraph()
	var warnings []string

	for _, entry := range entries {
		n, entryWarnings, err := nodeFromEntry(entry, directoryID, directoryBaseURL)
		if err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, entryWarnings...)
		if n == nil {
			continue
		}
		graph.add(n)
	}

	attempted := make(map[fhirref.Ref]bool)
	for {
		missing := graph.missingRefs()
		if len(missing) == 0 {
			break
		}
		var unattempted []fhirref.Ref
		for _, ref := range missing {
			if !attempted[ref] {
				unattempted = append(unattempted, ref)
			}
		}
		if len(unattempted) == 0 {
			var references []string
			for _, ref := range missing {
				references = append(references, ref.String())
			}
			return nil, nil, ErrUnresolvedReferences{References: references}
		}

		fetched, err := fetch(ctx, unattempted)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch missing references from upstream: %w", err)
		}
		for _, ref := range unattempted {
			attempted[ref] = true
			raw, ok := fetched[ref]
			if !ok {
				slog.WarnContext(ctx, "Upstream did not return referenced resource, marking unresolved",
					logging.DirectoryID(directoryID), slog.String("reference", ref.String()))
				graph.add(&node{key: ref, unresolved: true})
				continue
			}
			resource := make(map[string]any)
			if err := json.Unmarshal(raw, &resource); err != nil {
				return nil, nil, fmt.Errorf("invalid resource returned for %s: %w", ref, err)
			}
			refs, refWarnings := extractReferences(resource, directoryBaseURL)
			warnings = append(warnings, refWarnings...)
			upstream, err := hashUpstream(resource, directoryID, directoryBaseURL)
			if err != nil {
				return nil, nil, err
			}
			graph.add(&node{
				key:         ref,
				method:      fhir.HTTPVerbPUT,
				resource:    resource,
				hasUpstream: true,
				upstream:    upstream,
				refs:        refs,
			})
		}
	}

	return graph, warnings, nil
}

// nodeFromEntry builds a graph node from one history entry. A nil node with
// warnings means the entry was skipped.
func nodeFromEntry(entry fhir.BundleEntry, directoryID string, directoryBaseURL string) (*node, []string, error) {
	if entry.Request == nil {
		return nil, []string{"history entry without request, skipped"}, nil
	}

	if entry.Request.Method == fhir.HTTPVerbDELETE {
		ref, err := fhirref.Parse(entry.Request.Url)
		if err != nil {
			return nil, []string{fmt.Sprintf("history DELETE entry with unparsable url %q, skipped", entry.Request.Url)}, nil
		}
		return &node{key: ref, method: fhir.HTTPVerbDELETE}, nil, nil
	}

	if entry.Resource == nil {
		return nil, []string{"history entry without resource, skipped"}, nil
	}
	resource := make(map[string]any)
	if err := json.Unmarshal(entry.Resource, &resource); err != nil {
		return nil, nil, fmt.Errorf("invalid resource in history entry: %w", err)
	}
	resourceType, _ := resource["resourceType"].(string)
	id, _ := resource["id"].(string)
	if resourceType == "" || id == "" {
		return nil, []string{"history entry resource without resourceType or id, skipped"}, nil
	}

	refs, warnings := extractReferences(resource, directoryBaseURL)
	upstream, err := hashUpstream(resource, directoryID, directoryBaseURL)
	if err != nil {
		return nil, nil, err
	}
	return &node{
		key:         fhirref.Ref{ResourceType: resourceType, ID: id},
		method:      entry.Request.Method,
		resource:    resource,
		hasUpstream: true,
		upstream:    upstream,
		refs:        refs,
	}, warnings, nil
}

// extractReferences collects every parsable reference in the resource.
// Contained references are skipped silently; malformed references and
// references into other directories produce warnings and are skipped, so one
// bad reference does not abort the whole entry.
func extractReferences(resource map[string]any, directoryBaseURL string) ([]fhirref.Ref, []string) {
	seen := make(map[fhirref.Ref]bool)
	var refs []fhirref.Ref
	var warnings []string
	collectReferences(resource, directoryBaseURL, seen, &refs, &warnings)
	return refs, warnings
}

func collectReferences(obj any, directoryBaseURL string, seen map[fhirref.Ref]bool, refs *[]fhirref.Ref, warnings *[]string) {
	switch v := obj.(type) {
	case map[string]any:
		if reference, ok := v["reference"].(string); ok && reference != "" {
			switch {
			case reference[0] == '#':
				// contained, never part of the graph
			case !fhirref.SameOrigin(reference, directoryBaseURL):
				*warnings = append(*warnings, fmt.Sprintf("reference %q points outside the directory, skipped", reference))
			default:
				if ref, err := fhirref.Parse(reference); err != nil {
					*warnings = append(*warnings, fmt.Sprintf("invalid reference %q, skipped", reference))
				} else if !seen[ref] {
					seen[ref] = true
					*refs = append(*refs, ref)
				}
			}
		}
		for _, value := range v {
			collectReferences(value, directoryBaseURL, seen, refs, warnings)
		}
	case []any:
		for _, item := range v {
			collectReferences(item, directoryBaseURL, seen, refs, warnings)
		}
	}
}
