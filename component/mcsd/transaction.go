package mcsd

import (
	"encoding/json"
	"fmt"

	"github.com/nuts-foundation/zorgadresboek/lib/fhirref"
	libfhir "github.com/nuts-foundation/zorgadresboek/lib/fhirutil"
	"github.com/nuts-foundation/zorgadresboek/storage"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// assembleTransaction turns a classified adjacency group into a local FHIR
// transaction Bundle plus the resource map mutations to apply once the local
// server acknowledges it. Equal and ignored nodes contribute nothing.
func assembleTransaction(nodes []*node, directoryID string, directoryBaseURL string) (fhir.Bundle, []storage.ResourceMapMutation, error) {
	tx := fhir.Bundle{
		Type:  fhir.BundleTypeTransaction,
		Entry: make([]fhir.BundleEntry, 0, len(nodes)),
	}
	var mutations []storage.ResourceMapMutation

	for _, n := range nodes {
		switch n.status {
		case statusEqual, statusIgnore:
			continue

		case statusDelete:
			// classify guarantees the resource map row exists here.
			localID := n.resourceMap.LocalResourceID
			tx.Entry = append(tx.Entry, fhir.BundleEntry{
				Request: &fhir.BundleEntryRequest{
					Method: fhir.HTTPVerbDELETE,
					Url:    n.key.ResourceType + "/" + localID,
				},
			})
			mutations = append(mutations, storage.ResourceMapMutation{
				Kind:               storage.MutationDelete,
				ResourceType:       n.key.ResourceType,
				UpstreamResourceID: n.key.ID,
				LocalResourceID:    localID,
			})

		case statusNew, statusUpdate:
			localID := fhirref.NamespaceID(directoryID, n.key.ID)
			resource := deepCopyMap(n.resource)
			fhirref.NamespaceResource(resource, directoryID, directoryBaseURL)
			resource["id"] = localID
			if err := stampResourceMeta(resource, directoryBaseURL, n.key); err != nil {
				return fhir.Bundle{}, nil, err
			}
			raw, err := json.Marshal(resource)
			if err != nil {
				return fhir.Bundle{}, nil, fmt.Errorf("marshal %s: %w", n.key, err)
			}
			tx.Entry = append(tx.Entry, fhir.BundleEntry{
				Resource: raw,
				Request: &fhir.BundleEntryRequest{
					Method: fhir.HTTPVerbPUT,
					Url:    n.key.ResourceType + "/" + localID,
				},
			})
			mutations = append(mutations, storage.ResourceMapMutation{
				Kind:               storage.MutationUpsert,
				ResourceType:       n.key.ResourceType,
				UpstreamResourceID: n.key.ID,
				LocalResourceID:    localID,
			})

		default:
			return fhir.Bundle{}, nil, ErrInvalidNodeState{
				ResourceType: n.key.ResourceType,
				ResourceID:   n.key.ID,
				Reason:       "node with status " + n.status.String() + " cannot produce transaction entries",
			}
		}
	}

	return tx, mutations, nil
}

// stampResourceMeta records the upstream origin in meta.source and clears
// server-assigned version metadata, which must not carry over to the local copy.
func stampResourceMeta(resource map[string]any, directoryBaseURL string, key fhirref.Ref) error {
	sourceURL, err := libfhir.BuildSourceURL(directoryBaseURL, key.ResourceType, key.ID)
	if err != nil {
		return fmt.Errorf("build source URL for %s: %w", key, err)
	}
	meta, ok := resource["meta"].(map[string]any)
	if !ok {
		meta = make(map[string]any)
		resource["meta"] = meta
	}
	meta["source"] = sourceURL
	delete(meta, "versionId")
	delete(meta, "lastUpdated")
	return nil
}
