package mcsd

import (
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// nodeStatus is the verb a node contributes to the local transaction.
type nodeStatus int

const (
	statusUnknown nodeStatus = iota
	statusNew
	statusUpdate
	statusDelete
	statusEqual
	statusIgnore
)

func (s nodeStatus) String() string {
	switch s {
	case statusNew:
		return "new"
	case statusUpdate:
		return "update"
	case statusDelete:
		return "delete"
	case statusEqual:
		return "equal"
	case statusIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// classify computes the verb for one node from its upstream method, upstream
// and local content hashes and resource map presence:
//
//	DELETE without a local copy            -> ignore
//	DELETE with a local copy               -> delete (requires a resource map)
//	upstream and local hashes equal        -> equal
//	upstream only, no resource map         -> new
//	anything else with an upstream copy    -> update
//
// Unresolved markers always classify as ignore. A delete without resource map
// row is an invalid state: the local copy exists but is untracked, which
// would leave an orphan, so the pass aborts.
func classify(n *node) error {
	if n.unresolved {
		n.status = statusIgnore
		return nil
	}
	// Nodes already forced to ignore by an unresolved closure keep that status.
	if n.status == statusIgnore {
		return nil
	}

	if n.method == fhir.HTTPVerbDELETE {
		if !n.hasLocal {
			n.status = statusIgnore
			return nil
		}
		if n.resourceMap == nil {
			return ErrInvalidNodeState{
				ResourceType: n.key.ResourceType,
				ResourceID:   n.key.ID,
				Reason:       "upstream deleted the resource but no resource map row exists",
			}
		}
		n.status = statusDelete
		return nil
	}

	if !n.hasUpstream {
		// Loaded only as a local peer of another node, nothing to do for it.
		n.status = statusIgnore
		return nil
	}

	if n.hasLocal && n.upstream == n.local {
		n.status = statusEqual
		return nil
	}
	if !n.hasLocal && n.resourceMap == nil {
		n.status = statusNew
		return nil
	}
	n.status = statusUpdate
	return nil
}
