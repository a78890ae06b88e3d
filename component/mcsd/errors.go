package mcsd

import (
	"fmt"
	"strings"
)

// ErrUnresolvedReferences is returned when the adjacency closure cannot be
// completed because upstream keeps failing to return referenced resources.
type ErrUnresolvedReferences struct {
	References []string
}

func (e ErrUnresolvedReferences) Error() string {
	return fmt.Sprintf("unresolved references after upstream fetch: %s", strings.Join(e.References, ", "))
}

// ErrInvalidNodeState is returned when a node's classification requires state
// that is missing, e.g. a delete without a resource map. It aborts the pass.
type ErrInvalidNodeState struct {
	ResourceType string
	ResourceID   string
	Reason       string
}

func (e ErrInvalidNodeState) Error() string {
	return fmt.Sprintf("invalid node state for %s/%s: %s", e.ResourceType, e.ResourceID, e.Reason)
}

// isGoneError checks if an error indicates a 410 Gone response (resource tombstoned,
// or history too old to serve the requested _since).
func isGoneError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "410") || strings.Contains(strings.ToLower(errStr), "gone")
}
