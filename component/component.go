// Package component defines the lifecycle contract all components implement.
package component

import (
	"context"
	"net/http"
)

// Lifecycle is implemented by every component wired into the composition root.
// RegisterHttpHandlers is called before Start; handlers for the outside world go
// on publicMux, operational handlers on internalMux.
type Lifecycle interface {
	RegisterHttpHandlers(publicMux *http.ServeMux, internalMux *http.ServeMux)
	Start() error
	Stop(ctx context.Context) error
}
