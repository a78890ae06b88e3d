package addressing

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/nuts-foundation/zorgadresboek/lib/httpclient"
)

// Stable reason codes of the addressing API error contract.
const (
	ReasonInvalidRequest          = "invalid_request"
	ReasonInvalidCursor           = "invalid_cursor"
	ReasonTargetNotFound          = "target_not_found"
	ReasonNoReceiverURA           = "no_receiver_ura"
	ReasonNotSupported            = "capability_not_supported"
	ReasonStaleEndpointResolution = "stale_endpoint_resolution"
	ReasonUpstreamError           = "upstream_error"
)

// apiError is a failure the API surfaces to callers as a stable
// {reason, message, request_id} object.
type apiError struct {
	Status  int    `json:"-"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e apiError) Error() string {
	return e.Reason + ": " + e.Message
}

func badRequest(reason, message string) apiError {
	return apiError{Status: http.StatusBadRequest, Reason: reason, Message: message}
}

// writeError renders the error contract. Internal details only leak into the
// response when the component is configured for it.
func (c *Component) writeError(response http.ResponseWriter, request *http.Request, err error) {
	requestID := request.Header.Get(httpclient.RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	var apiErr apiError
	if !errors.As(err, &apiErr) {
		apiErr = apiError{
			Status:  http.StatusBadGateway,
			Reason:  ReasonUpstreamError,
			Message: "directory lookup failed",
		}
		if c.config.IncludeErrorDetails {
			apiErr.Details = map[string]string{"error": err.Error()}
		}
	}
	if !c.config.IncludeErrorDetails {
		apiErr.Details = nil
	}

	body := struct {
		Reason    string `json:"reason"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
		Details   any    `json:"details,omitempty"`
	}{
		Reason:    apiErr.Reason,
		Message:   apiErr.Message,
		RequestID: requestID,
		Details:   apiErr.Details,
	}
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(response).Encode(body)
}
