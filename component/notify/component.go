// Package notify implements the notified-pull sender: it hosts a Workflow
// Task on the sender's own BgZ FHIR server and POSTs a notification Task to
// the receiver's notification endpoint, with audit events around every
// attempt.
package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nuts-foundation/zorgadresboek/component"
	"github.com/nuts-foundation/zorgadresboek/lib/fhirref"
	"github.com/nuts-foundation/zorgadresboek/lib/httpclient"
	"github.com/nuts-foundation/zorgadresboek/lib/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

var _ component.Lifecycle = &Component{}

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "zab_notify_requests_total",
	Help: "Number of notification send requests by outcome.",
}, []string{"outcome"})

// Stable reason codes of the notification API error contract.
const (
	ReasonInvalidRequest      = "invalid_request"
	ReasonSenderWorkflowError = "sender_workflow_task_error"
	ReasonReceiverHTTPError   = "receiver_http_error"
	ReasonReceiverUnreachable = "receiver_unreachable"
)

type Config struct {
	// Enabled activates the notification sender. When enabled, the sender
	// identity below is required.
	Enabled bool `koanf:"enabled"`
	// SenderURA is the URA of the sending organization.
	SenderURA string `koanf:"senderura"`
	// SenderName is the display name of the sending organization.
	SenderName string `koanf:"sendername"`
	// SenderSystemID identifies the sending system (requester agent).
	SenderSystemID string `koanf:"sendersystemid"`
	// SenderBgZBaseURL is the sender's own BgZ FHIR base hosting Workflow Tasks.
	SenderBgZBaseURL string `koanf:"senderbgzbaseurl"`
	// AuditHMACKey keys the BSN hash in audit events.
	AuditHMACKey string `koanf:"audithmackey"`
	// IncludeErrorDetails adds receiver debug info to error responses.
	// Keep disabled in production.
	IncludeErrorDetails bool `koanf:"includeerrordetails"`

	Client httpclient.Config `koanf:"client"`
}

func DefaultConfig() Config {
	return Config{
		Client: httpclient.DefaultConfig(),
	}
}

// Validate reports missing sender identity. These are startup-fatal: sending
// without them would produce Tasks the receiver cannot attribute.
func (c Config) Validate() error {
	var missing []string
	if c.SenderURA == "" {
		missing = append(missing, "senderura")
	}
	if c.SenderSystemID == "" {
		missing = append(missing, "sendersystemid")
	}
	if c.SenderBgZBaseURL == "" {
		missing = append(missing, "senderbgzbaseurl")
	}
	if len(missing) > 0 {
		return fmt.Errorf("misconfigured sender: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

type Component struct {
	config     Config
	httpClient *http.Client
	auditor    *auditor
}

func New(config Config) (*Component, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	httpClient, err := httpclient.New(config.Client, nil)
	if err != nil {
		return nil, fmt.Errorf("notify: create HTTP client: %w", err)
	}
	return &Component{
		config:     config,
		httpClient: httpClient,
		auditor:    newAuditor(config.AuditHMACKey),
	}, nil
}

func (c *Component) Start() error {
	return nil
}

func (c *Component) Stop(ctx context.Context) error {
	return nil
}

func (c *Component) RegisterHttpHandlers(publicMux *http.ServeMux, internalMux *http.ServeMux) {
	publicMux.HandleFunc("POST /notify/bgz", c.handleSend)
}

// SendRequest asks for one notified-pull notification. The notification base,
// receiver URA and endpoint id normally come from a capability mapping result.
type SendRequest struct {
	NotificationBase string           `json:"notification_base"`
	ReceiverURA      string           `json:"receiver_ura"`
	Target           string           `json:"target"`
	TargetIdentifier *fhir.Identifier `json:"target_identifier,omitempty"`
	TargetDisplay    string           `json:"target_display,omitempty"`
	// OwningOrganization is an Organization/{id} reference used as Task.owner
	// for Location and HealthcareService targets.
	OwningOrganization     string `json:"owning_organization,omitempty"`
	OwningOrganizationName string `json:"owning_organization_name,omitempty"`
	PatientBSN             string `json:"patient_bsn"`
	PatientName            string `json:"patient_name,omitempty"`
	Description            string `json:"description,omitempty"`
	WorkflowTaskID         string `json:"workflow_task_id"`
	// EndpointID is recorded in the audit trail.
	EndpointID string `json:"endpoint_id,omitempty"`
}

// SendResult reports a delivered notification.
type SendResult struct {
	Success         bool   `json:"success"`
	Target          string `json:"target"`
	TaskID          string `json:"task_id,omitempty"`
	TaskStatus      string `json:"task_status,omitempty"`
	GroupIdentifier string `json:"group_identifier"`
	WorkflowTaskID  string `json:"workflow_task_id"`
}

// sendError is a failure surfaced to callers as {reason, message, request_id}.
type sendError struct {
	Status  int    `json:"-"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e sendError) Error() string {
	return e.Reason + ": " + e.Message
}

func (c *Component) handleSend(response http.ResponseWriter, request *http.Request) {
	requestID := request.Header.Get(httpclient.RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	var sendRequest SendRequest
	if err := json.NewDecoder(request.Body).Decode(&sendRequest); err != nil {
		c.writeError(response, requestID, sendError{
			Status: http.StatusBadRequest, Reason: ReasonInvalidRequest, Message: "invalid request body",
		})
		return
	}
	result, err := c.Send(request.Context(), requestID, sendRequest)
	if err != nil {
		c.writeError(response, requestID, err)
		return
	}
	response.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(response).Encode(result)
}

func (c *Component) writeError(response http.ResponseWriter, requestID string, err error) {
	var sendErr sendError
	if !errors.As(err, &sendErr) {
		sendErr = sendError{
			Status: http.StatusBadGateway, Reason: ReasonReceiverUnreachable, Message: "notification failed",
		}
	}
	if !c.config.IncludeErrorDetails {
		sendErr.Details = nil
	}
	body := struct {
		Reason    string `json:"reason"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
		Details   any    `json:"details,omitempty"`
	}{sendErr.Reason, sendErr.Message, requestID, sendErr.Details}
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(sendErr.Status)
	_ = json.NewEncoder(response).Encode(body)
}

// Send hosts the Workflow Task and delivers the notification Task.
func (c *Component) Send(ctx context.Context, requestID string, request SendRequest) (SendResult, error) {
	if request.NotificationBase == "" || request.ReceiverURA == "" || request.PatientBSN == "" || request.WorkflowTaskID == "" {
		return SendResult{}, sendError{
			Status: http.StatusBadRequest, Reason: ReasonInvalidRequest,
			Message: "notification_base, receiver_ura, patient_bsn and workflow_task_id are required",
		}
	}
	targetRef, err := fhirref.Parse(request.Target)
	if err != nil {
		return SendResult{}, sendError{
			Status: http.StatusBadRequest, Reason: ReasonInvalidRequest,
			Message: fmt.Sprintf("invalid target reference %q", request.Target),
		}
	}

	inputs := taskInputs{
		groupID:           uuid.NewString(),
		taskID:            uuid.NewString(),
		workflowTaskID:    request.WorkflowTaskID,
		senderURA:         c.config.SenderURA,
		senderName:        c.config.SenderName,
		senderSystemID:    c.config.SenderSystemID,
		receiverURA:       request.ReceiverURA,
		target:            targetRef,
		targetIdentifier:  request.TargetIdentifier,
		targetDisplay:     request.TargetDisplay,
		owningOrgRef:      request.OwningOrganization,
		owningOrgName:     request.OwningOrganizationName,
		patientBSN:        request.PatientBSN,
		patientName:       request.PatientName,
		description:       request.Description,
		authorizationBase: base64.RawURLEncoding.EncodeToString([]byte(uuid.NewString())),
		now:               time.Now().UTC(),
	}

	workflowTaskID, err := c.upsertWorkflowTask(ctx, buildWorkflowTask(inputs))
	if err != nil {
		return SendResult{}, err
	}
	// The sender's FHIR server may have assigned its own id, basedOn must
	// point at the Task the receiver can actually fetch.
	inputs.workflowTaskID = workflowTaskID

	task, err := buildNotificationTask(inputs)
	if err != nil {
		return SendResult{}, sendError{
			Status: http.StatusBadRequest, Reason: ReasonInvalidRequest, Message: err.Error(),
		}
	}

	c.auditor.attempt(ctx, requestID,
		slog.String("sender_ura", c.config.SenderURA),
		slog.String("receiver_ura", request.ReceiverURA),
		slog.String("receiver_target_ref", targetRef.String()),
		slog.String("resolved_receiver_base", request.NotificationBase),
		slog.String("notification_endpoint_id", request.EndpointID),
		slog.String("task_group_identifier", inputs.groupID),
		slog.String("patient", c.auditor.hashBSN(request.PatientBSN)),
	)

	result, err := c.postNotification(ctx, request.NotificationBase, task)
	if err != nil {
		var sendErr sendError
		reason := ReasonReceiverUnreachable
		if errors.As(err, &sendErr) {
			reason = sendErr.Reason
		}
		notificationsTotal.WithLabelValues(reason).Inc()
		c.auditor.failure(ctx, requestID, reason,
			slog.String("receiver_target_ref", targetRef.String()),
			slog.String("resolved_receiver_base", request.NotificationBase),
			slog.String("notification_endpoint_id", request.EndpointID),
			slog.String("task_group_identifier", inputs.groupID),
		)
		return SendResult{}, err
	}

	notificationsTotal.WithLabelValues("success").Inc()
	c.auditor.success(ctx, requestID,
		slog.Int("http_status", result.status),
		slog.String("receiver_target_ref", targetRef.String()),
		slog.String("resolved_receiver_base", request.NotificationBase),
		slog.String("notification_endpoint_id", request.EndpointID),
		slog.String("task_group_identifier", inputs.groupID),
		slog.String("task_id", result.taskID),
		slog.String("task_status", result.taskStatus),
	)
	return SendResult{
		Success:         true,
		Target:          strings.TrimRight(request.NotificationBase, "/") + "/Task",
		TaskID:          result.taskID,
		TaskStatus:      result.taskStatus,
		GroupIdentifier: inputs.groupID,
		WorkflowTaskID:  workflowTaskID,
	}, nil
}

// upsertWorkflowTask PUTs the Workflow Task under its client-assigned id.
// Servers that reject client-assigned ids (400/405/409/422) get a POST
// instead, and the server-assigned id wins.
func (c *Component) upsertWorkflowTask(ctx context.Context, workflowTask map[string]any) (string, error) {
	base := strings.TrimRight(c.config.SenderBgZBaseURL, "/")
	taskID := workflowTask["id"].(string)

	status, body, err := c.doFHIR(ctx, http.MethodPut, base+"/Task/"+taskID, workflowTask)
	if err != nil {
		return "", sendError{
			Status: http.StatusBadGateway, Reason: ReasonSenderWorkflowError,
			Message: "the sending FHIR server is unreachable",
		}
	}
	if status >= 200 && status < 300 {
		return taskID, nil
	}
	switch status {
	case http.StatusBadRequest, http.StatusMethodNotAllowed, http.StatusConflict, http.StatusUnprocessableEntity:
		// fall through to POST
	default:
		return "", sendError{
			Status: http.StatusBadGateway, Reason: ReasonSenderWorkflowError,
			Message: fmt.Sprintf("the sending FHIR server rejected the Workflow Task (HTTP %d)", status),
			Details: map[string]any{"http_status": status, "body": truncate(body, 2000)},
		}
	}

	posted := make(map[string]any, len(workflowTask))
	for key, value := range workflowTask {
		if key != "id" {
			posted[key] = value
		}
	}
	status, body, err = c.doFHIR(ctx, http.MethodPost, base+"/Task", posted)
	if err != nil || status < 200 || status >= 300 {
		return "", sendError{
			Status: http.StatusBadGateway, Reason: ReasonSenderWorkflowError,
			Message: fmt.Sprintf("the sending FHIR server rejected the Workflow Task (HTTP %d)", status),
			Details: map[string]any{"http_status": status, "body": truncate(body, 2000)},
		}
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err == nil && created.ID != "" {
		return created.ID, nil
	}
	return taskID, nil
}

type notificationResult struct {
	status     int
	taskID     string
	taskStatus string
}

func (c *Component) postNotification(ctx context.Context, notificationBase string, task map[string]any) (notificationResult, error) {
	target := strings.TrimRight(notificationBase, "/") + "/Task"
	status, body, err := c.doFHIR(ctx, http.MethodPost, target, task)
	if err != nil {
		slog.ErrorContext(ctx, "Notification POST failed", logging.Error(err), slog.String("url", target))
		return notificationResult{}, sendError{
			Status: http.StatusBadGateway, Reason: ReasonReceiverUnreachable,
			Message: "the receiver's notification endpoint is unreachable",
		}
	}
	if status < 200 || status >= 300 {
		details := map[string]any{
			"receiver_http_status": status,
			"receiver_url":         target,
		}
		if diagnostics := operationOutcomeDiagnostics(body); diagnostics != "" {
			details["receiver_operation_outcome"] = diagnostics
		} else {
			details["receiver_body_snippet"] = truncate(body, 2000)
		}
		return notificationResult{}, sendError{
			Status: http.StatusBadGateway, Reason: ReasonReceiverHTTPError,
			Message: fmt.Sprintf("the receiver returned HTTP %d", status),
			Details: details,
		}
	}

	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	_ = json.Unmarshal(body, &created)
	return notificationResult{status: status, taskID: created.ID, taskStatus: created.Status}, nil
}

func (c *Component) doFHIR(ctx context.Context, method string, url string, resource map[string]any) (int, []byte, error) {
	payload, err := json.Marshal(resource)
	if err != nil {
		return 0, nil, err
	}
	request, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	request.Header.Set("Content-Type", "application/fhir+json")
	request.Header.Set("Accept", "application/fhir+json")
	response, err := c.httpClient.Do(request)
	if err != nil {
		return 0, nil, err
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return response.StatusCode, nil, err
	}
	return response.StatusCode, body, nil
}

// operationOutcomeDiagnostics extracts the issue diagnostics of a FHIR
// OperationOutcome body, empty when the body is something else.
func operationOutcomeDiagnostics(body []byte) string {
	var outcome fhir.OperationOutcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		return ""
	}
	var parts []string
	for _, issue := range outcome.Issue {
		if issue.Diagnostics != nil && *issue.Diagnostics != "" {
			parts = append(parts, *issue.Diagnostics)
		}
	}
	return strings.Join(parts, "; ")
}

func truncate(body []byte, limit int) string {
	if len(body) > limit {
		return string(body[:limit])
	}
	return string(body)
}
