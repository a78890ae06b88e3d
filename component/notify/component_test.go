package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(senderBase string) Config {
	config := DefaultConfig()
	config.Enabled = true
	config.SenderURA = "12345678"
	config.SenderName = "Ziekenhuis Oost"
	config.SenderSystemID = "zab-test"
	config.SenderBgZBaseURL = senderBase
	config.AuditHMACKey = "test-key"
	config.Client.Retries = 0
	return config
}

func TestConfig_Validate(t *testing.T) {
	config := Config{}
	err := config.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "misconfigured sender")
	assert.Contains(t, err.Error(), "senderura")
	assert.Contains(t, err.Error(), "sendersystemid")
	assert.Contains(t, err.Error(), "senderbgzbaseurl")

	assert.NoError(t, testConfig("https://bgz.example.com/fhir").Validate())
}

func TestComponent_Send(t *testing.T) {
	ctx := context.Background()

	// Audit events go through slog, capture them as JSON lines.
	var auditBuffer bytes.Buffer
	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&auditBuffer, nil)))
	defer slog.SetDefault(previous)

	auditEvents := func(t *testing.T) []map[string]any {
		t.Helper()
		var events []map[string]any
		for _, line := range strings.Split(strings.TrimSpace(auditBuffer.String()), "\n") {
			if line == "" {
				continue
			}
			event := make(map[string]any)
			require.NoError(t, json.Unmarshal([]byte(line), &event))
			if event["logger"] == "audit" {
				events = append(events, event)
			}
		}
		return events
	}

	// Sender-side BgZ FHIR server hosting the Workflow Task.
	var rejectPut bool
	sender := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		switch {
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/Task/"):
			if rejectPut {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			_, _ = w.Write([]byte(`{"resourceType": "Task", "id": "` + strings.TrimPrefix(r.URL.Path, "/Task/") + `"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/Task":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"resourceType": "Task", "id": "server-wf-1"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer sender.Close()

	// Receiver notification endpoint.
	var receivedTask map[string]any
	var receiverStatus int
	var receiverBody string
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/Task", r.URL.Path)
		receivedTask = make(map[string]any)
		_ = json.NewDecoder(r.Body).Decode(&receivedTask)
		w.Header().Set("Content-Type", "application/fhir+json")
		if receiverStatus != 0 {
			w.WriteHeader(receiverStatus)
			_, _ = w.Write([]byte(receiverBody))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"resourceType": "Task", "id": "recv-task-1", "status": "requested"}`))
	}))
	defer receiver.Close()

	config := testConfig(sender.URL)
	config.IncludeErrorDetails = true
	c, err := New(config)
	require.NoError(t, err)

	request := SendRequest{
		NotificationBase: receiver.URL,
		ReceiverURA:      "87654321",
		Target:           "Organization/ORG1",
		PatientBSN:       "999999990",
		WorkflowTaskID:   "wf-1",
		EndpointID:       "EP-O",
	}

	t.Run("success", func(t *testing.T) {
		auditBuffer.Reset()
		result, err := c.Send(ctx, "req-1", request)
		require.NoError(t, err)

		assert.True(t, result.Success)
		assert.Equal(t, receiver.URL+"/Task", result.Target)
		assert.Equal(t, "recv-task-1", result.TaskID)
		assert.Equal(t, "requested", result.TaskStatus)
		assert.Equal(t, "wf-1", result.WorkflowTaskID)
		assert.NotEmpty(t, result.GroupIdentifier)

		assert.Equal(t, "Task", receivedTask["resourceType"])
		assert.Equal(t, "Organization/ORG1", receivedTask["owner"].(map[string]any)["reference"])
		assert.Equal(t, "Task/wf-1", receivedTask["basedOn"].([]any)[0].(map[string]any)["reference"])

		events := auditEvents(t)
		require.Len(t, events, 2)
		attempt, outcome := events[0], events[1]
		assert.Equal(t, "bgz.notify.attempt", attempt["event_type"])
		assert.Equal(t, "bgz.notify.result", outcome["event_type"])
		assert.Equal(t, true, outcome["success"])
		// Both events share the request id and the group identifier.
		assert.Equal(t, "req-1", attempt["request_id"])
		assert.Equal(t, "req-1", outcome["request_id"])
		assert.Equal(t, attempt["task_group_identifier"], outcome["task_group_identifier"])
		// The BSN is hashed, never logged raw.
		patient := attempt["patient"].(string)
		assert.Len(t, patient, 16)
		assert.NotContains(t, auditBuffer.String(), "999999990")
	})

	t.Run("workflow PUT falls back to POST and adopts the server id", func(t *testing.T) {
		rejectPut = true
		defer func() { rejectPut = false }()

		result, err := c.Send(ctx, "req-2", request)
		require.NoError(t, err)
		assert.Equal(t, "server-wf-1", result.WorkflowTaskID)
		assert.Equal(t, "Task/server-wf-1", receivedTask["basedOn"].([]any)[0].(map[string]any)["reference"])
	})

	t.Run("receiver error surfaces as receiver_http_error with diagnostics", func(t *testing.T) {
		auditBuffer.Reset()
		receiverStatus = http.StatusUnprocessableEntity
		receiverBody = `{"resourceType": "OperationOutcome", "issue": [{"severity": "error", "code": "invalid", "diagnostics": "Task.for is missing"}]}`
		defer func() { receiverStatus = 0; receiverBody = "" }()

		_, err := c.Send(ctx, "req-3", request)
		var sendErr sendError
		require.ErrorAs(t, err, &sendErr)
		assert.Equal(t, http.StatusBadGateway, sendErr.Status)
		assert.Equal(t, ReasonReceiverHTTPError, sendErr.Reason)
		details := sendErr.Details.(map[string]any)
		assert.Equal(t, "Task.for is missing", details["receiver_operation_outcome"])

		events := auditEvents(t)
		require.Len(t, events, 2)
		assert.Equal(t, false, events[1]["success"])
		assert.Equal(t, ReasonReceiverHTTPError, events[1]["reason"])
	})

	t.Run("unreachable receiver", func(t *testing.T) {
		unreachable := request
		unreachable.NotificationBase = "http://127.0.0.1:1"
		_, err := c.Send(ctx, "req-4", unreachable)
		var sendErr sendError
		require.ErrorAs(t, err, &sendErr)
		assert.Equal(t, ReasonReceiverUnreachable, sendErr.Reason)
	})

	t.Run("missing fields", func(t *testing.T) {
		_, err := c.Send(ctx, "req-5", SendRequest{Target: "Organization/ORG1"})
		var sendErr sendError
		require.ErrorAs(t, err, &sendErr)
		assert.Equal(t, http.StatusBadRequest, sendErr.Status)
		assert.Equal(t, ReasonInvalidRequest, sendErr.Reason)
	})

	t.Run("invalid target", func(t *testing.T) {
		invalid := request
		invalid.Target = "not-a-reference"
		_, err := c.Send(ctx, "req-6", invalid)
		var sendErr sendError
		require.ErrorAs(t, err, &sendErr)
		assert.Equal(t, ReasonInvalidRequest, sendErr.Reason)
	})
}

func TestHandleSend_ErrorContract(t *testing.T) {
	c, err := New(testConfig("https://bgz.example.com/fhir"))
	require.NoError(t, err)
	publicMux := http.NewServeMux()
	c.RegisterHttpHandlers(publicMux, http.NewServeMux())
	api := httptest.NewServer(publicMux)
	defer api.Close()

	response, err := http.Post(api.URL+"/notify/bgz", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(response.Body).Decode(&body))
	assert.Equal(t, ReasonInvalidRequest, body["reason"])
	assert.NotEmpty(t, body["request_id"])
	assert.NotContains(t, body, "details")
}

func TestAuditor_HashBSN(t *testing.T) {
	a := newAuditor("test-key")
	hash := a.hashBSN("999999990")
	assert.Len(t, hash, 16)
	assert.Equal(t, hash, a.hashBSN("999999990"))
	assert.NotEqual(t, hash, a.hashBSN("999999991"))
	assert.Empty(t, a.hashBSN(""))
	assert.Empty(t, newAuditor("").hashBSN("999999990"))
}
