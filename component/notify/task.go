package notify

import (
	"fmt"
	"time"

	"github.com/nuts-foundation/zorgadresboek/lib/coding"
	"github.com/nuts-foundation/zorgadresboek/lib/fhirref"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// Notified-pull Tasks are exchanged in STU3 shape, which differs structurally
// from the R4 model (requester.agent/onBehalfOf). They are built as generic
// JSON documents instead of typed resources.
const (
	taskParameterSystem = "http://fhir.nl/fhir/NamingSystem/TaskParameter"

	extensionTaskLocation          = "http://nuts-foundation.github.io/nl-generic-functions-ig/StructureDefinition/task-stu3-location"
	extensionTaskHealthcareService = "http://nuts-foundation.github.io/nl-generic-functions-ig/StructureDefinition/task-stu3-healthcareservice"
)

// restrictionValidity is how long the receiver may pull against the Task.
const restrictionValidity = 365 * 24 * time.Hour

// taskInputs describes the sender and routing of one notification.
type taskInputs struct {
	groupID           string
	taskID            string
	workflowTaskID    string
	senderURA         string
	senderName        string
	senderSystemID    string
	receiverURA       string
	target            fhirref.Ref
	targetIdentifier  *fhir.Identifier
	targetDisplay     string
	owningOrgRef      string
	owningOrgName     string
	patientBSN        string
	patientName       string
	description       string
	authorizationBase string
	now               time.Time
}

// buildNotificationTask constructs the Task POSTed to the receiver's
// notification endpoint.
func buildNotificationTask(in taskInputs) (map[string]any, error) {
	task := baseTask(in)
	task["basedOn"] = []any{
		map[string]any{"reference": "Task/" + in.workflowTaskID},
	}
	task["input"] = []any{
		taskInput("authorization-base", map[string]any{"valueString": in.authorizationBase}),
		taskInput("get-workflow-task", map[string]any{"valueBoolean": true}),
	}

	// Routing: Organization targets go in owner.reference; Location and
	// HealthcareService targets use the STU3 routing extensions, owner then
	// points at the owning organization when known.
	switch in.target.ResourceType {
	case "Organization":
		setOwnerReference(task, in.target.String(), in.targetDisplay)
	case "Location":
		addRoutingExtension(task, extensionTaskLocation, in)
		if in.owningOrgRef != "" {
			setOwnerReference(task, in.owningOrgRef, in.owningOrgName)
		}
	case "HealthcareService":
		addRoutingExtension(task, extensionTaskHealthcareService, in)
		if in.owningOrgRef != "" {
			setOwnerReference(task, in.owningOrgRef, in.owningOrgName)
		}
	default:
		return nil, fmt.Errorf("target must be an Organization, Location or HealthcareService, got %s", in.target.ResourceType)
	}

	if err := validateTaskRouting(task); err != nil {
		return nil, err
	}
	return task, nil
}

// buildWorkflowTask constructs the Workflow Task hosted on the sender's own
// BgZ FHIR server, which the receiver pulls via the get-workflow-task flow.
func buildWorkflowTask(in taskInputs) map[string]any {
	task := baseTask(in)
	task["id"] = in.workflowTaskID
	return task
}

func baseTask(in taskInputs) map[string]any {
	task := map[string]any{
		"resourceType": "Task",
		"status":       "requested",
		"intent":       "order",
		"groupIdentifier": map[string]any{
			"value": in.groupID,
		},
		"identifier": []any{
			map[string]any{"system": "urn:ietf:rfc:3986", "value": "urn:uuid:" + in.taskID},
		},
		"authoredOn": in.now.Format(time.RFC3339),
		"restriction": map[string]any{
			"period": map[string]any{
				"end": in.now.Add(restrictionValidity).Format(time.RFC3339),
			},
		},
		"requester": map[string]any{
			"agent": map[string]any{
				"identifier": map[string]any{"value": in.senderSystemID},
				"display":    in.senderName,
			},
			"onBehalfOf": map[string]any{
				"identifier": map[string]any{
					"system": coding.URANamingSystem,
					"value":  in.senderURA,
				},
				"display": in.senderName,
			},
		},
		"owner": map[string]any{
			"identifier": map[string]any{
				"system": coding.URANamingSystem,
				"value":  in.receiverURA,
			},
		},
		"for": map[string]any{
			"identifier": map[string]any{
				"system": coding.BSNNamingSystem,
				"value":  in.patientBSN,
			},
		},
	}
	if in.patientName != "" {
		task["for"].(map[string]any)["display"] = in.patientName
	}
	if in.description != "" {
		task["description"] = in.description
	}
	return task
}

func taskInput(code string, value map[string]any) map[string]any {
	input := map[string]any{
		"type": map[string]any{
			"coding": []any{
				map[string]any{"system": taskParameterSystem, "code": code},
			},
		},
	}
	for key, v := range value {
		input[key] = v
	}
	return input
}

func setOwnerReference(task map[string]any, reference string, display string) {
	owner := task["owner"].(map[string]any)
	owner["reference"] = reference
	if display != "" {
		owner["display"] = display
	}
}

// addRoutingExtension attaches the STU3 routing extension for the target,
// including its author-assigned identifier when the directory returned one so
// the receiver can route without dereferencing.
func addRoutingExtension(task map[string]any, extensionURL string, in taskInputs) {
	valueReference := map[string]any{
		"reference": in.target.String(),
	}
	if in.targetDisplay != "" {
		valueReference["display"] = in.targetDisplay
	}
	if in.targetIdentifier != nil && in.targetIdentifier.System != nil && in.targetIdentifier.Value != nil {
		valueReference["identifier"] = map[string]any{
			"system": *in.targetIdentifier.System,
			"value":  *in.targetIdentifier.Value,
		}
	}
	extensions, _ := task["extension"].([]any)
	task["extension"] = append(extensions, map[string]any{
		"url":            extensionURL,
		"valueReference": valueReference,
	})
}

// validateTaskRouting enforces the notified-pull routing constraints:
// owner.reference (if set) must be an Organization, and the routing extension
// references must match their extension's resource type.
func validateTaskRouting(task map[string]any) error {
	if owner, ok := task["owner"].(map[string]any); ok {
		if reference, ok := owner["reference"].(string); ok && reference != "" {
			ref, err := fhirref.Parse(reference)
			if err != nil || ref.ResourceType != "Organization" {
				return fmt.Errorf("Task.owner.reference must be Organization/..., got %q", reference)
			}
		}
	}
	extensions, _ := task["extension"].([]any)
	for _, item := range extensions {
		extension, ok := item.(map[string]any)
		if !ok {
			continue
		}
		extensionURL, _ := extension["url"].(string)
		var wantType string
		switch extensionURL {
		case extensionTaskLocation:
			wantType = "Location"
		case extensionTaskHealthcareService:
			wantType = "HealthcareService"
		default:
			continue
		}
		valueReference, ok := extension["valueReference"].(map[string]any)
		if !ok {
			continue
		}
		reference, _ := valueReference["reference"].(string)
		if reference == "" {
			continue
		}
		ref, err := fhirref.Parse(reference)
		if err != nil || ref.ResourceType != wantType {
			return fmt.Errorf("Task extension %s must reference %s/..., got %q", extensionURL, wantType, reference)
		}
	}
	return nil
}
