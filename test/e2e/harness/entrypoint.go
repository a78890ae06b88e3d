// Package harness starts a full zorgadresboek instance against in-memory FHIR
// servers, for end-to-end tests.
package harness

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/nuts-foundation/zorgadresboek/cmd"
	httpcomponent "github.com/nuts-foundation/zorgadresboek/component/http"
	"github.com/nuts-foundation/zorgadresboek/lib/coding"
	"github.com/nuts-foundation/zorgadresboek/lib/fhirref"
	"github.com/stretchr/testify/require"
)

// Care2CureURA identifies the seeded administration directory's organization.
const Care2CureURA = "00000030"

type Details struct {
	InternalBaseURL *url.URL
	PublicBaseURL   *url.URL

	// QueryDirectory is the local FHIR server the sync engine writes to.
	QueryDirectory *FHIRServer
	// AdminDirectory is the upstream mCSD administration directory, seeded
	// with one organization and its FHIR endpoint.
	AdminDirectory *FHIRServer
	// DirectoryID is the registry id of AdminDirectory.
	DirectoryID string
}

// Start boots a zorgadresboek instance with an in-memory registry, registers
// the seeded administration directory, and returns the handles tests drive.
func Start(t *testing.T) Details {
	t.Helper()

	queryDirectory := NewFHIRServer(t)
	adminDirectory := NewFHIRServer(t)
	adminDirectory.Put(t, map[string]any{
		"resourceType": "Organization",
		"id":           "org1",
		"name":         "Care2Cure Hospital",
		"identifier": []any{
			map[string]any{"system": coding.URANamingSystem, "value": Care2CureURA},
		},
		"endpoint": []any{
			map[string]any{"reference": "Endpoint/ep1"},
		},
	})
	adminDirectory.Put(t, map[string]any{
		"resourceType": "Endpoint",
		"id":           "ep1",
		"status":       "active",
		"connectionType": map[string]any{
			"system": "http://terminology.hl7.org/CodeSystem/endpoint-connection-type",
			"code":   "hl7-fhir-rest",
		},
		"address": "https://care2curehospital.example.com/fhir",
		"managingOrganization": map[string]any{
			"reference": "Organization/org1",
		},
	})

	config := cmd.DefaultConfig()
	// Strict mode requires a storage DSN; the harness runs on the in-memory store.
	config.StrictMode = false
	config.HTTP = httpcomponent.TestConfig()
	config.MCSD.QueryDirectory.FHIRBaseURL = queryDirectory.BaseURL()

	internalBaseURL, publicBaseURL := startZorgadresboek(t, config)
	registerDirectory(t, internalBaseURL, adminDirectory.BaseURL())

	return Details{
		InternalBaseURL: internalBaseURL,
		PublicBaseURL:   publicBaseURL,
		QueryDirectory:  queryDirectory,
		AdminDirectory:  adminDirectory,
		DirectoryID:     fhirref.DeriveDirectoryID(adminDirectory.BaseURL()),
	}
}

func registerDirectory(t *testing.T, internalBaseURL *url.URL, endpointAddress string) {
	t.Helper()
	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	response, err := client.PostForm(internalBaseURL.JoinPath("admin/directories").String(), url.Values{
		"endpoint_address": []string{endpointAddress},
	})
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusSeeOther, response.StatusCode, "directory registration should redirect")
}
