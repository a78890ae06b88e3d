package fhirutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nuts-foundation/zorgadresboek/lib/to"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

func TestExtractResourceInfo(t *testing.T) {
	t.Run("full envelope", func(t *testing.T) {
		info, err := ExtractResourceInfo(json.RawMessage(`{
			"resourceType": "Organization",
			"id": "O1",
			"meta": {"lastUpdated": "2024-05-01T12:00:00Z"}
		}`))
		require.NoError(t, err)
		assert.Equal(t, "Organization", info.Type)
		assert.Equal(t, "O1", info.ID)
		require.NotNil(t, info.LastUpdated)
		assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), info.LastUpdated.UTC())
	})
	t.Run("without meta", func(t *testing.T) {
		info, err := ExtractResourceInfo(json.RawMessage(`{"resourceType": "Endpoint", "id": "E1"}`))
		require.NoError(t, err)
		assert.Equal(t, "Endpoint", info.Type)
		assert.Nil(t, info.LastUpdated)
	})
	t.Run("missing resourceType", func(t *testing.T) {
		_, err := ExtractResourceInfo(json.RawMessage(`{"id": "O1"}`))
		assert.EqualError(t, err, "resource has no resourceType")
	})
	t.Run("invalid JSON", func(t *testing.T) {
		_, err := ExtractResourceInfo(json.RawMessage(`{`))
		assert.ErrorContains(t, err, "invalid FHIR resource")
	})
}

func TestIdentifierValue(t *testing.T) {
	identifiers := []fhir.Identifier{
		{System: to.Ptr("http://example.com/other"), Value: to.Ptr("nope")},
		{System: to.Ptr("http://fhir.nl/fhir/NamingSystem/ura")},
		{System: to.Ptr("http://fhir.nl/fhir/NamingSystem/ura"), Value: to.Ptr("12345678")},
	}

	assert.Equal(t, "12345678", IdentifierValue(identifiers, "http://fhir.nl/fhir/NamingSystem/ura"))
	assert.Equal(t, "", IdentifierValue(identifiers, "http://fhir.nl/fhir/NamingSystem/agb-z"))
	assert.Equal(t, "", IdentifierValue(nil, "http://fhir.nl/fhir/NamingSystem/ura"))
}

func TestFilterIdentifiersBySystem(t *testing.T) {
	identifiers := []fhir.Identifier{
		{System: to.Ptr("a"), Value: to.Ptr("1")},
		{System: to.Ptr("b"), Value: to.Ptr("2")},
		{System: to.Ptr("a"), Value: to.Ptr("3")},
		{Value: to.Ptr("no-system")},
	}

	filtered := FilterIdentifiersBySystem(identifiers, "a")
	require.Len(t, filtered, 2)
	assert.Equal(t, "1", *filtered[0].Value)
	assert.Equal(t, "3", *filtered[1].Value)
}

func TestBuildSourceURL(t *testing.T) {
	t.Run("separate parts", func(t *testing.T) {
		result, err := BuildSourceURL("https://example.com/fhir/", "Organization", "O1")
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/fhir/Organization/O1", result)
	})
	t.Run("combined part", func(t *testing.T) {
		result, err := BuildSourceURL("https://example.com/fhir", "Organization/O1")
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/fhir/Organization/O1", result)
	})
	t.Run("invalid scheme", func(t *testing.T) {
		_, err := BuildSourceURL("ftp://example.com/fhir", "Organization", "O1")
		assert.Error(t, err)
	})
	t.Run("empty segment", func(t *testing.T) {
		_, err := BuildSourceURL("https://example.com/fhir", "Organization//O1")
		assert.Error(t, err)
	})
	t.Run("no segments", func(t *testing.T) {
		_, err := BuildSourceURL("https://example.com/fhir")
		assert.Error(t, err)
	})
}

func TestEntryResourceTypeAndID(t *testing.T) {
	t.Run("from resource", func(t *testing.T) {
		resourceType, id := EntryResourceTypeAndID(fhir.BundleEntry{
			Resource: json.RawMessage(`{"resourceType": "Organization", "id": "O1"}`),
		})
		assert.Equal(t, "Organization", resourceType)
		assert.Equal(t, "O1", id)
	})
	t.Run("from request URL", func(t *testing.T) {
		resourceType, id := EntryResourceTypeAndID(fhir.BundleEntry{
			Request: &fhir.BundleEntryRequest{Method: fhir.HTTPVerbDELETE, Url: "Endpoint/E1"},
		})
		assert.Equal(t, "Endpoint", resourceType)
		assert.Equal(t, "E1", id)
	})
	t.Run("from fullUrl", func(t *testing.T) {
		resourceType, id := EntryResourceTypeAndID(fhir.BundleEntry{
			FullUrl: to.Ptr("https://example.com/fhir/Location/L1"),
		})
		assert.Equal(t, "Location", resourceType)
		assert.Equal(t, "L1", id)
	})
	t.Run("empty entry", func(t *testing.T) {
		resourceType, id := EntryResourceTypeAndID(fhir.BundleEntry{})
		assert.Empty(t, resourceType)
		assert.Empty(t, id)
	})
}
