package coding

import (
	"testing"

	"github.com/nuts-foundation/zorgadresboek/lib/to"
	"github.com/stretchr/testify/assert"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

func TestParseToken(t *testing.T) {
	assert.Equal(t, Token{Code: "code"}, ParseToken("code"))
	assert.Equal(t, Token{System: "http://example.com/cs", Code: "code"}, ParseToken("http://example.com/cs|code"))
	assert.Equal(t, "http://example.com/cs|code", ParseToken("http://example.com/cs|code").String())
}

func TestToken_MatchesCoding(t *testing.T) {
	coding := fhir.Coding{
		System: to.Ptr("http://example.com/cs"),
		Code:   to.Ptr("notify"),
	}
	assert.True(t, Token{Code: "notify"}.MatchesCoding(coding))
	assert.True(t, Token{System: "http://example.com/cs", Code: "notify"}.MatchesCoding(coding))
	assert.False(t, Token{System: "http://other.com/cs", Code: "notify"}.MatchesCoding(coding))
	assert.False(t, Token{Code: "other"}.MatchesCoding(coding))
}

func TestCodablesIncludesCode(t *testing.T) {
	codables := []fhir.CodeableConcept{
		{Coding: []fhir.Coding{
			{System: to.Ptr("http://other.com/cs"), Code: to.Ptr("other")},
			PayloadCoding,
		}},
	}
	assert.True(t, CodablesIncludesCode(codables, PayloadCoding))
	assert.False(t, CodablesIncludesCode(codables, fhir.Coding{
		System: to.Ptr(MCSDPayloadTypeSystem),
		Code:   to.Ptr("something-else"),
	}))
	assert.False(t, CodablesIncludesCode(nil, PayloadCoding))
}

func TestCodablesIncludesToken(t *testing.T) {
	codables := []fhir.CodeableConcept{
		{Coding: []fhir.Coding{
			{System: to.Ptr("http://example.com/cs"), Code: to.Ptr("notify")},
		}},
	}
	assert.True(t, CodablesIncludesToken(codables, []Token{{Code: "notify"}}))
	assert.True(t, CodablesIncludesToken(codables, []Token{{Code: "other"}, {System: "http://example.com/cs", Code: "notify"}}))
	assert.False(t, CodablesIncludesToken(codables, []Token{{System: "http://other.com/cs", Code: "notify"}}))
}

func TestEncodeToString(t *testing.T) {
	assert.Equal(t, MCSDPayloadTypeSystem+"|"+MCSDPayloadTypeDirectoryCode, EncodeToString(PayloadCoding))
	assert.Equal(t, "bare", EncodeToString(fhir.Coding{Code: to.Ptr("bare")}))
}
