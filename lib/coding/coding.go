// Package coding contains FHIR naming systems and coding match helpers used across components.
package coding

import (
	"strings"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

const (
	// URANamingSystem identifies Dutch healthcare organizations (UZI register abonneenummer).
	URANamingSystem = "http://fhir.nl/fhir/NamingSystem/ura"
	// BSNNamingSystem identifies Dutch citizens (burgerservicenummer).
	BSNNamingSystem = "http://fhir.nl/fhir/NamingSystem/bsn"
	// KVKNamingSystem identifies Dutch chamber of commerce registrations.
	KVKNamingSystem = "http://fhir.nl/fhir/NamingSystem/kvk"

	// MCSDPayloadTypeSystem is the coding system for mCSD directory endpoint payload types.
	MCSDPayloadTypeSystem = "http://profiles.ihe.net/ITI/mCSD/CodeSystem/MCSDEndpointTypes"
	// MCSDPayloadTypeDirectoryCode marks an Endpoint as an mCSD directory endpoint.
	MCSDPayloadTypeDirectoryCode = "mcsd-directory-endpoint"

	// TwiinNotificationCapability marks an Endpoint as accepting Twiin notified pull Tasks.
	TwiinNotificationCapability = "Twiin-TA-notification"
	// BgZServerCapability marks an Endpoint as a BgZ 2017 FHIR server.
	BgZServerCapability = "http://nictiz.nl/fhir/CapabilityStatement/bgz2017-servercapabilities"
)

// PayloadCoding is the coding for mCSD directory endpoints.
var PayloadCoding = fhir.Coding{
	System: ptr(MCSDPayloadTypeSystem),
	Code:   ptr(MCSDPayloadTypeDirectoryCode),
}

func ptr[T any](value T) *T {
	return &value
}

// Token is a FHIR token search parameter value: either "code" or "system|code".
type Token struct {
	System string
	Code   string
}

// ParseToken parses a token parameter value of the form "code" or "system|code".
func ParseToken(value string) Token {
	if idx := strings.LastIndex(value, "|"); idx >= 0 {
		return Token{System: value[:idx], Code: value[idx+1:]}
	}
	return Token{Code: value}
}

func (t Token) String() string {
	if t.System == "" {
		return t.Code
	}
	return t.System + "|" + t.Code
}

// MatchesCoding reports whether the coding matches this token.
// A token without system matches on code alone.
func (t Token) MatchesCoding(coding fhir.Coding) bool {
	if coding.Code == nil || *coding.Code != t.Code {
		return false
	}
	if t.System == "" {
		return true
	}
	return coding.System != nil && *coding.System == t.System
}

// CodablesIncludesCode reports whether any coding in the given CodeableConcepts matches the wanted coding on system and code.
func CodablesIncludesCode(codables []fhir.CodeableConcept, wanted fhir.Coding) bool {
	for _, codable := range codables {
		for _, c := range codable.Coding {
			if c.System != nil && wanted.System != nil && *c.System == *wanted.System &&
				c.Code != nil && wanted.Code != nil && *c.Code == *wanted.Code {
				return true
			}
		}
	}
	return false
}

// CodablesIncludesToken reports whether any coding in the given CodeableConcepts matches any of the tokens.
func CodablesIncludesToken(codables []fhir.CodeableConcept, tokens []Token) bool {
	for _, codable := range codables {
		for _, c := range codable.Coding {
			for _, t := range tokens {
				if t.MatchesCoding(c) {
					return true
				}
			}
		}
	}
	return false
}

// EncodeToString renders a coding as "system|code" for logging and token parameters.
func EncodeToString(coding fhir.Coding) string {
	var system, code string
	if coding.System != nil {
		system = *coding.System
	}
	if coding.Code != nil {
		code = *coding.Code
	}
	if system == "" {
		return code
	}
	return system + "|" + code
}
