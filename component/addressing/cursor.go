package addressing

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// cursor is the opaque paging token of the search endpoints: the upstream
// `next` page URL of the query in flight, plus the queries not started yet
// (the organization-units endpoint aggregates multiple upstream queries).
type cursor struct {
	Next    string   `json:"next,omitempty"`
	Pending []string `json:"pending,omitempty"`
}

func (c cursor) empty() bool {
	return c.Next == "" && len(c.Pending) == 0
}

func encodeCursor(c cursor) (string, error) {
	if c.empty() {
		return "", nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// decodeCursor parses and validates an opaque cursor. Every URL embedded in
// the cursor must live under the configured FHIR base, so a tampered cursor
// cannot make the server fetch arbitrary URLs.
func decodeCursor(value string, fhirBaseURL string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return cursor{}, fmt.Errorf("not base64: %w", err)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return cursor{}, fmt.Errorf("not a cursor: %w", err)
	}
	if c.Next != "" {
		if err := checkCursorURL(c.Next, fhirBaseURL); err != nil {
			return cursor{}, err
		}
	}
	for _, pending := range c.Pending {
		if err := checkCursorURL(pending, fhirBaseURL); err != nil {
			return cursor{}, err
		}
	}
	return c, nil
}

// checkCursorURL requires the URL's origin and path prefix to match the
// configured FHIR base.
func checkCursorURL(raw string, fhirBaseURL string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL in cursor: %w", err)
	}
	base, err := url.Parse(fhirBaseURL)
	if err != nil {
		return fmt.Errorf("invalid FHIR base URL: %w", err)
	}
	if parsed.Scheme != base.Scheme || parsed.Host != base.Host {
		return fmt.Errorf("cursor URL origin %s://%s does not match the directory base", parsed.Scheme, parsed.Host)
	}
	basePath := strings.TrimRight(base.Path, "/")
	if basePath != "" && !strings.HasPrefix(parsed.Path, basePath) {
		return fmt.Errorf("cursor URL path %s is outside the directory base", parsed.Path)
	}
	return nil
}
