// Package from contains HTTP response decoding helpers.
package from

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// JSONResponse decodes the response body as JSON into target after checking the expected status code.
func JSONResponse(response *http.Response, expectedStatus int, target any) error {
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<22))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if response.StatusCode != expectedStatus {
		return fmt.Errorf("unexpected response status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}
