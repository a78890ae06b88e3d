package harness

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/nuts-foundation/zorgadresboek/cmd"
)

func startZorgadresboek(t *testing.T, config cmd.Config) (internalBaseURL *url.URL, publicBaseURL *url.URL) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- cmd.Start(ctx, config)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errChan:
		case <-time.After(10 * time.Second):
			t.Log("timeout waiting for zorgadresboek to shut down")
		}
	})

	internalBaseURL = &url.URL{Scheme: "http", Host: config.HTTP.InternalAddress}
	publicBaseURL = &url.URL{Scheme: "http", Host: config.HTTP.PublicAddress}
	if err := waitForHTTPStatus(errChan, internalBaseURL.JoinPath("status").String(), http.StatusOK); err != nil {
		t.Fatalf("failed to start zorgadresboek: %v", err)
	}
	return internalBaseURL, publicBaseURL
}

// waitForHTTPStatus polls the URL until it returns the wanted status, the
// process under test fails, or the deadline passes.
func waitForHTTPStatus(errChan chan error, url string, status int) error {
	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-errChan:
			return fmt.Errorf("process exited: %w", err)
		case <-deadline:
			return fmt.Errorf("timeout waiting for %s to return status %d", url, status)
		case <-ticker.C:
			response, err := http.Get(url)
			if err != nil {
				continue
			}
			_ = response.Body.Close()
			if response.StatusCode == status {
				return nil
			}
		}
	}
}
