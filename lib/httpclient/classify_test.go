package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"nil", nil, KindNone},
		{"dns error", &net.DNSError{Err: "no such host", Name: "example.invalid"}, KindDNS},
		{"wrapped dns error", fmt.Errorf("request failed: %w", &net.DNSError{Err: "no such host"}), KindDNS},
		{"context deadline", context.DeadlineExceeded, KindTimeout},
		{"dns message", errors.New("dial tcp: lookup example.invalid: no such host"), KindDNS},
		{"tls message", errors.New("remote error: tls: handshake failure"), KindTLS},
		{"certificate message", errors.New("x509: certificate signed by unknown authority"), KindTLS},
		{"timeout message", errors.New("context deadline exceeded (Client.Timeout exceeded)"), KindTimeout},
		{"generic network", errors.New("connection refused"), KindNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestIsOffline(t *testing.T) {
	assert.False(t, IsOffline(nil))
	assert.True(t, IsOffline(errors.New("dial tcp 127.0.0.1:8080: connect: connection refused")))
	assert.True(t, IsOffline(errors.New("lookup example.invalid: no such host")))
	assert.True(t, IsOffline(errors.New("context deadline exceeded")))
	assert.False(t, IsOffline(errors.New("unexpected status code: 500")))
}
