// Package httpclient provides the outbound HTTP transport stack used for FHIR
// traffic: request correlation ids, retry with exponential backoff, optional
// mTLS client materials and transport error classification.
package httpclient

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the correlation id on outbound requests. Retries reuse the same id.
const RequestIDHeader = "X-Request-ID"

// Config holds the transport settings for outbound FHIR traffic.
type Config struct {
	ConnectTimeout time.Duration `koanf:"connecttimeout"`
	ReadTimeout    time.Duration `koanf:"readtimeout"`
	Retries        int           `koanf:"retries"`
	BackoffFactor  float64       `koanf:"backofffactor"`
	TLS            TLSConfig     `koanf:"tls"`
}

// TLSConfig holds optional mTLS client materials. All files must exist at startup when set.
type TLSConfig struct {
	CertPath string `koanf:"certpath"`
	KeyPath  string `koanf:"keypath"`
	CAPath   string `koanf:"capath"`
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    30 * time.Second,
		Retries:        3,
		BackoffFactor:  0.5,
	}
}

// New builds an *http.Client with the correlation and retry transports applied.
// A non-nil base transport can be passed to chain additional round trippers (e.g. tracing).
func New(config Config, base http.RoundTripper) (*http.Client, error) {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if config.ConnectTimeout >= config.ReadTimeout {
		return nil, fmt.Errorf("connect timeout (%s) must be smaller than read timeout (%s)", config.ConnectTimeout, config.ReadTimeout)
	}

	if base == nil {
		transport := &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: config.ConnectTimeout,
			}).DialContext,
			TLSHandshakeTimeout: config.ConnectTimeout,
			MaxIdleConnsPerHost: 10,
		}
		if config.TLS.CertPath != "" || config.TLS.KeyPath != "" {
			tlsConfig, err := loadTLSConfig(config.TLS)
			if err != nil {
				return nil, err
			}
			transport.TLSClientConfig = tlsConfig
		}
		base = transport
	}

	return &http.Client{
		Timeout: config.ReadTimeout,
		Transport: &CorrelationTransport{
			Underlying: &RetryTransport{
				Underlying:    base,
				Retries:       config.Retries,
				BackoffFactor: config.BackoffFactor,
			},
		},
	}, nil
}

func loadTLSConfig(config TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(config.CertPath, config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load mTLS client certificate (cert=%s, key=%s): %w", config.CertPath, config.KeyPath, err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if config.CAPath != "" {
		caPEM, err := os.ReadFile(config.CAPath)
		if err != nil {
			return nil, fmt.Errorf("load mTLS CA bundle (ca=%s): %w", config.CAPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates found in CA bundle (ca=%s)", config.CAPath)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

var _ http.RoundTripper = &CorrelationTransport{}

// CorrelationTransport sets a correlation id header on every outbound request,
// unless the caller already set one.
type CorrelationTransport struct {
	Underlying http.RoundTripper
}

func (t *CorrelationTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	if request.Header.Get(RequestIDHeader) == "" {
		request = request.Clone(request.Context())
		request.Header.Set(RequestIDHeader, uuid.NewString())
	}
	return t.Underlying.RoundTrip(request)
}

var _ http.RoundTripper = &RetryTransport{}

// RetryTransport retries requests on 429, 5xx and retryable transport errors
// with exponential backoff. DNS and TLS failures are not retried, they will
// not resolve within the retry window.
type RetryTransport struct {
	Underlying    http.RoundTripper
	Retries       int
	BackoffFactor float64
}

func (t *RetryTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	retries := t.Retries
	if retries < 0 {
		retries = 0
	}
	factor := t.BackoffFactor
	if factor <= 0 {
		factor = 0.5
	}

	var bodyBytes []byte
	if request.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(request.Body)
		_ = request.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	var response *http.Response
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(factor * math.Pow(2, float64(attempt-1)) * float64(time.Second))
			select {
			case <-request.Context().Done():
				return nil, request.Context().Err()
			case <-time.After(backoff):
			}
		}
		if bodyBytes != nil {
			request.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
		response, err = t.Underlying.RoundTrip(request)
		if err != nil {
			if kind := Classify(err); kind == KindDNS || kind == KindTLS {
				return nil, err
			}
			continue
		}
		if response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= 500 {
			if attempt < retries {
				// Drain so the connection can be reused.
				_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 1<<16))
				_ = response.Body.Close()
				continue
			}
		}
		return response, nil
	}
	if err != nil {
		return nil, err
	}
	return response, nil
}
