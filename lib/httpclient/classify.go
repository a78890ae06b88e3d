package httpclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"
)

// Kind classifies a transport failure.
type Kind string

const (
	KindTimeout Kind = "timeout"
	KindDNS     Kind = "dns"
	KindTLS     Kind = "tls"
	KindNetwork Kind = "network"
	KindNone    Kind = ""
)

// Classify maps a transport error to its failure kind. Returns KindNone for nil.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}

	var certErr *tls.CertificateVerificationError
	var hostnameErr x509.HostnameError
	var unknownAuthErr x509.UnknownAuthorityError
	var recordHeaderErr tls.RecordHeaderError
	if errors.As(err, &certErr) || errors.As(err, &hostnameErr) || errors.As(err, &unknownAuthErr) || errors.As(err, &recordHeaderErr) {
		return KindTLS
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	// Some wrapped transport errors only expose their nature in the message.
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "no such host"):
		return KindDNS
	case strings.Contains(message, "tls") || strings.Contains(message, "certificate"):
		return KindTLS
	case strings.Contains(message, "timeout") || strings.Contains(message, "deadline exceeded"):
		return KindTimeout
	}
	return KindNetwork
}

// IsOffline reports whether the error indicates the remote server is unreachable
// (any classified transport failure), as opposed to an application-level error.
func IsOffline(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "connection refused") ||
		strings.Contains(message, "no such host") ||
		strings.Contains(message, "timeout") ||
		strings.Contains(message, "deadline exceeded") ||
		strings.Contains(message, "tls") ||
		strings.Contains(message, "connection reset")
}
