package broker

import (
	"io"
	"net"
	"net/http"
	"time"
)

const (
	// DefaultHTTPTimeout bounds every outbound broker call.
	DefaultHTTPTimeout = 15 * time.Second

	maxErrorBodyBytes = 4096
)

// NewHTTPClient builds a pooled HTTP client with a fixed timeout. The app
// constructs exactly one and injects it into every hand-rolled adapter so
// concurrent polls share sockets; adapters only build their own when tests
// wire them standalone.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// WrapTransportError classifies a client.Do failure as retryable.
func WrapTransportError(brokerName string, err error) error {
	return &NetworkError{Broker: brokerName, Err: err}
}

// ReadResponseBody drains a response body with a sane cap for error payloads.
func ReadResponseBody(resp *http.Response) []byte {
	if resp == nil || resp.Body == nil {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return data
}

// TruncateForLog keeps raw payload excerpts in logs bounded.
func TruncateForLog(data []byte) string {
	if len(data) > maxErrorBodyBytes {
		return string(data[:maxErrorBodyBytes]) + "...(truncated)"
	}
	return string(data)
}
