package httpx

import (
	"net/http"
	"time"
)

const defaultExternalHTTPTimeout = 90 * time.Second

// Shared client for all outbound calls (trace store, PMS, LLM fallback).
// One client so connection pooling and the configured timeout apply
// uniformly.
var externalHTTPClient = &http.Client{
	Timeout: defaultExternalHTTPTimeout,
}

// ConfigureExternalHTTPClient applies the configured timeout and returns
// the value actually in effect. Zero or negative restores the default.
func ConfigureExternalHTTPClient(timeoutSeconds int) time.Duration {
	if timeoutSeconds <= 0 {
		externalHTTPClient.Timeout = defaultExternalHTTPTimeout
	} else {
		externalHTTPClient.Timeout = time.Duration(timeoutSeconds) * time.Second
	}
	return externalHTTPClient.Timeout
}

func Client() *http.Client { return externalHTTPClient }
