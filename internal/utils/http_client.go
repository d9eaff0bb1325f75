package utils

import (
	"net/http"
	"time"
)

// NewHTTPClient returns a pooled client. A zero timeout means the client
// waits for as long as the caller's context allows.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
