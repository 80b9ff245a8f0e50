// Package httputil holds the shared outbound HTTP client construction so
// the explorer poller and the admin notifier pool connections the same way.
package httputil

import (
	"net/http"
	"time"
)

const (
	maxIdleConns        = 100
	maxIdleConnsPerHost = 10
	idleConnTimeout     = 90 * time.Second
)

// NewClient returns a client with the shared transport tuning and the
// given overall timeout. A zero timeout means the caller bounds each
// request with its own context deadline.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        maxIdleConns,
			MaxIdleConnsPerHost: maxIdleConnsPerHost,
			IdleConnTimeout:     idleConnTimeout,
		},
	}
}
