// Package httputil provides the shared resty client setup used by the outbound adapters.
package httputil

import (
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Options tunes NewClient. Zero values pick the defaults.
type Options struct {
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	UserAgent    string
}

// NewClient creates a resty client with a timeout and retries on transport
// errors and 5xx responses.
func NewClient(baseURL string, opts Options) *resty.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 500 * time.Millisecond
	}
	if opts.RetryMaxWait <= 0 {
		opts.RetryMaxWait = 5 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "creditcontrol/1.0"
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(opts.RetryMaxWait).
		SetHeader("User-Agent", opts.UserAgent)

	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err == nil && r.StatusCode() >= http.StatusInternalServerError
	})
	return client
}
