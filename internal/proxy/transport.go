package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// NewClient builds an HTTP client whose requests leave through addr. An empty
// addr gives a client with no proxy, ignoring environment proxy settings.
func NewClient(addr string, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if addr != "" {
		proxyURL, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", addr, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}
