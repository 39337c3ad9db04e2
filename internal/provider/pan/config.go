package pan

import (
	"net"
	"net/http"
	"time"
)

// ClientConfig holds the HTTP tuning for the netdisk API client.
type ClientConfig struct {
	// Endpoints
	APIBase    string // metadata and control calls (precreate, create, download)
	UploadBase string // slice upload host

	// Timeouts
	RequestTimeout time.Duration // control calls
	SliceTimeout   time.Duration // per-slice upload / ranged read
	DialTimeout    time.Duration

	// Connection settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration

	UserAgent string
}

// DefaultConfig returns a ClientConfig with sensible defaults.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		APIBase:        "https://pan.baidu.com",
		UploadBase:     "https://d.pcs.baidu.com",
		RequestTimeout: 30 * time.Second,
		SliceTimeout:   5 * time.Minute,
		DialTimeout:    30 * time.Second,

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,

		UserAgent: "pan-transfer/1.0",
	}
}

func (c *ClientConfig) newTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        c.MaxIdleConns,
		MaxIdleConnsPerHost: c.MaxIdleConnsPerHost,
		MaxConnsPerHost:     c.MaxConnsPerHost,
		IdleConnTimeout:     c.IdleConnTimeout,
		TLSHandshakeTimeout: c.TLSHandshakeTimeout,

		DialContext: (&net.Dialer{
			Timeout:   c.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
}
