package japi

import (
	"context"
	"net"
	"net/http"
)

// Api provides an API for building and making JSON HTTP requests.
type Api struct {
	url    string
	client *http.Client
	header http.Header
}

// New returns a new Api object which encodes settings
// and default values used when constructing requests.
func New(url string, opts ...ApiOpt) *Api {
	n := &Api{
		url:    url,
		client: &http.Client{},
		header: make(http.Header),
	}

	for _, opt := range opts {
		opt(n)
	}
	return n
}

type ApiOpt func(*Api)

// Client sets an HTTP client to use when making requests.
func Client(client *http.Client) ApiOpt {
	return func(p *Api) { p.client = client }
}

// Header adds a header that will be included in all requests.
func Header(k, v string) ApiOpt {
	return func(p *Api) { p.header.Add(k, v) }
}

// UnixSocket directs all requests to a unix domain socket.
// The configured URL still provides the request host and path,
// only dialing is redirected.
func UnixSocket(path string) ApiOpt {
	return func(p *Api) {
		dialer := &net.Dialer{}
		p.client = &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", path)
				},
			},
		}
	}
}
