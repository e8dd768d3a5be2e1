package japi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
)

// StatusError is returned by Req.Do when the response status is not
// one of the expected codes. It preserves the status and the raw
// response body so callers can recover structured error payloads.
type StatusError struct {
	Url    string
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d (%q)", e.Url, e.Status, e.Body)
}

// ErrorIsStatus returns true if err is a StatusError with the given status code.
func ErrorIsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// Req encodes the parameters needed to perform a single HTTP request.
type Req struct {
	client  *http.Client
	baseUrl string

	method   string
	path     string
	header   http.Header
	qs       url.Values
	reqBody  interface{}
	respBody interface{}
	okCodes  []int
}

type ReqOpt func(*Req)

// Req builds a new request object using default values configured for the Api.
func (p *Api) Req(method string, opts ...ReqOpt) *Req {
	n := &Req{
		client:  p.client,
		baseUrl: p.url,

		method:  method,
		header:  maps.Clone(p.header),
		qs:      make(url.Values),
		okCodes: []int{http.StatusOK},
	}

	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ReqPath sets the URL path for the request.
func ReqPath(pathFmt string, a ...interface{}) ReqOpt {
	return func(p *Req) { p.path = fmt.Sprintf(pathFmt, a...) }
}

// ReqHeader adds a header which will be sent in the request.
func ReqHeader(k, v string) ReqOpt {
	return func(p *Req) { p.header.Add(k, v) }
}

// ReqQuery adds a query key and value which will be encoded in the request URL.
func ReqQuery(k, v string) ReqOpt {
	return func(p *Req) { p.qs.Set(k, v) }
}

// ReqBody sets the request body to encode and deliver as JSON.
func ReqBody(x interface{}) ReqOpt {
	return func(p *Req) { p.reqBody = x }
}

// ReqRespBody sets the response body to parse JSON response bodies into.
func ReqRespBody(x interface{}) ReqOpt {
	return func(p *Req) { p.respBody = x }
}

// OkCodes sets the list of http status codes that indicate success.
func OkCodes(codes ...int) ReqOpt {
	return func(p *Req) { p.okCodes = codes }
}

// Do performs the request, returning any errors.
// If the request has a response body and there are no errors,
// the response's body is parsed into it.
func (p *Req) Do(ctx context.Context) error {
	url := p.baseUrl + p.path
	fullUrl := url
	if len(p.qs) > 0 {
		fullUrl = fullUrl + "?" + p.qs.Encode()
	}

	var body io.Reader
	if p.reqBody != nil {
		buf := bytes.NewBuffer(nil)
		if err := json.NewEncoder(buf).Encode(p.reqBody); err != nil {
			return fmt.Errorf("%s: encode request: %w", url, err)
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, p.method, fullUrl, body)
	if err != nil {
		return fmt.Errorf("%s: NewRequestWithContext: %w", url, err)
	}

	req.Header = p.header
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: client.Do: %w", url, err)
	}
	defer resp.Body.Close()

	if !slices.Contains(p.okCodes, resp.StatusCode) {
		bs, _ := io.ReadAll(resp.Body)
		return &StatusError{Url: url, Status: resp.StatusCode, Body: bs}
	}

	if p.respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(p.respBody); err != nil {
			return fmt.Errorf("%s: parse response: %w", url, err)
		}
	}

	return nil
}
