package httpbakery

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"syscall"

	"github.com/juju/persistent-cookiejar"
	"golang.org/x/net/publicsuffix"
	"gopkg.in/errgo.v1"
)

// Request holds an HTTP request to be issued by a WebHandler.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response holds the response to a Request. A StatusCode of
// zero with an empty body means that the server closed the
// connection without responding.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsConnectionReset reports whether the server closed the
// connection without sending a response, as it does when a
// long-poll request times out.
func (r *Response) IsConnectionReset() bool {
	return r.StatusCode == 0 && len(r.Body) == 0
}

// WebHandler is the transport used by the client to issue
// HTTP requests.
type WebHandler interface {
	// Do issues the given request. A non-nil error is returned
	// only when no response could be obtained at all; a
	// response of any status is returned without error.
	Do(ctx context.Context, req *Request) (*Response, error)
}

// HTTPWebHandler implements WebHandler using an *http.Client.
type HTTPWebHandler struct {
	client *http.Client
}

// NewHTTPWebHandler returns a web handler that issues requests
// through c. If c is nil, DefaultHTTPClient is used.
func NewHTTPWebHandler(c *http.Client) *HTTPWebHandler {
	if c == nil {
		c = DefaultHTTPClient
	}
	return &HTTPWebHandler{
		client: c,
	}
}

// Do implements WebHandler.Do.
func (h *HTTPWebHandler) Do(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, errgo.WithCausef(err, ErrTransport, "cannot make request")
	}
	for attr, vals := range req.Header {
		httpReq.Header[attr] = vals
	}
	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		if isConnectionClosed(err) {
			logger.Debugf("%s %s: connection closed by server", req.Method, req.URL)
			return &Response{}, nil
		}
		return nil, errgo.WithCausef(err, ErrTransport, "cannot %s %q", req.Method, req.URL)
	}
	defer httpResp.Body.Close()
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		if isConnectionClosed(err) {
			logger.Debugf("%s %s: connection closed by server while reading body", req.Method, req.URL)
			return &Response{}, nil
		}
		return nil, errgo.WithCausef(err, ErrTransport, "cannot read response from %q", req.URL)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// isConnectionClosed reports whether err reports
// that the peer closed the connection.
func isConnectionClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET)
}

// DefaultHTTPClient is an http.Client that ensures that
// headers are sent to the server even when the server redirects,
// and that keeps cookies in memory.
var DefaultHTTPClient = defaultHTTPClient()

func defaultHTTPClient() *http.Client {
	c := *http.DefaultClient
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return errgo.New("too many redirects")
		}
		if len(via) == 0 {
			return nil
		}
		for attr, val := range via[0].Header {
			if _, ok := req.Header[attr]; !ok {
				req.Header[attr] = val
			}
		}
		return nil
	}
	jar, err := cookiejar.New(&cookiejar.Options{
		PublicSuffixList: publicsuffix.List,
		NoPersist:        true,
	})
	if err != nil {
		panic(err)
	}
	c.Jar = &cookieLogger{jar}
	return &c
}

type cookieLogger struct {
	http.CookieJar
}

func (j *cookieLogger) SetCookies(u *url.URL, cookies []*http.Cookie) {
	logger.Debugf("setting %d cookies for %s", len(cookies), u)
	for i, c := range cookies {
		logger.Tracef("\t%d. path %s; name %s", i, c.Path, c.Name)
	}
	j.CookieJar.SetCookies(u, cookies)
}

// webHandlerDoer adapts a WebHandler to the Doer
// interface used by httprequest.Client.
type webHandlerDoer struct {
	handler WebHandler
}

// Do implements httprequest.Doer.
func (d webHandlerDoer) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, errgo.Notef(err, "cannot read request body")
		}
		body = data
	}
	resp, err := d.handler.Do(req.Context(), &Request{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header,
		Body:   body,
	})
	if err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	if resp.IsConnectionReset() {
		return nil, errgo.WithCausef(nil, ErrTransport, "%s %q: connection closed by server", req.Method, req.URL)
	}
	header := resp.Header
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        statusText(resp.StatusCode),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}, nil
}
