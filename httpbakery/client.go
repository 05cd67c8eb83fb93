// The httpbakery package implements the client side of the macaroon
// bakery HTTP protocol. A Client attaches stored macaroons to
// requests, discharges the macaroons in discharge-required
// responses by talking to the third parties named in their caveats,
// and repeats the original request once the discharges have been
// acquired.
package httpbakery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo"
	"gopkg.in/errgo.v1"
	"gopkg.in/macaroon.v2"

	"github.com/jdsandifer/juju-gui/bakery"
)

var logger = loggo.GetLogger("jujugui.httpbakery")

const (
	// BakeryProtocolHeader is the header holding the
	// version of the bakery protocol spoken by the client.
	BakeryProtocolHeader = "Bakery-Protocol-Version"

	// MacaroonsHeader is the header holding the encoded
	// macaroons sent with a request.
	MacaroonsHeader = "Macaroons"

	protocolVersion = "1"

	jsonContentType = "application/json"
	formContentType = "application/x-www-form-urlencoded"
)

// Params holds the parameters for a New call.
type Params struct {
	// ServiceName holds the name of the service the client talks to.
	// Macaroons are stored under a key derived from it.
	ServiceName string

	// WebHandler is used to issue HTTP requests.
	// If it is nil, an HTTPWebHandler using DefaultHTTPClient
	// will be used.
	WebHandler WebHandler

	// BaseURL, if set, is used to resolve the paths
	// passed to the request methods.
	BaseURL string

	// Store holds the macaroon store. If it is nil,
	// an in-memory store will be used.
	Store *bakery.MacaroonStore

	// Visitor is used to let the user authenticate when a third
	// party requires interaction. If it is nil, a
	// NonInteractiveVisitor is used when NonInteractive is true and
	// a PopupVisitor otherwise.
	Visitor Visitor

	// NonInteractive specifies that the client already holds
	// the credentials required to log in. LoginPayload
	// holds the login data sent by the NonInteractiveVisitor.
	NonInteractive bool
	LoginPayload   interface{}

	// OnSuccess, if set, is called after each successful discharge.
	OnSuccess func()

	// SetCookiePath, if set, holds the URL to which discharged
	// macaroons are sent so that they can be set as a cookie.
	SetCookiePath string

	// SetCookie specifies whether macaroons should also be
	// persisted in the store's cookie storage.
	SetCookie bool

	// StaticMacaroonPath, if set, holds the URL from which
	// FetchMacaroon acquires a macaroon.
	StaticMacaroonPath string

	// Macaroon, if set, holds an encoded macaroon set to store
	// initially.
	Macaroon string

	// DischargeToken, if set, holds the initial identity token
	// sent to third parties.
	DischargeToken string

	// Clock is used to time wait retries. If it is nil,
	// the wall clock is used.
	Clock clock.Clock

	// WaitRetryDelay holds the delay before a wait request
	// is retried after the server closed the connection.
	// If it is zero, DefaultWaitRetryDelay is used.
	WaitRetryDelay time.Duration
}

// DefaultWaitRetryDelay holds the default delay
// between wait retries.
const DefaultWaitRetryDelay = 10 * time.Millisecond

// Client makes HTTP requests that automatically acquire and
// discharge macaroons.
type Client struct {
	serviceName        string
	handler            WebHandler
	baseURL            *url.URL
	store              *bakery.MacaroonStore
	visitor            Visitor
	onSuccess          func()
	setCookie          bool
	staticMacaroonPath string
	sync               *SessionSync
	clock              clock.Clock
	waitRetryDelay     time.Duration
}

// New returns a new Client.
func New(p Params) (*Client, error) {
	if p.ServiceName == "" {
		return nil, errgo.New("no service name specified")
	}
	if p.WebHandler == nil {
		p.WebHandler = NewHTTPWebHandler(nil)
	}
	if p.Store == nil {
		p.Store = bakery.NewMacaroonStore(bakery.MacaroonStoreParams{})
	}
	if p.Clock == nil {
		p.Clock = clock.WallClock
	}
	if p.WaitRetryDelay == 0 {
		p.WaitRetryDelay = DefaultWaitRetryDelay
	}
	if p.OnSuccess == nil {
		p.OnSuccess = func() {}
	}
	var baseURL *url.URL
	if p.BaseURL != "" {
		u, err := url.Parse(p.BaseURL)
		if err != nil {
			return nil, errgo.Notef(err, "invalid base URL")
		}
		baseURL = u
	}
	visitor := p.Visitor
	switch {
	case visitor != nil:
	case p.NonInteractive:
		visitor = &NonInteractiveVisitor{
			Handler: p.WebHandler,
			Login:   p.LoginPayload,
		}
	default:
		visitor = &PopupVisitor{}
	}
	c := &Client{
		serviceName:        p.ServiceName,
		handler:            p.WebHandler,
		baseURL:            baseURL,
		store:              p.Store,
		visitor:            visitor,
		onSuccess:          p.OnSuccess,
		setCookie:          p.SetCookie,
		staticMacaroonPath: p.StaticMacaroonPath,
		clock:              p.Clock,
		waitRetryDelay:     p.WaitRetryDelay,
	}
	c.sync = NewSessionSync(SessionSyncParams{
		WebHandler:      p.WebHandler,
		Store:           p.Store,
		ServiceName:     p.ServiceName,
		SetCookiePath:   c.resolve(p.SetCookiePath),
		PersistAsCookie: p.SetCookie,
	})
	if p.Macaroon != "" {
		if err := p.Store.SetEncoded(p.ServiceName, p.Macaroon, p.SetCookie); err != nil {
			return nil, errgo.Mask(err)
		}
	}
	if p.DischargeToken != "" {
		p.Store.SetIdentity(p.DischargeToken)
	}
	return c, nil
}

// Macaroons returns the macaroon set currently stored for
// the client's service, or nil if there is none.
func (c *Client) Macaroons() macaroon.Slice {
	return c.store.Get(c.serviceName)
}

// Clear removes the stored macaroons for the client's service
// and resets the identity token.
func (c *Client) Clear() error {
	return errgo.Mask(c.store.Clear(c.serviceName, c.setCookie))
}

// Get issues a GET request to the given path.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, "GET", path, nil, true)
}

// Delete issues a DELETE request to the given path.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, "DELETE", path, nil, true)
}

// Post issues a POST request to the given path with
// the given JSON body.
func (c *Client) Post(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Do(ctx, "POST", path, body, true)
}

// Put issues a PUT request to the given path with
// the given JSON body.
func (c *Client) Put(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Do(ctx, "PUT", path, body, true)
}

// Patch issues a PATCH request to the given path with
// the given JSON body.
func (c *Client) Patch(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Do(ctx, "PATCH", path, body, true)
}

// Do issues a request with the given method to the given path. Body
// holds the JSON request body, if any. Stored macaroons are attached
// to the request.
//
// If allowAuthRedirect is true and the response is a macaroon
// discharge challenge, the challenge macaroon is discharged, the
// resulting macaroons are stored, and the request is issued once more.
//
// A response with a status code of 400 or more is returned as an error
// with a *ResponseError cause. Errors from the discharge are returned
// with their original cause.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, allowAuthRedirect bool) (*Response, error) {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	if allowAuthRedirect && isDischargeChallenge(resp) {
		logger.Debugf("%s %s: discharge required", method, path)
		if err := c.authenticate(ctx, resp); err != nil {
			return nil, errgo.Mask(err, errgo.Any)
		}
		resp, err = c.send(ctx, method, path, body)
		if err != nil {
			return nil, errgo.Mask(err, errgo.Any)
		}
	}
	if resp.StatusCode >= 400 {
		rerr := &ResponseError{resp}
		return nil, errgo.WithCausef(nil, rerr, "%s %s: %v", method, path, rerr)
	}
	return resp, nil
}

// send issues a single request with the bakery headers attached.
func (c *Client) send(ctx context.Context, method, path string, body []byte) (*Response, error) {
	header := c.prepareHeaders()
	if body != nil {
		header.Set("Content-Type", jsonContentType)
	}
	return c.handler.Do(ctx, &Request{
		Method: method,
		URL:    c.resolve(path),
		Header: header,
		Body:   body,
	})
}

// prepareHeaders returns the headers sent with every request.
func (c *Client) prepareHeaders() http.Header {
	header := make(http.Header)
	header.Set(BakeryProtocolHeader, protocolVersion)
	if ms := c.store.GetEncoded(c.serviceName); ms != "" {
		header.Set(MacaroonsHeader, ms)
	}
	return header
}

// resolve returns path resolved relative to the client's base URL.
func (c *Client) resolve(path string) string {
	if c.baseURL == nil || path == "" {
		return path
	}
	u, err := url.Parse(path)
	if err != nil {
		return path
	}
	return c.baseURL.ResolveReference(u).String()
}

// isDischargeChallenge reports whether resp requires
// a macaroon to be discharged.
func isDischargeChallenge(resp *Response) bool {
	return resp.StatusCode == http.StatusUnauthorized &&
		strings.EqualFold(resp.Header.Get("Www-Authenticate"), "Macaroon")
}

// authenticate discharges the macaroon in the given discharge
// challenge and persists the result.
func (c *Client) authenticate(ctx context.Context, resp *Response) error {
	var challenge Error
	if err := json.Unmarshal(resp.Body, &challenge); err != nil {
		return errgo.WithCausef(err, ErrBadChallenge, "cannot unmarshal discharge required response")
	}
	if challenge.Info == nil || challenge.Info.Macaroon == nil {
		return errgo.WithCausef(nil, ErrBadChallenge, "no macaroon found in discharge required response")
	}
	ms, err := c.Discharge(ctx, challenge.Info.Macaroon)
	if err != nil {
		return errgo.Mask(err, errgo.Any)
	}
	return errgo.Mask(c.sync.Persist(ctx, ms), errgo.Any)
}

// FetchMacaroon returns the macaroons stored for the client's
// service. If there are none, a macaroon is fetched from the static
// macaroon path, discharged and stored.
func (c *Client) FetchMacaroon(ctx context.Context) (macaroon.Slice, error) {
	if ms := c.Macaroons(); ms != nil {
		return ms, nil
	}
	if c.staticMacaroonPath == "" {
		return nil, errgo.New("static macaroon path was not defined")
	}
	resp, err := c.handler.Do(ctx, &Request{
		Method: "GET",
		URL:    c.resolve(c.staticMacaroonPath),
	})
	if err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	if resp.StatusCode >= 400 {
		rerr := &ResponseError{resp}
		return nil, errgo.WithCausef(nil, rerr, "cannot fetch macaroon: %v", rerr)
	}
	var m macaroon.Macaroon
	if err := json.Unmarshal(resp.Body, &m); err != nil {
		return nil, errgo.WithCausef(err, ErrBadChallenge, "cannot unmarshal macaroon from %q", c.staticMacaroonPath)
	}
	ms, err := c.Discharge(ctx, &m)
	if err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	if err := c.sync.Persist(ctx, ms); err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	return c.Macaroons(), nil
}
