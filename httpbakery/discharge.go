package httpbakery

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/juju/retry"
	"gopkg.in/errgo.v1"
	"gopkg.in/macaroon.v2"

	"github.com/jdsandifer/juju-gui/bakery"
)

// MaxWaitRetries holds the number of times a wait request is
// repeated when the server closes the connection without responding,
// as identity providers do when a long poll times out.
const MaxWaitRetries = 5

// DischargeResponse holds the response from a discharge
// or wait endpoint.
type DischargeResponse struct {
	Macaroon *macaroon.Macaroon `json:",omitempty"`

	// DischargeToken optionally holds a token that can be used
	// to identify the client in subsequent discharge requests.
	DischargeToken json.RawMessage `json:",omitempty"`
}

var errConnectionReset = errgo.New("connection closed by server")

// Discharge acquires discharge macaroons for all the third party
// caveats in m. It returns the macaroons needed to use m in a request:
// m itself followed by the discharges, bound to m.
//
// The discharges are not stored: see SessionSync.
func (c *Client) Discharge(ctx context.Context, m *macaroon.Macaroon) (macaroon.Slice, error) {
	ms, err := bakery.DischargeAll(m, func(firstPartyLocation string, cav macaroon.Caveat) (*macaroon.Macaroon, error) {
		return c.obtainThirdPartyDischarge(ctx, firstPartyLocation, cav)
	})
	if err != nil {
		return nil, errgo.NoteMask(err, "discharge failed", errgo.Any)
	}
	c.onSuccess()
	return ms, nil
}

// obtainThirdPartyDischarge asks the third party at the caveat's
// location to discharge the caveat, interacting with the user
// if required.
func (c *Client) obtainThirdPartyDischarge(ctx context.Context, firstPartyLocation string, cav macaroon.Caveat) (*macaroon.Macaroon, error) {
	header := make(http.Header)
	header.Set(BakeryProtocolHeader, protocolVersion)
	header.Set("Content-Type", formContentType)
	if token := c.store.Identity(); token != "" {
		header.Set(MacaroonsHeader, token)
	}
	body := url.Values{
		"id":       {string(cav.Id)},
		"location": {firstPartyLocation},
	}
	dischargeURL := appendURLElem(cav.Location, "discharge")
	logger.Debugf("requesting discharge from %s", dischargeURL)
	resp, err := c.handler.Do(ctx, &Request{
		Method: "POST",
		URL:    dischargeURL,
		Header: header,
		Body:   []byte(body.Encode()),
	})
	if err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	if resp.StatusCode >= 400 {
		return c.interact(ctx, cav.Location, resp)
	}
	return c.exportMacaroon(resp)
}

// exportMacaroon returns the discharge macaroon held in resp,
// recording any discharge token sent with it.
func (c *Client) exportMacaroon(resp *Response) (*macaroon.Macaroon, error) {
	var dresp DischargeResponse
	if err := json.Unmarshal(resp.Body, &dresp); err != nil {
		return nil, errgo.Notef(err, "cannot unmarshal discharge response")
	}
	if dresp.Macaroon == nil {
		return nil, errgo.New("no macaroon found in discharge response")
	}
	if token := dresp.DischargeToken; len(token) > 0 && string(token) != "null" && string(token) != `""` {
		var buf bytes.Buffer
		if err := json.Compact(&buf, token); err != nil {
			return nil, errgo.Notef(err, "cannot compact discharge token")
		}
		c.store.SetIdentity(base64.StdEncoding.EncodeToString(buf.Bytes()))
	}
	return dresp.Macaroon, nil
}

// interact handles an error response from a discharge request. If the
// third party requires interaction, the visitor is used to let the
// user log in and the discharge is acquired from the wait URL.
func (c *Client) interact(ctx context.Context, location string, resp *Response) (*macaroon.Macaroon, error) {
	var errResp Error
	if err := json.Unmarshal(resp.Body, &errResp); err != nil || errResp.Code == "" {
		return nil, badResponseErrorf(ErrDischargeRejected, resp, "cannot discharge")
	}
	if errResp.Code != ErrInteractionRequired {
		ierr := &InteractionError{
			Code:    errResp.Code,
			Message: errResp.Message,
		}
		return nil, errgo.WithCausef(nil, ierr, "%v", ierr)
	}
	if errResp.Info == nil || errResp.Info.VisitURL == "" || errResp.Info.WaitURL == "" {
		ierr := &InteractionError{
			Code:    errResp.Code,
			Message: "no visit or wait URL found in interaction-required error",
		}
		return nil, errgo.WithCausef(nil, ierr, "%v", ierr)
	}
	info := *errResp.Info
	visitURL, err := relativeURL(location, info.VisitURL)
	if err != nil {
		return nil, errgo.Notef(err, "invalid visit URL %q", info.VisitURL)
	}
	waitURL, err := relativeURL(location, info.WaitURL)
	if err != nil {
		return nil, errgo.Notef(err, "invalid wait URL %q", info.WaitURL)
	}
	info.VisitURL, info.WaitURL = visitURL.String(), waitURL.String()
	logger.Debugf("interaction required; visiting %s", info.VisitURL)
	if err := c.visitor.Visit(ctx, &info); err != nil {
		return nil, errgo.NoteMask(err, "cannot start interactive session", errgo.Any)
	}
	return c.wait(ctx, info.WaitURL)
}

// wait long-polls the given wait URL for a discharge macaroon. A
// connection closed by the server is retried up to MaxWaitRetries
// times, after which the last response is handled as is.
func (c *Client) wait(ctx context.Context, waitURL string) (*macaroon.Macaroon, error) {
	var (
		resp         *Response
		transportErr error
	)
	header := make(http.Header)
	header.Set("Content-Type", jsonContentType)
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			resp, err = c.handler.Do(ctx, &Request{
				Method: "GET",
				URL:    waitURL,
				Header: header,
			})
			if err != nil {
				transportErr = err
				return err
			}
			if resp.IsConnectionReset() {
				return errConnectionReset
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return err != errConnectionReset
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("wait attempt %d on %s: %v", attempt, waitURL, err)
		},
		Attempts: MaxWaitRetries + 1,
		Delay:    c.waitRetryDelay,
		Clock:    c.clock,
	})
	switch {
	case transportErr != nil:
		return nil, errgo.Mask(transportErr, errgo.Any)
	case err != nil && !retry.IsAttemptsExceeded(err):
		return nil, errgo.Mask(err, errgo.Any)
	}
	if resp.StatusCode >= 400 {
		return nil, badResponseErrorf(ErrDischargeRejected, resp, "cannot acquire discharge from %q", waitURL)
	}
	return c.exportMacaroon(resp)
}

func appendURLElem(u, elem string) string {
	if strings.HasSuffix(u, "/") {
		return u + elem
	}
	return u + "/" + elem
}

// relativeURL returns newPath relative to an original URL.
func relativeURL(base, new string) (*url.URL, error) {
	if new == "" {
		return nil, errgo.New("empty URL")
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, errgo.Notef(err, "cannot parse URL")
	}
	newURL, err := url.Parse(new)
	if err != nil {
		return nil, errgo.Notef(err, "cannot parse URL")
	}
	return baseURL.ResolveReference(newURL), nil
}
