package httpbakery_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
	"gopkg.in/errgo.v1"
	"gopkg.in/macaroon.v2"

	"github.com/jdsandifer/juju-gui/bakery"
	"github.com/jdsandifer/juju-gui/httpbakery"
)

type DischargeSuite struct{}

var _ = gc.Suite(&DischargeSuite{})

type dischargeResponse struct {
	Macaroon       *macaroon.Macaroon
	DischargeToken interface{} `json:",omitempty"`
}

func interactionRequired(visitURL, waitURL string) *httpbakery.Error {
	return &httpbakery.Error{
		Code:    httpbakery.ErrInteractionRequired,
		Message: "login required",
		Info: &httpbakery.ErrorInfo{
			VisitURL: visitURL,
			WaitURL:  waitURL,
		},
	}
}

type clientParams struct {
	handler   httpbakery.WebHandler
	store     *bakery.MacaroonStore
	visitor   httpbakery.Visitor
	onSuccess func()
}

func newClient(c *gc.C, p clientParams) *httpbakery.Client {
	if p.visitor == nil {
		p.visitor = httpbakery.VisitorFunc(func(context.Context, *httpbakery.ErrorInfo) error {
			c.Errorf("unexpected visit")
			return errgo.New("unexpected visit")
		})
	}
	client, err := httpbakery.New(httpbakery.Params{
		ServiceName:    "charmstore",
		WebHandler:     p.handler,
		Store:          p.store,
		Visitor:        p.visitor,
		OnSuccess:      p.onSuccess,
		WaitRetryDelay: time.Millisecond,
	})
	c.Assert(err, jc.ErrorIsNil)
	return client
}

func (*DischargeSuite) TestDirectDischarge(c *gc.C) {
	fp := newFirstParty(c)
	tp := newThirdParty(c, "http://idp")
	h := &fakeHandler{}
	h.handle = func(req *httpbakery.Request) (*httpbakery.Response, error) {
		c.Check(req.URL, gc.Equals, "http://idp/discharge")
		return jsonResponse(c, http.StatusOK, dischargeResponse{Macaroon: tp.discharge(c, req)}), nil
	}
	successes := 0
	client := newClient(c, clientParams{
		handler:   h,
		onSuccess: func() { successes++ },
	})
	m := fp.newMacaroon(c, tp)
	ms, err := client.Discharge(context.Background(), m)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ms, gc.HasLen, 2)
	c.Assert(fp.verify(ms), jc.ErrorIsNil)
	c.Assert(successes, gc.Equals, 1)

	reqs := h.requests()
	c.Assert(reqs, gc.HasLen, 1)
	req := reqs[0]
	c.Assert(req.Method, gc.Equals, "POST")
	c.Assert(req.Header.Get("Bakery-Protocol-Version"), gc.Equals, "1")
	c.Assert(req.Header.Get("Content-Type"), gc.Equals, "application/x-www-form-urlencoded")
	c.Assert(req.Header.Get("Macaroons"), gc.Equals, "")
	form, err := url.ParseQuery(string(req.Body))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(form.Get("id"), gc.Equals, string(m.Caveats()[0].Id))
	c.Assert(form.Get("location"), gc.Equals, "http://target")
}

func (*DischargeSuite) TestDischargeMultipleThirdParties(c *gc.C) {
	fp := newFirstParty(c)
	tp1 := newThirdParty(c, "http://idp1")
	tp2 := newThirdParty(c, "http://idp2/")
	tps := map[string]*thirdParty{
		"http://idp1/discharge": tp1,
		"http://idp2/discharge": tp2,
	}
	h := &fakeHandler{}
	h.handle = func(req *httpbakery.Request) (*httpbakery.Response, error) {
		tp := tps[req.URL]
		c.Assert(tp, gc.NotNil, gc.Commentf("url %q", req.URL))
		return jsonResponse(c, http.StatusOK, dischargeResponse{Macaroon: tp.discharge(c, req)}), nil
	}
	client := newClient(c, clientParams{handler: h})
	ms, err := client.Discharge(context.Background(), fp.newMacaroon(c, tp1, tp2))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ms, gc.HasLen, 3)
	c.Assert(fp.verify(ms), jc.ErrorIsNil)
	c.Assert(h.requestsTo("POST", "http://idp1/discharge"), gc.HasLen, 1)
	c.Assert(h.requestsTo("POST", "http://idp2/discharge"), gc.HasLen, 1)
}

func (*DischargeSuite) TestDischargeTokenCapturedAndSent(c *gc.C) {
	fp := newFirstParty(c)
	tp := newThirdParty(c, "http://idp")
	h := &fakeHandler{}
	h.handle = func(req *httpbakery.Request) (*httpbakery.Response, error) {
		return jsonResponse(c, http.StatusOK, dischargeResponse{
			Macaroon:       tp.discharge(c, req),
			DischargeToken: "bob-token",
		}), nil
	}
	store := bakery.NewMacaroonStore(bakery.MacaroonStoreParams{})
	client := newClient(c, clientParams{handler: h, store: store})
	_, err := client.Discharge(context.Background(), fp.newMacaroon(c, tp))
	c.Assert(err, jc.ErrorIsNil)
	expectToken := base64.StdEncoding.EncodeToString([]byte(`"bob-token"`))
	c.Assert(store.Identity(), gc.Equals, expectToken)

	_, err = client.Discharge(context.Background(), fp.newMacaroon(c, tp))
	c.Assert(err, jc.ErrorIsNil)
	reqs := h.requests()
	c.Assert(reqs, gc.HasLen, 2)
	c.Assert(reqs[0].Header.Get("Macaroons"), gc.Equals, "")
	c.Assert(reqs[1].Header.Get("Macaroons"), gc.Equals, expectToken)
}

func (*DischargeSuite) TestDischargeTokenCompacted(c *gc.C) {
	fp := newFirstParty(c)
	tp := newThirdParty(c, "http://idp")
	h := &fakeHandler{}
	h.handle = func(req *httpbakery.Request) (*httpbakery.Response, error) {
		data, err := json.MarshalIndent(dischargeResponse{
			Macaroon:       tp.discharge(c, req),
			DischargeToken: map[string]string{"kind": "agent", "value": "bob"},
		}, "", "  ")
		c.Assert(err, jc.ErrorIsNil)
		return &httpbakery.Response{
			StatusCode: http.StatusOK,
			Body:       data,
		}, nil
	}
	store := bakery.NewMacaroonStore(bakery.MacaroonStoreParams{})
	client := newClient(c, clientParams{handler: h, store: store})
	_, err := client.Discharge(context.Background(), fp.newMacaroon(c, tp))
	c.Assert(err, jc.ErrorIsNil)
	expectToken := base64.StdEncoding.EncodeToString([]byte(`{"kind":"agent","value":"bob"}`))
	c.Assert(store.Identity(), gc.Equals, expectToken)
}

func (*DischargeSuite) TestNullDischargeTokenIgnored(c *gc.C) {
	fp := newFirstParty(c)
	tp := newThirdParty(c, "http://idp")
	h := &fakeHandler{}
	h.handle = func(req *httpbakery.Request) (*httpbakery.Response, error) {
		resp := jsonResponse(c, http.StatusOK, dischargeResponse{Macaroon: tp.discharge(c, req)})
		return resp, nil
	}
	store := bakery.NewMacaroonStore(bakery.MacaroonStoreParams{})
	store.SetIdentity("existing")
	client := newClient(c, clientParams{handler: h, store: store})
	_, err := client.Discharge(context.Background(), fp.newMacaroon(c, tp))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(store.Identity(), gc.Equals, "existing")
	c.Assert(h.requests()[0].Header.Get("Macaroons"), gc.Equals, "existing")
}

func (*DischargeSuite) TestInteractiveDischarge(c *gc.C) {
	fp := newFirstParty(c)
	tp := newThirdParty(c, "http://idp")
	var dischargeReq *httpbakery.Request
	h := &fakeHandler{}
	h.handle = func(req *httpbakery.Request) (*httpbakery.Response, error) {
		switch req.URL {
		case "http://idp/discharge":
			dischargeReq = req
			return jsonResponse(c, http.StatusUnauthorized, interactionRequired("/v?waitid=1", "/w?waitid=1")), nil
		case "http://idp/w?waitid=1":
			c.Check(req.Method, gc.Equals, "GET")
			c.Check(req.Header.Get("Content-Type"), gc.Equals, "application/json")
			return jsonResponse(c, http.StatusOK, dischargeResponse{Macaroon: tp.discharge(c, dischargeReq)}), nil
		}
		c.Errorf("unexpected request to %q", req.URL)
		return nil, errgo.New("unexpected request")
	}
	var visited []*httpbakery.ErrorInfo
	client := newClient(c, clientParams{
		handler: h,
		visitor: httpbakery.VisitorFunc(func(ctx context.Context, info *httpbakery.ErrorInfo) error {
			visited = append(visited, info)
			return nil
		}),
	})
	ms, err := client.Discharge(context.Background(), fp.newMacaroon(c, tp))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(fp.verify(ms), jc.ErrorIsNil)
	c.Assert(visited, gc.HasLen, 1)
	c.Assert(visited[0].VisitURL, gc.Equals, "http://idp/v?waitid=1")
	c.Assert(visited[0].WaitURL, gc.Equals, "http://idp/w?waitid=1")
	c.Assert(h.requestsTo("GET", "http://idp/w?waitid=1"), gc.HasLen, 1)
}

// waitHandler returns a handler that requires interaction and then
// responds to the first resets wait requests by closing the connection.
func waitHandler(c *gc.C, tp *thirdParty, resets int) *fakeHandler {
	var dischargeReq *httpbakery.Request
	waits := 0
	h := &fakeHandler{}
	h.handle = func(req *httpbakery.Request) (*httpbakery.Response, error) {
		switch req.URL {
		case "http://idp/discharge":
			dischargeReq = req
			return jsonResponse(c, http.StatusUnauthorized, interactionRequired("http://idp/v", "http://idp/w")), nil
		case "http://idp/w":
			waits++
			if waits <= resets {
				return &httpbakery.Response{}, nil
			}
			return jsonResponse(c, http.StatusOK, dischargeResponse{Macaroon: tp.discharge(c, dischargeReq)}), nil
		}
		c.Errorf("unexpected request to %q", req.URL)
		return nil, errgo.New("unexpected request")
	}
	return h
}

func visitOK(context.Context, *httpbakery.ErrorInfo) error {
	return nil
}

func (*DischargeSuite) TestWaitRetriesAfterConnectionReset(c *gc.C) {
	fp := newFirstParty(c)
	tp := newThirdParty(c, "http://idp")
	h := waitHandler(c, tp, httpbakery.MaxWaitRetries)
	client := newClient(c, clientParams{
		handler: h,
		visitor: httpbakery.VisitorFunc(visitOK),
	})
	ms, err := client.Discharge(context.Background(), fp.newMacaroon(c, tp))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(fp.verify(ms), jc.ErrorIsNil)
	c.Assert(h.requestsTo("GET", "http://idp/w"), gc.HasLen, httpbakery.MaxWaitRetries+1)
}

func (*DischargeSuite) TestWaitRetriesExhausted(c *gc.C) {
	fp := newFirstParty(c)
	tp := newThirdParty(c, "http://idp")
	h := waitHandler(c, tp, httpbakery.MaxWaitRetries+1)
	successes := 0
	client := newClient(c, clientParams{
		handler:   h,
		visitor:   httpbakery.VisitorFunc(visitOK),
		onSuccess: func() { successes++ },
	})
	ms, err := client.Discharge(context.Background(), fp.newMacaroon(c, tp))
	c.Assert(ms, gc.IsNil)
	// The last empty response is handled as a normal
	// response, which holds no discharge macaroon.
	c.Assert(err, gc.ErrorMatches, `discharge failed: cannot get discharge from http://idp: cannot unmarshal discharge response: .*`)
	c.Assert(h.requestsTo("GET", "http://idp/w"), gc.HasLen, httpbakery.MaxWaitRetries+1)
	c.Assert(successes, gc.Equals, 0)
}

func (*DischargeSuite) TestWaitTransportErrorNotRetried(c *gc.C) {
	fp := newFirstParty(c)
	tp := newThirdParty(c, "http://idp")
	h := &fakeHandler{}
	h.handle = func(req *httpbakery.Request) (*httpbakery.Response, error) {
		if req.URL == "http://idp/discharge" {
			return jsonResponse(c, http.StatusUnauthorized, interactionRequired("/v", "/w")), nil
		}
		return nil, errgo.WithCausef(nil, httpbakery.ErrTransport, "no route to host")
	}
	client := newClient(c, clientParams{
		handler: h,
		visitor: httpbakery.VisitorFunc(visitOK),
	})
	_, err := client.Discharge(context.Background(), fp.newMacaroon(c, tp))
	c.Assert(err, gc.ErrorMatches, `discharge failed: cannot get discharge from http://idp: no route to host`)
	c.Assert(errgo.Cause(err), gc.Equals, httpbakery.ErrTransport)
	c.Assert(h.requestsTo("GET", "http://idp/w"), gc.HasLen, 1)
}

func (*DischargeSuite) TestWaitErrorStatus(c *gc.C) {
	fp := newFirstParty(c)
	tp := newThirdParty(c, "http://idp")
	h := &fakeHandler{}
	h.handle = func(req *httpbakery.Request) (*httpbakery.Response, error) {
		if req.URL == "http://idp/discharge" {
			return jsonResponse(c, http.StatusUnauthorized, interactionRequired("/v", "/w")), nil
		}
		return jsonResponse(c, http.StatusForbidden, &httpbakery.Error{Message: "login failed"}), nil
	}
	client := newClient(c, clientParams{
		handler: h,
		visitor: httpbakery.VisitorFunc(visitOK),
	})
	_, err := client.Discharge(context.Background(), fp.newMacaroon(c, tp))
	c.Assert(err, gc.ErrorMatches, `discharge failed: cannot get discharge from http://idp: cannot acquire discharge from "http://idp/w": 403 Forbidden: login failed`)
	c.Assert(errgo.Cause(err), gc.Equals, httpbakery.ErrDischargeRejected)
}

var dischargeErrorTests = []struct {
	about       string
	response    *httpbakery.Response
	expectError string
	expectCode  httpbakery.ErrorCode
	expectCause error
}{{
	about: "unexpected error code",
	response: &httpbakery.Response{
		StatusCode: http.StatusForbidden,
		Body:       []byte(`{"Code":"permission denied","Message":"not a member of admin"}`),
	},
	expectError: `discharge failed: cannot get discharge from http://idp: cannot discharge: unexpected error code "permission denied": not a member of admin`,
	expectCode:  "permission denied",
}, {
	about: "interaction required without wait URL",
	response: &httpbakery.Response{
		StatusCode: http.StatusUnauthorized,
		Body:       []byte(`{"Code":"interaction required","Info":{"VisitURL":"/v"}}`),
	},
	expectError: `discharge failed: cannot get discharge from http://idp: cannot discharge: unexpected error code "interaction required": no visit or wait URL found in interaction-required error`,
	expectCode:  httpbakery.ErrInteractionRequired,
}, {
	about: "interaction required without info",
	response: &httpbakery.Response{
		StatusCode: http.StatusUnauthorized,
		Body:       []byte(`{"Code":"interaction required"}`),
	},
	expectError: `.*no visit or wait URL found in interaction-required error`,
	expectCode:  httpbakery.ErrInteractionRequired,
}, {
	about: "plain text error",
	response: &httpbakery.Response{
		StatusCode: http.StatusInternalServerError,
		Body:       []byte("something went wrong\n"),
	},
	expectError: `discharge failed: cannot get discharge from http://idp: cannot discharge: 500 Internal Server Error: something went wrong`,
	expectCause: httpbakery.ErrDischargeRejected,
}, {
	about: "JSON error without code",
	response: &httpbakery.Response{
		StatusCode: http.StatusForbidden,
		Body:       []byte(`{"Message":"no way"}`),
	},
	expectError: `discharge failed: cannot get discharge from http://idp: cannot discharge: 403 Forbidden: no way`,
	expectCause: httpbakery.ErrDischargeRejected,
}, {
	about: "success without macaroon",
	response: &httpbakery.Response{
		StatusCode: http.StatusOK,
		Body:       []byte(`{}`),
	},
	expectError: `discharge failed: cannot get discharge from http://idp: no macaroon found in discharge response`,
}}

func (*DischargeSuite) TestDischargeErrors(c *gc.C) {
	fp := newFirstParty(c)
	tp := newThirdParty(c, "http://idp")
	for i, test := range dischargeErrorTests {
		c.Logf("test %d: %s", i, test.about)
		h := &fakeHandler{
			handle: func(req *httpbakery.Request) (*httpbakery.Response, error) {
				return test.response, nil
			},
		}
		successes := 0
		client := newClient(c, clientParams{
			handler:   h,
			onSuccess: func() { successes++ },
		})
		ms, err := client.Discharge(context.Background(), fp.newMacaroon(c, tp))
		c.Assert(ms, gc.IsNil)
		c.Assert(err, gc.ErrorMatches, test.expectError)
		if test.expectCode != "" {
			ierr, ok := errgo.Cause(err).(*httpbakery.InteractionError)
			c.Assert(ok, gc.Equals, true, gc.Commentf("cause %#v", errgo.Cause(err)))
			c.Assert(ierr.Code, gc.Equals, test.expectCode)
		}
		if test.expectCause != nil {
			c.Assert(errgo.Cause(err), gc.Equals, test.expectCause)
		}
		c.Assert(successes, gc.Equals, 0)
		c.Assert(h.requests(), gc.HasLen, 1)
	}
}

func (*DischargeSuite) TestDischargeTransportError(c *gc.C) {
	fp := newFirstParty(c)
	tp := newThirdParty(c, "http://idp")
	h := &fakeHandler{
		handle: func(req *httpbakery.Request) (*httpbakery.Response, error) {
			return nil, errgo.WithCausef(nil, httpbakery.ErrTransport, "connection refused")
		},
	}
	client := newClient(c, clientParams{handler: h})
	_, err := client.Discharge(context.Background(), fp.newMacaroon(c, tp))
	c.Assert(err, gc.ErrorMatches, `discharge failed: cannot get discharge from http://idp: connection refused`)
	c.Assert(errgo.Cause(err), gc.Equals, httpbakery.ErrTransport)
}

func (*DischargeSuite) TestVisitorErrorStopsDischarge(c *gc.C) {
	fp := newFirstParty(c)
	tp := newThirdParty(c, "http://idp")
	h := &fakeHandler{
		handle: func(req *httpbakery.Request) (*httpbakery.Response, error) {
			return jsonResponse(c, http.StatusUnauthorized, interactionRequired("/v", "/w")), nil
		},
	}
	client := newClient(c, clientParams{
		handler: h,
		visitor: httpbakery.VisitorFunc(func(context.Context, *httpbakery.ErrorInfo) error {
			return errgo.New("popup blocked")
		}),
	})
	_, err := client.Discharge(context.Background(), fp.newMacaroon(c, tp))
	c.Assert(err, gc.ErrorMatches, `discharge failed: cannot get discharge from http://idp: cannot start interactive session: popup blocked`)
	c.Assert(h.requestsTo("GET", "http://idp/w"), gc.HasLen, 0)
}

func (*DischargeSuite) TestDischargeNoThirdPartyCaveats(c *gc.C) {
	fp := newFirstParty(c)
	h := &fakeHandler{
		handle: func(req *httpbakery.Request) (*httpbakery.Response, error) {
			c.Errorf("unexpected request")
			return nil, errgo.New("unexpected request")
		},
	}
	successes := 0
	client := newClient(c, clientParams{
		handler:   h,
		onSuccess: func() { successes++ },
	})
	ms, err := client.Discharge(context.Background(), fp.newMacaroon(c))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ms, gc.HasLen, 1)
	c.Assert(successes, gc.Equals, 1)
}
