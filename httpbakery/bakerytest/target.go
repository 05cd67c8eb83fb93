package bakerytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/errgo.v1"
	"gopkg.in/httprequest.v1"
	"gopkg.in/macaroon.v2"

	"github.com/jdsandifer/juju-gui/bakery"
	"github.com/jdsandifer/juju-gui/httpbakery"
)

// TargetService is a service that grants access to any of its paths
// to clients holding a macaroon with a third party caveat discharged
// by a Discharger.
//
// It serves /macaroon, which returns a new macaroon, and
// /set-cookie, which accepts a discharged macaroon set and
// sets it as a cookie.
type TargetService struct {
	// Location holds the URL of the service.
	Location string

	// Condition holds the condition of the third party
	// caveat added to new macaroons.
	Condition string

	discharger *Discharger
	codec      *httpbakery.CaveatIdCodec
	rootKey    []byte
	server     *httptest.Server

	mu         sync.Mutex
	challenges int
	requests   []string
	cookieSets []macaroon.Slice
}

// NewTargetService starts a new target service whose
// macaroons require a discharge from d.
func NewTargetService(d *Discharger) *TargetService {
	key, err := httpbakery.GenerateKey()
	if err != nil {
		panic(err)
	}
	ts := &TargetService{
		Condition:  "is-authenticated-user",
		discharger: d,
		codec:      httpbakery.NewCaveatIdCodec(key, nil),
		rootKey:    []byte(uuid.NewString()),
	}
	ts.server = httptest.NewServer(ts)
	ts.Location = ts.server.URL
	return ts
}

// Close shuts down the service.
func (ts *TargetService) Close() {
	ts.server.Close()
}

// Challenges returns the number of discharge-required
// responses sent by the service.
func (ts *TargetService) Challenges() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.challenges
}

// Requests returns the method and path of each authorized request
// served, in the form "GET /path".
func (ts *TargetService) Requests() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.requests...)
}

// CookieSets returns the macaroon sets sent to /set-cookie.
func (ts *TargetService) CookieSets() []macaroon.Slice {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]macaroon.Slice(nil), ts.cookieSets...)
}

// NewMacaroon mints a macaroon that grants access to the service
// once its third party caveat is discharged.
func (ts *TargetService) NewMacaroon() (*macaroon.Macaroon, error) {
	m, err := macaroon.New(ts.rootKey, []byte(uuid.NewString()), ts.Location, macaroon.LatestVersion)
	if err != nil {
		return nil, errgo.Notef(err, "cannot mint macaroon")
	}
	expiry := timeBeforeCaveat(time.Now().Add(5 * time.Minute))
	if err := m.AddFirstPartyCaveat([]byte(expiry)); err != nil {
		return nil, errgo.Notef(err, "cannot add first party caveat")
	}
	if err := ts.codec.AddThirdPartyCaveat(m, ts.Condition, ts.discharger.Location, ts.discharger.PublicKey()); err != nil {
		return nil, errgo.Mask(err)
	}
	return m, nil
}

func (ts *TargetService) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case "/macaroon":
		m, err := ts.NewMacaroon()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		httprequest.WriteJSON(w, http.StatusOK, m)
	case "/set-cookie":
		ts.serveSetCookie(w, req)
	default:
		ts.serveResource(w, req)
	}
}

func (ts *TargetService) serveResource(w http.ResponseWriter, req *http.Request) {
	if err := ts.checkRequest(req); err != nil {
		ts.writeDischargeRequired(w, err)
		return
	}
	ts.mu.Lock()
	ts.requests = append(ts.requests, req.Method+" "+req.URL.Path)
	ts.mu.Unlock()
	fmt.Fprintf(w, "access granted to %s", req.URL.Path)
}

func (ts *TargetService) serveSetCookie(w http.ResponseWriter, req *http.Request) {
	if req.Method != "PUT" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Macaroons macaroon.Slice
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "cannot unmarshal macaroons: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := ts.verify(body.Macaroons); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	value, err := bakery.EncodeMacaroons(body.Macaroons)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ts.mu.Lock()
	ts.cookieSets = append(ts.cookieSets, body.Macaroons)
	ts.mu.Unlock()
	http.SetCookie(w, &http.Cookie{
		Name:  fmt.Sprintf("macaroon-%x", body.Macaroons[0].Signature()),
		Value: value,
		Path:  "/",
	})
	w.WriteHeader(http.StatusOK)
}

// checkRequest checks the macaroons sent in the request's
// Macaroons header.
func (ts *TargetService) checkRequest(req *http.Request) error {
	header := req.Header.Get(httpbakery.MacaroonsHeader)
	if header == "" {
		return errgo.New("no macaroons")
	}
	ms, err := bakery.DecodeMacaroons(header)
	if err != nil {
		return errgo.Mask(err)
	}
	return ts.verify(ms)
}

func (ts *TargetService) verify(ms macaroon.Slice) error {
	if len(ms) == 0 {
		return errgo.New("no macaroons")
	}
	if err := ms[0].Verify(ts.rootKey, stdCheckers.checkFirstPartyCaveat, ms[1:]); err != nil {
		return errgo.Notef(err, "verification failed")
	}
	return nil
}

// writeDischargeRequired writes a response that sends the client a new
// macaroon which, when discharged, allows the original request
// to be accepted.
func (ts *TargetService) writeDischargeRequired(w http.ResponseWriter, verr error) {
	m, err := ts.NewMacaroon()
	if err != nil {
		http.Error(w, "cannot mint macaroon: "+err.Error(), http.StatusInternalServerError)
		return
	}
	ts.mu.Lock()
	ts.challenges++
	ts.mu.Unlock()
	w.Header().Set("Www-Authenticate", "Macaroon")
	writeError(w, http.StatusUnauthorized, &httpbakery.Error{
		Code:    httpbakery.ErrDischargeRequired,
		Message: verr.Error(),
		Info: &httpbakery.ErrorInfo{
			Macaroon: m,
		},
	})
}
