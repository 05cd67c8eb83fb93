// The bakerytest package provides test servers that speak the
// bakery protocol: a third party discharger, with optional
// visit/wait interaction, and a target service that requires a
// discharged macaroon.
package bakerytest

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/juju/loggo"
	"gopkg.in/errgo.v1"
	"gopkg.in/httprequest.v1"
	"gopkg.in/macaroon.v2"

	"github.com/jdsandifer/juju-gui/httpbakery"
	"github.com/jdsandifer/juju-gui/internal/meeting"
)

var logger = loggo.GetLogger("jujugui.httpbakery.bakerytest")

// Checker is used by a Discharger to decide whether a third party
// caveat condition holds for the client making the given request.
//
// If it returns an error with an httpbakery.ErrInteractionRequired
// cause, the discharger asks the client to log in through the visit
// and wait endpoints. An error with an *httpbakery.Error cause is
// sent to the client as is; any other error is sent as a plain text
// 403 response.
type Checker func(req *http.Request, condition string) error

// Discharger is a third party that discharges caveats
// addressed to it.
type Discharger struct {
	// Location holds the URL of the discharger.
	Location string

	key     *httpbakery.KeyPair
	codec   *httpbakery.CaveatIdCodec
	checker Checker
	server  *httptest.Server
	place   *meeting.Place

	mu             sync.Mutex
	token          interface{}
	waitTimeout    time.Duration
	requests       []DischargeRequest
	logins         []json.RawMessage
	visits         int
	waits          int
	closedWaits    int
	closeWaitsLeft int
}

// DischargeRequest records a request made to the discharge endpoint.
type DischargeRequest struct {
	Condition string
	Location  string
	Identity  string
}

// NewDischarger starts a new discharger that checks conditions with
// checker. If checker is nil, all conditions are accepted.
func NewDischarger(checker Checker) *Discharger {
	key, err := httpbakery.GenerateKey()
	if err != nil {
		panic(err)
	}
	if checker == nil {
		checker = func(*http.Request, string) error {
			return nil
		}
	}
	d := &Discharger{
		key:     key,
		codec:   httpbakery.NewCaveatIdCodec(key, nil),
		checker: checker,
		place:   meeting.New(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/discharge", d.serveDischarge)
	mux.HandleFunc("/visit", d.serveVisit)
	mux.HandleFunc("/login", d.serveLogin)
	mux.HandleFunc("/wait", d.serveWait)
	d.server = httptest.NewServer(mux)
	d.Location = d.server.URL
	return d
}

// Close shuts down the discharger.
func (d *Discharger) Close() {
	d.server.Close()
}

// PublicKey returns the discharger's public key.
func (d *Discharger) PublicKey() *[httpbakery.KeyLen]byte {
	return d.key.PublicKey()
}

// SetDischargeToken sets a value sent with every discharge macaroon
// as the client's discharge token. A nil value sends no token.
func (d *Discharger) SetDischargeToken(token interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.token = token
}

// SetWaitTimeout makes wait requests close the connection
// without a response after the given duration, as an identity
// provider does when a long poll times out. A zero duration
// waits forever.
func (d *Discharger) SetWaitTimeout(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waitTimeout = timeout
}

// CloseWaits makes the next n wait requests close the
// connection immediately without a response.
func (d *Discharger) CloseWaits(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeWaitsLeft = n
}

// Requests returns the discharge requests made so far.
func (d *Discharger) Requests() []DischargeRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DischargeRequest(nil), d.requests...)
}

// Logins returns the login payloads posted to the login endpoint.
func (d *Discharger) Logins() []json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]json.RawMessage(nil), d.logins...)
}

// Counts returns the number of visit and wait requests received,
// and how many wait requests had their connection closed.
func (d *Discharger) Counts() (visits, waits, closedWaits int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visits, d.waits, d.closedWaits
}

// FinishInteraction completes the interaction started for the given
// visit URL, as a user logging in through a web browser would.
func (d *Discharger) FinishInteraction(visitURL string) error {
	u, err := url.Parse(visitURL)
	if err != nil {
		return errgo.Mask(err)
	}
	return errgo.Mask(d.place.Done(u.Query().Get("waitid"), []byte("{}")))
}

func (d *Discharger) serveDischarge(w http.ResponseWriter, req *http.Request) {
	if req.Method != "POST" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := req.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, &httpbakery.Error{
			Code:    httpbakery.ErrBadRequest,
			Message: err.Error(),
		})
		return
	}
	id := req.Form.Get("id")
	var checkErr error
	var condition string
	m, err := d.codec.DischargeThirdPartyCaveat(id, func(cond string) error {
		condition = cond
		checkErr = d.checker(req, cond)
		return checkErr
	})
	d.mu.Lock()
	d.requests = append(d.requests, DischargeRequest{
		Condition: condition,
		Location:  req.Form.Get("location"),
		Identity:  req.Header.Get(httpbakery.MacaroonsHeader),
	})
	d.mu.Unlock()
	switch {
	case checkErr != nil:
		d.writeCheckError(w, id, checkErr)
	case err != nil:
		writeError(w, http.StatusBadRequest, &httpbakery.Error{
			Code:    httpbakery.ErrBadRequest,
			Message: err.Error(),
		})
	default:
		d.writeDischarge(w, m)
	}
}

func (d *Discharger) writeCheckError(w http.ResponseWriter, id string, checkErr error) {
	switch cause := errgo.Cause(checkErr).(type) {
	case *httpbakery.Error:
		writeError(w, http.StatusForbidden, cause)
		return
	case httpbakery.ErrorCode:
		if cause != httpbakery.ErrInteractionRequired {
			break
		}
		waitId, err := d.place.NewRendezvous([]byte(id))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		logger.Debugf("interaction required for rendezvous %s", waitId)
		writeError(w, http.StatusUnauthorized, &httpbakery.Error{
			Code:    httpbakery.ErrInteractionRequired,
			Message: checkErr.Error(),
			Info: &httpbakery.ErrorInfo{
				VisitURL: "/visit?waitid=" + waitId,
				WaitURL:  "/wait?waitid=" + waitId,
			},
		})
		return
	}
	http.Error(w, checkErr.Error(), http.StatusForbidden)
}

func (d *Discharger) writeDischarge(w http.ResponseWriter, m *macaroon.Macaroon) {
	d.mu.Lock()
	token := d.token
	d.mu.Unlock()
	resp := struct {
		Macaroon       *macaroon.Macaroon
		DischargeToken interface{} `json:",omitempty"`
	}{m, token}
	if err := httprequest.WriteJSON(w, http.StatusOK, resp); err != nil {
		logger.Errorf("cannot write discharge response: %v", err)
	}
}

// serveVisit serves the visit URL. A client asking for JSON is sent
// the available login methods; a browser would be shown a login page.
func (d *Discharger) serveVisit(w http.ResponseWriter, req *http.Request) {
	d.mu.Lock()
	d.visits++
	d.mu.Unlock()
	waitId := req.URL.Query().Get("waitid")
	if waitId == "" {
		http.Error(w, "wait id not found in form", http.StatusBadRequest)
		return
	}
	if req.Header.Get("Accept") != "application/json" {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("log in to continue\n"))
		return
	}
	httprequest.WriteJSON(w, http.StatusOK, map[string]string{
		httpbakery.DefaultLoginMethod: "/login?waitid=" + url.QueryEscape(waitId),
	})
}

// serveLogin completes the rendezvous with the posted login payload,
// allowing the wait request to complete.
func (d *Discharger) serveLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != "POST" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var login struct {
		Login json.RawMessage `json:"login"`
	}
	if err := json.NewDecoder(req.Body).Decode(&login); err != nil {
		writeError(w, http.StatusBadRequest, &httpbakery.Error{
			Code:    httpbakery.ErrBadRequest,
			Message: "cannot unmarshal login request: " + err.Error(),
		})
		return
	}
	d.mu.Lock()
	d.logins = append(d.logins, login.Login)
	d.mu.Unlock()
	if err := d.place.Done(req.URL.Query().Get("waitid"), login.Login); err != nil {
		writeError(w, http.StatusBadRequest, &httpbakery.Error{
			Code:    httpbakery.ErrBadRequest,
			Message: err.Error(),
		})
		return
	}
	httprequest.WriteJSON(w, http.StatusOK, struct{}{})
}

// serveWait waits until the user has logged in and then discharges
// the caveat that required the interaction.
func (d *Discharger) serveWait(w http.ResponseWriter, req *http.Request) {
	waitId := req.URL.Query().Get("waitid")
	d.mu.Lock()
	d.waits++
	timeout := d.waitTimeout
	closeNow := d.closeWaitsLeft > 0
	if closeNow {
		d.closeWaitsLeft--
	}
	d.mu.Unlock()
	done := d.place.WaitChan(waitId)
	if done == nil {
		writeError(w, http.StatusBadRequest, &httpbakery.Error{
			Code:    httpbakery.ErrBadRequest,
			Message: "rendezvous " + waitId + " not found",
		})
		return
	}
	if closeNow {
		d.closeConnection(w)
		return
	}
	if timeout > 0 {
		select {
		case <-done:
		case <-time.After(timeout):
			d.closeConnection(w)
			return
		}
	}
	caveatId, _, err := d.place.Wait(waitId)
	if err != nil {
		writeError(w, http.StatusBadRequest, &httpbakery.Error{
			Code:    httpbakery.ErrBadRequest,
			Message: err.Error(),
		})
		return
	}
	m, err := d.codec.DischargeThirdPartyCaveat(string(caveatId), func(string) error {
		return nil
	})
	if err != nil {
		writeError(w, http.StatusForbidden, &httpbakery.Error{
			Message: err.Error(),
		})
		return
	}
	d.writeDischarge(w, m)
}

// closeConnection closes the client connection without
// writing a response.
func (d *Discharger) closeConnection(w http.ResponseWriter) {
	d.mu.Lock()
	d.closedWaits++
	d.mu.Unlock()
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "cannot hijack connection", http.StatusInternalServerError)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	conn.Close()
}

func writeError(w http.ResponseWriter, code int, err *httpbakery.Error) {
	if werr := httprequest.WriteJSON(w, code, err); werr != nil {
		logger.Errorf("cannot write error response: %v", werr)
	}
}
