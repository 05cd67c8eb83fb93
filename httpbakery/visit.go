package httpbakery

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/juju/webbrowser"
	"gopkg.in/errgo.v1"
	"gopkg.in/httprequest.v1"
)

// Visitor is used by a Client to let the user authenticate when
// a third party responds to a discharge request with an interaction
// required error. Visit is called once per interaction, with the
// visit and wait URLs already resolved. It should return once the
// login has been started; completion is detected by polling the wait
// URL.
type Visitor interface {
	Visit(ctx context.Context, info *ErrorInfo) error
}

// VisitorFunc implements Visitor by calling the function itself.
type VisitorFunc func(ctx context.Context, info *ErrorInfo) error

// Visit implements Visitor.Visit.
func (f VisitorFunc) Visit(ctx context.Context, info *ErrorInfo) error {
	return f(ctx, info)
}

// PopupVisitor opens the visit URL in a web browser.
type PopupVisitor struct {
	// Open is used to open the URL. If it is nil,
	// webbrowser.Open is used.
	Open func(*url.URL) error
}

// Visit implements Visitor.Visit.
func (v *PopupVisitor) Visit(ctx context.Context, info *ErrorInfo) error {
	u, err := url.Parse(info.VisitURL)
	if err != nil {
		return errgo.Notef(err, "cannot parse visit URL")
	}
	open := v.Open
	if open == nil {
		open = webbrowser.Open
	}
	logger.Infof("opening %s in a web browser", u)
	if err := open(u); err != nil {
		return errgo.Notef(err, "cannot open web browser")
	}
	return nil
}

// DefaultLoginMethod holds the name of the login method
// used by NonInteractiveVisitor when none is specified.
const DefaultLoginMethod = "jujugui"

// NonInteractiveVisitor logs in without user interaction by sending
// previously acquired credentials to the login URL advertised by the
// identity provider.
//
// The visit URL is fetched with an "Accept: application/json" header,
// and should return a JSON object mapping login method names to URLs.
// The Login payload is POSTed to the URL for the chosen method
// as {"login": Login}.
type NonInteractiveVisitor struct {
	// Handler is used to issue the login requests.
	Handler WebHandler

	// Login holds the login payload.
	Login interface{}

	// Method holds the login method to use.
	// If it is empty, DefaultLoginMethod is used.
	Method string
}

type loginRequest struct {
	Login interface{} `json:"login"`
}

// Visit implements Visitor.Visit.
func (v *NonInteractiveVisitor) Visit(ctx context.Context, info *ErrorInfo) error {
	if v.Handler == nil {
		return errgo.New("no web handler for non-interactive login")
	}
	method := v.Method
	if method == "" {
		method = DefaultLoginMethod
	}
	client := &httprequest.Client{
		Doer: webHandlerDoer{v.Handler},
	}
	req, err := http.NewRequest("GET", info.VisitURL, nil)
	if err != nil {
		return errgo.Notef(err, "cannot make request")
	}
	req.Header.Set("Accept", jsonContentType)
	var methods map[string]string
	if err := client.Do(ctx, req, &methods); err != nil {
		return errgo.NoteMask(err, "cannot get login methods", errgo.Any)
	}
	loginURL := methods[method]
	if loginURL == "" {
		return errgo.Newf("login method %q not supported", method)
	}
	u, err := relativeURL(info.VisitURL, loginURL)
	if err != nil {
		return errgo.Notef(err, "invalid login URL %q", loginURL)
	}
	data, err := json.Marshal(loginRequest{Login: v.Login})
	if err != nil {
		return errgo.Notef(err, "cannot marshal login request")
	}
	req, err = http.NewRequest("POST", u.String(), bytes.NewReader(data))
	if err != nil {
		return errgo.Notef(err, "cannot make request")
	}
	req.Header.Set("Content-Type", jsonContentType)
	logger.Debugf("logging in non-interactively at %s", u)
	if err := client.Do(ctx, req, nil); err != nil {
		return errgo.NoteMask(err, "cannot log in", errgo.Any)
	}
	return nil
}
