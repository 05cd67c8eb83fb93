package httpbakery

import (
	"context"
	"encoding/json"
	"net/http"

	"gopkg.in/errgo.v1"
	"gopkg.in/macaroon.v2"

	"github.com/jdsandifer/juju-gui/bakery"
)

// SessionSyncParams holds the parameters for NewSessionSync.
type SessionSyncParams struct {
	// WebHandler is used to send the macaroons to SetCookiePath.
	WebHandler WebHandler

	// Store holds the store in which macaroons are saved.
	Store *bakery.MacaroonStore

	// ServiceName holds the name the macaroons are stored under.
	ServiceName string

	// SetCookiePath, if set, holds the URL to PUT the
	// macaroons to so that the server can set them as a cookie.
	SetCookiePath string

	// PersistAsCookie specifies whether the macaroons are
	// also saved in the store's cookie storage.
	PersistAsCookie bool
}

// SessionSync saves newly discharged macaroons, optionally sending
// them to a same-origin endpoint so that they are available as a
// cookie to server-rendered pages.
type SessionSync struct {
	p SessionSyncParams
}

// NewSessionSync returns a new SessionSync.
func NewSessionSync(p SessionSyncParams) *SessionSync {
	return &SessionSync{p}
}

type setCookieRequest struct {
	Macaroons macaroon.Slice
}

// Persist stores ms and, if a set-cookie path is configured, PUTs
// them there as {"Macaroons": ms}. The macaroons remain stored locally
// even if the PUT fails.
func (s *SessionSync) Persist(ctx context.Context, ms macaroon.Slice) error {
	if err := s.p.Store.Set(s.p.ServiceName, ms, s.p.PersistAsCookie); err != nil {
		return errgo.Notef(err, "cannot store macaroons")
	}
	if s.p.SetCookiePath == "" {
		return nil
	}
	data, err := json.Marshal(setCookieRequest{Macaroons: ms})
	if err != nil {
		return errgo.Notef(err, "cannot marshal macaroons")
	}
	header := make(http.Header)
	header.Set(BakeryProtocolHeader, protocolVersion)
	header.Set("Content-Type", jsonContentType)
	logger.Debugf("sending macaroons to %s", s.p.SetCookiePath)
	resp, err := s.p.WebHandler.Do(ctx, &Request{
		Method: "PUT",
		URL:    s.p.SetCookiePath,
		Header: header,
		Body:   data,
	})
	if err != nil {
		return errgo.Mask(err, errgo.Any)
	}
	if resp.StatusCode >= 400 || resp.IsConnectionReset() {
		rerr := &ResponseError{resp}
		return errgo.WithCausef(nil, rerr, "cannot set cookie at %q: %v", s.p.SetCookiePath, rerr)
	}
	return nil
}
