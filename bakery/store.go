// The bakery package holds the client-side state of the macaroon
// bakery protocol: the macaroon sets acquired for each service,
// the discharge token used when talking to third parties, and the
// traversal that gathers discharges for a macaroon.
package bakery

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/juju/loggo"
	"gopkg.in/errgo.v1"
	"gopkg.in/macaroon.v2"
)

var logger = loggo.GetLogger("jujugui.bakery")

// MacaroonKey returns the storage location used for
// the macaroons of the given service.
func MacaroonKey(serviceName string) string {
	return "Macaroons-" + serviceName
}

// MacaroonStore holds the macaroon sets of a client session,
// keyed by service name, and the opaque identity token sent
// to third parties when discharging.
//
// Methods on a MacaroonStore may be called concurrently.
type MacaroonStore struct {
	memory  Storage
	cookies Storage

	// mu guards identity.
	mu       sync.Mutex
	identity string
}

// MacaroonStoreParams holds the parameters for a NewMacaroonStore call.
type MacaroonStoreParams struct {
	// Memory holds the session storage. If it is nil,
	// an in-memory storage will be used.
	Memory Storage

	// Cookies holds the storage used when a macaroon set
	// is persisted as a cookie. If it is nil, requests to
	// persist as a cookie only affect Memory.
	Cookies Storage
}

// NewMacaroonStore returns a new store using the given storages.
func NewMacaroonStore(p MacaroonStoreParams) *MacaroonStore {
	if p.Memory == nil {
		p.Memory = NewMemStorage()
	}
	return &MacaroonStore{
		memory:  p.Memory,
		cookies: p.Cookies,
	}
}

// GetEncoded returns the encoded macaroon set stored for the
// given service, suitable for use as a Macaroons header value,
// or the empty string if there is none.
func (s *MacaroonStore) GetEncoded(serviceName string) string {
	key := MacaroonKey(serviceName)
	item, err := s.memory.Get(key)
	if err == nil {
		return item
	}
	if err != ErrNotFound {
		logger.Warningf("cannot read %q from storage: %v", key, err)
		return ""
	}
	if s.cookies == nil {
		return ""
	}
	item, err = s.cookies.Get(key)
	if err != nil {
		if err != ErrNotFound {
			logger.Warningf("cannot read cookie %q: %v", key, err)
		}
		return ""
	}
	return item
}

// Get returns the macaroon set stored for the given service.
// It returns nil if there is no set or it cannot be parsed.
func (s *MacaroonStore) Get(serviceName string) macaroon.Slice {
	item := s.GetEncoded(serviceName)
	if item == "" {
		return nil
	}
	ms, err := DecodeMacaroons(item)
	if err != nil {
		logger.Warningf("ignoring bad macaroons for %q: %v", serviceName, err)
		return nil
	}
	return ms
}

// Set overwrites the macaroon set stored for the given service.
// If persistAsCookie is true, the set is also written to the
// cookie storage.
func (s *MacaroonStore) Set(serviceName string, ms macaroon.Slice, persistAsCookie bool) error {
	item, err := EncodeMacaroons(ms)
	if err != nil {
		return errgo.Mask(err)
	}
	return s.SetEncoded(serviceName, item, persistAsCookie)
}

// SetEncoded is like Set except that the macaroon set is
// provided in its encoded form. The value is stored as is.
func (s *MacaroonStore) SetEncoded(serviceName, item string, persistAsCookie bool) error {
	key := MacaroonKey(serviceName)
	if err := s.memory.Put(key, item); err != nil {
		return errgo.Notef(err, "cannot store macaroons for %q", serviceName)
	}
	if !persistAsCookie || s.cookies == nil {
		return nil
	}
	if err := s.cookies.Put(key, item); err != nil {
		return errgo.Notef(err, "cannot store macaroon cookie for %q", serviceName)
	}
	return nil
}

// Clear removes the macaroon set stored for the given service
// and resets the identity token. Any cookie holding the set is
// removed too, even when persistAsCookie is false, because Get
// falls back to the cookie storage.
func (s *MacaroonStore) Clear(serviceName string, persistAsCookie bool) error {
	s.SetIdentity("")
	key := MacaroonKey(serviceName)
	if err := s.memory.Del(key); err != nil {
		return errgo.Notef(err, "cannot remove macaroons for %q", serviceName)
	}
	if s.cookies == nil {
		return nil
	}
	if !persistAsCookie {
		if _, err := s.cookies.Get(key); err == ErrNotFound {
			return nil
		}
		logger.Debugf("removing macaroon cookie left for %q", serviceName)
	}
	if err := s.cookies.Del(key); err != nil {
		return errgo.Notef(err, "cannot remove macaroon cookie for %q", serviceName)
	}
	return nil
}

// Identity returns the discharge token held by the session,
// or the empty string if there is none.
func (s *MacaroonStore) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// SetIdentity sets the discharge token held by the session.
func (s *MacaroonStore) SetIdentity(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = token
}

// EncodeMacaroons returns the base64-encoded JSON
// representation of ms.
func EncodeMacaroons(ms macaroon.Slice) (string, error) {
	data, err := json.Marshal(ms)
	if err != nil {
		return "", errgo.Notef(err, "cannot marshal macaroons")
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeMacaroons decodes a macaroon set as encoded by
// EncodeMacaroons. It also accepts unpadded URL-safe base64,
// and a plain JSON array or single JSON macaroon object.
func DecodeMacaroons(s string) (macaroon.Slice, error) {
	data := []byte(s)
	if len(s) > 0 && s[0] != '[' && s[0] != '{' {
		var err error
		data, err = base64Decode(s)
		if err != nil {
			return nil, errgo.Notef(err, "cannot base64-decode macaroons")
		}
	}
	if len(data) > 0 && data[0] == '{' {
		var m macaroon.Macaroon
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errgo.Notef(err, "cannot unmarshal macaroon")
		}
		return macaroon.Slice{&m}, nil
	}
	var ms macaroon.Slice
	if err := json.Unmarshal(data, &ms); err != nil {
		return nil, errgo.Notef(err, "cannot unmarshal macaroons")
	}
	if len(ms) == 0 {
		return nil, errgo.New("no macaroons found")
	}
	return ms, nil
}

// base64Decode decodes base64 data that might be missing trailing
// pad characters.
func base64Decode(s string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
