package bakery

import (
	"errors"
	"net/http"
	"net/url"
	"sync"
)

// Storage defines storage for macaroon sets.
// Calling its methods concurrently is allowed.
type Storage interface {
	// Put stores the item at the given location, overwriting
	// any item that might already be there.
	Put(location string, item string) error

	// Get retrieves an item from the given location.
	// If the item is not there, it returns ErrNotFound.
	Get(location string) (item string, err error)

	// Del deletes the item from the given location.
	Del(location string) error
}

var ErrNotFound = errors.New("item not found")

// NewMemStorage returns an implementation of Storage
// that stores all items in memory.
func NewMemStorage() Storage {
	return &memStorage{
		values: make(map[string]string),
	}
}

type memStorage struct {
	mu     sync.Mutex
	values map[string]string
}

func (s *memStorage) Put(location, item string) error {
	logger.Tracef("storage.Put[%q] %q", location, item)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[location] = item
	return nil
}

func (s *memStorage) Get(location string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.values[location]
	if !ok {
		logger.Tracef("storage.Get[%q] -> not found", location)
		return "", ErrNotFound
	}
	logger.Tracef("storage.Get[%q] -> %q", location, item)
	return item, nil
}

func (s *memStorage) Del(location string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, location)
	return nil
}

// NewCookieStorage returns an implementation of Storage that
// stores each item as a cookie named after its location,
// associated with the given URL in jar.
//
// When jar is a persistent cookie jar, items survive the
// process once the jar has been saved.
func NewCookieStorage(jar http.CookieJar, u *url.URL) Storage {
	return &cookieStorage{
		jar: jar,
		url: u,
	}
}

// cookieMaxAge holds the lifetime in seconds of cookies written by
// a cookie storage. Cookies without an expiry time are not saved
// by persistent jars.
const cookieMaxAge = 7 * 24 * 60 * 60

type cookieStorage struct {
	jar http.CookieJar
	url *url.URL
}

func (s *cookieStorage) Put(location, item string) error {
	logger.Tracef("cookie %q set for %s", location, s.url)
	s.jar.SetCookies(s.url, []*http.Cookie{{
		Name:   location,
		Value:  item,
		Path:   "/",
		MaxAge: cookieMaxAge,
	}})
	return nil
}

func (s *cookieStorage) Get(location string) (string, error) {
	for _, c := range s.jar.Cookies(s.url) {
		if c.Name == location {
			return c.Value, nil
		}
	}
	return "", ErrNotFound
}

func (s *cookieStorage) Del(location string) error {
	s.jar.SetCookies(s.url, []*http.Cookie{{
		Name:   location,
		Path:   "/",
		MaxAge: -1,
	}})
	return nil
}
