// Package store persists authenticated portal session state (cookie set plus
// the last-seen CSRF token) across process restarts, keyed by a session
// identity. One portal login equals one identity; the adapter re-reads the
// blob at startup and rewrites it after every token-refreshing exchange.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNotFound is returned when no state exists for a session id.
var ErrNotFound = errors.New("session state not found")

// Cookie is one persisted cookie. The subset of attributes kept here is what
// the portal actually sets; everything else would be dead weight in the blob.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
}

// State is the serialized session blob: the cookie set and the most recently
// observed CSRF token. The token is a cache; a stale one just costs an extra
// seed request, while stale cookies mean re-authentication.
type State struct {
	Cookies []Cookie  `json:"cookies"`
	Token   string    `json:"token,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}

// HTTPCookies converts the persisted set into net/http cookies for loading
// into a jar.
func (s *State) HTTPCookies() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out
}

// FromHTTPCookies replaces the cookie set from net/http cookies.
func (s *State) FromHTTPCookies(cookies []*http.Cookie) {
	s.Cookies = s.Cookies[:0]
	for _, c := range cookies {
		s.Cookies = append(s.Cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		})
	}
}

// Store is the persistence contract. Save must be atomic with respect to
// concurrent Loads: the session client rewrites state after every HTTP
// exchange and other processes may be reading the same blob.
type Store interface {
	Load(id string) (*State, error)
	Save(id string, state *State) error
	List() ([]string, error)
	Delete(id string) error
}

// browserCookie is the shape browser extensions export: a flat array of
// cookie objects with epoch expiry. Operators bootstrap sessions by logging
// in with a real browser and handing us that export.
type browserCookie struct {
	Name           string  `json:"name"`
	Value          string  `json:"value"`
	Domain         string  `json:"domain"`
	Path           string  `json:"path"`
	ExpirationDate float64 `json:"expirationDate"`
	Secure         bool    `json:"secure"`
	HTTPOnly       bool    `json:"httpOnly"`
}

// DecodeState reads a serialized blob in either our native format or the
// browser-export array format.
func DecodeState(data []byte) (*State, error) {
	trimmed := firstByte(data)
	if trimmed == '[' {
		var exported []browserCookie
		if err := json.Unmarshal(data, &exported); err != nil {
			return nil, fmt.Errorf("decode browser cookie export: %w", err)
		}
		state := &State{SavedAt: time.Now()}
		for _, c := range exported {
			cookie := Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
			}
			if c.ExpirationDate > 0 {
				cookie.Expires = time.Unix(int64(c.ExpirationDate), 0)
			}
			state.Cookies = append(state.Cookies, cookie)
		}
		return state, nil
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	return &state, nil
}

func firstByte(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b
	}
	return 0
}
