package core

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	IdentityCookie  = "loggedInUserId"
	DelegatedCookie = "delegatedUserId"
	BearerCookie    = "apiV3AccessToken"
	SessionCookie   = "JSESSIONID"
)

type credentials struct {
	username string
	password string
}

// Session is one authenticated browser-shaped session. Only Manager mutates
// it; everything else reads it through the getters.
type Session struct {
	mu sync.RWMutex

	id      string
	base    *url.URL
	http    *resty.Client
	jar     http.CookieJar
	creds   credentials
	created time.Time

	staffID      string
	bearer       string
	staffBearer  string
	bearerExpiry time.Time
	fingerprint  string
	sourcePage   string
	referer      string
	valid        bool
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) StaffID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.staffID
}

func (s *Session) Bearer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bearer
}

func (s *Session) BearerExpiry() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bearerExpiry
}

func (s *Session) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fingerprint
}

func (s *Session) SourcePage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sourcePage
}

// Referer is the last page navigated to.
func (s *Session) Referer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.referer
}

func (s *Session) CreatedAt() time.Time {
	return s.created
}

// Cookies returns a copy of the cookies the jar would send to the portal.
func (s *Session) Cookies() map[string]string {
	out := map[string]string{}
	for _, c := range s.jar.Cookies(s.base) {
		out[c.Name] = c.Value
	}
	return out
}

func (s *Session) Cookie(name string) (string, bool) {
	for _, c := range s.jar.Cookies(s.base) {
		if c.Name == name {
			return c.Value, c.Value != ""
		}
	}
	return "", false
}

func (s *Session) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.valid
}

// Expired reports whether the session can no longer be used as is: it was
// invalidated, or its bearer is past expiry. Sessions without a bearer only
// expire when the portal says so.
func (s *Session) Expired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.valid {
		return true
	}
	if s.bearer == "" || s.bearerExpiry.IsZero() {
		return false
	}
	return !now.Before(s.bearerExpiry)
}

// R starts a request on the session's http client. Cookies flow through the
// jar, headers are the caller's responsibility.
func (s *Session) R(ctx context.Context) *resty.Request {
	return s.http.R().SetContext(ctx)
}

func (s *Session) URL(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return s.base.String() + path
	}
	return s.base.ResolveReference(ref).String()
}
