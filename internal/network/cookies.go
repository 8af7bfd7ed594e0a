package network

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"

	"github.com/novelshelf/catalogd/internal/storage/db"
)

// CookiePersister stores cookies across restarts.
type CookiePersister interface {
	SaveCookies(ctx context.Context, cookies []db.StoredCookie) error
	LoadCookies(ctx context.Context) ([]db.StoredCookie, error)
}

// CookieStore is an http.CookieJar that writes every change through to a persister.
type CookieStore struct {
	jar     *cookiejar.Jar
	persist CookiePersister
	log     zerolog.Logger
	now     func() time.Time
}

// NewCookieStore creates a jar and restores persisted cookies into it.
// persist may be nil for an in-memory jar.
func NewCookieStore(ctx context.Context, persist CookiePersister, log zerolog.Logger) (*CookieStore, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	s := &CookieStore{
		jar:     jar,
		persist: persist,
		log:     log.With().Str("component", "cookies").Logger(),
		now:     time.Now,
	}

	if persist != nil {
		stored, err := persist.LoadCookies(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading cookies: %w", err)
		}
		for _, c := range stored {
			u := &url.URL{Scheme: "https", Host: c.Domain, Path: c.Path}
			jar.SetCookies(u, []*http.Cookie{{
				Name:     c.Name,
				Value:    c.Value,
				Path:     c.Path,
				Expires:  c.Expires,
				Secure:   c.Secure,
				HttpOnly: c.HTTPOnly,
			}})
		}
	}

	return s, nil
}

// SetCookies implements http.CookieJar.
func (s *CookieStore) SetCookies(u *url.URL, cookies []*http.Cookie) {
	s.jar.SetCookies(u, cookies)
	if s.persist == nil || len(cookies) == 0 {
		return
	}

	now := s.now()
	stored := make([]db.StoredCookie, 0, len(cookies))
	for _, c := range cookies {
		sc := db.StoredCookie{
			Domain:   u.Hostname(),
			Path:     c.Path,
			Name:     c.Name,
			Value:    c.Value,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		if sc.Path == "" {
			sc.Path = "/"
		}
		switch {
		case c.MaxAge < 0:
			sc.Expires = now.Add(-time.Second)
		case c.MaxAge > 0:
			sc.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		}
		stored = append(stored, sc)
	}

	if err := s.persist.SaveCookies(context.Background(), stored); err != nil {
		s.log.Warn().Err(err).Str("host", u.Hostname()).Msg("persisting cookies")
	}
}

// Cookies implements http.CookieJar.
func (s *CookieStore) Cookies(u *url.URL) []*http.Cookie {
	return s.jar.Cookies(u)
}

// Get returns the Cookie header value the jar would send to rawURL.
func (s *CookieStore) Get(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	cookies := s.jar.Cookies(u)
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; "), nil
}

// Set stores a cookie given in Set-Cookie header syntax for rawURL.
func (s *CookieStore) Set(rawURL, setCookie string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}
	c, err := http.ParseSetCookie(setCookie)
	if err != nil {
		return fmt.Errorf("parsing cookie: %w", err)
	}
	s.SetCookies(u, []*http.Cookie{c})
	return nil
}
