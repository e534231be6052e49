// Package authboundary reacts to authentication rejections from the API by
// ending the local session.
package authboundary

import (
	"context"
	"net/http"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/coursepulse/internal/store"
	"github.com/wolfeidau/coursepulse/internal/telemetry"
)

// LoginPath is where the tab is sent after a rejection.
const LoginPath = "/login"

// DefaultAllowList holds the public auth-entry pages that never redirect, so a
// failed login attempt is not interrupted.
var DefaultAllowList = []string{"/", "/login", "/admin-login", "/register"}

// Location is the tab the transport acts on.
type Location interface {
	Location() string
	Navigate(path string)
}

// Transport is an http.RoundTripper that clears the session and navigates to
// login whenever a response carries 401 Unauthorized.
type Transport struct {
	// Base is the underlying transport, http.DefaultTransport when nil.
	Base http.RoundTripper

	// Store holds the session to clear.
	Store store.SharedSessionStore

	// Tab supplies the current location and receives the navigation.
	Tab Location

	// AllowList overrides DefaultAllowList when non-nil.
	AllowList []string

	// OnReject, when set, runs after the session is cleared and the tab has
	// navigated. The clearing tab is never notified by the store, so this is
	// how its own idle state learns the session ended.
	OnReject func()
}

// RoundTrip implements http.RoundTripper. The response is always returned unchanged.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base().RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	t.reject(req.Context(), req.URL.Path)

	return resp, nil
}

func (t *Transport) reject(ctx context.Context, endpoint string) {
	metrics := telemetry.GetMetrics()
	metrics.AuthRejectionsTotal.Add(ctx, 1)

	// read per rejection, the tab may have moved since the request started
	location := t.Tab.Location()
	if t.exempt(location) {
		log.Debug().Str("path", location).Str("endpoint", endpoint).Msg("Rejection on public page, not redirecting")
		return
	}

	log.Info().Str("path", location).Str("endpoint", endpoint).Msg("Session rejected by API, redirecting to login")

	if err := t.Store.Clear(context.WithoutCancel(ctx)); err != nil {
		log.Error().Err(err).Msg("failed to clear rejected session")
	}
	t.Tab.Navigate(LoginPath)
	metrics.AuthRedirectsTotal.Add(ctx, 1)

	if t.OnReject != nil {
		t.OnReject()
	}
}

func (t *Transport) exempt(location string) bool {
	allow := t.AllowList
	if allow == nil {
		allow = DefaultAllowList
	}
	return slices.Contains(allow, pathOf(location))
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// pathOf drops any query or fragment from a location.
func pathOf(location string) string {
	for i, c := range location {
		if c == '?' || c == '#' {
			return location[:i]
		}
	}
	return location
}
