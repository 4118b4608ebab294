package app

import (
	"net/http"
	"net/url"
	"strings"
)

// Paths involved in the gate decision.
const (
	pingPath           = "/ping"
	guestBootstrapPath = "/api/auth/guest"

	// bootstrapMarkerCookie is a short-lived cookie set alongside the
	// redirect out of guest bootstrap. Its presence tells the gate the
	// browser just came through bootstrap, so a request that still has
	// no session cookie must not be bounced back into bootstrap.
	bootstrapMarkerCookie = "parley_bootstrap"
)

// GateOutcome is the gate's verdict for one request.
type GateOutcome struct {
	// Pong short-circuits the request with a fixed 200 response.
	Pong bool
	// RedirectTo, when non-empty, sends the browser to guest bootstrap.
	RedirectTo string
}

// DecideGate implements the request gate as a pure function over the
// request URI (path plus query). Rules, in order:
//
//  1. /ping answers 200 without touching any backing store.
//  2. API routes pass through; handlers do their own auth.
//  3. /login and /register pass so signed-out users can authenticate.
//  4. A request carrying a session cookie passes. The cookie is not
//     validated here; handlers resolve it and treat garbage as signed-out.
//  5. The app shell ("/" and /chat/...) without a cookie redirects to
//     guest bootstrap, carrying the full original URI so the query
//     string survives the round trip, unless the request just came out
//     of bootstrap (referer or marker cookie). That exemption breaks
//     the redirect loop when cookies are disabled.
//  6. Everything else (static assets and unknown paths) passes.
func DecideGate(requestURI string, hasSessionCookie, fromBootstrap bool) GateOutcome {
	path := requestURI
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	if path == pingPath {
		return GateOutcome{Pong: true}
	}
	if strings.HasPrefix(path, "/api/") {
		return GateOutcome{}
	}
	if path == "/login" || path == "/register" {
		return GateOutcome{}
	}
	if hasSessionCookie {
		return GateOutcome{}
	}
	if path == "/" || path == "/chat" || strings.HasPrefix(path, "/chat/") {
		if fromBootstrap {
			return GateOutcome{}
		}
		return GateOutcome{RedirectTo: guestBootstrapPath + "?redirectUrl=" + url.QueryEscape(requestURI)}
	}
	return GateOutcome{}
}

// Gate wraps a handler with the request gate.
func (s *Service) Gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hasCookie := false
		if cookie, err := r.Cookie(s.cfg.CookieName); err == nil && cookie.Value != "" {
			hasCookie = true
		}

		fromBootstrap := refererIsBootstrap(r.Referer())
		if !fromBootstrap {
			if _, err := r.Cookie(bootstrapMarkerCookie); err == nil {
				fromBootstrap = true
			}
		}

		outcome := DecideGate(r.URL.RequestURI(), hasCookie, fromBootstrap)
		switch {
		case outcome.Pong:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("pong"))
		case outcome.RedirectTo != "":
			http.Redirect(w, r, outcome.RedirectTo, http.StatusFound)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func refererIsBootstrap(referer string) bool {
	if referer == "" {
		return false
	}
	parsed, err := url.Parse(referer)
	if err != nil {
		return false
	}
	return parsed.Path == guestBootstrapPath
}
