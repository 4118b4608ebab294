package app

import (
	"log"
	"net/http"
	"strings"
	"time"
)

// handleGuestBootstrap provisions an anonymous account and session, then
// redirects back to where the browser was headed. Failures never surface
// as error pages: the browser is sent to /login instead and the cause is
// logged.
func (s *Service) handleGuestBootstrap(w http.ResponseWriter, r *http.Request) {
	redirectURL := r.URL.Query().Get("redirectUrl")
	if redirectURL == "" || !strings.HasPrefix(redirectURL, "/") ||
		strings.HasPrefix(redirectURL, "//") || strings.HasPrefix(redirectURL, `/\`) {
		// Relative paths only, so the endpoint cannot be used as an
		// open redirector. Browsers treat both // and /\ as
		// protocol-relative.
		redirectURL = "/"
	}

	// Idempotent: a browser that already holds a valid session keeps it.
	if _, err := s.SessionFromRequest(r.Context(), r); err == nil {
		http.Redirect(w, r, redirectURL, http.StatusFound)
		return
	}

	sess, err := s.CreateGuestSession(r.Context())
	if err != nil {
		log.Printf("guest bootstrap failed: %v", err)
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	s.setSessionCookie(w, sess)
	http.SetCookie(w, &http.Cookie{
		Name:     bootstrapMarkerCookie,
		Value:    "1",
		Path:     "/",
		MaxAge:   60,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (s *Service) setSessionCookie(w http.ResponseWriter, sess Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		MaxAge:   int(time.Until(sess.ExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Service) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
