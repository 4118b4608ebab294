package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"parley/api/internal/store"
)

func TestRegisterSetsSessionCookie(t *testing.T) {
	var createdEmail string
	fs := &fakeStore{
		createUserFn: func(_ context.Context, email, passwordHash, userType string) (store.User, error) {
			createdEmail = email
			return store.User{ID: "user-1", Email: email, UserType: userType}, nil
		},
	}
	svc, _ := newTestService(fs)
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register",
		bytes.NewBufferString(`{"email":"New@Example.test","password":"hunter2hunter2"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if createdEmail != "new@example.test" {
		t.Errorf("expected lowercased email, got %q", createdEmail)
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["userType"] != store.UserTypeRegular {
		t.Errorf("expected regular userType, got %v", payload["userType"])
	}

	cookieSet := false
	for _, cookie := range rr.Result().Cookies() {
		if cookie.Name == svc.CookieName() && cookie.Value != "" {
			cookieSet = true
		}
	}
	if !cookieSet {
		t.Error("expected session cookie after register")
	}
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	fs := &fakeStore{
		getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			return store.User{ID: "user-1", Email: email}, nil
		},
	}
	svc, _ := newTestService(fs)
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register",
		bytes.NewBufferString(`{"email":"taken@example.test","password":"hunter2hunter2"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &payload)
	if payload["code"] != "EMAIL_EXISTS" {
		t.Errorf("expected code EMAIL_EXISTS, got %v", payload["code"])
	}
}

func TestLoginWithWrongPasswordReturnsUnauthorized(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("correct-password"), bcrypt.MinCost)
	fs := &fakeStore{
		getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			return store.User{ID: "user-1", Email: email, PasswordHash: string(hash), UserType: store.UserTypeRegular}, nil
		},
	}
	svc, _ := newTestService(fs)
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
		bytes.NewBufferString(`{"email":"a@b.test","password":"wrong"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestLoginRejectsGuestAccounts(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("some-password"), bcrypt.MinCost)
	fs := &fakeStore{
		getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			return store.User{ID: "guest-1", Email: email, PasswordHash: string(hash), UserType: store.UserTypeGuest}, nil
		},
	}
	svc, _ := newTestService(fs)
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
		bytes.NewBufferString(`{"email":"guest-1@parley.local","password":"some-password"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for guest credentials, got %d", rr.Code)
	}
}

func TestSessionEndpointReflectsAuthState(t *testing.T) {
	svc, _ := newTestService(&fakeStore{})
	server := NewHTTPServer(svc, "*")

	// Signed out.
	req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &payload)
	if payload["authenticated"] != false {
		t.Errorf("expected authenticated=false, got %v", payload["authenticated"])
	}

	// Signed in.
	_, cookie := issueSessionFor(t, svc, store.User{ID: "user-1", Email: "a@b.test", UserType: store.UserTypeRegular})
	req = httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	req.AddCookie(cookie)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	payload = map[string]any{}
	_ = json.Unmarshal(rr.Body.Bytes(), &payload)
	if payload["authenticated"] != true {
		t.Fatalf("expected authenticated=true, got body=%s", rr.Body.String())
	}
	if payload["userType"] != store.UserTypeRegular {
		t.Errorf("expected regular userType, got %v", payload["userType"])
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	svc, sessions := newTestService(&fakeStore{})
	server := NewHTTPServer(svc, "*")

	_, cookie := issueSessionFor(t, svc, store.User{ID: "user-1", Email: "a@b.test", UserType: store.UserTypeRegular})
	if len(sessions.records) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions.records))
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.AddCookie(cookie)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(sessions.records) != 0 {
		t.Errorf("expected session to be revoked, %d remain", len(sessions.records))
	}

	cleared := false
	for _, c := range rr.Result().Cookies() {
		if c.Name == svc.CookieName() && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("expected session cookie to be cleared")
	}
}

func TestProtectedRouteWithoutCookieReturnsUnauthorized(t *testing.T) {
	svc, _ := newTestService(&fakeStore{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestProtectedRouteWithRevokedSessionReturnsUnauthorized(t *testing.T) {
	svc, _ := newTestService(&fakeStore{})
	server := NewHTTPServer(svc, "*")

	sess, cookie := issueSessionFor(t, svc, store.User{ID: "user-1", Email: "a@b.test", UserType: store.UserTypeRegular})
	if err := svc.RevokeSession(context.Background(), sess.Token); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	req.AddCookie(cookie)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after revocation, got %d", rr.Code)
	}
}

func TestProtectedRouteSessionStoreOutageReturnsServerError(t *testing.T) {
	// A session store failure is not the caller's fault: the request must
	// surface a 5xx, not sign the caller out.
	svc, sessions := newTestService(&fakeStore{})
	server := NewHTTPServer(svc, "*")

	_, cookie := issueSessionFor(t, svc, store.User{ID: "user-1", Email: "a@b.test", UserType: store.UserTypeRegular})
	sessions.lookupErr = errors.New("connection refused")

	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	req.AddCookie(cookie)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 during store outage, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &payload)
	if payload["code"] != "SERVER_ERROR" {
		t.Errorf("expected code SERVER_ERROR, got %v", payload["code"])
	}
}
