package httpserver

import (
	"fmt"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/livepoll/internal/device"
)

const (
	deviceSessionName = "livepoll-device"
	adminSessionName  = "livepoll-admin"
	sessionKeyAdmin   = "admin"
)

// cookieStore is a device.LocalStore kept in a signed cookie. Writes are
// buffered in the session until save.
type cookieStore struct {
	session *sessions.Session
	dirty   bool
}

var _ device.LocalStore = (*cookieStore)(nil)

func (s *cookieStore) Get(key string) (string, bool) {
	v, ok := s.session.Values[key].(string)
	return v, ok
}

func (s *cookieStore) Set(key, value string) error {
	s.session.Values[key] = value
	s.dirty = true
	return nil
}

func (s *cookieStore) Delete(key string) error {
	if _, ok := s.session.Values[key]; ok {
		delete(s.session.Values, key)
		s.dirty = true
	}
	return nil
}

// save writes the cookie if anything changed. It must run before the body.
func (s *cookieStore) save(c echo.Context) error {
	if !s.dirty {
		return nil
	}
	if err := s.session.Save(c.Request(), c.Response()); err != nil {
		return fmt.Errorf("failed to save device cookie: %w", err)
	}
	s.dirty = false
	return nil
}

// deviceStore opens the device cookie. A cookie that fails verification is
// replaced by a fresh one.
func (s *Server) deviceStore(c echo.Context) *cookieStore {
	session, _ := s.sessionStore.Get(c.Request(), deviceSessionName)
	return &cookieStore{session: session}
}

func (s *Server) isAdminSession(c echo.Context) bool {
	session, err := s.sessionStore.Get(c.Request(), adminSessionName)
	if err != nil {
		return false
	}
	ok, _ := session.Values[sessionKeyAdmin].(bool)
	return ok
}

func (s *Server) setAdminSession(c echo.Context, admin bool) error {
	session, _ := s.sessionStore.Get(c.Request(), adminSessionName)

	opts := *s.sessionStore.Options
	opts.SameSite = http.SameSiteStrictMode
	if !admin {
		opts.MaxAge = -1
	}
	session.Options = &opts
	session.Values[sessionKeyAdmin] = admin

	if err := session.Save(c.Request(), c.Response()); err != nil {
		return fmt.Errorf("failed to save admin session: %w", err)
	}
	return nil
}
