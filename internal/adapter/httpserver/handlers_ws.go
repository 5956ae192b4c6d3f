package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/centrifugal/centrifuge"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/livepoll/internal/broadcast"
	"github.com/pscheid92/livepoll/internal/device"
)

func (s *Server) registerStreamRoutes() {
	s.echo.GET("/ws", s.handleViewerSocket)
	if s.centrifugeHandler != nil {
		s.echo.GET("/connection/websocket", echo.WrapHandler(s.centrifugeCredentials(s.centrifugeHandler)))
	}
}

// handleViewerSocket streams every poll change to one browser until either
// side goes away.
func (s *Server) handleViewerSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already answered the client.
		slog.DebugContext(c.Request().Context(), "WebSocket upgrade failed", "error", err)
		return nil
	}

	viewer := broadcast.NewConnViewer(conn, s.clock)
	handle, err := s.hub.Attach(viewer)
	if err != nil {
		reason := "server unavailable"
		if errors.Is(err, broadcast.ErrTooManyViewers) {
			reason = "too many viewers"
		}
		slog.WarnContext(c.Request().Context(), "Rejected poll viewer", "error", err)
		viewer.Close(reason)
		return nil
	}
	defer s.hub.Detach(handle)

	viewer.Serve(c.Request().Context())
	return nil
}

// centrifugeCredentials names the connection after the device cookie when
// there is one. Anonymous viewers are admitted by the node.
func (s *Server) centrifugeCredentials(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := s.sessionStore.Get(r, deviceSessionName)
		if err == nil {
			if id, ok := device.NewIdentity(&cookieStore{session: session}).Current(); ok {
				r = r.WithContext(centrifuge.SetCredentials(r.Context(), &centrifuge.Credentials{UserID: id}))
			}
		}
		next.ServeHTTP(w, r)
	})
}
